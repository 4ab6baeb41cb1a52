package process

import (
	"strings"
	"unicode/utf8"

	"github.com/JakeFAU/distcrawl/internal/crawler"
)

// TextProcessor indexes plain text. The first non-empty line becomes the
// title.
type TextProcessor struct{}

// Process implements Processor.
func (TextProcessor) Process(_ string, body []byte) (crawler.PageContent, error) {
	text := string(body)
	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, " ")
	}
	var title string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			title = line
			break
		}
	}
	if len(title) > 120 {
		title = title[:120]
	}
	return crawler.PageContent{Title: title, Text: collapse(text)}, nil
}
