package process

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/distcrawl/internal/crawler"
)

// HTMLProcessor reads title, description, robots meta, visible text and
// absolute links from an HTML page.
type HTMLProcessor struct {
	// TextSelectors are removed before the visible text is collected.
	TextSelectors []string
}

// NewHTMLProcessor returns a processor that ignores script, style and
// similar non-content elements.
func NewHTMLProcessor() *HTMLProcessor {
	return &HTMLProcessor{TextSelectors: []string{"script", "style", "noscript", "template", "svg", "iframe"}}
}

// Process implements Processor.
func (p *HTMLProcessor) Process(pageURL string, body []byte) (crawler.PageContent, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return crawler.PageContent{}, fmt.Errorf("parse html: %w", err)
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return crawler.PageContent{}, fmt.Errorf("parse page url: %w", err)
	}
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if b, err := base.Parse(strings.TrimSpace(href)); err == nil {
			base = b
		}
	}

	content := crawler.PageContent{
		Title:       collapse(doc.Find("title").First().Text()),
		Description: collapse(metaContent(doc, "description")),
		RobotMeta:   robotMeta(doc),
	}
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		if rel, ok := s.Attr("rel"); ok && strings.Contains(strings.ToLower(rel), "nofollow") {
			return
		}
		link, err := base.Parse(href)
		if err != nil || (link.Scheme != "http" && link.Scheme != "https") {
			return
		}
		link.Fragment = ""
		content.Links = append(content.Links, link.String())
	})

	bodySel := doc.Find("body")
	for _, sel := range p.TextSelectors {
		bodySel.Find(sel).Remove()
	}
	content.Text = collapse(bodySel.Text())
	return content, nil
}

func metaContent(doc *goquery.Document, name string) string {
	var out string
	doc.Find("meta[name]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if n, _ := s.Attr("name"); strings.EqualFold(n, name) {
			out, _ = s.Attr("content")
			return false
		}
		return true
	})
	return out
}

func robotMeta(doc *goquery.Document) []string {
	var out []string
	doc.Find("meta[name]").Each(func(_ int, s *goquery.Selection) {
		n, _ := s.Attr("name")
		if !strings.EqualFold(n, "robots") {
			return
		}
		c, _ := s.Attr("content")
		for _, v := range strings.Split(c, ",") {
			if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
				out = append(out, v)
			}
		}
	})
	return out
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
