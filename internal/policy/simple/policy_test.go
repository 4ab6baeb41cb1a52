package simple

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/distcrawl/internal/crawler"
)

func TestPolicyAllowIndex(t *testing.T) {
	t.Parallel()
	p := New(0, 0, nil)

	require.True(t, p.AllowIndex("https://a.org/", 200, crawler.PageContent{}))
	require.False(t, p.AllowIndex("https://a.org/", 404, crawler.PageContent{}))
	require.False(t, p.AllowIndex("https://a.org/", 200, crawler.PageContent{RobotMeta: []string{"noindex"}}))
	require.False(t, p.AllowIndex("https://a.org/", 200, crawler.PageContent{RobotMeta: []string{"none"}}))
}

func TestPolicyLinks(t *testing.T) {
	t.Parallel()
	content := crawler.PageContent{Links: []string{
		"https://B.org/x#frag",
		"https://b.org/x",
		"mailto:someone@b.org",
		"https://c.org/",
		"https://d.org/",
	}}

	require.Equal(t, []string{"https://b.org/x", "https://c.org/", "https://d.org/"},
		New(0, 0, nil).Links("https://a.org/", 1, content))
	require.Equal(t, []string{"https://b.org/x", "https://c.org/"},
		New(0, 2, nil).Links("https://a.org/", 1, content))
	require.Nil(t, New(3, 0, nil).Links("https://a.org/", 3, content), "depth limit reached")

	content.RobotMeta = []string{"nofollow"}
	require.Nil(t, New(0, 0, nil).Links("https://a.org/", 1, content))
}
