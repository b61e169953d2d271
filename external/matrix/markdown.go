package matrix

import (
	"bytes"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

const formatHTML = "org.matrix.custom.html"

func newMarkdown() goldmark.Markdown {
	return goldmark.New(
		goldmark.WithExtensions(extension.GFM),
		goldmark.WithRendererOptions(html.WithHardWraps()),
	)
}

// renderMarkdown converts a markdown body to the HTML sent as
// formatted_body. Raw HTML in the source is escaped by goldmark's default
// renderer.
func (c *Client) renderMarkdown(body string) (string, bool) {
	var buf bytes.Buffer
	if err := c.markdown.Convert([]byte(body), &buf); err != nil {
		return "", false
	}
	return strings.TrimSpace(buf.String()), true
}
