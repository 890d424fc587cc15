package fingerprint

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// hiddenSelector matches nodes whose text never reaches the reader.
const hiddenSelector = "script, style, meta, noscript, head, template, [hidden]"

// Content is the normalized visible content of a document.
type Content struct {
	Text   string
	Images []string
}

// Canonical encodes the text followed by the ordered image references, each
// as a netstring ("<len>:<bytes>,"). The length prefixes keep the encoding
// injective: text containing separators can never collide with a different
// image list. This string is what the fingerprint digests.
func (c Content) Canonical() string {
	var b strings.Builder
	writeNetstring(&b, c.Text)
	for _, src := range c.Images {
		writeNetstring(&b, src)
	}
	return b.String()
}

func writeNetstring(b *strings.Builder, s string) {
	b.WriteString(strconv.Itoa(len(s)))
	b.WriteByte(':')
	b.WriteString(s)
	b.WriteByte(',')
}

// Extract strips non-visible nodes from an HTML document and returns its
// whitespace-normalized text and image sources in document order.
func Extract(body []byte) (Content, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return Content{}, fmt.Errorf("parse html: %w", err)
	}
	doc.Find(hiddenSelector).Remove()

	var parts []string
	collectText(doc.Selection, &parts)

	var images []string
	doc.Find("img[src]").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		images = append(images, src)
	})

	return Content{
		Text:   strings.Join(strings.Fields(strings.Join(parts, " ")), " "),
		Images: images,
	}, nil
}

// collectText gathers text nodes separately so adjacent block elements do
// not run their words together.
func collectText(sel *goquery.Selection, parts *[]string) {
	sel.Contents().Each(func(_ int, s *goquery.Selection) {
		if goquery.NodeName(s) == "#text" {
			if text := strings.TrimSpace(s.Text()); text != "" {
				*parts = append(*parts, text)
			}
			return
		}
		collectText(s, parts)
	})
}

// Preview truncates text to at most limit characters, marking truncation
// with a trailing ellipsis.
func Preview(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	if limit <= 3 {
		return string(runes[:limit])
	}
	return string(runes[:limit-3]) + "..."
}
