package providers

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// PlainText reduces scraped markup to whitespace-collapsed text of at most
// limit runes. Input that is not HTML passes through the same way.
func PlainText(content string, limit int) string {
	text := content
	if doc, err := goquery.NewDocumentFromReader(strings.NewReader(content)); err == nil {
		doc.Find("script, style, noscript, svg").Remove()
		text = doc.Text()
	}

	text = strings.Join(strings.Fields(text), " ")
	if limit > 0 {
		if r := []rune(text); len(r) > limit {
			text = string(r[:limit])
		}
	}
	return text
}
