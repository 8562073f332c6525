// Package htmltext converts post comment markup into plain text.
package htmltext

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// Plain returns the text content of an HTML fragment with entities decoded
// and <br> elements turned into newlines.
func Plain(fragment string) string {
	if fragment == "" {
		return ""
	}
	if !strings.ContainsAny(fragment, "<&") {
		return fragment
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		// Unparseable markup is kept verbatim rather than dropped.
		return fragment
	}
	doc.Find("br").Each(func(_ int, br *goquery.Selection) {
		br.ReplaceWithNodes(&html.Node{Type: html.TextNode, Data: "\n"})
	})
	// wbr is inserted into long URLs and carries no text
	doc.Find("wbr").Remove()

	return strings.TrimSpace(doc.Find("body").Text())
}
