package message

import (
	"io"
	"strings"

	"github.com/jaytaylor/html2text"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var (
	ugcPolicy    = bluemonday.UGCPolicy()
	strictPolicy = bluemonday.StrictPolicy()
)

// LooksLikeHTML reports whether s contains at least one start tag of a
// known HTML element. Angle-bracketed addresses and stray comparison
// operators do not count.
func LooksLikeHTML(s string) bool {
	if !strings.Contains(s, "<") {
		return false
	}
	z := html.NewTokenizer(strings.NewReader(s))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return false
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			if atom.Lookup(name) != 0 {
				return true
			}
		}
	}
}

// RenderText projects an HTML document to plain text.
func RenderText(doc string) string {
	text, err := html2text.FromString(doc, html2text.Options{OmitLinks: false})
	if err != nil {
		return strings.TrimSpace(strictPolicy.Sanitize(doc))
	}
	return text
}

// SanitizeHTML strips scripts, event handlers and other unsafe markup.
func SanitizeHTML(doc string) string {
	return ugcPolicy.Sanitize(doc)
}

func readString(r io.Reader) (string, error) {
	var b strings.Builder
	if _, err := io.Copy(&b, r); err != nil {
		return b.String(), err
	}
	return b.String(), nil
}
