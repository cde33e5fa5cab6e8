package extract

import (
	"strings"

	"golang.org/x/net/html"
)

// blockTags end a visible-text line when their element closes.
var blockTags = map[string]struct{}{
	"p": {}, "div": {}, "li": {}, "ul": {}, "ol": {},
	"h1": {}, "h2": {}, "h3": {}, "h4": {}, "h5": {}, "h6": {},
	"tr": {}, "table": {}, "section": {}, "article": {},
	"header": {}, "footer": {}, "main": {}, "nav": {}, "aside": {},
}

// skipTags contribute no visible text at all.
var skipTags = map[string]struct{}{
	"script": {}, "style": {}, "noscript": {}, "head": {}, "title": {}, "template": {},
}

// VisibleText renders the HTML's visible text with one line per block-level
// element, approximating what a browser reports for the page body. Used when
// a session supplies only an HTML snapshot.
func VisibleText(rawHTML string) string {
	tokenizer := html.NewTokenizer(strings.NewReader(rawHTML))
	var buf strings.Builder
	skipDepth := 0

	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return buf.String()
		case html.StartTagToken:
			tn, _ := tokenizer.TagName()
			tag := string(tn)
			if _, skip := skipTags[tag]; skip {
				skipDepth++
			}
			if tag == "br" {
				buf.WriteByte('\n')
			}
		case html.SelfClosingTagToken:
			tn, _ := tokenizer.TagName()
			if string(tn) == "br" {
				buf.WriteByte('\n')
			}
		case html.EndTagToken:
			tn, _ := tokenizer.TagName()
			tag := string(tn)
			if _, skip := skipTags[tag]; skip {
				if skipDepth > 0 {
					skipDepth--
				}
			}
			if _, block := blockTags[tag]; block {
				buf.WriteByte('\n')
			}
		case html.TextToken:
			if skipDepth == 0 {
				buf.WriteString(string(tokenizer.Text()))
			}
		}
	}
}
