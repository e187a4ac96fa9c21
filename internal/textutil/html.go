// Package textutil holds small text helpers shared by tools and channels.
package textutil

import (
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var skipElements = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Nav:      true,
	atom.Footer:   true,
	atom.Header:   true,
	atom.Svg:      true,
	atom.Iframe:   true,
	atom.Template: true,
	atom.Head:     true,
}

var blockElements = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Br: true, atom.Li: true, atom.Tr: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Pre: true, atom.Blockquote: true, atom.Section: true, atom.Article: true,
	atom.Table: true, atom.Ul: true, atom.Ol: true, atom.Hr: true,
}

// HTMLToText extracts readable text and the document title from HTML.
// Script, style and page chrome are dropped; block elements become line breaks.
func HTMLToText(r io.Reader) (title, text string) {
	z := html.NewTokenizer(r)
	var (
		b        strings.Builder
		skip     int
		inTitle  bool
		titleBuf strings.Builder
	)
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return strings.TrimSpace(titleBuf.String()), tidyLines(b.String())
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			a := atom.Lookup(name)
			if a == atom.Title {
				inTitle = tt == html.StartTagToken
				continue
			}
			if skipElements[a] && tt == html.StartTagToken {
				skip++
				continue
			}
			if blockElements[a] {
				b.WriteByte('\n')
			}
			if a == atom.Li {
				b.WriteString("- ")
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			a := atom.Lookup(name)
			if a == atom.Title {
				inTitle = false
				continue
			}
			if skipElements[a] && skip > 0 {
				skip--
				continue
			}
			if blockElements[a] {
				b.WriteByte('\n')
			}
		case html.TextToken:
			if inTitle {
				titleBuf.Write(z.Text())
				continue
			}
			if skip > 0 {
				continue
			}
			b.Write(z.Text())
		}
	}
}

func tidyLines(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, l := range lines {
		l = strings.Join(strings.Fields(l), " ")
		if l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}

// Truncate shortens s to at most max runes and reports whether it cut.
func Truncate(s string, max int) (string, bool) {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s, false
	}
	n := 0
	for i := range s {
		if n == max {
			return s[:i], true
		}
		n++
	}
	return s, false
}
