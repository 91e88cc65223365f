package browser

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// DefaultMaxTextLength bounds get_page_text output.
const DefaultMaxTextLength = 8000

// skipped elements carry no readable text.
var skipped = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Template: true,
	atom.Svg:      true,
	atom.Head:     true,
	atom.Iframe:   true,
}

// block elements start a new line.
var block = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Br: true, atom.Li: true, atom.Tr: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Section: true, atom.Article: true, atom.Header: true, atom.Footer: true,
	atom.Nav: true, atom.Main: true, atom.Aside: true, atom.Ul: true, atom.Ol: true,
	atom.Table: true, atom.Blockquote: true, atom.Pre: true, atom.Form: true,
	atom.Hr: true, atom.Dt: true, atom.Dd: true, atom.Figcaption: true,
}

// Readable is the visible text of a document.
type Readable struct {
	Title     string
	Text      string
	Truncated bool
}

// ReadableText parses a serialized DOM and returns its title and
// visible text, one block per line, cut at maxLength bytes.
func ReadableText(rawHTML string, maxLength int) (Readable, error) {
	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return Readable{}, fmt.Errorf("parse HTML: %w", err)
	}
	if maxLength <= 0 {
		maxLength = DefaultMaxTextLength
	}

	var r Readable
	r.Title = findTitle(doc)

	var lines []string
	var cur strings.Builder
	flush := func() {
		if line := strings.Join(strings.Fields(cur.String()), " "); line != "" {
			lines = append(lines, line)
		}
		cur.Reset()
	}

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && skipped[n.DataAtom] {
			return
		}
		if n.Type == html.TextNode {
			cur.WriteString(n.Data)
			cur.WriteByte(' ')
			return
		}
		isBlock := n.Type == html.ElementNode && block[n.DataAtom]
		if isBlock {
			flush()
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if isBlock {
			flush()
		}
	}
	walk(doc)
	flush()

	text := strings.Join(lines, "\n")
	if len(text) > maxLength {
		cut := maxLength
		// Do not split a UTF-8 sequence.
		for cut > 0 && !isRuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
		r.Truncated = true
	}
	r.Text = text
	return r, nil
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

func findTitle(n *html.Node) string {
	if n.Type == html.ElementNode && n.DataAtom == atom.Title {
		if n.FirstChild != nil {
			return strings.TrimSpace(n.FirstChild.Data)
		}
		return ""
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if t := findTitle(c); t != "" {
			return t
		}
	}
	return ""
}
