// Package htmltext renders HTML fragments and documents as plain text for multipart mail
// bodies.
package htmltext

import (
	"io"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var lineFeeds = regexp.MustCompile(`[\r\n]+`)

// FromHTML converts markup to plain text. Comments, script and style content
// are dropped, entities are decoded and paragraphs, line breaks and block
// elements become CRLF. With collapse set, runs of line feeds are merged into
// one and leading/trailing line feeds are trimmed.
func FromHTML(markup string, collapse bool) string {
	if strings.TrimSpace(markup) == "" {
		return ""
	}

	// Fragments and whole documents both go through the document parser;
	// a fragment just lands in the implied body.
	doc, err := html.Parse(strings.NewReader(markup))
	if err != nil {
		return ""
	}

	var sb strings.Builder
	render(&sb, doc)

	out := sb.String()
	if collapse {
		out = strings.Trim(lineFeeds.ReplaceAllString(out, "\n"), "\n")
	}
	return out
}

// FromReader is FromHTML for streamed documents.
func FromReader(r io.Reader, collapse bool) (string, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return FromHTML(string(b), collapse), nil
}

func render(w *strings.Builder, n *html.Node) {
	switch n.Type {
	case html.CommentNode, html.DoctypeNode:
		return
	case html.TextNode:
		if p := n.Parent; p != nil && (p.DataAtom == atom.Script || p.DataAtom == atom.Style) {
			return
		}
		if strings.TrimSpace(n.Data) != "" {
			w.WriteString(n.Data)
		}
		return
	case html.ElementNode:
		switch n.DataAtom {
		case atom.Script, atom.Style, atom.Head:
			return
		case atom.P:
			w.WriteString("\r\n")
		case atom.Br:
			w.WriteString("\r\n")
			return
		}
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		render(w, c)
	}

	if n.Type == html.ElementNode && isBlock(n.DataAtom) {
		w.WriteString("\r\n")
	}
}

func isBlock(a atom.Atom) bool {
	switch a {
	case atom.Div, atom.Li, atom.Tr, atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6, atom.Table, atom.Ul, atom.Ol:
		return true
	default:
		return false
	}
}
