package build

import (
	"bytes"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// RewriteHTML removes comments, and script elements whose src is listed in
// strip, from an HTML document.
func RewriteHTML(src []byte, strip []string) ([]byte, error) {
	doc, err := html.Parse(bytes.NewReader(src))
	if err != nil {
		return nil, err
	}

	drop := make(map[string]struct{}, len(strip))
	for _, s := range strip {
		drop[s] = struct{}{}
	}

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		for c := n.FirstChild; c != nil; {
			next := c.NextSibling
			if removable(c, drop) {
				n.RemoveChild(c)
			} else {
				walk(c)
			}
			c = next
		}
	}
	walk(doc)

	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func removable(n *html.Node, drop map[string]struct{}) bool {
	switch n.Type {
	case html.CommentNode:
		return true
	case html.ElementNode:
		if n.DataAtom != atom.Script {
			return false
		}
		for _, a := range n.Attr {
			if a.Key != "src" {
				continue
			}
			src := a.Val
			if i := strings.IndexAny(src, "?#"); i >= 0 {
				src = src[:i]
			}
			_, ok := drop[src]
			return ok
		}
	}
	return false
}
