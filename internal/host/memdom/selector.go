package memdom

import (
	"fmt"
	"strings"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
)

// selector is a compiled comma separated selector group.
type selector struct {
	group cascadia.SelectorGroup
}

func parseSelector(s string) (selector, error) {
	g, err := cascadia.ParseGroup(s)
	if err != nil {
		return selector{}, fmt.Errorf("memdom: selector %q: %w", s, err)
	}
	return selector{group: g}, nil
}

func (s selector) match(n *html.Node) bool {
	return n.Type == html.ElementNode && s.group.Match(n)
}

func attr(n *html.Node, name string) (string, bool) {
	for _, a := range n.Attr {
		if a.Namespace == "" && strings.EqualFold(a.Key, name) {
			return a.Val, true
		}
	}
	return "", false
}
