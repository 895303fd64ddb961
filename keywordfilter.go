package xmppubsub

import (
	"strings"

	"golang.org/x/text/cases"
)

// foldCaser performs Unicode-aware case folding so the subscription
// keyword filter's substring match (§4.5e) is not defeated by simple
// ASCII case differences. golang.org/x/text is already part of the
// teacher's module graph (transitively, via go.uber.org/zap's own
// dependency closure); this is the first direct use of it.
var foldCaser = cases.Fold()

// payloadText flattens an item payload's character data into a single
// string for keyword matching.
func payloadText(el *Element) string {
	if el == nil {
		return ""
	}
	var b strings.Builder
	var walk func(*Element)
	walk = func(e *Element) {
		b.WriteString(e.CharData)
		for _, c := range e.Children {
			walk(c)
		}
	}
	walk(el)
	return b.String()
}

// MatchesKeyword reports whether payload's text contains keyword,
// case-insensitively. An empty keyword always matches (no filter
// configured).
func MatchesKeyword(payload *Element, keyword string) bool {
	if keyword == "" {
		return true
	}
	folded := foldCaser.String(payloadText(payload))
	return strings.Contains(folded, foldCaser.String(keyword))
}
