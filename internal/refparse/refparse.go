// Package refparse extracts tagged entity references from chat message text.
//
// A reference is written as @[display text](kind:id). A reference without a
// kind, @[Ana](u_42), resolves to a user mention. Anything that does not
// resolve cleanly is left as plain text.
package refparse

import (
	"regexp"
	"strings"
)

// Kind identifies the type of entity a reference points at.
type Kind string

const (
	KindUser      Kind = "user"
	KindCustomer  Kind = "customer"
	KindWorkOrder Kind = "workorder"
	KindBooking   Kind = "booking"
	KindInvoice   Kind = "invoice"
	KindAsset     Kind = "asset"
)

var knownKinds = map[Kind]struct{}{
	KindUser:      {},
	KindCustomer:  {},
	KindWorkOrder: {},
	KindBooking:   {},
	KindInvoice:   {},
	KindAsset:     {},
}

// Reference is a resolved entity mention.
type Reference struct {
	Kind        Kind   `json:"kind"`
	ID          string `json:"id"`
	DisplayText string `json:"displayText"`
}

// Segment is a slice of message text. Ref is nil for plain text.
type Segment struct {
	Text string
	Ref  *Reference
}

// refRe matches @[display](target). Display text may not contain brackets and
// the target may not contain parens or whitespace.
var refRe = regexp.MustCompile(`@\[([^\[\]]+)\]\(([^()\s]+)\)`)

// Parse returns every resolvable reference in text, in order of appearance.
func Parse(text string) []Reference {
	refs := make([]Reference, 0)
	for _, seg := range Split(text) {
		if seg.Ref != nil {
			refs = append(refs, *seg.Ref)
		}
	}
	return refs
}

// Split breaks text into plain and reference segments. Adjacent plain text is
// merged, so unresolvable markup ends up inside a plain segment.
func Split(text string) []Segment {
	segments := make([]Segment, 0, 1)
	appendPlain := func(s string) {
		if s == "" {
			return
		}
		if n := len(segments); n > 0 && segments[n-1].Ref == nil {
			segments[n-1].Text += s
			return
		}
		segments = append(segments, Segment{Text: s})
	}

	last := 0
	for _, loc := range refRe.FindAllStringSubmatchIndex(text, -1) {
		raw := text[loc[0]:loc[1]]
		ref, ok := resolve(text[loc[2]:loc[3]], text[loc[4]:loc[5]])
		appendPlain(text[last:loc[0]])
		if ok {
			segments = append(segments, Segment{Text: raw, Ref: &ref})
		} else {
			appendPlain(raw)
		}
		last = loc[1]
	}
	appendPlain(text[last:])
	return segments
}

// Plain returns text with each reference replaced by its display text.
func Plain(text string) string {
	var b strings.Builder
	for _, seg := range Split(text) {
		if seg.Ref != nil {
			b.WriteString(seg.Ref.DisplayText)
			continue
		}
		b.WriteString(seg.Text)
	}
	return b.String()
}

func resolve(display, target string) (Reference, bool) {
	display = strings.TrimSpace(display)
	if display == "" {
		return Reference{}, false
	}
	kind := KindUser
	id := target
	if before, after, found := strings.Cut(target, ":"); found {
		kind = Kind(strings.ToLower(before))
		id = after
	}
	if _, ok := knownKinds[kind]; !ok || id == "" {
		return Reference{}, false
	}
	return Reference{Kind: kind, ID: id, DisplayText: display}, true
}
