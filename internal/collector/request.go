package collector

import (
	"sort"

	"github.com/flynn-ai/genii/internal/template"
)

// Request is the set of context fields a template refers to. Fields not
// in the request are never computed.
type Request map[string]bool

// NewRequest builds a request from field names.
func NewRequest(names ...string) Request {
	r := Request{}
	r.Add(names...)
	return r
}

// ForTemplates scans compiled templates. Nil templates are skipped.
func ForTemplates(tpls ...*template.Template) Request {
	r := Request{}
	for _, t := range tpls {
		if t != nil {
			r.Add(t.Variables()...)
		}
	}
	return r
}

func (r Request) Add(names ...string) {
	for _, n := range names {
		r[n] = true
	}
}

// Has reports whether name was requested.
func (r Request) Has(name string) bool { return r[name] }

// Names returns the requested fields, sorted.
func (r Request) Names() []string {
	out := make([]string, 0, len(r))
	for n := range r {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// contextVariables are the fields the collector computes for a template.
var contextVariables = map[string]bool{
	"tg_selection": true, "selection": true, "selections": true,
	"previousWord": true, "nextWord": true, "beforeCursor": true, "afterCursor": true,
	"inverseSelection": true, "cursorParagraph": true, "cursorSentence": true,
	"content": true, "highlights": true, "starredBlocks": true, "yaml": true,
	"metadata": true, "headings": true, "children": true, "mentions": true,
	"extractions": true, "keys": true, "title": true, "frontmatter": true,
	"context": true,
}

// IsContextVariable reports whether name is filled in by the collector
// rather than by the user.
func IsContextVariable(name string) bool { return contextVariables[name] }
