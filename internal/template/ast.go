package template

import (
	"strings"

	"github.com/alecthomas/participle/v2/lexer"
)

type node any

type textNode struct {
	text string
}

// mustacheNode is {{expr}} or {{{expr}}}.
type mustacheNode struct {
	call *callExpr
	pos  lexer.Position
}

// blockNode is {{#name ...}}body{{else}}inverse{{/name}}, or the inverted
// form {{^name}}body{{/name}}.
type blockNode struct {
	call     *callExpr
	body     []node
	inverse  []node
	inverted bool
	pos      lexer.Position
}

// callExpr is a helper invocation or a plain value: head followed by
// positional params and key=value pairs.
type callExpr struct {
	head   expr
	params []expr
	hash   []hashPair
}

type hashPair struct {
	key   string
	value expr
}

// expr is one of *pathExpr, literal or *callExpr (a sub-expression).
type expr any

type literal struct {
	value any
}

// pathExpr is a dotted lookup such as title, this.x, ../x, @index or @root.a.
type pathExpr struct {
	original string
	up       int
	data     bool
	this     bool
	parts    []string
}

func parsePath(s string) *pathExpr {
	p := &pathExpr{original: s}
	for strings.HasPrefix(s, "../") {
		p.up++
		s = s[3:]
	}
	if strings.HasPrefix(s, "@") {
		p.data = true
		s = s[1:]
	}
	s = strings.ReplaceAll(s, "/", ".")
	var parts []string
	for _, part := range strings.Split(s, ".") {
		if part != "" {
			parts = append(parts, part)
		}
	}
	if !p.data && (len(parts) == 0 || parts[0] == "this") {
		p.this = true
		if len(parts) > 0 {
			parts = parts[1:]
		}
	}
	p.parts = parts
	return p
}

// simpleName returns the identifier when the path is a bare name that
// could refer to a helper.
func (p *pathExpr) simpleName() (string, bool) {
	if p.up > 0 || p.data || p.this || len(p.parts) != 1 {
		return "", false
	}
	return p.parts[0], true
}

// headName returns the helper name for a call, if the head is a bare name.
func (c *callExpr) headName() (string, bool) {
	p, ok := c.head.(*pathExpr)
	if !ok {
		return "", false
	}
	return p.simpleName()
}

func (c *callExpr) hasArgs() bool {
	return len(c.params) > 0 || len(c.hash) > 0
}
