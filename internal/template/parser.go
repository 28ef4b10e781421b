package template

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/alecthomas/participle/v2/lexer"

	"github.com/flynn-ai/genii/internal/errors"
)

type segKind int

const (
	segText segKind = iota
	segComment
	segMustache
	segOpen
	segInverse
	segElse
	segEnd
)

type segment struct {
	kind       segKind
	text       string
	call       *callExpr
	name       string
	stripLeft  bool
	stripRight bool
	lineStart  bool
	pos        lexer.Position
}

func syntaxError(pos lexer.Position, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if pos.Line > 0 {
		msg = fmt.Sprintf("%s (line %d, column %d)", msg, pos.Line, pos.Column)
	}
	return errors.Template(errors.CodeTemplateSyntax, msg)
}

// parse turns template source into a node tree.
func parse(src string) ([]node, error) {
	toks, err := tokenize(src)
	if err != nil {
		return nil, errors.NewBuilder(errors.CodeTemplateSyntax, "cannot tokenize template").
			Kind(errors.KindTemplate).
			Permanent().
			Wrap(err).
			Build()
	}

	p := &tagParser{toks: toks}
	segs, err := p.segments()
	if err != nil {
		return nil, err
	}
	stripWhitespace(segs)

	b := &treeBuilder{segs: segs}
	nodes, term, err := b.nodes()
	if err != nil {
		return nil, err
	}
	if term != nil {
		if term.kind == segElse {
			return nil, syntaxError(term.pos, "{{else}} outside of a block")
		}
		return nil, syntaxError(term.pos, "unmatched {{/%s}}", term.name)
	}
	return nodes, nil
}

// ============================================================
// Tags
// ============================================================

type tagParser struct {
	toks []lexer.Token
	i    int
}

func (p *tagParser) peek() lexer.Token {
	if p.i >= len(p.toks) {
		return lexer.Token{Type: lexer.EOF}
	}
	return p.toks[p.i]
}

func (p *tagParser) next() lexer.Token {
	t := p.peek()
	if p.i < len(p.toks) {
		p.i++
	}
	return t
}

func (p *tagParser) skipWS() {
	for p.peek().Type == tokWhitespace {
		p.i++
	}
}

func (p *tagParser) segments() ([]*segment, error) {
	var segs []*segment
	for {
		t := p.next()
		switch t.Type {
		case lexer.EOF:
			return segs, nil

		case tokText:
			if n := len(segs); n > 0 && segs[n-1].kind == segText {
				segs[n-1].text += t.Value
				continue
			}
			segs = append(segs, &segment{kind: segText, text: t.Value, pos: t.Pos})

		case tokComment:
			segs = append(segs, &segment{
				kind:       segComment,
				stripLeft:  strings.HasPrefix(t.Value, "{{~"),
				stripRight: strings.HasSuffix(t.Value, "~}}"),
				pos:        t.Pos,
			})

		case tokOpen, tokOpenRaw, tokOpenBlock, tokOpenInverse, tokOpenEnd:
			seg, err := p.tag(t)
			if err != nil {
				return nil, err
			}
			segs = append(segs, seg)

		default:
			return nil, syntaxError(t.Pos, "unexpected %q", t.Value)
		}
	}
}

func (p *tagParser) tag(open lexer.Token) (*segment, error) {
	seg := &segment{pos: open.Pos, stripLeft: strings.HasPrefix(open.Value, "{{~")}
	closeType := tokClose
	if open.Type == tokOpenRaw {
		closeType = tokRawClose
	}

	p.skipWS()
	switch open.Type {
	case tokOpenEnd:
		t := p.next()
		if t.Type != tokPath {
			return nil, syntaxError(t.Pos, "expected block name after {{/")
		}
		seg.kind = segEnd
		seg.name = t.Value

	case tokOpenInverse:
		if p.peek().Type == closeType {
			seg.kind = segElse
			break
		}
		call, err := p.call(closeType)
		if err != nil {
			return nil, err
		}
		seg.kind = segInverse
		seg.call = call

	case tokOpenBlock:
		call, err := p.call(closeType)
		if err != nil {
			return nil, err
		}
		seg.kind = segOpen
		seg.call = call

	default:
		if p.peek().Type == tokAmp {
			p.i++
			p.skipWS()
		}
		call, err := p.call(closeType)
		if err != nil {
			return nil, err
		}
		seg.kind = segMustache
		seg.call = call
		if name, ok := call.headName(); ok && name == "else" && open.Type == tokOpen {
			seg.kind = segElse
			seg.call = nil
			if len(call.params) > 0 {
				seg.call = &callExpr{head: call.params[0], params: call.params[1:], hash: call.hash}
			}
		}
	}

	p.skipWS()
	t := p.next()
	if t.Type != closeType {
		if t.Type == lexer.EOF {
			return nil, syntaxError(open.Pos, "unterminated tag")
		}
		return nil, syntaxError(t.Pos, "unexpected %q in tag", t.Value)
	}
	seg.stripRight = strings.HasPrefix(t.Value, "~")
	return seg, nil
}

func (p *tagParser) call(closeType lexer.TokenType) (*callExpr, error) {
	p.skipWS()
	head, err := p.expr()
	if err != nil {
		return nil, err
	}
	c := &callExpr{head: head}
	for {
		p.skipWS()
		t := p.peek()
		if t.Type == closeType || t.Type == tokRParen || t.Type == lexer.EOF {
			return c, nil
		}
		if t.Type == tokPath && p.i+1 < len(p.toks) && p.toks[p.i+1].Type == tokEq {
			p.i += 2
			p.skipWS()
			v, err := p.expr()
			if err != nil {
				return nil, err
			}
			c.hash = append(c.hash, hashPair{key: t.Value, value: v})
			continue
		}
		v, err := p.expr()
		if err != nil {
			return nil, err
		}
		c.params = append(c.params, v)
	}
}

func (p *tagParser) expr() (expr, error) {
	t := p.next()
	switch t.Type {
	case tokString:
		return literal{value: unquote(t.Value)}, nil
	case tokNumber:
		f, err := strconv.ParseFloat(t.Value, 64)
		if err != nil {
			return nil, syntaxError(t.Pos, "invalid number %q", t.Value)
		}
		return literal{value: f}, nil
	case tokPath:
		switch t.Value {
		case "true":
			return literal{value: true}, nil
		case "false":
			return literal{value: false}, nil
		case "null", "undefined":
			return literal{value: nil}, nil
		}
		return parsePath(t.Value), nil
	case tokLParen:
		c, err := p.call(tokRParen)
		if err != nil {
			return nil, err
		}
		p.skipWS()
		if r := p.next(); r.Type != tokRParen {
			return nil, syntaxError(r.Pos, "expected ) to close sub-expression")
		}
		return c, nil
	case lexer.EOF:
		return nil, syntaxError(t.Pos, "unterminated tag")
	}
	return nil, syntaxError(t.Pos, "unexpected %q in tag", t.Value)
}

func unquote(s string) string {
	if len(s) < 2 {
		return s
	}
	q := s[0]
	body := s[1 : len(s)-1]
	var b strings.Builder
	for i := 0; i < len(body); i++ {
		c := body[i]
		if c == '\\' && i+1 < len(body) {
			n := body[i+1]
			if n == q || n == '\\' {
				b.WriteByte(n)
				i++
				continue
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}

// ============================================================
// Whitespace control
// ============================================================

func standaloneKind(k segKind) bool {
	switch k {
	case segOpen, segInverse, segElse, segEnd, segComment:
		return true
	}
	return false
}

// stripWhitespace applies ~ trimming and removes the line of block tags
// that stand alone on it.
func stripWhitespace(segs []*segment) {
	if len(segs) > 0 && segs[0].kind == segText {
		segs[0].lineStart = true
	}

	for i, s := range segs {
		if s.kind == segText {
			continue
		}
		if s.stripLeft && i > 0 && segs[i-1].kind == segText {
			segs[i-1].text = strings.TrimRight(segs[i-1].text, " \t\r\n")
		}
		if s.stripRight && i+1 < len(segs) && segs[i+1].kind == segText {
			segs[i+1].text = strings.TrimLeft(segs[i+1].text, " \t\r\n")
		}
	}

	for i, s := range segs {
		if !standaloneKind(s.kind) {
			continue
		}

		var prev, next *segment
		prevOK := i == 0
		if i > 0 && segs[i-1].kind == segText {
			prev = segs[i-1]
			if j := strings.LastIndex(prev.text, "\n"); j >= 0 {
				prevOK = isBlank(prev.text[j+1:])
			} else {
				prevOK = prev.lineStart && isBlank(prev.text)
			}
		}
		if !prevOK {
			continue
		}

		nextOK := i == len(segs)-1
		if i+1 < len(segs) && segs[i+1].kind == segText {
			next = segs[i+1]
			if j := strings.Index(next.text, "\n"); j >= 0 {
				nextOK = isBlank(next.text[:j])
			} else {
				nextOK = i+1 == len(segs)-1 && isBlank(next.text)
			}
		}
		if !nextOK {
			continue
		}

		if prev != nil {
			prev.text = strings.TrimRight(prev.text, " \t")
		}
		if next != nil {
			if j := strings.Index(next.text, "\n"); j >= 0 {
				next.text = next.text[j+1:]
			} else {
				next.text = ""
			}
			next.lineStart = true
		}
	}
}

func isBlank(s string) bool {
	return strings.TrimLeft(s, " \t\r") == ""
}

// ============================================================
// Tree
// ============================================================

type treeBuilder struct {
	segs []*segment
	i    int
}

// nodes consumes segments until an {{else}} or {{/name}} (returned as
// term) or the end of input (term is nil).
func (b *treeBuilder) nodes() ([]node, *segment, error) {
	var out []node
	for b.i < len(b.segs) {
		s := b.segs[b.i]
		b.i++
		switch s.kind {
		case segText:
			if s.text != "" {
				out = append(out, &textNode{text: s.text})
			}
		case segComment:
		case segMustache:
			out = append(out, &mustacheNode{call: s.call, pos: s.pos})
		case segOpen, segInverse:
			blk, err := b.block(s)
			if err != nil {
				return nil, nil, err
			}
			out = append(out, blk)
		case segElse, segEnd:
			return out, s, nil
		}
	}
	return out, nil, nil
}

func (b *treeBuilder) block(open *segment) (*blockNode, error) {
	name := blockName(open.call)
	if name == "" {
		return nil, syntaxError(open.pos, "block must start with a name")
	}

	blk := &blockNode{call: open.call, inverted: open.kind == segInverse, pos: open.pos}
	body, term, err := b.nodes()
	if err != nil {
		return nil, err
	}
	blk.body = body

	cur := blk
	for term != nil && term.kind == segElse {
		if term.call == nil {
			inv, t, err := b.nodes()
			if err != nil {
				return nil, err
			}
			cur.inverse = inv
			term = t
			if term != nil && term.kind == segElse {
				return nil, syntaxError(term.pos, "more than one {{else}} in {{#%s}}", name)
			}
			break
		}
		chained := &blockNode{call: term.call, pos: term.pos}
		chainBody, t, err := b.nodes()
		if err != nil {
			return nil, err
		}
		chained.body = chainBody
		cur.inverse = []node{chained}
		cur = chained
		term = t
	}

	if term == nil {
		return nil, syntaxError(open.pos, "unclosed block {{#%s}}", name)
	}
	if term.name != name {
		return nil, syntaxError(term.pos, "{{/%s}} does not close {{#%s}}", term.name, name)
	}
	return blk, nil
}

func blockName(c *callExpr) string {
	if p, ok := c.head.(*pathExpr); ok {
		return p.original
	}
	return ""
}
