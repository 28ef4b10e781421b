// Package template implements the handlebars-style prompt template language:
// variable interpolation, block helpers and side-effecting directives that
// reach the vault, extractors, sub-templates, scripts and the note index.
package template

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/flynn-ai/genii/internal/errors"
	"github.com/flynn-ai/genii/internal/logger"
)

// Host provides the I/O that directives perform.
type Host interface {
	Extract(ctx context.Context, kind, ref string) (string, error)
	Read(ctx context.Context, path string) (string, error)
	Write(ctx context.Context, path, content string) error
	Append(ctx context.Context, path, content string) error
	RunTemplate(ctx context.Context, id string, vars map[string]any) (string, error)
	Query(ctx context.Context, src string) (string, error)
	Notice(ctx context.Context, msg string)
}

// ScriptRunner evaluates script directive bodies.
type ScriptRunner interface {
	Run(ctx context.Context, src string, vars map[string]any) (string, error)
}

// Config configures an Engine.
type Config struct {
	Host         Host
	Scripts      ScriptRunner
	AllowScripts bool
	// QueryPasses bounds the post-render query expansion loop.
	QueryPasses int
	// MaxRunDepth bounds nested run directives.
	MaxRunDepth int
	Logger      *logger.Logger
}

// Engine compiles templates and owns the helper table.
type Engine struct {
	cfg Config
	log *logger.Logger

	mu      sync.RWMutex
	helpers map[string]Helper
}

// NewEngine creates an engine with the built-in helpers and directives.
func NewEngine(cfg Config) *Engine {
	if cfg.QueryPasses <= 0 {
		cfg.QueryPasses = 1
	}
	if cfg.MaxRunDepth <= 0 {
		cfg.MaxRunDepth = 5
	}
	e := &Engine{
		cfg:     cfg,
		log:     logger.OrNop(cfg.Logger),
		helpers: builtinHelpers(),
	}
	for name, h := range e.directives() {
		e.helpers[name] = h
	}
	return e
}

// RegisterHelper adds or replaces a helper.
func (e *Engine) RegisterHelper(name string, h Helper) {
	e.mu.Lock()
	e.helpers[name] = h
	e.mu.Unlock()
}

func (e *Engine) helper(name string) (Helper, bool) {
	e.mu.RLock()
	h, ok := e.helpers[name]
	e.mu.RUnlock()
	return h, ok
}

// Template is a compiled template. It is immutable and safe for concurrent
// renders.
type Template struct {
	Path   string
	Source string

	nodes []node
	eng   *Engine
}

// Compile parses src.
func (e *Engine) Compile(src string) (*Template, error) {
	return e.CompileNamed("", src)
}

// CompileNamed parses src and records path for error messages and logs.
func (e *Engine) CompileNamed(path, src string) (*Template, error) {
	nodes, err := parse(src)
	if err != nil {
		if ae, ok := err.(*errors.AppError); ok && path != "" {
			ae.Context = map[string]any{"template": path}
		}
		return nil, err
	}
	return &Template{Path: path, Source: src, nodes: nodes, eng: e}, nil
}

// Render expands the template over data and then runs the query
// post-processing pass.
func (t *Template) Render(ctx context.Context, data map[string]any) (string, error) {
	out, err := t.RenderRaw(ctx, data)
	if err != nil {
		return "", err
	}
	return t.eng.PostProcess(ctx, out)
}

// RenderRaw expands the template without post-processing.
func (t *Template) RenderRaw(ctx context.Context, data map[string]any) (string, error) {
	if data == nil {
		data = map[string]any{}
	}
	r := &renderer{
		ctx:  ctx,
		tpl:  t,
		eng:  t.eng,
		vars: map[string]any{},
	}
	return r.renderString(t.nodes, &frame{value: data})
}

// Variables returns the sorted root names of every value path the template
// references. Helper names, this, @data and literals are excluded.
func (t *Template) Variables() []string {
	set := map[string]bool{}
	t.eng.collectNodes(t.nodes, set)
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (e *Engine) collectNodes(nodes []node, set map[string]bool) {
	for _, n := range nodes {
		switch n := n.(type) {
		case *mustacheNode:
			e.collectCall(n.call, set)
		case *blockNode:
			e.collectCall(n.call, set)
			e.collectNodes(n.body, set)
			e.collectNodes(n.inverse, set)
		}
	}
}

func (e *Engine) collectCall(c *callExpr, set map[string]bool) {
	if name, ok := c.headName(); ok {
		if _, isHelper := e.helper(name); !isHelper {
			set[name] = true
		}
	} else {
		e.collectExpr(c.head, set)
	}
	for _, p := range c.params {
		e.collectExpr(p, set)
	}
	for _, kv := range c.hash {
		e.collectExpr(kv.value, set)
	}
}

func (e *Engine) collectExpr(x expr, set map[string]bool) {
	switch x := x.(type) {
	case *pathExpr:
		switch {
		case x.data:
			if len(x.parts) > 1 && x.parts[0] == "root" {
				set[x.parts[1]] = true
			}
		case x.this:
		default:
			set[x.parts[0]] = true
		}
	case *callExpr:
		e.collectCall(x, set)
	}
}

// VariablesOf compiles src and returns its variables. Sources that do not
// compile yield nil.
func (e *Engine) VariablesOf(src string) []string {
	t, err := e.Compile(src)
	if err != nil {
		return nil
	}
	return t.Variables()
}

var queryBlockRe = regexp.MustCompile("(?s)```query[ \\t]*\\r?\\n(.*?)```")

// PostProcess replaces fenced query blocks with their results. It loops at
// most QueryPasses times and stops when a pass changes nothing. A failing
// query is reported as a notice and replaced by nothing.
func (e *Engine) PostProcess(ctx context.Context, text string) (string, error) {
	if e.cfg.Host == nil {
		return text, nil
	}
	for pass := 0; pass < e.cfg.QueryPasses; pass++ {
		if !queryBlockRe.MatchString(text) {
			break
		}
		var firstErr error
		next := queryBlockRe.ReplaceAllStringFunc(text, func(block string) string {
			if firstErr != nil {
				return block
			}
			src := queryBlockRe.FindStringSubmatch(block)[1]
			out, err := e.cfg.Host.Query(ctx, strings.TrimSpace(src))
			if err != nil {
				if ctx.Err() != nil {
					firstErr = ctx.Err()
					return block
				}
				e.log.Warn("query block failed", "error", err)
				e.cfg.Host.Notice(ctx, errors.FormatUserMessage(err))
				return ""
			}
			return out
		})
		if firstErr != nil {
			return "", firstErr
		}
		if next == text {
			break
		}
		text = next
	}
	return text, nil
}
