package template

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Helper implements a named template helper or directive. The returned
// value is written to the output through Stringify.
type Helper func(c *HelperCall) (any, error)

// HelperCall is the invocation a helper receives.
type HelperCall struct {
	Ctx    context.Context
	Name   string
	Params []any
	Hash   map[string]any
	This   any

	r       *renderer
	f       *frame
	block   bool
	body    []node
	inverse []node
}

// IsBlock reports whether the helper was called as {{#name}}...{{/name}}.
func (c *HelperCall) IsBlock() bool { return c.block }

// Param returns positional parameter i, or nil.
func (c *HelperCall) Param(i int) any {
	if i < 0 || i >= len(c.Params) {
		return nil
	}
	return c.Params[i]
}

// String returns positional parameter i as text.
func (c *HelperCall) String(i int) string {
	return Stringify(c.Param(i))
}

// HashString returns the key=value argument key as text.
func (c *HelperCall) HashString(key string) string {
	return Stringify(c.Hash[key])
}

// Fn renders the block body in the current scope.
func (c *HelperCall) Fn() (string, error) {
	return c.r.renderString(c.body, c.f)
}

// FnWith renders the block body with this set to v.
func (c *HelperCall) FnWith(v any, data map[string]any) (string, error) {
	return c.r.renderString(c.body, c.f.child(v, data))
}

// Inverse renders the {{else}} part in the current scope.
func (c *HelperCall) Inverse() (string, error) {
	return c.r.renderString(c.inverse, c.f)
}

// Vars is the get/set variable store of the current render.
func (c *HelperCall) Vars() map[string]any {
	return c.r.vars
}

// TemplatePath is the path of the template being rendered, if known.
func (c *HelperCall) TemplatePath() string {
	return c.r.tpl.Path
}

// Root returns the top-level render context.
func (c *HelperCall) Root() any {
	return c.f.root().value
}

func builtinHelpers() map[string]Helper {
	return map[string]Helper{
		"each":      helperEach,
		"if":        helperIf,
		"unless":    helperUnless,
		"with":      helperWith,
		"eq":        func(c *HelperCall) (any, error) { return looseEqual(c.Param(0), c.Param(1)), nil },
		"ne":        func(c *HelperCall) (any, error) { return !looseEqual(c.Param(0), c.Param(1)), nil },
		"not":       func(c *HelperCall) (any, error) { return !Truthy(c.Param(0)), nil },
		"and":       helperAnd,
		"or":        helperOr,
		"length":    helperLength,
		"join":      helperJoin,
		"substring": helperSubstring,
		"trim":      func(c *HelperCall) (any, error) { return strings.TrimSpace(c.String(0)), nil },
		"lower":     func(c *HelperCall) (any, error) { return strings.ToLower(c.String(0)), nil },
		"upper":     func(c *HelperCall) (any, error) { return strings.ToUpper(c.String(0)), nil },
		"json":      helperJSON,
		"replace": func(c *HelperCall) (any, error) {
			return strings.ReplaceAll(c.String(0), c.String(1), c.String(2)), nil
		},
	}
}

func helperEach(c *HelperCall) (any, error) {
	if !c.IsBlock() {
		return nil, fmt.Errorf("each must be used as a block")
	}
	v := c.Param(0)
	if !Truthy(v) || isEmpty(v) {
		return c.Inverse()
	}
	var b strings.Builder
	err := iterate(v, func(item any, data map[string]any) error {
		s, err := c.FnWith(item, data)
		if err != nil {
			return err
		}
		b.WriteString(s)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return b.String(), nil
}

func helperIf(c *HelperCall) (any, error) {
	cond := Truthy(c.Param(0))
	if !c.IsBlock() {
		if cond {
			return c.Param(1), nil
		}
		return c.Param(2), nil
	}
	if cond {
		return c.Fn()
	}
	return c.Inverse()
}

func helperUnless(c *HelperCall) (any, error) {
	cond := Truthy(c.Param(0))
	if !c.IsBlock() {
		if !cond {
			return c.Param(1), nil
		}
		return c.Param(2), nil
	}
	if !cond {
		return c.Fn()
	}
	return c.Inverse()
}

func helperWith(c *HelperCall) (any, error) {
	if !c.IsBlock() {
		return nil, fmt.Errorf("with must be used as a block")
	}
	v := c.Param(0)
	if !Truthy(v) {
		return c.Inverse()
	}
	return c.FnWith(v, nil)
}

func helperAnd(c *HelperCall) (any, error) {
	if len(c.Params) == 0 {
		return false, nil
	}
	for _, p := range c.Params {
		if !Truthy(p) {
			return false, nil
		}
	}
	return true, nil
}

func helperOr(c *HelperCall) (any, error) {
	for _, p := range c.Params {
		if Truthy(p) {
			return p, nil
		}
	}
	return nil, nil
}

func helperLength(c *HelperCall) (any, error) {
	v := c.Param(0)
	if s, ok := v.(string); ok {
		return len([]rune(s)), nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len(), nil
	}
	return 0, nil
}

func helperJoin(c *HelperCall) (any, error) {
	sep := ","
	if len(c.Params) > 1 {
		sep = c.String(1)
	}
	var parts []string
	_ = iterate(c.Param(0), func(item any, _ map[string]any) error {
		parts = append(parts, Stringify(item))
		return nil
	})
	return strings.Join(parts, sep), nil
}

func helperSubstring(c *HelperCall) (any, error) {
	s := []rune(c.String(0))
	start := clamp(toInt(c.Param(1)), 0, len(s))
	end := len(s)
	if len(c.Params) > 2 {
		end = clamp(toInt(c.Param(2)), start, len(s))
	}
	return string(s[start:end]), nil
}

func helperJSON(c *HelperCall) (any, error) {
	var b []byte
	var err error
	if indent := c.HashString("indent"); indent != "" {
		b, err = json.MarshalIndent(c.Param(0), "", strings.Repeat(" ", toInt(indent)))
	} else {
		b, err = json.Marshal(c.Param(0))
	}
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func looseEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return Stringify(a) == Stringify(b)
}

func isEmpty(v any) bool {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len() == 0
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func toInt(v any) int {
	if f, ok := toFloat(v); ok {
		return int(f)
	}
	n, _ := strconv.Atoi(strings.TrimSpace(Stringify(v)))
	return n
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}
