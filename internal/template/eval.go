package template

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/flynn-ai/genii/internal/errors"
)

// frame is one level of the context stack. data holds @index, @key, @first
// and @last for iteration frames.
type frame struct {
	value  any
	parent *frame
	data   map[string]any
}

func (f *frame) child(value any, data map[string]any) *frame {
	return &frame{value: value, parent: f, data: data}
}

func (f *frame) root() *frame {
	for f.parent != nil {
		f = f.parent
	}
	return f
}

// renderer holds the state of one Render call.
type renderer struct {
	ctx  context.Context
	tpl  *Template
	eng  *Engine
	vars map[string]any
}

func (r *renderer) render(nodes []node, f *frame, b *strings.Builder) error {
	for _, n := range nodes {
		if err := r.ctx.Err(); err != nil {
			return err
		}
		switch n := n.(type) {
		case *textNode:
			b.WriteString(n.text)
		case *mustacheNode:
			v, err := r.call(n.call, f, nil)
			if err != nil {
				return err
			}
			b.WriteString(Stringify(v))
		case *blockNode:
			if err := r.block(n, f, b); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *renderer) renderString(nodes []node, f *frame) (string, error) {
	var b strings.Builder
	if err := r.render(nodes, f, &b); err != nil {
		return "", err
	}
	return b.String(), nil
}

// call evaluates a mustache or sub-expression. blk is set for block calls.
func (r *renderer) call(c *callExpr, f *frame, blk *blockNode) (any, error) {
	if name, ok := c.headName(); ok {
		if h, found := r.eng.helper(name); found {
			return r.invoke(name, h, c, f, blk)
		}
		if c.hasArgs() {
			return nil, errors.NewBuilder(errors.CodeTemplateUnknownHelper, fmt.Sprintf("unknown helper %q", name)).
				Kind(errors.KindTemplate).
				Permanent().
				WithContext("template", r.tpl.Path).
				Build()
		}
	} else if c.hasArgs() {
		return nil, errors.Template(errors.CodeTemplateSyntax, "only a helper name may take arguments")
	}
	return r.eval(c.head, f)
}

func (r *renderer) invoke(name string, h Helper, c *callExpr, f *frame, blk *blockNode) (any, error) {
	hc := &HelperCall{
		Ctx:  r.ctx,
		Name: name,
		This: f.value,
		Hash: map[string]any{},
		r:    r,
		f:    f,
	}
	for _, p := range c.params {
		v, err := r.eval(p, f)
		if err != nil {
			return nil, err
		}
		hc.Params = append(hc.Params, v)
	}
	for _, kv := range c.hash {
		v, err := r.eval(kv.value, f)
		if err != nil {
			return nil, err
		}
		hc.Hash[kv.key] = v
	}
	if blk != nil {
		hc.block = true
		hc.body = blk.body
		hc.inverse = blk.inverse
	}
	return h(hc)
}

func (r *renderer) eval(e expr, f *frame) (any, error) {
	switch e := e.(type) {
	case literal:
		return e.value, nil
	case *pathExpr:
		return r.resolve(e, f), nil
	case *callExpr:
		return r.call(e, f, nil)
	}
	return nil, nil
}

func (r *renderer) block(n *blockNode, f *frame, b *strings.Builder) error {
	if n.inverted {
		v, err := r.eval(n.call.head, f)
		if err != nil {
			return err
		}
		nodes := n.inverse
		if !Truthy(v) {
			nodes = n.body
		}
		return r.render(nodes, f, b)
	}

	if name, ok := n.call.headName(); ok {
		if h, found := r.eng.helper(name); found {
			v, err := r.invoke(name, h, n.call, f, n)
			if err != nil {
				return err
			}
			b.WriteString(Stringify(v))
			return nil
		}
		if n.call.hasArgs() {
			return errors.NewBuilder(errors.CodeTemplateUnknownHelper, fmt.Sprintf("unknown block helper %q", name)).
				Kind(errors.KindTemplate).
				Permanent().
				WithContext("template", r.tpl.Path).
				Build()
		}
	}

	v, err := r.eval(n.call.head, f)
	if err != nil {
		return err
	}
	return r.section(v, n, f, b)
}

// section renders a mustache-style section over v.
func (r *renderer) section(v any, n *blockNode, f *frame, b *strings.Builder) error {
	if !Truthy(v) {
		return r.render(n.inverse, f, b)
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		return iterate(v, func(item any, data map[string]any) error {
			return r.render(n.body, f.child(item, data), b)
		})
	case reflect.Map, reflect.Struct, reflect.Ptr:
		return r.render(n.body, f.child(v, nil), b)
	}
	if _, isBool := v.(bool); isBool {
		return r.render(n.body, f, b)
	}
	return r.render(n.body, f.child(v, nil), b)
}

// resolve looks a path up. Bare names that are missing in the current
// scope are searched in enclosing scopes, then in the render variables.
func (r *renderer) resolve(p *pathExpr, f *frame) any {
	cur := f
	for i := 0; i < p.up && cur.parent != nil; i++ {
		cur = cur.parent
	}

	if p.data {
		if len(p.parts) == 0 {
			return nil
		}
		if p.parts[0] == "root" {
			return lookupPath(cur.root().value, p.parts[1:])
		}
		for d := cur; d != nil; d = d.parent {
			if v, ok := d.data[p.parts[0]]; ok {
				return lookupPath(v, p.parts[1:])
			}
		}
		return nil
	}

	if p.this {
		return lookupPath(cur.value, p.parts)
	}

	for s := cur; s != nil; s = s.parent {
		if s.parent == nil {
			if v, ok := r.vars[p.parts[0]]; ok {
				return lookupPath(v, p.parts[1:])
			}
		}
		if v, ok := field(s.value, p.parts[0]); ok {
			return lookupPath(v, p.parts[1:])
		}
	}
	return nil
}

func lookupPath(v any, parts []string) any {
	for _, part := range parts {
		next, ok := field(v, part)
		if !ok {
			return nil
		}
		v = next
	}
	return v
}

// field reads key from a map, slice index or struct field (by json tag or
// name).
func field(v any, key string) (any, bool) {
	switch m := v.(type) {
	case nil:
		return nil, false
	case map[string]any:
		x, ok := m[key]
		return x, ok
	case map[string]string:
		x, ok := m[key]
		return x, ok
	}

	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Ptr || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil, false
		}
		rv = rv.Elem()
	}

	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		x := rv.MapIndex(reflect.ValueOf(key).Convert(rv.Type().Key()))
		if !x.IsValid() {
			return nil, false
		}
		return x.Interface(), true
	case reflect.Slice, reflect.Array, reflect.String:
		if key == "length" {
			return rv.Len(), true
		}
		if rv.Kind() == reflect.String {
			return nil, false
		}
		i, err := strconv.Atoi(key)
		if err != nil || i < 0 || i >= rv.Len() {
			return nil, false
		}
		return rv.Index(i).Interface(), true
	case reflect.Struct:
		t := rv.Type()
		for i := 0; i < t.NumField(); i++ {
			sf := t.Field(i)
			if !sf.IsExported() {
				continue
			}
			name := strings.Split(sf.Tag.Get("json"), ",")[0]
			if name == key || (name == "" && strings.EqualFold(sf.Name, key)) {
				return rv.Field(i).Interface(), true
			}
		}
	}
	return nil, false
}

// iterate calls fn for every element of a slice or every entry of a map
// (sorted by key), with @index/@key/@first/@last data.
func iterate(v any, fn func(item any, data map[string]any) error) error {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Ptr || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}

	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		n := rv.Len()
		for i := 0; i < n; i++ {
			data := map[string]any{"index": i, "key": i, "first": i == 0, "last": i == n-1}
			if err := fn(rv.Index(i).Interface(), data); err != nil {
				return err
			}
		}
	case reflect.Map:
		keys := rv.MapKeys()
		sort.Slice(keys, func(i, j int) bool { return fmt.Sprint(keys[i].Interface()) < fmt.Sprint(keys[j].Interface()) })
		for i, k := range keys {
			data := map[string]any{"index": i, "key": k.Interface(), "first": i == 0, "last": i == len(keys)-1}
			if err := fn(rv.MapIndex(k).Interface(), data); err != nil {
				return err
			}
		}
	case reflect.Struct:
		t := rv.Type()
		var idx int
		for i := 0; i < t.NumField(); i++ {
			if !t.Field(i).IsExported() {
				continue
			}
			data := map[string]any{"index": idx, "key": t.Field(i).Name, "first": idx == 0}
			idx++
			if err := fn(rv.Field(i).Interface(), data); err != nil {
				return err
			}
		}
	}
	return nil
}

// Truthy follows handlebars: nil, false, "", 0 and empty lists are false.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		return rv.Len() > 0
	case reflect.Ptr, reflect.Interface:
		return !rv.IsNil()
	case reflect.Map:
		return !rv.IsNil()
	}
	return true
}

// Stringify renders a value the way it is written into template output.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case []string:
		return strings.Join(t, ",")
	case []any:
		parts := make([]string, len(t))
		for i, item := range t {
			parts[i] = Stringify(item)
		}
		return strings.Join(parts, ",")
	case fmt.Stringer:
		return t.String()
	case error:
		return t.Error()
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		parts := make([]string, rv.Len())
		for i := range parts {
			parts[i] = Stringify(rv.Index(i).Interface())
		}
		return strings.Join(parts, ",")
	case reflect.Map, reflect.Struct, reflect.Ptr:
		b, err := json.Marshal(v)
		if err == nil {
			return string(b)
		}
	}
	return fmt.Sprint(v)
}
