package template

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/flynn-ai/genii/internal/errors"
)

type depthKey struct{}

// RunDepth returns how many run directives enclose ctx.
func RunDepth(ctx context.Context) int {
	d, _ := ctx.Value(depthKey{}).(int)
	return d
}

func (e *Engine) directives() map[string]Helper {
	return map[string]Helper{
		"extract": e.extract,
		"read":    e.read,
		"write":   e.write,
		"append":  e.appendFile,
		"run":     e.run,
		"script":  e.script,
		"get":     getVar,
		"set":     setVar,
		"log":     e.logArgs,
		"notice":  e.notice,
		"error":   raiseError,
		"query":   e.query,
	}
}

// directiveError wraps a directive failure with its name and argument.
// User-facing errors and cancellation pass through untouched.
func directiveError(name, arg string, err error) error {
	if errors.IsKind(err, errors.KindUserFacing) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return errors.NewBuilder(errors.CodeTemplateDirectiveFailed, fmt.Sprintf("%s %q failed", name, arg)).
		Kind(errors.KindTemplate).
		WithContext("directive", name).
		WithContext("argument", arg).
		Wrap(err).
		Build()
}

func (e *Engine) host(name string) (Host, error) {
	if e.cfg.Host == nil {
		return nil, errors.Configuration(errors.CodeConfigInvalid, name+" is not available in this context")
	}
	return e.cfg.Host, nil
}

// {{extract kind ref}} or {{#extract kind var}}ref{{/extract}}
func (e *Engine) extract(c *HelperCall) (any, error) {
	h, err := e.host("extract")
	if err != nil {
		return nil, err
	}
	kind := c.String(0)
	ref := c.String(1)
	varName := c.HashString("name")
	if c.IsBlock() {
		body, err := c.Fn()
		if err != nil {
			return nil, err
		}
		ref = strings.TrimSpace(body)
		if varName == "" {
			varName = c.String(1)
		}
	}

	text, err := h.Extract(c.Ctx, kind, ref)
	if err != nil {
		return nil, directiveError("extract", ref, err)
	}
	if varName != "" {
		c.Vars()[varName] = text
		return "", nil
	}
	return text, nil
}

func (e *Engine) read(c *HelperCall) (any, error) {
	h, err := e.host("read")
	if err != nil {
		return nil, err
	}
	path := c.String(0)
	text, err := h.Read(c.Ctx, path)
	if err != nil {
		return nil, directiveError("read", path, err)
	}
	return text, nil
}

func (e *Engine) write(c *HelperCall) (any, error) {
	return e.fileOp(c, "write", func(h Host, path, content string) error {
		return h.Write(c.Ctx, path, content)
	})
}

func (e *Engine) appendFile(c *HelperCall) (any, error) {
	return e.fileOp(c, "append", func(h Host, path, content string) error {
		return h.Append(c.Ctx, path, content)
	})
}

func (e *Engine) fileOp(c *HelperCall, name string, op func(h Host, path, content string) error) (any, error) {
	h, err := e.host(name)
	if err != nil {
		return nil, err
	}
	path := c.String(0)
	content := c.String(1)
	if c.IsBlock() {
		if content, err = c.Fn(); err != nil {
			return nil, err
		}
	}
	if err := op(h, path, content); err != nil {
		return nil, directiveError(name, path, err)
	}
	return "", nil
}

// {{run id [var] [value] as=name}} or {{#run id var [name]}}value{{/run}}
func (e *Engine) run(c *HelperCall) (any, error) {
	h, err := e.host("run")
	if err != nil {
		return nil, err
	}
	id := c.String(0)
	resultVar := c.String(1)

	inject := c.HashString("as")
	var value any
	if c.IsBlock() {
		if inject == "" {
			inject = c.String(2)
		}
		body, err := c.Fn()
		if err != nil {
			return nil, err
		}
		value = strings.TrimSpace(body)
	} else {
		value = c.Param(2)
	}
	if inject == "" {
		inject = "tg_selection"
	}

	depth := RunDepth(c.Ctx)
	if depth >= e.cfg.MaxRunDepth {
		return nil, errors.Template(errors.CodeTemplateDirectiveFailed,
			fmt.Sprintf("run %q exceeds the maximum nesting depth of %d", id, e.cfg.MaxRunDepth))
	}
	ctx := context.WithValue(c.Ctx, depthKey{}, depth+1)

	vars := map[string]any{}
	if value != nil {
		vars[inject] = value
	}
	out, err := h.RunTemplate(ctx, id, vars)
	if err != nil {
		return nil, directiveError("run", id, err)
	}
	if resultVar != "" {
		c.Vars()[resultVar] = out
		return "", nil
	}
	return out, nil
}

var fenceRe = regexp.MustCompile("(?s)^\\s*```[\\w-]*[ \\t]*\\r?\\n(.*?)\\r?\\n?```\\s*$")

// {{script "code" name=var}} or {{#script [var]}}code{{/script}}
func (e *Engine) script(c *HelperCall) (any, error) {
	if !e.cfg.AllowScripts || e.cfg.Scripts == nil {
		return nil, errors.NewBuilder(errors.CodeScriptNotAllowed, "script execution is disabled").
			Kind(errors.KindTemplate).
			User().
			WithSuggestion("Set allow_scripts = true under [templates] to enable the script directive").
			Build()
	}

	src := c.String(0)
	resultVar := c.HashString("name")
	if c.IsBlock() {
		body, err := c.Fn()
		if err != nil {
			return nil, err
		}
		src = body
		if resultVar == "" {
			resultVar = c.String(0)
		}
	}
	if m := fenceRe.FindStringSubmatch(src); m != nil {
		src = m[1]
	}

	vars := map[string]any{}
	if root, ok := c.Root().(map[string]any); ok {
		for k, v := range root {
			vars[k] = v
		}
	}
	for k, v := range c.Vars() {
		vars[k] = v
	}

	out, err := e.cfg.Scripts.Run(c.Ctx, src, vars)
	if err != nil {
		return nil, directiveError("script", firstLine(src), err)
	}
	if resultVar != "" {
		c.Vars()[resultVar] = out
		return "", nil
	}
	return out, nil
}

func getVar(c *HelperCall) (any, error) {
	name := c.String(0)
	if v, ok := c.Vars()[name]; ok {
		return v, nil
	}
	v, _ := field(c.Root(), name)
	return v, nil
}

func setVar(c *HelperCall) (any, error) {
	name := c.String(0)
	if name == "" {
		return nil, errors.Template(errors.CodeTemplateDirectiveFailed, "set needs a variable name")
	}
	value := c.Param(1)
	if c.IsBlock() {
		body, err := c.Fn()
		if err != nil {
			return nil, err
		}
		value = body
	}
	c.Vars()[name] = value
	return "", nil
}

func (e *Engine) logArgs(c *HelperCall) (any, error) {
	parts := make([]string, len(c.Params))
	for i := range c.Params {
		parts[i] = c.String(i)
	}
	e.log.Info("template log", "template", c.TemplatePath(), "message", strings.Join(parts, " "))
	return "", nil
}

func (e *Engine) notice(c *HelperCall) (any, error) {
	parts := make([]string, len(c.Params))
	for i := range c.Params {
		parts[i] = c.String(i)
	}
	if e.cfg.Host != nil {
		e.cfg.Host.Notice(c.Ctx, strings.Join(parts, " "))
	}
	return "", nil
}

func raiseError(c *HelperCall) (any, error) {
	msg := c.String(0)
	if msg == "" {
		msg = "template aborted"
	}
	return nil, errors.UserFacing(msg)
}

// {{query "LIST ..."}} or {{#query}}LIST ...{{/query}}
func (e *Engine) query(c *HelperCall) (any, error) {
	h, err := e.host("query")
	if err != nil {
		return nil, err
	}
	src := c.String(0)
	if c.IsBlock() {
		if src, err = c.Fn(); err != nil {
			return nil, err
		}
	}
	src = strings.TrimSpace(src)
	out, err := h.Query(c.Ctx, src)
	if err != nil {
		return nil, directiveError("query", firstLine(src), err)
	}
	return out, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
