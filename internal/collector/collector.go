// Package collector builds the variables a prompt template renders over:
// editor state, note structure, linked notes, mentions and extractions.
package collector

import (
	"context"
	"path"
	"strings"

	"github.com/flynn-ai/genii/internal/config"
	"github.com/flynn-ai/genii/internal/document"
	"github.com/flynn-ai/genii/internal/errors"
	"github.com/flynn-ai/genii/internal/frontmatter"
	"github.com/flynn-ai/genii/internal/logger"
	"github.com/flynn-ai/genii/internal/template"
	"github.com/flynn-ai/genii/internal/vault"
)

// MissingMetadataNotice is shown when metadata was requested but the note
// has no front matter.
const MissingMetadataNotice = "No valid Metadata (YAML front matter) found!"

// Extractor turns references found in a note into text, grouped by
// extractor slug.
type Extractor interface {
	ExtractAll(ctx context.Context, path, content string) (map[string][]string, error)
}

// Notifier shows transient messages to the user.
type Notifier interface {
	Notice(ctx context.Context, msg string)
}

// Options configures a Collector.
type Options struct {
	Vault     *vault.Vault
	Engine    *template.Engine
	Loader    *template.Loader
	Extractor Extractor
	Notifier  Notifier
	Settings  config.ContextConfig
	// Keys returns the configured API keys for the keys variable.
	Keys   func() map[string]string
	Logger *logger.Logger
}

// Collector gathers template context.
type Collector struct {
	vault     *vault.Vault
	engine    *template.Engine
	loader    *template.Loader
	extractor Extractor
	notifier  Notifier
	settings  config.ContextConfig
	keys      func() map[string]string
	log       *logger.Logger
}

// New creates a collector.
func New(opts Options) *Collector {
	return &Collector{
		vault:     opts.Vault,
		engine:    opts.Engine,
		loader:    opts.Loader,
		extractor: opts.Extractor,
		notifier:  opts.Notifier,
		settings:  opts.Settings,
		keys:      opts.Keys,
		log:       logger.OrNop(opts.Logger).With("component", "collector"),
	}
}

// Params selects how Collect builds the prompt.
type Params struct {
	InsertMetadata bool
	// TemplatePath loads a template file through the loader.
	TemplatePath string
	// TemplateContent is used instead of reading TemplatePath.
	TemplateContent string
	// Extra is merged over the template variables.
	Extra map[string]any
}

// Input is a collected prompt: the rendered input template and the
// variables it was rendered with.
type Input struct {
	Context      string
	Options      map[string]any
	Template     *template.File
	TemplatePath string
	// Path is the note the input was built from, when known.
	Path string
}

// Collect renders the prompt for the document. Without a template the
// custom instruction (or {{tg_selection}}) is used.
func (c *Collector) Collect(ctx context.Context, doc document.Adapter, p Params) (*Input, error) {
	if p.TemplatePath != "" || p.TemplateContent != "" {
		file, err := c.templateFile(p.TemplatePath, p.TemplateContent)
		if err != nil {
			return nil, err
		}
		opts, err := c.TemplateContext(ctx, doc, file)
		if err != nil {
			return nil, err
		}
		opts = frontmatter.Merge(opts, p.Extra)

		out, err := file.Input.Render(ctx, opts)
		if err != nil {
			return nil, err
		}
		if p.InsertMetadata && activeFile(doc) != "" && len(c.activeFrontmatter(doc)) == 0 {
			c.notice(ctx, MissingMetadataNotice)
		}
		c.log.Debug("collected template context", "template", file.Path, "length", len(out))
		return &Input{
			Context:      out,
			Options:      opts,
			Template:     file,
			TemplatePath: p.TemplatePath,
			Path:         activeFile(doc),
		}, nil
	}

	instruct := "{{tg_selection}}"
	if c.settings.CustomInstructEnabled {
		instruct = c.settings.CustomInstruct
		if instruct == "" {
			instruct = config.DefaultContextTemplate
		}
	}
	tpl, err := c.engine.CompileNamed("custom instruction", instruct)
	if err != nil {
		return nil, err
	}

	opts, err := c.DefaultContext(ctx, doc, "", ForTemplates(tpl))
	if err != nil {
		return nil, err
	}
	out, err := tpl.Render(ctx, opts)
	if err != nil {
		return nil, err
	}

	if p.InsertMetadata {
		fm := c.activeFrontmatter(doc)
		if len(fm) > 0 {
			opts["frontmatter"] = fm
			out = frontmatter.MetadataString(fm) + out
		} else {
			c.notice(ctx, MissingMetadataNotice)
		}
	}
	return &Input{Context: out, Options: opts, Path: activeFile(doc)}, nil
}

// TemplateContext builds the variables for a template file: template
// front matter merged with the note's, heading sections as top level
// keys, the rendered context template and the default context.
func (c *Collector) TemplateContext(ctx context.Context, doc document.Adapter, file *template.File) (map[string]any, error) {
	req := ForTemplates(file.Input, file.Output)

	var ctxTpl *template.Template
	if req.Has("context") {
		src := c.settings.ContextTemplate
		if src == "" {
			src = config.DefaultContextTemplate
		}
		var err error
		if ctxTpl, err = c.engine.CompileNamed("context template", src); err != nil {
			return nil, err
		}
		req.Add(ctxTpl.Variables()...)
	}

	obj, err := c.DefaultContext(ctx, doc, "", req)
	if err != nil {
		return nil, err
	}

	rendered := ""
	if ctxTpl != nil {
		if rendered, err = ctxTpl.Render(ctx, obj); err != nil {
			return nil, err
		}
	}

	noteFM, _ := obj["frontmatter"].(map[string]any)
	fm := frontmatter.Merge(file.Frontmatter, noteFM)
	obj["frontmatter"] = fm

	opts := map[string]any{
		"selection":  obj["selection"],
		"selections": obj["selections"],
	}
	for k, v := range fm {
		opts[k] = v
	}
	if headings, ok := obj["headings"].(map[string]string); ok {
		for k, v := range headings {
			opts[k] = v
		}
	}
	opts["content"] = obj["content"]
	opts["context"] = rendered
	for k, v := range obj {
		opts[k] = v
	}
	return opts, nil
}

// CollectFiles renders templatePath once per note for batch generation.
// Each note's variables are the template front matter, then the note's
// front matter, then extra, then tg_selection set to the note body.
func (c *Collector) CollectFiles(ctx context.Context, paths []string, templatePath string, extra map[string]any) ([]*Input, error) {
	file, err := c.templateFile(templatePath, "")
	if err != nil {
		return nil, err
	}

	inputs := make([]*Input, 0, len(paths))
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw, err := c.vault.Read(p)
		if err != nil {
			return nil, err
		}
		fm, body, err := frontmatter.Split(raw)
		if err != nil {
			c.log.Warn("ignoring invalid front matter", "path", p, "error", err)
			body = frontmatter.Strip(raw)
		}

		opts := frontmatter.Merge(file.Frontmatter, fm, extra, map[string]any{
			"tg_selection": body,
		})
		out, err := file.Input.Render(ctx, opts)
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, &Input{
			Context:      out,
			Options:      opts,
			Template:     file,
			TemplatePath: templatePath,
			Path:         p,
		})
	}
	return inputs, nil
}

func (c *Collector) templateFile(p, content string) (*template.File, error) {
	if content != "" {
		return c.engine.Parse(p, content)
	}
	if c.loader == nil {
		return nil, errors.Configuration(errors.CodeConfigInvalid, "no template loader configured")
	}
	return c.loader.Load(p)
}

func (c *Collector) activeFrontmatter(doc document.Adapter) map[string]any {
	_, meta := c.note(doc, "")
	if meta == nil {
		return nil
	}
	return meta.Frontmatter
}

func (c *Collector) notice(ctx context.Context, msg string) {
	c.log.Warn(msg)
	if c.notifier != nil {
		c.notifier.Notice(ctx, msg)
	}
}

func activeFile(doc document.Adapter) string {
	if doc == nil {
		return ""
	}
	return doc.ActiveFile()
}

func noteTitle(p string) string {
	return strings.TrimSuffix(path.Base(p), path.Ext(p))
}
