package generator

import (
	"context"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/flynn-ai/genii/internal/collector"
	"github.com/flynn-ai/genii/internal/document"
	"github.com/flynn-ai/genii/internal/errors"
	"github.com/flynn-ai/genii/internal/frontmatter"
	"github.com/flynn-ai/genii/internal/provider"
)

// EditorRequest selects what to generate into a document.
type EditorRequest struct {
	Call
	// TemplatePath renders a template file instead of the custom
	// instruction.
	TemplatePath string
	// TemplateContent is an inline template used instead of a file.
	TemplateContent string
	// Vars are user supplied template variables.
	Vars map[string]any
	// Mode is used when front matter names no mode.
	Mode document.Mode
}

func collectParams(templatePath string, vars map[string]any, insertMetadata bool) collector.Params {
	return collector.Params{
		InsertMetadata: insertMetadata,
		TemplatePath:   templatePath,
		Extra:          vars,
	}
}

func (r EditorRequest) params() collector.Params {
	p := collectParams(r.TemplatePath, r.Vars, r.InsertMetadata)
	p.TemplateContent = r.TemplateContent
	return p
}

// GenerateInEditor generates into doc at its cursor. Streaming is used
// when enabled in the settings, supported by the active provider and not
// turned off by front matter.
func (g *Generator) GenerateInEditor(ctx context.Context, doc document.Adapter, r EditorRequest) error {
	if doc == nil {
		return errors.NewBuilder(errors.CodeInvalidInput, "no active document").User().Build()
	}
	ctx, end, err := g.begin(ctx, r.Detached)
	if err != nil {
		return err
	}
	defer end()

	in, err := g.collector.Collect(ctx, doc, r.params())
	if err != nil {
		return err
	}
	return g.toEditor(ctx, doc, in, r)
}

// GenerateWithMetadata is GenerateInEditor with the active note's front
// matter layered over the template's.
func (g *Generator) GenerateWithMetadata(ctx context.Context, doc document.Adapter, r EditorRequest) error {
	r.InsertMetadata = true
	return g.GenerateInEditor(ctx, doc, r)
}

// TemplateToEditor generates from the template with the given id into doc.
func (g *Generator) TemplateToEditor(ctx context.Context, doc document.Adapter, id string, r EditorRequest) error {
	p, err := g.ResolveTemplate(id)
	if err != nil {
		return err
	}
	r.TemplatePath = p
	return g.GenerateInEditor(ctx, doc, r)
}

func (g *Generator) toEditor(ctx context.Context, doc document.Adapter, in *collector.Input, r EditorRequest) error {
	fm := g.formatter.Frontmatter(in.TemplatePath, doc.ActiveFile(), r.InsertMetadata)
	mode := editorMode(in, r.Mode)
	prefix := g.prefix(in)
	quote := g.blockQuote(in)

	if g.cfg.Generation.Stream && g.CanStream() && fm["stream"] != false {
		return g.streamInEditor(ctx, doc, in, r.Call, mode, prefix, quote)
	}

	cursor := doc.Cursor(cursorSide(mode))
	text, err := g.generate(ctx, in, r.Call)
	if err != nil {
		return err
	}
	if quote {
		text = OutputToBlockQuote(text)
	}
	return doc.InsertText(prefix+text, cursor, mode)
}

// streamInEditor feeds tokens into a document stream and then replaces
// everything streamed with the final text. In replace mode nothing is
// shown until the end. On failure the selection is restored.
func (g *Generator) streamInEditor(ctx context.Context, doc document.Adapter, in *collector.Input, call Call, mode document.Mode, prefix string, quote bool) error {
	from, to := doc.Cursor(document.From), doc.Cursor(document.To)
	sink, err := doc.InsertStream(doc.Cursor(cursorSide(mode)), mode)
	if err != nil {
		return err
	}
	attach(ctx, sink)

	first := true
	onToken := func(tok string) error {
		if mode == document.ModeReplace {
			return nil
		}
		if first {
			first = false
			tok = prefix + tok
		}
		sink.Insert(tok)
		return nil
	}

	text, err := g.stream(ctx, in, call, onToken)
	if err != nil {
		g.notice(ctx, errors.FormatUserMessage(err))
		doc.SetSelection(from, to)
		return err
	}
	sink.End()
	if quote {
		text = OutputToBlockQuote(text)
	}
	sink.ReplaceAllWith(prefix + text)
	return nil
}

// TemplateToFile generates from a template and writes the rendered prompt
// followed by the result to target, or to a new file under the output
// directory when target is empty. It returns the written path.
func (g *Generator) TemplateToFile(ctx context.Context, doc document.Adapter, templatePath, target string, call Call) (string, error) {
	ctx, end, err := g.begin(ctx, call.Detached)
	if err != nil {
		return "", err
	}
	defer end()

	in, err := g.collector.Collect(ctx, doc, collectParams(templatePath, call.Params, true))
	if err != nil {
		return "", err
	}
	call.InsertMetadata = true
	text, err := g.generate(ctx, in, call)
	if err != nil {
		return "", err
	}

	if target == "" {
		title := "untitled"
		if doc != nil && doc.ActiveFile() != "" {
			title = strings.TrimSuffix(path.Base(doc.ActiveFile()), path.Ext(doc.ActiveFile()))
		}
		target = path.Join(g.relOutputDir(), "generations", title+"-"+uuid.New().String()[:3]+".md")
	}
	if err := g.vault.Write(target, in.Context+text); err != nil {
		return "", err
	}
	g.log.Info("generation written", "path", target)
	return target, nil
}

// TemplateToString generates from a template and returns the result
// without touching the document.
func (g *Generator) TemplateToString(ctx context.Context, doc document.Adapter, templatePath string, vars map[string]any, call Call) (string, error) {
	return g.Complete(ctx, doc, EditorRequest{Call: call, TemplatePath: templatePath, Vars: vars})
}

// Complete collects r against doc and returns the generated text. doc may
// be nil and is never modified.
func (g *Generator) Complete(ctx context.Context, doc document.Adapter, r EditorRequest) (string, error) {
	ctx, end, err := g.begin(ctx, r.Detached)
	if err != nil {
		return "", err
	}
	defer end()

	in, err := g.collector.Collect(ctx, doc, r.params())
	if err != nil {
		return "", err
	}
	return g.generate(ctx, in, r.Call)
}

// StreamTo is Complete with every token passed to onToken as it arrives.
func (g *Generator) StreamTo(ctx context.Context, doc document.Adapter, r EditorRequest, onToken provider.TokenFunc) (string, error) {
	ctx, end, err := g.begin(ctx, r.Detached)
	if err != nil {
		return "", err
	}
	defer end()

	in, err := g.collector.Collect(ctx, doc, r.params())
	if err != nil {
		return "", err
	}
	return g.stream(ctx, in, r.Call, onToken)
}

// EstimateForEditor collects the context for doc and estimates the
// request without generating. The document is not modified.
func (g *Generator) EstimateForEditor(ctx context.Context, doc document.Adapter, r EditorRequest) (*Estimate, error) {
	in, err := g.collector.Collect(ctx, doc, r.params())
	if err != nil {
		return nil, err
	}
	return g.EstimateTokens(ctx, in, r.Call)
}

// Prompt sends text as a single user message with the active provider's
// settings and returns the answer. Nothing is collected or templated.
func (g *Generator) Prompt(ctx context.Context, text string, call Call) (string, error) {
	ctx, end, err := g.begin(ctx, call.Detached)
	if err != nil {
		return "", err
	}
	defer end()

	in := &collector.Input{Context: text, Options: map[string]any{}}
	return g.generate(ctx, in, call)
}

// editorMode picks the insertion mode: front matter mode, then
// front matter config.mode, then the options' config.mode, then def.
func editorMode(in *collector.Input, def document.Mode) document.Mode {
	for _, key := range []string{"frontmatter.mode", "frontmatter.config.mode", "config.mode"} {
		if m := frontmatter.String(in.Options, key); m != "" {
			return document.ParseMode(m)
		}
	}
	if def != "" {
		return def
	}
	return document.ModeInsert
}

func cursorSide(mode document.Mode) document.Side {
	if mode == document.ModeReplace {
		return document.From
	}
	return document.To
}

// prefix is the configured prefix, or nothing when the template formats
// its own output.
func (g *Generator) prefix(in *collector.Input) string {
	if in.Template != nil && in.Template.Output != nil {
		return ""
	}
	return g.cfg.Generation.Prefix
}

func (g *Generator) blockQuote(in *collector.Input) bool {
	if in.Template != nil {
		if v, ok := in.Template.Frontmatter["outputToBlockQuote"].(bool); ok {
			return v
		}
	}
	return g.cfg.Generation.OutputToBlockQuote
}

// OutputToBlockQuote wraps text in an "[!ai]+ AI" callout.
func OutputToBlockQuote(text string) string {
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line == ">" {
			continue
		}
		switch {
		case strings.Contains(line, "[!ai]+ AI"):
			line = ">"
		case !strings.HasPrefix(line, ">"):
			line = "> " + line
		}
		lines = append(lines, line)
	}
	return "\n> [!ai]+ AI\n>\n" + strings.TrimSpace(strings.Join(lines, "\n")) + "\n\n"
}
