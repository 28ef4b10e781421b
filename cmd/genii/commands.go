package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/flynn-ai/genii/internal/collector"
	"github.com/flynn-ai/genii/internal/document"
	"github.com/flynn-ai/genii/internal/errors"
	"github.com/flynn-ai/genii/internal/generator"
	"github.com/flynn-ai/genii/internal/index"
	"github.com/flynn-ai/genii/internal/mcpserver"
	"github.com/flynn-ai/genii/internal/server"
)

// genFlags are shared by the generation commands.
type genFlags struct {
	template string
	file     string
	from, to int
	insert   bool
	mode     string
	stream   bool
	vars     kvFlag
	params   kvFlag
}

func newGenFlags(fs *flag.FlagSet) *genFlags {
	f := &genFlags{vars: kvFlag{}, params: kvFlag{}}
	fs.StringVar(&f.template, "template", "", "template id or vault path")
	fs.StringVar(&f.file, "file", "", "vault note to generate against")
	fs.IntVar(&f.from, "from", -1, "selection start (byte offset)")
	fs.IntVar(&f.to, "to", -1, "selection end (byte offset)")
	fs.BoolVar(&f.insert, "insert", false, "write the result into -file")
	fs.StringVar(&f.mode, "mode", "", "insert, replace or stream")
	fs.BoolVar(&f.stream, "stream", true, "print tokens as they arrive")
	fs.Var(f.vars, "var", "template variable key=value (repeatable)")
	fs.Var(f.params, "param", "call parameter key=value (repeatable)")
	return f
}

func (f *genFlags) document(a *app) (*document.Buffer, error) {
	if f.file == "" {
		return nil, nil
	}
	doc, err := document.Open(a.vault, f.file)
	if err != nil {
		return nil, err
	}
	switch {
	case f.from >= 0 && f.to >= 0:
		doc.Select(f.from, f.to)
	case f.from >= 0:
		doc.SetCursor(f.from)
	}
	return doc, nil
}

func (f *genFlags) request(a *app, call generator.Call) (generator.EditorRequest, error) {
	r := generator.EditorRequest{Call: call, Vars: f.vars.orNil()}
	if f.mode != "" {
		r.Mode = document.ParseMode(f.mode)
	}
	if f.template != "" {
		p, err := a.gen.ResolveTemplate(f.template)
		if err != nil {
			return r, err
		}
		r.TemplatePath = p
	}
	return r, nil
}

// adapter keeps a nil buffer a nil interface.
func adapter(b *document.Buffer) document.Adapter {
	if b == nil {
		return nil
	}
	return b
}

func cmdGenerate(ctx context.Context, a *app, args []string) error {
	return generate(ctx, a, "generate", args, false)
}

func cmdGenerateWithMetadata(ctx context.Context, a *app, args []string) error {
	return generate(ctx, a, "generate-with-metadata", args, true)
}

func generate(ctx context.Context, a *app, name string, args []string, metadata bool) error {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(a.errOut)
	f := newGenFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	prompt := strings.Join(fs.Args(), " ")
	call := generator.Call{Params: f.params.orNil(), InsertMetadata: metadata}

	if prompt != "" && f.template == "" && f.file == "" {
		text, err := a.gen.Prompt(ctx, prompt, call)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(a.out, text)
		return err
	}

	r, err := f.request(a, call)
	if err != nil {
		return err
	}
	if prompt != "" && r.TemplatePath == "" {
		r.TemplateContent = prompt
	}
	doc, err := f.document(a)
	if err != nil {
		return err
	}
	if metadata && doc == nil {
		return errors.NewBuilder(errors.CodeInvalidInput, name+" needs -file").User().Build()
	}

	if f.insert {
		if doc == nil {
			return errors.NewBuilder(errors.CodeInvalidInput, "-insert needs -file").User().Build()
		}
		if metadata {
			err = a.gen.GenerateWithMetadata(ctx, doc, r)
		} else {
			err = a.gen.GenerateInEditor(ctx, doc, r)
		}
		if err != nil {
			return err
		}
		if err := doc.Save(a.vault); err != nil {
			return err
		}
		_, err = fmt.Fprintln(a.out, activeStyle.Render("updated"), doc.ActiveFile())
		return err
	}

	if f.stream && a.gen.CanStream() {
		var streamed strings.Builder
		text, err := a.gen.StreamTo(ctx, adapter(doc), r, func(tok string) error {
			streamed.WriteString(tok)
			_, err := io.WriteString(a.out, tok)
			return err
		})
		if err != nil {
			return err
		}
		fmt.Fprintln(a.out)
		if text != streamed.String() {
			fmt.Fprintln(a.out, dimStyle.Render("output:"))
			fmt.Fprintln(a.out, text)
		}
		return nil
	}

	text, err := a.gen.Complete(ctx, adapter(doc), r)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(a.out, text)
	return err
}

func cmdTemplate(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("template", flag.ContinueOnError)
	fs.SetOutput(a.errOut)
	id := fs.String("id", "", "template id (package/id, id or vault path)")
	variant := fs.String("variant", "insert", "insert, create, clipboard or modal")
	file := fs.String("file", "", "vault note to generate against")
	target := fs.String("target", "", "output note for -variant create")
	vars := kvFlag{}
	fs.Var(vars, "var", "template variable key=value (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" && fs.NArg() > 0 {
		*id = fs.Arg(0)
	}

	var doc *document.Buffer
	if *file != "" {
		var err error
		if doc, err = document.Open(a.vault, *file); err != nil {
			return err
		}
	}

	switch *variant {
	case "insert":
		if doc == nil {
			return errors.NewBuilder(errors.CodeInvalidInput, "-variant insert needs -file").User().Build()
		}
		if err := a.gen.TemplateToEditor(ctx, doc, *id, generator.EditorRequest{Vars: vars.orNil()}); err != nil {
			return err
		}
		if err := doc.Save(a.vault); err != nil {
			return err
		}
		_, err := fmt.Fprintln(a.out, activeStyle.Render("updated"), doc.ActiveFile())
		return err

	case "create":
		p, err := a.gen.ResolveTemplate(*id)
		if err != nil {
			return err
		}
		written, err := a.gen.TemplateToFile(ctx, adapter(doc), p, *target, generator.Call{Params: vars.orNil()})
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(a.out, activeStyle.Render("created"), written)
		return err

	case "clipboard", "modal":
		p, err := a.gen.ResolveTemplate(*id)
		if err != nil {
			return err
		}
		text, err := a.gen.TemplateToString(ctx, adapter(doc), p, vars.orNil(), generator.Call{})
		if err != nil {
			return err
		}
		if *variant == "modal" {
			text = modalStyle.Render(text)
		}
		_, err = fmt.Fprintln(a.out, text)
		return err
	}
	return errors.NewBuilder(errors.CodeInvalidInput, "unknown variant "+*variant).
		User().
		WithSuggestion("Use insert, create, clipboard or modal").
		Build()
}

func cmdBatch(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("batch", flag.ContinueOnError)
	fs.SetOutput(a.errOut)
	tpl := fs.String("template", "", "template id or vault path")
	dir := fs.String("dir", "", "output folder in the vault")
	query := fs.String("query", "", `note query selecting the inputs, e.g. LIST FROM "inbox"`)
	params := kvFlag{}
	fs.Var(params, "param", "call parameter key=value (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	paths := fs.Args()
	if *query != "" {
		if a.index == nil {
			return errors.Configuration(errors.CodeIndexFailed, "the note index is not open")
		}
		q, err := index.ParseQuery(*query)
		if err != nil {
			return err
		}
		notes, err := a.index.Execute(ctx, q)
		if err != nil {
			return err
		}
		for _, n := range notes {
			paths = append(paths, n.Path)
		}
	}

	p, err := a.gen.ResolveTemplate(*tpl)
	if err != nil {
		return err
	}
	report, err := a.gen.BatchFromFiles(ctx, paths, p, *dir, generator.Call{Params: params.orNil()})
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out, titleStyle.Render(report.Dir))
	for _, w := range report.Written {
		fmt.Fprintln(a.out, " ", activeStyle.Render("ok"), w)
	}
	for _, w := range report.Failed {
		fmt.Fprintln(a.out, " ", errorStyle.Render("failed"), w)
	}
	return nil
}

func cmdEstimate(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("estimate", flag.ContinueOnError)
	fs.SetOutput(a.errOut)
	f := newGenFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	prompt := strings.Join(fs.Args(), " ")
	call := generator.Call{Params: f.params.orNil()}

	var (
		est *generator.Estimate
		err error
	)
	if prompt != "" && f.template == "" && f.file == "" {
		est, err = a.gen.EstimateTokens(ctx, &collector.Input{Context: prompt, Options: map[string]any{}}, call)
	} else {
		var r generator.EditorRequest
		if r, err = f.request(a, call); err != nil {
			return err
		}
		var doc *document.Buffer
		if doc, err = f.document(a); err != nil {
			return err
		}
		est, err = a.gen.EstimateForEditor(ctx, adapter(doc), r)
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(a.out, "%s %s %s\n", titleStyle.Render(est.Provider), est.Model, dimStyle.Render("(estimate)"))
	fmt.Fprintf(a.out, "  prompt tokens:     %d\n", est.Tokens)
	fmt.Fprintf(a.out, "  completion tokens: %d\n", est.CompletionTokens)
	if est.MaxTokens > 0 {
		fmt.Fprintf(a.out, "  context size:      %d\n", est.MaxTokens)
	}
	fmt.Fprintf(a.out, "  cost:              $%.6f\n", est.Cost)
	return nil
}

func cmdProviders(_ context.Context, a *app, _ []string) error {
	for _, p := range a.gen.Providers() {
		marker, name := " ", p.DisplayName
		if p.Active {
			marker, name = "*", activeStyle.Render(p.DisplayName)
		}
		var caps []string
		if p.Caps.Stream {
			caps = append(caps, "stream")
		}
		if p.Caps.Multiple {
			caps = append(caps, "multiple")
		}
		if p.Caps.Mobile {
			caps = append(caps, "mobile")
		}
		fmt.Fprintf(a.out, "%s %-22s %s %s\n", marker, p.ID, name, dimStyle.Render(strings.Join(caps, ",")))
	}
	return nil
}

func cmdSetProvider(ctx context.Context, a *app, args []string) error {
	if len(args) != 1 {
		return errors.NewBuilder(errors.CodeInvalidInput, "usage: genii set-provider <id>").User().Build()
	}
	if err := a.gen.SetProvider(ctx, args[0]); err != nil {
		return err
	}
	if err := a.saveConfig(); err != nil {
		return err
	}
	_, err := fmt.Fprintln(a.out, "provider:", activeStyle.Render(a.gen.CurrentProvider()))
	return err
}

func cmdSetModel(ctx context.Context, a *app, args []string) error {
	if len(args) != 1 {
		return errors.NewBuilder(errors.CodeInvalidInput, "usage: genii set-model <model>").User().Build()
	}
	if err := a.gen.SetModel(ctx, args[0]); err != nil {
		return err
	}
	if err := a.saveConfig(); err != nil {
		return err
	}
	current := a.gen.CurrentProvider()
	_, err := fmt.Fprintln(a.out, "provider:", activeStyle.Render(current), "model:", a.cfg.ProviderOptionsFor(current).Model)
	return err
}

func cmdServe(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(a.errOut)
	addr := fs.String("addr", a.cfg.Server.Addr, "listen address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return server.New(a.gen, a.log).ListenAndServe(ctx, *addr)
}

func cmdMCP(ctx context.Context, a *app, _ []string) error {
	return mcpserver.New(a.gen, a.log, version).Run(ctx)
}

func cmdStats(_ context.Context, a *app, _ []string) error {
	var size int64
	if fi, err := os.Stat(a.cfg.Paths.IndexDB); err == nil {
		size = fi.Size()
	}
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{
		"stats":   a.gen.Stats().Collect(size, a.cfg.Paths.IndexDB),
		"daily":   a.gen.Cost().Daily(),
		"monthly": a.gen.Cost().Monthly(),
	})
}

func cmdIndex(ctx context.Context, a *app, _ []string) error {
	if a.index == nil {
		return errors.Configuration(errors.CodeIndexFailed, "the note index is not open")
	}
	st, err := a.index.Sync(ctx, a.vault)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(a.out, "%s added %d, updated %d, removed %d\n", titleStyle.Render("index"), st.Added, st.Updated, st.Removed)
	return err
}
