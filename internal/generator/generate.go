package generator

import (
	"context"
	"strings"
	"time"

	"github.com/flynn-ai/genii/internal/collector"
	"github.com/flynn-ai/genii/internal/errors"
	"github.com/flynn-ai/genii/internal/frontmatter"
	"github.com/flynn-ai/genii/internal/provider"
	"github.com/flynn-ai/genii/internal/request"
)

// Call carries the per-call parameters of a generation.
type Call struct {
	// Params are call-site parameters. They win over front matter and
	// settings.
	Params map[string]any
	// InsertMetadata layers the active note's front matter over the
	// template's.
	InsertMetadata bool
	ReqParams      map[string]any
	BodyParams     map[string]any
	// Detached runs the call outside the session guard. The caller stops
	// it by canceling its own context; Cancel does not reach it.
	Detached bool
}

// prepared is a formatted request ready to send.
type prepared struct {
	in     *collector.Input
	res    *request.Result
	req    *provider.Request
	prompt string

	disabled   bool
	estimating bool
}

func (p *prepared) providerID() string {
	if p.res.Definition == nil {
		return ""
	}
	return p.res.Definition.ID
}

// prepare renders the prompt when the input has none and formats the
// request.
func (g *Generator) prepare(ctx context.Context, in *collector.Input, call Call) (*prepared, error) {
	if in == nil {
		return nil, errors.NewBuilder(errors.CodeInvalidInput, "context doesn't exist").User().Build()
	}
	prompt := in.Context
	if in.Template != nil && strings.TrimSpace(prompt) == "" {
		var err error
		if prompt, err = in.Template.Input.Render(ctx, in.Options); err != nil {
			return nil, err
		}
	}

	res, err := g.formatter.Parameters(ctx, request.Input{
		Params:         frontmatter.Shallow(in.Options, call.Params),
		Prompt:         prompt,
		InsertMetadata: call.InsertMetadata,
		TemplatePath:   in.TemplatePath,
		ActivePath:     in.Path,
		ReqParams:      call.ReqParams,
		BodyParams:     call.BodyParams,
	})
	if err != nil {
		return nil, err
	}
	req, err := provider.RequestFromBody(res.BodyParams, res.ReqParams)
	if err != nil {
		return nil, err
	}
	return &prepared{
		in:         in,
		res:        res,
		req:        req,
		prompt:     prompt,
		disabled:   truthy(res.AllParams["disableProvider"]),
		estimating: truthy(res.AllParams["estimatingMode"]),
	}, nil
}

// send calls the provider. Disabled providers answer with the rendered
// prompt and estimating mode with the message contents; neither reaches
// the network.
func (g *Generator) send(ctx context.Context, p *prepared, onToken provider.TokenFunc) (string, error) {
	switch {
	case p.estimating:
		parts := make([]string, 0, len(p.req.Messages))
		for _, m := range p.req.Messages {
			parts = append(parts, m.Content)
		}
		return strings.Join(parts, ","), nil
	case p.disabled:
		g.log.Debug("provider disabled, using rendered prompt", "template", p.in.TemplatePath)
		return p.prompt, nil
	}

	a, err := g.adapterFor(p.res.Definition)
	if err != nil {
		return "", err
	}
	if onToken != nil && !a.Capabilities().Stream {
		return "", errors.NewBuilder(errors.CodeProviderUnsupported, "LLM not streamable").
			Kind(errors.KindConfiguration).
			User().
			Build()
	}

	start := time.Now()
	resp, err := a.Generate(ctx, p.req, onToken)
	g.record(a.ID(), p.req, resp, time.Since(start), err)
	if err != nil {
		if ctx.Err() != nil {
			return "", canceled(err)
		}
		return "", err
	}
	return resp.Text, nil
}

// finish applies the output template. An inline output option wins over
// the template's output section; with neither the text is returned as is.
func (g *Generator) finish(ctx context.Context, p *prepared, text string) (string, error) {
	data := frontmatter.Shallow(p.in.Options, map[string]any{
		"requestResults": text,
		"output":         text,
		"inputContext":   frontmatter.Shallow(p.res.AllParams, p.res.BodyParams),
	})

	if inline, ok := p.res.AllParams["output"].(string); ok && inline != "" {
		tpl, err := g.engine.CompileNamed("output", strings.ReplaceAll(inline, `\n`, "\n"))
		if err != nil {
			return "", err
		}
		return tpl.RenderRaw(ctx, data)
	}
	if p.in.Template != nil && p.in.Template.Output != nil {
		out, err := p.in.Template.Output.RenderRaw(ctx, data)
		if err != nil {
			return "", err
		}
		if out != "" {
			return out, nil
		}
	}
	return text, nil
}

// Generate runs one blocking generation over a collected input and
// returns the text after output templating.
func (g *Generator) Generate(ctx context.Context, in *collector.Input, call Call) (string, error) {
	ctx, end, err := g.begin(ctx, call.Detached)
	if err != nil {
		return "", err
	}
	defer end()
	return g.generate(ctx, in, call)
}

func (g *Generator) generate(ctx context.Context, in *collector.Input, call Call) (string, error) {
	p, err := g.prepare(ctx, in, call)
	if err != nil {
		return "", err
	}
	g.log.Debug("generate", "provider", p.providerID(), "template", in.TemplatePath)

	text, err := g.send(ctx, p, nil)
	if err != nil {
		return "", err
	}
	return g.finish(ctx, p, text)
}

// Stream runs a streaming generation. onToken receives every token in
// order; the returned text is the output templated result.
func (g *Generator) Stream(ctx context.Context, in *collector.Input, call Call, onToken provider.TokenFunc) (string, error) {
	ctx, end, err := g.begin(ctx, call.Detached)
	if err != nil {
		return "", err
	}
	defer end()
	return g.stream(ctx, in, call, onToken)
}

func (g *Generator) stream(ctx context.Context, in *collector.Input, call Call, onToken provider.TokenFunc) (string, error) {
	p, err := g.prepare(ctx, in, call)
	if err != nil {
		return "", err
	}
	if onToken == nil {
		onToken = func(string) error { return nil }
	}
	g.log.Debug("stream", "provider", p.providerID(), "template", in.TemplatePath)

	text, err := g.send(ctx, p, onToken)
	if err != nil {
		return "", err
	}
	return g.finish(ctx, p, text)
}

// CanStream reports whether the active provider streams.
func (g *Generator) CanStream() bool {
	g.provMu.RLock()
	defer g.provMu.RUnlock()
	return g.adapter != nil && g.adapter.Capabilities().Stream
}

// Estimate is the token estimate of one formatted request.
type Estimate struct {
	provider.Estimate
	Provider   string         `json:"provider"`
	BodyParams map[string]any `json:"body_params"`
}

// EstimateTokens formats the request for in without sending it.
func (g *Generator) EstimateTokens(ctx context.Context, in *collector.Input, call Call) (*Estimate, error) {
	p, err := g.prepare(ctx, in, call)
	if err != nil {
		return nil, err
	}
	return &Estimate{
		Estimate:   provider.EstimateRequest(p.req),
		Provider:   p.providerID(),
		BodyParams: p.res.BodyParams,
	}, nil
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t == "true"
	default:
		return false
	}
}
