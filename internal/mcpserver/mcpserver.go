// Package mcpserver exposes the generation commands as MCP tools.
package mcpserver

import (
	"context"
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/flynn-ai/genii/internal/collector"
	"github.com/flynn-ai/genii/internal/errors"
	"github.com/flynn-ai/genii/internal/generator"
	"github.com/flynn-ai/genii/internal/logger"
)

// Server is an MCP server backed by a Generator.
type Server struct {
	gen *generator.Generator
	log *logger.Logger
	srv *mcp.Server
}

// New registers the generation tools.
func New(gen *generator.Generator, log *logger.Logger, version string) *Server {
	s := &Server{
		gen: gen,
		log: logger.OrNop(log).With("component", "mcp"),
		srv: mcp.NewServer(&mcp.Implementation{Name: "genii", Version: version}, nil),
	}

	mcp.AddTool(s.srv, &mcp.Tool{
		Name:        "generate",
		Description: "Generate text from a prompt, or from a template rendered over the given variables.",
	}, s.generate)
	mcp.AddTool(s.srv, &mcp.Tool{
		Name:        "run_template",
		Description: "Run the template with the given id (package/id or id) and return the result.",
	}, s.runTemplate)
	mcp.AddTool(s.srv, &mcp.Tool{
		Name:        "estimate_tokens",
		Description: "Estimate prompt tokens and cost of a generation without sending it.",
	}, s.estimate)
	mcp.AddTool(s.srv, &mcp.Tool{
		Name:        "list_templates",
		Description: "List the templates in the vault with their PromptInfo metadata.",
	}, s.listTemplates)
	mcp.AddTool(s.srv, &mcp.Tool{
		Name:        "stop",
		Description: "Stop the running generation.",
	}, s.stop)
	mcp.AddTool(s.srv, &mcp.Tool{
		Name:        "set_provider",
		Description: "Switch the active provider by id, slug or display name.",
	}, s.setProvider)
	mcp.AddTool(s.srv, &mcp.Tool{
		Name:        "set_model",
		Description: "Switch to the provider serving a model and use that model.",
	}, s.setModel)
	return s
}

// MCP returns the underlying server.
func (s *Server) MCP() *mcp.Server { return s.srv }

// Run serves over stdin and stdout until ctx is done or the client
// disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.log.Info("mcp server started")
	return s.srv.Run(ctx, &mcp.StdioTransport{})
}

type generateInput struct {
	Prompt   string         `json:"prompt,omitempty" jsonschema:"raw prompt sent as a single user message"`
	Template string         `json:"template,omitempty" jsonschema:"template id or vault path"`
	Vars     map[string]any `json:"vars,omitempty" jsonschema:"template variables"`
	Params   map[string]any `json:"params,omitempty" jsonschema:"call parameters such as max_tokens or model"`
}

type templateInput struct {
	ID   string         `json:"id" jsonschema:"template id as package/id or id"`
	Vars map[string]any `json:"vars,omitempty" jsonschema:"template variables"`
}

type providerInput struct {
	Provider string `json:"provider" jsonschema:"provider id, slug or display name"`
}

type modelInput struct {
	Model string `json:"model" jsonschema:"model name"`
}

type empty struct{}

func text(s string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: s}}}
}

func jsonResult(v any) (*mcp.CallToolResult, any, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, nil, err
	}
	return text(string(b)), nil, nil
}

// failure reports err to the client as a tool error.
func (s *Server) failure(tool string, err error) (*mcp.CallToolResult, any, error) {
	s.log.Warn("tool failed", "tool", tool, "error", err)
	res := text(errors.FormatUserMessage(err))
	res.IsError = true
	return res, nil, nil
}

func (s *Server) generate(ctx context.Context, _ *mcp.CallToolRequest, in generateInput) (*mcp.CallToolResult, any, error) {
	call := generator.Call{Params: in.Params}
	if in.Prompt != "" && in.Template == "" {
		out, err := s.gen.Prompt(ctx, in.Prompt, call)
		if err != nil {
			return s.failure("generate", err)
		}
		return text(out), nil, nil
	}

	if in.Template == "" {
		return s.failure("generate", errors.NewBuilder(errors.CodeInvalidInput, "prompt or template is required").User().Build())
	}
	p, err := s.gen.ResolveTemplate(in.Template)
	if err != nil {
		return s.failure("generate", err)
	}
	out, err := s.gen.Complete(ctx, nil, generator.EditorRequest{Call: call, TemplatePath: p, Vars: in.Vars})
	if err != nil {
		return s.failure("generate", err)
	}
	return text(out), nil, nil
}

func (s *Server) runTemplate(ctx context.Context, _ *mcp.CallToolRequest, in templateInput) (*mcp.CallToolResult, any, error) {
	p, err := s.gen.ResolveTemplate(in.ID)
	if err != nil {
		return s.failure("run_template", err)
	}
	out, err := s.gen.TemplateToString(ctx, nil, p, in.Vars, generator.Call{})
	if err != nil {
		return s.failure("run_template", err)
	}
	return text(out), nil, nil
}

func (s *Server) estimate(ctx context.Context, _ *mcp.CallToolRequest, in generateInput) (*mcp.CallToolResult, any, error) {
	call := generator.Call{Params: in.Params}
	if in.Template == "" {
		est, err := s.gen.EstimateTokens(ctx, &collector.Input{Context: in.Prompt, Options: map[string]any{}}, call)
		if err != nil {
			return s.failure("estimate_tokens", err)
		}
		return jsonResult(est)
	}

	p, err := s.gen.ResolveTemplate(in.Template)
	if err != nil {
		return s.failure("estimate_tokens", err)
	}
	est, err := s.gen.EstimateForEditor(ctx, nil, generator.EditorRequest{Call: call, TemplatePath: p, Vars: in.Vars})
	if err != nil {
		return s.failure("estimate_tokens", err)
	}
	return jsonResult(est)
}

func (s *Server) listTemplates(context.Context, *mcp.CallToolRequest, empty) (*mcp.CallToolResult, any, error) {
	list, err := s.gen.Templates()
	if err != nil {
		return s.failure("list_templates", err)
	}
	return jsonResult(list)
}

func (s *Server) stop(context.Context, *mcp.CallToolRequest, empty) (*mcp.CallToolResult, any, error) {
	if s.gen.Cancel() {
		return text("stopped"), nil, nil
	}
	return text("no generation is running"), nil, nil
}

func (s *Server) setProvider(ctx context.Context, _ *mcp.CallToolRequest, in providerInput) (*mcp.CallToolResult, any, error) {
	if err := s.gen.SetProvider(ctx, in.Provider); err != nil {
		return s.failure("set_provider", err)
	}
	return text("provider: " + s.gen.CurrentProvider()), nil, nil
}

func (s *Server) setModel(ctx context.Context, _ *mcp.CallToolRequest, in modelInput) (*mcp.CallToolResult, any, error) {
	if err := s.gen.SetModel(ctx, in.Model); err != nil {
		return s.failure("set_model", err)
	}
	current := s.gen.CurrentProvider()
	return text("provider: " + current + ", model: " + s.gen.Config().ProviderOptionsFor(current).Model), nil, nil
}
