// Package request layers settings, provider defaults, front matter and
// call-site parameters into the body and transport parameters sent to a
// provider.
package request

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/flynn-ai/genii/internal/config"
	"github.com/flynn-ai/genii/internal/errors"
	"github.com/flynn-ai/genii/internal/frontmatter"
	"github.com/flynn-ai/genii/internal/logger"
	"github.com/flynn-ai/genii/internal/provider"
	"github.com/flynn-ai/genii/internal/vault"
)

// ProviderLoader owns the active adapter. The formatter asks it to switch
// when front matter names a model the active provider does not serve.
type ProviderLoader interface {
	CurrentProvider() string
	LoadProvider(ctx context.Context, id string) error
}

// Options configures a Formatter.
type Options struct {
	Vault    *vault.Vault
	Registry *provider.Registry
	Config   *config.Config
	Loader   ProviderLoader
	Logger   *logger.Logger
}

// Formatter builds request parameters.
type Formatter struct {
	vault    *vault.Vault
	registry *provider.Registry
	cfg      *config.Config
	loader   ProviderLoader
	log      *logger.Logger
}

// New creates a formatter.
func New(opts Options) *Formatter {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	return &Formatter{
		vault:    opts.Vault,
		registry: opts.Registry,
		cfg:      cfg,
		loader:   opts.Loader,
		log:      logger.OrNop(opts.Logger).With("component", "request"),
	}
}

// Input is one formatting call.
type Input struct {
	// Params are the call-site parameters, the highest precedence layer.
	Params map[string]any
	Prompt string
	// InsertMetadata layers the active note's front matter over the
	// template's.
	InsertMetadata bool
	TemplatePath   string
	ActivePath     string
	// ReqParams and BodyParams are additional parameters from the caller.
	// ReqParams seed the transport parameters; BodyParams are merged over
	// the final body.
	ReqParams  map[string]any
	BodyParams map[string]any
}

// Selection is the provider named by front matter and the front matter
// itself, handed to the adapter as per-call options.
type Selection struct {
	Selected string         `json:"selected_provider,omitempty"`
	Options  map[string]any `json:"provider_options"`
}

// Result is a formatted request.
type Result struct {
	BodyParams map[string]any `json:"body_params"`
	ReqParams  map[string]any `json:"req_params"`
	Provider   Selection      `json:"provider"`
	AllParams  map[string]any `json:"all_params"`
	// Definition is the provider the request is meant for.
	Definition *provider.Definition `json:"-"`
}

// Frontmatter returns the template front matter, with the active note's
// on top when insertMetadata is set.
func (f *Formatter) Frontmatter(templatePath, activePath string, insertMetadata bool) map[string]any {
	var tpl, active map[string]any
	if templatePath != "" {
		tpl = f.noteFrontmatter(templatePath)
	}
	if insertMetadata && activePath != "" {
		active = f.noteFrontmatter(activePath)
	}
	return frontmatter.Shallow(tpl, active)
}

func (f *Formatter) noteFrontmatter(p string) map[string]any {
	if f.vault == nil {
		return nil
	}
	meta, err := f.vault.Metadata(p)
	if err != nil {
		f.log.Debug("no metadata", "path", p, "error", err)
		return nil
	}
	return meta.Frontmatter
}

// Parameters merges every layer and formats the body and transport
// parameters. Precedence, lowest first: compiled provider defaults, global
// settings with the provider's stored options, front matter, call-site
// parameters.
func (f *Formatter) Parameters(ctx context.Context, in Input) (*Result, error) {
	raw := f.Frontmatter(in.TemplatePath, in.ActivePath, in.InsertMetadata)
	fm := frontmatter.Compat(raw, in.TemplatePath)

	def, err := f.provider(frontmatter.String(fm, "config.provider"))
	if err != nil {
		return nil, err
	}

	params := frontmatter.Shallow(
		def.Defaults,
		f.globals(),
		f.stored(def),
		fm,
		in.Params,
	)
	if in.Prompt != "" {
		params["prompt"] = in.Prompt
	}
	if m, ok := params["model"].(string); ok {
		params["model"] = strings.ToLower(m)
	}

	if def, err = f.switchModel(ctx, def, fm, in.Params, params); err != nil {
		return nil, err
	}

	body := f.body(params)
	prompt, _ := params["prompt"].(string)

	if list := firstList(params["messages"], frontmatter.Map(params, "config")["messages"]); len(list) > 0 {
		msgs := append(chatFormat(list), body["messages"].([]provider.Message)...)
		body["messages"] = msgs
	}
	if sys := firstString(params["system"], frontmatter.String(params, "config.system")); sys != "" {
		msgs := append([]provider.Message{provider.MakeMessage(sys, provider.RoleSystem)}, body["messages"].([]provider.Message)...)
		body["messages"] = msgs
	}

	if fmBody := frontmatter.Map(fm, "bodyParams"); len(fmBody) > 0 {
		if appendEnabled(fm, "bodyParams") {
			body = frontmatter.Shallow(body, fmBody)
		} else {
			body = frontmatter.Shallow(map[string]any{"prompt": prompt}, fmBody)
		}
	}

	for _, key := range []string{frontmatter.String(fm, "context"), frontmatter.String(fm, "config.context")} {
		if key != "" && key != "prompt" {
			body[key] = prompt
			delete(body, "prompt")
		}
	}

	// explicit call-site knobs win over anything front matter put in the body
	for _, k := range []string{"model", "max_tokens", "temperature", "frequency_penalty"} {
		if v, ok := in.Params[k]; ok && v != nil {
			if k == "model" {
				if s, ok := v.(string); ok {
					v = strings.ToLower(s)
				}
			}
			body[k] = v
		}
	}
	body = frontmatter.Shallow(body, in.BodyParams)

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidInput, "body parameters are not serializable", errors.CategoryUser)
	}
	reqParams := frontmatter.Shallow(in.ReqParams)
	reqParams["body"] = string(encoded)
	if fmReq := frontmatter.Map(fm, "reqParams"); len(fmReq) > 0 {
		if appendEnabled(fm, "reqParams") {
			reqParams = frontmatter.Shallow(reqParams, fmReq)
		} else {
			reqParams = frontmatter.Shallow(fmReq)
		}
	}
	if h, ok := fm["custom_header"].(map[string]any); ok {
		if _, set := reqParams["headers"]; !set {
			reqParams["headers"] = h
		}
	}

	f.log.Debug("request parameters", "provider", def.ID, "model", body["model"], "template", in.TemplatePath)
	return &Result{
		BodyParams: body,
		ReqParams:  reqParams,
		Provider: Selection{
			Selected: frontmatter.String(fm, "config.provider"),
			Options:  fm,
		},
		AllParams:  params,
		Definition: def,
	}, nil
}

// provider picks the definition named by front matter, else the loaded
// provider, else the configured one.
func (f *Formatter) provider(named string) (*provider.Definition, error) {
	if f.registry == nil {
		return nil, errors.Configuration(errors.CodeProviderNotFound, "no provider registry configured")
	}
	if named != "" {
		if d, ok := f.registry.Get(named); ok {
			return d, nil
		}
		f.log.Warn("front matter names an unknown provider", "provider", named)
	}
	id := f.cfg.ActiveProvider()
	if f.loader != nil && f.loader.CurrentProvider() != "" {
		id = f.loader.CurrentProvider()
	}
	return f.registry.Resolve(id)
}

// switchModel loads the provider owning the front matter model when it
// differs from the merged model. A model passed at the call site wins.
func (f *Formatter) switchModel(ctx context.Context, def *provider.Definition, fm, callSite, params map[string]any) (*provider.Definition, error) {
	want := strings.ToLower(frontmatter.String(fm, "config.model"))
	if want == "" {
		return def, nil
	}
	if _, ok := callSite["model"]; ok {
		return def, nil
	}
	if have, _ := params["model"].(string); have == want {
		return def, nil
	}

	owner, err := f.registry.ForModel(want, def.ID)
	if err != nil {
		return nil, err
	}
	params["model"] = want
	if f.loader != nil && f.loader.CurrentProvider() != owner.ID {
		f.log.Info("switching provider for model", "model", want, "provider", owner.ID)
		if err := f.loader.LoadProvider(ctx, owner.ID); err != nil {
			return nil, err
		}
	}
	return owner, nil
}

func (f *Formatter) globals() map[string]any {
	g := f.cfg.Generation
	return map[string]any{
		"max_tokens":         g.MaxTokens,
		"temperature":        g.Temperature,
		"frequency_penalty":  g.FrequencyPenalty,
		"stream":             g.Stream,
		"prefix":             g.Prefix,
		"outputToBlockQuote": g.OutputToBlockQuote,
	}
}

// stored returns the non-secret stored options of def. Clones without
// their own options use the parent's.
func (f *Formatter) stored(def *provider.Definition) map[string]any {
	opts := f.cfg.ProviderOptionsFor(def.ID)
	if def.Cloned && opts.Model == "" && opts.BaseURL == "" && len(opts.Extra) == 0 {
		opts = f.cfg.ProviderOptionsFor(def.Extends)
	}
	out := frontmatter.Shallow(opts.Extra)
	if opts.Model != "" {
		out["model"] = opts.Model
	}
	if opts.BaseURL != "" {
		out["base_url"] = opts.BaseURL
	}
	return out
}

// body starts the body parameters from the merged knobs. Zero knobs are
// left out.
func (f *Formatter) body(params map[string]any) map[string]any {
	body := map[string]any{}
	for _, k := range []string{"model", "max_tokens", "temperature", "frequency_penalty"} {
		if v, ok := params[k]; ok && truthy(v) {
			body[k] = v
		}
	}
	msgs := []provider.Message{}
	if p, ok := params["prompt"].(string); ok && strings.TrimSpace(strings.ReplaceAll(p, "\n", "")) != "" {
		msgs = append(msgs, provider.MakeMessage(p, provider.RoleUser))
	}
	body["messages"] = msgs
	return body
}

// appendEnabled reads config.append.<key>; merging is the default.
func appendEnabled(fm map[string]any, key string) bool {
	v, ok := frontmatter.Lookup(fm, "config.append."+key)
	if !ok {
		return true
	}
	b, isBool := v.(bool)
	return !isBool || b
}

// chatFormat turns a front matter message list into messages. Plain
// strings alternate between user and assistant, starting with user.
func chatFormat(list []any) []provider.Message {
	out := make([]provider.Message, 0, len(list))
	for i, item := range list {
		switch m := item.(type) {
		case string:
			role := provider.RoleUser
			if i%2 == 1 {
				role = provider.RoleAssistant
			}
			out = append(out, provider.MakeMessage(m, role))
		case map[string]any:
			role, _ := m["role"].(string)
			content, _ := m["content"].(string)
			out = append(out, provider.MakeMessage(content, role))
		case provider.Message:
			out = append(out, m)
		}
	}
	return out
}

func firstList(vals ...any) []any {
	for _, v := range vals {
		switch l := v.(type) {
		case []any:
			if len(l) > 0 {
				return l
			}
		case []provider.Message:
			out := make([]any, len(l))
			for i, m := range l {
				out[i] = m
			}
			if len(out) > 0 {
				return out
			}
		case []string:
			if len(l) > 0 {
				out := make([]any, len(l))
				for i, s := range l {
					out[i] = s
				}
				return out
			}
		case string:
			if l != "" {
				return []any{l}
			}
		}
	}
	return nil
}

func firstString(vals ...any) string {
	for _, v := range vals {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case string:
		return x != ""
	case int:
		return x != 0
	case int64:
		return x != 0
	case float64:
		return x != 0
	case bool:
		return x
	}
	return true
}
