// Package generator runs generations: it collects the prompt, formats the
// request, calls the active provider and writes the result into a
// document, a file or a string. At most one session is active at a time.
package generator

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/flynn-ai/genii/internal/collector"
	"github.com/flynn-ai/genii/internal/config"
	"github.com/flynn-ai/genii/internal/cost"
	"github.com/flynn-ai/genii/internal/errors"
	"github.com/flynn-ai/genii/internal/extract"
	"github.com/flynn-ai/genii/internal/index"
	"github.com/flynn-ai/genii/internal/logger"
	"github.com/flynn-ai/genii/internal/provider"
	"github.com/flynn-ai/genii/internal/request"
	"github.com/flynn-ai/genii/internal/stats"
	"github.com/flynn-ai/genii/internal/template"
	"github.com/flynn-ai/genii/internal/vault"
)

// Notifier shows transient messages to the user.
type Notifier interface {
	Notice(ctx context.Context, msg string)
}

// Options configures a Generator.
type Options struct {
	Config   *config.Config
	Vault    *vault.Vault
	Registry *provider.Registry
	// Extract backs the extract directive and the extractions variable.
	Extract *extract.Service
	// Index backs the query directive. Queries fail without it.
	Index    *index.Store
	Scripts  template.ScriptRunner
	Notifier Notifier
	Stats    *stats.Collector
	Cost     *cost.Tracker
	Logger   *logger.Logger
}

// Generator is the generation orchestrator.
type Generator struct {
	cfg      *config.Config
	vault    *vault.Vault
	registry *provider.Registry
	extract  *extract.Service
	index    *index.Store
	notifier Notifier
	stats    *stats.Collector
	cost     *cost.Tracker
	log      *logger.Logger

	engine    *template.Engine
	loader    *template.Loader
	collector *collector.Collector
	formatter *request.Formatter

	provMu  sync.RWMutex
	adapter provider.Adapter

	mu      sync.Mutex
	session *session

	tplMu     sync.Mutex
	templates map[string]map[string]string // package -> id -> path
	tplStamp  map[string]time.Time
}

// New creates a generator. The template engine, context collector and
// request formatter are built around it: the generator is the engine's
// host and the formatter's provider loader.
func New(opts Options) *Generator {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	reg := opts.Registry
	if reg == nil {
		reg = provider.DefaultRegistry(opts.Logger)
	}
	g := &Generator{
		cfg:      cfg,
		vault:    opts.Vault,
		registry: reg,
		extract:  opts.Extract,
		index:    opts.Index,
		notifier: opts.Notifier,
		stats:    opts.Stats,
		cost:     opts.Cost,
		log:      logger.OrNop(opts.Logger).With("component", "generator"),
	}
	if g.stats == nil {
		g.stats = stats.NewCollector()
	}
	if g.cost == nil {
		g.cost = cost.NewTracker()
	}

	g.engine = template.NewEngine(template.Config{
		Host:         g,
		Scripts:      opts.Scripts,
		AllowScripts: cfg.Templates.AllowScripts,
		QueryPasses:  cfg.Templates.QueryPasses,
		Logger:       opts.Logger,
	})
	if g.vault != nil {
		g.loader = template.NewLoader(g.engine, g.vault)
	}

	var ext collector.Extractor
	if g.extract != nil {
		ext = g.extract
	}
	g.collector = collector.New(collector.Options{
		Vault:     g.vault,
		Engine:    g.engine,
		Loader:    g.loader,
		Extractor: ext,
		Notifier:  g.notifier,
		Settings:  cfg.Context,
		Keys:      cfg.APIKeys,
		Logger:    opts.Logger,
	})
	g.formatter = request.New(request.Options{
		Vault:    g.vault,
		Registry: reg,
		Config:   cfg,
		Loader:   g,
		Logger:   opts.Logger,
	})
	return g
}

// Engine returns the template engine.
func (g *Generator) Engine() *template.Engine { return g.engine }

// Collector returns the context collector.
func (g *Generator) Collector() *collector.Collector { return g.collector }

// Stats returns the request counters.
func (g *Generator) Stats() *stats.Collector { return g.stats }

// Cost returns the spend tracker.
func (g *Generator) Cost() *cost.Tracker { return g.cost }

// Config returns the configuration the generator runs with.
func (g *Generator) Config() *config.Config { return g.cfg }

// Vault returns the note store, which may be nil.
func (g *Generator) Vault() *vault.Vault { return g.vault }

func (g *Generator) timeout() time.Duration {
	return time.Duration(g.cfg.Generation.RequestTimeoutMs) * time.Millisecond
}

// Load loads the configured provider, falling back to the first
// registered one when the configured id is unknown.
func (g *Generator) Load(ctx context.Context) error {
	g.registry.RegisterProfiles(g.cfg.Profiles)
	return g.LoadProvider(ctx, g.cfg.ActiveProvider())
}

// CurrentProvider returns the id of the loaded adapter, or "" before Load.
func (g *Generator) CurrentProvider() string {
	g.provMu.RLock()
	defer g.provMu.RUnlock()
	if g.adapter == nil {
		return ""
	}
	return g.adapter.ID()
}

// LoadProvider replaces the active adapter. Sessions already holding the
// previous adapter finish against it.
func (g *Generator) LoadProvider(_ context.Context, id string) error {
	def, err := g.registry.Fallback(id)
	if err != nil {
		return err
	}
	if g.CurrentProvider() == def.ID {
		return nil
	}
	a, err := g.registry.Instantiate(def, g.cfg, g.timeout(), g.cfg.General.Mobile)
	if err != nil {
		return err
	}

	g.provMu.Lock()
	g.adapter = a
	g.provMu.Unlock()
	g.log.Info("provider loaded", "provider", def.ID)
	return nil
}

// SetProvider selects a provider by id, slug or display name and makes
// it the configured default.
func (g *Generator) SetProvider(ctx context.Context, name string) error {
	def, err := g.registry.Resolve(name)
	if err != nil {
		return err
	}
	if err := g.LoadProvider(ctx, def.ID); err != nil {
		return err
	}
	g.cfg.SelectProvider(def.ID)
	return nil
}

// SetModel stores model as the model of the provider serving it and
// loads that provider.
func (g *Generator) SetModel(ctx context.Context, model string) error {
	model = strings.ToLower(strings.TrimSpace(model))
	if model == "" {
		return errors.NewBuilder(errors.CodeInvalidInput, "model is required").User().Build()
	}
	def, err := g.registry.ForModel(model, g.CurrentProvider())
	if err != nil {
		return err
	}
	if err := g.LoadProvider(ctx, def.ID); err != nil {
		return err
	}
	g.cfg.SelectModel(def.ID, model)
	return nil
}

// ProviderInfo describes a registered provider.
type ProviderInfo struct {
	provider.Definition
	Active bool     `json:"active"`
	Models []string `json:"models"`
}

// Providers lists the registered providers in registration order.
func (g *Generator) Providers() []ProviderInfo {
	current := g.CurrentProvider()
	defs := g.registry.Definitions()
	out := make([]ProviderInfo, 0, len(defs))
	for _, d := range defs {
		id := d.ID
		if d.Cloned {
			id = d.Extends
		}
		out = append(out, ProviderInfo{
			Definition: d,
			Active:     d.ID == current,
			Models:     provider.ModelsFor(id),
		})
	}
	return out
}

// adapterFor returns the adapter serving def: the active one when it
// matches, otherwise a fresh instance used for this call only.
func (g *Generator) adapterFor(def *provider.Definition) (provider.Adapter, error) {
	g.provMu.RLock()
	a := g.adapter
	g.provMu.RUnlock()

	if a != nil && (def == nil || a.ID() == def.ID) {
		return a, nil
	}
	if def == nil {
		return nil, errors.NewBuilder(errors.CodeProviderNotFound, "No LLM provider selected").
			Kind(errors.KindConfiguration).
			User().
			Build()
	}
	g.log.Debug("instantiating provider for call", "provider", def.ID)
	return g.registry.Instantiate(def, g.cfg, g.timeout(), g.cfg.General.Mobile)
}

func (g *Generator) notice(ctx context.Context, msg string) {
	if g.notifier != nil {
		g.notifier.Notice(ctx, msg)
	}
}

// record updates the counters for one finished provider call.
func (g *Generator) record(providerID string, req *provider.Request, resp *provider.Response, took time.Duration, err error) {
	if err != nil {
		g.stats.RecordError(providerID)
		return
	}
	prompt, completion := resp.Usage.PromptTokens, resp.Usage.CompletionTokens
	if prompt == 0 && completion == 0 {
		prompt = provider.EstimateTokens(req.Messages)
		completion = provider.EstimateTokens([]provider.Message{{Content: resp.Text}})
	}
	g.stats.RecordRequest(providerID, prompt+completion, took)

	price := 0.0
	model := resp.Model
	if model == "" {
		model = req.Model
	}
	if m, ok := provider.LookupModel(model); ok {
		price = provider.Price(m, prompt, completion)
	}
	g.cost.Record(providerID, isLocal(g.registry, providerID), prompt+completion, price)
}

func isLocal(reg *provider.Registry, id string) bool {
	d, ok := reg.Get(id)
	if !ok {
		return false
	}
	return d.ID == provider.IDOllama || d.Extends == provider.IDOllama
}
