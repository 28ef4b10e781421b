package provider

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/flynn-ai/genii/internal/config"
	"github.com/flynn-ai/genii/internal/errors"
	"github.com/flynn-ai/genii/internal/logger"
)

// Built-in provider ids.
const (
	IDOpenAIChat = "openai-chat"
	IDOllama     = "ollama"
	IDAnthropic  = "anthropic"
	IDCustom     = "custom"
)

// Definition is a registered provider: its identity, capabilities,
// compiled-in defaults and the factory that loads it. A profile clone
// shares the factory of the definition it extends and carries its own
// identity and settings bucket.
type Definition struct {
	ID          string         `json:"id"`
	Slug        string         `json:"slug"`
	DisplayName string         `json:"display_name"`
	Caps        Capabilities   `json:"capabilities"`
	Defaults    map[string]any `json:"defaults,omitempty"`
	Cloned      bool           `json:"cloned,omitempty"`
	Extends     string         `json:"extends,omitempty"`
	New         Factory        `json:"-"`
}

// Registry resolves provider ids, slugs and display names to definitions.
type Registry struct {
	mu    sync.RWMutex
	defs  map[string]*Definition
	order []string

	slugs   map[string]string // slug -> id
	unslugs map[string]string // id -> slug
	names   map[string]string // id -> display name
	byName  map[string]string // lower-cased display name -> id

	log *logger.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		defs: map[string]*Definition{},
		log:  logger.OrNop(log).With("component", "provider"),
	}
}

// DefaultRegistry creates a registry holding the built-in adapters.
func DefaultRegistry(log *logger.Logger) *Registry {
	r := NewRegistry(log)
	for _, def := range builtins() {
		r.Register(def)
	}
	r.Load()
	return r
}

func builtins() []Definition {
	return []Definition{
		{
			ID: IDOpenAIChat, Slug: "openAIChat", DisplayName: "OpenAI Chat",
			Caps:     Capabilities{Stream: true, Mobile: true},
			Defaults: map[string]any{"model": "gpt-4o-mini", "base_url": defaultOpenAIBase},
			New:      NewOpenAIChat,
		},
		{
			ID: IDOllama, Slug: "ollama", DisplayName: "Ollama",
			Caps:     Capabilities{Stream: true},
			Defaults: map[string]any{"model": "llama3", "base_url": defaultOllamaBase},
			New:      NewOllama,
		},
		{
			ID: IDAnthropic, Slug: "anthropic", DisplayName: "Anthropic",
			Caps:     Capabilities{Stream: true, Mobile: true},
			Defaults: map[string]any{"model": "claude-3-5-sonnet-20240620", "base_url": defaultAnthropicBase},
			New:      NewAnthropic,
		},
		{
			ID: IDCustom, Slug: "custom", DisplayName: "Custom (OpenAI compatible)",
			Caps:     Capabilities{Stream: true, Multiple: true, Mobile: true},
			Defaults: map[string]any{"model": "gpt-3.5-turbo-instruct", "base_url": defaultOpenAIBase},
			New:      NewCustom,
		},
	}
}

// Register adds or replaces a definition. Call Load afterwards to rebuild
// the slug and name indices.
func (r *Registry) Register(def Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[def.ID]; !ok {
		r.order = append(r.order, def.ID)
	}
	d := def
	r.defs[def.ID] = &d
}

// Unregister removes a definition.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[id]; !ok {
		return
	}
	delete(r.defs, id)
	for i, o := range r.order {
		if o == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.loadLocked()
}

// Load rebuilds the slug and display name indices.
func (r *Registry) Load() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loadLocked()
}

func (r *Registry) loadLocked() {
	r.slugs = map[string]string{}
	r.unslugs = map[string]string{}
	r.names = map[string]string{}
	r.byName = map[string]string{}
	for _, id := range r.order {
		d := r.defs[id]
		if d.Slug != "" {
			r.slugs[d.Slug] = d.ID
			r.unslugs[d.ID] = d.Slug
		}
		r.names[d.ID] = d.DisplayName
		key := strings.ToLower(d.DisplayName)
		if _, taken := r.byName[key]; key != "" && !taken {
			r.byName[key] = d.ID
		}
	}
}

// List returns the registered ids in registration order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Definitions returns copies of every definition in registration order.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.defs[id])
	}
	return out
}

// Get looks name up as an id, then as a slug, then as a display name
// ignoring case.
func (r *Registry) Get(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.getLocked(name)
}

func (r *Registry) getLocked(name string) (*Definition, bool) {
	if d, ok := r.defs[name]; ok {
		return d, true
	}
	id, ok := r.slugs[name]
	if !ok {
		id, ok = r.byName[strings.ToLower(name)]
	}
	if !ok {
		return nil, false
	}
	d, ok := r.defs[id]
	return d, ok
}

// Resolve is Get with a configuration error for unknown names.
func (r *Registry) Resolve(name string) (*Definition, error) {
	if d, ok := r.Get(name); ok {
		return d, nil
	}
	return nil, errors.NewBuilder(errors.CodeProviderNotFound, "provider not found: "+name).
		Kind(errors.KindConfiguration).
		User().
		WithSuggestion("Available providers: " + strings.Join(r.List(), ", ")).
		Build()
}

// Slug returns the slug of a provider id.
func (r *Registry) Slug(id string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.unslugs[id]
}

// DisplayName returns the display name of a provider id.
func (r *Registry) DisplayName(id string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.names[id]
}

// Clone registers a profile that behaves like extends under a new id and
// display name.
func (r *Registry) Clone(extends, id, name string) (*Definition, error) {
	parent, err := r.Resolve(extends)
	if err != nil {
		return nil, err
	}
	if _, exists := r.Get(id); exists {
		return nil, errors.NewBuilder(errors.CodeConfigInvalid, "provider id already registered: "+id).
			Kind(errors.KindConfiguration).
			User().
			Build()
	}
	if name == "" {
		name = id
	}
	clone := *parent
	clone.ID = id
	clone.Slug = name
	clone.DisplayName = name
	clone.Cloned = true
	clone.Extends = parent.ID

	r.Register(clone)
	r.Load()
	d, _ := r.Get(id)
	return d, nil
}

// RegisterProfiles clones every profile. A profile may extend another
// profile; profiles whose parent never resolves are skipped with a
// warning.
func (r *Registry) RegisterProfiles(profiles map[string]config.ProviderProfile) {
	pending := make([]string, 0, len(profiles))
	for id := range profiles {
		pending = append(pending, id)
	}
	sort.Strings(pending)

	for len(pending) > 0 {
		var next []string
		for _, id := range pending {
			p := profiles[id]
			if _, ok := r.Get(p.Extends); !ok {
				next = append(next, id)
				continue
			}
			if _, err := r.Clone(p.Extends, id, p.Name); err != nil {
				r.log.Warn("profile skipped", "profile", id, "error", err)
			}
		}
		if len(next) == len(pending) {
			for _, id := range next {
				r.log.Warn("profile parent not found", "profile", id, "extends", profiles[id].Extends)
			}
			return
		}
		pending = next
	}
}

// Fallback resolves name, or returns the first registered provider when
// name is unknown.
func (r *Registry) Fallback(name string) (*Definition, error) {
	if d, ok := r.Get(name); ok {
		return d, nil
	}
	list := r.List()
	if len(list) == 0 {
		return nil, errors.Configuration(errors.CodeProviderNotFound, "no providers registered")
	}
	r.log.Warn("unknown provider, using first registered", "requested", name, "using", list[0])
	d, _ := r.Get(list[0])
	return d, nil
}

// ForModel returns the provider that owns model. current is preferred when
// it serves the model (directly or through the definition it extends).
func (r *Registry) ForModel(model, current string) (*Definition, error) {
	info, ok := LookupModel(model)
	if !ok {
		return nil, errors.NewBuilder(errors.CodeModelNotMapped, "no provider serves model "+model).
			Kind(errors.KindConfiguration).
			User().
			WithSuggestion("Set config.provider next to config.model in the front matter").
			Build()
	}
	if d, ok := r.Get(current); ok {
		for _, p := range info.Providers {
			if d.ID == p || d.Extends == p {
				return d, nil
			}
		}
	}
	for _, p := range info.Providers {
		if d, ok := r.Get(p); ok {
			return d, nil
		}
	}
	return nil, errors.NewBuilder(errors.CodeProviderNotFound, "provider for model "+model+" is not registered").
		Kind(errors.KindConfiguration).
		User().
		Build()
}

// Instantiate loads an adapter for def with its stored options. Clones
// without stored options inherit those of the definition they extend.
// With mobile set, providers without mobile support are refused.
func (r *Registry) Instantiate(def *Definition, cfg *config.Config, timeout time.Duration, mobile bool) (Adapter, error) {
	if mobile && !def.Caps.Mobile {
		return nil, errors.NewBuilder(errors.CodeProviderUnsupported, "mobile is not supported for the "+def.ID+" provider").
			Kind(errors.KindConfiguration).
			User().
			Build()
	}
	if def.New == nil {
		return nil, errors.Configuration(errors.CodeProviderUnsupported, "provider "+def.ID+" cannot be loaded")
	}

	var stored config.ProviderOptions
	if cfg != nil {
		stored = cfg.ProviderOptionsFor(def.ID)
		if def.Cloned && stored.APIKey == "" && stored.BaseURL == "" && stored.Model == "" {
			stored = cfg.ProviderOptionsFor(def.Extends)
		}
	}
	opts := OptionsFrom(def.ID, stored, timeout, r.log)
	if opts.BaseURL == "" {
		opts.BaseURL, _ = def.Defaults["base_url"].(string)
	}
	if opts.Model == "" {
		opts.Model, _ = def.Defaults["model"].(string)
	}
	return def.New(opts)
}
