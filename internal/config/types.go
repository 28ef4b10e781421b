// Package config provides configuration types for genii.
package config

import "sync"

// Config represents the main genii configuration.
type Config struct {
	General    GeneralConfig              `toml:"general"`
	Generation GenerationConfig           `toml:"generation"`
	Context    ContextConfig              `toml:"context"`
	Paths      PathsConfig                `toml:"paths"`
	Templates  TemplateConfig             `toml:"templates"`
	Extractors map[string]bool            `toml:"extractors"`
	Providers  map[string]ProviderOptions `toml:"providers"`
	Profiles   map[string]ProviderProfile `toml:"profiles"`
	Log        LogConfig                  `toml:"log"`
	Server     ServerConfig               `toml:"server"`

	// mu guards General.Provider and Providers, which provider and model
	// switches rewrite while generations read them.
	mu sync.RWMutex
}

// GeneralConfig contains the provider selection.
type GeneralConfig struct {
	Provider string `toml:"provider"`
	Mobile   bool   `toml:"mobile"` // refuse providers without mobile support
}

// GenerationConfig contains the global generation knobs. These form the
// "global settings" layer of the request parameters.
type GenerationConfig struct {
	MaxTokens          int     `toml:"max_tokens"`
	Temperature        float64 `toml:"temperature"`
	FrequencyPenalty   float64 `toml:"frequency_penalty"`
	Stream             bool    `toml:"stream"`
	Prefix             string  `toml:"prefix"`
	OutputToBlockQuote bool    `toml:"output_to_block_quote"`
	RequestTimeoutMs   int     `toml:"request_timeout_ms"`
	BatchConcurrency   int     `toml:"batch_concurrency"`
}

// ContextConfig controls context collection.
type ContextConfig struct {
	CustomInstructEnabled bool   `toml:"custom_instruct_enabled"`
	CustomInstruct        string `toml:"custom_instruct"`
	ContextTemplate       string `toml:"context_template"`
	SelectionLimiter      string `toml:"selection_limiter"`
}

// PathsConfig contains file path settings.
type PathsConfig struct {
	Vault   string `toml:"vault"`
	IndexDB string `toml:"index_db"`
	DataDir string `toml:"data_dir"`
}

// TemplateConfig controls template lookup and directive policy.
type TemplateConfig struct {
	Dir          string `toml:"dir"`        // relative to the vault
	OutputDir    string `toml:"output_dir"` // relative to the vault
	AllowScripts bool   `toml:"allow_scripts"`
	QueryPasses  int    `toml:"query_passes"`
}

// ProviderOptions are the stored options of one provider or profile.
type ProviderOptions struct {
	APIKey  string         `toml:"api_key"`
	BaseURL string         `toml:"base_url"`
	Model   string         `toml:"model"`
	Extra   map[string]any `toml:"extra"`
}

// ProviderProfile clones an existing provider under a new name.
type ProviderProfile struct {
	Extends string `toml:"extends"`
	Name    string `toml:"name"`
}

// LogConfig selects the logger mode.
type LogConfig struct {
	Mode string `toml:"mode"` // dev, prod
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr string `toml:"addr"`
}

// Mode is the insertion mode used when writing results into a document.
type Mode string

const (
	ModeInsert  Mode = "insert"
	ModeReplace Mode = "replace"
	ModeStream  Mode = "stream"
)
