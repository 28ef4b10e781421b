// Package config handles genii configuration loading and management.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// DefaultContextTemplate is used when no custom instruction is configured.
const DefaultContextTemplate = "Title: {{title}}\n\nStarred Blocks: {{starredBlocks}}\n\n{{tg_selection}}"

// Default returns the default configuration.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".genii")

	return &Config{
		General: GeneralConfig{
			Provider: "openai-chat",
		},
		Generation: GenerationConfig{
			MaxTokens:        500,
			Temperature:      0.7,
			FrequencyPenalty: 0.5,
			Stream:           true,
			Prefix:           "\n\n",
			RequestTimeoutMs: 300000,
			BatchConcurrency: 4,
		},
		Context: ContextConfig{
			CustomInstructEnabled: true,
			CustomInstruct:        DefaultContextTemplate,
			ContextTemplate:       DefaultContextTemplate,
			SelectionLimiter:      `^\*\*\*`,
		},
		Paths: PathsConfig{
			Vault:   filepath.Join(homeDir, "notes"),
			IndexDB: filepath.Join(dataDir, "index.db"),
			DataDir: dataDir,
		},
		Templates: TemplateConfig{
			Dir:          "genii/templates",
			OutputDir:    "genii",
			AllowScripts: false,
			QueryPasses:  1,
		},
		Extractors: map[string]bool{
			"pdf":      true,
			"web":      true,
			"youtube":  true,
			"rss":      true,
			"audio":    false,
			"web_html": false,
		},
		Providers: map[string]ProviderOptions{},
		Profiles:  map[string]ProviderProfile{},
		Log: LogConfig{
			Mode: "dev",
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:8787",
		},
	}
}

// Load loads the configuration from the given path.
// If the file doesn't exist, returns defaults.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return expandPaths(cfg), nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if cfg.Providers == nil {
		cfg.Providers = map[string]ProviderOptions{}
	}
	if cfg.Profiles == nil {
		cfg.Profiles = map[string]ProviderProfile{}
	}

	return expandPaths(cfg), nil
}

// Save saves the configuration to the given path.
func (c *Config) Save(configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return err
	}

	file, err := os.Create(configPath)
	if err != nil {
		return err
	}
	defer file.Close()

	c.mu.RLock()
	defer c.mu.RUnlock()
	return toml.NewEncoder(file).Encode(c)
}

// DefaultPath returns ~/.genii/config.toml.
func DefaultPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".genii", "config.toml")
}

// ProviderOptionsFor returns the stored options for a provider id or
// profile key. The zero value is returned when nothing is stored.
func (c *Config) ProviderOptionsFor(key string) ProviderOptions {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Providers[key]
}

// SetProviderOptions stores options under key.
func (c *Config) SetProviderOptions(key string, opts ProviderOptions) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setProviderOptionsLocked(key, opts)
}

func (c *Config) setProviderOptionsLocked(key string, opts ProviderOptions) {
	if c.Providers == nil {
		c.Providers = map[string]ProviderOptions{}
	}
	c.Providers[key] = opts
}

// ActiveProvider returns the configured default provider id.
func (c *Config) ActiveProvider() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.General.Provider
}

// SelectProvider makes id the configured default provider.
func (c *Config) SelectProvider(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.General.Provider = id
}

// SelectModel stores model for provider id and makes id the default, in
// one step.
func (c *Config) SelectModel(id, model string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	opts := c.Providers[id]
	opts.Model = model
	c.setProviderOptionsLocked(id, opts)
	c.General.Provider = id
}

// APIKeys returns the stored API keys by provider or profile key.
func (c *Config) APIKeys() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := map[string]string{}
	for id, opts := range c.Providers {
		if opts.APIKey != "" {
			out[id] = opts.APIKey
		}
	}
	return out
}

// ExtractorEnabled reports whether the extractor kind is switched on.
func (c *Config) ExtractorEnabled(kind string) bool {
	return c.Extractors[kind]
}

// TemplatesDir returns the absolute templates directory.
func (c *Config) TemplatesDir() string {
	return c.vaultPath(c.Templates.Dir)
}

// OutputDir returns the absolute directory for created files.
func (c *Config) OutputDir() string {
	return c.vaultPath(c.Templates.OutputDir)
}

func (c *Config) vaultPath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Paths.Vault, p)
}

// expandPaths expands ~ in paths.
func expandPaths(cfg *Config) *Config {
	homeDir, _ := os.UserHomeDir()

	for _, p := range []*string{&cfg.Paths.Vault, &cfg.Paths.IndexDB, &cfg.Paths.DataDir} {
		if strings.HasPrefix(*p, "~") {
			*p = filepath.Join(homeDir, (*p)[1:])
		}
	}

	return cfg
}
