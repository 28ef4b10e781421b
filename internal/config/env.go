package config

import (
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Env holds the environment overrides.
type Env struct {
	OpenAIKey    string `env:"OPENAI_API_KEY"`
	OpenAIBase   string `env:"OPENAI_BASE_URL"`
	AnthropicKey string `env:"ANTHROPIC_API_KEY"`
	OllamaHost   string `env:"OLLAMA_HOST"`
	CustomKey    string `env:"GENII_CUSTOM_API_KEY"`
	CustomBase   string `env:"GENII_CUSTOM_BASE_URL"`
	Provider     string `env:"GENII_PROVIDER"`
	Vault        string `env:"GENII_VAULT"`
	LogMode      string `env:"GENII_LOG_MODE"`
}

// LoadEnv reads an optional .env file from the working directory and
// decodes the environment.
func LoadEnv(files ...string) (*Env, error) {
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			if err := godotenv.Load(f); err != nil {
				return nil, err
			}
		}
	}

	var e Env
	if err := env.Parse(&e); err != nil {
		return nil, err
	}
	return &e, nil
}

// ApplyEnv overlays non-empty environment values onto the configuration.
// Stored provider keys win over the environment only when the env value
// is empty.
func (c *Config) ApplyEnv(e *Env) {
	if e == nil {
		return
	}
	if e.Provider != "" {
		c.General.Provider = e.Provider
	}
	if e.Vault != "" {
		c.Paths.Vault = e.Vault
	}
	if e.LogMode != "" {
		c.Log.Mode = e.LogMode
	}

	overlay := func(id, key, base string) {
		opts := c.ProviderOptionsFor(id)
		if key != "" && opts.APIKey == "" {
			opts.APIKey = key
		}
		if base != "" && opts.BaseURL == "" {
			opts.BaseURL = base
		}
		c.SetProviderOptions(id, opts)
	}
	overlay("openai-chat", e.OpenAIKey, e.OpenAIBase)
	overlay("anthropic", e.AnthropicKey, "")
	overlay("ollama", "", e.OllamaHost)
	overlay("custom", e.CustomKey, e.CustomBase)
}
