package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)

	assert.Equal(t, "openai-chat", cfg.General.Provider)
	assert.Equal(t, 500, cfg.Generation.MaxTokens)
	assert.Equal(t, "\n\n", cfg.Generation.Prefix)
	assert.False(t, cfg.Templates.AllowScripts)
	assert.Equal(t, 1, cfg.Templates.QueryPasses)
}

func TestSaveAndLoadRoundTripProfiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	cfg := Default()
	cfg.Profiles["work-gpt"] = ProviderProfile{Extends: "openai-chat", Name: "Work GPT"}
	cfg.SetProviderOptions("work-gpt", ProviderOptions{Model: "gpt-4o", BaseURL: "https://proxy.local/v1"})
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "openai-chat", loaded.Profiles["work-gpt"].Extends)
	assert.Equal(t, "gpt-4o", loaded.ProviderOptionsFor("work-gpt").Model)
}

func TestLoadOverridesFromTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	data := `
[general]
provider = "ollama"

[generation]
max_tokens = 64

[paths]
vault = "/tmp/vault"

[templates]
dir = "prompts"
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ollama", cfg.General.Provider)
	assert.Equal(t, 64, cfg.Generation.MaxTokens)
	assert.Equal(t, filepath.Join("/tmp/vault", "prompts"), cfg.TemplatesDir())
	// untouched sections keep defaults
	assert.Equal(t, 0.7, cfg.Generation.Temperature)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-env")
	t.Setenv("GENII_PROVIDER", "anthropic")
	t.Setenv("OLLAMA_HOST", "http://gpu-box:11434")

	e, err := LoadEnv()
	require.NoError(t, err)

	cfg := Default()
	cfg.SetProviderOptions("anthropic", ProviderOptions{APIKey: "stored"})
	cfg.ApplyEnv(e)

	assert.Equal(t, "anthropic", cfg.General.Provider)
	assert.Equal(t, "sk-env", cfg.ProviderOptionsFor("openai-chat").APIKey)
	assert.Equal(t, "stored", cfg.ProviderOptionsFor("anthropic").APIKey)
	assert.Equal(t, "http://gpu-box:11434", cfg.ProviderOptionsFor("ollama").BaseURL)
}

func TestSelectModelKeepsStoredOptions(t *testing.T) {
	cfg := Default()
	cfg.SetProviderOptions("anthropic", ProviderOptions{APIKey: "stored"})

	cfg.SelectModel("anthropic", "claude-3-haiku-20240307")
	assert.Equal(t, "anthropic", cfg.ActiveProvider())
	assert.Equal(t, ProviderOptions{APIKey: "stored", Model: "claude-3-haiku-20240307"}, cfg.ProviderOptionsFor("anthropic"))
	assert.Equal(t, map[string]string{"anthropic": "stored"}, cfg.APIKeys())

	cfg.SelectProvider("ollama")
	assert.Equal(t, "ollama", cfg.ActiveProvider())
}
