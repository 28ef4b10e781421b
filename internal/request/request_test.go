package request

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flynn-ai/genii/internal/config"
	"github.com/flynn-ai/genii/internal/errors"
	"github.com/flynn-ai/genii/internal/provider"
	"github.com/flynn-ai/genii/internal/vault"
)

type stubLoader struct {
	current string
	loads   []string
}

func (s *stubLoader) CurrentProvider() string { return s.current }

func (s *stubLoader) LoadProvider(_ context.Context, id string) error {
	s.loads = append(s.loads, id)
	s.current = id
	return nil
}

type fixture struct {
	vault  *vault.Vault
	cfg    *config.Config
	loader *stubLoader
	fmt    *Formatter
}

func newFixture(t *testing.T, files map[string]string) *fixture {
	t.Helper()
	v, err := vault.Open(t.TempDir())
	require.NoError(t, err)
	for p, c := range files {
		require.NoError(t, v.Write(p, c))
	}
	cfg := config.Default()
	cfg.Generation.MaxTokens = 100
	f := &fixture{
		vault:  v,
		cfg:    cfg,
		loader: &stubLoader{current: provider.IDOpenAIChat},
	}
	f.fmt = New(Options{
		Vault:    v,
		Registry: provider.DefaultRegistry(nil),
		Config:   cfg,
		Loader:   f.loader,
	})
	return f
}

func messages(t *testing.T, body map[string]any) []provider.Message {
	t.Helper()
	msgs, ok := body["messages"].([]provider.Message)
	require.True(t, ok, "messages missing from %v", body)
	return msgs
}

func TestCallSiteBeatsFrontmatterBeatsGlobal(t *testing.T) {
	f := newFixture(t, map[string]string{
		"templates/t.md": "---\nmax_tokens: 200\n---\n{{tg_selection}}",
	})
	ctx := context.Background()

	res, err := f.fmt.Parameters(ctx, Input{Prompt: "hi", TemplatePath: "templates/t.md", Params: map[string]any{"max_tokens": 300}})
	require.NoError(t, err)
	assert.Equal(t, 300, res.BodyParams["max_tokens"])

	res, err = f.fmt.Parameters(ctx, Input{Prompt: "hi", TemplatePath: "templates/t.md"})
	require.NoError(t, err)
	assert.Equal(t, 200, res.BodyParams["max_tokens"])

	res, err = f.fmt.Parameters(ctx, Input{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, 100, res.BodyParams["max_tokens"])
}

func TestStoredOptionsBeatProviderDefaults(t *testing.T) {
	f := newFixture(t, nil)
	res, err := f.fmt.Parameters(context.Background(), Input{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", res.BodyParams["model"])

	f.cfg.SetProviderOptions(provider.IDOpenAIChat, config.ProviderOptions{Model: "GPT-4o"})
	res, err = f.fmt.Parameters(context.Background(), Input{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", res.BodyParams["model"])
}

func TestFrontmatterModelReloadsOwningProvider(t *testing.T) {
	f := newFixture(t, map[string]string{
		"templates/t.md": "---\nconfig:\n  model: gpt-4\n---\n{{tg_selection}}",
	})
	f.loader.current = provider.IDAnthropic

	res, err := f.fmt.Parameters(context.Background(), Input{Prompt: "hi", TemplatePath: "templates/t.md"})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4", res.BodyParams["model"])
	assert.Equal(t, []string{provider.IDOpenAIChat}, f.loader.loads)
	assert.Equal(t, provider.IDOpenAIChat, res.Definition.ID)
}

func TestUnmappedFrontmatterModelIsConfigurationError(t *testing.T) {
	f := newFixture(t, map[string]string{
		"templates/t.md": "---\nconfig:\n  model: no-such-model\n---\nx",
	})
	_, err := f.fmt.Parameters(context.Background(), Input{Prompt: "hi", TemplatePath: "templates/t.md"})
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindConfiguration))
}

func TestSystemAndMessagesAreUnshifted(t *testing.T) {
	f := newFixture(t, map[string]string{
		"templates/t.md": "---\nsystem: be terse\nmessages:\n  - earlier question\n  - earlier answer\n---\n{{tg_selection}}",
	})
	res, err := f.fmt.Parameters(context.Background(), Input{Prompt: "now", TemplatePath: "templates/t.md"})
	require.NoError(t, err)
	assert.Equal(t, []provider.Message{
		{Role: provider.RoleSystem, Content: "be terse"},
		{Role: provider.RoleUser, Content: "earlier question"},
		{Role: provider.RoleAssistant, Content: "earlier answer"},
		{Role: provider.RoleUser, Content: "now"},
	}, messages(t, res.BodyParams))
}

func TestBlankPromptAddsNoMessage(t *testing.T) {
	f := newFixture(t, nil)
	res, err := f.fmt.Parameters(context.Background(), Input{Prompt: "\n \n"})
	require.NoError(t, err)
	assert.Empty(t, messages(t, res.BodyParams))
}

func TestContextRelocatesPrompt(t *testing.T) {
	f := newFixture(t, map[string]string{
		"templates/t.md": "---\nconfig:\n  context: input\n  append:\n    bodyParams: false\nbodyParams:\n  top_k: 3\n---\nx",
	})
	res, err := f.fmt.Parameters(context.Background(), Input{Prompt: "question", TemplatePath: "templates/t.md"})
	require.NoError(t, err)
	assert.Equal(t, "question", res.BodyParams["input"])
	assert.NotContains(t, res.BodyParams, "prompt")
	assert.NotContains(t, res.BodyParams, "messages")
	assert.Equal(t, 3, res.BodyParams["top_k"])
}

func TestFrontmatterBodyParamsMergeByDefault(t *testing.T) {
	f := newFixture(t, map[string]string{
		"templates/t.md": "---\nbodyParams:\n  top_k: 3\n---\nx",
	})
	res, err := f.fmt.Parameters(context.Background(), Input{Prompt: "question", TemplatePath: "templates/t.md"})
	require.NoError(t, err)
	assert.Equal(t, 3, res.BodyParams["top_k"])
	assert.Len(t, messages(t, res.BodyParams), 1)

	var encoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(res.ReqParams["body"].(string)), &encoded))
	assert.Equal(t, float64(3), encoded["top_k"])
}

func TestFrontmatterReqParams(t *testing.T) {
	f := newFixture(t, map[string]string{
		"templates/merge.md":   "---\nreqParams:\n  url: https://example.com\n---\nx",
		"templates/replace.md": "---\nreqParams:\n  url: https://example.com\nconfig:\n  append:\n    reqParams: false\n---\nx",
	})
	extra := map[string]any{"method": "POST"}

	res, err := f.fmt.Parameters(context.Background(), Input{Prompt: "q", TemplatePath: "templates/merge.md", ReqParams: extra})
	require.NoError(t, err)
	assert.Equal(t, "https://example.com", res.ReqParams["url"])
	assert.Equal(t, "POST", res.ReqParams["method"])
	assert.Contains(t, res.ReqParams, "body")

	res, err = f.fmt.Parameters(context.Background(), Input{Prompt: "q", TemplatePath: "templates/replace.md", ReqParams: extra})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"url": "https://example.com"}, res.ReqParams)
}

func TestActiveNoteFrontmatterWinsWithMetadata(t *testing.T) {
	f := newFixture(t, map[string]string{
		"templates/t.md": "---\ntemperature: 0.1\n---\nx",
		"notes/a.md":     "---\ntemperature: 0.9\n---\nbody",
		"notes/bare.md":  "no front matter",
	})
	res, err := f.fmt.Parameters(context.Background(), Input{Prompt: "q", TemplatePath: "templates/t.md", ActivePath: "notes/a.md", InsertMetadata: true})
	require.NoError(t, err)
	assert.Equal(t, 0.9, res.BodyParams["temperature"])

	res, err = f.fmt.Parameters(context.Background(), Input{Prompt: "q", TemplatePath: "templates/t.md", ActivePath: "notes/a.md"})
	require.NoError(t, err)
	assert.Equal(t, 0.1, res.BodyParams["temperature"])

	res, err = f.fmt.Parameters(context.Background(), Input{Prompt: "q", ActivePath: "notes/bare.md", InsertMetadata: true})
	require.NoError(t, err)
	assert.Equal(t, 0.7, res.BodyParams["temperature"])
}

func TestFrontmatterProviderSelection(t *testing.T) {
	f := newFixture(t, map[string]string{
		"templates/t.md": "---\nconfig:\n  provider: anthropic\n---\nx",
	})
	res, err := f.fmt.Parameters(context.Background(), Input{Prompt: "q", TemplatePath: "templates/t.md"})
	require.NoError(t, err)
	assert.Equal(t, "anthropic", res.Provider.Selected)
	assert.Equal(t, provider.IDAnthropic, res.Definition.ID)
	assert.Equal(t, "claude-3-5-sonnet-20240620", res.BodyParams["model"])
}
