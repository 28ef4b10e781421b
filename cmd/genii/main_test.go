package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type workspace struct {
	cfgPath string
	vault   string
}

func newWorkspace(t *testing.T) workspace {
	t.Helper()
	dir := t.TempDir()
	vault := filepath.Join(dir, "vault")
	require.NoError(t, os.MkdirAll(filepath.Join(vault, "templates"), 0o755))

	cfg := `[general]
provider = "openai-chat"

[paths]
vault = "` + filepath.ToSlash(vault) + `"
index_db = "` + filepath.ToSlash(filepath.Join(dir, "index.db")) + `"

[templates]
dir = "templates"
output_dir = "out"
`
	cfgPath := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o644))
	return workspace{cfgPath: cfgPath, vault: vault}
}

func (w workspace) write(t *testing.T, rel, content string) {
	t.Helper()
	p := filepath.Join(w.vault, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func (w workspace) run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var out, errOut bytes.Buffer
	code := run(context.Background(), append([]string{"-config", w.cfgPath}, args...), &out, &errOut)
	return code, out.String(), errOut.String()
}

func TestHelpAndUnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	assert.Equal(t, 0, run(context.Background(), nil, &out, &errOut))
	assert.Contains(t, out.String(), "generate-with-metadata")

	out.Reset()
	assert.Equal(t, 2, run(context.Background(), []string{"bogus"}, &out, &errOut))
	assert.Contains(t, errOut.String(), `unknown command "bogus"`)

	out.Reset()
	assert.Equal(t, 0, run(context.Background(), []string{"version"}, &out, &errOut))
	assert.Contains(t, out.String(), "genii dev")
}

func TestTemplateClipboardWithDisabledProvider(t *testing.T) {
	w := newWorkspace(t)
	w.write(t, "templates/greet.md", "---\ndisableProvider: true\n---\nHi {{name}}")

	code, out, errOut := w.run(t, "template", "-variant", "clipboard", "-id", "greet", "-var", "name=Ann")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "Hi Ann")
}

func TestTemplateInsertWritesNote(t *testing.T) {
	w := newWorkspace(t)
	w.write(t, "templates/greet.md", "---\ndisableProvider: true\nstream: false\n---\nHi {{name}}")
	w.write(t, "notes/a.md", "Intro")

	code, _, errOut := w.run(t, "template", "-variant", "insert", "-id", "greet", "-file", "notes/a.md", "-var", "name=Bo")
	require.Equal(t, 0, code, errOut)

	got, err := os.ReadFile(filepath.Join(w.vault, "notes", "a.md"))
	require.NoError(t, err)
	assert.Equal(t, "Intro\n\nHi Bo", string(got))
}

func TestEstimatePrompt(t *testing.T) {
	w := newWorkspace(t)
	code, out, errOut := w.run(t, "estimate", "hello", "world")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "prompt tokens:")
	assert.Contains(t, out, "openai-chat")
}

func TestSetProviderSavesConfig(t *testing.T) {
	w := newWorkspace(t)
	code, out, errOut := w.run(t, "set-provider", "ollama")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "ollama")

	data, err := os.ReadFile(w.cfgPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `provider = "ollama"`)

	code, _, errOut = w.run(t, "set-provider", "nope")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "provider not found")
}

func TestBatchFromQuery(t *testing.T) {
	w := newWorkspace(t)
	w.write(t, "templates/echo.md", "---\ndisableProvider: true\n---\n{{tg_selection}}")
	w.write(t, "inbox/one.md", "first")
	w.write(t, "inbox/two.md", "second")

	code, out, errOut := w.run(t, "batch", "-template", "echo", "-dir", "out/run", "-query", `LIST FROM "inbox"`)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "out/run/one.md")

	got, err := os.ReadFile(filepath.Join(w.vault, "out", "run", "two.md"))
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))
}
