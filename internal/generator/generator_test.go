package generator

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/flynn-ai/genii/internal/collector"
	"github.com/flynn-ai/genii/internal/config"
	"github.com/flynn-ai/genii/internal/document"
	"github.com/flynn-ai/genii/internal/errors"
	"github.com/flynn-ai/genii/internal/provider"
	"github.com/flynn-ai/genii/internal/vault"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type stub struct {
	caps  provider.Capabilities
	chunk int
	// reply answers a prompt (the last message).
	reply     func(ctx context.Context, prompt string) (string, error)
	streamErr error
	// hold, when set, is closed after the tokens are sent and the call
	// then waits for ctx to end.
	hold chan struct{}

	mu    sync.Mutex
	calls int
}

func (s *stub) ID() string                           { return "stub" }
func (s *stub) Capabilities() provider.Capabilities { return s.caps }
func (s *stub) Models() []string                     { return nil }

func (s *stub) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func lastPrompt(req *provider.Request) string {
	if n := len(req.Messages); n > 0 {
		return req.Messages[n-1].Content
	}
	return ""
}

func (s *stub) Generate(ctx context.Context, req *provider.Request, onToken provider.TokenFunc) (*provider.Response, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()

	text := "ok"
	if s.reply != nil {
		var err error
		if text, err = s.reply(ctx, lastPrompt(req)); err != nil {
			return nil, err
		}
	}
	if onToken != nil {
		size := s.chunk
		if size <= 0 {
			size = len(text)
		}
		for i := 0; i < len(text); i += size {
			j := i + size
			if j > len(text) {
				j = len(text)
			}
			if err := onToken(text[i:j]); err != nil {
				return nil, err
			}
		}
		if s.hold != nil {
			close(s.hold)
			<-ctx.Done()
			return nil, ctx.Err()
		}
		if s.streamErr != nil {
			return nil, s.streamErr
		}
	}
	return &provider.Response{Text: text, Model: req.Model}, nil
}

func (s *stub) GenerateMultiple(_ context.Context, reqs []*provider.Request) ([]string, error) {
	out := make([]string, len(reqs))
	for i, r := range reqs {
		out[i] = "R:" + lastPrompt(r)
	}
	return out, nil
}

type notices struct {
	mu   sync.Mutex
	msgs []string
}

func (n *notices) Notice(_ context.Context, msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
}

func (n *notices) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.msgs...)
}

type fixture struct {
	gen     *Generator
	vault   *vault.Vault
	cfg     *config.Config
	notices *notices
}

func newFixture(t *testing.T, s *stub, files map[string]string) *fixture {
	t.Helper()
	dir := t.TempDir()
	v, err := vault.Open(dir)
	require.NoError(t, err)
	for p, c := range files {
		require.NoError(t, v.Write(p, c))
	}

	cfg := config.Default()
	cfg.Paths.Vault = dir
	cfg.General.Provider = "stub"
	cfg.Templates.Dir = "templates"
	cfg.Templates.OutputDir = "out"

	reg := provider.DefaultRegistry(nil)
	reg.Register(provider.Definition{
		ID: "stub", Slug: "stub", DisplayName: "Stub",
		Caps:     s.caps,
		Defaults: map[string]any{"model": "stub-model"},
		New:      func(provider.Options) (provider.Adapter, error) { return s, nil },
	})
	reg.Load()

	n := &notices{}
	g := New(Options{Config: cfg, Vault: v, Registry: reg, Notifier: n})
	require.NoError(t, g.Load(context.Background()))
	return &fixture{gen: g, vault: v, cfg: cfg, notices: n}
}

func input(prompt string) *collector.Input {
	return &collector.Input{Context: prompt, Options: map[string]any{}}
}

func TestSecondGenerationIsRejectedBeforeAnyCall(t *testing.T) {
	started := make(chan struct{})
	s := &stub{caps: provider.Capabilities{Stream: true}}
	s.reply = func(ctx context.Context, prompt string) (string, error) {
		if prompt == "slow" {
			close(started)
			<-ctx.Done()
			return "", ctx.Err()
		}
		return "ok", nil
	}
	f := newFixture(t, s, nil)
	ctx := context.Background()

	errCh := make(chan error, 1)
	go func() {
		_, err := f.gen.Generate(ctx, input("slow"), Call{})
		errCh <- err
	}()
	<-started
	assert.True(t, f.gen.Busy())

	_, err := f.gen.Generate(ctx, input("fast"), Call{})
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindConcurrency))
	assert.Equal(t, 1, s.callCount())

	text, err := f.gen.Generate(ctx, input("fast"), Call{Detached: true})
	require.NoError(t, err)
	assert.Equal(t, "ok", text)

	assert.True(t, f.gen.Cancel())
	err = <-errCh
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeGenerationCanceled))
	assert.False(t, f.gen.Busy())
	assert.False(t, f.gen.Cancel())
}

type recordingDoc struct {
	*document.Buffer
	inserted strings.Builder
	replaced string
	stream   *recordingStream
}

func (r *recordingDoc) InsertStream(pos document.Position, mode document.Mode) (document.Stream, error) {
	s, err := r.Buffer.InsertStream(pos, mode)
	if err != nil {
		return nil, err
	}
	r.stream = &recordingStream{Stream: s, doc: r}
	return r.stream, nil
}

type recordingStream struct {
	document.Stream
	doc *recordingDoc
}

func (s *recordingStream) Insert(tok string) {
	s.doc.inserted.WriteString(tok)
	s.Stream.Insert(tok)
}

func (s *recordingStream) ReplaceAllWith(text string) {
	s.doc.replaced = text
	s.Stream.ReplaceAllWith(text)
}

func TestStreamFinalReplaceIgnoresTokenSize(t *testing.T) {
	for _, chunk := range []int{1, 3, 100} {
		s := &stub{
			caps:  provider.Capabilities{Stream: true},
			chunk: chunk,
			reply: func(context.Context, string) (string, error) { return "Hello World", nil },
		}
		f := newFixture(t, s, nil)
		doc := &recordingDoc{Buffer: document.NewBuffer("notes/a.md", "Intro")}

		require.NoError(t, f.gen.GenerateInEditor(context.Background(), doc, EditorRequest{}))
		assert.Equal(t, "\n\nHello World", doc.replaced, "chunk %d", chunk)
		assert.Equal(t, doc.inserted.String(), doc.replaced, "chunk %d", chunk)
		assert.Equal(t, "Intro\n\nHello World", doc.Text(), "chunk %d", chunk)
	}
}

func TestStreamErrorRestoresSelectionAndKeepsTokens(t *testing.T) {
	s := &stub{
		caps:      provider.Capabilities{Stream: true},
		chunk:     2,
		reply:     func(context.Context, string) (string, error) { return "abcd", nil },
		streamErr: errors.Provider(errors.CodeProviderBadResponse, "stream broke"),
	}
	f := newFixture(t, s, nil)
	doc := document.NewBuffer("notes/a.md", "Intro")

	err := f.gen.GenerateInEditor(context.Background(), doc, EditorRequest{})
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindProvider))
	assert.Equal(t, "Intro\n\nabcd", doc.Text())
	assert.Equal(t, document.Position{Line: 0, Ch: 5}, doc.Cursor(document.To))
	assert.Len(t, f.notices.all(), 1)
	assert.False(t, f.gen.Busy())
}

func TestCancelDuringStreamKeepsTokens(t *testing.T) {
	s := &stub{
		caps:  provider.Capabilities{Stream: true},
		chunk: 2,
		reply: func(context.Context, string) (string, error) { return "abcd", nil },
		hold:  make(chan struct{}),
	}
	f := newFixture(t, s, nil)
	doc := &recordingDoc{Buffer: document.NewBuffer("notes/a.md", "Intro")}

	errCh := make(chan error, 1)
	go func() {
		errCh <- f.gen.GenerateInEditor(context.Background(), doc, EditorRequest{})
	}()
	<-s.hold
	assert.True(t, f.gen.Busy())
	assert.True(t, f.gen.Cancel())

	err := <-errCh
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeGenerationCanceled))
	assert.False(t, f.gen.Busy())
	assert.Equal(t, "Intro\n\nabcd", doc.Text())
	assert.Empty(t, doc.replaced)

	require.NotNil(t, doc.stream)
	doc.stream.Insert("late")
	assert.Equal(t, "Intro\n\nabcd", doc.Text())
}

func TestReplaceStreamErrorKeepsSelection(t *testing.T) {
	for name, s := range map[string]*stub{
		"before tokens": {
			caps: provider.Capabilities{Stream: true},
			reply: func(context.Context, string) (string, error) {
				return "", errors.Provider(errors.CodeProviderBadResponse, "down")
			},
		},
		"after tokens": {
			caps:      provider.Capabilities{Stream: true},
			chunk:     1,
			reply:     func(context.Context, string) (string, error) { return "done", nil },
			streamErr: errors.Provider(errors.CodeProviderBadResponse, "stream broke"),
		},
	} {
		f := newFixture(t, s, map[string]string{
			"templates/replace.md": "---\nmode: replace\n---\n{{selection}}",
		})
		doc := document.NewBuffer("notes/a.md", "keep this words")
		doc.Select(5, 9)

		err := f.gen.GenerateInEditor(context.Background(), doc, EditorRequest{TemplatePath: "templates/replace.md"})
		require.Error(t, err, name)
		assert.True(t, errors.IsKind(err, errors.KindProvider), name)
		assert.Equal(t, "keep this words", doc.Text(), name)
		from, to := doc.SelectionRange()
		assert.Equal(t, 5, from, name)
		assert.Equal(t, 9, to, name)
	}
}

func TestReplaceStreamSwapsSelection(t *testing.T) {
	s := &stub{
		caps:  provider.Capabilities{Stream: true},
		chunk: 1,
		reply: func(context.Context, string) (string, error) { return "done", nil },
	}
	f := newFixture(t, s, map[string]string{
		"templates/replace.md": "---\nmode: replace\n---\n{{selection}}",
	})
	doc := &recordingDoc{Buffer: document.NewBuffer("notes/a.md", "keep this words")}
	doc.Select(5, 9)

	require.NoError(t, f.gen.GenerateInEditor(context.Background(), doc, EditorRequest{TemplatePath: "templates/replace.md"}))
	assert.Empty(t, doc.inserted.String())
	assert.Equal(t, "keep \n\ndone words", doc.Text())
}

func TestMissingMetadataNoticeShownOnce(t *testing.T) {
	f := newFixture(t, &stub{}, map[string]string{"templates/plain.md": "Q: {{tg_selection}}"})
	ctx := context.Background()

	require.NoError(t, f.gen.GenerateWithMetadata(ctx, document.NewBuffer("notes/a.md", "no front matter"), EditorRequest{}))
	assert.Equal(t, []string{collector.MissingMetadataNotice}, f.notices.all())

	require.NoError(t, f.gen.GenerateWithMetadata(ctx, document.NewBuffer("notes/b.md", "still none"), EditorRequest{TemplatePath: "templates/plain.md"}))
	assert.Len(t, f.notices.all(), 2)
}

func TestBlockingInsertUsesPrefixAndMode(t *testing.T) {
	s := &stub{reply: func(context.Context, string) (string, error) { return "done", nil }}
	f := newFixture(t, s, map[string]string{
		"templates/replace.md": "---\nmode: replace\n---\n{{selection}}",
	})
	f.cfg.Generation.Stream = false

	doc := document.NewBuffer("notes/a.md", "keep this words")
	doc.Select(5, 9)
	require.NoError(t, f.gen.GenerateInEditor(context.Background(), doc, EditorRequest{TemplatePath: "templates/replace.md"}))
	assert.Equal(t, "keep \n\ndone words", doc.Text())
}

func TestOutputToBlockQuote(t *testing.T) {
	assert.Equal(t, "\n> [!ai]+ AI\n>\n> first\n> second\n\n", OutputToBlockQuote("first\n\n  second\n"))
	assert.Equal(t, "\n> [!ai]+ AI\n>\n> quoted\n\n", OutputToBlockQuote("> quoted"))
}

func TestBatchMarksFailedItemsAndContinues(t *testing.T) {
	s := &stub{reply: func(_ context.Context, prompt string) (string, error) {
		if prompt == "two" {
			return "", errors.Provider(errors.CodeProviderBadRequest, "rejected")
		}
		return "done " + prompt, nil
	}}
	f := newFixture(t, s, nil)

	var (
		mu   sync.Mutex
		seen = map[int]string{}
	)
	out, err := f.gen.Batch(context.Background(), []*collector.Input{input("one"), input("two"), input("three")}, Call{}, func(i int, text string) {
		mu.Lock()
		defer mu.Unlock()
		seen[i] = text
	})
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, "done one", out[0])
	assert.True(t, Failed(out[1]))
	assert.Contains(t, out[1], "rejected")
	assert.Equal(t, "done three", out[2])
	assert.Len(t, seen, 3)
	assert.Equal(t, []string{"1 generation failed"}, f.notices.all())
}

func TestBatchUsesMultiCompletionInPositionOrder(t *testing.T) {
	s := &stub{caps: provider.Capabilities{Multiple: true}}
	f := newFixture(t, s, nil)

	var order []int
	out, err := f.gen.Batch(context.Background(), []*collector.Input{input("a"), input("b"), input("c")}, Call{}, func(i int, _ string) {
		order = append(order, i)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"R:a", "R:b", "R:c"}, out)
	assert.Equal(t, []int{0, 1, 2}, order)
	assert.Zero(t, s.callCount())
}

func TestBatchFromFilesWritesFailedFiles(t *testing.T) {
	s := &stub{reply: func(_ context.Context, prompt string) (string, error) {
		if strings.Contains(prompt, "two") {
			return "", errors.Provider(errors.CodeProviderBadRequest, "rejected")
		}
		return "summary", nil
	}}
	f := newFixture(t, s, map[string]string{
		"templates/t.md": "{{tg_selection}}",
		"notes/one.md":   "one",
		"notes/two.md":   "two",
	})

	report, err := f.gen.BatchFromFiles(context.Background(), []string{"notes/one.md", "notes/two.md"}, "templates/t.md", "out/batch", Call{})
	require.NoError(t, err)
	assert.Equal(t, []string{"out/batch/one.md"}, report.Written)
	assert.Equal(t, []string{"out/batch/FAILED-two.md"}, report.Failed)

	got, err := f.vault.Read("out/batch/one.md")
	require.NoError(t, err)
	assert.Equal(t, "summary", got)
	got, err = f.vault.Read("out/batch/FAILED-two.md")
	require.NoError(t, err)
	assert.True(t, Failed(got))
}

const summarize = "---\nPromptInfo:\n  promptId: summarize\n  name: Summarize\n  tags: a, b\n---\nSay {{topic}}\n***output***\nT: {{output}}"

func TestOutputTemplates(t *testing.T) {
	s := &stub{}
	f := newFixture(t, s, map[string]string{"templates/pkg/sum.md": summarize})
	ctx := context.Background()
	vars := map[string]any{"topic": "hi"}

	text, err := f.gen.TemplateToString(ctx, nil, "templates/pkg/sum.md", vars, Call{})
	require.NoError(t, err)
	assert.Equal(t, "T: ok", strings.TrimSpace(text))

	text, err = f.gen.TemplateToString(ctx, nil, "templates/pkg/sum.md", vars, Call{Params: map[string]any{"output": `I:{{output}}\n`}})
	require.NoError(t, err)
	assert.Equal(t, "I:ok\n", text)
}

func TestDisableProviderUsesRenderedPrompt(t *testing.T) {
	s := &stub{}
	f := newFixture(t, s, map[string]string{
		"templates/local.md": "---\ndisableProvider: true\n---\nSay {{topic}}",
	})

	text, err := f.gen.TemplateToString(context.Background(), nil, "templates/local.md", map[string]any{"topic": "hi"}, Call{})
	require.NoError(t, err)
	assert.Equal(t, "Say hi", strings.TrimSpace(text))
	assert.Zero(t, s.callCount())
}

func TestResolveTemplate(t *testing.T) {
	f := newFixture(t, &stub{}, map[string]string{
		"templates/pkg/sum.md":     summarize,
		"templates/other.md":       "x",
		"templates/trash/gone.md":  "---\nPromptInfo:\n  promptId: gone\n---\nx",
		"notes/not-a-template.md":  "x",
	})

	for id, want := range map[string]string{
		"pkg/summarize":        "templates/pkg/sum.md",
		"summarize":            "templates/pkg/sum.md",
		"other":                "templates/other.md",
		"templates/other.md":   "templates/other.md",
	} {
		got, err := f.gen.ResolveTemplate(id)
		require.NoError(t, err, id)
		assert.Equal(t, want, got, id)
	}

	_, err := f.gen.ResolveTemplate("gone")
	assert.True(t, errors.HasCode(err, errors.CodeTemplateNotFound))

	list, err := f.gen.Templates()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "summarize", list[1].ID)
	assert.Equal(t, []string{"a", "b"}, list[1].Tags)
	assert.Equal(t, "pkg", list[1].Package)
}

func TestRunTemplateBypassesSessionGuard(t *testing.T) {
	f := newFixture(t, &stub{}, map[string]string{"templates/pkg/sum.md": summarize})
	ctx, end, err := f.gen.begin(context.Background(), false)
	require.NoError(t, err)
	defer end()

	text, err := f.gen.RunTemplate(ctx, "summarize", map[string]any{"topic": "x"})
	require.NoError(t, err)
	assert.Equal(t, "T: ok", strings.TrimSpace(text))
}

func TestTemplateToFile(t *testing.T) {
	f := newFixture(t, &stub{}, map[string]string{"templates/pkg/sum.md": summarize})
	doc := document.NewBuffer("notes/a.md", "body")

	p, err := f.gen.TemplateToFile(context.Background(), doc, "templates/pkg/sum.md", "", Call{Params: map[string]any{"topic": "hi"}})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(p, "out/generations/a-"))
	got, err := f.vault.Read(p)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(got, "Say hi"))
	assert.True(t, strings.HasSuffix(got, "T: ok"))
	assert.Equal(t, "body", doc.Text())
}

func TestEstimateLeavesDocumentAlone(t *testing.T) {
	s := &stub{}
	f := newFixture(t, s, nil)
	doc := document.NewBuffer("notes/a.md", "Intro text")

	est, err := f.gen.EstimateForEditor(context.Background(), doc, EditorRequest{})
	require.NoError(t, err)
	assert.Positive(t, est.Tokens)
	assert.Equal(t, "stub", est.Provider)
	assert.Equal(t, "Intro text", doc.Text())
	assert.Zero(t, s.callCount())
}

func TestSetModelLoadsOwningProvider(t *testing.T) {
	f := newFixture(t, &stub{}, nil)
	ctx := context.Background()

	require.NoError(t, f.gen.SetModel(ctx, "Claude-3-Haiku-20240307"))
	assert.Equal(t, provider.IDAnthropic, f.gen.CurrentProvider())
	assert.Equal(t, "claude-3-haiku-20240307", f.cfg.ProviderOptionsFor(provider.IDAnthropic).Model)

	require.NoError(t, f.gen.SetProvider(ctx, "Custom (OpenAI compatible)"))
	assert.Equal(t, provider.IDCustom, f.gen.CurrentProvider())
	assert.Equal(t, provider.IDCustom, f.cfg.ActiveProvider())

	require.NoError(t, f.gen.SetProvider(ctx, "stub"))
	assert.Equal(t, "stub", f.gen.CurrentProvider())
	for _, p := range f.gen.Providers() {
		assert.Equal(t, p.ID == "stub", p.Active, p.ID)
	}

	err := f.gen.SetProvider(ctx, "nope")
	assert.True(t, errors.IsKind(err, errors.KindConfiguration))
}

func TestSetModelWhileEstimating(t *testing.T) {
	f := newFixture(t, &stub{}, nil)
	ctx := context.Background()
	models := []string{"gpt-4o", "claude-3-haiku-20240307"}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			assert.NoError(t, f.gen.SetModel(ctx, models[i%2]))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_, err := f.gen.EstimateTokens(ctx, input("q"), Call{})
			assert.NoError(t, err)
		}
	}()
	wg.Wait()

	assert.Equal(t, provider.IDAnthropic, f.cfg.ActiveProvider())
	assert.Equal(t, "claude-3-haiku-20240307", f.cfg.ProviderOptionsFor(provider.IDAnthropic).Model)
	assert.Equal(t, "gpt-4o", f.cfg.ProviderOptionsFor(provider.IDOpenAIChat).Model)
}

func TestCountersRecordCalls(t *testing.T) {
	s := &stub{reply: func(_ context.Context, prompt string) (string, error) {
		if prompt == "bad" {
			return "", errors.Provider(errors.CodeProviderBadRequest, "rejected")
		}
		return "fine", nil
	}}
	f := newFixture(t, s, nil)
	ctx := context.Background()

	_, err := f.gen.Generate(ctx, input("good"), Call{})
	require.NoError(t, err)
	_, err = f.gen.Generate(ctx, input("bad"), Call{})
	require.Error(t, err)

	snap := f.gen.Stats().Collect(0, "")
	assert.Equal(t, int64(1), snap.RequestCount)
	assert.Equal(t, int64(1), snap.ErrorCount)
	assert.Equal(t, 1, f.gen.Cost().Daily().Requests)
}
