package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flynn-ai/genii/internal/config"
	"github.com/flynn-ai/genii/internal/errors"
)

func TestRegistryResolvesIDsAndSlugs(t *testing.T) {
	r := DefaultRegistry(nil)

	d, err := r.Resolve("openAIChat")
	require.NoError(t, err)
	assert.Equal(t, IDOpenAIChat, d.ID)

	d, err = r.Resolve(IDAnthropic)
	require.NoError(t, err)
	assert.Equal(t, "Anthropic", r.DisplayName(d.ID))
	assert.Equal(t, "openAIChat", r.Slug(IDOpenAIChat))

	d, err = r.Resolve("openai chat")
	require.NoError(t, err)
	assert.Equal(t, IDOpenAIChat, d.ID)

	_, err = r.Resolve("nope")
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindConfiguration))
	assert.True(t, errors.HasCode(err, errors.CodeProviderNotFound))
}

func TestProfilesMayExtendProfiles(t *testing.T) {
	r := DefaultRegistry(nil)
	r.RegisterProfiles(map[string]config.ProviderProfile{
		"work":      {Extends: IDCustom, Name: "Work"},
		"work-fast": {Extends: "work", Name: "Work Fast"},
		"orphan":    {Extends: "missing"},
	})

	d, err := r.Resolve("work-fast")
	require.NoError(t, err)
	assert.True(t, d.Cloned)
	assert.Equal(t, "work", d.Extends)
	assert.True(t, d.Caps.Multiple)

	d, err = r.Resolve("Work")
	require.NoError(t, err)
	assert.Equal(t, "work", d.ID)

	_, ok := r.Get("orphan")
	assert.False(t, ok)

	_, err = r.Clone(IDCustom, "work", "")
	assert.True(t, errors.HasCode(err, errors.CodeConfigInvalid))
}

func TestFallbackUsesFirstRegistered(t *testing.T) {
	r := DefaultRegistry(nil)
	d, err := r.Fallback("gone")
	require.NoError(t, err)
	assert.Equal(t, IDOpenAIChat, d.ID)

	empty := NewRegistry(nil)
	_, err = empty.Fallback("gone")
	assert.Error(t, err)
}

func TestForModelPrefersCurrentProvider(t *testing.T) {
	r := DefaultRegistry(nil)
	_, err := r.Clone(IDOpenAIChat, "mine", "Mine")
	require.NoError(t, err)

	d, err := r.ForModel("GPT-4", IDAnthropic)
	require.NoError(t, err)
	assert.Equal(t, IDOpenAIChat, d.ID)

	d, err = r.ForModel("gpt-4", "mine")
	require.NoError(t, err)
	assert.Equal(t, "mine", d.ID)

	_, err = r.ForModel("unknown-model", IDOpenAIChat)
	assert.True(t, errors.HasCode(err, errors.CodeModelNotMapped))
}

func TestInstantiateRefusesNonMobileProviders(t *testing.T) {
	r := DefaultRegistry(nil)
	d, err := r.Resolve(IDOllama)
	require.NoError(t, err)

	_, err = r.Instantiate(d, config.Default(), time.Second, true)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeProviderUnsupported))

	a, err := r.Instantiate(d, config.Default(), time.Second, false)
	require.NoError(t, err)
	assert.Equal(t, IDOllama, a.ID())
}

func TestRequestFromBody(t *testing.T) {
	body := map[string]any{
		"model":       "gpt-4",
		"max_tokens":  float64(120),
		"temperature": 0.2,
		"messages": []any{
			map[string]any{"role": "system", "content": "be brief"},
			"hello",
		},
		"stop":   "###",
		"suffix": "end",
	}
	req, err := RequestFromBody(body, map[string]any{
		"headers": map[string]any{"X-Test": "1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4", req.Model)
	assert.Equal(t, 120, req.MaxTokens)
	assert.Equal(t, 0.2, req.Temperature)
	assert.Equal(t, []Message{{Role: RoleSystem, Content: "be brief"}, {Role: RoleUser, Content: "hello"}}, req.Messages)
	assert.Equal(t, []string{"###"}, req.Stop)
	assert.Equal(t, "end", req.Extra["suffix"])
	assert.NotContains(t, req.Extra, "model")
	assert.Equal(t, "1", req.Headers["X-Test"])

	req, err = RequestFromBody(map[string]any{"prompt": "just text"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []Message{{Role: RoleUser, Content: "just text"}}, req.Messages)
}

func TestEstimateRequest(t *testing.T) {
	req := &Request{
		Model:     "gpt-4",
		MaxTokens: 200,
		Messages:  []Message{{Role: RoleUser, Content: "abcdefgh"}}, // 2 + 4
	}
	e := EstimateRequest(req)
	assert.Equal(t, 6, e.Tokens)
	assert.Equal(t, 8192, e.MaxTokens)
	assert.InDelta(t, (6*0.03+200*0.06)/1000, e.Cost, 1e-9)

	m, ok := LookupModel("models/gpt-4")
	require.True(t, ok)
	assert.InDelta(t, (10*0.03+100*0.06)/1000, Price(m, 10, 0), 1e-9)
}

func TestModelsForOrdersByPriority(t *testing.T) {
	got := ModelsFor(IDOpenAIChat)
	require.NotEmpty(t, got)
	assert.Equal(t, "gpt-4o", got[0])
	assert.Equal(t, "gpt-4-32k", got[len(got)-1])
}

func TestStatusErrorMapping(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "7")
	err := statusError("x", http.StatusTooManyRequests, "slow down", h)
	assert.Equal(t, errors.CategoryRateLimit, errors.GetCategory(err))
	assert.Equal(t, 7*time.Second, errors.GetRetryAfter(err))

	err = statusError("x", http.StatusUnauthorized, "", nil)
	assert.True(t, errors.IsKind(err, errors.KindConfiguration))

	err = statusError("x", http.StatusBadGateway, "", nil)
	assert.Equal(t, errors.CategoryTemporary, errors.GetCategory(err))

	err = statusError("x", http.StatusBadRequest, "", nil)
	assert.True(t, errors.HasCode(err, errors.CodeProviderBadRequest))
	assert.Equal(t, errors.CategoryPermanent, errors.GetCategory(err))
}

func newCustom(t *testing.T, url string) Adapter {
	t.Helper()
	a, err := NewCustom(Options{
		ID:      IDCustom,
		APIKey:  "sk-test",
		BaseURL: url,
		Model:   "gpt-3.5-turbo-instruct",
		Timeout: 5 * time.Second,
		Extra:   map[string]any{"headers": map[string]any{"X-Org": "genii"}},
	})
	require.NoError(t, err)
	return a
}

func TestCustomGenerate(t *testing.T) {
	var seen map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.Equal(t, "genii", r.Header.Get("X-Org"))
		raw, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(raw, &seen))
		fmt.Fprint(w, `{"model":"m1","choices":[{"index":0,"message":{"role":"assistant","content":"hi there"}}],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`)
	}))
	defer srv.Close()

	res, err := newCustom(t, srv.URL).Generate(context.Background(), &Request{
		Messages:  []Message{{Role: RoleUser, Content: "hello"}},
		MaxTokens: 50,
		Extra:     map[string]any{"suffix": "!"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "hi there", res.Text)
	assert.Equal(t, 5, res.Usage.TotalTokens)
	assert.Equal(t, "gpt-3.5-turbo-instruct", seen["model"])
	assert.Equal(t, float64(50), seen["max_tokens"])
	assert.Equal(t, "!", seen["suffix"])
}

func TestCustomRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"ok"}}]}`)
	}))
	defer srv.Close()

	res, err := newCustom(t, srv.URL).Generate(context.Background(), &Request{Messages: []Message{{Content: "x"}}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Text)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestCustomDoesNotRetryBadRequests(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"bad model"}`)
	}))
	defer srv.Close()

	_, err := newCustom(t, srv.URL).Generate(context.Background(), &Request{Messages: []Message{{Content: "x"}}}, nil)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeProviderBadRequest))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestCustomStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, tok := range []string{"Hel", "lo", " world"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", tok)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	var tokens []string
	res, err := newCustom(t, srv.URL).Generate(context.Background(), &Request{Messages: []Message{{Content: "x"}}}, func(tok string) error {
		tokens = append(tokens, tok)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Hel", "lo", " world"}, tokens)
	assert.Equal(t, "Hello world", res.Text)
}

func TestCustomGenerateMultipleKeepsPositions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/completions", r.URL.Path)
		var body struct {
			Prompt []string `json:"prompt"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, []string{"sys\n\none", "two"}, body.Prompt)
		fmt.Fprint(w, `{"choices":[{"index":1,"text":"B"},{"index":0,"text":"A"}]}`)
	}))
	defer srv.Close()

	out, err := newCustom(t, srv.URL).GenerateMultiple(context.Background(), []*Request{
		{Messages: []Message{{Role: RoleSystem, Content: "sys"}, {Content: "one"}}},
		{Messages: []Message{{Content: "two"}}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, out)
}

func TestAnthropicStream(t *testing.T) {
	var seen map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "sk-ant", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&seen))
		fmt.Fprint(w, "event: message_start\ndata: {\"type\":\"message_start\"}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"Hi\"}}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\" you\"}}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"message_stop\"}\n\n")
	}))
	defer srv.Close()

	a, err := NewAnthropic(Options{APIKey: "sk-ant", BaseURL: srv.URL, Model: "claude-3-haiku-20240307"})
	require.NoError(t, err)

	var got string
	res, err := a.Generate(context.Background(), &Request{
		Messages: []Message{{Role: RoleSystem, Content: "rules"}, {Role: RoleUser, Content: "hello"}},
	}, func(tok string) error {
		got += tok
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "Hi you", got)
	assert.Equal(t, "Hi you", res.Text)
	assert.Equal(t, "rules", seen["system"])
	assert.Equal(t, float64(anthropicMaxTokens), seen["max_tokens"])
	assert.Equal(t, true, seen["stream"])
	assert.Len(t, seen["messages"], 1)
}

func TestAnthropicGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"model":"claude-3-haiku-20240307","content":[{"type":"text","text":"answer"}],"usage":{"input_tokens":4,"output_tokens":1}}`)
	}))
	defer srv.Close()

	a, err := NewAnthropic(Options{APIKey: "sk-ant", BaseURL: srv.URL})
	require.NoError(t, err)
	res, err := a.Generate(context.Background(), &Request{Messages: []Message{{Content: "q"}}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "answer", res.Text)
	assert.Equal(t, 5, res.Usage.TotalTokens)
}

func TestMissingKeyIsConfiguration(t *testing.T) {
	for _, factory := range []Factory{NewOpenAIChat, NewAnthropic} {
		a, err := factory(Options{})
		require.NoError(t, err)
		_, err = a.Generate(context.Background(), &Request{Messages: []Message{{Content: "x"}}}, nil)
		require.Error(t, err)
		assert.True(t, errors.IsKind(err, errors.KindConfiguration), a.ID())
	}
}

func TestOnlyCustomSupportsMultiple(t *testing.T) {
	a, err := NewOllama(Options{})
	require.NoError(t, err)
	_, err = a.GenerateMultiple(context.Background(), nil)
	assert.True(t, errors.HasCode(err, errors.CodeProviderUnsupported))
}
