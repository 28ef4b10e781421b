// Package provider holds the generation back ends, the registry that
// resolves them and the model table used for estimates.
package provider

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/flynn-ai/genii/internal/config"
	"github.com/flynn-ai/genii/internal/errors"
	"github.com/flynn-ai/genii/internal/logger"
)

// Roles accepted in a message.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one role tagged chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a normalized generation request.
type Request struct {
	Model            string            `json:"model,omitempty"`
	Messages         []Message         `json:"messages"`
	MaxTokens        int               `json:"max_tokens,omitempty"`
	Temperature      float64           `json:"temperature,omitempty"`
	FrequencyPenalty float64           `json:"frequency_penalty,omitempty"`
	Stop             []string          `json:"stop,omitempty"`
	N                int               `json:"n,omitempty"`
	Extra            map[string]any    `json:"-"` // other body keys, passed through
	Headers          map[string]string `json:"-"`
}

// Usage reports token counts when the back end returns them.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a completed generation.
type Response struct {
	Text       string `json:"text"`
	Model      string `json:"model"`
	Usage      Usage  `json:"usage"`
	DurationMs int64  `json:"duration_ms"`
}

// TokenFunc receives streamed tokens in order. Returning an error stops
// the stream.
type TokenFunc func(token string) error

// Capabilities are the feature flags of an adapter.
type Capabilities struct {
	Stream   bool `json:"stream"`
	Multiple bool `json:"multiple"`
	Mobile   bool `json:"mobile"`
}

// Adapter is one loaded back end.
type Adapter interface {
	// ID is the registry id the adapter was loaded under. Clones report
	// the profile id.
	ID() string
	Capabilities() Capabilities
	// Generate produces one completion. When onToken is non-nil and the
	// adapter can stream, tokens are delivered as they arrive and the
	// returned text is their concatenation.
	Generate(ctx context.Context, req *Request, onToken TokenFunc) (*Response, error)
	// GenerateMultiple answers every request in one back end call. The
	// result order matches reqs.
	GenerateMultiple(ctx context.Context, reqs []*Request) ([]string, error)
	// Models lists the known models this adapter serves.
	Models() []string
}

// Options configure an adapter instance. They come from the stored
// [providers.<id>] table of the definition being loaded.
type Options struct {
	ID      string
	APIKey  string
	BaseURL string
	Model   string
	Extra   map[string]any
	Timeout time.Duration
	Logger  *logger.Logger
}

// OptionsFrom builds adapter options from stored provider options.
func OptionsFrom(id string, stored config.ProviderOptions, timeout time.Duration, log *logger.Logger) Options {
	return Options{
		ID:      id,
		APIKey:  stored.APIKey,
		BaseURL: stored.BaseURL,
		Model:   stored.Model,
		Extra:   stored.Extra,
		Timeout: timeout,
		Logger:  log,
	}
}

// Factory instantiates an adapter.
type Factory func(opts Options) (Adapter, error)

// MakeMessage builds a message, defaulting the role to user.
func MakeMessage(content, role string) Message {
	if role == "" {
		role = RoleUser
	}
	return Message{Role: role, Content: content}
}

// known body keys lifted into Request fields.
var requestKeys = map[string]bool{
	"model": true, "messages": true, "max_tokens": true, "temperature": true,
	"frequency_penalty": true, "stop": true, "n": true, "prompt": true,
	"stream": true,
}

// RequestFromBody converts formatted body parameters into a Request. Keys
// without a field of their own are kept in Extra. Headers are read from
// reqParams.headers.
func RequestFromBody(body, reqParams map[string]any) (*Request, error) {
	r := &Request{Extra: map[string]any{}}
	r.Model, _ = body["model"].(string)
	r.MaxTokens = toInt(body["max_tokens"])
	r.Temperature = toFloat(body["temperature"])
	r.FrequencyPenalty = toFloat(body["frequency_penalty"])
	r.N = toInt(body["n"])
	r.Stop = toStrings(body["stop"])

	msgs, err := toMessages(body["messages"])
	if err != nil {
		return nil, err
	}
	r.Messages = msgs
	if len(r.Messages) == 0 {
		if p, ok := body["prompt"].(string); ok && strings.TrimSpace(p) != "" {
			r.Messages = []Message{MakeMessage(p, RoleUser)}
		}
	}

	for k, v := range body {
		if !requestKeys[k] {
			r.Extra[k] = v
		}
	}

	if h, ok := reqParams["headers"].(map[string]any); ok {
		r.Headers = map[string]string{}
		for k, v := range h {
			if s, ok := v.(string); ok {
				r.Headers[k] = s
			}
		}
	}
	return r, nil
}

func toMessages(v any) ([]Message, error) {
	switch m := v.(type) {
	case nil:
		return nil, nil
	case []Message:
		return m, nil
	case []any:
		out := make([]Message, 0, len(m))
		for _, item := range m {
			switch x := item.(type) {
			case Message:
				out = append(out, x)
			case string:
				out = append(out, MakeMessage(x, RoleUser))
			case map[string]any:
				role, _ := x["role"].(string)
				content, _ := x["content"].(string)
				out = append(out, MakeMessage(content, role))
			}
		}
		return out, nil
	}
	// Anything else is re-decoded through JSON.
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidInput, "messages are not a list", errors.CategoryUser)
	}
	var out []Message
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidInput, "messages are not a list", errors.CategoryUser)
	}
	return out, nil
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case uint64:
		return int(n)
	}
	return 0
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case float64:
		return n
	}
	return 0
}

func toStrings(v any) []string {
	switch s := v.(type) {
	case string:
		if s == "" {
			return nil
		}
		return []string{s}
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, x := range s {
			if str, ok := x.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

// Flatten joins the message contents into one prompt for back ends that
// take plain text.
func Flatten(msgs []Message) string {
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		parts = append(parts, m.Content)
	}
	return strings.Join(parts, "\n\n")
}

func unsupported(id, what string) error {
	return errors.NewBuilder(errors.CodeProviderUnsupported, id+" does not support "+what).
		Kind(errors.KindProvider).
		Permanent().
		Build()
}

func missingKey(id string) error {
	return errors.NewBuilder(errors.CodeCredentialsMissing, "no API key configured for "+id).
		Kind(errors.KindConfiguration).
		User().
		WithSuggestion("Set api_key under [providers." + id + "] in config.toml").
		Build()
}
