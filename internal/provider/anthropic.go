package provider

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/flynn-ai/genii/internal/errors"
	"github.com/flynn-ai/genii/internal/logger"
)

const (
	defaultAnthropicBase = "https://api.anthropic.com"
	anthropicVersion     = "2023-06-01"
	anthropicMaxTokens   = 1024
)

// Anthropic talks to the messages API.
type Anthropic struct {
	id      string
	model   string
	apiKey  string
	http    *resty.Client
	policy  *errors.Policy
	breaker *errors.CircuitBreaker
	log     *logger.Logger
}

// NewAnthropic is the anthropic factory.
func NewAnthropic(opts Options) (Adapter, error) {
	if opts.ID == "" {
		opts.ID = IDAnthropic
	}
	if opts.BaseURL == "" {
		opts.BaseURL = defaultAnthropicBase
	}
	return &Anthropic{
		id:      opts.ID,
		model:   opts.Model,
		apiKey:  opts.APIKey,
		http:    newHTTPClient(opts.BaseURL, opts.Timeout),
		policy:  retryPolicy(3),
		breaker: errors.NewCircuitBreaker(opts.ID, nil),
		log:     logger.OrNop(opts.Logger).With("provider", opts.ID),
	}, nil
}

func (a *Anthropic) ID() string { return a.id }

func (a *Anthropic) Capabilities() Capabilities {
	return Capabilities{Stream: true, Mobile: true}
}

func (a *Anthropic) Models() []string { return ModelsFor(IDAnthropic) }

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type anthropicEvent struct {
	Type  string `json:"type"`
	Delta *struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// body maps a request onto the messages API. System messages move to the
// top level system field.
func (a *Anthropic) body(req *Request, stream bool) map[string]any {
	var system []string
	msgs := make([]anthropicMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == RoleSystem {
			system = append(system, m.Content)
			continue
		}
		msgs = append(msgs, anthropicMessage{Role: m.Role, Content: m.Content})
	}

	model := req.Model
	if model == "" {
		model = a.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicMaxTokens
	}

	body := map[string]any{}
	for k, v := range req.Extra {
		body[k] = v
	}
	body["model"] = model
	body["messages"] = msgs
	body["max_tokens"] = maxTokens
	if len(system) > 0 {
		body["system"] = strings.Join(system, "\n")
	}
	if req.Temperature > 0 {
		body["temperature"] = req.Temperature
	}
	if len(req.Stop) > 0 {
		body["stop_sequences"] = req.Stop
	}
	if stream {
		body["stream"] = true
	}
	return body
}

func (a *Anthropic) request(ctx context.Context, req *Request) *resty.Request {
	r := a.http.R().
		SetContext(ctx).
		SetHeader("x-api-key", a.apiKey).
		SetHeader("anthropic-version", anthropicVersion)
	for k, v := range req.Headers {
		r.SetHeader(k, v)
	}
	return r
}

func (a *Anthropic) Generate(ctx context.Context, req *Request, onToken TokenFunc) (*Response, error) {
	if a.apiKey == "" {
		return nil, missingKey(a.id)
	}
	if onToken != nil {
		return a.stream(ctx, req, onToken)
	}

	body := a.body(req, false)
	start := time.Now()
	res, err := errors.ExecuteCircuitBreakerWithResult(a.breaker, func() (*anthropicResponse, error) {
		return errors.DoWithResult(ctx, a.policy, func() (*anthropicResponse, error) {
			var out anthropicResponse
			resp, err := a.request(ctx, req).SetBody(body).SetResult(&out).Post("/v1/messages")
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return nil, ctxErr
				}
				return nil, transportError(a.id, err)
			}
			if resp.IsError() {
				return nil, statusError(a.id, resp.StatusCode(), resp.String(), resp.Header())
			}
			return &out, nil
		})
	})
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	for _, c := range res.Content {
		if c.Type == "text" {
			b.WriteString(c.Text)
		}
	}
	return &Response{
		Text:  b.String(),
		Model: res.Model,
		Usage: Usage{
			PromptTokens:     res.Usage.InputTokens,
			CompletionTokens: res.Usage.OutputTokens,
			TotalTokens:      res.Usage.InputTokens + res.Usage.OutputTokens,
		},
		DurationMs: time.Since(start).Milliseconds(),
	}, nil
}

func (a *Anthropic) stream(ctx context.Context, req *Request, onToken TokenFunc) (*Response, error) {
	body := a.body(req, true)
	start := time.Now()

	resp, err := a.request(ctx, req).
		SetHeader("Accept", "text/event-stream").
		SetBody(body).
		SetDoNotParseResponse(true).
		Post("/v1/messages")
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, transportError(a.id, err)
	}
	raw := resp.RawBody()
	defer raw.Close()
	if resp.StatusCode() >= 300 {
		msg, _ := io.ReadAll(raw)
		return nil, statusError(a.id, resp.StatusCode(), string(msg), resp.Header())
	}

	var b strings.Builder
	err = readSSE(ctx, raw, func(data string) (bool, error) {
		var ev anthropicEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return false, badResponse(a.id, "malformed stream event")
		}
		switch ev.Type {
		case "content_block_delta":
			if ev.Delta != nil && ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
				b.WriteString(ev.Delta.Text)
				return false, onToken(ev.Delta.Text)
			}
		case "error":
			msg := "stream error"
			if ev.Error != nil {
				msg = ev.Error.Message
			}
			return false, errors.NewBuilder(errors.CodeProviderUnavailable, a.id+": "+msg).
				Kind(errors.KindProvider).
				Temporary().
				Build()
		case "message_stop":
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	return &Response{Text: b.String(), Model: body["model"].(string), DurationMs: time.Since(start).Milliseconds()}, nil
}

func (a *Anthropic) GenerateMultiple(ctx context.Context, reqs []*Request) ([]string, error) {
	return nil, unsupported(a.id, "multiple completions")
}
