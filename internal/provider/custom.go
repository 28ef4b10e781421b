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

// Custom talks to any OpenAI compatible endpoint. It is the only adapter
// that answers several prompts in one call, through the legacy
// completions endpoint.
type Custom struct {
	id       string
	model    string
	apiKey   string
	chatPath string
	compPath string
	headers  map[string]string
	http     *resty.Client
	policy   *errors.Policy
	breaker  *errors.CircuitBreaker
	log      *logger.Logger
}

// NewCustom is the custom factory. Options.Extra may carry "headers" (sent
// with every call), "chat_path" and "completions_path".
func NewCustom(opts Options) (Adapter, error) {
	if opts.ID == "" {
		opts.ID = IDCustom
	}
	if opts.BaseURL == "" {
		opts.BaseURL = defaultOpenAIBase
	}
	c := &Custom{
		id:       opts.ID,
		model:    opts.Model,
		apiKey:   opts.APIKey,
		chatPath: "/chat/completions",
		compPath: "/completions",
		headers:  map[string]string{},
		http:     newHTTPClient(opts.BaseURL, opts.Timeout),
		policy:   retryPolicy(3),
		breaker: errors.NewCircuitBreaker(opts.ID, &errors.CircuitBreakerConfig{
			MaxFailures:      5,
			ResetTimeout:     60 * time.Second,
			HalfOpenAttempts: 2,
		}),
		log: logger.OrNop(opts.Logger).With("provider", opts.ID),
	}
	if p, ok := opts.Extra["chat_path"].(string); ok && p != "" {
		c.chatPath = p
	}
	if p, ok := opts.Extra["completions_path"].(string); ok && p != "" {
		c.compPath = p
	}
	if h, ok := opts.Extra["headers"].(map[string]any); ok {
		for k, v := range h {
			if s, ok := v.(string); ok {
				c.headers[k] = s
			}
		}
	}
	return c, nil
}

func (c *Custom) ID() string { return c.id }

func (c *Custom) Capabilities() Capabilities {
	return Capabilities{Stream: true, Multiple: true, Mobile: true}
}

func (c *Custom) Models() []string { return ModelsFor(IDCustom) }

// chatResponse is the OpenAI compatible chat and completions answer.
type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Index   int    `json:"index"`
		Text    string `json:"text"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

func (c *Custom) body(req *Request, stream bool) map[string]any {
	body := map[string]any{}
	for k, v := range req.Extra {
		body[k] = v
	}
	model := req.Model
	if model == "" {
		model = c.model
	}
	body["model"] = model
	body["messages"] = req.Messages
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}
	if req.Temperature > 0 {
		body["temperature"] = req.Temperature
	}
	if req.FrequencyPenalty != 0 {
		body["frequency_penalty"] = req.FrequencyPenalty
	}
	if len(req.Stop) > 0 {
		body["stop"] = req.Stop
	}
	if req.N > 0 {
		body["n"] = req.N
	}
	if stream {
		body["stream"] = true
	}
	return body
}

func (c *Custom) request(ctx context.Context, headers map[string]string) *resty.Request {
	r := c.http.R().SetContext(ctx)
	if c.apiKey != "" {
		r.SetAuthToken(c.apiKey)
	}
	for k, v := range c.headers {
		r.SetHeader(k, v)
	}
	for k, v := range headers {
		r.SetHeader(k, v)
	}
	return r
}

// post sends body to path through the breaker and the retry policy.
func (c *Custom) post(ctx context.Context, path string, body any, headers map[string]string) (*chatResponse, error) {
	return errors.ExecuteCircuitBreakerWithResult(c.breaker, func() (*chatResponse, error) {
		return errors.DoWithResult(ctx, c.policy, func() (*chatResponse, error) {
			resp, err := c.request(ctx, headers).SetBody(body).Post(path)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return nil, ctxErr
				}
				return nil, transportError(c.id, err)
			}
			if resp.IsError() {
				return nil, statusError(c.id, resp.StatusCode(), resp.String(), resp.Header())
			}
			var out chatResponse
			if err := json.Unmarshal(resp.Body(), &out); err != nil {
				return nil, errors.NewBuilder(errors.CodeProviderBadResponse, "failed to parse "+c.id+" response").
					Kind(errors.KindProvider).
					Permanent().
					Wrap(err).
					WithContext("response_body", resp.String()).
					Build()
			}
			return &out, nil
		})
	})
}

func (c *Custom) Generate(ctx context.Context, req *Request, onToken TokenFunc) (*Response, error) {
	if onToken != nil {
		return c.stream(ctx, req, onToken)
	}
	start := time.Now()
	res, err := c.post(ctx, c.chatPath, c.body(req, false), req.Headers)
	if err != nil {
		return nil, err
	}
	if len(res.Choices) == 0 {
		return nil, badResponse(c.id, "response contained no choices")
	}
	text := res.Choices[0].Message.Content
	if text == "" {
		text = res.Choices[0].Text
	}
	return &Response{
		Text:       text,
		Model:      res.Model,
		Usage:      res.Usage,
		DurationMs: time.Since(start).Milliseconds(),
	}, nil
}

func (c *Custom) stream(ctx context.Context, req *Request, onToken TokenFunc) (*Response, error) {
	body := c.body(req, true)
	start := time.Now()

	resp, err := c.request(ctx, req.Headers).
		SetHeader("Accept", "text/event-stream").
		SetBody(body).
		SetDoNotParseResponse(true).
		Post(c.chatPath)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, transportError(c.id, err)
	}
	raw := resp.RawBody()
	defer raw.Close()
	if resp.StatusCode() >= 300 {
		msg, _ := io.ReadAll(raw)
		return nil, statusError(c.id, resp.StatusCode(), string(msg), resp.Header())
	}

	var b strings.Builder
	model, _ := body["model"].(string)
	err = readSSE(ctx, raw, func(data string) (bool, error) {
		var chunk chatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return false, badResponse(c.id, "malformed stream chunk")
		}
		if chunk.Model != "" {
			model = chunk.Model
		}
		if len(chunk.Choices) == 0 {
			return false, nil
		}
		token := chunk.Choices[0].Delta.Content
		if token == "" {
			token = chunk.Choices[0].Text
		}
		if token == "" {
			return false, nil
		}
		b.WriteString(token)
		return false, onToken(token)
	})
	if err != nil {
		return nil, err
	}
	return &Response{Text: b.String(), Model: model, DurationMs: time.Since(start).Milliseconds()}, nil
}

// GenerateMultiple flattens every request into one prompt and sends them
// as a single completions call. Choices are matched back by index.
func (c *Custom) GenerateMultiple(ctx context.Context, reqs []*Request) ([]string, error) {
	if len(reqs) == 0 {
		return nil, nil
	}
	first := reqs[0]
	prompts := make([]string, len(reqs))
	for i, r := range reqs {
		prompts[i] = Flatten(r.Messages)
	}

	body := map[string]any{}
	for k, v := range first.Extra {
		body[k] = v
	}
	model := first.Model
	if model == "" {
		model = c.model
	}
	body["model"] = model
	body["prompt"] = prompts
	if first.MaxTokens > 0 {
		body["max_tokens"] = first.MaxTokens
	}
	if first.Temperature > 0 {
		body["temperature"] = first.Temperature
	}
	if first.FrequencyPenalty != 0 {
		body["frequency_penalty"] = first.FrequencyPenalty
	}
	if len(first.Stop) > 0 {
		body["stop"] = first.Stop
	}

	c.log.Debug("multiple completions", "model", model, "prompts", len(prompts))
	res, err := c.post(ctx, c.compPath, body, first.Headers)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(reqs))
	for i, choice := range res.Choices {
		idx := choice.Index
		if idx < 0 || idx >= len(out) {
			idx = i
		}
		if idx >= len(out) {
			continue
		}
		out[idx] = choice.Text
	}
	return out, nil
}
