package provider

import (
	"context"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/flynn-ai/genii/internal/errors"
	"github.com/flynn-ai/genii/internal/logger"
)

const defaultOpenAIBase = "https://api.openai.com/v1"

// OpenAIChat talks to the chat completions API through openai-go.
type OpenAIChat struct {
	id      string
	model   string
	apiKey  string
	client  openai.Client
	policy  *errors.Policy
	breaker *errors.CircuitBreaker
	log     *logger.Logger
}

// NewOpenAIChat is the openai-chat factory.
func NewOpenAIChat(opts Options) (Adapter, error) {
	if opts.ID == "" {
		opts.ID = IDOpenAIChat
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(opts.APIKey), option.WithMaxRetries(0)}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	if opts.Timeout > 0 {
		reqOpts = append(reqOpts, option.WithRequestTimeout(opts.Timeout))
	}
	return &OpenAIChat{
		id:      opts.ID,
		model:   opts.Model,
		apiKey:  opts.APIKey,
		client:  openai.NewClient(reqOpts...),
		policy:  retryPolicy(3),
		breaker: errors.NewCircuitBreaker(opts.ID, nil),
		log:     logger.OrNop(opts.Logger).With("provider", opts.ID),
	}, nil
}

func (o *OpenAIChat) ID() string { return o.id }

func (o *OpenAIChat) Capabilities() Capabilities {
	return Capabilities{Stream: true, Mobile: true}
}

func (o *OpenAIChat) Models() []string { return ModelsFor(IDOpenAIChat) }

func (o *OpenAIChat) params(req *Request) (openai.ChatCompletionNewParams, []option.RequestOption) {
	model := req.Model
	if model == "" {
		model = o.model
	}
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			msgs = append(msgs, openai.SystemMessage(m.Content))
		case RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(m.Content))
		default:
			msgs = append(msgs, openai.UserMessage(m.Content))
		}
	}

	p := openai.ChatCompletionNewParams{
		Model:    model,
		Messages: msgs,
	}
	if req.MaxTokens > 0 {
		p.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		p.Temperature = openai.Float(req.Temperature)
	}
	if req.FrequencyPenalty != 0 {
		p.FrequencyPenalty = openai.Float(req.FrequencyPenalty)
	}

	var extra []option.RequestOption
	if len(req.Stop) > 0 {
		extra = append(extra, option.WithJSONSet("stop", req.Stop))
	}
	for k, v := range req.Extra {
		extra = append(extra, option.WithJSONSet(k, v))
	}
	for k, v := range req.Headers {
		extra = append(extra, option.WithHeader(k, v))
	}
	return p, extra
}

func (o *OpenAIChat) Generate(ctx context.Context, req *Request, onToken TokenFunc) (*Response, error) {
	if o.apiKey == "" {
		return nil, missingKey(o.id)
	}
	if onToken != nil {
		return o.stream(ctx, req, onToken)
	}

	p, extra := o.params(req)
	start := time.Now()
	o.log.Debug("chat completion", "model", p.Model, "messages", len(p.Messages))
	res, err := errors.ExecuteCircuitBreakerWithResult(o.breaker, func() (*openai.ChatCompletion, error) {
		return errors.DoWithResult(ctx, o.policy, func() (*openai.ChatCompletion, error) {
			r, err := o.client.Chat.Completions.New(ctx, p, extra...)
			if err != nil {
				return nil, o.wrap(err)
			}
			return r, nil
		})
	})
	if err != nil {
		return nil, err
	}
	if len(res.Choices) == 0 {
		return nil, badResponse(o.id, "response contained no choices")
	}
	return &Response{
		Text:  res.Choices[0].Message.Content,
		Model: res.Model,
		Usage: Usage{
			PromptTokens:     int(res.Usage.PromptTokens),
			CompletionTokens: int(res.Usage.CompletionTokens),
			TotalTokens:      int(res.Usage.TotalTokens),
		},
		DurationMs: time.Since(start).Milliseconds(),
	}, nil
}

func (o *OpenAIChat) stream(ctx context.Context, req *Request, onToken TokenFunc) (*Response, error) {
	p, extra := o.params(req)
	start := time.Now()

	stream := o.client.Chat.Completions.NewStreaming(ctx, p, extra...)
	defer stream.Close()

	var b strings.Builder
	model := p.Model
	for stream.Next() {
		chunk := stream.Current()
		if chunk.Model != "" {
			model = chunk.Model
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		token := chunk.Choices[0].Delta.Content
		if token == "" {
			continue
		}
		b.WriteString(token)
		if err := onToken(token); err != nil {
			return nil, err
		}
	}
	if err := stream.Err(); err != nil {
		return nil, o.wrap(err)
	}
	return &Response{Text: b.String(), Model: model, DurationMs: time.Since(start).Milliseconds()}, nil
}

func (o *OpenAIChat) GenerateMultiple(ctx context.Context, reqs []*Request) ([]string, error) {
	return nil, unsupported(o.id, "multiple completions")
}

func (o *OpenAIChat) wrap(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return statusError(o.id, apiErr.StatusCode, apiErr.Message, nil)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return transportError(o.id, err)
}
