package provider

import (
	"context"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"

	"github.com/flynn-ai/genii/internal/errors"
	"github.com/flynn-ai/genii/internal/logger"
)

const defaultOllamaBase = "http://localhost:11434"

// Ollama runs generations against a local Ollama server through langchaingo.
// No API key is needed.
type Ollama struct {
	id      string
	model   string
	baseURL string
	timeout time.Duration
	log     *logger.Logger
}

// NewOllama is the ollama factory.
func NewOllama(opts Options) (Adapter, error) {
	if opts.ID == "" {
		opts.ID = IDOllama
	}
	if opts.BaseURL == "" {
		opts.BaseURL = defaultOllamaBase
	}
	return &Ollama{
		id:      opts.ID,
		model:   opts.Model,
		baseURL: opts.BaseURL,
		timeout: opts.Timeout,
		log:     logger.OrNop(opts.Logger).With("provider", opts.ID),
	}, nil
}

func (o *Ollama) ID() string { return o.id }

func (o *Ollama) Capabilities() Capabilities { return Capabilities{Stream: true} }

func (o *Ollama) Models() []string { return ModelsFor(IDOllama) }

func (o *Ollama) client(model string) (*ollama.LLM, error) {
	llm, err := ollama.New(ollama.WithModel(model), ollama.WithServerURL(o.baseURL))
	if err != nil {
		return nil, errors.NewBuilder(errors.CodeConfigInvalid, "could not create ollama client").
			Kind(errors.KindConfiguration).
			User().
			Wrap(err).
			Build()
	}
	return llm, nil
}

func messageContents(msgs []Message) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(msgs))
	for _, m := range msgs {
		role := llms.ChatMessageTypeHuman
		switch m.Role {
		case RoleSystem:
			role = llms.ChatMessageTypeSystem
		case RoleAssistant:
			role = llms.ChatMessageTypeAI
		}
		out = append(out, llms.TextParts(role, m.Content))
	}
	return out
}

func (o *Ollama) Generate(ctx context.Context, req *Request, onToken TokenFunc) (*Response, error) {
	model := req.Model
	if model == "" {
		model = o.model
	}
	llm, err := o.client(model)
	if err != nil {
		return nil, err
	}

	var callOpts []llms.CallOption
	if req.MaxTokens > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(req.MaxTokens))
	}
	if req.Temperature > 0 {
		callOpts = append(callOpts, llms.WithTemperature(req.Temperature))
	}
	if req.FrequencyPenalty != 0 {
		callOpts = append(callOpts, llms.WithFrequencyPenalty(req.FrequencyPenalty))
	}
	if len(req.Stop) > 0 {
		callOpts = append(callOpts, llms.WithStopWords(req.Stop))
	}
	if onToken != nil {
		callOpts = append(callOpts, llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
			if len(chunk) == 0 {
				return nil
			}
			return onToken(string(chunk))
		}))
	}

	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	start := time.Now()
	o.log.Debug("generate", "model", model, "messages", len(req.Messages), "stream", onToken != nil)
	res, err := llm.GenerateContent(ctx, messageContents(req.Messages), callOpts...)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, transportError(o.id, err)
	}
	if len(res.Choices) == 0 {
		return nil, badResponse(o.id, "response contained no choices")
	}
	return &Response{
		Text:       res.Choices[0].Content,
		Model:      model,
		DurationMs: time.Since(start).Milliseconds(),
	}, nil
}

func (o *Ollama) GenerateMultiple(ctx context.Context, reqs []*Request) ([]string, error) {
	return nil, unsupported(o.id, "multiple completions")
}
