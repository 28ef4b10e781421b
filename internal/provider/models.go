package provider

import (
	"math"
	"sort"
	"strings"
)

// ModelInfo describes a known model. Prices are per 1K tokens.
type ModelInfo struct {
	Name            string   `json:"name"`
	ContextTokens   int      `json:"context_tokens"`
	PromptPrice     float64  `json:"prompt_price"`
	CompletionPrice float64  `json:"completion_price"`
	Providers       []string `json:"providers"` // owning provider ids, preferred first
	Order           int      `json:"order"`     // listing priority, higher first
}

var models = map[string]ModelInfo{
	"gpt-4o":                     {ContextTokens: 128000, PromptPrice: 0.005, CompletionPrice: 0.015, Providers: []string{IDOpenAIChat}, Order: 1},
	"gpt-4o-mini":                {ContextTokens: 128000, PromptPrice: 0.00015, CompletionPrice: 0.0006, Providers: []string{IDOpenAIChat}, Order: 1},
	"gpt-4":                      {ContextTokens: 8192, PromptPrice: 0.03, CompletionPrice: 0.06, Providers: []string{IDOpenAIChat}},
	"gpt-4-turbo-preview":        {ContextTokens: 128000, PromptPrice: 0.01, CompletionPrice: 0.03, Providers: []string{IDOpenAIChat}},
	"gpt-4-32k":                  {ContextTokens: 32768, PromptPrice: 0.06, CompletionPrice: 0.12, Providers: []string{IDOpenAIChat}, Order: -1},
	"gpt-3.5-turbo":              {ContextTokens: 4097, PromptPrice: 0.0005, CompletionPrice: 0.0015, Providers: []string{IDOpenAIChat}},
	"gpt-3.5-turbo-16k":          {ContextTokens: 16385, PromptPrice: 0.003, CompletionPrice: 0.004, Providers: []string{IDOpenAIChat}, Order: -1},
	"gpt-3.5-turbo-instruct":     {ContextTokens: 4097, PromptPrice: 0.0015, CompletionPrice: 0.002, Providers: []string{IDCustom}},
	"davinci-002":                {ContextTokens: 16384, PromptPrice: 0.002, CompletionPrice: 0.002, Providers: []string{IDCustom}, Order: -2},
	"babbage-002":                {ContextTokens: 16384, PromptPrice: 0.0004, CompletionPrice: 0.0004, Providers: []string{IDCustom}, Order: -2},
	"claude-3-5-sonnet-20240620": {ContextTokens: 200000, PromptPrice: 0.003, CompletionPrice: 0.015, Providers: []string{IDAnthropic}, Order: 1},
	"claude-3-opus-20240229":     {ContextTokens: 200000, PromptPrice: 0.015, CompletionPrice: 0.075, Providers: []string{IDAnthropic}},
	"claude-3-haiku-20240307":    {ContextTokens: 200000, PromptPrice: 0.00025, CompletionPrice: 0.00125, Providers: []string{IDAnthropic}},
	"llama3":                     {ContextTokens: 8192, Providers: []string{IDOllama}},
	"mistral":                    {ContextTokens: 32768, Providers: []string{IDOllama}},
	"phi3":                       {ContextTokens: 4096, Providers: []string{IDOllama}},
}

func init() {
	for name, m := range models {
		m.Name = name
		models[name] = m
	}
}

// LookupModel finds a model by name, case-insensitively. A "models/"
// prefix is tolerated.
func LookupModel(name string) (ModelInfo, bool) {
	key := strings.ToLower(strings.TrimSpace(name))
	if m, ok := models[key]; ok {
		return m, true
	}
	m, ok := models[strings.TrimPrefix(key, "models/")]
	return m, ok
}

// ModelsFor lists the models owned by a provider id, highest order first
// and then by name.
func ModelsFor(providerID string) []string {
	var out []string
	for name, m := range models {
		for _, p := range m.Providers {
			if p == providerID {
				out = append(out, name)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		oi, oj := models[out[i]].Order, models[out[j]].Order
		if oi != oj {
			return oi > oj
		}
		return out[i] < out[j]
	})
	return out
}

// EstimateTokens approximates the prompt size: a quarter token per
// character, rounded up, plus four tokens of framing per message.
func EstimateTokens(msgs []Message) int {
	total := 0
	for _, m := range msgs {
		total += int(math.Ceil(float64(len(m.Content))/4)) + 4
	}
	return total
}

// Estimate is a token and price estimate for one request.
type Estimate struct {
	Tokens           int     `json:"tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	MaxTokens        int     `json:"max_tokens"` // model context size, 0 when unknown
	Cost             float64 `json:"cost"`
	Model            string  `json:"model"`
}

// EstimateRequest estimates the prompt tokens and the price of req,
// assuming the whole completion budget is used.
func EstimateRequest(req *Request) Estimate {
	e := Estimate{
		Tokens:           EstimateTokens(req.Messages),
		CompletionTokens: req.MaxTokens,
		Model:            req.Model,
	}
	if m, ok := LookupModel(req.Model); ok {
		e.MaxTokens = m.ContextTokens
		e.Cost = Price(m, e.Tokens, req.MaxTokens)
	}
	return e
}

// Price is the cost of promptTokens plus completionTokens for m.
// A missing completion budget counts as 100 tokens.
func Price(m ModelInfo, promptTokens, completionTokens int) float64 {
	if completionTokens <= 0 {
		completionTokens = 100
	}
	return (float64(promptTokens)*m.PromptPrice + float64(completionTokens)*m.CompletionPrice) / 1000
}
