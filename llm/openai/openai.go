// Package openai adapts the OpenAI API to the embedder and completer
// capabilities.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/memhive/memoryd/llm"
	"github.com/memhive/memoryd/memory"
)

// Config selects the models and credentials.
type Config struct {
	APIKey         string        `yaml:"api_key"`
	BaseURL        string        `yaml:"base_url,omitempty"`
	EmbedModel     string        `yaml:"embed_model"`
	CompleteModel  string        `yaml:"complete_model"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

func (c Config) withDefaults() Config {
	if c.EmbedModel == "" {
		c.EmbedModel = string(goopenai.SmallEmbedding3)
	}
	if c.CompleteModel == "" {
		c.CompleteModel = goopenai.GPT4oMini
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 30 * time.Second
	}
	return c
}

// Embedder calls the OpenAI embeddings API.
type Embedder struct {
	client *goopenai.Client
	cfg    Config
}

// NewEmbedder builds an embedder from config.
func NewEmbedder(cfg Config) *Embedder {
	cfg = cfg.withDefaults()
	clientCfg := goopenai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &Embedder{client: goopenai.NewClientWithConfig(clientCfg), cfg: cfg}
}

func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()
	resp, err := e.client.CreateEmbeddings(ctx, goopenai.EmbeddingRequest{
		Model: goopenai.EmbeddingModel(e.cfg.EmbedModel),
		Input: []string{text},
	})
	if err != nil {
		return nil, normalize("embedding request failed", err)
	}
	if len(resp.Data) == 0 {
		return nil, llm.NewProviderError("embedding response was empty", nil)
	}
	return resp.Data[0].Embedding, nil
}

// Completer calls the OpenAI chat completions API.
type Completer struct {
	client *goopenai.Client
	cfg    Config
}

// NewCompleter builds a completer from config.
func NewCompleter(cfg Config) *Completer {
	cfg = cfg.withDefaults()
	clientCfg := goopenai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &Completer{client: goopenai.NewClientWithConfig(clientCfg), cfg: cfg}
}

func (c *Completer) Complete(ctx context.Context, prompt, input string, maxTokens int) (memory.Completion, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	resp, err := c.client.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model:     c.cfg.CompleteModel,
		MaxTokens: maxTokens,
		Messages: []goopenai.ChatCompletionMessage{
			{Role: goopenai.ChatMessageRoleSystem, Content: prompt},
			{Role: goopenai.ChatMessageRoleUser, Content: input},
		},
	})
	if err != nil {
		return memory.Completion{}, normalize("completion request failed", err)
	}
	if len(resp.Choices) == 0 {
		return memory.Completion{}, llm.NewProviderError("completion response was empty", nil)
	}
	return memory.Completion{
		Text:         resp.Choices[0].Message.Content,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		CostUSD:      costUSD(c.cfg.CompleteModel, resp.Usage.PromptTokens, resp.Usage.CompletionTokens),
	}, nil
}

// modelRates are USD per million tokens (input, output). Unlisted models
// report zero cost rather than a guess.
var modelRates = map[string][2]float64{
	goopenai.GPT4oMini:     {0.15, 0.60},
	goopenai.GPT4o:         {2.50, 10.00},
	goopenai.GPT4Turbo:     {10.00, 30.00},
	goopenai.GPT3Dot5Turbo: {0.50, 1.50},
}

func costUSD(model string, inputTokens, outputTokens int) float64 {
	rates, ok := modelRates[model]
	if !ok {
		return 0
	}
	return (float64(inputTokens)*rates[0] + float64(outputTokens)*rates[1]) / 1e6
}

// normalize maps SDK errors onto the provider-neutral taxonomy.
func normalize(msg string, err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusTooManyRequests:
			return llm.NewRateLimitError(msg, nil, err)
		case http.StatusRequestEntityTooLarge:
			return llm.NewRequestTooLargeError(msg, err)
		case http.StatusBadRequest:
			return llm.NewInvalidRequestError(msg, err)
		case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable:
			return llm.NewTransientError(msg, err)
		}
		return llm.NewProviderError(fmt.Sprintf("%s (status %d)", msg, apiErr.HTTPStatusCode), err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return llm.NewTransientError(msg, err)
	}
	return llm.NewProviderError(msg, err)
}

var (
	_ memory.Embedder  = (*Embedder)(nil)
	_ memory.Completer = (*Completer)(nil)
)
