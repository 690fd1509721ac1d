// Package anthropic adapts the Claude Messages API to the completer
// capability.
package anthropic

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/memhive/memoryd/llm"
	"github.com/memhive/memoryd/memory"
)

// Config selects the model and credentials.
type Config struct {
	APIKey         string        `yaml:"api_key"`
	Model          string        `yaml:"model"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// Completer calls the Messages API for short generations.
type Completer struct {
	client anthropicsdk.Client
	cfg    Config
}

// NewCompleter builds a completer from config.
func NewCompleter(cfg Config) *Completer {
	if cfg.Model == "" {
		cfg.Model = string(anthropicsdk.ModelClaude3_5HaikuLatest)
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	return &Completer{
		client: anthropicsdk.NewClient(option.WithAPIKey(cfg.APIKey)),
		cfg:    cfg,
	}
}

func (c *Completer) Complete(ctx context.Context, prompt, input string, maxTokens int) (memory.Completion, error) {
	if maxTokens <= 0 {
		maxTokens = 256
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	message, err := c.client.Messages.New(ctx, anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(c.cfg.Model),
		MaxTokens: int64(maxTokens),
		System:    []anthropicsdk.TextBlockParam{{Text: prompt}},
		Messages: []anthropicsdk.MessageParam{
			anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(input)),
		},
	})
	if err != nil {
		return memory.Completion{}, normalize("message request failed", err)
	}

	var text string
	for _, blockUnion := range message.Content {
		if block, ok := blockUnion.AsAny().(anthropicsdk.TextBlock); ok {
			text += block.Text
		}
	}
	return memory.Completion{
		Text:         text,
		InputTokens:  int(message.Usage.InputTokens),
		OutputTokens: int(message.Usage.OutputTokens),
		CostUSD:      costUSD(c.cfg.Model, int(message.Usage.InputTokens), int(message.Usage.OutputTokens)),
	}, nil
}

// tierRates are USD per million tokens (input, output), keyed by the model
// family substring. Unrecognized models report zero cost.
var tierRates = []struct {
	family string
	rates  [2]float64
}{
	{"haiku", [2]float64{0.80, 4.00}},
	{"sonnet", [2]float64{3.00, 15.00}},
	{"opus", [2]float64{15.00, 75.00}},
}

func costUSD(model string, inputTokens, outputTokens int) float64 {
	for _, tier := range tierRates {
		if strings.Contains(model, tier.family) {
			return (float64(inputTokens)*tier.rates[0] + float64(outputTokens)*tier.rates[1]) / 1e6
		}
	}
	return 0
}

func normalize(msg string, err error) error {
	var apiErr *anthropicsdk.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusTooManyRequests:
			return llm.NewRateLimitError(msg, nil, err)
		case http.StatusRequestEntityTooLarge:
			return llm.NewRequestTooLargeError(msg, err)
		case http.StatusBadRequest:
			return llm.NewInvalidRequestError(msg, err)
		case http.StatusInternalServerError, http.StatusServiceUnavailable, 529:
			return llm.NewTransientError(msg, err)
		}
		return llm.NewProviderError(msg, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return llm.NewTransientError(msg, err)
	}
	return llm.NewProviderError(msg, err)
}

var _ memory.Completer = (*Completer)(nil)
