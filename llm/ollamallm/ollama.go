// Package ollamallm adapts a local Ollama server to the embedder and
// completer capabilities, for fully offline deployments.
package ollamallm

import (
	"context"
	"fmt"

	"github.com/ollama/ollama/api"

	"github.com/memhive/memoryd/llm"
	"github.com/memhive/memoryd/memory"
)

// Config selects the models. Server location comes from OLLAMA_HOST.
type Config struct {
	EmbedModel    string `yaml:"embed_model"`
	CompleteModel string `yaml:"complete_model"`
}

func (c Config) withDefaults() Config {
	if c.EmbedModel == "" {
		c.EmbedModel = "mxbai-embed-large"
	}
	if c.CompleteModel == "" {
		c.CompleteModel = "llama3.2"
	}
	return c
}

// Embedder calls the Ollama embed endpoint.
type Embedder struct {
	client *api.Client
	cfg    Config
}

// NewEmbedder builds an embedder from the environment's Ollama host.
func NewEmbedder(cfg Config) (*Embedder, error) {
	cli, err := api.ClientFromEnvironment()
	if err != nil {
		return nil, fmt.Errorf("ollama client: %w", err)
	}
	return &Embedder{client: cli, cfg: cfg.withDefaults()}, nil
}

func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.Embed(ctx, &api.EmbedRequest{
		Model: e.cfg.EmbedModel,
		Input: text,
	})
	if err != nil {
		return nil, llm.NewTransientError("embed request failed", err)
	}
	if len(resp.Embeddings) == 0 {
		return nil, llm.NewProviderError("embed response was empty", nil)
	}
	return resp.Embeddings[0], nil
}

// Completer calls the Ollama generate endpoint.
type Completer struct {
	client *api.Client
	cfg    Config
}

// NewCompleter builds a completer from the environment's Ollama host.
func NewCompleter(cfg Config) (*Completer, error) {
	cli, err := api.ClientFromEnvironment()
	if err != nil {
		return nil, fmt.Errorf("ollama client: %w", err)
	}
	return &Completer{client: cli, cfg: cfg.withDefaults()}, nil
}

func (c *Completer) Complete(ctx context.Context, prompt, input string, maxTokens int) (memory.Completion, error) {
	stream := false
	var text string
	err := c.client.Generate(ctx, &api.GenerateRequest{
		Model:  c.cfg.CompleteModel,
		System: prompt,
		Prompt: input,
		Stream: &stream,
		Options: map[string]any{
			"num_predict": maxTokens,
		},
	}, func(resp api.GenerateResponse) error {
		text += resp.Response
		return nil
	})
	if err != nil {
		return memory.Completion{}, llm.NewTransientError("generate request failed", err)
	}
	return memory.Completion{Text: text}, nil
}

var (
	_ memory.Embedder  = (*Embedder)(nil)
	_ memory.Completer = (*Completer)(nil)
)
