// Package embedding provides text embeddings via any OpenAI-compatible
// endpoint.
package embedding

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"github.com/sashabaranov/go-openai"
)

// Provider turns text into vectors.
type Provider interface {
	// Embed returns one vector per input text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions is the vector size this provider produces.
	Dimensions() int
}

// Config represents embedding provider configuration.
type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	Dimensions int
	Timeout    int // seconds, default 60
}

type provider struct {
	client     *openai.Client
	model      string
	dimensions int
	timeout    int
}

// NewProvider creates an OpenAI-compatible embedding provider.
func NewProvider(cfg *Config) Provider {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60
	}
	return &provider{
		client:     openai.NewClientWithConfig(clientConfig),
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
		timeout:    timeout,
	}
}

func (p *provider) Dimensions() int {
	return p.dimensions
}

func (p *provider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, time.Duration(p.timeout)*time.Second)
	defer cancel()

	startTime := time.Now()
	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(p.model),
		Input: texts,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create embeddings")
	}
	if len(resp.Data) != len(texts) {
		return nil, errors.Errorf("embedding count mismatch: got %d want %d", len(resp.Data), len(texts))
	}

	vectors := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, errors.Errorf("embedding index out of range: %d", d.Index)
		}
		if p.dimensions > 0 && len(d.Embedding) != p.dimensions {
			return nil, errors.Errorf("embedding dimension mismatch: got %d want %d", len(d.Embedding), p.dimensions)
		}
		vectors[d.Index] = d.Embedding
	}

	slog.Debug("embeddings created",
		"model", p.model,
		"count", len(texts),
		"duration_ms", time.Since(startTime).Milliseconds(),
	)
	return vectors, nil
}
