// Package llm wraps an OpenAI-compatible chat endpoint behind a small
// service interface. Concurrency and request rate are bounded here so the
// ingestion workers cannot stampede a local model server.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Message represents a chat message.
type Message struct {
	Role    string // system, user, assistant
	Content string
}

// Service is the LLM service interface.
type Service interface {
	// Chat performs a synchronous completion and returns the content.
	Chat(ctx context.Context, model string, messages []Message) (string, error)

	// Warmup sends a lightweight ping to establish the connection.
	Warmup(ctx context.Context)
}

// Config represents LLM service configuration.
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int     // default: 2048
	Temperature float32 // default: 0.1
	Timeout     int     // request timeout in seconds (default: 120)
	// MaxInflight bounds concurrent requests (default: 4).
	MaxInflight int64
	// RequestsPerSecond throttles the call rate (default: 5).
	RequestsPerSecond float64
}

type service struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float32
	timeout     int

	sem     *semaphore.Weighted
	limiter *rate.Limiter
}

// NewService creates a new LLM Service.
func NewService(cfg *Config) Service {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	clientConfig.HTTPClient = newHTTPClient()

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	inflight := cfg.MaxInflight
	if inflight <= 0 {
		inflight = 4
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}

	return &service{
		client:      openai.NewClientWithConfig(clientConfig),
		model:       cfg.Model,
		maxTokens:   maxTokens,
		temperature: cfg.Temperature,
		timeout:     timeout,
		sem:         semaphore.NewWeighted(inflight),
		limiter:     rate.NewLimiter(rate.Limit(rps), int(inflight)),
	}
}

func (s *service) Chat(ctx context.Context, model string, messages []Message) (string, error) {
	if model == "" {
		model = s.model
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer s.sem.Release(1)
	if err := s.limiter.Wait(ctx); err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(s.timeout)*time.Second)
	defer cancel()

	req := openai.ChatCompletionRequest{
		Model:       model,
		MaxTokens:   s.maxTokens,
		Temperature: s.temperature,
		Messages:    convertMessages(messages),
	}

	var content string
	backoff := retry.WithMaxRetries(3, retry.NewExponential(500*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		startTime := time.Now()
		resp, err := s.client.CreateChatCompletion(ctx, req)
		if err != nil {
			slog.Warn("llm chat request failed", "model", model, "error", err)
			if isRetryable(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		if len(resp.Choices) == 0 {
			return fmt.Errorf("empty response from LLM")
		}
		content = resp.Choices[0].Message.Content
		slog.Debug("llm chat response",
			"model", model,
			"total_tokens", resp.Usage.TotalTokens,
			"duration_ms", time.Since(startTime).Milliseconds(),
		)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("LLM chat failed: %w", err)
	}
	return content, nil
}

func (s *service) Warmup(ctx context.Context) {
	warmupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	startTime := time.Now()
	req := openai.ChatCompletionRequest{
		Model:       s.model,
		MaxTokens:   1,
		Temperature: 0,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: "Hi"},
		},
	}
	if _, err := s.client.CreateChatCompletion(warmupCtx, req); err != nil {
		slog.Warn("llm warmup ping failed, first request may be slower",
			"model", s.model,
			"error", err,
			"duration_ms", time.Since(startTime).Milliseconds(),
		)
		return
	}
	slog.Info("llm connection warmed up",
		"model", s.model,
		"duration_ms", time.Since(startTime).Milliseconds(),
	)
}

// isRetryable reports whether the error is transient: rate limits, server
// errors, and connection drops retry; everything else fails fast.
func isRetryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "EOF") ||
		strings.Contains(msg, "timeout")
}

func convertMessages(messages []Message) []openai.ChatCompletionMessage {
	llmMessages := make([]openai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		role := openai.ChatMessageRoleUser
		switch m.Role {
		case "system":
			role = openai.ChatMessageRoleSystem
		case "assistant":
			role = openai.ChatMessageRoleAssistant
		}
		llmMessages[i] = openai.ChatCompletionMessage{Role: role, Content: m.Content}
	}
	return llmMessages
}

func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 60 * time.Second,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}

// SystemPrompt creates a system message.
func SystemPrompt(content string) Message {
	return Message{Role: "system", Content: content}
}

// UserMessage creates a user message.
func UserMessage(content string) Message {
	return Message{Role: "user", Content: content}
}
