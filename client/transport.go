package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// apiError is a non-2xx response. Status 4xx marks the item permanently
// rejected; retrying would never succeed.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("api status %d: %s", e.Status, e.Message)
}

func (e *apiError) permanent() bool {
	return e.Status >= 400 && e.Status < 500 && e.Status != http.StatusTooManyRequests
}

// transport is the thin HTTP client under the SDK.
type transport struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func newTransport(baseURL, apiKey string, timeout time.Duration) *transport {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &transport{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

type registration struct {
	AgentID   string `json:"agent_id"`
	APIKey    string `json:"api_key"`
	ProjectID string `json:"project_id"`
}

func (t *transport) autoRegister(ctx context.Context, fingerprint, agentName string) (*registration, error) {
	var reg registration
	err := t.do(ctx, http.MethodPost, "/agents/auto-register", map[string]any{
		"machine_fingerprint": fingerprint,
		"agent_type":          "sdk",
		"agent_name":          agentName,
		"platform":            runtime.GOOS,
		"platform_version":    runtime.Version(),
	}, &reg)
	if err != nil {
		return nil, err
	}
	return &reg, nil
}

type taskAccepted struct {
	TaskID    string `json:"task_id"`
	Status    string `json:"status"`
	Duplicate bool   `json:"duplicate"`
}

func (t *transport) submitMemory(ctx context.Context, projectID, content string, metadata map[string]string) (*taskAccepted, error) {
	var resp taskAccepted
	err := t.do(ctx, http.MethodPost, "/v1/memories", map[string]any{
		"content":    content,
		"project_id": projectID,
		"metadata":   metadata,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (t *transport) submitMemoryBatch(ctx context.Context, projectID string, contents []string) (*taskAccepted, error) {
	memories := make([]map[string]any, 0, len(contents))
	for _, c := range contents {
		memories = append(memories, map[string]any{"content": c})
	}
	var resp taskAccepted
	err := t.do(ctx, http.MethodPost, "/v1/memories/batch", map[string]any{
		"memories":   memories,
		"project_id": projectID,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

type wireMessage struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Tokens    int    `json:"tokens,omitempty"`
}

func (t *transport) flushConversation(ctx context.Context, projectID, conversationID string, messages []wireMessage, needsSummary bool) (*taskAccepted, error) {
	var resp taskAccepted
	err := t.do(ctx, http.MethodPost, "/v1/conversations/flush", map[string]any{
		"conversation_id": conversationID,
		"project_id":      projectID,
		"messages":        messages,
		"needs_summary":   needsSummary,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// RecallResult is one memory returned by Recall.
type RecallResult struct {
	ID         string   `json:"id"`
	Content    string   `json:"content"`
	Category   string   `json:"category"`
	Entities   []string `json:"entities"`
	Score      float64  `json:"score"`
	Similarity float64  `json:"similarity"`
	GraphScore float64  `json:"graph_score"`
}

// RecallResponse is the full search answer: direct hits, graph-reached
// related memories, and the remaining daily quota (-1 when unlimited).
type RecallResponse struct {
	Data            []RecallResult `json:"data"`
	RelatedMemories []RecallResult `json:"related_memories"`
	RemainingQuota  int64          `json:"remaining_quota"`
}

func (t *transport) search(ctx context.Context, projectID, query, category string, limit int) (*RecallResponse, error) {
	var resp RecallResponse
	err := t.do(ctx, http.MethodPost, "/v1/memories/search", map[string]any{
		"query":      query,
		"project_id": projectID,
		"category":   category,
		"limit":      limit,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (t *transport) do(ctx context.Context, method, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "marshal request")
	}
	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	if t.apiKey != "" {
		req.Header.Set("X-API-Key", t.apiKey)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "request")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errors.Wrap(err, "read response")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &apiError{Status: resp.StatusCode}
		var decoded struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(raw, &decoded) == nil && decoded.Message != "" {
			apiErr.Message = decoded.Message
		} else {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return errors.Wrap(json.Unmarshal(raw, out), "decode response")
}
