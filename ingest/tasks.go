// Package ingest is the asynchronous write path: conversation aggregation,
// fact extraction, and reconciliation of new facts against the stores.
package ingest

import (
	"encoding/json"

	"github.com/hibiken/asynq"
	"github.com/pkg/errors"

	"github.com/t0ken-ai/memoryx/store"
)

// Task types routed through the asynq mux.
const (
	TypeConversation = "ingest:conversation"
	TypeMemory       = "ingest:memory"
)

// Queues. PRO owners get a higher-weight queue so free-tier backlog never
// starves paying traffic.
const (
	QueuePro  = "ingest_pro"
	QueueFree = "ingest_free"
)

// QueueForTier maps an owner tier to its asynq queue.
func QueueForTier(tier string) string {
	if tier == store.TierPro {
		return QueuePro
	}
	return QueueFree
}

// Message is one conversation turn. Timestamp and Tokens are reported by
// the client when it queued the turn; both are optional.
type Message struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Tokens    int    `json:"tokens,omitempty"`
}

// ConversationPayload is the body of a conversation ingestion task.
type ConversationPayload struct {
	TaskID    string    `json:"task_id"`
	UserID    string    `json:"user_id"`
	ProjectID string    `json:"project_id,omitempty"`
	AgentID   string    `json:"agent_id,omitempty"`
	SegmentID string    `json:"segment_id"`
	Messages  []Message `json:"messages"`
	// NeedsSummary is set for multi-turn payloads that should be
	// condensed before extraction.
	NeedsSummary bool `json:"needs_summary"`
}

// MemoryPayload is the body of a direct memory write task.
type MemoryPayload struct {
	TaskID    string            `json:"task_id"`
	UserID    string            `json:"user_id"`
	ProjectID string            `json:"project_id,omitempty"`
	AgentID   string            `json:"agent_id,omitempty"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// NewConversationTask builds the asynq task for a conversation flush.
func NewConversationTask(payload *ConversationPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "marshal conversation payload")
	}
	return asynq.NewTask(TypeConversation, body), nil
}

// NewMemoryTask builds the asynq task for a direct memory write.
func NewMemoryTask(payload *MemoryPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "marshal memory payload")
	}
	return asynq.NewTask(TypeMemory, body), nil
}
