package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/t0ken-ai/memoryx/store"
)

const (
	segmentKeyPrefix = "memoryx:segment:"
	segmentTTL       = 24 * time.Hour

	// Attempts are capped at 1 + 3 retries; each failed attempt backs off
	// exponentially inside asynq before the task becomes FAILURE for good.
	defaultMaxRetry = 3
	taskTimeout     = 5 * time.Minute
)

// ErrMemoryQuotaExceeded is returned when a FREE owner is at the stored
// memory limit.
var ErrMemoryQuotaExceeded = errors.New("memory quota exceeded")

// Enqueuer is the slice of asynq.Client the aggregator needs.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// FlushResult is returned to the client after a flush is accepted.
type FlushResult struct {
	TaskID string
	Status store.TaskStatus
	// Duplicate is set when the segment id was already accepted; TaskID
	// then refers to the original task.
	Duplicate bool
}

// Aggregator accepts client flushes, persists the task record, and hands
// the work to the queue. Validation and idempotency happen here so the
// worker only ever sees well-formed payloads.
type Aggregator struct {
	store           *store.Store
	redis           redis.UniversalClient
	queue           Enqueuer
	freeMemoryLimit int64
}

// NewAggregator creates an Aggregator.
func NewAggregator(st *store.Store, rdb redis.UniversalClient, queue Enqueuer, freeMemoryLimit int64) *Aggregator {
	return &Aggregator{store: st, redis: rdb, queue: queue, freeMemoryLimit: freeMemoryLimit}
}

// FlushConversation validates and enqueues a conversation segment.
// Resubmitting the same segment id within 24h returns the original task
// instead of ingesting twice.
func (a *Aggregator) FlushConversation(ctx context.Context, payload *ConversationPayload) (*FlushResult, error) {
	if err := validateConversation(payload); err != nil {
		return nil, err
	}
	user, err := a.requireUser(ctx, payload.UserID)
	if err != nil {
		return nil, err
	}

	taskID := uuid.NewString()
	key := segmentKeyPrefix + payload.SegmentID
	won, err := a.redis.SetNX(ctx, key, taskID, segmentTTL).Result()
	if err != nil {
		return nil, errors.Wrap(err, "segment idempotency check")
	}
	if !won {
		existing, err := a.redis.Get(ctx, key).Result()
		if err != nil && err != redis.Nil {
			return nil, errors.Wrap(err, "resolve duplicate segment")
		}
		duplicateSegments.Inc()
		slog.Info("duplicate segment flush", "segment_id", payload.SegmentID, "task_id", existing)
		return &FlushResult{TaskID: existing, Status: store.TaskPending, Duplicate: true}, nil
	}

	payload.TaskID = taskID
	task, err := NewConversationTask(payload)
	if err != nil {
		return nil, err
	}
	raw, _ := json.Marshal(payload)

	result, err := a.submit(ctx, taskID, store.TaskKindConversation, payload.UserID, payload.ProjectID, string(raw), task, user.Tier)
	if err != nil {
		// Release the segment key so the client retry is not treated as
		// a duplicate of a flush that never landed.
		a.redis.Del(ctx, key)
		return nil, err
	}
	return result, nil
}

// SubmitMemory enqueues a direct memory write. FREE owners are rejected
// once they hold the configured number of memories.
func (a *Aggregator) SubmitMemory(ctx context.Context, payload *MemoryPayload) (*FlushResult, error) {
	if payload.UserID == "" {
		return nil, errors.New("user id required")
	}
	if len(payload.Content) == 0 {
		return nil, errors.New("content required")
	}
	user, err := a.requireUser(ctx, payload.UserID)
	if err != nil {
		return nil, err
	}
	if user.Tier == store.TierFree && a.freeMemoryLimit > 0 {
		count, err := a.store.CountMemories(ctx, &store.FindMemory{UserID: &payload.UserID})
		if err != nil {
			return nil, errors.Wrap(err, "count memories")
		}
		if count >= a.freeMemoryLimit {
			return nil, ErrMemoryQuotaExceeded
		}
	}

	taskID := uuid.NewString()
	payload.TaskID = taskID
	task, err := NewMemoryTask(payload)
	if err != nil {
		return nil, err
	}
	raw, _ := json.Marshal(payload)
	return a.submit(ctx, taskID, store.TaskKindMemory, payload.UserID, payload.ProjectID, string(raw), task, user.Tier)
}

func (a *Aggregator) submit(ctx context.Context, taskID, kind, userID, projectID, raw string, task *asynq.Task, tier string) (*FlushResult, error) {
	now := time.Now().Unix()
	if _, err := a.store.CreateTask(ctx, &store.Task{
		ID:        taskID,
		Kind:      kind,
		UserID:    userID,
		ProjectID: projectID,
		Status:    store.TaskPending,
		Payload:   raw,
		CreatedTs: now,
		UpdatedTs: now,
	}); err != nil {
		return nil, errors.Wrap(err, "persist task")
	}

	queue := QueueForTier(tier)
	if _, err := a.queue.EnqueueContext(ctx, task,
		asynq.TaskID(taskID),
		asynq.Queue(queue),
		asynq.MaxRetry(defaultMaxRetry),
		asynq.Timeout(taskTimeout),
	); err != nil {
		failed := store.TaskFailure
		msg := err.Error()
		if _, uerr := a.store.UpdateTask(ctx, &store.UpdateTask{ID: taskID, Status: &failed, Error: &msg, UpdatedTs: time.Now().Unix()}); uerr != nil {
			slog.Error("failed to mark task failure", "task_id", taskID, "error", uerr)
		}
		return nil, errors.Wrap(err, "enqueue task")
	}

	tasksEnqueued.WithLabelValues(kind).Inc()
	slog.Info("task enqueued", "task_id", taskID, "kind", kind, "queue", queue, "user_id", userID)
	return &FlushResult{TaskID: taskID, Status: store.TaskPending}, nil
}

func (a *Aggregator) requireUser(ctx context.Context, userID string) (*store.User, error) {
	user, err := a.store.GetUser(ctx, &store.FindUser{ID: &userID})
	if err != nil {
		return nil, errors.Wrap(err, "lookup user")
	}
	if user == nil {
		return nil, errors.Errorf("unknown user: %s", userID)
	}
	return user, nil
}

func validateConversation(payload *ConversationPayload) error {
	if payload.UserID == "" {
		return errors.New("user id required")
	}
	if payload.SegmentID == "" {
		return errors.New("segment id required")
	}
	if len(payload.Messages) == 0 {
		return errors.New("messages required")
	}
	for i, m := range payload.Messages {
		switch m.Role {
		case "user", "assistant", "system":
		default:
			return errors.Errorf("message %d: invalid role %q", i, m.Role)
		}
		if m.Content == "" {
			return errors.Errorf("message %d: empty content", i)
		}
	}
	return nil
}
