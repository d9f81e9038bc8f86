package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/pkg/errors"

	"github.com/t0ken-ai/memoryx/ai/extract"
	"github.com/t0ken-ai/memoryx/ai/filter"
	"github.com/t0ken-ai/memoryx/internal/profile"
	"github.com/t0ken-ai/memoryx/store"
)

// FactSource produces facts from raw text.
type FactSource interface {
	Summarize(ctx context.Context, text string) string
	ExtractFacts(ctx context.Context, text string) ([]extract.Fact, error)
}

// BatchReconciler commits a batch of facts.
type BatchReconciler interface {
	ReconcileBatch(ctx context.Context, userID, projectID, agentID, segmentID string, facts []extract.Fact) (Counts, error)
}

// Worker executes ingestion tasks pulled off the queue.
type Worker struct {
	store      *store.Store
	facts      FactSource
	redactor   *filter.Redactor
	reconciler BatchReconciler
}

// NewWorker creates a Worker.
func NewWorker(st *store.Store, facts FactSource, redactor *filter.Redactor, reconciler BatchReconciler) *Worker {
	return &Worker{store: st, facts: facts, redactor: redactor, reconciler: reconciler}
}

// Mux returns the task router for this worker.
func (w *Worker) Mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeConversation, w.HandleConversation)
	mux.HandleFunc(TypeMemory, w.HandleMemory)
	return mux
}

// NewServer builds the asynq server with per-tier queue weights: three
// pro tasks are pulled for every free one.
func NewServer(p *profile.Profile) *asynq.Server {
	return asynq.NewServer(
		asynq.RedisClientOpt{Addr: p.RedisAddr, Password: p.RedisPassword, DB: p.RedisDB},
		asynq.Config{
			Concurrency: p.WorkerCount,
			Queues: map[string]int{
				QueuePro:  3,
				QueueFree: 1,
			},
		},
	)
}

// HandleConversation ingests one conversation segment: summarize, redact,
// extract, reconcile.
func (w *Worker) HandleConversation(ctx context.Context, task *asynq.Task) error {
	var payload ConversationPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal conversation payload: %v: %w", err, asynq.SkipRetry)
	}
	w.markRunning(ctx, payload.TaskID)

	text := transcript(payload.Messages)
	if payload.NeedsSummary {
		text = w.facts.Summarize(ctx, text)
	}
	redacted := w.redactor.Redact(text)
	if redacted.Count > 0 {
		slog.Info("sensitive content redacted", "task_id", payload.TaskID, "count", redacted.Count)
	}

	facts, err := w.facts.ExtractFacts(ctx, redacted.Text)
	if err != nil {
		w.markFailure(ctx, payload.TaskID, err)
		return errors.Wrap(err, "extract facts")
	}

	counts, err := w.reconciler.ReconcileBatch(ctx, payload.UserID, payload.ProjectID, payload.AgentID, payload.SegmentID, facts)
	return w.finish(ctx, payload.TaskID, counts, err)
}

// HandleMemory ingests a direct memory write. No summary pass; the content
// is already a condensed statement.
func (w *Worker) HandleMemory(ctx context.Context, task *asynq.Task) error {
	var payload MemoryPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal memory payload: %v: %w", err, asynq.SkipRetry)
	}
	w.markRunning(ctx, payload.TaskID)

	redacted := w.redactor.Redact(payload.Content)
	facts, err := w.facts.ExtractFacts(ctx, redacted.Text)
	if err != nil {
		w.markFailure(ctx, payload.TaskID, err)
		return errors.Wrap(err, "extract facts")
	}
	if len(facts) == 0 {
		slog.Info("no facts extracted", "task_id", payload.TaskID)
	}

	counts, err := w.reconciler.ReconcileBatch(ctx, payload.UserID, payload.ProjectID, payload.AgentID, "", facts)
	return w.finish(ctx, payload.TaskID, counts, err)
}

func (w *Worker) finish(ctx context.Context, taskID string, counts Counts, err error) error {
	if err != nil {
		w.markFailure(ctx, taskID, err)
		return err
	}

	status := store.TaskSuccess
	if counts.Failed > 0 {
		status = store.TaskPartial
	}
	if _, uerr := w.store.UpdateTask(ctx, &store.UpdateTask{
		ID:        taskID,
		Status:    &status,
		Added:     &counts.Added,
		Updated:   &counts.Updated,
		Deleted:   &counts.Deleted,
		Noop:      &counts.Noop,
		UpdatedTs: time.Now().Unix(),
	}); uerr != nil {
		slog.Error("task status update failed", "task_id", taskID, "error", uerr)
	}
	return nil
}

func (w *Worker) markRunning(ctx context.Context, taskID string) {
	status := store.TaskRunning
	if _, err := w.store.UpdateTask(ctx, &store.UpdateTask{ID: taskID, Status: &status, UpdatedTs: time.Now().Unix()}); err != nil {
		slog.Warn("task status update failed", "task_id", taskID, "error", err)
	}
}

// markFailure records a failed attempt. While the queue still owes the
// task a retry the row goes back to PENDING with the error attached;
// FAILURE is terminal and only set on the final attempt.
func (w *Worker) markFailure(ctx context.Context, taskID string, cause error) {
	retried, rok := asynq.GetRetryCount(ctx)
	maxRetry, mok := asynq.GetMaxRetry(ctx)
	status := failureStatus(retried, maxRetry, rok && mok)
	msg := cause.Error()
	if _, err := w.store.UpdateTask(ctx, &store.UpdateTask{ID: taskID, Status: &status, Error: &msg, UpdatedTs: time.Now().Unix()}); err != nil {
		slog.Warn("task status update failed", "task_id", taskID, "error", err)
	}
}

func failureStatus(retried, maxRetry int, known bool) store.TaskStatus {
	if known && retried < maxRetry {
		return store.TaskPending
	}
	return store.TaskFailure
}

func transcript(messages []Message) string {
	var b strings.Builder
	for _, m := range messages {
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return b.String()
}
