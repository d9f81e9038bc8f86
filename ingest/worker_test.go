package ingest

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/t0ken-ai/memoryx/ai/extract"
	"github.com/t0ken-ai/memoryx/ai/filter"
	"github.com/t0ken-ai/memoryx/internal/profile"
	"github.com/t0ken-ai/memoryx/store"
)

type fakeFactSource struct {
	facts      []extract.Fact
	extractErr error
	summarized bool
	sawText    string
}

func (f *fakeFactSource) Summarize(_ context.Context, text string) string {
	f.summarized = true
	return "summary of segment"
}

func (f *fakeFactSource) ExtractFacts(_ context.Context, text string) ([]extract.Fact, error) {
	f.sawText = text
	return f.facts, f.extractErr
}

type fakeBatchReconciler struct {
	counts   Counts
	err      error
	sawFacts []extract.Fact
	sawUser  string
}

func (f *fakeBatchReconciler) ReconcileBatch(_ context.Context, userID, _, _, _ string, facts []extract.Fact) (Counts, error) {
	f.sawUser = userID
	f.sawFacts = facts
	return f.counts, f.err
}

func newTestWorker(t *testing.T, facts *fakeFactSource, rec *fakeBatchReconciler) (*Worker, *memDriver) {
	t.Helper()
	driver := newMemDriver()
	st, err := store.New(driver, &profile.Profile{})
	require.NoError(t, err)
	return NewWorker(st, facts, filter.NewRedactor(), rec), driver
}

func conversationTask(t *testing.T, payload *ConversationPayload) *asynq.Task {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return asynq.NewTask(TypeConversation, raw)
}

func memoryTask(t *testing.T, payload *MemoryPayload) *asynq.Task {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return asynq.NewTask(TypeMemory, raw)
}

func TestHandleConversationSuccess(t *testing.T) {
	facts := &fakeFactSource{facts: []extract.Fact{{Content: "User lives in Berlin", Category: store.CategoryFact}}}
	rec := &fakeBatchReconciler{counts: Counts{Added: 1}}
	worker, driver := newTestWorker(t, facts, rec)

	err := worker.HandleConversation(context.Background(), conversationTask(t, &ConversationPayload{
		TaskID: "t1",
		UserID: "u1",
		Messages: []Message{
			{Role: "user", Content: "I just moved to Berlin"},
		},
	}))
	require.NoError(t, err)

	assert.False(t, facts.summarized)
	assert.Equal(t, "u1", rec.sawUser)

	task := driver.tasks["t1"]
	require.NotNil(t, task)
	assert.Equal(t, store.TaskSuccess, task.Status)
	assert.Equal(t, int32(1), task.Added)
}

func TestHandleConversationSummarizesWhenAsked(t *testing.T) {
	facts := &fakeFactSource{facts: []extract.Fact{{Content: "f", Category: store.CategoryFact}}}
	worker, _ := newTestWorker(t, facts, &fakeBatchReconciler{})

	err := worker.HandleConversation(context.Background(), conversationTask(t, &ConversationPayload{
		TaskID:       "t1",
		UserID:       "u1",
		NeedsSummary: true,
		Messages:     []Message{{Role: "user", Content: "long rambling conversation"}},
	}))
	require.NoError(t, err)
	assert.True(t, facts.summarized)
	assert.Equal(t, "summary of segment", facts.sawText)
}

func TestHandleConversationRedactsBeforeExtraction(t *testing.T) {
	facts := &fakeFactSource{facts: []extract.Fact{{Content: "f", Category: store.CategoryFact}}}
	worker, _ := newTestWorker(t, facts, &fakeBatchReconciler{})

	err := worker.HandleConversation(context.Background(), conversationTask(t, &ConversationPayload{
		TaskID:   "t1",
		UserID:   "u1",
		Messages: []Message{{Role: "user", Content: "my email is alice@example.com"}},
	}))
	require.NoError(t, err)
	assert.NotContains(t, facts.sawText, "alice@example.com")
	assert.Contains(t, facts.sawText, filter.Marker)
}

func TestHandleConversationPartial(t *testing.T) {
	facts := &fakeFactSource{facts: []extract.Fact{{Content: "f", Category: store.CategoryFact}}}
	rec := &fakeBatchReconciler{counts: Counts{Added: 2, Failed: 1}}
	worker, driver := newTestWorker(t, facts, rec)

	err := worker.HandleConversation(context.Background(), conversationTask(t, &ConversationPayload{
		TaskID:   "t1",
		UserID:   "u1",
		Messages: []Message{{Role: "user", Content: "hello"}},
	}))
	require.NoError(t, err)
	assert.Equal(t, store.TaskPartial, driver.tasks["t1"].Status)
}

func TestHandleConversationExtractFailure(t *testing.T) {
	facts := &fakeFactSource{extractErr: errors.New("model unavailable")}
	worker, driver := newTestWorker(t, facts, &fakeBatchReconciler{})

	err := worker.HandleConversation(context.Background(), conversationTask(t, &ConversationPayload{
		TaskID:   "t1",
		UserID:   "u1",
		Messages: []Message{{Role: "user", Content: "hello"}},
	}))
	require.Error(t, err)
	assert.Equal(t, store.TaskFailure, driver.tasks["t1"].Status)
	assert.Contains(t, driver.tasks["t1"].Error, "model unavailable")
}

func TestHandleConversationMalformedPayload(t *testing.T) {
	worker, _ := newTestWorker(t, &fakeFactSource{}, &fakeBatchReconciler{})

	err := worker.HandleConversation(context.Background(), asynq.NewTask(TypeConversation, []byte("not json")))
	require.Error(t, err)
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestHandleMemoryNoFactsExtracted(t *testing.T) {
	// Extraction finds nothing; the write is never rewritten into an
	// entity-less verbatim fact, it just produces zero operations.
	facts := &fakeFactSource{}
	rec := &fakeBatchReconciler{}
	worker, driver := newTestWorker(t, facts, rec)

	err := worker.HandleMemory(context.Background(), memoryTask(t, &MemoryPayload{
		TaskID:  "t1",
		UserID:  "u1",
		Content: "hmm",
	}))
	require.NoError(t, err)

	assert.Empty(t, rec.sawFacts)
	task := driver.tasks["t1"]
	require.NotNil(t, task)
	assert.Equal(t, store.TaskSuccess, task.Status)
	assert.Zero(t, task.Added)
}

func TestHandleMemoryReconcileFailure(t *testing.T) {
	facts := &fakeFactSource{facts: []extract.Fact{{Content: "f", Category: store.CategoryFact}}}
	rec := &fakeBatchReconciler{err: errors.New("judge unavailable")}
	worker, driver := newTestWorker(t, facts, rec)

	err := worker.HandleMemory(context.Background(), memoryTask(t, &MemoryPayload{
		TaskID:  "t1",
		UserID:  "u1",
		Content: "anything",
	}))
	require.Error(t, err)
	assert.Equal(t, store.TaskFailure, driver.tasks["t1"].Status)
}

func TestFailureStatus(t *testing.T) {
	// A failed attempt with retries left surfaces as PENDING; FAILURE is
	// reserved for the final attempt. Missing queue metadata is treated
	// as final so a failure can never be reported as retryable forever.
	assert.Equal(t, store.TaskPending, failureStatus(0, 3, true))
	assert.Equal(t, store.TaskPending, failureStatus(2, 3, true))
	assert.Equal(t, store.TaskFailure, failureStatus(3, 3, true))
	assert.Equal(t, store.TaskFailure, failureStatus(0, 0, true))
	assert.Equal(t, store.TaskFailure, failureStatus(0, 3, false))
}

func TestTranscript(t *testing.T) {
	text := transcript([]Message{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
	})
	assert.Equal(t, "user: hi\nassistant: hello\n", text)
}
