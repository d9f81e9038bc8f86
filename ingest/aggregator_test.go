package ingest

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/t0ken-ai/memoryx/internal/profile"
	"github.com/t0ken-ai/memoryx/store"
)

type fakeEnqueuer struct {
	tasks      []*asynq.Task
	opts       [][]asynq.Option
	enqueueErr error
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.enqueueErr != nil {
		return nil, f.enqueueErr
	}
	f.tasks = append(f.tasks, task)
	f.opts = append(f.opts, opts)
	return &asynq.TaskInfo{}, nil
}

func newTestAggregator(t *testing.T, driver *memDriver, queue Enqueuer) (*Aggregator, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	st, err := store.New(driver, &profile.Profile{})
	require.NoError(t, err)
	return NewAggregator(st, rdb, queue, 2), mr
}

func seedUser(driver *memDriver, id, tier string) {
	driver.users[id] = &store.User{ID: id, Tier: tier}
}

func conversationPayload(segmentID string) *ConversationPayload {
	return &ConversationPayload{
		UserID:    "u1",
		ProjectID: "p1",
		SegmentID: segmentID,
		Messages: []Message{
			{Role: "user", Content: "I moved to Berlin last month"},
			{Role: "assistant", Content: "Noted, welcome to Berlin."},
		},
	}
}

func TestFlushConversation(t *testing.T) {
	driver := newMemDriver()
	seedUser(driver, "u1", store.TierFree)
	queue := &fakeEnqueuer{}
	agg, _ := newTestAggregator(t, driver, queue)
	ctx := context.Background()

	result, err := agg.FlushConversation(ctx, conversationPayload("seg-1"))
	require.NoError(t, err)
	assert.False(t, result.Duplicate)
	assert.NotEmpty(t, result.TaskID)
	assert.Equal(t, store.TaskPending, result.Status)

	require.Len(t, queue.tasks, 1)
	assert.Equal(t, TypeConversation, queue.tasks[0].Type())

	task := driver.tasks[result.TaskID]
	require.NotNil(t, task)
	assert.Equal(t, store.TaskKindConversation, task.Kind)
	assert.Equal(t, "u1", task.UserID)
}

func TestFlushConversationDuplicateSegment(t *testing.T) {
	driver := newMemDriver()
	seedUser(driver, "u1", store.TierFree)
	queue := &fakeEnqueuer{}
	agg, _ := newTestAggregator(t, driver, queue)
	ctx := context.Background()

	first, err := agg.FlushConversation(ctx, conversationPayload("seg-dup"))
	require.NoError(t, err)

	second, err := agg.FlushConversation(ctx, conversationPayload("seg-dup"))
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.TaskID, second.TaskID)
	assert.Len(t, queue.tasks, 1, "duplicate must not enqueue again")
}

func TestFlushConversationValidation(t *testing.T) {
	driver := newMemDriver()
	seedUser(driver, "u1", store.TierFree)
	agg, _ := newTestAggregator(t, driver, &fakeEnqueuer{})
	ctx := context.Background()

	tests := []struct {
		name    string
		mutate  func(p *ConversationPayload)
		wantErr string
	}{
		{"missing user", func(p *ConversationPayload) { p.UserID = "" }, "user id required"},
		{"missing segment", func(p *ConversationPayload) { p.SegmentID = "" }, "segment id required"},
		{"no messages", func(p *ConversationPayload) { p.Messages = nil }, "messages required"},
		{"bad role", func(p *ConversationPayload) { p.Messages[0].Role = "narrator" }, "invalid role"},
		{"empty content", func(p *ConversationPayload) { p.Messages[1].Content = "" }, "empty content"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			payload := conversationPayload("seg-v")
			tc.mutate(payload)
			_, err := agg.FlushConversation(ctx, payload)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestFlushConversationUnknownUser(t *testing.T) {
	agg, _ := newTestAggregator(t, newMemDriver(), &fakeEnqueuer{})
	_, err := agg.FlushConversation(context.Background(), conversationPayload("seg-x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown user")
}

func TestFlushConversationEnqueueFailureReleasesSegment(t *testing.T) {
	driver := newMemDriver()
	seedUser(driver, "u1", store.TierFree)
	queue := &fakeEnqueuer{enqueueErr: errors.New("broker down")}
	agg, mr := newTestAggregator(t, driver, queue)
	ctx := context.Background()

	first, err := agg.FlushConversation(ctx, conversationPayload("seg-fail"))
	require.Error(t, err)
	require.Nil(t, first)
	assert.False(t, mr.Exists(segmentKeyPrefix+"seg-fail"), "segment key must be released on enqueue failure")

	// The retry after recovery is a fresh flush, not a duplicate.
	queue.enqueueErr = nil
	second, err := agg.FlushConversation(ctx, conversationPayload("seg-fail"))
	require.NoError(t, err)
	assert.False(t, second.Duplicate)
}

func TestSubmitMemory(t *testing.T) {
	driver := newMemDriver()
	seedUser(driver, "u1", store.TierPro)
	queue := &fakeEnqueuer{}
	agg, _ := newTestAggregator(t, driver, queue)

	result, err := agg.SubmitMemory(context.Background(), &MemoryPayload{
		UserID:    "u1",
		ProjectID: "p1",
		Content:   "prefers dark roast coffee",
	})
	require.NoError(t, err)
	assert.Equal(t, store.TaskPending, result.Status)
	require.Len(t, queue.tasks, 1)
	assert.Equal(t, TypeMemory, queue.tasks[0].Type())
}

func TestSubmitMemoryFreeQuota(t *testing.T) {
	driver := newMemDriver()
	seedUser(driver, "u1", store.TierFree)
	driver.memories = []*store.Memory{
		{ID: "m1", Version: 1, UserID: "u1", Content: "a"},
		{ID: "m2", Version: 1, UserID: "u1", Content: "b"},
	}
	agg, _ := newTestAggregator(t, driver, &fakeEnqueuer{})

	_, err := agg.SubmitMemory(context.Background(), &MemoryPayload{UserID: "u1", Content: "one too many"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMemoryQuotaExceeded)
}

func TestSubmitMemoryProIgnoresQuota(t *testing.T) {
	driver := newMemDriver()
	seedUser(driver, "u1", store.TierPro)
	driver.memories = []*store.Memory{
		{ID: "m1", Version: 1, UserID: "u1", Content: "a"},
		{ID: "m2", Version: 1, UserID: "u1", Content: "b"},
		{ID: "m3", Version: 1, UserID: "u1", Content: "c"},
	}
	agg, _ := newTestAggregator(t, driver, &fakeEnqueuer{})

	_, err := agg.SubmitMemory(context.Background(), &MemoryPayload{UserID: "u1", Content: "still fine"})
	require.NoError(t, err)
}

func TestQueueForTier(t *testing.T) {
	assert.Equal(t, QueuePro, QueueForTier(store.TierPro))
	assert.Equal(t, QueueFree, QueueForTier(store.TierFree))
	assert.Equal(t, QueueFree, QueueForTier("unknown"))
}
