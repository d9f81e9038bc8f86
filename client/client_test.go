package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAPI stands in for the memory service: it records every request
// body and can be told to fail the write endpoints.
type fakeAPI struct {
	mu            sync.Mutex
	registerCalls int
	memoryCalls   []map[string]any
	batchCalls    []map[string]any
	flushCalls    []map[string]any
	failStatus    int
}

func (f *fakeAPI) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)

		f.mu.Lock()
		defer f.mu.Unlock()

		if r.URL.Path == "/agents/auto-register" {
			f.registerCalls++
			writeJSON(w, http.StatusOK, map[string]any{
				"agent_id":   "agent-1",
				"api_key":    "mx_issued",
				"project_id": "proj-1",
			})
			return
		}
		if f.failStatus != 0 {
			writeJSON(w, f.failStatus, map[string]any{"message": "nope"})
			return
		}
		switch r.URL.Path {
		case "/v1/memories":
			f.memoryCalls = append(f.memoryCalls, body)
		case "/v1/memories/batch":
			f.batchCalls = append(f.batchCalls, body)
		case "/v1/conversations/flush":
			f.flushCalls = append(f.flushCalls, body)
		case "/v1/memories/search":
			writeJSON(w, http.StatusOK, map[string]any{
				"data": []map[string]any{
					{"id": "m1", "content": "likes tea", "score": 0.9},
				},
				"related_memories": []map[string]any{},
				"remaining_quota":  42,
			})
			return
		default:
			writeJSON(w, http.StatusNotFound, map[string]any{"message": "unknown path"})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"task_id": "task-1", "status": "PENDING"})
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (f *fakeAPI) setFailStatus(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failStatus = status
}

// quiet keeps the background flusher out of the way so tests drive
// Flush deterministically.
var quiet = FlushPolicy{Interval: time.Hour}

func newTestClient(t *testing.T, opts Options) (*Client, *fakeAPI) {
	t.Helper()
	api := &fakeAPI{}
	srv := httptest.NewServer(api.handler())
	t.Cleanup(srv.Close)

	opts.BaseURL = srv.URL
	if opts.DataDir == "" {
		opts.DataDir = t.TempDir()
	}
	if opts.APIKey == "" {
		opts.APIKey = "mx_test"
	}
	if opts.Policy == nil {
		policy := quiet
		opts.Policy = &policy
	}
	c, err := New(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, api
}

func TestAutoRegisterPersistsCredentials(t *testing.T) {
	api := &fakeAPI{}
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	dataDir := t.TempDir()
	policy := quiet
	opts := Options{BaseURL: srv.URL, DataDir: dataDir, Policy: &policy}

	c, err := New(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, "proj-1", c.projectID)
	assert.Equal(t, "mx_issued", c.api.apiKey)
	require.NoError(t, c.Close())
	assert.Equal(t, 1, api.registerCalls)

	// A second client over the same data dir reuses the saved key.
	c, err = New(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, "mx_issued", c.api.apiKey)
	assert.Equal(t, "proj-1", c.projectID)
	require.NoError(t, c.Close())
	assert.Equal(t, 1, api.registerCalls)
}

func TestRoundCounting(t *testing.T) {
	tests := []struct {
		name  string
		roles []string
		want  int
	}{
		{"single round", []string{"user", "assistant"}, 1},
		{"dangling user", []string{"user", "assistant", "user"}, 1},
		{"repeated user does not advance", []string{"user", "user", "assistant"}, 1},
		{"repeated assistant does not advance", []string{"user", "assistant", "assistant"}, 1},
		{"assistant first never counts", []string{"assistant", "user"}, 0},
		{"two rounds", []string{"user", "assistant", "user", "assistant"}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, Options{})
			for _, role := range tt.roles {
				_, err := c.AddMessage(role, "text")
				require.NoError(t, err)
			}
			stats, err := c.GetQueueStats()
			require.NoError(t, err)
			assert.Equal(t, tt.want, stats.Rounds)
			assert.Equal(t, len(tt.roles), stats.MessageCount)
		})
	}
}

func TestFlushSingleMemory(t *testing.T) {
	c, api := newTestClient(t, Options{ProjectID: "proj-x"})
	_, err := c.AddMemory("I prefer dark roast", map[string]string{"source": "cli"})
	require.NoError(t, err)

	require.NoError(t, c.Flush(context.Background()))

	require.Len(t, api.memoryCalls, 1)
	assert.Empty(t, api.batchCalls)
	assert.Equal(t, "I prefer dark roast", api.memoryCalls[0]["content"])
	assert.Equal(t, "proj-x", api.memoryCalls[0]["project_id"])

	size, err := c.outbox.memoryQueueSize()
	require.NoError(t, err)
	assert.Equal(t, 0, size)
}

func TestFlushMemoryBatch(t *testing.T) {
	c, api := newTestClient(t, Options{})
	for _, content := range []string{"one", "two", "three"} {
		_, err := c.AddMemory(content, nil)
		require.NoError(t, err)
	}

	require.NoError(t, c.Flush(context.Background()))

	assert.Empty(t, api.memoryCalls)
	require.Len(t, api.batchCalls, 1)
	memories, ok := api.batchCalls[0]["memories"].([]any)
	require.True(t, ok)
	assert.Len(t, memories, 3)
}

func TestFlushConversationRotatesSegment(t *testing.T) {
	c, api := newTestClient(t, Options{})
	before, err := c.GetQueueStats()
	require.NoError(t, err)

	_, err = c.AddMessage("user", "remember my birthday is in May")
	require.NoError(t, err)
	_, err = c.AddMessage("assistant", "noted")
	require.NoError(t, err)

	require.NoError(t, c.Flush(context.Background()))

	require.Len(t, api.flushCalls, 1)
	call := api.flushCalls[0]
	assert.Equal(t, before.ConversationID, call["conversation_id"])
	messages, ok := call["messages"].([]any)
	require.True(t, ok)
	require.Len(t, messages, 2)
	first, ok := messages[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "user", first["role"])
	assert.Equal(t, "remember my birthday is in May", first["content"])
	ts, ok := first["timestamp"].(float64)
	require.True(t, ok, "queued timestamp travels with the message")
	assert.Greater(t, ts, float64(0))
	tokens, ok := first["tokens"].(float64)
	require.True(t, ok, "token count travels with the message")
	assert.Greater(t, tokens, float64(0))
	assert.Equal(t, false, call["needs_summary"])

	// Delivered ids are never reused; the server dedups them for a day.
	after, err := c.GetQueueStats()
	require.NoError(t, err)
	assert.NotEqual(t, before.ConversationID, after.ConversationID)
	assert.Zero(t, after.MessageCount)
}

func TestFlushConversationNeedsSummary(t *testing.T) {
	c, api := newTestClient(t, Options{})
	for i := 0; i < 2; i++ {
		_, err := c.AddMessage("user", "question")
		require.NoError(t, err)
		_, err = c.AddMessage("assistant", "answer")
		require.NoError(t, err)
	}

	require.NoError(t, c.Flush(context.Background()))

	require.Len(t, api.flushCalls, 1)
	assert.Equal(t, true, api.flushCalls[0]["needs_summary"])
}

func TestFlushSealedSegmentsInOrder(t *testing.T) {
	c, api := newTestClient(t, Options{})
	_, err := c.AddMessage("user", "first segment")
	require.NoError(t, err)
	firstID, err := c.GetQueueStats()
	require.NoError(t, err)

	c.StartNewConversation()
	_, err = c.AddMessage("user", "second segment")
	require.NoError(t, err)
	secondID, err := c.GetQueueStats()
	require.NoError(t, err)
	require.NotEqual(t, firstID.ConversationID, secondID.ConversationID)

	require.NoError(t, c.Flush(context.Background()))

	require.Len(t, api.flushCalls, 2)
	assert.Equal(t, firstID.ConversationID, api.flushCalls[0]["conversation_id"])
	assert.Equal(t, secondID.ConversationID, api.flushCalls[1]["conversation_id"])
}

func TestFlushServerErrorBumpsRetry(t *testing.T) {
	c, api := newTestClient(t, Options{})
	api.setFailStatus(http.StatusInternalServerError)

	_, err := c.AddMemory("transient", nil)
	require.NoError(t, err)
	require.Error(t, c.Flush(context.Background()))

	// Still queued, with the attempt recorded.
	items, err := c.outbox.dueMemories(10, alwaysDue)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0].RetryCount)
	assert.Contains(t, items[0].LastError, "500")

	dead, err := c.DeadLetters(10)
	require.NoError(t, err)
	assert.Empty(t, dead)
}

func TestFlushPermanentErrorDeadLettersImmediately(t *testing.T) {
	c, api := newTestClient(t, Options{})
	api.setFailStatus(http.StatusBadRequest)

	_, err := c.AddMemory("rejected", nil)
	require.NoError(t, err)
	require.Error(t, c.Flush(context.Background()))

	items, err := c.outbox.dueMemories(10, alwaysDue)
	require.NoError(t, err)
	assert.Empty(t, items)

	dead, err := c.DeadLetters(10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "memory", dead[0].Kind)
	assert.Contains(t, dead[0].Payload, "rejected")
}

func TestFlushRateLimitIsRetryable(t *testing.T) {
	c, api := newTestClient(t, Options{})
	api.setFailStatus(http.StatusTooManyRequests)

	_, err := c.AddMemory("throttled", nil)
	require.NoError(t, err)
	require.Error(t, c.Flush(context.Background()))

	items, err := c.outbox.dueMemories(10, alwaysDue)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0].RetryCount)
}

func TestFlushDeadLettersAfterMaxRetry(t *testing.T) {
	c, api := newTestClient(t, Options{MaxRetry: 3})
	api.setFailStatus(http.StatusInternalServerError)

	_, err := c.AddMemory("doomed", nil)
	require.NoError(t, err)

	// The item has already burned its retry budget; the next failure
	// dead-letters it instead of bumping again.
	stale := time.Now().Add(-time.Hour).Unix()
	_, err = c.outbox.db.Exec(`UPDATE memory_queue SET retry_count = ?, last_attempt_ts = ?`, 3, stale)
	require.NoError(t, err)

	require.Error(t, c.Flush(context.Background()))

	items, err := c.outbox.dueMemories(10, alwaysDue)
	require.NoError(t, err)
	assert.Empty(t, items)

	dead, err := c.DeadLetters(10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, 3, dead[0].RetryCount)
}

func TestFlushSegmentBackoffSkipsRecentFailure(t *testing.T) {
	c, api := newTestClient(t, Options{})
	_, err := c.AddMessage("user", "waiting out the backoff")
	require.NoError(t, err)
	stats, err := c.GetQueueStats()
	require.NoError(t, err)

	require.NoError(t, c.setSegmentRetryState(stats.ConversationID, 3, "upstream down"))

	// Backoff for the third retry is seconds long; a pass right after the
	// failure must not touch the network.
	require.NoError(t, c.Flush(context.Background()))
	assert.Empty(t, api.flushCalls)

	messages, err := c.outbox.segmentMessages(stats.ConversationID)
	require.NoError(t, err)
	assert.Len(t, messages, 1)
}

func TestFlushSegmentFailureKeepsMessages(t *testing.T) {
	c, api := newTestClient(t, Options{})
	api.setFailStatus(http.StatusInternalServerError)

	_, err := c.AddMessage("user", "do not lose this")
	require.NoError(t, err)
	stats, err := c.GetQueueStats()
	require.NoError(t, err)

	require.Error(t, c.Flush(context.Background()))

	messages, err := c.outbox.segmentMessages(stats.ConversationID)
	require.NoError(t, err)
	require.Len(t, messages, 1)

	count, lastAttempt, err := c.segmentRetryState(stats.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.NotZero(t, lastAttempt)
}

func TestShouldFlushTriggers(t *testing.T) {
	c, _ := newTestClient(t, Options{})

	c.policy = FlushPolicy{MaxRounds: 2}
	assert.False(t, c.shouldFlush(QueueStats{Rounds: 1}))
	assert.True(t, c.shouldFlush(QueueStats{Rounds: 2}))

	c.policy = FlushPolicy{BatchSize: 5}
	assert.False(t, c.shouldFlush(QueueStats{MessageCount: 4}))
	assert.True(t, c.shouldFlush(QueueStats{MessageCount: 5}))

	c.policy = FlushPolicy{MaxTokens: 100}
	assert.True(t, c.shouldFlush(QueueStats{TotalTokens: 120}))

	c.policy = FlushPolicy{Trigger: func(s QueueStats) bool { return s.MessageCount == 7 }}
	assert.False(t, c.shouldFlush(QueueStats{MessageCount: 6}))
	assert.True(t, c.shouldFlush(QueueStats{MessageCount: 7}))

	c.policy = FlushPolicy{IdleTimeout: time.Millisecond}
	c.mu.Lock()
	c.lastActivity = time.Now().Add(-time.Second)
	c.mu.Unlock()
	assert.True(t, c.shouldFlush(QueueStats{MessageCount: 1}))
	assert.False(t, c.shouldFlush(QueueStats{}), "idle trigger needs queued messages")
}

func TestPresets(t *testing.T) {
	assert.Equal(t, 1, policyForPreset(PresetRealtime).BatchSize)
	assert.Equal(t, 50, policyForPreset(PresetBatch).BatchSize)
	conv := policyForPreset(PresetConversation)
	assert.Equal(t, 30000, conv.MaxTokens)
	assert.Equal(t, 5*time.Minute, conv.IdleTimeout)
}

func TestRecall(t *testing.T) {
	c, _ := newTestClient(t, Options{})
	resp, err := c.Recall(context.Background(), "coffee preferences", 5)
	require.NoError(t, err)
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "likes tea", resp.Data[0].Content)
	assert.Equal(t, int64(42), resp.RemainingQuota)
}

func TestAttemptDue(t *testing.T) {
	c, _ := newTestClient(t, Options{})

	assert.True(t, c.attemptDue(0, 0), "fresh items are always due")
	assert.True(t, c.attemptDue(3, 0), "missing timestamp never blocks")
	assert.True(t, c.attemptDue(2, time.Now().Add(-time.Hour).Unix()))
	assert.False(t, c.attemptDue(4, time.Now().Unix()), "just-failed item is inside its backoff window")
}
