package client

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/pkg/errors"
	"github.com/sethvargo/go-retry"
)

const (
	defaultMaxRetry  = 5
	backoffBase      = time.Second
	maxBackoff       = 60 * time.Second
	jitterPercent    = 20
	deadLetterMaxAge = 30 * 24 * time.Hour

	flushBatchLimit = 100
)

// Client is the SDK entry point. Writes land in a local outbox first and
// are delivered by a background flusher, so callers never block on the
// network and never lose data to a server outage.
type Client struct {
	opts   Options
	policy FlushPolicy
	outbox *outbox
	api    *transport
	tokens tokenCounter

	projectID string

	mu             sync.Mutex
	conversationID string
	lastActivity   time.Time

	inFlight atomic.Bool
	kick     chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup
}

// New opens the outbox, ensures the install is registered, and starts the
// background flusher.
func New(ctx context.Context, opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("base url required")
	}
	dataDir := opts.DataDir
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, errors.Wrap(err, "resolve home dir")
		}
		dataDir = filepath.Join(home, ".memoryx")
	}
	box, err := openOutbox(dataDir)
	if err != nil {
		return nil, err
	}

	c := &Client{
		opts:           opts,
		policy:         opts.policy(),
		outbox:         box,
		projectID:      opts.ProjectID,
		conversationID: shortuuid.New(),
		lastActivity:   time.Now(),
		kick:           make(chan struct{}, 1),
		done:           make(chan struct{}),
	}
	if c.opts.MaxRetry <= 0 {
		c.opts.MaxRetry = defaultMaxRetry
	}

	if err := c.ensureRegistered(ctx); err != nil {
		box.Close()
		return nil, err
	}

	c.wg.Add(1)
	go c.flushLoop()
	return c, nil
}

// ensureRegistered resolves credentials in order: explicit option, saved
// registration for this machine, fresh auto-registration.
func (c *Client) ensureRegistered(ctx context.Context) error {
	if c.opts.APIKey != "" {
		c.api = newTransport(c.opts.BaseURL, c.opts.APIKey, c.opts.Timeout)
		return nil
	}

	fingerprint := machineFingerprint()
	saved, err := c.outbox.getConfig("registration")
	if err != nil {
		return err
	}
	if saved != "" {
		var reg struct {
			APIKey             string `json:"api_key"`
			MachineFingerprint string `json:"machine_fingerprint"`
			BaseURL            string `json:"base_url"`
			AgentID            string `json:"agent_id"`
			ProjectID          string `json:"project_id"`
		}
		if json.Unmarshal([]byte(saved), &reg) == nil &&
			reg.MachineFingerprint == fingerprint && reg.BaseURL == c.opts.BaseURL && reg.APIKey != "" {
			c.api = newTransport(c.opts.BaseURL, reg.APIKey, c.opts.Timeout)
			if c.projectID == "" {
				c.projectID = reg.ProjectID
			}
			return nil
		}
	}

	anon := newTransport(c.opts.BaseURL, "", c.opts.Timeout)
	host, _ := os.Hostname()
	reg, err := anon.autoRegister(ctx, fingerprint, host)
	if err != nil {
		return errors.Wrap(err, "auto-register")
	}
	record, _ := json.Marshal(map[string]string{
		"api_key":             reg.APIKey,
		"machine_fingerprint": fingerprint,
		"base_url":            c.opts.BaseURL,
		"agent_id":            reg.AgentID,
		"project_id":          reg.ProjectID,
	})
	if err := c.outbox.setConfig("registration", string(record)); err != nil {
		return err
	}
	c.api = newTransport(c.opts.BaseURL, reg.APIKey, c.opts.Timeout)
	if c.projectID == "" {
		c.projectID = reg.ProjectID
	}
	return nil
}

// AddMemory enqueues one memory. Returns the local outbox id.
func (c *Client) AddMemory(content string, metadata map[string]string) (int64, error) {
	id, err := c.outbox.enqueueMemory(content, metadata)
	if err != nil {
		return 0, err
	}
	if c.policy.BatchSize > 0 {
		if size, err := c.outbox.memoryQueueSize(); err == nil && size >= c.policy.BatchSize {
			c.scheduleFlush()
		}
	}
	return id, nil
}

// AddMessage appends one turn to the current conversation segment.
func (c *Client) AddMessage(role, content string) (int64, error) {
	tokens := c.tokens.Count(content)

	c.mu.Lock()
	conversationID := c.conversationID
	c.lastActivity = time.Now()
	c.mu.Unlock()

	id, err := c.outbox.appendMessage(conversationID, role, content, tokens)
	if err != nil {
		return 0, err
	}

	stats, err := c.GetQueueStats()
	if err == nil && c.shouldFlush(stats) {
		c.scheduleFlush()
	}
	return id, nil
}

// StartNewConversation seals the current segment, which stays queued for
// delivery, and opens a fresh one.
func (c *Client) StartNewConversation() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conversationID = shortuuid.New()
	c.lastActivity = time.Now()
	return c.conversationID
}

// GetQueueStats describes the current conversation segment.
func (c *Client) GetQueueStats() (QueueStats, error) {
	c.mu.Lock()
	conversationID := c.conversationID
	c.mu.Unlock()

	messages, err := c.outbox.segmentMessages(conversationID)
	if err != nil {
		return QueueStats{}, err
	}
	stats := QueueStats{ConversationID: conversationID, MessageCount: len(messages)}
	for _, m := range messages {
		stats.TotalTokens += m.Tokens
	}
	stats.Rounds = countRounds(messages)
	if len(messages) > 0 {
		stats.OldestMessageAge = time.Since(time.Unix(messages[0].QueuedTs, 0))
	}
	return stats, nil
}

// countRounds counts completed user/assistant rounds: an assistant turn
// immediately after a user turn. Repeated same-role turns do not advance
// the count.
func countRounds(messages []queuedMessage) int {
	rounds := 0
	for i := 1; i < len(messages); i++ {
		if messages[i].Role == "assistant" && messages[i-1].Role == "user" {
			rounds++
		}
	}
	return rounds
}

func (c *Client) shouldFlush(stats QueueStats) bool {
	if c.policy.MaxRounds > 0 && stats.Rounds >= c.policy.MaxRounds {
		return true
	}
	if c.policy.BatchSize > 0 && stats.MessageCount >= c.policy.BatchSize {
		return true
	}
	if c.policy.MaxTokens > 0 && stats.TotalTokens >= c.policy.MaxTokens {
		return true
	}
	if c.policy.IdleTimeout > 0 && stats.MessageCount > 0 {
		c.mu.Lock()
		idle := time.Since(c.lastActivity)
		c.mu.Unlock()
		if idle >= c.policy.IdleTimeout {
			return true
		}
	}
	if c.policy.Trigger != nil && c.policy.Trigger(stats) {
		return true
	}
	return false
}

// scheduleFlush kicks the background flusher without blocking.
func (c *Client) scheduleFlush() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

func (c *Client) flushLoop() {
	defer c.wg.Done()
	interval := c.policy.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-c.kick:
		case <-ticker.C:
			stats, err := c.GetQueueStats()
			if err != nil || !c.tickerShouldFlush(stats) {
				continue
			}
		}
		if err := c.Flush(context.Background()); err != nil {
			slog.Warn("background flush failed", "error", err)
		}
	}
}

// tickerShouldFlush gates the periodic pass: it fires on trigger state,
// when memories are waiting, or when sealed segments await delivery.
func (c *Client) tickerShouldFlush(stats QueueStats) bool {
	if c.shouldFlush(stats) {
		return true
	}
	if size, err := c.outbox.memoryQueueSize(); err == nil && size > 0 {
		return true
	}
	segmentIDs, err := c.outbox.segmentIDs()
	if err != nil {
		return false
	}
	for _, id := range segmentIDs {
		if id != stats.ConversationID {
			return true
		}
	}
	return false
}

// Flush runs one delivery pass over both outboxes. A pass already in
// flight makes this a no-op; enqueues are never blocked by it.
func (c *Client) Flush(ctx context.Context) error {
	if !c.inFlight.CompareAndSwap(false, true) {
		return nil
	}
	defer c.inFlight.Store(false)

	memErr := c.flushMemories(ctx)
	convErr := c.flushSegments(ctx)
	if memErr != nil {
		return memErr
	}
	return convErr
}

func (c *Client) flushMemories(ctx context.Context) error {
	items, err := c.outbox.dueMemories(flushBatchLimit, c.attemptDue)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}

	if len(items) == 1 {
		_, err = c.api.submitMemory(ctx, c.projectID, items[0].Content, items[0].Metadata)
	} else {
		contents := make([]string, len(items))
		for i, item := range items {
			contents[i] = item.Content
		}
		_, err = c.api.submitMemoryBatch(ctx, c.projectID, contents)
	}
	if err != nil {
		return c.handleMemoryFailure(items, err)
	}

	ids := make([]int64, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}
	return c.outbox.deleteMemories(ids)
}

// handleMemoryFailure routes failed items: permanent rejections and
// exhausted retries go to the dead letter, the rest get a retry bump.
func (c *Client) handleMemoryFailure(items []memoryItem, cause error) error {
	var apiErr *apiError
	if errors.As(cause, &apiErr) && apiErr.permanent() {
		if err := c.outbox.deadLetterMemories(items, cause.Error()); err != nil {
			return err
		}
		slog.Warn("memories rejected permanently", "count", len(items), "error", cause)
		return cause
	}

	var exhausted []memoryItem
	var retryable []int64
	for _, item := range items {
		if item.RetryCount >= c.opts.MaxRetry {
			exhausted = append(exhausted, item)
		} else {
			retryable = append(retryable, item.ID)
		}
	}
	if len(exhausted) > 0 {
		if err := c.outbox.deadLetterMemories(exhausted, cause.Error()); err != nil {
			return err
		}
		slog.Warn("memories dead-lettered", "count", len(exhausted))
	}
	if len(retryable) > 0 {
		if err := c.outbox.bumpMemoryRetry(retryable, cause.Error()); err != nil {
			return err
		}
	}
	return cause
}

func (c *Client) flushSegments(ctx context.Context) error {
	segmentIDs, err := c.outbox.segmentIDs()
	if err != nil {
		return err
	}

	var firstErr error
	for _, segmentID := range segmentIDs {
		if err := c.flushSegment(ctx, segmentID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *Client) flushSegment(ctx context.Context, segmentID string) error {
	retryCount, lastAttempt, err := c.segmentRetryState(segmentID)
	if err != nil {
		return err
	}
	if !c.attemptDue(retryCount, lastAttempt) {
		return nil
	}

	messages, err := c.outbox.segmentMessages(segmentID)
	if err != nil {
		return err
	}
	if len(messages) == 0 {
		return nil
	}
	wire := make([]wireMessage, len(messages))
	for i, m := range messages {
		wire[i] = wireMessage{Role: m.Role, Content: m.Content, Timestamp: m.QueuedTs, Tokens: m.Tokens}
	}

	needsSummary := countRounds(messages) > 1
	if _, err := c.api.flushConversation(ctx, c.projectID, segmentID, wire, needsSummary); err != nil {
		var apiErr *apiError
		permanent := errors.As(err, &apiErr) && apiErr.permanent()
		if permanent || retryCount >= c.opts.MaxRetry {
			if dlErr := c.outbox.deadLetterSegment(segmentID, messages, retryCount, err.Error()); dlErr != nil {
				return dlErr
			}
			c.clearSegmentRetryState(segmentID)
			slog.Warn("segment dead-lettered", "conversation_id", segmentID, "error", err)
			return err
		}
		if sErr := c.setSegmentRetryState(segmentID, retryCount+1, err.Error()); sErr != nil {
			return sErr
		}
		return err
	}

	if err := c.outbox.deleteSegment(segmentID); err != nil {
		return err
	}
	c.clearSegmentRetryState(segmentID)

	// A delivered segment id must never be reused: the server treats it
	// as a duplicate for 24 hours.
	c.mu.Lock()
	if c.conversationID == segmentID {
		c.conversationID = shortuuid.New()
	}
	c.mu.Unlock()
	return nil
}

// attemptDue reports whether an item's backoff window has elapsed:
// base * 2^retry, capped at 60s, with 20% jitter.
func (c *Client) attemptDue(retryCount int, lastAttemptTs int64) bool {
	if retryCount == 0 || lastAttemptTs == 0 {
		return true
	}
	backoff := retry.WithJitterPercent(jitterPercent,
		retry.WithCappedDuration(maxBackoff, retry.NewExponential(backoffBase)))
	var delay time.Duration
	for i := 0; i < retryCount; i++ {
		delay, _ = backoff.Next()
	}
	return time.Since(time.Unix(lastAttemptTs, 0)) >= delay
}

// Segment retry state lives in the config table; the conversation queue
// itself only holds ordered messages.

type segmentRetry struct {
	Count         int    `json:"count"`
	LastAttemptTs int64  `json:"last_attempt_ts"`
	LastError     string `json:"last_error"`
}

func segmentRetryKey(segmentID string) string {
	return "retry:conversation:" + segmentID
}

func (c *Client) segmentRetryState(segmentID string) (int, int64, error) {
	raw, err := c.outbox.getConfig(segmentRetryKey(segmentID))
	if err != nil {
		return 0, 0, err
	}
	if raw == "" {
		return 0, 0, nil
	}
	var state segmentRetry
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return 0, 0, nil
	}
	return state.Count, state.LastAttemptTs, nil
}

func (c *Client) setSegmentRetryState(segmentID string, count int, lastError string) error {
	raw, _ := json.Marshal(segmentRetry{Count: count, LastAttemptTs: time.Now().Unix(), LastError: lastError})
	return c.outbox.setConfig(segmentRetryKey(segmentID), string(raw))
}

func (c *Client) clearSegmentRetryState(segmentID string) {
	if err := c.outbox.deleteConfig(segmentRetryKey(segmentID)); err != nil {
		slog.Warn("segment retry state clear failed", "conversation_id", segmentID, "error", err)
	}
}

// Recall searches memories synchronously.
func (c *Client) Recall(ctx context.Context, query string, limit int) (*RecallResponse, error) {
	return c.api.search(ctx, c.projectID, query, "", limit)
}

// DeadLetters lists undeliverable items, newest first.
func (c *Client) DeadLetters(limit int) ([]DeadLetter, error) {
	items, err := c.outbox.listDeadLetters(limit)
	if err != nil {
		return nil, err
	}
	out := make([]DeadLetter, len(items))
	for i, d := range items {
		out[i] = DeadLetter{
			ID:         d.ID,
			Kind:       d.Kind,
			Payload:    d.Payload,
			RetryCount: d.RetryCount,
			LastError:  d.LastError,
			DeadTs:     d.DeadTs,
		}
	}
	return out, nil
}

// DeadLetter is an undeliverable item kept for diagnosis.
type DeadLetter struct {
	ID         int64
	Kind       string
	Payload    string
	RetryCount int
	LastError  string
	DeadTs     int64
}

// SweepDeadLetters removes dead letters older than 30 days.
func (c *Client) SweepDeadLetters() (int64, error) {
	return c.outbox.sweepDeadLetters(deadLetterMaxAge)
}

// Close stops the background flusher, attempts one final delivery pass,
// and closes the outbox.
func (c *Client) Close() error {
	close(c.done)
	c.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.Flush(ctx); err != nil {
		slog.Warn("final flush failed, items remain queued", "error", err)
	}
	return c.outbox.Close()
}
