package client

import "time"

// QueueStats describes the current conversation segment, for diagnostics
// and custom trigger predicates.
type QueueStats struct {
	MessageCount     int
	Rounds           int
	TotalTokens      int
	OldestMessageAge time.Duration
	ConversationID   string
}

// FlushPolicy decides when the flusher runs. Zero fields disable the
// corresponding trigger.
type FlushPolicy struct {
	// MaxRounds flushes after this many completed user/assistant rounds.
	MaxRounds int
	// BatchSize flushes when the segment holds this many messages.
	BatchSize int
	// MaxTokens flushes when the segment's token sum reaches this budget.
	MaxTokens int
	// IdleTimeout flushes when no message arrived for this long.
	IdleTimeout time.Duration
	// Interval paces the background ticker.
	Interval time.Duration
	// Trigger is an optional custom predicate over the current stats.
	Trigger func(QueueStats) bool
}

// Presets normalize the flush profiles shipped with the SDK.
const (
	PresetRealtime     = "realtime"
	PresetBatch        = "batch"
	PresetConversation = "conversation"
)

func policyForPreset(preset string) FlushPolicy {
	switch preset {
	case PresetRealtime:
		return FlushPolicy{BatchSize: 1, Interval: time.Second}
	case PresetBatch:
		return FlushPolicy{BatchSize: 50, Interval: 5 * time.Second}
	case PresetConversation:
		return FlushPolicy{MaxTokens: 30000, IdleTimeout: 5 * time.Minute, Interval: 30 * time.Second}
	default:
		return FlushPolicy{BatchSize: 50, Interval: 5 * time.Second}
	}
}

// Options configures a Client.
type Options struct {
	// BaseURL is the memory service endpoint.
	BaseURL string
	// APIKey authenticates the install. Empty triggers auto-registration
	// on first use, persisted in the outbox config.
	APIKey string
	// DataDir holds the outbox file. Defaults to ~/.memoryx.
	DataDir string
	// ProjectID scopes writes; filled from registration when empty.
	ProjectID string
	// Preset picks a FlushPolicy; Policy overrides it when set.
	Preset string
	// Policy is an explicit flush policy.
	Policy *FlushPolicy
	// MaxRetry bounds delivery attempts before dead-lettering. Default 5.
	MaxRetry int
	// Timeout bounds one HTTP call. Default 30s.
	Timeout time.Duration
}

func (o *Options) policy() FlushPolicy {
	if o.Policy != nil {
		return *o.Policy
	}
	return policyForPreset(o.Preset)
}
