package store

// MemoryJudgment is the audit record of one reconciliation run: what went
// into the judge, what came back, and what was committed.
type MemoryJudgment struct {
	ID          int64
	TraceID     string
	UserID      string
	InputFacts  string // JSON array of candidate facts
	Neighbors   string // JSON array of the retrieved neighbor set
	RawResponse string // verbatim judge output
	Operations  string // JSON array of parsed operations
	LatencyMs   int64
	CreatedTs   int64
}

// FindMemoryJudgment specifies the conditions for finding judgment records.
type FindMemoryJudgment struct {
	TraceID *string
	UserID  *string
	Limit   int
}
