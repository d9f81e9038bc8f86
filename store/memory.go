package store

// Memory categories assigned by fact extraction.
const (
	CategoryPreference = "preference"
	CategoryFact       = "fact"
	CategoryPlan       = "plan"
	CategoryExperience = "experience"
	CategoryOpinion    = "opinion"
	CategoryCorrection = "correction"
	CategoryOther      = "other"
)

// Memory is one versioned memory record. The relational row is the
// authoritative copy; the vector index and the entity graph follow it.
// Updates append a new (id, version) row, they never rewrite history.
type Memory struct {
	ID        string
	Version   int32
	UserID    string
	ProjectID string
	AgentID   string
	Content   string
	Category  string
	Entities  []string
	// SegmentID ties the memory back to the conversation segment that
	// produced it. Empty for direct writes.
	SegmentID string
	Tombstone bool
	CreatedTs int64
	UpdatedTs int64
}

// FindMemory specifies the conditions for finding memories.
// By default only the latest version of each memory is returned and
// tombstoned memories are excluded.
type FindMemory struct {
	ID                *string
	IDs               []string
	UserID            *string
	ProjectID         *string
	AgentID           *string
	Category          *string
	IncludeTombstoned bool
	AllVersions       bool
	Limit             int
	Offset            int
}

// DeleteMemory tombstones a memory. Ownership is always checked.
type DeleteMemory struct {
	ID     string
	UserID string
}

// MemoryStats is the per-owner aggregate exposed by the stats endpoint.
type MemoryStats struct {
	Total      int64
	ByCategory map[string]int64
}
