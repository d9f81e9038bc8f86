package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/t0ken-ai/memoryx/ai/extract"
	"github.com/t0ken-ai/memoryx/store"
	"github.com/t0ken-ai/memoryx/vector"
)

// Reconciliation thresholds. Neighbors below simThreshold are not shown
// to the judge; a best match at or above noopThreshold with an identical
// entity set skips the judge entirely.
const (
	neighborLimit = 5
	simThreshold  = 0.70
	noopThreshold = 0.95
)

// Op is the reconciliation outcome for one fact.
type Op int

const (
	OpNoop Op = iota
	OpAdd
	OpUpdate
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpAdd:
		return "add"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return "noop"
	}
}

// Decision is one resolved operation ready to commit.
type Decision struct {
	Op        Op
	TargetID  string // existing memory id for UPDATE/DELETE
	Content   string
	Category  string
	Entities  []extract.Entity
	Relations []extract.Relation
	Reason    string
}

// Counts summarizes a reconciliation batch.
type Counts struct {
	Added   int32
	Updated int32
	Deleted int32
	Noop    int32
	Failed  int32
}

// VectorIndex is the slice of the vector store the reconciler needs.
type VectorIndex interface {
	Upsert(ctx context.Context, points []vector.Point) error
	Delete(ctx context.Context, ids []string) error
	Search(ctx context.Context, query []float32, limit int, filter vector.Filter) ([]vector.Match, error)
}

// EntityGraph is the slice of the graph store the reconciler needs.
type EntityGraph interface {
	UpsertEntity(ctx context.Context, userID, name, entityType string) error
	BumpRelation(ctx context.Context, userID, source, target, relType string) error
	LinkMemory(ctx context.Context, userID, memoryID string, entityNames []string) error
	UnlinkMemory(ctx context.Context, memoryID string) error
}

// Embedder produces vectors for fact content.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// EntityExtractor pulls entities out of one fact.
type EntityExtractor interface {
	ExtractEntities(ctx context.Context, text string) (*extract.Extraction, error)
}

// Judger decides what to do with new facts given their neighbors.
type Judger interface {
	Decide(ctx context.Context, existing []extract.ExistingMemory, facts []string) ([]extract.Operation, string, error)
}

// Reconciler merges extracted facts into the tri-store. All writes for one
// owner are serialized through a keyed mutex so concurrent tasks cannot
// interleave judge rounds over the same memories.
type Reconciler struct {
	store     *store.Store
	index     VectorIndex
	graph     EntityGraph
	embedder  Embedder
	extractor EntityExtractor
	judge     Judger

	owners keyedMutex
}

// NewReconciler creates a Reconciler.
func NewReconciler(st *store.Store, index VectorIndex, graph EntityGraph, embedder Embedder, extractor EntityExtractor, judge Judger) *Reconciler {
	return &Reconciler{
		store:     st,
		index:     index,
		graph:     graph,
		embedder:  embedder,
		extractor: extractor,
		judge:     judge,
	}
}

// ReconcileBatch runs one judging round over a batch of facts and commits
// the resulting operations. Commit failures do not abort the batch; they
// are counted and the task ends PARTIAL.
func (r *Reconciler) ReconcileBatch(ctx context.Context, userID, projectID, agentID, segmentID string, facts []extract.Fact) (Counts, error) {
	counts := Counts{}
	if len(facts) == 0 {
		return counts, nil
	}

	unlock := r.owners.lock(userID)
	defer unlock()

	traceID := uuid.NewString()
	startTime := time.Now()

	// Entity extraction per fact, reused for the NOOP rule and for graph
	// writes after commit. A fact whose extraction fails or yields no
	// entities is dropped here: every committed memory must link to at
	// least one entity.
	kept := make([]extract.Fact, 0, len(facts))
	extractions := make([]*extract.Extraction, 0, len(facts))
	dropped := 0
	for i := range facts {
		ex, err := r.extractor.ExtractEntities(ctx, facts[i].Content)
		if err != nil {
			slog.Warn("entity extraction failed, dropping fact", "trace_id", traceID, "error", err)
			dropped++
			continue
		}
		if len(ex.Entities) == 0 {
			dropped++
			continue
		}
		kept = append(kept, facts[i])
		extractions = append(extractions, ex)
	}
	if dropped > 0 {
		slog.Info("facts dropped without entities", "trace_id", traceID, "dropped", dropped, "kept", len(kept))
	}
	if len(kept) == 0 {
		r.audit(ctx, traceID, userID, facts, nil, "", nil, startTime)
		return counts, nil
	}
	facts = kept

	texts := make([]string, len(facts))
	for i, f := range facts {
		texts[i] = f.Content
	}
	vectors, err := r.embedder.Embed(ctx, texts)
	if err != nil {
		return counts, errors.Wrap(err, "embed facts")
	}

	neighbors, bestMatch := r.collectNeighbors(ctx, userID, projectID, vectors)

	decisions := make([]Decision, 0, len(facts))
	pendingIdx := make([]int, 0, len(facts))
	pendingFacts := make([]string, 0, len(facts))
	for i, f := range facts {
		if best, ok := bestMatch[i]; ok && best.Score >= noopThreshold && sameEntitySet(extractions[i], best.Payload) {
			decisions = append(decisions, Decision{Op: OpNoop, TargetID: best.ID, Reason: "near-identical to existing memory"})
			continue
		}
		pendingIdx = append(pendingIdx, i)
		pendingFacts = append(pendingFacts, f.Content)
	}

	var rawResponse string
	var ops []extract.Operation
	if len(pendingFacts) > 0 {
		existing, localToID := r.loadNeighborMemories(ctx, userID, neighbors)
		ops, rawResponse, err = r.judge.Decide(ctx, existing, pendingFacts)
		judgeLatency.Observe(time.Since(startTime).Seconds())
		if err != nil {
			r.audit(ctx, traceID, userID, facts, existing, rawResponse, nil, startTime)
			return counts, errors.Wrap(err, "judge")
		}
		decisions = append(decisions, r.resolveOperations(ops, localToID, facts, extractions, pendingIdx)...)
		r.audit(ctx, traceID, userID, facts, existing, rawResponse, ops, startTime)
	} else {
		r.audit(ctx, traceID, userID, facts, nil, "", nil, startTime)
	}

	for _, d := range decisions {
		if err := r.commit(ctx, userID, projectID, agentID, segmentID, d); err != nil {
			slog.Error("commit failed", "trace_id", traceID, "op", d.Op.String(), "error", err)
			counts.Failed++
			continue
		}
		ingestOutcomes.WithLabelValues(d.Op.String()).Inc()
		switch d.Op {
		case OpAdd:
			counts.Added++
		case OpUpdate:
			counts.Updated++
		case OpDelete:
			counts.Deleted++
		default:
			counts.Noop++
		}
	}

	slog.Info("reconciliation finished",
		"trace_id", traceID,
		"user_id", userID,
		"facts", len(facts),
		"added", counts.Added,
		"updated", counts.Updated,
		"deleted", counts.Deleted,
		"noop", counts.Noop,
		"failed", counts.Failed,
		"duration_ms", time.Since(startTime).Milliseconds(),
	)
	return counts, nil
}

// collectNeighbors searches the index for each fact vector and merges the
// hits. bestMatch keeps the top hit per fact for the NOOP short-circuit.
func (r *Reconciler) collectNeighbors(ctx context.Context, userID, projectID string, vectors [][]float32) (map[string]vector.Match, map[int]vector.Match) {
	filter := vector.Filter{UserID: userID, ProjectID: projectID}
	neighbors := make(map[string]vector.Match)
	bestMatch := make(map[int]vector.Match)
	for i, vec := range vectors {
		matches, err := r.index.Search(ctx, vec, neighborLimit, filter)
		if err != nil {
			slog.Warn("neighbor search failed", "error", err)
			continue
		}
		for _, m := range matches {
			if m.Score < simThreshold {
				continue
			}
			if prev, ok := neighbors[m.ID]; !ok || m.Score > prev.Score {
				neighbors[m.ID] = m
			}
			if prev, ok := bestMatch[i]; !ok || m.Score > prev.Score {
				bestMatch[i] = m
			}
		}
	}
	return neighbors, bestMatch
}

// loadNeighborMemories resolves neighbor ids to plaintext content and
// assigns the short local ids the judge prompt uses.
func (r *Reconciler) loadNeighborMemories(ctx context.Context, userID string, neighbors map[string]vector.Match) ([]extract.ExistingMemory, map[string]string) {
	ids := make([]string, 0, len(neighbors))
	for id := range neighbors {
		ids = append(ids, id)
	}
	existing := make([]extract.ExistingMemory, 0, len(ids))
	localToID := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return existing, localToID
	}

	memories, err := r.store.ListMemories(ctx, &store.FindMemory{IDs: ids, UserID: &userID})
	if err != nil {
		slog.Warn("neighbor load failed", "error", err)
		return existing, localToID
	}
	for i, m := range memories {
		local := strconv.Itoa(i)
		existing = append(existing, extract.ExistingMemory{ID: local, Text: m.Content})
		localToID[local] = m.ID
	}
	return existing, localToID
}

// resolveOperations maps judge output onto decisions. Each operation is
// keyed to its candidate fact by the echoed fact id; the fact supplies
// category, entities, and relations. A judge that omits the fact field
// is resolved positionally, but only when it answered one operation per
// fact. ADD and UPDATE without a resolvable fact degrade to NOOP so no
// memory is ever committed without entity links; UPDATE and DELETE must
// also reference a known local memory id.
func (r *Reconciler) resolveOperations(ops []extract.Operation, localToID map[string]string, facts []extract.Fact, extractions []*extract.Extraction, pendingIdx []int) []Decision {
	decisions := make([]Decision, 0, len(ops))
	for i, op := range ops {
		factIdx := -1
		if op.Fact != "" {
			if n, err := strconv.Atoi(op.Fact); err == nil && n >= 0 && n < len(pendingIdx) {
				factIdx = pendingIdx[n]
			}
		} else if len(ops) == len(pendingIdx) {
			factIdx = pendingIdx[i]
		}
		category := store.CategoryFact
		var entities []extract.Entity
		var relations []extract.Relation
		if factIdx >= 0 && factIdx < len(facts) {
			category = facts[factIdx].Category
			entities = extractions[factIdx].Entities
			relations = extractions[factIdx].Relations
		}

		switch op.Event {
		case extract.EventAdd:
			if len(entities) == 0 {
				decisions = append(decisions, Decision{Op: OpNoop, Reason: "add referenced unknown fact"})
				continue
			}
			decisions = append(decisions, Decision{
				Op: OpAdd, Content: op.Text, Category: category,
				Entities: entities, Relations: relations, Reason: op.Reason,
			})
		case extract.EventUpdate:
			target, ok := localToID[op.ID]
			if !ok {
				decisions = append(decisions, Decision{Op: OpNoop, Reason: "update referenced unknown memory"})
				continue
			}
			if len(entities) == 0 {
				decisions = append(decisions, Decision{Op: OpNoop, Reason: "update referenced unknown fact"})
				continue
			}
			decisions = append(decisions, Decision{
				Op: OpUpdate, TargetID: target, Content: op.Text, Category: category,
				Entities: entities, Relations: relations, Reason: op.Reason,
			})
		case extract.EventDelete:
			target, ok := localToID[op.ID]
			if !ok {
				decisions = append(decisions, Decision{Op: OpNoop, Reason: "delete referenced unknown memory"})
				continue
			}
			decisions = append(decisions, Decision{Op: OpDelete, TargetID: target, Reason: op.Reason})
		default:
			decisions = append(decisions, Decision{Op: OpNoop, Reason: op.Reason})
		}
	}
	return decisions
}

func (r *Reconciler) commit(ctx context.Context, userID, projectID, agentID, segmentID string, d Decision) error {
	switch d.Op {
	case OpAdd:
		return r.commitAdd(ctx, userID, projectID, agentID, segmentID, d)
	case OpUpdate:
		return r.commitUpdate(ctx, userID, projectID, agentID, segmentID, d)
	case OpDelete:
		return r.commitDelete(ctx, userID, d)
	default:
		return nil
	}
}

// commitAdd writes relational first, then vector, then graph. A failure
// downstream compensates in reverse so no half-committed memory survives.
func (r *Reconciler) commitAdd(ctx context.Context, userID, projectID, agentID, segmentID string, d Decision) error {
	now := time.Now().Unix()
	memory := &store.Memory{
		ID:        uuid.NewString(),
		Version:   1,
		UserID:    userID,
		ProjectID: projectID,
		AgentID:   agentID,
		Content:   d.Content,
		Category:  d.Category,
		Entities:  entityNames(d.Entities),
		SegmentID: segmentID,
		CreatedTs: now,
		UpdatedTs: now,
	}
	if _, err := r.store.CreateMemory(ctx, memory); err != nil {
		return errors.Wrap(err, "create memory")
	}

	if err := r.upsertPoint(ctx, memory); err != nil {
		compensations.Inc()
		if derr := r.store.HardDeleteMemory(ctx, memory.ID); derr != nil {
			slog.Error("compensation failed: orphan relational row", "memory_id", memory.ID, "error", derr)
		}
		return errors.Wrap(err, "index memory")
	}

	if err := r.writeGraph(ctx, userID, memory.ID, d); err != nil {
		compensations.Inc()
		if derr := r.index.Delete(ctx, []string{memory.ID}); derr != nil {
			slog.Error("compensation failed: orphan vector point", "memory_id", memory.ID, "error", derr)
		}
		if derr := r.store.HardDeleteMemory(ctx, memory.ID); derr != nil {
			slog.Error("compensation failed: orphan relational row", "memory_id", memory.ID, "error", derr)
		}
		return errors.Wrap(err, "graph memory")
	}
	return nil
}

// commitUpdate appends a version then refreshes the followers. The
// relational row is authoritative: follower failures are logged and left
// to the drift sweep rather than unwinding version history.
func (r *Reconciler) commitUpdate(ctx context.Context, userID, projectID, agentID, segmentID string, d Decision) error {
	memory := &store.Memory{
		ID:        d.TargetID,
		UserID:    userID,
		ProjectID: projectID,
		AgentID:   agentID,
		Content:   d.Content,
		Category:  d.Category,
		Entities:  entityNames(d.Entities),
		SegmentID: segmentID,
		UpdatedTs: time.Now().Unix(),
	}
	if _, err := r.store.AppendMemoryVersion(ctx, memory); err != nil {
		return errors.Wrap(err, "append memory version")
	}

	if err := r.upsertPoint(ctx, memory); err != nil {
		compensations.Inc()
		slog.Warn("index refresh failed, drift sweep will repair", "memory_id", memory.ID, "error", err)
	}
	if err := r.graph.UnlinkMemory(ctx, memory.ID); err != nil {
		slog.Warn("graph unlink failed", "memory_id", memory.ID, "error", err)
	}
	if err := r.writeGraph(ctx, userID, memory.ID, d); err != nil {
		compensations.Inc()
		slog.Warn("graph refresh failed, drift sweep will repair", "memory_id", memory.ID, "error", err)
	}
	return nil
}

func (r *Reconciler) commitDelete(ctx context.Context, userID string, d Decision) error {
	if err := r.store.TombstoneMemory(ctx, &store.DeleteMemory{ID: d.TargetID, UserID: userID}); err != nil {
		return errors.Wrap(err, "tombstone memory")
	}
	if err := r.index.Delete(ctx, []string{d.TargetID}); err != nil {
		compensations.Inc()
		slog.Warn("index delete failed, drift sweep will repair", "memory_id", d.TargetID, "error", err)
	}
	if err := r.graph.UnlinkMemory(ctx, d.TargetID); err != nil {
		slog.Warn("graph unlink failed", "memory_id", d.TargetID, "error", err)
	}
	return nil
}

func (r *Reconciler) upsertPoint(ctx context.Context, m *store.Memory) error {
	vectors, err := r.embedder.Embed(ctx, []string{m.Content})
	if err != nil {
		return errors.Wrap(err, "embed content")
	}
	return r.index.Upsert(ctx, []vector.Point{{
		ID:     m.ID,
		Vector: vectors[0],
		Payload: map[string]any{
			"user_id":      m.UserID,
			"project_id":   m.ProjectID,
			"category":     m.Category,
			"entity_names": m.Entities,
			"created_ts":   m.CreatedTs,
			"updated_ts":   m.UpdatedTs,
		},
	}})
}

func (r *Reconciler) writeGraph(ctx context.Context, userID, memoryID string, d Decision) error {
	for _, e := range d.Entities {
		if err := r.graph.UpsertEntity(ctx, userID, e.Name, e.Type); err != nil {
			return err
		}
	}
	for _, rel := range d.Relations {
		if err := r.graph.BumpRelation(ctx, userID, rel.Source, rel.Target, rel.Relation); err != nil {
			return err
		}
	}
	return r.graph.LinkMemory(ctx, userID, memoryID, entityNames(d.Entities))
}

func (r *Reconciler) audit(ctx context.Context, traceID, userID string, facts []extract.Fact, existing []extract.ExistingMemory, raw string, ops []extract.Operation, startTime time.Time) {
	inputJSON, _ := json.Marshal(facts)
	neighborJSON, _ := json.Marshal(existing)
	opsJSON, _ := json.Marshal(ops)
	if _, err := r.store.CreateMemoryJudgment(ctx, &store.MemoryJudgment{
		TraceID:     traceID,
		UserID:      userID,
		InputFacts:  string(inputJSON),
		Neighbors:   string(neighborJSON),
		RawResponse: raw,
		Operations:  string(opsJSON),
		LatencyMs:   time.Since(startTime).Milliseconds(),
		CreatedTs:   time.Now().Unix(),
	}); err != nil {
		slog.Warn("judgment audit write failed", "trace_id", traceID, "error", err)
	}
}

func entityNames(entities []extract.Entity) []string {
	names := make([]string, 0, len(entities))
	for _, e := range entities {
		names = append(names, e.Name)
	}
	return names
}

// sameEntitySet compares the fact's extracted entity names with the
// entity_names payload of a vector match, ignoring order and case.
func sameEntitySet(ex *extract.Extraction, payload map[string]any) bool {
	var stored []string
	if raw, ok := payload["entity_names"].([]any); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				stored = append(stored, s)
			}
		}
	}
	if len(stored) != len(ex.Entities) {
		return false
	}
	set := make(map[string]struct{}, len(stored))
	for _, s := range stored {
		set[normalizeName(s)] = struct{}{}
	}
	for _, e := range ex.Entities {
		if _, ok := set[normalizeName(e.Name)]; !ok {
			return false
		}
	}
	return true
}

func normalizeName(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), "")
}

// keyedMutex serializes work per owner.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*ownerLock
}

type ownerLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*ownerLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &ownerLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
