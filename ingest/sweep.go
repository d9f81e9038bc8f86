package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"

	"github.com/t0ken-ai/memoryx/internal/profile"
	"github.com/t0ken-ai/memoryx/store"
	"github.com/t0ken-ai/memoryx/vector"
)

const (
	staleTaskAge    = 30 * time.Minute
	sweepPageSize   = 256
	communityRounds = 5
)

// SweepIndex is the slice of the vector store the sweep needs.
type SweepIndex interface {
	Scroll(ctx context.Context, filter vector.Filter, limit int, offset string) ([]string, string, error)
	Delete(ctx context.Context, ids []string) error
	Upsert(ctx context.Context, points []vector.Point) error
}

// CommunityGraph is the slice of the graph store the community job needs.
type CommunityGraph interface {
	AssignCommunities(ctx context.Context, userID string, rounds int) error
}

// Sweeper repairs drift between the authoritative relational store and
// its followers, and fails abandoned tasks.
type Sweeper struct {
	store    *store.Store
	index    SweepIndex
	embedder Embedder
}

// NewSweeper creates a Sweeper.
func NewSweeper(st *store.Store, index SweepIndex, embedder Embedder) *Sweeper {
	return &Sweeper{store: st, index: index, embedder: embedder}
}

// Run executes one sweep pass.
func (s *Sweeper) Run(ctx context.Context) error {
	if err := s.failAbandonedTasks(ctx); err != nil {
		slog.Error("abandoned task sweep failed", "error", err)
	}

	owners, err := s.store.ListMemoryOwners(ctx)
	if err != nil {
		return errors.Wrap(err, "list owners")
	}
	for _, owner := range owners {
		if err := s.sweepOwner(ctx, owner); err != nil {
			slog.Error("owner sweep failed", "user_id", owner, "error", err)
		}
	}
	return nil
}

// failAbandonedTasks marks RUNNING tasks untouched for staleTaskAge as
// FAILURE so clients polling them do not wait forever.
func (s *Sweeper) failAbandonedTasks(ctx context.Context) error {
	running := store.TaskRunning
	cutoff := time.Now().Add(-staleTaskAge).Unix()
	stale, err := s.store.ListTasks(ctx, &store.FindTask{Status: &running, UpdatedBefore: &cutoff})
	if err != nil {
		return err
	}
	for _, t := range stale {
		failed := store.TaskFailure
		msg := "abandoned by worker"
		if _, err := s.store.UpdateTask(ctx, &store.UpdateTask{ID: t.ID, Status: &failed, Error: &msg, UpdatedTs: time.Now().Unix()}); err != nil {
			slog.Warn("stale task update failed", "task_id", t.ID, "error", err)
		}
	}
	if len(stale) > 0 {
		slog.Info("abandoned tasks failed", "count", len(stale))
	}
	return nil
}

// sweepOwner diffs the owner's relational memories against the index:
// points without a live row are deleted, rows without a point re-indexed.
func (s *Sweeper) sweepOwner(ctx context.Context, userID string) error {
	memories, err := s.store.ListMemories(ctx, &store.FindMemory{UserID: &userID})
	if err != nil {
		return errors.Wrap(err, "list memories")
	}
	live := make(map[string]*store.Memory, len(memories))
	for _, m := range memories {
		live[m.ID] = m
	}

	indexed := make(map[string]struct{})
	var orphans []string
	offset := ""
	for {
		ids, next, err := s.index.Scroll(ctx, vector.Filter{UserID: userID}, sweepPageSize, offset)
		if err != nil {
			return errors.Wrap(err, "scroll index")
		}
		for _, id := range ids {
			indexed[id] = struct{}{}
			if _, ok := live[id]; !ok {
				orphans = append(orphans, id)
			}
		}
		if next == "" {
			break
		}
		offset = next
	}

	if len(orphans) > 0 {
		if err := s.index.Delete(ctx, orphans); err != nil {
			return errors.Wrap(err, "delete orphan points")
		}
	}

	var reindexed int
	for id, m := range live {
		if _, ok := indexed[id]; ok {
			continue
		}
		vectors, err := s.embedder.Embed(ctx, []string{m.Content})
		if err != nil {
			slog.Warn("reindex embed failed", "memory_id", id, "error", err)
			continue
		}
		if err := s.index.Upsert(ctx, []vector.Point{{
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
		}}); err != nil {
			slog.Warn("reindex upsert failed", "memory_id", id, "error", err)
			continue
		}
		reindexed++
	}

	if len(orphans) > 0 || reindexed > 0 {
		slog.Info("drift repaired", "user_id", userID, "orphans_removed", len(orphans), "reindexed", reindexed)
	}
	return nil
}

// CommunityJob periodically reassigns graph communities per owner.
type CommunityJob struct {
	store *store.Store
	graph CommunityGraph
}

// NewCommunityJob creates a CommunityJob.
func NewCommunityJob(st *store.Store, graph CommunityGraph) *CommunityJob {
	return &CommunityJob{store: st, graph: graph}
}

// Run rebuilds communities for every owner.
func (c *CommunityJob) Run(ctx context.Context) error {
	owners, err := c.store.ListMemoryOwners(ctx)
	if err != nil {
		return errors.Wrap(err, "list owners")
	}
	for _, owner := range owners {
		if err := c.graph.AssignCommunities(ctx, owner, communityRounds); err != nil {
			slog.Error("community rebuild failed", "user_id", owner, "error", err)
		}
	}
	return nil
}

// NewScheduler wires the background jobs onto their cron schedules.
func NewScheduler(p *profile.Profile, sweeper *Sweeper, communities *CommunityJob) (*cron.Cron, error) {
	c := cron.New()
	if _, err := c.AddFunc(p.SweepSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if err := sweeper.Run(ctx); err != nil {
			slog.Error("drift sweep failed", "error", err)
		}
	}); err != nil {
		return nil, errors.Wrapf(err, "invalid sweep schedule: %s", p.SweepSchedule)
	}
	if _, err := c.AddFunc(p.CommunityCadence, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if err := communities.Run(ctx); err != nil {
			slog.Error("community job failed", "error", err)
		}
	}); err != nil {
		return nil, errors.Wrapf(err, "invalid community schedule: %s", p.CommunityCadence)
	}
	return c, nil
}
