package ingest

import (
	"context"
	"sync"

	"github.com/t0ken-ai/memoryx/store"
)

// memDriver is an in-memory store.Driver for tests. Methods not listed
// here come from the embedded interface and panic if reached.
type memDriver struct {
	store.Driver
	mu sync.Mutex

	users     map[string]*store.User
	memories  []*store.Memory
	tasks     map[string]*store.Task
	judgments []*store.MemoryJudgment

	createMemoryErr error
	hardDeleted     []string
}

func newMemDriver() *memDriver {
	return &memDriver{
		users: map[string]*store.User{},
		tasks: map[string]*store.Task{},
	}
}

func (d *memDriver) GetUser(_ context.Context, find *store.FindUser) (*store.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if find.ID != nil {
		return d.users[*find.ID], nil
	}
	return nil, nil
}

func (d *memDriver) CountMemories(_ context.Context, find *store.FindMemory) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var n int64
	for _, m := range d.memories {
		if find.UserID != nil && m.UserID != *find.UserID {
			continue
		}
		if m.Tombstone {
			continue
		}
		n++
	}
	return n, nil
}

func (d *memDriver) CreateTask(_ context.Context, create *store.Task) (*store.Task, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tasks[create.ID] = create
	return create, nil
}

func (d *memDriver) UpdateTask(_ context.Context, update *store.UpdateTask) (*store.Task, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tasks[update.ID]
	if !ok {
		t = &store.Task{ID: update.ID}
		d.tasks[update.ID] = t
	}
	if update.Status != nil {
		t.Status = *update.Status
	}
	if update.Error != nil {
		t.Error = *update.Error
	}
	if update.Added != nil {
		t.Added = *update.Added
	}
	if update.Updated != nil {
		t.Updated = *update.Updated
	}
	if update.Deleted != nil {
		t.Deleted = *update.Deleted
	}
	if update.Noop != nil {
		t.Noop = *update.Noop
	}
	return t, nil
}

func (d *memDriver) ListTasks(_ context.Context, find *store.FindTask) ([]*store.Task, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := []*store.Task{}
	for _, t := range d.tasks {
		if find.Status != nil && t.Status != *find.Status {
			continue
		}
		if find.UpdatedBefore != nil && t.UpdatedTs >= *find.UpdatedBefore {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (d *memDriver) CreateMemory(_ context.Context, create *store.Memory) (*store.Memory, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.createMemoryErr != nil {
		return nil, d.createMemoryErr
	}
	d.memories = append(d.memories, create)
	return create, nil
}

func (d *memDriver) AppendMemoryVersion(_ context.Context, next *store.Memory) (*store.Memory, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var latest *store.Memory
	for _, m := range d.memories {
		if m.ID == next.ID && (latest == nil || m.Version > latest.Version) {
			latest = m
		}
	}
	if latest == nil {
		return nil, errNotFound
	}
	next.Version = latest.Version + 1
	d.memories = append(d.memories, next)
	return next, nil
}

func (d *memDriver) ListMemories(_ context.Context, find *store.FindMemory) ([]*store.Memory, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	latest := map[string]*store.Memory{}
	for _, m := range d.memories {
		if find.UserID != nil && m.UserID != *find.UserID {
			continue
		}
		if cur, ok := latest[m.ID]; !ok || m.Version > cur.Version {
			latest[m.ID] = m
		}
	}
	out := []*store.Memory{}
	for _, m := range latest {
		if m.Tombstone && !find.IncludeTombstoned {
			continue
		}
		if len(find.IDs) > 0 && !containsID(find.IDs, m.ID) {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (d *memDriver) TombstoneMemory(_ context.Context, delete *store.DeleteMemory) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var latest *store.Memory
	for _, m := range d.memories {
		if m.ID == delete.ID && m.UserID == delete.UserID && (latest == nil || m.Version > latest.Version) {
			latest = m
		}
	}
	if latest == nil {
		return errNotFound
	}
	clone := *latest
	clone.Version++
	clone.Tombstone = true
	d.memories = append(d.memories, &clone)
	return nil
}

func (d *memDriver) HardDeleteMemory(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	kept := d.memories[:0]
	for _, m := range d.memories {
		if m.ID != id {
			kept = append(kept, m)
		}
	}
	d.memories = kept
	d.hardDeleted = append(d.hardDeleted, id)
	return nil
}

func (d *memDriver) ListMemoryOwners(context.Context) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	seen := map[string]struct{}{}
	out := []string{}
	for _, m := range d.memories {
		if _, ok := seen[m.UserID]; !ok {
			seen[m.UserID] = struct{}{}
			out = append(out, m.UserID)
		}
	}
	return out, nil
}

func (d *memDriver) CreateMemoryJudgment(_ context.Context, create *store.MemoryJudgment) (*store.MemoryJudgment, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.judgments = append(d.judgments, create)
	return create, nil
}

func containsID(ids []string, id string) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}

type notFoundError struct{}

func (notFoundError) Error() string { return "not found" }

var errNotFound = notFoundError{}
