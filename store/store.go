package store

import (
	"context"

	"github.com/pkg/errors"

	"github.com/t0ken-ai/memoryx/internal/crypto"
	"github.com/t0ken-ai/memoryx/internal/profile"
)

// Store provides database access to all raw objects.
// When a content key is configured, memory content is envelope-encrypted
// before it reaches the driver and decrypted on the way out; callers only
// ever see plaintext.
type Store struct {
	profile *profile.Profile
	driver  Driver

	envelope *crypto.Envelope
}

// New creates a new instance of Store.
func New(driver Driver, profile *profile.Profile) (*Store, error) {
	s := &Store{
		driver:  driver,
		profile: profile,
	}

	if profile.ContentKey != "" {
		envelope, err := crypto.NewEnvelope(profile.ContentKey)
		if err != nil {
			return nil, errors.Wrap(err, "init content envelope")
		}
		s.envelope = envelope
	}

	return s, nil
}

func (s *Store) GetDriver() Driver {
	return s.driver
}

func (s *Store) Close() error {
	return s.driver.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	return s.driver.Migrate(ctx)
}

func (s *Store) CreateUser(ctx context.Context, create *User) (*User, error) {
	return s.driver.CreateUser(ctx, create)
}

func (s *Store) GetUser(ctx context.Context, find *FindUser) (*User, error) {
	return s.driver.GetUser(ctx, find)
}

func (s *Store) UpdateUser(ctx context.Context, update *UpdateUser) (*User, error) {
	return s.driver.UpdateUser(ctx, update)
}

func (s *Store) CreateProject(ctx context.Context, create *Project) (*Project, error) {
	return s.driver.CreateProject(ctx, create)
}

func (s *Store) GetProject(ctx context.Context, find *FindProject) (*Project, error) {
	return s.driver.GetProject(ctx, find)
}

func (s *Store) CreateAPIKey(ctx context.Context, create *APIKey) (*APIKey, error) {
	return s.driver.CreateAPIKey(ctx, create)
}

func (s *Store) GetAPIKey(ctx context.Context, find *FindAPIKey) (*APIKey, error) {
	return s.driver.GetAPIKey(ctx, find)
}

func (s *Store) TouchAPIKey(ctx context.Context, id int64, ts int64) error {
	return s.driver.TouchAPIKey(ctx, id, ts)
}

func (s *Store) CreateMemory(ctx context.Context, create *Memory) (*Memory, error) {
	sealed, err := s.sealMemory(create)
	if err != nil {
		return nil, err
	}
	created, err := s.driver.CreateMemory(ctx, sealed)
	if err != nil {
		return nil, err
	}
	return s.openMemory(created)
}

func (s *Store) AppendMemoryVersion(ctx context.Context, next *Memory) (*Memory, error) {
	sealed, err := s.sealMemory(next)
	if err != nil {
		return nil, err
	}
	appended, err := s.driver.AppendMemoryVersion(ctx, sealed)
	if err != nil {
		return nil, err
	}
	return s.openMemory(appended)
}

func (s *Store) ListMemories(ctx context.Context, find *FindMemory) ([]*Memory, error) {
	list, err := s.driver.ListMemories(ctx, find)
	if err != nil {
		return nil, err
	}
	for i, m := range list {
		opened, err := s.openMemory(m)
		if err != nil {
			return nil, err
		}
		list[i] = opened
	}
	return list, nil
}

func (s *Store) GetMemory(ctx context.Context, id, userID string) (*Memory, error) {
	list, err := s.ListMemories(ctx, &FindMemory{ID: &id, UserID: &userID, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

func (s *Store) CountMemories(ctx context.Context, find *FindMemory) (int64, error) {
	return s.driver.CountMemories(ctx, find)
}

func (s *Store) TombstoneMemory(ctx context.Context, delete *DeleteMemory) error {
	return s.driver.TombstoneMemory(ctx, delete)
}

func (s *Store) HardDeleteMemory(ctx context.Context, id string) error {
	return s.driver.HardDeleteMemory(ctx, id)
}

func (s *Store) GetMemoryStats(ctx context.Context, userID string, projectID *string) (*MemoryStats, error) {
	return s.driver.GetMemoryStats(ctx, userID, projectID)
}

func (s *Store) ListMemoryOwners(ctx context.Context) ([]string, error) {
	return s.driver.ListMemoryOwners(ctx)
}

func (s *Store) CreateTask(ctx context.Context, create *Task) (*Task, error) {
	return s.driver.CreateTask(ctx, create)
}

func (s *Store) GetTask(ctx context.Context, find *FindTask) (*Task, error) {
	return s.driver.GetTask(ctx, find)
}

func (s *Store) ListTasks(ctx context.Context, find *FindTask) ([]*Task, error) {
	return s.driver.ListTasks(ctx, find)
}

func (s *Store) UpdateTask(ctx context.Context, update *UpdateTask) (*Task, error) {
	return s.driver.UpdateTask(ctx, update)
}

func (s *Store) CreateMemoryJudgment(ctx context.Context, create *MemoryJudgment) (*MemoryJudgment, error) {
	return s.driver.CreateMemoryJudgment(ctx, create)
}

func (s *Store) ListMemoryJudgments(ctx context.Context, find *FindMemoryJudgment) ([]*MemoryJudgment, error) {
	return s.driver.ListMemoryJudgments(ctx, find)
}

func (s *Store) sealMemory(m *Memory) (*Memory, error) {
	if s.envelope == nil {
		return m, nil
	}
	sealed, err := s.envelope.Seal(m.Content)
	if err != nil {
		return nil, errors.Wrap(err, "seal memory content")
	}
	clone := *m
	clone.Content = sealed
	return &clone, nil
}

func (s *Store) openMemory(m *Memory) (*Memory, error) {
	if s.envelope == nil || m == nil {
		return m, nil
	}
	opened, err := s.envelope.Open(m.Content)
	if err != nil {
		return nil, errors.Wrap(err, "open memory content")
	}
	clone := *m
	clone.Content = opened
	return &clone, nil
}
