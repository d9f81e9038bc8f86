package store

import (
	"context"
	"database/sql"
)

// Driver is an interface for the relational store backend.
type Driver interface {
	GetDB() *sql.DB
	Close() error

	// Migrate applies the schema, creating tables that do not exist.
	Migrate(ctx context.Context) error

	// User model
	CreateUser(ctx context.Context, create *User) (*User, error)
	GetUser(ctx context.Context, find *FindUser) (*User, error)
	UpdateUser(ctx context.Context, update *UpdateUser) (*User, error)

	// Project model
	CreateProject(ctx context.Context, create *Project) (*Project, error)
	GetProject(ctx context.Context, find *FindProject) (*Project, error)

	// APIKey model
	CreateAPIKey(ctx context.Context, create *APIKey) (*APIKey, error)
	GetAPIKey(ctx context.Context, find *FindAPIKey) (*APIKey, error)
	TouchAPIKey(ctx context.Context, id int64, ts int64) error

	// Memory model
	CreateMemory(ctx context.Context, create *Memory) (*Memory, error)
	AppendMemoryVersion(ctx context.Context, next *Memory) (*Memory, error)
	ListMemories(ctx context.Context, find *FindMemory) ([]*Memory, error)
	CountMemories(ctx context.Context, find *FindMemory) (int64, error)
	TombstoneMemory(ctx context.Context, delete *DeleteMemory) error
	// HardDeleteMemory removes all versions of a memory. Used only by saga
	// compensation when a commit failed halfway.
	HardDeleteMemory(ctx context.Context, id string) error
	GetMemoryStats(ctx context.Context, userID string, projectID *string) (*MemoryStats, error)
	// ListMemoryOwners returns the distinct user ids that own at least
	// one memory. Background jobs iterate owners with it.
	ListMemoryOwners(ctx context.Context) ([]string, error)

	// Task model
	CreateTask(ctx context.Context, create *Task) (*Task, error)
	GetTask(ctx context.Context, find *FindTask) (*Task, error)
	ListTasks(ctx context.Context, find *FindTask) ([]*Task, error)
	UpdateTask(ctx context.Context, update *UpdateTask) (*Task, error)

	// Judgment audit
	CreateMemoryJudgment(ctx context.Context, create *MemoryJudgment) (*MemoryJudgment, error)
	ListMemoryJudgments(ctx context.Context, find *FindMemoryJudgment) ([]*MemoryJudgment, error)
}
