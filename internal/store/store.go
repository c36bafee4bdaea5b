// Package store persists workflow runs, steps, tasks, chains and messages.
//
// Every write goes through Update, which runs a function against a Tx and
// commits all of its writes or none. Step, task and chain updates are
// compare-and-swap on the record's Version: the caller passes the version it
// read, and the store bumps it on success.
package store

import (
	"context"
	"errors"

	"stepflow/internal/agent"
	"stepflow/internal/workflow"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConcurrentModification is returned when a record changed since it was read.
	ErrConcurrentModification = errors.New("concurrent modification")
	// ErrAlreadyExists is returned when creating a record whose id is taken.
	ErrAlreadyExists = errors.New("already exists")
)

// StepStore records workflow runs and their steps.
type StepStore interface {
	CreateRun(run *workflow.Run) error
	GetRun(id string) (*workflow.Run, error)
	CreateStep(step *workflow.Step) error
	GetStep(id string) (*workflow.Step, error)
	// ListSteps returns a run's steps ordered by step number.
	ListSteps(runID string) ([]*workflow.Step, error)
	UpdateStep(step *workflow.Step) error
}

// TaskStore records tasks, collaborative chains and step conversations.
type TaskStore interface {
	CreateTask(task *agent.Task) error
	GetTask(id string) (*agent.Task, error)
	// ListTasks returns a step's tasks ordered by creation.
	ListTasks(stepID string) ([]*agent.Task, error)
	UpdateTask(task *agent.Task) error

	CreateChain(chain *agent.CollaborativeTask) error
	GetChain(taskID string) (*agent.CollaborativeTask, error)
	UpdateChain(chain *agent.CollaborativeTask) error

	AppendMessage(msg *workflow.Message) error
	// ListMessages returns a step's messages in the order they were appended.
	ListMessages(stepID string) ([]*workflow.Message, error)
}

// Tx is a consistent view of both stores.
type Tx interface {
	StepStore
	TaskStore
}

// Store runs transactions against a backend.
type Store interface {
	// View runs fn against a read-only snapshot.
	View(ctx context.Context, fn func(Tx) error) error
	// Update runs fn in a transaction; any error discards every write.
	Update(ctx context.Context, fn func(Tx) error) error
	Close() error
}

// errReadOnly is returned by writes attempted inside View.
var errReadOnly = errors.New("store: write in read-only transaction")
