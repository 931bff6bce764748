package concurrency

import (
	"context"
)

// Task is a unit of work run by a WorkerPool.
type Task interface {
	// Execute performs the work. ctx is cancelled when the pool is
	// stopped forcibly.
	Execute(ctx context.Context) error

	// Name identifies the task in logs.
	Name() string
}

// TaskFunc lets a plain function be used as a Task.
type TaskFunc func(ctx context.Context) error

// Execute implements Task.
func (f TaskFunc) Execute(ctx context.Context) error {
	return f(ctx)
}

// Name implements Task.
func (f TaskFunc) Name() string {
	return "TaskFunc"
}

// NamedTask wraps a TaskFunc with a name.
type NamedTask struct {
	name string
	task TaskFunc
}

// NewNamedTask creates a NamedTask.
func NewNamedTask(name string, task TaskFunc) *NamedTask {
	return &NamedTask{
		name: name,
		task: task,
	}
}

// Execute implements Task.
func (nt *NamedTask) Execute(ctx context.Context) error {
	return nt.task(ctx)
}

// Name implements Task.
func (nt *NamedTask) Name() string {
	return nt.name
}
