// Package taskstest provides an in-memory tasks.Scheduler for tests.
package taskstest

import (
	"context"
	"sync"
	"time"

	"omnigate/internal/tasks"
)

// Scheduled is one task captured by a Recorder.
type Scheduled struct {
	Task      tasks.Task
	NotBefore time.Time
}

// Recorder keeps scheduled tasks in memory until the test drains them.
type Recorder struct {
	mu    sync.Mutex
	tasks []Scheduled
}

var _ tasks.Scheduler = (*Recorder)(nil)

func (r *Recorder) Schedule(ctx context.Context, name string, payload any, notBefore time.Time) error {
	t, err := tasks.New(name, payload)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.tasks = append(r.tasks, Scheduled{Task: t, NotBefore: notBefore})
	r.mu.Unlock()
	return nil
}

// Take returns and forgets every recorded task.
func (r *Recorder) Take() []Scheduled {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.tasks
	r.tasks = nil
	return out
}

// Named returns the recorded tasks with the given name, keeping them.
func (r *Recorder) Named(name string) []Scheduled {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Scheduled
	for _, s := range r.tasks {
		if s.Task.Name == name {
			out = append(out, s)
		}
	}
	return out
}
