// Package jobs runs background work: a durable queue, a cron scheduler that
// feeds it, and a worker pool that dispatches jobs by name.
package jobs

import (
	"context"
	"fmt"

	"clinic-queue/internal/status"
	"clinic-queue/models"
)

// Handler executes one job. Returning an error schedules a retry.
type Handler func(ctx context.Context, job models.Job) error

// Registry is the worker's dispatch table. It is filled once at startup and
// only read afterwards.
type Registry struct {
	handlers map[models.JobName]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[models.JobName]Handler)}
}

func (r *Registry) Register(name models.JobName, handler Handler) error {
	if !name.Valid() {
		return fmt.Errorf("register %q: %w", name, status.ErrUnknownJob)
	}
	if handler == nil {
		return fmt.Errorf("register %q: nil handler", name)
	}
	r.handlers[name] = handler
	return nil
}

func (r *Registry) Lookup(name models.JobName) (Handler, bool) {
	h, ok := r.handlers[name]
	return h, ok
}

// Names lists the registered job names.
func (r *Registry) Names() []models.JobName {
	names := make([]models.JobName, 0, len(r.handlers))
	for _, name := range models.JobNames() {
		if _, ok := r.handlers[name]; ok {
			names = append(names, name)
		}
	}
	return names
}
