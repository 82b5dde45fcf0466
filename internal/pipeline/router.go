// Package pipeline holds the job handlers that move an activity signal through scoring to a delivered alert.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/goccy/go-json"

	"impersonation-detector/internal/models"
	"impersonation-detector/internal/worker"
)

// Router dispatches jobs to the handler registered for their type.
type Router struct {
	handlers map[models.JobType]worker.Handler
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{handlers: make(map[models.JobType]worker.Handler)}
}

// Handle registers h for jobType, replacing any earlier registration.
func (r *Router) Handle(jobType models.JobType, h worker.Handler) {
	r.handlers[jobType] = h
}

// Validate fails unless every job type declared for every queue has a handler.
func (r *Router) Validate() error {
	var missing []string
	for _, q := range models.Queues {
		for _, t := range q.JobTypes() {
			if _, ok := r.handlers[t]; !ok {
				missing = append(missing, string(t))
			}
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return &models.ConfigurationError{Field: "handlers", Reason: "no handler for " + strings.Join(missing, ", ")}
	}
	return nil
}

// Handler returns the worker handler that routes by job type.
func (r *Router) Handler() worker.Handler {
	return func(ctx context.Context, job models.Job) (json.RawMessage, error) {
		h, ok := r.handlers[job.Type]
		if !ok {
			return nil, &models.PermanentRejectionError{Reason: fmt.Sprintf("no handler for job type %q", job.Type)}
		}
		return h(ctx, job)
	}
}
