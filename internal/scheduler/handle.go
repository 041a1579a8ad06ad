package scheduler

import (
	"container/list"
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/otcheredev/dicom-viewer-core/internal/dicomweb"
	"github.com/otcheredev/dicom-viewer-core/internal/models"
)

// Request is a retrieval intent submitted to the scheduler
type Request struct {
	Class    models.RequestClass
	Resource models.Resource
	// Groups tags the request for bulk cancellation, e.g. a study UID or
	// a viewport id.
	Groups []string
}

func (r Request) inGroup(group string) bool {
	for _, g := range r.Groups {
		if g == group {
			return true
		}
	}
	return false
}

// Handle tracks one submitted request. The class of req and all fields
// past it are guarded by the scheduler lock.
type Handle struct {
	id    uuid.UUID
	req   Request
	sched *Scheduler

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	state     models.RequestState
	result    *dicomweb.Result
	err       error
	elem      *list.Element
	queuedAt  time.Time
	startedAt time.Time
}

// ID returns the request identity
func (h *Handle) ID() uuid.UUID { return h.id }

// Request returns what was submitted, with the class it runs under
// after any promotion
func (h *Handle) Request() Request {
	h.sched.mu.Lock()
	defer h.sched.mu.Unlock()
	return h.req
}

// Done is closed once the request reaches a terminal state
func (h *Handle) Done() <-chan struct{} { return h.done }

// State returns the current lifecycle state
func (h *Handle) State() models.RequestState {
	h.sched.mu.Lock()
	defer h.sched.mu.Unlock()
	return h.state
}

// Wait blocks until the request is terminal or ctx ends. A cancelled
// request returns ErrCancelled.
func (h *Handle) Wait(ctx context.Context) (*dicomweb.Result, error) {
	select {
	case <-h.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	h.sched.mu.Lock()
	defer h.sched.mu.Unlock()
	return h.result, h.err
}

// Cancel is shorthand for Scheduler.Cancel
func (h *Handle) Cancel() {
	h.sched.Cancel(h)
}

// Completion describes a request that reached a terminal state
type Completion struct {
	ID       uuid.UUID
	Request  Request
	State    models.RequestState
	Err      error
	Queued   time.Duration
	Duration time.Duration
}
