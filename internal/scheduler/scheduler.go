package scheduler

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/otcheredev/dicom-viewer-core/internal/config"
	"github.com/otcheredev/dicom-viewer-core/internal/dicomweb"
	"github.com/otcheredev/dicom-viewer-core/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

var (
	// ErrCancelled is the terminal error of a cancelled request
	ErrCancelled = errors.New("request cancelled")

	// ErrClosed is returned for requests submitted after Close
	ErrClosed = errors.New("scheduler closed")
)

// Fetcher executes a retrieval
type Fetcher interface {
	Fetch(ctx context.Context, res models.Resource) (*dicomweb.Result, error)
}

// CompletionHook observes terminal requests. It runs outside the
// scheduler lock and must not block.
type CompletionHook func(Completion)

// pool is the token pool of one class
type pool struct {
	class    models.RequestClass
	capacity int
	inFlight map[*Handle]struct{} // holds tokens, including cancelled fetches not yet returned
	queue    *list.List
}

// Scheduler admits requests under independent per-class ceilings. Within
// a class admission is FIFO; classes never preempt one another.
type Scheduler struct {
	fetcher Fetcher
	log     zerolog.Logger
	metrics *metrics

	mu     sync.Mutex
	pools  map[models.RequestClass]*pool
	hooks  []CompletionHook
	closed bool
	wg     sync.WaitGroup
}

// New creates a scheduler with the configured ceilings. reg may be nil.
func New(fetcher Fetcher, limits config.RequestLimits, logger zerolog.Logger, reg prometheus.Registerer) *Scheduler {
	s := &Scheduler{
		fetcher: fetcher,
		log:     logger.With().Str("component", "scheduler").Logger(),
		metrics: newMetrics(reg),
		pools:   make(map[models.RequestClass]*pool, len(models.RequestClasses)),
	}
	for _, class := range models.RequestClasses {
		s.pools[class] = &pool{
			class:    class,
			capacity: limits.For(class),
			inFlight: make(map[*Handle]struct{}),
			queue:    list.New(),
		}
		s.metrics.capacity.WithLabelValues(string(class)).Set(float64(limits.For(class)))
	}
	return s
}

// OnComplete registers a hook called for every terminal request
func (s *Scheduler) OnComplete(hook CompletionHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, hook)
}

// Submit enqueues a request and admits it at once if its class has a
// free token
func (s *Scheduler) Submit(req Request) *Handle {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		id:       uuid.New(),
		req:      req,
		sched:    s,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		state:    models.StateQueued,
		queuedAt: time.Now(),
	}

	s.mu.Lock()
	p, ok := s.pools[req.Class]
	var completions []Completion
	switch {
	case s.closed:
		completions = append(completions, s.finishLocked(h, models.StateFailed, nil, ErrClosed))
	case !ok:
		completions = append(completions, s.finishLocked(h, models.StateFailed, nil, fmt.Errorf("unknown request class %q", req.Class)))
	default:
		h.elem = p.queue.PushBack(h)
		s.metrics.queued.WithLabelValues(string(p.class)).Inc()
		s.admitLocked(p)
	}
	s.mu.Unlock()

	s.notify(completions)
	return h
}

// admitLocked starts queued requests in FIFO order while tokens remain
func (s *Scheduler) admitLocked(p *pool) {
	for len(p.inFlight) < p.capacity && p.queue.Len() > 0 {
		h := p.queue.Remove(p.queue.Front()).(*Handle)
		h.elem = nil
		s.metrics.queued.WithLabelValues(string(p.class)).Dec()

		p.inFlight[h] = struct{}{}
		h.state = models.StateInFlight
		h.startedAt = time.Now()
		s.metrics.inFlight.WithLabelValues(string(p.class)).Inc()

		s.wg.Add(1)
		go s.run(p, h)
	}
}

func (s *Scheduler) run(p *pool, h *Handle) {
	defer s.wg.Done()

	result, err := s.fetcher.Fetch(h.ctx, h.req.Resource)

	s.mu.Lock()
	delete(p.inFlight, h)
	s.metrics.inFlight.WithLabelValues(string(p.class)).Dec()

	var completions []Completion
	if h.state == models.StateInFlight {
		if err != nil {
			completions = append(completions, s.finishLocked(h, models.StateFailed, nil, err))
		} else {
			completions = append(completions, s.finishLocked(h, models.StateComplete, result, nil))
		}
	}
	// A cancelled request already reported; its result is discarded.
	s.admitLocked(p)
	s.mu.Unlock()

	s.notify(completions)
}

// finishLocked moves h to a terminal state and releases its waiters
func (s *Scheduler) finishLocked(h *Handle, state models.RequestState, result *dicomweb.Result, err error) Completion {
	h.state = state
	h.result = result
	h.err = err
	h.cancel()
	close(h.done)

	now := time.Now()
	c := Completion{ID: h.id, Request: h.req, State: state, Err: err}
	if h.startedAt.IsZero() {
		c.Queued = now.Sub(h.queuedAt)
	} else {
		c.Queued = h.startedAt.Sub(h.queuedAt)
		c.Duration = now.Sub(h.startedAt)
	}
	s.metrics.completed.WithLabelValues(string(h.req.Class), string(state)).Inc()
	return c
}

// cancelLocked cancels a queued or in-flight request. Queued requests
// leave without consuming a token; in-flight ones keep theirs until the
// fetch returns.
func (s *Scheduler) cancelLocked(h *Handle) (Completion, bool) {
	switch h.state {
	case models.StateQueued:
		if h.elem != nil {
			p := s.pools[h.req.Class]
			p.queue.Remove(h.elem)
			h.elem = nil
			s.metrics.queued.WithLabelValues(string(p.class)).Dec()
		}
	case models.StateInFlight:
		h.cancel()
	default:
		return Completion{}, false
	}
	return s.finishLocked(h, models.StateCancelled, nil, ErrCancelled), true
}

// Promote moves a queued request to the tail of a higher priority class
// queue and reports whether it moved. In-flight and terminal requests
// stay where they are, as do requests already at or above class.
func (s *Scheduler) Promote(h *Handle, class models.RequestClass) bool {
	s.mu.Lock()
	target, ok := s.pools[class]
	if !ok || h.state != models.StateQueued || h.elem == nil || !class.Outranks(h.req.Class) {
		s.mu.Unlock()
		return false
	}

	from := s.pools[h.req.Class]
	from.queue.Remove(h.elem)
	s.metrics.queued.WithLabelValues(string(from.class)).Dec()

	h.req.Class = class
	h.elem = target.queue.PushBack(h)
	s.metrics.queued.WithLabelValues(string(class)).Inc()
	s.admitLocked(target)
	s.mu.Unlock()

	s.log.Debug().
		Str("request_id", h.id.String()).
		Str("from", string(from.class)).
		Str("class", string(class)).
		Msg("Promoted queued request")
	return true
}

// Cancel cancels one request. Terminal requests are left untouched.
func (s *Scheduler) Cancel(h *Handle) {
	s.mu.Lock()
	c, ok := s.cancelLocked(h)
	s.mu.Unlock()
	if ok {
		s.notify([]Completion{c})
	}
}

// CancelGroup cancels every outstanding request tagged with group and
// returns how many were cancelled
func (s *Scheduler) CancelGroup(group string) int {
	s.mu.Lock()
	var completions []Completion
	for _, class := range models.RequestClasses {
		p := s.pools[class]
		for e := p.queue.Front(); e != nil; {
			next := e.Next()
			if h := e.Value.(*Handle); h.req.inGroup(group) {
				if c, ok := s.cancelLocked(h); ok {
					completions = append(completions, c)
				}
			}
			e = next
		}
		for h := range p.inFlight {
			if h.req.inGroup(group) {
				if c, ok := s.cancelLocked(h); ok {
					completions = append(completions, c)
				}
			}
		}
	}
	s.mu.Unlock()

	s.notify(completions)
	if len(completions) > 0 {
		s.log.Debug().Str("group", group).Int("cancelled", len(completions)).Msg("Cancelled request group")
	}
	return len(completions)
}

func (s *Scheduler) notify(completions []Completion) {
	if len(completions) == 0 {
		return
	}
	s.mu.Lock()
	hooks := append([]CompletionHook(nil), s.hooks...)
	s.mu.Unlock()

	for _, c := range completions {
		s.logCompletion(c)
		for _, hook := range hooks {
			hook(c)
		}
	}
}

func (s *Scheduler) logCompletion(c Completion) {
	if c.State != models.StateFailed {
		s.log.Debug().
			Str("request_id", c.ID.String()).
			Str("class", string(c.Request.Class)).
			Str("resource", c.Request.Resource.String()).
			Str("state", string(c.State)).
			Dur("duration", c.Duration).
			Msg("Request finished")
		return
	}

	// Speculative classes fail quietly.
	event := s.log.Debug()
	if !c.Request.Class.Speculative() {
		event = s.log.Error()
	}
	event.Err(c.Err).
		Str("request_id", c.ID.String()).
		Str("class", string(c.Request.Class)).
		Str("resource", c.Request.Resource.String()).
		Msg("Request failed")
}

// PoolStats is a snapshot of one class pool
type PoolStats struct {
	Class    models.RequestClass `json:"class"`
	Capacity int                 `json:"capacity"`
	InFlight int                 `json:"in_flight"`
	Queued   int                 `json:"queued"`
}

// Stats returns a snapshot of every pool in class order
func (s *Scheduler) Stats() []PoolStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]PoolStats, 0, len(models.RequestClasses))
	for _, class := range models.RequestClasses {
		p := s.pools[class]
		out = append(out, PoolStats{
			Class:    class,
			Capacity: p.capacity,
			InFlight: len(p.inFlight),
			Queued:   p.queue.Len(),
		})
	}
	return out
}

// Close cancels all outstanding requests, rejects new ones and waits for
// running fetches to return
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	var completions []Completion
	for _, class := range models.RequestClasses {
		p := s.pools[class]
		for e := p.queue.Front(); e != nil; {
			next := e.Next()
			if c, ok := s.cancelLocked(e.Value.(*Handle)); ok {
				completions = append(completions, c)
			}
			e = next
		}
		for h := range p.inFlight {
			if c, ok := s.cancelLocked(h); ok {
				completions = append(completions, c)
			}
		}
	}
	s.mu.Unlock()

	s.notify(completions)
	s.wg.Wait()
}
