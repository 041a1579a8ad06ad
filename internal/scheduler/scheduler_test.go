package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/otcheredev/dicom-viewer-core/internal/config"
	"github.com/otcheredev/dicom-viewer-core/internal/dicomweb"
	"github.com/otcheredev/dicom-viewer-core/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gateFetcher blocks every fetch until released. Tests encode the class
// of a request in its series UID so the fetcher can track concurrency.
type gateFetcher struct {
	release  chan struct{}
	honorCtx bool
	err      error

	mu      sync.Mutex
	started []string
	active  map[string]int
	peak    map[string]int
}

func newGateFetcher() *gateFetcher {
	return &gateFetcher{
		release: make(chan struct{}),
		active:  map[string]int{},
		peak:    map[string]int{},
	}
}

func (f *gateFetcher) Fetch(ctx context.Context, res models.Resource) (*dicomweb.Result, error) {
	f.mu.Lock()
	f.started = append(f.started, res.InstanceUID)
	f.active[res.SeriesUID]++
	if f.active[res.SeriesUID] > f.peak[res.SeriesUID] {
		f.peak[res.SeriesUID] = f.active[res.SeriesUID]
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.active[res.SeriesUID]--
		f.mu.Unlock()
	}()

	if f.honorCtx {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	} else {
		<-f.release
	}
	if f.err != nil {
		return nil, f.err
	}
	return &dicomweb.Result{Resource: res}, nil
}

func (f *gateFetcher) startedOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.started...)
}

func (f *gateFetcher) peakOf(class models.RequestClass) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peak[string(class)]
}

func request(class models.RequestClass, id string, groups ...string) Request {
	return Request{
		Class: class,
		Resource: models.Resource{
			Kind:        models.KindFrames,
			StudyUID:    "1.2",
			SeriesUID:   string(class),
			InstanceUID: id,
			Frames:      []int{1},
		},
		Groups: groups,
	}
}

func statsOf(t *testing.T, s *Scheduler, class models.RequestClass) PoolStats {
	t.Helper()
	for _, ps := range s.Stats() {
		if ps.Class == class {
			return ps
		}
	}
	t.Fatalf("no pool for class %s", class)
	return PoolStats{}
}

var defaultLimits = config.RequestLimits{Interaction: 100, Thumbnail: 75, Prefetch: 25}

func TestScheduler_ScenarioA(t *testing.T) {
	fetcher := newGateFetcher()
	reg := prometheus.NewRegistry()
	s := New(fetcher, defaultLimits, zerolog.Nop(), reg)
	defer func() {
		close(fetcher.release)
		s.Close()
	}()

	submit := func(class models.RequestClass, n int) {
		for i := 0; i < n; i++ {
			s.Submit(request(class, fmt.Sprintf("%s-%d", class, i)))
		}
	}
	submit(models.ClassInteraction, 3)
	submit(models.ClassThumbnail, 80)
	submit(models.ClassPrefetch, 10)

	interaction := statsOf(t, s, models.ClassInteraction)
	assert.Equal(t, 3, interaction.InFlight)
	assert.Equal(t, 0, interaction.Queued)

	thumbnail := statsOf(t, s, models.ClassThumbnail)
	assert.Equal(t, 75, thumbnail.InFlight)
	assert.Equal(t, 5, thumbnail.Queued)

	prefetch := statsOf(t, s, models.ClassPrefetch)
	assert.Equal(t, 10, prefetch.InFlight)
	assert.Equal(t, 0, prefetch.Queued)

	assert.Equal(t, float64(5), testutil.ToFloat64(s.metrics.queued.WithLabelValues("thumbnail")))
	assert.Equal(t, float64(75), testutil.ToFloat64(s.metrics.inFlight.WithLabelValues("thumbnail")))
}

func TestScheduler_CeilingNeverExceeded(t *testing.T) {
	fetcher := newGateFetcher()
	limits := config.RequestLimits{Interaction: 2, Thumbnail: 3, Prefetch: 1}
	s := New(fetcher, limits, zerolog.Nop(), nil)
	defer s.Close()

	var handles []*Handle
	for i := 0; i < 30; i++ {
		class := models.RequestClasses[i%3]
		handles = append(handles, s.Submit(request(class, fmt.Sprint(i))))
	}

	// Release fetches one at a time while checking the pools.
	for i := 0; i < 30; i++ {
		for _, ps := range s.Stats() {
			assert.LessOrEqual(t, ps.InFlight, ps.Capacity)
		}
		fetcher.release <- struct{}{}
	}
	for _, h := range handles {
		_, err := h.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, models.StateComplete, h.State())
	}

	assert.LessOrEqual(t, fetcher.peakOf(models.ClassInteraction), 2)
	assert.LessOrEqual(t, fetcher.peakOf(models.ClassThumbnail), 3)
	assert.Equal(t, 1, fetcher.peakOf(models.ClassPrefetch))
}

func TestScheduler_FIFOWithinClass(t *testing.T) {
	fetcher := newGateFetcher()
	s := New(fetcher, config.RequestLimits{Interaction: 1, Thumbnail: 1, Prefetch: 1}, zerolog.Nop(), nil)
	defer s.Close()

	want := []string{"a", "b", "c", "d", "e"}
	var handles []*Handle
	for _, id := range want {
		handles = append(handles, s.Submit(request(models.ClassPrefetch, id)))
	}
	for range want {
		fetcher.release <- struct{}{}
	}
	for _, h := range handles {
		<-h.Done()
	}
	assert.Equal(t, want, fetcher.startedOrder())
}

func TestScheduler_CancelQueued(t *testing.T) {
	fetcher := newGateFetcher()
	s := New(fetcher, config.RequestLimits{Interaction: 1, Thumbnail: 1, Prefetch: 1}, zerolog.Nop(), nil)
	defer s.Close()

	first := s.Submit(request(models.ClassInteraction, "first"))
	queued := s.Submit(request(models.ClassInteraction, "queued"))
	third := s.Submit(request(models.ClassInteraction, "third"))
	assert.Equal(t, models.StateInFlight, first.State())
	assert.Equal(t, models.StateQueued, queued.State())

	queued.Cancel()
	assert.Equal(t, models.StateCancelled, queued.State())
	_, err := queued.Wait(context.Background())
	assert.ErrorIs(t, err, ErrCancelled)

	ps := statsOf(t, s, models.ClassInteraction)
	assert.Equal(t, 1, ps.InFlight)
	assert.Equal(t, 1, ps.Queued)

	fetcher.release <- struct{}{}
	fetcher.release <- struct{}{}
	_, err = third.Wait(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"first", "third"}, fetcher.startedOrder())

	// Cancelling a terminal request changes nothing.
	third.Cancel()
	assert.Equal(t, models.StateComplete, third.State())
}

func TestScheduler_CancelInFlightHoldsTokenUntilReturn(t *testing.T) {
	fetcher := newGateFetcher()
	s := New(fetcher, config.RequestLimits{Interaction: 1, Thumbnail: 1, Prefetch: 1}, zerolog.Nop(), nil)
	defer s.Close()

	running := s.Submit(request(models.ClassThumbnail, "running"))
	next := s.Submit(request(models.ClassThumbnail, "next"))

	running.Cancel()
	_, err := running.Wait(context.Background())
	assert.ErrorIs(t, err, ErrCancelled)

	// The fetch has not returned, so its token is still held.
	ps := statsOf(t, s, models.ClassThumbnail)
	assert.Equal(t, 1, ps.InFlight)
	assert.Equal(t, models.StateQueued, next.State())

	fetcher.release <- struct{}{}
	require.Eventually(t, func() bool { return next.State() == models.StateInFlight }, time.Second, time.Millisecond)

	// The late result of the cancelled fetch was discarded.
	result, err := running.Wait(context.Background())
	assert.Nil(t, result)
	assert.ErrorIs(t, err, ErrCancelled)

	fetcher.release <- struct{}{}
	_, err = next.Wait(context.Background())
	require.NoError(t, err)
}

func TestScheduler_CancelInFlightCancelsContext(t *testing.T) {
	fetcher := newGateFetcher()
	fetcher.honorCtx = true
	s := New(fetcher, defaultLimits, zerolog.Nop(), nil)
	defer s.Close()

	h := s.Submit(request(models.ClassInteraction, "x"))
	h.Cancel()

	require.Eventually(t, func() bool {
		return statsOf(t, s, models.ClassInteraction).InFlight == 0
	}, time.Second, time.Millisecond)
	assert.Equal(t, models.StateCancelled, h.State())
}

func TestScheduler_CancelGroup(t *testing.T) {
	fetcher := newGateFetcher()
	fetcher.honorCtx = true
	s := New(fetcher, config.RequestLimits{Interaction: 2, Thumbnail: 2, Prefetch: 2}, zerolog.Nop(), nil)
	defer func() {
		close(fetcher.release)
		s.Close()
	}()

	var studyA, studyB []*Handle
	for i := 0; i < 3; i++ {
		studyA = append(studyA, s.Submit(request(models.ClassPrefetch, fmt.Sprint("a", i), "study:A")))
		studyB = append(studyB, s.Submit(request(models.ClassPrefetch, fmt.Sprint("b", i), "study:B", "viewport:0")))
	}

	assert.Equal(t, 3, s.CancelGroup("study:A"))
	for _, h := range studyA {
		assert.Equal(t, models.StateCancelled, h.State())
	}
	for _, h := range studyB {
		assert.False(t, h.State().Terminal())
	}
	assert.Equal(t, 0, s.CancelGroup("study:A"))
	assert.Equal(t, 3, s.CancelGroup("viewport:0"))
}

func TestScheduler_FailureAndHook(t *testing.T) {
	fetcher := newGateFetcher()
	fetcher.err = &dicomweb.AuthorizationError{URL: "http://archive", StatusCode: 401}
	s := New(fetcher, defaultLimits, zerolog.Nop(), nil)
	defer s.Close()

	var mu sync.Mutex
	var got []Completion
	s.OnComplete(func(c Completion) {
		mu.Lock()
		got = append(got, c)
		mu.Unlock()
	})

	interaction := s.Submit(request(models.ClassInteraction, "i"))
	prefetch := s.Submit(request(models.ClassPrefetch, "p"))
	fetcher.release <- struct{}{}
	fetcher.release <- struct{}{}

	for _, h := range []*Handle{interaction, prefetch} {
		_, err := h.Wait(context.Background())
		assert.True(t, dicomweb.IsAuthorization(err))
		assert.Equal(t, models.StateFailed, h.State())
	}

	// Hooks run after waiters are released.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	ids := map[string]bool{got[0].ID.String(): true, got[1].ID.String(): true}
	assert.True(t, ids[interaction.ID().String()])
	assert.True(t, ids[prefetch.ID().String()])
	for _, c := range got {
		assert.Equal(t, models.StateFailed, c.State)
	}
}

func TestScheduler_WaitHonorsContext(t *testing.T) {
	fetcher := newGateFetcher()
	s := New(fetcher, defaultLimits, zerolog.Nop(), nil)
	defer func() {
		close(fetcher.release)
		s.Close()
	}()

	h := s.Submit(request(models.ClassInteraction, "slow"))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := h.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, models.StateInFlight, h.State())
}

func TestScheduler_RejectsAfterClose(t *testing.T) {
	fetcher := newGateFetcher()
	fetcher.honorCtx = true
	s := New(fetcher, defaultLimits, zerolog.Nop(), nil)

	running := s.Submit(request(models.ClassInteraction, "running"))
	s.Close()
	assert.Equal(t, models.StateCancelled, running.State())

	h := s.Submit(request(models.ClassInteraction, "late"))
	_, err := h.Wait(context.Background())
	assert.True(t, errors.Is(err, ErrClosed))

	bad := New(fetcher, defaultLimits, zerolog.Nop(), nil)
	defer bad.Close()
	_, err = bad.Submit(Request{Class: "urgent"}).Wait(context.Background())
	assert.Error(t, err)
}

func TestScheduler_PromoteQueued(t *testing.T) {
	fetcher := newGateFetcher()
	s := New(fetcher, config.RequestLimits{Interaction: 1, Thumbnail: 1, Prefetch: 1}, zerolog.Nop(), nil)
	defer s.Close()

	var mu sync.Mutex
	classes := map[string]models.RequestClass{}
	s.OnComplete(func(c Completion) {
		mu.Lock()
		classes[c.Request.Resource.InstanceUID] = c.Request.Class
		mu.Unlock()
	})

	running := s.Submit(request(models.ClassPrefetch, "running"))
	waiting := s.Submit(request(models.ClassPrefetch, "waiting"))
	require.Equal(t, models.StateQueued, waiting.State())

	assert.False(t, s.Promote(running, models.ClassInteraction), "in-flight requests stay put")
	assert.False(t, s.Promote(waiting, models.ClassPrefetch))

	require.True(t, s.Promote(waiting, models.ClassThumbnail))
	assert.Equal(t, models.StateInFlight, waiting.State())
	assert.Equal(t, models.ClassThumbnail, waiting.Request().Class)
	assert.Equal(t, 1, statsOf(t, s, models.ClassThumbnail).InFlight)

	prefetch := statsOf(t, s, models.ClassPrefetch)
	assert.Equal(t, 1, prefetch.InFlight)
	assert.Equal(t, 0, prefetch.Queued)
	assert.Equal(t, float64(0), testutil.ToFloat64(s.metrics.queued.WithLabelValues("prefetch")))

	fetcher.release <- struct{}{}
	fetcher.release <- struct{}{}
	for _, h := range []*Handle{running, waiting} {
		_, err := h.Wait(context.Background())
		require.NoError(t, err)
	}
	assert.False(t, s.Promote(waiting, models.ClassInteraction), "terminal requests stay put")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, models.ClassPrefetch, classes["running"])
	assert.Equal(t, models.ClassThumbnail, classes["waiting"])
}

func TestScheduler_PromoteJoinsTargetQueueTail(t *testing.T) {
	fetcher := newGateFetcher()
	s := New(fetcher, config.RequestLimits{Interaction: 1, Thumbnail: 1, Prefetch: 1}, zerolog.Nop(), nil)
	defer s.Close()

	first := s.Submit(request(models.ClassInteraction, "first"))
	second := s.Submit(request(models.ClassInteraction, "second"))
	s.Submit(request(models.ClassPrefetch, "speculative"))
	promoted := s.Submit(request(models.ClassPrefetch, "promoted"))

	require.True(t, s.Promote(promoted, models.ClassInteraction))
	assert.Equal(t, models.StateQueued, promoted.State())
	assert.Equal(t, 2, statsOf(t, s, models.ClassInteraction).Queued)

	for i := 0; i < 4; i++ {
		fetcher.release <- struct{}{}
	}
	for _, h := range []*Handle{first, second, promoted} {
		_, err := h.Wait(context.Background())
		require.NoError(t, err)
	}

	var interaction []string
	for _, id := range fetcher.startedOrder() {
		if id != "speculative" {
			interaction = append(interaction, id)
		}
	}
	assert.Equal(t, []string{"first", "second", "promoted"}, interaction)
}
