package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// FetchFunc produces the entry for a key on a miss
type FetchFunc func(ctx context.Context) (Entry, error)

// Store memoizes retrieved resources. Reads are unrestricted; concurrent
// first requests for a key share one fetch.
type Store struct {
	backend Backend
	group   singleflight.Group
	log     zerolog.Logger

	hits      prometheus.Counter
	misses    prometheus.Counter
	coalesced prometheus.Counter
	conflicts prometheus.Counter
	fetches   prometheus.Counter
}

// NewStore wraps a backend. reg may be nil.
func NewStore(backend Backend, logger zerolog.Logger, reg prometheus.Registerer) *Store {
	factory := promauto.With(reg)
	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace: "viewer",
			Subsystem: "cache",
			Name:      name,
			Help:      help,
		})
	}
	return &Store{
		backend:   backend,
		log:       logger.With().Str("component", "cache").Logger(),
		hits:      counter("hits_total", "Cache lookups answered from the backend."),
		misses:    counter("misses_total", "Cache lookups that missed."),
		coalesced: counter("coalesced_total", "Callers whose miss was served by a shared fetch."),
		conflicts: counter("put_conflicts_total", "Puts rejected because the key held different content."),
		fetches:   counter("fetches_total", "Fetches executed on a miss."),
	}
}

// Get returns the entry for key or ErrCacheMiss
func (s *Store) Get(ctx context.Context, key Key) (Entry, error) {
	data, err := s.backend.Get(ctx, key.String())
	if err != nil {
		if errors.Is(err, ErrCacheMiss) {
			s.misses.Inc()
		}
		return Entry{}, err
	}
	entry, err := decodeEntry(data)
	if err != nil {
		return Entry{}, err
	}
	s.hits.Inc()
	return entry, nil
}

// Put stores an entry. A duplicate put with equal content is a no-op;
// differing content fails with ErrImmutable and leaves the first value.
func (s *Store) Put(ctx context.Context, key Key, entry Entry) error {
	data, err := encodeEntry(entry)
	if err != nil {
		return err
	}

	stored, err := s.backend.SetIfAbsent(ctx, key.String(), data, 0)
	if err != nil {
		return err
	}
	if stored {
		return nil
	}

	existing, err := s.backend.Get(ctx, key.String())
	if err != nil {
		return fmt.Errorf("failed to read existing entry: %w", err)
	}
	current, err := decodeEntry(existing)
	if err != nil {
		return err
	}
	if !current.Equal(entry) {
		s.conflicts.Inc()
		s.log.Warn().Str("key", key.String()).Msg("Rejected put with differing content")
		return fmt.Errorf("%s: %w", key, ErrImmutable)
	}
	return nil
}

// Has reports whether key holds an entry
func (s *Store) Has(ctx context.Context, key Key) (bool, error) {
	return s.backend.Exists(ctx, key.String())
}

// GetOrFetch returns the cached entry or runs fetch once for all concurrent
// callers of the same key. Failures are returned to every waiter and not
// cached. The shared fetch is detached from any single caller's context;
// a caller whose ctx ends stops waiting but the fetch carries on.
func (s *Store) GetOrFetch(ctx context.Context, key Key, fetch FetchFunc) (Entry, error) {
	if entry, err := s.Get(ctx, key); err == nil {
		return entry, nil
	} else if !errors.Is(err, ErrCacheMiss) {
		s.log.Warn().Err(err).Str("key", key.String()).Msg("Cache read failed, fetching")
	}

	flightCtx := context.WithoutCancel(ctx)
	ch := s.group.DoChan(key.String(), func() (any, error) {
		// A flight that started after the previous one finished finds its entry here.
		if entry, err := s.Get(flightCtx, key); err == nil {
			return entry, nil
		}

		s.fetches.Inc()
		entry, err := fetch(flightCtx)
		if err != nil {
			return Entry{}, err
		}
		if err := s.Put(flightCtx, key, entry); err != nil && !errors.Is(err, ErrImmutable) {
			s.log.Warn().Err(err).Str("key", key.String()).Msg("Failed to store fetched entry")
		}
		return entry, nil
	})

	select {
	case res := <-ch:
		if res.Shared {
			s.coalesced.Inc()
		}
		if res.Err != nil {
			return Entry{}, res.Err
		}
		return res.Val.(Entry), nil
	case <-ctx.Done():
		return Entry{}, ctx.Err()
	}
}

// Close releases the backend
func (s *Store) Close() error {
	return s.backend.Close()
}
