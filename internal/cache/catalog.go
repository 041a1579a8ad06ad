package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/otcheredev/dicom-viewer-core/internal/models"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// ErrUnknownStudy is returned for studies never registered with the catalog
var ErrUnknownStudy = errors.New("study not registered")

// Loader fetches the metadata below a study
type Loader interface {
	LoadSeries(ctx context.Context, studyUID string) ([]models.Series, error)
	LoadInstances(ctx context.Context, studyUID, seriesUID string) ([]models.Instance, error)
}

// Catalog tracks registered studies and expands them on demand
type Catalog struct {
	loader Loader
	lazy   bool
	log    zerolog.Logger

	mu      sync.RWMutex
	order   []string
	studies map[string]*studyEntry
	group   singleflight.Group
}

type studyEntry struct {
	study     models.Study
	series    []models.Series // nil until loaded
	instances map[string][]models.Instance
}

// NewCatalog creates a catalog. With lazy set, series and instance
// metadata is fetched on first request instead of at registration.
func NewCatalog(loader Loader, lazy bool, logger zerolog.Logger) *Catalog {
	return &Catalog{
		loader:  loader,
		lazy:    lazy,
		log:     logger.With().Str("component", "catalog").Logger(),
		studies: make(map[string]*studyEntry),
	}
}

// Register adds studies from a search. Known studies keep their loaded
// metadata. Without lazy loading the whole hierarchy is fetched here.
func (c *Catalog) Register(ctx context.Context, studies ...models.Study) error {
	c.mu.Lock()
	added := make([]string, 0, len(studies))
	for _, s := range studies {
		if s.StudyInstanceUID == "" {
			continue
		}
		if e, ok := c.studies[s.StudyInstanceUID]; ok {
			e.study = s
			continue
		}
		c.studies[s.StudyInstanceUID] = &studyEntry{study: s, instances: make(map[string][]models.Instance)}
		c.order = append(c.order, s.StudyInstanceUID)
		added = append(added, s.StudyInstanceUID)
	}
	c.mu.Unlock()

	if c.lazy {
		return nil
	}
	for _, uid := range added {
		series, err := c.Series(ctx, uid)
		if err != nil {
			return err
		}
		for _, s := range series {
			if _, err := c.Instances(ctx, uid, s.SeriesInstanceUID); err != nil {
				return err
			}
		}
	}
	return nil
}

// Study returns a registered study
func (c *Catalog) Study(uid string) (models.Study, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.studies[uid]
	if !ok {
		return models.Study{}, false
	}
	return e.study, true
}

// Studies lists registered studies in registration order
func (c *Catalog) Studies() []models.Study {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.Study, 0, len(c.order))
	for _, uid := range c.order {
		out = append(out, c.studies[uid].study)
	}
	return out
}

// Expanded reports whether a study's series list has been loaded
func (c *Catalog) Expanded(uid string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.studies[uid]
	return ok && e.series != nil
}

// Series returns a study's series, loading them on first request
func (c *Catalog) Series(ctx context.Context, studyUID string) ([]models.Series, error) {
	c.mu.RLock()
	e, ok := c.studies[studyUID]
	var series []models.Series
	if ok {
		series = e.series
	}
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", studyUID, ErrUnknownStudy)
	}
	if series != nil {
		return series, nil
	}

	v, err := c.load(ctx, "series:"+studyUID, func(ctx context.Context) (any, error) {
		loaded, err := c.loader.LoadSeries(ctx, studyUID)
		if err != nil {
			return nil, err
		}
		if loaded == nil {
			loaded = []models.Series{}
		}
		c.mu.Lock()
		if e, ok := c.studies[studyUID]; ok {
			e.series = loaded
		}
		c.mu.Unlock()
		c.log.Debug().Str("study_uid", studyUID).Int("series", len(loaded)).Msg("Expanded study")
		return loaded, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load series of %s: %w", studyUID, err)
	}
	return v.([]models.Series), nil
}

// Instances returns a series' instances, loading them on first request
func (c *Catalog) Instances(ctx context.Context, studyUID, seriesUID string) ([]models.Instance, error) {
	c.mu.RLock()
	e, ok := c.studies[studyUID]
	var instances []models.Instance
	var loaded bool
	if ok {
		instances, loaded = e.instances[seriesUID]
	}
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", studyUID, ErrUnknownStudy)
	}
	if loaded {
		return instances, nil
	}

	v, err := c.load(ctx, "instances:"+studyUID+":"+seriesUID, func(ctx context.Context) (any, error) {
		fetched, err := c.loader.LoadInstances(ctx, studyUID, seriesUID)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if e, ok := c.studies[studyUID]; ok {
			e.instances[seriesUID] = fetched
		}
		c.mu.Unlock()
		return fetched, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load instances of %s: %w", seriesUID, err)
	}
	return v.([]models.Instance), nil
}

// load runs fn once for all concurrent callers of key. The shared load
// is detached from the caller that started it; a caller whose ctx ends
// stops waiting while the load carries on for the others.
func (c *Catalog) load(ctx context.Context, key string, fn func(ctx context.Context) (any, error)) (any, error) {
	loadCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		return fn(loadCtx)
	})
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Unload discards the series and instance metadata loaded below a study.
// The study stays registered and expands again on the next request.
func (c *Catalog) Unload(studyUID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.studies[studyUID]; ok {
		e.series = nil
		e.instances = make(map[string][]models.Instance)
	}
}
