package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/otcheredev/dicom-viewer-core/internal/cache"
	"github.com/otcheredev/dicom-viewer-core/internal/commands"
	"github.com/otcheredev/dicom-viewer-core/internal/config"
	"github.com/otcheredev/dicom-viewer-core/internal/dicomweb"
	"github.com/otcheredev/dicom-viewer-core/internal/hangingprotocol"
	"github.com/otcheredev/dicom-viewer-core/internal/models"
	"github.com/otcheredev/dicom-viewer-core/internal/scheduler"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// metadataConcurrency bounds parallel series metadata loads during activation
const metadataConcurrency = 8

var (
	// ErrUnboundKey is returned for keys without a hotkey binding
	ErrUnboundKey = errors.New("key not bound")

	// ErrNoActiveStudy is returned by viewport commands before a study is activated
	ErrNoActiveStudy = errors.New("no active study")
)

// Options carries collaborators the service does not build from config
type Options struct {
	// Backend overrides the configured cache backend
	Backend    cache.Backend
	HTTPClient *http.Client
	Registerer prometheus.Registerer
	// Audit enables the audit sink when set
	Audit AuditWriter
}

// ViewerService is one viewing session against the default data source
type ViewerService struct {
	cfg     *config.Config
	source  config.DataSource
	client  *dicomweb.Client
	sched   *scheduler.Scheduler
	workers *scheduler.WorkerPool
	store   *cache.Store
	catalog *cache.Catalog
	matcher cache.Matcher
	engine  *hangingprotocol.Engine
	keymap  *commands.Keymap
	audit   *AuditSink
	log     zerolog.Logger

	// ctx scopes background prefetches; Close cancels it
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	activateMu     sync.Mutex
	mu             sync.Mutex
	closed         bool
	activeStudy    string
	activeViewport int

	flightMu sync.Mutex
	flights  map[string]*flight
}

// flight is the scheduled fetch behind one coalesced cache key. Its class
// is the highest class of any caller waiting on it.
type flight struct {
	refs   int
	class  models.RequestClass
	handle *scheduler.Handle
}

// NewViewerService builds a session from a validated configuration
func NewViewerService(cfg *config.Config, opts Options, logger zerolog.Logger) (*ViewerService, error) {
	source, err := cfg.DefaultDataSource()
	if err != nil {
		return nil, err
	}

	hotkeys := cfg.Hotkeys
	if len(hotkeys) == 0 {
		hotkeys = commands.DefaultHotkeys()
	}
	keymap, err := commands.NewKeymap(hotkeys)
	if err != nil {
		return nil, fmt.Errorf("failed to load hotkeys: %w", err)
	}

	engine := hangingprotocol.NewEngine(hangingprotocol.OptionsFromConfig(cfg.HangingProtocol.StageOptions), logger)
	if err := engine.SelectProtocol(cfg.HangingProtocol.ProtocolID, cfg.HangingProtocol.Stage); err != nil {
		return nil, fmt.Errorf("failed to select hanging protocol: %w", err)
	}

	backend := opts.Backend
	if backend == nil {
		if backend, err = cache.NewBackend(cfg.Cache); err != nil {
			return nil, fmt.Errorf("failed to create cache backend: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &ViewerService{
		cfg:     cfg,
		source:  *source,
		client:  dicomweb.NewClient(*source, opts.HTTPClient, logger),
		matcher: cache.NewMatcher(*source),
		engine:  engine,
		keymap:  keymap,
		log:     logger.With().Str("component", "viewer").Str("data_source", source.Name).Logger(),
		ctx:     ctx,
		cancel:  cancel,
		flights: make(map[string]*flight),
	}
	s.sched = scheduler.New(s.client, cfg.MaxNumRequests, logger, opts.Registerer)
	s.workers = scheduler.NewWorkerPool(cfg.MaxNumberOfWebWorkers, logger, opts.Registerer)
	s.store = cache.NewStore(backend, logger, opts.Registerer)
	s.catalog = cache.NewCatalog(catalogLoader{s}, source.EnableStudyLazyLoad, logger)

	if opts.Audit != nil {
		s.audit = NewAuditSink(opts.Audit, source.Name, cfg.Audit.BufferSize, logger, opts.Registerer)
		s.sched.OnComplete(s.audit.Record)
	}

	return s, nil
}

// Start activates the configured start-up study, if any
func (s *ViewerService) Start(ctx context.Context) error {
	uid := s.cfg.HangingProtocol.ActiveStudyUID
	if uid == "" {
		return nil
	}
	if _, err := s.ActivateStudy(ctx, uid); err != nil {
		return fmt.Errorf("failed to activate start-up study %s: %w", uid, err)
	}
	return nil
}

func studyGroup(uid string) string {
	return "study:" + uid
}

// isSearch reports kinds whose answers change over time and are never cached
func isSearch(kind models.ResourceKind) bool {
	switch kind {
	case models.KindStudySearch, models.KindSeriesSearch, models.KindInstanceSearch:
		return true
	}
	return false
}

// retrieve runs a resource through cache, scheduler and transport.
// Concurrent retrievals of one resource share a single scheduled fetch;
// a caller of a higher class promotes the shared fetch while it is queued.
func (s *ViewerService) retrieve(ctx context.Context, class models.RequestClass, res models.Resource) (cache.Entry, error) {
	if isSearch(res.Kind) {
		return s.await(ctx, s.sched.Submit(s.request(class, res)))
	}

	key := cache.KeyFor(s.source.Name, res)
	s.joinFlight(key.String(), class)
	defer s.leaveFlight(key.String())

	return s.store.GetOrFetch(ctx, key, func(fctx context.Context) (cache.Entry, error) {
		f := s.joinFlight(key.String(), class)
		defer s.leaveFlight(key.String())

		// The handle is recorded before any later caller can look for it.
		s.flightMu.Lock()
		h := s.sched.Submit(s.request(f.class, res))
		f.handle = h
		s.flightMu.Unlock()

		return s.await(fctx, h)
	})
}

func (s *ViewerService) request(class models.RequestClass, res models.Resource) scheduler.Request {
	req := scheduler.Request{Class: class, Resource: res}
	if res.StudyUID != "" {
		req.Groups = []string{studyGroup(res.StudyUID)}
	}
	return req
}

// await waits for a scheduled request and cancels it if ctx ends first
func (s *ViewerService) await(ctx context.Context, h *scheduler.Handle) (cache.Entry, error) {
	result, err := h.Wait(ctx)
	if err != nil {
		if ctx.Err() != nil {
			h.Cancel()
		}
		return cache.Entry{}, err
	}
	return toEntry(result), nil
}

// joinFlight registers a caller of key and promotes a queued fetch when
// the caller outranks it
func (s *ViewerService) joinFlight(key string, class models.RequestClass) *flight {
	s.flightMu.Lock()
	defer s.flightMu.Unlock()

	f, ok := s.flights[key]
	if !ok {
		f = &flight{class: class}
		s.flights[key] = f
	}
	f.refs++
	if class.Outranks(f.class) {
		f.class = class
		if f.handle != nil {
			s.sched.Promote(f.handle, class)
		}
	}
	return f
}

func (s *ViewerService) leaveFlight(key string) {
	s.flightMu.Lock()
	defer s.flightMu.Unlock()
	if f, ok := s.flights[key]; ok {
		if f.refs--; f.refs == 0 {
			delete(s.flights, key)
		}
	}
}

func toEntry(result *dicomweb.Result) cache.Entry {
	entry := cache.Entry{ContentType: result.ContentType, Parts: make([][]byte, len(result.Parts))}
	for i, p := range result.Parts {
		entry.Parts[i] = p.Body
	}
	if len(result.Parts) > 0 && result.Parts[0].ContentType() != "" {
		entry.ContentType = result.Parts[0].ContentType()
	}
	return entry
}

func decodeJSON(entry cache.Entry) ([]dicomweb.Dataset, error) {
	if len(entry.Parts) == 0 || len(bytes.TrimSpace(entry.Parts[0])) == 0 {
		return nil, nil
	}
	return dicomweb.DecodeDatasets(entry.Parts[0])
}

// SearchStudies runs a study search, filters the results with the data
// source's matching rules and registers them with the catalog
func (s *ViewerService) SearchStudies(ctx context.Context, q models.QueryParams) ([]models.Study, error) {
	entry, err := s.retrieve(ctx, models.ClassInteraction, models.Resource{Kind: models.KindStudySearch, Query: q})
	if err != nil {
		return nil, fmt.Errorf("failed to search studies: %w", err)
	}

	studies, err := scheduler.Decode(ctx, s.workers, func() ([]models.Study, error) {
		datasets, err := decodeJSON(entry)
		if err != nil {
			return nil, err
		}
		out := make([]models.Study, 0, len(datasets))
		for _, d := range datasets {
			out = append(out, dicomweb.ToStudy(d))
		}
		return out, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decode studies: %w", err)
	}

	studies = s.matcher.FilterStudies(q, studies)
	if err := s.catalog.Register(ctx, studies...); err != nil {
		return nil, fmt.Errorf("failed to register studies: %w", err)
	}
	return studies, nil
}

// Series returns the series of a registered study
func (s *ViewerService) Series(ctx context.Context, studyUID string) ([]models.Series, error) {
	return s.catalog.Series(ctx, studyUID)
}

// Instances returns the instance metadata of a series
func (s *ViewerService) Instances(ctx context.Context, studyUID, seriesUID string) ([]models.Instance, error) {
	return s.catalog.Instances(ctx, studyUID, seriesUID)
}

// ActivateStudy makes a study the active one. Outstanding requests of the
// previously active study are cancelled, display sets are built from the
// study's metadata and the hanging protocol is applied.
func (s *ViewerService) ActivateStudy(ctx context.Context, studyUID string) (hangingprotocol.Layout, error) {
	s.activateMu.Lock()
	defer s.activateMu.Unlock()

	s.mu.Lock()
	prev := s.activeStudy
	s.mu.Unlock()
	if prev != "" && prev != studyUID {
		n := s.sched.CancelGroup(studyGroup(prev))
		s.catalog.Unload(prev)
		s.log.Info().
			Str("study_uid", prev).
			Int("cancelled", n).
			Msg("Cancelled requests of previous study")
	}

	if _, ok := s.catalog.Study(studyUID); !ok {
		if err := s.catalog.Register(ctx, models.Study{StudyInstanceUID: studyUID}); err != nil {
			return hangingprotocol.Layout{}, fmt.Errorf("failed to register study: %w", err)
		}
	}

	series, err := s.catalog.Series(ctx, studyUID)
	if err != nil {
		return hangingprotocol.Layout{}, err
	}

	sets := make([]hangingprotocol.DisplaySet, len(series))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(metadataConcurrency)
	for i, se := range series {
		i, se := i, se
		g.Go(func() error {
			instances, err := s.catalog.Instances(gctx, studyUID, se.SeriesInstanceUID)
			if err != nil {
				return err
			}
			sets[i] = hangingprotocol.NewDisplaySet(se, instances)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return hangingprotocol.Layout{}, fmt.Errorf("failed to load display sets: %w", err)
	}

	s.engine.SetDisplaySets(sets)

	s.mu.Lock()
	s.activeStudy = studyUID
	s.activeViewport = 0
	s.mu.Unlock()

	layout := s.engine.Layout()
	s.log.Info().
		Str("study_uid", studyUID).
		Int("display_sets", len(sets)).
		Str("protocol", layout.ProtocolID).
		Str("stage", layout.StageID).
		Bool("fallback", layout.Fallback).
		Msg("Study activated")

	s.prefetch(studyUID, sets, layout)
	return layout, nil
}

type prefetchJob struct {
	class models.RequestClass
	res   models.Resource
}

// prefetch warms thumbnails of every display set and the first frame of
// each instance shown in the layout. Failures are speculative and only logged.
func (s *ViewerService) prefetch(studyUID string, sets []hangingprotocol.DisplaySet, layout hangingprotocol.Layout) {
	shown := make(map[string]bool, len(layout.Slots))
	for _, slot := range layout.Slots {
		shown[slot.DisplaySetUID] = true
	}

	var jobs []prefetchJob
	for _, ds := range sets {
		if len(ds.Instances) == 0 {
			continue
		}
		jobs = append(jobs, prefetchJob{models.ClassThumbnail, models.Resource{
			Kind:        models.KindThumbnail,
			StudyUID:    studyUID,
			SeriesUID:   ds.SeriesInstanceUID,
			InstanceUID: ds.Instances[0].SOPInstanceUID,
		}})
		if !shown[ds.SeriesInstanceUID] {
			continue
		}
		for _, inst := range ds.Instances {
			jobs = append(jobs, prefetchJob{models.ClassPrefetch, models.Resource{
				Kind:        models.KindFrames,
				StudyUID:    studyUID,
				SeriesUID:   ds.SeriesInstanceUID,
				InstanceUID: inst.SOPInstanceUID,
				Frames:      []int{1},
			}})
		}
	}

	// Add must not race with the Wait in Close.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for _, job := range jobs {
		job := job
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if _, err := s.retrieve(s.ctx, job.class, job.res); err != nil {
				s.log.Debug().
					Err(err).
					Str("class", string(job.class)).
					Str("resource", job.res.String()).
					Msg("Prefetch failed")
			}
		}()
	}
}

// Frame returns one frame of pixel data
func (s *ViewerService) Frame(ctx context.Context, class models.RequestClass, studyUID, seriesUID, instanceUID string, frame int) (cache.Entry, error) {
	if frame < 1 {
		return cache.Entry{}, fmt.Errorf("frame numbers start at 1, got %d", frame)
	}
	return s.retrieve(ctx, class, models.Resource{
		Kind:        models.KindFrames,
		StudyUID:    studyUID,
		SeriesUID:   seriesUID,
		InstanceUID: instanceUID,
		Frames:      []int{frame},
	})
}

// Thumbnail returns the rendered thumbnail of a series' first instance
func (s *ViewerService) Thumbnail(ctx context.Context, studyUID, seriesUID string) (cache.Entry, error) {
	instances, err := s.catalog.Instances(ctx, studyUID, seriesUID)
	if err != nil {
		return cache.Entry{}, err
	}
	if len(instances) == 0 {
		return cache.Entry{}, fmt.Errorf("series %s has no instances", seriesUID)
	}
	return s.retrieve(ctx, models.ClassThumbnail, models.Resource{
		Kind:        models.KindThumbnail,
		StudyUID:    studyUID,
		SeriesUID:   seriesUID,
		InstanceUID: instances[0].SOPInstanceUID,
	})
}

// BulkData retrieves a resolved bulk data reference
func (s *ViewerService) BulkData(ctx context.Context, class models.RequestClass, ref models.BulkDataRef, studyUID string) (cache.Entry, error) {
	return s.retrieve(ctx, class, models.Resource{
		Kind:        models.KindBulkData,
		StudyUID:    studyUID,
		BulkDataURI: ref.URI,
	})
}

// Instance retrieves a Part 10 object and decodes its header on the
// worker pool
func (s *ViewerService) Instance(ctx context.Context, class models.RequestClass, studyUID, seriesUID, instanceUID string) (models.Instance, error) {
	entry, err := s.retrieve(ctx, class, models.Resource{
		Kind:        models.KindInstance,
		StudyUID:    studyUID,
		SeriesUID:   seriesUID,
		InstanceUID: instanceUID,
	})
	if err != nil {
		return models.Instance{}, err
	}
	if len(entry.Parts) == 0 {
		return models.Instance{}, &dicomweb.ParseError{Op: "part10", Err: errors.New("empty response")}
	}
	return scheduler.Decode(ctx, s.workers, func() (models.Instance, error) {
		return dicomweb.DecodePart10(entry.Parts[0])
	})
}

// Layout returns the current viewport assignment
func (s *ViewerService) Layout() hangingprotocol.Layout {
	return s.engine.Layout()
}

// SelectProtocol switches the hanging protocol and re-applies it
func (s *ViewerService) SelectProtocol(protocolID, stageID string) (hangingprotocol.Layout, error) {
	if err := s.engine.SelectProtocol(protocolID, stageID); err != nil {
		return hangingprotocol.Layout{}, err
	}
	s.mu.Lock()
	s.activeViewport = 0
	s.mu.Unlock()
	return s.engine.Layout(), nil
}

// RegisterProtocol adds a protocol to the engine
func (s *ViewerService) RegisterProtocol(p hangingprotocol.Protocol) error {
	return s.engine.Register(p)
}

// Protocols lists registered protocol ids
func (s *ViewerService) Protocols() []string {
	return s.engine.Protocols()
}

// ActiveStudy returns the active study UID, if any
func (s *ViewerService) ActiveStudy() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeStudy
}

// ActiveViewport returns the position of the active viewport in Layout().Slots
func (s *ViewerService) ActiveViewport() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeViewport
}

// HandleKey dispatches the command bound to key
func (s *ViewerService) HandleKey(key string) (commands.Command, error) {
	cmd, ok := s.keymap.Lookup(key)
	if !ok {
		return nil, fmt.Errorf("%q: %w", key, ErrUnboundKey)
	}
	return cmd, commands.Dispatch(s, cmd)
}

// Hotkeys returns the parsed key bindings
func (s *ViewerService) Hotkeys() []commands.Binding {
	return s.keymap.Bindings()
}

// HandleViewport moves the active viewport, wrapping at either end
func (s *ViewerService) HandleViewport(c commands.NavigateViewport) error {
	n := len(s.engine.Layout().Slots)
	if n == 0 || s.ActiveStudy() == "" {
		return ErrNoActiveStudy
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeViewport = ((s.activeViewport+c.Delta)%n + n) % n
	return nil
}

// HandleDisplaySet moves the active viewport to a neighbouring display set
func (s *ViewerService) HandleDisplaySet(c commands.NavigateDisplaySet) error {
	layout := s.engine.Layout()
	s.mu.Lock()
	active, study := s.activeViewport, s.activeStudy
	s.mu.Unlock()
	if study == "" || active >= len(layout.Slots) {
		return ErrNoActiveStudy
	}
	return s.engine.ShiftDisplaySet(layout.Slots[active].Index, c.Delta)
}

// HandleImage is left to the host's renderer
func (s *ViewerService) HandleImage(c commands.NavigateImage) error {
	return fmt.Errorf("%s: %w", c.Name(), commands.ErrUnhandledCommand)
}

// HandleRendering is left to the host's renderer
func (s *ViewerService) HandleRendering(c commands.Command) error {
	return fmt.Errorf("%s: %w", c.Name(), commands.ErrUnhandledCommand)
}

// HandleTool is left to the host's tool manager
func (s *ViewerService) HandleTool(c commands.SetToolActive) error {
	return fmt.Errorf("%s %s: %w", c.Name(), c.Tool, commands.ErrUnhandledCommand)
}

// Stats is a snapshot of the session's retrieval state
type Stats struct {
	DataSource  string                `json:"data_source"`
	ActiveStudy string                `json:"active_study,omitempty"`
	Studies     int                   `json:"studies"`
	Pools       []scheduler.PoolStats `json:"pools"`
	Workers     scheduler.WorkerStats `json:"workers"`
}

// Stats returns scheduler and worker statistics
func (s *ViewerService) Stats() Stats {
	return Stats{
		DataSource:  s.source.Name,
		ActiveStudy: s.ActiveStudy(),
		Studies:     len(s.catalog.Studies()),
		Pools:       s.sched.Stats(),
		Workers:     s.workers.Stats(),
	}
}

// DataSource returns the data source the session reads from
func (s *ViewerService) DataSource() config.DataSource {
	return s.source
}

// TestConnection checks that the archive answers a study search
func (s *ViewerService) TestConnection(ctx context.Context) (*models.ConnectionStatus, error) {
	return s.client.TestConnection(ctx)
}

// Close cancels outstanding work and releases every resource
func (s *ViewerService) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.sched.Close()
	s.wg.Wait()
	s.workers.Close()
	if s.audit != nil {
		s.audit.Close()
	}
	s.client.Close()
	return s.store.Close()
}

// catalogLoader expands studies through the session's retrieval path
type catalogLoader struct {
	s *ViewerService
}

func (l catalogLoader) LoadSeries(ctx context.Context, studyUID string) ([]models.Series, error) {
	entry, err := l.s.retrieve(ctx, models.ClassInteraction, models.Resource{
		Kind:     models.KindSeriesSearch,
		StudyUID: studyUID,
	})
	if err != nil {
		return nil, err
	}
	return scheduler.Decode(ctx, l.s.workers, func() ([]models.Series, error) {
		datasets, err := decodeJSON(entry)
		if err != nil {
			return nil, err
		}
		out := make([]models.Series, 0, len(datasets))
		for _, d := range datasets {
			se := dicomweb.ToSeries(d)
			if se.StudyInstanceUID == "" {
				se.StudyInstanceUID = studyUID
			}
			out = append(out, se)
		}
		return out, nil
	})
}

func (l catalogLoader) LoadInstances(ctx context.Context, studyUID, seriesUID string) ([]models.Instance, error) {
	entry, err := l.s.retrieve(ctx, models.ClassInteraction, models.Resource{
		Kind:      models.KindSeriesMetadata,
		StudyUID:  studyUID,
		SeriesUID: seriesUID,
	})
	if err != nil {
		return nil, err
	}
	return scheduler.Decode(ctx, l.s.workers, func() ([]models.Instance, error) {
		datasets, err := decodeJSON(entry)
		if err != nil {
			return nil, err
		}
		out := make([]models.Instance, 0, len(datasets))
		for _, d := range datasets {
			inst := dicomweb.ToInstance(d, l.s.client)
			if inst.StudyInstanceUID == "" {
				inst.StudyInstanceUID = studyUID
			}
			if inst.SeriesInstanceUID == "" {
				inst.SeriesInstanceUID = seriesUID
			}
			out = append(out, inst)
		}
		return out, nil
	})
}
