package hangingprotocol

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/otcheredev/dicom-viewer-core/internal/config"
	"github.com/rs/zerolog"
)

var (
	// ErrUnknownProtocol is returned when selecting an unregistered protocol
	ErrUnknownProtocol = errors.New("unknown hanging protocol")

	// ErrUnknownStage is returned when a stage id is not part of the active protocol
	ErrUnknownStage = errors.New("unknown protocol stage")

	// ErrNoProtocol is returned for stage and slot operations before a protocol is selected
	ErrNoProtocol = errors.New("no hanging protocol selected")

	// ErrNoDisplaySets is returned for slot operations before display sets are assigned
	ErrNoDisplaySets = errors.New("no display sets assigned")
)

// MatchFailure reports a slot no display set could fill while empty
// slots are not allowed. The engine recovers with a single-viewport layout.
type MatchFailure struct {
	ProtocolID string
	StageID    string
	Slot       int
}

func (e *MatchFailure) Error() string {
	return fmt.Sprintf("protocol %s stage %s: no display set matches viewport %d", e.ProtocolID, e.StageID, e.Slot)
}

// State is the engine lifecycle state
type State int

const (
	StateNoProtocol State = iota
	StateProtocolSelected
	StateStageActive
	StateAssigned
)

func (s State) String() string {
	switch s {
	case StateNoProtocol:
		return "no-protocol"
	case StateProtocolSelected:
		return "protocol-selected"
	case StateStageActive:
		return "stage-active"
	case StateAssigned:
		return "assigned"
	}
	return "unknown"
}

// Slot is one grid cell. An empty DisplaySetUID marks an empty slot.
type Slot struct {
	Index         int    `json:"index"`
	Row           int    `json:"row"`
	Column        int    `json:"column"`
	DisplaySetUID string `json:"display_set_uid,omitempty"`
}

// Empty reports whether no display set occupies the slot
func (s Slot) Empty() bool { return s.DisplaySetUID == "" }

// Layout is the assignment of display sets to a stage's grid
type Layout struct {
	ProtocolID string `json:"protocol_id"`
	StageID    string `json:"stage_id"`
	Rows       int    `json:"rows"`
	Columns    int    `json:"columns"`
	Slots      []Slot `json:"slots"`
	Fallback   bool   `json:"fallback,omitempty"`
}

// Filled counts occupied slots
func (l Layout) Filled() int {
	n := 0
	for _, s := range l.Slots {
		if !s.Empty() {
			n++
		}
	}
	return n
}

// Options are the stage options applied to every protocol
type Options struct {
	ShowEmpty             bool
	AllowEmptyDisplaySets bool
}

// OptionsFromConfig maps hanging protocol stage options
func OptionsFromConfig(cfg config.StageOptions) Options {
	return Options{ShowEmpty: cfg.ShowEmpty, AllowEmptyDisplaySets: cfg.AllowEmptyDisplaySets}
}

// Engine matches display sets against the active protocol stage. Every
// input change recomputes the whole layout; the previous layout stays
// visible until the new one is complete.
type Engine struct {
	opts Options
	log  zerolog.Logger

	mu          sync.RWMutex
	protocols   map[string]Protocol
	state       State
	protocol    Protocol
	stage       int
	displaySets []DisplaySet
	haveSets    bool
	layout      Layout
	failure     error
}

// NewEngine creates an engine with the built-in protocols registered
func NewEngine(opts Options, logger zerolog.Logger) *Engine {
	e := &Engine{
		opts:      opts,
		log:       logger.With().Str("component", "hanging_protocol").Logger(),
		protocols: make(map[string]Protocol),
	}
	for _, p := range Builtins() {
		e.protocols[p.ID] = p
	}
	return e
}

// Register adds or replaces a protocol
func (e *Engine) Register(p Protocol) error {
	if err := p.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.protocols[p.ID] = p
	return nil
}

// Protocols lists registered protocol ids in sorted order
func (e *Engine) Protocols() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.protocols))
	for id := range e.protocols {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SelectProtocol activates a protocol at the given stage, or its first
// stage when stageID is empty
func (e *Engine) SelectProtocol(id, stageID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.protocols[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrUnknownProtocol)
	}
	stage := 0
	if stageID != "" {
		if stage = p.stageIndex(stageID); stage < 0 {
			return fmt.Errorf("%s/%s: %w", id, stageID, ErrUnknownStage)
		}
	}

	e.protocol = p
	e.state = StateProtocolSelected
	e.activateLocked(stage)
	return nil
}

// SetStage activates a stage of the selected protocol
func (e *Engine) SetStage(stageID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateNoProtocol {
		return ErrNoProtocol
	}
	idx := e.protocol.stageIndex(stageID)
	if idx < 0 {
		return fmt.Errorf("%s/%s: %w", e.protocol.ID, stageID, ErrUnknownStage)
	}
	e.activateLocked(idx)
	return nil
}

// NextStage advances to the following stage; the last stage stays put
func (e *Engine) NextStage() error {
	return e.stepStage(1)
}

// PreviousStage returns to the preceding stage; the first stage stays put
func (e *Engine) PreviousStage() error {
	return e.stepStage(-1)
}

func (e *Engine) stepStage(delta int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateNoProtocol {
		return ErrNoProtocol
	}
	idx := e.stage + delta
	if idx < 0 || idx >= len(e.protocol.Stages) {
		return nil
	}
	e.activateLocked(idx)
	return nil
}

// SetDisplaySets replaces the available display sets and re-runs matching
func (e *Engine) SetDisplaySets(sets []DisplaySet) {
	normalized := normalize(sets)

	e.mu.Lock()
	defer e.mu.Unlock()

	e.displaySets = normalized
	e.haveSets = true
	if e.state != StateNoProtocol {
		e.assignLocked()
	}
}

// DisplaySets returns the current display sets in acquisition order
func (e *Engine) DisplaySets() []DisplaySet {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]DisplaySet(nil), e.displaySets...)
}

// State returns the lifecycle state
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Failure returns the match failure of the last assignment, if any
func (e *Engine) Failure() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.failure
}

// Layout returns the current assignment as shown to the host. Without
// showEmpty, empty slots are omitted; grid dimensions are unchanged.
func (e *Engine) Layout() Layout {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := e.layout
	out.Slots = make([]Slot, 0, len(e.layout.Slots))
	for _, s := range e.layout.Slots {
		if s.Empty() && !e.opts.ShowEmpty {
			continue
		}
		out.Slots = append(out.Slots, s)
	}
	return out
}

// ShiftDisplaySet moves a slot to the display set delta positions away
// in acquisition order, wrapping at either end. An empty slot starts
// from the first display set.
func (e *Engine) ShiftDisplaySet(slot, delta int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case StateNoProtocol:
		return ErrNoProtocol
	case StateAssigned:
	default:
		return ErrNoDisplaySets
	}
	if slot < 0 || slot >= len(e.layout.Slots) {
		return fmt.Errorf("slot %d out of range", slot)
	}
	n := len(e.displaySets)
	if n == 0 {
		return nil
	}

	current := -1
	for i, ds := range e.displaySets {
		if ds.SeriesInstanceUID == e.layout.Slots[slot].DisplaySetUID {
			current = i
			break
		}
	}
	next := 0
	if current >= 0 {
		next = ((current+delta)%n + n) % n
	}

	slots := append([]Slot(nil), e.layout.Slots...)
	slots[slot].DisplaySetUID = e.displaySets[next].SeriesInstanceUID
	e.layout.Slots = slots
	return nil
}

func (e *Engine) activateLocked(stage int) {
	e.stage = stage
	e.state = StateStageActive
	s := e.protocol.Stages[stage]
	e.layout = emptyLayout(e.protocol.ID, s)
	e.failure = nil
	if e.haveSets {
		e.assignLocked()
	}
}

// assignLocked recomputes the layout for the active stage
func (e *Engine) assignLocked() {
	stage := e.protocol.Stages[e.stage]
	layout, err := Assign(e.protocol.ID, stage, e.displaySets, e.opts.AllowEmptyDisplaySets)

	var mf *MatchFailure
	if errors.As(err, &mf) {
		e.log.Warn().
			Str("protocol", e.protocol.ID).
			Str("stage", stage.ID).
			Int("slot", mf.Slot).
			Msg("Protocol match failure, falling back to single viewport")
		layout = fallbackLayout(e.protocol.ID, stage.ID, e.displaySets)
	}

	e.layout = layout
	e.failure = err
	e.state = StateAssigned
}

// Assign matches display sets to a stage's grid. sets must already be in
// acquisition order. Each display set fills at most one slot.
func Assign(protocolID string, stage Stage, sets []DisplaySet, allowEmpty bool) (Layout, error) {
	layout := emptyLayout(protocolID, stage)
	used := make(map[string]bool, len(sets))

	for i := range layout.Slots {
		spec := stage.viewport(i)

		type candidate struct {
			ds    DisplaySet
			score int
		}
		var candidates []candidate
		for _, ds := range sets {
			if used[ds.SeriesInstanceUID] {
				continue
			}
			if score, ok := spec.score(ds); ok {
				candidates = append(candidates, candidate{ds, score})
			}
		}
		sort.SliceStable(candidates, func(a, b int) bool {
			if candidates[a].score != candidates[b].score {
				return candidates[a].score > candidates[b].score
			}
			return spec.less(candidates[a].ds, candidates[b].ds)
		})

		if spec.DisplaySetIndex < len(candidates) {
			uid := candidates[spec.DisplaySetIndex].ds.SeriesInstanceUID
			layout.Slots[i].DisplaySetUID = uid
			used[uid] = true
			continue
		}
		if !allowEmpty {
			return layout, &MatchFailure{ProtocolID: protocolID, StageID: stage.ID, Slot: i}
		}
	}
	return layout, nil
}

func emptyLayout(protocolID string, stage Stage) Layout {
	layout := Layout{
		ProtocolID: protocolID,
		StageID:    stage.ID,
		Rows:       stage.Rows,
		Columns:    stage.Columns,
		Slots:      make([]Slot, stage.Rows*stage.Columns),
	}
	for i := range layout.Slots {
		layout.Slots[i] = Slot{Index: i, Row: i / stage.Columns, Column: i % stage.Columns}
	}
	return layout
}

func fallbackLayout(protocolID, stageID string, sets []DisplaySet) Layout {
	layout := Layout{
		ProtocolID: protocolID,
		StageID:    stageID,
		Rows:       1,
		Columns:    1,
		Slots:      []Slot{{Index: 0}},
		Fallback:   true,
	}
	if len(sets) > 0 {
		layout.Slots[0].DisplaySetUID = sets[0].SeriesInstanceUID
	}
	return layout
}
