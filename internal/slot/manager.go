// Package slot implements the per-viewport playback state machine: clip
// assignment, progressive "start before fully loaded" playback, buffering
// transitions, and invalidation of every slot on cache-affecting
// configuration changes.
package slot

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/violetmx/cineloop/internal/domain"
	"github.com/violetmx/cineloop/internal/loader"
	"github.com/violetmx/cineloop/internal/platform/metrics"
	"github.com/violetmx/cineloop/internal/prefetch"
)

// Preloader runs a clip-wide prefetch job. Satisfied by
// *prefetch.Prefetcher.
type Preloader interface {
	Run(ctx context.Context, job prefetch.Job) error
}

// Config holds the playback tunables for every slot.
type Config struct {
	// InitialBuffer is how many leading frames must be loaded before
	// playback starts (capped at the clip length).
	InitialBuffer int

	// PollInterval and PollTimeout bound the wait for the initial buffer.
	PollInterval time.Duration
	PollTimeout  time.Duration

	// Resolution is the tier frames are fetched and decoded at.
	Resolution domain.Resolution
}

// Snapshot is the externally observable state of one slot.
type Snapshot struct {
	Slot         domain.SlotID
	Clip         *domain.Clip
	LoadedFrames int
	Progress     int
	IsPreloading bool
	IsPreloaded  bool
	IsPlaying    bool
	IsBuffering  bool
	CurrentIndex int
	StackVersion uint64
	Err          error
}

type state struct {
	id         domain.SlotID
	clip       *domain.Clip
	loaded     map[int]struct{}
	progress   int
	preloading bool
	preloaded  bool
	playing    bool
	buffering  bool
	current    int
	version    uint64
	err        error
	cancel     context.CancelFunc
}

// cancelPreloadLocked aborts the slot's in-flight prefetch job, if any.
func (s *state) cancelPreloadLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// Manager owns every slot's state and serializes access to it.
type Manager struct {
	frames  *loader.Loader
	pre     Preloader
	log     *slog.Logger
	metrics *metrics.Metrics

	mu         sync.Mutex
	slots      map[domain.SlotID]*state
	cfg        Config
	layoutRows int
	layoutCols int
	dataSource string
	ctx        context.Context
}

// NewManager creates a slot manager. Background prefetch runs under the
// context given to Start; until then, context.Background() is used.
func NewManager(frames *loader.Loader, pre Preloader, cfg Config, log *slog.Logger, m *metrics.Metrics) *Manager {
	return &Manager{
		frames:     frames,
		pre:        pre,
		log:        log,
		metrics:    m,
		slots:      make(map[domain.SlotID]*state),
		cfg:        cfg,
		layoutRows: 1,
		layoutCols: 1,
		ctx:        context.Background(),
	}
}

// Start binds the manager's background work to ctx.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	m.ctx = ctx
	m.mu.Unlock()
}

// AssignClip binds a clip to a slot. Reassigning a slot invalidates its
// previous renderer subscription (stack version increments) and drops the
// old clip's cached frames.
func (m *Manager) AssignClip(id domain.SlotID, clip domain.Clip) error {
	if clip.TotalFrames <= 0 {
		return fmt.Errorf("assign slot %d: clip %s has no frames", id, clip.ID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	version := uint64(0)
	if prev, ok := m.slots[id]; ok {
		version = prev.version + 1
		prev.cancelPreloadLocked()
		if prev.clip != nil && prev.clip.ID != clip.ID {
			m.frames.DropClip(prev.clip.ID)
		}
	}
	c := clip
	m.slots[id] = &state{
		id:      id,
		clip:    &c,
		loaded:  make(map[int]struct{}),
		version: version,
	}
	m.log.Debug("clip assigned", "slot", id, "clip", clip.ID, "frames", clip.TotalFrames)
	return nil
}

// ClearSlot unassigns a slot and drops its clip's cached frames.
func (m *Manager) ClearSlot(id domain.SlotID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.slots[id]
	if !ok {
		return domain.ErrSlotEmpty
	}
	s.cancelPreloadLocked()
	if s.clip != nil {
		m.frames.DropClip(s.clip.ID)
	}
	delete(m.slots, id)
	return nil
}

// Preload starts the clip-wide prefetch for a slot in the background if it
// is not already preloading or preloaded.
func (m *Manager) Preload(id domain.SlotID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.slots[id]
	if !ok || s.clip == nil {
		return domain.ErrSlotEmpty
	}
	m.startPreloadLocked(s)
	return nil
}

func (m *Manager) startPreloadLocked(s *state) {
	if s.preloading || s.preloaded {
		return
	}
	s.preloading = true
	s.err = nil

	id := s.id
	version := s.version
	clip := *s.clip
	job := prefetch.Job{
		ID:          uuid.New().String(),
		Clip:        clip.ID,
		TotalFrames: clip.TotalFrames,
		Resolution:  m.cfg.Resolution,
		OnProgress: func(done, total int) {
			m.setProgress(id, version, done, total)
		},
		OnFrameReady: func(index int) {
			m.markLoaded(id, version, index)
		},
	}
	ctx, cancel := context.WithCancel(m.ctx)
	s.cancel = cancel

	m.log.Info("preload starting", "slot", id, "clip", clip.ID, "job", job.ID, "frames", clip.TotalFrames)
	go func() {
		defer cancel()
		err := m.pre.Run(ctx, job)
		m.finishPreload(id, version, err)
	}()
}

// markLoaded records a frame as usable. Results from a prefetch started
// before an invalidation carry a stale version and are discarded.
func (m *Manager) markLoaded(id domain.SlotID, version uint64, index int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.slots[id]
	if !ok || s.version != version {
		return
	}
	s.loaded[index] = struct{}{}
}

func (m *Manager) setProgress(id domain.SlotID, version uint64, done, total int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.slots[id]
	if !ok || s.version != version || total <= 0 {
		return
	}
	pct := done * 100 / total
	if pct > 100 {
		pct = 100
	}
	if pct > s.progress {
		s.progress = pct
	}
}

func (m *Manager) finishPreload(id domain.SlotID, version uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.slots[id]
	if !ok || s.version != version {
		return
	}
	s.preloading = false
	s.cancel = nil
	if err != nil {
		s.err = err
		m.log.Warn("preload aborted", "slot", id, "error", err)
		return
	}
	s.preloaded = true
	m.log.Info("preload complete", "slot", id, "loaded", len(s.loaded), "total", s.clip.TotalFrames)
}

// Play transitions a slot to playing, starting prefetch in the background
// if needed and waiting (bounded) for the initial buffer. It returns true
// only when the slot transitioned to playing; a slot that is already
// playing is left untouched and reported as not started, so callers never
// reset a live viewport.
//
// The wait resolves when the leading window is loaded, the clip finishes
// preloading, or the timeout elapses. A timeout is non-fatal: playback
// starts degraded if frame 0 is present, otherwise Play is a no-op with a
// warning and returns false.
func (m *Manager) Play(ctx context.Context, id domain.SlotID) (bool, error) {
	m.mu.Lock()
	s, ok := m.slots[id]
	if !ok || s.clip == nil {
		m.mu.Unlock()
		return false, domain.ErrSlotEmpty
	}
	if !s.clip.Playable() {
		m.mu.Unlock()
		return false, fmt.Errorf("slot %d: %w", id, domain.ErrNotPlayable)
	}
	if s.playing {
		m.mu.Unlock()
		return false, nil
	}
	m.startPreloadLocked(s)

	version := s.version
	need := min(m.cfg.InitialBuffer, s.clip.TotalFrames)
	ready := m.bufferReadyLocked(s, need)
	m.mu.Unlock()

	if !ready {
		if err := m.waitForBuffer(ctx, id, version, need); err != nil {
			return false, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok = m.slots[id]
	if !ok || s.version != version {
		m.log.Warn("slot invalidated while waiting for buffer", "slot", id)
		return false, nil
	}
	if _, ok := s.loaded[0]; !ok {
		m.log.Warn("frame 0 unavailable, playback not started", "slot", id, "clip", s.clip.ID)
		return false, nil
	}
	s.playing = true
	s.buffering = false
	m.metrics.SetPlayingSlots(m.playingCountLocked())
	m.log.Info("playback started", "slot", id, "clip", s.clip.ID, "loaded", len(s.loaded))
	return true, nil
}

// waitForBuffer polls until the initial buffer is ready or the timeout
// elapses. Timeout always resolves rather than blocking indefinitely.
func (m *Manager) waitForBuffer(ctx context.Context, id domain.SlotID, version uint64, need int) error {
	deadline := time.NewTimer(m.cfg.PollTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(m.cfg.PollInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			m.log.Warn("initial buffer wait timed out", "slot", id, "need", need)
			return nil
		case <-tick.C:
			m.mu.Lock()
			s, ok := m.slots[id]
			ready := ok && s.version == version && m.bufferReadyLocked(s, need)
			stale := !ok || s.version != version
			m.mu.Unlock()
			if ready || stale {
				return nil
			}
		}
	}
}

// bufferReadyLocked reports whether the leading window [0, need) is fully
// loaded or the clip has finished preloading.
func (m *Manager) bufferReadyLocked(s *state, need int) bool {
	if s.preloaded {
		return true
	}
	count := 0
	for i := 0; i < need; i++ {
		if _, ok := s.loaded[i]; ok {
			count++
		}
	}
	return count >= need
}

// Pause stops frame advancement. No other state changes.
func (m *Manager) Pause(id domain.SlotID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.slots[id]
	if !ok {
		return domain.ErrSlotEmpty
	}
	s.playing = false
	m.metrics.SetPlayingSlots(m.playingCountLocked())
	return nil
}

// Stop pauses the slot and resets its current frame to 0.
func (m *Manager) Stop(id domain.SlotID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.slots[id]
	if !ok {
		return domain.ErrSlotEmpty
	}
	s.playing = false
	s.current = 0
	m.metrics.SetPlayingSlots(m.playingCountLocked())
	return nil
}

// SetCurrentIndex flushes a slot's displayed frame index back into its
// state. Called by the scheduler on unregistration.
func (m *Manager) SetCurrentIndex(id domain.SlotID, index int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.slots[id]
	if !ok || s.clip == nil {
		return
	}
	if index < 0 || index >= s.clip.TotalFrames {
		index = 0
	}
	s.current = index
}

// FrameReady reports whether a slot's frame is in the loaded set.
func (m *Manager) FrameReady(id domain.SlotID, index int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.slots[id]
	if !ok {
		return false
	}
	_, ok = s.loaded[index]
	return ok
}

// Preloaded reports whether a slot's clip has finished preloading.
func (m *Manager) Preloaded(id domain.SlotID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.slots[id]
	return ok && s.preloaded
}

// SetBuffering flips a slot's buffering sub-state. Only transitions are
// recorded, so calling it every tick with an unchanged value is free.
func (m *Manager) SetBuffering(id domain.SlotID, buffering bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.slots[id]
	if !ok || s.buffering == buffering {
		return
	}
	s.buffering = buffering
	if buffering {
		m.metrics.IncBufferingEvent()
		m.log.Debug("slot buffering", "slot", id, "loaded", len(s.loaded), "total", s.clip.TotalFrames)
	}
}

// Buffering reports a slot's buffering sub-state.
func (m *Manager) Buffering(id domain.SlotID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.slots[id]
	return ok && s.buffering
}

// Resolution returns the current fetch/decode tier.
func (m *Manager) Resolution() domain.Resolution {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.Resolution
}

// SetResolution changes the fetch/decode tier. A real change invalidates
// every slot.
func (m *Manager) SetResolution(res domain.Resolution) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cfg.Resolution == res {
		return
	}
	m.cfg.Resolution = res
	m.invalidateLocked("resolution")
}

// SetLayout changes the viewport grid. A real change invalidates every slot.
func (m *Manager) SetLayout(rows, cols int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.layoutRows == rows && m.layoutCols == cols {
		return
	}
	m.layoutRows, m.layoutCols = rows, cols
	m.invalidateLocked("layout")
}

// SetDataSource changes the upstream data source identity. A real change
// invalidates every slot.
func (m *Manager) SetDataSource(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.dataSource == id {
		return
	}
	m.dataSource = id
	m.invalidateLocked("data source")
}

// invalidateLocked pauses every slot, clears the shared cache, and resets
// per-slot state. Each affected slot's stack version increments exactly
// once; in-flight prefetch jobs are cancelled, and any of their results
// that still land carry a stale version and are discarded.
func (m *Manager) invalidateLocked(reason string) {
	m.frames.Clear()
	for _, s := range m.slots {
		s.cancelPreloadLocked()
		s.playing = false
		s.buffering = false
		s.preloading = false
		s.preloaded = false
		s.loaded = make(map[int]struct{})
		s.progress = 0
		s.current = 0
		s.err = nil
		s.version++
	}
	m.metrics.SetPlayingSlots(0)
	m.log.Info("slots invalidated", "reason", reason, "slots", len(m.slots))
}

// Snapshot returns the externally observable state of one slot.
func (m *Manager) Snapshot(id domain.SlotID) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.slots[id]
	if !ok {
		return Snapshot{}, domain.ErrSlotEmpty
	}
	return m.snapshotLocked(s), nil
}

// Snapshots returns the state of every assigned slot, ordered by slot id.
func (m *Manager) Snapshots() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Snapshot, 0, len(m.slots))
	for _, id := range m.sortedIDsLocked() {
		out = append(out, m.snapshotLocked(m.slots[id]))
	}
	return out
}

func (m *Manager) snapshotLocked(s *state) Snapshot {
	var clip *domain.Clip
	if s.clip != nil {
		c := *s.clip
		clip = &c
	}
	return Snapshot{
		Slot:         s.id,
		Clip:         clip,
		LoadedFrames: len(s.loaded),
		Progress:     s.progress,
		IsPreloading: s.preloading,
		IsPreloaded:  s.preloaded,
		IsPlaying:    s.playing,
		IsBuffering:  s.buffering,
		CurrentIndex: s.current,
		StackVersion: s.version,
		Err:          s.err,
	}
}

// PlayableSlots returns the ids of slots holding a clip with more than one
// frame, ordered by slot id.
func (m *Manager) PlayableSlots() []domain.SlotID {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.SlotID
	for _, id := range m.sortedIDsLocked() {
		if s := m.slots[id]; s.clip != nil && s.clip.Playable() {
			out = append(out, id)
		}
	}
	return out
}

// AssignedSlots returns every slot id with a clip, ordered by slot id.
func (m *Manager) AssignedSlots() []domain.SlotID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedIDsLocked()
}

func (m *Manager) sortedIDsLocked() []domain.SlotID {
	ids := make([]domain.SlotID, 0, len(m.slots))
	for id := range m.slots {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (m *Manager) playingCountLocked() int {
	n := 0
	for _, s := range m.slots {
		if s.playing {
			n++
		}
	}
	return n
}
