// Package cine implements the shared animation scheduler: one cooperative
// loop advances every active slot's displayed frame, so scheduling cost is
// O(1) in timer count regardless of slot count.
//
// Per tick the scheduler touches only renderer handles. Externally
// observable slot state is synchronized exclusively on unregistration,
// through the OnUnregister hook.
package cine

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/violetmx/cineloop/internal/domain"
	"github.com/violetmx/cineloop/internal/platform/metrics"
)

// Hooks customizes per-viewer behavior without inheritance.
type Hooks struct {
	// Advance decides whether a slot's frame moves this tick and to which
	// index. The default wraps modulo totalFrames.
	Advance func(slot domain.SlotID, current, total int) (advance bool, next int)

	// Buffering reports whether a slot cannot display its next frame yet.
	// In sync mode, one buffering slot withholds the whole tick.
	Buffering func(slot domain.SlotID, next int) bool

	// OnUnregister flushes a slot's final frame index when it leaves the
	// loop, so observers see a correct index immediately on pause.
	OnUnregister func(slot domain.SlotID, frameIndex int)
}

func defaultAdvance(_ domain.SlotID, current, total int) (bool, int) {
	if total <= 0 {
		return false, current
	}
	return true, (current + 1) % total
}

// Config holds the scheduler's construction parameters.
type Config struct {
	// FPS is the visual frame rate playback is gated to.
	FPS int

	// TickInterval is the underlying callback rate the loop runs at,
	// standing in for the host's paint-synchronized callback. It is
	// decoupled from FPS by the gating logic.
	TickInterval time.Duration

	Clock   Clock
	Hooks   Hooks
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type viewport struct {
	handle  domain.RendererHandle
	total   int
	current int
	drops   uint64
}

// ViewportStats is a snapshot of one scheduled viewport.
type ViewportStats struct {
	Slot         domain.SlotID
	CurrentIndex int
	TotalFrames  int
	Drops        uint64
}

// Scheduler is the shared cine animation loop.
type Scheduler struct {
	cfg   Config
	hooks Hooks
	clock Clock
	log   *slog.Logger
	met   *metrics.Metrics

	mu            sync.Mutex
	frameInterval time.Duration
	viewports     map[domain.SlotID]*viewport
	active        map[domain.SlotID]struct{}
	syncMode      bool
	barrierArmed  bool
	barrier       map[domain.SlotID]struct{}
	lastTime      time.Time
	running       bool
	closed        bool
	stop          chan struct{}
}

// New creates a scheduler. The loop is not started here; it starts lazily
// on the first active registration and self-terminates when idle.
func New(cfg Config) *Scheduler {
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 16 * time.Millisecond
	}
	if cfg.Clock == nil {
		cfg.Clock = RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	hooks := cfg.Hooks
	if hooks.Advance == nil {
		hooks.Advance = defaultAdvance
	}
	return &Scheduler{
		cfg:           cfg,
		hooks:         hooks,
		clock:         cfg.Clock,
		log:           cfg.Logger,
		met:           cfg.Metrics,
		frameInterval: time.Second / time.Duration(cfg.FPS),
		viewports:     make(map[domain.SlotID]*viewport),
		active:        make(map[domain.SlotID]struct{}),
	}
}

// SetFPS changes the visual frame rate for subsequent ticks.
func (s *Scheduler) SetFPS(fps int) {
	if fps <= 0 {
		return
	}
	s.mu.Lock()
	s.frameInterval = time.Second / time.Duration(fps)
	s.mu.Unlock()
}

// RegisterViewport stores the renderer binding for a slot. Under an armed
// sync barrier, the registration counts toward the barrier; when every
// expected slot has registered, all viewports are force-reset to frame 0
// and the loop is allowed to start phase-aligned.
func (s *Scheduler) RegisterViewport(slot domain.SlotID, handle domain.RendererHandle, totalFrames int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.viewports[slot] = &viewport{handle: handle, total: totalFrames}

	if s.barrierArmed {
		delete(s.barrier, slot)
		if len(s.barrier) == 0 {
			s.releaseBarrierLocked()
		}
	}
}

// RegisterSlot marks a slot active for playback. In independent mode the
// loop starts on the first active slot.
func (s *Scheduler) RegisterSlot(slot domain.SlotID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.active[slot] = struct{}{}
	s.startLoopLocked()
}

// Unregister removes a slot from the loop, flushing its final frame index
// through OnUnregister before removal.
func (s *Scheduler) Unregister(slot domain.SlotID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unregisterLocked(slot)
}

// UnregisterAll removes every slot, flushing each final index.
func (s *Scheduler) UnregisterAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, slot := range s.sortedActiveLocked() {
		s.unregisterLocked(slot)
	}
	for slot := range s.viewports {
		s.unregisterLocked(slot)
	}
}

func (s *Scheduler) unregisterLocked(slot domain.SlotID) {
	vp, ok := s.viewports[slot]
	if ok && s.hooks.OnUnregister != nil {
		s.hooks.OnUnregister(slot, vp.current)
	}
	delete(s.viewports, slot)
	delete(s.active, slot)
	delete(s.barrier, slot)
	if len(s.active) == 0 {
		s.syncMode = false
		s.barrierArmed = false
	}
}

// PrepareForSync installs a barrier: the loop is withheld and no viewport
// advances until every expected slot has registered its viewport.
func (s *Scheduler) PrepareForSync(expected []domain.SlotID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.syncMode = true
	s.barrierArmed = true
	s.barrier = make(map[domain.SlotID]struct{}, len(expected))
	for _, slot := range expected {
		if _, ok := s.viewports[slot]; ok {
			continue
		}
		s.barrier[slot] = struct{}{}
	}
	if len(s.barrier) == 0 {
		s.releaseBarrierLocked()
	}
}

// ReleaseBarrier force-releases an armed barrier. Called after a global
// play pass completes so slots that failed to start cannot wedge the loop.
func (s *Scheduler) ReleaseBarrier() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.barrierArmed {
		s.log.Warn("sync barrier force-released", "missing", len(s.barrier))
		s.releaseBarrierLocked()
	}
}

// releaseBarrierLocked resets every registered viewport to frame 0 for a
// simultaneous, phase-aligned start.
func (s *Scheduler) releaseBarrierLocked() {
	s.barrierArmed = false
	s.barrier = nil
	for _, vp := range s.viewports {
		vp.current = 0
		vp.handle.SetFrameIndex(0)
		vp.handle.Render()
	}
	s.lastTime = s.clock.Now()
	s.startLoopLocked()
}

// Stats returns a snapshot of every registered viewport, ordered by slot id.
func (s *Scheduler) Stats() []ViewportStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]domain.SlotID, 0, len(s.viewports))
	for id := range s.viewports {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]ViewportStats, 0, len(ids))
	for _, id := range ids {
		vp := s.viewports[id]
		out = append(out, ViewportStats{
			Slot:         id,
			CurrentIndex: vp.current,
			TotalFrames:  vp.total,
			Drops:        vp.drops,
		})
	}
	return out
}

// Close stops the loop permanently. Registrations after Close are inert.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.running {
		close(s.stop)
		s.running = false
	}
}

func (s *Scheduler) startLoopLocked() {
	if s.running || s.closed || s.barrierArmed || len(s.active) == 0 {
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	s.lastTime = s.clock.Now()
	go s.loop(s.stop)
	s.log.Debug("animation loop started", "active", len(s.active))
}

// loop stands in for the host's paint-synchronized callback: it fires at
// the tick interval and lets tick decide whether a visual frame is due.
func (s *Scheduler) loop(stop chan struct{}) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		if !s.tick(s.clock.Now()) {
			return
		}
	}
}

// tick runs one cooperative scheduling pass. It returns false when the
// loop should terminate because no slots remain active. The tick never
// suspends: every slot either advances synchronously or no-ops.
func (s *Scheduler) tick(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.active) == 0 {
		s.running = false
		s.log.Debug("animation loop idle, terminating")
		return false
	}
	if s.barrierArmed {
		return true
	}

	elapsed := now.Sub(s.lastTime)
	if elapsed < s.frameInterval {
		return true
	}
	// Drift correction: carry the remainder so the visual rate stays
	// decoupled from the callback rate.
	s.lastTime = now.Add(-(elapsed % s.frameInterval))

	if s.syncMode && len(s.active) >= 2 {
		s.syncTickLocked()
	} else {
		s.independentTickLocked()
	}
	if s.met != nil {
		s.met.IncSchedulerTick()
	}
	return true
}

// independentTickLocked advances each active slot on its own cycle.
func (s *Scheduler) independentTickLocked() {
	for _, slot := range s.sortedActiveLocked() {
		vp, ok := s.viewports[slot]
		if !ok {
			continue
		}
		advance, next := s.hooks.Advance(slot, vp.current, vp.total)
		if !advance {
			vp.drops++
			continue
		}
		vp.current = next
		vp.handle.SetFrameIndex(next)
		vp.handle.Render()
	}
}

// syncTickLocked keeps every active slot frame-locked: the lowest-id slot
// leads, and its index is applied modulo each follower's own length. If
// any slot is buffering the whole tick is skipped for all slots.
func (s *Scheduler) syncTickLocked() {
	slots := s.sortedActiveLocked()

	for _, slot := range slots {
		vp, ok := s.viewports[slot]
		if !ok {
			continue
		}
		next := 0
		if vp.total > 0 {
			next = (vp.current + 1) % vp.total
		}
		if s.hooks.Buffering != nil && s.hooks.Buffering(slot, next) {
			for _, other := range slots {
				if ovp, ok := s.viewports[other]; ok {
					ovp.drops++
				}
			}
			return
		}
	}

	leader := slots[0]
	lvp, ok := s.viewports[leader]
	if !ok {
		return
	}
	advance, next := s.hooks.Advance(leader, lvp.current, lvp.total)
	if !advance {
		lvp.drops++
		return
	}
	for _, slot := range slots {
		vp, ok := s.viewports[slot]
		if !ok {
			continue
		}
		idx := next
		if vp.total > 0 {
			idx = next % vp.total
		}
		vp.current = idx
		vp.handle.SetFrameIndex(idx)
		vp.handle.Render()
	}
}

func (s *Scheduler) sortedActiveLocked() []domain.SlotID {
	ids := make([]domain.SlotID, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
