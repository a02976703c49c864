// Package cineloop provides a progressive multi-slot cine playback engine
// for multi-frame image viewers.
//
// cineloop handles the complete playback workflow: batched frame fetching,
// bounded-concurrency decode, per-slot progressive start (playback begins
// once a small leading buffer is loaded), buffering detection, and a single
// shared animation loop that drives every playing viewport, independently
// or frame-locked in sync mode.
//
// # Architecture
//
// The engine is built around two interfaces the host must implement:
//
//   - FrameFetcher: retrieves compact frame payloads in batches
//   - FrameDecoder: decodes a frame and registers it with the renderer,
//     returning the RendererHandle playback is driven through
//
// # Basic Usage
//
//	controller := cineloop.NewController(cineloop.Options{
//	    Source: cineloop.NewSource(myFetcher, myDecoder),
//	})
//
//	if err := controller.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer controller.Close()
//
//	controller.AssignClip(0, cineloop.Clip{ID: "study-1", TotalFrames: 120})
//	started, err := controller.Play(ctx, 0)
//
// # Progressive Playback
//
// Play starts a background prefetch and waits (bounded) for the initial
// buffer rather than the whole clip:
//
//  1. Phase 1 fetches payload bytes in batches, marking frames ready as
//     they land
//  2. Play resolves once the leading window is loaded, then registers the
//     slot with the shared animation loop
//  3. Phase 2 decodes the remaining frames concurrently in the background
//  4. If playback outruns the loaded set, the slot buffers until the
//     missing frame arrives
package cineloop

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/violetmx/cineloop/internal/cine"
	"github.com/violetmx/cineloop/internal/domain"
	"github.com/violetmx/cineloop/internal/loader"
	"github.com/violetmx/cineloop/internal/platform/metrics"
	"github.com/violetmx/cineloop/internal/playback"
	"github.com/violetmx/cineloop/internal/prefetch"
	"github.com/violetmx/cineloop/internal/slot"
	"github.com/violetmx/cineloop/internal/source"
	"github.com/violetmx/cineloop/internal/store"
)

type (
	// FrameFetcher retrieves compact frame payloads in batches. A fetch
	// covers many frames in one call; per-frame failures are reported in
	// the returned payloads, a non-nil error fails the whole batch.
	FrameFetcher = domain.FrameFetcher

	// FrameDecoder decodes one frame and registers it with the renderer.
	// Registration must be idempotent.
	FrameDecoder = domain.FrameDecoder

	// FrameSource is the full upstream contract: fetch plus decode.
	FrameSource = domain.FrameSource

	// RendererHandle is the rendering surface for one viewport. The
	// animation loop drives playback exclusively through it.
	RendererHandle = domain.RendererHandle

	// Clip describes a playable multi-frame image.
	Clip = domain.Clip

	// ClipID identifies one multi-frame image instance.
	ClipID = domain.ClipID

	// SlotID identifies one viewport in a grid layout.
	SlotID = domain.SlotID

	// Resolution is the tier frames are fetched and decoded at.
	Resolution = domain.Resolution

	// FrameKey uniquely identifies one decodable unit.
	FrameKey = domain.FrameKey

	// SlotSnapshot is the externally observable state of one slot.
	SlotSnapshot = slot.Snapshot

	// ViewportStats is a snapshot of one actively scheduled viewport.
	ViewportStats = cine.ViewportStats

	// Archive is a BoltDB-backed frame store usable as a FrameFetcher.
	Archive = store.Archive
)

const (
	ResolutionThumbnail = domain.ResolutionThumbnail
	ResolutionStandard  = domain.ResolutionStandard
	ResolutionFull      = domain.ResolutionFull
)

// Sentinel errors returned by Controller operations.
var (
	ErrSlotEmpty        = domain.ErrSlotEmpty
	ErrNotPlayable      = domain.ErrNotPlayable
	ErrFrameUnavailable = domain.ErrFrameUnavailable
	ErrDecodeTimeout    = domain.ErrDecodeTimeout
	ErrClipNotFound     = domain.ErrClipNotFound
)

// NewSource joins a fetcher and a decoder implemented separately into one
// FrameSource.
func NewSource(f FrameFetcher, d FrameDecoder) FrameSource {
	return source.Compose(f, d)
}

// OpenArchive opens (creating if needed) a BoltDB frame archive at path.
func OpenArchive(path string) (*Archive, error) {
	return store.Open(path)
}

// Options configures the Controller behavior and dependencies.
type Options struct {
	// Source is required. Fetches frame payloads and decodes them into
	// renderer registrations.
	Source FrameSource

	// Logger receives structured engine logs. Default: slog.Default().
	Logger *slog.Logger

	// Resolution is the tier frames are fetched at. Default: standard.
	Resolution Resolution

	// InitialBufferSize is how many leading frames must be loaded before
	// playback starts, capped at the clip length. Default: 20.
	InitialBufferSize int

	// PollInterval and PollTimeout bound the wait for the initial buffer.
	// A timeout resolves the wait rather than failing it.
	// Defaults: 50ms and 10s.
	PollInterval time.Duration
	PollTimeout  time.Duration

	// Phase1BatchSize is the number of frames fetched per network call.
	// Default: 50.
	Phase1BatchSize int

	// Phase2BatchSize is the number of frames decoded per batch, and
	// Phase2Concurrency the number of batches decoded at once.
	// Defaults: 50 and 4.
	Phase2BatchSize   int
	Phase2Concurrency int

	// GlobalPlayBatchSize is the number of slots started per sequential
	// batch during PlayAll. Default: 4.
	GlobalPlayBatchSize int

	// FPS is the visual frame rate playback is gated to. Default: 30.
	FPS int

	// TickInterval is the animation loop's underlying callback rate,
	// decoupled from FPS by elapsed-time gating. Default: 16ms.
	TickInterval time.Duration

	// MaxCacheEntries and MaxCacheBytes bound the shared frame cache.
	// Defaults: 200 entries and 300 MiB.
	MaxCacheEntries int
	MaxCacheBytes   int64

	// DecodeTimeout is the maximum time a single decode may take before
	// its result is discarded. Default: 5 seconds.
	DecodeTimeout time.Duration
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Resolution == "" {
		o.Resolution = ResolutionStandard
	}
	if o.InitialBufferSize == 0 {
		o.InitialBufferSize = 20
	}
	if o.PollInterval == 0 {
		o.PollInterval = 50 * time.Millisecond
	}
	if o.PollTimeout == 0 {
		o.PollTimeout = 10 * time.Second
	}
	if o.Phase1BatchSize == 0 {
		o.Phase1BatchSize = 50
	}
	if o.Phase2BatchSize == 0 {
		o.Phase2BatchSize = 50
	}
	if o.Phase2Concurrency == 0 {
		o.Phase2Concurrency = 4
	}
	if o.GlobalPlayBatchSize == 0 {
		o.GlobalPlayBatchSize = 4
	}
	if o.FPS == 0 {
		o.FPS = 30
	}
	if o.TickInterval == 0 {
		o.TickInterval = 16 * time.Millisecond
	}
	if o.MaxCacheEntries == 0 {
		o.MaxCacheEntries = 200
	}
	if o.MaxCacheBytes == 0 {
		o.MaxCacheBytes = 300 << 20
	}
	if o.DecodeTimeout == 0 {
		o.DecodeTimeout = 5 * time.Second
	}
}

func (o *Options) validate() {
	if o.Source == nil {
		panic("cineloop: Source is required")
	}
}

// Controller is the main entry point for cine playback operations.
//
// A Controller must be started with Start before slots can play, and
// closed with Close when shutting down to stop the animation loop.
type Controller struct {
	opts   Options
	log    *slog.Logger
	met    *metrics.Metrics
	frames *loader.Loader
	slots  *slot.Manager
	sched  *cine.Scheduler
	coord  *playback.Coordinator
}

// NewController creates a new Controller with the given options.
// It panics if Source is nil.
//
// The controller is not started automatically; call Start before playing.
func NewController(opts Options) *Controller {
	opts.validate()
	opts.setDefaults()

	log := opts.Logger
	met := metrics.New()

	src := source.NewInstrumented(opts.Source, log)
	frames := loader.New(src, opts.MaxCacheEntries, opts.MaxCacheBytes, opts.DecodeTimeout, log, met)
	pre := prefetch.New(src, frames, prefetch.Config{
		Phase1BatchSize:   opts.Phase1BatchSize,
		Phase2BatchSize:   opts.Phase2BatchSize,
		Phase2Concurrency: opts.Phase2Concurrency,
	}, log, met)
	slots := slot.NewManager(frames, pre, slot.Config{
		InitialBuffer: opts.InitialBufferSize,
		PollInterval:  opts.PollInterval,
		PollTimeout:   opts.PollTimeout,
		Resolution:    opts.Resolution,
	}, log, met)

	c := &Controller{
		opts:   opts,
		log:    log,
		met:    met,
		frames: frames,
		slots:  slots,
	}

	c.sched = cine.New(cine.Config{
		FPS:          opts.FPS,
		TickInterval: opts.TickInterval,
		Hooks: cine.Hooks{
			Advance:      c.advance,
			Buffering:    c.buffering,
			OnUnregister: c.flushIndex,
		},
		Logger:  log,
		Metrics: met,
	})
	c.coord = playback.New(&slotPlayer{c}, c.sched, playback.Config{
		BatchSize: opts.GlobalPlayBatchSize,
	}, log)

	return c
}

// Start binds the controller's background prefetch work to ctx. Canceling
// ctx aborts in-flight prefetch jobs.
func (c *Controller) Start(ctx context.Context) error {
	c.slots.Start(ctx)
	return nil
}

// Close stops the animation loop and releases every scheduled viewport.
// Always call Close when shutting down.
func (c *Controller) Close() {
	c.sched.UnregisterAll()
	c.sched.Close()
}

// AssignClip places a clip in a slot. Reassigning a slot drops the old
// clip's cached frames and invalidates any in-flight prefetch for it.
func (c *Controller) AssignClip(id SlotID, clip Clip) error {
	c.sched.Unregister(id)
	return c.slots.AssignClip(id, clip)
}

// ClearSlot unassigns a slot and drops its clip's cached frames.
func (c *Controller) ClearSlot(id SlotID) error {
	c.sched.Unregister(id)
	return c.slots.ClearSlot(id)
}

// Preload starts background prefetch for a slot without playing it.
func (c *Controller) Preload(id SlotID) error {
	return c.slots.Preload(id)
}

// Play starts playback on one slot. It kicks off prefetch if needed,
// waits (bounded) for the initial buffer, then registers the slot with
// the shared animation loop. It returns true when the slot actually
// started; a false with nil error means the slot was already playing or
// the start policy declined (frame 0 never loaded within the timeout).
// An already-playing slot keeps its live viewport and frame position.
func (c *Controller) Play(ctx context.Context, id SlotID) (bool, error) {
	started, err := c.slots.Play(ctx, id)
	if err != nil || !started {
		return false, err
	}

	snap, err := c.slots.Snapshot(id)
	if err != nil || snap.Clip == nil {
		return false, err
	}

	key := domain.FrameKey{Clip: snap.Clip.ID, Index: 0, Resolution: c.slots.Resolution()}
	frame, err := c.frames.LoadFrame(ctx, key)
	if err != nil {
		c.slots.Pause(id)
		return false, fmt.Errorf("register viewport: %w", err)
	}

	c.sched.RegisterViewport(id, frame.Handle, snap.Clip.TotalFrames)
	c.sched.RegisterSlot(id)
	return true, nil
}

// Pause halts playback on one slot, flushing its final frame index so
// observers immediately see where it stopped.
func (c *Controller) Pause(id SlotID) error {
	c.sched.Unregister(id)
	return c.slots.Pause(id)
}

// Stop pauses a slot and resets it to frame 0.
func (c *Controller) Stop(id SlotID) error {
	c.sched.Unregister(id)
	return c.slots.Stop(id)
}

// PlayAll starts every slot holding a playable clip, in sequential batches
// to bound concurrent prefetch bursts. It returns the number of slots that
// started.
func (c *Controller) PlayAll(ctx context.Context) int {
	return c.coord.PlayAll(ctx)
}

// PlayAllSync is PlayAll under a sync barrier: all slots start
// phase-aligned at frame 0 and stay frame-locked while playing.
func (c *Controller) PlayAllSync(ctx context.Context) int {
	return c.coord.PlayAllSync(ctx)
}

// PauseAll pauses every assigned slot immediately.
func (c *Controller) PauseAll() {
	c.coord.PauseAll()
}

// StopAll stops every assigned slot, resetting each to frame 0.
func (c *Controller) StopAll() {
	c.coord.StopAll()
}

// ShowFrame displays one frame of a paused slot, loading it on demand.
func (c *Controller) ShowFrame(ctx context.Context, id SlotID, index int) error {
	snap, err := c.slots.Snapshot(id)
	if err != nil {
		return err
	}
	if snap.Clip == nil {
		return ErrSlotEmpty
	}
	if index < 0 || index >= snap.Clip.TotalFrames {
		return fmt.Errorf("frame %d out of range [0, %d)", index, snap.Clip.TotalFrames)
	}

	key := domain.FrameKey{Clip: snap.Clip.ID, Index: index, Resolution: c.slots.Resolution()}
	frame, err := c.frames.LoadFrame(ctx, key)
	if err != nil {
		return err
	}
	frame.Handle.SetFrameIndex(index)
	frame.Handle.Render()
	c.slots.SetCurrentIndex(id, index)
	return nil
}

// SetFPS changes the visual frame rate for subsequent ticks.
func (c *Controller) SetFPS(fps int) {
	c.sched.SetFPS(fps)
}

// SetResolution switches the fetch/decode tier. Changing it pauses every
// slot, clears the shared cache, and resets per-slot load state.
func (c *Controller) SetResolution(res Resolution) {
	if res == c.slots.Resolution() {
		return
	}
	c.sched.UnregisterAll()
	c.slots.SetResolution(res)
}

// SetLayout changes the viewport grid. Changing it invalidates every slot.
func (c *Controller) SetLayout(rows, cols int) {
	c.sched.UnregisterAll()
	c.slots.SetLayout(rows, cols)
}

// SetDataSource switches the upstream data source identifier. Changing it
// invalidates every slot.
func (c *Controller) SetDataSource(id string) {
	c.sched.UnregisterAll()
	c.slots.SetDataSource(id)
}

// SlotState returns the observable state of one slot.
func (c *Controller) SlotState(id SlotID) (SlotSnapshot, error) {
	return c.slots.Snapshot(id)
}

// Snapshots returns the observable state of every assigned slot, ordered
// by slot id.
func (c *Controller) Snapshots() []SlotSnapshot {
	return c.slots.Snapshots()
}

// ViewportStats returns per-viewport scheduling statistics for slots that
// are actively playing.
func (c *Controller) ViewportStats() []ViewportStats {
	return c.sched.Stats()
}

// CacheStats returns the shared frame cache's population and byte usage.
func (c *Controller) CacheStats() (entries int, bytes int64) {
	return c.frames.Stats()
}

// MetricsHandler serves the engine's Prometheus metrics. Gauges are
// refreshed on each scrape.
func (c *Controller) MetricsHandler() http.Handler {
	return c.met.Handler(func() {
		entries, bytes := c.frames.Stats()
		c.met.SetCacheEntries(entries)
		c.met.SetCacheBytes(bytes)
	})
}

// advance is the animation loop's per-tick decision for one slot: wrap to
// the next frame if it is loaded, otherwise hold and mark the slot
// buffering until prefetch catches up. A fully preloaded clip never
// buffers; a frame that permanently failed is skipped over.
func (c *Controller) advance(id domain.SlotID, current, total int) (bool, int) {
	if total <= 0 {
		return false, current
	}
	next := (current + 1) % total
	if !c.slots.FrameReady(id, next) && !c.slots.Preloaded(id) {
		c.slots.SetBuffering(id, true)
		return false, current
	}
	c.slots.SetBuffering(id, false)
	return true, next
}

// buffering reports whether a slot cannot display its next frame yet,
// gating whole sync ticks.
func (c *Controller) buffering(id domain.SlotID, next int) bool {
	stalled := !c.slots.FrameReady(id, next) && !c.slots.Preloaded(id)
	c.slots.SetBuffering(id, stalled)
	return stalled
}

// flushIndex writes a slot's final frame index back when it leaves the
// animation loop.
func (c *Controller) flushIndex(id domain.SlotID, frameIndex int) {
	c.slots.SetCurrentIndex(id, frameIndex)
}

// slotPlayer adapts the Controller to the global coordinator's per-slot
// surface, so PlayAll registers viewports the same way Play does.
type slotPlayer struct {
	c *Controller
}

func (p *slotPlayer) PlayableSlots() []SlotID { return p.c.slots.PlayableSlots() }
func (p *slotPlayer) AssignedSlots() []SlotID { return p.c.slots.AssignedSlots() }

func (p *slotPlayer) Play(ctx context.Context, id SlotID) (bool, error) {
	return p.c.Play(ctx, id)
}

func (p *slotPlayer) Pause(id SlotID) { p.c.Pause(id) }
func (p *slotPlayer) Stop(id SlotID)  { p.c.Stop(id) }
