package cineloop

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/violetmx/cineloop/internal/domain"
)

type memHandle struct {
	mu      sync.Mutex
	index   int
	renders int
}

func (h *memHandle) SetFrameIndex(i int) {
	h.mu.Lock()
	h.index = i
	h.mu.Unlock()
}

func (h *memHandle) Render() {
	h.mu.Lock()
	h.renders++
	h.mu.Unlock()
}

func (h *memHandle) Release() {}

// memSource serves synthetic frames for a fixed set of clips.
type memSource struct {
	mu      sync.Mutex
	clips   map[domain.ClipID]int // clip -> total frames
	fetches int
}

func newMemSource(clips map[domain.ClipID]int) *memSource {
	return &memSource{clips: clips}
}

func (s *memSource) FetchBatch(ctx context.Context, clip domain.ClipID, indices []int, res domain.Resolution) (map[int]domain.FramePayload, error) {
	s.mu.Lock()
	s.fetches++
	total, ok := s.clips[clip]
	s.mu.Unlock()
	if !ok {
		return nil, domain.ErrClipNotFound
	}

	out := make(map[int]domain.FramePayload, len(indices))
	for _, i := range indices {
		if i < 0 || i >= total {
			out[i] = domain.FramePayload{Err: domain.ErrFrameUnavailable}
			continue
		}
		out[i] = domain.FramePayload{Bytes: []byte{byte(i), byte(i >> 8), 0xD1}}
	}
	return out, nil
}

func (s *memSource) DecodeAndRegister(ctx context.Context, key domain.FrameKey) (domain.RendererHandle, error) {
	return &memHandle{}, nil
}

func newTestController(t *testing.T, src FrameSource) *Controller {
	t.Helper()
	c := NewController(Options{
		Source:       src,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		PollInterval: 2 * time.Millisecond,
		PollTimeout:  2 * time.Second,
		FPS:          100,
		TickInterval: 2 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		c.Close()
		cancel()
	})
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNewControllerPanicsWithoutSource(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic for nil Source")
		}
	}()
	NewController(Options{})
}

func TestPlayStartsProgressivelyAndSchedulesViewport(t *testing.T) {
	src := newMemSource(map[domain.ClipID]int{"study-1": 100})
	c := newTestController(t, src)

	if err := c.AssignClip(0, Clip{ID: "study-1", TotalFrames: 100}); err != nil {
		t.Fatalf("assign: %v", err)
	}

	started, err := c.Play(context.Background(), 0)
	if err != nil {
		t.Fatalf("play: %v", err)
	}
	if !started {
		t.Fatalf("play did not start")
	}

	snap, err := c.SlotState(0)
	if err != nil {
		t.Fatalf("slot state: %v", err)
	}
	if !snap.IsPlaying {
		t.Fatalf("slot must be playing, got %+v", snap)
	}

	stats := c.ViewportStats()
	if len(stats) != 1 || stats[0].Slot != 0 || stats[0].TotalFrames != 100 {
		t.Fatalf("unexpected viewport stats: %+v", stats)
	}

	// The shared loop advances the frame index without any further calls.
	waitFor(t, "frame advancement", func() bool {
		return c.ViewportStats()[0].CurrentIndex > 0
	})
}

func TestRepeatedPlayKeepsLiveViewport(t *testing.T) {
	src := newMemSource(map[domain.ClipID]int{"study-1": 100})
	c := newTestController(t, src)

	if err := c.AssignClip(0, Clip{ID: "study-1", TotalFrames: 100}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	started, err := c.Play(context.Background(), 0)
	if err != nil || !started {
		t.Fatalf("first play: started=%v err=%v", started, err)
	}
	waitFor(t, "frame advancement", func() bool {
		return c.ViewportStats()[0].CurrentIndex > 0
	})

	// Freeze advancement so the position is stable across the second play.
	c.SetFPS(1)
	time.Sleep(30 * time.Millisecond)
	before := c.ViewportStats()[0].CurrentIndex

	started, err = c.Play(context.Background(), 0)
	if err != nil {
		t.Fatalf("second play: %v", err)
	}
	if started {
		t.Fatalf("already-playing slot must report not started")
	}

	stats := c.ViewportStats()
	if len(stats) != 1 {
		t.Fatalf("expected one live viewport, got %+v", stats)
	}
	if stats[0].CurrentIndex != before {
		t.Fatalf("second play moved the viewport: %d -> %d", before, stats[0].CurrentIndex)
	}
	if snap, _ := c.SlotState(0); !snap.IsPlaying {
		t.Fatalf("slot must remain playing")
	}
}

func TestPlayRejectsEmptyAndSingleFrameSlots(t *testing.T) {
	src := newMemSource(map[domain.ClipID]int{"still": 1})
	c := newTestController(t, src)

	if _, err := c.Play(context.Background(), 3); !errors.Is(err, ErrSlotEmpty) {
		t.Fatalf("expected ErrSlotEmpty, got %v", err)
	}

	if err := c.AssignClip(3, Clip{ID: "still", TotalFrames: 1}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := c.Play(context.Background(), 3); !errors.Is(err, ErrNotPlayable) {
		t.Fatalf("expected ErrNotPlayable, got %v", err)
	}
}

func TestPauseFlushesFinalIndexAndStopResets(t *testing.T) {
	src := newMemSource(map[domain.ClipID]int{"study-1": 50})
	c := newTestController(t, src)

	if err := c.AssignClip(0, Clip{ID: "study-1", TotalFrames: 50}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := c.Play(context.Background(), 0); err != nil {
		t.Fatalf("play: %v", err)
	}
	waitFor(t, "frame advancement", func() bool {
		return c.ViewportStats()[0].CurrentIndex > 0
	})

	if err := c.Pause(0); err != nil {
		t.Fatalf("pause: %v", err)
	}
	snap, _ := c.SlotState(0)
	if snap.IsPlaying {
		t.Fatalf("slot still playing after pause")
	}
	if snap.CurrentIndex == 0 {
		t.Fatalf("pause must flush the final frame index, got 0")
	}
	if len(c.ViewportStats()) != 0 {
		t.Fatalf("paused slot must leave the animation loop")
	}

	if err := c.Stop(0); err != nil {
		t.Fatalf("stop: %v", err)
	}
	snap, _ = c.SlotState(0)
	if snap.CurrentIndex != 0 {
		t.Fatalf("stop must reset to frame 0, got %d", snap.CurrentIndex)
	}
}

func TestPlayAllStartsEveryPlayableSlot(t *testing.T) {
	src := newMemSource(map[domain.ClipID]int{
		"a": 40, "b": 40, "c": 40, "still": 1,
	})
	c := newTestController(t, src)

	for i, id := range []ClipID{"a", "b", "c"} {
		if err := c.AssignClip(SlotID(i), Clip{ID: id, TotalFrames: 40}); err != nil {
			t.Fatalf("assign %s: %v", id, err)
		}
	}
	if err := c.AssignClip(3, Clip{ID: "still", TotalFrames: 1}); err != nil {
		t.Fatalf("assign still: %v", err)
	}

	if got := c.PlayAll(context.Background()); got != 3 {
		t.Fatalf("expected 3 slots started, got %d", got)
	}
	if got := len(c.ViewportStats()); got != 3 {
		t.Fatalf("expected 3 scheduled viewports, got %d", got)
	}

	c.PauseAll()
	if got := len(c.ViewportStats()); got != 0 {
		t.Fatalf("pause all must clear the animation loop, got %d", got)
	}
}

func TestPlayAllSyncStartsPhaseAligned(t *testing.T) {
	src := newMemSource(map[domain.ClipID]int{"a": 30, "b": 10})
	c := newTestController(t, src)

	c.AssignClip(0, Clip{ID: "a", TotalFrames: 30})
	c.AssignClip(1, Clip{ID: "b", TotalFrames: 10})

	if got := c.PlayAllSync(context.Background()); got != 2 {
		t.Fatalf("expected 2 slots started, got %d", got)
	}

	waitFor(t, "sync advancement", func() bool {
		stats := c.ViewportStats()
		return len(stats) == 2 && stats[0].CurrentIndex > 0
	})
	stats := c.ViewportStats()
	if stats[1].CurrentIndex != stats[0].CurrentIndex%10 {
		t.Fatalf("follower out of phase: leader %d, follower %d",
			stats[0].CurrentIndex, stats[1].CurrentIndex)
	}
}

func TestResolutionChangeInvalidatesEverySlot(t *testing.T) {
	src := newMemSource(map[domain.ClipID]int{"study-1": 60})
	c := newTestController(t, src)

	c.AssignClip(0, Clip{ID: "study-1", TotalFrames: 60})
	if _, err := c.Play(context.Background(), 0); err != nil {
		t.Fatalf("play: %v", err)
	}
	before, _ := c.SlotState(0)

	c.SetResolution(ResolutionFull)

	snap, _ := c.SlotState(0)
	if snap.IsPlaying {
		t.Fatalf("invalidation must pause playback")
	}
	if snap.LoadedFrames != 0 || snap.Progress != 0 || snap.CurrentIndex != 0 {
		t.Fatalf("invalidation must reset load state, got %+v", snap)
	}
	if snap.StackVersion != before.StackVersion+1 {
		t.Fatalf("stack version must increment exactly once, got %d -> %d",
			before.StackVersion, snap.StackVersion)
	}
	if entries, _ := c.CacheStats(); entries != 0 {
		t.Fatalf("invalidation must clear the cache, %d entries remain", entries)
	}

	// Re-setting the same resolution is a no-op.
	c.SetResolution(ResolutionFull)
	snap, _ = c.SlotState(0)
	if snap.StackVersion != before.StackVersion+1 {
		t.Fatalf("idempotent resolution set must not re-invalidate")
	}
}

func TestShowFrameDisplaysRequestedFrameWhilePaused(t *testing.T) {
	src := newMemSource(map[domain.ClipID]int{"study-1": 20})
	c := newTestController(t, src)

	c.AssignClip(0, Clip{ID: "study-1", TotalFrames: 20})

	if err := c.ShowFrame(context.Background(), 0, 7); err != nil {
		t.Fatalf("show frame: %v", err)
	}
	snap, _ := c.SlotState(0)
	if snap.CurrentIndex != 7 {
		t.Fatalf("expected current index 7, got %d", snap.CurrentIndex)
	}

	if err := c.ShowFrame(context.Background(), 0, 20); err == nil {
		t.Fatalf("out-of-range frame must fail")
	}
}

func TestMetricsHandlerServesEngineCounters(t *testing.T) {
	src := newMemSource(map[domain.ClipID]int{"study-1": 10})
	c := newTestController(t, src)

	if c.MetricsHandler() == nil {
		t.Fatalf("metrics handler must not be nil")
	}
}
