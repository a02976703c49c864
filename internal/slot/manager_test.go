package slot

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/violetmx/cineloop/internal/domain"
	"github.com/violetmx/cineloop/internal/loader"
	"github.com/violetmx/cineloop/internal/platform/metrics"
	"github.com/violetmx/cineloop/internal/prefetch"
)

type nopSource struct{}

func (nopSource) FetchBatch(ctx context.Context, clip domain.ClipID, indices []int, res domain.Resolution) (map[int]domain.FramePayload, error) {
	out := make(map[int]domain.FramePayload, len(indices))
	for _, i := range indices {
		out[i] = domain.FramePayload{Bytes: []byte{byte(i)}}
	}
	return out, nil
}

func (nopSource) DecodeAndRegister(ctx context.Context, key domain.FrameKey) (domain.RendererHandle, error) {
	return nil, errors.New("no renderer in test")
}

// fakePreloader records jobs and lets tests drive the ready/progress
// callbacks directly.
type fakePreloader struct {
	mu   sync.Mutex
	jobs []prefetch.Job
	run  func(ctx context.Context, job prefetch.Job) error
}

func (f *fakePreloader) Run(ctx context.Context, job prefetch.Job) error {
	f.mu.Lock()
	f.jobs = append(f.jobs, job)
	run := f.run
	f.mu.Unlock()
	if run != nil {
		return run(ctx, job)
	}
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakePreloader) lastJob(t *testing.T) prefetch.Job {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for {
		f.mu.Lock()
		n := len(f.jobs)
		var job prefetch.Job
		if n > 0 {
			job = f.jobs[n-1]
		}
		f.mu.Unlock()
		if n > 0 {
			return job
		}
		if time.Now().After(deadline) {
			t.Fatalf("no prefetch job was started")
		}
		time.Sleep(time.Millisecond)
	}
}

func newTestManager(pre Preloader) *Manager {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	frames := loader.New(nopSource{}, 0, 0, time.Second, log, m)
	return NewManager(frames, pre, Config{
		InitialBuffer: 20,
		PollInterval:  2 * time.Millisecond,
		PollTimeout:   250 * time.Millisecond,
		Resolution:    domain.ResolutionStandard,
	}, log, m)
}

func TestPlayRejectsUnplayableClips(t *testing.T) {
	m := newTestManager(&fakePreloader{})

	if _, err := m.Play(context.Background(), 1); !errors.Is(err, domain.ErrSlotEmpty) {
		t.Fatalf("expected slot empty, got %v", err)
	}

	if err := m.AssignClip(1, domain.Clip{ID: "still", TotalFrames: 1}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := m.Play(context.Background(), 1); !errors.Is(err, domain.ErrNotPlayable) {
		t.Fatalf("expected not playable, got %v", err)
	}
}

func TestProgressiveStartResolvesOnInitialBuffer(t *testing.T) {
	pre := &fakePreloader{}
	pre.run = func(ctx context.Context, job prefetch.Job) error {
		// Only the leading window arrives; frames 20-99 never load.
		for i := 0; i < 20; i++ {
			job.OnFrameReady(i)
		}
		<-ctx.Done()
		return ctx.Err()
	}
	m := newTestManager(pre)
	if err := m.AssignClip(1, domain.Clip{ID: "c", TotalFrames: 100}); err != nil {
		t.Fatalf("assign: %v", err)
	}

	start := time.Now()
	started, err := m.Play(context.Background(), 1)
	if err != nil {
		t.Fatalf("play: %v", err)
	}
	if !started {
		t.Fatalf("expected playback to start on initial buffer")
	}
	if time.Since(start) > 200*time.Millisecond {
		t.Fatalf("play waited past the initial buffer: %v", time.Since(start))
	}

	snap, _ := m.Snapshot(1)
	if !snap.IsPlaying || snap.IsBuffering {
		t.Fatalf("unexpected state: %+v", snap)
	}
	if snap.LoadedFrames != 20 {
		t.Fatalf("expected 20 loaded frames, got %d", snap.LoadedFrames)
	}
}

func TestPlayTimeoutStartsDegradedWithFrameZero(t *testing.T) {
	pre := &fakePreloader{}
	pre.run = func(ctx context.Context, job prefetch.Job) error {
		job.OnFrameReady(0)
		<-ctx.Done()
		return ctx.Err()
	}
	m := newTestManager(pre)
	if err := m.AssignClip(1, domain.Clip{ID: "c", TotalFrames: 100}); err != nil {
		t.Fatalf("assign: %v", err)
	}

	started, err := m.Play(context.Background(), 1)
	if err != nil {
		t.Fatalf("play: %v", err)
	}
	if !started {
		t.Fatalf("timeout with frame 0 present must start degraded")
	}
}

func TestPlayTimeoutWithoutFrameZeroIsNoOp(t *testing.T) {
	pre := &fakePreloader{}
	m := newTestManager(pre)
	if err := m.AssignClip(1, domain.Clip{ID: "c", TotalFrames: 100}); err != nil {
		t.Fatalf("assign: %v", err)
	}

	started, err := m.Play(context.Background(), 1)
	if err != nil {
		t.Fatalf("play must not error on timeout: %v", err)
	}
	if started {
		t.Fatalf("playback must not start without frame 0")
	}
	snap, _ := m.Snapshot(1)
	if snap.IsPlaying {
		t.Fatalf("slot must remain paused")
	}
}

func TestPlayResolvesWhenPreloadFinishes(t *testing.T) {
	pre := &fakePreloader{}
	pre.run = func(ctx context.Context, job prefetch.Job) error {
		// Short clip finishing before the window fills.
		job.OnFrameReady(0)
		job.OnFrameReady(2)
		return nil
	}
	m := newTestManager(pre)
	if err := m.AssignClip(1, domain.Clip{ID: "c", TotalFrames: 3}); err != nil {
		t.Fatalf("assign: %v", err)
	}

	started, err := m.Play(context.Background(), 1)
	if err != nil {
		t.Fatalf("play: %v", err)
	}
	if !started {
		t.Fatalf("completed preload must unblock play")
	}
	snap, _ := m.Snapshot(1)
	if !snap.IsPreloaded {
		t.Fatalf("expected preloaded state")
	}
}

func TestInvalidationResetsEverySlotExactlyOnce(t *testing.T) {
	pre := &fakePreloader{}
	pre.run = func(ctx context.Context, job prefetch.Job) error {
		for i := 0; i < 50; i++ {
			job.OnFrameReady(i)
		}
		<-ctx.Done()
		return ctx.Err()
	}
	m := newTestManager(pre)
	for _, id := range []domain.SlotID{1, 2} {
		if err := m.AssignClip(id, domain.Clip{ID: "c", TotalFrames: 100}); err != nil {
			t.Fatalf("assign: %v", err)
		}
		if started, err := m.Play(context.Background(), id); err != nil || !started {
			t.Fatalf("play slot %d: started=%v err=%v", id, started, err)
		}
	}

	before, _ := m.Snapshot(1)
	if before.LoadedFrames != 50 || !before.IsPlaying {
		t.Fatalf("precondition failed: %+v", before)
	}

	m.SetResolution(domain.ResolutionFull)

	for _, id := range []domain.SlotID{1, 2} {
		snap, _ := m.Snapshot(id)
		if snap.IsPlaying {
			t.Fatalf("slot %d still playing after invalidation", id)
		}
		if snap.LoadedFrames != 0 || snap.Progress != 0 || snap.CurrentIndex != 0 {
			t.Fatalf("slot %d not reset: %+v", id, snap)
		}
		if snap.IsPreloaded || snap.IsBuffering {
			t.Fatalf("slot %d flags not reset: %+v", id, snap)
		}
		if snap.StackVersion != before.StackVersion+1 {
			t.Fatalf("slot %d stack version: got %d, want %d", id, snap.StackVersion, before.StackVersion+1)
		}
	}

	// Same value again: no change, no extra increment.
	m.SetResolution(domain.ResolutionFull)
	snap, _ := m.Snapshot(1)
	if snap.StackVersion != before.StackVersion+1 {
		t.Fatalf("idempotent set must not re-invalidate, version %d", snap.StackVersion)
	}
}

func TestPlayOnPlayingSlotReportsNotStarted(t *testing.T) {
	pre := &fakePreloader{}
	pre.run = func(ctx context.Context, job prefetch.Job) error {
		for i := 0; i < job.TotalFrames; i++ {
			job.OnFrameReady(i)
		}
		return nil
	}
	m := newTestManager(pre)
	if err := m.AssignClip(1, domain.Clip{ID: "c", TotalFrames: 10}); err != nil {
		t.Fatalf("assign: %v", err)
	}

	started, err := m.Play(context.Background(), 1)
	if err != nil || !started {
		t.Fatalf("first play: started=%v err=%v", started, err)
	}
	m.SetCurrentIndex(1, 7)

	// A second play must not restart the slot or disturb its position.
	started, err = m.Play(context.Background(), 1)
	if err != nil {
		t.Fatalf("second play: %v", err)
	}
	if started {
		t.Fatalf("already-playing slot must report not started")
	}
	snap, _ := m.Snapshot(1)
	if !snap.IsPlaying || snap.CurrentIndex != 7 {
		t.Fatalf("second play disturbed state: %+v", snap)
	}
}

func TestInvalidationCancelsInFlightPrefetch(t *testing.T) {
	cancelled := make(chan struct{})
	pre := &fakePreloader{}
	pre.run = func(ctx context.Context, job prefetch.Job) error {
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	}
	m := newTestManager(pre)
	if err := m.AssignClip(1, domain.Clip{ID: "c", TotalFrames: 100}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := m.Preload(1); err != nil {
		t.Fatalf("preload: %v", err)
	}
	pre.lastJob(t)

	m.SetResolution(domain.ResolutionFull)

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatalf("invalidation did not cancel the running prefetch job")
	}
}

func TestStalePrefetchResultsDiscardedAfterInvalidation(t *testing.T) {
	pre := &fakePreloader{}
	m := newTestManager(pre)
	if err := m.AssignClip(1, domain.Clip{ID: "c", TotalFrames: 100}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := m.Preload(1); err != nil {
		t.Fatalf("preload: %v", err)
	}
	job := pre.lastJob(t)

	m.SetLayout(2, 2)

	// The old run keeps delivering; its version is stale now.
	job.OnFrameReady(0)
	job.OnFrameReady(1)
	job.OnProgress(100, 200)

	snap, _ := m.Snapshot(1)
	if snap.LoadedFrames != 0 || snap.Progress != 0 {
		t.Fatalf("stale results must be discarded: %+v", snap)
	}
}

func TestStopResetsCurrentIndex(t *testing.T) {
	pre := &fakePreloader{}
	m := newTestManager(pre)
	if err := m.AssignClip(1, domain.Clip{ID: "c", TotalFrames: 10}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	m.SetCurrentIndex(1, 7)

	if err := m.Stop(1); err != nil {
		t.Fatalf("stop: %v", err)
	}
	snap, _ := m.Snapshot(1)
	if snap.IsPlaying || snap.CurrentIndex != 0 {
		t.Fatalf("stop must pause at frame 0: %+v", snap)
	}
}

func TestBufferingTransitions(t *testing.T) {
	pre := &fakePreloader{}
	m := newTestManager(pre)
	if err := m.AssignClip(1, domain.Clip{ID: "c", TotalFrames: 10}); err != nil {
		t.Fatalf("assign: %v", err)
	}

	m.SetBuffering(1, true)
	if !m.Buffering(1) {
		t.Fatalf("expected buffering")
	}
	m.SetBuffering(1, false)
	if m.Buffering(1) {
		t.Fatalf("expected buffering cleared")
	}
}

func TestPlayableSlotsSortedAndFiltered(t *testing.T) {
	pre := &fakePreloader{}
	m := newTestManager(pre)
	_ = m.AssignClip(3, domain.Clip{ID: "c3", TotalFrames: 5})
	_ = m.AssignClip(1, domain.Clip{ID: "c1", TotalFrames: 1})
	_ = m.AssignClip(2, domain.Clip{ID: "c2", TotalFrames: 30})

	got := m.PlayableSlots()
	if len(got) != 2 || got[0] != 2 || got[1] != 3 {
		t.Fatalf("unexpected playable slots: %v", got)
	}
	if all := m.AssignedSlots(); len(all) != 3 {
		t.Fatalf("expected 3 assigned slots, got %v", all)
	}
}

func TestReassignIncrementsVersion(t *testing.T) {
	pre := &fakePreloader{}
	m := newTestManager(pre)
	_ = m.AssignClip(1, domain.Clip{ID: "old", TotalFrames: 10})
	before, _ := m.Snapshot(1)

	_ = m.AssignClip(1, domain.Clip{ID: "new", TotalFrames: 20})
	after, _ := m.Snapshot(1)

	if after.StackVersion != before.StackVersion+1 {
		t.Fatalf("reassign must rebuild the renderer subscription, version %d -> %d",
			before.StackVersion, after.StackVersion)
	}
	if after.Clip.ID != "new" || after.Clip.TotalFrames != 20 {
		t.Fatalf("clip not replaced: %+v", after.Clip)
	}
}
