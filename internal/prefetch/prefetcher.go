// Package prefetch fills a whole clip's frames in two phases: a network
// phase that fetches compact byte payloads in fixed batches, and a decode
// phase that registers frames with the renderer under a bounded concurrency
// cap.
//
// The phases are strictly serialized: no decode starts before every fetch
// batch has returned. Per-frame failures in either phase are logged and
// counted toward progress but never abort sibling work, so a clip with a
// few bad frames stays playable with gaps.
package prefetch

import (
	"context"
	"log/slog"
	"sync"

	"github.com/violetmx/cineloop/internal/domain"
	"github.com/violetmx/cineloop/internal/loader"
	"github.com/violetmx/cineloop/internal/platform/metrics"
)

// Config bounds the prefetcher's batch sizes and concurrency.
type Config struct {
	// Phase1BatchSize is the number of frames fetched per network call.
	Phase1BatchSize int

	// Phase2BatchSize is the number of frames decoded per batch.
	Phase2BatchSize int

	// Phase2Concurrency is the number of decode batches running at once.
	Phase2Concurrency int
}

// Job describes one clip-wide prefetch run.
type Job struct {
	ID          string
	Clip        domain.ClipID
	TotalFrames int
	Resolution  domain.Resolution

	// OnProgress receives (completed, total) work units. Each frame counts
	// twice: once when its bytes land and once when its decode settles, so
	// the end of the fetch phase sits at exactly half the total.
	OnProgress func(completed, total int)

	// OnFrameReady is invoked as each frame becomes usable: in the fetch
	// phase when its bytes are cached, in the decode phase when it is
	// registered with the renderer.
	OnFrameReady func(index int)
}

// Prefetcher runs two-phase clip prefetch against a frame source.
type Prefetcher struct {
	source  domain.FrameSource
	frames  *loader.Loader
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics
}

// New creates a prefetcher writing through the given loader's cache.
// Zero config fields fall back to defaults.
func New(source domain.FrameSource, frames *loader.Loader, cfg Config, log *slog.Logger, m *metrics.Metrics) *Prefetcher {
	if cfg.Phase1BatchSize <= 0 {
		cfg.Phase1BatchSize = 50
	}
	if cfg.Phase2BatchSize <= 0 {
		cfg.Phase2BatchSize = 50
	}
	if cfg.Phase2Concurrency <= 0 {
		cfg.Phase2Concurrency = 4
	}
	return &Prefetcher{
		source:  source,
		frames:  frames,
		cfg:     cfg,
		log:     log,
		metrics: m,
	}
}

// Run executes both phases for job. It returns an error only when ctx is
// cancelled; per-frame failures are swallowed per the continue-on-error
// policy.
func (p *Prefetcher) Run(ctx context.Context, job Job) error {
	total := job.TotalFrames
	if total <= 0 {
		return nil
	}

	prog := &progress{total: 2 * total, cb: job.OnProgress}

	if err := p.fetchPhase(ctx, job, prog); err != nil {
		return err
	}
	return p.decodePhase(ctx, job, prog)
}

func (p *Prefetcher) fetchPhase(ctx context.Context, job Job, prog *progress) error {
	for start := 0; start < job.TotalFrames; start += p.cfg.Phase1BatchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+p.cfg.Phase1BatchSize, job.TotalFrames)

		indices := make([]int, 0, end-start)
		for i := start; i < end; i++ {
			if p.frames.Has(p.key(job, i)) {
				// Already cached by an earlier run or an on-demand load.
				prog.add(1)
				p.ready(job, i)
				continue
			}
			indices = append(indices, i)
		}
		if len(indices) == 0 {
			continue
		}

		payloads, err := p.source.FetchBatch(ctx, job.Clip, indices, job.Resolution)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.log.Warn("batch fetch failed",
				"job", job.ID, "clip", job.Clip, "from", start, "frames", len(indices), "error", err)
			p.metrics.AddFrameFailures(len(indices))
			prog.add(len(indices))
			continue
		}

		if err := ctx.Err(); err != nil {
			// Cancelled while the batch was in flight; drop the payloads
			// instead of writing stale frames into a cleared cache.
			return err
		}

		fetched := 0
		for _, i := range indices {
			payload, ok := payloads[i]
			switch {
			case !ok:
				p.log.Debug("frame missing from batch response", "job", job.ID, "clip", job.Clip, "frame", i)
				p.metrics.AddFrameFailures(1)
			case payload.Err != nil:
				p.log.Debug("frame fetch failed", "job", job.ID, "clip", job.Clip, "frame", i, "error", payload.Err)
				p.metrics.AddFrameFailures(1)
			default:
				p.frames.Store(p.key(job, i), payload.Bytes)
				fetched++
				p.ready(job, i)
			}
			prog.add(1)
		}
		p.metrics.AddFramesFetched(fetched)
	}
	return nil
}

func (p *Prefetcher) decodePhase(ctx context.Context, job Job, prog *progress) error {
	sem := make(chan struct{}, p.cfg.Phase2Concurrency)
	var wg sync.WaitGroup

	for start := 0; start < job.TotalFrames; start += p.cfg.Phase2BatchSize {
		end := min(start+p.cfg.Phase2BatchSize, job.TotalFrames)

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		}

		wg.Add(1)
		go func(from, to int) {
			defer wg.Done()
			defer func() { <-sem }()
			p.decodeBatch(ctx, job, from, to, prog)
		}(start, end)
	}

	wg.Wait()
	return ctx.Err()
}

func (p *Prefetcher) decodeBatch(ctx context.Context, job Job, from, to int, prog *progress) {
	for i := from; i < to; i++ {
		if ctx.Err() != nil {
			return
		}
		key := p.key(job, i)
		if !p.frames.Has(key) {
			// Fetch failed earlier; nothing to decode.
			prog.add(1)
			continue
		}
		handle, err := p.source.DecodeAndRegister(ctx, key)
		if err != nil {
			p.log.Warn("frame decode failed", "job", job.ID, "clip", job.Clip, "frame", i, "error", err)
			p.metrics.AddFrameFailures(1)
			prog.add(1)
			continue
		}
		p.frames.AttachHandle(key, handle)
		p.metrics.IncFrameDecoded()
		p.ready(job, i)
		prog.add(1)
	}
}

func (p *Prefetcher) key(job Job, index int) domain.FrameKey {
	return domain.FrameKey{Clip: job.Clip, Index: index, Resolution: job.Resolution}
}

func (p *Prefetcher) ready(job Job, index int) {
	if job.OnFrameReady != nil {
		job.OnFrameReady(index)
	}
}

// progress serializes completion reporting so the callback sees a
// monotonically increasing counter.
type progress struct {
	mu    sync.Mutex
	done  int
	total int
	cb    func(completed, total int)
}

func (p *progress) add(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.done += n
	if p.done > p.total {
		p.done = p.total
	}
	if p.cb != nil {
		p.cb(p.done, p.total)
	}
}
