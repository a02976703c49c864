// Package loader fetches and decodes single frames, de-duplicating
// concurrent requests for the same key and populating the shared cache.
//
// The loader is also the serialization point for the cache: the cache itself
// is not thread-safe, so every component that reads or writes it goes
// through the loader's lock.
package loader

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/violetmx/cineloop/internal/cache"
	"github.com/violetmx/cineloop/internal/domain"
	"github.com/violetmx/cineloop/internal/platform/metrics"
)

// call tracks one in-flight load so that concurrent requests for the same
// key join it instead of issuing a second fetch.
type call struct {
	done  chan struct{}
	frame *domain.Frame
	err   error
}

// Loader loads frames through the upstream source and caches the results.
type Loader struct {
	source        domain.FrameSource
	decodeTimeout time.Duration
	log           *slog.Logger
	metrics       *metrics.Metrics

	mu      sync.Mutex
	frames  *cache.Cache[domain.FrameKey, *domain.Frame]
	pending map[domain.FrameKey]*call
}

// New creates a loader backed by source with the given cache budgets.
func New(source domain.FrameSource, maxEntries int, maxBytes int64, decodeTimeout time.Duration, log *slog.Logger, m *metrics.Metrics) *Loader {
	l := &Loader{
		source:        source,
		decodeTimeout: decodeTimeout,
		log:           log,
		metrics:       m,
		frames:        cache.New[domain.FrameKey, *domain.Frame](maxEntries, maxBytes),
		pending:       make(map[domain.FrameKey]*call),
	}
	l.frames.OnEvict(func(domain.FrameKey, *domain.Frame) {
		m.IncCacheEviction()
	})
	return l
}

// LoadFrame returns the decoded frame for key, promoting it in the cache.
// A miss triggers exactly one fetch+decode regardless of how many callers
// are waiting on the same key. A hit whose bytes were prefetched but not
// yet decoded is decoded on demand. Failures cache nothing, so a later
// call retries.
func (l *Loader) LoadFrame(ctx context.Context, key domain.FrameKey) (*domain.Frame, error) {
	l.mu.Lock()
	if f, ok := l.frames.Get(key); ok && f.Handle != nil {
		l.mu.Unlock()
		l.metrics.IncCacheHit()
		return f, nil
	}
	if c, ok := l.pending[key]; ok {
		l.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.done:
			return c.frame, c.err
		}
	}
	c := &call{done: make(chan struct{})}
	l.pending[key] = c
	l.mu.Unlock()

	l.metrics.IncCacheMiss()

	frame, err := l.fetchAndDecode(ctx, key)

	// This path must always run so a failed key can be retried later.
	l.mu.Lock()
	if err == nil {
		l.frames.Set(key, frame, frame.Size())
	}
	delete(l.pending, key)
	l.mu.Unlock()

	c.frame, c.err = frame, err
	close(c.done)

	return frame, err
}

// Store inserts already-fetched frame bytes into the cache. Used by the
// prefetcher's network phase.
func (l *Loader) Store(key domain.FrameKey, data []byte) {
	f := &domain.Frame{Key: key, Bytes: data}
	l.mu.Lock()
	l.frames.Set(key, f, f.Size())
	l.mu.Unlock()
}

// AttachHandle records the renderer handle on a cached frame after the
// prefetcher's decode phase. The cache entry is replaced with a new Frame
// rather than mutated, so frames already returned to callers stay
// immutable. No recency promotion occurs. A handle that finds no entry, or
// an entry that is already decoded, is released.
func (l *Loader) AttachHandle(key domain.FrameKey, h domain.RendererHandle) {
	l.mu.Lock()
	if f, ok := l.frames.Peek(key); ok && f.Handle == nil {
		nf := &domain.Frame{Key: f.Key, Bytes: f.Bytes, Handle: h}
		l.frames.Replace(key, nf, nf.Size())
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()
	if h != nil {
		h.Release()
	}
}

// Has reports whether key is cached, without promoting it.
func (l *Loader) Has(key domain.FrameKey) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.frames.Has(key)
}

// DropClip removes every cached frame belonging to clip.
func (l *Loader) DropClip(clip domain.ClipID) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.frames.DeleteMatching(func(k domain.FrameKey) bool {
		return k.Clip == clip
	})
}

// Clear empties the cache. Called on invalidating configuration changes.
func (l *Loader) Clear() {
	l.mu.Lock()
	l.frames.Clear()
	l.mu.Unlock()
}

// Stats returns the current cache population.
func (l *Loader) Stats() (entries int, bytes int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.frames.Len(), l.frames.Bytes()
}

func (l *Loader) fetchAndDecode(ctx context.Context, key domain.FrameKey) (*domain.Frame, error) {
	// Bytes may already be cached by the prefetcher's network phase; only
	// the fetch is skipped then, the decode still runs.
	l.mu.Lock()
	var data []byte
	if f, ok := l.frames.Peek(key); ok {
		data = f.Bytes
	}
	l.mu.Unlock()

	if data == nil {
		payloads, err := l.source.FetchBatch(ctx, key.Clip, []int{key.Index}, key.Resolution)
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", key, err)
		}
		payload, ok := payloads[key.Index]
		if !ok {
			return nil, fmt.Errorf("fetch %s: %w", key, domain.ErrFrameUnavailable)
		}
		if payload.Err != nil {
			return nil, fmt.Errorf("fetch %s: %w", key, payload.Err)
		}
		l.metrics.AddFramesFetched(1)
		data = payload.Bytes
	}

	handle, err := l.decode(ctx, key)
	if err != nil {
		l.metrics.AddFrameFailures(1)
		return nil, err
	}
	l.metrics.IncFrameDecoded()

	return &domain.Frame{Key: key, Bytes: data, Handle: handle}, nil
}

// decode runs DecodeAndRegister under the decode deadline. If the deadline
// fires first, the late result's handle is released once it arrives.
func (l *Loader) decode(ctx context.Context, key domain.FrameKey) (domain.RendererHandle, error) {
	dctx, cancel := context.WithTimeout(ctx, l.decodeTimeout)
	defer cancel()

	type result struct {
		handle domain.RendererHandle
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		h, err := l.source.DecodeAndRegister(dctx, key)
		ch <- result{handle: h, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("decode %s: %w", key, r.err)
		}
		return r.handle, nil
	case <-dctx.Done():
		go func() {
			if r := <-ch; r.handle != nil {
				r.handle.Release()
			}
		}()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		l.log.Warn("frame decode timed out", "key", key.String(), "timeout", l.decodeTimeout)
		return nil, fmt.Errorf("decode %s: %w", key, domain.ErrDecodeTimeout)
	}
}
