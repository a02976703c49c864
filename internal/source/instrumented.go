// Package source provides frame source composition helpers.
package source

import (
	"context"
	"log/slog"
	"time"

	"github.com/violetmx/cineloop/internal/domain"
)

// composite joins an independent fetcher and decoder into one FrameSource.
type composite struct {
	domain.FrameFetcher
	domain.FrameDecoder
}

// Compose builds a FrameSource from a fetcher and a decoder implemented
// separately, such as an archive store paired with a renderer-side decoder.
func Compose(f domain.FrameFetcher, d domain.FrameDecoder) domain.FrameSource {
	return &composite{FrameFetcher: f, FrameDecoder: d}
}

// Instrumented decorates a FrameSource with debug logging of batch timing
// and failures. It changes no behavior: every call is forwarded and every
// error is returned as-is. Counting happens in the loader and prefetcher,
// which know whether a call was a retry or a cache bypass.
type Instrumented struct {
	inner domain.FrameSource
	log   *slog.Logger
}

func NewInstrumented(inner domain.FrameSource, log *slog.Logger) *Instrumented {
	if log == nil {
		log = slog.Default()
	}
	return &Instrumented{inner: inner, log: log}
}

func (s *Instrumented) FetchBatch(ctx context.Context, clip domain.ClipID, indices []int, resolution domain.Resolution) (map[int]domain.FramePayload, error) {
	start := time.Now()
	payloads, err := s.inner.FetchBatch(ctx, clip, indices, resolution)
	if err != nil {
		s.log.Warn("batch fetch failed",
			"clip", clip, "frames", len(indices), "error", err)
		return nil, err
	}

	fetched, failed := 0, 0
	for _, p := range payloads {
		if p.Err != nil {
			failed++
		} else {
			fetched++
		}
	}
	s.log.Debug("batch fetched",
		"clip", clip, "requested", len(indices), "fetched", fetched,
		"failed", failed, "elapsed", time.Since(start))
	return payloads, nil
}

func (s *Instrumented) DecodeAndRegister(ctx context.Context, key domain.FrameKey) (domain.RendererHandle, error) {
	start := time.Now()
	handle, err := s.inner.DecodeAndRegister(ctx, key)
	if err != nil {
		s.log.Warn("frame decode failed", "frame", key, "error", err)
		return nil, err
	}
	s.log.Debug("frame decoded", "frame", key, "elapsed", time.Since(start))
	return handle, nil
}
