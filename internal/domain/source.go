package domain

import "context"

// FrameFetcher is the network/storage half of the upstream collaborator.
// A fetch covers many frames in one call; per-frame failures are reported
// in the returned payloads, a non-nil error means the whole batch failed.
type FrameFetcher interface {
	FetchBatch(ctx context.Context, clip ClipID, indices []int, resolution Resolution) (map[int]FramePayload, error)
}

// FrameDecoder decodes one frame and registers it with the renderer,
// returning the handle through which the frame is displayed. Registration
// must be idempotent: decoding the same key twice is allowed and returns
// an equivalent handle.
type FrameDecoder interface {
	DecodeAndRegister(ctx context.Context, key FrameKey) (RendererHandle, error)
}

// FrameSource is the full upstream collaborator contract. Implementations
// should handle concurrent access; the engine bounds its own concurrency
// through batch sizes and worker caps.
type FrameSource interface {
	FrameFetcher
	FrameDecoder
}

// RendererHandle is the downstream rendering surface for one viewport.
// The animation scheduler drives playback exclusively through this
// interface; no other engine state is written per tick.
type RendererHandle interface {
	// SetFrameIndex selects the frame the viewport displays next.
	SetFrameIndex(index int)

	// Render draws the currently selected frame.
	Render()

	// Release frees any native resources held by the handle. Called when a
	// decode result arrives after its deadline and must be discarded.
	Release()
}
