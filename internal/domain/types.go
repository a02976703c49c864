package domain

import "fmt"

// ClipID identifies one multi-frame image instance.
type ClipID string

// SlotID identifies one viewport in a grid layout. A slot holds at most
// one clip.
type SlotID int

// Resolution is the tier at which frames are fetched and decoded.
type Resolution string

const (
	ResolutionThumbnail Resolution = "thumbnail"
	ResolutionStandard  Resolution = "standard"
	ResolutionFull      Resolution = "full"
)

// Clip describes a playable multi-frame image.
type Clip struct {
	ID          ClipID
	TotalFrames int
}

// Playable reports whether the clip has enough frames for cine playback.
// Single-frame images are displayed statically and never played.
func (c Clip) Playable() bool {
	return c.TotalFrames > 1
}

// FrameKey uniquely identifies one decodable unit: a frame of a clip at a
// resolution tier. Keys are immutable once constructed.
type FrameKey struct {
	Clip       ClipID
	Index      int
	Resolution Resolution
}

func (k FrameKey) String() string {
	return fmt.Sprintf("%s/%d@%s", k.Clip, k.Index, k.Resolution)
}

// FramePayload is the result of fetching a single frame within a batch.
// Exactly one of Bytes or Err is meaningful.
type FramePayload struct {
	Bytes []byte
	Err   error
}

// Frame is a fetched frame held in the shared cache.
//
// A Frame is never modified once it leaves the loader; the same Frame may
// be handed to several renderers concurrently, and the loader swaps in a
// new Frame value when a handle is attached later. Consumers must
// hold their own reference rather than re-fetch mid-use, since eviction can
// remove an entry that is still in use elsewhere.
type Frame struct {
	Key    FrameKey
	Bytes  []byte
	Handle RendererHandle // non-nil once the frame has been decoded and registered
}

// Size is the byte cost the frame contributes to the cache budget.
func (f *Frame) Size() int64 {
	if f == nil {
		return 0
	}
	return int64(len(f.Bytes))
}
