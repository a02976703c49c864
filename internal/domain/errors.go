package domain

import "errors"

// Sentinel errors for engine operations
var (
	// ErrSlotEmpty indicates an operation on a slot with no assigned clip
	ErrSlotEmpty = errors.New("slot has no assigned clip")

	// ErrNotPlayable indicates the assigned clip has one frame or fewer
	ErrNotPlayable = errors.New("clip is not playable")

	// ErrFrameUnavailable indicates a frame is missing from the source
	ErrFrameUnavailable = errors.New("frame unavailable")

	// ErrDecodeTimeout indicates a decode exceeded its deadline
	ErrDecodeTimeout = errors.New("decode timed out")

	// ErrClipNotFound indicates the requested clip does not exist
	ErrClipNotFound = errors.New("clip not found")
)
