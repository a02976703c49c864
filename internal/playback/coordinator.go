// Package playback orchestrates playback across many slots at once,
// batching slot start-up so prefetch bursts stay bounded.
package playback

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/violetmx/cineloop/internal/domain"
)

// SlotPlayer is the per-slot surface the coordinator drives. The slot
// manager satisfies it directly; callers may wrap it to hook viewport
// registration into Play.
type SlotPlayer interface {
	PlayableSlots() []domain.SlotID
	AssignedSlots() []domain.SlotID
	Play(ctx context.Context, slot domain.SlotID) (bool, error)
	Pause(slot domain.SlotID)
	Stop(slot domain.SlotID)
}

// SyncBarrier withholds frame advancement until every expected slot has
// registered, then releases them phase-aligned.
type SyncBarrier interface {
	PrepareForSync(expected []domain.SlotID)
	ReleaseBarrier()
}

// Config holds the coordinator's tunables.
type Config struct {
	// BatchSize is the number of slots started per sequential batch.
	BatchSize int
}

// Coordinator runs global play/pause/stop passes over the slot grid.
type Coordinator struct {
	player  SlotPlayer
	barrier SyncBarrier
	cfg     Config
	log     *slog.Logger
}

func New(player SlotPlayer, barrier SyncBarrier, cfg Config, log *slog.Logger) *Coordinator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 4
	}
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{player: player, barrier: barrier, cfg: cfg, log: log}
}

// PlayAll starts playback on every slot holding a playable clip. Slots
// are started in sequential batches; within a batch, start-up waits run
// in parallel. It returns the number of slots that actually started.
func (c *Coordinator) PlayAll(ctx context.Context) int {
	return c.playAll(ctx, false)
}

// PlayAllSync is PlayAll under a sync barrier: no slot's viewport
// advances until the whole pass completes, then all start phase-aligned
// at frame 0. The barrier is always released, even when some slots fail
// to start.
func (c *Coordinator) PlayAllSync(ctx context.Context) int {
	return c.playAll(ctx, true)
}

func (c *Coordinator) playAll(ctx context.Context, synced bool) int {
	slots := c.player.PlayableSlots()
	if len(slots) == 0 {
		return 0
	}

	session := uuid.NewString()
	c.log.Info("global play pass starting",
		"session", session, "slots", len(slots),
		"batchSize", c.cfg.BatchSize, "synced", synced)

	if synced && c.barrier != nil {
		c.barrier.PrepareForSync(slots)
		defer c.barrier.ReleaseBarrier()
	}

	var mu sync.Mutex
	started := 0

	for begin := 0; begin < len(slots); begin += c.cfg.BatchSize {
		if ctx.Err() != nil {
			c.log.Warn("global play pass canceled", "session", session, "started", started)
			break
		}
		end := begin + c.cfg.BatchSize
		if end > len(slots) {
			end = len(slots)
		}
		batch := slots[begin:end]

		var wg sync.WaitGroup
		for _, slot := range batch {
			wg.Add(1)
			go func(slot domain.SlotID) {
				defer wg.Done()
				ok, err := c.player.Play(ctx, slot)
				if err != nil {
					c.log.Warn("slot failed to start",
						"session", session, "slot", slot, "error", err)
					return
				}
				if ok {
					mu.Lock()
					started++
					mu.Unlock()
				}
			}(slot)
		}
		wg.Wait()
	}

	c.log.Info("global play pass finished", "session", session, "started", started)
	return started
}

// PauseAll pauses every assigned slot immediately, unconditionally.
func (c *Coordinator) PauseAll() {
	for _, slot := range c.player.AssignedSlots() {
		c.player.Pause(slot)
	}
}

// StopAll stops every assigned slot immediately, resetting each to
// frame 0.
func (c *Coordinator) StopAll() {
	for _, slot := range c.player.AssignedSlots() {
		c.player.Stop(slot)
	}
}
