package producer

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/walpipe/walpipe/telemetry"
	"github.com/walpipe/walpipe/wal"
)

// PositionSource exposes the most recent cached stream position.
type PositionSource interface {
	CurrentPosition() (wal.Position, bool)
}

// SlotAdvancer tells the source it may reclaim log behind a position.
type SlotAdvancer interface {
	Advance(ctx context.Context, retain wal.Position) error
}

// Pinger is a connection health probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SlotMaintainer periodically recomputes the minimum resumable position
// as the current position minus the replayable window and advances the
// source's retained position to it. Losing the maintenance connection
// is fatal; the supervisor restarts the whole pipeline.
type SlotMaintainer struct {
	source      PositionSource
	advancer    SlotAdvancer
	health      Pinger
	windowBytes int64
	interval    time.Duration
}

// NewSlotMaintainer builds a maintainer. health may be nil when no
// separate maintenance connection exists, e.g. in tests.
func NewSlotMaintainer(source PositionSource, advancer SlotAdvancer, health Pinger, windowBytes int64, interval time.Duration) *SlotMaintainer {
	return &SlotMaintainer{
		source:      source,
		advancer:    advancer,
		health:      health,
		windowBytes: windowBytes,
		interval:    interval,
	}
}

// Run ticks until the context is cancelled, returning nil on shutdown
// and the underlying error when an advance fails.
func (s *SlotMaintainer) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.advanceOnce(ctx); err != nil {
				return fmt.Errorf("slot maintenance: %w", err)
			}
		}
	}
}

func (s *SlotMaintainer) advanceOnce(ctx context.Context) error {
	if s.health != nil {
		if err := s.health.Ping(ctx); err != nil {
			return fmt.Errorf("maintenance connection lost: %w", err)
		}
	}

	current, ok := s.source.CurrentPosition()
	if !ok {
		return nil
	}

	retain := wal.Position(0)
	if uint64(current) > uint64(s.windowBytes) {
		retain = current - wal.Position(s.windowBytes)
	}

	if err := s.advancer.Advance(ctx, retain); err != nil {
		return err
	}

	telemetry.SlotAdvancesTotal.Inc()
	log.Debug().
		Stringer("current", current).
		Stringer("retain", retain).
		Msg("Advanced retained stream position")
	return nil
}
