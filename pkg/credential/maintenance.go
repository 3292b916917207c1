package credential

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/rhuss/restgate/pkg/debug"
)

// Sweeper periodically evicts expired tickets. It only reclaims memory;
// redemption checks expiry on its own, so a stalled sweeper never lets an
// expired ticket through.
type Sweeper struct {
	Tickets  TicketTable
	Interval time.Duration
	Now      func() time.Time
}

// Run sweeps on every tick until ctx is cancelled. It returns nil on
// cancellation so it can run inside an errgroup.
func (s *Sweeper) Run(ctx context.Context) error {
	if s.Interval <= 0 {
		return nil
	}
	now := s.Now
	if now == nil {
		now = time.Now
	}

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sweepOnce(ctx, now())
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context, now time.Time) {
	n, err := s.Tickets.Sweep(ctx, now)
	if err != nil {
		slog.Warn("ticket sweep failed", "error", err)
		return
	}
	if n > 0 {
		debug.Log("tickets", "expired tickets swept", "count", n)
	}
}

// Rotator installs a fresh signing key on a fixed interval and prunes
// retired keys whose grace window has elapsed.
type Rotator struct {
	Keys     *KeyRing
	Interval time.Duration
}

// Run rotates on every tick until ctx is cancelled. A zero interval
// disables time-based rotation.
func (r *Rotator) Run(ctx context.Context) error {
	if r.Interval <= 0 {
		return nil
	}

	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.rotateOnce()
		}
	}
}

func (r *Rotator) rotateOnce() {
	if n := r.Keys.Prune(); n > 0 {
		debug.Log("keys", "retired signing keys pruned", "count", n)
	}
	key, err := r.Keys.Rotate()
	switch {
	case errors.Is(err, ErrKeyHistoryFull):
		// Retried on the next tick, once the oldest grace window has ended.
		slog.Warn("scheduled key rotation skipped", "error", err)
		return
	case err != nil:
		slog.Error("scheduled key rotation failed", "error", err)
		return
	}
	slog.Info("scheduled key rotation", "kid", key.ID,
		"verification_keys", len(r.Keys.VerificationKeys()))
}
