package credential

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// TicketRecord is the server-side state of a single-use ticket. Tables key
// records by the SHA-256 hash of the ticket identifier so that a leaked
// table does not hand out redeemable tickets.
type TicketRecord struct {
	Key        string
	Subject    string
	Scopes     []string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	RedeemedAt time.Time // zero while unredeemed
}

// Redeemed reports whether the ticket has been redeemed.
func (r *TicketRecord) Redeemed() bool {
	return !r.RedeemedAt.IsZero()
}

// TicketTable stores tickets and performs the single redemption transition.
// Implementations must be safe for concurrent use and Redeem must be
// linearizable per key: for one key, at most one call ever succeeds.
type TicketTable interface {
	// Insert stores a new unredeemed ticket. Returns ErrConflict if the key
	// exists and ErrCapacity if the table is full.
	Insert(ctx context.Context, rec *TicketRecord) error

	// Redeem flips the ticket to redeemed and returns its record. Returns
	// ErrTicketNotFound, ErrTicketRedeemed or ErrTicketExpired otherwise.
	// A ticket whose expiry is at or before now is never redeemed.
	Redeem(ctx context.Context, key string, now time.Time) (*TicketRecord, error)

	// Sweep evicts tickets whose expiry is at or before now and returns how
	// many were removed. Eviction never counts as a redemption.
	Sweep(ctx context.Context, now time.Time) (int, error)

	// HealthCheck verifies the backing store is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases any resources held by the table.
	Close()
}

// HashTicketID derives the table key for a ticket identifier.
func HashTicketID(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])
}
