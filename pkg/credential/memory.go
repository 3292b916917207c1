package credential

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rhuss/restgate/pkg/observability"
)

const (
	stateUnredeemed int32 = iota
	stateRedeemed
)

// ticketEntry holds a stored ticket and its redemption state. The record
// is immutable after insertion; only state changes.
type ticketEntry struct {
	rec        TicketRecord
	state      atomic.Int32
	redeemedAt atomic.Int64 // unix nanos, set by the winning redeemer
}

// MemoryTickets is an in-memory TicketTable. Tickets are lost when the
// process restarts.
//
// Membership is guarded by an RWMutex, but redemption itself is a
// compare-and-swap on the entry's state, so concurrent redemptions of
// different tickets only share a read lock.
type MemoryTickets struct {
	mu      sync.RWMutex
	entries map[string]*ticketEntry
	maxSize int // 0 = unlimited
}

// Ensure MemoryTickets implements TicketTable at compile time.
var _ TicketTable = (*MemoryTickets)(nil)

// NewMemoryTickets creates an in-memory ticket table. If maxSize is 0, the
// table grows without limit. If maxSize > 0, Insert sweeps expired tickets
// when the limit is reached and fails with ErrCapacity if that is not
// enough.
func NewMemoryTickets(maxSize int) *MemoryTickets {
	return &MemoryTickets{
		entries: make(map[string]*ticketEntry),
		maxSize: maxSize,
	}
}

// Insert stores a new unredeemed ticket.
func (m *MemoryTickets) Insert(_ context.Context, rec *TicketRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[rec.Key]; exists {
		return ErrConflict
	}

	if m.maxSize > 0 && len(m.entries) >= m.maxSize {
		m.sweepLocked(rec.CreatedAt)
		if len(m.entries) >= m.maxSize {
			return ErrCapacity
		}
	}

	e := &ticketEntry{rec: *rec}
	e.rec.Scopes = append([]string(nil), rec.Scopes...)
	e.rec.RedeemedAt = time.Time{}
	m.entries[rec.Key] = e

	observability.TicketsLive.Set(float64(len(m.entries)))
	return nil
}

// Redeem atomically flips the ticket from unredeemed to redeemed.
func (m *MemoryTickets) Redeem(_ context.Context, key string, now time.Time) (*TicketRecord, error) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()

	if !ok {
		return nil, ErrTicketNotFound
	}

	if e.state.Load() == stateRedeemed {
		return nil, ErrTicketRedeemed
	}

	if !now.Before(e.rec.ExpiresAt) {
		m.evict(key, e)
		return nil, ErrTicketExpired
	}

	if !e.state.CompareAndSwap(stateUnredeemed, stateRedeemed) {
		return nil, ErrTicketRedeemed
	}
	e.redeemedAt.Store(now.UnixNano())

	rec := e.rec
	rec.Scopes = append([]string(nil), e.rec.Scopes...)
	rec.RedeemedAt = now
	return &rec, nil
}

// Sweep evicts every ticket whose expiry is at or before now. Redeemed
// tickets stay in the table until they expire so that replays keep
// reporting ErrTicketRedeemed.
func (m *MemoryTickets) Sweep(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sweepLocked(now), nil
}

// Len returns the number of tickets currently held.
func (m *MemoryTickets) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// HealthCheck always returns nil for the in-memory table.
func (m *MemoryTickets) HealthCheck(_ context.Context) error {
	return nil
}

// Close is a no-op for the in-memory table.
func (m *MemoryTickets) Close() {}

// evict removes e if it is still the entry stored under key.
func (m *MemoryTickets) evict(key string, e *ticketEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.entries[key]; ok && cur == e {
		delete(m.entries, key)
		observability.TicketsSweptTotal.Inc()
		observability.TicketsLive.Set(float64(len(m.entries)))
	}
}

// sweepLocked removes expired entries. Must be called with the write lock held.
func (m *MemoryTickets) sweepLocked(now time.Time) int {
	removed := 0
	for key, e := range m.entries {
		if !now.Before(e.rec.ExpiresAt) {
			delete(m.entries, key)
			removed++
		}
	}
	if removed > 0 {
		observability.TicketsSweptTotal.Add(float64(removed))
	}
	observability.TicketsLive.Set(float64(len(m.entries)))
	return removed
}
