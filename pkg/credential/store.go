package credential

import (
	"context"
	"fmt"
)

// Store is the single owner of key material and ticket state. Providers
// hold a *Store and never keep private copies of either.
type Store struct {
	Keys    *KeyRing
	Tickets TicketTable
}

// NewStore creates a Store from a key ring and a ticket table. A nil table
// falls back to an unbounded in-memory table.
func NewStore(keys *KeyRing, tickets TicketTable) *Store {
	if keys == nil {
		keys = NewKeyRing()
	}
	if tickets == nil {
		tickets = NewMemoryTickets(0)
	}
	return &Store{Keys: keys, Tickets: tickets}
}

// Ready reports whether the store can serve both providers: a signing key
// is installed and the ticket table is reachable.
func (s *Store) Ready(ctx context.Context) error {
	if _, err := s.Keys.Current(); err != nil {
		return err
	}
	if err := s.Tickets.HealthCheck(ctx); err != nil {
		return fmt.Errorf("ticket table: %w", err)
	}
	return nil
}

// Close releases the ticket table.
func (s *Store) Close() {
	s.Tickets.Close()
}
