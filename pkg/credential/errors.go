package credential

import "errors"

// Sentinel errors for key ring operations.
var (
	// ErrNoCurrentKey is returned when a token must be signed but no key has
	// been installed yet.
	ErrNoCurrentKey = errors.New("no current signing key")

	// ErrUnknownKey is returned when a key id is not in the ring, or its
	// grace window has elapsed.
	ErrUnknownKey = errors.New("unknown signing key")

	// ErrWeakSecret is returned when installing a secret shorter than
	// MinSecretLength.
	ErrWeakSecret = errors.New("signing secret too short")

	// ErrKeyHistoryFull is returned when a rotation would have to evict a
	// retired key whose grace window has not ended yet.
	ErrKeyHistoryFull = errors.New("signing key history full")
)

// Sentinel errors for ticket table operations.
var (
	// ErrTicketNotFound is returned when a ticket key is unknown or has
	// already been evicted.
	ErrTicketNotFound = errors.New("ticket not found")

	// ErrTicketRedeemed is returned when a ticket has already been redeemed.
	ErrTicketRedeemed = errors.New("ticket already redeemed")

	// ErrTicketExpired is returned when a ticket is past its expiry instant.
	ErrTicketExpired = errors.New("ticket expired")

	// ErrConflict is returned when a ticket with the given key already exists.
	ErrConflict = errors.New("ticket already exists")

	// ErrCapacity is returned when the ticket table is full of live tickets.
	ErrCapacity = errors.New("ticket table at capacity")
)
