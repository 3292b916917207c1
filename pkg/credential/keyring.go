package credential

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rhuss/restgate/pkg/observability"
)

// MinSecretLength is the minimum HMAC secret size accepted by the key ring.
const MinSecretLength = 32

// SigningKey is one HMAC key in the ring. Keys are never mutated after
// creation; callers must not modify Secret.
type SigningKey struct {
	// ID is placed in the kid header of every token signed with this key.
	ID string

	Secret    []byte
	CreatedAt time.Time

	// RetiredAt is zero while the key is current.
	RetiredAt time.Time

	// ValidUntil is the end of the grace window of a retired key.
	ValidUntil time.Time
}

// Retired reports whether the key has been replaced by a newer one.
func (k SigningKey) Retired() bool {
	return !k.RetiredAt.IsZero()
}

// usableAt reports whether the key may still verify signatures at now.
func (k SigningKey) usableAt(now time.Time) bool {
	return !k.Retired() || now.Before(k.ValidUntil)
}

// KeyRing holds the current signing key and a bounded history of retired
// keys. Retired keys verify signatures until their own grace window ends.
type KeyRing struct {
	mu      sync.RWMutex
	current *SigningKey
	retired []SigningKey // oldest first

	grace      time.Duration
	maxRetired int
	now        func() time.Time
}

// KeyRingOption configures a KeyRing.
type KeyRingOption func(*KeyRing)

// WithGracePeriod sets how long a retired key keeps verifying signatures.
// It should be at least as long as the longest token TTL.
func WithGracePeriod(d time.Duration) KeyRingOption {
	return func(k *KeyRing) { k.grace = d }
}

// WithHistory bounds the number of retired keys kept for verification.
// A rotation that would exceed the bound while every retired key is still
// in grace is refused. Zero keeps no history; negative is unbounded.
func WithHistory(n int) KeyRingOption {
	return func(k *KeyRing) { k.maxRetired = n }
}

// WithKeyClock overrides the time source. Used in tests.
func WithKeyClock(now func() time.Time) KeyRingOption {
	return func(k *KeyRing) { k.now = now }
}

// NewKeyRing creates an empty key ring. Install or Rotate must be called
// before tokens can be issued.
func NewKeyRing(opts ...KeyRingOption) *KeyRing {
	k := &KeyRing{
		grace:      24 * time.Hour,
		maxRetired: 8,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// keyIDNamespace scopes the name-based key ids.
var keyIDNamespace = uuid.MustParse("5b3f0a52-2c1e-4d8e-9a0b-7f1c6e2d4a90")

// KeyID derives the kid for secret. Instances sharing a secret agree on
// its id, so tokens signed by one verify on the others.
func KeyID(secret []byte) string {
	return uuid.NewSHA1(keyIDNamespace, secret).String()
}

// Install makes secret the current signing key, retiring the previous one.
// Installing the current secret again is a no-op. Install fails with
// ErrKeyHistoryFull instead of evicting a retired key that is still inside
// its grace window.
func (k *KeyRing) Install(secret []byte) (SigningKey, error) {
	if len(secret) < MinSecretLength {
		return SigningKey{}, fmt.Errorf("%w: got %d bytes, need %d", ErrWeakSecret, len(secret), MinSecretLength)
	}

	id := KeyID(secret)
	owned := make([]byte, len(secret))
	copy(owned, secret)

	k.mu.Lock()
	defer k.mu.Unlock()

	if k.current != nil && k.current.ID == id {
		return *k.current, nil
	}

	now := k.now()
	if k.current != nil {
		k.trimLocked(now)
		if k.maxRetired > 0 && len(k.retired) >= k.maxRetired {
			return SigningKey{}, fmt.Errorf("%w: %d retired keys in grace, oldest until %s",
				ErrKeyHistoryFull, len(k.retired), k.retired[0].ValidUntil.Format(time.RFC3339))
		}

		if k.maxRetired != 0 {
			old := *k.current
			old.RetiredAt = now
			old.ValidUntil = now.Add(k.grace)
			k.retired = append(k.retired, old)
		}
	}

	key := SigningKey{
		ID:        id,
		Secret:    owned,
		CreatedAt: now,
	}
	k.current = &key

	observability.KeyRotationsTotal.Inc()
	slog.Info("signing key installed", "kid", key.ID, "retired_keys", len(k.retired))
	return key, nil
}

// Rotate generates a fresh random secret and installs it.
func (k *KeyRing) Rotate() (SigningKey, error) {
	secret := make([]byte, MinSecretLength)
	if _, err := rand.Read(secret); err != nil {
		return SigningKey{}, fmt.Errorf("generating signing secret: %w", err)
	}
	return k.Install(secret)
}

// Current returns the key used for new signatures.
func (k *KeyRing) Current() (SigningKey, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if k.current == nil {
		return SigningKey{}, ErrNoCurrentKey
	}
	return *k.current, nil
}

// VerificationKey returns the key with the given id if it is current or
// retired within its grace window.
func (k *KeyRing) VerificationKey(kid string) (SigningKey, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if k.current != nil && k.current.ID == kid {
		return *k.current, nil
	}

	now := k.now()
	for _, key := range k.retired {
		if key.ID == kid && key.usableAt(now) {
			return key, nil
		}
	}
	return SigningKey{}, fmt.Errorf("%w: %q", ErrUnknownKey, kid)
}

// VerificationKeys returns every key that may verify a signature right now,
// current key first.
func (k *KeyRing) VerificationKeys() []SigningKey {
	k.mu.RLock()
	defer k.mu.RUnlock()

	now := k.now()
	keys := make([]SigningKey, 0, len(k.retired)+1)
	if k.current != nil {
		keys = append(keys, *k.current)
	}
	for i := len(k.retired) - 1; i >= 0; i-- {
		if k.retired[i].usableAt(now) {
			keys = append(keys, k.retired[i])
		}
	}
	return keys
}

// Prune drops retired keys whose grace window has elapsed and returns how
// many were removed.
func (k *KeyRing) Prune() int {
	k.mu.Lock()
	defer k.mu.Unlock()

	before := len(k.retired)
	k.trimLocked(k.now())
	return before - len(k.retired)
}

// trimLocked removes retired keys whose grace window has elapsed.
// Must be called with the write lock held.
func (k *KeyRing) trimLocked(now time.Time) {
	kept := k.retired[:0]
	for _, key := range k.retired {
		if key.usableAt(now) {
			kept = append(kept, key)
		}
	}
	k.retired = kept
}
