package redis

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/rhuss/restgate/pkg/credential"
)

// setupTestRedis starts a Redis container and returns a ticket table. Tests
// are skipped if no container runtime is available.
func setupTestRedis(t *testing.T) *Tickets {
	t.Helper()

	if os.Getenv("SKIP_INTEGRATION") == "true" {
		t.Skip("SKIP_INTEGRATION=true, skipping Redis integration tests")
	}

	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("skipping: could not start Redis container: %v", err)
	}
	t.Cleanup(func() {
		container.Terminate(context.Background())
	})

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	tickets, err := New(ctx, Config{Addr: endpoint, KeyPrefix: "test:ticket:"})
	require.NoError(t, err)
	t.Cleanup(tickets.Close)

	return tickets
}

func makeTicket(key string, created time.Time, ttl time.Duration) *credential.TicketRecord {
	return &credential.TicketRecord{
		Key:       key,
		Subject:   "alice",
		Scopes:    []string{"rest:events", "rest:read"},
		CreatedAt: created,
		ExpiresAt: created.Add(ttl),
	}
}

func TestRedis_InsertAndRedeem(t *testing.T) {
	tickets := setupTestRedis(t)
	ctx := context.Background()
	t0 := time.Now().Truncate(time.Millisecond)

	require.NoError(t, tickets.Insert(ctx, makeTicket("k1", t0, time.Minute)))

	rec, err := tickets.Redeem(ctx, "k1", t0.Add(10*time.Second))
	require.NoError(t, err)
	assert.Equal(t, "alice", rec.Subject)
	assert.Equal(t, []string{"rest:events", "rest:read"}, rec.Scopes)
	assert.True(t, rec.ExpiresAt.Equal(t0.Add(time.Minute)))
	assert.True(t, rec.Redeemed())

	_, err = tickets.Redeem(ctx, "k1", t0.Add(11*time.Second))
	assert.ErrorIs(t, err, credential.ErrTicketRedeemed)
}

func TestRedis_NotFound(t *testing.T) {
	tickets := setupTestRedis(t)

	_, err := tickets.Redeem(context.Background(), "missing", time.Now())
	assert.ErrorIs(t, err, credential.ErrTicketNotFound)
}

func TestRedis_Duplicate(t *testing.T) {
	tickets := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, tickets.Insert(ctx, makeTicket("dup", time.Now(), time.Minute)))
	assert.ErrorIs(t, tickets.Insert(ctx, makeTicket("dup", time.Now(), time.Minute)), credential.ErrConflict)
}

func TestRedis_ExpiredBeforeRedisEviction(t *testing.T) {
	tickets := setupTestRedis(t)
	ctx := context.Background()
	t0 := time.Now()

	// Redis still holds the hash for a minute; the script must reject it
	// based on the caller's clock.
	require.NoError(t, tickets.Insert(ctx, makeTicket("exp", t0, time.Minute)))

	_, err := tickets.Redeem(ctx, "exp", t0.Add(2*time.Minute))
	assert.ErrorIs(t, err, credential.ErrTicketExpired)

	_, err = tickets.Redeem(ctx, "exp", t0.Add(2*time.Minute))
	assert.ErrorIs(t, err, credential.ErrTicketNotFound)
}

func TestRedis_EmptyScopes(t *testing.T) {
	tickets := setupTestRedis(t)
	ctx := context.Background()
	t0 := time.Now()

	rec := makeTicket("noscope", t0, time.Minute)
	rec.Scopes = nil
	require.NoError(t, tickets.Insert(ctx, rec))

	got, err := tickets.Redeem(ctx, "noscope", t0)
	require.NoError(t, err)
	assert.Empty(t, got.Scopes)
}

func TestRedis_ConcurrentRedeemExactlyOnce(t *testing.T) {
	tickets := setupTestRedis(t)
	ctx := context.Background()
	t0 := time.Now()

	const keys = 5
	const callers = 16
	for i := 0; i < keys; i++ {
		require.NoError(t, tickets.Insert(ctx, makeTicket(fmt.Sprintf("race%d", i), t0, time.Minute)))
	}

	var wins [keys]atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < keys; i++ {
		for c := 0; c < callers; c++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := tickets.Redeem(ctx, fmt.Sprintf("race%d", i), t0.Add(time.Second))
				if err == nil {
					wins[i].Add(1)
					return
				}
				assert.ErrorIs(t, err, credential.ErrTicketRedeemed)
			}(i)
		}
	}
	wg.Wait()

	for i := 0; i < keys; i++ {
		assert.Equal(t, int32(1), wins[i].Load(), "ticket race%d", i)
	}
}

func TestRedis_SweepAndHealth(t *testing.T) {
	tickets := setupTestRedis(t)
	ctx := context.Background()

	n, err := tickets.Sweep(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, tickets.HealthCheck(ctx))
}

func TestDecodeRecord(t *testing.T) {
	now := time.UnixMilli(5000)

	rec, err := decodeRecord("k", []any{"bob", "a b", "1000", "61000"}, now)
	require.NoError(t, err)
	assert.Equal(t, "bob", rec.Subject)
	assert.Equal(t, []string{"a", "b"}, rec.Scopes)
	assert.Equal(t, time.UnixMilli(61000), rec.ExpiresAt)
	assert.Equal(t, now, rec.RedeemedAt)

	_, err = decodeRecord("k", []any{"bob"}, now)
	assert.Error(t, err)

	_, err = decodeRecord("k", []any{"bob", "", "x", "1"}, now)
	assert.Error(t, err)
}

func TestNew_RequiresAddr(t *testing.T) {
	_, err := New(context.Background(), Config{})
	assert.Error(t, err)
}
