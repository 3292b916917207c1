// Package redis provides a Redis implementation of credential.TicketTable.
// Each ticket is a hash that expires on its own via PEXPIREAT, so the
// periodic sweep has nothing to do.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/rhuss/restgate/pkg/credential"
)

// Config holds Redis connection settings for the ticket table.
type Config struct {
	Addr     string
	Password string
	DB       int

	// KeyPrefix namespaces ticket keys (default: "restgate:ticket:").
	KeyPrefix string
}

// Redemption outcomes returned by redeemScript.
const (
	resultNotFound int64 = iota
	resultRedeemed
	resultAlreadyRedeemed
	resultExpired
)

// insertScript creates the ticket hash only if the key is free.
var insertScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
redis.call("HSET", KEYS[1], "subject", ARGV[1], "scopes", ARGV[2], "created", ARGV[3], "expires", ARGV[4])
redis.call("PEXPIREAT", KEYS[1], ARGV[4])
return 1
`)

// redeemScript checks and flips the redemption state in one atomic step.
// Expired but not yet evicted hashes are deleted and reported as expired.
var redeemScript = goredis.NewScript(`
local t = redis.call("HMGET", KEYS[1], "subject", "scopes", "created", "expires", "redeemed")
if not t[1] then
  return {0}
end
if t[5] then
  return {2}
end
if tonumber(ARGV[1]) >= tonumber(t[4]) then
  redis.call("DEL", KEYS[1])
  return {3}
end
redis.call("HSET", KEYS[1], "redeemed", ARGV[1])
return {1, t[1], t[2], t[3], t[4]}
`)

// Tickets is a Redis-backed ticket table.
type Tickets struct {
	client *goredis.Client
	prefix string
}

// Ensure Tickets implements credential.TicketTable at compile time.
var _ credential.TicketTable = (*Tickets)(nil)

// New connects to Redis and returns a ticket table.
func New(ctx context.Context, cfg Config) (*Tickets, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis addr is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "restgate:ticket:"
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &Tickets{client: client, prefix: cfg.KeyPrefix}, nil
}

// Insert stores a new unredeemed ticket. The hash expires at the ticket's
// expiry instant.
func (t *Tickets) Insert(ctx context.Context, rec *credential.TicketRecord) error {
	res, err := insertScript.Run(ctx, t.client, []string{t.prefix + rec.Key},
		rec.Subject,
		strings.Join(rec.Scopes, " "),
		rec.CreatedAt.UnixMilli(),
		rec.ExpiresAt.UnixMilli(),
	).Int64()
	if err != nil {
		return fmt.Errorf("inserting ticket: %w", err)
	}
	if res == 0 {
		return credential.ErrConflict
	}
	return nil
}

// Redeem flips the ticket to redeemed inside a Lua script, which Redis runs
// without interleaving other commands.
func (t *Tickets) Redeem(ctx context.Context, key string, now time.Time) (*credential.TicketRecord, error) {
	res, err := redeemScript.Run(ctx, t.client, []string{t.prefix + key}, now.UnixMilli()).Slice()
	if err != nil {
		return nil, fmt.Errorf("redeeming ticket: %w", err)
	}
	if len(res) == 0 {
		return nil, errors.New("unexpected redis redeem response")
	}

	code, ok := res[0].(int64)
	if !ok {
		return nil, errors.New("invalid redis redeem status")
	}

	switch code {
	case resultNotFound:
		return nil, credential.ErrTicketNotFound
	case resultAlreadyRedeemed:
		return nil, credential.ErrTicketRedeemed
	case resultExpired:
		return nil, credential.ErrTicketExpired
	case resultRedeemed:
		return decodeRecord(key, res[1:], now)
	default:
		return nil, fmt.Errorf("unknown redis redeem status %d", code)
	}
}

// decodeRecord builds a record from the subject, scopes, created and
// expires fields returned by redeemScript.
func decodeRecord(key string, fields []any, now time.Time) (*credential.TicketRecord, error) {
	if len(fields) != 4 {
		return nil, fmt.Errorf("redis redeem returned %d fields, want 4", len(fields))
	}

	strs := make([]string, len(fields))
	for i, f := range fields {
		s, ok := f.(string)
		if !ok {
			return nil, fmt.Errorf("redis redeem field %d has type %T", i, f)
		}
		strs[i] = s
	}

	created, err := strconv.ParseInt(strs[2], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing created: %w", err)
	}
	expires, err := strconv.ParseInt(strs[3], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing expires: %w", err)
	}

	return &credential.TicketRecord{
		Key:        key,
		Subject:    strs[0],
		Scopes:     strings.Fields(strs[1]),
		CreatedAt:  time.UnixMilli(created),
		ExpiresAt:  time.UnixMilli(expires),
		RedeemedAt: now,
	}, nil
}

// Sweep is a no-op: Redis expires ticket hashes itself.
func (t *Tickets) Sweep(_ context.Context, _ time.Time) (int, error) {
	return 0, nil
}

// HealthCheck pings Redis.
func (t *Tickets) HealthCheck(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}

// Close closes the client.
func (t *Tickets) Close() {
	t.client.Close()
}
