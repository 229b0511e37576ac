// Package redis provides a Redis-backed admission store for uploadgate.
//
// Each identity is one Redis hash holding its balance, day marker and last
// admission time. Consume, refund and the paired admission commit run as Lua
// scripts, so several service instances can share one Redis safely.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/uploadgate"
)

// Store is a Redis-backed Ledger, Tracker and Committer.
type Store struct {
	client    goredis.Cmdable
	keyPrefix string
	entryTTL  time.Duration
	dailyMax  atomic.Int64
	cooldown  time.Duration
	loc       *time.Location
}

var (
	_ uploadgate.Store            = (*Store)(nil)
	_ uploadgate.Committer        = (*Store)(nil)
	_ uploadgate.LedgerConfigurer = (*Store)(nil)
)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "uploadgate:admission:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// WithEntryTTL expires idle identity hashes after ttl. An expired hash reads as
// a fresh identity, so ttl must exceed one day plus the cooldown.
func WithEntryTTL(ttl time.Duration) Option {
	return func(s *Store) { s.entryTTL = ttl }
}

// New creates a new Redis-backed store enforcing p.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func New(client goredis.Cmdable, p uploadgate.Policy, opts ...Option) *Store {
	s := &Store{
		client:    client,
		keyPrefix: "uploadgate:admission:",
		cooldown:  p.Cooldown,
		loc:       p.Location,
	}
	s.dailyMax.Store(p.MaxDailyTokens)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) key(id uploadgate.Identity) string {
	return s.keyPrefix + string(id)
}

func (s *Store) ttlMillis() int64 {
	return s.entryTTL.Milliseconds()
}

// SetDailyMax changes the maximum used by the next lazy reset.
func (s *Store) SetDailyMax(n int64) { s.dailyMax.Store(n) }

// Duration returns the cooldown window.
func (s *Store) Duration() time.Duration { return s.cooldown }

// resetLua is shared by the scripts: it (re)initialises the balance when the
// stored day marker differs from today.
const resetLua = `
local key = KEYS[1]
local today = ARGV[1]
local max = ARGV[2]
if redis.call("HGET", key, "day") ~= today then
    redis.call("HSET", key, "balance", max, "day", today)
end
`

const expireLua = `
local ttl = tonumber(ARGV[3])
if ttl > 0 then
    redis.call("PEXPIRE", key, ttl)
end
`

// consumeScript is an atomic check-and-decrement.
// KEYS[1] = identity hash key
// ARGV[1] = today, ARGV[2] = daily max, ARGV[3] = ttl ms, ARGV[4] = amount
//
// Returns the new balance, or -1 when the balance is insufficient.
var consumeScript = goredis.NewScript(resetLua + expireLua + `
local amount = tonumber(ARGV[4])
local balance = tonumber(redis.call("HGET", key, "balance") or "0")
if balance < amount then
    return -1
end
return redis.call("HINCRBY", key, "balance", -amount)
`)

// refundScript credits today's balance, capped at the daily max.
// ARGV as consumeScript.
var refundScript = goredis.NewScript(resetLua + expireLua + `
local amount = tonumber(ARGV[4])
local balance = tonumber(redis.call("HGET", key, "balance") or "0") + amount
if balance > tonumber(max) then
    balance = tonumber(max)
end
redis.call("HSET", key, "balance", balance)
return balance
`)

// commitScript applies the paired admission commit.
// ARGV[1..4] as consumeScript, ARGV[5] = now ms, ARGV[6] = cooldown ms.
//
// Returns {code, balance, cooldown_left_ms}:
//
//	1 = admitted
//	0 = quota exhausted
//	2 = in cooldown
var commitScript = goredis.NewScript(resetLua + expireLua + `
local amount = tonumber(ARGV[4])
local now = tonumber(ARGV[5])
local cooldown = tonumber(ARGV[6])
local balance = tonumber(redis.call("HGET", key, "balance") or "0")
local last = tonumber(redis.call("HGET", key, "last_ms") or "0")
local left = 0
if last > 0 then
    left = cooldown - (now - last)
    if left < 0 then
        left = 0
    elseif left > cooldown then
        left = cooldown
    end
end
if balance < amount then
    return {0, balance, left}
end
if left > 0 then
    return {2, balance, left}
end
balance = redis.call("HINCRBY", key, "balance", -amount)
redis.call("HSET", key, "last_ms", now)
return {1, balance, cooldown}
`)

func (s *Store) scriptArgs(now time.Time, amount int64) []any {
	return []any{
		uploadgate.DayMarker(now, s.loc),
		strconv.FormatInt(s.dailyMax.Load(), 10),
		s.ttlMillis(),
		amount,
	}
}

// Peek returns the balance after a read-only lazy reset check.
func (s *Store) Peek(ctx context.Context, id uploadgate.Identity, now time.Time) (int64, error) {
	vals, err := s.client.HMGet(ctx, s.key(id), "balance", "day").Result()
	if err != nil {
		return 0, fmt.Errorf("uploadgate/redis: peek: %w", err)
	}

	max := s.dailyMax.Load()
	day, _ := vals[1].(string)
	if vals[0] == nil || day != uploadgate.DayMarker(now, s.loc) {
		return max, nil
	}

	raw, _ := vals[0].(string)
	balance, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("uploadgate/redis: peek: parse balance %q: %w", raw, err)
	}
	return balance, nil
}

// TryConsume atomically decrements the balance if enough remains.
func (s *Store) TryConsume(ctx context.Context, id uploadgate.Identity, now time.Time, amount int64) (bool, error) {
	if amount <= 0 {
		return false, fmt.Errorf("uploadgate/redis: consume: amount must be positive, got %d", amount)
	}
	result, err := consumeScript.Run(ctx, s.client,
		[]string{s.key(id)},
		s.scriptArgs(now, amount)...,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("uploadgate/redis: consume: %w", err)
	}
	return result >= 0, nil
}

// Refund credits amount back to today's balance.
func (s *Store) Refund(ctx context.Context, id uploadgate.Identity, now time.Time, amount int64) error {
	if amount <= 0 {
		return nil
	}
	err := refundScript.Run(ctx, s.client,
		[]string{s.key(id)},
		s.scriptArgs(now, amount)...,
	).Err()
	if err != nil {
		return fmt.Errorf("uploadgate/redis: refund: %w", err)
	}
	return nil
}

// Remaining returns the unelapsed cooldown in whole seconds.
func (s *Store) Remaining(ctx context.Context, id uploadgate.Identity, now time.Time) (int64, error) {
	raw, err := s.client.HGet(ctx, s.key(id), "last_ms").Result()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("uploadgate/redis: remaining: %w", err)
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("uploadgate/redis: remaining: parse last_ms %q: %w", raw, err)
	}
	return uploadgate.RemainingSeconds(time.UnixMilli(ms), s.cooldown, now), nil
}

// MarkAdmitted restarts the cooldown of id at now.
func (s *Store) MarkAdmitted(ctx context.Context, id uploadgate.Identity, now time.Time) error {
	key := s.key(id)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, "last_ms", now.UnixMilli())
	if s.entryTTL > 0 {
		pipe.PExpire(ctx, key, s.entryTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("uploadgate/redis: mark admitted: %w", err)
	}
	return nil
}

// Commit consumes amount tokens and restarts the cooldown in one script,
// re-checking both conditions inside it.
func (s *Store) Commit(ctx context.Context, id uploadgate.Identity, now time.Time, amount int64) (uploadgate.CommitResult, error) {
	if amount <= 0 {
		return uploadgate.CommitResult{}, fmt.Errorf("uploadgate/redis: commit: amount must be positive, got %d", amount)
	}
	args := append(s.scriptArgs(now, amount), now.UnixMilli(), s.cooldown.Milliseconds())
	vals, err := commitScript.Run(ctx, s.client, []string{s.key(id)}, args...).Int64Slice()
	if err != nil {
		return uploadgate.CommitResult{}, fmt.Errorf("uploadgate/redis: commit: %w", err)
	}
	if len(vals) != 3 {
		return uploadgate.CommitResult{}, fmt.Errorf("uploadgate/redis: commit: unexpected result %v", vals)
	}

	res := uploadgate.CommitResult{
		TokensRemaining:   vals[1],
		CooldownRemaining: uploadgate.DurationSeconds(time.Duration(vals[2]) * time.Millisecond),
	}
	switch vals[0] {
	case 1:
		res.Admitted = true
		res.Reason = uploadgate.ReasonOK
	case 0:
		res.Reason = uploadgate.ReasonQuotaExhausted
	case 2:
		res.Reason = uploadgate.ReasonInCooldown
	default:
		return uploadgate.CommitResult{}, fmt.Errorf("uploadgate/redis: unexpected commit result: %d", vals[0])
	}
	return res, nil
}
