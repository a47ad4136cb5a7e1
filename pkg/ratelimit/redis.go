package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Counter TTL runs slightly past the one-minute window to absorb clock skew
// between replicas; expiry is the only release path for reservations.
const windowTTL = 75 * time.Second

// reserveScript performs the atomic two-window reservation for one key.
//
// Contract (documented order): the RPM window is checked and incremented
// first; when the TPM window then rejects, the script decrements the RPM
// counter again so the caller observes all-or-nothing semantics.
//
// KEYS[1] = rpm counter, KEYS[2] = tpm counter
// ARGV[1] = rpm limit, ARGV[2] = tpm limit, ARGV[3] = tokens, ARGV[4] = ttl seconds
//
// Returns {ok, failed_on, remaining_rpm, remaining_tpm} with failed_on one of
// "", "rpm", "tpm". A limit of 0 means the window is unlimited.
var reserveScript = redis.NewScript(`
local rpm_limit = tonumber(ARGV[1])
local tpm_limit = tonumber(ARGV[2])
local tokens = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local rpm = tonumber(redis.call('GET', KEYS[1]) or '0')
if rpm_limit > 0 and rpm + 1 > rpm_limit then
  local tpm = tonumber(redis.call('GET', KEYS[2]) or '0')
  return {0, 'rpm', rpm_limit - rpm, tpm_limit - tpm}
end

local new_rpm = redis.call('INCR', KEYS[1])
if new_rpm == 1 then
  redis.call('EXPIRE', KEYS[1], ttl)
end

local tpm = tonumber(redis.call('GET', KEYS[2]) or '0')
if tpm_limit > 0 and tpm + tokens > tpm_limit then
  redis.call('DECR', KEYS[1])
  return {0, 'tpm', rpm_limit - new_rpm + 1, tpm_limit - tpm}
end

local new_tpm = redis.call('INCRBY', KEYS[2], tokens)
if new_tpm == tokens then
  redis.call('EXPIRE', KEYS[2], ttl)
end

return {1, '', rpm_limit - new_rpm, tpm_limit - new_tpm}
`)

// RedisReserver implements Reserver on a Redis backend using a Lua script
// for atomicity. When the backend is unreachable it degrades to permissive
// mode: the call is allowed, no reservation is recorded, and a warning is
// logged once per failure.
type RedisReserver struct {
	client redis.UniversalClient
	now    func() time.Time
}

// NewRedisReserver creates a reserver over an existing Redis client.
func NewRedisReserver(client redis.UniversalClient) *RedisReserver {
	return &RedisReserver{client: client, now: time.Now}
}

// NewRedisReserverFromURL dials the backend at a redis:// URL.
func NewRedisReserverFromURL(url string) (*RedisReserver, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid rate limit backend URL: %w", err)
	}
	return NewRedisReserver(redis.NewClient(opts)), nil
}

// Reserve implements Reserver.
func (r *RedisReserver) Reserve(ctx context.Context, keyID string, limits Limits, tokens int) (*Reservation, error) {
	window := r.now().Unix() / 60
	rpmKey := fmt.Sprintf("rl:%s:rpm:%d", keyID, window)
	tpmKey := fmt.Sprintf("rl:%s:tpm:%d", keyID, window)

	result, err := reserveScript.Run(ctx, r.client,
		[]string{rpmKey, tpmKey},
		limits.RPM, limits.TPM, tokens, int(windowTTL.Seconds()),
	).Slice()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		slog.Warn("Rate limit backend unreachable, operating in permissive mode",
			"key_id", keyID, "error", err)
		return &Reservation{OK: true, Permissive: true}, nil
	}

	res, err := parseScriptResult(result)
	if err != nil {
		return nil, fmt.Errorf("reserve script returned malformed result: %w", err)
	}
	return res, nil
}

// Ping implements Reserver.
func (r *RedisReserver) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// Close releases the underlying Redis connection.
func (r *RedisReserver) Close() error {
	return r.client.Close()
}

func parseScriptResult(result []any) (*Reservation, error) {
	if len(result) != 4 {
		return nil, fmt.Errorf("expected 4 elements, got %d", len(result))
	}
	ok, isInt := result[0].(int64)
	if !isInt {
		return nil, fmt.Errorf("unexpected ok type %T", result[0])
	}
	failedOn, _ := result[1].(string)
	remRPM, _ := result[2].(int64)
	remTPM, _ := result[3].(int64)

	res := &Reservation{
		OK:           ok == 1,
		FailedOn:     failedOn,
		RemainingRPM: int(remRPM),
		RemainingTPM: int(remTPM),
	}
	if res.RemainingRPM < 0 {
		res.RemainingRPM = 0
	}
	if res.RemainingTPM < 0 {
		res.RemainingTPM = 0
	}
	return res, nil
}
