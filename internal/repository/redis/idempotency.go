package redisrepo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// IdemState is the outcome of IdempotencyStore.Begin.
type IdemState int

const (
	// IdemStarted means the caller owns the key and must Complete or Abort it.
	IdemStarted IdemState = iota
	// IdemInFlight means another request with the same key is running.
	IdemInFlight
	// IdemReplay means the key already holds a stored response.
	IdemReplay
	// IdemMismatch means the key was used for a different request.
	IdemMismatch
)

// IdemRecord is what an idempotency key holds in redis.
type IdemRecord struct {
	Fingerprint string          `json:"fp"`
	Done        bool            `json:"done"`
	Status      int             `json:"status,omitempty"`
	Body        json.RawMessage `json:"body,omitempty"`
}

// abortScript deletes the key only while it is still an unfinished lock
// taken for the same request.
var abortScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then return 0 end
local rec = cjson.decode(v)
if rec.done or rec.fp ~= ARGV[1] then return 0 end
return redis.call('DEL', KEYS[1])
`)

// IdempotencyStore keeps one record per Idempotency-Key: a short-lived lock
// while the request runs, then the response for ttl.
type IdempotencyStore struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewIdempotencyStore(rdb redis.Cmdable, ttl time.Duration) *IdempotencyStore {
	return &IdempotencyStore{rdb: rdb, ttl: ttl}
}

// Begin claims key for a request identified by fingerprint.
//
// Returns:
//   - IdemStarted with a nil record when the key was free.
//   - IdemReplay with the stored response.
//   - IdemInFlight or IdemMismatch when the caller must not proceed.
func (s *IdempotencyStore) Begin(
	ctx context.Context,
	key, fingerprint string,
	lockTTL time.Duration,
) (IdemState, *IdemRecord, error) {
	const op = "redisrepo.IdempotencyStore.Begin"

	lock, err := json.Marshal(IdemRecord{Fingerprint: fingerprint})
	if err != nil {
		return 0, nil, fmt.Errorf("%s: %w", op, err)
	}

	ok, err := s.rdb.SetNX(ctx, key, lock, lockTTL).Result()
	if err != nil {
		return 0, nil, fmt.Errorf("%s: %w", op, err)
	}
	if ok {
		return IdemStarted, nil, nil
	}

	rec, err := s.get(ctx, key)
	if err != nil {
		return 0, nil, fmt.Errorf("%s: %w", op, err)
	}

	switch {
	case rec == nil:
		// Expired between SETNX and GET.
		return IdemInFlight, nil, nil
	case rec.Fingerprint != fingerprint:
		return IdemMismatch, rec, nil
	case !rec.Done:
		return IdemInFlight, rec, nil
	default:
		return IdemReplay, rec, nil
	}
}

// Complete stores the response for key.
func (s *IdempotencyStore) Complete(ctx context.Context, key, fingerprint string, status int, body []byte) error {
	b, err := json.Marshal(IdemRecord{
		Fingerprint: fingerprint,
		Done:        true,
		Status:      status,
		Body:        body,
	})
	if err != nil {
		return err
	}

	return s.rdb.Set(ctx, key, b, s.ttl).Err()
}

// Abort frees key so the request can be retried. Stored responses and locks
// held for other requests are left alone.
func (s *IdempotencyStore) Abort(ctx context.Context, key, fingerprint string) error {
	return abortScript.Run(ctx, s.rdb, []string{key}, fingerprint).Err()
}

func (s *IdempotencyStore) get(ctx context.Context, key string) (*IdemRecord, error) {
	v, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var rec IdemRecord
	if err := json.Unmarshal(v, &rec); err != nil {
		return nil, err
	}

	return &rec, nil
}
