// Package idempotency gates mutating commands behind client-chosen keys.
//
// A key is reserved with Begin, then settled with Succeed, Fail or Release.
// Records expire after a fixed TTL; an expired record is treated as absent and
// the key may be reused as if new.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/punchamoorthee/transferops/internal/domain"
	"github.com/punchamoorthee/transferops/internal/store"
)

const DefaultTTL = 24 * time.Hour

type Keeper struct {
	ttl time.Duration
	now func() time.Time
}

func NewKeeper(ttl time.Duration) *Keeper {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Keeper{ttl: ttl, now: time.Now}
}

// WithClock replaces the time source. Used by tests.
func (k *Keeper) WithClock(now func() time.Time) *Keeper {
	k.now = now
	return k
}

// Replay is the outcome previously recorded under a key.
type Replay struct {
	Record domain.IdempotencyRecord
}

// Decode unmarshals the recorded result into v.
func (r *Replay) Decode(v any) error {
	if len(r.Record.Result) == 0 {
		return errors.Newf("idempotency record %q has no result", r.Record.Key)
	}
	return errors.Wrap(json.Unmarshal(r.Record.Result, v), "decode idempotent result")
}

// Err returns the recorded failure, or nil for a successful record.
func (r *Replay) Err() error {
	if r.Record.Status != domain.IdempotencyFailed {
		return nil
	}
	var f failure
	if err := json.Unmarshal(r.Record.Result, &f); err != nil || f.Code == "" {
		return domain.Errorf(domain.CodeInternal, "operation previously failed")
	}
	return domain.Errorf(f.Code, "%s", f.Detail)
}

type failure struct {
	Code   domain.Code `json:"code"`
	Detail string      `json:"detail"`
}

// Hash is the hex sha256 of b.
func Hash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Lookup returns the live record for key, or nil when it is absent or expired.
func (k *Keeper) Lookup(ctx context.Context, s store.IdempotencyStore, key string) (*domain.IdempotencyRecord, error) {
	rec, err := s.GetIdempotency(ctx, key)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "idempotency lookup failed")
	}
	if rec.Expired(k.now()) {
		return nil, nil
	}
	return rec, nil
}

// Begin checks key and reserves it as Pending when it is free.
//
// A nil Replay with a nil error means the caller owns the key and must settle
// it. A live Success or Failed record comes back as a Replay. A live Pending
// record is DUPLICATE_REQUEST; a live record for a different request is
// IDEMPOTENCY_MISMATCH.
func (k *Keeper) Begin(ctx context.Context, s store.IdempotencyStore, key string, request any) (*Replay, error) {
	if key == "" {
		return nil, domain.Errorf(domain.CodeInvalidValue, "idempotency key is required")
	}
	payload, hash, err := encode(request)
	if err != nil {
		return nil, err
	}

	rec, err := k.Lookup(ctx, s, key)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		return existing(rec, hash)
	}

	now := k.now().UTC()
	reserved, err := s.ReserveIdempotency(ctx, domain.IdempotencyRecord{
		Key:         key,
		Request:     payload,
		RequestHash: hash,
		Status:      domain.IdempotencyPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(k.ttl),
	}, now)
	if err != nil {
		return nil, errors.Wrap(err, "idempotency reservation failed")
	}
	if reserved {
		return nil, nil
	}

	// Another caller reserved the key between the lookup and the insert.
	rec, err = k.Lookup(ctx, s, key)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, domain.Errorf(domain.CodeDuplicateRequest, "request with this idempotency key is in progress")
	}
	return existing(rec, hash)
}

func existing(rec *domain.IdempotencyRecord, hash string) (*Replay, error) {
	if rec.RequestHash != hash {
		return nil, domain.Errorf(domain.CodeIdempotencyMismatch, "idempotency key reused with a different request")
	}
	if rec.Status == domain.IdempotencyPending {
		return nil, domain.Errorf(domain.CodeDuplicateRequest, "request with this idempotency key is in progress")
	}
	return &Replay{Record: *rec}, nil
}

// Succeed records result under key.
func (k *Keeper) Succeed(ctx context.Context, s store.IdempotencyStore, key string, request, result any, metadata map[string]string) error {
	body, err := json.Marshal(result)
	if err != nil {
		return errors.Wrap(err, "encode idempotent result")
	}
	return k.settle(ctx, s, key, request, domain.IdempotencySuccess, body, metadata)
}

// Fail records a terminal failure under key so a retry of the same request
// replays it instead of executing again.
func (k *Keeper) Fail(ctx context.Context, s store.IdempotencyStore, key string, request any, cause error, metadata map[string]string) error {
	body, err := json.Marshal(failure{Code: domain.CodeOf(cause), Detail: domain.DetailOf(cause)})
	if err != nil {
		return errors.Wrap(err, "encode idempotent failure")
	}
	return k.settle(ctx, s, key, request, domain.IdempotencyFailed, body, metadata)
}

// Release frees key so the same request may run again.
func (k *Keeper) Release(ctx context.Context, s store.IdempotencyStore, key string) error {
	return errors.Wrap(s.DeleteIdempotency(ctx, key), "idempotency release failed")
}

func (k *Keeper) settle(
	ctx context.Context,
	s store.IdempotencyStore,
	key string,
	request any,
	status domain.IdempotencyStatus,
	result []byte,
	metadata map[string]string,
) error {
	payload, hash, err := encode(request)
	if err != nil {
		return err
	}
	var meta json.RawMessage
	if len(metadata) > 0 {
		if meta, err = json.Marshal(metadata); err != nil {
			return errors.Wrap(err, "encode idempotency metadata")
		}
	}
	now := k.now().UTC()
	err = s.PutIdempotency(ctx, domain.IdempotencyRecord{
		Key:         key,
		Request:     payload,
		RequestHash: hash,
		Result:      result,
		ResultHash:  Hash(result),
		Status:      status,
		Metadata:    meta,
		CreatedAt:   now,
		ExpiresAt:   now.Add(k.ttl),
	})
	return errors.Wrapf(err, "idempotency %s failed", status)
}

func encode(request any) (json.RawMessage, string, error) {
	payload, err := json.Marshal(request)
	if err != nil {
		return nil, "", errors.Wrap(err, "encode idempotent request")
	}
	return payload, Hash(payload), nil
}
