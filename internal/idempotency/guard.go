// Package idempotency makes externally-triggered computations safe to
// retry. Each logical request is identified by a (scope, key) pair; the
// guard ensures the wrapped producer commits at most one completed
// result per pair, with coordination living entirely in the backing
// relational store.
package idempotency

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/tariffdesk/rates-cli/internal/model"
	"github.com/tariffdesk/rates-cli/internal/provenance"
)

// Claim is the outcome of a claim attempt. When Won is true the caller
// owns the processing slot; otherwise Record holds the current row.
type Claim struct {
	Won    bool
	Record model.IdempotencyRecord
}

// Store is the persistence half of the guard. Claim must run its
// insert-then-conditional-update sequence inside one transaction so
// concurrent claimants observe a consistent row.
type Store interface {
	Claim(ctx context.Context, scope, key, requestHash string) (Claim, error)
	Complete(ctx context.Context, scope, key string, response json.RawMessage) error
	Fail(ctx context.Context, scope, key string, response json.RawMessage) error
	RefreshResponse(ctx context.Context, scope, key string, response json.RawMessage) error
	ReapStale(ctx context.Context, lockedBefore time.Time) (int64, error)
}

// Producer is the wrapped business computation. Its result is stored as
// the canonical response for the key and replayed to later callers.
type Producer func(ctx context.Context) (any, error)

// OnReplay inspects a cached response during replay and may return a
// non-nil replacement to persist, or nil to keep the cached value.
type OnReplay func(cached json.RawMessage) json.RawMessage

// Option tunes a single Run call.
type Option func(*runOptions)

type runOptions struct {
	onReplay OnReplay
	maxAge   time.Duration
}

// WithOnReplay installs a replay hook invoked when a completed record
// is returned and is older than the max age (or always, if no max age
// is set).
func WithOnReplay(fn OnReplay) Option {
	return func(o *runOptions) { o.onReplay = fn }
}

// WithMaxAge limits the replay hook to records older than d.
func WithMaxAge(d time.Duration) Option {
	return func(o *runOptions) { o.maxAge = d }
}

// Guard wraps producers with claim/execute/replay semantics.
type Guard struct {
	store Store
	log   *zap.Logger
	now   func() time.Time
}

// NewGuard creates a Guard over the given store.
func NewGuard(store Store) *Guard {
	return &Guard{
		store: store,
		log:   zap.L().With(zap.String("component", "idempotency")),
		now:   time.Now,
	}
}

// Run executes producer at most once per (scope, key, payload hash) and
// returns the stored response. Concurrent and repeated calls with the
// same arguments all observe the winner's result. A reused key with a
// different payload, a key whose prior attempt failed, or a key still
// in flight yields a ConflictError; a missing key yields a
// BadRequestError before the store is touched.
func (g *Guard) Run(ctx context.Context, scope, key string, payload any, producer Producer, opts ...Option) (json.RawMessage, error) {
	if key == "" {
		return nil, badRequest("missing idempotency key")
	}

	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}

	hash := provenance.HashPayload(payload)

	claim, err := g.store.Claim(ctx, scope, key, hash)
	if err != nil {
		return nil, eris.Wrap(err, "idempotency: claim")
	}

	if claim.Won {
		return g.execute(ctx, scope, key, producer)
	}
	return g.inspect(ctx, scope, key, hash, claim.Record, o)
}

// execute runs the producer as the claim winner and records the
// terminal state. Producer errors are re-raised unchanged.
func (g *Guard) execute(ctx context.Context, scope, key string, producer Producer) (json.RawMessage, error) {
	result, err := producer(ctx)
	if err != nil {
		failure, _ := json.Marshal(map[string]string{"error": err.Error()})
		if ferr := g.store.Fail(ctx, scope, key, failure); ferr != nil {
			g.log.Error("failed to record producer failure",
				zap.String("scope", scope), zap.String("key", key), zap.Error(ferr))
		}
		return nil, err
	}

	response, err := json.Marshal(result)
	if err != nil {
		// Move the row to a terminal state; leaving it processing would
		// answer every retry with "still processing" until reaped.
		failure, _ := json.Marshal(map[string]string{"error": "producer result not encodable"})
		if ferr := g.store.Fail(ctx, scope, key, failure); ferr != nil {
			g.log.Error("failed to record encode failure",
				zap.String("scope", scope), zap.String("key", key), zap.Error(ferr))
		}
		return nil, eris.Wrap(err, "idempotency: encode producer result")
	}
	if err := g.store.Complete(ctx, scope, key, response); err != nil {
		return nil, eris.Wrap(err, "idempotency: store result")
	}
	return response, nil
}

// inspect handles the loser side of the claim race.
func (g *Guard) inspect(ctx context.Context, scope, key, hash string, rec model.IdempotencyRecord, o runOptions) (json.RawMessage, error) {
	if rec.RequestHash != hash {
		return nil, conflict("idempotency key reused with a different request payload")
	}

	switch rec.Status {
	case model.IdemCompleted:
		return g.replay(ctx, scope, key, rec, o)
	case model.IdemFailed:
		return nil, conflict("previous attempt failed; use a new key")
	default:
		return nil, conflict("request with this idempotency key is still processing")
	}
}

// replay returns the cached response, optionally letting the caller's
// hook refresh it when the record has aged past the configured limit.
func (g *Guard) replay(ctx context.Context, scope, key string, rec model.IdempotencyRecord, o runOptions) (json.RawMessage, error) {
	if o.onReplay == nil {
		return rec.Response, nil
	}
	if o.maxAge > 0 && g.now().Sub(rec.UpdatedAt) <= o.maxAge {
		return rec.Response, nil
	}

	fresh := o.onReplay(rec.Response)
	if fresh == nil {
		return rec.Response, nil
	}
	if err := g.store.RefreshResponse(ctx, scope, key, fresh); err != nil {
		return nil, eris.Wrap(err, "idempotency: refresh response")
	}
	return fresh, nil
}
