package idempotency

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/tariffdesk/rates-cli/internal/db"
	"github.com/tariffdesk/rates-cli/internal/model"
)

// PostgresStore keeps idempotency records in
// rate_data.idempotency_keys. The claim race is decided by the
// conditional UPDATE below; the request_hash predicate keeps a
// mismatched payload from ever winning a pre-existing pending row.
type PostgresStore struct {
	pool db.Pool
}

// NewPostgresStore creates a PostgresStore backed by the given pool.
func NewPostgresStore(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const claimSQL = `
	UPDATE rate_data.idempotency_keys
	SET status = 'processing', locked_at = now(), updated_at = now()
	WHERE scope = $1 AND key = $2 AND request_hash = $3
	  AND status = 'pending' AND locked_at IS NULL`

// Claim inserts a pending row for (scope, key) if absent, then attempts
// the atomic pending-to-processing transition. Exactly one concurrent
// caller wins; everyone else gets the row as it stands. The whole
// sequence runs in a single transaction.
func (s *PostgresStore) Claim(ctx context.Context, scope, key, requestHash string) (Claim, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Claim{}, eris.Wrap(err, "idempotency: begin claim tx")
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO rate_data.idempotency_keys (scope, key, request_hash, status)
		 VALUES ($1, $2, $3, 'pending')
		 ON CONFLICT (scope, key) DO NOTHING`,
		scope, key, requestHash,
	); err != nil {
		return Claim{}, eris.Wrap(err, "idempotency: insert pending record")
	}

	tag, err := tx.Exec(ctx, claimSQL, scope, key, requestHash)
	if err != nil {
		return Claim{}, eris.Wrap(err, "idempotency: claim record")
	}

	if tag.RowsAffected() == 1 {
		if err := tx.Commit(ctx); err != nil {
			return Claim{}, eris.Wrap(err, "idempotency: commit claim")
		}
		return Claim{Won: true}, nil
	}

	rec := model.IdempotencyRecord{Scope: scope, Key: key}
	var response []byte
	err = tx.QueryRow(ctx,
		`SELECT request_hash, status, response, locked_at, created_at, updated_at
		 FROM rate_data.idempotency_keys
		 WHERE scope = $1 AND key = $2`,
		scope, key,
	).Scan(&rec.RequestHash, &rec.Status, &response, &rec.LockedAt, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return Claim{}, eris.Wrap(err, "idempotency: read contested record")
	}
	rec.Response = json.RawMessage(response)

	if err := tx.Commit(ctx); err != nil {
		return Claim{}, eris.Wrap(err, "idempotency: commit claim read")
	}
	return Claim{Won: false, Record: rec}, nil
}

// Complete transitions processing to completed and stores the response.
func (s *PostgresStore) Complete(ctx context.Context, scope, key string, response json.RawMessage) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE rate_data.idempotency_keys
		 SET status = 'completed', response = $3, locked_at = NULL, updated_at = now()
		 WHERE scope = $1 AND key = $2 AND status = 'processing'`,
		scope, key, []byte(response),
	)
	if err != nil {
		return eris.Wrap(err, "idempotency: complete record")
	}
	return nil
}

// Fail transitions processing to failed, storing the error payload.
func (s *PostgresStore) Fail(ctx context.Context, scope, key string, response json.RawMessage) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE rate_data.idempotency_keys
		 SET status = 'failed', response = $3, locked_at = NULL, updated_at = now()
		 WHERE scope = $1 AND key = $2 AND status = 'processing'`,
		scope, key, []byte(response),
	)
	if err != nil {
		return eris.Wrap(err, "idempotency: fail record")
	}
	return nil
}

// RefreshResponse replaces the stored response of a completed record.
func (s *PostgresStore) RefreshResponse(ctx context.Context, scope, key string, response json.RawMessage) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE rate_data.idempotency_keys
		 SET response = $3, updated_at = now()
		 WHERE scope = $1 AND key = $2 AND status = 'completed'`,
		scope, key, []byte(response),
	)
	if err != nil {
		return eris.Wrap(err, "idempotency: refresh response")
	}
	return nil
}

// ReapStale fails processing records whose lock predates the cutoff,
// freeing their keys for operator inspection. Crashed producers leave
// such rows behind.
func (s *PostgresStore) ReapStale(ctx context.Context, lockedBefore time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE rate_data.idempotency_keys
		 SET status = 'failed',
		     response = '{"error":"processing lock expired"}',
		     locked_at = NULL, updated_at = now()
		 WHERE status = 'processing' AND locked_at < $1`,
		lockedBefore,
	)
	if err != nil {
		return 0, eris.Wrap(err, "idempotency: reap stale records")
	}
	return tag.RowsAffected(), nil
}
