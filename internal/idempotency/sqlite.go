package idempotency

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/tariffdesk/rates-cli/internal/model"
)

// SQLiteStore implements Store on an embedded SQLite database. It runs
// the same claim protocol as PostgresStore; single-node deployments and
// tests use it to avoid a Postgres dependency. Timestamps are stored as
// unix milliseconds.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS idempotency_keys (
		scope        TEXT NOT NULL,
		key          TEXT NOT NULL,
		request_hash TEXT NOT NULL,
		status       TEXT NOT NULL DEFAULT 'pending',
		response     BLOB,
		locked_at    INTEGER,
		created_at   INTEGER NOT NULL,
		updated_at   INTEGER NOT NULL,
		PRIMARY KEY (scope, key)
	);
	CREATE INDEX IF NOT EXISTS idx_idempotency_stale
		ON idempotency_keys (status, locked_at);
`

// OpenSQLite opens (creating if needed) a SQLite-backed store at path.
// Pragmas ride the DSN so every connection database/sql pools gets
// them; applied via Exec they would only reach the one connection that
// served the statement, and concurrent claimants on other connections
// would hit SQLITE_BUSY with no timeout instead of waiting out the
// winner's transaction.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := path
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn += sep + "_txlock=immediate" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=foreign_keys(1)"

	handle, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "idempotency: open sqlite")
	}
	if _, err := handle.Exec(sqliteSchema); err != nil {
		handle.Close()
		return nil, eris.Wrap(err, "idempotency: ensure sqlite schema")
	}
	return &SQLiteStore{db: handle}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Claim mirrors PostgresStore.Claim on SQLite.
func (s *SQLiteStore) Claim(ctx context.Context, scope, key, requestHash string) (Claim, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Claim{}, eris.Wrap(err, "idempotency: begin claim tx")
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO idempotency_keys (scope, key, request_hash, status, created_at, updated_at)
		 VALUES (?, ?, ?, 'pending', ?, ?)
		 ON CONFLICT (scope, key) DO NOTHING`,
		scope, key, requestHash, now, now,
	); err != nil {
		return Claim{}, eris.Wrap(err, "idempotency: insert pending record")
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE idempotency_keys
		 SET status = 'processing', locked_at = ?, updated_at = ?
		 WHERE scope = ? AND key = ? AND request_hash = ?
		   AND status = 'pending' AND locked_at IS NULL`,
		now, now, scope, key, requestHash,
	)
	if err != nil {
		return Claim{}, eris.Wrap(err, "idempotency: claim record")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Claim{}, eris.Wrap(err, "idempotency: rows affected")
	}

	if affected == 1 {
		if err := tx.Commit(); err != nil {
			return Claim{}, eris.Wrap(err, "idempotency: commit claim")
		}
		return Claim{Won: true}, nil
	}

	rec := model.IdempotencyRecord{Scope: scope, Key: key}
	var status string
	var response []byte
	var lockedAt sql.NullInt64
	var createdAt, updatedAt int64
	err = tx.QueryRowContext(ctx,
		`SELECT request_hash, status, response, locked_at, created_at, updated_at
		 FROM idempotency_keys WHERE scope = ? AND key = ?`,
		scope, key,
	).Scan(&rec.RequestHash, &status, &response, &lockedAt, &createdAt, &updatedAt)
	if err != nil {
		return Claim{}, eris.Wrap(err, "idempotency: read contested record")
	}
	rec.Status = model.IdempotencyStatus(status)
	rec.Response = json.RawMessage(response)
	if lockedAt.Valid {
		t := time.UnixMilli(lockedAt.Int64)
		rec.LockedAt = &t
	}
	rec.CreatedAt = time.UnixMilli(createdAt)
	rec.UpdatedAt = time.UnixMilli(updatedAt)

	if err := tx.Commit(); err != nil {
		return Claim{}, eris.Wrap(err, "idempotency: commit claim read")
	}
	return Claim{Won: false, Record: rec}, nil
}

// Complete transitions processing to completed and stores the response.
func (s *SQLiteStore) Complete(ctx context.Context, scope, key string, response json.RawMessage) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE idempotency_keys
		 SET status = 'completed', response = ?, locked_at = NULL, updated_at = ?
		 WHERE scope = ? AND key = ? AND status = 'processing'`,
		[]byte(response), time.Now().UnixMilli(), scope, key,
	)
	if err != nil {
		return eris.Wrap(err, "idempotency: complete record")
	}
	return nil
}

// Fail transitions processing to failed, storing the error payload.
func (s *SQLiteStore) Fail(ctx context.Context, scope, key string, response json.RawMessage) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE idempotency_keys
		 SET status = 'failed', response = ?, locked_at = NULL, updated_at = ?
		 WHERE scope = ? AND key = ? AND status = 'processing'`,
		[]byte(response), time.Now().UnixMilli(), scope, key,
	)
	if err != nil {
		return eris.Wrap(err, "idempotency: fail record")
	}
	return nil
}

// RefreshResponse replaces the stored response of a completed record.
func (s *SQLiteStore) RefreshResponse(ctx context.Context, scope, key string, response json.RawMessage) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE idempotency_keys
		 SET response = ?, updated_at = ?
		 WHERE scope = ? AND key = ? AND status = 'completed'`,
		[]byte(response), time.Now().UnixMilli(), scope, key,
	)
	if err != nil {
		return eris.Wrap(err, "idempotency: refresh response")
	}
	return nil
}

// ReapStale fails processing records whose lock predates the cutoff.
func (s *SQLiteStore) ReapStale(ctx context.Context, lockedBefore time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE idempotency_keys
		 SET status = 'failed',
		     response = '{"error":"processing lock expired"}',
		     locked_at = NULL, updated_at = ?
		 WHERE status = 'processing' AND locked_at < ?`,
		time.Now().UnixMilli(), lockedBefore.UnixMilli(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "idempotency: reap stale records")
	}
	return res.RowsAffected()
}
