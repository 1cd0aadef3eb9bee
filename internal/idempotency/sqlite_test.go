package idempotency

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tariffdesk/rates-cli/internal/model"
)

// newSQLiteStore opens a bare path, the same shape the CLI passes from
// config, so busy handling comes entirely from OpenSQLite's DSN.
func newSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "idem.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteClaim_WinnerThenReplay(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	claim, err := store.Claim(ctx, "s", "k1", "hash-1")
	require.NoError(t, err)
	assert.True(t, claim.Won)

	// While processing, a second claimant loses and sees the live row.
	claim, err = store.Claim(ctx, "s", "k1", "hash-1")
	require.NoError(t, err)
	assert.False(t, claim.Won)
	assert.Equal(t, model.IdemProcessing, claim.Record.Status)
	assert.NotNil(t, claim.Record.LockedAt)

	require.NoError(t, store.Complete(ctx, "s", "k1", json.RawMessage(`{"ok":true}`)))

	claim, err = store.Claim(ctx, "s", "k1", "hash-1")
	require.NoError(t, err)
	assert.False(t, claim.Won)
	assert.Equal(t, model.IdemCompleted, claim.Record.Status)
	assert.JSONEq(t, `{"ok":true}`, string(claim.Record.Response))
}

func TestSQLiteGuard_ExactlyOnceUnderConcurrency(t *testing.T) {
	store := newSQLiteStore(t)
	g := NewGuard(store)
	payload := map[string]any{"manifest": "m-1", "amount": "42.00"}

	var producerRuns atomic.Int32
	producer := func(context.Context) (any, error) {
		producerRuns.Add(1)
		time.Sleep(20 * time.Millisecond)
		return map[string]string{"total": "42.00"}, nil
	}

	const callers = 32
	var wg sync.WaitGroup
	var completed, inFlight atomic.Int32
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := g.Run(context.Background(), "quotes", "k1", payload, producer)
			if err != nil {
				// Losers must see the typed conflict, never a raw
				// SQLITE_BUSY from an untimed connection.
				var conflictErr *ConflictError
				if !assert.ErrorAs(t, err, &conflictErr) {
					return
				}
				assert.Contains(t, conflictErr.Message, "processing")
				inFlight.Add(1)
				return
			}
			assert.JSONEq(t, `{"total":"42.00"}`, string(resp))
			completed.Add(1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), producerRuns.Load(), "producer must run exactly once")
	assert.Equal(t, int32(callers), completed.Load()+inFlight.Load())
	assert.GreaterOrEqual(t, completed.Load(), int32(1))

	// After the winner commits, every retry replays the stored result.
	resp, err := g.Run(context.Background(), "quotes", "k1", payload, producer)
	require.NoError(t, err)
	assert.JSONEq(t, `{"total":"42.00"}`, string(resp))
	assert.Equal(t, int32(1), producerRuns.Load())
}

func TestSQLiteGuard_PayloadMismatch(t *testing.T) {
	g := NewGuard(newSQLiteStore(t))

	_, err := g.Run(context.Background(), "s", "k1", map[string]int{"a": 1},
		func(context.Context) (any, error) { return "first", nil })
	require.NoError(t, err)

	_, err = g.Run(context.Background(), "s", "k1", map[string]int{"a": 2},
		func(context.Context) (any, error) { return "second", nil })
	var conflictErr *ConflictError
	require.ErrorAs(t, err, &conflictErr)
	assert.Contains(t, conflictErr.Message, "different request payload")
}

func TestSQLiteGuard_FailureSticks(t *testing.T) {
	g := NewGuard(newSQLiteStore(t))
	payload := map[string]int{"a": 1}

	_, err := g.Run(context.Background(), "s", "k1", payload,
		func(context.Context) (any, error) { return nil, assert.AnError })
	require.ErrorIs(t, err, assert.AnError)

	_, err = g.Run(context.Background(), "s", "k1", payload,
		func(context.Context) (any, error) { return "retry", nil })
	var conflictErr *ConflictError
	require.ErrorAs(t, err, &conflictErr)
	assert.Contains(t, conflictErr.Message, "previous attempt failed")
}

func TestSQLiteReapStale(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	claim, err := store.Claim(ctx, "s", "stuck", "hash-1")
	require.NoError(t, err)
	require.True(t, claim.Won)

	// Not yet stale.
	n, err := store.ReapStale(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	n, err = store.ReapStale(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	claim, err = store.Claim(ctx, "s", "stuck", "hash-1")
	require.NoError(t, err)
	assert.False(t, claim.Won)
	assert.Equal(t, model.IdemFailed, claim.Record.Status)
}
