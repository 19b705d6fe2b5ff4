package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johndauphine/sqlconv/internal/dialect"
)

func openTestStore(t *testing.T) *SQLStore {
	t.Helper()
	store, err := Open(DriverSQLite, filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seedUnits(t *testing.T, store *SQLStore, runID, source string, n int) []Unit {
	t.Helper()
	units := make([]Unit, n)
	for i := range units {
		units[i] = Unit{
			RunID:      runID,
			ID:         UnitID(source, i),
			SourcePath: source,
			Ordinal:    i,
			Dialect:    dialect.TSQL,
			RawText:    "SELECT 1;\n",
			TokenCount: 3,
		}
	}
	require.NoError(t, store.Insert(context.Background(), units...))
	return units
}

func TestUnitID(t *testing.T) {
	assert.Equal(t, "procs/load.sql#0003", UnitID("procs/load.sql", 3))
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	_, err := store.LatestRun(ctx)
	require.ErrorIs(t, err, ErrNotFound)

	run := Run{ID: "run-1", Name: "nightly", Dialect: dialect.PLSQL, Fingerprint: "abc", Config: "{}"}
	require.NoError(t, store.CreateRun(ctx, run))

	got, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, RunRunning, got.Status)
	assert.Equal(t, dialect.PLSQL, got.Dialect)
	assert.Nil(t, got.CompletedAt)

	incomplete, err := store.LastIncompleteRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, "run-1", incomplete.ID)

	require.NoError(t, store.CompleteRun(ctx, "run-1", RunCompleted, ""))
	_, err = store.LastIncompleteRun(ctx)
	require.ErrorIs(t, err, ErrNotFound)

	runs, err := store.ListRuns(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, RunCompleted, runs[0].Status)
	assert.NotNil(t, runs[0].CompletedAt)

	require.ErrorIs(t, store.CompleteRun(ctx, "missing", RunFailed, "x"), ErrNotFound)

	require.NoError(t, store.CompleteRun(ctx, "run-1", RunAborted, "interrupted"))
	aborted, err := store.LastIncompleteRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, RunAborted, aborted.Status)

	require.NoError(t, store.ReopenRun(ctx, "run-1"))
	reopened, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, RunRunning, reopened.Status)
	assert.Nil(t, reopened.CompletedAt)
	require.ErrorIs(t, store.ReopenRun(ctx, "missing"), ErrNotFound)
}

func TestInsertQueryOrdering(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	seedUnits(t, store, "r", "b.sql", 2)
	seedUnits(t, store, "r", "a.sql", 3)

	all, err := store.Query(ctx, "r")
	require.NoError(t, err)
	require.Len(t, all, 5)
	var ids []string
	for _, u := range all {
		ids = append(ids, u.ID)
		assert.Equal(t, StatusPending, u.Status)
		assert.Empty(t, u.GeneratedText)
	}
	assert.Equal(t, []string{"a.sql#0000", "a.sql#0001", "a.sql#0002", "b.sql#0000", "b.sql#0001"}, ids)

	sources, err := store.Sources(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.sql", "b.sql"}, sources)

	has, err := store.HasSource(ctx, "r", "a.sql")
	require.NoError(t, err)
	assert.True(t, has)
	has, err = store.HasSource(ctx, "other", "a.sql")
	require.NoError(t, err)
	assert.False(t, has)

	// Duplicate keys fail the whole batch.
	err = store.Insert(ctx, Unit{RunID: "r", ID: "c.sql#0000", SourcePath: "c.sql", Dialect: dialect.TSQL},
		Unit{RunID: "r", ID: "a.sql#0000", SourcePath: "a.sql", Dialect: dialect.TSQL})
	require.Error(t, err)
	has, err = store.HasSource(ctx, "r", "c.sql")
	require.NoError(t, err)
	assert.False(t, has, "failed batch must not leave partial rows")
}

func TestClaimPendingOnlyOnce(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	seedUnits(t, store, "r", "a.sql", 1)

	ok, err := store.Claim(ctx, "r", "a.sql#0000", ClaimPending())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Claim(ctx, "r", "a.sql#0000", ClaimPending())
	require.NoError(t, err)
	assert.False(t, ok, "an IN_PROGRESS unit cannot be claimed again")

	u, err := store.Get(ctx, "r", "a.sql#0000")
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, u.Status)
	assert.Equal(t, 0, u.AttemptCount)
}

func TestClaimConcurrent(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	seedUnits(t, store, "r", "a.sql", 1)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.Claim(ctx, "r", "a.sql#0000", ClaimPending())
			if err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestClaimForFixRespectsBudget(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	seedUnits(t, store, "r", "a.sql", 1)
	id := "a.sql#0000"

	require.NoError(t, store.Update(ctx, "r", id, Set(StatusFailed).Error("bad output")))

	for attempt := 1; attempt <= 2; attempt++ {
		ok, err := store.Claim(ctx, "r", id, ClaimForFix(2))
		require.NoError(t, err)
		require.True(t, ok, "attempt %d should be claimable", attempt)
		u, err := store.Get(ctx, "r", id)
		require.NoError(t, err)
		assert.Equal(t, attempt, u.AttemptCount)
		require.NoError(t, store.Update(ctx, "r", id, Set(StatusFailed).Error("still bad").When(StatusInProgress)))
	}

	ok, err := store.Claim(ctx, "r", id, ClaimForFix(2))
	require.NoError(t, err)
	assert.False(t, ok, "budget spent")

	u, err := store.Get(ctx, "r", id)
	require.NoError(t, err)
	assert.Equal(t, 2, u.AttemptCount)
	assert.True(t, u.Exhausted(2))
	assert.True(t, u.Terminal(2))

	// Budget zero never claims.
	seedUnits(t, store, "r", "b.sql", 1)
	require.NoError(t, store.Update(ctx, "r", "b.sql#0000", Set(StatusError).Error("timeout")))
	ok, err = store.Claim(ctx, "r", "b.sql#0000", ClaimForFix(0))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUpdateGuard(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	seedUnits(t, store, "r", "a.sql", 1)
	id := "a.sql#0000"

	err := store.Update(ctx, "r", id, Set(StatusSuccess).Text("SELECT 1").When(StatusInProgress))
	require.ErrorIs(t, err, ErrConflict)

	err = store.Update(ctx, "r", "missing#0000", Set(StatusSuccess))
	require.ErrorIs(t, err, ErrNotFound)

	ok, err := store.Claim(ctx, "r", id, ClaimPending())
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, store.Update(ctx, "r", id, Set(StatusSuccess).Text("SELECT 1").Error("").When(StatusInProgress)))

	u, err := store.Get(ctx, "r", id)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, u.Status)
	assert.Equal(t, "SELECT 1", u.GeneratedText)

	// Success is never reverted by a stale pending claim.
	ok, err = store.Claim(ctx, "r", id, ClaimPending())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSupersedeKeepsHistory(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	seedUnits(t, store, "r", "a.sql", 3)

	n, err := store.Supersede(ctx, "r", "a.sql")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	has, err := store.HasSource(ctx, "r", "a.sql")
	require.NoError(t, err)
	assert.False(t, has)

	var archived int
	require.NoError(t, store.DB().QueryRow(`SELECT COUNT(*) FROM unit_history WHERE run_id = 'r'`).Scan(&archived))
	assert.Equal(t, 3, archived)

	// Fresh units can reuse the keys.
	seedUnits(t, store, "r", "a.sql", 1)
}

func TestRecover(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	seedUnits(t, store, "r", "a.sql", 3)

	past := time.Now().Add(-time.Hour)
	store.now = func() time.Time { return past }

	// #0000: converter claim interrupted, #0001: fixer claim interrupted, #0002: untouched.
	ok, err := store.Claim(ctx, "r", "a.sql#0000", ClaimPending())
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, store.Update(ctx, "r", "a.sql#0001", Set(StatusFailed).Error("bad")))
	ok, err = store.Claim(ctx, "r", "a.sql#0001", ClaimForFix(3))
	require.NoError(t, err)
	require.True(t, ok)

	store.now = time.Now
	n, err := store.Recover(ctx, "r", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	u0, err := store.Get(ctx, "r", "a.sql#0000")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, u0.Status)

	u1, err := store.Get(ctx, "r", "a.sql#0001")
	require.NoError(t, err)
	assert.Equal(t, StatusError, u1.Status)
	assert.Equal(t, InterruptedError, u1.LastError)
	assert.Equal(t, 1, u1.AttemptCount)

	counts, err := store.Counts(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, 3, counts.Total())
	assert.Equal(t, 2, counts[StatusPending])
	assert.Equal(t, 1, counts[StatusError])
}

func TestRecoverSkipsFreshClaims(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	seedUnits(t, store, "r", "a.sql", 1)

	ok, err := store.Claim(ctx, "r", "a.sql#0000", ClaimPending())
	require.NoError(t, err)
	require.True(t, ok)

	n, err := store.Recover(ctx, "r", time.Now().Add(-10*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestClaimSQL(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewWithDB(db, true)
	mock.ExpectExec(regexp.QuoteMeta(
		`UPDATE units SET status = $1, updated_at = $2, attempt_count = attempt_count + 1 WHERE run_id = $3 AND id = $4 AND status IN ($5,$6) AND attempt_count < $7`)).
		WithArgs("IN_PROGRESS", sqlmock.AnyArg(), "r", "a.sql#0000", "FAILED", "ERROR", 2).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := store.Claim(context.Background(), "r", "a.sql#0000", ClaimForFix(2))
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimSQLError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewWithDB(db, false)
	mock.ExpectExec(`UPDATE units SET status = \?`).WillReturnError(errors.New("database is locked"))

	_, err = store.Claim(context.Background(), "r", "a.sql#0000", ClaimPending())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "claiming unit a.sql#0000")
	require.NoError(t, mock.ExpectationsWereMet())
}
