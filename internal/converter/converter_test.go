package converter

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johndauphine/sqlconv/internal/ai"
	"github.com/johndauphine/sqlconv/internal/dialect"
	"github.com/johndauphine/sqlconv/internal/fault"
	"github.com/johndauphine/sqlconv/internal/ledger"
	"github.com/johndauphine/sqlconv/internal/prompt"
)

const runID = "run-1"

func setup(t *testing.T, n int) (*ledger.SQLStore, *prompt.Builder) {
	t.Helper()
	store, err := ledger.Open(ledger.DriverSQLite, filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	units := make([]ledger.Unit, n)
	for i := range units {
		units[i] = ledger.Unit{
			RunID:      runID,
			ID:         ledger.UnitID("a.sql", i),
			SourcePath: "a.sql",
			Ordinal:    i,
			Dialect:    dialect.TSQL,
			RawText:    fmt.Sprintf("SELECT %d;\n", i),
			TokenCount: 3,
		}
	}
	require.NoError(t, store.Insert(context.Background(), units...))

	set, err := prompt.LoadSet(prompt.DefaultSet)
	require.NoError(t, err)
	b, err := prompt.NewBuilder(set, dialect.TSQL, prompt.Options{})
	require.NoError(t, err)
	return store, b
}

func echo(ctx context.Context, req ai.Request) (string, error) {
	return "```sql\n" + strings.ToLower(req.Source) + "```", nil
}

func TestConvertProcessesEveryUnitOnce(t *testing.T) {
	const m, n = 40, 4
	store, b := setup(t, m)

	var inFlight, peak atomic.Int32
	var calls sync.Map
	gen := ai.GeneratorFunc(func(ctx context.Context, req ai.Request) (string, error) {
		cur := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		v, _ := calls.LoadOrStore(req.Source, new(atomic.Int32))
		v.(*atomic.Int32).Add(1)
		time.Sleep(2 * time.Millisecond)
		return echo(ctx, req)
	})

	res, err := New(store, gen, b, Config{Concurrency: n}).Convert(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, m, res.Processed)
	assert.Equal(t, m, res.Succeeded)
	assert.LessOrEqual(t, peak.Load(), int32(n))

	calls.Range(func(_, v any) bool {
		assert.Equal(t, int32(1), v.(*atomic.Int32).Load())
		return true
	})

	counts, err := store.Counts(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, m, counts[ledger.StatusSuccess])
	assert.Zero(t, counts[ledger.StatusInProgress])

	u, err := store.Get(context.Background(), runID, "a.sql#0007")
	require.NoError(t, err)
	assert.Equal(t, "select 7;\n", u.GeneratedText)
	assert.Empty(t, u.LastError)

	// A second pass finds nothing to do.
	res, err = New(store, gen, b, Config{Concurrency: n}).Convert(context.Background(), runID)
	require.NoError(t, err)
	assert.Zero(t, res.Processed)
}

func TestConvertConcurrentPassesShareNothing(t *testing.T) {
	const m = 30
	store, b := setup(t, m)

	var total atomic.Int32
	gen := ai.GeneratorFunc(func(ctx context.Context, req ai.Request) (string, error) {
		total.Add(1)
		time.Sleep(time.Millisecond)
		return echo(ctx, req)
	})

	var wg sync.WaitGroup
	results := make([]*Result, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := New(store, gen, b, Config{Concurrency: 3}).Convert(context.Background(), runID)
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(m), total.Load())
	assert.Equal(t, m, results[0].Processed+results[1].Processed)
}

func TestConvertFaultMapping(t *testing.T) {
	store, b := setup(t, 5)
	v, err := NewValidator([]string{`(?i)\bTOP\s+\d+`})
	require.NoError(t, err)

	gen := ai.GeneratorFunc(func(ctx context.Context, req ai.Request) (string, error) {
		switch req.Source {
		case "SELECT 0;\n":
			return "select 0;", nil
		case "SELECT 1;\n":
			return "", fault.Content("API error: refused")
		case "SELECT 2;\n":
			return "", fault.Transport("request failed", errors.New("connection reset"))
		case "SELECT 3;\n":
			return "```sql\nSELECT TOP 5 * FROM t;\n```", nil
		default:
			return "```\n```", nil
		}
	})

	res, err := New(store, gen, b, Config{Concurrency: 2, Validator: v}).Convert(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, &Result{Processed: 5, Succeeded: 1, Failed: 3, Errored: 1}, res)

	get := func(id string) *ledger.Unit {
		u, err := store.Get(context.Background(), runID, id)
		require.NoError(t, err)
		return u
	}

	assert.Equal(t, ledger.StatusSuccess, get("a.sql#0000").Status)

	u := get("a.sql#0001")
	assert.Equal(t, ledger.StatusFailed, u.Status)
	assert.Contains(t, u.LastError, "refused")
	assert.Empty(t, u.GeneratedText)

	u = get("a.sql#0002")
	assert.Equal(t, ledger.StatusError, u.Status)
	assert.Contains(t, u.LastError, "connection reset")

	u = get("a.sql#0003")
	assert.Equal(t, ledger.StatusFailed, u.Status)
	assert.Equal(t, "SELECT TOP 5 * FROM t;", u.GeneratedText)
	assert.Contains(t, u.LastError, "reject pattern")

	u = get("a.sql#0004")
	assert.Equal(t, ledger.StatusFailed, u.Status)
	assert.Contains(t, u.LastError, "no code")

	for _, u := range []*ledger.Unit{get("a.sql#0001"), get("a.sql#0002")} {
		assert.Zero(t, u.AttemptCount, "conversion does not consume fix attempts")
	}
}

func TestConvertTimeoutIsTransportFault(t *testing.T) {
	store, b := setup(t, 1)
	gen := ai.GeneratorFunc(func(ctx context.Context, req ai.Request) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})

	res, err := New(store, gen, b, Config{RequestTimeout: 20 * time.Millisecond}).Convert(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Errored)

	u, err := store.Get(context.Background(), runID, "a.sql#0000")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusError, u.Status)
	assert.Contains(t, u.LastError, "transport fault")
}

func TestConvertCancelLetsInFlightFinish(t *testing.T) {
	store, b := setup(t, 10)
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{})
	var once sync.Once
	gen := ai.GeneratorFunc(func(callCtx context.Context, req ai.Request) (string, error) {
		once.Do(func() { close(started) })
		time.Sleep(30 * time.Millisecond)
		if callCtx.Err() != nil {
			return "", callCtx.Err()
		}
		return echo(callCtx, req)
	})

	go func() {
		<-started
		cancel()
	}()

	res, err := New(store, gen, b, Config{Concurrency: 2}).Convert(ctx, runID)
	require.ErrorIs(t, err, context.Canceled)
	assert.Greater(t, res.Succeeded, 0)
	assert.Equal(t, res.Processed, res.Succeeded, "in-flight calls complete normally")
	assert.Equal(t, 10, res.Processed+res.Skipped)

	counts, err := store.Counts(context.Background(), runID)
	require.NoError(t, err)
	assert.Zero(t, counts[ledger.StatusInProgress])
	assert.Equal(t, 10-res.Succeeded, counts[ledger.StatusPending])
}

func TestNewValidatorBadPattern(t *testing.T) {
	_, err := NewValidator([]string{"("})
	assert.True(t, fault.IsConfig(err))
}

func TestJudge(t *testing.T) {
	var v *Validator
	o := v.Judge("plain", nil)
	assert.Equal(t, ledger.StatusSuccess, o.Status)
	require.NotNil(t, o.Text)
	assert.Equal(t, "plain\n", *o.Text)

	o = v.Judge("", errors.New("unclassified"))
	assert.Equal(t, ledger.StatusFailed, o.Status)
	assert.Nil(t, o.Text)
}
