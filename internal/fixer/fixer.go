// Package fixer is the third pipeline stage: it re-submits FAILED and ERROR
// units with their previous output and error until they succeed or use up
// the shared fix budget.
package fixer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/johndauphine/sqlconv/internal/ai"
	"github.com/johndauphine/sqlconv/internal/converter"
	"github.com/johndauphine/sqlconv/internal/fault"
	"github.com/johndauphine/sqlconv/internal/ledger"
	"github.com/johndauphine/sqlconv/internal/logging"
	"github.com/johndauphine/sqlconv/internal/pool"
	"github.com/johndauphine/sqlconv/internal/progress"
	"github.com/johndauphine/sqlconv/internal/prompt"
)

// Config tunes the fixer.
type Config struct {
	Concurrency int
	// MaxAttempts is the fix budget per unit, shared by content and transport faults.
	MaxAttempts    int
	RequestTimeout time.Duration
	Validator      *converter.Validator
	Progress       bool
}

// Unresolved is a unit that used its whole budget without succeeding.
type Unresolved struct {
	ID         string `json:"id"`
	SourcePath string `json:"source"`
	Attempts   int    `json:"attempts"`
	LastError  string `json:"last_error"`
}

// Err returns the unit as an ExhaustedRetryFault.
func (u Unresolved) Err() error {
	return &fault.ExhaustedRetryFault{UnitID: u.ID, Attempts: u.Attempts, LastError: u.LastError}
}

// Result counts what one fix pass did.
type Result struct {
	Attempted    int // fix attempts consumed
	Fixed        int
	StillFailing int // FAILED or ERROR units with budget left when the pass ended
	Exhausted    []Unresolved
}

// Fixer repairs FAILED and ERROR units.
type Fixer struct {
	store   ledger.Store
	gen     ai.Generator
	prompts *prompt.Builder
	cfg     Config
}

// New creates a fixer.
func New(store ledger.Store, gen ai.Generator, prompts *prompt.Builder, cfg Config) *Fixer {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = converter.DefaultRequestTimeout
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.MaxAttempts < 0 {
		cfg.MaxAttempts = 0
	}
	return &Fixer{store: store, gen: gen, prompts: prompts, cfg: cfg}
}

// Fix runs repair rounds until every FAILED or ERROR unit has succeeded or
// spent its budget. Each round consumes at most one attempt per unit, so the
// loop ends after at most MaxAttempts rounds.
func (f *Fixer) Fix(ctx context.Context, runID string) (*Result, error) {
	if err := f.markExhausted(ctx, runID); err != nil {
		return nil, err
	}

	res := &Result{}
	for round := 1; round <= f.cfg.MaxAttempts; round++ {
		if ctx.Err() != nil {
			break
		}
		eligible, err := f.eligible(ctx, runID)
		if err != nil {
			return nil, err
		}
		if len(eligible) == 0 {
			break
		}
		logging.Info("Fix round %d/%d: %d units", round, f.cfg.MaxAttempts, len(eligible))

		attempted, fixed := f.round(ctx, round, eligible)
		res.Attempted += attempted
		res.Fixed += fixed
		if attempted == 0 {
			// Every unit was claimed by another worker.
			break
		}
	}

	remaining, err := f.store.Query(ctx, runID, ledger.StatusFailed, ledger.StatusError)
	if err != nil {
		return nil, fmt.Errorf("listing unresolved units: %w", err)
	}
	for _, u := range remaining {
		if u.Exhausted(f.cfg.MaxAttempts) {
			res.Exhausted = append(res.Exhausted, Unresolved{
				ID:         u.ID,
				SourcePath: u.SourcePath,
				Attempts:   u.AttemptCount,
				LastError:  u.LastError,
			})
		} else {
			res.StillFailing++
		}
	}

	logging.Info("Fix: %d attempts, %d fixed, %d exhausted, %d still failing",
		res.Attempted, res.Fixed, len(res.Exhausted), res.StillFailing)
	return res, ctx.Err()
}

// markExhausted turns ERROR units whose budget is already spent into
// terminal FAILED units.
func (f *Fixer) markExhausted(ctx context.Context, runID string) error {
	units, err := f.store.Query(ctx, runID, ledger.StatusError)
	if err != nil {
		return fmt.Errorf("listing errored units: %w", err)
	}
	for _, u := range units {
		if u.AttemptCount < f.cfg.MaxAttempts {
			continue
		}
		err := f.store.Update(ctx, runID, u.ID, ledger.Set(ledger.StatusFailed).When(ledger.StatusError))
		if err != nil && !errors.Is(err, ledger.ErrConflict) {
			return fmt.Errorf("marking %s exhausted: %w", u.ID, err)
		}
		logging.Debug("Unit %s exhausted its %d fix attempts", u.ID, f.cfg.MaxAttempts)
	}
	return nil
}

func (f *Fixer) eligible(ctx context.Context, runID string) ([]ledger.Unit, error) {
	units, err := f.store.Query(ctx, runID, ledger.StatusFailed, ledger.StatusError)
	if err != nil {
		return nil, fmt.Errorf("listing failed units: %w", err)
	}
	out := units[:0]
	for _, u := range units {
		if u.AttemptCount < f.cfg.MaxAttempts {
			out = append(out, u)
		}
	}
	return out, nil
}

func (f *Fixer) round(ctx context.Context, round int, units []ledger.Unit) (int, int) {
	var prog *progress.Tracker
	if f.cfg.Progress {
		prog = progress.New(fmt.Sprintf("Fixing (round %d)", round))
		prog.SetTotal(int64(len(units)))
	}

	var attempted, fixed atomic.Int64
	p := pool.New(ctx, pool.Config{Workers: f.cfg.Concurrency, Prog: prog})
	for _, u := range units {
		if !p.Submit(func(jobCtx context.Context) error {
			ok, success, err := f.fixUnit(jobCtx, u)
			if ok {
				attempted.Add(1)
			}
			if success {
				fixed.Add(1)
			}
			return err
		}) {
			break
		}
	}
	p.Wait()
	if prog != nil {
		prog.Finish()
	}
	return int(attempted.Load()), int(fixed.Load())
}

// fixUnit makes one repair attempt. claimed reports whether an attempt was consumed.
func (f *Fixer) fixUnit(ctx context.Context, u ledger.Unit) (claimed, success bool, err error) {
	claimed, err = f.store.Claim(ctx, u.RunID, u.ID, ledger.ClaimForFix(f.cfg.MaxAttempts))
	if err != nil || !claimed {
		return false, false, err
	}

	// Re-read under the claim: the query snapshot may be stale.
	current, err := f.store.Get(ctx, u.RunID, u.ID)
	if err != nil {
		return true, false, fmt.Errorf("reading claimed unit %s: %w", u.ID, err)
	}

	response, genErr := converter.CallBackend(ctx, f.gen, f.prompts.Repair(*current), f.cfg.RequestTimeout)
	outcome := f.cfg.Validator.Judge(response, genErr)

	if outcome.Status != ledger.StatusSuccess {
		if current.AttemptCount >= f.cfg.MaxAttempts {
			outcome.Status = ledger.StatusFailed
			logging.Warn("Unit %s unresolved after %d fix attempts: %s", u.ID, current.AttemptCount, outcome.Error)
		} else {
			logging.Debug("Unit %s fix attempt %d failed: %s", u.ID, current.AttemptCount, outcome.Error)
		}
	}

	if err := f.store.Update(ctx, u.RunID, u.ID, outcome.Fields()); err != nil {
		return true, false, fmt.Errorf("recording %s: %w", u.ID, err)
	}
	return true, outcome.Status == ledger.StatusSuccess, nil
}
