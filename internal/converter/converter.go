// Package converter is the second pipeline stage: it claims PENDING units,
// sends them to the generation backend and records the outcome.
package converter

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/johndauphine/sqlconv/internal/ai"
	"github.com/johndauphine/sqlconv/internal/fault"
	"github.com/johndauphine/sqlconv/internal/ledger"
	"github.com/johndauphine/sqlconv/internal/logging"
	"github.com/johndauphine/sqlconv/internal/pool"
	"github.com/johndauphine/sqlconv/internal/progress"
	"github.com/johndauphine/sqlconv/internal/prompt"
)

// DefaultRequestTimeout bounds a single backend call.
const DefaultRequestTimeout = 5 * time.Minute

// Config tunes the converter.
type Config struct {
	Concurrency    int
	RequestTimeout time.Duration
	Validator      *Validator
	// Progress renders a progress bar while units are processed.
	Progress bool
}

// Result counts what one pass did.
type Result struct {
	Processed int // units claimed and sent to the backend
	Succeeded int
	Failed    int // content faults
	Errored   int // transport faults
	Skipped   int // claimed elsewhere, or never started because the run was canceled
}

// Converter turns PENDING units into SUCCESS, FAILED or ERROR units.
type Converter struct {
	store   ledger.Store
	gen     ai.Generator
	prompts *prompt.Builder
	cfg     Config
}

// New creates a converter.
func New(store ledger.Store, gen ai.Generator, prompts *prompt.Builder, cfg Config) *Converter {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Converter{store: store, gen: gen, prompts: prompts, cfg: cfg}
}

type counters struct {
	processed, succeeded, failed, errored, skipped atomic.Int64
}

func (c *counters) result() *Result {
	return &Result{
		Processed: int(c.processed.Load()),
		Succeeded: int(c.succeeded.Load()),
		Failed:    int(c.failed.Load()),
		Errored:   int(c.errored.Load()),
		Skipped:   int(c.skipped.Load()),
	}
}

// Convert processes every PENDING unit of the run. It returns ctx.Err() when
// the run was canceled; units already in flight still reach a final status.
func (c *Converter) Convert(ctx context.Context, runID string) (*Result, error) {
	units, err := c.store.Query(ctx, runID, ledger.StatusPending)
	if err != nil {
		return nil, fmt.Errorf("listing pending units: %w", err)
	}
	if len(units) == 0 {
		logging.Info("Convert: no pending units")
		return &Result{}, nil
	}
	logging.Info("Converting %d units with %d workers (template %s)", len(units), c.cfg.Concurrency, c.prompts.TemplateID())

	var prog *progress.Tracker
	if c.cfg.Progress {
		prog = progress.New("Converting")
		prog.SetTotal(int64(len(units)))
	}

	var cnt counters
	p := pool.New(ctx, pool.Config{Workers: c.cfg.Concurrency, Prog: prog})
	for _, u := range units {
		if !p.Submit(func(jobCtx context.Context) error {
			return c.convertUnit(jobCtx, &cnt, u)
		}) {
			break
		}
	}
	stats := p.Wait()
	if prog != nil {
		prog.Finish()
	}

	res := cnt.result()
	res.Skipped += int(stats.Skipped) + len(units) - int(stats.Submitted)
	logging.Info("Convert: %d processed, %d succeeded, %d failed, %d errored, %d skipped",
		res.Processed, res.Succeeded, res.Failed, res.Errored, res.Skipped)
	return res, ctx.Err()
}

// CallBackend runs one generation call under its own timeout. An expired
// deadline is reported as a transport fault whatever the generator returned.
func CallBackend(ctx context.Context, gen ai.Generator, req ai.Request, timeout time.Duration) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	response, err := gen.Generate(callCtx, req)
	if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && !fault.IsTransport(err) {
		err = fault.Transport(fmt.Sprintf("backend call exceeded %s", timeout), err)
	}
	return response, err
}

func (c *Converter) convertUnit(ctx context.Context, cnt *counters, u ledger.Unit) error {
	claimed, err := c.store.Claim(ctx, u.RunID, u.ID, ledger.ClaimPending())
	if err != nil {
		return fmt.Errorf("claiming %s: %w", u.ID, err)
	}
	if !claimed {
		cnt.skipped.Add(1)
		return nil
	}
	cnt.processed.Add(1)

	response, genErr := CallBackend(ctx, c.gen, c.prompts.Conversion(u), c.cfg.RequestTimeout)
	outcome := c.cfg.Validator.Judge(response, genErr)
	switch outcome.Status {
	case ledger.StatusSuccess:
		cnt.succeeded.Add(1)
	case ledger.StatusError:
		cnt.errored.Add(1)
		logging.Warn("Unit %s: %s", u.ID, outcome.Error)
	default:
		cnt.failed.Add(1)
		logging.Warn("Unit %s: %s", u.ID, outcome.Error)
	}

	if err := c.store.Update(ctx, u.RunID, u.ID, outcome.Fields()); err != nil {
		return fmt.Errorf("recording %s: %w", u.ID, err)
	}
	return nil
}
