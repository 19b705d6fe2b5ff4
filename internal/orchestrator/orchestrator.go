// Package orchestrator sequences the pipeline stages over one run and
// renders run status for the CLI.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/johndauphine/sqlconv/internal/ai"
	"github.com/johndauphine/sqlconv/internal/analyzer"
	"github.com/johndauphine/sqlconv/internal/config"
	"github.com/johndauphine/sqlconv/internal/converter"
	"github.com/johndauphine/sqlconv/internal/exporter"
	"github.com/johndauphine/sqlconv/internal/fault"
	"github.com/johndauphine/sqlconv/internal/fixer"
	"github.com/johndauphine/sqlconv/internal/ledger"
	"github.com/johndauphine/sqlconv/internal/logging"
	"github.com/johndauphine/sqlconv/internal/notify"
	"github.com/johndauphine/sqlconv/internal/prompt"
)

// Orchestrator owns the ledger and backend for one configuration.
type Orchestrator struct {
	config    *config.Config
	store     ledger.Store
	ownStore  bool
	gen       ai.Generator
	prompts   *prompt.Builder
	validator *converter.Validator
	notifier  notify.Provider
	tokenizer analyzer.Tokenizer
	out       io.Writer
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithGenerator replaces the backend client built from the secrets file.
func WithGenerator(g ai.Generator) Option {
	return func(o *Orchestrator) { o.gen = g }
}

// WithStore uses an already opened ledger. The caller keeps ownership.
func WithStore(s ledger.Store) Option {
	return func(o *Orchestrator) { o.store = s }
}

// WithNotifier replaces the Slack notifier.
func WithNotifier(n notify.Provider) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithTokenizer replaces the token estimator used by analysis.
func WithTokenizer(t analyzer.Tokenizer) Option {
	return func(o *Orchestrator) { o.tokenizer = t }
}

// WithOutput redirects status and history rendering.
func WithOutput(w io.Writer) Option {
	return func(o *Orchestrator) { o.out = w }
}

// RunResult is the outcome of a pipeline run, suitable for JSON output.
type RunResult struct {
	RunID             string                 `json:"run_id"`
	Status            ledger.RunStatus       `json:"status"`
	Dialect           string                 `json:"dialect"`
	StartedAt         time.Time              `json:"started_at"`
	CompletedAt       time.Time              `json:"completed_at"`
	DurationSeconds   float64                `json:"duration_seconds"`
	Recovered         int                    `json:"recovered_units"`
	FilesAnalyzed     int                    `json:"files_analyzed"`
	FilesExported     int                    `json:"files_exported"`
	FilesPending      int                    `json:"files_pending"`
	UnitsTotal        int                    `json:"units_total"`
	UnitsSucceeded    int                    `json:"units_succeeded"`
	UnitsUnresolved   int                    `json:"units_unresolved"`
	UnresolvedPercent float64                `json:"unresolved_percent"`
	Unresolved        []fixer.Unresolved     `json:"unresolved"`
	SkippedFiles      []analyzer.SkippedFile `json:"skipped_files,omitempty"`
	OverThreshold     []string               `json:"over_threshold_units,omitempty"`
	SummaryPath       string                 `json:"summary_path,omitempty"`
	Error             string                 `json:"error,omitempty"`
}

// New creates an orchestrator. The prompt set and reject patterns are
// checked here, so a bad configuration fails before any backend call.
func New(cfg *config.Config, opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{config: cfg, out: os.Stdout}
	for _, opt := range opts {
		opt(o)
	}

	set, err := prompt.LoadSet(cfg.Prompts.Set)
	if err != nil {
		return nil, err
	}
	o.prompts, err = prompt.NewBuilder(set, cfg.DialectValue(), prompt.Options{
		TargetLanguage:  cfg.Prompts.TargetLanguage,
		CommentLanguage: cfg.Prompts.CommentLanguage,
		Params: ai.Params{
			Model:       cfg.Backend.Model,
			MaxTokens:   cfg.Backend.MaxTokens,
			Temperature: cfg.Backend.Temperature,
		},
	})
	if err != nil {
		return nil, err
	}
	if o.validator, err = converter.NewValidator(cfg.Validation.RejectPatterns); err != nil {
		return nil, err
	}

	if o.store == nil {
		store, err := openLedger(cfg.Ledger)
		if err != nil {
			return nil, err
		}
		o.store, o.ownStore = store, true
	}
	if o.notifier == nil {
		o.notifier = newNotifier(cfg.Notify)
	}
	return o, nil
}

// NewViewer creates an orchestrator for the status, history and preflight
// views. Only the ledger settings of cfg need to be valid; the pipeline
// stages refuse to run on a viewer.
func NewViewer(cfg *config.Config, opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{config: cfg, out: os.Stdout}
	for _, opt := range opts {
		opt(o)
	}
	if o.store == nil {
		store, err := openLedger(cfg.Ledger)
		if err != nil {
			return nil, err
		}
		o.store, o.ownStore = store, true
	}
	if o.notifier == nil {
		o.notifier = notify.New(nil)
	}
	return o, nil
}

// stagesReady rejects stage calls on a viewer.
func (o *Orchestrator) stagesReady() error {
	if o.prompts == nil || o.validator == nil {
		return fault.Config("input.dir", "pipeline stages need a full run configuration")
	}
	return nil
}

func openLedger(cfg config.LedgerConfig) (*ledger.SQLStore, error) {
	if cfg.Driver == ledger.DriverSQLite {
		if err := os.MkdirAll(filepath.Dir(cfg.DSN), 0o700); err != nil {
			return nil, fmt.Errorf("creating ledger directory: %w", err)
		}
	}
	store, err := ledger.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	return store, nil
}

// newNotifier enables Slack when the run config asks for it. The webhook URL
// falls back to the secrets file.
func newNotifier(cfg config.NotifyConfig) notify.Provider {
	slack := cfg.Slack
	if !slack.Enabled {
		return notify.New(nil)
	}
	if slack.WebhookURL != "" {
		return notify.New(&slack)
	}
	n := notify.NewFromSecrets()
	if !n.IsEnabled() {
		logging.Warn("Slack notifications enabled but no webhook_url configured")
	}
	return n
}

// Close releases the ledger if the orchestrator opened it.
func (o *Orchestrator) Close() error {
	if o.ownStore {
		return o.store.Close()
	}
	return nil
}

// generator returns the backend, building it from the secrets file on first use.
func (o *Orchestrator) generator() (ai.Generator, error) {
	if o.gen != nil {
		return o.gen, nil
	}
	client, err := ai.NewClientFromSecrets(o.config.Backend.Provider, ai.Options{
		MaxRetries:        o.config.Backend.MaxRetries,
		RequestsPerMinute: o.config.Backend.RequestsPerMinute,
		BaseURL:           o.config.Backend.BaseURL,
		Defaults: ai.Params{
			Model:       o.config.Backend.Model,
			MaxTokens:   o.config.Backend.MaxTokens,
			Temperature: o.config.Backend.Temperature,
		},
	})
	if err != nil {
		return nil, err
	}
	logging.Info("Generation backend: %s", client.Endpoint())
	o.gen = client
	return client, nil
}

// openRun returns the configured run, creating it when needed. Reusing a run
// id with a different run-scoped configuration is a ConfigFault.
func (o *Orchestrator) openRun(ctx context.Context) (*ledger.Run, error) {
	id := o.config.Run.ID
	if id != "" {
		run, err := o.store.GetRun(ctx, id)
		switch {
		case err == nil:
			if err := o.checkFingerprint(run); err != nil {
				return nil, err
			}
			if run.Status != ledger.RunRunning {
				if err := o.store.ReopenRun(ctx, id); err != nil {
					return nil, err
				}
				run.Status = ledger.RunRunning
			}
			logging.Info("Continuing run %s", id)
			return run, nil
		case !errors.Is(err, ledger.ErrNotFound):
			return nil, err
		}
	} else {
		id = uuid.NewString()
	}

	run := ledger.Run{
		ID:          id,
		Name:        o.config.Run.Name,
		Dialect:     o.config.DialectValue(),
		Fingerprint: o.config.Fingerprint(),
		Config:      o.config.Snapshot(),
		Status:      ledger.RunRunning,
	}
	if err := o.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	created, err := o.store.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	logging.Info("Started run %s (%s)", id, run.Dialect.DisplayName())
	return created, nil
}

func (o *Orchestrator) checkFingerprint(run *ledger.Run) error {
	if run.Fingerprint != o.config.Fingerprint() {
		return fault.Config("run.id", "run %s was created with a different configuration; start a new run to change input, dialect, prompts, limits or backend", run.ID)
	}
	return nil
}

// currentRun picks the run a single stage works on: the configured run id,
// else the latest incomplete run, else the latest run.
func (o *Orchestrator) currentRun(ctx context.Context) (*ledger.Run, error) {
	var (
		run *ledger.Run
		err error
	)
	if id := o.config.Run.ID; id != "" {
		run, err = o.store.GetRun(ctx, id)
	} else if run, err = o.store.LastIncompleteRun(ctx); errors.Is(err, ledger.ErrNotFound) {
		run, err = o.store.LatestRun(ctx)
	}
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, fmt.Errorf("no run found; start one with the run or analyze command")
	}
	if err != nil {
		return nil, err
	}
	if err := o.checkFingerprint(run); err != nil {
		return nil, err
	}
	return run, nil
}

// Run executes the whole pipeline: preflight, analyze, convert, fix, export.
func (o *Orchestrator) Run(ctx context.Context) (*RunResult, error) {
	if err := o.stagesReady(); err != nil {
		return nil, err
	}
	if err := o.requireHealthy(ctx); err != nil {
		return nil, err
	}
	run, err := o.openRun(ctx)
	if err != nil {
		return nil, err
	}
	return o.execute(ctx, run, time.Now().Add(-o.config.Conversion.StaleAfter))
}

// Resume continues the latest incomplete run. Every IN_PROGRESS unit is
// re-evaluated since nothing else can own it.
func (o *Orchestrator) Resume(ctx context.Context) (*RunResult, error) {
	if err := o.stagesReady(); err != nil {
		return nil, err
	}
	run, err := o.store.LastIncompleteRun(ctx)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, fmt.Errorf("no incomplete run to resume")
	}
	if err != nil {
		return nil, err
	}
	if err := o.checkFingerprint(run); err != nil {
		return nil, err
	}
	if err := o.requireHealthy(ctx); err != nil {
		return nil, err
	}
	if run.Status != ledger.RunRunning {
		if err := o.store.ReopenRun(ctx, run.ID); err != nil {
			return nil, err
		}
	}
	logging.Info("Resuming run %s", run.ID)
	// Ledger stamps have millisecond resolution.
	return o.execute(ctx, run, time.Now().Add(time.Second))
}

func (o *Orchestrator) requireHealthy(ctx context.Context) error {
	pf, err := o.Preflight(ctx)
	if err != nil {
		return err
	}
	if !pf.Healthy {
		return fault.Config("preflight", "%s", pf.Failure())
	}
	return nil
}

func (o *Orchestrator) execute(ctx context.Context, run *ledger.Run, staleBefore time.Time) (*RunResult, error) {
	start := time.Now()
	res := &RunResult{RunID: run.ID, Dialect: string(run.Dialect), StartedAt: start}

	recovered, err := o.store.Recover(ctx, run.ID, staleBefore)
	if err != nil {
		return o.fail(ctx, run, res, err)
	}
	if recovered > 0 {
		logging.Info("Recovered %d units left IN_PROGRESS", recovered)
	}
	res.Recovered = recovered

	report, err := o.analyze(ctx, run)
	if err != nil {
		return o.stop(ctx, run, res, err)
	}
	res.FilesAnalyzed = report.Files
	res.SkippedFiles = report.Skipped
	res.OverThreshold = report.OverThreshold
	if err := o.notifier.RunStarted(run.ID, string(run.Dialect), report.Files+report.Existing); err != nil {
		logging.Warn("Slack notification failed: %v", err)
	}

	if _, err := o.convert(ctx, run); err != nil {
		return o.stop(ctx, run, res, err)
	}
	if _, err := o.fix(ctx, run); err != nil {
		return o.stop(ctx, run, res, err)
	}
	exp, err := o.export(ctx, run)
	if err != nil {
		return o.stop(ctx, run, res, err)
	}
	o.fillFromSummary(res, exp)

	res.Status = ledger.RunCompleted
	if res.UnitsUnresolved > 0 || !exp.Summary.Complete() {
		res.Status = ledger.RunPartial
	}
	o.finish(ctx, run, res, start)
	for _, u := range res.Unresolved {
		logging.Warn("%v", u.Err())
	}

	if res.UnitsUnresolved > 0 {
		ids := make([]string, len(res.Unresolved))
		for i, u := range res.Unresolved {
			ids[i] = u.ID
		}
		err = o.notifier.RunCompletedWithUnresolved(run.ID, start, time.Since(start), res.UnitsSucceeded, res.UnitsUnresolved, ids)
	} else {
		err = o.notifier.RunCompleted(run.ID, start, time.Since(start), res.UnitsTotal, res.FilesExported)
	}
	if err != nil {
		logging.Warn("Slack notification failed: %v", err)
	}
	logging.Info("Run %s %s: %d/%d units converted, %d unresolved (%.1f%%), %d files exported",
		run.ID, res.Status, res.UnitsSucceeded, res.UnitsTotal, res.UnitsUnresolved, res.UnresolvedPercent, res.FilesExported)
	return res, nil
}

func (o *Orchestrator) fillFromSummary(res *RunResult, exp *exporter.Result) {
	s := exp.Summary
	res.FilesExported = len(s.ExportedFiles)
	res.FilesPending = len(s.PendingFiles)
	res.UnitsTotal = s.Units
	res.UnitsSucceeded = s.Totals[string(ledger.StatusSuccess)]
	res.UnitsUnresolved = len(s.Unresolved)
	res.UnresolvedPercent = s.UnresolvedPercent
	res.Unresolved = s.Unresolved
	res.SummaryPath = filepath.Join(o.config.Output.Dir, exporter.SummaryFile)
}

// stop ends the run after a stage error: cancellation aborts it, anything
// else fails it.
func (o *Orchestrator) stop(ctx context.Context, run *ledger.Run, res *RunResult, err error) (*RunResult, error) {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		res.Status = ledger.RunAborted
		res.Error = "interrupted"
		o.finish(ctx, run, res, res.StartedAt)
		logging.Warn("Run %s interrupted; resume it with the resume command", run.ID)
		return res, err
	}
	return o.fail(ctx, run, res, err)
}

func (o *Orchestrator) fail(ctx context.Context, run *ledger.Run, res *RunResult, err error) (*RunResult, error) {
	res.Status = ledger.RunFailed
	res.Error = err.Error()
	o.finish(ctx, run, res, res.StartedAt)
	if nerr := o.notifier.RunFailed(run.ID, err, time.Since(res.StartedAt)); nerr != nil {
		logging.Warn("Slack notification failed: %v", nerr)
	}
	return res, err
}

func (o *Orchestrator) finish(ctx context.Context, run *ledger.Run, res *RunResult, start time.Time) {
	res.CompletedAt = time.Now()
	res.DurationSeconds = res.CompletedAt.Sub(start).Seconds()
	// The final status must be written even when ctx was canceled.
	if err := o.store.CompleteRun(context.WithoutCancel(ctx), run.ID, res.Status, res.Error); err != nil {
		logging.Error("Recording run status: %v", err)
	}
}

// Analyze runs only the analysis stage, creating the run when needed.
func (o *Orchestrator) Analyze(ctx context.Context) (*analyzer.Report, error) {
	if err := o.stagesReady(); err != nil {
		return nil, err
	}
	run, err := o.openRun(ctx)
	if err != nil {
		return nil, err
	}
	return o.analyze(ctx, run)
}

// Convert runs only the conversion stage on the current run.
func (o *Orchestrator) Convert(ctx context.Context) (*converter.Result, error) {
	if err := o.stagesReady(); err != nil {
		return nil, err
	}
	run, err := o.currentRun(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := o.store.Recover(ctx, run.ID, time.Now().Add(-o.config.Conversion.StaleAfter)); err != nil {
		return nil, err
	}
	return o.convert(ctx, run)
}

// Fix runs only the fix stage on the current run.
func (o *Orchestrator) Fix(ctx context.Context) (*fixer.Result, error) {
	if err := o.stagesReady(); err != nil {
		return nil, err
	}
	run, err := o.currentRun(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := o.store.Recover(ctx, run.ID, time.Now().Add(-o.config.Conversion.StaleAfter)); err != nil {
		return nil, err
	}
	return o.fix(ctx, run)
}

// Export runs only the export stage on the current run.
func (o *Orchestrator) Export(ctx context.Context) (*exporter.Result, error) {
	if err := o.stagesReady(); err != nil {
		return nil, err
	}
	run, err := o.currentRun(ctx)
	if err != nil {
		return nil, err
	}
	return o.export(ctx, run)
}

func (o *Orchestrator) analyze(ctx context.Context, run *ledger.Run) (*analyzer.Report, error) {
	return analyzer.New(o.store, o.tokenizer).Analyze(ctx, run, analyzer.Options{
		InputDir:   o.config.Input.Dir,
		Extensions: o.config.Input.Extensions,
		Encoding:   o.config.Input.Encoding,
		Threshold:  o.config.Analysis.TokenThreshold,
		Force:      o.config.Analysis.Force,
	})
}

func (o *Orchestrator) convert(ctx context.Context, run *ledger.Run) (*converter.Result, error) {
	gen, err := o.generator()
	if err != nil {
		return nil, err
	}
	return converter.New(o.store, gen, o.prompts, converter.Config{
		Concurrency:    o.config.Conversion.Concurrency,
		RequestTimeout: o.config.Conversion.RequestTimeout,
		Validator:      o.validator,
		Progress:       o.config.ShowProgress(),
	}).Convert(ctx, run.ID)
}

func (o *Orchestrator) fix(ctx context.Context, run *ledger.Run) (*fixer.Result, error) {
	gen, err := o.generator()
	if err != nil {
		return nil, err
	}
	return fixer.New(o.store, gen, o.prompts, fixer.Config{
		Concurrency:    o.config.Conversion.Concurrency,
		MaxAttempts:    o.config.MaxFixAttempts(),
		RequestTimeout: o.config.Conversion.RequestTimeout,
		Validator:      o.validator,
		Progress:       o.config.ShowProgress(),
	}).Fix(ctx, run.ID)
}

func (o *Orchestrator) export(ctx context.Context, run *ledger.Run) (*exporter.Result, error) {
	return exporter.New(o.store, exporter.Config{
		OutputDir:     o.config.Output.Dir,
		Extension:     o.config.Output.Extension,
		Notebook:      o.config.Output.Notebook,
		MaxAttempts:   o.config.MaxFixAttempts(),
		CommentPrefix: o.config.Output.CommentPrefix,
	}).Export(ctx, run)
}
