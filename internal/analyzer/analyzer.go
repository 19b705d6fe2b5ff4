// Package analyzer reads source files, splits them on statement boundaries
// and records the resulting units in the ledger as PENDING.
package analyzer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/johndauphine/sqlconv/internal/fault"
	"github.com/johndauphine/sqlconv/internal/ledger"
	"github.com/johndauphine/sqlconv/internal/logging"
)

// Options controls one analysis pass.
type Options struct {
	InputDir   string
	Extensions []string
	Encoding   string
	// Threshold is the token budget per unit.
	Threshold int
	// Force re-analyzes files that already have units. Their units move to
	// the ledger history first.
	Force bool
}

// SkippedFile is an input file that produced no units.
type SkippedFile struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// Report summarizes an analysis pass.
type Report struct {
	Files         int           // files analyzed in this pass
	Existing      int           // files left untouched because they already had units
	Superseded    int           // units moved to history by a forced pass
	Units         int           // units inserted
	Skipped       []SkippedFile // unreadable, binary or empty files
	OverThreshold []string      // ids of units holding a single statement above the threshold
}

// Analyzer is the first pipeline stage.
type Analyzer struct {
	store ledger.Store
	tok   Tokenizer
}

// New creates an analyzer. A nil tokenizer selects EstimateTokenizer.
func New(store ledger.Store, tok Tokenizer) *Analyzer {
	if tok == nil {
		tok = EstimateTokenizer{}
	}
	return &Analyzer{store: store, tok: tok}
}

// Analyze records units for every input file of the run. Files that already
// have units are skipped unless opts.Force is set, so new files can be added
// to a run without disturbing prior progress.
func (a *Analyzer) Analyze(ctx context.Context, run *ledger.Run, opts Options) (*Report, error) {
	if opts.Threshold <= 0 {
		return nil, fault.Config("analysis.token_threshold", "must be positive, got %d", opts.Threshold)
	}
	if err := ValidateEncoding(opts.Encoding); err != nil {
		return nil, err
	}
	files, err := Discover(opts.InputDir, opts.Extensions)
	if err != nil {
		return nil, err
	}
	logging.Info("Analyzing %d source files in %s (threshold %d tokens)", len(files), opts.InputDir, opts.Threshold)

	report := &Report{}
	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		exists, err := a.store.HasSource(ctx, run.ID, rel)
		if err != nil {
			return report, err
		}
		if exists {
			if !opts.Force {
				report.Existing++
				continue
			}
			n, err := a.store.Supersede(ctx, run.ID, rel)
			if err != nil {
				return report, fmt.Errorf("superseding %s: %w", rel, err)
			}
			report.Superseded += n
			logging.Info("Re-analyzing %s: %d prior units moved to history", rel, n)
		}

		units, reason, err := a.analyzeFile(run, opts, rel)
		if err != nil {
			return report, err
		}
		if reason != "" {
			logging.Warn("Skipping %s: %s", rel, reason)
			report.Skipped = append(report.Skipped, SkippedFile{Path: rel, Reason: reason})
			continue
		}

		if err := a.store.Insert(ctx, units...); err != nil {
			return report, fmt.Errorf("recording units for %s: %w", rel, err)
		}
		report.Files++
		report.Units += len(units)
		for _, u := range units {
			if u.TokenCount > opts.Threshold {
				report.OverThreshold = append(report.OverThreshold, u.ID)
				logging.Warn("Unit %s holds a single statement of %d tokens, above the %d token threshold",
					u.ID, u.TokenCount, opts.Threshold)
			}
		}
		logging.Debug("Analyzed %s: %d units", rel, len(units))
	}

	logging.Info("Analysis complete: %d files, %d units, %d already analyzed, %d skipped",
		report.Files, report.Units, report.Existing, len(report.Skipped))
	return report, nil
}

// analyzeFile builds the units of one file. A non-empty reason means the file
// is skipped; err is reserved for failures that should stop the pass.
func (a *Analyzer) analyzeFile(run *ledger.Run, opts Options, rel string) ([]ledger.Unit, string, error) {
	data, err := os.ReadFile(filepath.Join(opts.InputDir, filepath.FromSlash(rel)))
	if err != nil {
		return nil, fmt.Sprintf("read failed: %v", err), nil
	}
	text, err := Decode(data, opts.Encoding)
	if err != nil {
		return nil, err.Error(), nil
	}
	if isBinary(text) {
		return nil, "binary content", nil
	}
	if strings.TrimSpace(text) == "" {
		return nil, "no content", nil
	}

	chunks := Pack(SplitStatements(text, run.Dialect), a.tok, opts.Threshold)
	units := make([]ledger.Unit, 0, len(chunks))
	for i, c := range chunks {
		units = append(units, ledger.Unit{
			RunID:      run.ID,
			ID:         ledger.UnitID(rel, i),
			SourcePath: rel,
			Ordinal:    i,
			Dialect:    run.Dialect,
			RawText:    c.Text,
			TokenCount: c.Tokens,
			Status:     ledger.StatusPending,
		})
	}
	return units, "", nil
}
