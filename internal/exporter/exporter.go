// Package exporter is the last pipeline stage. It assembles the generated
// text of every fully settled source file into an output artifact and writes
// a machine-readable summary of the run.
package exporter

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/johndauphine/sqlconv/internal/ledger"
	"github.com/johndauphine/sqlconv/internal/logging"
)

const (
	// DefaultExtension is the artifact extension when none is configured.
	DefaultExtension = ".sql"
	// DefaultCommentPrefix starts each line of a placeholder block.
	DefaultCommentPrefix = "--"
	// SummaryFile is written to the root of the output directory.
	SummaryFile = "summary.json"
	// NotebookExtension is used for the notebook rendering of an artifact.
	NotebookExtension = ".ipynb"
)

// Config tunes the exporter.
type Config struct {
	OutputDir string
	Extension string
	// Notebook also renders every artifact as a Jupyter notebook.
	Notebook bool
	// MaxAttempts decides when a FAILED unit is settled and gets a placeholder.
	MaxAttempts int
	// CommentPrefix is the line comment syntax of the target language.
	CommentPrefix string
}

// Result lists what one export pass wrote.
type Result struct {
	Exported     []string // output paths relative to OutputDir
	Pending      []string // source paths left out because some unit is not settled
	Placeholders int
	Summary      *Summary
}

// Exporter writes artifacts from ledger state. Its output depends on nothing
// but the ledger, so repeated exports are byte-identical.
type Exporter struct {
	store ledger.Store
	cfg   Config
}

// New creates an exporter.
func New(store ledger.Store, cfg Config) *Exporter {
	if cfg.Extension == "" {
		cfg.Extension = DefaultExtension
	}
	if !strings.HasPrefix(cfg.Extension, ".") {
		cfg.Extension = "." + cfg.Extension
	}
	if cfg.CommentPrefix == "" {
		cfg.CommentPrefix = DefaultCommentPrefix
	}
	if cfg.MaxAttempts < 0 {
		cfg.MaxAttempts = 0
	}
	return &Exporter{store: store, cfg: cfg}
}

// OutputPath maps a source path to its artifact path relative to the output
// directory, swapping the extension.
func OutputPath(sourcePath, ext string) string {
	return strings.TrimSuffix(sourcePath, path.Ext(sourcePath)) + ext
}

// Export writes one artifact per settled source file and the run summary.
func (e *Exporter) Export(ctx context.Context, run *ledger.Run) (*Result, error) {
	if err := os.MkdirAll(e.cfg.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}
	sources, err := e.store.Sources(ctx, run.ID)
	if err != nil {
		return nil, err
	}

	res := &Result{Exported: []string{}, Pending: []string{}}
	var all []ledger.Unit
	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		units, err := e.store.QuerySource(ctx, run.ID, src)
		if err != nil {
			return nil, err
		}
		all = append(all, units...)

		if !e.settled(units) {
			logging.Debug("Export: %s has unsettled units, skipping", src)
			res.Pending = append(res.Pending, src)
			continue
		}
		written, placeholders, err := e.exportSource(src, units)
		if err != nil {
			return nil, err
		}
		res.Exported = append(res.Exported, written...)
		res.Placeholders += placeholders
	}

	res.Summary = buildSummary(run, all, e.cfg.MaxAttempts, res)
	if err := writeSummary(filepath.Join(e.cfg.OutputDir, SummaryFile), res.Summary); err != nil {
		return nil, err
	}
	logging.Info("Export: %d files written, %d pending, %d placeholders",
		len(sources)-len(res.Pending), len(res.Pending), res.Placeholders)
	return res, nil
}

func (e *Exporter) settled(units []ledger.Unit) bool {
	for i := range units {
		if !units[i].Terminal(e.cfg.MaxAttempts) {
			return false
		}
	}
	return true
}

func (e *Exporter) exportSource(src string, units []ledger.Unit) ([]string, int, error) {
	var (
		sb           strings.Builder
		placeholders int
	)
	for i := range units {
		u := &units[i]
		if u.Status == ledger.StatusSuccess {
			sb.WriteString(withNewline(u.GeneratedText))
			continue
		}
		placeholders++
		sb.WriteString(e.placeholder(u))
	}

	rel := OutputPath(src, e.cfg.Extension)
	if err := WriteAtomic(e.target(rel), []byte(sb.String())); err != nil {
		return nil, 0, err
	}
	written := []string{rel}

	if e.cfg.Notebook {
		nbRel := OutputPath(src, NotebookExtension)
		data, err := renderNotebook(units, e.placeholder)
		if err != nil {
			return nil, 0, fmt.Errorf("rendering notebook for %s: %w", src, err)
		}
		if err := WriteAtomic(e.target(nbRel), data); err != nil {
			return nil, 0, err
		}
		written = append(written, nbRel)
	}
	return written, placeholders, nil
}

func (e *Exporter) target(rel string) string {
	return filepath.Join(e.cfg.OutputDir, filepath.FromSlash(rel))
}

// placeholder stands in for an unresolved unit. It keeps the original source
// commented out so the artifact still accounts for every input line.
func (e *Exporter) placeholder(u *ledger.Unit) string {
	p := e.cfg.CommentPrefix
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s >>> UNRESOLVED %s (status %s, %d fix attempts)\n", p, u.ID, u.Status, u.AttemptCount)
	if u.LastError != "" {
		for _, line := range strings.Split(strings.TrimRight(u.LastError, "\n"), "\n") {
			fmt.Fprintf(&sb, "%s last error: %s\n", p, line)
		}
	}
	for _, line := range strings.Split(strings.TrimRight(u.RawText, "\n"), "\n") {
		if line == "" {
			sb.WriteString(p + "\n")
			continue
		}
		fmt.Fprintf(&sb, "%s %s\n", p, line)
	}
	fmt.Fprintf(&sb, "%s <<< END UNRESOLVED %s\n", p, u.ID)
	return sb.String()
}

func withNewline(s string) string {
	if s == "" || strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}

// WriteAtomic replaces path with data. The bytes go to a temporary file in
// the same directory which is synced and renamed over the target, so readers
// see either the old file or the new one.
func WriteAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", path, err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("syncing %s: %w", path, err)
	}
	if err = tmp.Chmod(0o644); err != nil {
		return fmt.Errorf("setting mode on %s: %w", path, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", path, err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("renaming into %s: %w", path, err)
	}
	return nil
}
