package exporter

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/johndauphine/sqlconv/internal/fixer"
	"github.com/johndauphine/sqlconv/internal/ledger"
)

// Summary is the machine-readable account of a run written next to the
// artifacts. It holds no timestamps so that re-exports are byte-identical.
type Summary struct {
	RunID             string             `json:"run_id"`
	Dialect           string             `json:"dialect"`
	Units             int                `json:"units"`
	Totals            map[string]int     `json:"totals"`
	Unresolved        []fixer.Unresolved `json:"unresolved"`
	UnresolvedPercent float64            `json:"unresolved_percent"`
	ExportedFiles     []string           `json:"exported_files"`
	PendingFiles      []string           `json:"pending_files"`
}

// Complete reports whether every source file was exported.
func (s *Summary) Complete() bool {
	return len(s.PendingFiles) == 0
}

func buildSummary(run *ledger.Run, units []ledger.Unit, maxAttempts int, res *Result) *Summary {
	s := &Summary{
		RunID:         run.ID,
		Dialect:       string(run.Dialect),
		Units:         len(units),
		Totals:        make(map[string]int, len(ledger.AllStatuses)),
		Unresolved:    []fixer.Unresolved{},
		ExportedFiles: res.Exported,
		PendingFiles:  res.Pending,
	}
	for _, st := range ledger.AllStatuses {
		s.Totals[string(st)] = 0
	}
	for i := range units {
		u := &units[i]
		s.Totals[string(u.Status)]++
		if u.Exhausted(maxAttempts) {
			s.Unresolved = append(s.Unresolved, fixer.Unresolved{
				ID:         u.ID,
				SourcePath: u.SourcePath,
				Attempts:   u.AttemptCount,
				LastError:  u.LastError,
			})
		}
	}
	if len(units) > 0 {
		pct := float64(len(s.Unresolved)) * 100 / float64(len(units))
		s.UnresolvedPercent = math.Round(pct*100) / 100
	}
	return s
}

func writeSummary(path string, s *Summary) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding summary: %w", err)
	}
	return WriteAtomic(path, append(data, '\n'))
}
