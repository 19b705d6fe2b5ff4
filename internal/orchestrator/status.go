package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/johndauphine/sqlconv/internal/ledger"
	"github.com/johndauphine/sqlconv/internal/util"
)

var (
	colorPurple = lipgloss.Color("#7D56F4")
	colorGreen  = lipgloss.Color("#04B575")
	colorRed    = lipgloss.Color("#FF4141")
	colorYellow = lipgloss.Color("#FFC107")
	colorGray   = lipgloss.Color("#626262")

	styleTitle = lipgloss.NewStyle().
			Foreground(colorPurple).
			Bold(true)

	styleLabel = lipgloss.NewStyle().
			Foreground(colorGray).
			Width(14)

	styleHeader = lipgloss.NewStyle().
			Bold(true).
			Underline(true)

	styleBox = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorPurple).
			Padding(0, 1)
)

// maxListedUnits bounds the unresolved units printed by status views.
const maxListedUnits = 20

func statusStyle(s string) lipgloss.Style {
	switch s {
	case string(ledger.RunCompleted), string(ledger.StatusSuccess):
		return lipgloss.NewStyle().Foreground(colorGreen)
	case string(ledger.RunFailed), string(ledger.StatusFailed), string(ledger.StatusError):
		return lipgloss.NewStyle().Foreground(colorRed)
	case string(ledger.RunPartial), string(ledger.RunAborted), string(ledger.StatusInProgress):
		return lipgloss.NewStyle().Foreground(colorYellow)
	}
	return lipgloss.NewStyle()
}

// StatusReport is the state of one run, as shown by the status command.
type StatusReport struct {
	Run        ledger.Run     `json:"run"`
	Counts     map[string]int `json:"counts"`
	Total      int            `json:"total"`
	Unresolved []ledger.Unit  `json:"-"`
}

// Status builds the report for the configured or latest run.
func (o *Orchestrator) Status(ctx context.Context) (*StatusReport, error) {
	var (
		run *ledger.Run
		err error
	)
	if id := o.config.Run.ID; id != "" {
		run, err = o.store.GetRun(ctx, id)
	} else {
		run, err = o.store.LatestRun(ctx)
	}
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, fmt.Errorf("no runs recorded in the ledger")
	}
	if err != nil {
		return nil, err
	}
	return o.statusOf(ctx, run)
}

func (o *Orchestrator) statusOf(ctx context.Context, run *ledger.Run) (*StatusReport, error) {
	counts, err := o.store.Counts(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	rep := &StatusReport{Run: *run, Counts: make(map[string]int), Total: counts.Total()}
	for _, st := range ledger.AllStatuses {
		rep.Counts[string(st)] = counts[st]
	}
	rep.Unresolved, err = o.store.Query(ctx, run.ID, ledger.StatusFailed, ledger.StatusError)
	if err != nil {
		return nil, err
	}
	return rep, nil
}

// ShowStatus prints the state of the configured or latest run.
func (o *Orchestrator) ShowStatus(ctx context.Context) error {
	rep, err := o.Status(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(o.out, o.renderStatus(rep))
	return nil
}

// ShowRunDetails prints one run with its configuration snapshot.
func (o *Orchestrator) ShowRunDetails(ctx context.Context, runID string) error {
	run, err := o.store.GetRun(ctx, runID)
	if errors.Is(err, ledger.ErrNotFound) {
		return fmt.Errorf("run %s not found", runID)
	}
	if err != nil {
		return err
	}
	rep, err := o.statusOf(ctx, run)
	if err != nil {
		return err
	}
	fmt.Fprintln(o.out, o.renderStatus(rep))
	if run.Config != "" {
		fmt.Fprintln(o.out, styleTitle.Render("Configuration"))
		fmt.Fprintln(o.out, run.Config)
	}
	return nil
}

func (o *Orchestrator) renderStatus(rep *StatusReport) string {
	var sb strings.Builder
	run := rep.Run
	row := func(label, value string) {
		sb.WriteString(styleLabel.Render(label) + value + "\n")
	}

	sb.WriteString(styleTitle.Render("Run "+run.ID) + "\n")
	if run.Name != "" {
		row("Name", run.Name)
	}
	row("Dialect", run.Dialect.DisplayName())
	row("Status", statusStyle(string(run.Status)).Render(string(run.Status)))
	row("Started", run.StartedAt.Format(time.DateTime))
	row("Duration", runDuration(&run).String())
	if run.Error != "" {
		row("Error", util.Truncate(run.Error, 200))
	}

	sb.WriteString("\n")
	for _, st := range ledger.AllStatuses {
		n := rep.Counts[string(st)]
		row(string(st), statusStyle(string(st)).Render(fmt.Sprintf("%d", n)))
	}
	row("Total", fmt.Sprintf("%d", rep.Total))

	if len(rep.Unresolved) > 0 {
		sb.WriteString("\n" + styleHeader.Render("Failed and errored units") + "\n")
		for i, u := range rep.Unresolved {
			if i == maxListedUnits {
				fmt.Fprintf(&sb, "... and %d more\n", len(rep.Unresolved)-maxListedUnits)
				break
			}
			fmt.Fprintf(&sb, "%s %s (attempts %d): %s\n", u.ID,
				statusStyle(string(u.Status)).Render(string(u.Status)),
				u.AttemptCount, util.Truncate(u.LastError, 120))
		}
	}
	return styleBox.Render(strings.TrimRight(sb.String(), "\n"))
}

func runDuration(r *ledger.Run) time.Duration {
	end := time.Now()
	if r.CompletedAt != nil {
		end = *r.CompletedAt
	}
	return end.Sub(r.StartedAt).Round(time.Second)
}

// ShowHistory lists every run, newest first.
func (o *Orchestrator) ShowHistory(ctx context.Context) error {
	runs, err := o.store.ListRuns(ctx)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(o.out, "No runs recorded.")
		return nil
	}

	const layout = "%-36s  %-20s  %-10s  %-10s  %-19s  %s"
	fmt.Fprintln(o.out, styleHeader.Render(fmt.Sprintf(layout, "RUN ID", "NAME", "DIALECT", "STATUS", "STARTED", "DURATION")))
	for i := range runs {
		r := &runs[i]
		status := fmt.Sprintf("%-10s", r.Status)
		fmt.Fprintf(o.out, "%-36s  %-20s  %-10s  %s  %-19s  %s\n",
			r.ID, util.Truncate(r.Name, 17), r.Dialect, statusStyle(string(r.Status)).Render(status),
			r.StartedAt.Format(time.DateTime), runDuration(r))
	}
	return nil
}
