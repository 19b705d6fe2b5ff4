package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/johndauphine/sqlconv/internal/config"
	"github.com/johndauphine/sqlconv/internal/ledger"
	"github.com/johndauphine/sqlconv/internal/logging"
	"github.com/johndauphine/sqlconv/internal/orchestrator"
	"github.com/johndauphine/sqlconv/internal/secrets"
	"github.com/johndauphine/sqlconv/internal/util"
	"github.com/johndauphine/sqlconv/internal/version"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		logging.Error("%v", err)
		os.Exit(1)
	}
}

func ledgerFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "ledger",
		Usage: "Ledger location (sqlite file path or postgres URL); overrides ledger.dsn",
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    version.Name,
		Usage:   version.Description,
		Version: version.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yaml",
				Usage:   "Path to configuration file",
			},
			ledgerFlag(),
			&cli.StringFlag{
				Name:  "run-id",
				Usage: "Run identifier; reusing an id continues that run",
			},
			&cli.BoolFlag{
				Name:  "output-json",
				Usage: "Print the command result as JSON on stdout",
			},
			&cli.StringFlag{
				Name:  "output-file",
				Usage: "Write the command result as JSON to this file",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "Log format: text or json",
			},
			&cli.StringFlag{
				Name:    "verbosity",
				Aliases: []string{"log-level"},
				Usage:   "Log level: debug, info, warn, error",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Analyze, convert, fix and export in one pass",
				Action: runPipeline,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "input", Usage: "Directory of legacy SQL source files"},
					&cli.StringFlag{Name: "output", Usage: "Directory for converted artifacts"},
					&cli.StringFlag{Name: "extensions", Usage: "Comma-separated source file extensions (e.g. sql,prc)"},
					&cli.StringFlag{Name: "dialect", Usage: "Source dialect"},
					&cli.IntFlag{Name: "concurrency", Usage: "Maximum in-flight backend requests"},
					&cli.IntFlag{Name: "max-fix-attempts", Usage: "Fix attempts per failed unit"},
					&cli.BoolFlag{Name: "force-analyze", Usage: "Re-split files that already have units"},
					ledgerFlag(),
				},
			},
			{
				Name:   "resume",
				Usage:  "Resume the latest interrupted run",
				Action: resumePipeline,
				Flags:  []cli.Flag{ledgerFlag()},
			},
			{
				Name:   "analyze",
				Usage:  "Split input files into units",
				Action: analyzeStage,
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "force", Usage: "Re-split files that already have units"},
					ledgerFlag(),
				},
			},
			{
				Name:   "convert",
				Usage:  "Convert pending units",
				Action: convertStage,
				Flags:  []cli.Flag{ledgerFlag()},
			},
			{
				Name:   "fix",
				Usage:  "Repair failed units within the fix budget",
				Action: fixStage,
				Flags:  []cli.Flag{ledgerFlag()},
			},
			{
				Name:   "export",
				Usage:  "Write artifacts and the run summary",
				Action: exportStage,
				Flags:  []cli.Flag{ledgerFlag()},
			},
			{
				Name:   "status",
				Usage:  "Show status of the current or last run",
				Action: showStatus,
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "json", Usage: "Print status as JSON"},
					ledgerFlag(),
				},
			},
			{
				Name:  "history",
				Usage: "List all runs, or view details of a specific run",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "run", Usage: "Show details for a specific run ID"},
					ledgerFlag(),
				},
				Action: showHistory,
			},
			{
				Name:   "check",
				Usage:  "Verify input, output, disk space, ledger and backend",
				Action: checkPreflight,
				Flags:  []cli.Flag{ledgerFlag()},
			},
			{
				Name:   "init-secrets",
				Usage:  "Create the secrets file template",
				Action: initSecrets,
			},
		},
	}
}

// lookup returns the innermost value of a flag set on the command or globally.
func lookup(c *cli.Context, name string) string {
	for _, ctx := range c.Lineage() {
		if ctx != nil && ctx.IsSet(name) {
			return ctx.String(name)
		}
	}
	return ""
}

// getLedgerDSN returns the --ledger value, the command flag taking precedence.
func getLedgerDSN(c *cli.Context) string {
	if c.IsSet("ledger") {
		return c.String("ledger")
	}
	return lookup(c, "ledger")
}

// loadConfig reads the configuration for commands that run stages and
// validates all of it.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := readConfig(c)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	applyLogging(cfg)
	return cfg, nil
}

// loadViewConfig reads the configuration for the read-only commands, which
// only need a usable ledger.
func loadViewConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := readConfig(c)
	if err != nil {
		return nil, err
	}
	if err := cfg.ValidateLedger(); err != nil {
		return nil, err
	}
	applyLogging(cfg)
	return cfg, nil
}

func readConfig(c *cli.Context) (*config.Config, error) {
	path := lookup(c, "config")
	explicit := path != ""
	if !explicit {
		path = "config.yaml"
	}

	var (
		cfg *config.Config
		err error
	)
	if _, statErr := os.Stat(path); statErr != nil && !explicit {
		cfg = config.Default()
	} else if cfg, err = config.Read(path); err != nil {
		return nil, err
	}

	if dsn := getLedgerDSN(c); dsn != "" {
		cfg.Ledger.DSN = dsn
		if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
			cfg.Ledger.Driver = ledger.DriverPostgres
		}
	}
	if id := lookup(c, "run-id"); id != "" {
		cfg.Run.ID = id
	}
	if c.IsSet("input") {
		cfg.Input.Dir = c.String("input")
	}
	if c.IsSet("output") {
		cfg.Output.Dir = c.String("output")
	}
	if c.IsSet("extensions") {
		cfg.Input.Extensions = util.NormalizeExtensions(util.SplitCSV(c.String("extensions")))
	}
	if c.IsSet("dialect") {
		cfg.Dialect = c.String("dialect")
	}
	if c.IsSet("concurrency") {
		cfg.Conversion.Concurrency = c.Int("concurrency")
	}
	if c.IsSet("max-fix-attempts") {
		cfg.SetMaxFixAttempts(c.Int("max-fix-attempts"))
	}
	if c.Bool("force-analyze") || c.Bool("force") {
		cfg.Analysis.Force = true
	}
	if lf := lookup(c, "log-format"); lf != "" {
		cfg.Logging.Format = lf
	}
	if v := lookup(c, "verbosity"); v != "" {
		cfg.Logging.Level = v
	}

	return cfg, nil
}

func applyLogging(cfg *config.Config) {
	level, _ := logging.ParseLevel(cfg.Logging.Level)
	logging.SetLevel(level)
	logging.SetFormat(cfg.Logging.Format)
}

func newOrchestrator(c *cli.Context) (*orchestrator.Orchestrator, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	orch, err := orchestrator.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}
	return orch, nil
}

func newViewer(c *cli.Context) (*orchestrator.Orchestrator, error) {
	cfg, err := loadViewConfig(c)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	orch, err := orchestrator.NewViewer(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	return orch, nil
}

// signalContext cancels on SIGINT or SIGTERM. In-flight units still finish.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\nInterrupted. Letting in-flight units finish...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

// outputJSON writes v to stdout and/or a file when requested.
func outputJSON(c *cli.Context, v any) error {
	jsonOut := false
	for _, ctx := range c.Lineage() {
		if ctx != nil && ctx.Bool("output-json") {
			jsonOut = true
		}
	}
	file := lookup(c, "output-file")
	if !jsonOut && file == "" {
		return nil
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	if jsonOut {
		fmt.Println(string(data))
	}
	if file != "" {
		if err := os.WriteFile(file, append(data, '\n'), 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", file, err)
		}
	}
	return nil
}

func runPipeline(c *cli.Context) error {
	orch, err := newOrchestrator(c)
	if err != nil {
		return err
	}
	defer orch.Close()

	ctx, cancel := signalContext()
	defer cancel()

	result, err := orch.Run(ctx)
	if result != nil {
		if jerr := outputJSON(c, result); jerr != nil {
			return jerr
		}
	}
	return err
}

func resumePipeline(c *cli.Context) error {
	orch, err := newOrchestrator(c)
	if err != nil {
		return err
	}
	defer orch.Close()

	ctx, cancel := signalContext()
	defer cancel()

	result, err := orch.Resume(ctx)
	if result != nil {
		if jerr := outputJSON(c, result); jerr != nil {
			return jerr
		}
	}
	return err
}

func analyzeStage(c *cli.Context) error {
	orch, err := newOrchestrator(c)
	if err != nil {
		return err
	}
	defer orch.Close()

	ctx, cancel := signalContext()
	defer cancel()

	report, err := orch.Analyze(ctx)
	if err != nil {
		return err
	}
	return outputJSON(c, report)
}

func convertStage(c *cli.Context) error {
	orch, err := newOrchestrator(c)
	if err != nil {
		return err
	}
	defer orch.Close()

	ctx, cancel := signalContext()
	defer cancel()

	result, err := orch.Convert(ctx)
	if result != nil {
		if jerr := outputJSON(c, result); jerr != nil {
			return jerr
		}
	}
	return err
}

func fixStage(c *cli.Context) error {
	orch, err := newOrchestrator(c)
	if err != nil {
		return err
	}
	defer orch.Close()

	ctx, cancel := signalContext()
	defer cancel()

	result, err := orch.Fix(ctx)
	if result != nil {
		if jerr := outputJSON(c, result); jerr != nil {
			return jerr
		}
	}
	return err
}

func exportStage(c *cli.Context) error {
	orch, err := newOrchestrator(c)
	if err != nil {
		return err
	}
	defer orch.Close()

	result, err := orch.Export(context.Background())
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "Exported %d files, %d pending, %.1f%% units unresolved\n",
		len(result.Summary.ExportedFiles), len(result.Summary.PendingFiles), result.Summary.UnresolvedPercent)
	return outputJSON(c, result.Summary)
}

func showStatus(c *cli.Context) error {
	orch, err := newViewer(c)
	if err != nil {
		return err
	}
	defer orch.Close()

	if c.Bool("json") {
		rep, err := orch.Status(context.Background())
		if err != nil {
			return err
		}
		data, err := json.MarshalIndent(rep, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(c.App.Writer, string(data))
		return nil
	}
	return orch.ShowStatus(context.Background())
}

func showHistory(c *cli.Context) error {
	orch, err := newViewer(c)
	if err != nil {
		return err
	}
	defer orch.Close()

	if runID := c.String("run"); runID != "" {
		return orch.ShowRunDetails(context.Background(), runID)
	}
	return orch.ShowHistory(context.Background())
}

func checkPreflight(c *cli.Context) error {
	orch, err := newViewer(c)
	if err != nil {
		return err
	}
	defer orch.Close()

	result, err := orch.Preflight(context.Background())
	if err != nil {
		return err
	}
	for _, chk := range result.Checks {
		mark := "ok"
		if !chk.OK {
			mark = "FAIL"
		}
		fmt.Fprintf(c.App.Writer, "%-8s %-4s %s (%dms)\n", chk.Name, mark, chk.Detail, chk.LatencyMs)
	}
	if jerr := outputJSON(c, result); jerr != nil {
		return jerr
	}
	if !result.Healthy {
		return errors.New("preflight failed: " + result.Failure())
	}
	return nil
}

func initSecrets(c *cli.Context) error {
	path, err := secrets.WriteTemplate()
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "Created %s (mode 0600). Add your API keys, then run: %s check\n", path, version.Name)
	return nil
}
