package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/johndauphine/sqlconv/internal/config"
	"github.com/johndauphine/sqlconv/internal/ledger"
	"github.com/johndauphine/sqlconv/internal/orchestrator"
	"github.com/johndauphine/sqlconv/internal/secrets"
)

func TestGetLedgerDSN(t *testing.T) {
	tests := []struct {
		name           string
		globalFlag     string
		commandFlag    string
		expectedResult string
	}{
		{
			name:           "no flag set",
			expectedResult: "",
		},
		{
			name:           "global flag set",
			globalFlag:     "/tmp/global.db",
			expectedResult: "/tmp/global.db",
		},
		{
			name:           "command flag set",
			commandFlag:    "/tmp/command.db",
			expectedResult: "/tmp/command.db",
		},
		{
			name:           "both flags set - command takes precedence",
			globalFlag:     "/tmp/global.db",
			commandFlag:    "/tmp/command.db",
			expectedResult: "/tmp/command.db",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := &cli.App{
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "ledger"},
				},
				Commands: []*cli.Command{
					{
						Name: "run",
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "ledger"},
						},
						Action: func(c *cli.Context) error {
							if got := getLedgerDSN(c); got != tt.expectedResult {
								t.Errorf("getLedgerDSN() = %q, want %q", got, tt.expectedResult)
							}
							return nil
						},
					},
				},
			}

			args := []string{"app"}
			if tt.globalFlag != "" {
				args = append(args, "--ledger", tt.globalFlag)
			}
			args = append(args, "run")
			if tt.commandFlag != "" {
				args = append(args, "--ledger", tt.commandFlag)
			}

			if err := app.Run(args); err != nil {
				t.Fatalf("app.Run() error: %v", err)
			}
		})
	}
}

func TestOutputJSON(t *testing.T) {
	newResultApp := func(result any) *cli.App {
		return &cli.App{
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "output-json"},
				&cli.StringFlag{Name: "output-file"},
			},
			Action: func(c *cli.Context) error {
				return outputJSON(c, result)
			},
		}
	}

	t.Run("output to stdout", func(t *testing.T) {
		result := &orchestrator.RunResult{
			RunID:             "run-123",
			Status:            ledger.RunCompleted,
			StartedAt:         time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC),
			CompletedAt:       time.Date(2025, 1, 15, 10, 5, 0, 0, time.UTC),
			DurationSeconds:   300,
			UnitsTotal:        12,
			UnitsSucceeded:    12,
			UnresolvedPercent: 0,
		}

		oldStdout := os.Stdout
		r, w, _ := os.Pipe()
		os.Stdout = w

		err := newResultApp(result).Run([]string{"app", "--output-json"})
		w.Close()
		os.Stdout = oldStdout

		if err != nil {
			t.Fatalf("outputJSON() error: %v", err)
		}

		var buf bytes.Buffer
		buf.ReadFrom(r)

		var parsed orchestrator.RunResult
		if err := json.Unmarshal(buf.Bytes(), &parsed); err != nil {
			t.Fatalf("invalid JSON output: %v\nOutput: %s", err, buf.String())
		}
		if parsed.RunID != "run-123" {
			t.Errorf("parsed.RunID = %q, want %q", parsed.RunID, "run-123")
		}
		if parsed.UnitsSucceeded != 12 {
			t.Errorf("parsed.UnitsSucceeded = %d, want 12", parsed.UnitsSucceeded)
		}
	})

	t.Run("output to file", func(t *testing.T) {
		outFile := filepath.Join(t.TempDir(), "result.json")
		result := &orchestrator.RunResult{RunID: "run-456", Status: ledger.RunPartial, UnitsUnresolved: 2}

		if err := newResultApp(result).Run([]string{"app", "--output-file", outFile}); err != nil {
			t.Fatalf("outputJSON() error: %v", err)
		}

		data, err := os.ReadFile(outFile)
		if err != nil {
			t.Fatalf("failed to read output file: %v", err)
		}
		var parsed orchestrator.RunResult
		if err := json.Unmarshal(data, &parsed); err != nil {
			t.Fatalf("invalid JSON in file: %v", err)
		}
		if parsed.Status != ledger.RunPartial {
			t.Errorf("parsed.Status = %q, want %q", parsed.Status, ledger.RunPartial)
		}
	})

	t.Run("no flags writes nothing", func(t *testing.T) {
		oldStdout := os.Stdout
		r, w, _ := os.Pipe()
		os.Stdout = w

		err := newResultApp(&orchestrator.RunResult{RunID: "quiet"}).Run([]string{"app"})
		w.Close()
		os.Stdout = oldStdout

		if err != nil {
			t.Fatalf("outputJSON() error: %v", err)
		}
		var buf bytes.Buffer
		buf.ReadFrom(r)
		if buf.Len() != 0 {
			t.Errorf("expected no output, got %q", buf.String())
		}
	})
}

func TestCLIFlagParsing(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		validate func(c *cli.Context) error
	}{
		{
			name: "run-id flag",
			args: []string{"app", "--run-id", "nightly", "run"},
			validate: func(c *cli.Context) error {
				if got := lookup(c, "run-id"); got != "nightly" {
					t.Errorf("run-id = %q, want %q", got, "nightly")
				}
				return nil
			},
		},
		{
			name: "log-level alias",
			args: []string{"app", "--log-level", "debug", "run"},
			validate: func(c *cli.Context) error {
				if got := lookup(c, "verbosity"); got != "debug" {
					t.Errorf("verbosity = %q, want %q", got, "debug")
				}
				return nil
			},
		},
		{
			name: "config short flag",
			args: []string{"app", "-c", "other.yaml", "run"},
			validate: func(c *cli.Context) error {
				if got := lookup(c, "config"); got != "other.yaml" {
					t.Errorf("config = %q, want %q", got, "other.yaml")
				}
				return nil
			},
		},
		{
			name: "run overrides",
			args: []string{"app", "run", "--dialect", "plsql", "--concurrency", "2", "--max-fix-attempts", "0", "--force-analyze"},
			validate: func(c *cli.Context) error {
				if c.String("dialect") != "plsql" {
					t.Errorf("dialect = %q, want %q", c.String("dialect"), "plsql")
				}
				if c.Int("concurrency") != 2 {
					t.Errorf("concurrency = %d, want 2", c.Int("concurrency"))
				}
				if !c.IsSet("max-fix-attempts") || c.Int("max-fix-attempts") != 0 {
					t.Errorf("max-fix-attempts not set to 0")
				}
				if !c.Bool("force-analyze") {
					t.Error("expected force-analyze to be true")
				}
				return nil
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newApp()
			for _, cmd := range app.Commands {
				if cmd.Name == "run" {
					cmd.Action = tt.validate
				}
			}
			if err := app.Run(tt.args); err != nil {
				t.Fatalf("app.Run() error: %v", err)
			}
		})
	}
}

func TestCommandsRegistered(t *testing.T) {
	want := []string{"run", "resume", "analyze", "convert", "fix", "export", "status", "history", "check", "init-secrets"}
	app := newApp()
	for _, name := range want {
		if app.Command(name) == nil {
			t.Errorf("command %q not registered", name)
		}
	}
}

// loadWith runs the app with a command action that captures the loaded config.
func loadWith(t *testing.T, command string, args ...string) (*config.Config, error) {
	t.Helper()
	var (
		cfg     *config.Config
		loadErr error
	)
	app := newApp()
	app.Command(command).Action = func(c *cli.Context) error {
		cfg, loadErr = loadConfig(c)
		return nil
	}
	if err := app.Run(append([]string{"app"}, args...)); err != nil {
		t.Fatalf("app.Run() error: %v", err)
	}
	return cfg, loadErr
}

func TestLoadConfigOverrides(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "in")
	if err := os.MkdirAll(input, 0o755); err != nil {
		t.Fatal(err)
	}
	cfgPath := filepath.Join(dir, "config.yaml")
	yaml := fmt.Sprintf("input:\n  dir: %s\ndialect: tsql\nconversion:\n  concurrency: 4\n", input)
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Run("flags override file", func(t *testing.T) {
		cfg, err := loadWith(t, "run",
			"--config", cfgPath, "--run-id", "nightly", "--ledger", "/tmp/global.db",
			"run", "--dialect", "plsql", "--concurrency", "2", "--max-fix-attempts", "0",
			"--ledger", "/tmp/command.db", "--force-analyze", "--extensions", "SQL, prc")
		if err != nil {
			t.Fatalf("loadConfig() error: %v", err)
		}
		if cfg.Run.ID != "nightly" {
			t.Errorf("Run.ID = %q, want nightly", cfg.Run.ID)
		}
		if cfg.Ledger.DSN != "/tmp/command.db" {
			t.Errorf("Ledger.DSN = %q, want /tmp/command.db", cfg.Ledger.DSN)
		}
		if cfg.Dialect != "plsql" {
			t.Errorf("Dialect = %q, want plsql", cfg.Dialect)
		}
		if cfg.Conversion.Concurrency != 2 {
			t.Errorf("Concurrency = %d, want 2", cfg.Conversion.Concurrency)
		}
		if cfg.MaxFixAttempts() != 0 {
			t.Errorf("MaxFixAttempts() = %d, want 0", cfg.MaxFixAttempts())
		}
		if !cfg.Analysis.Force {
			t.Error("expected Analysis.Force")
		}
		if want := []string{".sql", ".prc"}; !slices.Equal(cfg.Input.Extensions, want) {
			t.Errorf("Input.Extensions = %v, want %v", cfg.Input.Extensions, want)
		}
	})

	t.Run("file values kept without flags", func(t *testing.T) {
		cfg, err := loadWith(t, "status", "--config", cfgPath, "status")
		if err != nil {
			t.Fatalf("loadConfig() error: %v", err)
		}
		if cfg.Conversion.Concurrency != 4 {
			t.Errorf("Concurrency = %d, want 4", cfg.Conversion.Concurrency)
		}
		if cfg.MaxFixAttempts() != config.DefaultMaxFixAttempts {
			t.Errorf("MaxFixAttempts() = %d, want %d", cfg.MaxFixAttempts(), config.DefaultMaxFixAttempts)
		}
	})

	t.Run("invalid override rejected", func(t *testing.T) {
		_, err := loadWith(t, "run", "--config", cfgPath, "run", "--dialect", "cobol")
		if err == nil {
			t.Fatal("expected error for unknown dialect")
		}
	})

	t.Run("explicit missing config file", func(t *testing.T) {
		_, err := loadWith(t, "run", "--config", filepath.Join(dir, "absent.yaml"), "run", "--input", input)
		if err == nil {
			t.Fatal("expected error for missing config file")
		}
	})
}

func TestReadOnlyCommandsNeedOnlyLedger(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	yaml := fmt.Sprintf("ledger:\n  dsn: %s\n", filepath.Join(dir, "ledger.db"))
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	app := newApp()
	app.Command("history").Action = func(c *cli.Context) error {
		if _, err := loadConfig(c); err == nil {
			t.Error("loadConfig() accepted a config without input.dir")
		}
		cfg, err := loadViewConfig(c)
		if err != nil {
			t.Errorf("loadViewConfig() error: %v", err)
			return nil
		}
		if cfg.Input.Dir != "" {
			t.Errorf("Input.Dir = %q, want empty", cfg.Input.Dir)
		}
		return nil
	}
	if err := app.Run([]string{"app", "--config", cfgPath, "history"}); err != nil {
		t.Fatalf("app.Run() error: %v", err)
	}

	t.Run("history opens the ledger", func(t *testing.T) {
		app := newApp()
		app.Writer = &bytes.Buffer{}
		if err := app.Run([]string{"app", "--config", cfgPath, "history"}); err != nil {
			t.Errorf("history error: %v", err)
		}
	})

	t.Run("bad ledger driver still rejected", func(t *testing.T) {
		bad := filepath.Join(dir, "bad.yaml")
		if err := os.WriteFile(bad, []byte("ledger:\n  driver: oracle\n  dsn: x\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		app := newApp()
		app.Writer = &bytes.Buffer{}
		if err := app.Run([]string{"app", "--config", bad, "status"}); err == nil {
			t.Error("expected error for unsupported ledger driver")
		}
	})
}

func TestInitSecrets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets", "sqlconv-secrets.yaml")
	t.Setenv(secrets.SecretsFileEnvVar, path)

	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	if err := app.Run([]string{"app", "init-secrets"}); err != nil {
		t.Fatalf("init-secrets error: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("secrets file not created: %v", err)
	}
	if info.Mode().Perm() != secrets.SecureFileMode {
		t.Errorf("mode = %04o, want %04o", info.Mode().Perm(), secrets.SecureFileMode)
	}
	if !strings.Contains(out.String(), path) {
		t.Errorf("output %q does not name %s", out.String(), path)
	}

	if err := newApp().Run([]string{"app", "init-secrets"}); err == nil {
		t.Error("expected error when secrets file already exists")
	}
}

// fakeBackend answers OpenAI-compatible chat completions by lowercasing the
// user message.
func fakeBackend(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		var req struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var source string
		for _, m := range req.Messages {
			if m.Role == "user" {
				source = m.Content
			}
		}
		resp := map[string]any{
			"choices": []map[string]any{{
				"message":       map[string]string{"content": "```sql\n" + strings.ToLower(source) + "```"},
				"finish_reason": "stop",
			}},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRunCommandEndToEnd(t *testing.T) {
	srv := fakeBackend(t)
	dir := t.TempDir()

	secretsPath := filepath.Join(dir, "secrets.yaml")
	sec := fmt.Sprintf("ai:\n  default_provider: ollama\n  providers:\n    ollama:\n      base_url: %s\n", srv.URL)
	if err := os.WriteFile(secretsPath, []byte(sec), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(secrets.SecretsFileEnvVar, secretsPath)
	secrets.Reset()
	t.Cleanup(secrets.Reset)

	input := filepath.Join(dir, "in")
	output := filepath.Join(dir, "out")
	if err := os.MkdirAll(filepath.Join(input, "procs"), 0o755); err != nil {
		t.Fatal(err)
	}
	files := map[string]string{
		"a.sql":       "SELECT TOP 10 * FROM Orders;\n",
		"procs/b.sql": "SELECT Id, Name FROM Items WHERE Id > 10;\n",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(input, filepath.FromSlash(name)), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	cfgPath := filepath.Join(dir, "config.yaml")
	yaml := fmt.Sprintf(`input:
  dir: %s
dialect: tsql
conversion:
  concurrency: 2
  progress: false
output:
  dir: %s
ledger:
  dsn: %s
`, input, output, filepath.Join(dir, "ledger.db"))
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	resultPath := filepath.Join(dir, "result.json")
	app := newApp()
	app.Writer = &bytes.Buffer{}
	if err := app.Run([]string{"app", "--config", cfgPath, "--run-id", "e2e", "--output-file", resultPath, "run"}); err != nil {
		t.Fatalf("run error: %v", err)
	}

	data, err := os.ReadFile(resultPath)
	if err != nil {
		t.Fatalf("reading result: %v", err)
	}
	var result orchestrator.RunResult
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("invalid result JSON: %v", err)
	}
	if result.Status != ledger.RunCompleted {
		t.Errorf("Status = %q, want %q (error %q)", result.Status, ledger.RunCompleted, result.Error)
	}
	if result.FilesExported != len(files) {
		t.Errorf("FilesExported = %d, want %d", result.FilesExported, len(files))
	}

	for name, content := range files {
		got, err := os.ReadFile(filepath.Join(output, filepath.FromSlash(name)))
		if err != nil {
			t.Fatalf("artifact for %s: %v", name, err)
		}
		if string(got) != strings.ToLower(content) {
			t.Errorf("artifact %s = %q, want %q", name, got, strings.ToLower(content))
		}
	}

	// A second run with the same id converts nothing new.
	app = newApp()
	app.Writer = &bytes.Buffer{}
	if err := app.Run([]string{"app", "--config", cfgPath, "--run-id", "e2e", "--output-file", resultPath, "run"}); err != nil {
		t.Fatalf("second run error: %v", err)
	}
	data, _ = os.ReadFile(resultPath)
	var again orchestrator.RunResult
	if err := json.Unmarshal(data, &again); err != nil {
		t.Fatalf("invalid result JSON: %v", err)
	}
	if again.FilesAnalyzed != 0 {
		t.Errorf("second run analyzed %d files, want 0", again.FilesAnalyzed)
	}
	if again.UnitsSucceeded != result.UnitsSucceeded {
		t.Errorf("second run succeeded = %d, want %d", again.UnitsSucceeded, result.UnitsSucceeded)
	}
}
