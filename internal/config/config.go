// Package config loads and validates the run configuration file.
package config

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/johndauphine/sqlconv/internal/ai"
	"github.com/johndauphine/sqlconv/internal/analyzer"
	"github.com/johndauphine/sqlconv/internal/dialect"
	"github.com/johndauphine/sqlconv/internal/fault"
	"github.com/johndauphine/sqlconv/internal/ledger"
	"github.com/johndauphine/sqlconv/internal/logging"
	"github.com/johndauphine/sqlconv/internal/notify"
	"github.com/johndauphine/sqlconv/internal/prompt"
	"github.com/johndauphine/sqlconv/internal/util"
)

const (
	DefaultTokenThreshold  = 20000
	DefaultMaxFixAttempts  = 3
	DefaultRequestTimeout  = 5 * time.Minute
	DefaultStaleAfter      = 15 * time.Minute
	DefaultOutputDir       = "output"
	DefaultTargetLanguage  = "PostgreSQL"
	DefaultCommentLanguage = "English"
	DefaultEncoding        = "utf-8"
	DefaultLedgerFile      = "ledger.db"
	dataDirName            = ".sqlconv"
)

// Config is the complete run configuration.
type Config struct {
	Run        RunConfig        `yaml:"run"`
	Input      InputConfig      `yaml:"input"`
	Dialect    string           `yaml:"dialect"`
	Prompts    PromptsConfig    `yaml:"prompts"`
	Analysis   AnalysisConfig   `yaml:"analysis"`
	Conversion ConversionConfig `yaml:"conversion"`
	Backend    BackendConfig    `yaml:"backend"`
	Validation ValidationConfig `yaml:"validation"`
	Output     OutputConfig     `yaml:"output"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Logging    LoggingConfig    `yaml:"logging"`
	Notify     NotifyConfig     `yaml:"notify"`
}

// RunConfig names the run. An empty ID starts a new run.
type RunConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// InputConfig locates the legacy source files.
type InputConfig struct {
	Dir        string   `yaml:"dir"`
	Extensions []string `yaml:"extensions"`
	Encoding   string   `yaml:"encoding"`
}

// PromptsConfig selects the prompt set and its placeholders.
type PromptsConfig struct {
	Set             string `yaml:"set"` // embedded set name or a directory of YAML files
	TargetLanguage  string `yaml:"target_language"`
	CommentLanguage string `yaml:"comment_language"`
}

// AnalysisConfig controls chunking.
type AnalysisConfig struct {
	TokenThreshold int  `yaml:"token_threshold"`
	Force          bool `yaml:"force"` // re-split files that already have units
}

// ConversionConfig controls the converter and fixer.
type ConversionConfig struct {
	Concurrency int `yaml:"concurrency"`
	// MaxFixAttempts is a pointer so that an explicit 0 disables the fixer.
	MaxFixAttempts *int          `yaml:"max_fix_attempts"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	StaleAfter     time.Duration `yaml:"stale_after"` // IN_PROGRESS units older than this are recovered
	Progress       *bool         `yaml:"progress"`
}

// BackendConfig identifies the generation endpoint. Credentials live in the
// secrets file, never here.
type BackendConfig struct {
	Provider          string  `yaml:"provider"` // empty uses the secrets file default
	Model             string  `yaml:"model"`
	BaseURL           string  `yaml:"base_url"` // overrides the secrets file base_url
	MaxTokens         int     `yaml:"max_tokens"`
	Temperature       float64 `yaml:"temperature"`
	RequestsPerMinute int     `yaml:"requests_per_minute"`
	MaxRetries        int     `yaml:"max_retries"` // transport retries inside one call
}

// ValidationConfig lists output checks applied before a unit is accepted.
type ValidationConfig struct {
	RejectPatterns []string `yaml:"reject_patterns"`
}

// OutputConfig controls the exported artifacts.
type OutputConfig struct {
	Dir           string `yaml:"dir"`
	Extension     string `yaml:"extension"`
	Notebook      bool   `yaml:"notebook"`
	CommentPrefix string `yaml:"comment_prefix"`
}

// LedgerConfig selects the ledger backend.
type LedgerConfig struct {
	Driver string `yaml:"driver"` // sqlite (default) or postgres
	DSN    string `yaml:"dsn"`    // file path for sqlite, connection URL for postgres
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// NotifyConfig controls run notifications. The webhook URL may come from the
// secrets file.
type NotifyConfig struct {
	Slack notify.SlackConfig `yaml:"slack"`
}

// Load reads, defaults and validates a configuration file.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Read reads and defaults a configuration file without validating it, so
// callers can apply overrides first.
func Read(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML configuration, applies defaults and validates it.
func Parse(data []byte) (*Config, error) {
	cfg, err := decode(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fault.Config("", "parsing config: %v", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns a configuration with every default applied and no input.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// DefaultDataDir returns the directory holding the default ledger.
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, dataDirName), nil
}

func (c *Config) applyDefaults() {
	c.Dialect = strings.ToLower(strings.TrimSpace(c.Dialect))
	if len(c.Input.Extensions) == 0 {
		c.Input.Extensions = analyzer.DefaultExtensions
	}
	c.Input.Extensions = util.NormalizeExtensions(c.Input.Extensions)
	if c.Input.Encoding == "" {
		c.Input.Encoding = DefaultEncoding
	}

	if c.Prompts.Set == "" {
		c.Prompts.Set = prompt.DefaultSet
	}
	if c.Prompts.TargetLanguage == "" {
		c.Prompts.TargetLanguage = DefaultTargetLanguage
	}
	if c.Prompts.CommentLanguage == "" {
		c.Prompts.CommentLanguage = DefaultCommentLanguage
	}

	if c.Analysis.TokenThreshold == 0 {
		c.Analysis.TokenThreshold = DefaultTokenThreshold
	}

	if c.Conversion.Concurrency == 0 {
		c.Conversion.Concurrency = DefaultConcurrency()
	}
	if c.Conversion.MaxFixAttempts == nil {
		n := DefaultMaxFixAttempts
		c.Conversion.MaxFixAttempts = &n
	}
	if c.Conversion.RequestTimeout == 0 {
		c.Conversion.RequestTimeout = DefaultRequestTimeout
	}
	if c.Conversion.StaleAfter == 0 {
		c.Conversion.StaleAfter = DefaultStaleAfter
	}
	if c.Conversion.Progress == nil {
		on := true
		c.Conversion.Progress = &on
	}

	if c.Backend.MaxTokens == 0 {
		c.Backend.MaxTokens = ai.DefaultMaxTokens
	}
	if c.Backend.MaxRetries == 0 {
		c.Backend.MaxRetries = ai.DefaultMaxRetries
	}

	if c.Output.Dir == "" {
		c.Output.Dir = DefaultOutputDir
	}

	if c.Ledger.Driver == "" {
		c.Ledger.Driver = ledger.DriverSQLite
	}
	if c.Ledger.DSN == "" && c.Ledger.Driver == ledger.DriverSQLite {
		if dir, err := DefaultDataDir(); err == nil {
			c.Ledger.DSN = filepath.Join(dir, DefaultLedgerFile)
		} else {
			c.Ledger.DSN = filepath.Join(dataDirName, DefaultLedgerFile)
		}
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// MaxFixAttempts returns the fix budget per unit.
func (c *Config) MaxFixAttempts() int {
	if c.Conversion.MaxFixAttempts == nil {
		return DefaultMaxFixAttempts
	}
	return *c.Conversion.MaxFixAttempts
}

// SetMaxFixAttempts overrides the fix budget.
func (c *Config) SetMaxFixAttempts(n int) {
	c.Conversion.MaxFixAttempts = &n
}

// ShowProgress reports whether progress bars are rendered.
func (c *Config) ShowProgress() bool {
	return c.Conversion.Progress == nil || *c.Conversion.Progress
}

// DialectValue returns the parsed dialect. Call after Validate.
func (c *Config) DialectValue() dialect.Dialect {
	d, _ := dialect.Parse(c.Dialect)
	return d
}

// Validate checks the configuration and returns a ConfigFault naming the
// first invalid field.
func (c *Config) Validate() error {
	if c.Input.Dir == "" {
		return fault.Config("input.dir", "is required")
	}
	if err := analyzer.ValidateEncoding(c.Input.Encoding); err != nil {
		return err
	}
	if c.Dialect == "" {
		return fault.Config("dialect", "is required (one of %s)", strings.Join(dialectNames(), ", "))
	}
	d, err := dialect.Parse(c.Dialect)
	if err != nil {
		return err
	}
	c.Dialect = string(d)

	if c.Analysis.TokenThreshold < 0 {
		return fault.Config("analysis.token_threshold", "must be positive, got %d", c.Analysis.TokenThreshold)
	}
	if c.Conversion.Concurrency < 1 {
		return fault.Config("conversion.concurrency", "must be at least 1, got %d", c.Conversion.Concurrency)
	}
	if c.MaxFixAttempts() < 0 {
		return fault.Config("conversion.max_fix_attempts", "must not be negative, got %d", c.MaxFixAttempts())
	}
	if c.Conversion.RequestTimeout < 0 {
		return fault.Config("conversion.request_timeout", "must not be negative")
	}
	if c.Conversion.StaleAfter < 0 {
		return fault.Config("conversion.stale_after", "must not be negative")
	}

	if p := c.Backend.Provider; p != "" && !slices.Contains(ai.ValidProviders(), p) {
		logging.Warn("backend.provider %q is not a known provider; it must have a base_url in the secrets file", p)
	}
	if c.Backend.MaxTokens < 0 {
		return fault.Config("backend.max_tokens", "must not be negative")
	}
	if c.Backend.Temperature < 0 || c.Backend.Temperature > 2 {
		return fault.Config("backend.temperature", "must be between 0 and 2, got %g", c.Backend.Temperature)
	}
	if c.Backend.RequestsPerMinute < 0 {
		return fault.Config("backend.requests_per_minute", "must not be negative")
	}
	if c.Backend.MaxRetries < 0 {
		return fault.Config("backend.max_retries", "must not be negative")
	}

	for _, p := range c.Validation.RejectPatterns {
		if _, err := regexp.Compile(p); err != nil {
			return fault.Config("validation.reject_patterns", "invalid pattern %q: %v", p, err)
		}
	}

	return c.ValidateLedger()
}

// ValidateLedger checks only what the read-only views need: the ledger
// connection and logging settings.
func (c *Config) ValidateLedger() error {
	switch c.Ledger.Driver {
	case ledger.DriverSQLite, ledger.DriverPostgres:
	default:
		return fault.Config("ledger.driver", "unsupported driver %q (want sqlite or postgres)", c.Ledger.Driver)
	}
	if c.Ledger.DSN == "" {
		return fault.Config("ledger.dsn", "is required for driver %s", c.Ledger.Driver)
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fault.Config("logging.level", "%v", err)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fault.Config("logging.format", "must be text or json, got %q", c.Logging.Format)
	}
	return nil
}

func dialectNames() []string {
	var names []string
	for _, d := range dialect.All() {
		names = append(names, string(d))
	}
	return names
}

// runScope is the part of the configuration a run is bound to. Changing any
// of it requires a new run.
type runScope struct {
	InputDir        string   `json:"input_dir"`
	Extensions      []string `json:"extensions"`
	Encoding        string   `json:"encoding"`
	Dialect         string   `json:"dialect"`
	PromptSet       string   `json:"prompt_set"`
	TargetLanguage  string   `json:"target_language"`
	CommentLanguage string   `json:"comment_language"`
	TokenThreshold  int      `json:"token_threshold"`
	OutputDir       string   `json:"output_dir"`
	OutputExtension string   `json:"output_extension"`
	Concurrency     int      `json:"concurrency"`
	MaxFixAttempts  int      `json:"max_fix_attempts"`
	Provider        string   `json:"provider"`
	Model           string   `json:"model"`
	BaseURL         string   `json:"base_url,omitempty"`
}

func (c *Config) scope() runScope {
	return runScope{
		InputDir:        filepath.Clean(c.Input.Dir),
		Extensions:      c.Input.Extensions,
		Encoding:        c.Input.Encoding,
		Dialect:         c.Dialect,
		PromptSet:       c.Prompts.Set,
		TargetLanguage:  c.Prompts.TargetLanguage,
		CommentLanguage: c.Prompts.CommentLanguage,
		TokenThreshold:  c.Analysis.TokenThreshold,
		OutputDir:       filepath.Clean(c.Output.Dir),
		OutputExtension: c.Output.Extension,
		Concurrency:     c.Conversion.Concurrency,
		MaxFixAttempts:  c.MaxFixAttempts(),
		Provider:        c.Backend.Provider,
		Model:           c.Backend.Model,
		BaseURL:         c.Backend.BaseURL,
	}
}

// Snapshot returns the run-scoped fields as JSON, stored with the run.
func (c *Config) Snapshot() string {
	data, _ := json.Marshal(c.scope())
	return string(data)
}

// Fingerprint hashes the run-scoped fields.
func (c *Config) Fingerprint() string {
	sum := sha256.Sum256([]byte(c.Snapshot()))
	return hex.EncodeToString(sum[:])
}
