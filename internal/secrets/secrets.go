// Package secrets reads backend credentials and the Slack webhook from a
// private YAML file kept apart from run configurations. Run configs can be
// checked in next to the SQL they migrate; this file cannot.
package secrets

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultSecretsDir is created under the home directory.
	DefaultSecretsDir = ".secrets"
	// DefaultSecretsFile is the file name inside DefaultSecretsDir.
	DefaultSecretsFile = "sqlconv-secrets.yaml"
	// SecretsFileEnvVar names an alternative secrets file.
	SecretsFileEnvVar = "SQLCONV_SECRETS_FILE"
	// SecureDirMode and SecureFileMode keep the credentials owner-only.
	SecureDirMode  = 0700
	SecureFileMode = 0600
)

// Config is the decoded secrets file.
type Config struct {
	AI            AIConfig            `yaml:"ai"`
	Notifications NotificationsConfig `yaml:"notifications"`
}

// AIConfig lists the generation backends sqlconv may call.
type AIConfig struct {
	DefaultProvider string               `yaml:"default_provider"`
	Providers       map[string]*Provider `yaml:"providers"`
}

// Provider holds the endpoint and credentials of one backend.
type Provider struct {
	APIKey        string `yaml:"api_key,omitempty"`        // hosted backends only
	BaseURL       string `yaml:"base_url,omitempty"`       // local backends, or a proxy in front of a hosted one
	Model         string `yaml:"model,omitempty"`          // empty means DefaultModels
	ContextWindow int    `yaml:"context_window,omitempty"` // num_ctx sent to local backends
}

// NotificationsConfig holds the run notification endpoints.
type NotificationsConfig struct {
	Slack SlackConfig `yaml:"slack"`
}

// SlackConfig is the incoming webhook used for run summaries.
type SlackConfig struct {
	WebhookURL string `yaml:"webhook_url"`
}

// ProviderType tells hosted backends from ones running next to sqlconv.
type ProviderType int

const (
	ProviderTypeCloud ProviderType = iota // needs api_key
	ProviderTypeLocal                     // reached through base_url, no key
)

// KnownProviders are the backends sqlconv speaks to without extra settings.
var KnownProviders = map[string]struct {
	Type       ProviderType
	DefaultURL string
}{
	"claude":   {ProviderTypeCloud, "https://api.anthropic.com"},
	"openai":   {ProviderTypeCloud, "https://api.openai.com"},
	"gemini":   {ProviderTypeCloud, "https://generativelanguage.googleapis.com"},
	"ollama":   {ProviderTypeLocal, "http://localhost:11434"},
	"lmstudio": {ProviderTypeLocal, "http://localhost:1234"},
}

// DefaultModels is used when neither the run config nor the secrets file
// names a model.
var DefaultModels = map[string]string{
	"claude":   "claude-sonnet-4-20250514",
	"openai":   "gpt-4o",
	"gemini":   "gemini-2.0-flash",
	"ollama":   "qwen2.5-coder",
	"lmstudio": "local-model",
}

var (
	cached    *Config
	cacheOnce sync.Once
	cacheErr  error
)

// Load reads the secrets file once per process and returns the same result,
// error included, on later calls.
func Load() (*Config, error) {
	cacheOnce.Do(func() {
		cached, cacheErr = readFile(GetSecretsPath())
	})
	return cached, cacheErr
}

// Reset forgets the cached file so the next Load reads it again.
func Reset() {
	cacheOnce = sync.Once{}
	cached = nil
	cacheErr = nil
}

// GetSecretsPath returns $SQLCONV_SECRETS_FILE, or ~/.secrets/sqlconv-secrets.yaml.
func GetSecretsPath() string {
	if p := os.Getenv(SecretsFileEnvVar); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", DefaultSecretsDir, DefaultSecretsFile)
	}
	return filepath.Join(home, DefaultSecretsDir, DefaultSecretsFile)
}

// WriteTemplate writes GenerateTemplate to GetSecretsPath with owner-only
// permissions and returns the path. It refuses to replace an existing file.
func WriteTemplate() (string, error) {
	path := GetSecretsPath()
	if _, err := os.Stat(path); err == nil {
		return path, fmt.Errorf("%s exists; edit it instead of regenerating", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), SecureDirMode); err != nil {
		return path, fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(GenerateTemplate()), SecureFileMode); err != nil {
		return path, fmt.Errorf("writing %s: %w", path, err)
	}
	return path, nil
}

func readFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, &SecretsNotFoundError{Path: path}
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	// Group or world access to API keys is refused outright.
	if info, err := os.Stat(path); err == nil {
		if mode := info.Mode().Perm(); mode&0077 != 0 {
			return nil, fmt.Errorf("%s is readable by group or others (mode %04o); run chmod 600 %s", path, mode, path)
		}
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks the default provider, if one is named. Other providers
// are checked when a run selects them.
func (c *Config) Validate() error {
	name := c.AI.DefaultProvider
	if name == "" {
		return nil
	}
	p, ok := c.AI.Providers[name]
	if !ok {
		return fmt.Errorf("ai.default_provider %q has no entry under ai.providers", name)
	}
	return checkProvider(name, p)
}

// checkProvider fills the default URL of a local backend.
func checkProvider(name string, p *Provider) error {
	if p == nil {
		return fmt.Errorf("ai.providers.%s is empty", name)
	}
	known, ok := KnownProviders[name]
	switch {
	case ok && known.Type == ProviderTypeCloud && p.APIKey == "":
		return fmt.Errorf("ai.providers.%s needs an api_key", name)
	case ok && known.Type == ProviderTypeLocal && p.BaseURL == "":
		p.BaseURL = known.DefaultURL
	case !ok && p.APIKey == "" && p.BaseURL == "":
		return fmt.Errorf("ai.providers.%s is not a built-in backend and needs an api_key or base_url", name)
	}
	return nil
}

// GetDefaultProvider returns ai.default_provider and its settings.
func (c *Config) GetDefaultProvider() (*Provider, string, error) {
	name := c.AI.DefaultProvider
	if name == "" {
		return nil, "", fmt.Errorf("ai.default_provider is not set and the run config names no provider")
	}
	p, ok := c.AI.Providers[name]
	if !ok {
		return nil, "", fmt.Errorf("ai.default_provider %q has no entry under ai.providers", name)
	}
	return p, name, nil
}

// ResolveProvider picks the backend a run asked for, falling back to the
// default one when name is empty.
func (c *Config) ResolveProvider(name string) (*Provider, string, error) {
	if name == "" {
		return c.GetDefaultProvider()
	}
	p, ok := c.AI.Providers[name]
	if !ok {
		return nil, "", fmt.Errorf("backend.provider %q has no entry under ai.providers", name)
	}
	if err := checkProvider(name, p); err != nil {
		return nil, "", err
	}
	return p, name, nil
}

// GetEffectiveBaseURL is base_url, or the built-in endpoint of a known backend.
func (p *Provider) GetEffectiveBaseURL(providerName string) string {
	if p.BaseURL != "" {
		return p.BaseURL
	}
	return KnownProviders[providerName].DefaultURL
}

// GetEffectiveModel is model, or DefaultModels for the backend.
func (p *Provider) GetEffectiveModel(providerName string) string {
	if p.Model != "" {
		return p.Model
	}
	return DefaultModels[providerName]
}

// GetEffectiveContextWindow is context_window, or 8192 tokens.
func (p *Provider) GetEffectiveContextWindow() int {
	if p.ContextWindow > 0 {
		return p.ContextWindow
	}
	return 8192
}

// IsLocalProvider reports whether name is a built-in backend that needs no key.
func IsLocalProvider(name string) bool {
	known, ok := KnownProviders[name]
	return ok && known.Type == ProviderTypeLocal
}

// SecretsNotFoundError means there is no secrets file at Path. Its message
// tells the user how to create one.
type SecretsNotFoundError struct {
	Path string
}

func (e *SecretsNotFoundError) Error() string {
	return fmt.Sprintf(`no secrets file at %s

Generate a template with:
  sqlconv init-secrets

or point %s at an existing file. The smallest usable file is:

ai:
  default_provider: ollama
  providers:
    ollama:
      model: qwen2.5-coder
`, e.Path, SecretsFileEnvVar)
}

// GenerateTemplate is the file written by "sqlconv init-secrets".
func GenerateTemplate() string {
	return `# sqlconv credentials. Keep this file out of version control;
# sqlconv refuses to read it unless only the owner can (chmod 600).

ai:
  # Backend used when the run config leaves backend.provider empty.
  default_provider: claude

  providers:
    # Hosted backends need an api_key.
    claude:
      api_key: ""
      model: "claude-sonnet-4-20250514"

    openai:
      api_key: ""
      model: "gpt-4o"

    gemini:
      api_key: ""
      model: "gemini-2.0-flash"

    # Local backends only need base_url.
    ollama:
      base_url: "http://localhost:11434"
      model: "qwen2.5-coder"
      # context_window: 32768   # num_ctx, 8192 when unset

    lmstudio:
      base_url: "http://localhost:1234"
      model: "local-model"

notifications:
  slack:
    # Incoming webhook for run start and completion messages.
    webhook_url: ""
`
}
