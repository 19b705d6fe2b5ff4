// Package ai is the adapter to the external code-generation backend.
// It speaks the HTTP APIs of the supported providers, retries transient
// failures inside a single call and maps every failure onto the fault taxonomy.
package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/johndauphine/sqlconv/internal/fault"
	"github.com/johndauphine/sqlconv/internal/logging"
	"github.com/johndauphine/sqlconv/internal/secrets"
)

// Retry configuration defaults
const (
	// DefaultMaxRetries is the number of extra attempts for transient failures.
	DefaultMaxRetries = 2

	// defaultBaseDelay is the initial delay between retries.
	defaultBaseDelay = 1 * time.Second

	// defaultMaxDelay caps the exponential backoff.
	defaultMaxDelay = 10 * time.Second

	// DefaultMaxTokens bounds the generated output when the run does not say.
	DefaultMaxTokens = 8192
)

// Provider names understood by the client.
const (
	ProviderClaude   = "claude"
	ProviderOpenAI   = "openai"
	ProviderGemini   = "gemini"
	ProviderOllama   = "ollama"
	ProviderLMStudio = "lmstudio"
)

// ValidProviders returns the supported provider names.
func ValidProviders() []string {
	return []string{ProviderClaude, ProviderOpenAI, ProviderGemini, ProviderOllama, ProviderLMStudio}
}

// Params are the sampling and request parameters sent with every call.
type Params struct {
	Model       string
	MaxTokens   int
	Temperature float64
}

// Request is one generation call. Prompt carries the instructions and Source
// the text to convert; TemplateID names the prompt template for diagnostics.
type Request struct {
	Prompt     string
	Source     string
	TemplateID string
	Params     Params
}

// Generator turns a request into generated text. Implementations return a
// *fault.TransportFault for timeouts and connectivity problems and a
// *fault.ContentFault when the backend answered but the answer is unusable.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, req Request) (string, error)

// Generate calls f(ctx, req).
func (f GeneratorFunc) Generate(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// Options tunes a Client.
type Options struct {
	// MaxRetries is the number of retries after the first attempt. Negative disables retries.
	MaxRetries int
	// RequestsPerMinute throttles outgoing requests across all workers. Zero means unlimited.
	RequestsPerMinute int
	// Defaults fill zero-valued request parameters.
	Defaults Params
	// BaseURL replaces the provider's base URL when set.
	BaseURL string
	// HTTPClient overrides the HTTP client.
	HTTPClient *http.Client
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// Client is a Generator backed by a provider's HTTP API.
// It is safe for concurrent use.
type Client struct {
	providerName string
	provider     *secrets.Provider
	client       *http.Client
	limiter      *rate.Limiter
	defaults     Params
	maxRetries   int
	baseDelay    time.Duration
	maxDelay     time.Duration
}

// NewClient creates a client for the named provider.
func NewClient(providerName string, provider *secrets.Provider, opts Options) (*Client, error) {
	if provider == nil {
		return nil, fault.Config("backend.provider", "provider %q has no configuration", providerName)
	}
	providerName = strings.ToLower(providerName)
	if opts.BaseURL != "" {
		p := *provider
		p.BaseURL = opts.BaseURL
		provider = &p
	}

	_, known := secrets.KnownProviders[providerName]
	if !known && provider.BaseURL == "" {
		return nil, fault.Config("backend.provider", "unsupported provider %q without base_url", providerName)
	}
	if known && !secrets.IsLocalProvider(providerName) && provider.APIKey == "" {
		return nil, fault.Config("backend.provider", "provider %q requires an API key", providerName)
	}

	c := &Client{
		providerName: providerName,
		provider:     provider,
		client:       opts.HTTPClient,
		defaults:     opts.Defaults,
		maxRetries:   opts.MaxRetries,
		baseDelay:    opts.BaseDelay,
		maxDelay:     opts.MaxDelay,
	}
	if c.client == nil {
		// Per-call deadlines come from the caller's context.
		c.client = &http.Client{}
	}
	if c.maxRetries < 0 {
		c.maxRetries = 0
	}
	if c.baseDelay <= 0 {
		c.baseDelay = defaultBaseDelay
	}
	if c.maxDelay <= 0 {
		c.maxDelay = defaultMaxDelay
	}
	if c.defaults.Model == "" {
		c.defaults.Model = provider.GetEffectiveModel(providerName)
	}
	if c.defaults.Model == "" {
		return nil, fault.Config("backend.model", "no model specified for provider %q", providerName)
	}
	if c.defaults.MaxTokens <= 0 {
		c.defaults.MaxTokens = DefaultMaxTokens
	}
	if opts.RequestsPerMinute > 0 {
		c.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RequestsPerMinute)), 1)
	}
	return c, nil
}

// NewClientFromSecrets creates a client from the secrets file. An empty
// providerName selects the default provider. opts.BaseURL overrides the URL
// stored in the file.
func NewClientFromSecrets(providerName string, opts Options) (*Client, error) {
	config, err := secrets.Load()
	if err != nil {
		return nil, fault.Config("secrets", "%v", err)
	}
	provider, name, err := config.ResolveProvider(providerName)
	if err != nil {
		return nil, fault.Config("backend.provider", "%v", err)
	}
	return NewClient(name, provider, opts)
}

// ProviderName returns the name of the configured provider.
func (c *Client) ProviderName() string {
	return c.providerName
}

// Model returns the default model.
func (c *Client) Model() string {
	return c.defaults.Model
}

// Endpoint identifies the backend for run fingerprints and status output.
func (c *Client) Endpoint() string {
	return c.providerName + "/" + c.defaults.Model
}

// Generate sends the request to the provider and returns the generated text.
func (c *Client) Generate(ctx context.Context, req Request) (string, error) {
	params := req.Params
	if params.Model == "" {
		params.Model = c.defaults.Model
	}
	if params.MaxTokens <= 0 {
		params.MaxTokens = c.defaults.MaxTokens
	}
	if params.Temperature == 0 {
		params.Temperature = c.defaults.Temperature
	}

	baseURL := strings.TrimRight(c.provider.GetEffectiveBaseURL(c.providerName), "/")

	var (
		text string
		err  error
	)
	switch c.providerName {
	case ProviderClaude:
		text, err = c.queryClaude(ctx, baseURL+"/v1/messages", req, params)
	case ProviderGemini:
		text, err = c.queryGemini(ctx, fmt.Sprintf("%s/v1beta/models/%s:generateContent", baseURL, params.Model), req, params)
	default:
		text, err = c.queryOpenAICompat(ctx, baseURL+"/v1/chat/completions", req, params)
	}
	if err != nil {
		logging.Debug("Backend call for template %s failed: %v", req.TemplateID, err)
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", fault.Content("empty response from backend")
	}
	return text, nil
}

// sanitizeErrorResponse truncates API error bodies and redacts anything that
// looks like a credential.
func sanitizeErrorResponse(body []byte, maxLen int) string {
	if maxLen <= 0 {
		maxLen = 200
	}

	s := string(body)
	if len(s) > maxLen {
		s = s[:maxLen] + "..."
	}

	keyPatterns := []string{"sk-", "api-", "key-", "secret-", "token-"}
	for _, pattern := range keyPatterns {
		for {
			idx := strings.Index(strings.ToLower(s), pattern)
			if idx == -1 {
				break
			}
			endIdx := idx + len(pattern) + 40
			if endIdx > len(s) {
				endIdx = len(s)
			}
			s = s[:idx] + "[REDACTED]" + s[endIdx:]
		}
	}

	return s
}

// isRetryableError reports whether a failure is transient: timeouts, network
// errors, server errors (5xx) and rate limiting (429).
func isRetryableError(err error, statusCode int) bool {
	if statusCode >= 500 || statusCode == http.StatusTooManyRequests {
		return true
	}
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Op == "dial"
	}

	errMsg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"tls handshake timeout",
		"connection reset",
		"connection refused",
		"broken pipe",
		"no such host",
		"temporary failure",
		"i/o timeout",
		"unexpected eof",
	} {
		if strings.Contains(errMsg, pattern) {
			return true
		}
	}
	return false
}

// calculateBackoff returns the delay before retry attempt n using exponential
// backoff with jitter.
func (c *Client) calculateBackoff(attempt int) time.Duration {
	delay := c.baseDelay * time.Duration(1<<attempt)
	if delay > c.maxDelay {
		delay = c.maxDelay
	}
	// ±25% jitter
	if half := int64(delay) / 2; half > 0 {
		delay = delay - delay/4 + time.Duration(rand.Int64N(half))
	}
	return delay
}

// do executes an HTTP request with retries. A non-nil error is always a
// TransportFault. After the last retry a retryable status code is returned
// to the caller with its body so it can be reported.
func (c *Client) do(ctx context.Context, reqFunc func() (*http.Request, error)) (int, []byte, error) {
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.calculateBackoff(attempt - 1)
			logging.Debug("Backend request failed (attempt %d/%d): %v, retrying in %v",
				attempt, c.maxRetries+1, lastErr, delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return 0, nil, fault.Transport("waiting to retry", ctx.Err())
			}
		}

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return 0, nil, fault.Transport("rate limiter", err)
			}
		}

		req, err := reqFunc()
		if err != nil {
			return 0, nil, fault.Config("backend", "creating request: %v", err)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return 0, nil, fault.Transport("request timed out", err)
			}
			if !isRetryableError(err, 0) {
				return 0, nil, fault.Transport("request failed", err)
			}
			lastErr = err
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			if ctx.Err() != nil || !isRetryableError(readErr, 0) {
				return 0, nil, fault.Transport("reading response body", readErr)
			}
			lastErr = readErr
			continue
		}

		if isRetryableError(nil, resp.StatusCode) && attempt < c.maxRetries {
			lastErr = fmt.Errorf("status %d", resp.StatusCode)
			continue
		}
		return resp.StatusCode, body, nil
	}

	return 0, nil, fault.Transport(fmt.Sprintf("request failed after %d attempts", c.maxRetries+1), lastErr)
}

// checkStatus maps a non-200 response onto the fault taxonomy.
func checkStatus(status int, body []byte) error {
	if status == http.StatusOK {
		return nil
	}
	msg := fmt.Sprintf("backend returned status %d: %s", status, sanitizeErrorResponse(body, 200))
	if isRetryableError(nil, status) {
		return fault.Transport(msg, nil)
	}
	return fault.Content("%s", msg)
}
