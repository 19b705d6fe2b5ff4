package notify

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/johndauphine/sqlconv/internal/secrets"
)

// captureServer records the last decoded Slack message.
func captureServer(t *testing.T, status int) (*httptest.Server, *SlackMessage) {
	t.Helper()
	var got SlackMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("decoding body: %v", err)
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, &got
}

func enabled(url string) *Notifier {
	return New(&SlackConfig{Enabled: true, WebhookURL: url, Channel: "#migrations"})
}

func fieldValue(msg *SlackMessage, title string) string {
	if len(msg.Attachments) == 0 {
		return ""
	}
	for _, f := range msg.Attachments[0].Fields {
		if f.Title == title {
			return f.Value
		}
	}
	return ""
}

func TestNew(t *testing.T) {
	n := New(nil)
	if n == nil {
		t.Fatal("expected notifier, got nil")
	}
	if n.IsEnabled() {
		t.Error("expected notifier to be disabled with nil config")
	}
	var _ Provider = n
}

func TestIsEnabled(t *testing.T) {
	tests := []struct {
		name     string
		config   *SlackConfig
		expected bool
	}{
		{"nil config", nil, false},
		{"disabled explicitly", &SlackConfig{Enabled: false, WebhookURL: "https://test"}, false},
		{"enabled but no webhook", &SlackConfig{Enabled: true}, false},
		{"enabled with webhook", &SlackConfig{Enabled: true, WebhookURL: "https://hooks.slack.com/test"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := New(tt.config).IsEnabled(); got != tt.expected {
				t.Errorf("IsEnabled() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestDisabledNotifierSendsNothing(t *testing.T) {
	n := New(&SlackConfig{Enabled: false, WebhookURL: "http://127.0.0.1:1"})
	if err := n.RunStarted("r1", "tsql", 3); err != nil {
		t.Errorf("RunStarted: %v", err)
	}
	if err := n.RunFailed("r1", errors.New("boom"), time.Second); err != nil {
		t.Errorf("RunFailed: %v", err)
	}
}

func TestRunStarted(t *testing.T) {
	srv, msg := captureServer(t, http.StatusOK)
	if err := enabled(srv.URL).RunStarted("run-1", "tsql", 1234); err != nil {
		t.Fatalf("RunStarted: %v", err)
	}
	if msg.Channel != "#migrations" {
		t.Errorf("Channel = %q", msg.Channel)
	}
	if msg.Username != "sqlconv" {
		t.Errorf("Username = %q, want sqlconv", msg.Username)
	}
	if got := fieldValue(msg, "Source Files"); got != "1,234" {
		t.Errorf("Source Files = %q", got)
	}
	if got := fieldValue(msg, "Dialect"); got != "tsql" {
		t.Errorf("Dialect = %q", got)
	}
}

func TestRunCompleted(t *testing.T) {
	srv, msg := captureServer(t, http.StatusOK)
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := enabled(srv.URL).RunCompleted("run-1", start, 90*time.Second, 42, 5); err != nil {
		t.Fatalf("RunCompleted: %v", err)
	}
	if msg.IconEmoji != ":white_check_mark:" {
		t.Errorf("IconEmoji = %q", msg.IconEmoji)
	}
	if msg.Attachments[0].Color != "#36a64f" {
		t.Errorf("Color = %q", msg.Attachments[0].Color)
	}
	if got := fieldValue(msg, "Duration"); got != "1m 30s" {
		t.Errorf("Duration = %q", got)
	}
	if got := fieldValue(msg, "Units"); got != "42" {
		t.Errorf("Units = %q", got)
	}
}

func TestRunCompletedWithUnresolved(t *testing.T) {
	srv, msg := captureServer(t, http.StatusOK)
	ids := []string{"u1", "u2", "u3", "u4", "u5"}
	if err := enabled(srv.URL).RunCompletedWithUnresolved("run-1", time.Now(), time.Minute, 15, 5, ids); err != nil {
		t.Fatalf("RunCompletedWithUnresolved: %v", err)
	}
	if msg.IconEmoji != ":warning:" || msg.Attachments[0].Color != "#ffc107" {
		t.Errorf("style = %q %q", msg.IconEmoji, msg.Attachments[0].Color)
	}
	if got := fieldValue(msg, "Unresolved"); got != "5 (25.0%)" {
		t.Errorf("Unresolved = %q", got)
	}
	list := fieldValue(msg, "Unresolved Units")
	if !strings.Contains(list, "u1, u2, u3") || !strings.Contains(list, "... and 2 more") {
		t.Errorf("Unresolved Units = %q", list)
	}
}

func TestRunFailed(t *testing.T) {
	t.Run("nil error", func(t *testing.T) {
		srv, msg := captureServer(t, http.StatusOK)
		if err := enabled(srv.URL).RunFailed("run-1", nil, time.Second); err != nil {
			t.Fatalf("RunFailed: %v", err)
		}
		if got := fieldValue(msg, "Error"); got != "Unknown error" {
			t.Errorf("Error = %q", got)
		}
		if msg.IconEmoji != ":x:" || msg.Attachments[0].Color != "#dc3545" {
			t.Errorf("style = %q %q", msg.IconEmoji, msg.Attachments[0].Color)
		}
	})

	t.Run("long error is truncated", func(t *testing.T) {
		srv, msg := captureServer(t, http.StatusOK)
		long := strings.Repeat("e", 800)
		if err := enabled(srv.URL).RunFailed("run-1", errors.New(long), time.Second); err != nil {
			t.Fatalf("RunFailed: %v", err)
		}
		if got := fieldValue(msg, "Error"); len(got) != 503 || !strings.HasSuffix(got, "...") {
			t.Errorf("Error length = %d", len(got))
		}
	})
}

func TestSendErrors(t *testing.T) {
	t.Run("non-200 status", func(t *testing.T) {
		srv, _ := captureServer(t, http.StatusInternalServerError)
		if err := enabled(srv.URL).RunStarted("r", "tsql", 1); err == nil {
			t.Error("expected error for 500 response")
		}
	})

	t.Run("connection refused", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()
		if err := enabled(url).RunStarted("r", "tsql", 1); err == nil {
			t.Error("expected error for closed server")
		}
	})
}

func TestGetUsername(t *testing.T) {
	if got := New(&SlackConfig{}).getUsername(); got != "sqlconv" {
		t.Errorf("default username = %q", got)
	}
	if got := New(&SlackConfig{Username: "bot"}).getUsername(); got != "bot" {
		t.Errorf("username = %q", got)
	}
}

func TestNewFromSecrets(t *testing.T) {
	write := func(t *testing.T, content string) {
		t.Helper()
		path := filepath.Join(t.TempDir(), "secrets.yaml")
		if err := os.WriteFile(path, []byte(content), 0600); err != nil {
			t.Fatal(err)
		}
		t.Setenv(secrets.SecretsFileEnvVar, path)
		secrets.Reset()
		t.Cleanup(secrets.Reset)
	}

	t.Run("missing file", func(t *testing.T) {
		t.Setenv(secrets.SecretsFileEnvVar, filepath.Join(t.TempDir(), "absent.yaml"))
		secrets.Reset()
		t.Cleanup(secrets.Reset)
		if NewFromSecrets().IsEnabled() {
			t.Error("expected disabled notifier")
		}
	})

	t.Run("empty webhook", func(t *testing.T) {
		write(t, "notifications:\n  slack:\n    webhook_url: \"\"\n")
		if NewFromSecrets().IsEnabled() {
			t.Error("expected disabled notifier")
		}
	})

	t.Run("webhook configured", func(t *testing.T) {
		write(t, "notifications:\n  slack:\n    webhook_url: \"https://hooks.slack.com/x\"\n")
		if !NewFromSecrets().IsEnabled() {
			t.Error("expected enabled notifier")
		}
	})
}

func TestFormatNumberWithCommas(t *testing.T) {
	tests := map[int64]string{
		0:        "0",
		999:      "999",
		1000:     "1,000",
		1234567:  "1,234,567",
		-1234567: "-1,234,567",
	}
	for in, want := range tests {
		if got := formatNumberWithCommas(in); got != want {
			t.Errorf("formatNumberWithCommas(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{500 * time.Millisecond, "1s"},
		{45 * time.Second, "45s"},
		{5*time.Minute + 30*time.Second, "5m 30s"},
		{time.Hour + 30*time.Minute + 45*time.Second, "1h 30m 45s"},
		{59*time.Second + 600*time.Millisecond, "1m 0s"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.in); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
