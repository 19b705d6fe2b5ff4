// Package notify sends run notifications to Slack.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/johndauphine/sqlconv/internal/logging"
	"github.com/johndauphine/sqlconv/internal/secrets"
	"github.com/johndauphine/sqlconv/internal/util"
	"github.com/johndauphine/sqlconv/internal/version"
)

const (
	colorGood    = "#36a64f"
	colorWarning = "#ffc107"
	colorDanger  = "#dc3545"
	colorInfo    = "#439fe0"

	maxErrorLen   = 500
	maxListedUnit = 3
)

// Provider is the notification surface the orchestrator uses.
type Provider interface {
	IsEnabled() bool
	RunStarted(runID, dialect string, files int) error
	RunCompleted(runID string, startTime time.Time, duration time.Duration, units, files int) error
	RunCompletedWithUnresolved(runID string, startTime time.Time, duration time.Duration, succeeded, unresolved int, unresolvedIDs []string) error
	RunFailed(runID string, err error, duration time.Duration) error
}

// SlackConfig configures the Slack webhook.
type SlackConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
	Username   string `yaml:"username"`
}

// SlackMessage is the webhook payload.
type SlackMessage struct {
	Channel     string       `json:"channel,omitempty"`
	Username    string       `json:"username,omitempty"`
	IconEmoji   string       `json:"icon_emoji,omitempty"`
	Text        string       `json:"text,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment is a Slack message attachment.
type Attachment struct {
	Color  string  `json:"color,omitempty"`
	Title  string  `json:"title,omitempty"`
	Text   string  `json:"text,omitempty"`
	Fields []Field `json:"fields,omitempty"`
	Footer string  `json:"footer,omitempty"`
	Ts     int64   `json:"ts,omitempty"`
}

// Field is a short key/value pair inside an attachment.
type Field struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// Notifier posts messages to a Slack webhook. A disabled notifier is a no-op.
type Notifier struct {
	config *SlackConfig
	client *http.Client
}

// New creates a notifier. A nil config yields a disabled notifier.
func New(cfg *SlackConfig) *Notifier {
	return &Notifier{
		config: cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// NewFromSecrets enables the notifier when the secrets file has a webhook URL.
// A missing or invalid secrets file yields a disabled notifier.
func NewFromSecrets() *Notifier {
	cfg, err := secrets.Load()
	if err != nil {
		logging.Debug("Slack notifications disabled: %v", err)
		return New(nil)
	}
	url := cfg.Notifications.Slack.WebhookURL
	return New(&SlackConfig{Enabled: url != "", WebhookURL: url})
}

// IsEnabled reports whether messages will be sent.
func (n *Notifier) IsEnabled() bool {
	return n.config != nil && n.config.Enabled && n.config.WebhookURL != ""
}

func (n *Notifier) getUsername() string {
	if n.config != nil && n.config.Username != "" {
		return n.config.Username
	}
	return version.Name
}

// RunStarted announces a new run.
func (n *Notifier) RunStarted(runID, dialect string, files int) error {
	if !n.IsEnabled() {
		return nil
	}
	return n.send(":rocket:", Attachment{
		Color: colorInfo,
		Title: "Migration Started",
		Fields: []Field{
			{Title: "Run ID", Value: runID, Short: true},
			{Title: "Dialect", Value: dialect, Short: true},
			{Title: "Source Files", Value: formatNumberWithCommas(int64(files)), Short: true},
		},
	})
}

// RunCompleted reports a run where every unit converted.
func (n *Notifier) RunCompleted(runID string, startTime time.Time, duration time.Duration, units, files int) error {
	if !n.IsEnabled() {
		return nil
	}
	return n.send(":white_check_mark:", Attachment{
		Color: colorGood,
		Title: "Migration Completed",
		Fields: []Field{
			{Title: "Run ID", Value: runID, Short: true},
			{Title: "Started", Value: startTime.Format(time.RFC3339), Short: true},
			{Title: "Duration", Value: formatDuration(duration), Short: true},
			{Title: "Units", Value: formatNumberWithCommas(int64(units)), Short: true},
			{Title: "Files Exported", Value: formatNumberWithCommas(int64(files)), Short: true},
		},
	})
}

// RunCompletedWithUnresolved reports a run that finished with placeholders.
func (n *Notifier) RunCompletedWithUnresolved(runID string, startTime time.Time, duration time.Duration, succeeded, unresolved int, unresolvedIDs []string) error {
	if !n.IsEnabled() {
		return nil
	}
	pct := 0.0
	if total := succeeded + unresolved; total > 0 {
		pct = float64(unresolved) * 100 / float64(total)
	}
	return n.send(":warning:", Attachment{
		Color: colorWarning,
		Title: "Migration Completed With Unresolved Units",
		Fields: []Field{
			{Title: "Run ID", Value: runID, Short: true},
			{Title: "Started", Value: startTime.Format(time.RFC3339), Short: true},
			{Title: "Duration", Value: formatDuration(duration), Short: true},
			{Title: "Succeeded", Value: formatNumberWithCommas(int64(succeeded)), Short: true},
			{Title: "Unresolved", Value: fmt.Sprintf("%s (%.1f%%)", formatNumberWithCommas(int64(unresolved)), pct), Short: true},
			{Title: "Unresolved Units", Value: summarizeUnits(unresolvedIDs), Short: false},
		},
	})
}

// RunFailed reports a run that aborted.
func (n *Notifier) RunFailed(runID string, err error, duration time.Duration) error {
	if !n.IsEnabled() {
		return nil
	}
	errMsg := "Unknown error"
	if err != nil {
		errMsg = util.Truncate(err.Error(), maxErrorLen)
	}
	return n.send(":x:", Attachment{
		Color: colorDanger,
		Title: "Migration Failed",
		Fields: []Field{
			{Title: "Run ID", Value: runID, Short: true},
			{Title: "Duration", Value: formatDuration(duration), Short: true},
			{Title: "Error", Value: errMsg, Short: false},
		},
	})
}

func summarizeUnits(ids []string) string {
	if len(ids) <= maxListedUnit {
		return "Unresolved: " + strings.Join(ids, ", ")
	}
	return fmt.Sprintf("Unresolved: %s... and %d more",
		strings.Join(ids[:maxListedUnit], ", "), len(ids)-maxListedUnit)
}

func (n *Notifier) send(icon string, att Attachment) error {
	att.Footer = version.Name + " " + version.Version
	att.Ts = time.Now().Unix()
	msg := SlackMessage{
		Channel:     n.config.Channel,
		Username:    n.getUsername(),
		IconEmoji:   icon,
		Attachments: []Attachment{att},
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling slack message: %w", err)
	}
	resp, err := n.client.Post(n.config.WebhookURL, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("sending slack message: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned status %d", resp.StatusCode)
	}
	return nil
}

// formatNumberWithCommas renders 1234567 as "1,234,567".
func formatNumberWithCommas(n int64) string {
	s := strconv.FormatInt(n, 10)
	sign := ""
	if n < 0 {
		sign, s = "-", s[1:]
	}
	var sb strings.Builder
	for i, c := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			sb.WriteByte(',')
		}
		sb.WriteRune(c)
	}
	return sign + sb.String()
}

// formatDuration renders a duration as "1h 2m 3s", rounded to the second.
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
