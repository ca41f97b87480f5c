package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/Dicklesworthstone/sqlgate/internal/config"
	"github.com/Dicklesworthstone/sqlgate/internal/core"
	"github.com/Dicklesworthstone/sqlgate/internal/db"
)

// WebhookTimeout is the maximum time to wait for a webhook request.
const WebhookTimeout = 10 * time.Second

// WebhookEvent represents the type of webhook event.
type WebhookEvent string

const (
	// WebhookEventApprovalPending is sent when a statement awaits review.
	WebhookEventApprovalPending WebhookEvent = "approval_pending"
	// WebhookEventApprovalExpired is sent when nobody decided in time.
	WebhookEventApprovalExpired WebhookEvent = "approval_expired"
)

// WebhookPayload is the JSON payload sent to webhook URLs.
type WebhookPayload struct {
	Event         WebhookEvent `json:"event"`
	ApprovalID    string       `json:"approval_id"`
	ToolCallID    string       `json:"tool_call_id"`
	SessionID     string       `json:"session_id,omitempty"`
	Kind          string       `json:"kind"`
	SQL           string       `json:"sql"`
	Tables        []string     `json:"tables,omitempty"`
	Justification string       `json:"justification,omitempty"`
	ExpiresAt     string       `json:"expires_at"`
	Timestamp     string       `json:"timestamp"`
}

// WebhookNotifier handles webhook notifications.
type WebhookNotifier interface {
	Send(ctx context.Context, url string, payload WebhookPayload) error
}

type DesktopNotifier interface {
	Notify(title, message string) error
}

type DesktopNotifierFunc func(title, message string) error

func (f DesktopNotifierFunc) Notify(title, message string) error {
	return f(title, message)
}

// DefaultWebhookNotifier is the default implementation of WebhookNotifier.
type DefaultWebhookNotifier struct {
	client *http.Client
}

// NewDefaultWebhookNotifier creates a new default webhook notifier with timeout.
func NewDefaultWebhookNotifier() *DefaultWebhookNotifier {
	return &DefaultWebhookNotifier{
		client: &http.Client{Timeout: WebhookTimeout},
	}
}

// Send sends a webhook notification to the specified URL.
func (w *DefaultWebhookNotifier) Send(ctx context.Context, url string, payload WebhookPayload) error {
	if url == "" {
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "sqlgate-webhook/1.0")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// NotificationManager tells humans about approvals that need them. It
// implements core.Notifier; delivery happens on Run's goroutine so the gate
// never waits on the network.
type NotificationManager struct {
	cfg      config.NotificationsConfig
	logger   *log.Logger
	notifier DesktopNotifier
	webhook  WebhookNotifier
	now      func() time.Time

	queue chan core.Event

	mu       sync.Mutex
	notified map[string]time.Time
}

func NewNotificationManager(cfg config.NotificationsConfig, logger *log.Logger, notifier DesktopNotifier) *NotificationManager {
	if logger == nil {
		logger = log.Default()
	}
	if notifier == nil {
		notifier = DesktopNotifierFunc(SendDesktopNotification)
	}

	var webhook WebhookNotifier
	if cfg.WebhookURL != "" {
		webhook = NewDefaultWebhookNotifier()
	}

	return &NotificationManager{
		cfg:      cfg,
		logger:   logger,
		notifier: notifier,
		webhook:  webhook,
		now:      time.Now,
		queue:    make(chan core.Event, 64),
		notified: make(map[string]time.Time),
	}
}

// WithWebhook sets a custom webhook notifier (for testing).
func (m *NotificationManager) WithWebhook(w WebhookNotifier) *NotificationManager {
	m.webhook = w
	return m
}

// Enabled reports whether any delivery channel is configured.
func (m *NotificationManager) Enabled() bool {
	return m != nil && (m.cfg.Desktop || (m.webhook != nil && m.cfg.WebhookURL != ""))
}

// Notify queues ev for delivery. A full queue drops the event.
func (m *NotificationManager) Notify(_ context.Context, ev core.Event) {
	if !m.Enabled() || ev.Approval == nil {
		return
	}
	switch {
	case ev.Type == core.EventApprovalPending:
	case ev.Type == core.EventApprovalResolved && ev.Approval.State == db.StateExpired:
	default:
		return
	}
	select {
	case m.queue <- ev:
	default:
		m.logger.Warn("notification queue full, dropping event", "type", ev.Type, "approval_id", ev.Approval.ID)
	}
}

// Run delivers queued events until ctx is cancelled.
func (m *NotificationManager) Run(ctx context.Context) {
	if m == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-m.queue:
			m.deliver(ctx, ev)
		}
	}
}

func (m *NotificationManager) deliver(ctx context.Context, ev core.Event) {
	a := ev.Approval
	event := WebhookEventApprovalPending
	if ev.Type == core.EventApprovalResolved {
		event = WebhookEventApprovalExpired
	}

	now := m.now().UTC()
	if !m.markOnce(string(event)+":"+a.ID, now) {
		return
	}

	stmt := strings.TrimSpace(a.SQL)
	if len(stmt) > 140 {
		stmt = stmt[:140] + "…"
	}

	if m.cfg.Desktop && event == WebhookEventApprovalPending {
		title := fmt.Sprintf("sqlgate: %s awaiting approval", a.Kind)
		message := fmt.Sprintf("%s\nSession: %s\nID: %s", stmt, a.SessionID, shortID(a.ID))
		if err := m.notifier.Notify(title, message); err != nil {
			m.logger.Warn("desktop notification failed", "error", err)
		}
	}

	if m.webhook != nil && m.cfg.WebhookURL != "" {
		if err := m.SendWebhook(ctx, event, a); err != nil {
			return
		}
	}
}

// SendWebhook posts one approval event to the configured URL.
func (m *NotificationManager) SendWebhook(ctx context.Context, event WebhookEvent, a *db.Approval) error {
	if m == nil || m.webhook == nil || m.cfg.WebhookURL == "" {
		return nil
	}

	payload := WebhookPayload{
		Event:         event,
		ApprovalID:    a.ID,
		ToolCallID:    a.ToolCallID,
		SessionID:     a.SessionID,
		Kind:          string(a.Kind),
		SQL:           a.SQL,
		Tables:        a.Tables,
		Justification: a.Justification,
		ExpiresAt:     a.ExpiresAt.UTC().Format(time.RFC3339),
		Timestamp:     m.now().UTC().Format(time.RFC3339),
	}

	webhookCtx, cancel := context.WithTimeout(ctx, WebhookTimeout)
	defer cancel()

	if err := m.webhook.Send(webhookCtx, m.cfg.WebhookURL, payload); err != nil {
		m.logger.Warn("webhook notification failed",
			"error", err,
			"approval_id", a.ID,
			"event", event)
		return err
	}

	m.logger.Debug("webhook notification sent",
		"approval_id", a.ID,
		"event", event)
	return nil
}

func (m *NotificationManager) markOnce(key string, at time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.notified[key]; ok {
		return false
	}
	m.notified[key] = at
	return true
}

// Prune forgets delivery marks recorded before cutoff and returns how many it dropped.
func (m *NotificationManager) Prune(cutoff time.Time) int {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for key, at := range m.notified {
		if at.Before(cutoff) {
			delete(m.notified, key)
			n++
		}
	}
	return n
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

// SendDesktopNotification sends a best-effort desktop notification on the current platform.
func SendDesktopNotification(title, message string) error {
	title = strings.TrimSpace(title)
	message = strings.TrimSpace(message)
	if title == "" {
		title = "sqlgate"
	}
	if message == "" {
		return fmt.Errorf("message is required")
	}

	switch runtime.GOOS {
	case "darwin":
		if _, err := exec.LookPath("osascript"); err != nil {
			return fmt.Errorf("osascript not found")
		}
		script := fmt.Sprintf(
			`display notification "%s" with title "%s"`,
			escapeAppleScript(message),
			escapeAppleScript(title),
		)
		return runNoOutput("osascript", "-e", script)
	case "linux":
		if _, err := exec.LookPath("notify-send"); err != nil {
			return fmt.Errorf("notify-send not found")
		}
		return runNoOutput("notify-send", title, message)
	case "windows":
		return errors.New("desktop notifications not implemented on windows")
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
}

func runNoOutput(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	cmd.Env = os.Environ()
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s failed: %w (%s)", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "\"", "\\\"")
	s = strings.ReplaceAll(s, "\n", "\\n")
	return s
}
