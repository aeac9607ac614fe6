package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"sqlrescue/internal/config"
)

const userAgent = "sqlrescue/0.1.0"

// Outcome summarizes a finished recovery session.
type Outcome struct {
	SessionID    string
	Mode         string
	Strategy     string
	TablesFailed int
	Rows         int64
	SQLFile      string
	Duration     time.Duration
}

// Service defines the notification surface exposed to the recovery workflow.
type Service interface {
	NotifySessionCompleted(ctx context.Context, outcome Outcome) error
	NotifySessionFailed(ctx context.Context, outcome Outcome, err error) error
	TestNotification(ctx context.Context) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	if cfg == nil {
		return noopService{}
	}
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := config.Seconds(cfg.Notifications.RequestTimeout)
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ntfyService{
		endpoint:      topic,
		client:        &http.Client{Timeout: timeout},
		notifySuccess: cfg.Notifications.NotifySuccess,
	}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint      string
	client        *http.Client
	notifySuccess bool
}

func (n *ntfyService) NotifySessionCompleted(ctx context.Context, outcome Outcome) error {
	if !n.notifySuccess {
		return nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Recovered session %s with %s", outcome.SessionID, outcome.Strategy)
	if outcome.Rows > 0 {
		fmt.Fprintf(&b, ": %s rows", humanize.Comma(outcome.Rows))
	}
	if outcome.Duration > 0 {
		fmt.Fprintf(&b, " in %s", outcome.Duration.Round(time.Second))
	}
	data := payload{
		title:   "sqlrescue - Recovered",
		message: b.String(),
		tags:    []string{"sqlrescue", "recovery", "completed"},
	}
	if outcome.TablesFailed > 0 {
		data.title = "sqlrescue - Partially Recovered"
		data.message += fmt.Sprintf("\n%d table(s) could not be read", outcome.TablesFailed)
		data.tags = []string{"sqlrescue", "recovery", "partial"}
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifySessionFailed(ctx context.Context, outcome Outcome, err error) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Recovery of session %s failed: ", outcome.SessionID)
	if err != nil {
		b.WriteString(strings.TrimSpace(err.Error()))
	} else {
		b.WriteString("unknown error")
	}
	if outcome.SQLFile != "" {
		fmt.Fprintf(&b, "\nRecovered SQL is still available as %s", outcome.SQLFile)
	}
	data := payload{
		title:    "sqlrescue - Recovery Failed",
		message:  b.String(),
		tags:     []string{"sqlrescue", "error", "alert"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) TestNotification(ctx context.Context) error {
	data := payload{
		title:    "sqlrescue - Test",
		message:  "Notification system test",
		tags:     []string{"sqlrescue", "test"},
		priority: "low",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) send(ctx context.Context, data payload) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) NotifySessionCompleted(context.Context, Outcome) error     { return nil }
func (noopService) NotifySessionFailed(context.Context, Outcome, error) error { return nil }
func (noopService) TestNotification(context.Context) error                    { return nil }
