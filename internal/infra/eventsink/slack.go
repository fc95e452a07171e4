package eventsink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"ratelimit-engine/pkg/ratelimit"
)

// SlackConfig contains configuration for Slack webhook announcements.
type SlackConfig struct {
	// WebhookURL is the Slack Incoming Webhook URL (includes authentication token)
	WebhookURL string

	// Timeout is the HTTP request timeout for Slack API calls
	Timeout time.Duration

	// Types selects the events that are announced.
	// Default: block events only
	Types []ratelimit.EventType
}

// SlackSink posts selected events to a Slack channel.
//
// Slack allows about one webhook message per second, so posts are paced
// with a token bucket. Events of other types are accepted and dropped.
type SlackSink struct {
	config     SlackConfig
	httpClient *http.Client
	limiter    *rate.Limiter
}

func NewSlackSink(config SlackConfig) *SlackSink {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if len(config.Types) == 0 {
		config.Types = []ratelimit.EventType{ratelimit.EventBlock}
	}
	return &SlackSink{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(1), 1),
	}
}

// SlackWebhookPayload is the JSON body sent to the webhook using Block Kit.
type SlackWebhookPayload struct {
	Text   string       `json:"text"`
	Blocks []SlackBlock `json:"blocks"`
}

type SlackBlock struct {
	Type     string            `json:"type"`
	Text     *SlackTextObject  `json:"text,omitempty"`
	Elements []SlackTextObject `json:"elements,omitempty"`
}

type SlackTextObject struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

const maxFallbackLength = 150

func buildSlackPayload(ev *ratelimit.Event) SlackWebhookPayload {
	title := "Rate limit warning"
	if ev.Type == ratelimit.EventBlock {
		title = "Rate limit block"
	}
	if ev.Mode == ratelimit.ModeMonitor {
		title += " (monitor)"
	}

	fallback := fmt.Sprintf("%s: %s on %s (%d/%d)", title, ev.ActorKey, ev.Module, ev.Count, ev.MaxRequests)
	if len(fallback) > maxFallbackLength {
		fallback = fallback[:maxFallbackLength-3] + "..."
	}

	section := fmt.Sprintf("*%s*\nModule: `%s`\nActor: `%s`\nRequests: %d / %d",
		title, ev.Module, ev.ActorKey, ev.Count, ev.MaxRequests)
	if ev.BlockedUntil != nil {
		section += "\nBlocked until: " + ev.BlockedUntil.UTC().Format(time.RFC3339)
	}

	footer := fmt.Sprintf("window %s to %s, event %s",
		ev.WindowStart.UTC().Format(time.RFC3339),
		ev.WindowEnd.UTC().Format(time.RFC3339),
		ev.ID)

	return SlackWebhookPayload{
		Text: fallback,
		Blocks: []SlackBlock{
			{Type: "section", Text: &SlackTextObject{Type: "mrkdwn", Text: section}},
			{Type: "context", Elements: []SlackTextObject{{Type: "mrkdwn", Text: footer}}},
		},
	}
}

func (s *SlackSink) RecordEvent(ctx context.Context, ev *ratelimit.Event) error {
	if !slices.Contains(s.config.Types, ev.Type) {
		return nil
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("slack rate limiter: %w", err)
	}
	return s.send(ctx, buildSlackPayload(ev))
}

func (s *SlackSink) send(ctx context.Context, payload SlackWebhookPayload) error {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.WebhookURL, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("create http request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute http request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitError{RetryAfter: retryAfter(resp)}
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return &ClientError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("slack client error: %s", body)}
	default:
		return &ServerError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("slack server error: %s", body)}
	}
}

// retryAfter reads the Retry-After header in seconds, defaulting to 5s.
func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if seconds, err := strconv.Atoi(v); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	return 5 * time.Second
}

// RateLimitError is a 429 from the webhook.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("webhook rate limit exceeded (retry after %v)", e.RetryAfter)
}

// ClientError is a non-429 4xx from the webhook. It is never retried.
type ClientError struct {
	StatusCode int
	Message    string
}

func (e *ClientError) Error() string { return e.Message }

// ServerError is a 5xx from the webhook.
type ServerError struct {
	StatusCode int
	Message    string
}

func (e *ServerError) Error() string { return e.Message }
