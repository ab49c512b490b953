package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"parcel/internal/config"
)

const userAgent = "parcel/0.1.0"

const defaultServer = "https://ntfy.sh/"

// Event names a notification kind.
type Event string

const (
	EventCycleFailed      Event = "cycle_failed"
	EventDeliveryComplete Event = "delivery_complete"
	EventReclaimFailed    Event = "reclaim_failed"
	EventTest             Event = "test"
)

// Payload carries event fields.
type Payload map[string]any

// Service publishes pipeline events.
type Service interface {
	Publish(ctx context.Context, event Event, payload Payload) error
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
	if !strings.Contains(topic, "://") {
		topic = defaultServer + strings.TrimPrefix(topic, "/")
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ntfyService{
		endpoint: topic,
		client:   &http.Client{Timeout: timeout},
		delivery: cfg.Notifications.Delivery,
		errors:   cfg.Notifications.Errors,
	}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
	delivery bool
	errors   bool
}

func (n *ntfyService) Publish(ctx context.Context, event Event, data Payload) error {
	var msg payload
	switch event {
	case EventCycleFailed:
		if !n.errors {
			return nil
		}
		msg = payload{
			title:    "parcel - Cycle Failed",
			message:  fmt.Sprintf("Cycle for %s (%s) failed: %s", str(data, "source"), str(data, "period"), str(data, "error")),
			tags:     []string{"parcel", "cycle", "error"},
			priority: "high",
		}
	case EventDeliveryComplete:
		if !n.delivery {
			return nil
		}
		parts := integer(data, "parts")
		failed := integer(data, "failed")
		size := humanize.IBytes(uint64(max(integer(data, "bytes"), 0)))
		msg = payload{
			title:   "parcel - Delivered",
			message: fmt.Sprintf("%s delivered: %d part(s), %s", str(data, "archive"), parts, size),
			tags:    []string{"parcel", "delivery", "completed"},
		}
		if failed > 0 {
			msg.title = "parcel - Delivered (with errors)"
			msg.message = fmt.Sprintf("%s: %d of %d part(s) failed, %s kept for the retention sweep", str(data, "archive"), failed, parts, size)
			msg.tags = []string{"parcel", "delivery", "partial"}
			msg.priority = "high"
		}
	case EventReclaimFailed:
		if !n.errors {
			return nil
		}
		msg = payload{
			title:   "parcel - Reclaim Failed",
			message: fmt.Sprintf("Could not delete %d path(s) for %s: %s", integer(data, "count"), str(data, "source"), str(data, "error")),
			tags:    []string{"parcel", "retention", "error"},
		}
	case EventTest:
		msg = payload{
			title:    "parcel - Test",
			message:  "Notification system test",
			tags:     []string{"parcel", "test"},
			priority: "low",
		}
	default:
		return nil
	}
	return n.send(ctx, msg)
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

func str(data Payload, key string) string {
	value, ok := data[key]
	if !ok || value == nil {
		return "unknown"
	}
	if err, ok := value.(error); ok {
		return strings.TrimSpace(err.Error())
	}
	s := strings.TrimSpace(fmt.Sprint(value))
	if s == "" {
		return "unknown"
	}
	return s
}

func integer(data Payload, key string) int64 {
	switch v := data[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case uint64:
		return int64(v)
	default:
		return 0
	}
}

type noopService struct{}

func (noopService) Publish(context.Context, Event, Payload) error { return nil }
