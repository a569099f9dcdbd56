// Package notify forwards user-facing notifications to external sinks.
// The only sink shipped is a Discord webhook; the bus remains the source of
// truth and delivery here is best-effort.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"topstepx-engine/internal/bus"
	"topstepx-engine/pkg/types"
)

const (
	postTimeout = 5 * time.Second
	// Discord webhooks throttle around 30 requests/min; one message every
	// two seconds stays comfortably under it.
	minInterval = 2 * time.Second
)

// Discord relays bus notifications to a webhook.
type Discord struct {
	http   *resty.Client
	url    string
	events *bus.Bus
	logger *slog.Logger

	lastSent time.Time
}

// NewDiscord builds the relay. An empty webhook URL disables it; callers
// should skip Run in that case.
func NewDiscord(webhookURL string, events *bus.Bus, logger *slog.Logger) *Discord {
	return &Discord{
		http:   resty.New().SetTimeout(postTimeout),
		url:    webhookURL,
		events: events,
		logger: logger.With("component", "discord"),
	}
}

// Run subscribes to the notification topic and relays until ctx is cancelled.
func (d *Discord) Run(ctx context.Context) error {
	sub := d.events.Subscribe(64, bus.TopicNotification)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-sub.C:
			if !ok {
				return nil
			}
			n, valid := evt.Data.(types.Notification)
			if !valid {
				continue
			}
			d.send(ctx, n)
		}
	}
}

func (d *Discord) send(ctx context.Context, n types.Notification) {
	if wait := minInterval - time.Since(d.lastSent); wait > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
	d.lastSent = time.Now()

	resp, err := d.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]string{"content": format(n)}).
		Post(d.url)
	if err != nil {
		d.logger.Warn("webhook post failed", "id", n.ID, "error", err)
		return
	}
	if resp.IsError() {
		d.logger.Warn("webhook rejected", "id", n.ID, "status", resp.StatusCode())
	}
}

func format(n types.Notification) string {
	var b strings.Builder
	switch n.Level {
	case types.LevelError:
		b.WriteString("🔴 ")
	case types.LevelWarning:
		b.WriteString("🟡 ")
	case types.LevelSuccess:
		b.WriteString("🟢 ")
	default:
		b.WriteString("ℹ️ ")
	}
	if n.AccountID != "" {
		fmt.Fprintf(&b, "**%s** — ", n.AccountID)
	}
	b.WriteString(n.Message)
	return b.String()
}
