package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"topstepx-engine/internal/bus"
	"topstepx-engine/pkg/types"
)

func TestDiscordRelaysNotifications(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var bodies []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(raw))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	events := bus.New(logger)
	d := NewDiscord(ts.URL, events, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Run(ctx)
	}()

	// Give the subscription a moment to attach before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for events.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	events.Publish(bus.TopicNotification, types.Notification{
		ID:        "n1",
		AccountID: "ACC1",
		Level:     types.LevelWarning,
		Message:   "daily loss limit at 80%",
	})

	deadline = time.Now().Add(3 * time.Second)
	for {
		mu.Lock()
		n := len(bodies)
		mu.Unlock()
		if n > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(bodies) != 1 {
		t.Fatalf("got %d webhook posts, want 1", len(bodies))
	}
	var payload struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal([]byte(bodies[0]), &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if !strings.Contains(payload.Content, "ACC1") || !strings.Contains(payload.Content, "daily loss limit") {
		t.Errorf("content = %q", payload.Content)
	}
}

func TestFormatLevels(t *testing.T) {
	t.Parallel()

	got := format(types.Notification{Level: types.LevelError, Message: "flattened"})
	if !strings.HasPrefix(got, "🔴") {
		t.Errorf("error prefix missing: %q", got)
	}
	got = format(types.Notification{Level: types.LevelInfo, AccountID: "ACC2", Message: "started"})
	if !strings.Contains(got, "**ACC2**") {
		t.Errorf("account missing: %q", got)
	}
}
