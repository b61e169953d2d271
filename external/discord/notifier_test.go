package discord

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/foxseedlab/heyamori/internal/notify"
)

type roundTripFunc func(req *http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func newTestNotifier(t *testing.T, rt roundTripFunc) *Notifier {
	t.Helper()
	n, err := NewNotifier("test-token", "chan-1")
	if err != nil {
		t.Fatalf("failed to create notifier: %v", err)
	}
	n.session.Client = &http.Client{Transport: rt}
	n.session.MaxRestRetries = 0
	return n
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
	}
}

func TestNotify_PostsEmbed(t *testing.T) {
	var got discordgo.MessageSend
	n := newTestNotifier(t, func(req *http.Request) (*http.Response, error) {
		if req.Method != http.MethodPost || !strings.HasSuffix(req.URL.Path, "/channels/chan-1/messages") {
			t.Fatalf("unexpected request: %s %s", req.Method, req.URL.Path)
		}
		if err := json.NewDecoder(req.Body).Decode(&got); err != nil {
			t.Fatalf("failed to decode body: %v", err)
		}
		return jsonResponse(http.StatusOK, `{"id":"m1","channel_id":"chan-1"}`), nil
	})

	err := n.Notify(context.Background(), notify.Notification{
		Kind:   "recreate",
		Level:  notify.LevelWarn,
		Title:  "Recreate of general completed",
		Body:   "* migrating: failed (transient)",
		Fields: map[string]string{"state": "completed", "new_room_id": "!new:example.org", "empty": ""},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got.Embeds) != 1 {
		t.Fatalf("expected one embed, got %d", len(got.Embeds))
	}
	embed := got.Embeds[0]
	if embed.Title != "Recreate of general completed" || embed.Color != levelColors[notify.LevelWarn] {
		t.Fatalf("unexpected embed: %+v", embed)
	}
	if len(embed.Fields) != 2 || embed.Fields[0].Name != "new_room_id" || embed.Fields[1].Name != "state" {
		t.Fatalf("expected sorted non-empty fields, got %+v", embed.Fields)
	}
}

func TestNotify_ReturnsErrorOnMissingChannel(t *testing.T) {
	n := newTestNotifier(t, func(req *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusNotFound, `{"message":"Unknown Channel","code":10003}`), nil
	})
	err := n.Notify(context.Background(), notify.Notification{Title: "x"})
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("hello", 10); got != "hello" {
		t.Fatalf("unexpected: %q", got)
	}
	if got := truncate("héllo", 2); got != "h…" {
		t.Fatalf("expected cut at rune boundary, got %q", got)
	}
}
