// Package notify carries operator-facing reports out of the bot.
package notify

import (
	"context"
	"errors"
	"log/slog"
)

type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

type Notification struct {
	Kind   string            `json:"kind"`
	Level  Level             `json:"level"`
	Title  string            `json:"title"`
	Body   string            `json:"body"`
	Fields map[string]string `json:"fields,omitempty"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Multi fans a notification out to every notifier. All notifiers are tried
// and their errors joined.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, notifier := range m {
		if err := notifier.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type Nop struct{}

func (Nop) Notify(context.Context, Notification) error { return nil }

// Send delivers n and logs instead of returning failures. Reports are best
// effort and never change the outcome of the operation they describe.
func Send(ctx context.Context, notifier Notifier, n Notification) {
	if notifier == nil {
		return
	}
	if err := notifier.Notify(ctx, n); err != nil {
		slog.Warn("failed to deliver notification", "kind", n.Kind, "title", n.Title, "error", err)
	}
}
