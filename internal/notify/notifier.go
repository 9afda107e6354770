package notify

import (
	"context"
	"errors"
	"log/slog"
)

// Notifier delivers a text message to one user on one platform.
type Notifier interface {
	Send(ctx context.Context, userID, text string) error
}

// MultiNotifier fans a message out to several notifiers.
type MultiNotifier struct {
	notifiers []Notifier
}

func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send tries every notifier and joins their errors.
func (m *MultiNotifier) Send(ctx context.Context, userID, text string) error {
	var errs []error
	for _, n := range m.notifiers {
		if err := n.Send(ctx, userID, text); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogNotifier writes messages to the log instead of delivering them.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n *LogNotifier) Send(_ context.Context, userID, text string) error {
	n.Logger.Info("user message", "user_id", userID, "text", text)
	return nil
}
