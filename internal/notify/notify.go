// Package notify delivers account notifications (welcome messages and password reset
// links) to whatever sends mail on the service's behalf.
package notify

import (
	"context"
	"log/slog"
	"time"
)

// Kinds of notification events.
const (
	KindWelcome       = "welcome"
	KindPasswordReset = "password_reset"
)

// Event is the payload handed to a mail sender.
type Event struct {
	Kind       string    `json:"kind"`
	Email      string    `json:"email"`
	Name       string    `json:"name,omitempty"`
	ResetLink  string    `json:"resetLink,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// LogNotifier writes notifications to the log instead of sending them. It is meant
// for development, where the reset link has to be copied from the console.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

// NotifyWelcome logs a welcome notification.
func (n *LogNotifier) NotifyWelcome(ctx context.Context, email, name string) error {
	n.logger.InfoContext(ctx, "welcome notification", "email", email, "name", name)
	return nil
}

// NotifyPasswordReset logs the reset link.
func (n *LogNotifier) NotifyPasswordReset(ctx context.Context, email, resetLink string) error {
	n.logger.InfoContext(ctx, "password reset notification", "email", email, "reset_link", resetLink)
	return nil
}
