package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// publisher is the subset of *nats.Conn the notifier needs.
type publisher interface {
	PublishMsg(msg *nats.Msg) error
	FlushWithContext(ctx context.Context) error
}

// NATSNotifier publishes notification events as JSON for an out-of-process mailer.
// Subjects are <prefix>.welcome and <prefix>.password_reset.
type NATSNotifier struct {
	conn   publisher
	prefix string
	now    func() time.Time
}

// NewNATSNotifier creates a NATSNotifier on an established connection.
func NewNATSNotifier(conn *nats.Conn, prefix string) (*NATSNotifier, error) {
	if conn == nil {
		return nil, errors.New("nats connection cannot be nil")
	}
	return newNATSNotifier(conn, prefix), nil
}

func newNATSNotifier(conn publisher, prefix string) *NATSNotifier {
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		prefix = "auth"
	}
	return &NATSNotifier{conn: conn, prefix: prefix, now: time.Now}
}

// Connect dials the NATS server with reconnect settings suited to a long-lived publisher.
func Connect(url, name string) (*nats.Conn, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return nc, nil
}

// NotifyWelcome publishes a welcome event.
func (n *NATSNotifier) NotifyWelcome(ctx context.Context, email, name string) error {
	return n.publish(ctx, Event{Kind: KindWelcome, Email: email, Name: name})
}

// NotifyPasswordReset publishes a password reset event carrying the link.
func (n *NATSNotifier) NotifyPasswordReset(ctx context.Context, email, resetLink string) error {
	return n.publish(ctx, Event{Kind: KindPasswordReset, Email: email, ResetLink: resetLink})
}

func (n *NATSNotifier) publish(ctx context.Context, event Event) error {
	event.OccurredAt = n.now().UTC()
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event.Kind, err)
	}

	msg := nats.NewMsg(n.prefix + "." + event.Kind)
	msg.Data = data
	msg.Header.Set("Content-Type", "application/json")
	// Lets a JetStream-backed consumer drop redeliveries.
	msg.Header.Set(nats.MsgIdHdr, uuid.NewString())

	if err := n.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	if err := n.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush %s: %w", msg.Subject, err)
	}
	return nil
}
