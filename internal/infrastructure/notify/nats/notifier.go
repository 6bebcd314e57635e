// Package nats publishes terminal-outcome notifications. Delivery is
// fire-and-forget from the pipeline's perspective; downstream listeners
// (email, analytics) consume the subject independently.
package nats

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/tenantgrid/bulkproc/internal/core/domain"
)

type Notifier struct {
	conn    *nats.Conn
	subject string
}

func NewNotifier(conn *nats.Conn, subject string) *Notifier {
	return &Notifier{conn: conn, subject: subject}
}

func (n *Notifier) PublishOutcome(_ context.Context, event domain.OutcomeEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal outcome event: %w", err)
	}
	if err := n.conn.Publish(n.subject, payload); err != nil {
		return fmt.Errorf("publish outcome event: %w", err)
	}
	return nil
}
