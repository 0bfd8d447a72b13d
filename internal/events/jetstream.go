package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

const (
	// StreamName is the JetStream stream holding ledger events.
	StreamName = "COVER_LEDGER_EVENTS"

	subjectPrefix = "cover.ledger.events"
)

// Subject returns cover.ledger.events.{type}.{pool_id}.
func Subject(evt Event) string {
	subject := fmt.Sprintf("%s.%s", subjectPrefix, evt.Type)
	if evt.PoolID != "" {
		subject = fmt.Sprintf("%s.%s", subject, evt.PoolID)
	}
	return subject
}

// JetStream publishes events to NATS JetStream. The event id doubles as the
// message id so redelivery after a retry is deduplicated by the server.
type JetStream struct {
	js jetstream.JetStream
}

// NewJetStream creates a JetStream publisher.
func NewJetStream(js jetstream.JetStream) *JetStream {
	return &JetStream{js: js}
}

func (p *JetStream) Publish(ctx context.Context, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := p.js.Publish(ctx, Subject(evt), data, jetstream.WithMsgID(evt.ID)); err != nil {
		return fmt.Errorf("publish %s: %w", evt.Type, err)
	}
	return nil
}

// EnsureStream creates or updates the ledger events stream.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{subjectPrefix + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 2 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", StreamName, err)
	}
	return nil
}

var _ Publisher = (*JetStream)(nil)
