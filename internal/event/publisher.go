package event

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// StreamName is the JetStream stream holding outbound ledger events.
const StreamName = "VAULT_LEDGER_EVENTS"

// Publisher drains the outbound event channel and publishes to JetStream.
// The engine sends to the channel non-blocking and drops on full: a missed
// outbound event is recoverable from the ledger, a stalled commit is not.
type Publisher struct {
	js        jetstream.JetStream
	inputChan <-chan Envelope
	log       zerolog.Logger
}

func NewPublisher(js jetstream.JetStream, inputChan <-chan Envelope, log zerolog.Logger) *Publisher {
	return &Publisher{js: js, inputChan: inputChan, log: log}
}

// Run publishes events until the context is cancelled or the channel closes.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-p.inputChan:
			if !ok {
				return nil
			}
			if err := p.publish(ctx, evt); err != nil {
				p.log.Warn().
					Str("type", string(evt.Type)).
					Uint64("entity_id", evt.EntityID).
					Err(err).
					Msg("outbound publish failed")
			}
		}
	}
}

func (p *Publisher) publish(ctx context.Context, evt Envelope) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := fmt.Sprintf("vault.ledger.events.%s", evt.Type)
	_, err = p.js.Publish(ctx, subject, data)
	return err
}

// EnsureStream creates or updates the outbound events stream.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{"vault.ledger.events.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	return nil
}
