package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
)

// NATSOptions configures the JetStream publisher.
type NATSOptions struct {
	URL    string
	Stream string

	// Subject is the prefix for event subjects. An event of type
	// "message.created" is published on "<Subject>.message.created".
	Subject string
}

// NATSPublisher publishes events to NATS JetStream. Each event carries a
// Nats-Msg-Id so a re-published event within the stream's duplicate window
// is stored once.
type NATSPublisher struct {
	nc      *nats.Conn
	js      nats.JetStreamContext
	subject string
}

// NewNATSPublisher connects to NATS and makes sure the stream exists.
func NewNATSPublisher(opts NATSOptions) (*NATSPublisher, error) {
	nc, err := nats.Connect(opts.URL, nats.Name("mailsync"))
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("getting jetstream context: %w", err)
	}

	p := &NATSPublisher{nc: nc, js: js, subject: opts.Subject}
	if err := p.ensureStream(opts.Stream); err != nil {
		nc.Close()
		return nil, err
	}
	return p, nil
}

func (p *NATSPublisher) ensureStream(name string) error {
	if info, err := p.js.StreamInfo(name); err == nil && info != nil {
		return nil
	}

	_, err := p.js.AddStream(&nats.StreamConfig{
		Name:       name,
		Subjects:   []string{p.subject + ".>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: 10 * time.Minute,
		MaxAge:     30 * 24 * time.Hour,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("creating stream %s: %w", name, err)
	}
	return nil
}

// Publish sends e and waits for the stream acknowledgement.
func (p *NATSPublisher) Publish(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	_, err = p.js.Publish(p.subject+"."+e.Type, payload, nats.MsgId(MsgID(e)), nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("publishing %s: %w", e.Type, err)
	}
	return nil
}

// Close drains and closes the connection.
func (p *NATSPublisher) Close() error {
	if p.nc == nil {
		return nil
	}
	return p.nc.Drain()
}

// MsgID is the JetStream dedupe id of an event.
func MsgID(e Event) string {
	if e.MessageID == "" {
		return e.RunID + ":" + e.Type
	}
	return e.RunID + ":" + e.Type + ":" + e.MessageID
}
