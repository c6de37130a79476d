package bus

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/openclaw/runbox/internal/event"
	"github.com/openclaw/runbox/internal/logging"
)

// natsEnvelope is the wire shape published to NATS subscribers.
type natsEnvelope struct {
	event.Header
	Type    event.Type    `json:"type"`
	Payload event.Payload `json:"payload"`
}

// NATSSink publishes the event stream to a NATS subject per run.
type NATSSink struct {
	conn   *nats.Conn
	prefix string
	logger *logging.Logger
}

// NewNATSSink connects to url. Subjects are "<prefix>.<runID>".
func NewNATSSink(url, prefix string, logger *logging.Logger) (*NATSSink, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	if prefix == "" {
		prefix = "runbox.events"
	}
	return &NATSSink{
		conn:   conn,
		prefix: prefix,
		logger: logger.WithComponent("nats"),
	}, nil
}

// Subscriber returns a bus subscriber that forwards events for runID.
func (s *NATSSink) Subscriber(runID string) Subscriber {
	subject := s.prefix + "." + runID
	return func(ev event.Event) {
		data, err := json.Marshal(natsEnvelope{
			Header:  ev.Header,
			Type:    ev.Type(),
			Payload: ev.Payload,
		})
		if err != nil {
			return
		}
		if err := s.conn.Publish(subject, data); err != nil {
			s.logger.Warn("publish failed", map[string]interface{}{
				"subject": subject,
				"error":   err.Error(),
			})
		}
	}
}

// Close flushes and drops the connection.
func (s *NATSSink) Close() {
	_ = s.conn.Flush()
	s.conn.Close()
}
