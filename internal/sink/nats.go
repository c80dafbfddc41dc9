package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/fieldsight/takrelay/internal/cot"
)

// NATSSink publishes CoT XML onto a NATS subject for sites that bridge to
// the TAK network through a message broker instead of a direct endpoint.
type NATSSink struct {
	conn    *nats.Conn
	subject string
}

// NewNATSSink connects to the broker and returns a sink publishing to
// subject. Reconnection is delegated to the NATS client.
func NewNATSSink(url, subject string) (*NATSSink, error) {
	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return &NATSSink{conn: conn, subject: subject}, nil
}

// Send publishes the message and flushes with the context deadline so an
// unreachable broker surfaces as a transient failure rather than a silent
// buffer write. The detection UID rides in a header for downstream dedup.
func (s *NATSSink) Send(ctx context.Context, msg *cot.Message) error {
	if !s.conn.IsConnected() {
		return &TransientError{Err: fmt.Errorf("nats not connected (status %s)", s.conn.Status())}
	}

	m := nats.NewMsg(s.subject)
	m.Data = msg.XML
	m.Header.Set("Detection-Uid", msg.UID)

	if err := s.conn.PublishMsg(m); err != nil {
		return &TransientError{Err: err}
	}
	if err := s.conn.FlushWithContext(ctx); err != nil {
		return &TransientError{Err: err}
	}
	return nil
}

// Ping round-trips to the broker.
func (s *NATSSink) Ping(ctx context.Context) error {
	if !s.conn.IsConnected() {
		return &TransientError{Err: fmt.Errorf("nats not connected (status %s)", s.conn.Status())}
	}
	if err := s.conn.FlushWithContext(ctx); err != nil {
		return &TransientError{Err: err}
	}
	return nil
}

// Close drains the connection so buffered publishes are not lost.
func (s *NATSSink) Close() error {
	return s.conn.Drain()
}
