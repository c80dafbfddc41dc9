package sink

import (
	"context"
	"sync"

	"github.com/fieldsight/takrelay/internal/cot"
)

// MockSink is a scripted in-memory sink for tests and local bring-up. Each
// Send pops the next scripted error (nil acknowledges); once the script is
// exhausted every send succeeds.
type MockSink struct {
	mu      sync.Mutex
	script  []error
	pingErr error

	Sent []*cot.Message
}

// NewMockSink returns a sink that acknowledges everything.
func NewMockSink() *MockSink {
	return &MockSink{}
}

// ScriptErrors queues errors returned by subsequent Send calls, in order.
func (s *MockSink) ScriptErrors(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script = append(s.script, errs...)
}

// SetPingError makes Ping fail until cleared with nil.
func (s *MockSink) SetPingError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pingErr = err
}

// Send records the message and returns the next scripted result.
func (s *MockSink) Send(_ context.Context, msg *cot.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if len(s.script) > 0 {
		err = s.script[0]
		s.script = s.script[1:]
	}
	if err == nil {
		s.Sent = append(s.Sent, msg)
	}
	return err
}

// SentCount returns the number of acknowledged sends.
func (s *MockSink) SentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Sent)
}

// Ping returns the configured ping error.
func (s *MockSink) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pingErr
}

// Close is a no-op.
func (s *MockSink) Close() error { return nil }
