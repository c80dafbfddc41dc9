// Package sink abstracts the remote system that consumes delivered CoT
// messages. The dispatcher depends only on the Sink interface; concrete
// variants (TAK HTTP endpoint, NATS subject, mock) are selected by
// configuration. Every message carries the stable detection UID so the
// remote side can deduplicate retried deliveries.
package sink

import (
	"context"
	"errors"
	"fmt"

	"github.com/fieldsight/takrelay/internal/cot"
)

// Sink delivers encoded messages to the remote consumer.
type Sink interface {
	// Send delivers one message. A nil return is an acknowledged send.
	// Failures are wrapped as *TransientError (retryable) or
	// *PermanentError (the remote explicitly rejected the message).
	Send(ctx context.Context, msg *cot.Message) error

	// Ping is a lightweight connectivity probe used by the sync loop to
	// decide whether draining the queue is worth attempting.
	Ping(ctx context.Context) error

	// Close releases any held connections.
	Close() error
}

// TransientError marks a retryable delivery failure: timeout, connection
// refused, 5xx, rate limiting.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient delivery failure: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a non-retryable rejection: malformed request, auth
// failure. Retrying cannot succeed.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return fmt.Sprintf("permanent delivery failure: %v", e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

// IsPermanent reports whether err is (or wraps) a PermanentError. Anything
// else, including unclassified errors, is treated as transient; the retry
// ceiling bounds the damage of a misclassified permanent failure.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
