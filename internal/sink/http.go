package sink

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fieldsight/takrelay/internal/cot"
)

// HTTPSink posts CoT XML to a TAK-style HTTP ingest endpoint.
type HTTPSink struct {
	url    string
	client *http.Client
}

// NewHTTPSink creates an HTTP sink for the given endpoint URL. The client
// timeout is a backstop; per-attempt deadlines come from the caller context.
func NewHTTPSink(url string, timeout time.Duration) *HTTPSink {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPSink{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Send posts the message body. Status mapping: 2xx acknowledges; 408, 429
// and 5xx are transient; any other 4xx is a permanent rejection. Transport
// errors (refused connection, timeout) are transient.
func (s *HTTPSink) Send(ctx context.Context, msg *cot.Message) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(msg.XML))
	if err != nil {
		return &PermanentError{Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/xml")
	req.Header.Set("X-Detection-UID", msg.UID)

	resp, err := s.client.Do(req)
	if err != nil {
		return &TransientError{Err: err}
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return &TransientError{Err: fmt.Errorf("sink returned %s", resp.Status)}
	default:
		return &PermanentError{Err: fmt.Errorf("sink rejected message: %s", resp.Status)}
	}
}

// Ping issues a HEAD request against the endpoint. Any HTTP response at all
// counts as reachable; only transport failures report the sink down.
func (s *HTTPSink) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.url, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return &TransientError{Err: err}
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return nil
}

// Close is a no-op; the HTTP client holds no persistent resources beyond
// idle connections, which are reclaimed by the transport.
func (s *HTTPSink) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
