package sink

import (
	"fmt"
	"time"
)

// Settings selects and configures a sink variant.
type Settings struct {
	Kind        string // "http", "nats" or "mock"
	URL         string // endpoint URL (http) or broker URL (nats)
	NATSSubject string
	SendTimeout time.Duration
}

// NewFromSettings builds the configured sink variant. Unknown kinds are a
// startup error, not a silent fallback.
func NewFromSettings(s Settings) (Sink, error) {
	switch s.Kind {
	case "http":
		if s.URL == "" {
			return nil, fmt.Errorf("http sink requires a URL")
		}
		return NewHTTPSink(s.URL, s.SendTimeout), nil
	case "nats":
		if s.URL == "" || s.NATSSubject == "" {
			return nil, fmt.Errorf("nats sink requires a broker URL and subject")
		}
		return NewNATSSink(s.URL, s.NATSSubject)
	case "mock":
		return NewMockSink(), nil
	default:
		return nil, fmt.Errorf("unknown sink kind %q", s.Kind)
	}
}
