package audit

import (
	"context"
	"time"

	"github.com/fieldsight/takrelay/internal/monitoring"
)

// DefaultRetention is the minimum period audit rows are kept.
const DefaultRetention = 90 * 24 * time.Hour

// RetentionSweeper periodically deletes audit rows older than Retention.
// Runs daily by default.
type RetentionSweeper struct {
	Log       *Log
	Retention time.Duration
	Interval  time.Duration
	StopChan  chan struct{}
}

// NewRetentionSweeper creates a sweeper with the default daily interval. A
// non-positive retention falls back to DefaultRetention.
func NewRetentionSweeper(log *Log, retention time.Duration) *RetentionSweeper {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &RetentionSweeper{
		Log:       log,
		Retention: retention,
		Interval:  24 * time.Hour,
		StopChan:  make(chan struct{}),
	}
}

// Start runs the periodic sweep loop in a goroutine.
func (s *RetentionSweeper) Start() {
	go func() {
		ticker := time.NewTicker(s.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := s.RunOnce(context.Background()); err != nil {
					monitoring.Logf("audit retention sweep error: %v", err)
				}
			case <-s.StopChan:
				return
			}
		}
	}()
}

// Stop requests the sweeper to stop.
func (s *RetentionSweeper) Stop() {
	close(s.StopChan)
}

// RunOnce deletes everything past the retention cutoff.
func (s *RetentionSweeper) RunOnce(ctx context.Context) error {
	cutoff := time.Now().Add(-s.Retention)
	deleted, err := s.Log.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return err
	}
	if deleted > 0 {
		monitoring.Logf("audit retention: deleted %d rows older than %s", deleted, cutoff.Format(time.RFC3339))
	}
	return nil
}
