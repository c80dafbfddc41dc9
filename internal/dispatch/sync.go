package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/fieldsight/takrelay/internal/audit"
	"github.com/fieldsight/takrelay/internal/cot"
	"github.com/fieldsight/takrelay/internal/monitoring"
	"github.com/fieldsight/takrelay/internal/queue"
	"github.com/fieldsight/takrelay/internal/sink"
)

// Sync defaults.
const (
	DefaultSyncInterval   = 30 * time.Second
	DefaultBatchSize      = 100
	DefaultAttemptTimeout = 5 * time.Second
)

// SyncWorker drains the durable queue whenever connectivity is available.
// Each cycle reclaims stale claims, probes the sink, then claims and works
// one capped batch. Individual attempts carry their own timeout so one
// hanging delivery cannot block the rest of the batch.
type SyncWorker struct {
	Queue   *queue.Queue
	Sink    sink.Sink
	Audit   *audit.Log
	Metrics *monitoring.Metrics

	Interval       time.Duration
	BatchSize      int
	AttemptTimeout time.Duration
	StaleClaim     time.Duration

	StopChan chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewSyncWorker creates a worker with default tunables.
func NewSyncWorker(q *queue.Queue, snk sink.Sink, log *audit.Log, metrics *monitoring.Metrics) *SyncWorker {
	return &SyncWorker{
		Queue:          q,
		Sink:           snk,
		Audit:          log,
		Metrics:        metrics,
		Interval:       DefaultSyncInterval,
		BatchSize:      DefaultBatchSize,
		AttemptTimeout: DefaultAttemptTimeout,
		StaleClaim:     queue.DefaultStaleClaim,
		StopChan:       make(chan struct{}),
	}
}

// Start runs the periodic sync loop in a goroutine. The first cycle runs
// immediately so a restart with a backlog does not wait a full interval.
func (w *SyncWorker) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		if err := w.RunOnce(context.Background()); err != nil {
			monitoring.Logf("sync run error: %v", err)
		}

		ticker := time.NewTicker(w.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := w.RunOnce(context.Background()); err != nil {
					monitoring.Logf("sync run error: %v", err)
				}
			case <-w.StopChan:
				return
			}
		}
	}()
}

// Stop shuts the worker down gracefully: no new batches are claimed, the
// current batch finishes or times out, then any claim still held is
// explicitly returned to PENDING so nothing is left permanently in flight.
func (w *SyncWorker) Stop() {
	w.stopOnce.Do(func() { close(w.StopChan) })
	w.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if n, err := w.Queue.ReclaimStale(ctx, 0); err != nil {
		monitoring.Logf("shutdown reclaim error: %v", err)
	} else if n > 0 {
		monitoring.Logf("shutdown: reclaimed %d in-flight entries", n)
	}
}

// RunOnce performs one sync cycle.
func (w *SyncWorker) RunOnce(ctx context.Context) error {
	start := time.Now()

	// Workers that died mid-batch leave IN_FLIGHT rows behind; recover
	// them before claiming. Self-healing, logged not escalated.
	if n, err := w.Queue.ReclaimStale(ctx, w.StaleClaim); err != nil {
		return err
	} else if n > 0 {
		monitoring.Logf("sync: reclaimed %d stale claims", n)
	}

	// Lightweight connectivity probe; skip the cycle while offline rather
	// than claiming entries we cannot deliver.
	pingCtx, cancel := context.WithTimeout(ctx, w.AttemptTimeout)
	err := w.Sink.Ping(pingCtx)
	cancel()
	if err != nil {
		monitoring.Logf("sync: sink unreachable, deferring: %v", err)
		return nil
	}

	entries, err := w.Queue.ClaimBatch(ctx, w.BatchSize)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	monitoring.Logf("sync: claimed batch of %d entries", len(entries))

	for i := range entries {
		w.attempt(ctx, &entries[i])
	}

	w.Metrics.ObserveBatch(time.Since(start).Seconds())
	if n, err := w.Queue.Size(ctx); err == nil {
		w.Metrics.SetQueueDepth(n)
	}
	return nil
}

// attempt delivers one claimed entry. Failures transition the entry through
// MarkFailed; nothing here returns an error because one bad entry must not
// abort the batch.
func (w *SyncWorker) attempt(ctx context.Context, e *queue.Entry) {
	id := e.DetectionID

	if err := w.Audit.Append(ctx, id, audit.EventDeliveryAttempted,
		"sync batch "+e.BatchID); err != nil {
		monitoring.Logf("sync: audit attempt failed for %s: %v", id, err)
		return
	}

	msg := &cot.Message{UID: id, XML: e.Payload}
	attemptCtx, cancel := context.WithTimeout(ctx, w.AttemptTimeout)
	sendErr := w.Sink.Send(attemptCtx, msg)
	cancel()

	if sendErr == nil {
		if err := w.Queue.MarkDelivered(ctx, id); err != nil {
			// Likely a reclaim raced this attempt; the entry will be
			// retried and the sink dedups on UID.
			monitoring.Logf("sync: ack bookkeeping failed for %s: %v", id, err)
		}
		w.Metrics.IncDelivery("ok")
		return
	}

	w.Metrics.IncDelivery("error")
	status, err := w.Queue.MarkFailed(ctx, id, sendErr, sink.IsPermanent(sendErr))
	if err != nil {
		monitoring.Logf("sync: nack bookkeeping failed for %s: %v", id, err)
		return
	}
	if status == queue.StatusFailedPermanent {
		w.Metrics.IncPermanentFailure()
		monitoring.Logf("ALERT: detection %s permanently failed after %d attempts: %v",
			id, e.RetryCount+1, sendErr)
	}
}
