package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldsight/takrelay/internal/audit"
	"github.com/fieldsight/takrelay/internal/queue"
	"github.com/fieldsight/takrelay/internal/sink"
)

func TestRunOnceDrainsBacklog(t *testing.T) {
	ctx := context.Background()
	p := setupPipeline(t, queue.Config{})

	require.NoError(t, p.queue.Enqueue(ctx, "det-1", []byte("<event-1/>")))
	require.NoError(t, p.queue.Enqueue(ctx, "det-2", []byte("<event-2/>")))

	w := NewSyncWorker(p.queue, p.sink, p.audit, nil)
	require.NoError(t, w.RunOnce(ctx))

	n, err := p.queue.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 2, p.sink.SentCount())

	// Delivered payloads are the queued bytes, keyed by detection UID.
	assert.Equal(t, "det-1", p.sink.Sent[0].UID)
	assert.Equal(t, []byte("<event-1/>"), p.sink.Sent[0].XML)

	for _, id := range []string{"det-1", "det-2"} {
		delivered, err := p.audit.CountByType(ctx, id, audit.EventDelivered)
		require.NoError(t, err)
		assert.Equal(t, 1, delivered, "detection %s", id)
	}
}

func TestRunOnceSkipsCycleWhileOffline(t *testing.T) {
	ctx := context.Background()
	p := setupPipeline(t, queue.Config{})

	require.NoError(t, p.queue.Enqueue(ctx, "det-1", []byte("x")))
	p.sink.SetPingError(errors.New("no route to host"))

	w := NewSyncWorker(p.queue, p.sink, p.audit, nil)
	require.NoError(t, w.RunOnce(ctx), "an offline sink is not a cycle error")

	// Nothing claimed, nothing attempted.
	e, err := p.queue.Get(ctx, "det-1")
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, e.Status)
	assert.Equal(t, 0, p.sink.SentCount())
	attempts, err := p.audit.CountByType(ctx, "det-1", audit.EventDeliveryAttempted)
	require.NoError(t, err)
	assert.Equal(t, 0, attempts)
}

func TestRunOnceBacksOffFailedEntries(t *testing.T) {
	ctx := context.Background()
	p := setupPipeline(t, queue.Config{})

	require.NoError(t, p.queue.Enqueue(ctx, "det-1", []byte("x")))
	p.sink.ScriptErrors(&sink.TransientError{Err: errors.New("broken pipe")})

	w := NewSyncWorker(p.queue, p.sink, p.audit, nil)
	require.NoError(t, w.RunOnce(ctx))

	e, err := p.queue.Get(ctx, "det-1")
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, e.Status)
	assert.Equal(t, 1, e.RetryCount)
	assert.True(t, e.NextAttempt.After(time.Now()), "backoff must defer the next attempt")

	// The immediate follow-up cycle must not re-claim a backed-off entry.
	require.NoError(t, w.RunOnce(ctx))
	e, err = p.queue.Get(ctx, "det-1")
	require.NoError(t, err)
	assert.Equal(t, 1, e.RetryCount)
}

func TestRunOnceParksPermanentRejection(t *testing.T) {
	ctx := context.Background()
	p := setupPipeline(t, queue.Config{})

	require.NoError(t, p.queue.Enqueue(ctx, "det-1", []byte("x")))
	p.sink.ScriptErrors(&sink.PermanentError{Err: errors.New("schema rejected")})

	w := NewSyncWorker(p.queue, p.sink, p.audit, nil)
	require.NoError(t, w.RunOnce(ctx))

	e, err := p.queue.Get(ctx, "det-1")
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailedPermanent, e.Status)

	failed, err := p.audit.CountByType(ctx, "det-1", audit.EventPermanentlyFailed)
	require.NoError(t, err)
	assert.Equal(t, 1, failed)
}

func TestRunOnceHonorsBatchSize(t *testing.T) {
	ctx := context.Background()
	p := setupPipeline(t, queue.Config{})

	for _, id := range []string{"det-1", "det-2", "det-3"} {
		require.NoError(t, p.queue.Enqueue(ctx, id, []byte("x")))
	}

	w := NewSyncWorker(p.queue, p.sink, p.audit, nil)
	w.BatchSize = 2
	require.NoError(t, w.RunOnce(ctx))

	assert.Equal(t, 2, p.sink.SentCount())
	n, err := p.queue.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStopReturnsHeldClaims(t *testing.T) {
	ctx := context.Background()
	p := setupPipeline(t, queue.Config{})

	require.NoError(t, p.queue.Enqueue(ctx, "det-1", []byte("x")))
	entries, err := p.queue.ClaimBatch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	w := NewSyncWorker(p.queue, p.sink, p.audit, nil)
	w.Start()
	w.Stop()
	w.Stop() // idempotent

	e, err := p.queue.Get(ctx, "det-1")
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, e.Status, "shutdown must leave nothing in flight")
}
