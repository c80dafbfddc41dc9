// Package dispatch coordinates the detection pipeline: validation,
// classification, protocol encoding, immediate delivery and durable
// queueing. Classification and encoding are pure, so concurrent Process
// calls are safe; the queue serializes its own transitions internally.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fieldsight/takrelay/internal/audit"
	"github.com/fieldsight/takrelay/internal/classify"
	"github.com/fieldsight/takrelay/internal/cot"
	"github.com/fieldsight/takrelay/internal/detection"
	"github.com/fieldsight/takrelay/internal/hold"
	"github.com/fieldsight/takrelay/internal/monitoring"
	"github.com/fieldsight/takrelay/internal/queue"
	"github.com/fieldsight/takrelay/internal/sink"
)

// State is the terminal pipeline state reported to the ingestion caller.
type State string

const (
	// StateDelivered: immediate delivery acknowledged.
	StateDelivered State = "DELIVERED"
	// StateQueued: delivery failed, entry durably queued for sync.
	StateQueued State = "QUEUED"
	// StateRejectedValidation: terminal validation fault, nothing queued.
	StateRejectedValidation State = "REJECTED_VALIDATION"
	// StateHeldClassification: REJECTED tier, held for manual review.
	StateHeldClassification State = "HELD_CLASSIFICATION"
	// StateHeldEncoding: data-quality fault in the encoder, held.
	StateHeldEncoding State = "HELD_ENCODING"
	// StateFailedPermanent: the sink explicitly rejected the message.
	StateFailedPermanent State = "FAILED_PERMANENT"
)

// Outcome is the synchronous result of processing one detection. The caller
// always receives one of: delivered, queued acknowledgment, or a rejection
// with a reason code. Never a silent drop, never an unbounded wait.
type Outcome struct {
	State          State
	Reason         string
	Classification classify.Classification
	Message        *cot.Message
}

// DefaultSendTimeout bounds the immediate delivery attempt so ingestion
// latency is independent of network health.
const DefaultSendTimeout = 5 * time.Second

// Dispatcher is the pipeline orchestrator.
type Dispatcher struct {
	Classifier *classify.Table
	Encoder    *cot.Encoder
	Queue      *queue.Queue
	Holds      *hold.Store
	Audit      *audit.Log
	Sink       sink.Sink
	Metrics    *monitoring.Metrics

	SendTimeout time.Duration
	ClockSkew   time.Duration

	now func() time.Time
}

// New wires a dispatcher. Zero timeouts fall back to defaults.
func New(cls *classify.Table, enc *cot.Encoder, q *queue.Queue, holds *hold.Store,
	log *audit.Log, snk sink.Sink, metrics *monitoring.Metrics) *Dispatcher {
	return &Dispatcher{
		Classifier:  cls,
		Encoder:     enc,
		Queue:       q,
		Holds:       holds,
		Audit:       log,
		Sink:        snk,
		Metrics:     metrics,
		SendTimeout: DefaultSendTimeout,
		ClockSkew:   detection.DefaultClockSkew,
		now:         time.Now,
	}
}

// Process runs one detection through the pipeline. Validation faults and
// held classifications are reported in the Outcome, not as errors; a non-nil
// error means infrastructure failed (queue write, audit write) and the
// caller must treat the detection as not accepted.
func (d *Dispatcher) Process(ctx context.Context, det *detection.Detection) (*Outcome, error) {
	return d.process(ctx, det, false)
}

func (d *Dispatcher) process(ctx context.Context, det *detection.Detection, released bool) (*Outcome, error) {
	id := det.ID.String()

	if err := d.Audit.Append(ctx, id, audit.EventReceived, "sensor "+det.SensorID); err != nil {
		return nil, err
	}

	// RECEIVED -> VALIDATED
	if verr := det.Validate(d.now(), d.ClockSkew); verr != nil {
		var ve *detection.ValidationError
		reason := verr.Error()
		if errors.As(verr, &ve) {
			reason = ve.Reason
		}
		if err := d.Audit.Append(ctx, id, audit.EventValidationFailed, verr.Error()); err != nil {
			return nil, err
		}
		d.Metrics.IncReceived("rejected_validation")
		return &Outcome{State: StateRejectedValidation, Reason: reason}, nil
	}

	// VALIDATED -> CLASSIFIED
	cls := d.Classifier.Classify(det.AccuracyM, det.Confidence, det.Terrain)
	if err := d.Audit.Append(ctx, id, audit.EventClassified,
		fmt.Sprintf("tier=%s accuracy=%.1fm confidence=%.2f terrain=%s", cls.Tier, cls.AccuracyM, cls.Confidence, cls.Terrain)); err != nil {
		return nil, err
	}

	// A REJECTED tier is a valid outcome, not an error: hold for manual
	// review instead of delivering. A manual release overrides the block
	// and delivers with the red marker visible.
	if cls.Tier == classify.TierRejected && !released {
		if err := d.Holds.Put(ctx, det, hold.ReasonClassificationRejected,
			fmt.Sprintf("accuracy=%.1fm confidence=%.2f", cls.AccuracyM, cls.Confidence)); err != nil {
			return nil, err
		}
		if err := d.Audit.Append(ctx, id, audit.EventClassificationRejected, ""); err != nil {
			return nil, err
		}
		d.Metrics.IncReceived("held_classification")
		d.refreshHoldGauge(ctx)
		return &Outcome{State: StateHeldClassification, Classification: cls}, nil
	}

	// CLASSIFIED -> ENCODED. Encoding faults are data-quality faults:
	// audited and held, never retried.
	msg, err := d.Encoder.Encode(det, cls)
	if err != nil {
		var ee *cot.EncodingError
		if errors.As(err, &ee) {
			if herr := d.Holds.Put(ctx, det, hold.ReasonEncodingFailed, ee.Error()); herr != nil {
				return nil, herr
			}
			if aerr := d.Audit.Append(ctx, id, audit.EventEncodingFailed, ee.Error()); aerr != nil {
				return nil, aerr
			}
			d.Metrics.IncReceived("held_encoding")
			d.refreshHoldGauge(ctx)
			return &Outcome{State: StateHeldEncoding, Reason: ee.Error(), Classification: cls}, nil
		}
		return nil, err
	}
	if err := d.Audit.Append(ctx, id, audit.EventEncoded, "type "+msg.Type); err != nil {
		return nil, err
	}

	// ENCODED -> immediate delivery attempt with a short timeout.
	if err := d.Audit.Append(ctx, id, audit.EventDeliveryAttempted, "immediate"); err != nil {
		return nil, err
	}
	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout())
	sendErr := d.Sink.Send(sendCtx, msg)
	cancel()

	if sendErr == nil {
		if err := d.Audit.Append(ctx, id, audit.EventDelivered, "immediate"); err != nil {
			return nil, err
		}
		d.Metrics.IncReceived("delivered")
		d.Metrics.IncDelivery("ok")
		return &Outcome{State: StateDelivered, Classification: cls, Message: msg}, nil
	}

	// Delivery failed: persist before acknowledging so the detection is
	// never lost. Queue failures here are loudly surfaced to the caller;
	// proceeding without durability would be worse than failing.
	d.Metrics.IncDelivery("error")
	if err := d.Queue.Enqueue(ctx, id, msg.XML); err != nil {
		return nil, err
	}
	d.refreshQueueGauge(ctx)

	// A permanent rejection is terminal after this single attempt: park the
	// entry for manual intervention instead of futile retries.
	if sink.IsPermanent(sendErr) {
		if _, err := d.Queue.MarkPermanentlyFailed(ctx, id, sendErr); err != nil {
			return nil, err
		}
		d.Metrics.IncPermanentFailure()
		monitoring.Logf("ALERT: sink permanently rejected detection %s: %v", id, sendErr)
		return &Outcome{State: StateFailedPermanent, Reason: sendErr.Error(), Classification: cls}, nil
	}

	monitoring.Logf("delivery of %s deferred to sync: %v", id, sendErr)
	d.Metrics.IncReceived("queued")
	return &Outcome{State: StateQueued, Classification: cls, Message: msg}, nil
}

// Release lets an operator push a held detection through the pipeline,
// overriding the classification block. The override is audited before
// reprocessing starts.
func (d *Dispatcher) Release(ctx context.Context, detectionID, operator string) (*Outcome, error) {
	det, err := d.Holds.Release(ctx, detectionID, operator)
	if err != nil {
		return nil, err
	}
	if err := d.Audit.Append(ctx, detectionID, audit.EventManuallyReleased, "by "+operator); err != nil {
		return nil, err
	}
	d.refreshHoldGauge(ctx)
	return d.process(ctx, det, true)
}

func (d *Dispatcher) sendTimeout() time.Duration {
	if d.SendTimeout <= 0 {
		return DefaultSendTimeout
	}
	return d.SendTimeout
}

func (d *Dispatcher) refreshQueueGauge(ctx context.Context) {
	if n, err := d.Queue.Size(ctx); err == nil {
		d.Metrics.SetQueueDepth(n)
	}
}

func (d *Dispatcher) refreshHoldGauge(ctx context.Context) {
	if n, err := d.Holds.CountOpen(ctx); err == nil {
		d.Metrics.SetHoldsOpen(n)
	}
}
