// Package queue is the durable store of encoded detections awaiting
// delivery. Entries survive process restarts; status transitions are
// compare-and-swap style UPDATEs guarded by the current status, so two
// concurrent sync cycles can never claim the same entry. Every transition
// commits together with its audit row in one transaction.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fieldsight/takrelay/internal/audit"
	"github.com/fieldsight/takrelay/internal/monitoring"
)

// Status is the delivery state of a queue entry.
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusInFlight        Status = "IN_FLIGHT"
	StatusFailedPermanent Status = "FAILED_PERMANENT"
)

// ErrQueueFull is returned synchronously when the queue is at capacity so
// the ingestion caller can apply backpressure.
var ErrQueueFull = errors.New("delivery queue is full")

// ErrNotInFlight is returned when an ack/nack targets an entry that is not
// currently claimed, e.g. after a stale-claim reclaim raced the worker.
var ErrNotInFlight = errors.New("entry is not in flight")

// ErrNotFound is returned when an entry does not exist.
var ErrNotFound = errors.New("queue entry not found")

// Defaults mirror the relay configuration fallbacks.
const (
	DefaultMaxSize      = 10000
	DefaultRetryCeiling = 5
	DefaultStaleClaim   = 5 * time.Minute
	DefaultBackoffBase  = 30 * time.Second
	DefaultBackoffMax   = 15 * time.Minute
)

// Entry is one queued detection with its delivery bookkeeping.
type Entry struct {
	DetectionID string
	Payload     []byte
	Status      Status
	RetryCount  int
	BatchID     string
	EnqueuedAt  time.Time
	ClaimedAt   time.Time
	LastAttempt time.Time
	NextAttempt time.Time
	LastError   string
}

// Config bounds queue capacity and retry behavior.
type Config struct {
	MaxSize      int
	RetryCeiling int
	StaleClaim   time.Duration
	BackoffBase  time.Duration
	BackoffMax   time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxSize <= 0 {
		c.MaxSize = DefaultMaxSize
	}
	if c.RetryCeiling <= 0 {
		c.RetryCeiling = DefaultRetryCeiling
	}
	if c.StaleClaim <= 0 {
		c.StaleClaim = DefaultStaleClaim
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = DefaultBackoffMax
	}
	return c
}

// Queue provides durable enqueue/claim/ack operations over the shared
// relay database.
type Queue struct {
	db    *sql.DB
	audit *audit.Log
	cfg   Config

	now func() time.Time
}

// New creates a queue over the shared database. audit rows for transitions
// are written through log in the same transaction as the transition itself.
func New(db *sql.DB, log *audit.Log, cfg Config) *Queue {
	return &Queue{db: db, audit: log, cfg: cfg.withDefaults(), now: time.Now}
}

// RetryCeiling exposes the configured ceiling for callers reporting alerts.
func (q *Queue) RetryCeiling() int { return q.cfg.RetryCeiling }

// Enqueue durably persists an encoded detection as PENDING. The write has
// committed to storage before Enqueue returns; a crash immediately after a
// successful call cannot lose the entry. Fails with ErrQueueFull beyond the
// configured capacity.
func (q *Queue) Enqueue(ctx context.Context, detectionID string, payload []byte) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("enqueue begin: %w", err)
	}
	defer rollback(tx)

	var active int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM delivery_queue WHERE status IN (?, ?)`,
		string(StatusPending), string(StatusInFlight),
	).Scan(&active); err != nil {
		return fmt.Errorf("enqueue count: %w", err)
	}
	if active >= q.cfg.MaxSize {
		return ErrQueueFull
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO delivery_queue (detection_id, payload, status, enqueued_unix) VALUES (?, ?, ?, ?)`,
		detectionID, payload, string(StatusPending), unix(q.now()),
	); err != nil {
		return fmt.Errorf("enqueue insert %s: %w", detectionID, err)
	}

	if err := q.audit.AppendTx(ctx, tx, detectionID, audit.EventEnqueued, ""); err != nil {
		return err
	}
	return tx.Commit()
}

// ClaimBatch atomically transitions up to maxSize eligible PENDING entries
// to IN_FLIGHT under a fresh batch id and returns them oldest-first.
// Eligibility requires the persisted next-attempt time to have passed, so
// backoff state survives restarts. Claims are exclusive: concurrent calls
// never return overlapping entries.
func (q *Queue) ClaimBatch(ctx context.Context, maxSize int) ([]Entry, error) {
	if maxSize <= 0 {
		return nil, nil
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("claim begin: %w", err)
	}
	defer rollback(tx)

	batchID := uuid.New().String()
	now := unix(q.now())

	if _, err := tx.ExecContext(ctx, `
		UPDATE delivery_queue
		SET status = ?, batch_id = ?, claimed_unix = ?
		WHERE detection_id IN (
			SELECT detection_id FROM delivery_queue
			WHERE status = ? AND next_attempt_unix <= ?
			ORDER BY enqueued_unix
			LIMIT ?
		)`,
		string(StatusInFlight), batchID, now,
		string(StatusPending), now, maxSize,
	); err != nil {
		return nil, fmt.Errorf("claim update: %w", err)
	}

	entries, err := scanEntries(tx.QueryContext(ctx,
		selectEntry+` WHERE batch_id = ? AND status = ? ORDER BY enqueued_unix`,
		batchID, string(StatusInFlight),
	))
	if err != nil {
		return nil, fmt.Errorf("claim select: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return entries, nil
}

// MarkDelivered removes a claimed entry after writing its delivered audit
// row; both happen in one transaction so the entry is never gone before the
// delivery is durably recorded.
func (q *Queue) MarkDelivered(ctx context.Context, detectionID string) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("deliver begin: %w", err)
	}
	defer rollback(tx)

	if err := q.audit.AppendTx(ctx, tx, detectionID, audit.EventDelivered, ""); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM delivery_queue WHERE detection_id = ? AND status = ?`,
		detectionID, string(StatusInFlight),
	)
	if err != nil {
		return fmt.Errorf("deliver delete %s: %w", detectionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotInFlight
	}
	return tx.Commit()
}

// MarkFailed records a failed delivery attempt. Transient failures return
// the entry to PENDING with an incremented retry count and a persisted
// exponential-backoff next-attempt time; hitting the retry ceiling, or a
// permanent sink rejection, moves it to FAILED_PERMANENT for manual
// intervention. Returns the resulting status.
func (q *Queue) MarkFailed(ctx context.Context, detectionID string, cause error, permanent bool) (Status, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("fail begin: %w", err)
	}
	defer rollback(tx)

	var retry int
	var status string
	err = tx.QueryRowContext(ctx,
		`SELECT retry_count, status FROM delivery_queue WHERE detection_id = ?`,
		detectionID,
	).Scan(&retry, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("fail read %s: %w", detectionID, err)
	}
	if Status(status) != StatusInFlight {
		return "", ErrNotInFlight
	}

	retry++
	detail := ""
	if cause != nil {
		detail = cause.Error()
	}
	now := q.now()

	next := StatusPending
	if permanent || retry >= q.cfg.RetryCeiling {
		next = StatusFailedPermanent
	}

	if next == StatusFailedPermanent {
		if _, err := tx.ExecContext(ctx, `
			UPDATE delivery_queue
			SET status = ?, retry_count = ?, last_attempt_unix = ?, last_error = ?, batch_id = NULL, claimed_unix = NULL
			WHERE detection_id = ?`,
			string(StatusFailedPermanent), retry, unix(now), detail, detectionID,
		); err != nil {
			return "", fmt.Errorf("fail update %s: %w", detectionID, err)
		}
		if err := q.audit.AppendTx(ctx, tx, detectionID, audit.EventPermanentlyFailed, detail); err != nil {
			return "", err
		}
	} else {
		nextAttempt := now.Add(q.backoff(retry))
		if _, err := tx.ExecContext(ctx, `
			UPDATE delivery_queue
			SET status = ?, retry_count = ?, last_attempt_unix = ?, next_attempt_unix = ?, last_error = ?, batch_id = NULL, claimed_unix = NULL
			WHERE detection_id = ?`,
			string(StatusPending), retry, unix(now), unix(nextAttempt), detail, detectionID,
		); err != nil {
			return "", fmt.Errorf("fail update %s: %w", detectionID, err)
		}
		if err := q.audit.AppendTx(ctx, tx, detectionID, audit.EventDeliveryFailed,
			fmt.Sprintf("retry %d/%d: %s", retry, q.cfg.RetryCeiling, detail)); err != nil {
			return "", err
		}
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return next, nil
}

// MarkPermanentlyFailed parks a PENDING entry as FAILED_PERMANENT without a
// further attempt. Used when the sink explicitly rejected the message on the
// immediate attempt: the entry stays on record for manual intervention
// instead of burning retries. Returns the resulting status.
func (q *Queue) MarkPermanentlyFailed(ctx context.Context, detectionID string, cause error) (Status, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("park begin: %w", err)
	}
	defer rollback(tx)

	detail := ""
	if cause != nil {
		detail = cause.Error()
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE delivery_queue
		SET status = ?, last_attempt_unix = ?, last_error = ?
		WHERE detection_id = ? AND status = ?`,
		string(StatusFailedPermanent), unix(q.now()), detail,
		detectionID, string(StatusPending),
	)
	if err != nil {
		return "", fmt.Errorf("park update %s: %w", detectionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", ErrNotFound
	}
	if err := q.audit.AppendTx(ctx, tx, detectionID, audit.EventPermanentlyFailed, detail); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return StatusFailedPermanent, nil
}

// Size returns the number of entries pending or in flight.
func (q *Queue) Size(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM delivery_queue WHERE status IN (?, ?)`,
		string(StatusPending), string(StatusInFlight),
	).Scan(&n)
	return n, err
}

// PendingOlderThan returns PENDING entries enqueued before now-age,
// oldest-first. Operators use this to spot staleness building up.
func (q *Queue) PendingOlderThan(ctx context.Context, age time.Duration) ([]Entry, error) {
	cutoff := unix(q.now().Add(-age))
	return scanEntries(q.db.QueryContext(ctx,
		selectEntry+` WHERE status = ? AND enqueued_unix < ? ORDER BY enqueued_unix`,
		string(StatusPending), cutoff,
	))
}

// FailedPermanent lists entries awaiting manual intervention.
func (q *Queue) FailedPermanent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	return scanEntries(q.db.QueryContext(ctx,
		selectEntry+` WHERE status = ? ORDER BY enqueued_unix LIMIT ?`,
		string(StatusFailedPermanent), limit,
	))
}

// Get returns one entry by detection id.
func (q *Queue) Get(ctx context.Context, detectionID string) (*Entry, error) {
	entries, err := scanEntries(q.db.QueryContext(ctx,
		selectEntry+` WHERE detection_id = ?`, detectionID))
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrNotFound
	}
	return &entries[0], nil
}

// Requeue returns a FAILED_PERMANENT entry to PENDING with a reset retry
// count. The operator identity is recorded in the audit trail.
func (q *Queue) Requeue(ctx context.Context, detectionID, operator string) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("requeue begin: %w", err)
	}
	defer rollback(tx)

	res, err := tx.ExecContext(ctx, `
		UPDATE delivery_queue
		SET status = ?, retry_count = 0, next_attempt_unix = 0, last_error = NULL
		WHERE detection_id = ? AND status = ?`,
		string(StatusPending), detectionID, string(StatusFailedPermanent),
	)
	if err != nil {
		return fmt.Errorf("requeue update %s: %w", detectionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if err := q.audit.AppendTx(ctx, tx, detectionID, audit.EventManuallyReleased,
		fmt.Sprintf("requeued by %s", operator)); err != nil {
		return err
	}
	return tx.Commit()
}

// ReclaimStale returns IN_FLIGHT entries claimed longer than olderThan ago
// back to PENDING, covering workers that died mid-batch. Each reclaim is
// audited as a stale_claim_recovered event. Pass zero to reclaim every
// in-flight entry (shutdown path).
func (q *Queue) ReclaimStale(ctx context.Context, olderThan time.Duration) (int, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("reclaim begin: %w", err)
	}
	defer rollback(tx)

	cutoff := unix(q.now().Add(-olderThan))
	rows, err := tx.QueryContext(ctx,
		`SELECT detection_id FROM delivery_queue WHERE status = ? AND claimed_unix <= ?`,
		string(StatusInFlight), cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("reclaim select: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `
			UPDATE delivery_queue
			SET status = ?, batch_id = NULL, claimed_unix = NULL
			WHERE detection_id = ? AND status = ?`,
			string(StatusPending), id, string(StatusInFlight),
		); err != nil {
			return 0, fmt.Errorf("reclaim update %s: %w", id, err)
		}
		if err := q.audit.AppendTx(ctx, tx, id, audit.EventStaleClaimRecovered, ""); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// backoff is exponential from the base, doubling per retry, capped.
func (q *Queue) backoff(retry int) time.Duration {
	d := q.cfg.BackoffBase
	for i := 1; i < retry; i++ {
		d *= 2
		if d >= q.cfg.BackoffMax {
			return q.cfg.BackoffMax
		}
	}
	if d > q.cfg.BackoffMax {
		return q.cfg.BackoffMax
	}
	return d
}

const selectEntry = `
	SELECT detection_id, payload, status, retry_count, batch_id,
	       enqueued_unix, claimed_unix, last_attempt_unix, next_attempt_unix, last_error
	FROM delivery_queue`

func scanEntries(rows *sql.Rows, err error) ([]Entry, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e                      Entry
			status                 string
			batchID, lastErr       sql.NullString
			enqueued               float64
			claimed, last, nextAtt sql.NullFloat64
		)
		if err := rows.Scan(&e.DetectionID, &e.Payload, &status, &e.RetryCount, &batchID,
			&enqueued, &claimed, &last, &nextAtt, &lastErr); err != nil {
			return nil, err
		}
		e.Status = Status(status)
		e.BatchID = batchID.String
		e.LastError = lastErr.String
		e.EnqueuedAt = fromUnix(enqueued)
		if claimed.Valid {
			e.ClaimedAt = fromUnix(claimed.Float64)
		}
		if last.Valid {
			e.LastAttempt = fromUnix(last.Float64)
		}
		if nextAtt.Valid {
			e.NextAttempt = fromUnix(nextAtt.Float64)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		// ErrTxDone means the transaction already committed
		monitoring.Logf("warning: failed to rollback transaction: %v", err)
	}
}

func unix(t time.Time) float64 { return float64(t.UnixMicro()) / 1e6 }

func fromUnix(u float64) time.Time { return time.UnixMicro(int64(u * 1e6)).UTC() }
