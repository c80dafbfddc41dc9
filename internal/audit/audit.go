// Package audit is the append-only record of every detection's lifecycle.
// Rows are immutable once written: the store exposes append and read
// operations only, never update or single-row delete. The retention sweeper
// is the one exception, removing whole rows past the configured age.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// EventType identifies a lifecycle transition worth auditing.
type EventType string

const (
	EventReceived               EventType = "received"
	EventValidationFailed       EventType = "validation_failure"
	EventClassified             EventType = "classified"
	EventClassificationRejected EventType = "classification_rejected"
	EventEncoded                EventType = "encoded"
	EventEncodingFailed         EventType = "encoding_failure"
	EventEnqueued               EventType = "enqueued"
	EventDeliveryAttempted      EventType = "delivery_attempted"
	EventDelivered              EventType = "delivered"
	EventDeliveryFailed         EventType = "delivery_failed"
	EventPermanentlyFailed      EventType = "permanently_failed"
	EventManuallyReleased       EventType = "manually_released"
	EventStaleClaimRecovered    EventType = "stale_claim_recovered"
)

// Event is one audit row.
type Event struct {
	AuditID     int64
	DetectionID string
	Type        EventType
	Detail      string
	RecordedAt  time.Time
}

// Log provides append and read access to the audit table.
type Log struct {
	db *sql.DB

	now func() time.Time
}

// NewLog creates an audit log over the shared relay database.
func NewLog(db *sql.DB) *Log {
	return &Log{db: db, now: time.Now}
}

// Append writes one audit row in its own transaction.
func (l *Log) Append(ctx context.Context, detectionID string, typ EventType, detail string) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO audit_events (detection_id, event_type, detail, recorded_unix) VALUES (?, ?, ?, ?)`,
		detectionID, string(typ), detail, unix(l.now()),
	)
	if err != nil {
		return fmt.Errorf("append audit %s/%s: %w", detectionID, typ, err)
	}
	return nil
}

// AppendTx writes one audit row inside a caller-owned transaction. The queue
// uses this so a status transition and its audit row commit atomically.
func (l *Log) AppendTx(ctx context.Context, tx *sql.Tx, detectionID string, typ EventType, detail string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO audit_events (detection_id, event_type, detail, recorded_unix) VALUES (?, ?, ?, ?)`,
		detectionID, string(typ), detail, unix(l.now()),
	)
	if err != nil {
		return fmt.Errorf("append audit %s/%s: %w", detectionID, typ, err)
	}
	return nil
}

// History returns the audit trail for one detection, oldest first.
func (l *Log) History(ctx context.Context, detectionID string) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT audit_id, detection_id, event_type, detail, recorded_unix
		 FROM audit_events WHERE detection_id = ? ORDER BY audit_id`,
		detectionID,
	)
	if err != nil {
		return nil, fmt.Errorf("audit history %s: %w", detectionID, err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e        Event
			typ      string
			detail   sql.NullString
			recorded float64
		)
		if err := rows.Scan(&e.AuditID, &e.DetectionID, &typ, &detail, &recorded); err != nil {
			return nil, err
		}
		e.Type = EventType(typ)
		e.Detail = detail.String
		e.RecordedAt = fromUnix(recorded)
		events = append(events, e)
	}
	return events, rows.Err()
}

// CountByType returns how many rows of the given type exist for a detection.
func (l *Log) CountByType(ctx context.Context, detectionID string, typ EventType) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit_events WHERE detection_id = ? AND event_type = ?`,
		detectionID, string(typ),
	).Scan(&n)
	return n, err
}

// DeleteOlderThan removes rows recorded before the cutoff and returns how
// many were deleted. Only the retention sweeper calls this.
func (l *Log) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM audit_events WHERE recorded_unix < ?`, unix(cutoff))
	if err != nil {
		return 0, fmt.Errorf("audit retention delete: %w", err)
	}
	return res.RowsAffected()
}

func unix(t time.Time) float64 { return float64(t.UnixMicro()) / 1e6 }

func fromUnix(u float64) time.Time { return time.UnixMicro(int64(u * 1e6)).UTC() }
