// Package hold stores detections withheld from delivery for manual review:
// REJECTED classifications and encoding faults. Holds are never silently
// dropped; an operator either releases one back into the pipeline or leaves
// it on record.
package hold

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fieldsight/takrelay/internal/detection"
)

// Reason a detection was held.
const (
	ReasonClassificationRejected = "classification_rejected"
	ReasonEncodingFailed         = "encoding_failed"
)

// ErrNotFound is returned when no open hold exists for the detection.
var ErrNotFound = errors.New("review hold not found")

// Hold is one held detection.
type Hold struct {
	DetectionID string
	Detection   detection.Detection
	Reason      string
	Detail      string
	HeldAt      time.Time
	ReleasedBy  string
	ReleasedAt  time.Time
}

// Store persists review holds in the shared relay database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a hold store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Put records a hold for a detection. The full detection is serialized so a
// later release can re-run the pipeline without the original ingest payload.
func (s *Store) Put(ctx context.Context, d *detection.Detection, reason, detail string) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("hold marshal %s: %w", d.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO review_holds (detection_id, detection_json, reason, detail, held_unix)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(detection_id) DO UPDATE SET
			detection_json = excluded.detection_json,
			reason = excluded.reason,
			detail = excluded.detail,
			held_unix = excluded.held_unix`,
		d.ID.String(), string(raw), reason, detail, float64(s.now().UnixMicro())/1e6,
	)
	if err != nil {
		return fmt.Errorf("hold insert %s: %w", d.ID, err)
	}
	return nil
}

// Open lists unreleased holds, oldest first.
func (s *Store) Open(ctx context.Context, limit int) ([]Hold, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT detection_id, detection_json, reason, detail, held_unix
		FROM review_holds WHERE released_unix IS NULL
		ORDER BY held_unix LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("holds list: %w", err)
	}
	defer rows.Close()

	var holds []Hold
	for rows.Next() {
		var (
			h      Hold
			raw    string
			detail sql.NullString
			held   float64
		)
		if err := rows.Scan(&h.DetectionID, &raw, &h.Reason, &detail, &held); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(raw), &h.Detection); err != nil {
			return nil, fmt.Errorf("hold unmarshal %s: %w", h.DetectionID, err)
		}
		h.Detail = detail.String
		h.HeldAt = time.UnixMicro(int64(held * 1e6)).UTC()
		holds = append(holds, h)
	}
	return holds, rows.Err()
}

// CountOpen returns the number of unreleased holds.
func (s *Store) CountOpen(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM review_holds WHERE released_unix IS NULL`).Scan(&n)
	return n, err
}

// Release marks an open hold as released by an operator and returns the
// stored detection so the caller can feed it back into the pipeline.
func (s *Store) Release(ctx context.Context, detectionID, operator string) (*detection.Detection, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT detection_json FROM review_holds WHERE detection_id = ? AND released_unix IS NULL`,
		detectionID,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("hold read %s: %w", detectionID, err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE review_holds SET released_by = ?, released_unix = ?
		WHERE detection_id = ? AND released_unix IS NULL`,
		operator, float64(s.now().UnixMicro())/1e6, detectionID,
	)
	if err != nil {
		return nil, fmt.Errorf("hold release %s: %w", detectionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}

	var d detection.Detection
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return nil, fmt.Errorf("hold unmarshal %s: %w", detectionID, err)
	}
	return &d, nil
}
