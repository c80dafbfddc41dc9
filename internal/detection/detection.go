// Package detection defines the detection model consumed by the relay core
// and its semantic validation. Records arriving here are assumed to be
// structurally valid JSON from the ingestion boundary; validation re-checks
// the semantic bounds regardless of upstream trust.
package detection

import (
	"time"

	"github.com/google/uuid"
)

// Record is the normalized inbound shape produced by the ingestion layer.
// World coordinates are already computed; pixel-to-world conversion happens
// upstream (see Locator).
type Record struct {
	SensorID   string  `json:"sensor_id"`
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	ElevationM float64 `json:"elevation_m"`
	AccuracyM  float64 `json:"accuracy_m"`
	Confidence float64 `json:"confidence"`
	Class      string  `json:"class"`
	CapturedAt string  `json:"captured_at"` // RFC 3339
	Terrain    string  `json:"terrain,omitempty"`
	Remarks    string  `json:"remarks,omitempty"`
}

// Detection is one observed object instance with identity assigned at
// ingestion. The ID is immutable and carried through every downstream
// message so the sink can detect duplicate deliveries.
type Detection struct {
	ID         uuid.UUID
	SensorID   string
	Latitude   float64
	Longitude  float64
	ElevationM float64
	AccuracyM  float64
	Confidence float64
	Class      string
	CapturedAt time.Time
	Terrain    string
	Remarks    string
}

// Locator converts a sensor-frame observation into world coordinates with an
// accuracy radius in meters. Implementations must be side-effect free; the
// relay treats the math as a black box. An implementation that cannot
// resolve a position returns an error and the observation never becomes a
// Detection.
type Locator interface {
	Locate(pixelU, pixelV float64, sensorID string) (lat, lon, elevationM, accuracyM float64, err error)
}

// FromRecord assigns identity to a normalized record and parses its
// timestamp. Semantic validation is a separate step (Validate); FromRecord
// only fails on an unparseable timestamp.
func FromRecord(r Record) (*Detection, error) {
	ts, err := time.Parse(time.RFC3339, r.CapturedAt)
	if err != nil {
		return nil, &ValidationError{Reason: ReasonBadTimestamp, Detail: err.Error()}
	}
	return &Detection{
		ID:         uuid.New(),
		SensorID:   r.SensorID,
		Latitude:   r.Latitude,
		Longitude:  r.Longitude,
		ElevationM: r.ElevationM,
		AccuracyM:  r.AccuracyM,
		Confidence: r.Confidence,
		Class:      r.Class,
		CapturedAt: ts.UTC(),
		Terrain:    r.Terrain,
		Remarks:    r.Remarks,
	}, nil
}
