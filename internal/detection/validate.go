package detection

import (
	"fmt"
	"time"
	"unicode"
)

// Validation limits. Class labels are restricted to a charset that is safe
// to embed in CoT type lookups and log lines.
const (
	MaxClassLen   = 64
	MaxRemarksLen = 2048

	// DefaultClockSkew is how far in the future a capture timestamp may sit
	// before the detection is rejected.
	DefaultClockSkew = 2 * time.Minute
)

// Reason codes surfaced to the ingestion caller on rejection.
const (
	ReasonBadLatitude   = "latitude_out_of_range"
	ReasonBadLongitude  = "longitude_out_of_range"
	ReasonBadAccuracy   = "negative_accuracy"
	ReasonBadConfidence = "confidence_out_of_range"
	ReasonBadClass      = "invalid_class_label"
	ReasonBadRemarks    = "remarks_too_long"
	ReasonBadTimestamp  = "invalid_timestamp"
	ReasonFutureCapture = "capture_in_future"
	ReasonNoSensor      = "missing_sensor_id"
)

// ValidationError is a terminal fault: the detection is ineligible for
// classification and must never be coerced into range.
type ValidationError struct {
	Reason string
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("invalid detection: %s", e.Reason)
	}
	return fmt.Sprintf("invalid detection: %s (%s)", e.Reason, e.Detail)
}

// Validate re-checks semantic bounds on a detection. now is injected so the
// clock-skew check is testable.
func (d *Detection) Validate(now time.Time, clockSkew time.Duration) error {
	if d.SensorID == "" {
		return &ValidationError{Reason: ReasonNoSensor}
	}
	if d.Latitude < -90 || d.Latitude > 90 {
		return &ValidationError{Reason: ReasonBadLatitude, Detail: fmt.Sprintf("lat=%v", d.Latitude)}
	}
	if d.Longitude < -180 || d.Longitude > 180 {
		return &ValidationError{Reason: ReasonBadLongitude, Detail: fmt.Sprintf("lon=%v", d.Longitude)}
	}
	if d.AccuracyM < 0 {
		return &ValidationError{Reason: ReasonBadAccuracy, Detail: fmt.Sprintf("accuracy=%v", d.AccuracyM)}
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return &ValidationError{Reason: ReasonBadConfidence, Detail: fmt.Sprintf("confidence=%v", d.Confidence)}
	}
	if d.Class == "" || len(d.Class) > MaxClassLen || !validClassLabel(d.Class) {
		return &ValidationError{Reason: ReasonBadClass, Detail: d.Class}
	}
	if len(d.Remarks) > MaxRemarksLen {
		return &ValidationError{Reason: ReasonBadRemarks, Detail: fmt.Sprintf("%d bytes", len(d.Remarks))}
	}
	if d.CapturedAt.After(now.Add(clockSkew)) {
		return &ValidationError{Reason: ReasonFutureCapture, Detail: d.CapturedAt.Format(time.RFC3339)}
	}
	return nil
}

// validClassLabel allows lowercase letters, digits, underscore and hyphen.
func validClassLabel(s string) bool {
	for _, r := range s {
		switch {
		case unicode.IsLower(r), unicode.IsDigit(r), r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}
