package detection

import (
	"errors"
	"testing"
)

func TestCheckRecordJSON(t *testing.T) {
	good := []byte(`{
		"sensor_id": "CAM-ALPHA-02",
		"latitude": 48.15832,
		"longitude": 37.74219,
		"accuracy_m": 45,
		"confidence": 0.85,
		"class": "vehicle",
		"captured_at": "2026-03-14T09:30:00Z"
	}`)
	if err := CheckRecordJSON(good); err != nil {
		t.Fatalf("well-formed record rejected: %v", err)
	}
}

func TestCheckRecordJSONViolations(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		reason string
	}{
		{"not json at all", `<detection/>`, "malformed_json"},
		{"truncated payload", `{"sensor_id": "x"`, "malformed_json"},
		{"missing required fields", `{"sensor_id": "x"}`, "schema_violation"},
		{"wrong field type", `{"sensor_id": "x", "latitude": "48", "longitude": 37,
			"accuracy_m": 45, "confidence": 0.8, "class": "vehicle",
			"captured_at": "2026-03-14T09:30:00Z"}`, "schema_violation"},
		{"unknown extra field", `{"sensor_id": "x", "latitude": 48, "longitude": 37,
			"accuracy_m": 45, "confidence": 0.8, "class": "vehicle",
			"captured_at": "2026-03-14T09:30:00Z", "velocity": 12}`, "schema_violation"},
		{"empty sensor id", `{"sensor_id": "", "latitude": 48, "longitude": 37,
			"accuracy_m": 45, "confidence": 0.8, "class": "vehicle",
			"captured_at": "2026-03-14T09:30:00Z"}`, "schema_violation"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckRecordJSON([]byte(tt.raw))
			var vErr *ValidationError
			if !errors.As(err, &vErr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if vErr.Reason != tt.reason {
				t.Errorf("reason = %s, want %s", vErr.Reason, tt.reason)
			}
		})
	}
}
