package detection

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

var validateNow = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

func validDetection() *Detection {
	return &Detection{
		ID:         uuid.New(),
		SensorID:   "CAM-ALPHA-02",
		Latitude:   48.15832,
		Longitude:  37.74219,
		ElevationM: 182.5,
		AccuracyM:  45,
		Confidence: 0.85,
		Class:      "vehicle",
		CapturedAt: validateNow.Add(-30 * time.Second),
		Terrain:    "sea_level",
	}
}

func TestValidateAcceptsGoodDetection(t *testing.T) {
	if err := validDetection().Validate(validateNow, DefaultClockSkew); err != nil {
		t.Fatalf("valid detection rejected: %v", err)
	}
}

func TestValidateReasonCodes(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Detection)
		reason string
	}{
		{"latitude far out of range", func(d *Detection) { d.Latitude = 500 }, ReasonBadLatitude},
		{"latitude just below range", func(d *Detection) { d.Latitude = -90.0001 }, ReasonBadLatitude},
		{"longitude out of range", func(d *Detection) { d.Longitude = 181 }, ReasonBadLongitude},
		{"negative accuracy", func(d *Detection) { d.AccuracyM = -1 }, ReasonBadAccuracy},
		{"confidence above one", func(d *Detection) { d.Confidence = 1.01 }, ReasonBadConfidence},
		{"confidence below zero", func(d *Detection) { d.Confidence = -0.1 }, ReasonBadConfidence},
		{"empty class", func(d *Detection) { d.Class = "" }, ReasonBadClass},
		{"uppercase class", func(d *Detection) { d.Class = "Vehicle" }, ReasonBadClass},
		{"class with spaces", func(d *Detection) { d.Class = "armored car" }, ReasonBadClass},
		{"class too long", func(d *Detection) { d.Class = strings.Repeat("a", MaxClassLen+1) }, ReasonBadClass},
		{"remarks too long", func(d *Detection) { d.Remarks = strings.Repeat("x", MaxRemarksLen+1) }, ReasonBadRemarks},
		{"capture beyond skew", func(d *Detection) { d.CapturedAt = validateNow.Add(3 * time.Minute) }, ReasonFutureCapture},
		{"missing sensor id", func(d *Detection) { d.SensorID = "" }, ReasonNoSensor},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := validDetection()
			tt.mutate(d)
			err := d.Validate(validateNow, DefaultClockSkew)
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

func TestValidateBoundaryValues(t *testing.T) {
	d := validDetection()
	d.Latitude = 90
	d.Longitude = -180
	d.AccuracyM = 0
	d.Confidence = 1
	if err := d.Validate(validateNow, DefaultClockSkew); err != nil {
		t.Fatalf("boundary values must be accepted: %v", err)
	}

	// Capture within the skew window is tolerated.
	d.CapturedAt = validateNow.Add(90 * time.Second)
	if err := d.Validate(validateNow, DefaultClockSkew); err != nil {
		t.Fatalf("capture within skew rejected: %v", err)
	}
}

func TestFromRecord(t *testing.T) {
	r := Record{
		SensorID:   "CAM-ALPHA-02",
		Latitude:   48.15832,
		Longitude:  37.74219,
		AccuracyM:  45,
		Confidence: 0.85,
		Class:      "vehicle",
		CapturedAt: "2026-03-14T09:30:00+02:00",
	}
	d, err := FromRecord(r)
	if err != nil {
		t.Fatalf("FromRecord: %v", err)
	}
	if d.ID == uuid.Nil {
		t.Error("identity was not assigned")
	}
	if got := d.CapturedAt; !got.Equal(time.Date(2026, 3, 14, 7, 30, 0, 0, time.UTC)) {
		t.Errorf("timestamp not normalized to UTC: %v", got)
	}

	r.CapturedAt = "yesterday around noon"
	_, err = FromRecord(r)
	var vErr *ValidationError
	if !errors.As(err, &vErr) || vErr.Reason != ReasonBadTimestamp {
		t.Errorf("unparseable timestamp: got %v, want reason %s", err, ReasonBadTimestamp)
	}
}

func TestFromRecordAssignsDistinctIDs(t *testing.T) {
	r := Record{SensorID: "s", Latitude: 1, Longitude: 1, AccuracyM: 1,
		Confidence: 0.5, Class: "person", CapturedAt: "2026-03-14T09:30:00Z"}
	a, err := FromRecord(r)
	if err != nil {
		t.Fatal(err)
	}
	b, err := FromRecord(r)
	if err != nil {
		t.Fatal(err)
	}
	if a.ID == b.ID {
		t.Error("two ingestions of the same record must get distinct identities")
	}
}
