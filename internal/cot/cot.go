// Package cot encodes classified detections as Cursor-on-Target event XML.
// Encoding is a pure function of (detection, classification) except for the
// event "time" attribute, which is stamped with the encoder clock at encode
// time; "start" and "stale" derive from the capture timestamp so the
// validity window is deterministic.
package cot

import (
	"encoding/xml"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fieldsight/takrelay/internal/classify"
	"github.com/fieldsight/takrelay/internal/detection"
)

// DefaultStaleAfter is the validity window applied after the capture
// timestamp when the encoder is not configured otherwise.
const DefaultStaleAfter = 5 * time.Minute

// linearErrorUnknown is the CoT convention for "no vertical accuracy known".
const linearErrorUnknown = 9999999.0

// cotTimeFormat is the millisecond-precision RFC 3339 layout TAK servers expect.
const cotTimeFormat = "2006-01-02T15:04:05.000Z"

// typeCodes maps object-class labels to CoT type atoms. Unknown classes map
// to TypeUnknown rather than failing the encode.
var typeCodes = map[string]string{
	"person":   "a-u-G-U-C",
	"vehicle":  "a-u-G-E-V",
	"car":      "a-u-G-E-V-C",
	"truck":    "a-u-G-E-V-T",
	"boat":     "a-u-S-X-M",
	"aircraft": "a-u-A-M-F",
	"drone":    "a-u-A-M-F-Q",
}

// TypeUnknown is the generic ground-unknown atom used for unmapped classes.
const TypeUnknown = "a-u-G"

// argbColors maps classification tiers to TAK display colors (signed ARGB).
var argbColors = map[classify.Tier]string{
	classify.TierTrusted:  "-16711936", // green
	classify.TierCaution:  "-256",      // yellow
	classify.TierRejected: "-65536",    // red, only reachable via manual release
}

// EncodingError is a terminal data-quality fault: the input cannot be
// represented in the protocol and retrying will not fix it.
type EncodingError struct {
	Field  string
	Detail string
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("cot encode: field %s: %s", e.Field, e.Detail)
}

// Message is a complete, self-contained CoT event ready for delivery. UID is
// the stable detection identity; retransmissions of the same detection carry
// the same UID so the sink can deduplicate.
type Message struct {
	UID      string
	Type     string
	Time     time.Time
	Start    time.Time
	Stale    time.Time
	Lat      float64
	Lon      float64
	HAE      float64
	CE       float64
	Color    string
	Callsign string
	Remarks  string
	XML      []byte
}

type cotPoint struct {
	Lat float64 `xml:"lat,attr"`
	Lon float64 `xml:"lon,attr"`
	Hae float64 `xml:"hae,attr"`
	Ce  float64 `xml:"ce,attr"`
	Le  float64 `xml:"le,attr"`
}

type cotContact struct {
	Callsign string `xml:"callsign,attr"`
}

type cotLink struct {
	UID      string `xml:"uid,attr"`
	Relation string `xml:"relation,attr"`
	Type     string `xml:"type,attr"`
}

type cotColor struct {
	Argb string `xml:"argb,attr"`
}

type cotDetail struct {
	Contact cotContact `xml:"contact"`
	Link    cotLink    `xml:"link"`
	Color   cotColor   `xml:"color"`
	Remarks string     `xml:"remarks,omitempty"`
}

type cotEvent struct {
	XMLName xml.Name  `xml:"event"`
	Version string    `xml:"version,attr"`
	UID     string    `xml:"uid,attr"`
	Type    string    `xml:"type,attr"`
	Time    string    `xml:"time,attr"`
	Start   string    `xml:"start,attr"`
	Stale   string    `xml:"stale,attr"`
	How     string    `xml:"how,attr"`
	Point   cotPoint  `xml:"point"`
	Detail  cotDetail `xml:"detail"`
}

// Encoder builds CoT messages. The zero value is not usable; call NewEncoder.
type Encoder struct {
	StaleAfter time.Duration
	Now        func() time.Time
}

// NewEncoder returns an encoder with the given stale window. A non-positive
// window falls back to DefaultStaleAfter.
func NewEncoder(staleAfter time.Duration) *Encoder {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Encoder{StaleAfter: staleAfter, Now: time.Now}
}

// TypeCode resolves an object-class label to its CoT type atom.
func TypeCode(class string) string {
	if t, ok := typeCodes[class]; ok {
		return t
	}
	return TypeUnknown
}

// ColorFor resolves a classification tier to its ARGB display color.
func ColorFor(tier classify.Tier) string {
	return argbColors[tier]
}

// Encode builds the outbound event for a classified detection. It fails with
// an EncodingError if a required field is missing or a text field contains
// characters that cannot appear in XML even when escaped. Markup-significant
// characters in remarks and callsigns are escaped by the XML marshaller,
// never interpolated raw.
func (e *Encoder) Encode(d *detection.Detection, c classify.Classification) (*Message, error) {
	if d.ID == uuid.Nil {
		return nil, &EncodingError{Field: "uid", Detail: "missing detection id"}
	}
	if d.SensorID == "" {
		return nil, &EncodingError{Field: "sensor_id", Detail: "missing sensor identity"}
	}
	if d.CapturedAt.IsZero() {
		return nil, &EncodingError{Field: "captured_at", Detail: "missing capture timestamp"}
	}
	if c.Tier == "" {
		return nil, &EncodingError{Field: "classification", Detail: "missing tier"}
	}
	if bad, r := illegalXMLRune(d.Remarks); bad {
		return nil, &EncodingError{Field: "remarks", Detail: fmt.Sprintf("illegal character %q", r)}
	}
	if bad, r := illegalXMLRune(d.SensorID); bad {
		return nil, &EncodingError{Field: "sensor_id", Detail: fmt.Sprintf("illegal character %q", r)}
	}

	now := e.Now().UTC()
	start := d.CapturedAt.UTC()
	stale := start.Add(e.StaleAfter)

	msg := &Message{
		UID:      d.ID.String(),
		Type:     TypeCode(d.Class),
		Time:     now,
		Start:    start,
		Stale:    stale,
		Lat:      d.Latitude,
		Lon:      d.Longitude,
		HAE:      d.ElevationM,
		CE:       c.AccuracyM,
		Color:    ColorFor(c.Tier),
		Callsign: d.SensorID,
		Remarks:  d.Remarks,
	}

	ev := cotEvent{
		Version: "2.0",
		UID:     msg.UID,
		Type:    msg.Type,
		Time:    now.Format(cotTimeFormat),
		Start:   start.Format(cotTimeFormat),
		Stale:   stale.Format(cotTimeFormat),
		How:     "m-g", // machine-generated GPS-derived
		Point: cotPoint{
			Lat: d.Latitude,
			Lon: d.Longitude,
			Hae: d.ElevationM,
			Ce:  c.AccuracyM,
			Le:  linearErrorUnknown,
		},
		Detail: cotDetail{
			Contact: cotContact{Callsign: d.SensorID},
			Link:    cotLink{UID: d.SensorID, Relation: "p-s", Type: "a-f-G-E-S"},
			Color:   cotColor{Argb: msg.Color},
			Remarks: d.Remarks,
		},
	}

	raw, err := xml.Marshal(ev)
	if err != nil {
		return nil, &EncodingError{Field: "event", Detail: err.Error()}
	}
	msg.XML = append([]byte(xml.Header), raw...)
	return msg, nil
}

// illegalXMLRune reports the first rune that XML 1.0 forbids outright
// (control characters other than tab, newline, carriage return). These
// cannot be escaped, only rejected.
func illegalXMLRune(s string) (bool, rune) {
	for _, r := range s {
		if r < 0x20 && r != '\t' && r != '\n' && r != '\r' {
			return true, r
		}
		if r == 0xFFFE || r == 0xFFFF {
			return true, r
		}
	}
	return false, 0
}
