// Package classify assigns an accuracy-trust tier to a detection from its
// reported accuracy radius, source confidence and terrain context. The
// classifier is a pure rule table: same inputs always yield the same tier.
package classify

// Tier is the discrete accuracy-trust outcome of classification.
type Tier string

const (
	// TierTrusted marks detections accurate enough to display as-is.
	TierTrusted Tier = "TRUSTED"
	// TierCaution marks detections displayed with a warning marker.
	TierCaution Tier = "CAUTION"
	// TierRejected marks detections withheld from delivery for manual review.
	TierRejected Tier = "REJECTED"
)

// Confidence cutoffs. Below RejectBelow the detection is rejected outright;
// in [RejectBelow, CautionBelow) it is downgraded to CAUTION.
const (
	RejectBelowConfidence  = 0.4
	CautionBelowConfidence = 0.6
)

// Thresholds is the per-terrain accuracy boundary pair, in meters. A radius
// of at most GreenMaxM is eligible for TRUSTED; above RedMaxM the position
// is too uncertain to deliver at all.
type Thresholds struct {
	GreenMaxM float64 `json:"green_max_m"`
	RedMaxM   float64 `json:"red_max_m"`
}

// Classification is the derived outcome together with the inputs that
// produced it. It is never stored independently of its detection.
type Classification struct {
	Tier       Tier
	AccuracyM  float64
	Confidence float64
	Terrain    string
}

// Table maps terrain classes to thresholds. It is loaded once at startup and
// treated as immutable for the process lifetime.
type Table struct {
	byTerrain map[string]Thresholds
	fallback  Thresholds
}

// DefaultFallback is applied when the terrain class is unknown: the
// sea-level green boundary with a conservative red ceiling.
var DefaultFallback = Thresholds{GreenMaxM: 45, RedMaxM: 150}

// DefaultTerrains is the built-in threshold table. Flat terrain resolves
// positions tightly; mountainous terrain tolerates a wider radius because
// elevation error dominates.
var DefaultTerrains = map[string]Thresholds{
	"sea_level": {GreenMaxM: 45, RedMaxM: 150},
	"hills":     {GreenMaxM: 90, RedMaxM: 300},
	"mountains": {GreenMaxM: 200, RedMaxM: 500},
}

// NewTable builds a classification table. A nil or empty map falls back to
// DefaultTerrains; a zero fallback falls back to DefaultFallback. The input
// map is copied so later mutation by the caller cannot change rules.
func NewTable(byTerrain map[string]Thresholds, fallback Thresholds) *Table {
	if len(byTerrain) == 0 {
		byTerrain = DefaultTerrains
	}
	if fallback == (Thresholds{}) {
		fallback = DefaultFallback
	}
	copied := make(map[string]Thresholds, len(byTerrain))
	for k, v := range byTerrain {
		copied[k] = v
	}
	return &Table{byTerrain: copied, fallback: fallback}
}

// ThresholdsFor returns the threshold pair for a terrain class, falling back
// to the table default when the terrain is unknown or empty.
func (t *Table) ThresholdsFor(terrain string) Thresholds {
	if th, ok := t.byTerrain[terrain]; ok {
		return th
	}
	return t.fallback
}

// Classify evaluates the rules in order, first match wins:
//
//  1. accuracy above the red ceiling, or confidence below 0.4 -> REJECTED
//  2. accuracy above the green boundary, or confidence in [0.4, 0.6) -> CAUTION
//  3. otherwise -> TRUSTED
//
// Coordinate-range checks happen during validation, before classification;
// a detection that reaches this point has in-range coordinates.
func (t *Table) Classify(accuracyM, confidence float64, terrain string) Classification {
	th := t.ThresholdsFor(terrain)
	c := Classification{AccuracyM: accuracyM, Confidence: confidence, Terrain: terrain}

	switch {
	case accuracyM > th.RedMaxM || confidence < RejectBelowConfidence:
		c.Tier = TierRejected
	case accuracyM > th.GreenMaxM || confidence < CautionBelowConfidence:
		c.Tier = TierCaution
	default:
		c.Tier = TierTrusted
	}
	return c
}
