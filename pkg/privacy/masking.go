package privacy

import (
	"math"

	"github.com/markus-lassfolk/locator/pkg"
)

// Precision is a masking tier, coarsest first
type Precision string

const (
	PrecisionCity     Precision = "city"
	PrecisionDistrict Precision = "district"
	PrecisionStreet   Precision = "street"
	PrecisionPrecise  Precision = "precise"
)

// rank orders tiers from coarsest (0) to finest
func (p Precision) rank() int {
	switch p {
	case PrecisionCity:
		return 0
	case PrecisionDistrict:
		return 1
	case PrecisionStreet:
		return 2
	default:
		return 3
	}
}

// Decimals is the number of coordinate decimals kept at this tier, or -1 for all
func (p Precision) Decimals() int {
	switch p {
	case PrecisionCity:
		return 1
	case PrecisionDistrict:
		return 2
	case PrecisionStreet:
		return 3
	default:
		return -1
	}
}

// Radius is the minimum accuracy in meters reported at this tier
func (p Precision) Radius() float64 {
	switch p {
	case PrecisionCity:
		return 10000
	case PrecisionDistrict:
		return 1000
	case PrecisionStreet:
		return 100
	default:
		return 0
	}
}

// Target is the part of a position a rule masks
type Target string

const (
	TargetCoordinates Target = "coordinates"
	TargetAddress     Target = "address"
	TargetPOI         Target = "poi"
	TargetAll         Target = "all"
)

// Conditions limit when an enabled rule applies
type Conditions struct {
	// MaxAccuracyMeters applies the rule only to fixes more accurate than this; 0 means always
	MaxAccuracyMeters float64 `json:"max_accuracy_meters,omitempty" yaml:"max_accuracy_meters"`
	// RequireNoConsent applies the rule only when the user has not consented to sharing
	RequireNoConsent bool `json:"require_no_consent,omitempty" yaml:"require_no_consent"`
}

// MaskingRule reduces the precision of one target
type MaskingRule struct {
	Name       string     `json:"name" yaml:"name"`
	Target     Target     `json:"target" yaml:"target"`
	Precision  Precision  `json:"precision" yaml:"precision"`
	Enabled    bool       `json:"enabled" yaml:"enabled"`
	Conditions Conditions `json:"conditions" yaml:"conditions"`
}

// DefaultRules returns the built-in rule set
func DefaultRules(maskingAccuracy float64) []MaskingRule {
	return []MaskingRule{
		{
			Name:       "coordinate_precision",
			Target:     TargetCoordinates,
			Precision:  PrecisionStreet,
			Enabled:    true,
			Conditions: Conditions{MaxAccuracyMeters: maskingAccuracy},
		},
		{
			Name:       "address_without_consent",
			Target:     TargetAddress,
			Precision:  PrecisionCity,
			Enabled:    true,
			Conditions: Conditions{RequireNoConsent: true},
		},
		{
			Name:      "poi_protection",
			Target:    TargetPOI,
			Precision: PrecisionDistrict,
			Enabled:   true,
		},
	}
}

func (r MaskingRule) applies(pos *pkg.Position, consent bool) bool {
	if !r.Enabled {
		return false
	}
	if r.Conditions.RequireNoConsent && consent {
		return false
	}
	if r.Conditions.MaxAccuracyMeters > 0 {
		if pos.Accuracy != nil && *pos.Accuracy >= r.Conditions.MaxAccuracyMeters {
			return false
		}
	}
	return true
}

func (r MaskingRule) covers(t Target) bool {
	return r.Target == t || r.Target == TargetAll
}

// effective holds the coarsest tier chosen per target
type effective struct {
	coords, address, poi Precision
}

func coarser(cur, next Precision) Precision {
	if cur == "" || next.rank() < cur.rank() {
		return next
	}
	return cur
}

func resolveTiers(rules []MaskingRule) effective {
	var eff effective
	for _, r := range rules {
		if r.covers(TargetCoordinates) {
			eff.coords = coarser(eff.coords, r.Precision)
		}
		if r.covers(TargetAddress) {
			eff.address = coarser(eff.address, r.Precision)
		}
		if r.covers(TargetPOI) {
			eff.poi = coarser(eff.poi, r.Precision)
		}
	}
	return eff
}

// applyTiers masks pos in place
func applyTiers(pos *pkg.Position, eff effective) {
	if eff.coords != "" {
		if d := eff.coords.Decimals(); d >= 0 {
			pos.Latitude = snap(pos.Latitude, d, -90, 90)
			pos.Longitude = snap(pos.Longitude, d, -180, 180)
		}
		widenAccuracy(pos, eff.coords.Radius())
	}

	if eff.address != "" {
		switch eff.address {
		case PrecisionCity:
			pos.Address = pkg.Address{Province: pos.Province, City: pos.City}
		case PrecisionDistrict:
			pos.Address = pkg.Address{Province: pos.Province, City: pos.City, District: pos.District}
		}
	}

	if eff.poi == PrecisionCity || eff.poi == PrecisionDistrict {
		pos.POI = ""
	}
}

// snap moves v to the center of its grid cell of the given decimals.
// Cells nest, so a finer tier always lies inside the coarser tier's cell.
func snap(v float64, decimals int, lo, hi float64) float64 {
	scale := math.Pow(10, float64(decimals))
	const eps = 1e-9
	cell := math.Floor(v*scale + eps)
	out := (cell + 0.5) / scale
	return math.Max(lo, math.Min(hi, out))
}

func widenAccuracy(pos *pkg.Position, radius float64) {
	if radius <= 0 {
		return
	}
	if pos.Accuracy == nil || *pos.Accuracy < radius {
		pos.Accuracy = pkg.Meters(radius)
	}
}
