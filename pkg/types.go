package pkg

import (
	"fmt"
	"math"
	"time"
)

// Address holds the optional descriptive fields of a position
type Address struct {
	FormattedAddress string `json:"address,omitempty" yaml:"address,omitempty"`
	City             string `json:"city,omitempty" yaml:"city,omitempty"`
	District         string `json:"district,omitempty" yaml:"district,omitempty"`
	Province         string `json:"province,omitempty" yaml:"province,omitempty"`
	POI              string `json:"poi,omitempty" yaml:"poi,omitempty"`
}

// IsEmpty reports whether no address field is set
func (a Address) IsEmpty() bool {
	return a == Address{}
}

// Position is a resolved geographic fix
type Position struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Accuracy  *float64 `json:"accuracy,omitempty"` // meters
	Address
	Timestamp   int64  `json:"timestamp"` // epoch milliseconds
	Source      string `json:"source,omitempty"`
	Placeholder bool   `json:"placeholder,omitempty"`
}

// Meters returns a pointer to an accuracy value
func Meters(v float64) *float64 {
	return &v
}

// NowMillis returns the current time as epoch milliseconds
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// Validate checks the coordinate invariant
func (p *Position) Validate() error {
	if math.IsNaN(p.Latitude) || math.IsInf(p.Latitude, 0) || p.Latitude < -90 || p.Latitude > 90 {
		return NewError(ErrInvalidPosition, fmt.Sprintf("latitude %v out of range [-90,90]", p.Latitude), nil)
	}
	if math.IsNaN(p.Longitude) || math.IsInf(p.Longitude, 0) || p.Longitude < -180 || p.Longitude > 180 {
		return NewError(ErrInvalidPosition, fmt.Sprintf("longitude %v out of range [-180,180]", p.Longitude), nil)
	}
	if p.Accuracy != nil && (*p.Accuracy < 0 || math.IsNaN(*p.Accuracy)) {
		return NewError(ErrInvalidPosition, fmt.Sprintf("accuracy %v must be non-negative", *p.Accuracy), nil)
	}
	return nil
}

// AccuracyOr returns the accuracy or def when unknown
func (p *Position) AccuracyOr(def float64) float64 {
	if p.Accuracy == nil {
		return def
	}
	return *p.Accuracy
}

// Time returns the capture timestamp
func (p *Position) Time() time.Time {
	return time.UnixMilli(p.Timestamp)
}

// Clone returns a deep copy
func (p Position) Clone() Position {
	if p.Accuracy != nil {
		p.Accuracy = Meters(*p.Accuracy)
	}
	return p
}
