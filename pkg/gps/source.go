// Package gps defines the device positioning boundary and its concrete sources.
package gps

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/markus-lassfolk/locator/pkg"
)

// Accuracy is the precision class a caller asks the source for
type Accuracy string

const (
	AccuracyHigh     Accuracy = "high"
	AccuracyBalanced Accuracy = "balanced"
	AccuracyLow      Accuracy = "low"
)

// Profile tunes a single position request
type Profile struct {
	Accuracy   Accuracy      `json:"accuracy"`
	Timeout    time.Duration `json:"timeout"`
	MaximumAge time.Duration `json:"maximum_age"`
}

// RawPosition is an unvalidated fix straight from a source
type RawPosition struct {
	Latitude  float64
	Longitude float64
	Accuracy  *float64
	Timestamp int64
	Address   pkg.Address
}

// ToPosition validates the raw fix and stamps it with the source name
func (r *RawPosition) ToPosition(source string) (*pkg.Position, error) {
	ts := r.Timestamp
	if ts == 0 {
		ts = pkg.NowMillis()
	}
	pos := &pkg.Position{
		Latitude:  r.Latitude,
		Longitude: r.Longitude,
		Accuracy:  r.Accuracy,
		Address:   r.Address,
		Timestamp: ts,
		Source:    source,
	}
	if err := pos.Validate(); err != nil {
		return nil, err
	}
	return pos, nil
}

// ErrGeocodingUnsupported is returned by sources without a reverse geocoder
var ErrGeocodingUnsupported = errors.New("reverse geocoding not supported")

// PositionSource resolves the device position
type PositionSource interface {
	Name() string
	ResolveRaw(ctx context.Context, profile Profile) (*RawPosition, error)
	ReverseGeocode(ctx context.Context, lat, lng float64) (*pkg.Address, error)
}

// Geocoder turns coordinates into an address
type Geocoder interface {
	ReverseGeocode(ctx context.Context, lat, lng float64) (*pkg.Address, error)
}

// PermissionStatus is the platform's answer to a location permission query
type PermissionStatus string

const (
	PermissionGranted      PermissionStatus = "granted"
	PermissionDenied       PermissionStatus = "denied"
	PermissionUndetermined PermissionStatus = "undetermined"
	PermissionRestricted   PermissionStatus = "restricted"
)

// PermissionProvider reports and requests location permission
type PermissionProvider interface {
	CheckPermission(ctx context.Context) (PermissionStatus, error)
	RequestPermission(ctx context.Context) (PermissionStatus, error)
}

// StaticPermissionProvider answers with a configured status.
// A request moves an undetermined status to OnRequest.
type StaticPermissionProvider struct {
	mu        sync.Mutex
	status    PermissionStatus
	onRequest PermissionStatus
	requests  int
}

// NewStaticPermissionProvider creates a provider; onRequest defaults to granted
func NewStaticPermissionProvider(status, onRequest PermissionStatus) *StaticPermissionProvider {
	if onRequest == "" {
		onRequest = PermissionGranted
	}
	return &StaticPermissionProvider{status: status, onRequest: onRequest}
}

func (p *StaticPermissionProvider) CheckPermission(ctx context.Context) (PermissionStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status, nil
}

func (p *StaticPermissionProvider) RequestPermission(ctx context.Context) (PermissionStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests++
	if p.status == PermissionUndetermined {
		p.status = p.onRequest
	}
	return p.status, nil
}

// Requests returns how many times permission was requested
func (p *StaticPermissionProvider) Requests() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests
}

// FixedSource reports a configured position, for stationary installs
type FixedSource struct {
	Latitude  float64
	Longitude float64
	Accuracy  float64
	Address   pkg.Address
}

func (s *FixedSource) Name() string { return "fixed" }

func (s *FixedSource) ResolveRaw(ctx context.Context, profile Profile) (*RawPosition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &RawPosition{
		Latitude:  s.Latitude,
		Longitude: s.Longitude,
		Accuracy:  pkg.Meters(s.Accuracy),
		Timestamp: pkg.NowMillis(),
		Address:   s.Address,
	}, nil
}

func (s *FixedSource) ReverseGeocode(ctx context.Context, lat, lng float64) (*pkg.Address, error) {
	if s.Address.IsEmpty() {
		return nil, ErrGeocodingUnsupported
	}
	addr := s.Address
	return &addr, nil
}

// PrioritySource tries each source in order until one yields a fix
type PrioritySource struct {
	sources []PositionSource
}

// NewPrioritySource chains sources; the first has the highest priority
func NewPrioritySource(sources ...PositionSource) *PrioritySource {
	return &PrioritySource{sources: sources}
}

func (s *PrioritySource) Name() string {
	if len(s.sources) == 1 {
		return s.sources[0].Name()
	}
	return "priority"
}

func (s *PrioritySource) ResolveRaw(ctx context.Context, profile Profile) (*RawPosition, error) {
	if len(s.sources) == 0 {
		return nil, pkg.NewError(pkg.ErrServiceDisabled, "no position sources configured", nil)
	}

	var errs []error
	for _, src := range s.sources {
		raw, err := src.ResolveRaw(ctx, profile)
		if err == nil {
			return raw, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", src.Name(), err))
		if ctx.Err() != nil {
			break
		}
	}
	return nil, errors.Join(errs...)
}

func (s *PrioritySource) ReverseGeocode(ctx context.Context, lat, lng float64) (*pkg.Address, error) {
	for _, src := range s.sources {
		addr, err := src.ReverseGeocode(ctx, lat, lng)
		if errors.Is(err, ErrGeocodingUnsupported) {
			continue
		}
		return addr, err
	}
	return nil, ErrGeocodingUnsupported
}
