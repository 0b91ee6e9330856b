package gps

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"googlemaps.github.io/maps"

	"github.com/markus-lassfolk/locator/pkg"
	"github.com/markus-lassfolk/locator/pkg/logx"
)

// geolocator is the part of *maps.Client used here
type geolocator interface {
	Geolocate(ctx context.Context, r *maps.GeolocationRequest) (*maps.GeolocationResult, error)
	ReverseGeocode(ctx context.Context, r *maps.GeocodingRequest) ([]maps.GeocodingResult, error)
}

// WiFiScanner lists visible access points for WiFi geolocation
type WiFiScanner func(ctx context.Context) ([]maps.WiFiAccessPoint, error)

// GoogleSource resolves positions with the Google Geolocation API and
// addresses with the Geocoding API
type GoogleSource struct {
	client  geolocator
	scanner WiFiScanner
	logger  *logx.Logger
}

// NewGoogleSource creates a source for the given API key; scanner may be nil
func NewGoogleSource(apiKey string, scanner WiFiScanner, logger *logx.Logger) (*GoogleSource, error) {
	if apiKey == "" {
		return nil, pkg.NewError(pkg.ErrServiceDisabled, "google api key not configured", nil)
	}
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create google maps client: %w", err)
	}
	return &GoogleSource{client: client, scanner: scanner, logger: logger}, nil
}

func (gs *GoogleSource) Name() string { return "google" }

// ResolveRaw geolocates from nearby WiFi when available, otherwise from the
// public IP. The low accuracy profile never scans.
func (gs *GoogleSource) ResolveRaw(ctx context.Context, profile Profile) (*RawPosition, error) {
	if profile.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, profile.Timeout)
		defer cancel()
	}

	req := &maps.GeolocationRequest{ConsiderIP: true}
	if gs.scanner != nil && profile.Accuracy != AccuracyLow {
		aps, err := gs.scanner(ctx)
		if err != nil {
			gs.logger.Warn("wifi scan failed, falling back to ip geolocation", "error", err)
		} else if len(aps) >= 2 {
			req.WiFiAccessPoints = aps
			req.ConsiderIP = false
		}
	}

	resp, err := gs.client.Geolocate(ctx, req)
	if err != nil {
		return nil, classifyGoogleError(ctx, err)
	}

	gs.logger.Debug("google geolocation resolved",
		"wifi_aps", len(req.WiFiAccessPoints),
		"accuracy", resp.Accuracy,
	)

	return &RawPosition{
		Latitude:  resp.Location.Lat,
		Longitude: resp.Location.Lng,
		Accuracy:  pkg.Meters(resp.Accuracy),
		Timestamp: pkg.NowMillis(),
	}, nil
}

// ReverseGeocode returns the address of the first geocoding result
func (gs *GoogleSource) ReverseGeocode(ctx context.Context, lat, lng float64) (*pkg.Address, error) {
	results, err := gs.client.ReverseGeocode(ctx, &maps.GeocodingRequest{
		LatLng: &maps.LatLng{Lat: lat, Lng: lng},
	})
	if err != nil {
		return nil, classifyGoogleError(ctx, err)
	}
	if len(results) == 0 {
		return nil, pkg.NewError(pkg.ErrUnknown, "no geocoding results", nil)
	}
	addr := addressFromResult(results[0])
	return &addr, nil
}

func addressFromResult(r maps.GeocodingResult) pkg.Address {
	addr := pkg.Address{FormattedAddress: r.FormattedAddress}
	for _, c := range r.AddressComponents {
		for _, t := range c.Types {
			switch t {
			case "locality", "postal_town":
				if addr.City == "" {
					addr.City = c.LongName
				}
			case "sublocality", "sublocality_level_1", "administrative_area_level_2":
				if addr.District == "" {
					addr.District = c.LongName
				}
			case "administrative_area_level_1":
				addr.Province = c.LongName
			case "point_of_interest", "establishment", "premise":
				if addr.POI == "" {
					addr.POI = c.LongName
				}
			}
		}
	}
	return addr
}

// classifyGoogleError maps API status strings onto the error taxonomy
func classifyGoogleError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return pkg.NewError(pkg.ErrTimeout, "google request timed out", err)
	}
	msg := strings.ToUpper(err.Error())
	switch {
	case strings.Contains(msg, "REQUEST_DENIED"), strings.Contains(msg, "OVER_QUERY_LIMIT"),
		strings.Contains(msg, "KEYINVALID"), strings.Contains(msg, "ACCESSNOTCONFIGURED"):
		return pkg.NewError(pkg.ErrServiceDisabled, "google location service rejected the request", err)
	case strings.Contains(msg, "NOTFOUND"), strings.Contains(msg, "ZERO_RESULTS"):
		return pkg.NewError(pkg.ErrUnknown, "google could not locate the device", err)
	}
	return pkg.Classify(err)
}
