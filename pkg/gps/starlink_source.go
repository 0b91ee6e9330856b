package gps

import (
	"context"
	"errors"

	"github.com/markus-lassfolk/locator/pkg"
	"github.com/markus-lassfolk/locator/pkg/logx"
	"github.com/markus-lassfolk/locator/pkg/starlink"
)

type dishLocator interface {
	GetLocation(ctx context.Context) (*starlink.Fix, error)
}

// StarlinkSource reads the position reported by a Starlink dish.
// Addresses come from the optional geocoder.
type StarlinkSource struct {
	client   dishLocator
	geocoder Geocoder
	logger   *logx.Logger
}

// NewStarlinkSource wraps a dish client; geocoder may be nil
func NewStarlinkSource(client *starlink.Client, geocoder Geocoder, logger *logx.Logger) *StarlinkSource {
	return &StarlinkSource{client: client, geocoder: geocoder, logger: logger}
}

func (ss *StarlinkSource) Name() string { return "starlink" }

func (ss *StarlinkSource) ResolveRaw(ctx context.Context, profile Profile) (*RawPosition, error) {
	if profile.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, profile.Timeout)
		defer cancel()
	}

	fix, err := ss.client.GetLocation(ctx)
	if err != nil {
		if errors.Is(err, starlink.ErrNoFix) {
			return nil, pkg.NewError(pkg.ErrServiceDisabled, "dish has no position fix", err)
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, pkg.NewError(pkg.ErrTimeout, "dish location request timed out", err)
		}
		return nil, pkg.NewError(pkg.ErrNetwork, "dish location request failed", err)
	}

	ss.logger.Debug("starlink fix", "sigma_m", fix.SigmaM, "source", fix.Source)

	var accuracy *float64
	if fix.SigmaM > 0 {
		accuracy = pkg.Meters(fix.SigmaM)
	}
	return &RawPosition{
		Latitude:  fix.Latitude,
		Longitude: fix.Longitude,
		Accuracy:  accuracy,
		Timestamp: fix.Timestamp.UnixMilli(),
	}, nil
}

func (ss *StarlinkSource) ReverseGeocode(ctx context.Context, lat, lng float64) (*pkg.Address, error) {
	if ss.geocoder == nil {
		return nil, ErrGeocodingUnsupported
	}
	return ss.geocoder.ReverseGeocode(ctx, lat, lng)
}
