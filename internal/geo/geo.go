package geo

import (
	"context"
	"errors"
	"time"

	"fleetops/internal/model"
	"fleetops/internal/opt"
)

// ErrUnavailable is returned when the underlying distance/route provider
// cannot be reached. Callers skip the affected item and retry next interval.
var ErrUnavailable = errors.New("geo provider unavailable")

// Provider computes distances and re-sequenced routes. Implementations may
// call out to an external routing service; the default is in-process.
type Provider interface {
	// DistanceBetween returns the travel distance between two points in km.
	DistanceBetween(ctx context.Context, a, b model.GeoPoint) (float64, error)
	// ReoptimizeSequence proposes a visiting order for stops starting from
	// origin. Returns indices into stops, the total distance in km, and the
	// estimated travel duration.
	ReoptimizeSequence(ctx context.Context, origin model.GeoPoint, stops []model.RouteStop) ([]int, float64, time.Duration, error)
}

// Haversine is the in-process provider: great-circle distances and a
// nearest-neighbor + 2-opt resequencing oracle.
type Haversine struct {
	SpeedKph   float64
	Iterations int
}

func NewHaversine(speedKph float64) *Haversine {
	if speedKph <= 0 {
		speedKph = 40
	}
	return &Haversine{SpeedKph: speedKph, Iterations: 10}
}

func (h *Haversine) DistanceBetween(_ context.Context, a, b model.GeoPoint) (float64, error) {
	return opt.HaversineKm(a.Lat, a.Lng, b.Lat, b.Lng), nil
}

func (h *Haversine) ReoptimizeSequence(_ context.Context, origin model.GeoPoint, stops []model.RouteStop) ([]int, float64, time.Duration, error) {
	pts := make([]opt.Point, len(stops))
	for i, s := range stops {
		pts[i] = opt.Point{Lat: s.Location.Lat, Lng: s.Location.Lng}
	}
	order, km := opt.ResequenceFromOrigin(opt.Point{Lat: origin.Lat, Lng: origin.Lng}, pts, h.Iterations)
	dur := time.Duration(km / h.SpeedKph * float64(time.Hour))
	return order, km, dur, nil
}

// PathKm sums leg distances origin -> stops[0] -> stops[1] ... using the
// provider's distance function.
func PathKm(ctx context.Context, p Provider, origin model.GeoPoint, stops []model.RouteStop) (float64, error) {
	total := 0.0
	cur := origin
	for _, s := range stops {
		d, err := p.DistanceBetween(ctx, cur, s.Location)
		if err != nil {
			return 0, err
		}
		total += d
		cur = s.Location
	}
	return total, nil
}
