package geo

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"fleetops/internal/model"
)

// Limited wraps a Provider with a client-side rate limit so a burst of engine
// ticks cannot flood an external routing service.
type Limited struct {
	inner Provider
	lim   *rate.Limiter
}

func NewLimited(inner Provider, perSecond float64, burst int) *Limited {
	if perSecond <= 0 {
		perSecond = 50
	}
	if burst <= 0 {
		burst = int(perSecond)
	}
	return &Limited{inner: inner, lim: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (l *Limited) DistanceBetween(ctx context.Context, a, b model.GeoPoint) (float64, error) {
	if err := l.lim.Wait(ctx); err != nil {
		return 0, err
	}
	return l.inner.DistanceBetween(ctx, a, b)
}

func (l *Limited) ReoptimizeSequence(ctx context.Context, origin model.GeoPoint, stops []model.RouteStop) ([]int, float64, time.Duration, error) {
	if err := l.lim.Wait(ctx); err != nil {
		return nil, 0, 0, err
	}
	return l.inner.ReoptimizeSequence(ctx, origin, stops)
}
