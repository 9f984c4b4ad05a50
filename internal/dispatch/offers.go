package dispatch

import (
	"context"
	"errors"
	"time"

	"fleetops/internal/model"
)

var (
	// ErrOfferRejected means the driver declined. Soft failure, advance to
	// the next candidate.
	ErrOfferRejected = errors.New("offer rejected")
	// ErrOfferTimeout means the driver did not answer inside the offer
	// window. Soft failure, advance to the next candidate.
	ErrOfferTimeout = errors.New("offer timed out")
	// ErrNoEligibleDrivers means zero drivers satisfied the hard
	// constraints. The order stays unassigned and is retried next tick.
	ErrNoEligibleDrivers = errors.New("no eligible drivers")
)

// Offer is a time-boxed proposal presented to one driver.
type Offer struct {
	ID          string            `json:"id"`
	OrderID     string            `json:"orderId,omitempty"`
	BatchID     string            `json:"batchId,omitempty"`
	Pickup      model.GeoPoint    `json:"pickup"`
	Dropoff     model.GeoPoint    `json:"dropoff"`
	ServiceType model.ServiceType `json:"serviceType"`
	WeightKg    float64           `json:"weightKg"`
	DistanceKm  float64           `json:"distanceKm"`
	ExpiresAt   time.Time         `json:"expiresAt"`
}

// Transport delivers an offer to a driver and blocks until a verdict:
// nil for accept, ErrOfferRejected, or ErrOfferTimeout. The context carries
// the offer deadline; implementations must respect its cancellation so an
// engine stop never leaves an offer dangling.
type Transport interface {
	Offer(ctx context.Context, driverID string, o Offer) error
}

// AutoAccept accepts every offer immediately. It is the transport of last
// resort when no driver gateway is connected, keeping dispatch moving in
// simulations and dev environments.
type AutoAccept struct{}

func (AutoAccept) Offer(context.Context, string, Offer) error { return nil }
