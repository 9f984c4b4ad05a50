package sla

import (
	"time"

	"fleetops/internal/model"
)

// Stage is an order's fulfillment phase for prediction purposes.
type Stage string

const (
	StagePending            Stage = "pending"
	StageAssigned           Stage = "assigned"
	StagePickupInProgress   Stage = "pickup_in_progress"
	StageDeliveryInProgress Stage = "delivery_in_progress"
)

// legEstimates are per-tier baseline minutes for each delivery leg.
type legEstimates struct {
	ToPickup  float64
	Dwell     float64
	ToDropoff float64
}

var baselines = map[model.ServiceType]legEstimates{
	model.ServiceFlash:    {ToPickup: 8, Dwell: 5, ToDropoff: 12},
	model.ServiceExpress:  {ToPickup: 10, Dwell: 7, ToDropoff: 18},
	model.ServiceStandard: {ToPickup: 15, Dwell: 10, ToDropoff: 25},
}

// StageOf derives the fulfillment stage from the order status.
func StageOf(o model.Order) Stage {
	switch o.Status {
	case model.OrderUnassigned:
		return StagePending
	case model.OrderAssigned:
		return StageAssigned
	case model.OrderPickedUp:
		return StagePickupInProgress
	default:
		return StageDeliveryInProgress
	}
}

// PredictDeliveryTime estimates total minutes from order creation to
// completion: time already elapsed plus the remaining legs for the current
// stage at the tier's baseline pace.
func PredictDeliveryTime(o model.Order, now time.Time) float64 {
	est, ok := baselines[o.ServiceType]
	if !ok {
		est = baselines[model.ServiceStandard]
	}
	elapsed := now.Sub(o.CreatedAt).Minutes()
	if elapsed < 0 {
		elapsed = 0
	}
	var remaining float64
	switch StageOf(o) {
	case StagePending, StageAssigned:
		remaining = est.ToPickup + est.Dwell + est.ToDropoff
	case StagePickupInProgress:
		remaining = est.Dwell + est.ToDropoff
	default:
		remaining = est.ToDropoff
	}
	return elapsed + remaining
}

// CanMeetSLA reports whether the predicted completion still lands inside the
// order's SLA window.
func CanMeetSLA(o model.Order, now time.Time) bool {
	if o.SLAMinutes <= 0 {
		return true
	}
	return PredictDeliveryTime(o, now) <= o.SLAMinutes
}
