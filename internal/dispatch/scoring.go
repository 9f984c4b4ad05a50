package dispatch

import (
	"sort"

	"fleetops/internal/model"
)

// Scoring weights. Distance dominates; the other three factors share the
// remainder evenly.
const (
	weightDistance = 0.40
	weightTime     = 0.20
	weightLoad     = 0.20
	weightPriority = 0.20
)

// unit is one assignable thing: a single order or a whole batch.
type unit struct {
	OrderIDs    []string
	orders      []model.Order
	BatchID     string
	Pickup      model.GeoPoint
	Dropoff     model.GeoPoint
	ServiceType model.ServiceType
	Priority    int
	WeightKg    float64
	VolumeM3    float64
}

type candidate struct {
	Driver     model.Driver
	Score      model.ScoreBreakdown
	DistanceKm float64
}

// hardEligible applies the constraints force-assignment may never override:
// the driver must be active, available, inside shift bounds, and physically
// able to carry the load.
func hardEligible(d model.Driver, u unit) (bool, string) {
	switch {
	case !d.Active:
		return false, "inactive"
	case d.State != model.DriverAvailable:
		return false, "not available"
	case d.MaxWorkingHours > 0 && d.HoursWorkedToday >= d.MaxWorkingHours:
		return false, "shift exhausted"
	case d.CurrentLoadKg+u.WeightKg > d.CapacityWeightKg:
		return false, "over weight capacity"
	case d.MaxVolumeM3 > 0 && d.CurrentVolumeM3+u.VolumeM3 > d.MaxVolumeM3:
		return false, "over volume capacity"
	}
	return true, ""
}

// softEligible applies the preference rules force-assignment is allowed to
// skip: break cadence, daily target, and the flash proximity/concurrency
// gates.
func softEligible(d model.Driver, u unit, distKm float64, cfg Config) (bool, string) {
	switch {
	case d.RequiresBreakAfter > 0 && d.ConsecutiveDeliveries >= d.RequiresBreakAfter:
		return false, "break due"
	case d.TargetDeliveries > 0 && d.CompletedToday >= d.TargetDeliveries:
		return false, "daily target met"
	}
	if u.ServiceType == model.ServiceFlash {
		if distKm > cfg.FlashRadiusKm {
			return false, "outside flash radius"
		}
		if d.ActiveFlashOrders >= cfg.MaxConcurrentFlash {
			return false, "flash order cap"
		}
	}
	return true, ""
}

// scoreDriver produces the four normalized sub-scores and their weighted sum.
// Each sub-score lands in [0,1]; higher is better.
func scoreDriver(d model.Driver, u unit, distKm float64) model.ScoreBreakdown {
	s := model.ScoreBreakdown{}

	// Closer is better: inverse of travel distance.
	s.Distance = 1.0 / (1.0 + distKm)

	// More remaining shift and fewer consecutive deliveries is better.
	shiftFrac := 1.0
	if d.MaxWorkingHours > 0 {
		shiftFrac = clamp01(1.0 - d.HoursWorkedToday/d.MaxWorkingHours)
	}
	consecFrac := 1.0
	if d.RequiresBreakAfter > 0 {
		consecFrac = clamp01(1.0 - float64(d.ConsecutiveDeliveries)/float64(d.RequiresBreakAfter))
	}
	s.Time = 0.7*shiftFrac + 0.3*consecFrac

	// More spare capacity is better.
	if d.CapacityWeightKg > 0 {
		s.Load = clamp01(1.0 - (d.CurrentLoadKg+u.WeightKg)/d.CapacityWeightKg)
	}

	// High-priority orders favour drivers behind on their daily target.
	gapFrac := 0.5
	if d.TargetDeliveries > 0 {
		gapFrac = clamp01(float64(d.TargetDeliveries-d.CompletedToday) / float64(d.TargetDeliveries))
	}
	s.Priority = clamp01(float64(u.Priority)/10.0) * gapFrac

	s.Total = weightDistance*s.Distance + weightTime*s.Time + weightLoad*s.Load + weightPriority*s.Priority
	return s
}

// rankCandidates sorts by total score descending, breaking ties by lowest
// completedToday then driver ID so the outcome is deterministic.
func rankCandidates(cands []candidate) {
	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.Score.Total != b.Score.Total {
			return a.Score.Total > b.Score.Total
		}
		if a.Driver.CompletedToday != b.Driver.CompletedToday {
			return a.Driver.CompletedToday < b.Driver.CompletedToday
		}
		return a.Driver.ID < b.Driver.ID
	})
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
