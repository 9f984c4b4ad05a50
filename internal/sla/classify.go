package sla

import "fleetops/internal/model"

// Category is an order's SLA risk bucket.
type Category string

const (
	CategoryNormal   Category = "normal"
	CategoryWarning  Category = "warning"
	CategoryCritical Category = "critical"
	CategoryBreach   Category = "breached"
)

// Thresholds are minutes-from-creation boundaries for one service tier.
// Breach equals the contractual target.
type Thresholds struct {
	Target   float64
	Warning  float64
	Critical float64
	Breach   float64
}

// DefaultThresholds returns the shipped per-tier boundaries. Flash is the
// fastest tier and has the tightest windows.
func DefaultThresholds() map[model.ServiceType]Thresholds {
	return map[model.ServiceType]Thresholds{
		model.ServiceFlash:    {Target: 60, Warning: 40, Critical: 50, Breach: 60},
		model.ServiceExpress:  {Target: 120, Warning: 90, Critical: 105, Breach: 120},
		model.ServiceStandard: {Target: 240, Warning: 180, Critical: 210, Breach: 240},
	}
}

// ThresholdsFor resolves the boundaries for an order. When the order carries
// its own SLA target, the tier boundaries scale proportionally so an order
// with a custom window still warns and escalates at the same relative points.
func ThresholdsFor(tiers map[model.ServiceType]Thresholds, st model.ServiceType, slaMinutes float64) Thresholds {
	th, ok := tiers[st]
	if !ok {
		th = tiers[model.ServiceStandard]
	}
	if slaMinutes > 0 && slaMinutes != th.Target && th.Target > 0 {
		f := slaMinutes / th.Target
		th = Thresholds{
			Target:   slaMinutes,
			Warning:  th.Warning * f,
			Critical: th.Critical * f,
			Breach:   slaMinutes,
		}
	}
	return th
}

// Classify maps elapsed minutes to a risk category. Pure and monotonic in
// elapsed for fixed thresholds.
func Classify(elapsedMinutes float64, th Thresholds) Category {
	switch {
	case elapsedMinutes >= th.Breach:
		return CategoryBreach
	case elapsedMinutes >= th.Critical:
		return CategoryCritical
	case elapsedMinutes >= th.Warning:
		return CategoryWarning
	}
	return CategoryNormal
}

// AlertSeverity maps a risk category to the alert severity raised on entry.
func AlertSeverity(c Category) model.Severity {
	switch c {
	case CategoryBreach:
		return model.SeverityCritical
	case CategoryCritical:
		return model.SeverityHigh
	case CategoryWarning:
		return model.SeverityMedium
	}
	return model.SeverityLow
}
