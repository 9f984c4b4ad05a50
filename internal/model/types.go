package model

import "time"

// GeoPoint is a WGS84 coordinate.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// DriverState is a driver's operational state.
type DriverState string

const (
	DriverOffline   DriverState = "OFFLINE"
	DriverAvailable DriverState = "AVAILABLE"
	DriverBusy      DriverState = "BUSY"
	DriverReturning DriverState = "RETURNING"
	DriverOnBreak   DriverState = "ON_BREAK"
)

// KnownDriverState reports whether s is one of the defined operational states.
func KnownDriverState(s DriverState) bool {
	switch s {
	case DriverOffline, DriverAvailable, DriverBusy, DriverReturning, DriverOnBreak:
		return true
	}
	return false
}

// StateChange is one entry of a driver's append-only state history.
type StateChange struct {
	From   DriverState `json:"from"`
	To     DriverState `json:"to"`
	At     time.Time   `json:"at"`
	Reason string      `json:"reason,omitempty"`
}

type Driver struct {
	ID                    string        `json:"id"`
	Name                  string        `json:"name,omitempty"`
	Active                bool          `json:"active"`
	State                 DriverState   `json:"operationalState"`
	PreviousState         DriverState   `json:"previousState,omitempty"`
	StateChangedAt        time.Time     `json:"stateChangedAt"`
	Location              GeoPoint      `json:"location"`
	VehicleClass          string        `json:"vehicleClass,omitempty"`
	CapacityWeightKg      float64       `json:"capacityWeightKg"`
	CurrentLoadKg         float64       `json:"currentLoadKg"`
	MaxVolumeM3           float64       `json:"maxVolumeM3"`
	CurrentVolumeM3       float64       `json:"currentVolumeM3"`
	TargetDeliveries      int           `json:"targetDeliveries"`
	CompletedToday        int           `json:"completedToday"`
	ConsecutiveDeliveries int           `json:"consecutiveDeliveries"`
	RequiresBreakAfter    int           `json:"requiresBreakAfter"`
	BreakDurationMinutes  int           `json:"breakDurationMinutes"`
	MaxWorkingHours       float64       `json:"maxWorkingHours"`
	HoursWorkedToday      float64       `json:"hoursWorkedToday"`
	OnTimeRate            float64       `json:"onTimeRate"`
	ActiveFlashOrders     int           `json:"activeFlashOrders"`
	StateHistory          []StateChange `json:"stateHistory,omitempty"`
	LastDailyReset        time.Time     `json:"lastDailyReset"`
}

// DriverTransition is the immutable transition-log row written alongside every
// state change, carrying the driver's coordinate at transition time.
type DriverTransition struct {
	ID          string      `json:"id"`
	DriverID    string      `json:"driverId"`
	From        DriverState `json:"from"`
	To          DriverState `json:"to"`
	Reason      string      `json:"reason,omitempty"`
	TriggeredBy string      `json:"triggeredBy,omitempty"`
	Location    GeoPoint    `json:"location"`
	At          time.Time   `json:"at"`
}

// ServiceType is a delivery service tier. Flash is the fastest tier.
type ServiceType string

const (
	ServiceFlash    ServiceType = "flash"
	ServiceExpress  ServiceType = "express"
	ServiceStandard ServiceType = "standard"
)

type OrderStatus string

const (
	OrderUnassigned OrderStatus = "UNASSIGNED"
	OrderAssigned   OrderStatus = "ASSIGNED"
	OrderPickedUp   OrderStatus = "PICKED_UP"
	OrderInTransit  OrderStatus = "IN_TRANSIT"
	OrderDelivered  OrderStatus = "DELIVERED"
	OrderCancelled  OrderStatus = "CANCELLED"
	OrderFailed     OrderStatus = "FAILED"
)

// Terminal reports whether the status ends the order lifecycle.
func (s OrderStatus) Terminal() bool {
	return s == OrderDelivered || s == OrderCancelled || s == OrderFailed
}

type Order struct {
	ID             string      `json:"id"`
	Pickup         GeoPoint    `json:"pickup"`
	Dropoff        GeoPoint    `json:"dropoff"`
	PickupAddress  string      `json:"pickupAddress,omitempty"`
	DropoffAddress string      `json:"dropoffAddress,omitempty"`
	ServiceType    ServiceType `json:"serviceType"`
	Priority       int         `json:"priority"` // 1..10
	WeightKg       float64     `json:"weightKg"`
	VolumeM3       float64     `json:"volumeM3"`
	Value          float64     `json:"value,omitempty"`
	SLAMinutes     float64     `json:"slaMinutes"`
	Status         OrderStatus `json:"status"`
	BatchID        string      `json:"batchId,omitempty"`
	DriverID       string      `json:"driverId,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	DeliveredAt    *time.Time  `json:"deliveredAt,omitempty"`
}

type AssignmentType string

const (
	AutoAssigned   AssignmentType = "AUTO_ASSIGNED"
	ForceAssigned  AssignmentType = "FORCE_ASSIGNED"
	ManualAssigned AssignmentType = "MANUAL"
)

// ScoreBreakdown holds the four normalized dispatch sub-scores and their
// weighted total.
type ScoreBreakdown struct {
	Distance float64 `json:"distanceScore"`
	Time     float64 `json:"timeScore"`
	Load     float64 `json:"loadScore"`
	Priority float64 `json:"priorityScore"`
	Total    float64 `json:"totalScore"`
}

// Assignment is an immutable log row; re-assignment creates a new row.
type Assignment struct {
	ID                     string         `json:"id"`
	OrderID                string         `json:"orderId,omitempty"`
	BatchID                string         `json:"batchId,omitempty"`
	DriverID               string         `json:"driverId"`
	Type                   AssignmentType `json:"assignmentType"`
	Score                  ScoreBreakdown `json:"score"`
	AlternativesConsidered int            `json:"alternativesConsidered"`
	CreatedAt              time.Time      `json:"createdAt"`
}

type EscalationType string

const (
	EscalationSLARisk            EscalationType = "SLA_RISK"
	EscalationStuckOrder         EscalationType = "STUCK_ORDER"
	EscalationUnresponsiveDriver EscalationType = "UNRESPONSIVE_DRIVER"
	EscalationFailedDelivery     EscalationType = "FAILED_DELIVERY"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

type EscalationStatus string

const (
	EscalationOpen          EscalationStatus = "open"
	EscalationInvestigating EscalationStatus = "investigating"
	EscalationResolved      EscalationStatus = "resolved"
)

type Escalation struct {
	ID              string           `json:"id"`
	OrderID         string           `json:"orderId"`
	DriverID        string           `json:"driverId,omitempty"`
	Type            EscalationType   `json:"escalationType"`
	Severity        Severity         `json:"severity"`
	Status          EscalationStatus `json:"status"`
	SLAMinutes      float64          `json:"slaMinutes"`
	MinutesToBreach float64          `json:"minutesToBreach"`
	Resolution      string           `json:"resolution,omitempty"`
	CreatedAt       time.Time        `json:"createdAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`
}

type IncidentSeverity string

const (
	IncidentLow      IncidentSeverity = "LOW"
	IncidentModerate IncidentSeverity = "MODERATE"
	IncidentHigh     IncidentSeverity = "HIGH"
	IncidentSevere   IncidentSeverity = "SEVERE"
)

type TrafficIncident struct {
	ID               string           `json:"id"`
	Location         GeoPoint         `json:"location"`
	RadiusKm         float64          `json:"radiusKm"`
	Severity         IncidentSeverity `json:"severity"`
	Description      string           `json:"description,omitempty"`
	Active           bool             `json:"active"`
	AffectedOrderIDs []string         `json:"affectedOrderIds,omitempty"`
	ReportedAt       time.Time        `json:"reportedAt"`
}

type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
	BatchCancelled  BatchStatus = "cancelled"
)

type OrderBatch struct {
	ID              string      `json:"id"`
	OrderIDs        []string    `json:"orderIds"`
	DriverID        string      `json:"driverId,omitempty"`
	TotalDistanceKm float64     `json:"totalDistanceKm"`
	TotalWeightKg   float64     `json:"totalWeightKg"`
	TotalValue      float64     `json:"totalValue"`
	ServiceType     ServiceType `json:"serviceType"`
	Status          BatchStatus `json:"status"`
	CreatedAt       time.Time   `json:"createdAt"`
}

type StopKind string

const (
	StopPickup  StopKind = "pickup"
	StopDropoff StopKind = "dropoff"
)

// RouteStop is one ordered stop on a driver's active route.
type RouteStop struct {
	OrderID   string   `json:"orderId"`
	Kind      StopKind `json:"kind"`
	Location  GeoPoint `json:"location"`
	Completed bool     `json:"completed"`
}

// Route is the active stop sequence for a BUSY driver.
type Route struct {
	DriverID        string      `json:"driverId"`
	Stops           []RouteStop `json:"stops"`
	TotalDistanceKm float64     `json:"totalDistanceKm"`
	Version         int         `json:"version"`
	UpdatedAt       time.Time   `json:"updatedAt"`
}

// RemainingStops returns the not-yet-completed stops in sequence order.
func (r Route) RemainingStops() []RouteStop {
	out := make([]RouteStop, 0, len(r.Stops))
	for _, s := range r.Stops {
		if !s.Completed {
			out = append(out, s)
		}
	}
	return out
}

// OptimizationRecord is written for every route evaluation, applied or not.
type OptimizationRecord struct {
	ID                  string    `json:"id"`
	DriverID            string    `json:"driverId"`
	OriginalDistanceKm  float64   `json:"originalDistanceKm"`
	OptimizedDistanceKm float64   `json:"optimizedDistanceKm"`
	ImprovementPct      float64   `json:"improvementPct"`
	DistanceSavedKm     float64   `json:"distanceSavedKm"`
	TimeSavedMinutes    float64   `json:"timeSavedMinutes"`
	StopsReordered      bool      `json:"stopsReordered"`
	Applied             bool      `json:"applied"`
	Algorithm           string    `json:"algorithm"`
	Trigger             string    `json:"trigger"` // periodic, traffic, manual
	At                  time.Time `json:"at"`
}

type AlertType string

const (
	AlertSLAWarning      AlertType = "SLA_WARNING"
	AlertSLACritical     AlertType = "SLA_CRITICAL"
	AlertSLABreach       AlertType = "SLA_BREACH"
	AlertDispatchFailed  AlertType = "DISPATCH_FAILED"
	AlertTrafficIncident AlertType = "TRAFFIC_INCIDENT"
)

type Alert struct {
	ID        string    `json:"id"`
	Type      AlertType `json:"type"`
	Severity  Severity  `json:"severity"`
	OrderID   string    `json:"orderId,omitempty"`
	DriverID  string    `json:"driverId,omitempty"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

// FleetStats are read-only aggregates computed from the log tables.
type FleetStats struct {
	AssignmentsToday      map[AssignmentType]int `json:"assignmentsToday"`
	AvgAssignmentScore    float64                `json:"avgAssignmentScore"`
	OpenEscalations       int                    `json:"openEscalations"`
	EscalationsBySeverity map[Severity]int       `json:"escalationsBySeverity"`
	OptimizationEvals     int                    `json:"optimizationEvals"`
	OptimizationsApplied  int                    `json:"optimizationsApplied"`
	BatchesCreated        int                    `json:"batchesCreated"`
	OrdersByStatus        map[OrderStatus]int    `json:"ordersByStatus"`
	DriversByState        map[DriverState]int    `json:"driversByState"`
	OnTimeRate            float64                `json:"onTimeRate"`
}
