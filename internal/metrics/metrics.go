package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the service
	Registry = prometheus.NewRegistry()

	// HTTPRequests counts requests by method, path, and status
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	// HTTPDuration records request durations in seconds
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	// EngineTicks counts completed tick passes per engine
	EngineTicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "engine_ticks_total", Help: "Completed engine tick passes."},
		[]string{"engine"},
	)
	// EngineTickDuration tracks tick durations per engine in seconds
	EngineTickDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "engine_tick_duration_seconds", Help: "Engine tick duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"engine"},
	)

	// Assignments counts assignment rows by type
	Assignments = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dispatch_assignments_total", Help: "Assignments written by type."},
		[]string{"type"},
	)
	// OfferOutcomes counts offer protocol results
	OfferOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dispatch_offer_outcomes_total", Help: "Offer outcomes: accepted, rejected, timeout."},
		[]string{"outcome"},
	)
	// DispatchFailures counts orders left unassigned after exhausting candidates
	DispatchFailures = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "dispatch_failures_total", Help: "Orders left unassigned after exhausting all candidates."},
	)

	// SLAAlerts counts alerts raised by category
	SLAAlerts = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "sla_alerts_total", Help: "SLA alerts raised by risk category."},
		[]string{"category"},
	)
	// OpenEscalations gauges unresolved escalations by severity
	OpenEscalations = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "sla_open_escalations", Help: "Unresolved escalations by severity."},
		[]string{"severity"},
	)

	// RouteEvaluations counts optimizer evaluations by outcome (applied, skipped)
	RouteEvaluations = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "routeopt_evaluations_total", Help: "Route evaluations by outcome."},
		[]string{"outcome"},
	)
	// DistanceSavedKm accumulates kilometers shaved off applied routes
	DistanceSavedKm = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "routeopt_distance_saved_km_total", Help: "Cumulative distance saved by applied reoptimizations."},
	)

	// BatchesCreated counts accepted order batches
	BatchesCreated = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "batching_batches_created_total", Help: "Order batches created."},
	)
	// BatchedOrders counts orders folded into batches
	BatchedOrders = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "batching_orders_batched_total", Help: "Orders folded into batches."},
	)

	// NotificationDeliveries counts outbound notification outcomes by event type and status
	NotificationDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "notification_deliveries_total", Help: "Notification deliveries by event type and status."},
		[]string{"event_type", "status"},
	)
)

// RegisterDefault registers collectors to the dedicated registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests)
		Registry.MustRegister(HTTPDuration)
		Registry.MustRegister(EngineTicks)
		Registry.MustRegister(EngineTickDuration)
		Registry.MustRegister(Assignments)
		Registry.MustRegister(OfferOutcomes)
		Registry.MustRegister(DispatchFailures)
		Registry.MustRegister(SLAAlerts)
		Registry.MustRegister(OpenEscalations)
		Registry.MustRegister(RouteEvaluations)
		Registry.MustRegister(DistanceSavedKm)
		Registry.MustRegister(BatchesCreated)
		Registry.MustRegister(BatchedOrders)
		Registry.MustRegister(NotificationDeliveries)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once
