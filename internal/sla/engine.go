package sla

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fleetops/internal/driver"
	"fleetops/internal/metrics"
	"fleetops/internal/model"
	"fleetops/internal/notify"
	"fleetops/internal/runner"
	"fleetops/internal/store"
)

type Config struct {
	Interval             time.Duration
	StalenessWindow      time.Duration
	BreachHistoryCap     int
	UrgentHorizonMinutes float64
	HighVolumeThreshold  int
}

func DefaultConfig() Config {
	return Config{
		Interval:             60 * time.Second,
		StalenessWindow:      45 * time.Second,
		BreachHistoryCap:     100,
		UrgentHorizonMinutes: 5,
		HighVolumeThreshold:  50,
	}
}

// BreachRecord is one entry of the bounded breach history.
type BreachRecord struct {
	OrderID       string            `json:"orderId"`
	ServiceType   model.ServiceType `json:"serviceType"`
	ExceedMinutes float64           `json:"exceedMinutes"`
	At            time.Time         `json:"at"`
}

// BreachStats summarize the retained breach history.
type BreachStats struct {
	Total     int                       `json:"total"`
	Last24h   int                       `json:"last24h"`
	ByService map[model.ServiceType]int `json:"byService"`
}

// Recommendation is a forecast-driven operator hint.
type Recommendation struct {
	Kind    string `json:"kind"` // urgent or capacity
	Message string `json:"message"`
}

// ComplianceForecast predicts near-term breach pressure.
type ComplianceForecast struct {
	BreachWithin15  int              `json:"breachWithin15"`
	BreachWithin30  int              `json:"breachWithin30"`
	Recommendations []Recommendation `json:"recommendations"`
}

// Engine is the SLA risk loop. It classifies every active order each pass,
// raises alerts on category changes, maintains escalation records, and
// executes emergency reassignments for unrecoverable critical orders.
type Engine struct {
	store   store.Store
	machine *driver.Machine
	events  notify.Sink
	cfg     Config
	tiers   map[model.ServiceType]Thresholds
	log     zerolog.Logger
	loop    *runner.Loop

	mu         sync.Mutex
	categories map[string]Category
	breaches   []BreachRecord // most-recent-first
	lastPass   time.Time
}

func NewEngine(st store.Store, m *driver.Machine, events notify.Sink, cfg Config, log zerolog.Logger) *Engine {
	if events == nil {
		events = notify.Noop{}
	}
	e := &Engine{
		store: st, machine: m, events: events, cfg: cfg,
		tiers:      DefaultThresholds(),
		log:        log.With().Str("engine", "sla").Logger(),
		categories: map[string]Category{},
	}
	e.loop = runner.New("sla", cfg.Interval, e.tick)
	return e
}

func (e *Engine) Start(ctx context.Context) error { return e.loop.Start(ctx) }
func (e *Engine) Stop() error                     { return e.loop.Stop() }
func (e *Engine) Status() runner.Status           { return e.loop.Status() }

// Healthy reports whether a classification pass ran inside the staleness
// window. Supervisors use this to detect a stalled loop.
func (e *Engine) Healthy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.lastPass.IsZero() && time.Since(e.lastPass) <= e.cfg.StalenessWindow
}

func (e *Engine) tick(ctx context.Context) {
	start := time.Now()
	defer func() {
		metrics.EngineTicks.WithLabelValues("sla").Inc()
		metrics.EngineTickDuration.WithLabelValues("sla").Observe(time.Since(start).Seconds())
	}()
	now := time.Now().UTC()

	orders, err := e.store.ListActiveOrders(ctx)
	if err != nil {
		e.log.Error().Err(err).Msg("list active orders")
		return
	}

	seen := make(map[string]struct{}, len(orders))
	for _, o := range orders {
		seen[o.ID] = struct{}{}
		th := ThresholdsFor(e.tiers, o.ServiceType, o.SLAMinutes)
		elapsed := now.Sub(o.CreatedAt).Minutes()
		cat := Classify(elapsed, th)

		e.mu.Lock()
		prev, ok := e.categories[o.ID]
		if !ok {
			prev = CategoryNormal
		}
		e.categories[o.ID] = cat
		e.mu.Unlock()

		if cat != prev && cat != CategoryNormal {
			e.onCategoryChange(ctx, o, cat, th, elapsed, now)
		}
	}

	// Orders that left the active set carry no more risk.
	e.mu.Lock()
	var gone []string
	for id := range e.categories {
		if _, ok := seen[id]; !ok {
			gone = append(gone, id)
			delete(e.categories, id)
		}
	}
	e.lastPass = now
	e.mu.Unlock()
	for _, id := range gone {
		e.resolveEscalation(ctx, id, "order reached a terminal state")
	}

	e.updateEscalationGauge(ctx)
}

func (e *Engine) onCategoryChange(ctx context.Context, o model.Order, cat Category, th Thresholds, elapsed float64, now time.Time) {
	alertType := model.AlertSLAWarning
	switch cat {
	case CategoryCritical:
		alertType = model.AlertSLACritical
	case CategoryBreach:
		alertType = model.AlertSLABreach
	}
	a := model.Alert{
		Type:     alertType,
		Severity: AlertSeverity(cat),
		OrderID:  o.ID,
		DriverID: o.DriverID,
		Message: fmt.Sprintf("order %s (%s) is %s: %.0f of %.0f minutes elapsed",
			o.ID, o.ServiceType, cat, elapsed, th.Target),
	}
	if err := e.store.CreateAlert(ctx, a); err != nil {
		e.log.Error().Err(err).Str("order", o.ID).Msg("write alert")
	}
	metrics.SLAAlerts.WithLabelValues(string(cat)).Inc()
	e.events.Publish(ctx, "sla.alert", a)
	if cat == CategoryCritical || cat == CategoryBreach {
		e.events.Publish(ctx, "customer.notify", map[string]any{"orderId": o.ID, "category": cat})
		e.ensureEscalation(ctx, o, cat, th, elapsed)
	}
	if cat == CategoryBreach {
		e.recordBreach(o, elapsed-th.Breach, now)
	}

	actions := CorrectiveActions(o, cat, CanMeetSLA(o, now))
	if len(actions) > 0 {
		e.events.Publish(ctx, "sla.actions", actions)
	}
	for _, act := range actions {
		if act.Type == ActionEmergencyReassignment {
			e.emergencyReassign(ctx, o)
		}
	}
	e.log.Warn().Str("order", o.ID).Str("category", string(cat)).
		Float64("elapsedMin", elapsed).Int("actions", len(actions)).Msg("sla category change")
}

func (e *Engine) ensureEscalation(ctx context.Context, o model.Order, cat Category, th Thresholds, elapsed float64) {
	sev := AlertSeverity(cat)
	if existing, found, err := e.store.OpenEscalationForOrder(ctx, o.ID); err == nil && found {
		if existing.Severity != sev {
			_, _ = e.store.UpdateEscalation(ctx, existing.ID, func(esc *model.Escalation) {
				esc.Severity = sev
			})
		}
		return
	}
	esc := model.Escalation{
		OrderID:         o.ID,
		DriverID:        o.DriverID,
		Type:            model.EscalationSLARisk,
		Severity:        sev,
		Status:          model.EscalationOpen,
		SLAMinutes:      th.Target,
		MinutesToBreach: th.Breach - elapsed,
	}
	if err := e.store.CreateEscalation(ctx, esc); err != nil {
		e.log.Error().Err(err).Str("order", o.ID).Msg("create escalation")
	}
}

func (e *Engine) resolveEscalation(ctx context.Context, orderID, resolution string) {
	esc, found, err := e.store.OpenEscalationForOrder(ctx, orderID)
	if err != nil || !found {
		return
	}
	_, err = e.store.UpdateEscalation(ctx, esc.ID, func(esc *model.Escalation) {
		esc.Status = model.EscalationResolved
		esc.Resolution = resolution
	})
	if err != nil {
		e.log.Error().Err(err).Str("order", orderID).Msg("resolve escalation")
	}
}

func (e *Engine) recordBreach(o model.Order, exceedMinutes float64, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec := BreachRecord{OrderID: o.ID, ServiceType: o.ServiceType, ExceedMinutes: exceedMinutes, At: now}
	e.breaches = append([]BreachRecord{rec}, e.breaches...)
	if len(e.breaches) > e.cfg.BreachHistoryCap {
		e.breaches = e.breaches[:e.cfg.BreachHistoryCap]
	}
}

// emergencyReassign pulls an unrecoverable critical order back into the
// dispatch pool at top priority and frees its driver. Only orders not yet
// picked up can be pulled back.
func (e *Engine) emergencyReassign(ctx context.Context, o model.Order) {
	if o.Status != model.OrderAssigned || o.DriverID == "" {
		return
	}
	driverID := o.DriverID
	_, err := e.store.UpdateOrderStatus(ctx, o.ID, model.OrderAssigned, model.OrderUnassigned, func(ord *model.Order) {
		ord.DriverID = ""
		ord.BatchID = ""
		ord.Priority = 10
	})
	if err != nil {
		e.log.Warn().Err(err).Str("order", o.ID).Msg("emergency reassignment lost the race")
		return
	}
	_, err = e.machine.TransitionFrom(ctx, driverID, model.DriverBusy, model.DriverAvailable, "emergency reassignment", "sla", func(d *model.Driver) {
		d.CurrentLoadKg -= o.WeightKg
		if d.CurrentLoadKg < 0 {
			d.CurrentLoadKg = 0
		}
		d.CurrentVolumeM3 -= o.VolumeM3
		if d.CurrentVolumeM3 < 0 {
			d.CurrentVolumeM3 = 0
		}
		if o.ServiceType == model.ServiceFlash && d.ActiveFlashOrders > 0 {
			d.ActiveFlashOrders--
		}
	})
	if err != nil {
		e.log.Warn().Err(err).Str("driver", driverID).Msg("driver release after reassignment")
	}
	if err := e.store.DeleteRoute(ctx, driverID); err != nil {
		e.log.Warn().Err(err).Str("driver", driverID).Msg("route cleanup after reassignment")
	}
	e.events.Publish(ctx, "sla.reassigned", map[string]any{"orderId": o.ID, "driverId": driverID})
	e.log.Warn().Str("order", o.ID).Str("driver", driverID).Msg("emergency reassignment executed")
}

// GetBreachStats reports totals from the retained history.
func (e *Engine) GetBreachStats() BreachStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := BreachStats{Total: len(e.breaches), ByService: map[model.ServiceType]int{}}
	cutoff := time.Now().UTC().Add(-24 * time.Hour)
	for _, b := range e.breaches {
		st.ByService[b.ServiceType]++
		if b.At.After(cutoff) {
			st.Last24h++
		}
	}
	return st
}

// Breaches returns a copy of the breach history, most recent first.
func (e *Engine) Breaches() []BreachRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]BreachRecord, len(e.breaches))
	copy(out, e.breaches)
	return out
}

// PredictCompliance counts orders expected to breach inside the 15 and 30
// minute horizons and generates urgent/capacity recommendations.
func (e *Engine) PredictCompliance(ctx context.Context) (ComplianceForecast, error) {
	now := time.Now().UTC()
	orders, err := e.store.ListActiveOrders(ctx)
	if err != nil {
		return ComplianceForecast{}, err
	}

	e.mu.Lock()
	sinceCheck := 0.0
	if !e.lastPass.IsZero() {
		sinceCheck = now.Sub(e.lastPass).Minutes()
	}
	e.mu.Unlock()

	fc := ComplianceForecast{}
	byService := map[model.ServiceType]int{}
	urgent := false
	for _, o := range orders {
		byService[o.ServiceType]++
		th := ThresholdsFor(e.tiers, o.ServiceType, o.SLAMinutes)
		elapsed := now.Sub(o.CreatedAt).Minutes()
		cat := Classify(elapsed, th)
		if cat != CategoryWarning && cat != CategoryCritical {
			continue
		}
		remaining := th.Breach - elapsed - sinceCheck
		if remaining <= 15 {
			fc.BreachWithin15++
		}
		if remaining <= 30 {
			fc.BreachWithin30++
		}
		if remaining <= e.cfg.UrgentHorizonMinutes {
			urgent = true
		}
	}
	if urgent {
		fc.Recommendations = append(fc.Recommendations, Recommendation{
			Kind:    "urgent",
			Message: fmt.Sprintf("orders within %.0f minutes of breach need immediate intervention", e.cfg.UrgentHorizonMinutes),
		})
	}
	for st, n := range byService {
		if n > e.cfg.HighVolumeThreshold {
			fc.Recommendations = append(fc.Recommendations, Recommendation{
				Kind:    "capacity",
				Message: fmt.Sprintf("high volume of %s orders (%d active), consider adding capacity", st, n),
			})
		}
	}
	return fc, nil
}

func (e *Engine) updateEscalationGauge(ctx context.Context) {
	open, err := e.store.ListEscalationsByStatus(ctx, model.EscalationOpen)
	if err != nil {
		return
	}
	counts := map[model.Severity]int{
		model.SeverityLow: 0, model.SeverityMedium: 0, model.SeverityHigh: 0, model.SeverityCritical: 0,
	}
	for _, esc := range open {
		counts[esc.Severity]++
	}
	for sev, n := range counts {
		metrics.OpenEscalations.WithLabelValues(string(sev)).Set(float64(n))
	}
}
