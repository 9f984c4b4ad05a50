package routeopt

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"fleetops/internal/geo"
	"fleetops/internal/metrics"
	"fleetops/internal/model"
	"fleetops/internal/notify"
	"fleetops/internal/runner"
	"fleetops/internal/store"
)

// ErrNothingToOptimize means the driver has fewer than two remaining stops.
var ErrNothingToOptimize = errors.New("route has fewer than two remaining stops")

type Config struct {
	OptimizeInterval     time.Duration
	TrafficInterval      time.Duration
	ImprovementThreshold float64 // fraction, apply only above this
}

func DefaultConfig() Config {
	return Config{
		OptimizeInterval:     5 * time.Minute,
		TrafficInterval:      1 * time.Minute,
		ImprovementThreshold: 0.10,
	}
}

// Engine periodically re-evaluates every busy driver's route and reacts to
// traffic incidents on a faster check interval. A new sequence is applied
// only when the improvement clears the threshold; every evaluation is
// recorded either way.
type Engine struct {
	store  store.Store
	geo    geo.Provider
	events notify.Sink
	cfg    Config
	log    zerolog.Logger

	optLoop     *runner.Loop
	trafficLoop *runner.Loop
}

func NewEngine(st store.Store, g geo.Provider, events notify.Sink, cfg Config, log zerolog.Logger) *Engine {
	if events == nil {
		events = notify.Noop{}
	}
	e := &Engine{store: st, geo: g, events: events, cfg: cfg, log: log.With().Str("engine", "routeopt").Logger()}
	e.optLoop = runner.New("routeopt", cfg.OptimizeInterval, e.tickOptimize)
	e.trafficLoop = runner.New("routeopt-traffic", cfg.TrafficInterval, e.tickTraffic)
	return e
}

func (e *Engine) Start(ctx context.Context) error {
	if err := e.optLoop.Start(ctx); err != nil {
		return err
	}
	if err := e.trafficLoop.Start(ctx); err != nil {
		_ = e.optLoop.Stop()
		return err
	}
	return nil
}

func (e *Engine) Stop() error {
	err := e.optLoop.Stop()
	if terr := e.trafficLoop.Stop(); err == nil {
		err = terr
	}
	return err
}

func (e *Engine) Status() runner.Status { return e.optLoop.Status() }
func (e *Engine) Running() bool         { return e.optLoop.Running() }

func (e *Engine) tickOptimize(ctx context.Context) {
	start := time.Now()
	defer func() {
		metrics.EngineTicks.WithLabelValues("routeopt").Inc()
		metrics.EngineTickDuration.WithLabelValues("routeopt").Observe(time.Since(start).Seconds())
	}()
	drivers, err := e.store.ListDriversByState(ctx, model.DriverBusy)
	if err != nil {
		e.log.Error().Err(err).Msg("list busy drivers")
		return
	}
	for _, d := range drivers {
		if ctx.Err() != nil {
			return
		}
		if _, err := e.evaluateDriver(ctx, d.ID, "periodic"); err != nil && !errors.Is(err, ErrNothingToOptimize) && !errors.Is(err, store.ErrNotFound) {
			e.log.Warn().Err(err).Str("driver", d.ID).Msg("route evaluation failed")
		}
	}
}

func (e *Engine) tickTraffic(ctx context.Context) {
	incidents, err := e.store.ActiveIncidents(ctx)
	if err != nil {
		e.log.Error().Err(err).Msg("list active incidents")
		return
	}
	for _, in := range incidents {
		if ctx.Err() != nil {
			return
		}
		if err := e.HandleTrafficIncident(ctx, in); err != nil {
			e.log.Warn().Err(err).Str("incident", in.ID).Msg("incident handling failed")
		}
	}
}

// HandleTrafficIncident re-optimizes every busy driver with a remaining stop
// inside the incident radius, out of cycle, then resolves the incident with
// the affected order set.
func (e *Engine) HandleTrafficIncident(ctx context.Context, in model.TrafficIncident) error {
	drivers, err := e.store.ListDriversByState(ctx, model.DriverBusy)
	if err != nil {
		return err
	}
	var affectedOrders []string
	for _, d := range drivers {
		r, err := e.store.GetRoute(ctx, d.ID)
		if err != nil {
			continue
		}
		hit := false
		for _, s := range r.RemainingStops() {
			dist, err := e.geo.DistanceBetween(ctx, in.Location, s.Location)
			if err != nil {
				continue
			}
			if dist <= in.RadiusKm {
				hit = true
				affectedOrders = appendUnique(affectedOrders, s.OrderID)
			}
		}
		if !hit {
			continue
		}
		if _, err := e.evaluateDriver(ctx, d.ID, "traffic"); err != nil && !errors.Is(err, ErrNothingToOptimize) {
			e.log.Warn().Err(err).Str("driver", d.ID).Str("incident", in.ID).Msg("traffic reoptimization failed")
		}
	}
	if err := e.store.ResolveIncident(ctx, in.ID, affectedOrders); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	e.events.Publish(ctx, "traffic.handled", map[string]any{"incidentId": in.ID, "affectedOrders": affectedOrders})
	return nil
}

// OptimizeDriver runs one synchronous evaluate-and-conditionally-apply pass
// for the given driver.
func (e *Engine) OptimizeDriver(ctx context.Context, driverID string) (model.OptimizationRecord, error) {
	return e.evaluateDriver(ctx, driverID, "manual")
}

func (e *Engine) evaluateDriver(ctx context.Context, driverID, trigger string) (model.OptimizationRecord, error) {
	route, err := e.store.GetRoute(ctx, driverID)
	if err != nil {
		return model.OptimizationRecord{}, err
	}
	remaining := route.RemainingStops()
	if len(remaining) < 2 {
		return model.OptimizationRecord{}, ErrNothingToOptimize
	}
	d, err := e.store.GetDriver(ctx, driverID)
	if err != nil {
		return model.OptimizationRecord{}, err
	}

	originalKm, err := geo.PathKm(ctx, e.geo, d.Location, remaining)
	if err != nil {
		return model.OptimizationRecord{}, err
	}
	seq, optimizedKm, dur, err := e.geo.ReoptimizeSequence(ctx, d.Location, remaining)
	if err != nil {
		return model.OptimizationRecord{}, err
	}

	reordered := false
	for i, idx := range seq {
		if idx != i {
			reordered = true
			break
		}
	}
	improvement := 0.0
	if originalKm > 0 {
		improvement = (originalKm - optimizedKm) / originalKm
	}
	applied := reordered && improvement > e.cfg.ImprovementThreshold

	rec := model.OptimizationRecord{
		DriverID:            driverID,
		OriginalDistanceKm:  originalKm,
		OptimizedDistanceKm: optimizedKm,
		ImprovementPct:      improvement * 100,
		DistanceSavedKm:     originalKm - optimizedKm,
		StopsReordered:      reordered,
		Applied:             applied,
		Algorithm:           "nn+2opt",
		Trigger:             trigger,
		At:                  time.Now().UTC(),
	}
	if optimizedKm > 0 {
		rec.TimeSavedMinutes = dur.Minutes() * (originalKm/optimizedKm - 1)
	}

	if applied {
		resequenced := make([]model.RouteStop, 0, len(remaining))
		for _, idx := range seq {
			resequenced = append(resequenced, remaining[idx])
		}
		resequenced = repairPrecedence(resequenced)
		stops := make([]model.RouteStop, 0, len(route.Stops))
		for _, s := range route.Stops {
			if s.Completed {
				stops = append(stops, s)
			}
		}
		stops = append(stops, resequenced...)
		if err := e.store.SaveRoute(ctx, model.Route{
			DriverID:        driverID,
			Stops:           stops,
			TotalDistanceKm: optimizedKm,
			UpdatedAt:       rec.At,
		}); err != nil {
			// The route keeps its old order; the evaluation is still recorded.
			rec.Applied = false
			metrics.RouteEvaluations.WithLabelValues("skipped").Inc()
			e.log.Error().Err(err).Str("driver", driverID).Msg("save resequenced route")
			if cerr := e.store.CreateOptimizationRecord(ctx, rec); cerr != nil {
				e.log.Error().Err(cerr).Str("driver", driverID).Msg("write optimization record")
			}
			return rec, err
		}
		metrics.RouteEvaluations.WithLabelValues("applied").Inc()
		metrics.DistanceSavedKm.Add(rec.DistanceSavedKm)
		e.events.Publish(ctx, "route.optimized", rec)
		e.log.Info().Str("driver", driverID).Str("trigger", trigger).
			Float64("improvementPct", rec.ImprovementPct).Msg("route resequenced")
	} else {
		metrics.RouteEvaluations.WithLabelValues("skipped").Inc()
		e.log.Debug().Str("driver", driverID).Float64("improvementPct", rec.ImprovementPct).
			Msg("no significant improvement")
	}

	if err := e.store.CreateOptimizationRecord(ctx, rec); err != nil {
		e.log.Error().Err(err).Str("driver", driverID).Msg("write optimization record")
	}
	return rec, nil
}

// repairPrecedence restores pickup-before-dropoff for each order after a
// generic resequencing.
func repairPrecedence(stops []model.RouteStop) []model.RouteStop {
	pickupAt := map[string]int{}
	for i, s := range stops {
		if s.Kind == model.StopPickup {
			pickupAt[s.OrderID] = i
		}
	}
	for i, s := range stops {
		if s.Kind != model.StopDropoff {
			continue
		}
		if p, ok := pickupAt[s.OrderID]; ok && p > i {
			stops[i], stops[p] = stops[p], stops[i]
			pickupAt[s.OrderID] = i
		}
	}
	return stops
}

func appendUnique(xs []string, x string) []string {
	for _, v := range xs {
		if v == x {
			return xs
		}
	}
	return append(xs, x)
}
