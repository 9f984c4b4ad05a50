package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"fleetops/internal/driver"
	"fleetops/internal/geo"
	"fleetops/internal/metrics"
	"fleetops/internal/model"
	"fleetops/internal/notify"
	"fleetops/internal/runner"
	"fleetops/internal/store"
)

type Config struct {
	Interval           time.Duration
	OfferTimeout       time.Duration
	MaxOffersPerOrder  int
	FlashRadiusKm      float64
	MaxConcurrentFlash int
}

func DefaultConfig() Config {
	return Config{
		Interval:           10 * time.Second,
		OfferTimeout:       30 * time.Second,
		MaxOffersPerOrder:  3,
		FlashRadiusKm:      5,
		MaxConcurrentFlash: 2,
	}
}

// Result reports the outcome of one assignment attempt.
type Result struct {
	DriverID     string               `json:"driverId"`
	Type         model.AssignmentType `json:"assignmentType"`
	Score        model.ScoreBreakdown `json:"score"`
	Alternatives int                  `json:"alternativesConsidered"`
}

// Engine is the auto-dispatch loop. Each tick it scans unassigned orders and
// pending batches, ranks eligible drivers, and runs the offer protocol.
type Engine struct {
	store     store.Store
	machine   *driver.Machine
	geo       geo.Provider
	transport Transport
	events    notify.Sink
	cfg       Config
	log       zerolog.Logger
	loop      *runner.Loop
}

func NewEngine(st store.Store, m *driver.Machine, g geo.Provider, tr Transport, events notify.Sink, cfg Config, log zerolog.Logger) *Engine {
	if tr == nil {
		tr = AutoAccept{}
	}
	if events == nil {
		events = notify.Noop{}
	}
	e := &Engine{store: st, machine: m, geo: g, transport: tr, events: events, cfg: cfg, log: log.With().Str("engine", "dispatch").Logger()}
	e.loop = runner.New("dispatch", cfg.Interval, e.tick)
	return e
}

func (e *Engine) Start(ctx context.Context) error { return e.loop.Start(ctx) }
func (e *Engine) Stop() error                     { return e.loop.Stop() }
func (e *Engine) Status() runner.Status           { return e.loop.Status() }

func (e *Engine) tick(ctx context.Context) {
	start := time.Now()
	defer func() {
		metrics.EngineTicks.WithLabelValues("dispatch").Inc()
		metrics.EngineTickDuration.WithLabelValues("dispatch").Observe(time.Since(start).Seconds())
	}()

	batches, err := e.store.PendingBatches(ctx)
	if err != nil {
		e.log.Error().Err(err).Msg("list pending batches")
	}
	for _, b := range batches {
		if ctx.Err() != nil {
			return
		}
		u, err := e.unitForBatch(ctx, b)
		if err != nil {
			e.log.Error().Err(err).Str("batch", b.ID).Msg("build batch unit")
			continue
		}
		if _, err := e.dispatchUnit(ctx, u); err != nil && !errors.Is(err, ErrNoEligibleDrivers) {
			e.log.Error().Err(err).Str("batch", b.ID).Msg("dispatch batch")
		}
	}

	orders, err := e.store.ListOrdersByStatus(ctx, model.OrderUnassigned)
	if err != nil {
		e.log.Error().Err(err).Msg("list unassigned orders")
		return
	}
	// Batched orders are dispatched through their batch, not individually.
	pending := orders[:0]
	for _, o := range orders {
		if o.BatchID == "" {
			pending = append(pending, o)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].Priority != pending[j].Priority {
			return pending[i].Priority > pending[j].Priority
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	for _, o := range pending {
		if ctx.Err() != nil {
			return
		}
		if _, err := e.dispatchUnit(ctx, unitForOrder(o)); err != nil && !errors.Is(err, ErrNoEligibleDrivers) {
			e.log.Error().Err(err).Str("order", o.ID).Msg("dispatch order")
		}
	}
}

// AssignOrder runs the scoring and offer protocol for one order outside the
// tick cycle and reports the chosen driver and score breakdown.
func (e *Engine) AssignOrder(ctx context.Context, orderID string) (Result, error) {
	o, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return Result{}, err
	}
	if o.Status != model.OrderUnassigned {
		return Result{}, fmt.Errorf("order %s is %s: %w", orderID, o.Status, store.ErrConflict)
	}
	return e.dispatchUnit(ctx, unitForOrder(o))
}

func unitForOrder(o model.Order) unit {
	return unit{
		OrderIDs:    []string{o.ID},
		orders:      []model.Order{o},
		Pickup:      o.Pickup,
		Dropoff:     o.Dropoff,
		ServiceType: o.ServiceType,
		Priority:    o.Priority,
		WeightKg:    o.WeightKg,
		VolumeM3:    o.VolumeM3,
	}
}

func (e *Engine) unitForBatch(ctx context.Context, b model.OrderBatch) (unit, error) {
	u := unit{BatchID: b.ID, OrderIDs: b.OrderIDs, ServiceType: b.ServiceType, WeightKg: b.TotalWeightKg}
	for _, id := range b.OrderIDs {
		o, err := e.store.GetOrder(ctx, id)
		if err != nil {
			return unit{}, fmt.Errorf("batch %s order %s: %w", b.ID, id, err)
		}
		if o.Status != model.OrderUnassigned {
			continue
		}
		u.orders = append(u.orders, o)
		u.VolumeM3 += o.VolumeM3
		if o.Priority > u.Priority {
			u.Priority = o.Priority
		}
	}
	if len(u.orders) == 0 {
		return unit{}, fmt.Errorf("batch %s has no dispatchable orders: %w", b.ID, store.ErrConflict)
	}
	u.Pickup = u.orders[0].Pickup
	u.Dropoff = u.orders[len(u.orders)-1].Dropoff
	return u, nil
}

func (e *Engine) dispatchUnit(ctx context.Context, u unit) (Result, error) {
	cands, err := e.candidates(ctx, u, true)
	if err != nil {
		return Result{}, err
	}

	offered := 0
	for _, c := range cands {
		if offered >= e.cfg.MaxOffersPerOrder {
			break
		}
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		offered++
		switch err := e.offer(ctx, c, u); {
		case err == nil:
			res, err := e.commit(ctx, u, c, model.AutoAssigned, len(cands)-1)
			if err == nil {
				metrics.OfferOutcomes.WithLabelValues("accepted").Inc()
				return res, nil
			}
			if errors.Is(err, store.ErrConflict) {
				// Someone else claimed the driver or order between the
				// accept and the commit. Treat as a lost offer.
				e.log.Warn().Str("driver", c.Driver.ID).Msg("commit raced, advancing to next candidate")
				continue
			}
			return Result{}, err
		case errors.Is(err, ErrOfferRejected):
			metrics.OfferOutcomes.WithLabelValues("rejected").Inc()
		case errors.Is(err, ErrOfferTimeout):
			metrics.OfferOutcomes.WithLabelValues("timeout").Inc()
		default:
			e.log.Warn().Err(err).Str("driver", c.Driver.ID).Msg("offer transport error")
			metrics.OfferOutcomes.WithLabelValues("timeout").Inc()
		}
	}

	// Candidate set exhausted. Force-assign the best driver that still
	// satisfies the hard constraints.
	forced, err := e.candidates(ctx, u, false)
	if err != nil {
		return Result{}, err
	}
	for _, c := range forced {
		res, err := e.commit(ctx, u, c, model.ForceAssigned, len(forced)-1)
		if err == nil {
			return res, nil
		}
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		return Result{}, err
	}

	e.dispatchFailed(ctx, u)
	return Result{}, ErrNoEligibleDrivers
}

// candidates returns the scored, ranked driver set. With soft=false only the
// hard constraints apply, which is the force-assignment pool.
func (e *Engine) candidates(ctx context.Context, u unit, soft bool) ([]candidate, error) {
	drivers, err := e.store.ListDriversByState(ctx, model.DriverAvailable)
	if err != nil {
		return nil, err
	}
	cands := make([]candidate, 0, len(drivers))
	for _, d := range drivers {
		if ok, reason := hardEligible(d, u); !ok {
			e.log.Debug().Str("driver", d.ID).Str("reason", reason).Msg("ineligible")
			continue
		}
		distKm, err := e.geo.DistanceBetween(ctx, d.Location, u.Pickup)
		if err != nil {
			// Geo outage skips this driver for this tick only.
			e.log.Warn().Err(err).Str("driver", d.ID).Msg("distance lookup failed")
			continue
		}
		if soft {
			if ok, reason := softEligible(d, u, distKm, e.cfg); !ok {
				e.log.Debug().Str("driver", d.ID).Str("reason", reason).Msg("soft ineligible")
				continue
			}
		}
		cands = append(cands, candidate{Driver: d, Score: scoreDriver(d, u, distKm), DistanceKm: distKm})
	}
	rankCandidates(cands)
	return cands, nil
}

func (e *Engine) offer(ctx context.Context, c candidate, u unit) error {
	offerCtx, cancel := context.WithTimeout(ctx, e.cfg.OfferTimeout)
	defer cancel()
	o := Offer{
		ID:          uuid.New().String(),
		Pickup:      u.Pickup,
		Dropoff:     u.Dropoff,
		ServiceType: u.ServiceType,
		WeightKg:    u.WeightKg,
		DistanceKm:  c.DistanceKm,
		ExpiresAt:   time.Now().Add(e.cfg.OfferTimeout),
	}
	if u.BatchID != "" {
		o.BatchID = u.BatchID
	} else {
		o.OrderID = u.OrderIDs[0]
	}
	return e.transport.Offer(offerCtx, c.Driver.ID, o)
}

// commit finalizes an accepted offer: driver to BUSY with the load applied,
// orders to ASSIGNED, batch to processing, plus the assignment row and the
// initial route. The driver transition is the serialization point; losing it
// surfaces as store.ErrConflict and the caller advances to the next
// candidate.
func (e *Engine) commit(ctx context.Context, u unit, c candidate, atype model.AssignmentType, alternatives int) (Result, error) {
	mutate := func(d *model.Driver) {
		d.CurrentLoadKg += u.WeightKg
		d.CurrentVolumeM3 += u.VolumeM3
		if u.ServiceType == model.ServiceFlash {
			d.ActiveFlashOrders++
		}
	}
	if _, err := e.machine.TransitionFrom(ctx, c.Driver.ID, model.DriverAvailable, model.DriverBusy, "assignment accepted", "dispatch", mutate); err != nil {
		return Result{}, err
	}

	assigned := 0
	for _, o := range u.orders {
		_, err := e.store.UpdateOrderStatus(ctx, o.ID, model.OrderUnassigned, model.OrderAssigned, func(ord *model.Order) {
			ord.DriverID = c.Driver.ID
			ord.BatchID = u.BatchID
		})
		if err != nil {
			if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
				e.log.Warn().Err(err).Str("order", o.ID).Msg("order slipped away during commit")
				continue
			}
			e.rollbackDriver(ctx, c.Driver.ID, u)
			return Result{}, err
		}
		assigned++
	}
	if assigned == 0 {
		e.rollbackDriver(ctx, c.Driver.ID, u)
		return Result{}, fmt.Errorf("all orders claimed elsewhere: %w", store.ErrConflict)
	}

	if u.BatchID != "" {
		if _, err := e.store.UpdateBatchStatus(ctx, u.BatchID, model.BatchPending, model.BatchProcessing, func(b *model.OrderBatch) {
			b.DriverID = c.Driver.ID
		}); err != nil {
			e.log.Error().Err(err).Str("batch", u.BatchID).Msg("batch status update")
		}
	}

	a := model.Assignment{
		DriverID:               c.Driver.ID,
		BatchID:                u.BatchID,
		Type:                   atype,
		Score:                  c.Score,
		AlternativesConsidered: alternatives,
		CreatedAt:              time.Now().UTC(),
	}
	if u.BatchID == "" {
		a.OrderID = u.OrderIDs[0]
	}
	if err := e.store.CreateAssignment(ctx, a); err != nil {
		e.log.Error().Err(err).Msg("write assignment row")
	}

	if err := e.store.SaveRoute(ctx, initialRoute(c.Driver.ID, u.orders)); err != nil {
		e.log.Error().Err(err).Str("driver", c.Driver.ID).Msg("save route")
	}

	metrics.Assignments.WithLabelValues(string(atype)).Inc()
	e.events.Publish(ctx, "assignment.created", a)
	e.log.Info().Str("driver", c.Driver.ID).Str("type", string(atype)).
		Float64("score", c.Score.Total).Int("orders", assigned).Msg("assignment committed")
	return Result{DriverID: c.Driver.ID, Type: atype, Score: c.Score, Alternatives: alternatives}, nil
}

func (e *Engine) rollbackDriver(ctx context.Context, driverID string, u unit) {
	_, err := e.machine.TransitionFrom(ctx, driverID, model.DriverBusy, model.DriverAvailable, "assignment rollback", "dispatch", func(d *model.Driver) {
		d.CurrentLoadKg -= u.WeightKg
		if d.CurrentLoadKg < 0 {
			d.CurrentLoadKg = 0
		}
		d.CurrentVolumeM3 -= u.VolumeM3
		if d.CurrentVolumeM3 < 0 {
			d.CurrentVolumeM3 = 0
		}
		if u.ServiceType == model.ServiceFlash && d.ActiveFlashOrders > 0 {
			d.ActiveFlashOrders--
		}
	})
	if err != nil {
		e.log.Error().Err(err).Str("driver", driverID).Msg("assignment rollback failed")
	}
}

func (e *Engine) dispatchFailed(ctx context.Context, u unit) {
	metrics.DispatchFailures.Inc()
	msg := "no eligible drivers"
	a := model.Alert{
		Type:     model.AlertDispatchFailed,
		Severity: model.SeverityHigh,
		Message:  msg,
	}
	if u.BatchID != "" {
		a.Message = fmt.Sprintf("%s for batch %s", msg, u.BatchID)
	} else {
		a.OrderID = u.OrderIDs[0]
		a.Message = fmt.Sprintf("%s for order %s", msg, u.OrderIDs[0])
	}
	if err := e.store.CreateAlert(ctx, a); err != nil {
		e.log.Error().Err(err).Msg("write dispatch-failed alert")
	}
	e.events.Publish(ctx, "dispatch.failed", a)
}

// initialRoute sequences all pickups before all dropoffs in order-creation
// order. The route optimizer takes it from there.
func initialRoute(driverID string, orders []model.Order) model.Route {
	stops := make([]model.RouteStop, 0, len(orders)*2)
	for _, o := range orders {
		stops = append(stops, model.RouteStop{OrderID: o.ID, Kind: model.StopPickup, Location: o.Pickup})
	}
	for _, o := range orders {
		stops = append(stops, model.RouteStop{OrderID: o.ID, Kind: model.StopDropoff, Location: o.Dropoff})
	}
	return model.Route{DriverID: driverID, Stops: stops, UpdatedAt: time.Now().UTC()}
}
