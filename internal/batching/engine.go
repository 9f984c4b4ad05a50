package batching

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"fleetops/internal/geo"
	"fleetops/internal/metrics"
	"fleetops/internal/model"
	"fleetops/internal/notify"
	"fleetops/internal/runner"
	"fleetops/internal/store"
)

type Config struct {
	Interval         time.Duration
	MinOrdersInBatch int
	MaxOrdersInBatch int
	MaxDistanceKm    float64
	ZoneCellDegrees  float64
}

func DefaultConfig() Config {
	return Config{
		Interval:         10 * time.Minute,
		MinOrdersInBatch: 2,
		MaxOrdersInBatch: 5,
		MaxDistanceKm:    3,
		ZoneCellDegrees:  0.1,
	}
}

// Report summarizes one batching pass.
type Report struct {
	BatchesCreated int `json:"batchesCreated"`
	OrdersBatched  int `json:"ordersBatched"`
}

// Engine folds compatible unassigned orders into shared-trip batches the
// dispatch engine later assigns as single units.
type Engine struct {
	store  store.Store
	geo    geo.Provider
	events notify.Sink
	cfg    Config
	log    zerolog.Logger
	loop   *runner.Loop
}

func NewEngine(st store.Store, g geo.Provider, events notify.Sink, cfg Config, log zerolog.Logger) *Engine {
	if events == nil {
		events = notify.Noop{}
	}
	e := &Engine{store: st, geo: g, events: events, cfg: cfg, log: log.With().Str("engine", "batching").Logger()}
	e.loop = runner.New("batching", cfg.Interval, func(ctx context.Context) {
		if _, err := e.RunOnce(ctx); err != nil {
			e.log.Error().Err(err).Msg("batching pass failed")
		}
	})
	return e
}

func (e *Engine) Start(ctx context.Context) error { return e.loop.Start(ctx) }
func (e *Engine) Stop() error                     { return e.loop.Stop() }
func (e *Engine) Status() runner.Status           { return e.loop.Status() }

// RunOnce executes one batching pass: partition by zone and service type,
// cluster greedily by dropoff proximity, persist accepted clusters.
func (e *Engine) RunOnce(ctx context.Context) (Report, error) {
	start := time.Now()
	defer func() {
		metrics.EngineTicks.WithLabelValues("batching").Inc()
		metrics.EngineTickDuration.WithLabelValues("batching").Observe(time.Since(start).Seconds())
	}()

	orders, err := e.store.ListOrdersByStatus(ctx, model.OrderUnassigned)
	if err != nil {
		return Report{}, err
	}
	pool := orders[:0]
	for _, o := range orders {
		if o.BatchID == "" {
			pool = append(pool, o)
		}
	}

	zones := map[string][]model.Order{}
	for _, o := range pool {
		zones[e.zoneKey(o)] = append(zones[e.zoneKey(o)], o)
	}
	keys := make([]string, 0, len(zones))
	for k := range zones {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var rep Report
	for _, k := range keys {
		for _, cluster := range e.cluster(ctx, zones[k]) {
			n, err := e.persistBatch(ctx, cluster)
			if err != nil {
				e.log.Error().Err(err).Msg("persist batch")
				continue
			}
			if n > 0 {
				rep.BatchesCreated++
				rep.OrdersBatched += n
			}
		}
	}
	if rep.BatchesCreated > 0 {
		e.log.Info().Int("batches", rep.BatchesCreated).Int("orders", rep.OrdersBatched).Msg("batching pass")
	}
	return rep, nil
}

func (e *Engine) zoneKey(o model.Order) string {
	cell := e.cfg.ZoneCellDegrees
	if cell <= 0 {
		cell = 0.1
	}
	latCell := int(o.Dropoff.Lat / cell)
	lngCell := int(o.Dropoff.Lng / cell)
	return fmt.Sprintf("%s/%d:%d", o.ServiceType, latCell, lngCell)
}

// cluster grows groups from a seed order by nearest-neighbor: any unclustered
// order within MaxDistanceKm of a current member may join, up to
// MaxOrdersInBatch. Groups below MinOrdersInBatch are discarded.
func (e *Engine) cluster(ctx context.Context, orders []model.Order) [][]model.Order {
	sort.Slice(orders, func(i, j int) bool { return orders[i].CreatedAt.Before(orders[j].CreatedAt) })
	unused := make([]model.Order, len(orders))
	copy(unused, orders)

	var clusters [][]model.Order
	for len(unused) > 0 {
		group := []model.Order{unused[0]}
		unused = unused[1:]
		for len(group) < e.cfg.MaxOrdersInBatch {
			bestIdx := -1
			bestDist := e.cfg.MaxDistanceKm
			for i, cand := range unused {
				d, err := e.nearestMemberKm(ctx, group, cand)
				if err != nil {
					continue
				}
				if d <= bestDist {
					bestDist = d
					bestIdx = i
				}
			}
			if bestIdx < 0 {
				break
			}
			group = append(group, unused[bestIdx])
			unused = append(unused[:bestIdx], unused[bestIdx+1:]...)
		}
		if len(group) >= e.cfg.MinOrdersInBatch {
			clusters = append(clusters, group)
		}
	}
	return clusters
}

func (e *Engine) nearestMemberKm(ctx context.Context, group []model.Order, cand model.Order) (float64, error) {
	best := -1.0
	for _, m := range group {
		d, err := e.geo.DistanceBetween(ctx, m.Dropoff, cand.Dropoff)
		if err != nil {
			return 0, err
		}
		if best < 0 || d < best {
			best = d
		}
	}
	return best, nil
}

// persistBatch claims each order by stamping its batch ID under the
// unassigned-status guard, then writes the batch. Orders that slipped away
// are dropped; if too few remain the claims are rolled back.
func (e *Engine) persistBatch(ctx context.Context, cluster []model.Order) (int, error) {
	b := model.OrderBatch{
		ServiceType: cluster[0].ServiceType,
		Status:      model.BatchPending,
		CreatedAt:   time.Now().UTC(),
	}
	batchID := newBatchID()
	b.ID = batchID

	var claimed []model.Order
	for _, o := range cluster {
		_, err := e.store.UpdateOrderStatus(ctx, o.ID, model.OrderUnassigned, model.OrderUnassigned, func(ord *model.Order) {
			ord.BatchID = batchID
		})
		if err != nil {
			if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
				continue
			}
			return 0, err
		}
		claimed = append(claimed, o)
	}
	if len(claimed) < e.cfg.MinOrdersInBatch {
		for _, o := range claimed {
			_, _ = e.store.UpdateOrderStatus(ctx, o.ID, model.OrderUnassigned, model.OrderUnassigned, func(ord *model.Order) {
				ord.BatchID = ""
			})
		}
		return 0, nil
	}

	for _, o := range claimed {
		b.OrderIDs = append(b.OrderIDs, o.ID)
		b.TotalWeightKg += o.WeightKg
		b.TotalValue += o.Value
	}
	if km, err := e.chainKm(ctx, claimed); err == nil {
		b.TotalDistanceKm = km
	}
	if err := e.store.CreateBatch(ctx, b); err != nil {
		return 0, err
	}
	metrics.BatchesCreated.Inc()
	metrics.BatchedOrders.Add(float64(len(claimed)))
	e.events.Publish(ctx, "batch.created", b)
	return len(claimed), nil
}

// chainKm sums dropoff-to-dropoff legs in claim order, a rough trip length
// for reporting.
func (e *Engine) chainKm(ctx context.Context, orders []model.Order) (float64, error) {
	total := 0.0
	for i := 1; i < len(orders); i++ {
		d, err := e.geo.DistanceBetween(ctx, orders[i-1].Dropoff, orders[i].Dropoff)
		if err != nil {
			return 0, err
		}
		total += d
	}
	return total, nil
}

func newBatchID() string {
	return uuid.New().String()
}
