package batching

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"fleetops/internal/geo"
	"fleetops/internal/model"
	"fleetops/internal/store"
)

func newTestEngine(st store.Store, cfg Config) *Engine {
	return NewEngine(st, geo.NewHaversine(40), nil, cfg, zerolog.Nop())
}

func orderAt(id string, svc model.ServiceType, lat, lng float64) model.Order {
	return model.Order{
		ID: id, ServiceType: svc, Priority: 5, WeightKg: 4, Value: 20,
		Pickup:  model.GeoPoint{Lat: 40.70, Lng: -74.00},
		Dropoff: model.GeoPoint{Lat: lat, Lng: lng},
		Status:  model.OrderUnassigned, CreatedAt: time.Now().UTC(),
	}
}

func TestRunOnceClustersNearbyOrders(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	// Three dropoffs inside ~1.5km of each other, one ~20km away.
	_ = st.CreateOrder(ctx, orderAt("a", model.ServiceStandard, 40.700, -74.000))
	_ = st.CreateOrder(ctx, orderAt("b", model.ServiceStandard, 40.705, -74.003))
	_ = st.CreateOrder(ctx, orderAt("c", model.ServiceStandard, 40.710, -74.006))
	_ = st.CreateOrder(ctx, orderAt("lone", model.ServiceStandard, 40.880, -74.200))

	e := newTestEngine(st, DefaultConfig())
	rep, err := e.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.BatchesCreated != 1 || rep.OrdersBatched != 3 {
		t.Fatalf("expected 1 batch of 3, got %+v", rep)
	}
	batches, _ := st.PendingBatches(ctx)
	if len(batches) != 1 || len(batches[0].OrderIDs) != 3 {
		t.Fatalf("persisted batch wrong: %+v", batches)
	}
	if batches[0].TotalWeightKg != 12 || batches[0].TotalValue != 60 {
		t.Fatalf("aggregates wrong: %+v", batches[0])
	}
	lone, _ := st.GetOrder(ctx, "lone")
	if lone.BatchID != "" {
		t.Fatal("isolated order must stay unbatched")
	}
	for _, id := range []string{"a", "b", "c"} {
		o, _ := st.GetOrder(ctx, id)
		if o.BatchID != batches[0].ID {
			t.Fatalf("order %s not stamped with batch ID", id)
		}
	}
}

func TestServiceTypesNeverMix(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	_ = st.CreateOrder(ctx, orderAt("s1", model.ServiceStandard, 40.700, -74.000))
	_ = st.CreateOrder(ctx, orderAt("s2", model.ServiceStandard, 40.702, -74.001))
	_ = st.CreateOrder(ctx, orderAt("f1", model.ServiceFlash, 40.701, -74.000))
	_ = st.CreateOrder(ctx, orderAt("f2", model.ServiceFlash, 40.703, -74.002))

	e := newTestEngine(st, DefaultConfig())
	if _, err := e.RunOnce(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	batches, _ := st.PendingBatches(ctx)
	if len(batches) != 2 {
		t.Fatalf("expected one batch per service type, got %d", len(batches))
	}
	for _, b := range batches {
		for _, id := range b.OrderIDs {
			o, _ := st.GetOrder(ctx, id)
			if o.ServiceType != b.ServiceType {
				t.Fatalf("mixed service types in batch %s", b.ID)
			}
		}
	}
}

func TestBatchSizeBounds(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	// Seven orders all within a few hundred meters.
	for i := 0; i < 7; i++ {
		id := fmt.Sprintf("o%d", i)
		_ = st.CreateOrder(ctx, orderAt(id, model.ServiceStandard, 40.700+float64(i)*0.001, -74.000))
	}

	cfg := DefaultConfig()
	cfg.MinOrdersInBatch = 2
	cfg.MaxOrdersInBatch = 5
	e := newTestEngine(st, cfg)
	rep, err := e.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.OrdersBatched != 7 || rep.BatchesCreated != 2 {
		t.Fatalf("expected batches of 5 and 2, got %+v", rep)
	}
	batches, _ := st.PendingBatches(ctx)
	for _, b := range batches {
		if len(b.OrderIDs) < cfg.MinOrdersInBatch || len(b.OrderIDs) > cfg.MaxOrdersInBatch {
			t.Fatalf("batch size %d outside [%d,%d]", len(b.OrderIDs), cfg.MinOrdersInBatch, cfg.MaxOrdersInBatch)
		}
	}
}

func TestSingletonClustersDiscarded(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	_ = st.CreateOrder(ctx, orderAt("only", model.ServiceStandard, 40.700, -74.000))

	e := newTestEngine(st, DefaultConfig())
	rep, err := e.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.BatchesCreated != 0 || rep.OrdersBatched != 0 {
		t.Fatalf("single order must not form a batch: %+v", rep)
	}
	o, _ := st.GetOrder(ctx, "only")
	if o.BatchID != "" {
		t.Fatal("discarded cluster must leave the order unstamped")
	}
}

func TestAlreadyBatchedOrdersSkipped(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	claimed := orderAt("claimed", model.ServiceStandard, 40.700, -74.000)
	claimed.BatchID = "existing"
	_ = st.CreateOrder(ctx, claimed)
	_ = st.CreateOrder(ctx, orderAt("free1", model.ServiceStandard, 40.701, -74.001))
	_ = st.CreateOrder(ctx, orderAt("free2", model.ServiceStandard, 40.702, -74.002))

	e := newTestEngine(st, DefaultConfig())
	rep, err := e.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.OrdersBatched != 2 {
		t.Fatalf("already-batched order must be excluded, got %+v", rep)
	}
	got, _ := st.GetOrder(ctx, "claimed")
	if got.BatchID != "existing" {
		t.Fatal("existing batch stamp must be untouched")
	}
}
