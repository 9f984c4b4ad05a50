package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"fleetops/internal/driver"
	"fleetops/internal/geo"
	"fleetops/internal/model"
	"fleetops/internal/store"
)

// scriptedTransport answers offers per driver ID and records what was sent.
type scriptedTransport struct {
	mu       sync.Mutex
	verdicts map[string]error
	offers   []Offer
}

func (t *scriptedTransport) Offer(ctx context.Context, driverID string, o Offer) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.offers = append(t.offers, o)
	if err, ok := t.verdicts[driverID]; ok {
		return err
	}
	return nil
}

func newTestEngine(st store.Store, tr Transport) *Engine {
	m := driver.NewMachine(st)
	g := &geo.Haversine{SpeedKph: 40, Iterations: 5}
	cfg := DefaultConfig()
	cfg.OfferTimeout = 100 * time.Millisecond
	return NewEngine(st, m, g, tr, nil, cfg, zerolog.Nop())
}

func availableDriver(id string, lat, lng float64) model.Driver {
	return model.Driver{
		ID: id, Active: true, State: model.DriverAvailable,
		Location:         model.GeoPoint{Lat: lat, Lng: lng},
		CapacityWeightKg: 100, MaxWorkingHours: 8,
		TargetDeliveries: 20, RequiresBreakAfter: 5,
	}
}

func testOrder(id string, st model.ServiceType) model.Order {
	return model.Order{
		ID: id, ServiceType: st, Priority: 5, WeightKg: 10, SLAMinutes: 180,
		Pickup:  model.GeoPoint{Lat: 40.70, Lng: -74.00},
		Dropoff: model.GeoPoint{Lat: 40.75, Lng: -73.98},
		Status:  model.OrderUnassigned, CreatedAt: time.Now().UTC(),
	}
}

func TestAssignOrderPicksClosestDriver(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	_ = st.CreateDriver(ctx, availableDriver("near", 40.70, -74.01))
	_ = st.CreateDriver(ctx, availableDriver("far", 40.90, -74.30))
	_ = st.CreateOrder(ctx, testOrder("o1", model.ServiceStandard))

	e := newTestEngine(st, AutoAccept{})
	res, err := e.AssignOrder(ctx, "o1")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if res.DriverID != "near" {
		t.Fatalf("expected nearest driver, got %s", res.DriverID)
	}
	if res.Type != model.AutoAssigned {
		t.Fatalf("expected AUTO_ASSIGNED, got %s", res.Type)
	}
	if res.Alternatives != 1 {
		t.Fatalf("expected 1 alternative considered, got %d", res.Alternatives)
	}

	o, _ := st.GetOrder(ctx, "o1")
	if o.Status != model.OrderAssigned || o.DriverID != "near" {
		t.Fatalf("order not committed: %+v", o)
	}
	d, _ := st.GetDriver(ctx, "near")
	if d.State != model.DriverBusy || d.CurrentLoadKg != 10 {
		t.Fatalf("driver not committed: state=%s load=%v", d.State, d.CurrentLoadKg)
	}
	r, err := st.GetRoute(ctx, "near")
	if err != nil || len(r.Stops) != 2 {
		t.Fatalf("initial route missing: %v %+v", err, r)
	}
}

func TestBreakCadenceExcludesDriver(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	tired := availableDriver("tired", 40.70, -74.00) // at the pickup itself
	tired.ConsecutiveDeliveries = 3
	tired.RequiresBreakAfter = 3
	_ = st.CreateDriver(ctx, tired)
	_ = st.CreateDriver(ctx, availableDriver("fresh", 40.72, -74.02))
	_ = st.CreateOrder(ctx, testOrder("o1", model.ServiceStandard))

	e := newTestEngine(st, AutoAccept{})
	res, err := e.AssignOrder(ctx, "o1")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if res.DriverID != "fresh" {
		t.Fatalf("break-due driver must be excluded regardless of distance, got %s", res.DriverID)
	}
}

func TestShiftHoursExcludeDriver(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	spent := availableDriver("spent", 40.70, -74.00) // at the pickup itself
	spent.HoursWorkedToday = 8.5
	spent.MaxWorkingHours = 8
	_ = st.CreateDriver(ctx, spent)
	_ = st.CreateDriver(ctx, availableDriver("fresh", 40.72, -74.02))
	_ = st.CreateOrder(ctx, testOrder("o1", model.ServiceStandard))

	e := newTestEngine(st, AutoAccept{})
	res, err := e.AssignOrder(ctx, "o1")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if res.DriverID != "fresh" {
		t.Fatalf("over-hours driver must be excluded regardless of distance, got %s", res.DriverID)
	}

	_ = st.CreateOrder(ctx, testOrder("o2", model.ServiceStandard))
	_, _ = st.MutateDriver(ctx, "fresh", func(d *model.Driver) (*model.DriverTransition, error) {
		d.State = model.DriverOffline
		return nil, nil
	})
	if _, err := e.AssignOrder(ctx, "o2"); !errors.Is(err, ErrNoEligibleDrivers) {
		t.Fatalf("expected ErrNoEligibleDrivers with only an over-hours driver, got %v", err)
	}
}

func TestOfferRejectionAdvancesToNextCandidate(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	_ = st.CreateDriver(ctx, availableDriver("first", 40.70, -74.00))
	_ = st.CreateDriver(ctx, availableDriver("second", 40.71, -74.01))
	_ = st.CreateOrder(ctx, testOrder("o1", model.ServiceStandard))

	tr := &scriptedTransport{verdicts: map[string]error{"first": ErrOfferRejected}}
	e := newTestEngine(st, tr)
	res, err := e.AssignOrder(ctx, "o1")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if res.DriverID != "second" || res.Type != model.AutoAssigned {
		t.Fatalf("expected second driver after rejection, got %+v", res)
	}
	d, _ := st.GetDriver(ctx, "first")
	if d.State != model.DriverAvailable {
		t.Fatalf("rejecting driver must stay available, got %s", d.State)
	}
}

func TestForceAssignAfterOffersExhausted(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	_ = st.CreateDriver(ctx, availableDriver("a", 40.70, -74.00))
	_ = st.CreateDriver(ctx, availableDriver("b", 40.71, -74.01))
	_ = st.CreateOrder(ctx, testOrder("o1", model.ServiceStandard))

	tr := &scriptedTransport{verdicts: map[string]error{"a": ErrOfferRejected, "b": ErrOfferTimeout}}
	e := newTestEngine(st, tr)
	res, err := e.AssignOrder(ctx, "o1")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if res.Type != model.ForceAssigned {
		t.Fatalf("expected FORCE_ASSIGNED after exhausting offers, got %s", res.Type)
	}
}

func TestFlashOutsideRadiusForceAssigned(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	// Roughly 20km from the pickup, outside the 5km flash radius.
	_ = st.CreateDriver(ctx, availableDriver("distant", 40.88, -74.00))
	_ = st.CreateOrder(ctx, testOrder("o1", model.ServiceFlash))

	e := newTestEngine(st, AutoAccept{})
	res, err := e.AssignOrder(ctx, "o1")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	// No soft-eligible candidates, but the hard constraints still hold.
	if res.Type != model.ForceAssigned || res.DriverID != "distant" {
		t.Fatalf("expected force assignment to the only hard-eligible driver, got %+v", res)
	}
}

func TestDispatchFailedRaisesAlert(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	over := availableDriver("over", 40.70, -74.00)
	over.CurrentLoadKg = 95 // cannot take 10kg more
	_ = st.CreateDriver(ctx, over)
	_ = st.CreateOrder(ctx, testOrder("o1", model.ServiceStandard))

	e := newTestEngine(st, AutoAccept{})
	_, err := e.AssignOrder(ctx, "o1")
	if !errors.Is(err, ErrNoEligibleDrivers) {
		t.Fatalf("expected ErrNoEligibleDrivers, got %v", err)
	}
	o, _ := st.GetOrder(ctx, "o1")
	if o.Status != model.OrderUnassigned {
		t.Fatalf("failed dispatch must leave the order unassigned, got %s", o.Status)
	}
	alerts, _ := st.ListAlertsSince(ctx, time.Now().Add(-time.Minute))
	if len(alerts) != 1 || alerts[0].Type != model.AlertDispatchFailed {
		t.Fatalf("expected one DISPATCH_FAILED alert, got %+v", alerts)
	}
}

func TestTickDispatchesBatchAsUnit(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	_ = st.CreateDriver(ctx, availableDriver("d1", 40.70, -74.00))

	o1 := testOrder("o1", model.ServiceStandard)
	o1.BatchID = "b1"
	o2 := testOrder("o2", model.ServiceStandard)
	o2.BatchID = "b1"
	o2.Dropoff = model.GeoPoint{Lat: 40.76, Lng: -73.97}
	_ = st.CreateOrder(ctx, o1)
	_ = st.CreateOrder(ctx, o2)
	_ = st.CreateBatch(ctx, model.OrderBatch{
		ID: "b1", OrderIDs: []string{"o1", "o2"},
		TotalWeightKg: 20, ServiceType: model.ServiceStandard, Status: model.BatchPending,
	})

	e := newTestEngine(st, AutoAccept{})
	e.tick(ctx)

	b, _ := st.GetBatch(ctx, "b1")
	if b.Status != model.BatchProcessing || b.DriverID != "d1" {
		t.Fatalf("batch not processed: %+v", b)
	}
	for _, id := range []string{"o1", "o2"} {
		o, _ := st.GetOrder(ctx, id)
		if o.Status != model.OrderAssigned || o.DriverID != "d1" {
			t.Fatalf("batch order %s not assigned: %+v", id, o)
		}
	}
	r, err := st.GetRoute(ctx, "d1")
	if err != nil || len(r.Stops) != 4 {
		t.Fatalf("batch route should carry 4 stops: %v %+v", err, r)
	}
	d, _ := st.GetDriver(ctx, "d1")
	if d.CurrentLoadKg != 20 {
		t.Fatalf("batch weight not applied to driver, load=%v", d.CurrentLoadKg)
	}
	asg, _ := st.ListAssignmentsSince(ctx, time.Now().Add(-time.Minute))
	if len(asg) != 1 || asg[0].BatchID != "b1" {
		t.Fatalf("expected one batch assignment row, got %+v", asg)
	}
}

func TestAssignOrderRejectsNonUnassigned(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	o := testOrder("o1", model.ServiceStandard)
	o.Status = model.OrderDelivered
	_ = st.CreateOrder(ctx, o)

	e := newTestEngine(st, AutoAccept{})
	if _, err := e.AssignOrder(ctx, "o1"); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict for non-unassigned order, got %v", err)
	}
}
