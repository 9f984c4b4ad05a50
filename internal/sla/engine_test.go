package sla

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"fleetops/internal/driver"
	"fleetops/internal/model"
	"fleetops/internal/store"
)

func newTestEngine(st store.Store) *Engine {
	return NewEngine(st, driver.NewMachine(st), nil, DefaultConfig(), zerolog.Nop())
}

func agedOrder(id string, svc model.ServiceType, ageMinutes float64) model.Order {
	sla := 240.0
	switch svc {
	case model.ServiceFlash:
		sla = 60
	case model.ServiceExpress:
		sla = 120
	}
	return model.Order{
		ID: id, ServiceType: svc, Priority: 5, WeightKg: 5,
		SLAMinutes: sla, Status: model.OrderUnassigned,
		CreatedAt: time.Now().UTC().Add(-time.Duration(ageMinutes * float64(time.Minute))),
	}
}

func TestTickRaisesAlertOnCategoryEntry(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	o := agedOrder("o1", model.ServiceFlash, 45) // flash warning at 40
	_ = st.CreateOrder(ctx, o)

	e := newTestEngine(st)
	e.tick(ctx)

	alerts, _ := st.ListAlertsSince(ctx, time.Now().Add(-time.Minute))
	if len(alerts) != 1 || alerts[0].Type != model.AlertSLAWarning || alerts[0].Severity != model.SeverityMedium {
		t.Fatalf("expected one medium SLA_WARNING alert, got %+v", alerts)
	}

	// Same category again must not duplicate the alert.
	e.tick(ctx)
	alerts, _ = st.ListAlertsSince(ctx, time.Now().Add(-time.Minute))
	if len(alerts) != 1 {
		t.Fatalf("category re-entry duplicated alerts: %d", len(alerts))
	}
}

func TestCriticalOpensEscalation(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	_ = st.CreateOrder(ctx, agedOrder("o1", model.ServiceFlash, 55)) // critical at 50

	e := newTestEngine(st)
	e.tick(ctx)

	esc, found, err := st.OpenEscalationForOrder(ctx, "o1")
	if err != nil || !found {
		t.Fatalf("expected open escalation: found=%v err=%v", found, err)
	}
	if esc.Type != model.EscalationSLARisk || esc.Severity != model.SeverityHigh {
		t.Fatalf("escalation shape wrong: %+v", esc)
	}
	if esc.MinutesToBreach > 10 || esc.MinutesToBreach < 0 {
		t.Fatalf("minutes to breach should be under 10, got %v", esc.MinutesToBreach)
	}
}

func TestUnrecoverableCriticalReassigns(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	d := model.Driver{ID: "d1", Active: true, State: model.DriverBusy, CapacityWeightKg: 100, CurrentLoadKg: 5}
	_ = st.CreateDriver(ctx, d)
	o := agedOrder("o1", model.ServiceFlash, 55)
	o.Status = model.OrderAssigned
	o.DriverID = "d1"
	_ = st.CreateOrder(ctx, o)
	_ = st.SaveRoute(ctx, model.Route{DriverID: "d1", Stops: []model.RouteStop{{OrderID: "o1", Kind: model.StopPickup}}})

	e := newTestEngine(st)
	e.tick(ctx)

	got, _ := st.GetOrder(ctx, "o1")
	if got.Status != model.OrderUnassigned || got.DriverID != "" || got.Priority != 10 {
		t.Fatalf("order not pulled back at top priority: %+v", got)
	}
	dr, _ := st.GetDriver(ctx, "d1")
	if dr.State != model.DriverAvailable || dr.CurrentLoadKg != 0 {
		t.Fatalf("driver not released: %+v", dr)
	}
	if _, err := st.GetRoute(ctx, "d1"); err == nil {
		t.Fatal("stale route must be deleted")
	}
}

func TestBreachHistoryCapAndOrder(t *testing.T) {
	e := newTestEngine(store.NewMemory())
	now := time.Now().UTC()
	for i := 0; i < 105; i++ {
		e.recordBreach(model.Order{ID: fmt.Sprintf("o%d", i), ServiceType: model.ServiceStandard}, float64(i), now)
	}
	hist := e.Breaches()
	if len(hist) != 100 {
		t.Fatalf("history must cap at 100, got %d", len(hist))
	}
	if hist[0].OrderID != "o104" {
		t.Fatalf("history must be most-recent-first, head=%s", hist[0].OrderID)
	}
	st := e.GetBreachStats()
	if st.Total != 100 || st.Last24h != 100 || st.ByService[model.ServiceStandard] != 100 {
		t.Fatalf("breach stats wrong: %+v", st)
	}
}

func TestEscalationAutoResolvesWhenOrderCompletes(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	_ = st.CreateOrder(ctx, agedOrder("o1", model.ServiceFlash, 55))

	e := newTestEngine(st)
	e.tick(ctx)
	if _, found, _ := st.OpenEscalationForOrder(ctx, "o1"); !found {
		t.Fatal("precondition: escalation should be open")
	}

	_, err := st.UpdateOrderStatus(ctx, "o1", model.OrderUnassigned, model.OrderCancelled, nil)
	if err != nil {
		t.Fatalf("cancel order: %v", err)
	}
	e.tick(ctx)
	if _, found, _ := st.OpenEscalationForOrder(ctx, "o1"); found {
		t.Fatal("escalation must auto-resolve once the order is terminal")
	}
}

func TestPredictCompliance(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	// Flash order 56 minutes old: 4 minutes to breach, inside every horizon.
	_ = st.CreateOrder(ctx, agedOrder("soon", model.ServiceFlash, 56))
	// Standard order 215 minutes old: 25 minutes to breach.
	_ = st.CreateOrder(ctx, agedOrder("later", model.ServiceStandard, 215))
	// Fresh order carries no risk.
	_ = st.CreateOrder(ctx, agedOrder("fresh", model.ServiceStandard, 5))

	e := newTestEngine(st)
	fc, err := e.PredictCompliance(ctx)
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if fc.BreachWithin15 != 1 {
		t.Fatalf("expected 1 order breaching within 15m, got %d", fc.BreachWithin15)
	}
	if fc.BreachWithin30 != 2 {
		t.Fatalf("expected 2 orders breaching within 30m, got %d", fc.BreachWithin30)
	}
	urgent := false
	for _, r := range fc.Recommendations {
		if r.Kind == "urgent" {
			urgent = true
		}
	}
	if !urgent {
		t.Fatal("order 4 minutes from breach must yield an urgent recommendation")
	}
}

func TestHealthyReflectsStaleness(t *testing.T) {
	st := store.NewMemory()
	cfg := DefaultConfig()
	cfg.StalenessWindow = 50 * time.Millisecond
	e := NewEngine(st, driver.NewMachine(st), nil, cfg, zerolog.Nop())

	if e.Healthy() {
		t.Fatal("engine with no passes must be unhealthy")
	}
	e.tick(context.Background())
	if !e.Healthy() {
		t.Fatal("engine must be healthy right after a pass")
	}
	time.Sleep(80 * time.Millisecond)
	if e.Healthy() {
		t.Fatal("engine must go unhealthy past the staleness window")
	}
}
