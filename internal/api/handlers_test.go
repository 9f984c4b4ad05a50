package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"fleetops/internal/batching"
	"fleetops/internal/dispatch"
	"fleetops/internal/driver"
	"fleetops/internal/geo"
	"fleetops/internal/model"
	"fleetops/internal/notify"
	"fleetops/internal/routeopt"
	"fleetops/internal/sla"
	"fleetops/internal/store"
)

func newTestServer(t *testing.T) (*Server, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	m := driver.NewMachine(st)
	g := geo.NewHaversine(30)
	log := zerolog.Nop()
	events := notify.Noop{}

	dcfg := dispatch.DefaultConfig()
	dcfg.OfferTimeout = 100 * time.Millisecond
	srv := &Server{
		Store:     st,
		Machine:   m,
		Geo:       g,
		Dispatch:  dispatch.NewEngine(st, m, g, dispatch.AutoAccept{}, events, dcfg, log),
		SLA:       sla.NewEngine(st, m, events, sla.DefaultConfig(), log),
		RouteOpt:  routeopt.NewEngine(st, g, events, routeopt.DefaultConfig(), log),
		Batching:  batching.NewEngine(st, g, events, batching.DefaultConfig(), log),
		Broker:    NewBroker(),
		Gateway:   NewDriverGateway(st),
		Log:       log,
		EngineCtx: context.Background(),
	}
	return srv, st
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestCreateOrderDefaults(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Routes()

	rec := doJSON(t, h, http.MethodPost, "/v1/orders", map[string]any{
		"pickup":  map[string]float64{"lat": 51.5, "lng": -0.12},
		"dropoff": map[string]float64{"lat": 51.52, "lng": -0.10},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	o := decode[model.Order](t, rec)
	if o.ServiceType != model.ServiceStandard {
		t.Errorf("service type = %s", o.ServiceType)
	}
	if o.Priority != 5 {
		t.Errorf("priority = %d, want 5", o.Priority)
	}
	if o.SLAMinutes != 240 {
		t.Errorf("sla minutes = %v, want standard breach default 240", o.SLAMinutes)
	}
	if o.Status != model.OrderUnassigned {
		t.Errorf("status = %s", o.Status)
	}

	rec = doJSON(t, h, http.MethodGet, "/v1/orders/"+o.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
}

func TestCreateOrderRejectsBadInput(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Routes()

	rec := doJSON(t, h, http.MethodPost, "/v1/orders", map[string]any{"priority": 11})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("priority 11: status = %d, want 400", rec.Code)
	}
	rec = doJSON(t, h, http.MethodPost, "/v1/orders", map[string]any{"serviceType": "hyperloop"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad service type: status = %d, want 400", rec.Code)
	}
}

func TestDriverCreateAndTransition(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Routes()

	rec := doJSON(t, h, http.MethodPost, "/v1/drivers", map[string]any{
		"name":     "Asha",
		"location": map[string]float64{"lat": 51.5, "lng": -0.12},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	d := decode[model.Driver](t, rec)
	if d.State != model.DriverOffline {
		t.Errorf("initial state = %s", d.State)
	}

	rec = doJSON(t, h, http.MethodPost, "/v1/drivers/"+d.ID+"/transition",
		map[string]any{"state": "AVAILABLE", "reason": "shift start"})
	if rec.Code != http.StatusOK {
		t.Fatalf("transition status = %d, body %s", rec.Code, rec.Body.String())
	}

	// Same-state transitions are rejected.
	rec = doJSON(t, h, http.MethodPost, "/v1/drivers/"+d.ID+"/transition",
		map[string]any{"state": "AVAILABLE"})
	if rec.Code != http.StatusConflict {
		t.Errorf("same-state transition status = %d, want 409", rec.Code)
	}

	rec = doJSON(t, h, http.MethodGet, "/v1/drivers/"+d.ID+"/transitions", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("transitions status = %d", rec.Code)
	}
	page := decode[map[string]any](t, rec)
	if int(page["count"].(float64)) != 1 {
		t.Errorf("transition count = %v, want 1", page["count"])
	}
}

func TestManualAssignAndDeliveryLifecycle(t *testing.T) {
	srv, st := newTestServer(t)
	h := srv.Routes()
	ctx := context.Background()

	rec := doJSON(t, h, http.MethodPost, "/v1/drivers", map[string]any{
		"id":       "d1",
		"location": map[string]float64{"lat": 51.5, "lng": -0.12},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create driver: %d", rec.Code)
	}
	if rec := doJSON(t, h, http.MethodPost, "/v1/drivers/d1/transition",
		map[string]any{"state": "AVAILABLE"}); rec.Code != http.StatusOK {
		t.Fatalf("make available: %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodPost, "/v1/orders", map[string]any{
		"id":       "o1",
		"pickup":   map[string]float64{"lat": 51.51, "lng": -0.12},
		"dropoff":  map[string]float64{"lat": 51.53, "lng": -0.10},
		"weightKg": 4.0,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create order: %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodPost, "/v1/orders/o1/assign", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("assign: %d, body %s", rec.Code, rec.Body.String())
	}
	res := decode[dispatch.Result](t, rec)
	if res.DriverID != "d1" {
		t.Fatalf("assigned driver = %s", res.DriverID)
	}

	// Delivered straight from ASSIGNED is illegal.
	rec = doJSON(t, h, http.MethodPost, "/v1/orders/o1/status", map[string]any{"status": "DELIVERED"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("delivered from assigned: %d, want 409", rec.Code)
	}

	for _, status := range []string{"PICKED_UP", "IN_TRANSIT", "DELIVERED"} {
		rec = doJSON(t, h, http.MethodPost, "/v1/orders/o1/status", map[string]any{"status": status})
		if rec.Code != http.StatusOK {
			t.Fatalf("status %s: %d, body %s", status, rec.Code, rec.Body.String())
		}
	}

	o, err := st.GetOrder(ctx, "o1")
	if err != nil {
		t.Fatal(err)
	}
	if o.Status != model.OrderDelivered || o.DeliveredAt == nil {
		t.Errorf("order = %s deliveredAt %v", o.Status, o.DeliveredAt)
	}
	d, err := st.GetDriver(ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if d.State != model.DriverReturning {
		t.Errorf("driver state = %s, want RETURNING after last stop", d.State)
	}
	if d.CompletedToday != 1 || d.CurrentLoadKg != 0 {
		t.Errorf("completedToday = %d load = %v", d.CompletedToday, d.CurrentLoadKg)
	}
	if rec := doJSON(t, h, http.MethodGet, "/v1/drivers/d1/route", nil); rec.Code != http.StatusNotFound {
		t.Errorf("route after completion: %d, want 404", rec.Code)
	}
}

func TestRouteCompletionSendsDriverOnBreak(t *testing.T) {
	srv, st := newTestServer(t)
	h := srv.Routes()
	ctx := context.Background()

	doJSON(t, h, http.MethodPost, "/v1/drivers", map[string]any{
		"id":                 "d1",
		"location":           map[string]float64{"lat": 51.5, "lng": -0.12},
		"requiresBreakAfter": 1,
	})
	doJSON(t, h, http.MethodPost, "/v1/drivers/d1/transition", map[string]any{"state": "AVAILABLE"})
	doJSON(t, h, http.MethodPost, "/v1/orders", map[string]any{
		"id":      "o1",
		"pickup":  map[string]float64{"lat": 51.51, "lng": -0.12},
		"dropoff": map[string]float64{"lat": 51.53, "lng": -0.10},
	})
	if rec := doJSON(t, h, http.MethodPost, "/v1/orders/o1/assign", nil); rec.Code != http.StatusOK {
		t.Fatalf("assign: %d", rec.Code)
	}
	for _, status := range []string{"PICKED_UP", "IN_TRANSIT", "DELIVERED"} {
		if rec := doJSON(t, h, http.MethodPost, "/v1/orders/o1/status", map[string]any{"status": status}); rec.Code != http.StatusOK {
			t.Fatalf("status %s: %d", status, rec.Code)
		}
	}

	d, err := st.GetDriver(ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if d.State != model.DriverOnBreak {
		t.Errorf("driver state = %s, want ON_BREAK when cadence is due", d.State)
	}
}

func TestCancelReleasesDriver(t *testing.T) {
	srv, st := newTestServer(t)
	h := srv.Routes()
	ctx := context.Background()

	doJSON(t, h, http.MethodPost, "/v1/drivers", map[string]any{
		"id": "d1", "location": map[string]float64{"lat": 51.5, "lng": -0.12},
	})
	doJSON(t, h, http.MethodPost, "/v1/drivers/d1/transition", map[string]any{"state": "AVAILABLE"})
	doJSON(t, h, http.MethodPost, "/v1/orders", map[string]any{
		"id":       "o1",
		"pickup":   map[string]float64{"lat": 51.51, "lng": -0.12},
		"dropoff":  map[string]float64{"lat": 51.53, "lng": -0.10},
		"weightKg": 4.0,
	})
	if rec := doJSON(t, h, http.MethodPost, "/v1/orders/o1/assign", nil); rec.Code != http.StatusOK {
		t.Fatalf("assign: %d", rec.Code)
	}

	rec := doJSON(t, h, http.MethodPost, "/v1/orders/o1/status", map[string]any{"status": "CANCELLED"})
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel: %d, body %s", rec.Code, rec.Body.String())
	}

	d, err := st.GetDriver(ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if d.CurrentLoadKg != 0 {
		t.Errorf("load after cancel = %v, want 0", d.CurrentLoadKg)
	}
	if d.State != model.DriverReturning {
		t.Errorf("driver state = %s, want RETURNING with empty route", d.State)
	}
}

func TestEngineControl(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Routes()

	rec := doJSON(t, h, http.MethodPost, "/v1/engines/dispatch/start", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("start: %d, body %s", rec.Code, rec.Body.String())
	}
	if rec := doJSON(t, h, http.MethodPost, "/v1/engines/dispatch/start", nil); rec.Code != http.StatusConflict {
		t.Errorf("double start: %d, want 409", rec.Code)
	}

	rec = doJSON(t, h, http.MethodGet, "/v1/engines/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	var body struct {
		Engines map[string]struct {
			Running bool `json:"running"`
		} `json:"engines"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if !body.Engines["dispatch"].Running {
		t.Error("dispatch not reported running")
	}
	if body.Engines["sla"].Running {
		t.Error("sla reported running before start")
	}

	if rec := doJSON(t, h, http.MethodPost, "/v1/engines/dispatch/stop", nil); rec.Code != http.StatusOK {
		t.Fatalf("stop: %d", rec.Code)
	}
	if rec := doJSON(t, h, http.MethodPost, "/v1/engines/dispatch/stop", nil); rec.Code != http.StatusConflict {
		t.Errorf("double stop: %d, want 409", rec.Code)
	}
	if rec := doJSON(t, h, http.MethodPost, "/v1/engines/warp/start", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown engine: %d, want 404", rec.Code)
	}
}

func TestBatchingRunEndpoint(t *testing.T) {
	srv, st := newTestServer(t)
	h := srv.Routes()
	ctx := context.Background()

	for i, lng := range []float64{-0.120, -0.121, -0.122} {
		o := model.Order{
			ID:          "o" + string(rune('1'+i)),
			ServiceType: model.ServiceStandard,
			Status:      model.OrderUnassigned,
			Pickup:      model.GeoPoint{Lat: 51.50, Lng: -0.13},
			Dropoff:     model.GeoPoint{Lat: 51.51, Lng: lng},
			SLAMinutes:  240,
			CreatedAt:   time.Now().UTC(),
		}
		if err := st.CreateOrder(ctx, o); err != nil {
			t.Fatal(err)
		}
	}

	rec := doJSON(t, h, http.MethodPost, "/v1/engines/batching/run", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("run: %d, body %s", rec.Code, rec.Body.String())
	}
	rep := decode[batching.Report](t, rec)
	if rep.BatchesCreated != 1 || rep.OrdersBatched != 3 {
		t.Errorf("report = %+v", rep)
	}

	rec = doJSON(t, h, http.MethodGet, "/v1/batches", nil)
	page := decode[map[string]any](t, rec)
	if int(page["count"].(float64)) != 1 {
		t.Errorf("pending batches = %v", page["count"])
	}
}

func TestIncidentEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Routes()

	rec := doJSON(t, h, http.MethodPost, "/v1/incidents", map[string]any{
		"location": map[string]float64{"lat": 51.5, "lng": -0.12},
		"radiusKm": 2.0,
		"severity": "HIGH",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create incident: %d, body %s", rec.Code, rec.Body.String())
	}
	in := decode[model.TrafficIncident](t, rec)
	if !in.Active || in.ID == "" {
		t.Errorf("incident = %+v", in)
	}

	if rec := doJSON(t, h, http.MethodPost, "/v1/incidents", map[string]any{
		"location": map[string]float64{"lat": 51.5, "lng": -0.12},
	}); rec.Code != http.StatusBadRequest {
		t.Errorf("zero radius accepted: %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodGet, "/v1/incidents", nil)
	page := decode[map[string]any](t, rec)
	if int(page["count"].(float64)) != 1 {
		t.Errorf("active incidents = %v", page["count"])
	}
}

func TestEscalationResolve(t *testing.T) {
	srv, st := newTestServer(t)
	h := srv.Routes()
	ctx := context.Background()

	esc := model.Escalation{
		ID:      "esc1",
		OrderID: "o1",
		Type:    model.EscalationSLARisk,
		Status:  model.EscalationOpen,
	}
	if err := st.CreateEscalation(ctx, esc); err != nil {
		t.Fatal(err)
	}

	rec := doJSON(t, h, http.MethodGet, "/v1/escalations", nil)
	page := decode[map[string]any](t, rec)
	if int(page["count"].(float64)) != 1 {
		t.Fatalf("open escalations = %v", page["count"])
	}

	rec = doJSON(t, h, http.MethodPost, "/v1/escalations/esc1/resolve",
		map[string]any{"resolution": "driver swapped"})
	if rec.Code != http.StatusOK {
		t.Fatalf("resolve: %d, body %s", rec.Code, rec.Body.String())
	}
	got := decode[model.Escalation](t, rec)
	if got.Status != model.EscalationResolved || got.Resolution != "driver swapped" {
		t.Errorf("escalation = %+v", got)
	}
}

func TestHealthAndStats(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Routes()

	if rec := doJSON(t, h, http.MethodGet, "/healthz", nil); rec.Code != http.StatusOK {
		t.Errorf("healthz: %d", rec.Code)
	}
	if rec := doJSON(t, h, http.MethodGet, "/readyz", nil); rec.Code != http.StatusOK {
		t.Errorf("readyz: %d", rec.Code)
	}
	if rec := doJSON(t, h, http.MethodGet, "/v1/stats", nil); rec.Code != http.StatusOK {
		t.Errorf("stats: %d", rec.Code)
	}
	if rec := doJSON(t, h, http.MethodPost, "/v1/admin/daily-reset", nil); rec.Code != http.StatusOK {
		t.Errorf("daily reset: %d", rec.Code)
	}
}
