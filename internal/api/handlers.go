package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"fleetops/internal/dispatch"
	"fleetops/internal/model"
	"fleetops/internal/routeopt"
	"fleetops/internal/runner"
	"fleetops/internal/sla"
	"fleetops/internal/store"
)

// OrdersHandler handles POST/GET /v1/orders
func (s *Server) OrdersHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var o model.Order
		if err := json.NewDecoder(r.Body).Decode(&o); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		switch o.ServiceType {
		case "":
			o.ServiceType = model.ServiceStandard
		case model.ServiceFlash, model.ServiceExpress, model.ServiceStandard:
		default:
			writeProblem(w, http.StatusBadRequest, "Invalid service type", string(o.ServiceType), r.URL.Path)
			return
		}
		if o.Priority == 0 {
			o.Priority = 5
		}
		if o.Priority < 1 || o.Priority > 10 {
			writeProblem(w, http.StatusBadRequest, "Invalid priority", "priority must be in 1..10", r.URL.Path)
			return
		}
		if o.SLAMinutes <= 0 {
			o.SLAMinutes = sla.DefaultThresholds()[o.ServiceType].Breach
		}
		if o.ID == "" {
			o.ID = "ord_" + uuid.NewString()
		}
		o.Status = model.OrderUnassigned
		o.DriverID = ""
		o.BatchID = ""
		o.DeliveredAt = nil
		if o.CreatedAt.IsZero() {
			o.CreatedAt = time.Now().UTC()
		}
		if err := s.Store.CreateOrder(r.Context(), o); err != nil {
			writeProblem(w, http.StatusInternalServerError, "Create order failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusCreated, o)
	case http.MethodGet:
		var (
			items []model.Order
			err   error
		)
		if st := r.URL.Query().Get("status"); st != "" {
			items, err = s.Store.ListOrdersByStatus(r.Context(), model.OrderStatus(st))
		} else {
			items, err = s.Store.ListActiveOrders(r.Context())
		}
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "List orders failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// OrderByIDHandler handles /v1/orders/{id}, /v1/orders/{id}/assign and
// /v1/orders/{id}/status.
func (s *Server) OrderByIDHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/orders/")
	parts := strings.Split(rest, "/")
	id := parts[0]
	if id == "" {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		o, err := s.Store.GetOrder(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			writeProblem(w, http.StatusNotFound, "Order not found", id, r.URL.Path)
			return
		}
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Get order failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, o)
	case action == "assign" && r.Method == http.MethodPost:
		res, err := s.Dispatch.AssignOrder(r.Context(), id)
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeProblem(w, http.StatusNotFound, "Order not found", id, r.URL.Path)
		case errors.Is(err, store.ErrConflict):
			writeProblem(w, http.StatusConflict, "Order not assignable", err.Error(), r.URL.Path)
		case errors.Is(err, dispatch.ErrNoEligibleDrivers):
			writeProblem(w, http.StatusConflict, "No eligible drivers", err.Error(), r.URL.Path)
		case err != nil:
			writeProblem(w, http.StatusInternalServerError, "Assignment failed", err.Error(), r.URL.Path)
		default:
			writeJSON(w, http.StatusOK, res)
		}
	case action == "status" && r.Method == http.MethodPost:
		s.orderStatusUpdate(w, r, id)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// allowedFrom maps each externally settable order status to the statuses it
// may be entered from. ASSIGNED is excluded: assignment only happens through
// the dispatch engine.
var allowedFrom = map[model.OrderStatus][]model.OrderStatus{
	model.OrderPickedUp:  {model.OrderAssigned},
	model.OrderInTransit: {model.OrderPickedUp},
	model.OrderDelivered: {model.OrderInTransit, model.OrderPickedUp},
	model.OrderCancelled: {model.OrderUnassigned, model.OrderAssigned, model.OrderPickedUp, model.OrderInTransit},
	model.OrderFailed:    {model.OrderAssigned, model.OrderPickedUp, model.OrderInTransit},
}

func (s *Server) orderStatusUpdate(w http.ResponseWriter, r *http.Request, id string) {
	var req struct {
		Status model.OrderStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	froms, ok := allowedFrom[req.Status]
	if !ok {
		writeProblem(w, http.StatusBadRequest, "Invalid status", string(req.Status), r.URL.Path)
		return
	}
	cur, err := s.Store.GetOrder(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeProblem(w, http.StatusNotFound, "Order not found", id, r.URL.Path)
		return
	}
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Get order failed", err.Error(), r.URL.Path)
		return
	}
	legal := false
	for _, f := range froms {
		if cur.Status == f {
			legal = true
			break
		}
	}
	if !legal {
		writeProblem(w, http.StatusConflict, "Illegal status transition",
			fmt.Sprintf("%s -> %s", cur.Status, req.Status), r.URL.Path)
		return
	}

	now := time.Now().UTC()
	o, err := s.Store.UpdateOrderStatus(r.Context(), id, cur.Status, req.Status, func(o *model.Order) {
		if req.Status == model.OrderDelivered {
			o.DeliveredAt = &now
		}
	})
	if errors.Is(err, store.ErrConflict) {
		writeProblem(w, http.StatusConflict, "Order changed concurrently", "", r.URL.Path)
		return
	}
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Status update failed", err.Error(), r.URL.Path)
		return
	}

	switch req.Status {
	case model.OrderPickedUp:
		s.completeStop(r.Context(), o.DriverID, o.ID, model.StopPickup)
	case model.OrderDelivered:
		s.completeStop(r.Context(), o.DriverID, o.ID, model.StopDropoff)
		if o.DriverID != "" {
			if _, err := s.Machine.CompleteDelivery(r.Context(), o.DriverID, o); err != nil {
				s.Log.Error().Err(err).Str("driver", o.DriverID).Msg("complete delivery")
			}
			s.maybeFinishRoute(r.Context(), o.DriverID)
		}
		s.publish(r.Context(), "order.delivered", map[string]any{"orderId": o.ID, "driverId": o.DriverID, "deliveredAt": now})
	case model.OrderCancelled, model.OrderFailed:
		if cur.DriverID != "" {
			s.releaseFromDriver(r.Context(), cur)
		}
		s.publish(r.Context(), "order."+strings.ToLower(string(req.Status)), map[string]any{"orderId": o.ID})
	}
	writeJSON(w, http.StatusOK, o)
}

// completeStop marks the first incomplete stop of the given kind for the
// order on the driver's active route.
func (s *Server) completeStop(ctx context.Context, driverID, orderID string, kind model.StopKind) {
	if driverID == "" {
		return
	}
	rt, err := s.Store.GetRoute(ctx, driverID)
	if err != nil {
		return
	}
	for i := range rt.Stops {
		st := &rt.Stops[i]
		if st.OrderID == orderID && st.Kind == kind && !st.Completed {
			st.Completed = true
			break
		}
	}
	if err := s.Store.SaveRoute(ctx, rt); err != nil {
		s.Log.Error().Err(err).Str("driver", driverID).Msg("save route")
	}
}

// maybeFinishRoute drops the route and moves the driver on once every stop is
// complete: ON_BREAK when the consecutive-delivery cadence is due, RETURNING
// otherwise.
func (s *Server) maybeFinishRoute(ctx context.Context, driverID string) {
	rt, err := s.Store.GetRoute(ctx, driverID)
	if err != nil || len(rt.RemainingStops()) > 0 {
		return
	}
	next := model.DriverReturning
	reason := "route completed"
	if d, err := s.Store.GetDriver(ctx, driverID); err == nil &&
		d.RequiresBreakAfter > 0 && d.ConsecutiveDeliveries >= d.RequiresBreakAfter {
		next = model.DriverOnBreak
		reason = "break due after consecutive deliveries"
	}
	if _, err := s.Machine.TransitionFrom(ctx, driverID, model.DriverBusy, next, reason, "system", nil); err != nil {
		s.Log.Warn().Err(err).Str("driver", driverID).Msg("route completion transition")
		return
	}
	if err := s.Store.DeleteRoute(ctx, driverID); err != nil {
		s.Log.Error().Err(err).Str("driver", driverID).Msg("delete route")
	}
}

// releaseFromDriver reverses the load a cancelled or failed order placed on
// its driver and clears its route stops.
func (s *Server) releaseFromDriver(ctx context.Context, o model.Order) {
	_, err := s.Store.MutateDriver(ctx, o.DriverID, func(d *model.Driver) (*model.DriverTransition, error) {
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
		return nil, nil
	})
	if err != nil {
		s.Log.Error().Err(err).Str("driver", o.DriverID).Msg("release load")
		return
	}
	s.completeStop(ctx, o.DriverID, o.ID, model.StopPickup)
	s.completeStop(ctx, o.DriverID, o.ID, model.StopDropoff)
	s.maybeFinishRoute(ctx, o.DriverID)
}

// DriversHandler handles POST/GET /v1/drivers
func (s *Server) DriversHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var d model.Driver
		if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if d.ID == "" {
			d.ID = "drv_" + uuid.NewString()
		}
		if d.State == "" {
			d.State = model.DriverOffline
		}
		if !model.KnownDriverState(d.State) {
			writeProblem(w, http.StatusBadRequest, "Invalid state", string(d.State), r.URL.Path)
			return
		}
		if d.CapacityWeightKg <= 0 {
			d.CapacityWeightKg = 50
		}
		if d.MaxVolumeM3 <= 0 {
			d.MaxVolumeM3 = 0.5
		}
		if d.RequiresBreakAfter <= 0 {
			d.RequiresBreakAfter = 8
		}
		if d.MaxWorkingHours <= 0 {
			d.MaxWorkingHours = 10
		}
		d.Active = true
		d.StateChangedAt = time.Now().UTC()
		if err := s.Store.CreateDriver(r.Context(), d); err != nil {
			writeProblem(w, http.StatusInternalServerError, "Create driver failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusCreated, d)
	case http.MethodGet:
		var (
			items []model.Driver
			err   error
		)
		if st := r.URL.Query().Get("state"); st != "" {
			items, err = s.Store.ListDriversByState(r.Context(), model.DriverState(st))
		} else {
			items, err = s.Store.ListActiveDrivers(r.Context())
		}
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "List drivers failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// DriverByIDHandler handles /v1/drivers/{id} and its subresources:
// /transition, /transitions, /route, /optimize, /optimizations, /ws.
func (s *Server) DriverByIDHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/drivers/")
	parts := strings.Split(rest, "/")
	id := parts[0]
	if id == "" {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		d, err := s.Store.GetDriver(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			writeProblem(w, http.StatusNotFound, "Driver not found", id, r.URL.Path)
			return
		}
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Get driver failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, d)
	case action == "transition" && r.Method == http.MethodPost:
		s.driverTransition(w, r, id)
	case action == "transitions" && r.Method == http.MethodGet:
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			fmt.Sscanf(v, "%d", &limit)
		}
		items, err := s.Store.ListTransitions(r.Context(), id, limit)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "List transitions failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
	case action == "route" && r.Method == http.MethodGet:
		rt, err := s.Store.GetRoute(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			writeProblem(w, http.StatusNotFound, "No active route", id, r.URL.Path)
			return
		}
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Get route failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, rt)
	case action == "optimize" && r.Method == http.MethodPost:
		rec, err := s.RouteOpt.OptimizeDriver(r.Context(), id)
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeProblem(w, http.StatusNotFound, "No active route", id, r.URL.Path)
		case errors.Is(err, routeopt.ErrNothingToOptimize):
			writeProblem(w, http.StatusConflict, "Nothing to optimize", err.Error(), r.URL.Path)
		case err != nil:
			writeProblem(w, http.StatusInternalServerError, "Optimization failed", err.Error(), r.URL.Path)
		default:
			writeJSON(w, http.StatusOK, rec)
		}
	case action == "optimizations" && r.Method == http.MethodGet:
		limit := 20
		if v := r.URL.Query().Get("limit"); v != "" {
			fmt.Sscanf(v, "%d", &limit)
		}
		items, err := s.Store.ListOptimizationRecords(r.Context(), id, limit)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "List optimizations failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
	case action == "ws" && r.Method == http.MethodGet:
		s.Gateway.ServeWS(w, r, id)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) driverTransition(w http.ResponseWriter, r *http.Request, id string) {
	var req struct {
		State  model.DriverState `json:"state"`
		Reason string            `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	d, err := s.Machine.Transition(r.Context(), id, req.State, req.Reason, "api")
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeProblem(w, http.StatusNotFound, "Driver not found", id, r.URL.Path)
	case err != nil:
		writeProblem(w, http.StatusConflict, "Transition rejected", err.Error(), r.URL.Path)
	default:
		writeJSON(w, http.StatusOK, d)
	}
}

// EngineStatusHandler handles GET /v1/engines/status
func (s *Server) EngineStatusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	out := map[string]runner.Status{}
	for name, eng := range s.engines() {
		out[name] = eng.Status()
	}
	writeJSON(w, http.StatusOK, map[string]any{"engines": out, "slaHealthy": s.SLA.Healthy()})
}

// EngineControlHandler handles POST /v1/engines/{name}/start|stop and
// POST /v1/engines/batching/run.
func (s *Server) EngineControlHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/v1/engines/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	name, verb := parts[0], parts[1]

	if name == "batching" && verb == "run" {
		rep, err := s.Batching.RunOnce(r.Context())
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Batching run failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, rep)
		return
	}

	eng, ok := s.engines()[name]
	if !ok {
		writeProblem(w, http.StatusNotFound, "Unknown engine", name, r.URL.Path)
		return
	}
	switch verb {
	case "start":
		if err := eng.Start(s.EngineCtx); err != nil {
			writeProblem(w, http.StatusConflict, "Start failed", err.Error(), r.URL.Path)
			return
		}
	case "stop":
		if err := eng.Stop(); err != nil {
			writeProblem(w, http.StatusConflict, "Stop failed", err.Error(), r.URL.Path)
			return
		}
	default:
		writeProblem(w, http.StatusNotFound, "Unknown verb", verb, r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, eng.Status())
}

// IncidentsHandler handles POST/GET /v1/incidents
func (s *Server) IncidentsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var in model.TrafficIncident
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if in.RadiusKm <= 0 {
			writeProblem(w, http.StatusBadRequest, "Invalid radius", "radiusKm must be positive", r.URL.Path)
			return
		}
		if in.Severity == "" {
			in.Severity = model.IncidentModerate
		}
		if in.ID == "" {
			in.ID = "inc_" + uuid.NewString()
		}
		in.Active = true
		in.ReportedAt = time.Now().UTC()
		if err := s.Store.CreateIncident(r.Context(), in); err != nil {
			writeProblem(w, http.StatusInternalServerError, "Create incident failed", err.Error(), r.URL.Path)
			return
		}
		// The optimizer reacts out of cycle when it is running; otherwise
		// the incident waits for its traffic sweep after a start.
		if s.RouteOpt.Running() {
			if err := s.RouteOpt.HandleTrafficIncident(r.Context(), in); err != nil {
				s.Log.Error().Err(err).Str("incident", in.ID).Msg("handle incident")
			}
		}
		writeJSON(w, http.StatusCreated, in)
	case http.MethodGet:
		items, err := s.Store.ActiveIncidents(r.Context())
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "List incidents failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// BatchesHandler handles GET /v1/batches
func (s *Server) BatchesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	items, err := s.Store.PendingBatches(r.Context())
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "List batches failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

// EscalationsHandler handles GET /v1/escalations?status=
func (s *Server) EscalationsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	st := model.EscalationStatus(r.URL.Query().Get("status"))
	if st == "" {
		st = model.EscalationOpen
	}
	items, err := s.Store.ListEscalationsByStatus(r.Context(), st)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "List escalations failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

// EscalationByIDHandler handles POST /v1/escalations/{id}/resolve
func (s *Server) EscalationByIDHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/v1/escalations/"), "/resolve")
	if id == "" || strings.Contains(id, "/") {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	var req struct {
		Resolution string `json:"resolution"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	esc, err := s.Store.UpdateEscalation(r.Context(), id, func(e *model.Escalation) {
		e.Status = model.EscalationResolved
		e.Resolution = req.Resolution
		e.UpdatedAt = time.Now().UTC()
	})
	if errors.Is(err, store.ErrNotFound) {
		writeProblem(w, http.StatusNotFound, "Escalation not found", id, r.URL.Path)
		return
	}
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Resolve failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, esc)
}

// AlertsHandler handles GET /v1/alerts?sinceMinutes=
func (s *Server) AlertsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	since := 60
	if v := r.URL.Query().Get("sinceMinutes"); v != "" {
		fmt.Sscanf(v, "%d", &since)
	}
	items, err := s.Store.ListAlertsSince(r.Context(), time.Now().UTC().Add(-time.Duration(since)*time.Minute))
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "List alerts failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

// StatsHandler handles GET /v1/stats
func (s *Server) StatsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	st, err := s.Store.Stats(r.Context())
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Stats failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// SLABreachesHandler handles GET /v1/sla/breaches
func (s *Server) SLABreachesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stats":   s.SLA.GetBreachStats(),
		"history": s.SLA.Breaches(),
	})
}

// SLAForecastHandler handles GET /v1/sla/forecast
func (s *Server) SLAForecastHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	fc, err := s.SLA.PredictCompliance(r.Context())
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Forecast failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, fc)
}

// DailyResetHandler handles POST /v1/admin/daily-reset
func (s *Server) DailyResetHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	n, err := s.Machine.DailyReset(r.Context())
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Reset failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"driversReset": n})
}

// EventsStreamHandler serves the SSE firehose of engine events.
func (s *Server) EventsStreamHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeProblem(w, http.StatusInternalServerError, "Streaming unsupported", "", r.URL.Path)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := s.Broker.Subscribe("events")
	defer s.Broker.Unsubscribe("events", ch)

	fmt.Fprintf(w, "event: connected\ndata: {\"ts\":%q}\n\n", time.Now().UTC().Format(time.RFC3339))
	flusher.Flush()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case evt, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(evt.Data)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, data)
			flusher.Flush()
		}
	}
}

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "slaHealthy": s.SLA.Healthy(), "connectedDrivers": s.Gateway.ConnectedCount()})
}

func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	if _, err := s.Store.Stats(r.Context()); err != nil {
		writeProblem(w, http.StatusServiceUnavailable, "Store unavailable", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ready": true})
}

func (s *Server) publish(ctx context.Context, eventType string, data any) {
	if s.Events != nil {
		s.Events.Publish(ctx, eventType, data)
		return
	}
	s.Broker.Publish("events", Event{Type: eventType, Data: data})
}
