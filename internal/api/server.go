package api

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"fleetops/internal/batching"
	"fleetops/internal/dispatch"
	"fleetops/internal/driver"
	"fleetops/internal/geo"
	"fleetops/internal/metrics"
	"fleetops/internal/notify"
	"fleetops/internal/routeopt"
	"fleetops/internal/runner"
	"fleetops/internal/sla"
	"fleetops/internal/store"
)

// controllable is the control surface every engine exposes.
type controllable interface {
	Start(ctx context.Context) error
	Stop() error
	Status() runner.Status
}

// Server wires the engines, store, and broker behind the HTTP control
// surface.
type Server struct {
	Store    store.Store
	Machine  *driver.Machine
	Geo      geo.Provider
	Dispatch *dispatch.Engine
	SLA      *sla.Engine
	RouteOpt *routeopt.Engine
	Batching *batching.Engine
	Broker   EventBroker
	Gateway  *DriverGateway
	// Events is the combined sink (broker + outbound webhooks) the engines
	// publish through; handler-originated events go through it too.
	Events notify.Sink
	Log    zerolog.Logger

	// EngineCtx is the parent context engine starts inherit; process
	// shutdown cancels it.
	EngineCtx context.Context
}

func (s *Server) engines() map[string]controllable {
	return map[string]controllable{
		"dispatch": s.Dispatch,
		"sla":      s.SLA,
		"routeopt": s.RouteOpt,
		"batching": s.Batching,
	}
}

// Routes registers every endpoint on a fresh mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/orders", s.OrdersHandler)
	mux.HandleFunc("/v1/orders/", s.OrderByIDHandler) // includes /assign, /status

	mux.HandleFunc("/v1/drivers", s.DriversHandler)
	mux.HandleFunc("/v1/drivers/", s.DriverByIDHandler) // includes /transition, /route, /optimize, /ws

	mux.HandleFunc("/v1/engines/status", s.EngineStatusHandler)
	mux.HandleFunc("/v1/engines/", s.EngineControlHandler)

	mux.HandleFunc("/v1/incidents", s.IncidentsHandler)
	mux.HandleFunc("/v1/batches", s.BatchesHandler)
	mux.HandleFunc("/v1/escalations", s.EscalationsHandler)
	mux.HandleFunc("/v1/escalations/", s.EscalationByIDHandler)
	mux.HandleFunc("/v1/alerts", s.AlertsHandler)
	mux.HandleFunc("/v1/stats", s.StatsHandler)
	mux.HandleFunc("/v1/sla/breaches", s.SLABreachesHandler)
	mux.HandleFunc("/v1/sla/forecast", s.SLAForecastHandler)
	mux.HandleFunc("/v1/events/stream", s.EventsStreamHandler)

	mux.HandleFunc("/v1/admin/daily-reset", s.DailyResetHandler)

	mux.HandleFunc("/healthz", s.HealthHandler)
	mux.HandleFunc("/readyz", s.ReadyHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	return mux
}

// Handler wraps the routed mux with request logging and metrics.
func (s *Server) Handler() http.Handler {
	return s.instrument(s.Routes())
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE streaming working through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack keeps websocket upgrades working through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		dur := time.Since(start)
		status := strconv.Itoa(rec.status)
		metrics.HTTPRequests.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		metrics.HTTPDuration.WithLabelValues(r.Method, r.URL.Path, status).Observe(dur.Seconds())
		s.Log.Debug().Str("method", r.Method).Str("path", r.URL.Path).
			Int("status", rec.status).Dur("duration", dur).Msg("request")
	})
}
