package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"fleetops/internal/api"
	"fleetops/internal/batching"
	"fleetops/internal/config"
	"fleetops/internal/dispatch"
	"fleetops/internal/driver"
	"fleetops/internal/geo"
	"fleetops/internal/metrics"
	"fleetops/internal/notify"
	"fleetops/internal/routeopt"
	"fleetops/internal/sla"
	"fleetops/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	zerolog.TimeFieldFormat = time.RFC3339
	level, _ := zerolog.ParseLevel(cfg.LogLevel)
	logger := zerolog.New(os.Stderr).Level(level).With().Timestamp().Str("service", "fleetops").Logger()
	if cfg.Env == "dev" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	metrics.RegisterDefault()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var st store.Store
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("connect postgres")
		}
		if err := pg.Migrate(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate")
		}
		defer pg.Close()
		st = pg
		logger.Info().Msg("using postgres store")
	} else {
		st = store.NewMemory()
		logger.Warn().Msg("DATABASE_URL unset, using in-memory store")
	}

	var broker api.EventBroker
	if cfg.RedisURL != "" {
		rb, err := api.NewRedisBroker(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("connect redis")
		}
		broker = rb
		logger.Info().Msg("using redis event broker")
	} else {
		broker = api.NewBroker()
	}

	var provider geo.Provider = geo.NewHaversine(cfg.AvgSpeedKph)
	if cfg.GeoRatePerSec > 0 {
		provider = geo.NewLimited(provider, cfg.GeoRatePerSec, int(cfg.GeoRatePerSec))
	}

	machine := driver.NewMachine(st)

	gateway := api.NewDriverGateway(st)
	gateway.AutoAcceptUnconnected = cfg.AutoAcceptOffers

	events := notify.Fanout{api.BrokerSink{Broker: broker}}
	var worker *notify.Worker
	if cfg.WebhookURL != "" {
		var subs []notify.Subscriber
		for _, ev := range strings.Split(cfg.WebhookEvents, ",") {
			subs = append(subs, notify.Subscriber{
				EventType: strings.TrimSpace(ev),
				URL:       cfg.WebhookURL,
				Secret:    cfg.WebhookSecret,
			})
		}
		events = append(events, notify.NewPublisher(st, subs))
		worker = notify.NewWorker(st, 0)
		worker.Start()
		defer close(worker.Stop)
		logger.Info().Str("url", cfg.WebhookURL).Msg("webhook delivery enabled")
	}

	dcfg := dispatch.DefaultConfig()
	dcfg.Interval = cfg.DispatchInterval
	dcfg.OfferTimeout = cfg.OfferTimeout
	dcfg.MaxOffersPerOrder = cfg.MaxOffersPerOrder
	dcfg.FlashRadiusKm = cfg.FlashRadiusKm
	dcfg.MaxConcurrentFlash = cfg.MaxConcurrentFlash

	scfg := sla.DefaultConfig()
	scfg.Interval = cfg.SLAInterval
	scfg.StalenessWindow = cfg.SLAStalenessWindow
	scfg.BreachHistoryCap = cfg.BreachHistoryCap

	rcfg := routeopt.DefaultConfig()
	rcfg.OptimizeInterval = cfg.RouteInterval
	rcfg.TrafficInterval = cfg.TrafficInterval
	rcfg.ImprovementThreshold = cfg.ImprovementThreshold

	bcfg := batching.DefaultConfig()
	bcfg.Interval = cfg.BatchInterval
	bcfg.MinOrdersInBatch = cfg.BatchMinOrders
	bcfg.MaxOrdersInBatch = cfg.BatchMaxOrders
	bcfg.MaxDistanceKm = cfg.BatchMaxDistanceKm

	srv := &api.Server{
		Store:     st,
		Machine:   machine,
		Geo:       provider,
		Dispatch:  dispatch.NewEngine(st, machine, provider, gateway, events, dcfg, logger.With().Str("engine", "dispatch").Logger()),
		SLA:       sla.NewEngine(st, machine, events, scfg, logger.With().Str("engine", "sla").Logger()),
		RouteOpt:  routeopt.NewEngine(st, provider, events, rcfg, logger.With().Str("engine", "routeopt").Logger()),
		Batching:  batching.NewEngine(st, provider, events, bcfg, logger.With().Str("engine", "batching").Logger()),
		Broker:    broker,
		Gateway:   gateway,
		Events:    events,
		Log:       logger,
		EngineCtx: ctx,
	}

	startEngines(ctx, srv, cfg.AutoStart, logger)

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shCtx)
	}()

	logger.Info().Str("addr", httpSrv.Addr).Msg("listening")
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal().Err(err).Msg("server error")
	}

	stopEngines(srv, logger)
	logger.Info().Msg("shutdown complete")
}

func startEngines(ctx context.Context, srv *api.Server, autoStart string, logger zerolog.Logger) {
	names := map[string]interface{ Start(context.Context) error }{
		"dispatch": srv.Dispatch,
		"sla":      srv.SLA,
		"routeopt": srv.RouteOpt,
		"batching": srv.Batching,
	}
	want := map[string]bool{}
	switch strings.TrimSpace(autoStart) {
	case "all":
		for n := range names {
			want[n] = true
		}
	case "":
	default:
		for _, n := range strings.Split(autoStart, ",") {
			want[strings.TrimSpace(n)] = true
		}
	}
	for n, eng := range names {
		if !want[n] {
			continue
		}
		if err := eng.Start(ctx); err != nil {
			logger.Error().Err(err).Str("engine", n).Msg("start engine")
			continue
		}
		logger.Info().Str("engine", n).Msg("engine started")
	}
}

func stopEngines(srv *api.Server, logger zerolog.Logger) {
	for n, eng := range map[string]interface{ Stop() error }{
		"dispatch": srv.Dispatch,
		"sla":      srv.SLA,
		"routeopt": srv.RouteOpt,
		"batching": srv.Batching,
	} {
		if err := eng.Stop(); err != nil {
			continue
		}
		logger.Info().Str("engine", n).Msg("engine stopped")
	}
}
