package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != "8080" {
		t.Errorf("port = %s", cfg.Port)
	}
	if cfg.DispatchInterval != 10*time.Second {
		t.Errorf("dispatch interval = %v", cfg.DispatchInterval)
	}
	if cfg.OfferTimeout != 30*time.Second {
		t.Errorf("offer timeout = %v", cfg.OfferTimeout)
	}
	if cfg.MaxOffersPerOrder != 3 || cfg.MaxConcurrentFlash != 2 {
		t.Errorf("offer/flash caps = %d/%d", cfg.MaxOffersPerOrder, cfg.MaxConcurrentFlash)
	}
	if cfg.FlashRadiusKm != 5.0 {
		t.Errorf("flash radius = %v", cfg.FlashRadiusKm)
	}
	if cfg.AutoStart != "all" {
		t.Errorf("auto start = %s", cfg.AutoStart)
	}
	if cfg.ImprovementThreshold != 0.10 {
		t.Errorf("improvement threshold = %v", cfg.ImprovementThreshold)
	}
	if cfg.BatchMinOrders != 2 || cfg.BatchMaxOrders != 5 || cfg.BatchMaxDistanceKm != 3.0 {
		t.Errorf("batch bounds = %d/%d/%v", cfg.BatchMinOrders, cfg.BatchMaxOrders, cfg.BatchMaxDistanceKm)
	}
	if cfg.SLAStalenessWindow != 45*time.Second || cfg.BreachHistoryCap != 100 {
		t.Errorf("sla staleness/cap = %v/%d", cfg.SLAStalenessWindow, cfg.BreachHistoryCap)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DATABASE_URL", "postgres://localhost/fleet")
	t.Setenv("DISPATCH_INTERVAL", "2s")
	t.Setenv("BATCH_MAX_ORDERS", "8")
	t.Setenv("ROUTE_IMPROVEMENT_THRESHOLD", "0.25")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != "9090" {
		t.Errorf("port = %s", cfg.Port)
	}
	if cfg.DatabaseURL != "postgres://localhost/fleet" {
		t.Errorf("database url = %s", cfg.DatabaseURL)
	}
	if cfg.DispatchInterval != 2*time.Second {
		t.Errorf("dispatch interval = %v", cfg.DispatchInterval)
	}
	if cfg.BatchMaxOrders != 8 {
		t.Errorf("batch max orders = %d", cfg.BatchMaxOrders)
	}
	if cfg.ImprovementThreshold != 0.25 {
		t.Errorf("improvement threshold = %v", cfg.ImprovementThreshold)
	}
}
