package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Env         string `mapstructure:"ENV"`
	Port        string `mapstructure:"PORT"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	RedisURL    string `mapstructure:"REDIS_URL"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`

	// Engines started at boot, comma separated. Empty means none; "all"
	// starts the full set.
	AutoStart string `mapstructure:"AUTO_START_ENGINES"`

	DispatchInterval   time.Duration `mapstructure:"DISPATCH_INTERVAL"`
	OfferTimeout       time.Duration `mapstructure:"OFFER_TIMEOUT"`
	MaxOffersPerOrder  int           `mapstructure:"MAX_OFFERS_PER_ORDER"`
	FlashRadiusKm      float64       `mapstructure:"FLASH_RADIUS_KM"`
	MaxConcurrentFlash int           `mapstructure:"MAX_CONCURRENT_FLASH"`

	SLAInterval        time.Duration `mapstructure:"SLA_INTERVAL"`
	SLAStalenessWindow time.Duration `mapstructure:"SLA_STALENESS_WINDOW"`
	BreachHistoryCap   int           `mapstructure:"SLA_BREACH_HISTORY_CAP"`

	RouteInterval        time.Duration `mapstructure:"ROUTE_OPT_INTERVAL"`
	TrafficInterval      time.Duration `mapstructure:"TRAFFIC_INTERVAL"`
	ImprovementThreshold float64       `mapstructure:"ROUTE_IMPROVEMENT_THRESHOLD"`

	BatchInterval      time.Duration `mapstructure:"BATCH_INTERVAL"`
	BatchMinOrders     int           `mapstructure:"BATCH_MIN_ORDERS"`
	BatchMaxOrders     int           `mapstructure:"BATCH_MAX_ORDERS"`
	BatchMaxDistanceKm float64       `mapstructure:"BATCH_MAX_DISTANCE_KM"`

	// Offers to drivers with no live websocket auto-accept when true;
	// useful for simulations and local runs.
	AutoAcceptOffers bool `mapstructure:"AUTO_ACCEPT_OFFERS"`

	// Average road speed assumed by the distance provider.
	AvgSpeedKph float64 `mapstructure:"AVG_SPEED_KPH"`
	// Distance provider rate limit; zero disables limiting.
	GeoRatePerSec float64 `mapstructure:"GEO_RATE_PER_SEC"`

	// Outbound webhook target. Empty disables webhook delivery.
	WebhookURL    string `mapstructure:"WEBHOOK_URL"`
	WebhookSecret string `mapstructure:"WEBHOOK_SECRET"`
	WebhookEvents string `mapstructure:"WEBHOOK_EVENTS"`
}

func Load() (Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	_ = v.ReadInConfig()

	v.SetDefault("ENV", "dev")
	v.SetDefault("PORT", "8080")
	// Empty defaults keep env-only overrides visible to Unmarshal.
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("WEBHOOK_URL", "")
	v.SetDefault("WEBHOOK_SECRET", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("AUTO_START_ENGINES", "all")
	v.SetDefault("DISPATCH_INTERVAL", "10s")
	v.SetDefault("OFFER_TIMEOUT", "30s")
	v.SetDefault("MAX_OFFERS_PER_ORDER", 3)
	v.SetDefault("FLASH_RADIUS_KM", 5.0)
	v.SetDefault("MAX_CONCURRENT_FLASH", 2)
	v.SetDefault("SLA_INTERVAL", "60s")
	v.SetDefault("SLA_STALENESS_WINDOW", "45s")
	v.SetDefault("SLA_BREACH_HISTORY_CAP", 100)
	v.SetDefault("ROUTE_OPT_INTERVAL", "5m")
	v.SetDefault("TRAFFIC_INTERVAL", "1m")
	v.SetDefault("ROUTE_IMPROVEMENT_THRESHOLD", 0.10)
	v.SetDefault("BATCH_INTERVAL", "10m")
	v.SetDefault("BATCH_MIN_ORDERS", 2)
	v.SetDefault("BATCH_MAX_ORDERS", 5)
	v.SetDefault("BATCH_MAX_DISTANCE_KM", 3.0)
	v.SetDefault("AUTO_ACCEPT_OFFERS", false)
	v.SetDefault("AVG_SPEED_KPH", 30.0)
	v.SetDefault("GEO_RATE_PER_SEC", 0.0)
	v.SetDefault("WEBHOOK_EVENTS", "*")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
