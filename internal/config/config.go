package config

import (
	"strings"
	"time"

	"github.com/miguelnutt/rewards-backend/internal/models"
	"github.com/spf13/viper"
)

type Config struct {
	AppName string
	AppEnv  string
	Port    string

	Points      PointsConfig
	Award       AwardConfig
	Reconcile   ReconcileConfig
	Consolidate ConsolidateConfig
	JWTSecret   string
}

type PointsConfig struct {
	BaseURL            string
	Channel            string
	Token              string
	Timeout            time.Duration
	MirroredCurrencies []models.CurrencyKind
}

type AwardConfig struct {
	DefaultCurrency models.CurrencyKind
}

type ReconcileConfig struct {
	BatchSize      int
	PacingInterval time.Duration
	MaxAttempts    int
	MinAge         time.Duration
	Schedule       string
	LockTTL        time.Duration
}

type ConsolidateConfig struct {
	Concurrency int
}

const (
	minPointsTimeout = 5 * time.Second
	maxPointsTimeout = 15 * time.Second
)

var envBindings = map[string]string{
	"app.name":                   "APP_NAME",
	"app.env":                    "APP_ENV",
	"server.port":                "PORT",
	"database.host":              "DATABASE_HOST",
	"database.port":              "DATABASE_PORT",
	"database.user":              "DATABASE_USER",
	"database.password":          "DATABASE_PASSWORD",
	"database.name":              "DATABASE_NAME",
	"database.ssl_mode":          "DATABASE_SSL_MODE",
	"redis.host":                 "REDIS_HOST",
	"redis.port":                 "REDIS_PORT",
	"redis.password":             "REDIS_PASSWORD",
	"redis.db":                   "REDIS_DB",
	"points.base_url":            "POINTS_BASE_URL",
	"points.channel":             "POINTS_CHANNEL",
	"points.token":               "POINTS_TOKEN",
	"points.timeout":             "POINTS_TIMEOUT",
	"points.mirrored_currencies": "POINTS_MIRRORED_CURRENCIES",
	"award.default_currency":     "AWARD_DEFAULT_CURRENCY",
	"reconcile.batch_size":       "RECONCILE_BATCH_SIZE",
	"reconcile.pacing_interval":  "RECONCILE_PACING_INTERVAL",
	"reconcile.max_attempts":     "RECONCILE_MAX_ATTEMPTS",
	"reconcile.min_age":          "RECONCILE_MIN_AGE",
	"reconcile.schedule":         "RECONCILE_SCHEDULE",
	"reconcile.lock_ttl":         "RECONCILE_LOCK_TTL",
	"consolidate.concurrency":    "CONSOLIDATE_CONCURRENCY",
	"auth.jwt_secret":            "JWT_SECRET_KEY",
}

// Init points viper at the .env file and binds environment variables. It
// returns the error from reading the config file, which callers may ignore
// when running purely from the environment.
func Init(path string) error {
	viper.SetConfigFile(path)
	viper.SetConfigType("env")
	viper.AutomaticEnv()

	for key, env := range envBindings {
		viper.BindEnv(key, env)
	}

	return viper.ReadInConfig()
}

func setDefaults() {
	viper.SetDefault("app.name", "rewards-backend")
	viper.SetDefault("app.env", "development")
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("points.base_url", "https://api.streamelements.com/kappa/v2")
	viper.SetDefault("points.timeout", 10*time.Second)
	viper.SetDefault("points.mirrored_currencies", string(models.CurrencyLoyaltyPoints))
	viper.SetDefault("award.default_currency", string(models.CurrencyRubiniCoins))
	viper.SetDefault("reconcile.batch_size", 50)
	viper.SetDefault("reconcile.pacing_interval", 500*time.Millisecond)
	viper.SetDefault("reconcile.max_attempts", 10)
	viper.SetDefault("reconcile.min_age", 30*time.Second)
	viper.SetDefault("reconcile.schedule", "@every 5m")
	viper.SetDefault("reconcile.lock_ttl", time.Minute)
	viper.SetDefault("consolidate.concurrency", 4)
}

// Load returns the application config with defaults applied.
func Load() *Config {
	setDefaults()

	timeout := viper.GetDuration("points.timeout")
	if timeout < minPointsTimeout {
		timeout = minPointsTimeout
	}
	if timeout > maxPointsTimeout {
		timeout = maxPointsTimeout
	}

	defaultCurrency := models.CurrencyKind(viper.GetString("award.default_currency"))
	if !defaultCurrency.Valid() {
		defaultCurrency = models.CurrencyRubiniCoins
	}

	concurrency := viper.GetInt("consolidate.concurrency")
	if concurrency <= 0 {
		concurrency = 1
	}

	return &Config{
		AppName: viper.GetString("app.name"),
		AppEnv:  viper.GetString("app.env"),
		Port:    viper.GetString("server.port"),
		Points: PointsConfig{
			BaseURL:            strings.TrimRight(viper.GetString("points.base_url"), "/"),
			Channel:            viper.GetString("points.channel"),
			Token:              viper.GetString("points.token"),
			Timeout:            timeout,
			MirroredCurrencies: parseCurrencies(viper.GetString("points.mirrored_currencies")),
		},
		Award: AwardConfig{
			DefaultCurrency: defaultCurrency,
		},
		Reconcile: ReconcileConfig{
			BatchSize:      viper.GetInt("reconcile.batch_size"),
			PacingInterval: viper.GetDuration("reconcile.pacing_interval"),
			MaxAttempts:    viper.GetInt("reconcile.max_attempts"),
			MinAge:         viper.GetDuration("reconcile.min_age"),
			Schedule:       viper.GetString("reconcile.schedule"),
			LockTTL:        viper.GetDuration("reconcile.lock_ttl"),
		},
		Consolidate: ConsolidateConfig{
			Concurrency: concurrency,
		},
		JWTSecret: viper.GetString("auth.jwt_secret"),
	}
}

// parseCurrencies reads a comma separated currency list, dropping unknown
// names.
func parseCurrencies(raw string) []models.CurrencyKind {
	var out []models.CurrencyKind
	for _, part := range strings.Split(raw, ",") {
		c := models.CurrencyKind(strings.TrimSpace(part))
		if c.Valid() {
			out = append(out, c)
		}
	}
	return out
}
