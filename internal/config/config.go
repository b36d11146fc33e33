package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	cycleConfig "github.com/iurnickita/offerbilling/internal/cycle/config"
	handlerConfig "github.com/iurnickita/offerbilling/internal/handler/config"
	loggerConfig "github.com/iurnickita/offerbilling/internal/logger/config"
	serviceConfig "github.com/iurnickita/offerbilling/internal/service/config"
	storeConfig "github.com/iurnickita/offerbilling/internal/store/config"
)

type Config struct {
	Handler handlerConfig.Config
	Service serviceConfig.Config
	Store   storeConfig.Config
	Logger  loggerConfig.Config
	Cycle   cycleConfig.Config
}

// GetConfig: значения по умолчанию, затем флаги, затем переменные окружения.
// Файл .env, если есть, загружается в окружение до разбора.
func GetConfig() (Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return Config{}, fmt.Errorf("load .env: %w", err)
		}
	}
	return parse(os.Args[1:], os.LookupEnv)
}

func parse(args []string, lookupEnv func(string) (string, bool)) (Config, error) {
	var cfg Config
	fs := flag.NewFlagSet("offerbilling", flag.ContinueOnError)

	fs.StringVar(&cfg.Handler.ServerAddr, "a", ":8080", "address and port to run server")
	fs.StringVar(&cfg.Handler.JWTSecret, "jwt-secret", "", "provider token signing secret")
	fs.StringVar(&cfg.Handler.ServiceToken, "service-token", "", "token of internal services")
	fs.StringVar(&cfg.Store.Driver, "db-driver", storeConfig.DriverPostgres, "database driver: postgres or sqlite")
	fs.StringVar(&cfg.Store.DBDsn, "d", "", "database connection string or sqlite file path")
	fs.StringVar(&cfg.Logger.LogLevel, "l", "info", "log level")
	fs.Int64Var(&cfg.Cycle.Rates.Standard, "rate-standard", 100, "standard offer daily rate, minor units")
	fs.Int64Var(&cfg.Cycle.Rates.VIP, "rate-vip", 300, "VIP offer daily rate, minor units")
	fs.Int64Var(&cfg.Cycle.Rates.Flash, "rate-flash", 50, "flash offer daily surcharge, minor units")
	fs.StringVar(&cfg.Cycle.Cutover, "cutover", "00:00", "billing period cutover time of day, HH:MM")
	fs.StringVar(&cfg.Cycle.Timezone, "timezone", "Europe/Prague", "billing period timezone")
	fs.DurationVar(&cfg.Cycle.RetryInterval, "cycle-retry", 5*time.Minute, "retry interval of a failed billing cycle")
	fs.IntVar(&cfg.Cycle.Workers, "cycle-workers", 4, "providers charged in parallel")
	fs.DurationVar(&cfg.Cycle.LockTTL, "cycle-lock-ttl", 10*time.Minute, "billing cycle lock ttl")
	fs.StringVar(&cfg.Cycle.RedisAddr, "redis", "", "redis address of the billing cycle lock")
	fs.StringVar(&cfg.Service.ProfileAddr, "profile", "", "profile service address")
	fs.DurationVar(&cfg.Service.ProfileTimeout, "profile-timeout", 3*time.Second, "profile service request timeout")
	fs.IntVar(&cfg.Service.CompletenessThreshold, "profile-threshold", 80, "minimal profile completeness, percent")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	// переменные окружения важнее флагов
	env := envReader{lookup: lookupEnv}
	env.str("RUN_ADDRESS", &cfg.Handler.ServerAddr)
	env.str("JWT_SECRET", &cfg.Handler.JWTSecret)
	env.str("SERVICE_TOKEN", &cfg.Handler.ServiceToken)
	env.str("DATABASE_DRIVER", &cfg.Store.Driver)
	env.str("DATABASE_URI", &cfg.Store.DBDsn)
	env.str("LOG_LEVEL", &cfg.Logger.LogLevel)
	env.num64("RATE_STANDARD", &cfg.Cycle.Rates.Standard)
	env.num64("RATE_VIP", &cfg.Cycle.Rates.VIP)
	env.num64("RATE_FLASH", &cfg.Cycle.Rates.Flash)
	env.str("CYCLE_CUTOVER", &cfg.Cycle.Cutover)
	env.str("CYCLE_TIMEZONE", &cfg.Cycle.Timezone)
	env.duration("CYCLE_RETRY", &cfg.Cycle.RetryInterval)
	env.num("CYCLE_WORKERS", &cfg.Cycle.Workers)
	env.duration("CYCLE_LOCK_TTL", &cfg.Cycle.LockTTL)
	env.str("REDIS_ADDR", &cfg.Cycle.RedisAddr)
	env.str("PROFILE_SERVICE_ADDR", &cfg.Service.ProfileAddr)
	env.duration("PROFILE_SERVICE_TIMEOUT", &cfg.Service.ProfileTimeout)
	env.num("PROFILE_COMPLETENESS_THRESHOLD", &cfg.Service.CompletenessThreshold)
	if env.err != nil {
		return Config{}, env.err
	}

	if cfg.Cycle.Rates.Standard < 0 || cfg.Cycle.Rates.VIP < 0 || cfg.Cycle.Rates.Flash < 0 {
		return Config{}, fmt.Errorf("billing rates must not be negative: %+v", cfg.Cycle.Rates)
	}
	if cfg.Handler.JWTSecret == "" {
		return Config{}, fmt.Errorf("jwt secret is not set")
	}
	return cfg, nil
}

// envReader запоминает первую ошибку разбора
type envReader struct {
	lookup func(string) (string, bool)
	err    error
}

func (e *envReader) str(key string, dst *string) {
	if value, ok := e.lookup(key); ok && value != "" {
		*dst = value
	}
}

func (e *envReader) num64(key string, dst *int64) {
	value, ok := e.lookup(key)
	if !ok || value == "" || e.err != nil {
		return
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		e.err = fmt.Errorf("%s: %w", key, err)
		return
	}
	*dst = parsed
}

func (e *envReader) num(key string, dst *int) {
	parsed := int64(*dst)
	e.num64(key, &parsed)
	*dst = int(parsed)
}

func (e *envReader) duration(key string, dst *time.Duration) {
	value, ok := e.lookup(key)
	if !ok || value == "" || e.err != nil {
		return
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		e.err = fmt.Errorf("%s: %w", key, err)
		return
	}
	*dst = parsed
}
