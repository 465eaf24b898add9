package app

import (
	"fmt"
	"strings"
	"time"

	"healthwatch/internal/api"
	"healthwatch/internal/controller"
	"healthwatch/internal/engine"
	"healthwatch/internal/prober"
	"healthwatch/internal/storage"
	logx "healthwatch/pkg/logx"
)

const defaultSQLitePath = "./healthwatch.db"

func mapLogConfig(cfg *Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// mapStorageConfig falls back to a local SQLite file when no driver is set;
// the scheduler cannot run without service definitions.
func mapStorageConfig(cfg *Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	dsn := strings.TrimSpace(sc.DSN)
	switch driver {
	case "", "sqlite", "sqlite3":
		driver = "sqlite"
		if dsn == "" {
			dsn = defaultSQLitePath
		}
	case "postgres", "postgresql", "pgx":
		driver = "postgres"
		if dsn == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=postgres")
		}
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	busy, err := parseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, DSN: dsn, BusyTimeout: busy, MaxOpenConns: sc.MaxOpenConns}, nil
}

func mapEngineConfig(cfg *Config) (engine.Config, error) {
	ec := cfg.Engine
	base, err := parseDurationOrDefault("engine.retry_base", ec.RetryBase, time.Second)
	if err != nil {
		return engine.Config{}, err
	}
	maxDelay, err := parseDurationOrDefault("engine.retry_max_delay", ec.RetryMaxDelay, 30*time.Second)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Workers:       ec.Workers,
		QueueSize:     ec.QueueSize,
		MaxAttempts:   ec.MaxAttempts,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		HistorySize:   ec.HistorySize,
	}, nil
}

func mirrorSchedules(cfg *Config) bool {
	return cfg.Engine.MirrorSchedules == nil || *cfg.Engine.MirrorSchedules
}

func mapProberOptions(cfg *Config) (prober.Options, error) {
	pc := cfg.Prober
	timeout, err := parseDurationOrDefault("prober.default_timeout", pc.DefaultTimeout, 10*time.Second)
	if err != nil {
		return prober.Options{}, err
	}
	follow := pc.FollowRedirects == nil || *pc.FollowRedirects
	return prober.Options{
		UserAgent:       strings.TrimSpace(pc.UserAgent),
		DefaultTimeout:  timeout,
		RatePerSec:      pc.RatePerSec,
		Burst:           pc.Burst,
		MaxBodyBytes:    pc.MaxBodyBytes,
		FollowRedirects: follow,
		MaxRedirects:    pc.MaxRedirects,
	}, nil
}

func mapControllerOptions(cfg *Config) (controller.Options, error) {
	ttl, err := parseDurationOrDefault("controller.cache_ttl", cfg.Controller.CacheTTL, time.Minute)
	if err != nil {
		return controller.Options{}, err
	}
	return controller.Options{CacheTTL: ttl}, nil
}

func mapAPIOptions(cfg *Config) (api.Options, bool, error) {
	ac := cfg.API
	if !ac.Enabled {
		return api.Options{}, false, nil
	}
	read, err := parseDurationOrDefault("api.read_timeout", ac.ReadTimeout, 10*time.Second)
	if err != nil {
		return api.Options{}, false, err
	}
	write, err := parseDurationOrDefault("api.write_timeout", ac.WriteTimeout, 10*time.Second)
	if err != nil {
		return api.Options{}, false, err
	}
	addr := strings.TrimSpace(ac.Addr)
	if addr == "" {
		addr = "127.0.0.1:8080"
	}
	return api.Options{
		Addr:         addr,
		ReadTimeout:  read,
		WriteTimeout: write,
		BodyLimit:    ac.BodyLimit,
		Pprof:        ac.Pprof,
	}, true, nil
}
