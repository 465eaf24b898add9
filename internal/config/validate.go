package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks a decoded config for values the runtime cannot use.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite", "postgres", "postgresql", "pgx":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unsupported %q", cfg.Storage.Driver))
	}
	if k := strings.TrimSpace(cfg.Storage.EncryptionKey); k != "" && len(k) != 64 {
		errs = append(errs, errors.New("storage.encryption_key: must be 64 hex characters"))
	}
	if cfg.Storage.MaxOpenConns < 0 {
		errs = append(errs, errors.New("storage.max_open_conns: must be >= 0"))
	}

	durations := map[string]string{
		"storage.busy_timeout":   cfg.Storage.BusyTimeout,
		"engine.retry_base":      cfg.Engine.RetryBase,
		"engine.retry_max_delay": cfg.Engine.RetryMaxDelay,
		"prober.default_timeout": cfg.Prober.DefaultTimeout,
		"controller.cache_ttl":   cfg.Controller.CacheTTL,
		"api.read_timeout":       cfg.API.ReadTimeout,
		"api.write_timeout":      cfg.API.WriteTimeout,
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	ints := map[string]int{
		"engine.workers":        cfg.Engine.Workers,
		"engine.queue_size":     cfg.Engine.QueueSize,
		"engine.max_attempts":   cfg.Engine.MaxAttempts,
		"engine.history_size":   cfg.Engine.HistorySize,
		"prober.burst":          cfg.Prober.Burst,
		"prober.max_body_bytes": cfg.Prober.MaxBodyBytes,
		"prober.max_redirects":  cfg.Prober.MaxRedirects,
		"api.body_limit":        cfg.API.BodyLimit,
	}
	for path, v := range ints {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s: must be >= 0", path))
		}
	}
	if cfg.Prober.RatePerSec < 0 {
		errs = append(errs, errors.New("prober.rate_per_sec: must be >= 0"))
	}
	return errors.Join(errs...)
}
