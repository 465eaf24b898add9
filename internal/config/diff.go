package config

import (
	"reflect"
	"sort"
	"strings"

	logx "healthwatch/pkg/logx"
)

// SummarizeConfigChange returns the changed section names and log-safe
// attributes describing the new values. The DSN and encryption key are only
// reported as set/unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	o, n := oldCfg.Storage, newCfg.Storage
	if strings.TrimSpace(o.Driver) != strings.TrimSpace(n.Driver) ||
		o.DSN != n.DSN || o.BusyTimeout != n.BusyTimeout || o.MaxOpenConns != n.MaxOpenConns ||
		o.EncryptionKey != n.EncryptionKey {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(n.Driver)),
			logx.Bool("storage.dsn_set", strings.TrimSpace(n.DSN) != ""),
			logx.Bool("storage.encryption_key_set", strings.TrimSpace(n.EncryptionKey) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Engine, newCfg.Engine) {
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.Int("engine.workers", newCfg.Engine.Workers),
			logx.Int("engine.queue_size", newCfg.Engine.QueueSize),
			logx.Int("engine.max_attempts", newCfg.Engine.MaxAttempts),
			logx.String("engine.retry_base", strings.TrimSpace(newCfg.Engine.RetryBase)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Prober, newCfg.Prober) {
		changed = append(changed, "prober")
		attrs = append(attrs,
			logx.Float64("prober.rate_per_sec", newCfg.Prober.RatePerSec),
			logx.Int("prober.max_body_bytes", newCfg.Prober.MaxBodyBytes),
		)
	}

	if oldCfg.Controller != newCfg.Controller {
		changed = append(changed, "controller")
		attrs = append(attrs, logx.String("controller.cache_ttl", newCfg.Controller.CacheTTL))
	}

	if oldCfg.API != newCfg.API {
		changed = append(changed, "api")
		attrs = append(attrs,
			logx.Bool("api.enabled", newCfg.API.Enabled),
			logx.String("api.addr", strings.TrimSpace(newCfg.API.Addr)),
			logx.Bool("api.pprof", newCfg.API.Pprof),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired lists the settings that changed between oldCfg and newCfg
// but only take effect after a process restart.
func RestartRequired(oldCfg, newCfg *Config) []string {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	var out []string
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		out = append(out, "storage")
	}
	if oldCfg.API != newCfg.API {
		out = append(out, "api")
	}
	if oldCfg.Controller.CacheTTL != newCfg.Controller.CacheTTL {
		out = append(out, "controller.cache_ttl")
	}
	o, n := oldCfg.Engine, newCfg.Engine
	if o.Workers != n.Workers {
		out = append(out, "engine.workers")
	}
	if o.QueueSize != n.QueueSize {
		out = append(out, "engine.queue_size")
	}
	if !reflect.DeepEqual(o.MirrorSchedules, n.MirrorSchedules) {
		out = append(out, "engine.mirror_schedules")
	}
	return out
}
