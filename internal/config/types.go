package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings ("500ms", "10s", "1m").
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
	Engine     EngineConfig     `json:"engine"`
	Prober     ProberConfig     `json:"prober"`
	Controller ControllerConfig `json:"controller"`
	API        APIConfig        `json:"api"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the persistence backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "dsn": "./healthwatch.db" }
//
// The DSN and encryption key may be supplied through HEALTHWATCH_DSN and
// HEALTHWATCH_ENCRYPTION_KEY instead; the environment wins.
type StorageConfig struct {
	Driver        string `json:"driver"` // sqlite | postgres
	DSN           string `json:"dsn,omitempty"`
	BusyTimeout   string `json:"busy_timeout,omitempty"` // sqlite only
	MaxOpenConns  int    `json:"max_open_conns,omitempty"`
	EncryptionKey string `json:"encryption_key,omitempty"` // 64 hex chars; never logged
}

// EngineConfig controls the scheduling and execution core.
//
// Defaults (when fields are omitted/zero):
//   - workers: 8
//   - queue_size: 16
//   - max_attempts: 3
//   - retry_base: "1s"
//   - retry_max_delay: "30s"
//   - history_size: 200
//   - mirror_schedules: true
type EngineConfig struct {
	Workers         int    `json:"workers,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty"`
	MaxAttempts     int    `json:"max_attempts,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	HistorySize     int    `json:"history_size,omitempty"`
	MirrorSchedules *bool  `json:"mirror_schedules,omitempty"`
}

// ProberConfig controls outbound HTTP probes.
type ProberConfig struct {
	UserAgent       string  `json:"user_agent,omitempty"`
	DefaultTimeout  string  `json:"default_timeout,omitempty"` // default "10s"
	RatePerSec      float64 `json:"rate_per_sec,omitempty"`    // 0 disables limiting
	Burst           int     `json:"burst,omitempty"`
	MaxBodyBytes    int     `json:"max_body_bytes,omitempty"` // default 4096
	FollowRedirects *bool   `json:"follow_redirects,omitempty"`
	MaxRedirects    int     `json:"max_redirects,omitempty"` // default 10
}

type ControllerConfig struct {
	// CacheTTL bounds how stale the execution callback's service copy may be.
	CacheTTL string `json:"cache_ttl,omitempty"` // default "1m"
}

type APIConfig struct {
	Enabled      bool   `json:"enabled"`
	Addr         string `json:"addr,omitempty"` // default "127.0.0.1:8080"
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	BodyLimit    int    `json:"body_limit,omitempty"`
	Pprof        bool   `json:"pprof,omitempty"` // mounts /debug/pprof on the API listener
}
