package config

// Config is the on-disk configuration (JSON, or YAML by file extension).
// All durations are Go duration strings ("500ms", "20s", "6h").
type Config struct {
	Telegram      TelegramConfig      `json:"telegram"`
	Logging       LoggingConfig       `json:"logging"`
	Timetable     TimetableConfig     `json:"timetable"`
	Cache         CacheConfig         `json:"cache"`
	Notifications NotificationsConfig `json:"notifications"`
	Delivery      DeliveryConfig      `json:"delivery"`
	Storage       StorageConfig       `json:"storage"`
	Ops           OpsConfig           `json:"ops"`
}

type TelegramConfig struct {
	// Token may be left empty and supplied via SCHEDBOT_TELEGRAM_TOKEN.
	Token          string `json:"token"`
	APIURL         string `json:"api_url,omitempty"`
	RequestTimeout string `json:"request_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Chat    LoggingChat `json:"chat"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingChat mirrors warnings and errors into an operator chat.
type LoggingChat struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// TimetableConfig points at the upstream schedule API.
//
// Defaults: unit "15", department "65", timeout "20s", connect_timeout "5s".
type TimetableConfig struct {
	BaseURL        string `json:"base_url"`
	Token          string `json:"token"`
	Unit           string `json:"unit,omitempty"`
	Department     string `json:"department,omitempty"`
	Timeout        string `json:"timeout,omitempty"`
	ConnectTimeout string `json:"connect_timeout,omitempty"`
}

// CacheConfig controls both cache tiers. Redis is optional; without an
// address only the in-process tier is used.
type CacheConfig struct {
	TTL       string      `json:"ttl,omitempty"`
	LocalSize int         `json:"local_size,omitempty"`
	Redis     RedisConfig `json:"redis"`
	// SweepEvery is a cron spec for the maintenance sweep; default "@every 6h", "off" disables it.
	SweepEvery string `json:"sweep,omitempty"`
}

type RedisConfig struct {
	Addr        string `json:"addr"`
	Password    string `json:"password,omitempty"`
	DB          int    `json:"db,omitempty"`
	Prefix      string `json:"prefix,omitempty"`
	DialTimeout string `json:"dial_timeout,omitempty"`
	OpTimeout   string `json:"op_timeout,omitempty"`
}

// NotificationsConfig controls the daily buckets.
//
// Example:
//
//	"notifications": { "enabled": true, "timezone": "Europe/Moscow",
//	  "buckets": ["08:00","12:00","16:00","20:00","22:00"] }
type NotificationsConfig struct {
	Enabled     bool     `json:"enabled"`
	Timezone    string   `json:"timezone,omitempty"`
	Buckets     []string `json:"buckets,omitempty"`
	TickTimeout string   `json:"tick_timeout,omitempty"`
	// AuditRetention prunes audit rows older than this on every sweep.
	AuditRetention string `json:"audit_retention,omitempty"`
}

// DeliveryConfig shapes the outbound queue. rate_per_sec < 0 disables the
// token bucket and leaves only min_gap.
type DeliveryConfig struct {
	QueueSize     int     `json:"queue_size,omitempty"`
	RatePerSec    float64 `json:"rate_per_sec,omitempty"`
	Burst         int     `json:"burst,omitempty"`
	MinGap        string  `json:"min_gap,omitempty"`
	SendTimeout   string  `json:"send_timeout,omitempty"`
	ParseMode     string  `json:"parse_mode,omitempty"`
	ProgressEvery int     `json:"progress_every,omitempty"`
	// DeactivateOnPermanent switches off a subscriber's notifications after a
	// permanent delivery failure (blocked bot, deleted chat).
	DeactivateOnPermanent *bool `json:"deactivate_on_permanent,omitempty"`
}

// StorageConfig controls the preference store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./schedbot.db" }
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path,omitempty"`
	DSN          string `json:"dsn,omitempty"`
	BusyTimeout  string `json:"busy_timeout,omitempty"`
	MaxOpenConns int    `json:"max_open_conns,omitempty"`
}

// OpsConfig controls the operator HTTP API. It only binds to loopback.
type OpsConfig struct {
	Enabled      bool   `json:"enabled"`
	Addr         string `json:"addr,omitempty"` // default "127.0.0.1:8090"
	Token        string `json:"token,omitempty"`
	Pprof        bool   `json:"pprof,omitempty"`
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
}

// DeactivateOnPermanent defaults to true when omitted.
func (d DeliveryConfig) DeactivateOnPermanentOrDefault() bool {
	if d.DeactivateOnPermanent == nil {
		return true
	}
	return *d.DeactivateOnPermanent
}
