// Package model defines the data structures for the router's configuration,
// reference data, tasks and queue entries.
package model

type Config struct {
	Logging LoggingConfig   `yaml:"logging"`
	Daemon  DaemonConfig    `yaml:"daemon"`
	Routing RoutingSettings `yaml:"routing"`
	Offer   OfferConfig     `yaml:"offer"`
	Storage StorageConfig   `yaml:"storage"`
	Events  EventsConfig    `yaml:"events"`
	Watcher WatcherConfig   `yaml:"watcher"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type DaemonConfig struct {
	ShutdownTimeoutSec    int `yaml:"shutdown_timeout_sec"`
	MaxConcurrentRequests int `yaml:"max_concurrent_requests"`
	RequestTimeoutSec     int `yaml:"request_timeout_sec"`
}

type RoutingSettings struct {
	DefaultRequestTTLSec   int    `yaml:"default_request_ttl_sec"`
	ConversationLockShards int    `yaml:"conversation_lock_shards"`
	RONANotReady           bool   `yaml:"rona_not_ready"`
	AgentOrder             string `yaml:"agent_order"`
	MaxReserveAttempts     int    `yaml:"max_reserve_attempts"`
}

type OfferConfig struct {
	URL        string `yaml:"url"`
	RevokeURL  string `yaml:"revoke_url"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

type StorageConfig struct {
	Path string `yaml:"path"`
}

type EventsConfig struct {
	BufferSize  int    `yaml:"buffer_size"`
	AuditLog    string `yaml:"audit_log"`
	MaxLogBytes int64  `yaml:"max_log_bytes"`
}

type WatcherConfig struct {
	DebounceMs int `yaml:"debounce_ms"`
}

// Defaults applied at use site.
const (
	DefaultShutdownTimeoutSec     = 30
	DefaultMaxConcurrentRequests  = 64
	DefaultRequestTimeoutSec      = 10
	DefaultRequestTTLSec          = 120
	DefaultConversationLockShards = 64
	DefaultMaxReserveAttempts     = 3
	DefaultOfferTimeoutSec        = 5
	DefaultEventBufferSize        = 256
	DefaultReloadDebounceMs       = 200
	AgentOrderLongestAvailable    = "longest_available"
)
