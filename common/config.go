package common

import "github.com/spf13/viper"

// ===============================================================================
// NATS Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for connecting to the NATS message bus
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required,dive"`
}

// ===============================================================================
// Datastore Related Config

// MongoConfig defines parameters for connecting to the MongoDB datastore
type MongoConfig struct {
	// URI is the MongoDB connection URI
	URI string `mapstructure:"uri" json:"uri" validate:"required,uri"`
	// Database is the database holding the user records
	Database string `mapstructure:"database" json:"database" validate:"required"`
	// ConnectTimeout is the max duration for connecting to MongoDB in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// OperationTimeout is the max duration of a single datastore operation in seconds
	OperationTimeout int `mapstructure:"operation_timeout_sec" json:"operation_timeout_sec" validate:"gte=1"`
}

// ===============================================================================
// Retry / Circuit Breaker Related Config

// RetryConfig defines the retry-with-backoff policy parameters
type RetryConfig struct {
	// MaxAttempts is the max number of times an operation is attempted
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"required,gte=1"`
	// InitialDelay is the backoff delay after the first failure in milliseconds
	InitialDelay int `mapstructure:"initial_delay_ms" json:"initial_delay_ms" validate:"gte=1"`
	// MaxDelay is the backoff delay ceiling in milliseconds
	MaxDelay int `mapstructure:"max_delay_ms" json:"max_delay_ms" validate:"gte=1"`
	// BackoffBase is the exponential backoff multiplier
	BackoffBase float64 `mapstructure:"backoff_base" json:"backoff_base" validate:"gte=1"`
	// JitterFraction is the symmetric jitter applied to each delay, [0.0, 1.0]
	JitterFraction float64 `mapstructure:"jitter_fraction" json:"jitter_fraction" validate:"gte=0,lte=1"`
}

// BreakerConfig defines the circuit breaker parameters shared by all breakers
type BreakerConfig struct {
	// FailureThreshold is the consecutive failure count which opens a breaker
	FailureThreshold int `mapstructure:"failure_threshold" json:"failure_threshold" validate:"required,gte=1"`
	// ResetTimeout is the cooldown window of an open breaker in seconds
	ResetTimeout int `mapstructure:"reset_timeout_sec" json:"reset_timeout_sec" validate:"required,gte=1"`
	// OpenPollInterval is the retry loop poll interval while a breaker is open, in milliseconds
	OpenPollInterval int `mapstructure:"open_poll_interval_ms" json:"open_poll_interval_ms" validate:"required,gte=1"`
}

// ===============================================================================
// Gateway Server Related Config

// GatewayServerConfig defines the gateway HTTP server parameters
type GatewayServerConfig struct {
	// ListenOn is the interface the gateway server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the gateway server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// WebsocketConfig defines per-connection websocket parameters
type WebsocketConfig struct {
	// ReadLimit is the maximum size of an inbound client frame in bytes
	ReadLimit int64 `mapstructure:"read_limit_bytes" json:"read_limit_bytes" validate:"required,gte=256"`
	// SendBuffer is the per-session outbound event buffer depth. A session
	// whose buffer overflows is disconnected rather than blocking the relay
	SendBuffer int `mapstructure:"send_buffer" json:"send_buffer" validate:"required,gte=1"`
	// PingInterval is the keepalive ping interval in seconds
	PingInterval int `mapstructure:"ping_interval_sec" json:"ping_interval_sec" validate:"required,gte=1"`
	// PongWait is the max duration to wait for a pong before dropping the
	// connection, in seconds. Must be longer than PingInterval
	PongWait int `mapstructure:"pong_wait_sec" json:"pong_wait_sec" validate:"required,gte=1"`
}

// GatewayConfig defines gateway API / server parameters
type GatewayConfig struct {
	// Server defines gateway HTTP server parameters
	Server GatewayServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Websocket defines per-connection websocket parameters
	Websocket WebsocketConfig `mapstructure:"websocket" json:"websocket" validate:"required,dive"`
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
}

// ===============================================================================
// Relay / Presence Related Config

// RelayConfig defines event relay parameters
type RelayConfig struct {
	// DefaultRoom is the room every authenticated session joins on connect
	DefaultRoom string `mapstructure:"default_room" json:"default_room" validate:"required"`
	// RPCTimeout is the request-reply timeout in seconds
	RPCTimeout int `mapstructure:"rpc_timeout_sec" json:"rpc_timeout_sec" validate:"required,gte=1"`
	// ConsumerWorkers is the number of workers consuming from each bound bus queue
	ConsumerWorkers int `mapstructure:"consumer_workers" json:"consumer_workers" validate:"required,gte=1"`
}

// PresenceConfig defines presence tracking parameters
type PresenceConfig struct {
	// FriendCacheSize is the max number of cached friend lists
	FriendCacheSize int `mapstructure:"friend_cache_size" json:"friend_cache_size" validate:"required,gte=1"`
	// FriendCacheTTL is the friend list cache entry lifetime in seconds
	FriendCacheTTL int `mapstructure:"friend_cache_ttl_sec" json:"friend_cache_ttl_sec" validate:"required,gte=1"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config for the relay gateway
type SystemConfig struct {
	// NATS are the NATS related config parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required,dive"`
	// Mongo are the datastore related config parameters
	Mongo MongoConfig `mapstructure:"mongo" json:"mongo" validate:"required,dive"`
	// Retry are the retry policy parameters
	Retry RetryConfig `mapstructure:"retry" json:"retry" validate:"required,dive"`
	// Breaker are the circuit breaker parameters
	Breaker BreakerConfig `mapstructure:"breaker" json:"breaker" validate:"required,dive"`
	// Gateway are the gateway server configs
	Gateway GatewayConfig `mapstructure:"gateway" json:"gateway" validate:"required,dive"`
	// Relay are the event relay configs
	Relay RelayConfig `mapstructure:"relay" json:"relay" validate:"required,dive"`
	// Presence are the presence tracking configs
	Presence PresenceConfig `mapstructure:"presence" json:"presence" validate:"required,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default NATS settings
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)

	// Default datastore settings
	viper.SetDefault("mongo.uri", "mongodb://127.0.0.1:27017")
	viper.SetDefault("mongo.database", "chatrelay")
	viper.SetDefault("mongo.connect_timeout_sec", 15)
	viper.SetDefault("mongo.operation_timeout_sec", 5)

	// Default retry policy
	viper.SetDefault("retry.max_attempts", 5)
	viper.SetDefault("retry.initial_delay_ms", 100)
	viper.SetDefault("retry.max_delay_ms", 5000)
	viper.SetDefault("retry.backoff_base", 2.0)
	viper.SetDefault("retry.jitter_fraction", 0.2)

	// Default circuit breaker settings
	viper.SetDefault("breaker.failure_threshold", 5)
	viper.SetDefault("breaker.reset_timeout_sec", 30)
	viper.SetDefault("breaker.open_poll_interval_ms", 250)

	// Default gateway server settings
	viper.SetDefault("gateway.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("gateway.server_config.listen_port", 3100)
	viper.SetDefault("gateway.server_config.read_timeout_sec", 60)
	viper.SetDefault("gateway.server_config.write_timeout_sec", 60)
	viper.SetDefault("gateway.server_config.idle_timeout_sec", 600)
	viper.SetDefault("gateway.websocket.read_limit_bytes", 65536)
	viper.SetDefault("gateway.websocket.send_buffer", 64)
	viper.SetDefault("gateway.websocket.ping_interval_sec", 25)
	viper.SetDefault("gateway.websocket.pong_wait_sec", 60)
	viper.SetDefault("gateway.request_id_header", "Chatrelay-Request-ID")

	// Default relay settings
	viper.SetDefault("relay.default_room", "general")
	viper.SetDefault("relay.rpc_timeout_sec", 5)
	viper.SetDefault("relay.consumer_workers", 4)

	// Default presence settings
	viper.SetDefault("presence.friend_cache_size", 4096)
	viper.SetDefault("presence.friend_cache_ttl_sec", 60)
}
