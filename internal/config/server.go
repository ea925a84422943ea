package config

import "time"

// ServerConfig holds the HTTP/stream server settings.
type ServerConfig struct {
	ListenAddr     string        `mapstructure:"LISTEN_ADDR"      json:"listen_addr"      validate:"required,listenaddr"`
	PublicURL      string        `mapstructure:"PUBLIC_URL"       json:"public_url"       validate:"omitempty,url"`
	IdleTimeout    time.Duration `mapstructure:"IDLE_TIMEOUT"     json:"idle_timeout"     validate:"required,reasonable_duration"`
	WriteTimeout   time.Duration `mapstructure:"WRITE_TIMEOUT"    json:"write_timeout"    validate:"required,timeout_duration"`
	PingInterval   time.Duration `mapstructure:"PING_INTERVAL"    json:"ping_interval"    validate:"required,timeout_duration"`
	MaxConnections int           `mapstructure:"MAX_CONNECTIONS"  json:"max_connections"  validate:"required,min=1,max=100000"`
	ReadLimit      int64         `mapstructure:"READ_LIMIT"       json:"read_limit"       validate:"required,min=1024,max=33554432"`
	Throttling     Throttling    `mapstructure:"THROTTLING"       json:"throttling"       validate:"required"`
}

// Throttling holds rate limiting settings for write endpoints and
// handshakes.
type Throttling struct {
	Enabled              bool `mapstructure:"ENABLED"                 json:"enabled"`
	MaxMessagesPerSecond int  `mapstructure:"MAX_MESSAGES_PER_SECOND" json:"max_messages_per_second" validate:"min=0,max=10000"`
	BurstSize            int  `mapstructure:"BURST_SIZE"              json:"burst_size"              validate:"min=0,max=1000"`
}
