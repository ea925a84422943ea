package config

import "time"

// CallsConfig holds call signaling settings.
type CallsConfig struct {
	// RingTimeout is how long an unanswered call rings before it is
	// reported as missed.
	RingTimeout time.Duration `mapstructure:"RING_TIMEOUT" json:"ring_timeout" validate:"required,timeout_duration"`

	// STUNServers are handed to clients for ICE gathering.
	STUNServers []string `mapstructure:"STUN_SERVERS" json:"stun_servers" validate:"required,min=1,dive,required"`
}
