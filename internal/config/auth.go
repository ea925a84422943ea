package config

import "time"

// AuthConfig holds token verification settings.
type AuthConfig struct {
	// Secret signs and verifies bearer tokens. Override the default in
	// any real deployment.
	Secret string `mapstructure:"SECRET" json:"-" validate:"required,min=16"`

	// TokenTTL is the lifetime of issued tokens.
	TokenTTL time.Duration `mapstructure:"TOKEN_TTL" json:"token_ttl" validate:"required,reasonable_duration"`
}
