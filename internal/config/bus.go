package config

// BusConfig holds event bus settings.
type BusConfig struct {
	BufferSize   int `mapstructure:"BUFFER_SIZE"   json:"buffer_size"   validate:"required,min=16,max=1048576"`
	Workers      int `mapstructure:"WORKERS"       json:"workers"       validate:"required,min=1,max=256"`
	MaxRedeliver int `mapstructure:"MAX_REDELIVER" json:"max_redeliver" validate:"min=0,max=10"`
}
