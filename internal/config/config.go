package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/Parley-Chat/parley/internal/logger"
	validator "github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

//go:embed defaults.yaml
var defaultYAML []byte

// Version is set at runtime from build information
var Version = "dev"

var validate = validator.New()

// Config holds every sub-config.
type Config struct {
	General  GeneralConfig  `mapstructure:"general"  validate:"required"`
	Server   ServerConfig   `mapstructure:"server"   validate:"required"`
	Database DatabaseConfig `mapstructure:"database" validate:"required"`
	Auth     AuthConfig     `mapstructure:"auth"     validate:"required"`
	Bus      BusConfig      `mapstructure:"bus"      validate:"required"`
	Calls    CallsConfig    `mapstructure:"calls"    validate:"required"`
	Logging  LoggingConfig  `mapstructure:"logging"  validate:"required"`
	Metrics  MetricsConfig  `mapstructure:"metrics"  validate:"required"`
}

// GeneralConfig holds instance-wide settings.
type GeneralConfig struct {
	InstanceName string `mapstructure:"INSTANCE_NAME" json:"instance_name" validate:"required,min=1,max=30"`
}

func init() {
	registerCustomValidators()
}

func registerCustomValidators() {
	// Listen address: ":8080" or "host:port"
	if err := validate.RegisterValidation("listenaddr", func(fl validator.FieldLevel) bool {
		addr := fl.Field().String()
		if addr == "" {
			return false
		}
		if strings.HasPrefix(addr, ":") {
			port := addr[1:]
			if port == "" {
				return false
			}
			_, err := net.LookupPort("tcp", port)
			return err == nil
		}
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return false
		}
		if _, err := net.LookupPort("tcp", port); err != nil {
			return false
		}
		if host != "" && net.ParseIP(host) == nil {
			matched, _ := regexp.MatchString(`^[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?)*$`, host)
			return matched
		}
		return true
	}); err != nil {
		logger.Error("Failed to register listenaddr validator", zap.Error(err))
	}

	if err := validate.RegisterValidation("log_level", func(fl validator.FieldLevel) bool {
		switch fl.Field().String() {
		case "debug", "info", "warn", "error", "fatal":
			return true
		}
		return false
	}); err != nil {
		logger.Error("Failed to register log_level validator", zap.Error(err))
	}

	if err := validate.RegisterValidation("log_format", func(fl validator.FieldLevel) bool {
		format := fl.Field().String()
		return format == "console" || format == "json"
	}); err != nil {
		logger.Error("Failed to register log_format validator", zap.Error(err))
	}

	// Durations that keep connections healthy: 1s .. 24h
	if err := validate.RegisterValidation("reasonable_duration", func(fl validator.FieldLevel) bool {
		d := fl.Field().Interface().(time.Duration)
		return d >= time.Second && d <= 24*time.Hour
	}); err != nil {
		logger.Error("Failed to register reasonable_duration validator", zap.Error(err))
	}

	// Tighter range for timeouts: 1s .. 1h
	if err := validate.RegisterValidation("timeout_duration", func(fl validator.FieldLevel) bool {
		d := fl.Field().Interface().(time.Duration)
		return d >= time.Second && d <= time.Hour
	}); err != nil {
		logger.Error("Failed to register timeout_duration validator", zap.Error(err))
	}
}

/* ------------------------------------------------------------------ *
|  Public API                                                         |
* -------------------------------------------------------------------*/

// SetVersion sets the version from build information
func SetVersion(v string) {
	Version = v
}

// Load merges defaults → file (optional) → env vars, validates, and returns cfg.
func Load(path string, log *zap.Logger) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("PARLEY") // PARLEY_SERVER_LISTEN_ADDR
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 1. defaults.yaml (embedded)
	if err := v.ReadConfig(bytes.NewReader(defaultYAML)); err != nil {
		return nil, fmt.Errorf("read defaults: %w", err)
	}

	// 2. optional user file
	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.MergeInConfig(); err != nil {
			if log != nil {
				log.Info("No config.yaml found, using defaults")
			}
		} else if log != nil {
			log.Info("Loaded config.yaml from current directory")
		}
	}

	// 3. env already merged by AutomaticEnv()

	var cfg Config
	if err := v.UnmarshalExact(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, formatValidationError(err)
	}

	if err := initializeLogger(cfg.Logging); err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}
	if log != nil {
		log.Info("configuration loaded", zap.String("version", Version))
	}
	return &cfg, nil
}

func initializeLogger(loggingConfig LoggingConfig) error {
	return logger.Init(
		logger.WithLevel(loggingConfig.Level),
		logger.WithFormat(loggingConfig.Format),
		logger.WithFile(loggingConfig.FilePath),
		logger.WithVersion(Version),
		logger.WithComponent("parley"),
		logger.WithRotation(loggingConfig.MaxSize, loggingConfig.MaxBackups, loggingConfig.MaxAge),
	)
}

// formatValidationError converts validator errors into user-friendly messages
func formatValidationError(err error) error {
	validationErrors, ok := err.(validator.ValidationErrors)
	if !ok {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	var messages []string
	for _, fieldError := range validationErrors {
		messages = append(messages, getFieldErrorMessage(fieldError))
	}
	return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(messages, "\n  - "))
}

func getFieldErrorMessage(fe validator.FieldError) string {
	field := fe.Field()
	value := fe.Value()
	tag := fe.Tag()
	param := fe.Param()

	switch tag {
	case "required":
		return fmt.Sprintf("%s is required but not provided", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s (got: %v)", field, param, value)
	case "max":
		return fmt.Sprintf("%s must be at most %s (got: %v)", field, param, value)
	case "url":
		return fmt.Sprintf("%s must be a valid URL (got: %v)", field, value)
	case "listenaddr":
		return fmt.Sprintf("%s must be a listen address in format ':port' or 'host:port' (got: %v)", field, value)
	case "log_level":
		return fmt.Sprintf("%s must be one of: debug, info, warn, error, fatal (got: %v)", field, value)
	case "log_format":
		return fmt.Sprintf("%s must be either 'console' or 'json' (got: %v)", field, value)
	case "reasonable_duration":
		return fmt.Sprintf("%s must be between 1 second and 24 hours (got: %v)", field, value)
	case "timeout_duration":
		return fmt.Sprintf("%s must be between 1 second and 1 hour (got: %v)", field, value)
	default:
		return fmt.Sprintf("%s validation failed: %s (got: %v)", field, tag, value)
	}
}
