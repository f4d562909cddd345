// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Security  SecurityConfig  `mapstructure:"security"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Serial    SerialConfig    `mapstructure:"serial"`
	FETbox    FETboxConfig    `mapstructure:"fetbox"`
	Reglo     RegloConfig     `mapstructure:"reglo"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Device    DeviceConfig    `mapstructure:"device"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	App       AppConfig       `mapstructure:"app"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         string        `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// SecurityConfig represents security configuration
type SecurityConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// SerialConfig holds line settings and transport tuning shared by every device.
type SerialConfig struct {
	DataBits    int     `mapstructure:"data_bits"`
	StopBits    int     `mapstructure:"stop_bits"`
	Parity      string  `mapstructure:"parity"`
	QueueSize   int     `mapstructure:"queue_size"`
	StallMargin float64 `mapstructure:"stall_margin"`
	MaxAttempts int     `mapstructure:"max_attempts"`
}

// FETboxConfig represents FETbox board settings
type FETboxConfig struct {
	BaudRate     int           `mapstructure:"baud_rate"`
	Timeout      time.Duration `mapstructure:"timeout"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
	DisableDTR   bool          `mapstructure:"disable_dtr"`
}

// RegloConfig represents Ismatec Reglo pump settings
type RegloConfig struct {
	BaudRate     int           `mapstructure:"baud_rate"`
	Timeout      time.Duration `mapstructure:"timeout"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
	Addresses    []int         `mapstructure:"addresses"`
}

// DiscoveryConfig represents port discovery settings
type DiscoveryConfig struct {
	PortPatterns   []string      `mapstructure:"port_patterns"`
	ScanTimeout    time.Duration `mapstructure:"scan_timeout"`
	AutoConnect    bool          `mapstructure:"auto_connect"`
	SimulatedPorts []string      `mapstructure:"simulated_ports"`
	Bridges        []string      `mapstructure:"bridges"`
}

// DeviceConfig represents device supervision settings
type DeviceConfig struct {
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
	OperationTimeout    time.Duration `mapstructure:"operation_timeout"`
	OperationRetention  time.Duration `mapstructure:"operation_retention"`
	PublishExchanges    bool          `mapstructure:"publish_exchanges"`
}

// SchedulerConfig represents event scheduler settings
type SchedulerConfig struct {
	Tick time.Duration `mapstructure:"tick"`
}

// AppConfig represents application metadata
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
	Debug       bool   `mapstructure:"debug"`
}

// Load loads configuration from file and environment variables. An empty
// path searches the default locations; a missing file leaves the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/plateflo")
	}

	// Environment variable support
	v.SetEnvPrefix("PLATEFLO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Set defaults
	setDefaults(v)

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	// Validate configuration
	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8084")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")

	// Security defaults
	v.SetDefault("security.allowed_origins", []string{"*"})

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age", 28)
	v.SetDefault("logging.compress", true)

	// Serial defaults
	v.SetDefault("serial.data_bits", 8)
	v.SetDefault("serial.stop_bits", 1)
	v.SetDefault("serial.parity", "none")
	v.SetDefault("serial.queue_size", 100)
	v.SetDefault("serial.stall_margin", 1.5)
	v.SetDefault("serial.max_attempts", 3)

	// FETbox defaults
	v.SetDefault("fetbox.baud_rate", 115200)
	v.SetDefault("fetbox.timeout", "300ms")
	v.SetDefault("fetbox.probe_timeout", "100ms")
	v.SetDefault("fetbox.disable_dtr", true)

	// Reglo defaults
	v.SetDefault("reglo.baud_rate", 9600)
	v.SetDefault("reglo.timeout", "200ms")
	v.SetDefault("reglo.probe_timeout", "100ms")
	v.SetDefault("reglo.addresses", []int{1, 2, 3, 4})

	// Discovery defaults
	v.SetDefault("discovery.port_patterns", []string{"/dev/ttyUSB*", "/dev/ttyACM*", "COM*"})
	v.SetDefault("discovery.scan_timeout", "30s")
	v.SetDefault("discovery.auto_connect", false)
	v.SetDefault("discovery.simulated_ports", []string{})
	v.SetDefault("discovery.bridges", []string{})

	// Device defaults
	v.SetDefault("device.health_check_interval", "30s")
	v.SetDefault("device.operation_timeout", "10s")
	v.SetDefault("device.operation_retention", "168h")
	v.SetDefault("device.publish_exchanges", false)

	// Scheduler defaults
	v.SetDefault("scheduler.tick", "10ms")

	// App defaults
	v.SetDefault("app.name", "plateflo")
	v.SetDefault("app.version", "1.0.0")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.debug", false)
}

// validate validates the configuration
func validate(config *Config) error {
	// Basic validation
	if config.Server.Host == "" {
		return fmt.Errorf("server.host is required")
	}
	if config.Server.Port == "" {
		return fmt.Errorf("server.port is required")
	}

	// Validate environment
	validEnvs := []string{"development", "staging", "production", "test"}
	if !contains(validEnvs, config.App.Environment) {
		return fmt.Errorf("app.environment must be one of: %v", validEnvs)
	}

	// Validate logging level
	validLevels := []string{"debug", "info", "warn", "error", "fatal"}
	if !contains(validLevels, config.Logging.Level) {
		return fmt.Errorf("logging.level must be one of: %v", validLevels)
	}

	if config.Serial.QueueSize <= 0 {
		return fmt.Errorf("serial.queue_size must be positive")
	}
	if config.Serial.StallMargin < 1 {
		return fmt.Errorf("serial.stall_margin must be at least 1")
	}
	if config.Serial.MaxAttempts < 1 {
		return fmt.Errorf("serial.max_attempts must be at least 1")
	}

	if config.FETbox.Timeout <= 0 || config.FETbox.ProbeTimeout <= 0 {
		return fmt.Errorf("fetbox timeouts must be positive")
	}
	if config.Reglo.Timeout <= 0 || config.Reglo.ProbeTimeout <= 0 {
		return fmt.Errorf("reglo timeouts must be positive")
	}
	for _, addr := range config.Reglo.Addresses {
		if addr < 1 || addr > 8 {
			return fmt.Errorf("reglo address out of range: %d", addr)
		}
	}

	if config.Scheduler.Tick <= 0 {
		return fmt.Errorf("scheduler.tick must be positive")
	}
	return nil
}

func contains(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}

// GetServerAddr returns the server address
func (c *Config) GetServerAddr() string {
	return fmt.Sprintf("%s:%s", c.Server.Host, c.Server.Port)
}

// IsProduction checks if the environment is production
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

// IsDevelopment checks if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development"
}

// IsDebugEnabled checks if debug mode is enabled
func (c *Config) IsDebugEnabled() bool {
	return c.App.Debug || c.IsDevelopment()
}
