// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"

	"psu-service/pkg/psu"
)

// ErrUnknownSetting means psu.setting names no configured profile
var ErrUnknownSetting = errors.New("unknown PSU setting")

// Config represents the application configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Security   SecurityConfig   `mapstructure:"security"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Serial     SerialConfig     `mapstructure:"serial"`
	PSU        PSUConfig        `mapstructure:"psu"`
	Deployment DeploymentConfig `mapstructure:"deployment"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Journal    JournalConfig    `mapstructure:"journal"`
	MQTT       MQTTConfig       `mapstructure:"mqtt"`
	App        AppConfig        `mapstructure:"app"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host" validate:"required"`
	Port         string        `mapstructure:"port" validate:"required"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	TLS          TLSConfig     `mapstructure:"tls"`
}

// TLSConfig represents TLS configuration
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// DatabaseConfig represents the operation journal database
type DatabaseConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	User           string        `mapstructure:"user"`
	Password       string        `mapstructure:"password"`
	DBName         string        `mapstructure:"dbname"`
	SSLMode        string        `mapstructure:"sslmode"`
	MaxOpenConns   int           `mapstructure:"max_open_conns"`
	MaxIdleConns   int           `mapstructure:"max_idle_conns"`
	MaxLifetime    time.Duration `mapstructure:"max_lifetime"`
	MigrationsPath string        `mapstructure:"migrations_path"`
}

// SecurityConfig represents security configuration
type SecurityConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level" validate:"required"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// SerialConfig represents the line settings used for every probed port
type SerialConfig struct {
	DataBits int           `mapstructure:"data_bits"`
	StopBits int           `mapstructure:"stop_bits"`
	Parity   string        `mapstructure:"parity"`
	FrameGap time.Duration `mapstructure:"frame_gap"`
}

// PSUConfig selects and tunes the power supply link
type PSUConfig struct {
	Setting         string              `mapstructure:"setting"`
	ProfilesFile    string              `mapstructure:"profiles_file"`
	Profiles        []psu.DeviceProfile `mapstructure:"profiles"`
	SettleTime      time.Duration       `mapstructure:"settle_time"`
	ResponseTimeout time.Duration       `mapstructure:"response_timeout"`
	ConnectOnStart  bool                `mapstructure:"connect_on_start"`
	Simulate        bool                `mapstructure:"simulate"`
}

// DeploymentConfig selects the host flag source
type DeploymentConfig struct {
	Source    string `mapstructure:"source"` // env, file or static
	FlagFile  string `mapstructure:"flag_file"`
	ActiveEnv string `mapstructure:"active_env"`
	RigEnv    string `mapstructure:"rig_env"`
	Active    bool   `mapstructure:"active"`
	RigType   string `mapstructure:"rig_type"`
}

// TelemetryConfig represents the measurement poller
type TelemetryConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// JournalConfig represents the in-memory operation journal
type JournalConfig struct {
	Capacity int `mapstructure:"capacity"`
}

// MQTTConfig represents the event bridge
type MQTTConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Broker         string        `mapstructure:"broker"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	TopicPrefix    string        `mapstructure:"topic_prefix"`
	QoS            byte          `mapstructure:"qos"`
	Retained       bool          `mapstructure:"retained"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// AppConfig represents application metadata
type AppConfig struct {
	Name        string `mapstructure:"name" validate:"required"`
	Version     string `mapstructure:"version" validate:"required"`
	Environment string `mapstructure:"environment" validate:"required"`
	Debug       bool   `mapstructure:"debug"`
}

// Load loads configuration from file and environment variables.
// An empty path searches for config.yaml in the usual places.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/psu-service")
	}

	// Environment variable support
	v.SetEnvPrefix("PSU_SERVICE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Set defaults
	setDefaults(v)

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if config.PSU.ProfilesFile != "" {
		profiles, err := LoadProfiles(config.PSU.ProfilesFile)
		if err != nil {
			return nil, err
		}
		config.PSU.Profiles = append(config.PSU.Profiles, profiles...)
	}

	// Validate configuration
	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// LoadProfiles reads device profiles from a standalone file with a
// top-level "profiles" list
func LoadProfiles(path string) ([]psu.DeviceProfile, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading profiles file %s: %w", path, err)
	}

	var profiles []psu.DeviceProfile
	if err := v.UnmarshalKey("profiles", &profiles); err != nil {
		return nil, fmt.Errorf("unable to decode profiles in %s: %w", path, err)
	}
	return profiles, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8085")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.tls.enabled", false)

	// Database defaults
	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.dbname", "psu_service")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.max_lifetime", "5m")
	v.SetDefault("database.migrations_path", "file://migrations")

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

	// Serial line defaults (8N1)
	v.SetDefault("serial.data_bits", 8)
	v.SetDefault("serial.stop_bits", 1)
	v.SetDefault("serial.parity", "none")
	v.SetDefault("serial.frame_gap", "50ms")

	// PSU defaults
	v.SetDefault("psu.settle_time", "1500ms")
	v.SetDefault("psu.response_timeout", "2s")
	v.SetDefault("psu.connect_on_start", true)
	v.SetDefault("psu.simulate", false)

	// Deployment defaults
	v.SetDefault("deployment.source", "env")
	v.SetDefault("deployment.active_env", "PSU_DEPLOYMENT_ACTIVE")
	v.SetDefault("deployment.rig_env", "PSU_RIG_TYPE")

	// Telemetry defaults
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.interval", "2s")

	v.SetDefault("journal.capacity", 500)

	// MQTT defaults
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "psu-service")
	v.SetDefault("mqtt.topic_prefix", "psu")
	v.SetDefault("mqtt.qos", 0)
	v.SetDefault("mqtt.connect_timeout", "10s")

	// App defaults
	v.SetDefault("app.name", "psu-service")
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
	if config.Database.Enabled && config.Database.Host == "" {
		return fmt.Errorf("database.host is required when database.enabled")
	}
	if config.MQTT.Enabled && config.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt.enabled")
	}
	if config.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
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

	validSources := []string{"env", "file", "static"}
	if !contains(validSources, config.Deployment.Source) {
		return fmt.Errorf("deployment.source must be one of: %v", validSources)
	}
	if config.Deployment.Source == "file" && config.Deployment.FlagFile == "" {
		return fmt.Errorf("deployment.flag_file is required for the file source")
	}

	if config.Telemetry.Enabled && config.Telemetry.Interval <= 0 {
		return fmt.Errorf("telemetry.interval must be positive")
	}

	for _, profile := range config.PSU.Profiles {
		if err := ValidateProfile(profile); err != nil {
			return err
		}
	}
	if config.PSU.Setting != "" {
		if _, err := config.ActiveProfile(); err != nil {
			return err
		}
	}

	return nil
}

// ValidateProfile checks a device profile for values the link would reject
func ValidateProfile(p psu.DeviceProfile) error {
	if p.Setting == "" {
		return fmt.Errorf("psu profile without setting name")
	}
	if p.BaudRate <= 0 {
		return fmt.Errorf("psu profile %s: baudrate must be positive", p.Setting)
	}
	if _, err := regexp.Compile(p.Regex); err != nil || p.Regex == "" {
		return fmt.Errorf("psu profile %s: invalid regex %q", p.Setting, p.Regex)
	}
	if p.Kind != "" {
		if _, err := psu.ParseDeviceKind(p.Kind); err != nil {
			return fmt.Errorf("psu profile %s: %w", p.Setting, err)
		}
	}

	seen := make(map[int]bool, len(p.Channels))
	for _, ch := range p.Channels {
		if ch.ID < psu.MinChannel || ch.ID > psu.MaxChannel {
			return fmt.Errorf("psu profile %s: %w: %d", p.Setting, psu.ErrInvalidChannel, ch.ID)
		}
		if seen[ch.ID] {
			return fmt.Errorf("psu profile %s: duplicate channel %d", p.Setting, ch.ID)
		}
		seen[ch.ID] = true
		if ch.DefaultVout < psu.MinVoltage || ch.DefaultVout > psu.MaxVoltage {
			return fmt.Errorf("psu profile %s channel %d: %w: %v", p.Setting, ch.ID, psu.ErrInvalidVoltage, ch.DefaultVout)
		}
		if ch.DefaultImax < psu.MinCurrent || ch.DefaultImax > psu.MaxCurrent {
			return fmt.Errorf("psu profile %s channel %d: %w: %v", p.Setting, ch.ID, psu.ErrInvalidCurrent, ch.DefaultImax)
		}
	}
	return nil
}

// FindProfile looks up a profile by setting name
func FindProfile(profiles []psu.DeviceProfile, setting string) (psu.DeviceProfile, error) {
	for _, p := range profiles {
		if p.Setting == setting {
			return p, nil
		}
	}
	return psu.DeviceProfile{}, fmt.Errorf("%w: %q", ErrUnknownSetting, setting)
}

// ActiveProfile returns the profile selected by psu.setting
func (c *Config) ActiveProfile() (psu.DeviceProfile, error) {
	return FindProfile(c.PSU.Profiles, c.PSU.Setting)
}

// GetDatabaseDSN returns the database connection string
func (c *Config) GetDatabaseDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host, c.Database.Port, c.Database.User,
		c.Database.Password, c.Database.DBName, c.Database.SSLMode)
}

// GetServerAddr returns the server address
func (c *Config) GetServerAddr() string {
	return fmt.Sprintf("%s:%s", c.Server.Host, c.Server.Port)
}

// IsProduction checks if the environment is production
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

// IsDebugEnabled checks if debug mode is enabled
func (c *Config) IsDebugEnabled() bool {
	return c.App.Debug || c.App.Environment == "development"
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
