package config

import (
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/ericfitz/sessioncore/internal/connections"
	"github.com/ericfitz/sessioncore/internal/election"
	"github.com/ericfitz/sessioncore/internal/envutil"
	"github.com/ericfitz/sessioncore/internal/hierarchy"
	"github.com/ericfitz/sessioncore/internal/propagation"
	"github.com/ericfitz/sessioncore/internal/retry"
	"github.com/ericfitz/sessioncore/internal/roomstore"
	"github.com/ericfitz/sessioncore/internal/slogging"
	"github.com/ericfitz/sessioncore/internal/tokens"
)

// Config holds all application configuration
type Config struct {
	Server      ServerConfig       `yaml:"server"`
	Redis       RedisConfig        `yaml:"redis"`
	Database    DatabaseConfig     `yaml:"database"`
	Auth        AuthConfig         `yaml:"auth"`
	Rooms       RoomsConfig        `yaml:"rooms"`
	Connections connections.Config `yaml:"connections"`
	Election    election.Config    `yaml:"election"`
	Propagation propagation.Config `yaml:"propagation"`
	Tokens      tokens.Config      `yaml:"tokens"`
	Logging     LoggingConfig      `yaml:"logging"`
	Telemetry   TelemetryConfig    `yaml:"telemetry"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            string        `yaml:"port" env:"SERVER_PORT"`
	Interface       string        `yaml:"interface" env:"SERVER_INTERFACE"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" env:"SERVER_IDLE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT"`
	TLSEnabled      bool          `yaml:"tls_enabled" env:"SERVER_TLS_ENABLED"`
	TLSCertFile     string        `yaml:"tls_cert_file" env:"SERVER_TLS_CERT_FILE"`
	TLSKeyFile      string        `yaml:"tls_key_file" env:"SERVER_TLS_KEY_FILE"`
	// AllowedOrigins limits websocket upgrades; empty allows same-host only
	AllowedOrigins []string        `yaml:"allowed_origins" env:"SERVER_ALLOWED_ORIGINS"`
	WebSocket      WebSocketConfig `yaml:"websocket"`
}

// WebSocketConfig holds websocket pump timing
type WebSocketConfig struct {
	PingInterval   time.Duration `yaml:"ping_interval" env:"WEBSOCKET_PING_INTERVAL"`
	PongWait       time.Duration `yaml:"pong_wait" env:"WEBSOCKET_PONG_WAIT"`
	WriteWait      time.Duration `yaml:"write_wait" env:"WEBSOCKET_WRITE_WAIT"`
	MaxMessageSize int64         `yaml:"max_message_size" env:"WEBSOCKET_MAX_MESSAGE_SIZE"`
	SendBuffer     int           `yaml:"send_buffer" env:"WEBSOCKET_SEND_BUFFER"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST"`
	Port     string `yaml:"port" env:"REDIS_PORT"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"` //nolint:gosec // G117 - Redis connection password
	DB       int    `yaml:"db" env:"REDIS_DB"`
}

// DatabaseConfig selects the store behind the user, device, session and
// security-event collaborators
type DatabaseConfig struct {
	// Driver is one of sqlite, postgres, mysql, sqlserver; empty disables the collaborators
	Driver          string        `yaml:"driver" env:"DATABASE_DRIVER"`
	DSN             string        `yaml:"dsn" env:"DATABASE_DSN"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME"`
	AutoMigrate     bool          `yaml:"auto_migrate" env:"DATABASE_AUTO_MIGRATE"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWT JWTConfig `yaml:"jwt"`
	// RequireToken rejects websocket upgrades and tab-closing beacons without a valid token
	RequireToken bool `yaml:"require_token" env:"AUTH_REQUIRE_TOKEN"`
	// LookupUsers checks the user collaborator during auth
	LookupUsers bool `yaml:"lookup_users" env:"AUTH_LOOKUP_USERS"`
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret            string `yaml:"secret" env:"JWT_SECRET"` //nolint:gosec // G117 - signing secret
	ExpirationSeconds int    `yaml:"expiration_seconds" env:"JWT_EXPIRATION_SECONDS"`
	SigningMethod     string `yaml:"signing_method" env:"JWT_SIGNING_METHOD"`
	Issuer            string `yaml:"issuer" env:"JWT_ISSUER"`
}

// RoomsConfig combines room storage and hierarchy settings
type RoomsConfig struct {
	Store     roomstore.Config `yaml:",inline"`
	Hierarchy hierarchy.Config `yaml:",inline"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level            string `yaml:"level" env:"LOGGING_LEVEL"`
	IsDev            bool   `yaml:"is_dev" env:"LOGGING_IS_DEV"`
	IsTest           bool   `yaml:"is_test" env:"LOGGING_IS_TEST"`
	LogDir           string `yaml:"log_dir" env:"LOGGING_LOG_DIR"`
	MaxAgeDays       int    `yaml:"max_age_days" env:"LOGGING_MAX_AGE_DAYS"`
	MaxSizeMB        int    `yaml:"max_size_mb" env:"LOGGING_MAX_SIZE_MB"`
	MaxBackups       int    `yaml:"max_backups" env:"LOGGING_MAX_BACKUPS"`
	AlsoLogToConsole bool   `yaml:"also_log_to_console" env:"LOGGING_ALSO_LOG_TO_CONSOLE"`
	LogAPIRequests   bool   `yaml:"log_api_requests" env:"LOGGING_LOG_API_REQUESTS"`
	LogWebSocketMsg  bool   `yaml:"log_websocket_messages" env:"LOGGING_LOG_WEBSOCKET_MESSAGES"`
	RedactAuthTokens bool   `yaml:"redact_auth_tokens" env:"LOGGING_REDACT_AUTH_TOKENS"`
}

// TelemetryConfig controls metric export
type TelemetryConfig struct {
	MetricsEnabled bool   `yaml:"metrics_enabled" env:"TELEMETRY_METRICS_ENABLED"`
	MetricsPath    string `yaml:"metrics_path" env:"TELEMETRY_METRICS_PATH"`
	ServiceName    string `yaml:"service_name" env:"TELEMETRY_SERVICE_NAME"`
	ServiceVersion string `yaml:"service_version" env:"TELEMETRY_SERVICE_VERSION"`
	Environment    string `yaml:"environment" env:"TELEMETRY_ENVIRONMENT"`
}

var databaseDrivers = []string{"sqlite", "postgres", "mysql", "sqlserver"}

// Load loads configuration from YAML file with environment variable overrides
func Load(configFile string) (*Config, error) {
	config := Default()

	// Load from YAML file if provided
	if configFile != "" {
		if err := loadFromYAML(config, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config from YAML: %w", err)
		}
	}

	// Override with environment variables
	if err := overrideWithEnv(config); err != nil {
		return nil, fmt.Errorf("failed to override with environment variables: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Default returns a configuration with default values
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8080",
			Interface:       "0.0.0.0",
			ReadTimeout:     5 * time.Second,
			WriteTimeout:    10 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			WebSocket: WebSocketConfig{
				PingInterval:   30 * time.Second,
				PongWait:       60 * time.Second,
				WriteWait:      10 * time.Second,
				MaxMessageSize: 64 * 1024,
				SendBuffer:     256,
			},
		},
		Redis: RedisConfig{
			Host: "localhost",
			Port: "6379",
		},
		Database: DatabaseConfig{
			Driver:          "sqlite",
			DSN:             "sessioncore.db",
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: time.Hour,
			AutoMigrate:     true,
		},
		Auth: AuthConfig{
			JWT: JWTConfig{
				ExpirationSeconds: 3600,
				SigningMethod:     "HS256",
				Issuer:            "sessioncore",
			},
		},
		Rooms: RoomsConfig{
			Store: roomstore.Config{
				Namespace:    roomstore.DefaultNamespace,
				RoomTTL:      roomstore.DefaultRoomTTL,
				EventTTL:     roomstore.DefaultEventTTL,
				EventHistory: roomstore.DefaultEventHistory,
				Retry:        retry.DefaultConfig(),
			},
			Hierarchy: hierarchy.DefaultConfig(),
		},
		Connections: connections.Config{RestoreWindow: connections.DefaultRestoreWindow},
		Election:    election.DefaultConfig(),
		Propagation: propagation.DefaultConfig(),
		Tokens:      tokens.DefaultConfig(),
		Logging: LoggingConfig{
			Level:            "info",
			LogDir:           "logs",
			MaxAgeDays:       7,
			MaxSizeMB:        100,
			MaxBackups:       10,
			AlsoLogToConsole: true,
			RedactAuthTokens: true,
		},
		Telemetry: TelemetryConfig{
			MetricsEnabled: true,
			MetricsPath:    "/metrics",
			ServiceName:    "sessioncore",
			ServiceVersion: "dev",
			Environment:    "development",
		},
	}
}

// loadFromYAML loads configuration from a YAML file
func loadFromYAML(config *Config, filename string) error {
	data, err := os.ReadFile(filename) // #nosec G304
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filename, err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}

	return nil
}

// WriteYAML writes c as YAML
func (c *Config) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}

// overrideWithEnv overrides configuration values with environment variables
func overrideWithEnv(config *Config) error {
	return overrideStructWithEnv(reflect.ValueOf(config).Elem())
}

// overrideStructWithEnv recursively overrides struct fields with environment
// variables. Retry sections share the RETRY_* variables.
func overrideStructWithEnv(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if !field.CanSet() {
			continue
		}

		if field.Kind() == reflect.Struct {
			if err := overrideStructWithEnv(field); err != nil {
				return err
			}
			continue
		}

		envTag := fieldType.Tag.Get("env")
		if envTag == "" {
			continue
		}
		envValue, ok := envutil.Lookup(envTag)
		if !ok {
			continue
		}

		if err := setFieldFromString(field, envValue); err != nil {
			return fmt.Errorf("failed to set field %s from env %s: %w", fieldType.Name, envTag, err)
		}
	}

	return nil
}

// setFieldFromString sets a struct field value from a string based on the field type
func setFieldFromString(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		boolVal, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid bool value: %s", value)
		}
		field.SetBool(boolVal)
	case reflect.Int:
		intVal, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid int value: %s", value)
		}
		field.SetInt(int64(intVal))
	case reflect.Int64:
		// Handle time.Duration specially
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			duration, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("invalid duration value: %s", value)
			}
			field.SetInt(int64(duration))
		} else {
			intVal, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid int64 value: %s", value)
			}
			field.SetInt(intVal)
		}
	case reflect.Float64:
		floatVal, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid float value: %s", value)
		}
		field.SetFloat(floatVal)
	case reflect.Slice:
		// Handle string slices (comma-separated values)
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			slice := make([]string, 0, len(parts))
			for _, part := range parts {
				trimmed := strings.TrimSpace(part)
				if trimmed != "" {
					slice = append(slice, trimmed)
				}
			}
			field.Set(reflect.ValueOf(slice))
		} else {
			return fmt.Errorf("unsupported slice type: %s", field.Type().Elem().Kind())
		}
	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}
	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.TLSEnabled && (c.Server.TLSCertFile == "" || c.Server.TLSKeyFile == "") {
		return fmt.Errorf("tls cert and key files are required when tls is enabled")
	}
	ws := c.Server.WebSocket
	if ws.PingInterval <= 0 || ws.PongWait <= ws.PingInterval {
		return fmt.Errorf("websocket pong wait must exceed a positive ping interval")
	}
	if ws.SendBuffer <= 0 {
		return fmt.Errorf("websocket send buffer must be greater than 0")
	}

	if c.Redis.Host == "" {
		return fmt.Errorf("redis host is required")
	}
	if c.Redis.Port == "" {
		return fmt.Errorf("redis port is required")
	}

	if c.Database.Driver != "" {
		if !slices.Contains(databaseDrivers, c.Database.Driver) {
			return fmt.Errorf("unsupported database driver %q (want one of %s)", c.Database.Driver, strings.Join(databaseDrivers, ", "))
		}
		if c.Database.DSN == "" {
			return fmt.Errorf("database dsn is required for driver %s", c.Database.Driver)
		}
	}

	if c.Auth.RequireToken && c.Auth.JWT.Secret == "" {
		return fmt.Errorf("jwt secret is required when tokens are required")
	}
	if c.Auth.JWT.ExpirationSeconds <= 0 {
		return fmt.Errorf("jwt expiration must be greater than 0")
	}
	if c.Auth.LookupUsers && c.Database.Driver == "" {
		return fmt.Errorf("user lookup needs a database driver")
	}

	if c.Rooms.Store.RoomTTL <= 0 || c.Rooms.Store.EventTTL <= 0 {
		return fmt.Errorf("room and event ttl must be greater than 0")
	}
	if c.Rooms.Hierarchy.MaxDepth <= 0 {
		return fmt.Errorf("rooms max depth must be greater than 0")
	}
	if c.Rooms.Hierarchy.StaleAfter <= 0 || c.Rooms.Hierarchy.SweepInterval <= 0 {
		return fmt.Errorf("rooms stale_after and sweep_interval must be greater than 0")
	}

	if c.Election.ElectionDelay < 0 {
		return fmt.Errorf("election delay must not be negative")
	}
	if c.Election.HeartbeatInterval <= 0 || c.Election.MissedHeartbeats < 1 {
		return fmt.Errorf("election heartbeat interval and missed heartbeats must be positive")
	}

	p := c.Propagation
	if p.CriticalDelay < 0 || p.HighDelay < 0 || p.MediumDelay < 0 || p.LowDelay < 0 {
		return fmt.Errorf("propagation delays must not be negative")
	}
	if p.RateLimit <= 0 || p.Burst < 1 {
		return fmt.Errorf("propagation rate limit and burst must be positive")
	}

	if c.Tokens.WarnBefore <= 0 || c.Tokens.GraceWindow <= 0 || c.Tokens.CheckInterval <= 0 {
		return fmt.Errorf("token warn_before, grace_window and check_interval must be greater than 0")
	}

	return nil
}

// IsTestMode returns true if running in test mode
func (c *Config) IsTestMode() bool {
	return c.Logging.IsTest || isRunningInTest()
}

// isRunningInTest detects if we're running under 'go test'
func isRunningInTest() bool {
	return flag.Lookup("test.v") != nil
}

// GetJWTDuration returns the JWT expiration duration
func (c *Config) GetJWTDuration() time.Duration {
	return time.Duration(c.Auth.JWT.ExpirationSeconds) * time.Second
}

// GetLogLevel returns the parsed log level
func (c *Config) GetLogLevel() slogging.LogLevel {
	return slogging.ParseLogLevel(c.Logging.Level)
}

// ListenAddr returns interface:port
func (c *Config) ListenAddr() string {
	return c.Server.Interface + ":" + c.Server.Port
}

// RedisOptions converts the redis section into client options for roomstore.Connect
func (c *Config) RedisOptions() *redis.Options {
	return &redis.Options{
		Addr:     net.JoinHostPort(c.Redis.Host, c.Redis.Port),
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
	}
}

// LoggerConfig converts the logging section for slogging.Initialize
func (c *Config) LoggerConfig() slogging.Config {
	return slogging.Config{
		Level:            c.GetLogLevel(),
		IsDev:            c.Logging.IsDev,
		LogDir:           c.Logging.LogDir,
		MaxAgeDays:       c.Logging.MaxAgeDays,
		MaxSizeMB:        c.Logging.MaxSizeMB,
		MaxBackups:       c.Logging.MaxBackups,
		AlsoLogToConsole: c.Logging.AlsoLogToConsole,
	}
}

// WebSocketLogging converts the logging section for websocket frame logging
func (c *Config) WebSocketLogging() slogging.WebSocketLoggingConfig {
	return slogging.WebSocketLoggingConfig{
		Enabled:        c.Logging.LogWebSocketMsg,
		RedactTokens:   c.Logging.RedactAuthTokens,
		MaxMessageSize: c.Server.WebSocket.MaxMessageSize,
	}
}
