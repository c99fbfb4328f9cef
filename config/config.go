// config/config.go
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"example.com/backstage/services/headset/internal/utils"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config holds the complete configuration for the service.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	API        APIConfig        `mapstructure:"api"`
	Bridge     BridgeConfig     `mapstructure:"bridge"`
	Poll       PollConfig       `mapstructure:"poll"`
	App        AppConfig        `mapstructure:"app"`
	Content    ContentConfig    `mapstructure:"content"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	ServiceBus ServiceBusConfig `mapstructure:"service_bus"`
	MQTT       *MQTTConfig      `mapstructure:"mqtt"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Logger     *logrus.Logger
}

// ServerConfig holds the HTTP server settings.
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// APIConfig holds settings for the operator API.
type APIConfig struct {
	Token             string `mapstructure:"token"`
	RequestsPerMinute int    `mapstructure:"requests_per_minute"`
}

// BridgeConfig holds settings for the adb device bridge.
type BridgeConfig struct {
	ADBPath         string        `mapstructure:"adb_path"`
	CommandTimeout  time.Duration `mapstructure:"command_timeout"`
	TransferTimeout time.Duration `mapstructure:"transfer_timeout"`
	InstallTimeout  time.Duration `mapstructure:"install_timeout"`
}

// PollConfig controls the fleet reconciliation loop.
type PollConfig struct {
	Interval           time.Duration `mapstructure:"interval"`
	RefreshConcurrency int           `mapstructure:"refresh_concurrency"`
	SnapshotTTL        time.Duration `mapstructure:"snapshot_ttl"`
}

// AppConfig describes the headset application package.
type AppConfig struct {
	PackageName     string   `mapstructure:"package_name"`
	APKPath         string   `mapstructure:"apk_path"`
	Version         string   `mapstructure:"version"`
	Permissions     []string `mapstructure:"permissions"`
	InstallAttempts int      `mapstructure:"install_attempts"`
	QueueSize       int      `mapstructure:"queue_size"`
}

// ContentConfig holds the local library and on-device content locations.
type ContentConfig struct {
	LibraryRoot       string `mapstructure:"library_root"`
	ManifestPath      string `mapstructure:"manifest_path"`
	UploadPath        string `mapstructure:"upload_path"`
	VerifyConcurrency int    `mapstructure:"verify_concurrency"`
	DecodeCacheSize   int    `mapstructure:"decode_cache_size"`
}

// DatabaseConfig holds the PostgreSQL connection settings.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	EnableTracing   bool          `mapstructure:"enable_tracing"`
}

// RedisConfig holds the Redis connection settings.
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
}

// ServiceBusConfig holds the Azure Service Bus settings.
type ServiceBusConfig struct {
	ConnectionString string        `mapstructure:"connection_string"`
	QueueName        string        `mapstructure:"queue_name"`
	MaxRetries       int           `mapstructure:"max_retries"`
	RetryDelay       time.Duration `mapstructure:"retry_delay"`
}

// MQTTConfig holds MQTT broker settings for operator commands and progress events
type MQTTConfig struct {
	BrokerURL         string        `mapstructure:"broker_url"`
	ClientID          string        `mapstructure:"client_id"`
	Username          string        `mapstructure:"username"`
	Password          string        `mapstructure:"password"`
	QoS               byte          `mapstructure:"qos"`
	CleanSession      bool          `mapstructure:"clean_session"`
	TopicPrefix       string        `mapstructure:"topic_prefix"`
	KeepAlive         time.Duration `mapstructure:"keep_alive"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	MaxReconnectDelay time.Duration `mapstructure:"max_reconnect_delay"`
}

// StorageConfig holds settings for local persistent files
type StorageConfig struct {
	WALPath string `mapstructure:"wal_path"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads configuration from a file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("HEADSET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist) {
			// Config file not found; defaults and env vars apply
		} else {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")

	v.SetDefault("api.requests_per_minute", 120)

	v.SetDefault("bridge.adb_path", "adb")
	v.SetDefault("bridge.command_timeout", "20s")
	v.SetDefault("bridge.transfer_timeout", "30m")
	v.SetDefault("bridge.install_timeout", "5m")

	v.SetDefault("poll.interval", "5s")
	v.SetDefault("poll.refresh_concurrency", 1)
	v.SetDefault("poll.snapshot_ttl", "30s")

	v.SetDefault("app.package_name", "com.headset.player")
	v.SetDefault("app.apk_path", "./apk/player.apk")
	v.SetDefault("app.permissions", []string{
		"android.permission.READ_EXTERNAL_STORAGE",
		"android.permission.WRITE_EXTERNAL_STORAGE",
		"android.permission.RECORD_AUDIO",
	})
	v.SetDefault("app.install_attempts", 3)
	v.SetDefault("app.queue_size", 16)

	v.SetDefault("content.library_root", "./solutions")
	v.SetDefault("content.manifest_path", "/sdcard/Android/media/com.headset.player/manifest.json")
	v.SetDefault("content.upload_path", "/sdcard/Android/media/com.headset.player/Solutions")
	v.SetDefault("content.verify_concurrency", 8)
	v.SetDefault("content.decode_cache_size", 64)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")
	v.SetDefault("database.conn_max_idle_time", "10m")
	v.SetDefault("database.enable_tracing", false)

	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 2)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.key_prefix", "headset:")

	v.SetDefault("service_bus.max_retries", 3)
	v.SetDefault("service_bus.retry_delay", "1s")

	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.clean_session", true)
	v.SetDefault("mqtt.topic_prefix", "headsets")
	v.SetDefault("mqtt.keep_alive", "30s")
	v.SetDefault("mqtt.connect_timeout", "10s")
	v.SetDefault("mqtt.max_reconnect_delay", "2m")

	v.SetDefault("storage.wal_path", "./data/events.wal")

	v.SetDefault("logging.level", "info")
}

// Validate checks value ranges that would otherwise fail late at runtime.
func (c *Config) Validate() error {
	if c.Poll.Interval < time.Second {
		return fmt.Errorf("poll.interval must be at least 1s, got %s", c.Poll.Interval)
	}
	if c.Poll.RefreshConcurrency < 1 {
		return fmt.Errorf("poll.refresh_concurrency must be positive")
	}
	if c.App.PackageName == "" {
		return fmt.Errorf("app.package_name is required")
	}
	if c.App.InstallAttempts < 1 {
		return fmt.Errorf("app.install_attempts must be positive")
	}
	if c.App.QueueSize < 1 {
		return fmt.Errorf("app.queue_size must be positive")
	}
	if c.App.Version != "" {
		if err := utils.ValidateVersion(c.App.Version); err != nil {
			return fmt.Errorf("app.version: %w", err)
		}
	}
	if c.Content.VerifyConcurrency < 1 {
		return fmt.Errorf("content.verify_concurrency must be positive")
	}
	if c.Content.ManifestPath == "" || c.Content.UploadPath == "" {
		return fmt.Errorf("content.manifest_path and content.upload_path are required")
	}
	return nil
}

// MQTTEnabled reports whether an MQTT broker is configured.
func (c *Config) MQTTEnabled() bool {
	return c.MQTT != nil && c.MQTT.BrokerURL != ""
}
