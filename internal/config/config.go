package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/wb-go/wbf/zlog"
)

// Config holds the main configuration for the application.
type Config struct {
	Server       Server       `mapstructure:"server"`
	Database     Database     `mapstructure:"database"`
	Storage      Storage      `mapstructure:"storage"`
	Kafka        Kafka        `mapstructure:"kafka"`
	Retry        Retry        `mapstructure:"retry"`
	Normalizer   Normalizer   `mapstructure:"normalizer"`
	Compositor   Compositor   `mapstructure:"compositor"`
	Queue        Queue        `mapstructure:"queue"`
	Connectivity Connectivity `mapstructure:"connectivity"`
	Fallback     Fallback     `mapstructure:"fallback"`
	Delivery     Delivery     `mapstructure:"delivery"`
}

// Server holds HTTP server-related configuration.
type Server struct {
	HTTPPort       string   `mapstructure:"http_port"`       // HTTP port to listen on
	AllowedOrigins []string `mapstructure:"allowed_origins"` // CORS origins, "*" for any

	ReadTimeout  time.Duration `mapstructure:"read_timeout"`  // photo uploads
	WriteTimeout time.Duration `mapstructure:"write_timeout"` // covers synchronous compositing
}

// Database holds database master and slave configuration.
type Database struct {
	Master DatabaseNode   `mapstructure:"master"`
	Slaves []DatabaseNode `mapstructure:"slaves"`

	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DatabaseNode holds connection parameters for a single database node.
type DatabaseNode struct {
	Host    string `mapstructure:"host"`
	Port    string `mapstructure:"port"`
	User    string `mapstructure:"user"`
	Pass    string `mapstructure:"pass"`
	Name    string `mapstructure:"name"`
	SSLMode string `mapstructure:"ssl_mode"`
}

// Storage holds configuration for the object storage backend.
type Storage struct {
	Endpoint   string `mapstructure:"endpoint"`
	AccessKey  string `mapstructure:"access_key"`
	SecretKey  string `mapstructure:"secret_key"`
	BucketName string `mapstructure:"bucket_name"`
	UseSSL     bool   `mapstructure:"use_ssl"`
	PublicURL  string `mapstructure:"public_url"` // base URL objects are served from
}

// Kafka holds configuration for the Kafka message queue.
type Kafka struct {
	GroupID string   `mapstructure:"group_id"` // Consumer group ID
	Topic   string   `mapstructure:"topic"`    // Kafka topic name
	Brokers []string `mapstructure:"brokers"`  // List of Kafka broker addresses
}

// Retry defines retry policy configuration for broker and database calls.
type Retry struct {
	Attempts int           `mapstructure:"attempts"` // Number of retry attempts
	Delay    time.Duration `mapstructure:"delay"`    // Initial delay between retries
	Backoff  float64       `mapstructure:"backoff"`  // Backoff multiplier for delays
}

// Normalizer holds limits applied to incoming photos.
type Normalizer struct {
	MaxBytes  int64   `mapstructure:"max_bytes"`
	MaxPixels int64   `mapstructure:"max_pixels"` // decoded width*height
	MaxWidth  int     `mapstructure:"max_width"`
	MaxHeight int     `mapstructure:"max_height"`
	Quality   float64 `mapstructure:"quality"` // 0..1
	Format    string  `mapstructure:"format"`  // jpeg or png
}

// Compositor holds the canvas geometry and export settings.
type Compositor struct {
	Width        int     `mapstructure:"width"`
	Height       int     `mapstructure:"height"`
	Multiplier   float64 `mapstructure:"multiplier"`    // export upsampling factor
	OutputFormat string  `mapstructure:"output_format"` // png or jpeg
	Quality      float64 `mapstructure:"quality"`       // used for jpeg output
	Background   string  `mapstructure:"background"`    // hex colour
	Scale        float64 `mapstructure:"scale"`         // default subject scale
	OffsetX      float64 `mapstructure:"offset_x"`
	OffsetY      float64 `mapstructure:"offset_y"`
	MaxScale     float64 `mapstructure:"max_scale"` // largest subject zoom accepted

	AssetTimeout   time.Duration `mapstructure:"asset_timeout"`    // fetching artwork by URL
	AssetMaxPixels int64         `mapstructure:"asset_max_pixels"` // decoded width*height of artwork
}

// Queue holds upload queue settings.
type Queue struct {
	MaxRetries  int           `mapstructure:"max_retries"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
}

// Connectivity holds storage reachability probe settings.
type Connectivity struct {
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`
}

// Fallback holds the remote compositing function settings.
type Fallback struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Delivery holds settings of the delivery workflow.
type Delivery struct {
	ShareMessage  string        `mapstructure:"share_message"`  // WhatsApp message sent with the photos
	SessionTTL    time.Duration `mapstructure:"session_ttl"`    // idle time before an incomplete delivery is dropped
	SweepInterval time.Duration `mapstructure:"sweep_interval"` // how often idle deliveries are checked
}

// DSN returns the PostgreSQL DSN string for connecting to this database node.
func (n DatabaseNode) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		n.User, n.Pass, n.Host, n.Port, n.Name, n.SSLMode,
	)
}

// setDefaults registers values matching the behaviour operators expect
// when a key is missing from the file.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_port", ":8080")
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)

	v.SetDefault("retry.attempts", 3)
	v.SetDefault("retry.delay", time.Second)
	v.SetDefault("retry.backoff", 2.0)

	v.SetDefault("normalizer.max_bytes", 10<<20)
	v.SetDefault("normalizer.max_pixels", 48_000_000)
	v.SetDefault("normalizer.max_width", 1920)
	v.SetDefault("normalizer.max_height", 1080)
	v.SetDefault("normalizer.quality", 0.8)
	v.SetDefault("normalizer.format", "jpeg")

	v.SetDefault("compositor.width", 800)
	v.SetDefault("compositor.height", 600)
	v.SetDefault("compositor.multiplier", 2.0)
	v.SetDefault("compositor.output_format", "png")
	v.SetDefault("compositor.quality", 0.9)
	v.SetDefault("compositor.background", "#ffffff")
	v.SetDefault("compositor.scale", 0.8)
	v.SetDefault("compositor.offset_x", 50.0)
	v.SetDefault("compositor.offset_y", 50.0)
	v.SetDefault("compositor.max_scale", 1.5)
	v.SetDefault("compositor.asset_timeout", 15*time.Second)
	v.SetDefault("compositor.asset_max_pixels", 24_000_000)

	v.SetDefault("queue.max_retries", 3)
	v.SetDefault("queue.backoff_base", time.Second)

	v.SetDefault("connectivity.probe_interval", 5*time.Second)
	v.SetDefault("connectivity.probe_timeout", 2*time.Second)

	v.SetDefault("fallback.timeout", 30*time.Second)

	v.SetDefault("delivery.session_ttl", 30*time.Minute)
	v.SetDefault("delivery.sweep_interval", time.Minute)
	v.SetDefault("delivery.share_message", "Thank you for your purchase! Here's your delivery photo.")
}

// bindEnv binds critical environment variables to Viper keys.
func bindEnv(v *viper.Viper) error {
	bindings := map[string]string{
		"database.master.host": "DB_HOST",
		"database.master.port": "DB_PORT",
		"database.master.user": "DB_USER",
		"database.master.pass": "DB_PASSWORD",
		"database.master.name": "DB_NAME",
		"storage.access_key":   "MINIO_ACCESS_KEY",
		"storage.secret_key":   "MINIO_SECRET_KEY",
	}

	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return fmt.Errorf("failed to bind env %s: %w", env, err)
		}
	}

	return nil
}

// Load reads the configuration file at path, applies defaults and
// environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := bindEnv(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads the configuration from the specified file path.
// It panics if the configuration file cannot be loaded or unmarshaled.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		zlog.Logger.Panic().Err(err).Msg("failed to load config")
	}

	return cfg
}
