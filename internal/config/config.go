package config

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	BackendMemory   = "memory"
	BackendPebble   = "pebble"
	BackendPostgres = "postgres"
)

type S3Config struct {
	Endpoint       string `yaml:"endpoint"`
	PublicEndpoint string `yaml:"public_endpoint"`
	Bucket         string `yaml:"bucket"`
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	Region         string `yaml:"region"`
}

type Config struct {
	Port           string        `yaml:"port"`
	BaseURL        string        `yaml:"base_url"`
	StoreBackend   string        `yaml:"store_backend"`
	DatabaseURL    string        `yaml:"database_url"`
	PebbleDir      string        `yaml:"pebble_dir"`
	NATSURL        string        `yaml:"nats_url"`
	S3             S3Config      `yaml:"s3"`
	MaxUploadBytes int64         `yaml:"max_upload_bytes"`
	DownloadURLTTL time.Duration `yaml:"download_url_ttl"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	LogLevel       string        `yaml:"log_level"`
	LogFormat      string        `yaml:"log_format"`
	SyncThreshold  float64       `yaml:"sync_threshold"`
	ServerURL      string        `yaml:"server_url"`
}

func Defaults() Config {
	return Config{
		Port:           "8080",
		BaseURL:        "http://localhost:8080",
		StoreBackend:   BackendMemory,
		PebbleDir:      "data/sessions",
		S3: S3Config{
			Endpoint: "http://localhost:3900",
			Bucket:   "watchparty",
			Region:   "eu-central-1",
		},
		MaxUploadBytes: 4 * 1024 * 1024 * 1024,
		DownloadURLTTL: 6 * time.Hour,
		AllowedOrigins: []string{"http://localhost:8080"},
		LogLevel:       "info",
		LogFormat:      "text",
		SyncThreshold:  3.0,
		ServerURL:      "http://localhost:8080",
	}
}

// Load builds the configuration from defaults, an optional YAML file named
// by WATCHPARTY_CONFIG, and environment variables, in increasing precedence.
// A .env file in the working directory is loaded into the environment first.
func Load() (*Config, error) {
	cfg, err := load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadViewer reads the same sources as Load but only checks the settings a
// viewer process uses: the server URL and the sync threshold.
func LoadViewer() (*Config, error) {
	cfg, err := load()
	if err != nil {
		return nil, err
	}
	if err := cfg.validateViewer(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func load() (*Config, error) {
	_ = godotenv.Load()

	cfg := Defaults()
	if path := os.Getenv("WATCHPARTY_CONFIG"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return nil, err
		}
	}
	applyEnv(&cfg)
	return &cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.BaseURL = getEnv("BASE_URL", cfg.BaseURL)
	cfg.StoreBackend = getEnv("STORE_BACKEND", cfg.StoreBackend)
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.PebbleDir = getEnv("PEBBLE_DIR", cfg.PebbleDir)
	cfg.NATSURL = getEnv("NATS_URL", cfg.NATSURL)

	cfg.S3.Endpoint = getEnv("S3_ENDPOINT", cfg.S3.Endpoint)
	cfg.S3.PublicEndpoint = getEnv("S3_PUBLIC_ENDPOINT", cfg.S3.PublicEndpoint)
	cfg.S3.Bucket = getEnv("S3_BUCKET", cfg.S3.Bucket)
	cfg.S3.AccessKey = getEnv("S3_ACCESS_KEY", cfg.S3.AccessKey)
	cfg.S3.SecretKey = getEnv("S3_SECRET_KEY", cfg.S3.SecretKey)
	cfg.S3.Region = getEnv("S3_REGION", cfg.S3.Region)

	cfg.MaxUploadBytes = getEnvInt64("MAX_UPLOAD_BYTES", cfg.MaxUploadBytes)
	cfg.DownloadURLTTL = getEnvDuration("DOWNLOAD_URL_TTL", cfg.DownloadURLTTL)
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = splitList(origins)
	}
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("LOG_FORMAT", cfg.LogFormat)
	cfg.SyncThreshold = getEnvFloat("SYNC_THRESHOLD", cfg.SyncThreshold)
	cfg.ServerURL = getEnv("WATCHPARTY_SERVER", cfg.ServerURL)
}

func (c *Config) Validate() error {
	switch c.StoreBackend {
	case BackendMemory, BackendPebble:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres store")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	if err := c.validateViewer(); err != nil {
		return err
	}
	if c.DownloadURLTTL <= 0 || c.DownloadURLTTL > 7*24*time.Hour {
		return fmt.Errorf("DOWNLOAD_URL_TTL must be between 0 and 7 days")
	}
	return nil
}

func (c *Config) validateViewer() error {
	if c.SyncThreshold < 0 || math.IsNaN(c.SyncThreshold) {
		return fmt.Errorf("SYNC_THRESHOLD must not be negative")
	}
	if c.ServerURL == "" {
		return fmt.Errorf("WATCHPARTY_SERVER must not be empty")
	}
	return nil
}

// NewLogger returns a slog logger writing to w in the configured format.
func NewLogger(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
