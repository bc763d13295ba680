// Package config loads process-wide settings once at startup.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// MaxImageBytes caps the decoded size of a submitted image.
	MaxImageBytes = 5 * 1024 * 1024
	// MaxImagePixels caps width*height before a full decode is attempted.
	MaxImagePixels = 40_000_000
)

// Classifier backends.
const (
	BackendStub = "stub"
	BackendONNX = "onnx"
	BackendGRPC = "grpc"
)

type Config struct {
	Server     ServerConfig
	Image      ImageConfig
	Classifier ClassifierConfig
	History    HistoryConfig
	Auth       AuthConfig
}

type ServerConfig struct {
	Port            int
	Debug           bool
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
}

// ImageConfig is fixed at build time; it is carried here so the handler never
// reaches for package globals.
type ImageConfig struct {
	MaxBytes  int
	MaxPixels int
}

type ClassifierConfig struct {
	Backend         string
	ONNXModelPath   string
	ONNXMetadata    string
	ONNXLibraryPath string
	GRPCAddr        string
	Timeout         time.Duration
}

// HistoryConfig enables result recording. Empty values disable the store.
type HistoryConfig struct {
	DatabaseDSN string
	RedisAddr   string
	CacheTTL    time.Duration
}

type AuthConfig struct {
	JWTSecret   string
	JWTAudience string
}

// Load reads the environment (and an optional YAML file named by CONFIG_FILE)
// into a Config.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	// FLASK_DEBUG is still honoured for deployments that predate DEBUG.
	_ = v.BindEnv("DEBUG", "DEBUG", "FLASK_DEBUG")

	v.SetDefault("PORT", 5000)
	v.SetDefault("DEBUG", false)
	v.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	v.SetDefault("SHUTDOWN_TIMEOUT", 15*time.Second)
	v.SetDefault("CLASSIFIER_BACKEND", BackendStub)
	v.SetDefault("CLASSIFIER_TIMEOUT", 10*time.Second)
	v.SetDefault("ONNX_METADATA_PATH", "models/model_metadata.json")
	v.SetDefault("RESULT_CACHE_TTL", 5*time.Minute)

	if file := v.GetString("CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", file, err)
		}
	}

	return Parse(v)
}

// Parse converts a populated viper instance into a validated Config.
func Parse(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:            v.GetInt("PORT"),
			Debug:           v.GetBool("DEBUG"),
			AllowedOrigins:  splitList(v.GetString("CORS_ALLOWED_ORIGINS")),
			ShutdownTimeout: v.GetDuration("SHUTDOWN_TIMEOUT"),
		},
		Image: ImageConfig{
			MaxBytes:  MaxImageBytes,
			MaxPixels: MaxImagePixels,
		},
		Classifier: ClassifierConfig{
			Backend:         strings.ToLower(strings.TrimSpace(v.GetString("CLASSIFIER_BACKEND"))),
			ONNXModelPath:   v.GetString("ONNX_MODEL_PATH"),
			ONNXMetadata:    v.GetString("ONNX_METADATA_PATH"),
			ONNXLibraryPath: v.GetString("ONNX_LIBRARY_PATH"),
			GRPCAddr:        v.GetString("CLASSIFIER_GRPC_ADDR"),
			Timeout:         v.GetDuration("CLASSIFIER_TIMEOUT"),
		},
		History: HistoryConfig{
			DatabaseDSN: v.GetString("DATABASE_DSN"),
			RedisAddr:   v.GetString("REDIS_ADDR"),
			CacheTTL:    v.GetDuration("RESULT_CACHE_TTL"),
		},
		Auth: AuthConfig{
			JWTSecret:   strings.TrimSpace(v.GetString("JWT_SECRET")),
			JWTAudience: strings.TrimSpace(v.GetString("JWT_AUDIENCE")),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid PORT %d", c.Server.Port)
	}
	switch c.Classifier.Backend {
	case BackendStub:
	case BackendONNX:
		if c.Classifier.ONNXModelPath == "" {
			return fmt.Errorf("ONNX_MODEL_PATH is required for the %s backend", BackendONNX)
		}
	case BackendGRPC:
		if c.Classifier.GRPCAddr == "" {
			return fmt.Errorf("CLASSIFIER_GRPC_ADDR is required for the %s backend", BackendGRPC)
		}
	default:
		return fmt.Errorf("unknown CLASSIFIER_BACKEND %q", c.Classifier.Backend)
	}
	if c.Classifier.Timeout <= 0 {
		return fmt.Errorf("CLASSIFIER_TIMEOUT must be positive")
	}
	return nil
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

// HistoryEnabled reports whether results are recorded anywhere.
func (c *Config) HistoryEnabled() bool {
	return c.History.DatabaseDSN != "" || c.History.RedisAddr != ""
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
