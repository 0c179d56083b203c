package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds every tunable of the service.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Image      ImageConfig      `mapstructure:"image"`
	Upload     UploadConfig     `mapstructure:"upload"`
	Segmenter  SegmenterConfig  `mapstructure:"segmenter"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Auth       AuthConfig       `mapstructure:"auth"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	Mode            string        `mapstructure:"mode"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxUploadBytes  int64         `mapstructure:"max_upload_bytes"`
	IndexPage       string        `mapstructure:"index_page"`
}

type ImageConfig struct {
	MaxSize    int           `mapstructure:"max_size"`
	MaxPixels  int           `mapstructure:"max_pixels"`
	GridStride int           `mapstructure:"grid_stride"`
	Store      string        `mapstructure:"store"`
	TTL        time.Duration `mapstructure:"ttl"`
}

type UploadConfig struct {
	SaveDir string `mapstructure:"save_dir"`
}

type SegmenterConfig struct {
	Addr        string        `mapstructure:"addr"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	ModelType   string        `mapstructure:"model_type"`
	Device      string        `mapstructure:"device"`
	Multimask   bool          `mapstructure:"multimask"`

	// CheckpointDir is where the model server finds checkpoints. Empty means
	// it shares checkpoint.dir with this process.
	CheckpointDir string `mapstructure:"checkpoint_dir"`
}

type CheckpointConfig struct {
	Dir      string `mapstructure:"dir"`
	Download bool   `mapstructure:"download"`
	BaseURL  string `mapstructure:"base_url"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// DatabaseConfig selects the audit log backend. An empty driver disables it.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type AuthConfig struct {
	JWTSecret   string `mapstructure:"jwt_secret"`
	JWTAudience string `mapstructure:"jwt_audience"`
}

// Load reads .env (if present), then the optional YAML file at configPath, then
// the environment. SERVER_ADDR overrides server.addr and so on.
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	switch c.Server.Mode {
	case "debug", "release", "test":
	default:
		return fmt.Errorf("unknown server.mode %q", c.Server.Mode)
	}
	if c.Image.MaxSize <= 0 {
		return fmt.Errorf("image.max_size must be positive, got %d", c.Image.MaxSize)
	}
	if c.Image.MaxPixels <= 0 {
		return fmt.Errorf("image.max_pixels must be positive, got %d", c.Image.MaxPixels)
	}
	if c.Image.GridStride <= 0 {
		return fmt.Errorf("image.grid_stride must be positive, got %d", c.Image.GridStride)
	}
	switch c.Image.Store {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown image.store %q", c.Image.Store)
	}
	switch c.Database.Driver {
	case "", "postgres", "sqlite":
	default:
		return fmt.Errorf("unknown database.driver %q", c.Database.Driver)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.max_upload_bytes", 10<<20)
	v.SetDefault("server.index_page", "")

	v.SetDefault("image.max_size", 640)
	v.SetDefault("image.max_pixels", 50_000_000)
	v.SetDefault("image.grid_stride", 64)
	v.SetDefault("image.store", "memory")
	v.SetDefault("image.ttl", time.Hour)

	v.SetDefault("upload.save_dir", "")

	v.SetDefault("segmenter.addr", "localhost:50051")
	v.SetDefault("segmenter.dial_timeout", 5*time.Second)
	v.SetDefault("segmenter.model_type", "vit_b")
	v.SetDefault("segmenter.device", "cpu")
	v.SetDefault("segmenter.multimask", true)
	v.SetDefault("segmenter.checkpoint_dir", "")

	v.SetDefault("checkpoint.dir", "models/checkpoints")
	v.SetDefault("checkpoint.download", true)
	v.SetDefault("checkpoint.base_url", "https://dl.fbaipublicfiles.com/segment_anything/")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("database.driver", "")
	v.SetDefault("database.dsn", "")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.jwt_audience", "")
}
