package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server      ServerConfig     `yaml:"server"`
	Postgres    PostgresConfig   `yaml:"postgres"`
	Redis       RedisConfig      `yaml:"redis"`
	Session     SessionConfig    `yaml:"session"`
	OAuth       OAuthConfig      `yaml:"oauth"`
	Functions   FunctionsConfig  `yaml:"functions"`
	Blob        BlobConfig       `yaml:"blob"`
	StockPhotos StockPhotoConfig `yaml:"stockphotos"`
	AIGen       AIGenConfig      `yaml:"aigen"`
	Feed        FeedConfig       `yaml:"feed"`
	Sweep       SweepConfig      `yaml:"sweep"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr string        `yaml:"addr"`
	TTL  time.Duration `yaml:"ttl"`
}

type SessionConfig struct {
	Secret string        `yaml:"secret"`
	TTL    time.Duration `yaml:"ttl"`
}

type OAuthConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RedirectURL  string `yaml:"redirect_url"`
}

type FunctionsConfig struct {
	Endpoint string `yaml:"endpoint"`
	Project  string `yaml:"project"`
	APIKey   string `yaml:"api_key"`
}

type BlobConfig struct {
	UploadURL      string `yaml:"upload_url"`
	PublicKey      string `yaml:"public_key"`
	AuthFunction   string `yaml:"auth_function"`
	DeleteFunction string `yaml:"delete_function"`
}

type StockPhotoConfig struct {
	Endpoint string `yaml:"endpoint"`
	Key      string `yaml:"key"`
	PerPage  int    `yaml:"per_page"`
}

type AIGenConfig struct {
	Function string `yaml:"function"`
}

type FeedConfig struct {
	PageSize int `yaml:"page_size"`
}

type SweepConfig struct {
	Schedule string `yaml:"schedule"`
}

// Load reads the yaml config at path and applies environment
// overrides for the values that should not live in a file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyEnv()

	if cfg.Feed.PageSize <= 0 {
		return nil, fmt.Errorf("feed.page_size must be positive, got %d", cfg.Feed.PageSize)
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server:      ServerConfig{Port: "8080"},
		Redis:       RedisConfig{TTL: 30 * time.Second},
		Session:     SessionConfig{TTL: 24 * time.Hour},
		StockPhotos: StockPhotoConfig{PerPage: 20},
		AIGen:       AIGenConfig{Function: "generate-post"},
		Feed:        FeedConfig{PageSize: 8},
		Sweep:       SweepConfig{Schedule: "@hourly"},
	}
}

func (c *Config) applyEnv() {
	overrideString(&c.Server.Port, "KNOWSPACE_PORT")
	overrideString(&c.Postgres.DSN, "KNOWSPACE_POSTGRES_DSN")
	overrideString(&c.Redis.Addr, "KNOWSPACE_REDIS_ADDR")
	overrideString(&c.Session.Secret, "KNOWSPACE_SESSION_SECRET")
	overrideString(&c.OAuth.ClientID, "KNOWSPACE_OAUTH_CLIENT_ID")
	overrideString(&c.OAuth.ClientSecret, "KNOWSPACE_OAUTH_CLIENT_SECRET")
	overrideString(&c.Functions.APIKey, "KNOWSPACE_FUNCTIONS_API_KEY")
	overrideString(&c.Blob.PublicKey, "KNOWSPACE_BLOB_PUBLIC_KEY")
	overrideString(&c.StockPhotos.Key, "KNOWSPACE_STOCKPHOTO_KEY")
}

func overrideString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}
