package config

import (
	"fmt"
	"log"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPath  = ".env"
	EnvLocal = "local"
	EnvDev   = "dev"
	EnvProd  = "prod"
)

type Config struct {
	Env     string
	DB      db
	Server  server
	Session session
	Sync    sync
}

type db struct {
	DatabaseURI string `mapstructure:"database_uri"`
	Migrations  string `mapstructure:"migrations_path"`
}

type server struct {
	RunAddress string `mapstructure:"run_address"`
}

type session struct {
	TTL time.Duration `mapstructure:"session_ttl"`
}

type sync struct {
	ConflictWindow time.Duration `mapstructure:"sync_conflict_window"`
	PullLimit      int           `mapstructure:"sync_pull_limit"`
}

// MustLoad читает конфигурацию из окружения и .env, паникует при ошибке
func MustLoad() *Config {
	if err := godotenv.Load(envPath); err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	cfg, err := Load(viper.New())
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load собирает конфигурацию из переданного viper
func Load(v *viper.Viper) (*Config, error) {
	v.AutomaticEnv()

	v.SetDefault("app_env", EnvLocal)
	v.SetDefault("run_address", "localhost:8080")
	v.SetDefault("migrations_path", "migrations")
	v.SetDefault("session_ttl", 24*time.Hour)
	v.SetDefault("sync_conflict_window", 5*time.Minute)
	v.SetDefault("sync_pull_limit", 500)

	cfg := &Config{
		Env: v.GetString("app_env"),
		DB: db{
			DatabaseURI: v.GetString("database_uri"),
			Migrations:  v.GetString("migrations_path"),
		},
		Server:  server{RunAddress: v.GetString("run_address")},
		Session: session{TTL: v.GetDuration("session_ttl")},
		Sync: sync{
			ConflictWindow: v.GetDuration("sync_conflict_window"),
			PullLimit:      v.GetInt("sync_pull_limit"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate проверяет обязательные параметры
func (c *Config) Validate() error {
	switch c.Env {
	case EnvLocal, EnvDev, EnvProd:
	default:
		return fmt.Errorf("unknown APP_ENV %q", c.Env)
	}
	if c.DB.DatabaseURI == "" {
		return fmt.Errorf("DATABASE_URI is required")
	}
	if c.Server.RunAddress == "" {
		return fmt.Errorf("RUN_ADDRESS is required")
	}
	if c.Session.TTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be positive")
	}
	if c.Sync.ConflictWindow < 0 {
		return fmt.Errorf("SYNC_CONFLICT_WINDOW must not be negative")
	}
	if c.Sync.PullLimit <= 0 {
		return fmt.Errorf("SYNC_PULL_LIMIT must be positive")
	}
	return nil
}
