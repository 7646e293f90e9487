package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		TTL      string `yaml:"ttl"`
	} `yaml:"redis"`
	Postgres struct {
		URL string `yaml:"url"`
	} `yaml:"postgres"`
	AMQP struct {
		URL      string `yaml:"url"`
		Exchange string `yaml:"exchange"`
	} `yaml:"amqp"`
	Auth struct {
		JWTSecret string `yaml:"jwtSecret"`
	} `yaml:"auth"`
	Quiz struct {
		TTL string `yaml:"ttl"`
	} `yaml:"quiz"`
	Engine Engine `yaml:"engine"`
}

// Engine tunes the session engine.
type Engine struct {
	CodeLength      int    `yaml:"codeLength"`
	MaxCodeAttempts int    `yaml:"maxCodeAttempts"`
	ReapInterval    string `yaml:"reapInterval"`
	IdleGrace       string `yaml:"idleGrace"`
	HostGrace       string `yaml:"hostGrace"`
}

func (e Engine) ReapIntervalDuration() time.Duration {
	return TTLDuration(e.ReapInterval, 30*time.Second)
}

func (e Engine) IdleGraceDuration() time.Duration {
	return TTLDuration(e.IdleGrace, 5*time.Minute)
}

func (e Engine) HostGraceDuration() time.Duration {
	return TTLDuration(e.HostGrace, 2*time.Minute)
}

// Load reads YAML config from path and applies environment overrides. A missing
// file is not an error: the service then runs on defaults and environment only.
func Load(path string) (Config, error) {
	cfg := Config{}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return cfg, err
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	setString := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	setString(&cfg.Server.Port, "PORT")
	setString(&cfg.Log.Level, "LOG_LEVEL")
	setString(&cfg.Redis.Addr, "REDIS_ADDR")
	setString(&cfg.Redis.Password, "REDIS_PASSWORD")
	setString(&cfg.Postgres.URL, "POSTGRES_URL")
	setString(&cfg.AMQP.URL, "AMQP_URL")
	setString(&cfg.Auth.JWTSecret, "JWT_SECRET")
	if v := os.Getenv("REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return errors.New("REDIS_DB must be an integer")
		}
		cfg.Redis.DB = db
	}
	return nil
}

// TTLDuration parses a duration string or returns the fallback if empty.
func TTLDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return fallback
}
