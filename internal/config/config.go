package config

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string `mapstructure:"mode"`
	Port       int    `mapstructure:"port"`
	InstanceID string `mapstructure:"instance_id"`

	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`

	Binding  BindingConfig  `mapstructure:"binding"`
	Identity IdentityConfig `mapstructure:"identity"`
	Store    StoreConfig    `mapstructure:"store"`
	Breaker  BreakerConfig  `mapstructure:"breaker"`
	MH       MHConfig       `mapstructure:"mh"`
	Quorum   QuorumConfig   `mapstructure:"quorum"`
	Meeting  MeetingConfig  `mapstructure:"meeting"`
	Drain    DrainConfig    `mapstructure:"drain"`
}

type BindingConfig struct {
	MasterSecret string        `mapstructure:"master_secret"`
	TTL          time.Duration `mapstructure:"ttl"`
	GraceWindow  time.Duration `mapstructure:"grace_window"`
}

type IdentityConfig struct {
	// Exactly one of HS256Secret or JWKSURL is set.
	HS256Secret string        `mapstructure:"hs256_secret"`
	JWKSURL     string        `mapstructure:"jwks_url"`
	Issuer      string        `mapstructure:"issuer"`
	MaxTokenAge time.Duration `mapstructure:"max_token_age"`
}

type StoreConfig struct {
	Driver  string        `mapstructure:"driver"` // "memory" or "sqlite"
	DSN     string        `mapstructure:"dsn"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type BreakerConfig struct {
	Threshold int           `mapstructure:"threshold"`
	Cooldown  time.Duration `mapstructure:"cooldown"`
}

type MHConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	DegradedMisses    int           `mapstructure:"degraded_misses"`
	UnhealthyMisses   int           `mapstructure:"unhealthy_misses"`
	PushTimeout       time.Duration `mapstructure:"push_timeout"`
}

type QuorumConfig struct {
	Window time.Duration `mapstructure:"window"`
}

type MeetingConfig struct {
	EndGrace      time.Duration `mapstructure:"end_grace"`
	RestartLimit  int           `mapstructure:"restart_limit"`
	RestartWindow time.Duration `mapstructure:"restart_window"`
}

type DrainConfig struct {
	Grace time.Duration `mapstructure:"grace"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")

	v.SetDefault("binding.ttl", "30s")
	v.SetDefault("binding.grace_window", "2s")

	v.SetDefault("identity.max_token_age", "60s")

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.dsn", "file:conclave.db")
	v.SetDefault("store.timeout", "3s")

	v.SetDefault("breaker.threshold", 5)
	v.SetDefault("breaker.cooldown", "10s")

	v.SetDefault("mh.heartbeat_interval", "2s")
	v.SetDefault("mh.degraded_misses", 2)
	v.SetDefault("mh.unhealthy_misses", 3)
	v.SetDefault("mh.push_timeout", "2s")

	v.SetDefault("quorum.window", "10s")

	v.SetDefault("meeting.end_grace", "30s")
	v.SetDefault("meeting.restart_limit", 3)
	v.SetDefault("meeting.restart_window", "60s")

	v.SetDefault("drain.grace", "10s")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if cfg.Binding.MasterSecret == "" && cfg.Mode == "release" {
		return nil, fmt.Errorf("binding.master_secret is required in release mode")
	}
	fmt.Printf("🧩 Mode: %s | Port: %d | Instance: %s\n", cfg.Mode, cfg.Port, cfg.InstanceID)
	return &cfg, nil
}
