package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type SigningKey struct {
	KID    string `mapstructure:"kid"`
	Secret string `mapstructure:"secret"`
}

type StoreConfig struct {
	Backend       string `mapstructure:"backend"` // memory | mongo
	MongoURI      string `mapstructure:"mongo_uri"`
	MongoDatabase string `mapstructure:"mongo_database"`
}

type ICEServer struct {
	URLs       []string `mapstructure:"urls" json:"urls"`
	Username   string   `mapstructure:"username" json:"username,omitempty"`
	Credential string   `mapstructure:"credential" json:"credential,omitempty"`
}

type RateLimitConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	RequestsPerMin int  `mapstructure:"requests_per_min"`
	Burst          int  `mapstructure:"burst"`
	MaxConnsPerIP  int  `mapstructure:"max_conns_per_ip"`
}

type SpeakerConfig struct {
	// SampleInterval is how often the engine reports volume batches.
	SampleInterval time.Duration `mapstructure:"sample_interval"`
	// SilenceThreshold in dBov; samples quieter than this never win.
	SilenceThreshold int `mapstructure:"silence_threshold"`
	// BroadcastInterval is the fixed activeSpeaker push cadence.
	BroadcastInterval time.Duration `mapstructure:"broadcast_interval"`
}

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`

	RelayThreshold int           `mapstructure:"relay_threshold"`
	AccessTTL      time.Duration `mapstructure:"access_ttl"`
	RefreshTTL     time.Duration `mapstructure:"refresh_ttl"`
	SigningKeys    []SigningKey  `mapstructure:"signing_keys"`

	Store      StoreConfig     `mapstructure:"store"`
	ICEServers []ICEServer     `mapstructure:"ice_servers"`
	RateLimit  RateLimitConfig `mapstructure:"rate_limit"`
	Speaker    SpeakerConfig   `mapstructure:"speaker"`
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
	v.SetDefault("relay_threshold", 6)
	v.SetDefault("access_ttl", "1h")
	v.SetDefault("refresh_ttl", "168h")
	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.mongo_uri", "mongodb://localhost:27017")
	v.SetDefault("store.mongo_database", "huddle")
	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.requests_per_min", 300)
	v.SetDefault("rate_limit.burst", 50)
	v.SetDefault("rate_limit.max_conns_per_ip", 20)
	v.SetDefault("speaker.sample_interval", "800ms")
	v.SetDefault("speaker.silence_threshold", -70)
	v.SetDefault("speaker.broadcast_interval", "1s")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" && len(cfg.SigningKeys) == 0 {
		cfg.SigningKeys = []SigningKey{{KID: "env", Secret: secret}}
	}
	if len(cfg.SigningKeys) == 0 {
		return nil, fmt.Errorf("no signing keys configured (set signing_keys or JWT_SECRET)")
	}
	return &cfg, nil
}
