package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Env      string `yaml:"env"`
	LogLevel string `yaml:"log_level"` // debug | info | warn | error

	HTTP struct {
		Addr string `yaml:"addr"` // ":7001"
	} `yaml:"http"`

	Gateway struct {
		NodeID          int64         `yaml:"node_id"`
		ReadBufferSize  int           `yaml:"read_buffer_size"`
		WriteBufferSize int           `yaml:"write_buffer_size"`
		SendQueueSize   int           `yaml:"send_queue_size"`
		IdleTimeout     time.Duration `yaml:"idle_timeout"`  // no heartbeat -> disconnect
		WriteTimeout    time.Duration `yaml:"write_timeout"` // per outbound frame
	} `yaml:"gateway"`

	Presence struct {
		OfflineDebounce time.Duration `yaml:"offline_debounce"`
		SweepEvery      time.Duration `yaml:"sweep_every"`
	} `yaml:"presence"`

	Router struct {
		TypingTTL     time.Duration `yaml:"typing_ttl"`
		AppendTimeout time.Duration `yaml:"append_timeout"`
	} `yaml:"router"`

	Fanout struct {
		Workers int `yaml:"workers"`
		Queue   int `yaml:"queue"`
	} `yaml:"fanout"`

	Auth struct {
		Secret       string `yaml:"secret"`
		Header       string `yaml:"header"`
		BearerPrefix string `yaml:"bearer_prefix"`
		QueryKey     string `yaml:"query_key"`
	} `yaml:"auth"`

	Store struct {
		Backend string `yaml:"backend"` // memory | mongo | postgres
		Mongo   struct {
			URI      string `yaml:"uri"`
			Database string `yaml:"database"`
		} `yaml:"mongo"`
		Postgres struct {
			URL string `yaml:"url"`
		} `yaml:"postgres"`
	} `yaml:"store"`

	Notify struct {
		Backend string   `yaml:"backend"` // memory | kafka
		Brokers []string `yaml:"brokers"`
		Topic   string   `yaml:"topic"`
	} `yaml:"notify"`

	Redis struct {
		Addr        string        `yaml:"addr"` // empty disables the presence mirror
		Password    string        `yaml:"password"`
		Database    int           `yaml:"database"`
		PresenceTTL time.Duration `yaml:"presence_ttl"`
	} `yaml:"redis"`

	Nats struct {
		URL string `yaml:"url"` // empty disables the broadcast backplane
	} `yaml:"nats"`
}

// Load supports comma-separated config files: "-c common.yml,engine.yml".
// Later files override earlier ones key by key.
func Load(pathList string) (*Config, error) {
	if strings.TrimSpace(pathList) == "" {
		return nil, errors.New("config path required (e.g. -c ./config.yml)")
	}
	var c Config
	for _, p := range strings.Split(pathList, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, err
		}
	}
	c.SetDefaults()
	return &c, nil
}

func (c *Config) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":7001"
	}
	if c.Gateway.ReadBufferSize <= 0 {
		c.Gateway.ReadBufferSize = 4096
	}
	if c.Gateway.WriteBufferSize <= 0 {
		c.Gateway.WriteBufferSize = 4096
	}
	if c.Gateway.SendQueueSize <= 0 {
		c.Gateway.SendQueueSize = 256
	}
	if c.Gateway.IdleTimeout <= 0 {
		c.Gateway.IdleTimeout = 60 * time.Second
	}
	if c.Gateway.WriteTimeout <= 0 {
		c.Gateway.WriteTimeout = 5 * time.Second
	}
	if c.Presence.OfflineDebounce <= 0 {
		c.Presence.OfflineDebounce = 5 * time.Second
	}
	if c.Presence.SweepEvery <= 0 {
		c.Presence.SweepEvery = time.Second
	}
	if c.Router.TypingTTL <= 0 {
		c.Router.TypingTTL = 6 * time.Second
	}
	if c.Router.AppendTimeout <= 0 {
		c.Router.AppendTimeout = 5 * time.Second
	}
	if c.Fanout.Workers <= 0 {
		c.Fanout.Workers = 8
	}
	if c.Fanout.Queue <= 0 {
		c.Fanout.Queue = 1024
	}
	if c.Auth.Header == "" {
		c.Auth.Header = "Authorization"
	}
	if c.Auth.BearerPrefix == "" {
		c.Auth.BearerPrefix = "Bearer "
	}
	if c.Auth.QueryKey == "" {
		c.Auth.QueryKey = "token"
	}
	if c.Store.Backend == "" {
		c.Store.Backend = "memory"
	}
	if c.Store.Mongo.Database == "" {
		c.Store.Mongo.Database = "relaychat"
	}
	if c.Notify.Backend == "" {
		c.Notify.Backend = "memory"
	}
	if c.Notify.Topic == "" {
		c.Notify.Topic = "relaychat-notify"
	}
	if c.Redis.PresenceTTL <= 0 {
		c.Redis.PresenceTTL = 2 * time.Minute
	}
}
