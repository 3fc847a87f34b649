// Package config loads the rail-ingest YAML configuration.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"gopkg.in/yaml.v3"
)

type DatabaseConfig struct {
	// sqlite, postgres or mysql.
	Driver string `yaml:"driver" validate:"oneof=sqlite postgres mysql"`
	// DSN for postgres/mysql.
	DSN string `yaml:"dsn" validate:"required_unless=Driver sqlite"`
	// SQLite database file.
	Path string `yaml:"path" validate:"required_if=Driver sqlite"`
	// Zero picks a per-driver default (1 for sqlite).
	MaxOpenConns int `yaml:"max_open_conns" validate:"gte=0"`
}

type RabbitMQConfig struct {
	// URL wins over the individual connection fields when set.
	URL      string `yaml:"url"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port" validate:"gte=0,lte=65535"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	VHost    string `yaml:"vhost"`

	Exchange           string `yaml:"exchange" validate:"required"`
	Queue              string `yaml:"queue" validate:"required"`
	DeadLetterExchange string `yaml:"dead_letter_exchange" validate:"required"`
	DeadLetterQueue    string `yaml:"dead_letter_queue" validate:"required"`
	Prefetch           int    `yaml:"prefetch" validate:"gte=1,lte=65535"`
	Durable            *bool  `yaml:"durable"`
	ConsumerTag        string `yaml:"consumer_tag"`

	ReconnectBackoff time.Duration `yaml:"reconnect_backoff"`
	DialAttempts     uint          `yaml:"dial_attempts"`
}

// AMQPURL returns the broker URL, built from the individual fields if URL is empty.
func (c RabbitMQConfig) AMQPURL() string {
	if c.URL != "" {
		return c.URL
	}
	return amqp.URI{
		Scheme:   "amqp",
		Host:     c.Host,
		Port:     c.Port,
		Username: c.Username,
		Password: c.Password,
		Vhost:    c.VHost,
	}.String()
}

func (c RabbitMQConfig) IsDurable() bool {
	return c.Durable == nil || *c.Durable
}

type CacheConfig struct {
	// memory or redis.
	Backend       string        `yaml:"backend" validate:"oneof=memory redis"`
	RedisAddr     string        `yaml:"redis_addr" validate:"required_if=Backend redis"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db" validate:"gte=0"`
	LedgerTTL     time.Duration `yaml:"ledger_ttl"`
	StatsTTL      time.Duration `yaml:"stats_ttl"`
}

type BatchConfig struct {
	MaxErrors int `yaml:"max_errors" validate:"gte=1"`
}

type InboxConfig struct {
	Files        FilesConfig   `yaml:"files"`
	DoneDir      string        `yaml:"done_dir"`
	ErrorDir     string        `yaml:"error_dir"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type MetricsConfig struct {
	// Zero disables the /metrics listener.
	Port int `yaml:"port" validate:"gte=0,lte=65535"`
	// Producers that get their own source label; others count as "other".
	Sources []string `yaml:"sources"`
}

type Config struct {
	LogLevel string `yaml:"log_level" validate:"oneof=debug info warn warning error"`
	Debug    bool   `yaml:"debug"`

	Database DatabaseConfig `yaml:"database"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Cache    CacheConfig    `yaml:"cache"`
	Batch    BatchConfig    `yaml:"batch"`
	Inbox    InboxConfig    `yaml:"inbox"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		c.Database.Path = "rail-ingest.db"
	}

	mq := &c.RabbitMQ
	if mq.Host == "" {
		mq.Host = "localhost"
	}
	if mq.Port == 0 {
		mq.Port = 5672
	}
	if mq.Username == "" {
		mq.Username = "guest"
	}
	if mq.Password == "" {
		mq.Password = "guest"
	}
	if mq.VHost == "" {
		mq.VHost = "/"
	}
	if mq.Exchange == "" {
		mq.Exchange = "rail.exchange"
	}
	if mq.Queue == "" {
		mq.Queue = "rail.wagon.updates"
	}
	if mq.DeadLetterExchange == "" {
		mq.DeadLetterExchange = mq.Exchange + ".dlq"
	}
	if mq.DeadLetterQueue == "" {
		mq.DeadLetterQueue = mq.Queue + ".dlq"
	}
	if mq.Prefetch == 0 {
		mq.Prefetch = 10
	}
	if mq.ConsumerTag == "" {
		mq.ConsumerTag = "rail-ingest"
	}
	if mq.ReconnectBackoff == 0 {
		mq.ReconnectBackoff = 10 * time.Second
	}
	if mq.DialAttempts == 0 {
		mq.DialAttempts = 5
	}

	if c.Cache.Backend == "" {
		c.Cache.Backend = "memory"
	}
	if c.Cache.LedgerTTL == 0 {
		c.Cache.LedgerTTL = 30 * time.Minute
	}
	if c.Cache.StatsTTL == 0 {
		c.Cache.StatsTTL = time.Minute
	}

	if c.Batch.MaxErrors == 0 {
		c.Batch.MaxErrors = 50
	}

	if c.Inbox.PollInterval == 0 {
		c.Inbox.PollInterval = 5 * time.Second
	}
}

var validate = validator.New()

func (c *Config) Validate() error {
	return errors.Wrap(validate.Struct(c), "invalid config")
}

// LoadEnvFile loads KEY=VALUE pairs into the process environment. A missing
// file is not an error. Variables already set are left alone.
func LoadEnvFile(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	return errors.Wrapf(godotenv.Load(path), "load env file %s", path)
}

// Load reads path, expands ${VAR} references, applies defaults and validates.
// An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "read config")
		}
		if err := Parse(b, cfg); err != nil {
			return nil, err
		}
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML into cfg after environment expansion.
func Parse(b []byte, cfg *Config) error {
	expanded := os.ExpandEnv(string(b))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return errors.Wrap(err, "decode config")
	}
	return nil
}

// InputFileConfig is one inbox glob.
type InputFileConfig struct {
	Name     string `yaml:"name"`
	Glob     string `yaml:"glob"`
	ErrorDir string `yaml:"error_dir"`
}

// FilesConfig accepts either the mapping form
//
//	files:
//	  depot_a: /data/inbox/a/*.csv
//	  depot_b: {glob: /data/inbox/b/**/*.csv, error_dir: /data/bad}
//
// or a list of {name, glob, error_dir}.
type FilesConfig struct {
	Items []InputFileConfig
}

func (f *FilesConfig) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	switch value.Kind {
	case yaml.MappingNode:
		items := make([]InputFileConfig, 0, len(value.Content)/2)
		for i := 0; i+1 < len(value.Content); i += 2 {
			name := strings.TrimSpace(value.Content[i].Value)
			v := value.Content[i+1]
			if name == "" {
				continue
			}
			switch v.Kind {
			case yaml.ScalarNode:
				if glob := strings.TrimSpace(v.Value); glob != "" {
					items = append(items, InputFileConfig{Name: name, Glob: glob})
				}
			case yaml.MappingNode:
				var tmp InputFileConfig
				if err := v.Decode(&tmp); err != nil {
					return err
				}
				tmp.Name = name
				tmp.Glob = strings.TrimSpace(tmp.Glob)
				tmp.ErrorDir = strings.TrimSpace(tmp.ErrorDir)
				if tmp.Glob != "" {
					items = append(items, tmp)
				}
			}
		}
		f.Items = items
	case yaml.SequenceNode:
		var items []InputFileConfig
		if err := value.Decode(&items); err != nil {
			return err
		}
		f.Items = items
	}
	return nil
}
