// Package config resolves the gobus service configuration: defaults, then an
// optional YAML file, then GOBUS_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/3rs4lg4d0/gobus/gbus"
	"gopkg.in/yaml.v3"
)

// Database drivers.
const (
	DriverPgx  = "pgx"
	DriverSQL  = "sql"
	DriverGorm = "gorm"
)

// Broker kinds.
const (
	BrokerKafka    = "kafka"
	BrokerKafkaGo  = "kafkago"
	BrokerRabbitMQ = "rabbitmq"
)

type Config struct {
	Database Database `yaml:"database"`
	Broker   Broker   `yaml:"broker"`
	Redis    Redis    `yaml:"redis"`
	Outbox   Outbox   `yaml:"outbox"`
	Log      Log      `yaml:"log"`

	// DefaultRetry applies to consumers without their own entry in Retry.
	DefaultRetry gbus.RetryPolicy            `yaml:"defaultRetry"`
	Retry        map[string]gbus.RetryPolicy `yaml:"retry"`
}

type Database struct {
	Driver string `yaml:"driver"`
	URL    string `yaml:"url"`
}

type Broker struct {
	Kind        string   `yaml:"kind"`
	Brokers     []string `yaml:"brokers"`
	GroupID     string   `yaml:"groupId"`
	RabbitMQURL string   `yaml:"rabbitmqUrl"`
	Exchange    string   `yaml:"exchange"`
}

// Redis enables the Redis inbox when Addr is set. The Postgres inbox is used
// otherwise.
type Redis struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

type Outbox struct {
	EnableDispatcher     bool          `yaml:"enableDispatcher"`
	MaxDispatchers       int           `yaml:"maxDispatchers"`
	PollingInterval      time.Duration `yaml:"pollingInterval"`
	SubscriptionInterval time.Duration `yaml:"subscriptionInterval"`
	MaxEventsPerInterval int           `yaml:"maxEventsPerInterval"`
	MaxEventsPerBatch    int           `yaml:"maxEventsPerBatch"`
	StrictDomainEvents   bool          `yaml:"strictDomainEvents"`
}

type Log struct {
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
}

// Default returns the configuration used when nothing is provided.
func Default() Config {
	return Config{
		Database: Database{Driver: DriverPgx},
		Broker: Broker{
			Kind:    BrokerKafka,
			Brokers: []string{"localhost:19092"},
			GroupID: "gobus",
		},
		Redis:        Redis{TTL: 7 * 24 * time.Hour},
		Outbox:       Outbox{EnableDispatcher: true, MaxEventsPerInterval: -1},
		Log:          Log{Level: "info"},
		DefaultRetry: gbus.DefaultRetryPolicy(),
		Retry:        map[string]gbus.RetryPolicy{},
	}
}

// Load resolves the configuration. A missing file at path is not an error;
// an empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config file: %w", err)
			}
		case !errors.Is(err, os.ErrNotExist):
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Database.Driver = envOrDefault("GOBUS_DATABASE_DRIVER", c.Database.Driver)
	c.Database.URL = envOrDefault("GOBUS_DATABASE_URL", c.Database.URL)
	c.Broker.Kind = envOrDefault("GOBUS_BROKER", c.Broker.Kind)
	c.Broker.Brokers = envCSV("GOBUS_KAFKA_BROKERS", c.Broker.Brokers)
	c.Broker.GroupID = envOrDefault("GOBUS_KAFKA_GROUP_ID", c.Broker.GroupID)
	c.Broker.RabbitMQURL = envOrDefault("GOBUS_RABBITMQ_URL", c.Broker.RabbitMQURL)
	c.Broker.Exchange = envOrDefault("GOBUS_RABBITMQ_EXCHANGE", c.Broker.Exchange)
	c.Redis.Addr = envOrDefault("GOBUS_REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = envOrDefault("GOBUS_REDIS_PASSWORD", c.Redis.Password)
	c.Outbox.EnableDispatcher = envBool("GOBUS_DISPATCHER_ENABLED", c.Outbox.EnableDispatcher)
	c.Outbox.MaxDispatchers = envInt("GOBUS_MAX_DISPATCHERS", c.Outbox.MaxDispatchers)
	c.Outbox.StrictDomainEvents = envBool("GOBUS_STRICT_DOMAIN_EVENTS", c.Outbox.StrictDomainEvents)
	c.Log.Level = strings.ToLower(envOrDefault("GOBUS_LOG_LEVEL", c.Log.Level))
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case DriverPgx, DriverSQL, DriverGorm:
	default:
		return fmt.Errorf("unknown database driver '%s'", c.Database.Driver)
	}
	if c.Database.URL == "" {
		return errors.New("missing GOBUS_DATABASE_URL")
	}
	switch c.Broker.Kind {
	case BrokerKafka, BrokerKafkaGo:
		if len(c.Broker.Brokers) == 0 {
			return errors.New("missing GOBUS_KAFKA_BROKERS")
		}
	case BrokerRabbitMQ:
		if c.Broker.RabbitMQURL == "" {
			return errors.New("missing GOBUS_RABBITMQ_URL")
		}
	default:
		return fmt.Errorf("unknown broker '%s'", c.Broker.Kind)
	}
	return nil
}

// Settings converts the outbox section.
func (c Config) Settings() gbus.Settings {
	return gbus.Settings{
		EnableDispatcher:     c.Outbox.EnableDispatcher,
		MaxDispatchers:       c.Outbox.MaxDispatchers,
		PollingInterval:      c.Outbox.PollingInterval,
		SubscriptionInterval: c.Outbox.SubscriptionInterval,
		MaxEventsPerInterval: c.Outbox.MaxEventsPerInterval,
		MaxEventsPerBatch:    c.Outbox.MaxEventsPerBatch,
		StrictDomainEvents:   c.Outbox.StrictDomainEvents,
	}
}

// Policy returns the retry policy of a consumer.
func (c Config) Policy(consumer string) gbus.RetryPolicy {
	if p, ok := c.Retry[consumer]; ok {
		return p.Validate()
	}
	return c.DefaultRetry.Validate()
}

func envOrDefault(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

func envInt(name string, fallback int) int {
	v, err := strconv.Atoi(os.Getenv(name))
	if err != nil {
		return fallback
	}
	return v
}

func envBool(name string, fallback bool) bool {
	v, err := strconv.ParseBool(os.Getenv(name))
	if err != nil {
		return fallback
	}
	return v
}

// envCSV parses comma-separated env vars and removes empty segments.
func envCSV(name string, fallback []string) []string {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	var parts []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return fallback
	}
	return parts
}
