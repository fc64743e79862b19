package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	ProviderGraph = "graph"
	ProviderSES   = "ses"
	ProviderNoop  = "noop"
)

type Config struct {
	// ServiceName is the scope internal callers must be granted and the
	// service.name on exported metrics.
	ServiceName string

	HTTP     HTTPConfig
	GRPC     GRPCConfig
	MySQL    MySQLConfig
	Redis    RedisConfig
	Lock     LockConfig
	Consumer ConsumerConfig
	Auth     AuthConfig
	Provider ProviderConfig
	Graph    GraphConfig
	SES      SESConfig
	Retry    RetryConfig
	Events   EventsConfig
	Metrics  MetricsConfig
	Log      LogConfig
}

type HTTPConfig struct {
	Host string
	Port string
}

type GRPCConfig struct {
	Host string
	Port string
}

type MySQLConfig struct {
	DSN         string
	MaxOpen     int
	MaxIdle     int
	MaxLifetime time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// LockConfig selects where per-message locks live: "redis" or "mysql".
type LockConfig struct {
	Backend string
	TTL     time.Duration
}

type ConsumerConfig struct {
	DeliverTimeout  time.Duration
	PersistTimeout  time.Duration
	ReclaimIdle     time.Duration
	ReclaimInterval time.Duration
	FailureBackoff  time.Duration
}

// AuthConfig points at the auth service that validates internal API keys.
// The key this service presents is read from APP_API_KEY by the auth client.
type AuthConfig struct {
	GRPCAddr string
}

type MetricsConfig struct {
	ExportInterval time.Duration
}

type ProviderConfig struct {
	Name          string
	DefaultSender string
}

type GraphConfig struct {
	AuthorityURL    string
	TenantID        string
	ClientID        string
	ClientSecret    string
	Scope           string
	BaseURL         string
	Timeout         time.Duration
	SaveToSentItems bool
}

type SESConfig struct {
	Region string
}

type RetryConfig struct {
	MaxAttempts     int
	BaseBackoff     time.Duration
	MaxBackoff      time.Duration
	PromoteInterval time.Duration
}

type EventsConfig struct {
	Brokers []string
	Topic   string
}

type LogConfig struct {
	Level  string
	Format string
}

// Load reads configuration from the environment, with .env as a fallback.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "mailer-service"),

		HTTP: HTTPConfig{
			Host: getEnv("HTTP_HOST", "0.0.0.0"),
			Port: getEnv("HTTP_PORT", "8080"),
		},
		GRPC: GRPCConfig{
			Host: getEnv("GRPC_HOST", "0.0.0.0"),
			Port: getEnv("GRPC_PORT", "9090"),
		},
		MySQL: MySQLConfig{
			DSN:         getEnv("MYSQL_DSN", "mailer:mailer@tcp(localhost:3306)/mailer"),
			MaxOpen:     getEnvInt("MYSQL_MAX_OPEN_CONNS", 10),
			MaxIdle:     getEnvInt("MYSQL_MAX_IDLE_CONNS", 5),
			MaxLifetime: getEnvDuration("MYSQL_CONN_MAX_LIFETIME", 30*time.Minute),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Lock: LockConfig{
			Backend: strings.ToLower(getEnv("LOCK_BACKEND", "redis")),
			TTL:     getEnvDuration("LOCK_TTL", 2*time.Minute),
		},
		Consumer: ConsumerConfig{
			DeliverTimeout:  getEnvDuration("CONSUMER_DELIVER_TIMEOUT", 30*time.Second),
			PersistTimeout:  getEnvDuration("CONSUMER_PERSIST_TIMEOUT", 5*time.Second),
			ReclaimIdle:     getEnvDuration("CONSUMER_RECLAIM_IDLE", 2*time.Minute),
			ReclaimInterval: getEnvDuration("CONSUMER_RECLAIM_INTERVAL", 30*time.Second),
			FailureBackoff:  getEnvDuration("CONSUMER_FAILURE_BACKOFF", time.Second),
		},
		Auth: AuthConfig{
			GRPCAddr: getEnv("AUTH_SERVICE_GRPC_ADDR", "localhost:9091"),
		},
		Provider: ProviderConfig{
			Name:          strings.ToLower(getEnv("EMAIL_PROVIDER", ProviderGraph)),
			DefaultSender: getEnv("DEFAULT_SENDER", ""),
		},
		Graph: GraphConfig{
			AuthorityURL:    getEnv("MS_GRAPH_AUTHORITY_URL", "https://login.microsoftonline.com"),
			TenantID:        getEnv("MS_GRAPH_TENANT_ID", ""),
			ClientID:        getEnv("MS_GRAPH_CLIENT_ID", ""),
			ClientSecret:    getEnv("MS_GRAPH_CLIENT_SECRET", ""),
			Scope:           getEnv("MS_GRAPH_SCOPE", "https://graph.microsoft.com/.default"),
			BaseURL:         getEnv("MS_GRAPH_BASE_URL", "https://graph.microsoft.com/v1.0"),
			Timeout:         time.Duration(getEnvInt("MS_GRAPH_TIMEOUT_MS", 15000)) * time.Millisecond,
			SaveToSentItems: getEnvBool("MS_GRAPH_SAVE_TO_SENT_ITEMS", true),
		},
		SES: SESConfig{
			Region: getEnv("AWS_REGION", "us-east-1"),
		},
		Retry: RetryConfig{
			MaxAttempts:     getEnvInt("RETRY_MAX_ATTEMPTS", 5),
			BaseBackoff:     getEnvDuration("RETRY_BASE_BACKOFF", 30*time.Second),
			MaxBackoff:      getEnvDuration("RETRY_MAX_BACKOFF", 30*time.Minute),
			PromoteInterval: getEnvDuration("RETRY_PROMOTE_INTERVAL", 5*time.Second),
		},
		Events: EventsConfig{
			Brokers: splitList(getEnv("EVENTS_BROKERS", "")),
			Topic:   getEnv("EVENTS_TOPIC", "email.status"),
		},
		Metrics: MetricsConfig{
			ExportInterval: getEnvDuration("METRICS_EXPORT_INTERVAL", time.Minute),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports settings the selected provider cannot run without.
func (c *Config) Validate() error {
	switch c.Provider.Name {
	case ProviderGraph:
		var missing []string
		if c.Graph.TenantID == "" {
			missing = append(missing, "MS_GRAPH_TENANT_ID")
		}
		if c.Graph.ClientID == "" {
			missing = append(missing, "MS_GRAPH_CLIENT_ID")
		}
		if c.Graph.ClientSecret == "" {
			missing = append(missing, "MS_GRAPH_CLIENT_SECRET")
		}
		if len(missing) > 0 {
			return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
		}
		if c.Graph.Timeout <= 0 {
			return errors.New("MS_GRAPH_TIMEOUT_MS must be positive")
		}
		if c.Graph.Timeout >= c.Consumer.DeliverTimeout {
			return fmt.Errorf("MS_GRAPH_TIMEOUT_MS (%s) must be shorter than CONSUMER_DELIVER_TIMEOUT (%s)", c.Graph.Timeout, c.Consumer.DeliverTimeout)
		}
	case ProviderSES:
		if c.Provider.DefaultSender == "" {
			return errors.New("DEFAULT_SENDER is required for the ses provider")
		}
	case ProviderNoop:
	default:
		return fmt.Errorf("unsupported EMAIL_PROVIDER: %s", c.Provider.Name)
	}

	if c.Lock.Backend != "redis" && c.Lock.Backend != "mysql" {
		return fmt.Errorf("unsupported LOCK_BACKEND: %s", c.Lock.Backend)
	}
	if c.Retry.MaxAttempts < 1 {
		return errors.New("RETRY_MAX_ATTEMPTS must be at least 1")
	}
	return c.validateTimeouts()
}

// validateTimeouts keeps a message lock alive for a whole delivery: the
// send under CONSUMER_DELIVER_TIMEOUT plus recording its outcome.
func (c *Config) validateTimeouts() error {
	if c.Consumer.DeliverTimeout <= 0 || c.Consumer.PersistTimeout <= 0 {
		return errors.New("CONSUMER_DELIVER_TIMEOUT and CONSUMER_PERSIST_TIMEOUT must be positive")
	}
	attempt := c.Consumer.DeliverTimeout + c.Consumer.PersistTimeout
	if c.Lock.TTL <= attempt {
		return fmt.Errorf("LOCK_TTL (%s) must exceed CONSUMER_DELIVER_TIMEOUT plus CONSUMER_PERSIST_TIMEOUT (%s)", c.Lock.TTL, attempt)
	}
	if c.Consumer.ReclaimIdle <= attempt {
		return fmt.Errorf("CONSUMER_RECLAIM_IDLE (%s) must exceed CONSUMER_DELIVER_TIMEOUT plus CONSUMER_PERSIST_TIMEOUT (%s)", c.Consumer.ReclaimIdle, attempt)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvBool(key string, defaultValue bool) bool {
	value, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
