package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type DB struct {
	User     string
	Pass     string
	Host     string
	Port     string
	Name     string
	MaxConns int32 // pgxpool max connections
}

// Dispatch holds the delivery scheduler and worker pool settings
type Dispatch struct {
	BaseInterval    time.Duration // first retry delay, doubled per attempt
	MaxInterval     time.Duration // cap on a single retry delay
	MaxAttempts     int           // attempts before a delivery is terminally failed
	JitterPercent   float64       // backoff jitter fraction (0.0-1.0)
	WorkerPoolSize  int           // concurrent outbound HTTP attempts
	AttemptTimeout  time.Duration // per-attempt deadline
	SignatureHeader string        // HTTP header for the webhook signature
	MessageIDHeader string        // HTTP header carrying the message id
	TimestampHeader string        // HTTP header carrying the signing timestamp
}

// DeadLetter selects where terminally failed deliveries are published
type DeadLetter struct {
	Backend      string   // none, nsq or kafka
	NsqdTCPAddr  string   // e.g. nsqd:4150
	NSQTopic     string   // NSQ topic for dead letters
	NsqdHTTPAddr string   // e.g. nsqd:4151, polled by dlq-monitor
	KafkaBrokers []string // e.g. kafka:9092
	KafkaTopic   string   // Kafka topic for dead letters
}

type FakeReceiver struct {
	FailFirstN           int           // Number of requests to fail initially
	EndpointSecret       string        // Secret for webhook signature verification
	SigningLeewaySeconds int           // Allowed timestamp skew in seconds
	Port                 string        // Server listen port
	ReadTimeout          time.Duration // HTTP read timeout
	WriteTimeout         time.Duration // HTTP write timeout
	IdleTimeout          time.Duration // HTTP idle timeout
}

// Tracing configures the OTLP trace exporter
type Tracing struct {
	Enabled        bool
	Endpoint       string  // OTLP/HTTP collector, scheme optional
	ServiceVersion string
	InstanceID     string
	SampleRatio    float64 // root span sampling probability
}

// DLQMonitor configures the dead-letter backlog exporter
type DLQMonitor struct {
	Port         string        // metrics listen address
	PollInterval time.Duration // how often nsqd stats are read
}

type Config struct {
	AppName       string
	LogLevel      string // debug, info, warn or error
	HTTPPort      string // :8080
	GRPCPort      string // :50051
	StoreDriver   string // memory or postgres
	RunMigrations bool
	DB            DB
	Dispatch      Dispatch
	DeadLetter    DeadLetter
	FakeReceiver  FakeReceiver
	DLQMonitor    DLQMonitor
	Tracing       Tracing
}

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"

	DeadLetterNone  = "none"
	DeadLetterNSQ   = "nsq"
	DeadLetterKafka = "kafka"
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getenvList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

func FromEnv() Config {
	return Config{
		AppName:       getenv("APP_NAME", "hookline"),
		LogLevel:      getenv("LOG_LEVEL", "info"),
		HTTPPort:      getenv("HTTP_PORT", ":8080"),
		GRPCPort:      getenv("GRPC_PORT", ":50051"),
		StoreDriver:   strings.ToLower(getenv("STORE_DRIVER", StoreMemory)),
		RunMigrations: getenvBool("RUN_MIGRATIONS", true),
		DB: DB{
			User:     getenv("DB_USER", "postgres"),
			Pass:     getenv("DB_PASS", "postgres"),
			Host:     getenv("DB_HOST", "postgres"),
			Port:     getenv("DB_PORT", "5432"),
			Name:     getenv("DB_NAME", "hookline"),
			MaxConns: int32(getenvInt("DB_MAX_CONNS", 10)),
		},
		Dispatch: Dispatch{
			BaseInterval:    getenvDuration("RETRY_BASE_INTERVAL", time.Second),
			MaxInterval:     getenvDuration("RETRY_MAX_INTERVAL", 10*time.Minute),
			MaxAttempts:     getenvInt("MAX_ATTEMPTS", 10),
			JitterPercent:   getenvFloat("BACKOFF_JITTER_PCT", 0.2),
			WorkerPoolSize:  getenvInt("WORKER_POOL_SIZE", 16),
			AttemptTimeout:  getenvDuration("ATTEMPT_TIMEOUT", 10*time.Second),
			SignatureHeader: getenv("SIGNATURE_HEADER", "X-Signature"),
			MessageIDHeader: getenv("MESSAGE_ID_HEADER", "X-Message-Id"),
			TimestampHeader: getenv("TIMESTAMP_HEADER", "X-Timestamp"),
		},
		DeadLetter: DeadLetter{
			Backend:      strings.ToLower(getenv("DLQ_BACKEND", DeadLetterNone)),
			NsqdTCPAddr:  getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			NSQTopic:     getenv("NSQ_DLQ_TOPIC", "deliveries_dlq"),
			NsqdHTTPAddr: getenv("NSQD_HTTP_ADDR", "nsqd:4151"),
			KafkaBrokers: getenvList("KAFKA_BROKERS", []string{"kafka:9092"}),
			KafkaTopic:   getenv("KAFKA_DLQ_TOPIC", "deliveries_dlq"),
		},
		FakeReceiver: FakeReceiver{
			FailFirstN:           getenvInt("FAIL_FIRST_N", 0),
			EndpointSecret:       getenv("ENDPOINT_SECRET", ""),
			SigningLeewaySeconds: getenvInt("SIGNING_LEEWAY_SECONDS", 300),
			Port:                 getenv("FAKE_RECEIVER_PORT", ":8081"),
			ReadTimeout:          getenvDuration("FAKE_RECEIVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:         getenvDuration("FAKE_RECEIVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:          getenvDuration("FAKE_RECEIVER_IDLE_TIMEOUT", 60*time.Second),
		},
		Tracing: Tracing{
			Enabled:        getenvBool("TRACING_ENABLED", true),
			Endpoint:       getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "tempo:4318"),
			ServiceVersion: getenv("SERVICE_VERSION", "dev"),
			InstanceID:     getenv("HOSTNAME", getenv("POD_NAME", "unknown")),
			SampleRatio:    getenvFloat("TRACE_SAMPLE_RATIO", 1),
		},
		DLQMonitor: DLQMonitor{
			Port:         getenv("DLQ_MONITOR_PORT", ":8084"),
			PollInterval: getenvDuration("DLQ_MONITOR_INTERVAL", 15*time.Second),
		},
	}
}

// Validate reports the first setting that would make the dispatcher unusable
func (c Config) Validate() error {
	d := c.Dispatch
	switch {
	case d.WorkerPoolSize <= 0:
		return errors.New("WORKER_POOL_SIZE must be positive")
	case d.MaxAttempts <= 0:
		return errors.New("MAX_ATTEMPTS must be positive")
	case d.BaseInterval <= 0:
		return errors.New("RETRY_BASE_INTERVAL must be positive")
	case d.MaxInterval < d.BaseInterval:
		return errors.New("RETRY_MAX_INTERVAL must not be below RETRY_BASE_INTERVAL")
	case d.AttemptTimeout <= 0:
		return errors.New("ATTEMPT_TIMEOUT must be positive")
	case d.JitterPercent < 0 || d.JitterPercent >= 1:
		return errors.New("BACKOFF_JITTER_PCT must be in [0,1)")
	case c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1:
		return errors.New("TRACE_SAMPLE_RATIO must be in [0,1]")
	}
	switch c.StoreDriver {
	case StoreMemory, StorePostgres:
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	switch c.DeadLetter.Backend {
	case DeadLetterNone, DeadLetterNSQ, DeadLetterKafka:
	default:
		return fmt.Errorf("unknown DLQ_BACKEND %q", c.DeadLetter.Backend)
	}
	return nil
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
