package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
)

type Config struct {
	AppEnv        string `env:"APP_ENV" envDefault:"production"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`
	APIAddr       string `env:"API_ADDR" envDefault:":5000"`
	PostgresDSN   string `env:"POSTGRES_DSN,notEmpty"`
	RedisAddr     string `env:"REDIS_ADDR,notEmpty"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	MigrationsDir string `env:"MIGRATIONS_DIR" envDefault:"migrations"`

	Queue     Queue
	Worker    Worker
	Limits    Limits
	SMTP      SMTP
	Tracing   Tracing
	BulkDelay time.Duration `env:"BULK_STAGGER_DEFAULT" envDefault:"2s"`
}

type Queue struct {
	Prefix       string        `env:"QUEUE_PREFIX" envDefault:"sendq:"`
	PollInterval time.Duration `env:"QUEUE_POLL_INTERVAL" envDefault:"500ms"`
	MaxAttempts  int           `env:"MAX_RETRY_ATTEMPTS" envDefault:"3"`
	Backoff      time.Duration `env:"RETRY_BACKOFF" envDefault:"60s"`
	MaxBackoff   time.Duration `env:"RETRY_BACKOFF_MAX" envDefault:"1h"`
	// LeaseTTL must exceed the longest expected send.
	LeaseTTL time.Duration `env:"QUEUE_LEASE_TTL" envDefault:"5m"`
}

type Worker struct {
	Concurrency     int           `env:"QUEUE_CONCURRENCY" envDefault:"5"`
	MinSendInterval time.Duration `env:"MIN_SEND_INTERVAL" envDefault:"2s"`
}

// Limits are the hourly ceilings per rate-limit tier.
type Limits struct {
	Global int64 `env:"MAX_EMAILS_PER_HOUR" envDefault:"200"`
	Sender int64 `env:"MAX_EMAILS_PER_HOUR_PER_SENDER" envDefault:"50"`
	Tenant int64 `env:"MAX_EMAILS_PER_HOUR_PER_TENANT" envDefault:"50"`
}

type SMTP struct {
	Host     string        `env:"SMTP_HOST"`
	Port     int           `env:"SMTP_PORT" envDefault:"587"`
	User     string        `env:"SMTP_USER"`
	Password string        `env:"SMTP_PASS"`
	Timeout  time.Duration `env:"SMTP_TIMEOUT" envDefault:"10s"`
}

type Tracing struct {
	Exporter    string  `env:"TRACING_EXPORTER" envDefault:"none"`
	ServiceName string  `env:"OTEL_SERVICE_NAME" envDefault:"sendq-scheduler"`
	SampleRatio float64 `env:"TRACING_SAMPLE_RATIO" envDefault:"1"`
}

// Configured reports whether enough is set to dial a real server.
func (s SMTP) Configured() bool {
	return s.Host != "" && s.User != "" && s.Password != ""
}

func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return c, errors.Wrap(err, "parse environment")
	}
	if c.Queue.MaxAttempts < 1 {
		return c, errors.New("MAX_RETRY_ATTEMPTS must be at least 1")
	}
	if c.Queue.LeaseTTL <= c.SMTP.Timeout {
		return c, errors.New("QUEUE_LEASE_TTL must be longer than SMTP_TIMEOUT")
	}
	if c.Worker.Concurrency < 1 {
		return c, errors.New("QUEUE_CONCURRENCY must be at least 1")
	}
	return c, nil
}
