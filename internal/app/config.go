package app

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/pflag"

	"logbridge/internal/domain"
	"logbridge/internal/secret"
)

// ── Configuration ──────────────────────────────────────────
// Every flag falls back to an environment variable, so the same binary
// runs from a shell or from a container spec.

// StartLayout is the format of --date.
const StartLayout = "2006-01-02 15:04:05"

// Config is the validated process configuration.
type Config struct {
	Stream          string
	ElasticURL      string
	ElasticUser     string
	ElasticPassword string
	Database        *domain.DatabaseConnection
	// StartAt overrides the checkpoint for the first window; zero when unset.
	StartAt      time.Time
	LogLevel     int
	IdleSchedule string
	RetryDelay   time.Duration
	StreamsFile  string
	MetricsAddr  string
	HTTPTimeout  time.Duration
	// SecretsDir holds files named elastic_password and postgres_url that
	// fill in the corresponding settings when those are unset and no
	// ELASTIC_PASSWORD_FILE or POSTGRES_URL_FILE is given.
	SecretsDir string
}

// ParseFlags parses args with defaults taken from getenv.
// Returns pflag.ErrHelp when help was requested.
func ParseFlags(args []string, getenv func(string) string) (*Config, error) {
	var (
		cfg         Config
		databaseURL string
		date        string
		retryDelay  string
	)

	flagSet := pflag.NewFlagSet("logbridge", pflag.ContinueOnError)
	flagSet.StringVarP(&cfg.Stream, "stream", "s", getenv("ELASTIC_STREAM"), "stream to load")
	flagSet.StringVar(&cfg.ElasticURL, "elastic_url", getenv("ELASTIC_URL"), "log store base URL")
	flagSet.StringVar(&cfg.ElasticUser, "elastic_user", getenv("ELASTIC_USER"), "log store user")
	flagSet.StringVar(&cfg.ElasticPassword, "elastic_password", getenv("ELASTIC_PASSWORD"), "log store password")
	flagSet.StringVar(&databaseURL, "postgres_url", getenv("POSTGRES_URL"), "relational store URL (postgres://, mysql:// or sqlite://)")
	flagSet.StringVar(&date, "date", getenv("START_DATE"), "load from this local time instead of the checkpoint ("+StartLayout+")")
	flagSet.IntVar(&cfg.LogLevel, "loglevel", envInt(getenv, "LOG_LEVEL", 2), "log verbosity: 1 debug, 2 info, 3 warning, 4 error, 5 critical")
	flagSet.StringVar(&cfg.IdleSchedule, "idle_schedule", getenv("IDLE_SCHEDULE"), `cron spec for reopening an exhausted window (default "@every 60s")`)
	flagSet.StringVar(&retryDelay, "retry_delay", getenv("RETRY_DELAY"), "pause before retrying a failed request (default none)")
	flagSet.StringVar(&cfg.StreamsFile, "streams_file", getenv("STREAMS_FILE"), "YAML file with extra stream definitions")
	flagSet.StringVar(&cfg.MetricsAddr, "metrics_addr", getenv("METRICS_ADDR"), "listen address for /metrics and /health (empty disables)")
	flagSet.DurationVar(&cfg.HTTPTimeout, "http_timeout", 60*time.Second, "timeout of a single log store request")
	flagSet.StringVar(&cfg.SecretsDir, "secrets_dir", getenv("SECRETS_DIR"), "directory of mounted secret files")

	if err := flagSet.Parse(args); err != nil {
		return nil, err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return nil, fmt.Errorf("unexpected argument: %s", rest[0])
	}

	// Unset credentials fall back to <KEY>_FILE, then to --secrets_dir.
	stores := []secret.SecretStore{secret.EnvFileStore{Getenv: getenv}, secret.NewFileStore(cfg.SecretsDir)}
	for key, dst := range map[string]*string{"elastic_password": &cfg.ElasticPassword, "postgres_url": &databaseURL} {
		if *dst != "" {
			continue
		}
		v, err := secret.Lookup(key, stores...)
		if err != nil {
			return nil, err
		}
		*dst = v
	}

	if cfg.Stream == "" {
		return nil, fmt.Errorf("--stream is required")
	}
	if cfg.ElasticURL == "" {
		return nil, fmt.Errorf("--elastic_url is required")
	}
	if databaseURL == "" {
		return nil, fmt.Errorf("--postgres_url is required")
	}
	conn, err := domain.ParseDatabaseURL(databaseURL)
	if err != nil {
		return nil, err
	}
	cfg.Database = conn

	if date != "" {
		t, err := time.Parse(StartLayout, date)
		if err != nil {
			return nil, fmt.Errorf("invalid --date %q: %w", date, err)
		}
		cfg.StartAt = t
	}
	if retryDelay != "" {
		d, err := time.ParseDuration(retryDelay)
		if err != nil {
			return nil, fmt.Errorf("invalid --retry_delay %q: %w", retryDelay, err)
		}
		cfg.RetryDelay = d
	}
	if cfg.LogLevel < 1 || cfg.LogLevel > 5 {
		return nil, fmt.Errorf("--loglevel must be between 1 and 5, got %d", cfg.LogLevel)
	}
	if cfg.HTTPTimeout <= 0 {
		return nil, fmt.Errorf("--http_timeout must be positive")
	}
	return &cfg, nil
}

func envInt(getenv func(string) string, key string, def int) int {
	if v := getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
