package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/rendis/wajourney/internal/engine"
)

// Config holds all wajourney server configuration.
// Priority: env vars > .env > settings.json > defaults. Every key reads
// WAJOURNEY_<KEY> from the environment.
type Config struct {
	ListenAddr string `mapstructure:"listen_addr" validate:"required"`
	PublicURL  string `mapstructure:"public_url" validate:"omitempty,url"`

	DBDriver string `mapstructure:"db_driver" validate:"oneof=libsql postgres memory"`
	DBDSN    string `mapstructure:"db_dsn" validate:"required_unless=DBDriver memory"`

	LogLevel  string `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	LogFormat string `mapstructure:"log_format" validate:"oneof=tint json text"`

	WorkerID       string        `mapstructure:"worker_id" validate:"required"`
	PollInterval   time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	ClaimBatchSize int           `mapstructure:"claim_batch_size" validate:"min=1,max=1000"`
	MaxAttempts    int           `mapstructure:"max_attempts" validate:"min=1"`
	BackoffBase    time.Duration `mapstructure:"backoff_base" validate:"gt=0"`
	BackoffMax     time.Duration `mapstructure:"backoff_max" validate:"gtefield=BackoffBase"`
	LockTimeout    time.Duration `mapstructure:"lock_timeout" validate:"gt=0"`

	LaunchBatchSize   int           `mapstructure:"launch_batch_size" validate:"min=1,max=1000"`
	MaxSteps          int           `mapstructure:"max_steps" validate:"min=1"`
	HTTPNodeTimeout   time.Duration `mapstructure:"http_node_timeout" validate:"gt=0"`
	SchedulerInterval time.Duration `mapstructure:"scheduler_interval" validate:"gt=0"`

	TwilioAccountSID     string  `mapstructure:"twilio_account_sid" validate:"required_with=TwilioAuthToken"`
	TwilioAuthToken      string  `mapstructure:"twilio_auth_token" validate:"required_with=TwilioAccountSID"`
	TwilioBaseURL        string  `mapstructure:"twilio_base_url" validate:"required,url"`
	GatewayRatePerSecond float64 `mapstructure:"gateway_rate_per_second" validate:"min=0"`

	AMQPURL      string `mapstructure:"amqp_url" validate:"omitempty,url"`
	AMQPExchange string `mapstructure:"amqp_exchange" validate:"required_with=AMQPURL"`
}

const envPrefix = "WAJOURNEY"

// setDefaults registers every key. AutomaticEnv only resolves keys viper
// already knows, so keys without a useful default still get an empty one.
func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":4200")
	v.SetDefault("public_url", "")

	v.SetDefault("db_driver", "libsql")
	v.SetDefault("db_dsn", "file:"+filepath.Join(wajourneyDir(), "wajourney.db"))

	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "tint")

	v.SetDefault("worker_id", defaultWorkerID())
	v.SetDefault("poll_interval", time.Second)
	v.SetDefault("claim_batch_size", 10)
	v.SetDefault("max_attempts", 5)
	v.SetDefault("backoff_base", time.Second)
	v.SetDefault("backoff_max", 30*time.Second)
	v.SetDefault("lock_timeout", 15*time.Minute)

	v.SetDefault("launch_batch_size", 100)
	v.SetDefault("max_steps", 50)
	v.SetDefault("http_node_timeout", 15*time.Second)
	v.SetDefault("scheduler_interval", 30*time.Second)

	v.SetDefault("twilio_account_sid", "")
	v.SetDefault("twilio_auth_token", "")
	v.SetDefault("twilio_base_url", "https://api.twilio.com")
	v.SetDefault("gateway_rate_per_second", 20)

	v.SetDefault("amqp_url", "")
	v.SetDefault("amqp_exchange", "wajourney.jobs")
}

func wajourneyDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".wajourney"
	}
	return filepath.Join(home, ".wajourney")
}

func settingsPath() string {
	return filepath.Join(wajourneyDir(), "settings.json")
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// loadConfig layers defaults, settingsFile, dotenvFile and the process
// environment, then validates the result. Missing files are skipped.
func loadConfig(settingsFile, dotenvFile string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	setDefaults(v)

	if _, err := os.Stat(settingsFile); err == nil {
		v.SetConfigFile(settingsFile)
		v.SetConfigType("json")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", settingsFile, err)
		}
	}

	// godotenv.Load never overrides variables already set in the process,
	// so the real environment stays on top.
	if _, err := os.Stat(dotenvFile); err == nil {
		if err := godotenv.Load(dotenvFile); err != nil {
			return Config{}, fmt.Errorf("load %s: %w", dotenvFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(cfg); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// lockSlack covers the job bookkeeping around the node budget.
const lockSlack = time.Minute

// jobLockTimeout is how long a claimed job may run before it is released as
// stale. It never drops below the worst-case advance: max_steps nodes each
// bounded by http_node_timeout.
func (c Config) jobLockTimeout() time.Duration {
	worst := time.Duration(c.MaxSteps)*c.HTTPNodeTimeout + lockSlack
	return max(c.LockTimeout, worst)
}

// leaseTTL bounds how long one node may run before another advance may
// take the execution over.
func (c Config) leaseTTL() time.Duration {
	return max(engine.DefaultLeaseTTL, 2*c.HTTPNodeTimeout)
}

// twilioEnabled reports whether outbound messages go through Twilio rather
// than the log gateway.
func (c Config) twilioEnabled() bool {
	return c.TwilioAccountSID != "" && c.TwilioAuthToken != ""
}
