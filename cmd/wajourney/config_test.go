package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func missing(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "settings.json"), filepath.Join(dir, ".env")
}

func TestLoadConfig_Defaults(t *testing.T) {
	settings, dotenv := missing(t)

	cfg, err := loadConfig(settings, dotenv)
	require.NoError(t, err)
	assert.Equal(t, ":4200", cfg.ListenAddr)
	assert.Equal(t, "libsql", cfg.DBDriver)
	assert.Equal(t, 50, cfg.MaxSteps)
	assert.Equal(t, 30*time.Second, cfg.BackoffMax)
	assert.Equal(t, 15*time.Minute, cfg.LockTimeout)
	assert.Equal(t, 15*time.Minute, cfg.jobLockTimeout())
	assert.Equal(t, "wajourney.jobs", cfg.AMQPExchange)
	assert.NotEmpty(t, cfg.WorkerID)
	assert.False(t, cfg.twilioEnabled())
}

func TestLoadConfig_SettingsFile(t *testing.T) {
	settings, dotenv := missing(t)
	require.NoError(t, os.WriteFile(settings, []byte(`{
		"listen_addr": ":9000",
		"db_driver": "memory",
		"db_dsn": "",
		"poll_interval": "250ms",
		"launch_batch_size": 20
	}`), 0o644))

	cfg, err := loadConfig(settings, dotenv)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, "memory", cfg.DBDriver)
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 20, cfg.LaunchBatchSize)
}

func TestLoadConfig_EnvOverridesFiles(t *testing.T) {
	settings, dotenv := missing(t)
	require.NoError(t, os.WriteFile(settings, []byte(`{"log_level": "warn", "max_steps": 10}`), 0o644))
	require.NoError(t, os.WriteFile(dotenv, []byte("WAJOURNEY_LOG_LEVEL=error\nWAJOURNEY_CLAIM_BATCH_SIZE=25\n"), 0o644))
	t.Cleanup(func() {
		os.Unsetenv("WAJOURNEY_LOG_LEVEL")
		os.Unsetenv("WAJOURNEY_CLAIM_BATCH_SIZE")
	})
	t.Setenv("WAJOURNEY_LOG_LEVEL", "debug")
	t.Setenv("WAJOURNEY_BACKOFF_BASE", "2s")

	cfg, err := loadConfig(settings, dotenv)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel, "process env wins over .env")
	assert.Equal(t, 25, cfg.ClaimBatchSize, ".env wins over settings.json")
	assert.Equal(t, 10, cfg.MaxSteps)
	assert.Equal(t, 2*time.Second, cfg.BackoffBase)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"unknown log format", map[string]string{"WAJOURNEY_LOG_FORMAT": "fancy"}},
		{"unknown driver", map[string]string{"WAJOURNEY_DB_DRIVER": "mysql"}},
		{"backoff max below base", map[string]string{"WAJOURNEY_BACKOFF_BASE": "1m", "WAJOURNEY_BACKOFF_MAX": "30s"}},
		{"half twilio credentials", map[string]string{"WAJOURNEY_TWILIO_ACCOUNT_SID": "AC123"}},
		{"bad duration", map[string]string{"WAJOURNEY_POLL_INTERVAL": "soon"}},
		{"bad int", map[string]string{"WAJOURNEY_MAX_STEPS": "many"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			settings, dotenv := missing(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := loadConfig(settings, dotenv)
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig_BadSettingsFile(t *testing.T) {
	settings, dotenv := missing(t)
	require.NoError(t, os.WriteFile(settings, []byte(`{"poll_interval": "often"}`), 0o644))

	_, err := loadConfig(settings, dotenv)
	assert.Error(t, err)
}

func TestTwilioEnabled(t *testing.T) {
	cfg := Config{}
	cfg.TwilioAccountSID = "AC123"
	assert.False(t, cfg.twilioEnabled())
	cfg.TwilioAuthToken = "secret"
	assert.True(t, cfg.twilioEnabled())
}

func TestLoadConfig_SettingsNumericDuration(t *testing.T) {
	settings, dotenv := missing(t)
	require.NoError(t, os.WriteFile(settings, []byte(`{"http_node_timeout": 2000000000, "twilio_account_sid": "AC1", "twilio_auth_token": "tok"}`), 0o644))

	cfg, err := loadConfig(settings, dotenv)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.HTTPNodeTimeout)
	assert.True(t, cfg.twilioEnabled())
}

func TestJobLockTimeout(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want time.Duration
	}{
		{"worst advance exceeds configured", Config{LockTimeout: 5 * time.Minute, MaxSteps: 50, HTTPNodeTimeout: 15 * time.Second}, 13*time.Minute + 30*time.Second},
		{"configured exceeds worst advance", Config{LockTimeout: time.Hour, MaxSteps: 10, HTTPNodeTimeout: time.Second}, time.Hour},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.cfg.jobLockTimeout())
		})
	}
}

func TestLeaseTTL(t *testing.T) {
	assert.Equal(t, 2*time.Minute, Config{HTTPNodeTimeout: 15 * time.Second}.leaseTTL())
	assert.Equal(t, 4*time.Minute, Config{HTTPNodeTimeout: 2 * time.Minute}.leaseTTL())
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, "file:"+filepath.Join(home, "db/w.db"), expandHome("file:~/db/w.db"))
	assert.Equal(t, filepath.Join(home, "w.db"), expandHome("~/w.db"))
	assert.Equal(t, "postgres://u@h/db", expandHome("postgres://u@h/db"))
}
