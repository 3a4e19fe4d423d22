package config

import (
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/geoexport/internal/governance"
	"github.com/polisai/geoexport/pkg/domain"
	"github.com/polisai/geoexport/pkg/jobs"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "geoexport.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const sampleYAML = `
mode: production
server:
  address: ":9000"
  public_base_url: "https://export.example.com"
  sync_wait: 2s
auth:
  issuer: "https://accounts.google.com"
  identity: "tasks@project.iam.gserviceaccount.com"
  jwks_url: "https://www.googleapis.com/oauth2/v3/certs"
limits:
  submit:
    requests_per_second: 3
    burst: 6
  webhook:
    requests_per_second: 1
    burst: 2
  max_radius: 2500
executor:
  layout:
    production_root: /srv/engine
    development_root: /home/dev/engine
    entry: cli/main.py
    interpreter: [python3, -u]
  output_dir: /srv/output
  max_concurrent: 3
  timeout:
    execution: 7m
    grace: 3s
cache:
  ttl: 12h
jobs:
  retention: 6h
  max_entries: 500
dispatch:
  backend: temporal
  temporal:
    host_port: temporal:7233
    namespace: exports
logging:
  level: WARN
  format: text
`

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, domain.DeploymentDevelopment, cfg.Mode)
	assert.Equal(t, BackendHTTP, cfg.Dispatch.Backend)
	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, domain.DefaultMaxRadius, cfg.Limits.MaxRadius)
	assert.Equal(t, 2, cfg.Executor.MaxConcurrent)
	assert.Equal(t, 10*time.Minute, cfg.Executor.Timeout.Execution)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, t.TempDir(), sampleYAML)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, domain.DeploymentProduction, cfg.Mode)
	assert.Equal(t, ":9000", cfg.Server.Address)
	assert.Equal(t, 2*time.Second, cfg.Server.SyncWait)
	assert.Equal(t, "tasks@project.iam.gserviceaccount.com", cfg.Auth.Identity)
	assert.Equal(t, 3.0, cfg.Limits.Submit.RequestsPerSecond)
	assert.Equal(t, 2, cfg.Limits.Webhook.BurstSize)
	assert.Equal(t, 2500.0, cfg.Limits.MaxRadius)
	assert.Equal(t, "/srv/engine", cfg.Executor.Layout.ProductionRoot)
	assert.Equal(t, []string{"python3", "-u"}, cfg.Executor.Layout.Interpreter)
	assert.Equal(t, "/srv/output", cfg.Executor.OutputDir)
	assert.Equal(t, 3, cfg.Executor.MaxConcurrent)
	assert.Equal(t, 7*time.Minute, cfg.Executor.Timeout.Execution)
	assert.Equal(t, 12*time.Hour, cfg.Cache.TTL)
	assert.Equal(t, 500, cfg.Jobs.MaxEntries)
	assert.Equal(t, BackendTemporal, cfg.Dispatch.Backend)
	assert.Equal(t, "exports", cfg.Dispatch.Temporal.Namespace)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, 2500.0, cfg.RequestLimits().MaxRadius)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, t.TempDir(), sampleYAML)
	t.Setenv("GEOEXPORT_MODE", "DEVELOPMENT")
	t.Setenv("GEOEXPORT_CACHE_TTL", "30m")
	t.Setenv("GEOEXPORT_MAX_CONCURRENT", "8")
	t.Setenv("GEOEXPORT_AUTH_INSECURE_SKIP_VERIFY", "true")
	t.Setenv("GEOEXPORT_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, domain.DeploymentDevelopment, cfg.Mode)
	assert.Equal(t, 30*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, 8, cfg.Executor.MaxConcurrent)
	assert.True(t, cfg.Auth.InsecureSkipVerify)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestEnvOverrideParseErrors(t *testing.T) {
	t.Setenv("GEOEXPORT_CACHE_TTL", "forever")
	t.Setenv("GEOEXPORT_MAX_CONCURRENT", "many")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GEOEXPORT_CACHE_TTL")
	assert.Contains(t, err.Error(), "GEOEXPORT_MAX_CONCURRENT")
}

func TestOverridesWinOverEnvironment(t *testing.T) {
	t.Setenv("GEOEXPORT_ADDR", ":7000")

	cfg, err := Load("", func(c *Config) { c.Server.Address = ":7100" })
	require.NoError(t, err)
	assert.Equal(t, ":7100", cfg.Server.Address)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "insecure bypass in production",
			mutate:  func(c *Config) { c.Mode = domain.DeploymentProduction; c.Auth.InsecureSkipVerify = true },
			wantErr: "insecure_skip_verify",
		},
		{
			name:   "insecure bypass in development",
			mutate: func(c *Config) { c.Auth.InsecureSkipVerify = true; c.Auth.Issuer = "" },
		},
		{
			name:    "unknown mode",
			mutate:  func(c *Config) { c.Mode = "staging" },
			wantErr: "invalid mode",
		},
		{
			name:    "relative public url",
			mutate:  func(c *Config) { c.Server.PublicBaseURL = "/tasks" },
			wantErr: "public_base_url",
		},
		{
			name:    "missing identity",
			mutate:  func(c *Config) { c.Auth.Identity = "" },
			wantErr: "identity is required",
		},
		{
			name:    "two key sources",
			mutate:  func(c *Config) { c.Auth.JWKSURL = "https://keys"; c.Auth.JWKSFile = "/etc/jwks.json" },
			wantErr: "mutually exclusive",
		},
		{
			name:    "relative engine root",
			mutate:  func(c *Config) { c.Executor.Layout.DevelopmentRoot = "engine" },
			wantErr: "executor configuration",
		},
		{
			name:    "zero concurrency",
			mutate:  func(c *Config) { c.Executor.MaxConcurrent = 0 },
			wantErr: "max_concurrent",
		},
		{
			name:    "temporal without host",
			mutate:  func(c *Config) { c.Dispatch.Backend = "Temporal" },
			wantErr: "host_port",
		},
		{
			name:    "unknown backend",
			mutate:  func(c *Config) { c.Dispatch.Backend = "sqs" },
			wantErr: "invalid backend",
		},
		{
			name:    "negative ttl",
			mutate:  func(c *Config) { c.Cache.TTL = -time.Second },
			wantErr: "ttl",
		},
		{
			name:    "bad trusted proxy",
			mutate:  func(c *Config) { c.Server.TrustedProxies = []string{"10.0.0.0/8", "lb.internal"} },
			wantErr: "invalid trusted proxy",
		},
		{
			name:   "trusted proxies",
			mutate: func(c *Config) { c.Server.TrustedProxies = []string{"10.0.0.0/8", "::1"} },
		},
		{
			name:    "negative queued timeout",
			mutate:  func(c *Config) { c.Jobs.QueuedTimeout = -time.Second },
			wantErr: "queued_timeout",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Logging.Level = "trace" },
			wantErr: "invalid log level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestJobDeadlines(t *testing.T) {
	cfg := Default()
	cfg.Executor.Timeout = governance.TimeoutConfig{Execution: 10 * time.Minute, Grace: 5 * time.Second}
	cfg.Dispatch.HTTP.Retry.MaxElapsed = 15 * time.Minute

	d := cfg.JobDeadlines()
	assert.Equal(t, 10*time.Minute+5*time.Second+time.Minute, d.Processing)
	assert.Equal(t, 15*time.Minute+d.Processing, d.Queued)

	cfg.Dispatch.Backend = BackendTemporal
	cfg.Dispatch.Temporal.Retry.MaxElapsed = time.Hour
	assert.Equal(t, time.Hour+d.Processing, cfg.JobDeadlines().Queued)

	cfg.Jobs.QueuedTimeout = 3 * time.Minute
	cfg.Jobs.ProcessingTimeout = 4 * time.Minute
	assert.Equal(t, jobs.Deadlines{Queued: 3 * time.Minute, Processing: 4 * time.Minute}, cfg.JobDeadlines())
	assert.Equal(t, cfg.JobDeadlines(), cfg.Reloadable().Deadlines)
}

func TestTrustedProxiesFromEnvironment(t *testing.T) {
	t.Setenv(EnvPrefix+"TRUSTED_PROXIES", "10.0.0.0/8, 192.168.0.1")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.0/8", "192.168.0.1"}, cfg.Server.TrustedProxies)
	assert.Len(t, cfg.Server.Proxies(), 2)
}

func TestRestartRequired(t *testing.T) {
	a := Default()
	b := Default()
	b.Cache.TTL = time.Minute
	b.Limits.Webhook.RequestsPerSecond = 50
	b.Executor.Timeout.Execution = time.Minute
	b.Logging.Level = "debug"
	b.Jobs.ProcessingTimeout = time.Hour
	assert.Empty(t, RestartRequired(a, b))

	b.Server.Address = ":1"
	b.Dispatch.Backend = BackendTemporal
	assert.Equal(t, []string{"server", "dispatch"}, RestartRequired(a, b))
}

func TestWatcherReloads(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "cache:\n  ttl: 1h\n")
	initial, err := Load(path)
	require.NoError(t, err)

	var (
		latest   atomic.Pointer[Config]
		failures atomic.Int32
	)
	w, err := NewWatcher(path, initial, nil,
		WithDebounce(50*time.Millisecond),
		WithReloadHandler(func(c *Config) { latest.Store(c) }),
		WithErrorHandler(func(error) { failures.Add(1) }),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	assert.Same(t, initial, w.Current())

	require.NoError(t, os.WriteFile(path, []byte("cache:\n  ttl: 2h\n"), 0o600))
	require.Eventually(t, func() bool {
		c := latest.Load()
		return c != nil && c.Cache.TTL == 2*time.Hour
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2*time.Hour, w.Current().Cache.TTL)

	require.NoError(t, os.WriteFile(path, []byte("cache:\n  ttl: -5m\n"), 0o600))
	require.Eventually(t, func() bool { return failures.Load() > 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2*time.Hour, w.Current().Cache.TTL)
}

func TestTLSConfig(t *testing.T) {
	var disabled *TLSConfig
	require.NoError(t, disabled.Validate())
	tc, err := disabled.ServerTLSConfig()
	require.NoError(t, err)
	assert.Nil(t, tc)

	missingKey := &TLSConfig{Enabled: true, CertFile: "/etc/tls/cert.pem"}
	err = missingKey.Validate()
	var cerr *ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "key_file", cerr.Field)

	old := &TLSConfig{Enabled: true, CertFile: "c", KeyFile: "k", MinVersion: "1.0"}
	require.ErrorAs(t, old.Validate(), &cerr)
	assert.Equal(t, "min_version", cerr.Field)

	unreadable := &TLSConfig{Enabled: true, CertFile: "/nonexistent/cert.pem", KeyFile: "/nonexistent/key.pem", MinVersion: "1.3"}
	require.NoError(t, unreadable.Validate())
	_, err = unreadable.ServerTLSConfig()
	assert.Error(t, err)

	cfg := Default()
	cfg.Server.TLS = missingKey
	assert.ErrorContains(t, cfg.Validate(), "TLS configuration")
}
