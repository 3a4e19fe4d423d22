// Package config provides configuration structures and loading logic for the
// export service.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/polisai/geoexport/internal/governance"
	"github.com/polisai/geoexport/pkg/dispatch"
	"github.com/polisai/geoexport/pkg/domain"
	"github.com/polisai/geoexport/pkg/executor"
	"github.com/polisai/geoexport/pkg/export"
	"github.com/polisai/geoexport/pkg/jobs"
	"github.com/polisai/geoexport/pkg/logging"
	"github.com/polisai/geoexport/pkg/telemetry"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "GEOEXPORT_"

// Backend names accepted by dispatch.backend.
const (
	BackendHTTP     = "http"
	BackendTemporal = "temporal"
)

// Config holds the global configuration of the service.
type Config struct {
	Mode      domain.Deployment `yaml:"mode" json:"mode"`
	Server    ServerConfig      `yaml:"server" json:"server"`
	Auth      AuthConfig        `yaml:"auth" json:"auth"`
	Limits    LimitsConfig      `yaml:"limits" json:"limits"`
	Executor  ExecutorConfig    `yaml:"executor" json:"executor"`
	Cache     CacheConfig       `yaml:"cache" json:"cache"`
	Jobs      JobsConfig        `yaml:"jobs" json:"jobs"`
	Dispatch  DispatchConfig    `yaml:"dispatch" json:"dispatch"`
	Telemetry telemetry.Config  `yaml:"telemetry" json:"telemetry"`
	Logging   LoggingConfig     `yaml:"logging" json:"logging"`
}

// ServerConfig holds configuration for the HTTP server.
type ServerConfig struct {
	Address string `yaml:"address" json:"address"`
	// PublicBaseURL is where the push backend reaches this service. It is
	// also the audience webhook tokens must carry.
	PublicBaseURL   string        `yaml:"public_base_url" json:"public_base_url"`
	SyncWait        time.Duration `yaml:"sync_wait" json:"sync_wait"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	TLS             *TLSConfig    `yaml:"tls,omitempty" json:"tls,omitempty"`
	// TrustedProxies are the peers (addresses or CIDR prefixes) whose
	// X-Forwarded-For header decides the submission rate limit key.
	TrustedProxies []string `yaml:"trusted_proxies" json:"trusted_proxies"`
}

// AuthConfig configures webhook admission and, for in-process backends,
// token minting.
type AuthConfig struct {
	Issuer   string `yaml:"issuer" json:"issuer"`
	Identity string `yaml:"identity" json:"identity"`
	JWKSURL  string `yaml:"jwks_url" json:"jwks_url"`
	JWKSFile string `yaml:"jwks_file" json:"jwks_file"`
	// SigningKeyFile holds the private key used to mint delivery tokens. When
	// empty with the http backend, an ephemeral key is generated.
	SigningKeyFile     string        `yaml:"signing_key_file" json:"signing_key_file"`
	JWKSRefresh        time.Duration `yaml:"jwks_refresh" json:"jwks_refresh"`
	ClockSkew          time.Duration `yaml:"clock_skew" json:"clock_skew"`
	TokenTTL           time.Duration `yaml:"token_ttl" json:"token_ttl"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify" json:"insecure_skip_verify"`
}

// LimitsConfig groups the admission limits.
type LimitsConfig struct {
	Submit    governance.RateLimiterConfig `yaml:"submit" json:"submit"`
	Webhook   governance.RateLimiterConfig `yaml:"webhook" json:"webhook"`
	MaxRadius float64                      `yaml:"max_radius" json:"max_radius"`
}

// ExecutorConfig configures the execution bridge.
type ExecutorConfig struct {
	executor.Config `yaml:",inline"`
	Timeout         governance.TimeoutConfig `yaml:"timeout" json:"timeout"`
}

// CacheConfig bounds the fingerprint cache.
type CacheConfig struct {
	TTL           time.Duration `yaml:"ttl" json:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
}

// JobsConfig bounds the job registry.
type JobsConfig struct {
	Retention     time.Duration `yaml:"retention" json:"retention"`
	MaxEntries    int           `yaml:"max_entries" json:"max_entries"`
	PruneInterval time.Duration `yaml:"prune_interval" json:"prune_interval"`

	// QueuedTimeout fails jobs no delivery has started. Zero derives it from
	// the backend retry window and the execution timeout.
	QueuedTimeout time.Duration `yaml:"queued_timeout" json:"queued_timeout"`
	// ProcessingTimeout fails started jobs that never recorded an outcome.
	// Zero derives it from the execution timeout.
	ProcessingTimeout time.Duration `yaml:"processing_timeout" json:"processing_timeout"`
}

// DispatchConfig selects and configures the push backend.
type DispatchConfig struct {
	Backend  string                          `yaml:"backend" json:"backend"`
	Circuit  governance.CircuitBreakerConfig `yaml:"circuit_breaker" json:"circuit_breaker"`
	HTTP     dispatch.HTTPQueueConfig        `yaml:"http" json:"http"`
	Temporal dispatch.TemporalConfig         `yaml:"temporal" json:"temporal"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Override adjusts a loaded configuration before validation. Command-line
// flags are applied this way so they win over the file and the environment.
type Override func(*Config)

// Default returns the configuration used for every key the file leaves out.
func Default() *Config {
	return &Config{
		Mode: domain.DeploymentDevelopment,
		Server: ServerConfig{
			Address:         ":8080",
			PublicBaseURL:   "http://localhost:8080",
			ShutdownTimeout: 30 * time.Second,
		},
		Auth: AuthConfig{
			Issuer:      "geoexport",
			Identity:    "dispatcher@geoexport.local",
			JWKSRefresh: 15 * time.Minute,
			ClockSkew:   time.Minute,
			TokenTTL:    10 * time.Minute,
		},
		Limits: LimitsConfig{
			Submit:    governance.RateLimiterConfig{RequestsPerSecond: 5, BurstSize: 10},
			Webhook:   governance.RateLimiterConfig{RequestsPerSecond: 2, BurstSize: 4},
			MaxRadius: domain.DefaultMaxRadius,
		},
		Executor: ExecutorConfig{
			Config: executor.Config{
				Layout: executor.Layout{
					ProductionRoot:  "/app/engine",
					DevelopmentRoot: "/opt/geoexport/engine",
					Entry:           "main.py",
					Interpreter:     []string{"python3"},
				},
				OutputDir:        "/var/lib/geoexport/output",
				MaxConcurrent:    executor.DefaultMaxConcurrent,
				DiagnosticsLimit: executor.DefaultDiagnosticsLimit,
			},
			Timeout: governance.DefaultTimeoutConfig(),
		},
		Cache: CacheConfig{
			TTL:           24 * time.Hour,
			SweepInterval: 5 * time.Minute,
		},
		Jobs: JobsConfig{
			PruneInterval: 10 * time.Minute,
		},
		Dispatch: DispatchConfig{
			Backend: BackendHTTP,
			Circuit: governance.DefaultCircuitBreakerConfig(),
			HTTP:    dispatch.DefaultHTTPQueueConfig(),
		},
		Telemetry: telemetry.Config{
			ServiceName: "geoexport",
			SampleRatio: 1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration from a file, applies environment variable
// overrides and then the supplied overrides, and validates the result. An
// empty path yields the defaults.
func Load(path string, overrides ...Override) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := decode(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}
	for _, o := range overrides {
		o(cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	yamlErr := yaml.Unmarshal(data, cfg)
	if yamlErr == nil {
		return nil
	}
	if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
		return yamlErr
	}
	return nil
}

type envParser struct {
	errs []error
}

func (p *envParser) str(name string, dst *string) {
	if val := os.Getenv(EnvPrefix + name); val != "" {
		*dst = val
	}
}

func (p *envParser) boolean(name string, dst *bool) {
	val := os.Getenv(EnvPrefix + name)
	if val == "" {
		return
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
		return
	}
	*dst = b
}

func (p *envParser) integer(name string, dst *int) {
	val := os.Getenv(EnvPrefix + name)
	if val == "" {
		return
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
		return
	}
	*dst = n
}

func (p *envParser) float(name string, dst *float64) {
	val := os.Getenv(EnvPrefix + name)
	if val == "" {
		return
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
		return
	}
	*dst = f
}

func (p *envParser) duration(name string, dst *time.Duration) {
	val := os.Getenv(EnvPrefix + name)
	if val == "" {
		return
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
		return
	}
	*dst = d
}

func applyEnvOverrides(cfg *Config) error {
	p := &envParser{}

	var mode string
	p.str("MODE", &mode)
	if mode != "" {
		cfg.Mode = domain.Deployment(strings.ToLower(mode))
	}

	p.str("ADDR", &cfg.Server.Address)
	p.str("PUBLIC_BASE_URL", &cfg.Server.PublicBaseURL)
	p.duration("SYNC_WAIT", &cfg.Server.SyncWait)
	var proxies string
	p.str("TRUSTED_PROXIES", &proxies)
	if proxies != "" {
		cfg.Server.TrustedProxies = nil
		for _, entry := range strings.Split(proxies, ",") {
			cfg.Server.TrustedProxies = append(cfg.Server.TrustedProxies, strings.TrimSpace(entry))
		}
	}

	p.str("AUTH_ISSUER", &cfg.Auth.Issuer)
	p.str("AUTH_IDENTITY", &cfg.Auth.Identity)
	p.str("AUTH_JWKS_URL", &cfg.Auth.JWKSURL)
	p.str("AUTH_JWKS_FILE", &cfg.Auth.JWKSFile)
	p.str("AUTH_SIGNING_KEY_FILE", &cfg.Auth.SigningKeyFile)
	p.boolean("AUTH_INSECURE_SKIP_VERIFY", &cfg.Auth.InsecureSkipVerify)

	p.float("SUBMIT_RPS", &cfg.Limits.Submit.RequestsPerSecond)
	p.float("WEBHOOK_RPS", &cfg.Limits.Webhook.RequestsPerSecond)
	p.float("MAX_RADIUS", &cfg.Limits.MaxRadius)

	p.str("ENGINE_PRODUCTION_ROOT", &cfg.Executor.Layout.ProductionRoot)
	p.str("ENGINE_DEVELOPMENT_ROOT", &cfg.Executor.Layout.DevelopmentRoot)
	p.str("ENGINE_ENTRY", &cfg.Executor.Layout.Entry)
	p.str("OUTPUT_DIR", &cfg.Executor.OutputDir)
	p.integer("MAX_CONCURRENT", &cfg.Executor.MaxConcurrent)
	p.duration("EXECUTION_TIMEOUT", &cfg.Executor.Timeout.Execution)

	p.duration("CACHE_TTL", &cfg.Cache.TTL)

	p.str("BACKEND", &cfg.Dispatch.Backend)
	p.str("TEMPORAL_HOST_PORT", &cfg.Dispatch.Temporal.HostPort)
	p.str("TEMPORAL_NAMESPACE", &cfg.Dispatch.Temporal.Namespace)

	p.str("OTLP_ENDPOINT", &cfg.Telemetry.Endpoint)
	p.boolean("OTLP_INSECURE", &cfg.Telemetry.Insecure)

	p.str("LOG_LEVEL", &cfg.Logging.Level)
	p.str("LOG_FORMAT", &cfg.Logging.Format)

	return errors.Join(p.errs...)
}

// Validate performs validation of the entire configuration and fills the
// few defaults that depend on other keys.
func (c *Config) Validate() error {
	if !c.Mode.Valid() {
		return fmt.Errorf("invalid mode %q, supported modes: production, development", c.Mode)
	}
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server configuration: %w", err)
	}
	if err := c.Auth.Validate(c.Mode); err != nil {
		return fmt.Errorf("auth configuration: %w", err)
	}
	if err := c.Limits.Validate(); err != nil {
		return fmt.Errorf("limits configuration: %w", err)
	}
	if err := c.Executor.Validate(c.Mode); err != nil {
		return fmt.Errorf("executor configuration: %w", err)
	}
	if err := c.Cache.Validate(); err != nil {
		return fmt.Errorf("cache configuration: %w", err)
	}
	if err := c.Jobs.Validate(); err != nil {
		return fmt.Errorf("jobs configuration: %w", err)
	}
	if err := c.Dispatch.Validate(); err != nil {
		return fmt.Errorf("dispatch configuration: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}
	return nil
}

// Validate performs validation of server configuration.
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.Address) == "" {
		c.Address = ":8080"
	}
	u, err := url.Parse(c.PublicBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("public_base_url %q must be an absolute http(s) URL", c.PublicBaseURL)
	}
	if c.SyncWait < 0 {
		return errors.New("sync_wait must not be negative")
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if err := c.TLS.Validate(); err != nil {
		return fmt.Errorf("TLS configuration: %w", err)
	}
	if _, err := governance.ParseTrustedProxies(c.TrustedProxies); err != nil {
		return err
	}
	return nil
}

// Proxies returns the parsed trusted proxy list.
func (c *ServerConfig) Proxies() governance.TrustedProxies {
	proxies, _ := governance.ParseTrustedProxies(c.TrustedProxies)
	return proxies
}

// Validate performs validation of auth configuration. Verification can only
// be bypassed outside production.
func (c *AuthConfig) Validate(mode domain.Deployment) error {
	if c.InsecureSkipVerify {
		if mode == domain.DeploymentProduction {
			return errors.New("insecure_skip_verify is not allowed in production mode")
		}
		return nil
	}
	if c.Issuer == "" {
		return errors.New("issuer is required")
	}
	if c.Identity == "" {
		return errors.New("identity is required")
	}
	if c.JWKSURL != "" && c.JWKSFile != "" {
		return errors.New("jwks_url and jwks_file are mutually exclusive")
	}
	if c.ClockSkew < 0 {
		return errors.New("clock_skew must not be negative")
	}
	return nil
}

// Validate performs validation of the admission limits.
func (c *LimitsConfig) Validate() error {
	if c.Submit.RequestsPerSecond <= 0 || c.Webhook.RequestsPerSecond <= 0 {
		return errors.New("requests_per_second must be positive")
	}
	if c.MaxRadius <= 0 {
		return errors.New("max_radius must be positive")
	}
	return nil
}

// Validate checks the engine layout without touching the filesystem.
func (c *ExecutorConfig) Validate(mode domain.Deployment) error {
	if _, err := executor.ResolveEntryPoint(mode, c.Layout); err != nil {
		return err
	}
	if strings.TrimSpace(c.OutputDir) == "" {
		return errors.New("output_dir is required")
	}
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", c.MaxConcurrent)
	}
	if c.DiagnosticsLimit <= 0 {
		c.DiagnosticsLimit = executor.DefaultDiagnosticsLimit
	}
	if c.Timeout.Execution <= 0 {
		return errors.New("timeout.execution must be positive")
	}
	if c.Timeout.Grace < 0 {
		return errors.New("timeout.grace must not be negative")
	}
	return nil
}

// Validate performs validation of cache configuration.
func (c *CacheConfig) Validate() error {
	if c.TTL < 0 {
		return errors.New("ttl must not be negative")
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Minute
	}
	return nil
}

// Validate performs validation of registry bounds.
func (c *JobsConfig) Validate() error {
	if c.Retention < 0 || c.MaxEntries < 0 {
		return errors.New("retention and max_entries must not be negative")
	}
	if c.QueuedTimeout < 0 || c.ProcessingTimeout < 0 {
		return errors.New("queued_timeout and processing_timeout must not be negative")
	}
	if c.PruneInterval <= 0 {
		c.PruneInterval = 10 * time.Minute
	}
	return nil
}

// Validate performs validation of the backend selection.
func (c *DispatchConfig) Validate() error {
	c.Backend = strings.ToLower(strings.TrimSpace(c.Backend))
	switch c.Backend {
	case "", BackendHTTP:
		c.Backend = BackendHTTP
	case BackendTemporal:
		if c.Temporal.HostPort == "" {
			return errors.New("temporal.host_port is required for the temporal backend")
		}
	default:
		return fmt.Errorf("invalid backend %q, supported backends: http, temporal", c.Backend)
	}
	return nil
}

// Validate performs validation of logging configuration.
func (c *LoggingConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}
	if _, err := logging.ParseLevel(c.Level); err != nil {
		return err
	}
	c.Level = strings.ToLower(strings.TrimSpace(c.Level))
	return nil
}

// Reloadable is the subset of the configuration applied without a restart.
type Reloadable struct {
	SubmitLimit  governance.RateLimiterConfig
	WebhookLimit governance.RateLimiterConfig
	MaxRadius    float64
	CacheTTL     time.Duration
	SyncWait     time.Duration
	Timeout      governance.TimeoutConfig
	Deadlines    jobs.Deadlines
	LogLevel     string
}

// Reloadable extracts the hot-reloadable settings.
func (c *Config) Reloadable() Reloadable {
	return Reloadable{
		SubmitLimit:  c.Limits.Submit,
		WebhookLimit: c.Limits.Webhook,
		MaxRadius:    c.Limits.MaxRadius,
		CacheTTL:     c.Cache.TTL,
		SyncWait:     c.Server.SyncWait,
		Timeout:      c.Executor.Timeout,
		Deadlines:    c.JobDeadlines(),
		LogLevel:     c.Logging.Level,
	}
}

// processingSlack covers the gap between an engine being killed and its job
// being marked failed.
const processingSlack = time.Minute

// JobDeadlines returns how long jobs may stay queued or processing. Unset
// values are derived: a queued job outlives the backend's whole retry window
// plus one execution it may be waiting behind, a processing job outlives its
// execution budget.
func (c *Config) JobDeadlines() jobs.Deadlines {
	budget := c.Executor.Timeout.Execution + c.Executor.Timeout.Grace
	d := jobs.Deadlines{Queued: c.Jobs.QueuedTimeout, Processing: c.Jobs.ProcessingTimeout}
	if d.Queued <= 0 {
		retry := c.Dispatch.HTTP.Retry
		if c.Dispatch.Backend == BackendTemporal {
			retry = c.Dispatch.Temporal.Retry
		}
		d.Queued = retry.Normalized().MaxElapsed + budget + processingSlack
	}
	if d.Processing <= 0 {
		d.Processing = budget + processingSlack
	}
	return d
}

// RequestLimits returns the request limits derived from the configuration.
func (c *Config) RequestLimits() export.Limits {
	return export.Limits{MaxRadius: c.Limits.MaxRadius}
}
