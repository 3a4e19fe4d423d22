package governance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
)

// ErrExecutionTimeout is returned when an engine run exceeds its budget.
var ErrExecutionTimeout = errors.New("execution timeout exceeded")

// TimeoutConfig defines the wall-clock budget of one engine run.
type TimeoutConfig struct {
	// Execution bounds a single engine invocation.
	Execution time.Duration `yaml:"execution" json:"execution"`
	// Grace is how long a timed-out engine has between SIGTERM and SIGKILL.
	Grace time.Duration `yaml:"grace" json:"grace"`
}

// DefaultTimeoutConfig returns the default execution budget.
func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		Execution: 10 * time.Minute,
		Grace:     5 * time.Second,
	}
}

// TimeoutManager hands out execution deadlines. Configure may be called
// concurrently with WithExecutionTimeout.
type TimeoutManager struct {
	config atomic.Pointer[TimeoutConfig]
}

// NewTimeoutManager creates a timeout manager with the given configuration.
func NewTimeoutManager(config TimeoutConfig) *TimeoutManager {
	defaults := DefaultTimeoutConfig()
	if config.Execution <= 0 {
		config.Execution = defaults.Execution
	}
	if config.Grace <= 0 {
		config.Grace = defaults.Grace
	}
	tm := &TimeoutManager{}
	tm.config.Store(&config)
	return tm
}

// Config returns a copy of the current timeout configuration.
func (tm *TimeoutManager) Config() TimeoutConfig {
	return *tm.config.Load()
}

// Configure updates the timeout configuration atomically.
func (tm *TimeoutManager) Configure(config TimeoutConfig) error {
	if config.Execution <= 0 {
		return fmt.Errorf("execution timeout must be positive")
	}
	if config.Grace <= 0 {
		config.Grace = tm.Config().Grace
	}
	tm.config.Store(&config)
	return nil
}

// WithExecutionTimeout derives a context bounded by the execution budget.
func (tm *TimeoutManager) WithExecutionTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, tm.Config().Execution)
}

// RetryableStatusCodes lists webhook responses after which a push backend
// should redeliver.
var RetryableStatusCodes = map[int]bool{
	http.StatusRequestTimeout:      true, // 408
	http.StatusTooManyRequests:     true, // 429
	http.StatusInternalServerError: true, // 500
	http.StatusBadGateway:          true, // 502
	http.StatusServiceUnavailable:  true, // 503
	http.StatusGatewayTimeout:      true, // 504
}

// DeliveryOutcome classifies a webhook response.
type DeliveryOutcome int

const (
	DeliveryDone DeliveryOutcome = iota
	DeliveryRetry
	DeliveryDrop
)

func (o DeliveryOutcome) String() string {
	switch o {
	case DeliveryDone:
		return "done"
	case DeliveryRetry:
		return "retry"
	default:
		return "drop"
	}
}

// ClassifyDelivery maps a webhook status code to what the backend does next:
// 2xx is done, 408/429/5xx retry, any other status is dropped.
func ClassifyDelivery(statusCode int) DeliveryOutcome {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return DeliveryDone
	case RetryableStatusCodes[statusCode], statusCode >= 500:
		return DeliveryRetry
	default:
		return DeliveryDrop
	}
}

// RetryConfig bounds redelivery by an in-process push backend.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts" json:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval" json:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval" json:"max_interval"`
	MaxElapsed      time.Duration `yaml:"max_elapsed" json:"max_elapsed"`
}

// DefaultRetryConfig returns the default redelivery bounds.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     8,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		MaxElapsed:      15 * time.Minute,
	}
}

// Normalized fills zero fields with defaults.
func (c RetryConfig) Normalized() RetryConfig {
	d := DefaultRetryConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = d.InitialInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = d.MaxInterval
	}
	if c.MaxElapsed <= 0 {
		c.MaxElapsed = d.MaxElapsed
	}
	return c
}
