package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		expected string
	}{
		{
			name:     "basic error",
			err:      NewError(KindValidation, "radius must be positive"),
			expected: "[validation] radius must be positive",
		},
		{
			name:     "error with context",
			err:      NewError(KindDispatch, "queue full").WithContext("job_id", "j1").WithContext("backend", "http"),
			expected: "[dispatch] queue full | context: backend=http, job_id=j1",
		},
		{
			name:     "error with cause",
			err:      NewErrorWithCause(KindExecutionFailure, "engine exited", fmt.Errorf("exit status 2")),
			expected: "[execution_failure] engine exited | cause: exit status 2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestError_IsMatchesKindSentinel(t *testing.T) {
	err := fmt.Errorf("submit: %w", NewError(KindValidation, "bad lat"))

	assert.True(t, errors.Is(err, ErrValidation))
	assert.False(t, errors.Is(err, ErrAuth))
	assert.Equal(t, KindValidation, KindOf(err))
	assert.Equal(t, ErrorKind(""), KindOf(errors.New("plain")))
}

func TestError_UnwrapAndRetryable(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewErrorWithCause(KindDispatch, "push failed", cause)

	assert.ErrorIs(t, err, cause)
	assert.False(t, err.Retryable())
	assert.True(t, NewError(KindRateLimit, "slow down").Retryable())
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to JobStatus
		want     bool
	}{
		{JobQueued, JobProcessing, true},
		{JobQueued, JobFailed, true},
		{JobQueued, JobCompleted, false},
		{JobProcessing, JobCompleted, true},
		{JobProcessing, JobFailed, true},
		{JobProcessing, JobQueued, false},
		{JobCompleted, JobFailed, false},
		{JobFailed, JobProcessing, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestExportRequest_Normalized(t *testing.T) {
	req := ExportRequest{
		Lat:        1,
		Lon:        2,
		Radius:     3,
		Mode:       " Circle ",
		Projection: "UTM",
		Layers:     []Layer{"roads", "Buildings", "roads"},
	}

	n := req.Normalized()

	assert.Equal(t, ModeCircle, n.Mode)
	assert.Equal(t, ProjectionUTM, n.Projection)
	assert.Equal(t, []Layer{LayerBuildings, LayerRoads}, n.Layers)
	assert.Equal(t, []Layer{"roads", "Buildings", "roads"}, req.Layers, "receiver must not be modified")
}

func TestJobErrorFrom(t *testing.T) {
	assert.Nil(t, JobErrorFrom(nil))

	plain := JobErrorFrom(errors.New("boom"))
	assert.Equal(t, KindExecutionFailure, plain.Kind)
	assert.Equal(t, "boom", plain.Message)

	wrapped := fmt.Errorf("run: %w", NewError(KindExecutionTimeout, "engine exceeded 10m").
		WithContext(DiagnosticsKey, "last lines"))
	je := JobErrorFrom(wrapped)
	assert.Equal(t, KindExecutionTimeout, je.Kind)
	assert.Equal(t, "engine exceeded 10m", je.Message)
	assert.Equal(t, "last lines", je.Diagnostics)
}
