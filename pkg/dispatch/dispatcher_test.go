package dispatch_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/polisai/geoexport/internal/governance"
	"github.com/polisai/geoexport/pkg/dispatch"
	"github.com/polisai/geoexport/pkg/dispatch/mocks"
	"github.com/polisai/geoexport/pkg/domain"
	"github.com/polisai/geoexport/pkg/export"
	"github.com/polisai/geoexport/pkg/jobs"
	"github.com/polisai/geoexport/pkg/telemetry"
)

func sampleRequest() domain.ExportRequest {
	return domain.ExportRequest{
		Lat:        -22.15018,
		Lon:        -42.92189,
		Radius:     500,
		Mode:       domain.ModeCircle,
		Projection: domain.ProjectionLocal,
	}
}

func newDispatcher(t *testing.T, queue dispatch.TaskQueue, circuit governance.CircuitBreakerConfig) (*dispatch.Dispatcher, *jobs.Registry) {
	t.Helper()
	registry := jobs.NewRegistry(jobs.Config{})
	d, err := dispatch.NewDispatcher(dispatch.Config{
		PublicBaseURL: "https://export.example.com/",
		Circuit:       circuit,
	}, registry, queue, nil, dispatch.WithMetrics(telemetry.NewMetrics()))
	require.NoError(t, err)
	return d, registry
}

func TestEnqueueHandsEnvelopeToBackend(t *testing.T) {
	ctrl := gomock.NewController(t)
	queue := mocks.NewMockTaskQueue(ctrl)
	queue.EXPECT().Name().Return("fake").AnyTimes()

	d, registry := newDispatcher(t, queue, governance.CircuitBreakerConfig{})

	var pushed domain.DeliveryEnvelope
	queue.EXPECT().Push(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, env domain.DeliveryEnvelope) error {
			pushed = env
			return nil
		}).Times(1)

	job, err := d.Enqueue(context.Background(), sampleRequest())
	require.NoError(t, err)

	assert.Equal(t, domain.JobQueued, job.Status)
	assert.Equal(t, export.Fingerprint(sampleRequest()), job.Fingerprint)
	assert.Equal(t, job.ID, pushed.JobID)
	assert.Equal(t, "https://export.example.com/tasks/export", pushed.WebhookURL)
	assert.Equal(t, job.Request, pushed.Request)

	stored, err := registry.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobQueued, stored.Status)
}

func TestEnqueueBackendRejectionFailsJob(t *testing.T) {
	ctrl := gomock.NewController(t)
	queue := mocks.NewMockTaskQueue(ctrl)
	queue.EXPECT().Name().Return("fake").AnyTimes()
	queue.EXPECT().Push(gomock.Any(), gomock.Any()).Return(errors.New("quota exceeded")).Times(1)

	d, registry := newDispatcher(t, queue, governance.CircuitBreakerConfig{})

	job, err := d.Enqueue(context.Background(), sampleRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDispatch)
	assert.Contains(t, err.Error(), "quota exceeded")

	assert.Equal(t, domain.JobFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Equal(t, domain.KindDispatch, job.Error.Kind)

	stored, err := registry.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, stored.Status)

	_, active := registry.ActiveFor(job.Fingerprint)
	assert.False(t, active, "a failed dispatch must not leave an active job behind")
}

func TestEnqueueCircuitOpensAfterRepeatedRejections(t *testing.T) {
	ctrl := gomock.NewController(t)
	queue := mocks.NewMockTaskQueue(ctrl)
	queue.EXPECT().Name().Return("fake").AnyTimes()
	queue.EXPECT().Push(gomock.Any(), gomock.Any()).Return(errors.New("unavailable")).Times(2)

	d, _ := newDispatcher(t, queue, governance.CircuitBreakerConfig{MaxFailures: 2, Cooldown: time.Hour})

	for i := 0; i < 2; i++ {
		_, err := d.Enqueue(context.Background(), sampleRequest())
		require.Error(t, err)
	}
	assert.Equal(t, governance.StateOpen, d.Circuit().State())

	_, err := d.Enqueue(context.Background(), sampleRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, governance.ErrCircuitOpen)
	assert.ErrorIs(t, err, domain.ErrDispatch)
}

func TestWebhookURL(t *testing.T) {
	tests := []struct {
		base, path, want string
		wantErr          bool
	}{
		{base: "https://api.example.com", want: "https://api.example.com/tasks/export"},
		{base: "https://api.example.com/", want: "https://api.example.com/tasks/export"},
		{base: "https://api.example.com/geo/", path: "hooks/run", want: "https://api.example.com/geo/hooks/run"},
		{base: "api.example.com", wantErr: true},
		{base: "ftp://api.example.com", wantErr: true},
		{base: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := dispatch.WebhookURL(tt.base, tt.path)
		if tt.wantErr {
			assert.ErrorIs(t, err, domain.ErrConfiguration, tt.base)
			continue
		}
		require.NoError(t, err, tt.base)
		assert.Equal(t, tt.want, got)
	}
}

func TestNewDispatcherRequiresCollaborators(t *testing.T) {
	_, err := dispatch.NewDispatcher(dispatch.Config{PublicBaseURL: "https://x.example"}, nil, nil, nil)
	assert.Error(t, err)
}

func TestEnqueueJoinsJobInFlight(t *testing.T) {
	ctrl := gomock.NewController(t)
	queue := mocks.NewMockTaskQueue(ctrl)
	queue.EXPECT().Name().Return("fake").AnyTimes()
	queue.EXPECT().Push(gomock.Any(), gomock.Any()).Return(nil).Times(1)

	d, _ := newDispatcher(t, queue, governance.CircuitBreakerConfig{})

	first, err := d.Enqueue(context.Background(), sampleRequest())
	require.NoError(t, err)

	same := sampleRequest()
	same.Mode = "CIRCLE"
	second, err := d.Enqueue(context.Background(), same)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}
