package dispatch_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/geoexport/internal/governance"
	"github.com/polisai/geoexport/pkg/dispatch"
	"github.com/polisai/geoexport/pkg/domain"
	"github.com/polisai/geoexport/pkg/webhook"
)

func fastQueueConfig() dispatch.HTTPQueueConfig {
	return dispatch.HTTPQueueConfig{
		Workers:        2,
		QueueSize:      8,
		RequestTimeout: 2 * time.Second,
		Retry: governance.RetryConfig{
			MaxAttempts:     5,
			InitialInterval: 5 * time.Millisecond,
			MaxInterval:     20 * time.Millisecond,
			MaxElapsed:      5 * time.Second,
		},
	}
}

type recordingWebhook struct {
	mu       sync.Mutex
	statuses []int
	hits     atomic.Int32
	auth     []string
	bodies   []domain.DeliveryEnvelope
}

func (h *recordingWebhook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n := int(h.hits.Add(1))
	var env domain.DeliveryEnvelope
	_ = json.NewDecoder(r.Body).Decode(&env)

	h.mu.Lock()
	h.auth = append(h.auth, r.Header.Get("Authorization"))
	h.bodies = append(h.bodies, env)
	status := http.StatusOK
	if n <= len(h.statuses) {
		status = h.statuses[n-1]
	}
	h.mu.Unlock()

	w.WriteHeader(status)
}

func startQueue(t *testing.T, q *dispatch.HTTPQueue) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	q.Start(ctx)
	t.Cleanup(func() {
		cancel()
		q.Close()
	})
}

func TestHTTPQueueDeliversWithToken(t *testing.T) {
	hook := &recordingWebhook{}
	srv := httptest.NewServer(hook)
	defer srv.Close()

	signer, err := webhook.NewEphemeralSigner(webhook.SignerConfig{
		Issuer:   "https://issuer.example.com",
		Identity: "tasks@example.com",
	})
	require.NoError(t, err)

	q := dispatch.NewHTTPQueue(fastQueueConfig(), signer, srv.URL, nil)
	startQueue(t, q)

	env := domain.DeliveryEnvelope{JobID: "job-1", Request: sampleRequest(), WebhookURL: srv.URL + "/tasks/export"}
	require.NoError(t, q.Push(context.Background(), env))

	require.Eventually(t, func() bool { return hook.hits.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	hook.mu.Lock()
	defer hook.mu.Unlock()
	assert.True(t, strings.HasPrefix(hook.auth[0], "Bearer "))
	assert.Equal(t, "job-1", hook.bodies[0].JobID)
	assert.Equal(t, sampleRequest(), hook.bodies[0].Request)
}

func TestHTTPQueueRetriesRetryableStatuses(t *testing.T) {
	hook := &recordingWebhook{statuses: []int{http.StatusServiceUnavailable, http.StatusTooManyRequests}}
	srv := httptest.NewServer(hook)
	defer srv.Close()

	q := dispatch.NewHTTPQueue(fastQueueConfig(), nil, "", nil)
	startQueue(t, q)

	require.NoError(t, q.Push(context.Background(), domain.DeliveryEnvelope{JobID: "job-1", WebhookURL: srv.URL}))

	require.Eventually(t, func() bool { return hook.hits.Load() == 3 }, 3*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 3, hook.hits.Load(), "delivery stops once acknowledged")
}

func TestHTTPQueueDropsTerminalRejections(t *testing.T) {
	hook := &recordingWebhook{statuses: []int{http.StatusNotFound}}
	srv := httptest.NewServer(hook)
	defer srv.Close()

	q := dispatch.NewHTTPQueue(fastQueueConfig(), nil, "", nil)
	startQueue(t, q)

	require.NoError(t, q.Push(context.Background(), domain.DeliveryEnvelope{JobID: "gone", WebhookURL: srv.URL}))

	require.Eventually(t, func() bool { return hook.hits.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 1, hook.hits.Load())
}

func TestHTTPQueueGivesUpAfterMaxAttempts(t *testing.T) {
	hook := &recordingWebhook{statuses: []int{500, 500, 500, 500, 500, 500, 500, 500}}
	srv := httptest.NewServer(hook)
	defer srv.Close()

	cfg := fastQueueConfig()
	cfg.Retry.MaxAttempts = 3
	q := dispatch.NewHTTPQueue(cfg, nil, "", nil)
	startQueue(t, q)

	require.NoError(t, q.Push(context.Background(), domain.DeliveryEnvelope{JobID: "job-1", WebhookURL: srv.URL}))

	require.Eventually(t, func() bool { return hook.hits.Load() == 3 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 3, hook.hits.Load())
}

func TestHTTPQueueFullAndClosed(t *testing.T) {
	cfg := fastQueueConfig()
	cfg.QueueSize = 1
	q := dispatch.NewHTTPQueue(cfg, nil, "", nil)

	env := domain.DeliveryEnvelope{JobID: "job-1", WebhookURL: "http://127.0.0.1:1"}
	require.NoError(t, q.Push(context.Background(), env))
	assert.ErrorIs(t, q.Push(context.Background(), env), dispatch.ErrQueueFull)
	assert.Equal(t, 1, q.Len())
	assert.Equal(t, "http", q.Name())

	q.Close()
	assert.ErrorIs(t, q.Push(context.Background(), env), dispatch.ErrQueueClosed)
}
