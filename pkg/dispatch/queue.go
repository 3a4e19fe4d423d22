package dispatch

//go:generate mockgen -source=queue.go -destination=mocks/task_queue.go -package=mocks

import (
	"context"

	"github.com/polisai/geoexport/pkg/domain"
)

// TaskQueue hands delivery envelopes to a push backend. A nil error means
// the backend accepted the envelope and will deliver it at least once.
type TaskQueue interface {
	Push(ctx context.Context, envelope domain.DeliveryEnvelope) error
	Name() string
}
