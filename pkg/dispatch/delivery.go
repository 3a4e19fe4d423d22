package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/polisai/geoexport/internal/governance"
	"github.com/polisai/geoexport/pkg/domain"
)

// TokenSource mints bearer tokens for webhook deliveries.
type TokenSource interface {
	Mint(audience string) (string, error)
}

// ErrDeliveryDropped marks a delivery the webhook refused for good.
var ErrDeliveryDropped = errors.New("delivery dropped")

// DeliveryResult is the outcome of one POST to the webhook.
type DeliveryResult struct {
	StatusCode int
	Outcome    governance.DeliveryOutcome
	RetryAfter time.Duration
}

// Deliverer POSTs envelopes to their webhook URL.
type Deliverer struct {
	Client   *http.Client
	Tokens   TokenSource
	Audience string
}

// Deliver makes a single delivery attempt. Transport errors are returned as
// errors; any HTTP response is classified and returned as a result.
func (d *Deliverer) Deliver(ctx context.Context, envelope domain.DeliveryEnvelope, headers http.Header) (DeliveryResult, error) {
	body, err := json.Marshal(envelope)
	if err != nil {
		return DeliveryResult{}, fmt.Errorf("encode envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, envelope.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return DeliveryResult{}, fmt.Errorf("build delivery request: %w", err)
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")

	if d.Tokens != nil {
		token, err := d.Tokens.Mint(d.Audience)
		if err != nil {
			return DeliveryResult{}, fmt.Errorf("mint delivery token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return DeliveryResult{}, fmt.Errorf("deliver envelope: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	result := DeliveryResult{
		StatusCode: resp.StatusCode,
		Outcome:    governance.ClassifyDelivery(resp.StatusCode),
	}
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
		result.RetryAfter = time.Duration(secs) * time.Second
	}
	return result, nil
}
