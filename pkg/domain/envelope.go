package domain

// DeliveryEnvelope is the payload handed to the push-task backend and later
// delivered back to the webhook.
type DeliveryEnvelope struct {
	JobID      string        `json:"job_id"`
	Request    ExportRequest `json:"request"`
	WebhookURL string        `json:"webhook_url"`
}
