package completion

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/tessera-ai/control-plane/internal/adapter/observability"
	"github.com/tessera-ai/control-plane/internal/domain"
)

// WebhookEvent is the body posted to a job's callback URL (§6.3).
type WebhookEvent struct {
	Event     string    `json:"event"`
	JobID     string    `json:"job_id"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Data      struct {
		Job       domain.Job        `json:"job"`
		Artifacts []domain.Artifact `json:"artifacts,omitempty"`
	} `json:"data"`
}

func eventNameFor(status domain.JobStatus) string {
	switch status {
	case domain.JobCompleted:
		return "job.completed"
	case domain.JobFailed:
		return "job.failed"
	case domain.JobCancelled:
		return "job.cancelled"
	default:
		return "job.updated"
	}
}

// WebhookSender delivers job completion events over HTTP, signing the body
// with HMAC-SHA256 and retrying on failure with exponential backoff.
// Grounded on the teacher's AI-provider retry usage of
// `cenkalti/backoff/v4`, retargeted from an inbound AI call to an outbound
// webhook POST (§6.3: 1,2,4,8,16s, 5 attempts then drop).
type WebhookSender struct {
	http           *http.Client
	signingSecret  string
	maxRetries     uint64
	initialBackoff time.Duration
	maxBackoff     time.Duration
	multiplier     float64
}

// NewWebhookSender constructs a WebhookSender.
func NewWebhookSender(signingSecret string, maxRetries int, initialBackoff, maxBackoff time.Duration, multiplier float64, timeout time.Duration) *WebhookSender {
	return &WebhookSender{
		http:           &http.Client{Timeout: timeout},
		signingSecret:  signingSecret,
		maxRetries:     uint64(maxRetries),
		initialBackoff: initialBackoff,
		maxBackoff:     maxBackoff,
		multiplier:     multiplier,
	}
}

// Send delivers job's terminal outcome, retrying per the configured
// backoff policy, and reports the final outcome to metrics.
func (s *WebhookSender) Send(ctx context.Context, url string, job domain.Job) error {
	var evt WebhookEvent
	evt.Event = eventNameFor(job.Status)
	evt.JobID = job.ID
	evt.Status = string(job.Status)
	evt.Timestamp = time.Now()
	evt.Data.Job = job

	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("op=completion.WebhookSender.Send: %w: %v", domain.ErrInternal, err)
	}
	signature := s.sign(body)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.initialBackoff
	bo.MaxInterval = s.maxBackoff
	bo.Multiplier = s.multiplier
	bo.MaxElapsedTime = 0

	err = backoff.Retry(func() error {
		return s.deliver(ctx, url, body, signature)
	}, backoff.WithContext(backoff.WithMaxRetries(bo, s.maxRetries), ctx))

	if err != nil {
		observability.RecordWebhookDelivery("exhausted")
		return fmt.Errorf("op=completion.WebhookSender.Send: %w: %v", domain.ErrInternal, err)
	}
	observability.RecordWebhookDelivery("delivered")
	return nil
}

func (s *WebhookSender) deliver(ctx context.Context, url string, body []byte, signature string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tessera-Signature", "sha256="+signature)

	resp, err := s.http.Do(req)
	if err != nil {
		return err // transient network error, retry
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("webhook endpoint returned %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return backoff.Permanent(fmt.Errorf("webhook endpoint returned %d", resp.StatusCode))
	}
	return nil
}

func (s *WebhookSender) sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(s.signingSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
