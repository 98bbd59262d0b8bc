package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// EmailAPISender delivers notifications through the transactional email
// service's HTTP API.
type EmailAPISender struct {
	baseURL  string
	apiToken string
	client   *http.Client
}

// NewEmailAPISender creates a sender posting to the email service at baseURL.
func NewEmailAPISender(baseURL, apiToken string) *EmailAPISender {
	return &EmailAPISender{
		baseURL:  baseURL,
		apiToken: apiToken,
		client:   &http.Client{Timeout: 15 * time.Second},
	}
}

// Send posts one notification to the email API. Server-side failures (5xx)
// and network errors come back transient; everything else is permanent.
func (s *EmailAPISender) Send(ctx context.Context, n Notification) error {
	payload := struct {
		Template string            `json:"template"`
		JobID    string            `json:"job_id"`
		Data     map[string]string `json:"data"`
	}{Template: n.Template, JobID: n.JobID, Data: n.Data}

	body, err := json.Marshal(payload)
	if err != nil {
		return &ErrPermanent{Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return &ErrPermanent{Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+s.apiToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return &ErrTransient{Err: err}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return &ErrTransient{Err: fmt.Errorf("email API returned %s: %s", resp.Status, respBody)}
	default:
		return &ErrPermanent{Err: fmt.Errorf("email API returned %s: %s", resp.Status, respBody)}
	}
}

// LogSender only logs notifications. It backs development mode when no email
// service is configured.
type LogSender struct {
	Logger *slog.Logger
}

// Send logs the notification and reports success.
func (s *LogSender) Send(_ context.Context, n Notification) error {
	s.Logger.Info("Notification delivery (log only)",
		"notification_id", n.ID, "job_id", n.JobID, "template", n.Template)
	return nil
}
