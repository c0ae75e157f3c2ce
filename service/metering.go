package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"receiptflow/config"
	"receiptflow/model"
)

// EntitlementService talks to the external billing/entitlement API for
// feature flags and usage metering. When no API URL is configured the
// service is a no-op: flags read enabled and events are dropped.
type EntitlementService struct {
	config     *config.EntitlementConfig
	httpClient *http.Client
}

// TrackEventRequest is the usage event payload
type TrackEventRequest struct {
	Event   string `json:"event"`
	Subject string `json:"subject"`
}

// FlagResponse is the feature flag lookup response
type FlagResponse struct {
	Flag    string `json:"flag"`
	Enabled bool   `json:"enabled"`
}

func NewEntitlementService(cfg *config.EntitlementConfig) *EntitlementService {
	return &EntitlementService{
		config: cfg,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Track records a usage event for the subject. Callers treat this as
// best-effort: a metering failure must never roll back the work it meters.
func (s *EntitlementService) Track(ctx context.Context, event, subject string) error {
	if s.config.APIURL == "" {
		return nil
	}

	reqBody := TrackEventRequest{
		Event:   event,
		Subject: subject,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.config.APIURL+"/events", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+s.config.APIToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send event: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("entitlement API error: status %d: %s", resp.StatusCode, string(body))
	}

	return nil
}

// CheckFlag looks up a boolean feature flag for the subject. Lookup
// failures fail open so an entitlement outage does not take uploads down;
// callers log the error.
func (s *EntitlementService) CheckFlag(ctx context.Context, flag, subject string) (bool, error) {
	if s.config.APIURL == "" {
		return true, nil
	}

	url := fmt.Sprintf("%s/flags/%s?subject=%s", s.config.APIURL, flag, subject)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return true, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+s.config.APIToken)
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return true, fmt.Errorf("flag lookup: %w", model.ErrTransient)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return true, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return true, fmt.Errorf("entitlement API error: status %d: %s", resp.StatusCode, string(body))
	}

	var result FlagResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return true, fmt.Errorf("failed to parse response: %w", err)
	}

	return result.Enabled, nil
}
