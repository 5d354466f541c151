// Package crm is the REST client for the CRM backend. The backend owns all
// call/lead/meeting persistence and the provider integration; this service
// only calls into it.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Client provides access to the CRM backend's dialer endpoints
type Client struct {
	baseURL      string
	serviceToken string
	httpClient   *http.Client
}

// NewClient creates a new CRM backend client
func NewClient(baseURL, serviceToken string) *Client {
	return &Client{
		baseURL:      baseURL,
		serviceToken: serviceToken,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// VoiceToken is a short-lived signaling token for the telephony provider
type VoiceToken struct {
	Token      string `json:"token"`
	TTLSeconds int    `json:"ttlSeconds"`
}

// InitiateCallRequest asks the backend to start an outbound call. The
// provider rings the agent's device back once the far-end leg is created.
type InitiateCallRequest struct {
	AgentID     string `json:"agentId"`
	LeadID      string `json:"leadId,omitempty"`
	PhoneNumber string `json:"phoneNumber"`
	DisplayName string `json:"displayName,omitempty"`
}

// CallRecordRef identifies a persisted call record in the CRM
type CallRecordRef struct {
	ID string `json:"id"`
}

// CallOutcome carries the final bookkeeping for a finished call. The
// backend applies it as an upsert by record id, so repeating the same
// outcome is safe.
type CallOutcome struct {
	DurationSeconds int       `json:"durationSeconds"`
	Status          string    `json:"status"`
	EndedAt         time.Time `json:"endedAt"`
}

// APIError is a non-2xx response from the CRM backend
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("crm: unexpected status %d: %s", e.StatusCode, e.Body)
}

// FetchVoiceToken retrieves a signaling token for the given agent
func (c *Client) FetchVoiceToken(ctx context.Context, agentID string) (VoiceToken, error) {
	var token VoiceToken
	err := c.do(ctx, http.MethodPost, "/api/voice/token", map[string]string{"agentId": agentID}, &token)
	if err != nil {
		return VoiceToken{}, fmt.Errorf("fetch voice token: %w", err)
	}
	return token, nil
}

// InitiateCall asks the backend to place an outbound call and returns the
// reference to the call record it created
func (c *Client) InitiateCall(ctx context.Context, req InitiateCallRequest) (CallRecordRef, error) {
	var ref CallRecordRef
	if err := c.do(ctx, http.MethodPost, "/api/calls", req, &ref); err != nil {
		return CallRecordRef{}, fmt.Errorf("initiate call: %w", err)
	}
	return ref, nil
}

// LookupCallByProviderID resolves the CRM record for a provider call
// identifier. Used when the local record id was never learned directly.
func (c *Client) LookupCallByProviderID(ctx context.Context, providerCallID string) (CallRecordRef, error) {
	var ref CallRecordRef
	path := "/api/calls/by-provider-id/" + url.PathEscape(providerCallID)
	if err := c.do(ctx, http.MethodGet, path, nil, &ref); err != nil {
		return CallRecordRef{}, fmt.Errorf("lookup call by provider id: %w", err)
	}
	return ref, nil
}

// CompleteCall updates a call record with its final outcome. Idempotent:
// the backend treats this as an upsert by id.
func (c *Client) CompleteCall(ctx context.Context, recordID string, outcome CallOutcome) error {
	path := "/api/calls/" + url.PathEscape(recordID)
	if err := c.do(ctx, http.MethodPut, path, outcome, nil); err != nil {
		return fmt.Errorf("complete call: %w", err)
	}
	return nil
}

// CancelCall marks a never-connected call record as canceled
func (c *Client) CancelCall(ctx context.Context, recordID, reason string) error {
	path := "/api/calls/" + url.PathEscape(recordID) + "/cancel"
	if err := c.do(ctx, http.MethodPost, path, map[string]string{"reason": reason}, nil); err != nil {
		return fmt.Errorf("cancel call: %w", err)
	}
	return nil
}

// SetAgentStatus reports the agent's online/offline state to the backend
func (c *Client) SetAgentStatus(ctx context.Context, agentID string, online bool) error {
	req := map[string]interface{}{"agentId": agentID, "online": online}
	if err := c.do(ctx, http.MethodPost, "/api/agents/status", req, nil); err != nil {
		return fmt.Errorf("set agent status: %w", err)
	}
	return nil
}

// do executes a request against the backend, encoding body as JSON and
// decoding a 2xx response into out when out is non-nil
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.serviceToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.serviceToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &APIError{StatusCode: resp.StatusCode, Body: string(snippet)}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
