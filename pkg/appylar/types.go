package appylar

import (
	"encoding/json"
	"fmt"
	"time"
)

// SessionRequest is the session negotiation payload
type SessionRequest struct {
	AppKey       string   `json:"app_key"`
	AppID        string   `json:"app_id"`
	Width        float64  `json:"width"`
	Height       float64  `json:"height"`
	Density      float64  `json:"density"`
	Language     string   `json:"language"`
	TestMode     bool     `json:"test_mode"`
	Orientations []string `json:"orientations"`
}

// SessionResponse is the body of a 200 negotiation response
type SessionResponse struct {
	SessionToken     string       `json:"session_token"`
	RotationInterval int          `json:"rotation_interval"` // seconds
	BufferLimits     BufferLimits `json:"buffer_limits"`
}

// BufferLimits carries the per-partition buffer floor
type BufferLimits struct {
	Min int `json:"min"`
}

// ContentRequest is the creative fetch payload
type ContentRequest struct {
	ExtraParameters map[string][]string `json:"extra_parameters"`
	Combinations    map[string][]string `json:"combinations"` // orientation -> ad types
}

// ContentResponse is the body of a 200 content response
type ContentResponse struct {
	Result []AdEnvelope `json:"result"`
}

// AdEnvelope is one creative as delivered by the content endpoint
type AdEnvelope struct {
	Ad        AdMeta `json:"ad"`
	ExpiresAt string `json:"expires_at"`
	HTML      string `json:"html"`
	URL       string `json:"url"`
}

// AdMeta describes the creative's geometry and partition
type AdMeta struct {
	ID          int64   `json:"id"`
	Height      int     `json:"height"`
	Width       int     `json:"width"`
	Scale       float64 `json:"scale"`
	Orientation string  `json:"orientation"`
	Type        string  `json:"type"`
}

// RateLimitResponse is the body of a 429 content response
type RateLimitResponse struct {
	Error string  `json:"error"`
	Wait  float64 `json:"wait"` // seconds
}

// WaitDuration returns the server-provided wait, or zero when absent
func (r RateLimitResponse) WaitDuration() time.Duration {
	if r.Wait <= 0 {
		return 0
	}
	return time.Duration(r.Wait * float64(time.Second))
}

var expiryLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	time.RFC1123,
	time.RFC1123Z,
}

// Expiry parses the envelope's expires_at. Values without a zone are UTC.
func (e AdEnvelope) Expiry() (time.Time, error) {
	for _, layout := range expiryLayouts {
		if t, err := time.Parse(layout, e.ExpiresAt); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized expires_at %q", e.ExpiresAt)
}

// DecodeSession decodes a negotiation response body
func DecodeSession(body []byte) (*SessionResponse, error) {
	var resp SessionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode session response: %w", err)
	}
	if resp.SessionToken == "" {
		return nil, fmt.Errorf("session response has no session_token")
	}
	return &resp, nil
}

// DecodeContent decodes a content response body
func DecodeContent(body []byte) (*ContentResponse, error) {
	var resp ContentResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode content response: %w", err)
	}
	return &resp, nil
}

// DecodeRateLimit decodes a 429 response body
func DecodeRateLimit(body []byte) (*RateLimitResponse, error) {
	var resp RateLimitResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode rate limit response: %w", err)
	}
	return &resp, nil
}
