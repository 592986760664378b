// Package appylar provides the HTTP transport to the Appylar ad service
package appylar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/thenexusengine/tne_appylar/internal/config"
	"github.com/thenexusengine/tne_appylar/pkg/logger"
)

// Transport failure classes. Every error returned by Client.Do wraps one of these.
var (
	ErrNetwork = errors.New("network request failed")
	ErrTimeout = errors.New("request timed out")
)

// errServerStatus marks 5xx responses as failures for the circuit breaker
// without turning them into transport errors for the caller.
var errServerStatus = errors.New("server error status")

// Outcome is the result variant of one ad service call
type Outcome int

// Call outcomes
const (
	OutcomeOK Outcome = iota
	OutcomeNetworkError
	OutcomeTimeout
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeTimeout:
		return "timeout"
	default:
		return "network_error"
	}
}

// Classify maps the error returned by Do onto an Outcome
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, ErrTimeout):
		return OutcomeTimeout
	default:
		return OutcomeNetworkError
	}
}

// Request is one call to the ad service
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response is the status and raw body of a completed call
type Response struct {
	StatusCode int
	Body       []byte
}

// Client performs calls to the ad service
type Client struct {
	httpClient     *http.Client
	timeout        time.Duration
	circuitBreaker *CircuitBreaker
}

// newAdServiceTransport creates a pooled transport for the two ad service endpoints
func newAdServiceTransport(timeout time.Duration) *http.Transport {
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          config.MaxIdleConnsPerHost * 2,
		MaxIdleConnsPerHost:   config.MaxIdleConnsPerHost,
		IdleConnTimeout:       config.IdleConnTimeout,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: time.Second,
	}
}

// NewClient creates a client with the default circuit breaker
func NewClient(timeout time.Duration) *Client {
	return NewClientWithCircuitBreaker(timeout, DefaultCircuitBreakerConfig())
}

// NewClientWithCircuitBreaker creates a client with a custom circuit breaker config
func NewClientWithCircuitBreaker(timeout time.Duration, cbConfig *CircuitBreakerConfig) *Client {
	if timeout == 0 {
		timeout = config.DefaultRequestTimeout
	}
	return &Client{
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: newAdServiceTransport(timeout),
		},
		timeout:        timeout,
		circuitBreaker: NewCircuitBreaker(cbConfig),
	}
}

// Do performs the call. Any HTTP status is a successful call and is returned
// as a Response; only failures before a response arrives are errors.
func (c *Client) Do(ctx context.Context, r *Request) (*Response, error) {
	var result *Response

	op := logger.NewOperationLogger("ad_service_call").WithField("url", r.URL)

	err := c.circuitBreaker.Execute(func() error {
		req, err := http.NewRequestWithContext(ctx, r.Method, r.URL, bytes.NewReader(r.Body))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		for key, values := range r.Header {
			for _, v := range values {
				req.Header.Add(key, v)
			}
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return classifyTransportError(err)
		}
		defer resp.Body.Close()

		limitedReader := io.LimitReader(resp.Body, config.MaxResponseSize)
		body, err := io.ReadAll(limitedReader)
		if err != nil {
			return fmt.Errorf("%w: reading response: %v", ErrNetwork, err)
		}

		result = &Response{StatusCode: resp.StatusCode, Body: body}
		if resp.StatusCode >= http.StatusInternalServerError {
			return errServerStatus
		}
		return nil
	})

	if errors.Is(err, errServerStatus) {
		op.LogComplete(result.StatusCode)
		return result, nil
	}
	if errors.Is(err, ErrCircuitOpen) {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	if err != nil {
		if !errors.Is(err, ErrNetwork) && !errors.Is(err, ErrTimeout) {
			err = fmt.Errorf("%w: %v", ErrNetwork, err)
		}
		op.Error("ad service call failed", err)
		return nil, err
	}

	op.LogComplete(result.StatusCode)
	return result, nil
}

func classifyTransportError(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrNetwork, err)
}

// CircuitBreakerStats returns the current circuit breaker statistics
func (c *Client) CircuitBreakerStats() CircuitBreakerStats {
	return c.circuitBreaker.Stats()
}

// IsCircuitOpen returns true if the circuit breaker is open
func (c *Client) IsCircuitOpen() bool {
	return c.circuitBreaker.State() == StateOpen
}

// ResetCircuitBreaker resets the circuit breaker to closed state
func (c *Client) ResetCircuitBreaker() {
	c.circuitBreaker.Reset()
}

// UserAgent formats the SDK identification header value
func UserAgent(platform, version string) string {
	if platform == "" {
		platform = config.DefaultPlatform
	}
	return fmt.Sprintf("appylar go %s/%s", platform, version)
}

// NewSessionRequest builds a session negotiation call
func NewSessionRequest(url, userAgent string, payload *SessionRequest) (*Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session request: %w", err)
	}
	header := make(http.Header)
	header.Set(config.UserAgentHeader, userAgent)
	header.Set("Content-Type", "application/json")
	return &Request{Method: http.MethodPost, URL: url, Header: header, Body: body}, nil
}

// NewContentRequest builds a bearer-authenticated creative fetch call
func NewContentRequest(url, userAgent, token string, payload *ContentRequest) (*Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal content request: %w", err)
	}
	header := make(http.Header)
	header.Set(config.UserAgentHeader, userAgent)
	header.Set("Authorization", "Bearer "+token)
	header.Set("Content-Type", "application/json")
	return &Request{Method: http.MethodPost, URL: url, Header: header, Body: body}, nil
}
