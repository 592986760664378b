// Package config provides shared configuration constants for the ad engine
package config

import "time"

// Ad service endpoints
const (
	// SessionURL is the session negotiation endpoint
	SessionURL = "https://www.appylar.com/api/v1/session/"

	// ContentURL is the creative fetch endpoint
	ContentURL = "https://www.appylar.com/api/v1/content/"
)

// SDK identification
const (
	// SDKVersion is reported in the user agent header
	SDKVersion = "1.0.0"

	// UserAgentHeader carries the SDK identification on every request
	UserAgentHeader = "Appylar-User-Agent"

	// DefaultPlatform is used when the host does not name one
	DefaultPlatform = "linux"
)

// Timing defaults
const (
	// RetryBackoff is the fixed delay before retrying a failed negotiation,
	// re-negotiating after a content 401, or re-checking connectivity at init.
	RetryBackoff = 30 * time.Second

	// ReplenishInterval is the cadence of the expiry sweep + buffer replenish tick
	ReplenishInterval = 30 * time.Second

	// DefaultRotationInterval is used when a session carries no usable rotation interval
	DefaultRotationInterval = 30 * time.Second

	// DefaultRequestTimeout bounds a single HTTP call to the ad service
	DefaultRequestTimeout = 10 * time.Second
)

// Transport defaults
const (
	// MaxResponseSize is the maximum response body accepted from the ad service (2MB)
	MaxResponseSize = 2 * 1024 * 1024

	// MaxIdleConnsPerHost is the idle connection pool per ad service host
	MaxIdleConnsPerHost = 4

	// IdleConnTimeout is how long to keep idle connections
	IdleConnTimeout = 90 * time.Second
)

// Creative markup placeholders replaced with the placement label at presentation time
const (
	PlacementPlaceholder        = "%PLACEMENT%"
	EncodedPlacementPlaceholder = "%25PLACEMENT%25"
)

// Surface callback protocol
const (
	// CallbackScheme prefixes URIs bubbled up from a rendered creative
	CallbackScheme = "appylar://"

	// RateLimitedError is the error value sent alongside a 429 wait hint
	RateLimitedError = "err_rate_limited"
)

// Redis buffer store defaults
const (
	// BufferKeyPrefix namespaces persisted creatives
	BufferKeyPrefix = "appylar:buffer:"

	// BufferStoreTimeout bounds a single save/load against redis
	BufferStoreTimeout = 2 * time.Second
)

// Harness HTTP server timeouts
const (
	// ServerReadTimeout is the max time to read a metrics or status request
	ServerReadTimeout = 5 * time.Second

	// ServerWriteTimeout is the max time to write a response
	ServerWriteTimeout = 10 * time.Second

	// ServerIdleTimeout is the max time to wait for the next request
	ServerIdleTimeout = 60 * time.Second

	// ShutdownTimeout bounds graceful shutdown of the harness
	ShutdownTimeout = 10 * time.Second
)
