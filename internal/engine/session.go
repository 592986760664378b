package engine

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/thenexusengine/tne_appylar/internal/config"
	"github.com/thenexusengine/tne_appylar/internal/creative"
	"github.com/thenexusengine/tne_appylar/pkg/appylar"
	"github.com/thenexusengine/tne_appylar/pkg/logger"
)

// CredentialError is an Init validation failure. It is never retried.
type CredentialError int

// Credential error codes
const (
	ErrMissingAppKey CredentialError = iota + 1
	ErrMissingAppID
	ErrMissingAdType
)

func (c CredentialError) Error() string {
	switch c {
	case ErrMissingAppKey:
		return "You didn't provide the App Key"
	case ErrMissingAppID:
		return "You didn't provide the App ID"
	case ErrMissingAdType:
		return "You didn't provide the Ad Type"
	default:
		return fmt.Sprintf("credential error %d", int(c))
	}
}

// validateInit checks the Init arguments and returns the de-duplicated ad types
func validateInit(creds Credentials, adTypes []creative.AdType) ([]creative.AdType, error) {
	if creds.AppKey == "" {
		return nil, ErrMissingAppKey
	}
	if creds.AppID == "" {
		return nil, ErrMissingAppID
	}
	valid := make([]creative.AdType, 0, len(adTypes))
	for _, t := range creative.UniqueTypes(adTypes) {
		if t.Valid() {
			valid = append(valid, t)
		}
	}
	if len(valid) == 0 {
		return nil, ErrMissingAdType
	}
	return valid, nil
}

// Init validates the credentials and starts session negotiation. The
// outcome is reported through listener. A second successful Init is ignored.
func (e *Engine) Init(creds Credentials, adTypes []creative.AdType, testMode bool, listener InitListener) {
	e.mu.Lock()
	defer e.unlock()

	if e.closed {
		return
	}
	if e.initialized {
		logger.Session().Debug().Msg("Init ignored, engine already initialized")
		return
	}

	types, err := validateInit(creds, adTypes)
	if err != nil {
		logger.Session().Warn().Err(err).Msg("Init rejected")
		if listener != nil {
			msg := err.Error()
			e.emit(func() { listener.OnError(msg) })
		}
		return
	}

	e.creds = creds
	e.adTypes = types
	e.testMode = testMode
	e.initListener = listener
	e.initialized = true

	logger.Session().Info().
		Str("app_id", creds.AppID).
		Int("ad_types", len(types)).
		Bool("test_mode", testMode).
		Msg("Engine initialized, starting session negotiation")

	if e.store != nil {
		e.goLocked(e.restoreAndConnect)
		return
	}
	e.connectLocked()
}

// restoreAndConnect loads the persisted buffer, then negotiates
func (e *Engine) restoreAndConnect() {
	restored, err := e.store.Load(e.ctx)
	if err != nil {
		logger.Buffer().Warn().Err(err).Msg("Failed to restore persisted buffer")
	}

	e.mu.Lock()
	defer e.unlock()
	if e.closed {
		return
	}
	if len(restored) > 0 {
		e.buffer.Add(restored...)
		e.updateDepthLocked()
		logger.Buffer().Info().Int("creatives", len(restored)).Msg("Restored persisted buffer")
	}
	e.connectLocked()
}

// connectLocked negotiates when the network is reachable and otherwise
// re-checks after the retry backoff.
func (e *Engine) connectLocked() {
	if e.connectivity.Reachable() {
		e.negotiateLocked()
		return
	}
	logger.Session().Info().
		Dur("retry_in", e.cfg.RetryBackoff).
		Msg("Network unreachable, delaying session negotiation")
	e.deferLocked(e.cfg.RetryBackoff, "connectivity", e.connectLocked)
}

// negotiateLocked starts a session negotiation unless one is already pending
func (e *Engine) negotiateLocked() {
	if e.negotiating {
		return
	}
	e.negotiating = true

	m := e.display.Metrics()
	orientations := make([]string, 0, len(creative.Orientations))
	for _, o := range creative.Orientations {
		orientations = append(orientations, string(o))
	}
	payload := &appylar.SessionRequest{
		AppKey:       e.creds.AppKey,
		AppID:        e.creds.AppID,
		Width:        m.Width,
		Height:       m.Height,
		Density:      m.Density,
		Language:     m.Language,
		TestMode:     e.testMode,
		Orientations: orientations,
	}
	e.goLocked(func() { e.runNegotiation(payload) })
}

func (e *Engine) runNegotiation(payload *appylar.SessionRequest) {
	log := logger.Session()

	req, err := appylar.NewSessionRequest(e.cfg.SessionURL, e.userAgent, payload)
	var resp *appylar.Response
	start := e.clock.Now()
	if err == nil {
		resp, err = e.transport.Do(e.ctx, req)
	}
	latency := e.clock.Since(start)

	e.mu.Lock()
	defer e.unlock()
	e.negotiating = false
	if e.closed {
		return
	}

	if err != nil {
		outcome := appylar.Classify(err)
		e.metrics.RecordNegotiation(outcome.String(), latency)
		log.Warn().Err(err).
			Str("outcome", outcome.String()).
			Dur("retry_in", e.cfg.RetryBackoff).
			Msg("Session negotiation failed, retrying")
		e.deferLocked(e.cfg.RetryBackoff, "negotiate", e.negotiateLocked)
		return
	}

	e.metrics.RecordNegotiation(statusLabel(resp.StatusCode), latency)

	switch resp.StatusCode {
	case http.StatusOK:
		decoded, err := appylar.DecodeSession(resp.Body)
		if err != nil {
			log.Error().Err(err).Msg("Invalid session response")
			e.initErrorLocked(err.Error())
			return
		}
		e.publishSessionLocked(decoded)

	case http.StatusUnauthorized, http.StatusForbidden:
		log.Error().Int("status", resp.StatusCode).Msg("Session rejected")
		e.initErrorLocked(string(resp.Body))

	case http.StatusInternalServerError:
		e.degraded = true
		log.Warn().Dur("retry_in", e.cfg.RetryBackoff).Msg("Ad service error, engine degraded, retrying")
		e.deferLocked(e.cfg.RetryBackoff, "negotiate", e.negotiateLocked)

	default:
		log.Error().Int("status", resp.StatusCode).Msg("Unexpected session response")
		e.initErrorLocked(string(resp.Body))
	}
}

// publishSessionLocked installs a freshly negotiated session, fills the
// buffer for every registered combination and (re)starts the periodic tick.
func (e *Engine) publishSessionLocked(resp *appylar.SessionResponse) {
	s := e.sessions.Publish(
		resp.SessionToken,
		resp.BufferLimits.Min,
		secondsToDuration(resp.RotationInterval),
	)
	e.metrics.SetSessionGeneration(s.Generation)
	e.degraded = false

	logger.Session().Info().
		Int64("generation", s.Generation).
		Int("buffer_floor", s.BufferFloor).
		Dur("rotation_interval", s.RotationInterval).
		Msg("Session established")

	if !e.sessionAttemptSuccess {
		e.sessionAttemptSuccess = true
		if l := e.initListener; l != nil {
			e.emit(l.OnInitialized)
		}
	}

	e.fetchLocked(creative.All(e.adTypes))
	e.periodicActive = true
	if !e.suspended {
		e.resumeLocked()
	}
}

// renewOnUnauthorizedLocked reacts to a content 401 for session generation gen.
// Stale generations and renewals already under way are ignored.
func (e *Engine) renewOnUnauthorizedLocked(gen int64) {
	if !e.sessions.IsCurrent(gen) || e.negotiating {
		logger.Session().Debug().Int64("generation", gen).Msg("Ignoring unauthorized response for stale session")
		return
	}
	e.stopTimersLocked()
	// Reserve the negotiation slot so further 401s during the wait are ignored
	e.negotiating = true
	logger.Session().Warn().
		Int64("generation", gen).
		Dur("retry_in", e.cfg.RetryBackoff).
		Msg("Session token rejected, renegotiating")
	e.deferLocked(e.cfg.RetryBackoff, "renew", func() {
		e.negotiating = false
		e.negotiateLocked()
	})
}

func (e *Engine) initErrorLocked(msg string) {
	if l := e.initListener; l != nil {
		e.emit(func() { l.OnError(msg) })
	}
}

// secondsToDuration converts the negotiated rotation interval. Non-positive
// values fall back to the default interval.
func secondsToDuration(seconds int) time.Duration {
	if seconds <= 0 {
		return config.DefaultRotationInterval
	}
	return time.Duration(seconds) * time.Second
}

func statusLabel(code int) string {
	switch {
	case code == http.StatusOK:
		return "ok"
	case code == http.StatusUnauthorized:
		return "unauthorized"
	case code == http.StatusForbidden:
		return "forbidden"
	case code == http.StatusTooManyRequests:
		return "rate_limited"
	case code >= 500:
		return "server_error"
	case code >= 400:
		return "client_error"
	default:
		return "unexpected"
	}
}

// errNoSession is logged when work needs a session that does not exist yet
var errNoSession = errors.New("no session negotiated")
