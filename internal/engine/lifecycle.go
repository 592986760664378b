package engine

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/thenexusengine/tne_appylar/internal/config"
	"github.com/thenexusengine/tne_appylar/internal/creative"
	"github.com/thenexusengine/tne_appylar/pkg/logger"
)

// Surface callback errors
var (
	ErrNotCallback      = errors.New("not an appylar callback")
	ErrEmptyURL         = errors.New("redirect callback carries no url")
	ErrUnknownOperation = errors.New("unknown callback operation")
)

// Suspend stops the periodic tick and banner rotation while the host is in
// the background. Buffer and session are left alone.
func (e *Engine) Suspend() {
	e.mu.Lock()
	defer e.unlock()

	if e.closed || e.suspended {
		return
	}
	e.suspended = true
	e.stopTimersLocked()
	logger.Scheduler().Info().Msg("Engine suspended")
}

// Resume restarts whatever Suspend stopped: the periodic tick if it had been
// running and rotation for every active banner, each with a full interval.
func (e *Engine) Resume() {
	e.mu.Lock()
	defer e.unlock()

	if e.closed {
		return
	}
	e.suspended = false
	e.restartPending = false
	e.resumeLocked()
	logger.Scheduler().Info().Msg("Engine resumed")
}

// timersHeldLocked reports whether rotation must not be armed: the host is
// in the background or a rejected fetch stopped the timers.
func (e *Engine) timersHeldLocked() bool {
	return e.suspended || e.restartPending
}

// resumeLocked only arms timers that are not already running
func (e *Engine) resumeLocked() {
	if e.periodicActive && e.periodic == nil {
		e.startPeriodicLocked()
	}
	if e.interstitial.phase == interstitialShowing {
		return
	}
	s, ok := e.sessions.Current()
	if !ok {
		return
	}
	for _, slot := range e.banners {
		if slot.active() && slot.rotation == nil {
			e.armRotationLocked(slot, s.RotationInterval)
		}
	}
}

// SetParameters merges extra targeting parameters into every later fetch.
// A key whose first value is empty is removed. The buffer is then emptied
// and refilled, since the new targeting may invalidate what is buffered.
// Calls before Init are ignored.
func (e *Engine) SetParameters(params map[string][]string) {
	e.mu.Lock()
	defer e.unlock()

	if e.closed || !e.initialized {
		logger.Buffer().Info().Msg("SetParameters ignored, engine not initialized")
		return
	}

	for key, values := range params {
		if len(values) == 0 || values[0] == "" {
			delete(e.params, key)
			continue
		}
		e.params[key] = append([]string(nil), values...)
	}

	e.resetBufferLocked()
	e.fetchLocked(creative.All(e.adTypes))
	logger.Buffer().Info().Int("parameters", len(e.params)).Msg("Parameters updated, buffer refilling")
}

// CanShowAd reports whether a creative of type t is buffered for the current orientation
func (e *Engine) CanShowAd(t creative.AdType) bool {
	e.mu.Lock()
	defer e.unlock()
	return e.buffer.Count(e.display.Orientation(), t) > 0
}

// EmptyBuffer discards every buffered creative
func (e *Engine) EmptyBuffer() {
	e.mu.Lock()
	defer e.unlock()
	e.resetBufferLocked()
}

func (e *Engine) resetBufferLocked() {
	n := e.buffer.Reset()
	e.metrics.RecordBufferReset()
	e.updateDepthLocked()
	e.persistLocked()
	logger.Buffer().Info().Int("dropped", n).Msg("Buffer cleared")
}

// HandleSurfaceCallback processes a URI raised by a rendered creative:
// appylar://operation=close closes the interstitial and
// appylar://operation=redirect&redirect_url=<encoded> opens the target.
func (e *Engine) HandleSurfaceCallback(uri string) error {
	op, target, err := parseCallback(uri)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.unlock()
	if e.closed {
		return nil
	}

	switch op {
	case opRedirect:
		e.metrics.RecordRedirect()
		e.emit(func() { e.opener.Open(target) })
	case opClose:
		e.closeInterstitialLocked()
	}
	return nil
}

const (
	opRedirect = "redirect"
	opClose    = "close"
)

func parseCallback(uri string) (op, target string, err error) {
	if !strings.HasPrefix(uri, config.CallbackScheme) {
		return "", "", ErrNotCallback
	}
	values := strings.TrimPrefix(uri, config.CallbackScheme)

	switch {
	case strings.Contains(values, "operation=redirect"):
		const key = "redirect_url="
		idx := strings.Index(values, key)
		if idx < 0 {
			return "", "", ErrEmptyURL
		}
		raw := values[idx+len(key):]
		// The target may carry its own unencoded query string
		if cut := strings.Index(raw, "&operation="); cut >= 0 {
			raw = raw[:cut]
		}
		decoded, err := url.PathUnescape(raw)
		if err != nil {
			return "", "", fmt.Errorf("invalid redirect url: %w", err)
		}
		if decoded == "" {
			return "", "", ErrEmptyURL
		}
		return opRedirect, decoded, nil

	case strings.Contains(values, "operation=close"):
		return opClose, "", nil

	default:
		return "", "", ErrUnknownOperation
	}
}

// HandleOrientationChange re-renders showing banners for the new layout and
// re-asserts the orientation lock while an interstitial is showing.
func (e *Engine) HandleOrientationChange() {
	e.mu.Lock()
	defer e.unlock()

	if e.closed {
		return
	}
	for _, slot := range e.banners {
		if slot.phase == bannerShowing && slot.current != nil {
			e.renderLocked(slot.position.Slot(), *slot.current)
		}
	}
	if e.interstitial.phase == interstitialShowing && e.interstitial.current != nil {
		locked := e.interstitial.current.Orientation
		e.emit(func() { e.surface.LockOrientation(locked) })
	}
	logger.Scheduler().Debug().
		Str("orientation", string(e.display.Orientation())).
		Msg("Orientation changed")
}
