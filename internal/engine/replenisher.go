package engine

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/thenexusengine/tne_appylar/internal/config"
	"github.com/thenexusengine/tne_appylar/internal/creative"
	"github.com/thenexusengine/tne_appylar/pkg/appylar"
	"github.com/thenexusengine/tne_appylar/pkg/logger"
)

// SweepExpired removes every creative expiring at or before now and returns
// how many were removed.
func (e *Engine) SweepExpired() int {
	e.mu.Lock()
	defer e.unlock()
	return e.sweepExpiredLocked()
}

func (e *Engine) sweepExpiredLocked() int {
	n := e.buffer.Sweep(e.clock.Now())
	if n > 0 {
		e.metrics.RecordExpired(n)
		e.updateDepthLocked()
		e.persistLocked()
		logger.Buffer().Debug().Int("expired", n).Int("remaining", e.buffer.Len()).Msg("Swept expired creatives")
	}
	return n
}

// CheckAndReplenish fetches every registered partition whose count is below
// the session's buffer floor. It returns the combinations requested, or an
// empty result when nothing was fetched.
func (e *Engine) CheckAndReplenish() creative.Combinations {
	e.mu.Lock()
	defer e.unlock()
	return e.checkAndReplenishLocked()
}

func (e *Engine) checkAndReplenishLocked() creative.Combinations {
	s, ok := e.sessions.Current()
	if !ok {
		logger.Buffer().Debug().Err(errNoSession).Msg("Skipping replenish")
		return nil
	}
	below := e.buffer.Below(s.BufferFloor, e.adTypes)
	if below.Len() == 0 {
		return nil
	}
	if !e.connectivity.Reachable() {
		logger.Buffer().Info().Int("combinations", below.Len()).Msg("Network unreachable, skipping replenish cycle")
		return nil
	}
	e.fetchLocked(below)
	return below
}

// fetchLocked requests combos with the current session and parameters
func (e *Engine) fetchLocked(combos creative.Combinations) {
	s, ok := e.sessions.Current()
	if !ok || combos.Len() == 0 {
		return
	}

	payload := &appylar.ContentRequest{
		ExtraParameters: cloneParams(e.params),
		Combinations:    wireCombinations(combos),
	}
	combos = combos.Clone()
	cycleID := uuid.NewString()
	e.goLocked(func() { e.runFetch(cycleID, s.Token, s.Generation, combos, payload) })
}

func (e *Engine) runFetch(cycleID, token string, gen int64, combos creative.Combinations, payload *appylar.ContentRequest) {
	ctx := logger.WithCycleID(e.ctx, cycleID)
	log := logger.FromContext(ctx).With().Str("component", "buffer").Logger()

	req, err := appylar.NewContentRequest(e.cfg.ContentURL, e.userAgent, token, payload)
	var resp *appylar.Response
	start := e.clock.Now()
	if err == nil {
		resp, err = e.transport.Do(ctx, req)
	}
	latency := e.clock.Since(start)

	e.mu.Lock()
	defer e.unlock()
	if e.closed {
		return
	}

	if err != nil {
		outcome := appylar.Classify(err)
		e.metrics.RecordFetch(outcome.String(), combos.Len(), latency)
		log.Warn().Err(err).Str("outcome", outcome.String()).Msg("Content fetch failed, dropping cycle")
		return
	}

	e.metrics.RecordFetch(statusLabel(resp.StatusCode), combos.Len(), latency)

	switch resp.StatusCode {
	case http.StatusOK:
		e.applyContentLocked(&log, resp.Body)

	case http.StatusBadRequest, http.StatusForbidden:
		log.Error().Int("status", resp.StatusCode).Msg("Content request rejected, stopping timers")
		e.stopTimersLocked()
		e.restartPending = true
		e.initErrorLocked(string(resp.Body))

	case http.StatusUnauthorized:
		e.renewOnUnauthorizedLocked(gen)

	case http.StatusTooManyRequests:
		e.rateLimitedLocked(&log, resp.Body, combos)

	default:
		log.Warn().Int("status", resp.StatusCode).Msg("Unexpected content response, dropping cycle")
	}
}

// applyContentLocked appends a 200 response to the buffer and, when a
// rejected fetch had stopped the timers, restarts them.
func (e *Engine) applyContentLocked(log *zerolog.Logger, body []byte) {
	decoded, err := appylar.DecodeContent(body)
	if err != nil {
		log.Error().Err(err).Msg("Invalid content response")
		return
	}

	added := make([]creative.Creative, 0, len(decoded.Result))
	for _, env := range decoded.Result {
		c, err := toCreative(env)
		if err != nil {
			log.Warn().Err(err).Int64("creative_id", env.Ad.ID).Msg("Skipping creative")
			continue
		}
		added = append(added, c)
		e.metrics.RecordCreativeReceived(string(c.Orientation), string(c.Type))
	}

	if len(added) > 0 {
		e.buffer.Add(added...)
		e.updateDepthLocked()
		e.persistLocked()
	}
	log.Debug().Int("received", len(added)).Int("buffered", e.buffer.Len()).Msg("Content fetched")

	if e.restartPending && !e.suspended {
		e.restartPending = false
		e.resumeLocked()
	}
}

// rateLimitedLocked re-issues the same fetch after the server supplied wait
func (e *Engine) rateLimitedLocked(log *zerolog.Logger, body []byte, combos creative.Combinations) {
	rl, err := appylar.DecodeRateLimit(body)
	if err != nil {
		log.Warn().Err(err).Msg("Unreadable rate limit response, dropping cycle")
		return
	}
	wait := rl.WaitDuration()
	if rl.Error != config.RateLimitedError || wait <= 0 {
		log.Warn().Str("error", rl.Error).Msg("Rate limited without a usable wait, dropping cycle")
		return
	}
	log.Info().Dur("retry_in", wait).Msg("Rate limited, retrying fetch")
	e.deferLocked(wait, "rate_limited", func() {
		if e.suspended {
			log.Info().Msg("Suspended, dropping rate limited retry")
			return
		}
		e.fetchLocked(combos)
	})
}

func toCreative(env appylar.AdEnvelope) (creative.Creative, error) {
	o := creative.Orientation(env.Ad.Orientation)
	if !o.Valid() {
		return creative.Creative{}, fmt.Errorf("unknown orientation %q", env.Ad.Orientation)
	}
	t := creative.AdType(env.Ad.Type)
	if !t.Valid() {
		return creative.Creative{}, fmt.Errorf("unknown ad type %q", env.Ad.Type)
	}
	expires, err := env.Expiry()
	if err != nil {
		return creative.Creative{}, err
	}
	return creative.Creative{
		ID:          env.Ad.ID,
		Width:       env.Ad.Width,
		Height:      env.Ad.Height,
		Scale:       env.Ad.Scale,
		Orientation: o,
		Type:        t,
		ExpiresAt:   expires,
		Markup:      env.HTML,
		ClickURL:    env.URL,
	}, nil
}

func wireCombinations(combos creative.Combinations) map[string][]string {
	out := make(map[string][]string, len(combos))
	for o, types := range combos {
		if len(types) == 0 {
			continue
		}
		names := make([]string, 0, len(types))
		for _, t := range types {
			names = append(names, string(t))
		}
		out[string(o)] = names
	}
	return out
}

func cloneParams(params map[string][]string) map[string][]string {
	out := make(map[string][]string, len(params))
	for k, v := range params {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// updateDepthLocked publishes the per-partition buffer depth
func (e *Engine) updateDepthLocked() {
	for combo, n := range e.buffer.Counts(e.adTypes) {
		e.metrics.SetBufferDepth(string(combo.Orientation), string(combo.Type), n)
	}
}

// persistLocked saves a snapshot of the buffer in the background
func (e *Engine) persistLocked() {
	if e.store == nil {
		return
	}
	snapshot, seq := e.buffer.Snapshot(), e.nextSaveSeqLocked()
	e.goLocked(func() { e.save(e.ctx, snapshot, seq) })
}

func (e *Engine) nextSaveSeqLocked() uint64 {
	e.saveSeq++
	return e.saveSeq
}

// save writes snapshot unless a newer snapshot was already written
func (e *Engine) save(ctx context.Context, snapshot []creative.Creative, seq uint64) {
	e.saveMu.Lock()
	defer e.saveMu.Unlock()
	if seq <= e.savedSeq {
		return
	}
	e.savedSeq = seq
	if err := e.store.Save(ctx, snapshot); err != nil {
		logger.Buffer().Warn().Err(err).Msg("Failed to persist buffer")
	}
}
