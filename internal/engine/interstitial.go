package engine

import (
	"github.com/thenexusengine/tne_appylar/internal/creative"
)

type interstitialPhase int

const (
	interstitialIdle interstitialPhase = iota
	interstitialRequested
	interstitialShowing
)

type interstitialSlot struct {
	phase    interstitialPhase
	current  *creative.Creative
	listener InterstitialListener
}

// ShowInterstitial takes an interstitial for the current orientation and
// renders it full screen. Banner rotation is held until it closes and the
// device orientation is locked to the creative's.
func (e *Engine) ShowInterstitial(listener InterstitialListener, placement string) {
	e.mu.Lock()
	defer e.unlock()

	if e.closed {
		return
	}
	log := e.slotLogger(SlotInterstitial)
	if e.interstitial.phase != interstitialIdle {
		log.Debug().Msg("Interstitial request ignored, one is already active")
		return
	}

	e.interstitial.listener = listener
	e.interstitial.phase = interstitialRequested

	c, ok := e.buffer.Take(e.display.Orientation(), creative.Interstitial)
	if !ok {
		e.interstitial.phase = interstitialIdle
		e.metrics.RecordNoFill(string(SlotInterstitial))
		log.Info().Msg("No interstitial available")
		if listener != nil {
			e.emit(listener.OnNoInterstitial)
		}
		return
	}

	c = c.WithPlacement(placement)
	e.interstitial.current = &c
	e.interstitial.phase = interstitialShowing

	if listener != nil {
		e.emit(listener.OnInterstitialShown)
	}
	e.renderLocked(SlotInterstitial, c)
	orientation := c.Orientation
	e.emit(func() { e.surface.LockOrientation(orientation) })

	for _, slot := range e.banners {
		slot.rotation.stop()
		slot.rotation = nil
	}

	e.metrics.RecordImpression(string(SlotInterstitial))
	e.updateDepthLocked()
	e.persistLocked()
	log.Debug().Int64("creative_id", c.ID).Str("orientation", string(orientation)).Msg("Interstitial shown")
}

// CloseInterstitial tears down the showing interstitial, releases the
// orientation lock and restarts rotation for every active banner with a
// full interval. Rotation stays off while suspended or while a rejected
// fetch is waiting for the next success.
func (e *Engine) CloseInterstitial() {
	e.mu.Lock()
	defer e.unlock()
	e.closeInterstitialLocked()
}

func (e *Engine) closeInterstitialLocked() {
	if e.closed || e.interstitial.phase != interstitialShowing {
		return
	}

	if l := e.interstitial.listener; l != nil {
		e.emit(l.OnInterstitialClosed)
	}
	e.interstitial.phase = interstitialIdle
	e.interstitial.current = nil
	e.emit(func() {
		e.surface.Clear(SlotInterstitial)
		e.surface.UnlockOrientation()
	})

	if s, ok := e.sessions.Current(); ok && !e.timersHeldLocked() {
		for _, slot := range e.banners {
			if slot.active() {
				e.armRotationLocked(slot, s.RotationInterval)
			}
		}
	}
	e.slotLogger(SlotInterstitial).Debug().Msg("Interstitial closed")
}
