package engine

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/thenexusengine/tne_appylar/internal/creative"
	"github.com/thenexusengine/tne_appylar/internal/session"
	"github.com/thenexusengine/tne_appylar/pkg/logger"
)

// Slot names a presentation location on the Surface
type Slot string

// Presentation slots
const (
	SlotTop          Slot = "top"
	SlotBottom       Slot = "bottom"
	SlotInterstitial Slot = "interstitial"
)

// Position is a banner placement
type Position int

// Banner positions
const (
	Top Position = iota
	Bottom
)

// Positions lists every banner position
var Positions = []Position{Top, Bottom}

func (p Position) String() string {
	return string(p.Slot())
}

// Slot returns the surface slot for p
func (p Position) Slot() Slot {
	if p == Bottom {
		return SlotBottom
	}
	return SlotTop
}

func (p Position) valid() bool {
	return p == Top || p == Bottom
}

// ParsePosition parses "top" or "bottom"
func ParsePosition(s string) (Position, error) {
	switch Slot(s) {
	case SlotTop:
		return Top, nil
	case SlotBottom:
		return Bottom, nil
	default:
		return 0, fmt.Errorf("unknown banner position %q", s)
	}
}

type bannerPhase int

const (
	bannerIdle bannerPhase = iota
	// bannerPending: requested, nothing shown yet, rotation retry armed
	bannerPending
	bannerShowing
)

type bannerSlot struct {
	position  Position
	phase     bannerPhase
	placement string
	current   *creative.Creative
	rotation  *timer
}

func (s *bannerSlot) active() bool {
	return s.phase != bannerIdle
}

// ShowBanner shows a banner at pos and keeps rotating it every rotation
// interval. With nothing to show, listener.OnNoBanner is called once and the
// slot keeps retrying silently on the rotation interval. The request is
// ignored while the slot is already active or an interstitial is showing.
func (e *Engine) ShowBanner(pos Position, listener BannerListener, placement string) {
	e.mu.Lock()
	defer e.unlock()

	if e.closed || !pos.valid() {
		return
	}
	slot := e.banners[pos]
	log := e.slotLogger(pos.Slot())
	e.bannerListener = listener

	if e.interstitial.phase == interstitialShowing {
		log.Debug().Msg("Banner request ignored while interstitial is showing")
		return
	}
	if slot.active() {
		log.Debug().Msg("Banner request ignored, slot already active")
		return
	}

	s, ok := e.sessions.Current()
	if !ok {
		log.Info().Err(errNoSession).Msg("No banner available")
		e.noBannerLocked(pos, listener)
		return
	}

	slot.placement = placement
	if e.presentBannerLocked(slot, s, true) {
		return
	}
	slot.phase = bannerPending
	log.Info().Dur("retry_in", s.RotationInterval).Msg("No banner available, will retry on rotation")
	e.noBannerLocked(pos, listener)
}

func (e *Engine) noBannerLocked(pos Position, listener BannerListener) {
	e.metrics.RecordNoFill(pos.String())
	if listener != nil {
		e.emit(listener.OnNoBanner)
	}
}

// presentBannerLocked arms the next rotation and, if a matching creative is
// buffered, takes it and renders it into the slot. While timers are held the
// rotation is left for resumeLocked to arm.
func (e *Engine) presentBannerLocked(slot *bannerSlot, s session.Session, explicit bool) bool {
	if !e.timersHeldLocked() {
		e.armRotationLocked(slot, s.RotationInterval)
	}

	c, ok := e.buffer.Take(e.display.Orientation(), creative.Banner)
	if !ok {
		return false
	}
	c = c.WithPlacement(slot.placement)
	slot.current = &c
	slot.phase = bannerShowing

	e.renderLocked(slot.position.Slot(), c)
	e.metrics.RecordImpression(slot.position.String())
	e.updateDepthLocked()
	e.persistLocked()

	if l := e.bannerListener; explicit && l != nil {
		height := c.Height
		e.emit(func() { l.OnBannerShown(height) })
	}
	e.slotLogger(slot.position.Slot()).Debug().
		Int64("creative_id", c.ID).
		Bool("rotation", !explicit).
		Msg("Banner shown")
	return true
}

func (e *Engine) armRotationLocked(slot *bannerSlot, d time.Duration) {
	slot.rotation.stop()
	slot.rotation = e.scheduleLocked(d, "rotation:"+slot.position.String(), func(id uint64) {
		e.rotateLocked(slot, id)
	})
}

// rotateLocked replaces the slot's creative. Running dry never reaches the
// caller; the slot simply tries again next interval.
func (e *Engine) rotateLocked(slot *bannerSlot, id uint64) {
	if slot.rotation == nil || slot.rotation.id != id {
		return
	}
	slot.rotation = nil
	if !slot.active() || e.interstitial.phase == interstitialShowing {
		return
	}
	s, ok := e.sessions.Current()
	if !ok {
		return
	}
	e.presentBannerLocked(slot, s, false)
	e.metrics.RecordRotation()
}

// HideBanner clears the given banner positions, or both when none are given,
// and cancels their rotation.
func (e *Engine) HideBanner(positions ...Position) {
	e.mu.Lock()
	defer e.unlock()

	if e.closed {
		return
	}
	if len(positions) == 0 {
		positions = Positions
	}
	for _, pos := range positions {
		if !pos.valid() {
			continue
		}
		slot := e.banners[pos]
		slot.rotation.stop()
		slot.rotation = nil
		slot.phase = bannerIdle
		slot.current = nil
		slot.placement = ""
		target := pos.Slot()
		e.emit(func() { e.surface.Clear(target) })
	}
	logger.Scheduler().Debug().Int("slots", len(positions)).Msg("Banners hidden")
}

func (e *Engine) renderLocked(slot Slot, c creative.Creative) {
	e.emit(func() {
		if err := e.surface.Render(slot, c); err != nil {
			e.slotLogger(slot).Error().Err(err).Int64("creative_id", c.ID).Msg("Render failed")
		}
	})
}

// slotLogger returns a scheduler logger carrying the slot name
func (e *Engine) slotLogger(slot Slot) *zerolog.Logger {
	l := logger.FromContext(logger.WithSlot(e.ctx, string(slot))).With().Str("component", "scheduler").Logger()
	return &l
}
