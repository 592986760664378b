package engine

import (
	"time"

	"github.com/thenexusengine/tne_appylar/internal/creative"
	"github.com/thenexusengine/tne_appylar/pkg/logger"
)

// StaticDisplay is a Display with fixed metrics and orientation
type StaticDisplay struct {
	DisplayMetrics
	Orient creative.Orientation
}

// Metrics returns the fixed display metrics
func (d StaticDisplay) Metrics() DisplayMetrics {
	return d.DisplayMetrics
}

// Orientation returns the fixed orientation
func (d StaticDisplay) Orientation() creative.Orientation {
	return d.Orient
}

// AlwaysReachable is a Connectivity that never reports the network down
type AlwaysReachable struct{}

// Reachable always returns true
func (AlwaysReachable) Reachable() bool { return true }

type nopSurface struct{}

func (nopSurface) Render(Slot, creative.Creative) error { return nil }
func (nopSurface) Clear(Slot) {}
func (nopSurface) LockOrientation(creative.Orientation) {}
func (nopSurface) UnlockOrientation() {}

type logOpener struct{}

func (logOpener) Open(url string) {
	logger.Scheduler().Info().Str("url", url).Msg("Redirect requested with no URL opener configured")
}

type nopMetrics struct{}

func (nopMetrics) RecordNegotiation(string, time.Duration) {}
func (nopMetrics) SetSessionGeneration(int64) {}
func (nopMetrics) RecordFetch(string, int, time.Duration) {}
func (nopMetrics) RecordCreativeReceived(string, string) {}
func (nopMetrics) SetBufferDepth(string, string, int) {}
func (nopMetrics) RecordExpired(int) {}
func (nopMetrics) RecordBufferReset() {}
func (nopMetrics) RecordImpression(string) {}
func (nopMetrics) RecordNoFill(string) {}
func (nopMetrics) RecordRotation() {}
func (nopMetrics) RecordRedirect() {}
func (nopMetrics) RecordRetry(string) {}
