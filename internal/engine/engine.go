// Package engine implements the ad session and buffer engine: session
// negotiation and renewal, buffer replenishment and expiry, and the banner
// and interstitial presentation scheduler.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/thenexusengine/tne_appylar/internal/config"
	"github.com/thenexusengine/tne_appylar/internal/creative"
	"github.com/thenexusengine/tne_appylar/internal/session"
	"github.com/thenexusengine/tne_appylar/pkg/appylar"
	"github.com/thenexusengine/tne_appylar/pkg/logger"
)

// Transport performs one call to the ad service. Any HTTP status is returned
// as a response; errors mean no response arrived.
type Transport interface {
	Do(ctx context.Context, r *appylar.Request) (*appylar.Response, error)
}

// Surface renders creatives for the host application
type Surface interface {
	Render(slot Slot, c creative.Creative) error
	Clear(slot Slot)
	LockOrientation(o creative.Orientation)
	UnlockOrientation()
}

// DisplayMetrics describes the host display for session negotiation
type DisplayMetrics struct {
	Width    float64
	Height   float64
	Density  float64
	Language string
}

// Display answers screen queries
type Display interface {
	Metrics() DisplayMetrics
	Orientation() creative.Orientation
}

// Connectivity reports whether the ad service is worth calling
type Connectivity interface {
	Reachable() bool
}

// URLOpener receives redirect targets from rendered creatives
type URLOpener interface {
	Open(url string)
}

// BufferStore persists the unshown buffer across restarts
type BufferStore interface {
	Save(ctx context.Context, creatives []creative.Creative) error
	Load(ctx context.Context) ([]creative.Creative, error)
}

// MetricsRecorder records engine metrics
type MetricsRecorder interface {
	RecordNegotiation(status string, latency time.Duration)
	SetSessionGeneration(gen int64)
	RecordFetch(status string, combinations int, latency time.Duration)
	RecordCreativeReceived(orientation, adType string)
	SetBufferDepth(orientation, adType string, depth int)
	RecordExpired(n int)
	RecordBufferReset()
	RecordImpression(slot string)
	RecordNoFill(slot string)
	RecordRotation()
	RecordRedirect()
	RecordRetry(reason string)
}

// InitListener receives the outcome of Init
type InitListener interface {
	OnInitialized()
	OnError(msg string)
}

// BannerListener receives banner presentation events
type BannerListener interface {
	OnNoBanner()
	OnBannerShown(height int)
}

// InterstitialListener receives interstitial presentation events
type InterstitialListener interface {
	OnNoInterstitial()
	OnInterstitialShown()
	OnInterstitialClosed()
}

// Config holds engine settings
type Config struct {
	SessionURL        string
	ContentURL        string
	Platform          string
	SDKVersion        string
	RequestTimeout    time.Duration
	RetryBackoff      time.Duration
	ReplenishInterval time.Duration
}

// DefaultConfig returns the production endpoints and timings
func DefaultConfig() Config {
	return Config{
		SessionURL:        config.SessionURL,
		ContentURL:        config.ContentURL,
		Platform:          config.DefaultPlatform,
		SDKVersion:        config.SDKVersion,
		RequestTimeout:    config.DefaultRequestTimeout,
		RetryBackoff:      config.RetryBackoff,
		ReplenishInterval: config.ReplenishInterval,
	}
}

// Options wires the engine to its collaborators. Only Config is required;
// every nil collaborator gets a default.
type Options struct {
	Config       Config
	Clock        clockwork.Clock
	Transport    Transport
	Surface      Surface
	Display      Display
	Connectivity Connectivity
	URLOpener    URLOpener
	Store        BufferStore
	Metrics      MetricsRecorder
}

// Credentials identify the app to the ad service
type Credentials struct {
	AppKey string
	AppID  string
}

// Engine is the ad session and buffer engine. All state is guarded by one
// mutex. Listener and surface calls are queued while the lock is held and
// run after it is released, in lock order, so callbacks may call back into
// the engine and concurrent callers never see their effects reordered.
type Engine struct {
	cfg          Config
	userAgent    string
	clock        clockwork.Clock
	transport    Transport
	surface      Surface
	display      Display
	connectivity Connectivity
	opener       URLOpener
	store        BufferStore
	metrics      MetricsRecorder

	// spawn runs network and storage work off the caller's goroutine
	spawn func(func())

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	outbox   []func()
	draining bool
	closed   bool

	initialized           bool
	degraded              bool
	sessionAttemptSuccess bool
	negotiating           bool
	suspended             bool
	creds                 Credentials
	adTypes               []creative.AdType
	testMode              bool
	initListener          InitListener
	params                map[string][]string

	sessions *session.Store
	buffer   *creative.Buffer

	// periodicActive records that the sweep+replenish tick was started by a
	// successful negotiation and should come back after a stop.
	periodicActive bool
	periodic       *timer
	restartPending bool

	banners        [2]*bannerSlot
	bannerListener BannerListener
	interstitial   interstitialSlot

	deferred map[uint64]*timer
	timerSeq uint64

	saveMu   sync.Mutex
	saveSeq  uint64
	savedSeq uint64

	// onTimerDone is called after a timer callback has fully run
	onTimerDone func(name string)
}

// New creates an engine. It does nothing until Init is called.
func New(opts Options) *Engine {
	cfg := opts.Config
	defaults := DefaultConfig()
	if cfg.SessionURL == "" {
		cfg.SessionURL = defaults.SessionURL
	}
	if cfg.ContentURL == "" {
		cfg.ContentURL = defaults.ContentURL
	}
	if cfg.SDKVersion == "" {
		cfg.SDKVersion = defaults.SDKVersion
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaults.RequestTimeout
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaults.RetryBackoff
	}
	if cfg.ReplenishInterval <= 0 {
		cfg.ReplenishInterval = defaults.ReplenishInterval
	}

	e := &Engine{
		cfg:          cfg,
		userAgent:    appylar.UserAgent(cfg.Platform, cfg.SDKVersion),
		clock:        opts.Clock,
		transport:    opts.Transport,
		surface:      opts.Surface,
		display:      opts.Display,
		connectivity: opts.Connectivity,
		opener:       opts.URLOpener,
		store:        opts.Store,
		metrics:      opts.Metrics,
		spawn:        func(f func()) { go f() },
		params:       make(map[string][]string),
		sessions:     session.NewStore(),
		buffer:       creative.NewBuffer(),
		deferred:     make(map[uint64]*timer),
	}
	if e.clock == nil {
		e.clock = clockwork.NewRealClock()
	}
	if e.transport == nil {
		e.transport = appylar.NewClient(cfg.RequestTimeout)
	}
	if e.surface == nil {
		e.surface = nopSurface{}
	}
	if e.display == nil {
		e.display = StaticDisplay{Orient: creative.Portrait}
	}
	if e.connectivity == nil {
		e.connectivity = AlwaysReachable{}
	}
	if e.opener == nil {
		e.opener = logOpener{}
	}
	if e.metrics == nil {
		e.metrics = nopMetrics{}
	}
	for _, p := range Positions {
		e.banners[p] = &bannerSlot{position: p}
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e
}

// unlock releases the engine lock and runs everything queued while it was
// held. Queued calls run in the order they were emitted, one at a time, on
// whichever goroutine is draining. A caller that finds a drain in progress
// leaves its calls behind the ones already queued and returns.
func (e *Engine) unlock() {
	if e.draining || len(e.outbox) == 0 {
		e.mu.Unlock()
		return
	}
	e.draining = true
	for len(e.outbox) > 0 {
		fn := e.outbox[0]
		e.outbox[0] = nil
		e.outbox = e.outbox[1:]
		e.mu.Unlock()
		e.dispatch(fn)
		e.mu.Lock()
	}
	e.draining = false
	e.mu.Unlock()
}

// dispatch runs one queued call. A panicking listener hands the drain back
// so later calls are not stranded.
func (e *Engine) dispatch(fn func()) {
	done := false
	defer func() {
		if !done {
			e.mu.Lock()
			e.draining = false
			e.mu.Unlock()
		}
	}()
	fn()
	done = true
}

// emit queues fn to run after the lock is released
func (e *Engine) emit(fn func()) {
	e.outbox = append(e.outbox, fn)
}

// goLocked queues fn to run through spawn after the lock is released
func (e *Engine) goLocked(fn func()) {
	e.emit(func() { e.spawn(fn) })
}

// Status is a point-in-time view of the engine
type Status struct {
	Initialized         bool
	Degraded            bool
	Suspended           bool
	HasSession          bool
	SessionGeneration   int64
	Buffered            int
	Banners             map[Position]bool
	InterstitialShowing bool
	RestartPending      bool
}

// Status returns the current engine state
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.unlock()

	s := Status{
		Initialized:         e.initialized,
		Degraded:            e.degraded,
		Suspended:           e.suspended,
		Buffered:            e.buffer.Len(),
		Banners:             make(map[Position]bool, len(e.banners)),
		InterstitialShowing: e.interstitial.phase == interstitialShowing,
		RestartPending:      e.restartPending,
	}
	if current, ok := e.sessions.Current(); ok {
		s.HasSession = true
		s.SessionGeneration = current.Generation
	}
	for _, slot := range e.banners {
		s.Banners[slot.position] = slot.phase == bannerShowing
	}
	return s
}

// Close stops every timer and retry and cancels in-flight calls. The
// buffer is persisted one last time when a store is configured.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.unlock()
		return
	}
	e.closed = true
	e.stopTimersLocked()
	for id, t := range e.deferred {
		t.stop()
		delete(e.deferred, id)
	}
	e.negotiating = false
	snapshot, seq := e.buffer.Snapshot(), e.nextSaveSeqLocked()
	e.unlock()

	e.cancel()
	if e.store != nil {
		e.save(context.Background(), snapshot, seq)
	}
	logger.Log.Info().Msg("Ad engine closed")
}
