package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/thenexusengine/tne_appylar/internal/config"
	"github.com/thenexusengine/tne_appylar/internal/creative"
	"github.com/thenexusengine/tne_appylar/internal/engine"
	"github.com/thenexusengine/tne_appylar/internal/metrics"
	"github.com/thenexusengine/tne_appylar/pkg/appylar"
	"github.com/thenexusengine/tne_appylar/pkg/logger"
	"github.com/thenexusengine/tne_appylar/pkg/redis"
)

// Harness runs the engine headless against a logging surface
type Harness struct {
	config      *HarnessConfig
	clock       clockwork.Clock
	registry    *prometheus.Registry
	metrics     *metrics.Metrics
	client      *appylar.Client
	redisClient *redis.Client
	engine      *engine.Engine
	httpServer  *http.Server

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewHarness creates a new harness instance
func NewHarness(cfg *HarnessConfig, clock clockwork.Clock) (*Harness, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	h := &Harness{
		config: cfg,
		clock:  clock,
		stop:   make(chan struct{}),
	}

	if err := h.initialize(); err != nil {
		return nil, err
	}

	return h, nil
}

// initialize sets up all harness components
func (h *Harness) initialize() error {
	log := logger.Log

	log.Info().
		Str("metrics_port", h.config.MetricsPort).
		Strs("ad_types", h.config.AdTypes).
		Bool("test_mode", h.config.TestMode).
		Str("banner", h.config.Banner).
		Msg("Initializing Appylar ad engine harness")

	h.registry = prometheus.NewRegistry()
	h.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	h.metrics = metrics.NewMetrics("appylar", h.registry)

	h.initTransport()

	// Redis failures are non-fatal, the buffer just is not persisted
	if err := h.initRedis(); err != nil {
		log.Warn().Err(err).Msg("Redis initialization failed, continuing without buffer persistence")
	}

	h.initEngine()
	h.initHandlers()
	return nil
}

// initTransport creates the ad service client with its circuit breaker wired to metrics
func (h *Harness) initTransport() {
	engineCfg := h.config.ToEngineConfig()
	cbConfig := appylar.DefaultCircuitBreakerConfig()
	cbConfig.OnStateChange = func(from, to string) {
		h.metrics.SetCircuitState(to)
		logger.Transport().Warn().Str("from", from).Str("to", to).Msg("Ad service circuit breaker changed state")
	}
	h.client = appylar.NewClientWithCircuitBreaker(engineCfg.RequestTimeout, cbConfig)
	h.metrics.SetCircuitState(appylar.StateClosed)
}

// initRedis initializes the Redis client
func (h *Harness) initRedis() error {
	log := logger.Log

	if h.config.RedisURL == "" {
		log.Info().Msg("REDIS_URL not set, buffer persistence disabled")
		return nil
	}

	client, err := redis.New(h.config.RedisURL)
	if err != nil {
		return err
	}
	h.redisClient = client

	log.Info().Msg("Redis client initialized")
	return nil
}

func (h *Harness) initEngine() {
	opts := engine.Options{
		Config:    h.config.ToEngineConfig(),
		Clock:     h.clock,
		Transport: h.client,
		Surface:   logSurface{},
		Display: engine.StaticDisplay{
			DisplayMetrics: engine.DisplayMetrics{
				Width:    h.config.Display.Width,
				Height:   h.config.Display.Height,
				Density:  h.config.Display.Density,
				Language: h.config.Display.Language,
			},
			Orient: creative.Orientation(h.config.Display.Orientation),
		},
		URLOpener: logOpener{},
		Metrics:   h.metrics,
	}
	if h.redisClient != nil {
		opts.Store = redis.NewBufferStore(h.redisClient, h.config.AppID, h.clock)
	}
	h.engine = engine.New(opts)
}

// initHandlers builds the HTTP server for metrics, health and status
func (h *Harness) initHandlers() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.HandlerFor(h.registry))
	mux.Handle("/health", healthHandler())
	mux.Handle("/health/ready", readyHandler(h.redisClient, h.client, h.engine))
	mux.HandleFunc("/status", h.statusHandler)
	mux.HandleFunc("/admin/circuit-breaker", h.circuitBreakerHandler)
	mux.HandleFunc("/admin/circuit-breaker/reset", h.lifecycleHandler(h.client.ResetCircuitBreaker))
	mux.HandleFunc("/admin/suspend", h.lifecycleHandler(h.engine.Suspend))
	mux.HandleFunc("/admin/resume", h.lifecycleHandler(h.engine.Resume))

	h.httpServer = &http.Server{
		Addr:         ":" + h.config.MetricsPort,
		Handler:      loggingMiddleware(adminAuth(h.config.AdminKey, mux)),
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: config.ServerWriteTimeout,
		IdleTimeout:  config.ServerIdleTimeout,
	}
}

// Run initializes the engine and starts the interstitial and status loops
func (h *Harness) Run() {
	h.engine.Init(
		engine.Credentials{AppKey: h.config.AppKey, AppID: h.config.AppID},
		h.config.EngineAdTypes(),
		h.config.TestMode,
		h,
	)

	if every := time.Duration(h.config.InterstitialEverySeconds) * time.Second; every > 0 && h.wantsInterstitials() {
		h.loop(every, func() {
			h.engine.ShowInterstitial(h, h.config.Placement)
		})
	}
	if every := time.Duration(h.config.StatusIntervalSeconds) * time.Second; every > 0 {
		h.loop(every, h.logStatus)
	}
}

func (h *Harness) wantsInterstitials() bool {
	for _, t := range h.config.EngineAdTypes() {
		if t == creative.Interstitial {
			return true
		}
	}
	return false
}

// loop runs fn every interval until Shutdown
func (h *Harness) loop(every time.Duration, fn func()) {
	ticker := h.clock.NewTicker(every)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.Chan():
				fn()
			case <-h.stop:
				return
			}
		}
	}()
}

func (h *Harness) logStatus() {
	st := h.engine.Status()
	logger.Log.Info().
		Bool("initialized", st.Initialized).
		Bool("has_session", st.HasSession).
		Bool("degraded", st.Degraded).
		Bool("suspended", st.Suspended).
		Int64("generation", st.SessionGeneration).
		Int("buffered", st.Buffered).
		Bool("interstitial_showing", st.InterstitialShowing).
		Msg("Engine status")
}

// OnInitialized shows the configured banner once a session exists
func (h *Harness) OnInitialized() {
	logger.Log.Info().Msg("Ad engine initialized")
	if len(h.config.Parameters) > 0 {
		h.engine.SetParameters(h.config.Parameters)
	}
	if pos, ok := h.config.BannerPosition(); ok {
		h.engine.ShowBanner(pos, h, h.config.Placement)
	}
}

// OnError logs initialization and content errors
func (h *Harness) OnError(msg string) {
	logger.Log.Error().Str("error", msg).Msg("Ad engine reported an error")
}

// OnNoBanner logs a banner request that found nothing
func (h *Harness) OnNoBanner() {
	logger.Log.Info().Msg("No banner available, engine will keep retrying")
}

// OnBannerShown logs a shown banner
func (h *Harness) OnBannerShown(height int) {
	logger.Log.Info().Int("height", height).Msg("Banner shown")
}

// OnNoInterstitial logs an interstitial request that found nothing
func (h *Harness) OnNoInterstitial() {
	logger.Log.Info().Msg("No interstitial available")
}

// OnInterstitialShown closes the interstitial after the configured time the
// way a user tapping close would, through a surface callback.
func (h *Harness) OnInterstitialShown() {
	after := time.Duration(h.config.InterstitialCloseAfterSeconds) * time.Second
	h.clock.AfterFunc(after, func() {
		if err := h.engine.HandleSurfaceCallback(config.CallbackScheme + "operation=close"); err != nil {
			logger.Log.Warn().Err(err).Msg("Failed to close interstitial")
		}
	})
}

// OnInterstitialClosed logs a closed interstitial
func (h *Harness) OnInterstitialClosed() {
	logger.Log.Info().Msg("Interstitial closed")
}

// statusHandler returns the engine status
func (h *Harness) statusHandler(w http.ResponseWriter, r *http.Request) {
	st := h.engine.Status()
	banners := make(map[string]bool, len(st.Banners))
	for pos, showing := range st.Banners {
		banners[pos.String()] = showing
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"initialized":          st.Initialized,
		"degraded":             st.Degraded,
		"suspended":            st.Suspended,
		"has_session":          st.HasSession,
		"session_generation":   st.SessionGeneration,
		"buffered":             st.Buffered,
		"banners":              banners,
		"interstitial_showing": st.InterstitialShowing,
		"restart_pending":      st.RestartPending,
	})
}

// circuitBreakerHandler returns circuit breaker stats
func (h *Harness) circuitBreakerHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ad_service": h.client.CircuitBreakerStats(),
	})
}

// lifecycleHandler exposes an admin action over POST
func (h *Harness) lifecycleHandler(fn func()) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		fn()
		w.WriteHeader(http.StatusNoContent)
	}
}

// Start starts the HTTP server
func (h *Harness) Start() error {
	log := logger.Log
	log.Info().Str("addr", h.httpServer.Addr).Msg("Harness listening")

	if err := h.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the loops and the engine, then the HTTP server
func (h *Harness) Shutdown(ctx context.Context) error {
	log := logger.Log
	log.Info().Msg("Starting graceful shutdown")

	h.stopOnce.Do(func() { close(h.stop) })
	h.wg.Wait()

	// Close persists the remaining buffer, so it runs before redis goes away
	h.engine.Close()

	if h.redisClient != nil {
		if err := h.redisClient.Close(); err != nil {
			log.Warn().Err(err).Msg("Error closing redis client")
		}
	}

	if err := h.httpServer.Shutdown(ctx); err != nil {
		return err
	}

	log.Info().Msg("Harness stopped gracefully")
	return nil
}

// logSurface renders creatives into the log
type logSurface struct{}

func (logSurface) Render(slot engine.Slot, c creative.Creative) error {
	logger.Slot(string(slot)).Info().
		Int64("creative_id", c.ID).
		Int("width", c.Width).
		Int("height", c.Height).
		Str("orientation", string(c.Orientation)).
		Time("expires_at", c.ExpiresAt).
		Int("markup_bytes", len(c.Markup)).
		Msg("Render")
	return nil
}

func (logSurface) Clear(slot engine.Slot) {
	logger.Slot(string(slot)).Info().Msg("Clear")
}

func (logSurface) LockOrientation(o creative.Orientation) {
	logger.Scheduler().Debug().Str("orientation", string(o)).Msg("Orientation locked")
}

func (logSurface) UnlockOrientation() {
	logger.Scheduler().Debug().Msg("Orientation unlocked")
}

type logOpener struct{}

func (logOpener) Open(url string) {
	logger.Scheduler().Info().Str("url", url).Msg("Redirect")
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// loggingMiddleware logs HTTP requests with structured logging
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(wrapped, r)

		event := logger.Log.Debug()
		if wrapped.statusCode >= 400 {
			event = logger.Log.Warn()
		}
		if wrapped.statusCode >= 500 {
			event = logger.Log.Error()
		}

		event.
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapped.statusCode).
			Dur("duration_ms", time.Since(start)).
			Msg("HTTP request")
	})
}

// adminAuth requires the admin key in X-API-Key on /admin/ paths. An empty
// key leaves the endpoints open.
func adminAuth(key string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if key == "" || !strings.HasPrefix(r.URL.Path, "/admin/") {
			next.ServeHTTP(w, r)
			return
		}

		provided := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(key)) != 1 {
			logger.Log.Warn().
				Str("path", r.URL.Path).
				Bool("key_present", provided != "").
				Msg("Rejected admin request")
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid or missing API key"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// healthHandler returns a simple liveness check
func healthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":    "healthy",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"version":   config.SDKVersion,
		})
	})
}

// readyHandler reports ready once a session exists and neither the ad
// service circuit nor a configured redis is failing
func readyHandler(redisClient *redis.Client, client *appylar.Client, eng *engine.Engine) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		checks := make(map[string]interface{})
		allHealthy := true

		if redisClient != nil {
			if err := redisClient.Ping(ctx); err != nil {
				checks["redis"] = map[string]interface{}{
					"status": "unhealthy",
					"error":  err.Error(),
				}
				allHealthy = false
			} else {
				pool := redisClient.PoolStats()
				checks["redis"] = map[string]interface{}{
					"status":      "healthy",
					"total_conns": pool.TotalConns,
					"idle_conns":  pool.IdleConns,
				}
			}
		} else {
			checks["redis"] = map[string]interface{}{
				"status": "disabled",
			}
		}

		if client.IsCircuitOpen() {
			checks["ad_service"] = map[string]interface{}{
				"status":  "unhealthy",
				"circuit": appylar.StateOpen,
			}
			allHealthy = false
		} else {
			checks["ad_service"] = map[string]interface{}{
				"status":  "healthy",
				"circuit": client.CircuitBreakerStats().State,
			}
		}

		st := eng.Status()
		switch {
		case st.HasSession && !st.Degraded:
			checks["session"] = map[string]interface{}{
				"status":     "healthy",
				"generation": st.SessionGeneration,
			}
		case st.Degraded:
			checks["session"] = map[string]interface{}{
				"status": "degraded",
			}
			allHealthy = false
		default:
			checks["session"] = map[string]interface{}{
				"status": "pending",
			}
			allHealthy = false
		}

		status := http.StatusOK
		if !allHealthy {
			status = http.StatusServiceUnavailable
		}

		writeJSON(w, status, map[string]interface{}{
			"ready":     allHealthy,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"checks":    checks,
		})
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.Error().Err(err).Msg("failed to encode response")
	}
}
