package engine

import (
	"reflect"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/thenexusengine/tne_appylar/internal/creative"
	"github.com/thenexusengine/tne_appylar/internal/metrics"
	"github.com/thenexusengine/tne_appylar/pkg/appylar"
)

func TestCheckAndReplenishOnlyBelowFloor(t *testing.T) {
	h := newHarness(t)
	h.transport.queueSession(sessionReply("tok-1", 10, 2))
	h.start()

	h.fill(
		newCreative(1, creative.Portrait, creative.Banner, time.Hour),
		newCreative(2, creative.Portrait, creative.Banner, time.Hour),
		newCreative(3, creative.Landscape, creative.Banner, time.Hour),
		newCreative(4, creative.Portrait, creative.Interstitial, time.Hour),
		newCreative(5, creative.Portrait, creative.Interstitial, time.Hour),
		newCreative(6, creative.Portrait, creative.Interstitial, time.Hour),
	)

	got := h.engine.CheckAndReplenish()
	want := creative.Combinations{
		creative.Landscape: {creative.Banner, creative.Interstitial},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}

	_, payload := h.transport.contentRequest(t, 1)
	wantWire := map[string][]string{"landscape": {"banner", "interstitial"}}
	if !reflect.DeepEqual(payload.Combinations, wantWire) {
		t.Errorf("expected wire combinations %v, got %v", wantWire, payload.Combinations)
	}
}

func TestCheckAndReplenishNothingBelowFloor(t *testing.T) {
	h := newHarness(t)
	h.transport.queueSession(sessionReply("tok-1", 10, 1))
	h.start()
	h.fill(
		newCreative(1, creative.Portrait, creative.Banner, time.Hour),
		newCreative(2, creative.Landscape, creative.Banner, time.Hour),
		newCreative(3, creative.Portrait, creative.Interstitial, time.Hour),
		newCreative(4, creative.Landscape, creative.Interstitial, time.Hour),
	)
	calls := h.transport.contentCalls()

	if got := h.engine.CheckAndReplenish(); got.Len() != 0 {
		t.Errorf("expected nothing to replenish, got %v", got)
	}
	if h.transport.contentCalls() != calls {
		t.Error("expected no fetch")
	}
}

func TestCheckAndReplenishSkipsCycleWhenUnreachable(t *testing.T) {
	h := newHarness(t)
	h.transport.queueSession(sessionReply("tok-1", 10, 2))
	h.start()
	calls := h.transport.contentCalls()

	h.network.down.Store(true)
	if got := h.engine.CheckAndReplenish(); got.Len() != 0 {
		t.Errorf("expected skipped cycle, got %v", got)
	}
	if h.transport.contentCalls() != calls {
		t.Error("expected no fetch while unreachable")
	}
	if h.pendingRetries() != 0 {
		t.Error("expected the cycle to be skipped, not retried")
	}
}

func TestCheckAndReplenishWithoutSession(t *testing.T) {
	h := newHarness(t)
	if got := h.engine.CheckAndReplenish(); got.Len() != 0 {
		t.Errorf("expected nothing without a session, got %v", got)
	}
	if h.transport.contentCalls() != 0 {
		t.Error("expected no fetch without a session")
	}
}

func TestSweepExpiredRemovesOnlyExpired(t *testing.T) {
	h := newHarness(t)
	h.fill(
		newCreative(1, creative.Portrait, creative.Banner, -time.Minute),
		newCreative(2, creative.Portrait, creative.Banner, 0),
		newCreative(3, creative.Portrait, creative.Banner, time.Second),
		newCreative(4, creative.Landscape, creative.Interstitial, time.Hour),
	)

	if got := h.engine.SweepExpired(); got != 2 {
		t.Errorf("expected 2 expired, got %d", got)
	}
	ids := []int64{}
	for _, c := range h.engine.buffer.Snapshot() {
		ids = append(ids, c.ID)
	}
	if !reflect.DeepEqual(ids, []int64{3, 4}) {
		t.Errorf("expected [3 4] to remain, got %v", ids)
	}
	if got := h.engine.SweepExpired(); got != 0 {
		t.Errorf("expected second sweep to remove nothing, got %d", got)
	}
}

func TestFetchAppendsReceivedCreatives(t *testing.T) {
	h := newHarness(t)
	expires := epoch.Add(time.Hour)
	h.transport.queueContent(contentReply(t,
		envelope(1, creative.Portrait, creative.Banner, expires),
		envelope(2, creative.Landscape, creative.Interstitial, expires),
		envelope(3, "diagonal", creative.Banner, expires),
		envelope(4, creative.Portrait, "video", expires),
		envelope(5, creative.Portrait, creative.Banner, expires),
	))
	h.start()

	if got := h.buffered(creative.Portrait, creative.Banner); got != 2 {
		t.Errorf("expected 2 portrait banners, got %d", got)
	}
	if got := h.buffered(creative.Landscape, creative.Interstitial); got != 1 {
		t.Errorf("expected 1 landscape interstitial, got %d", got)
	}
	if got := h.engine.buffer.Len(); got != 3 {
		t.Errorf("expected invalid creatives skipped, got %d buffered", got)
	}

	first := h.engine.buffer.Snapshot()[0]
	if first.ID != 1 || first.ClickURL != "https://click.test/1" || !first.ExpiresAt.Equal(expires) {
		t.Errorf("unexpected first creative %+v", first)
	}

	// A second fetch appends behind what is already buffered
	h.transport.queueContent(contentReply(t, envelope(6, creative.Portrait, creative.Banner, expires)))
	h.engine.SetParameters(map[string][]string{"k": {"v"}})
	h.transport.queueContent(contentReply(t, envelope(7, creative.Portrait, creative.Banner, expires)))
	h.engine.mu.Lock()
	h.engine.fetchLocked(creative.All([]creative.AdType{creative.Banner}))
	h.engine.unlock()

	ids := []int64{}
	for _, c := range h.engine.buffer.Snapshot() {
		ids = append(ids, c.ID)
	}
	if !reflect.DeepEqual(ids, []int64{6, 7}) {
		t.Errorf("expected [6 7] after reset and append, got %v", ids)
	}
}

func TestFetchEmptyResultLeavesBufferUnchanged(t *testing.T) {
	h := newHarness(t)
	h.transport.queueSession(sessionReply("tok-1", 10, 2))
	h.start()
	h.fill(newCreative(1, creative.Portrait, creative.Banner, time.Hour))
	before := h.engine.buffer.Snapshot()

	first := h.engine.CheckAndReplenish()
	if first.Len() == 0 {
		t.Fatal("expected partitions below the floor")
	}
	if got := h.engine.buffer.Snapshot(); !reflect.DeepEqual(got, before) {
		t.Errorf("expected buffer unchanged, got %+v", got)
	}

	// Still below the floor, so the same partitions are asked for again
	if second := h.engine.CheckAndReplenish(); !reflect.DeepEqual(second, first) {
		t.Errorf("expected %v again, got %v", first, second)
	}
}

func TestPeriodicTickSweepsThenReplenishes(t *testing.T) {
	h := newHarness(t)
	h.transport.queueSession(sessionReply("tok-1", 10, 1))
	h.start()
	h.fill(
		newCreative(1, creative.Portrait, creative.Banner, 10*time.Second),
		newCreative(2, creative.Landscape, creative.Banner, time.Hour),
		newCreative(3, creative.Portrait, creative.Interstitial, time.Hour),
		newCreative(4, creative.Landscape, creative.Interstitial, time.Hour),
	)
	calls := h.transport.contentCalls()

	h.advance(30*time.Second, "periodic", 1)

	if got := h.buffered(creative.Portrait, creative.Banner); got != 0 {
		t.Errorf("expected expired banner swept, got %d", got)
	}
	if h.transport.contentCalls() != calls+1 {
		t.Fatalf("expected one replenish fetch, got %d", h.transport.contentCalls()-calls)
	}
	_, payload := h.transport.contentRequest(t, calls)
	want := map[string][]string{"portrait": {"banner"}}
	if !reflect.DeepEqual(payload.Combinations, want) {
		t.Errorf("expected %v, got %v", want, payload.Combinations)
	}
	if !h.periodicRunning() {
		t.Error("expected periodic tick re-armed")
	}

	h.advance(30*time.Second, "periodic", 2)
	if h.transport.contentCalls() != calls+2 {
		t.Errorf("expected a second replenish fetch, got %d", h.transport.contentCalls()-calls)
	}
}

func TestRateLimitRetriesAfterServerWait(t *testing.T) {
	h := newHarness(t)
	h.transport.queueSession(sessionReply("tok-1", 10, 1))
	h.start()

	h.transport.queueContent(reply{status: 429, body: `{"error":"err_rate_limited","wait":7}`})
	asked := h.engine.CheckAndReplenish()
	if h.pendingRetries() != 1 {
		t.Fatalf("expected a scheduled retry, got %d", h.pendingRetries())
	}

	h.settle(6900 * time.Millisecond)
	if h.transport.contentCalls() != 2 {
		t.Fatalf("expected no retry before the wait elapsed, got %d calls", h.transport.contentCalls())
	}

	h.advance(100*time.Millisecond, "retry:rate_limited", 1)
	if h.transport.contentCalls() != 3 {
		t.Fatalf("expected retry after 7s, got %d calls", h.transport.contentCalls())
	}
	_, payload := h.transport.contentRequest(t, 2)
	if !reflect.DeepEqual(payload.Combinations, wireCombinations(asked)) {
		t.Errorf("expected the same combinations %v, got %v", wireCombinations(asked), payload.Combinations)
	}
}

func TestRateLimitRetryDroppedWhileSuspended(t *testing.T) {
	h := newHarness(t)
	h.transport.queueSession(sessionReply("tok-1", 10, 1))
	h.start()

	h.transport.queueContent(reply{status: 429, body: `{"error":"err_rate_limited","wait":7}`})
	h.engine.CheckAndReplenish()
	h.engine.Suspend()
	calls := h.transport.contentCalls()

	h.advance(7*time.Second, "retry:rate_limited", 1)
	if got := h.transport.contentCalls(); got != calls {
		t.Errorf("expected no fetch while suspended, got %d", got-calls)
	}
	if h.pendingRetries() != 0 {
		t.Errorf("expected the retry consumed, got %d pending", h.pendingRetries())
	}

	h.engine.Resume()
	h.advance(30*time.Second, "periodic", 1)
	if got := h.transport.contentCalls(); got != calls+1 {
		t.Errorf("expected the periodic tick to refill after resume, got %d fetches", got-calls)
	}
}

func TestRateLimitWithoutUsableWaitDropped(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "no wait", body: `{"error":"err_rate_limited"}`},
		{name: "zero wait", body: `{"error":"err_rate_limited","wait":0}`},
		{name: "other error", body: `{"error":"err_quota","wait":5}`},
		{name: "invalid body", body: `slow down`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.transport.queueSession(sessionReply("tok-1", 10, 1))
			h.start()

			h.transport.queueContent(reply{status: 429, body: tt.body})
			h.engine.CheckAndReplenish()

			if h.pendingRetries() != 0 {
				t.Errorf("expected no retry, got %d", h.pendingRetries())
			}
			if !h.periodicRunning() {
				t.Error("expected periodic tick unaffected")
			}
		})
	}
}

func TestContentRejectedStopsTimersUntilNextSuccess(t *testing.T) {
	for _, status := range []int{400, 403} {
		t.Run(statusLabel(status), func(t *testing.T) {
			h := newHarness(t)
			h.start()
			h.engine.ShowBanner(Top, &bannerRecorder{}, "")

			h.transport.queueContent(reply{status: status, body: "bad parameters"})
			h.engine.SetParameters(map[string][]string{"age": {"-1"}})

			if got := h.inits.all(); !reflect.DeepEqual(got, []string{"initialized", "error:bad parameters"}) {
				t.Errorf("expected the error body reported, got %v", got)
			}
			if h.periodicRunning() || h.rotationArmed(Top) {
				t.Error("expected timers stopped")
			}
			if !h.engine.Status().RestartPending {
				t.Error("expected restart pending")
			}
			if h.pendingRetries() != 0 {
				t.Error("expected no automatic retry")
			}

			h.settle(2 * time.Minute)
			if h.transport.contentCalls() != 2 {
				t.Fatalf("expected no fetches while stopped, got %d", h.transport.contentCalls())
			}

			h.engine.SetParameters(map[string][]string{"age": {"30"}})
			if !h.periodicRunning() || !h.rotationArmed(Top) {
				t.Error("expected timers restarted by the next successful fetch")
			}
			if h.engine.Status().RestartPending {
				t.Error("expected restart flag cleared")
			}
		})
	}
}

func TestContentRejectedWhileSuspendedRestartsOnResume(t *testing.T) {
	h := newHarness(t)
	h.start()

	h.transport.queueContent(reply{status: 400, body: "bad"})
	h.engine.SetParameters(map[string][]string{"k": {"v"}})
	h.engine.Suspend()
	h.engine.SetParameters(map[string][]string{"k": {"w"}})

	if h.periodicRunning() {
		t.Error("expected no restart while suspended")
	}
	h.engine.Resume()
	if !h.periodicRunning() {
		t.Error("expected periodic tick on resume")
	}
}

func TestContentFailuresDropCycle(t *testing.T) {
	tests := []struct {
		name  string
		reply reply
	}{
		{name: "server error", reply: reply{status: 500, body: "oops"}},
		{name: "unexpected status", reply: reply{status: 302}},
		{name: "network error", reply: reply{err: errUnreachable}},
		{name: "timeout", reply: reply{err: appylar.ErrTimeout}},
		{name: "malformed body", reply: reply{status: 200, body: "{"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.transport.queueContent(tt.reply)
			h.start()

			if h.pendingRetries() != 0 {
				t.Errorf("expected no retry, got %d", h.pendingRetries())
			}
			if !h.periodicRunning() {
				t.Error("expected periodic tick unaffected")
			}
			if h.engine.buffer.Len() != 0 {
				t.Errorf("expected empty buffer, got %d", h.engine.buffer.Len())
			}
			if len(h.inits.all()) != 1 {
				t.Errorf("expected no error reported, got %v", h.inits.all())
			}
		})
	}
}

func TestFetchRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics("test", reg)
	h := newHarness(t, withMetrics(m))
	expires := epoch.Add(time.Hour)
	h.transport.queueContent(contentReply(t,
		envelope(1, creative.Portrait, creative.Banner, expires),
		envelope(2, creative.Portrait, creative.Banner, expires),
	))
	h.start()

	if got := testutil.ToFloat64(m.NegotiationsTotal.WithLabelValues("ok")); got != 1 {
		t.Errorf("expected 1 negotiation, got %v", got)
	}
	if got := testutil.ToFloat64(m.SessionGeneration); got != 1 {
		t.Errorf("expected generation 1, got %v", got)
	}
	if got := testutil.ToFloat64(m.FetchesTotal.WithLabelValues("ok")); got != 1 {
		t.Errorf("expected 1 fetch, got %v", got)
	}
	if got := testutil.ToFloat64(m.CreativesReceived.WithLabelValues("portrait", "banner")); got != 2 {
		t.Errorf("expected 2 received, got %v", got)
	}
	if got := testutil.ToFloat64(m.BufferDepth.WithLabelValues("portrait", "banner")); got != 2 {
		t.Errorf("expected depth 2, got %v", got)
	}

	h.engine.ShowBanner(Top, &bannerRecorder{}, "")
	if got := testutil.ToFloat64(m.Impressions.WithLabelValues("top")); got != 1 {
		t.Errorf("expected 1 impression, got %v", got)
	}
	if got := testutil.ToFloat64(m.BufferDepth.WithLabelValues("portrait", "banner")); got != 1 {
		t.Errorf("expected depth 1 after take, got %v", got)
	}
}

func TestPersistenceRestoresAndSaves(t *testing.T) {
	store := &fakeStore{loaded: []creative.Creative{
		newCreative(1, creative.Portrait, creative.Banner, time.Hour),
		newCreative(2, creative.Landscape, creative.Interstitial, time.Hour),
	}}
	h := newHarness(t, withStore(store))
	h.transport.queueSession(sessionReply("tok-1", 10, 1))
	h.start()

	if got := h.engine.buffer.Len(); got != 2 {
		t.Fatalf("expected 2 restored creatives, got %d", got)
	}
	// Restored partitions are not asked for again on the next check
	combos := h.engine.CheckAndReplenish()
	want := creative.Combinations{
		creative.Landscape: {creative.Banner},
		creative.Portrait:  {creative.Interstitial},
	}
	if !reflect.DeepEqual(combos, want) {
		t.Errorf("expected %v, got %v", want, combos)
	}

	h.engine.ShowBanner(Top, &bannerRecorder{}, "")
	saved, _ := store.lastSave()
	if len(saved) != 1 || saved[0].ID != 2 {
		t.Errorf("expected snapshot without the shown banner, got %+v", saved)
	}
}

func TestPersistenceLoadFailureStillConnects(t *testing.T) {
	store := &fakeStore{loadErr: errUnreachable}
	h := newHarness(t, withStore(store))
	h.start()

	if h.engine.buffer.Len() != 0 {
		t.Error("expected empty buffer after a failed restore")
	}
}

func TestSaveSkipsOlderSnapshots(t *testing.T) {
	store := &fakeStore{}
	h := newHarness(t, withStore(store))

	h.engine.save(h.engine.ctx, []creative.Creative{newCreative(2, creative.Portrait, creative.Banner, time.Hour)}, 2)
	h.engine.save(h.engine.ctx, []creative.Creative{newCreative(1, creative.Portrait, creative.Banner, time.Hour)}, 1)

	saved, n := store.lastSave()
	if n != 1 || saved[0].ID != 2 {
		t.Errorf("expected only the newer snapshot written, got %d saves, last %+v", n, saved)
	}
}

func TestWireCombinationsSkipsEmpty(t *testing.T) {
	got := wireCombinations(creative.Combinations{
		creative.Portrait:  {creative.Banner},
		creative.Landscape: {},
	})
	want := map[string][]string{"portrait": {"banner"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}
