package engine

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/thenexusengine/tne_appylar/internal/creative"
)

func TestSuspendAndResume(t *testing.T) {
	h := newHarness(t)
	h.transport.queueSession(sessionReply("tok-1", 10, 1))
	h.start()
	h.fill(newCreative(1, creative.Portrait, creative.Banner, time.Hour))
	h.engine.ShowBanner(Top, &bannerRecorder{}, "")

	h.engine.Suspend()
	h.engine.Suspend()
	if !h.engine.Status().Suspended {
		t.Fatal("expected suspended")
	}
	if h.periodicRunning() || h.rotationArmed(Top) {
		t.Error("expected every timer stopped")
	}

	calls := h.transport.contentCalls()
	h.settle(2 * time.Minute)
	if h.transport.contentCalls() != calls {
		t.Errorf("expected no fetches while suspended, got %d", h.transport.contentCalls()-calls)
	}
	if got := len(h.surface.renders(SlotTop)); got != 1 {
		t.Errorf("expected no rotation while suspended, got %d renders", got)
	}
	if !h.engine.Status().Banners[Top] {
		t.Error("expected the banner to stay in place")
	}

	h.engine.Resume()
	if h.engine.Status().Suspended {
		t.Error("expected resumed")
	}
	if !h.periodicRunning() || !h.rotationArmed(Top) {
		t.Error("expected timers re-armed")
	}

	h.advance(30*time.Second, "periodic", 1)
	if h.transport.contentCalls() != calls+1 {
		t.Errorf("expected replenish after resume, got %d", h.transport.contentCalls()-calls)
	}
}

func TestResumeBeforeSessionStartsNothing(t *testing.T) {
	h := newHarness(t)
	h.engine.Suspend()
	h.engine.Resume()

	if h.periodicRunning() {
		t.Error("expected no periodic tick without a session")
	}
}

func TestResumeIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.engine.ShowBanner(Top, &bannerRecorder{}, "")

	h.engine.mu.Lock()
	periodic, rotation := h.engine.periodic.id, h.engine.banners[Top].rotation.id
	h.engine.unlock()

	h.engine.Resume()

	h.engine.mu.Lock()
	defer h.engine.unlock()
	if h.engine.periodic.id != periodic || h.engine.banners[Top].rotation.id != rotation {
		t.Error("expected running timers left alone")
	}
}

func TestSuspendedSessionDoesNotStartTimers(t *testing.T) {
	h := newHarness(t)
	h.transport.queueSession(reply{status: 500})
	h.engine.Init(Credentials{AppKey: "key", AppID: "app"}, []creative.AdType{creative.Banner}, false, h.inits)
	h.engine.Suspend()

	h.advance(30*time.Second, "retry:negotiate", 1)
	if !h.engine.Status().HasSession {
		t.Fatal("expected negotiation to continue while suspended")
	}
	if h.periodicRunning() {
		t.Error("expected periodic tick held until resume")
	}

	h.engine.Resume()
	if !h.periodicRunning() {
		t.Error("expected periodic tick after resume")
	}
}

func TestSetParameters(t *testing.T) {
	h := newHarness(t)

	h.engine.SetParameters(map[string][]string{"ignored": {"x"}})
	if h.transport.contentCalls() != 0 {
		t.Fatal("expected SetParameters before Init to be ignored")
	}

	h.start()
	h.fill(newCreative(1, creative.Portrait, creative.Banner, time.Hour))

	h.engine.SetParameters(map[string][]string{
		"genre": {"puzzle", "arcade"},
		"age":   {"30"},
	})
	if h.engine.buffer.Len() != 0 {
		t.Error("expected the buffer emptied")
	}
	_, payload := h.transport.contentRequest(t, 1)
	want := map[string][]string{"genre": {"puzzle", "arcade"}, "age": {"30"}}
	if !reflect.DeepEqual(payload.ExtraParameters, want) {
		t.Errorf("expected %v, got %v", want, payload.ExtraParameters)
	}
	wantCombos := map[string][]string{
		"landscape": {"banner", "interstitial"},
		"portrait":  {"banner", "interstitial"},
	}
	if !reflect.DeepEqual(payload.Combinations, wantCombos) {
		t.Errorf("expected every combination, got %v", payload.Combinations)
	}

	h.engine.SetParameters(map[string][]string{
		"genre": {""},
		"age":   nil,
		"lang":  {"sv"},
	})
	_, payload = h.transport.contentRequest(t, 2)
	want = map[string][]string{"lang": {"sv"}}
	if !reflect.DeepEqual(payload.ExtraParameters, want) {
		t.Errorf("expected %v, got %v", want, payload.ExtraParameters)
	}
}

func TestSetParametersIsolatedFromCaller(t *testing.T) {
	h := newHarness(t)
	h.start()

	values := []string{"a"}
	h.engine.SetParameters(map[string][]string{"k": values})
	values[0] = "mutated"

	h.engine.mu.Lock()
	got := h.engine.params["k"][0]
	h.engine.unlock()
	if got != "a" {
		t.Errorf("expected stored copy, got %q", got)
	}
}

func TestCanShowAdFollowsOrientation(t *testing.T) {
	h := newHarness(t)
	h.fill(
		newCreative(1, creative.Portrait, creative.Banner, time.Hour),
		newCreative(2, creative.Landscape, creative.Interstitial, time.Hour),
	)

	if !h.engine.CanShowAd(creative.Banner) || h.engine.CanShowAd(creative.Interstitial) {
		t.Error("expected only a portrait banner available")
	}
	h.display.set(creative.Landscape)
	if h.engine.CanShowAd(creative.Banner) || !h.engine.CanShowAd(creative.Interstitial) {
		t.Error("expected only a landscape interstitial available")
	}
}

func TestEmptyBuffer(t *testing.T) {
	store := &fakeStore{}
	h := newHarness(t, withStore(store))
	h.fill(
		newCreative(1, creative.Portrait, creative.Banner, time.Hour),
		newCreative(2, creative.Landscape, creative.Interstitial, time.Hour),
	)

	h.engine.EmptyBuffer()

	if h.engine.buffer.Len() != 0 {
		t.Error("expected an empty buffer")
	}
	saved, n := store.lastSave()
	if n != 1 || len(saved) != 0 {
		t.Errorf("expected an empty snapshot saved, got %d saves, last %+v", n, saved)
	}
}

func TestParseCallback(t *testing.T) {
	tests := []struct {
		name       string
		uri        string
		wantOp     string
		wantTarget string
		wantErr    error
	}{
		{
			name:   "close",
			uri:    "appylar://operation=close",
			wantOp: opClose,
		},
		{
			name:       "encoded redirect",
			uri:        "appylar://operation=redirect&redirect_url=https%3A%2F%2Fexample.com%2Fpage%3Fa%3D1",
			wantOp:     opRedirect,
			wantTarget: "https://example.com/page?a=1",
		},
		{
			name:       "operation after url",
			uri:        "appylar://redirect_url=https%3A%2F%2Fx.test&operation=redirect",
			wantOp:     opRedirect,
			wantTarget: "https://x.test",
		},
		{
			name:       "unencoded target with query",
			uri:        "appylar://operation=redirect&redirect_url=https://x.test/p?a=1&b=2",
			wantOp:     opRedirect,
			wantTarget: "https://x.test/p?a=1&b=2",
		},
		{
			name:    "redirect without url",
			uri:     "appylar://operation=redirect",
			wantErr: ErrEmptyURL,
		},
		{
			name:    "redirect with empty url",
			uri:     "appylar://operation=redirect&redirect_url=",
			wantErr: ErrEmptyURL,
		},
		{
			name:    "not a callback",
			uri:     "https://example.com/?operation=close",
			wantErr: ErrNotCallback,
		},
		{
			name:    "unknown operation",
			uri:     "appylar://operation=dance",
			wantErr: ErrUnknownOperation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op, target, err := parseCallback(tt.uri)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected error %v, got %v", tt.wantErr, err)
			}
			if op != tt.wantOp || target != tt.wantTarget {
				t.Errorf("expected (%q, %q), got (%q, %q)", tt.wantOp, tt.wantTarget, op, target)
			}
		})
	}
}

func TestParseCallbackInvalidEscape(t *testing.T) {
	_, _, err := parseCallback("appylar://operation=redirect&redirect_url=%zz")
	if err == nil {
		t.Fatal("expected an error for a malformed escape")
	}
}

func TestHandleSurfaceCallback(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.fill(newCreative(1, creative.Portrait, creative.Interstitial, time.Hour))
	l := &interstitialRecorder{}
	h.engine.ShowInterstitial(l, "")

	if err := h.engine.HandleSurfaceCallback("appylar://operation=redirect&redirect_url=https%3A%2F%2Fstore.test%2Fapp"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := h.opener.opened(); !reflect.DeepEqual(got, []string{"https://store.test/app"}) {
		t.Errorf("expected redirect opened, got %v", got)
	}
	if !h.engine.Status().InterstitialShowing {
		t.Error("expected a redirect to leave the interstitial up")
	}

	if err := h.engine.HandleSurfaceCallback("appylar://operation=close"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := l.all(); !reflect.DeepEqual(got, []string{"shown", "closed"}) {
		t.Errorf("expected interstitial closed, got %v", got)
	}

	if err := h.engine.HandleSurfaceCallback("about:blank"); !errors.Is(err, ErrNotCallback) {
		t.Errorf("expected ErrNotCallback, got %v", err)
	}
}

func TestHandleOrientationChange(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.fill(
		newCreative(1, creative.Portrait, creative.Banner, time.Hour),
		newCreative(2, creative.Portrait, creative.Interstitial, time.Hour),
	)
	h.engine.ShowBanner(Top, &bannerRecorder{}, "")

	h.display.set(creative.Landscape)
	h.engine.HandleOrientationChange()

	renders := h.surface.renders(SlotTop)
	if len(renders) != 2 || renders[1].ID != 1 {
		t.Errorf("expected the showing banner re-rendered, got %+v", renders)
	}

	h.display.set(creative.Portrait)
	h.engine.ShowInterstitial(&interstitialRecorder{}, "")
	h.display.set(creative.Landscape)
	h.engine.HandleOrientationChange()

	ops := h.surface.ops()
	if ops[len(ops)-1] != "lock:portrait" {
		t.Errorf("expected the interstitial lock re-asserted, got %v", ops)
	}
}
