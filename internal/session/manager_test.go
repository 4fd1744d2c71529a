package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgnsrekt/cdp_observer/internal/cdpcontrol"
	"github.com/dgnsrekt/cdp_observer/internal/filter"
	"github.com/dgnsrekt/cdp_observer/internal/types"
)

type fakeHandle struct {
	mu     sync.Mutex
	closed int

	done     chan struct{}
	doneOnce sync.Once
}

func newFakeHandle() *fakeHandle { return &fakeHandle{done: make(chan struct{})} }

// drop simulates the browser ending the connection.
func (h *fakeHandle) drop() { h.doneOnce.Do(func() { close(h.done) }) }

func (h *fakeHandle) Done() <-chan struct{} { return h.done }

func (h *fakeHandle) Evaluate(context.Context, string, bool, bool) (cdpcontrol.EvalResult, error) {
	return cdpcontrol.EvalResult{Type: "undefined"}, nil
}
func (h *fakeHandle) Navigate(context.Context, string) (cdpcontrol.NavigateResult, error) {
	return cdpcontrol.NavigateResult{}, nil
}
func (h *fakeHandle) Reload(context.Context, bool) error { return nil }
func (h *fakeHandle) GetResponseBody(context.Context, string) (cdpcontrol.ResponseBody, error) {
	return cdpcontrol.ResponseBody{}, nil
}
func (h *fakeHandle) Close() error {
	h.mu.Lock()
	h.closed++
	h.mu.Unlock()
	h.drop()
	return nil
}
func (h *fakeHandle) closeCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

type fakeTransport struct {
	mu         sync.Mutex
	targets    []cdpcontrol.TargetInfo
	listErr    error
	connectErr error
	sinks      map[string]cdpcontrol.EventSink
	handles    map[string]*fakeHandle
}

func newFakeTransport(targets ...cdpcontrol.TargetInfo) *fakeTransport {
	return &fakeTransport{
		targets: targets,
		sinks:   make(map[string]cdpcontrol.EventSink),
		handles: make(map[string]*fakeHandle),
	}
}

func (f *fakeTransport) ListTargets(context.Context) ([]cdpcontrol.TargetInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]cdpcontrol.TargetInfo(nil), f.targets...), f.listErr
}

func (f *fakeTransport) Connect(_ context.Context, targetID string, sink cdpcontrol.EventSink) (cdpcontrol.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	h := newFakeHandle()
	f.sinks[targetID] = sink
	f.handles[targetID] = h
	return h, nil
}

func (f *fakeTransport) emit(targetID string, ev any) {
	f.mu.Lock()
	sink := f.sinks[targetID]
	f.mu.Unlock()
	sink("", ev)
}

func (f *fakeTransport) handle(targetID string) *fakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handles[targetID]
}

func consoleEvent(text string) *runtime.EventConsoleAPICalled {
	return &runtime.EventConsoleAPICalled{
		Type: runtime.APITypeLog,
		Args: []*runtime.RemoteObject{{Type: runtime.TypeString, Value: []byte(`"` + text + `"`)}},
	}
}

func requestEvent(id, url string) *network.EventRequestWillBeSent {
	return &network.EventRequestWillBeSent{
		RequestID: network.RequestID(id),
		Request:   &network.Request{URL: url, Method: "GET"},
	}
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	var coded *cdpcontrol.CodedError
	require.True(t, errors.As(err, &coded), "expected *CodedError, got %T (%v)", err, err)
	assert.Equal(t, code, coded.Code)
}

var pageT1 = cdpcontrol.TargetInfo{ID: "T1", Type: "page", URL: "https://app.test/home"}

func TestObserveStopRetainScenario(t *testing.T) {
	tr := newFakeTransport(pageT1)
	m := NewManager(tr, Options{})

	res, err := m.Observe(context.Background(), ObserveRequest{TargetID: "T1"})
	require.NoError(t, err)
	assert.True(t, res.Attached)
	assert.NotEmpty(t, res.ObservationID)
	assert.Equal(t, 10000, res.BufferSize)
	assert.Equal(t, "https://app.test/home", res.URL)

	tr.emit("T1", consoleEvent("boom"))

	s, err := m.Get("T1")
	require.NoError(t, err)
	page := s.Buffer().SliceByOffset(0, 10)
	require.Len(t, page.Events, 1)
	assert.Equal(t, int64(0), page.Events[0].Sequence)
	assert.Equal(t, "boom", page.Events[0].Text())
	assert.Equal(t, int64(1), page.NextOffset)

	stop, err := m.StopObserve("T1", false)
	require.NoError(t, err)
	assert.Equal(t, StopResult{TargetID: "T1", Stopped: true, Dropped: false}, stop)
	assert.Equal(t, 1, tr.handle("T1").closeCount())

	s, err = m.Get("T1")
	require.NoError(t, err, "retained session must stay readable")
	assert.False(t, s.Attached())
	assert.Len(t, s.Buffer().SliceByOffset(0, 10).Events, 1)

	_, err = s.Handle()
	requireCode(t, err, cdpcontrol.CodeNotConnected)

	_, err = m.StopObserve("T1", false)
	requireCode(t, err, cdpcontrol.CodeNotObserving)

	_, err = m.Observe(context.Background(), ObserveRequest{TargetID: "T1"})
	requireCode(t, err, cdpcontrol.CodeAlreadyObserving)

	stop, err = m.StopObserve("T1", true)
	require.NoError(t, err)
	assert.Equal(t, StopResult{TargetID: "T1", Stopped: false, Dropped: true}, stop)

	_, err = m.Get("T1")
	requireCode(t, err, cdpcontrol.CodeNotObserving)

	_, err = m.Observe(context.Background(), ObserveRequest{TargetID: "T1"})
	require.NoError(t, err)
}

func TestObserveTargetResolution(t *testing.T) {
	tr := newFakeTransport(
		cdpcontrol.TargetInfo{ID: "A", Type: "page", URL: "https://one.test/"},
		cdpcontrol.TargetInfo{ID: "B", Type: "page", URL: "https://two.test/app"},
		cdpcontrol.TargetInfo{ID: "C", Type: "page", URL: "https://two.test/other"},
	)
	m := NewManager(tr, Options{})

	t.Run("url_first_match_wins", func(t *testing.T) {
		res, err := m.Observe(context.Background(), ObserveRequest{URLIncludes: "two.test"})
		require.NoError(t, err)
		assert.Equal(t, "B", res.TargetID)
	})

	t.Run("url_without_match", func(t *testing.T) {
		_, err := m.Observe(context.Background(), ObserveRequest{URLIncludes: "missing"})
		requireCode(t, err, cdpcontrol.CodeTargetNotFound)
	})

	t.Run("neither_selector", func(t *testing.T) {
		_, err := m.Observe(context.Background(), ObserveRequest{})
		requireCode(t, err, cdpcontrol.CodeInvalidInput)
	})

	t.Run("explicit_id_used_as_given", func(t *testing.T) {
		res, err := m.Observe(context.Background(), ObserveRequest{TargetID: "UNLISTED"})
		require.NoError(t, err)
		assert.Equal(t, "UNLISTED", res.TargetID)
	})
}

func TestObserveConnectFailure(t *testing.T) {
	tr := newFakeTransport(pageT1)
	tr.connectErr = errors.New("dial refused")
	m := NewManager(tr, Options{})

	_, err := m.Observe(context.Background(), ObserveRequest{TargetID: "T1"})
	requireCode(t, err, cdpcontrol.CodeBrowserUnreachable)
	assert.False(t, m.IsObserved("T1"))

	tr.mu.Lock()
	tr.connectErr = nil
	tr.mu.Unlock()
	_, err = m.Observe(context.Background(), ObserveRequest{TargetID: "T1"})
	require.NoError(t, err, "failed attach must release the reservation")
}

func TestObserveBufferOverride(t *testing.T) {
	tr := newFakeTransport(pageT1)
	m := NewManager(tr, Options{DefaultBufferSize: 50})

	res, err := m.Observe(context.Background(), ObserveRequest{TargetID: "T1", BufferSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, res.BufferSize)

	for _, text := range []string{"a", "b", "c"} {
		tr.emit("T1", consoleEvent(text))
	}
	s, err := m.Get("T1")
	require.NoError(t, err)
	page := s.Buffer().SliceByOffset(0, 10)
	require.Len(t, page.Events, 2)
	assert.Equal(t, int64(1), page.Events[0].Sequence)
	assert.Equal(t, "c", page.Events[1].Text())

	_, err = m.Observe(context.Background(), ObserveRequest{TargetID: "T2", BufferSize: -1})
	requireCode(t, err, cdpcontrol.CodeInvalidInput)
}

func TestFiltersGateIngestion(t *testing.T) {
	tr := newFakeTransport(pageT1)
	m := NewManager(tr, Options{})
	_, err := m.Observe(context.Background(), ObserveRequest{TargetID: "T1"})
	require.NoError(t, err)

	stored, err := m.SetFilters("T1", filter.Config{
		Kinds:        []types.Category{"request"},
		URLAllowlist: []string{"/api/"},
		URLBlocklist: []string{"/api/track"},
	})
	require.NoError(t, err)
	assert.Equal(t, []types.Category{types.CategoryNetwork}, stored.Kinds)
	assert.Equal(t, filter.DefaultMaxBodyBytes, stored.MaxBodyBytes)

	tr.emit("T1", consoleEvent("dropped by kind"))
	tr.emit("T1", requestEvent("r1", "https://app.test/api/users"))
	tr.emit("T1", requestEvent("r2", "https://app.test/api/track"))
	tr.emit("T1", requestEvent("r3", "https://cdn.test/img.png"))

	s, _ := m.Get("T1")
	page := s.Buffer().SliceByOffset(0, 10)
	require.Len(t, page.Events, 1)
	assert.Equal(t, "https://app.test/api/users", page.Events[0].URL())
	assert.Equal(t, int64(0), page.Events[0].Sequence)

	got, err := m.GetFilters("T1")
	require.NoError(t, err)
	assert.Equal(t, stored, got)

	_, err = m.SetFilters("T1", filter.Config{Kinds: []types.Category{"bogus"}})
	requireCode(t, err, cdpcontrol.CodeInvalidInput)

	_, err = m.SetFilters("nope", filter.Config{})
	requireCode(t, err, cdpcontrol.CodeNotObserving)
	_, err = m.GetFilters("nope")
	requireCode(t, err, cdpcontrol.CodeNotObserving)
}

func TestProfileSeedsFilters(t *testing.T) {
	tr := newFakeTransport(pageT1)
	m := NewManager(tr, Options{Profiles: func(url string) (filter.Config, bool) {
		if url == pageT1.URL {
			return filter.Config{Kinds: []types.Category{types.CategoryConsole}, MaxBodyBytes: 100}, true
		}
		return filter.Config{}, false
	}})

	res, err := m.Observe(context.Background(), ObserveRequest{TargetID: "T1"})
	require.NoError(t, err)
	assert.Equal(t, []types.Category{types.CategoryConsole}, res.Filters.Kinds)
	assert.Equal(t, 100, res.Filters.MaxBodyBytes)
}

func TestClearRestartsSequence(t *testing.T) {
	tr := newFakeTransport(pageT1)
	m := NewManager(tr, Options{})
	_, err := m.Observe(context.Background(), ObserveRequest{TargetID: "T1"})
	require.NoError(t, err)

	tr.emit("T1", consoleEvent("one"))
	tr.emit("T1", consoleEvent("two"))

	n, err := m.Clear("T1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	tr.emit("T1", consoleEvent("three"))
	s, _ := m.Get("T1")
	page := s.Buffer().SliceByOffset(0, 10)
	require.Len(t, page.Events, 1)
	assert.Equal(t, int64(0), page.Events[0].Sequence)

	_, err = m.Clear("nope")
	requireCode(t, err, cdpcontrol.CodeNotObserving)
}

func TestListenersReceiveAdmittedEnvelopes(t *testing.T) {
	tr := newFakeTransport(pageT1)
	var mu sync.Mutex
	var seen []types.Envelope
	m := NewManager(tr, Options{})
	m.AddListener(ListenerFunc(func(env types.Envelope) {
		mu.Lock()
		seen = append(seen, env)
		mu.Unlock()
	}))

	_, err := m.Observe(context.Background(), ObserveRequest{TargetID: "T1"})
	require.NoError(t, err)
	tr.emit("T1", consoleEvent("first"))
	tr.emit("T1", consoleEvent("second"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	assert.Equal(t, int64(1), seen[1].Sequence)
	assert.Equal(t, "T1", seen[1].TargetID)
}

func TestEventsAfterStopAreIgnored(t *testing.T) {
	tr := newFakeTransport(pageT1)
	m := NewManager(tr, Options{})
	_, err := m.Observe(context.Background(), ObserveRequest{TargetID: "T1"})
	require.NoError(t, err)
	_, err = m.StopObserve("T1", false)
	require.NoError(t, err)

	tr.emit("T1", consoleEvent("late"))
	s, _ := m.Get("T1")
	assert.Equal(t, 0, s.Buffer().Size())
}

func TestMalformedEventIsRecovered(t *testing.T) {
	tr := newFakeTransport(pageT1)
	m := NewManager(tr, Options{})
	_, err := m.Observe(context.Background(), ObserveRequest{TargetID: "T1"})
	require.NoError(t, err)

	panicky := ListenerFunc(func(types.Envelope) { panic("listener blew up") })
	s, _ := m.Get("T1")
	s.listeners = append(s.listeners, panicky)

	assert.NotPanics(t, func() { tr.emit("T1", consoleEvent("x")) })
	tr.emit("T1", &network.EventWebSocketCreated{})
	assert.Equal(t, 1, s.Buffer().Size(), "console stored before the listener panicked, websocket ignored")
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestGCRemovesIdleSessions(t *testing.T) {
	tr := newFakeTransport(pageT1, cdpcontrol.TargetInfo{ID: "T2", Type: "page"})
	clock := newFakeClock()
	m := NewManager(tr, Options{Now: clock.Now})

	_, err := m.Observe(context.Background(), ObserveRequest{TargetID: "T1", TTL: time.Minute})
	require.NoError(t, err)
	_, err = m.Observe(context.Background(), ObserveRequest{TargetID: "T2", TTL: time.Hour})
	require.NoError(t, err)

	clock.Advance(time.Minute)
	assert.Empty(t, m.GC(), "idle for exactly the TTL is not expired")

	tr.emit("T2", consoleEvent("keepalive"))
	clock.Advance(time.Second)
	assert.Equal(t, []string{"T1"}, m.GC())
	assert.Equal(t, 1, tr.handle("T1").closeCount())
	assert.False(t, m.IsObserved("T1"))
	assert.True(t, m.IsObserved("T2"))

	_, err = m.StopObserve("T1", false)
	requireCode(t, err, cdpcontrol.CodeNotObserving)
}

func TestRunStopsWithContext(t *testing.T) {
	tr := newFakeTransport(pageT1)
	m := NewManager(tr, Options{GCInterval: 5 * time.Millisecond})
	_, err := m.Observe(context.Background(), ObserveRequest{TargetID: "T1", TTL: 10 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return !m.IsObserved("T1") }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestListOrdersByTarget(t *testing.T) {
	tr := newFakeTransport()
	m := NewManager(tr, Options{DefaultTTL: 90 * time.Second})
	for _, id := range []string{"Z", "A", "M"} {
		_, err := m.Observe(context.Background(), ObserveRequest{TargetID: id})
		require.NoError(t, err)
	}
	_, err := m.StopObserve("M", false)
	require.NoError(t, err)

	infos := m.List()
	require.Len(t, infos, 3)
	assert.Equal(t, "A", infos[0].TargetID)
	assert.Equal(t, "M", infos[1].TargetID)
	assert.False(t, infos[1].Attached)
	assert.Equal(t, int64(90), infos[2].TTLSec)
}

func TestConcurrentObserveReservesTarget(t *testing.T) {
	tr := newFakeTransport(pageT1)
	m := NewManager(tr, Options{})

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Observe(context.Background(), ObserveRequest{TargetID: "T1"})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		if err == nil {
			ok++
			continue
		}
		requireCode(t, err, cdpcontrol.CodeAlreadyObserving)
	}
	assert.Equal(t, 1, ok)
}

func TestConfiguredBodyBudget(t *testing.T) {
	tr := newFakeTransport(pageT1)
	m := NewManager(tr, Options{MaxBodyBytes: 10})
	res, err := m.Observe(context.Background(), ObserveRequest{TargetID: "T1"})
	require.NoError(t, err)
	assert.Equal(t, 10, res.Filters.MaxBodyBytes)

	tr.emit("T1", consoleEvent("0123456789abcdef"))
	s, _ := m.Get("T1")
	page := s.Buffer().Tail(1)
	require.Len(t, page.Events, 1)
	assert.Equal(t, "0123456789...", page.Events[0].Text())

	stored, err := m.SetFilters("T1", filter.Config{})
	require.NoError(t, err)
	assert.Equal(t, 10, stored.MaxBodyBytes)
}

func TestLostConnectionDetachesSession(t *testing.T) {
	tr := newFakeTransport(pageT1)
	m := NewManager(tr, Options{})
	_, err := m.Observe(context.Background(), ObserveRequest{TargetID: "T1"})
	require.NoError(t, err)
	tr.emit("T1", consoleEvent("before"))

	s, err := m.Get("T1")
	require.NoError(t, err)
	require.True(t, s.Info().Attached)

	tr.handle("T1").drop()
	require.Eventually(t, func() bool { return !s.Info().Attached }, time.Second, 5*time.Millisecond)

	_, err = s.Handle()
	requireCode(t, err, cdpcontrol.CodeNotConnected)
	assert.Contains(t, err.Error(), "stop it with dropBuffer, then observe again")
	assert.Equal(t, 1, s.Buffer().Size(), "buffer survives the loss")
	assert.True(t, m.IsObserved("T1"))

	_, err = m.StopObserve("T1", false)
	requireCode(t, err, cdpcontrol.CodeNotObserving)
	_, err = m.Observe(context.Background(), ObserveRequest{TargetID: "T1"})
	requireCode(t, err, cdpcontrol.CodeAlreadyObserving)

	res, err := m.StopObserve("T1", true)
	require.NoError(t, err)
	assert.False(t, res.Stopped)
	assert.True(t, res.Dropped)
	assert.False(t, m.IsObserved("T1"))
}

func TestStopDoesNotReportLoss(t *testing.T) {
	tr := newFakeTransport(pageT1)
	m := NewManager(tr, Options{})
	_, err := m.Observe(context.Background(), ObserveRequest{TargetID: "T1"})
	require.NoError(t, err)

	res, err := m.StopObserve("T1", false)
	require.NoError(t, err)
	assert.True(t, res.Stopped)

	// Close has already fired Done; the watcher must not close twice.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, tr.handle("T1").closeCount())
}

func TestGCConcurrentWithCommands(t *testing.T) {
	targets := []cdpcontrol.TargetInfo{{ID: "A", Type: "page"}, {ID: "B", Type: "page"}, {ID: "C", Type: "page"}, {ID: "D", Type: "page"}}
	tr := newFakeTransport(targets...)
	clock := newFakeClock()
	m := NewManager(tr, Options{Now: clock.Now})
	for _, target := range targets {
		_, err := m.Observe(context.Background(), ObserveRequest{TargetID: target.ID, TTL: time.Millisecond})
		require.NoError(t, err)
	}
	clock.Advance(time.Second)

	allowed := func(err error) bool {
		var coded *cdpcontrol.CodedError
		return err == nil || (errors.As(err, &coded) && coded.Code == cdpcontrol.CodeNotObserving)
	}

	var wg sync.WaitGroup
	start := make(chan struct{})
	errs := make(chan error, 64)
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-start
		for i := 0; i < 50; i++ {
			m.GC()
		}
	}()
	for _, target := range targets {
		id := target.ID
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for i := 0; i < 50; i++ {
				if _, err := m.SetFilters(id, filter.Config{Kinds: []types.Category{types.CategoryConsole}}); !allowed(err) {
					errs <- err
					return
				}
				if _, err := m.Clear(id); !allowed(err) {
					errs <- err
					return
				}
				tr.emit(id, consoleEvent("late"))
			}
			if _, err := m.StopObserve(id, true); !allowed(err) {
				errs <- err
			}
		}()
	}
	close(start)
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("command error = %v; want nil or NOT_OBSERVING", err)
	}

	assert.Empty(t, m.List())
	for _, target := range targets {
		assert.Equal(t, 1, tr.handle(target.ID).closeCount(), "handle for %s closed exactly once", target.ID)
	}
}
