package connection

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rwa-market/pricesync/internal/model"
	"github.com/rwa-market/pricesync/internal/registry"
)

// -----------------------------------------------------------------------------
// Fakes
// -----------------------------------------------------------------------------

type fakeClient struct {
	connectErr error
	msgs       chan TimestampedMessage
	errs       chan error

	mu     sync.Mutex
	sent   [][]byte
	closed bool
}

func newFakeClient(connectErr error) *fakeClient {
	return &fakeClient{
		connectErr: connectErr,
		msgs:       make(chan TimestampedMessage, 16),
		errs:       make(chan error, 1),
	}
}

func (c *fakeClient) Connect(ctx context.Context) error { return c.connectErr }

func (c *fakeClient) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeClient) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, append([]byte(nil), data...))
	return nil
}

func (c *fakeClient) Messages() <-chan TimestampedMessage { return c.msgs }
func (c *fakeClient) Errors() <-chan error                { return c.errs }

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && c.connectErr == nil
}

func (c *fakeClient) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func (c *fakeClient) lastSent() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		return nil
	}
	return c.sent[len(c.sent)-1]
}

// fakeDialer hands out clients; connects fail while failing is set.
type fakeDialer struct {
	failing atomic.Bool

	mu      sync.Mutex
	clients []*fakeClient
}

func (d *fakeDialer) factory(cfg ClientConfig, logger *slog.Logger) Client {
	var err error
	if d.failing.Load() {
		err = errors.New("dial refused")
	}
	c := newFakeClient(err)
	d.mu.Lock()
	d.clients = append(d.clients, c)
	d.mu.Unlock()
	return c
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.clients)
}

func (d *fakeDialer) last() *fakeClient {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.clients) == 0 {
		return nil
	}
	return d.clients[len(d.clients)-1]
}

type fakeProbe struct {
	err   atomic.Value // error wrapper
	calls atomic.Int32
}

type probeResult struct{ err error }

func (p *fakeProbe) set(err error) { p.err.Store(probeResult{err}) }

func (p *fakeProbe) probe(ctx context.Context, cfg ClientConfig, timeout time.Duration) error {
	p.calls.Add(1)
	if r, ok := p.err.Load().(probeResult); ok {
		return r.err
	}
	return nil
}

type fakeWatch struct {
	mu      sync.Mutex
	keys    []model.InstrumentKey
	changes chan registry.Change
}

func newFakeWatch(keys ...model.InstrumentKey) *fakeWatch {
	return &fakeWatch{keys: keys, changes: make(chan registry.Change, 1)}
}

func (w *fakeWatch) WatchSet() []model.InstrumentKey {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]model.InstrumentKey(nil), w.keys...)
}

func (w *fakeWatch) Changes() <-chan registry.Change { return w.changes }

func (w *fakeWatch) add(key model.InstrumentKey) {
	w.mu.Lock()
	w.keys = append(w.keys, key)
	w.mu.Unlock()
	w.changes <- registry.Change{Kind: registry.ChangeAdded, Key: key}
}

type fakeFallback struct {
	starts atomic.Int32
	stops  atomic.Int32
}

func (f *fakeFallback) Start(ctx context.Context) error { f.starts.Add(1); return nil }
func (f *fakeFallback) Stop(ctx context.Context) error  { f.stops.Add(1); return nil }

// transitions records state changes reported by the hook.
type transitions struct {
	mu   sync.Mutex
	seen []model.ConnectionState
}

func (tr *transitions) hook(from, to model.ConnectionState) {
	tr.mu.Lock()
	tr.seen = append(tr.seen, to)
	tr.mu.Unlock()
}

func (tr *transitions) count(state model.ConnectionState) int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	n := 0
	for _, s := range tr.seen {
		if s == state {
			n++
		}
	}
	return n
}

func (tr *transitions) total() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return len(tr.seen)
}

// -----------------------------------------------------------------------------
// Harness
// -----------------------------------------------------------------------------

var (
	paxg = model.InstrumentKey{Chain: "ethereum", Address: "0x45804880de22913dafe09f4980848ece6ecbaf78"}
	ousg = model.InstrumentKey{Chain: "ethereum", Symbol: "OUSG"}
)

type harness struct {
	mgr      *Manager
	dialer   *fakeDialer
	probe    *fakeProbe
	watch    *fakeWatch
	fallback *fakeFallback
	states   *transitions

	mu     sync.Mutex
	quotes []model.Quote
}

func newHarness(t *testing.T, mutate func(*ManagerConfig)) *harness {
	t.Helper()

	cfg := DefaultManagerConfig()
	cfg.MaxAttempts = 3
	cfg.ConnectTimeout = time.Second
	cfg.Client.URL = "ws://push.invalid/ws"
	if mutate != nil {
		mutate(&cfg)
	}

	h := &harness{
		dialer:   &fakeDialer{},
		probe:    &fakeProbe{},
		watch:    newFakeWatch(paxg),
		fallback: &fakeFallback{},
		states:   &transitions{},
	}
	sink := func(qs []model.Quote) {
		h.mu.Lock()
		h.quotes = append(h.quotes, qs...)
		h.mu.Unlock()
	}
	h.mgr = NewManager(cfg, h.watch, h.fallback, sink,
		WithClientFactory(h.dialer.factory),
		WithProbe(h.probe.probe),
		WithBackoff(Backoff{Base: time.Millisecond, Cap: 5 * time.Millisecond, Jitter: func() time.Duration { return 0 }}),
		WithStateHook(h.states.hook),
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		h.mgr.Stop(ctx)
	})
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func (h *harness) received() []model.Quote {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]model.Quote(nil), h.quotes...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitState(t *testing.T, m *Manager, want model.ConnectionState) {
	t.Helper()
	waitFor(t, "state "+string(want), func() bool { return m.State() == want })
}

// -----------------------------------------------------------------------------
// Tests
// -----------------------------------------------------------------------------

func TestManager_ConnectsAndSubscribes(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	waitState(t, h.mgr, model.StateConnected)
	c := h.dialer.last()
	waitFor(t, "subscribe", func() bool { return c.sentCount() == 1 })

	var msg struct {
		Type        string                `json:"type"`
		Instruments []model.InstrumentKey `json:"instruments"`
	}
	if err := json.Unmarshal(c.lastSent(), &msg); err != nil {
		t.Fatalf("decode subscribe: %v", err)
	}
	if msg.Type != "subscribe" {
		t.Errorf("Type = %q, want subscribe", msg.Type)
	}
	if len(msg.Instruments) != 1 || !msg.Instruments[0].Equal(paxg) {
		t.Errorf("Instruments = %v, want [%v]", msg.Instruments, paxg)
	}

	status := h.mgr.Status()
	if !status.Connected || status.Attempts != 0 || status.Degraded {
		t.Errorf("Status = %+v, want connected and healthy", status)
	}
	if got := h.fallback.starts.Load(); got != 0 {
		t.Errorf("fallback starts = %d, want 0", got)
	}
}

func TestManager_ResubscribesOnWatchChange(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	waitState(t, h.mgr, model.StateConnected)
	c := h.dialer.last()
	waitFor(t, "initial subscribe", func() bool { return c.sentCount() == 1 })

	h.watch.add(ousg)
	waitFor(t, "resubscribe", func() bool { return c.sentCount() == 2 })

	if !strings.Contains(string(c.lastSent()), "OUSG") {
		t.Errorf("resubscribe = %s, want full watch set including OUSG", c.lastSent())
	}
}

func TestManager_PriceUpdateReachesSink(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	waitState(t, h.mgr, model.StateConnected)

	frame := `{"type":"price_update","quotes":[` +
		`{"chain":"ethereum","address":"0x45804880de22913dafe09f4980848ece6ecbaf78","price":2351.5,"timestamp":1760000000000},` +
		`{"chain":"ethereum","address":"undefined","price":1,"timestamp":1760000000000}]}`
	h.dialer.last().msgs <- TimestampedMessage{Data: []byte(frame), ReceivedAt: time.Now()}

	waitFor(t, "quote delivery", func() bool { return len(h.received()) == 1 })

	q := h.received()[0]
	if q.Price != 2351.5 {
		t.Errorf("Price = %v, want 2351.5", q.Price)
	}
	if q.Source != model.SourcePush {
		t.Errorf("Source = %q, want %q", q.Source, model.SourcePush)
	}
	waitFor(t, "router stats", func() bool { return h.mgr.RouterStats().DroppedQuotes == 1 })
	if h.mgr.Status().LastMessageAt.IsZero() {
		t.Error("LastMessageAt should be set")
	}
}

func TestManager_ProviderErrorFrameRecorded(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	waitState(t, h.mgr, model.StateConnected)

	h.dialer.last().msgs <- TimestampedMessage{Data: []byte(`{"type":"error","message":"rate limited"}`), ReceivedAt: time.Now()}

	waitFor(t, "error status", func() bool { return strings.Contains(h.mgr.Status().Error, "rate limited") })
	if h.mgr.State() != model.StateConnected {
		t.Errorf("State = %q, want connected", h.mgr.State())
	}
}

func TestManager_ExhaustionFallsBackOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.dialer.failing.Store(true)
	h.start(t)

	waitState(t, h.mgr, model.StatePolling)
	// Give stray timers a chance to misfire.
	time.Sleep(50 * time.Millisecond)

	if got := h.states.count(model.StatePolling); got != 1 {
		t.Errorf("entered polling %d times, want 1", got)
	}
	if got := h.fallback.starts.Load(); got != 1 {
		t.Errorf("fallback starts = %d, want 1", got)
	}
	if got := h.dialer.count(); got != 3 {
		t.Errorf("connect attempts = %d, want 3", got)
	}

	status := h.mgr.Status()
	if !status.Degraded {
		t.Error("expected degraded status")
	}
	if !strings.Contains(status.Error, "degraded service") {
		t.Errorf("Error = %q, want degraded message", status.Error)
	}
	if status.EndpointUnavailable {
		t.Error("endpoint was reachable, EndpointUnavailable should be false")
	}
}

func TestManager_ProbeFailureGoesStraightToPolling(t *testing.T) {
	h := newHarness(t, nil)
	h.probe.set(ErrEndpointUnavailable)
	h.start(t)

	waitState(t, h.mgr, model.StatePolling)

	if got := h.dialer.count(); got != 0 {
		t.Errorf("connect attempts = %d, want 0", got)
	}
	if got := h.states.count(model.StateConnecting); got != 0 {
		t.Errorf("entered connecting %d times, want 0", got)
	}
	status := h.mgr.Status()
	if !status.EndpointUnavailable || !status.Degraded {
		t.Errorf("Status = %+v, want unavailable and degraded", status)
	}
}

func TestManager_ManualReconnectRecovers(t *testing.T) {
	h := newHarness(t, nil)
	h.probe.set(ErrEndpointUnavailable)
	h.start(t)
	waitState(t, h.mgr, model.StatePolling)

	h.probe.set(nil)
	if err := h.mgr.Reconnect(); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}

	waitState(t, h.mgr, model.StateConnected)
	if got := h.fallback.stops.Load(); got != 1 {
		t.Errorf("fallback stops = %d, want 1", got)
	}
	status := h.mgr.Status()
	if status.Degraded || status.EndpointUnavailable || status.Error != "" {
		t.Errorf("Status = %+v, want healthy after reconnect", status)
	}
}

func TestManager_FailedReprobeStaysPolling(t *testing.T) {
	h := newHarness(t, nil)
	h.probe.set(ErrEndpointUnavailable)
	h.start(t)
	waitState(t, h.mgr, model.StatePolling)

	before := h.states.total()
	h.mgr.Reconnect()
	waitFor(t, "second probe", func() bool { return h.probe.calls.Load() == 2 })
	time.Sleep(20 * time.Millisecond)

	if h.mgr.State() != model.StatePolling {
		t.Errorf("State = %q, want polling", h.mgr.State())
	}
	if got := h.states.total(); got != before {
		t.Errorf("transitions after failed re-probe = %d, want %d", got, before)
	}
	if got := h.fallback.starts.Load(); got != 1 {
		t.Errorf("fallback starts = %d, want 1", got)
	}
}

func TestManager_NormalClosureGoesIdle(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	waitState(t, h.mgr, model.StateConnected)

	h.dialer.last().errs <- &websocket.CloseError{Code: websocket.CloseNormalClosure, Text: "bye"}

	waitState(t, h.mgr, model.StateIdle)
	time.Sleep(20 * time.Millisecond)
	if got := h.dialer.count(); got != 1 {
		t.Errorf("connect attempts = %d, want 1 (no reconnect after normal closure)", got)
	}
	status := h.mgr.Status()
	if status.Attempts != 0 {
		t.Errorf("Attempts = %d, want 0", status.Attempts)
	}
	if status.Error != ErrServerClosed.Error() {
		t.Errorf("Error = %q, want %q", status.Error, ErrServerClosed.Error())
	}

	if err := h.mgr.Reconnect(); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	waitState(t, h.mgr, model.StateConnected)
	if got := h.mgr.Status().Error; got != "" {
		t.Errorf("Error after reconnect = %q, want empty", got)
	}
}

func TestManager_AbnormalCloseReconnects(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	waitState(t, h.mgr, model.StateConnected)

	h.dialer.last().errs <- &websocket.CloseError{Code: websocket.CloseAbnormalClosure}

	waitFor(t, "second connect", func() bool { return h.dialer.count() == 2 })
	waitState(t, h.mgr, model.StateConnected)
	if got := h.states.count(model.StateReconnecting); got != 1 {
		t.Errorf("entered reconnecting %d times, want 1", got)
	}
}

func TestManager_PushDisabledPolls(t *testing.T) {
	h := newHarness(t, func(cfg *ManagerConfig) { cfg.Enabled = false })
	h.start(t)

	waitState(t, h.mgr, model.StatePolling)
	if got := h.probe.calls.Load(); got != 0 {
		t.Errorf("probe calls = %d, want 0", got)
	}
	if h.mgr.Status().Degraded {
		t.Error("disabled push is not a degraded condition")
	}
}

func TestManager_NoFallbackEndsIdleDegraded(t *testing.T) {
	h := newHarness(t, func(cfg *ManagerConfig) { cfg.FallbackToPolling = false })
	h.dialer.failing.Store(true)
	h.start(t)

	waitFor(t, "degraded idle", func() bool {
		s := h.mgr.Status()
		return s.State == model.StateIdle && s.Degraded
	})
	if got := h.fallback.starts.Load(); got != 0 {
		t.Errorf("fallback starts = %d, want 0", got)
	}

	// A watch change does not restart a degraded manager.
	h.watch.add(ousg)
	time.Sleep(20 * time.Millisecond)
	if got := h.dialer.count(); got != 3 {
		t.Errorf("connect attempts = %d, want 3", got)
	}
}

func TestManager_StopClosesEverything(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	waitState(t, h.mgr, model.StateConnected)
	c := h.dialer.last()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.mgr.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if h.mgr.State() != model.StateClosed {
		t.Errorf("State = %q, want closed", h.mgr.State())
	}
	if c.IsConnected() {
		t.Error("client should be closed")
	}
	if err := h.mgr.Reconnect(); !errors.Is(err, ErrManagerClosed) {
		t.Errorf("Reconnect after Stop = %v, want ErrManagerClosed", err)
	}

	before := h.states.total()
	time.Sleep(20 * time.Millisecond)
	if got := h.states.total(); got != before {
		t.Errorf("state changes after Stop = %d, want %d", got, before)
	}
}

func TestManager_StopDuringBackoff(t *testing.T) {
	h := newHarness(t, func(cfg *ManagerConfig) { cfg.MaxAttempts = 10 })
	h.dialer.failing.Store(true)
	h.mgr.backoff = Backoff{Base: time.Hour, Cap: time.Hour, Jitter: func() time.Duration { return 0 }}
	h.start(t)

	waitState(t, h.mgr, model.StateReconnecting)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.mgr.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if h.mgr.timers.armed(timerBackoff) {
		t.Error("backoff timer still armed after Stop")
	}
}

func TestManager_StartTwice(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	if err := h.mgr.Start(context.Background()); err == nil {
		t.Error("second Start should fail")
	}
}
