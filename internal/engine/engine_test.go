package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rwa-market/pricesync/internal/api"
	"github.com/rwa-market/pricesync/internal/connection"
	"github.com/rwa-market/pricesync/internal/model"
)

var (
	tokenA = model.InstrumentKey{Chain: "ethereum", Address: "0xAAA0000000000000000000000000000000000001"}
	tokenB = model.InstrumentKey{Chain: "ethereum", Address: "0xBBB0000000000000000000000000000000000002"}
)

// stubQuotes answers GetQuotes with a fixed price per call, or fails.
type stubQuotes struct {
	mu    sync.Mutex
	price float64
	err   error
	at    time.Time
	calls int
}

func (s *stubQuotes) GetQuotes(ctx context.Context, keys []model.InstrumentKey) (*api.QuotesResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	at := s.at
	if at.IsZero() {
		at = time.Now()
	}
	resp := &api.QuotesResponse{}
	for _, k := range keys {
		resp.Quotes = append(resp.Quotes, model.WireQuote{
			Chain:     k.Chain,
			Address:   k.Address,
			Symbol:    k.Symbol,
			Price:     s.price,
			Timestamp: at.UnixMilli(),
		})
	}
	return resp, nil
}

func (s *stubQuotes) set(price float64, err error) {
	s.mu.Lock()
	s.price, s.err = price, err
	s.mu.Unlock()
}

// pushClient is a connection.Client double driven by the test.
type pushClient struct {
	fail bool
	msgs chan connection.TimestampedMessage
	errs chan error

	mu     sync.Mutex
	closed bool
}

func (c *pushClient) Connect(ctx context.Context) error {
	if c.fail {
		return errors.New("dial refused")
	}
	return nil
}

func (c *pushClient) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *pushClient) Send(data []byte) error                         { return nil }
func (c *pushClient) Messages() <-chan connection.TimestampedMessage { return c.msgs }
func (c *pushClient) Errors() <-chan error                           { return c.errs }
func (c *pushClient) IsConnected() bool                              { return !c.fail }

// pushDialer builds pushClients; failing controls new dials.
type pushDialer struct {
	failing atomic.Bool

	mu      sync.Mutex
	clients []*pushClient
}

func (d *pushDialer) factory(cfg connection.ClientConfig, logger *slog.Logger) connection.Client {
	c := &pushClient{
		fail: d.failing.Load(),
		msgs: make(chan connection.TimestampedMessage, 16),
		errs: make(chan error, 1),
	}
	d.mu.Lock()
	d.clients = append(d.clients, c)
	d.mu.Unlock()
	return c
}

func (d *pushDialer) last() *pushClient {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clients[len(d.clients)-1]
}

func (d *pushDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.clients)
}

func (d *pushDialer) push(t *testing.T, key model.InstrumentKey, price float64, at time.Time) {
	t.Helper()
	frame := fmt.Sprintf(`{"type":"price_update","quotes":[{"chain":%q,"address":%q,"price":%v,"timestamp":%d}]}`,
		key.Chain, key.Address, price, at.UnixMilli())
	d.last().msgs <- connection.TimestampedMessage{Data: []byte(frame), ReceivedAt: time.Now()}
}

func probeOK(ctx context.Context, cfg connection.ClientConfig, timeout time.Duration) error {
	return nil
}

func probeDown(ctx context.Context, cfg connection.ClientConfig, timeout time.Duration) error {
	return connection.ErrEndpointUnavailable
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Connection.Client.URL = "ws://push.invalid/ws"
	cfg.Connection.BackoffBase = time.Millisecond
	cfg.Connection.BackoffCap = 5 * time.Millisecond
	cfg.Poller.Interval = 50 * time.Millisecond
	return cfg
}

// collector records callback invocations.
type collector struct {
	mu     sync.Mutex
	quotes []model.Quote
}

func (c *collector) cb(q model.Quote) {
	c.mu.Lock()
	c.quotes = append(c.quotes, q)
	c.mu.Unlock()
}

func (c *collector) all() []model.Quote {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.Quote(nil), c.quotes...)
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

func stopEngine(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := e.Close(ctx); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func quoteAt(key model.InstrumentKey, price float64, at time.Time) model.Quote {
	return model.Quote{Key: key.Normalize(), Price: price, ObservedAt: at, Source: model.SourcePush}
}

func TestEngine_PushDeliversInOrder(t *testing.T) {
	dialer := &pushDialer{}
	e := New(testConfig(), &stubQuotes{price: 1},
		WithConnectionOptions(connection.WithClientFactory(dialer.factory), connection.WithProbe(probeOK)))
	defer stopEngine(t, e)

	var got collector
	e.Subscribe(tokenA, got.cb)

	if err := e.StartUpdates(context.Background(), 0); err != nil {
		t.Fatalf("StartUpdates: %v", err)
	}
	waitFor(t, "connected", func() bool { return e.Status().Connected })

	t1 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Second)
	dialer.push(t, tokenA, 100, t1)
	dialer.push(t, tokenA, 105, t2)
	dialer.push(t, tokenA, 99, t1.Add(-time.Second))

	waitFor(t, "two callbacks", func() bool { return len(got.all()) == 2 })
	time.Sleep(20 * time.Millisecond)

	calls := got.all()
	if len(calls) != 2 {
		t.Fatalf("callbacks = %d, want 2", len(calls))
	}
	if calls[0].Price != 100 || calls[1].Price != 105 {
		t.Errorf("prices = [%v %v], want [100 105]", calls[0].Price, calls[1].Price)
	}

	q, ok := e.GetQuote(tokenA)
	if !ok {
		t.Fatal("GetQuote: not found")
	}
	if q.Price != 105 {
		t.Errorf("GetQuote price = %v, want 105", q.Price)
	}
	if !e.Status().LastUpdated.Equal(t2) {
		t.Errorf("LastUpdated = %v, want %v", e.Status().LastUpdated, t2)
	}
}

func TestEngine_ProbeFailurePolls(t *testing.T) {
	dialer := &pushDialer{}
	quotes := &stubQuotes{price: 2350}
	e := New(testConfig(), quotes,
		WithConnectionOptions(connection.WithClientFactory(dialer.factory), connection.WithProbe(probeDown)))
	defer stopEngine(t, e)

	var got collector
	e.Subscribe(tokenA, got.cb)

	if err := e.StartUpdates(context.Background(), 0); err != nil {
		t.Fatalf("StartUpdates: %v", err)
	}
	waitFor(t, "pulled quote", func() bool { return len(got.all()) >= 1 })

	q := got.all()[0]
	if q.Source != model.SourcePull || q.Price != 2350 {
		t.Errorf("quote = %+v, want pulled 2350", q)
	}

	status := e.Status()
	if status.State != model.StatePolling {
		t.Errorf("State = %q, want polling", status.State)
	}
	if status.Attempts != 0 {
		t.Errorf("Attempts = %d, want 0", status.Attempts)
	}
	if !status.EndpointUnavailable || !status.Degraded {
		t.Errorf("Status = %+v, want unavailable and degraded", status)
	}
	if dialer.count() != 0 {
		t.Errorf("push dials = %d, want 0", dialer.count())
	}
}

func TestEngine_ExhaustionThenReconnect(t *testing.T) {
	dialer := &pushDialer{}
	dialer.failing.Store(true)
	e := New(testConfig(), &stubQuotes{price: 1},
		WithConnectionOptions(connection.WithClientFactory(dialer.factory), connection.WithProbe(probeOK)))
	defer stopEngine(t, e)

	e.Watch(tokenA)
	if err := e.StartUpdates(context.Background(), 0); err != nil {
		t.Fatalf("StartUpdates: %v", err)
	}

	waitFor(t, "polling", func() bool { return e.Status().State == model.StatePolling })
	if got := dialer.count(); got != 5 {
		t.Errorf("push dials = %d, want 5", got)
	}
	waitFor(t, "poller running", func() bool { return e.Status().Polling.Running })

	dialer.failing.Store(false)
	if err := e.Reconnect(); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}

	waitFor(t, "connected", func() bool { return e.Status().Connected })
	status := e.Status()
	if status.Attempts != 0 || status.Degraded {
		t.Errorf("Status = %+v, want healthy", status)
	}
	if status.Polling.Running {
		t.Error("poller should stop once push is connected")
	}
}

func TestEngine_RejectsOlderQuotes(t *testing.T) {
	e := New(testConfig(), &stubQuotes{})

	var got collector
	e.Subscribe(tokenA, got.cb)

	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e.publish([]model.Quote{quoteAt(tokenA, 10, t0.Add(time.Minute))})
	e.publish([]model.Quote{quoteAt(tokenA, 9, t0)})
	e.publish([]model.Quote{quoteAt(tokenA, 11, t0.Add(time.Minute))})

	if n := len(got.all()); n != 1 {
		t.Fatalf("callbacks = %d, want 1", n)
	}
	q, _ := e.GetQuote(tokenA)
	if q.Price != 10 {
		t.Errorf("price = %v, want 10", q.Price)
	}
}

func TestEngine_UnsubscribeStopsDelivery(t *testing.T) {
	e := New(testConfig(), &stubQuotes{})

	var got collector
	unsubscribe := e.Subscribe(tokenA, got.cb)
	if n := len(e.WatchSet()); n != 1 {
		t.Fatalf("WatchSet size = %d, want 1", n)
	}

	t0 := time.Now()
	e.publish([]model.Quote{quoteAt(tokenA, 1, t0)})
	unsubscribe()
	unsubscribe()
	e.publish([]model.Quote{quoteAt(tokenA, 2, t0.Add(time.Second))})

	if n := len(got.all()); n != 1 {
		t.Errorf("callbacks = %d, want 1", n)
	}
	if n := len(e.WatchSet()); n != 0 {
		t.Errorf("WatchSet size = %d, want 0", n)
	}
}

func TestEngine_InvalidKeyIsIgnored(t *testing.T) {
	e := New(testConfig(), &stubQuotes{})

	unsubscribe := e.Subscribe(model.InstrumentKey{Chain: "ethereum", Address: "undefined"}, func(model.Quote) {})
	unsubscribe()

	if n := e.Status().Watching; n != 0 {
		t.Errorf("Watching = %d, want 0", n)
	}
}

func TestEngine_RefreshPublishesAndRecordsError(t *testing.T) {
	cfg := testConfig()
	cfg.Fetcher.DedupWindow = 0
	cfg.CacheTTL = time.Nanosecond
	quotes := &stubQuotes{price: 2000}
	e := New(cfg, quotes)

	var got collector
	e.Subscribe(tokenA, got.cb)

	res := e.Refresh(context.Background())
	if res.Fetched != 1 {
		t.Errorf("Fetched = %d, want 1", res.Fetched)
	}
	if e.Status().Error != "" {
		t.Errorf("Error = %q, want empty", e.Status().Error)
	}

	quotes.set(0, errors.New("provider down"))
	time.Sleep(time.Millisecond)
	e.Refresh(context.Background())

	calls := got.all()
	if len(calls) != 2 {
		t.Fatalf("callbacks = %d, want 2", len(calls))
	}
	synth := calls[1]
	if !synth.IsSynthetic() {
		t.Errorf("Source = %q, want synthetic", synth.Source)
	}
	if math.Abs(synth.Price-2000)/2000 > 0.10 {
		t.Errorf("synthetic price %v strays more than 10%% from anchor 2000", synth.Price)
	}
	if e.Status().Error == "" {
		t.Error("expected pull error in status")
	}
}

func TestEngine_RefreshRecoversFromSynthetic(t *testing.T) {
	cfg := testConfig()
	cfg.Fetcher.DedupWindow = 0
	quotes := &stubQuotes{err: errors.New("provider down")}
	e := New(cfg, quotes)

	var got collector
	e.Subscribe(tokenA, got.cb)

	e.Refresh(context.Background())
	q, ok := e.GetQuote(tokenA)
	if !ok || !q.IsSynthetic() {
		t.Fatalf("GetQuote = %+v, %v, want synthetic quote", q, ok)
	}

	// The provider's timestamp trails the synthetic quote's local stamp.
	quotes.mu.Lock()
	quotes.price, quotes.err = 2000, nil
	quotes.at = q.ObservedAt.Add(-time.Second)
	quotes.mu.Unlock()

	res := e.Refresh(context.Background())
	if quotes.calls != 2 {
		t.Errorf("upstream calls = %d, want 2", quotes.calls)
	}
	if res.Fetched != 1 || res.Cached != 0 {
		t.Errorf("Fetched/Cached = %d/%d, want 1/0", res.Fetched, res.Cached)
	}

	q, ok = e.GetQuote(tokenA)
	if !ok || q.Source != model.SourcePull || q.Price != 2000 {
		t.Errorf("GetQuote = %+v, %v, want pulled 2000", q, ok)
	}
	calls := got.all()
	if len(calls) != 2 || calls[1].Source != model.SourcePull {
		t.Errorf("callbacks = %+v, want synthetic then pull", calls)
	}
	if e.Status().Error != "" {
		t.Errorf("Error = %q, want empty after recovery", e.Status().Error)
	}

	// Older real data still never overwrites newer real data.
	quotes.mu.Lock()
	quotes.at = q.ObservedAt.Add(-time.Minute)
	quotes.price = 1
	quotes.mu.Unlock()
	e.cache.Delete(tokenA)
	e.Refresh(context.Background())
	if q, _ := e.GetQuote(tokenA); q.Price != 2000 {
		t.Errorf("Price = %v, want 2000 kept over older quote", q.Price)
	}
}

func TestEngine_PollErrorVisibleWhileDegraded(t *testing.T) {
	cfg := testConfig()
	cfg.Fetcher.DedupWindow = 0
	cfg.CacheTTL = time.Nanosecond
	quotes := &stubQuotes{price: 2350}
	e := New(cfg, quotes,
		WithConnectionOptions(connection.WithClientFactory((&pushDialer{}).factory), connection.WithProbe(probeDown)))
	defer stopEngine(t, e)

	e.Watch(tokenA)
	if err := e.StartUpdates(context.Background(), 0); err != nil {
		t.Fatalf("StartUpdates: %v", err)
	}
	waitFor(t, "degraded polling", func() bool {
		s := e.Status()
		return s.Degraded && s.State == model.StatePolling && s.Polling.Ticks > 0
	})
	if got := e.Status().PollError; got != "" {
		t.Errorf("PollError = %q, want empty", got)
	}

	quotes.set(0, errors.New("provider down"))
	waitFor(t, "poll error", func() bool { return e.Status().PollError != "" })

	s := e.Status()
	if !strings.Contains(s.PollError, "provider down") {
		t.Errorf("PollError = %q, want provider error", s.PollError)
	}
	if !strings.Contains(s.Error, "degraded service") || !strings.Contains(s.Error, "provider down") {
		t.Errorf("Error = %q, want degraded and poll errors", s.Error)
	}

	quotes.set(2351, nil)
	waitFor(t, "poll error cleared", func() bool { return e.Status().PollError == "" })
	s = e.Status()
	if !s.Degraded || !strings.Contains(s.Error, "degraded service") {
		t.Errorf("Status = %+v, want still degraded", s)
	}
	if strings.Contains(s.Error, "provider down") {
		t.Errorf("Error = %q, poll error should be cleared", s.Error)
	}
}

func TestEngine_RefreshEmptyWatchSet(t *testing.T) {
	quotes := &stubQuotes{price: 1}
	e := New(testConfig(), quotes)

	res := e.Refresh(context.Background())
	if res.Fetched != 0 || quotes.calls != 0 {
		t.Errorf("Refresh on empty watch set fetched %d with %d calls", res.Fetched, quotes.calls)
	}
}

type recordingArchive struct {
	mu     sync.Mutex
	quotes []model.Quote
}

func (a *recordingArchive) Enqueue(q model.Quote) bool {
	a.mu.Lock()
	a.quotes = append(a.quotes, q)
	a.mu.Unlock()
	return true
}

func TestEngine_ArchivesAcceptedQuotes(t *testing.T) {
	archive := &recordingArchive{}
	e := New(testConfig(), &stubQuotes{}, WithArchive(archive))

	t0 := time.Now()
	e.publish([]model.Quote{
		quoteAt(tokenA, 1, t0),
		quoteAt(tokenB, 2, t0),
		quoteAt(tokenA, 0.5, t0.Add(-time.Second)),
	})

	if n := len(archive.quotes); n != 2 {
		t.Errorf("archived = %d, want 2", n)
	}
}

func TestEngine_ClosedRejectsPublish(t *testing.T) {
	e := New(testConfig(), &stubQuotes{})

	var got collector
	e.Subscribe(tokenA, got.cb)
	stopEngine(t, e)

	e.publish([]model.Quote{quoteAt(tokenA, 1, time.Now())})
	if n := len(got.all()); n != 0 {
		t.Errorf("callbacks after Close = %d, want 0", n)
	}
	if _, ok := e.GetQuote(tokenA); ok {
		t.Error("GetQuote after Close should find nothing")
	}
	if err := e.StartUpdates(context.Background(), 0); !errors.Is(err, ErrClosed) {
		t.Errorf("StartUpdates after Close = %v, want ErrClosed", err)
	}
	if e.Status().State != model.StateClosed {
		t.Errorf("State = %q, want closed", e.Status().State)
	}
}

func TestEngine_StopUpdatesHaltsPolling(t *testing.T) {
	quotes := &stubQuotes{price: 5}
	cfg := testConfig()
	cfg.Fetcher.DedupWindow = 0
	cfg.CacheTTL = time.Nanosecond
	cfg.Connection.Enabled = false
	e := New(cfg, quotes)

	e.Watch(tokenA)
	if err := e.StartUpdates(context.Background(), 10*time.Millisecond); err != nil {
		t.Fatalf("StartUpdates: %v", err)
	}
	waitFor(t, "polls", func() bool {
		quotes.mu.Lock()
		defer quotes.mu.Unlock()
		return quotes.calls >= 2
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := e.StopUpdates(ctx); err != nil {
		t.Fatalf("StopUpdates: %v", err)
	}

	quotes.mu.Lock()
	before := quotes.calls
	quotes.mu.Unlock()
	time.Sleep(50 * time.Millisecond)
	quotes.mu.Lock()
	after := quotes.calls
	quotes.mu.Unlock()

	if after != before {
		t.Errorf("polls after StopUpdates = %d, want %d", after, before)
	}
	if e.Status().Polling.Running {
		t.Error("poller still running")
	}
	if err := e.Reconnect(); !errors.Is(err, connection.ErrManagerClosed) {
		t.Errorf("Reconnect while stopped = %v, want ErrManagerClosed", err)
	}
}
