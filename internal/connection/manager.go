package connection

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rwa-market/pricesync/internal/model"
	"github.com/rwa-market/pricesync/internal/registry"
	"github.com/rwa-market/pricesync/internal/router"
)

// QuoteSink receives quotes decoded from push frames.
type QuoteSink func(quotes []model.Quote)

// Watcher exposes the Watch Set and its change signal.
type Watcher interface {
	WatchSet() []model.InstrumentKey
	Changes() <-chan registry.Change
}

// Fallback is the pull transport started when push is unavailable.
type Fallback interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// fallbackStopTimeout bounds stopping the fallback from the event loop.
const fallbackStopTimeout = 5 * time.Second

// Events delivered to the loop.
type (
	probeDone struct {
		gen uint64
		err error
	}
	dialDone struct {
		gen    uint64
		client Client
		err    error
	}
	timerFired struct {
		purpose timerPurpose
		gen     uint64
	}
)

// Option configures a Manager.
type Option func(*Manager)

// WithClientFactory replaces the WebSocket client constructor.
func WithClientFactory(f ClientFactory) Option {
	return func(m *Manager) {
		m.newClient = f
	}
}

// WithProbe replaces the availability probe.
func WithProbe(p ProbeFunc) Option {
	return func(m *Manager) {
		m.probe = p
	}
}

// WithBackoff replaces the reconnect delay policy.
func WithBackoff(b Backoff) Option {
	return func(m *Manager) {
		m.backoff = b
	}
}

// WithStateHook registers a callback for every state transition. It runs on
// the event loop and must not block.
func WithStateHook(fn func(from, to model.ConnectionState)) Option {
	return func(m *Manager) {
		m.onState = fn
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// Manager drives the push transport state machine.
type Manager struct {
	cfg      ManagerConfig
	watch    Watcher
	fallback Fallback
	sink     QuoteSink
	router   *router.Router
	logger   *slog.Logger

	newClient ClientFactory
	probe     ProbeFunc
	backoff   Backoff
	onState   func(from, to model.ConnectionState)

	events    chan any
	reconnect chan struct{}

	lifeMu  sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	// Owned by the event loop.
	state       model.ConnectionState
	attempts    int
	gen         uint64
	client      Client
	dialCancel  context.CancelFunc
	probing     bool
	unavailable bool
	polling     bool
	degraded    error
	lastErr     error
	lastMsgAt   time.Time
	timers      *timers

	// Observable snapshot.
	mu     sync.RWMutex
	status Status
}

// NewManager creates a Connection Manager. fallback may be nil.
func NewManager(cfg ManagerConfig, watch Watcher, fallback Fallback, sink QuoteSink, opts ...Option) *Manager {
	def := DefaultManagerConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}

	m := &Manager{
		cfg:       cfg,
		watch:     watch,
		fallback:  fallback,
		sink:      sink,
		logger:    slog.Default(),
		newClient: NewClient,
		probe:     Probe,
		backoff:   Backoff{Base: cfg.BackoffBase, Cap: cfg.BackoffCap},
		events:    make(chan any, 16),
		reconnect: make(chan struct{}, 1),
		state:     model.StateIdle,
		status:    Status{State: model.StateIdle},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.router = router.New(m.logger)
	m.timers = newTimers(func(p timerPurpose, gen uint64) {
		m.post(timerFired{purpose: p, gen: gen})
	})
	return m
}

// Start launches the event loop. With push enabled the manager probes and
// connects immediately; otherwise it goes straight to polling.
func (m *Manager) Start(ctx context.Context) error {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	if m.started {
		return fmt.Errorf("connection manager already started")
	}
	m.started = true
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	go m.run()

	m.logger.Info("connection manager started",
		"push_enabled", m.cfg.Enabled,
		"fallback_to_polling", m.cfg.FallbackToPolling,
		"max_attempts", m.cfg.MaxAttempts,
		"url", m.cfg.Client.URL,
	)
	return nil
}

// Stop tears the manager down: the client is closed, every timer cancelled
// and the fallback stopped. The manager ends in StateClosed.
func (m *Manager) Stop(ctx context.Context) error {
	m.lifeMu.Lock()
	if !m.started || m.cancel == nil {
		m.lifeMu.Unlock()
		m.mu.Lock()
		m.status.State = model.StateClosed
		m.mu.Unlock()
		return nil
	}
	cancel, done := m.cancel, m.done
	m.lifeMu.Unlock()

	m.logger.Info("stopping connection manager")
	cancel()

	select {
	case <-done:
		m.logger.Info("connection manager stopped")
		return nil
	case <-ctx.Done():
		m.logger.Warn("connection manager stop timed out")
		return ctx.Err()
	}
}

// Reconnect requests a manual reconnect: attempts reset, the unavailable mark
// is cleared and the endpoint is probed again.
func (m *Manager) Reconnect() error {
	if m.Status().State == model.StateClosed {
		return ErrManagerClosed
	}
	select {
	case m.reconnect <- struct{}{}:
	default:
		// A request is already pending.
	}
	return nil
}

// Status returns the observable state.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// State returns the current connection state.
func (m *Manager) State() model.ConnectionState {
	return m.Status().State
}

// RouterStats returns inbound frame statistics.
func (m *Manager) RouterStats() router.Stats {
	return m.router.Stats()
}

// post delivers an event to the loop unless the manager is shutting down.
func (m *Manager) post(ev any) bool {
	select {
	case m.events <- ev:
		return true
	case <-m.ctx.Done():
		return false
	}
}

// run is the event loop. It is the only goroutine touching loop-owned state.
func (m *Manager) run() {
	defer close(m.done)
	defer m.teardown()

	if m.cfg.Enabled {
		m.requestConnect()
	} else {
		m.setState(model.StatePolling)
		m.startFallback()
	}
	m.publishStatus()

	for {
		var (
			msgs <-chan TimestampedMessage
			errs <-chan error
		)
		if m.client != nil {
			msgs = m.client.Messages()
			errs = m.client.Errors()
		}

		select {
		case <-m.ctx.Done():
			return
		case ev := <-m.events:
			m.handleEvent(ev)
		case <-m.reconnect:
			m.handleReconnect()
		case <-m.watch.Changes():
			m.handleWatchChange()
		case msg := <-msgs:
			m.handleMessage(msg)
		case err := <-errs:
			m.handleTransportError(err)
		}

		// Shutdown guard: nothing deferred resumes once teardown started.
		if m.ctx.Err() != nil {
			return
		}
		m.publishStatus()
	}
}

func (m *Manager) handleEvent(ev any) {
	switch ev := ev.(type) {
	case probeDone:
		m.handleProbe(ev)
	case dialDone:
		m.handleDial(ev)
	case timerFired:
		m.handleTimer(ev)
	}
}

// requestConnect probes the endpoint; a positive probe proceeds to connect.
func (m *Manager) requestConnect() {
	m.gen++
	gen := m.gen
	m.probing = true

	cfg, timeout := m.cfg.Client, m.cfg.ProbeTimeout
	go func() {
		err := m.probe(m.ctx, cfg, timeout)
		m.post(probeDone{gen: gen, err: err})
	}()
}

func (m *Manager) handleProbe(ev probeDone) {
	if ev.gen != m.gen || !m.probing {
		return
	}
	m.probing = false

	if ev.err != nil {
		m.unavailable = true
		m.logger.Warn("push endpoint probe failed", "error", ev.err)
		m.enterFallback(fmt.Errorf("%w: %w", ErrDegraded, ev.err))
		return
	}

	m.connect()
}

// connect starts one connection attempt.
func (m *Manager) connect() {
	m.stopFallback()
	m.setState(model.StateConnecting)

	m.gen++
	gen := m.gen

	ctx, cancel := context.WithCancel(m.ctx)
	m.dialCancel = cancel
	m.timers.arm(timerConnect, m.cfg.ConnectTimeout, gen)

	c := m.newClient(m.cfg.Client, m.logger)
	go func() {
		err := c.Connect(ctx)
		if !m.post(dialDone{gen: gen, client: c, err: err}) && err == nil {
			c.Close()
		}
	}()

	m.logger.Debug("connecting", "attempt", m.attempts+1, "url", m.cfg.Client.URL)
}

func (m *Manager) handleDial(ev dialDone) {
	if ev.gen != m.gen || m.state != model.StateConnecting {
		// Superseded attempt.
		if ev.err == nil {
			ev.client.Close()
		}
		return
	}

	m.timers.stop(timerConnect)
	m.cancelDial()

	if ev.err != nil {
		m.handleFailure(ev.err)
		return
	}

	m.client = ev.client
	m.attempts = 0
	m.lastErr = nil
	m.degraded = nil
	m.unavailable = false
	m.setState(model.StateConnected)
	m.sendSubscribe()
}

func (m *Manager) handleTimer(ev timerFired) {
	if ev.gen != m.gen {
		return
	}
	m.timers.done(ev.purpose)

	switch ev.purpose {
	case timerConnect:
		if m.state == model.StateConnecting {
			m.handleFailure(ErrConnectTimeout)
		}
	case timerBackoff:
		if m.state == model.StateReconnecting {
			m.connect()
		}
	}
}

// handleFailure records a failed attempt and schedules the next one, or
// falls back once attempts are exhausted.
func (m *Manager) handleFailure(err error) {
	m.timers.stop(timerConnect)
	m.cancelDial()
	m.detachClient()
	m.gen++

	m.attempts++
	m.lastErr = err

	if m.attempts >= m.cfg.MaxAttempts {
		m.logger.Warn("reconnect attempts exhausted",
			"attempts", m.attempts,
			"error", err,
		)
		m.enterFallback(fmt.Errorf("%w: %w after %d attempts: %v", ErrDegraded, ErrAttemptsExhausted, m.attempts, err))
		return
	}

	delay := m.backoff.Delay(m.attempts)
	m.setState(model.StateReconnecting)
	m.timers.arm(timerBackoff, delay, m.gen)

	m.logger.Info("push connection failed, retrying",
		"attempt", m.attempts,
		"max_attempts", m.cfg.MaxAttempts,
		"backoff", delay,
		"error", err,
	)
}

func (m *Manager) handleTransportError(err error) {
	if m.client == nil {
		return
	}

	if IsNormalClosure(err) {
		m.logger.Warn("push connection closed by server, idle until reconnect or watch change")
		m.detachClient()
		m.gen++
		m.attempts = 0
		m.lastErr = ErrServerClosed
		m.setState(model.StateIdle)
		return
	}

	m.logger.Warn("push connection error", "error", err)
	m.handleFailure(err)
}

func (m *Manager) handleMessage(msg TimestampedMessage) {
	m.lastMsgAt = msg.ReceivedAt

	frame, err := m.router.Route(msg.Data, msg.ReceivedAt)
	if err != nil {
		m.logger.Warn("dropping malformed frame", "error", err)
		return
	}

	switch frame.Kind {
	case router.FramePriceUpdate:
		if len(frame.Quotes) > 0 && m.sink != nil {
			m.sink(frame.Quotes)
		}
	case router.FrameError:
		m.lastErr = fmt.Errorf("provider error: %s", frame.Message)
		m.logger.Warn("provider reported error", "message", frame.Message)
	case router.FrameUnknown:
		m.logger.Debug("ignoring unknown frame", "type", frame.Type)
	}
}

func (m *Manager) handleWatchChange() {
	switch m.state {
	case model.StateConnected:
		m.sendSubscribe()
	case model.StateIdle:
		if m.cfg.Enabled && m.degraded == nil && !m.probing && len(m.watch.WatchSet()) > 0 {
			m.requestConnect()
		}
	}
}

func (m *Manager) handleReconnect() {
	if !m.cfg.Enabled {
		m.logger.Info("manual reconnect ignored, push transport disabled")
		return
	}

	m.logger.Info("manual reconnect requested", "state", m.state)

	m.timers.stopAll()
	m.cancelDial()
	m.detachClient()
	m.attempts = 0
	m.unavailable = false
	if m.state != model.StatePolling {
		m.setState(model.StateIdle)
	}
	m.requestConnect()
}

// enterFallback handles persistent unavailability.
func (m *Manager) enterFallback(cause error) {
	m.timers.stopAll()
	m.cancelDial()
	m.detachClient()
	m.gen++

	m.degraded = cause
	m.lastErr = cause

	if !m.cfg.FallbackToPolling {
		m.setState(model.StateIdle)
		return
	}
	if m.state != model.StatePolling {
		m.setState(model.StatePolling)
		m.startFallback()
	}
}

// sendSubscribe sends the full Watch Set. Nothing is sent for an empty set.
func (m *Manager) sendSubscribe() {
	keys := m.watch.WatchSet()
	if len(keys) == 0 || m.client == nil {
		return
	}

	data, err := router.EncodeSubscribe(keys)
	if err != nil {
		m.logger.Error("failed to encode subscribe", "error", err)
		return
	}
	if err := m.client.Send(data); err != nil {
		m.lastErr = fmt.Errorf("send subscribe: %w", err)
		m.logger.Warn("failed to send subscribe", "error", err)
		return
	}

	m.logger.Debug("subscribed", "instruments", len(keys))
}

func (m *Manager) startFallback() {
	if m.fallback == nil || m.polling {
		return
	}
	if err := m.fallback.Start(m.ctx); err != nil {
		m.logger.Error("failed to start polling fallback", "error", err)
		return
	}
	m.polling = true
}

func (m *Manager) stopFallback() {
	if !m.polling {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), fallbackStopTimeout)
	defer cancel()
	if err := m.fallback.Stop(ctx); err != nil {
		m.logger.Warn("failed to stop polling fallback", "error", err)
	}
	m.polling = false
}

func (m *Manager) cancelDial() {
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
}

func (m *Manager) detachClient() {
	if m.client != nil {
		m.client.Close()
		m.client = nil
	}
}

// teardown releases everything the loop owns.
func (m *Manager) teardown() {
	m.timers.stopAll()
	m.cancelDial()
	m.detachClient()
	m.stopFallback()
	m.probing = false
	m.setState(model.StateClosed)
	m.publishStatus()
}

func (m *Manager) setState(to model.ConnectionState) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	m.publishStatus()

	m.logger.Info("connection state changed", "from", from, "to", to)

	if m.onState != nil {
		m.onState(from, to)
	}
}

// publishStatus copies loop-owned state into the observable snapshot.
func (m *Manager) publishStatus() {
	s := Status{
		State:               m.state,
		Attempts:            m.attempts,
		Connected:           m.state == model.StateConnected,
		EndpointUnavailable: m.unavailable,
		Degraded:            m.degraded != nil,
		LastMessageAt:       m.lastMsgAt,
	}
	if m.lastErr != nil {
		s.Error = m.lastErr.Error()
	}

	m.mu.Lock()
	m.status = s
	m.mu.Unlock()
}
