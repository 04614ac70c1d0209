package connection

import (
	"errors"
	"time"

	"github.com/rwa-market/pricesync/internal/auth"
	"github.com/rwa-market/pricesync/internal/model"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrStaleConnection = errors.New("connection stale (no ping)")
	ErrAlreadyClosed   = errors.New("already closed")
	ErrConnectTimeout  = errors.New("connect timeout")
	ErrManagerClosed   = errors.New("connection manager closed")

	// ErrDegraded marks persistent push unavailability. Quotes keep flowing
	// through polling; only a manual reconnect leaves this condition.
	ErrDegraded = errors.New("degraded service: live updates unavailable, polling for quotes")

	ErrEndpointUnavailable = errors.New("push endpoint unavailable")
	ErrAttemptsExhausted   = errors.New("reconnect attempts exhausted")

	// ErrServerClosed is reported while the manager idles after a normal
	// closure from the server. A watch change or Reconnect clears it.
	ErrServerClosed = errors.New("push connection closed by server, updates paused")
)

// TimestampedMessage wraps raw message data with receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw message bytes from WebSocket
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// ClientConfig configures a WebSocket client.
type ClientConfig struct {
	URL              string            // Push endpoint (e.g., wss://quotes.example.com/ws)
	Credentials      *auth.Credentials // Signs the handshake (nil = no auth)
	HandshakeTimeout time.Duration     // WebSocket handshake timeout
	PingInterval     time.Duration     // Interval between client pings
	PingTimeout      time.Duration     // Max time without ping/pong before considering connection stale
	WriteTimeout     time.Duration     // Write deadline for sends
	BufferSize       int               // Message channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     30 * time.Second,
		PingTimeout:      90 * time.Second,
		WriteTimeout:     5 * time.Second,
		BufferSize:       1024,
	}
}

// ManagerConfig configures the Connection Manager.
type ManagerConfig struct {
	Enabled           bool          // Use the push transport at all
	FallbackToPolling bool          // Start the poller on persistent failure
	MaxAttempts       int           // Consecutive failures before fallback (default: 5)
	ConnectTimeout    time.Duration // Per-attempt connect timeout (default: 10s)
	ProbeTimeout      time.Duration // Availability probe timeout (default: 3s)
	BackoffBase       time.Duration // Backoff base delay (default: 1s)
	BackoffCap        time.Duration // Backoff ceiling (default: 30s)
	Client            ClientConfig
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Enabled:           true,
		FallbackToPolling: true,
		MaxAttempts:       5,
		ConnectTimeout:    10 * time.Second,
		ProbeTimeout:      3 * time.Second,
		BackoffBase:       DefaultBackoffBase,
		BackoffCap:        DefaultBackoffCap,
		Client:            DefaultClientConfig(),
	}
}

// Status is the observable state of the manager.
type Status struct {
	State               model.ConnectionState
	Attempts            int
	Connected           bool
	EndpointUnavailable bool
	Degraded            bool
	Error               string // Last transient or degraded error, empty when healthy
	LastMessageAt       time.Time
}
