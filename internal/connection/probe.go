package connection

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// ProbeFunc checks whether the push endpoint accepts connections.
type ProbeFunc func(ctx context.Context, cfg ClientConfig, timeout time.Duration) error

// Probe opens and immediately closes a connection to cfg.URL.
func Probe(ctx context.Context, cfg ClientConfig, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	conn, resp, err := dialer.DialContext(ctx, cfg.URL, handshakeHeader(cfg))
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return fmt.Errorf("%w: handshake status %d", ErrEndpointUnavailable, resp.StatusCode)
		}
		return fmt.Errorf("%w: %w", ErrEndpointUnavailable, err)
	}

	conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "probe"),
		time.Now().Add(time.Second),
	)
	return conn.Close()
}
