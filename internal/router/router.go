package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rwa-market/pricesync/internal/model"
)

// ErrEmptyType is returned for frames without a "type" field.
var ErrEmptyType = errors.New("frame has no type")

// Router decodes raw frames. It is safe for concurrent use.
type Router struct {
	logger *slog.Logger

	mu              sync.Mutex
	received        int64
	routed          int64
	parseErrors     int64
	unknownMessages int64
	droppedQuotes   int64
}

// New creates a Router.
func New(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{logger: logger}
}

// Route decodes one frame. Malformed quotes inside a price_update are dropped
// individually; the rest of the frame is still delivered.
func (r *Router) Route(data []byte, receivedAt time.Time) (Frame, error) {
	r.mu.Lock()
	r.received++
	r.mu.Unlock()

	msgType, err := extractType(data)
	if err != nil {
		r.countParseError()
		return Frame{}, fmt.Errorf("extract frame type: %w", err)
	}

	switch msgType {
	case TypePriceUpdate:
		frame, err := r.parsePriceUpdate(data, receivedAt)
		if err != nil {
			r.countParseError()
			return Frame{}, fmt.Errorf("parse price update: %w", err)
		}
		r.mu.Lock()
		r.routed++
		r.droppedQuotes += int64(frame.Dropped)
		r.mu.Unlock()
		return frame, nil

	case TypeError:
		var wire errorWire
		if err := json.Unmarshal(data, &wire); err != nil {
			r.countParseError()
			return Frame{}, fmt.Errorf("parse error frame: %w", err)
		}
		r.mu.Lock()
		r.routed++
		r.mu.Unlock()
		return Frame{Kind: FrameError, Type: msgType, Message: wire.Message, ReceivedAt: receivedAt}, nil

	case TypeSubscribed:
		return Frame{Kind: FrameControl, Type: msgType, ReceivedAt: receivedAt}, nil

	default:
		r.mu.Lock()
		r.unknownMessages++
		r.mu.Unlock()
		r.logger.Debug("skipping message type", "type", msgType)
		return Frame{Kind: FrameUnknown, Type: msgType, ReceivedAt: receivedAt}, nil
	}
}

// Stats returns current statistics.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	return Stats{
		MessagesReceived: r.received,
		MessagesRouted:   r.routed,
		ParseErrors:      r.parseErrors,
		UnknownMessages:  r.unknownMessages,
		DroppedQuotes:    r.droppedQuotes,
	}
}

func (r *Router) countParseError() {
	r.mu.Lock()
	r.parseErrors++
	r.mu.Unlock()
}

// parsePriceUpdate decodes each quote on its own.
func (r *Router) parsePriceUpdate(data []byte, receivedAt time.Time) (Frame, error) {
	var wire priceUpdateWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return Frame{}, err
	}

	frame := Frame{
		Kind:       FramePriceUpdate,
		Type:       wire.Type,
		Quotes:     make([]model.Quote, 0, len(wire.Quotes)),
		ReceivedAt: receivedAt,
	}

	for _, raw := range wire.Quotes {
		var wq model.WireQuote
		if err := json.Unmarshal(raw, &wq); err != nil {
			r.logger.Warn("dropping undecodable quote", "error", err)
			frame.Dropped++
			continue
		}
		q, err := wq.ToQuote(model.SourcePush)
		if err != nil {
			r.logger.Warn("dropping malformed quote", "instrument", wq.Key().ID(), "error", err)
			frame.Dropped++
			continue
		}
		frame.Quotes = append(frame.Quotes, q)
	}

	return frame, nil
}

// extractType extracts the message type without full JSON parse.
func extractType(data []byte) (string, error) {
	var envelope messageEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return "", err
	}
	if envelope.Type == "" {
		return "", ErrEmptyType
	}
	return envelope.Type, nil
}

// EncodeSubscribe builds the subscribe message for the full watch set.
func EncodeSubscribe(keys []model.InstrumentKey) ([]byte, error) {
	instruments := make([]model.InstrumentKey, len(keys))
	for i, k := range keys {
		instruments[i] = k.Normalize()
	}
	data, err := json.Marshal(subscribeWire{Type: "subscribe", Instruments: instruments})
	if err != nil {
		return nil, fmt.Errorf("marshal subscribe: %w", err)
	}
	return data, nil
}
