package broker

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	hintReconnectMin = time.Second
	hintReconnectMax = 30 * time.Second
	hintReadTimeout  = 90 * time.Second
)

// HintStream is an optional low-latency push feed layered under polling: it
// never replaces the Watcher's poll loop (the Watcher still polls
// get_order_book/get_ltp on its own cadence), it only prods an out-of-cycle
// poll when the broker pushes a fill or price event, shortening the time to
// reconciliation between ticks. Grounded on
// 0xtitan6-polymarket-mm/internal/exchange/ws.go's auto-reconnect feed.
type HintStream struct {
	url  string
	conn *websocket.Conn
	mu   sync.Mutex

	hintCh chan struct{}
}

// NewHintStream builds a HintStream pointed at the broker's push-feed URL.
func NewHintStream(url string) *HintStream {
	return &HintStream{
		url:    url,
		hintCh: make(chan struct{}, 1),
	}
}

// Hints returns a channel that receives a value whenever the broker pushes
// an event worth polling early for. The channel is buffered to 1 and a send
// never blocks — a missed hint just means the next scheduled poll catches it.
func (s *HintStream) Hints() <-chan struct{} {
	return s.hintCh
}

func (s *HintStream) notify() {
	select {
	case s.hintCh <- struct{}{}:
	default:
	}
}

// Run connects and maintains the connection with exponential backoff until
// ctx is cancelled. A connection failure is not fatal to the Watcher: the
// poll loop keeps running with or without this stream.
func (s *HintStream) Run(ctx context.Context) error {
	backoff := hintReconnectMin
	for {
		err := s.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn().Msgf("broker hint stream disconnected, reconnecting in %s: %v", backoff, err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > hintReconnectMax {
			backoff = hintReconnectMax
		}
	}
}

func (s *HintStream) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(hintReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(hintReadTimeout))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return err
		}
		s.notify()
	}
}

func (s *HintStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}
