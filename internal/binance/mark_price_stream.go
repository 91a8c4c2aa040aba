package binance

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	futuresStreamURL        = "wss://fstream.binance.com"
	futuresTestnetStreamURL = "wss://stream.binancefuture.com"
)

// MarkPriceStream subscribes to the combined <symbol>@markPrice streams
// for a fixed symbol set and caches the latest mark price per symbol. It
// is a cache warmer between REST ticks: readers fall back to REST when a
// cached price is missing or stale.
type MarkPriceStream struct {
	mu sync.RWMutex

	symbols   []string
	wsURL     string
	wsConn    *websocket.Conn
	isRunning bool
	stopChan  chan struct{}
	logger    zerolog.Logger

	prices     map[string]float64
	updatedAt  map[string]time.Time
	reconnects int
}

// NewMarkPriceStream creates a stream for the given symbols.
func NewMarkPriceStream(symbols []string, testnet bool, logger zerolog.Logger) *MarkPriceStream {
	base := futuresStreamURL
	if testnet {
		base = futuresTestnetStreamURL
	}
	// Combined-stream endpoint, e.g.
	// wss://fstream.binance.com/stream?streams=bnbusdt@markPrice/ethusdt@markPrice
	names := make([]string, len(symbols))
	for i, sym := range symbols {
		names[i] = strings.ToLower(sym) + "@markPrice"
	}

	return &MarkPriceStream{
		symbols:   symbols,
		wsURL:     base + "/stream?streams=" + strings.Join(names, "/"),
		stopChan:  make(chan struct{}),
		logger:    logger,
		prices:    make(map[string]float64),
		updatedAt: make(map[string]time.Time),
	}
}

// Start launches the connection loop. Safe to call once.
func (s *MarkPriceStream) Start() {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	go s.connect(s.wsURL)
}

// Stop closes the stream and ends the connection loop.
func (s *MarkPriceStream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		return
	}
	s.isRunning = false
	close(s.stopChan)
	if s.wsConn != nil {
		s.wsConn.Close()
	}
	s.logger.Info().Msg("mark price stream stopped")
}

// Price returns the cached mark price for a symbol and whether the cache
// entry is fresher than maxAge.
func (s *MarkPriceStream) Price(symbol string, maxAge time.Duration) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	price, ok := s.prices[symbol]
	if !ok {
		return 0, false
	}
	if time.Since(s.updatedAt[symbol]) > maxAge {
		return 0, false
	}
	return price, true
}

func (s *MarkPriceStream) connect(wsURL string) {
	for {
		s.mu.RLock()
		running := s.isRunning
		s.mu.RUnlock()
		if !running {
			return
		}

		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			s.logger.Warn().Err(err).Msg("mark price stream dial failed, retrying in 5s")
			s.mu.Lock()
			s.reconnects++
			s.mu.Unlock()
			select {
			case <-s.stopChan:
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}

		s.mu.Lock()
		s.wsConn = conn
		s.mu.Unlock()
		s.logger.Info().Int("symbols", len(s.symbols)).Msg("mark price stream connected")

		s.readLoop(conn)

		s.mu.RLock()
		running = s.isRunning
		s.mu.RUnlock()
		if !running {
			return
		}

		s.logger.Warn().Msg("mark price stream disconnected, reconnecting in 3s")
		select {
		case <-s.stopChan:
			return
		case <-time.After(3 * time.Second):
		}
	}
}

func (s *MarkPriceStream) readLoop(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug().Err(err).Msg("mark price stream read error")
			}
			return
		}
		s.handleMessage(message)
	}
}

// handleMessage unwraps the combined-stream envelope and caches the price.
func (s *MarkPriceStream) handleMessage(message []byte) {
	var envelope struct {
		Stream string          `json:"stream"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(message, &envelope); err != nil || len(envelope.Data) == 0 {
		return
	}

	var event MarkPriceEvent
	if err := json.Unmarshal(envelope.Data, &event); err != nil {
		s.logger.Debug().Err(err).Msg("mark price event parse failed")
		return
	}
	if event.EventType != "markPriceUpdate" || event.Symbol == "" {
		return
	}

	s.mu.Lock()
	s.prices[event.Symbol] = event.MarkPrice
	s.updatedAt[event.Symbol] = event.Time()
	s.mu.Unlock()
}

// Stats reports stream health for the status endpoint.
func (s *MarkPriceStream) Stats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return map[string]interface{}{
		"running":    s.isRunning,
		"reconnects": s.reconnects,
		"symbols":    len(s.symbols),
		"cached":     len(s.prices),
	}
}
