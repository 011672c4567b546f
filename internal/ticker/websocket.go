package ticker

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tradedesk/internal/infra"
)

const (
	defaultPingInterval = 30 * time.Second
	defaultReadTimeout  = 60 * time.Second
	handshakeTimeout    = 10 * time.Second
	writeTimeout        = 5 * time.Second
)

// WebSocketConfig configures the websocket transport.
type WebSocketConfig struct {
	URL              string
	Header           http.Header
	SubscribeMessage string // sent once after every successful dial
	PingInterval     time.Duration
	ReadTimeout      time.Duration
}

// WebSocketTransport streams frames from a websocket endpoint.
type WebSocketTransport struct {
	cfg    WebSocketConfig
	dialer websocket.Dialer
}

// NewWebSocketTransport creates a websocket transport.
func NewWebSocketTransport(cfg WebSocketConfig) *WebSocketTransport {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	return &WebSocketTransport{
		cfg:    cfg,
		dialer: websocket.Dialer{HandshakeTimeout: handshakeTimeout},
	}
}

func (t *WebSocketTransport) Name() string { return "websocket" }

func (t *WebSocketTransport) Open(ctx context.Context) (Stream, error) {
	header := t.cfg.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	if header.Get("User-Agent") == "" {
		header.Set("User-Agent", infra.DefaultUserAgent)
	}

	conn, _, err := t.dialer.DialContext(ctx, t.cfg.URL, header)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}

	s := &wsStream{
		conn:        conn,
		readTimeout: t.cfg.ReadTimeout,
		done:        make(chan struct{}),
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	})

	if t.cfg.SubscribeMessage != "" {
		if err := s.threadSafeWrite(websocket.TextMessage, []byte(t.cfg.SubscribeMessage)); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("subscribe failed: %w", err)
		}
	}

	go s.pingLoop(t.cfg.PingInterval)
	go s.watch(ctx)
	return s, nil
}

type wsStream struct {
	conn        *websocket.Conn
	readTimeout time.Duration
	writeMu     sync.Mutex
	done        chan struct{}
	closeOnce   sync.Once
}

func (s *wsStream) Next(ctx context.Context) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		msgType, msg, err := s.conn.ReadMessage()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, err
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		// Text keepalives some feeds send between ticks
		trimmed := bytes.TrimSpace(msg)
		if bytes.EqualFold(trimmed, []byte("pong")) || bytes.EqualFold(trimmed, []byte("ping")) {
			continue
		}
		return msg, nil
	}
}

func (s *wsStream) threadSafeWrite(msgType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(msgType, data)
}

func (s *wsStream) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				slog.Debug("Ping failed", slog.String("module", "ticker"), slog.Any("error", err))
				return
			}
		}
	}
}

// watch unblocks a pending read when the manager cancels.
func (s *wsStream) watch(ctx context.Context) {
	select {
	case <-ctx.Done():
		_ = s.Close()
	case <-s.done:
	}
}

func (s *wsStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	return err
}
