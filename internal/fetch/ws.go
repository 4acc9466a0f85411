package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/emberweb/resourced/internal/cancel"
	"github.com/emberweb/resourced/internal/cookies"
	"github.com/emberweb/resourced/internal/logging"
	"github.com/emberweb/resourced/internal/monitoring"
)

// closeGrace bounds how long a clean shutdown waits for the server's
// close reply before the read loop is forced out.
const closeGrace = 3 * time.Second

// WSMessage is one WebSocket data frame.
type WSMessage struct {
	Binary bool   `json:"binary"`
	Data   []byte `json:"data"`
}

// WSHandler receives connection lifecycle callbacks. Connected fires
// first; after it, Message any number of times; exactly one of Closed
// or Failed ends the stream. Callbacks arrive from one goroutine.
type WSHandler interface {
	Connected(protocol string)
	Message(msg WSMessage)
	Closed(code int, reason string)
	Failed(err error)
}

// WSSession is one established WebSocket connection. Send and Close
// are safe from any goroutine.
type WSSession struct {
	conn    *websocket.Conn
	handler WSHandler
	metrics *monitoring.Metrics
	log     *logging.Logger

	writeMu   sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// WebSocketConnect dials a ws or wss URL with the profile's cookies
// attached, honoring HSTS upgrades. On success the session pumps
// incoming messages to the handler until the connection ends; the
// token tears the connection down early.
func (f *Fetcher) WebSocketConnect(ctx context.Context, u *url.URL, protocols []string, origin *url.URL, token *cancel.Token, handler WSHandler) (*WSSession, error) {
	if u == nil {
		return nil, fmt.Errorf("fetch: websocket url is nil")
	}
	if u.Scheme == "ws" {
		clone := *u
		if f.profile.HSTS.UpgradeURL(&clone) {
			f.log.Debug("upgraded to wss", zap.String("host", clone.Hostname()))
			u = &clone
		}
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}

	headers := http.Header{}
	if origin != nil {
		headers.Set("Origin", origin.Scheme+"://"+origin.Host)
	}
	if ck := f.profile.Jar.CookieHeaderForURL(u, cookies.SourceHTTP); ck != "" {
		headers.Set("Cookie", ck)
	}

	handshakeTimeout := time.Duration(f.cfg.Fetch.ConnectTimeoutSec) * time.Second
	if handshakeTimeout <= 0 {
		handshakeTimeout = 30 * time.Second
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
		Subprotocols:     protocols,
	}

	conn, resp, err := dialer.DialContext(ctx, u.String(), headers)
	if resp != nil {
		// Handshake responses carry security state whether or not the
		// upgrade succeeded.
		f.profile.HSTS.ObserveResponse(u, resp.Header)
		f.storeCookies(&Request{URL: u}, resp)
	}
	if err != nil {
		if (token != nil && token.Cancelled()) || errors.Is(err, context.Canceled) {
			return nil, ErrCancelled
		}
		return nil, netError("websocket handshake failed", err)
	}

	s := &WSSession{
		conn:    conn,
		handler: handler,
		metrics: f.metrics,
		log:     f.log.Named("ws").With(zap.String("host", u.Hostname())),
		done:    make(chan struct{}),
	}
	if f.metrics != nil {
		f.metrics.IncWSConnections()
	}
	handler.Connected(conn.Subprotocol())

	go s.readLoop()
	if token != nil {
		go s.watchToken(token)
	}
	return s, nil
}

// Send writes one data frame.
func (s *WSSession) Send(msg WSMessage) error {
	kind := websocket.TextMessage
	if msg.Binary {
		kind = websocket.BinaryMessage
	}

	s.writeMu.Lock()
	err := s.conn.WriteMessage(kind, msg.Data)
	s.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to send websocket message: %w", err)
	}
	if s.metrics != nil {
		s.metrics.RecordWSMessage("sent")
	}
	return nil
}

// Close starts a clean shutdown: send a close frame, then give the
// peer closeGrace to reply before the read loop is forced out.
func (s *WSSession) Close(code int, reason string) {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		frame := websocket.FormatCloseMessage(code, reason)
		if err := s.conn.WriteControl(websocket.CloseMessage, frame, time.Now().Add(time.Second)); err != nil {
			s.log.Debug("close frame write failed", zap.Error(err))
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(closeGrace))
	})
}

// Done is closed once the read loop has delivered its final callback.
func (s *WSSession) Done() <-chan struct{} {
	return s.done
}

func (s *WSSession) readLoop() {
	defer func() {
		_ = s.conn.Close()
		if s.metrics != nil {
			s.metrics.DecWSConnections()
		}
		close(s.done)
	}()

	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			switch {
			case errors.As(err, &closeErr):
				s.handler.Closed(closeErr.Code, closeErr.Text)
			case s.closed.Load():
				s.handler.Closed(websocket.CloseNormalClosure, "")
			default:
				s.handler.Failed(netError("websocket read failed", err))
			}
			return
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		if s.metrics != nil {
			s.metrics.RecordWSMessage("received")
		}
		s.handler.Message(WSMessage{Binary: kind == websocket.BinaryMessage, Data: data})
	}
}

func (s *WSSession) watchToken(token *cancel.Token) {
	select {
	case <-token.Done():
		s.Close(websocket.CloseGoingAway, "cancelled")
	case <-s.done:
	}
}
