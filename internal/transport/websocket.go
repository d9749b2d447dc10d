package transport

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// meshPath is the HTTP path the WebSocket backend upgrades on.
const meshPath = "/mesh"

// WebSocket is the persistent streaming backend. Frames are binary
// messages; heartbeats use WebSocket ping/pong control frames.
type WebSocket struct {
	opts Options
}

// NewWebSocket creates the WebSocket backend.
func NewWebSocket(opts Options) *WebSocket {
	return &WebSocket{opts: opts.withDefaults()}
}

// Dial connects to a peer's mesh endpoint. The endpoint is a host:port;
// scheme and path are filled in by the backend.
func (w *WebSocket) Dial(ctx context.Context, endpoint string) (Conn, error) {
	scheme := "ws"
	tlsCfg, err := clientTLS(w.opts.TLS)
	if err != nil {
		return nil, err
	}
	if tlsCfg != nil {
		scheme = "wss"
	}

	u := url.URL{Scheme: scheme, Host: endpoint, Path: meshPath}
	dialer := websocket.Dialer{
		HandshakeTimeout: w.opts.DialTimeout,
		TLSClientConfig:  tlsCfg,
	}

	dialCtx, cancel := context.WithTimeout(ctx, w.opts.DialTimeout)
	defer cancel()

	ws, resp, err := dialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u.String(), err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	return newWSConn(ws, w.opts), nil
}

// Listen serves the mesh upgrade endpoint.
func (w *WebSocket) Listen(ctx context.Context, addr string) (Listener, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	l := &wsListener{
		addr:   lis.Addr().String(),
		accept: make(chan Conn, 16),
		opts:   w.opts,
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// Peers are authenticated at the session handshake, not by origin.
		CheckOrigin: func(*http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.HandleFunc(meshPath, func(rw http.ResponseWriter, req *http.Request) {
		ws, err := upgrader.Upgrade(rw, req, nil)
		if err != nil {
			log.Printf("[Transport] websocket upgrade failed: %v", err)
			return
		}
		conn := newWSConn(ws, l.opts)
		select {
		case l.accept <- conn:
		default:
			// Accept backlog full; refuse rather than block the server.
			log.Printf("[Transport] accept backlog full, dropping connection from %s", req.RemoteAddr)
			_ = conn.Close()
		}
	})

	l.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  0, // long-lived streams
		WriteTimeout: 0,
		IdleTimeout:  0,
	}

	tlsCfg, err := serverTLS(w.opts.TLS)
	if err != nil {
		_ = lis.Close()
		return nil, err
	}

	go func() {
		var serveErr error
		if tlsCfg != nil {
			l.server.TLSConfig = tlsCfg
			serveErr = l.server.ServeTLS(lis, "", "")
		} else {
			serveErr = l.server.Serve(lis)
		}
		if serveErr != nil && serveErr != http.ErrServerClosed {
			log.Printf("[Transport] websocket server error: %v", serveErr)
		}
	}()

	return l, nil
}

type wsListener struct {
	addr      string
	server    *http.Server
	accept    chan Conn
	opts      Options
	closeOnce sync.Once
}

func (l *wsListener) Accept() <-chan Conn { return l.accept }
func (l *wsListener) Addr() string        { return l.addr }

func (l *wsListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = l.server.Shutdown(ctx)
		close(l.accept)
	})
	return err
}

// wsConn adapts a gorilla websocket connection to the Conn contract.
type wsConn struct {
	ws       *websocket.Conn
	opts     Options
	recv     chan []byte
	done     chan struct{}
	writeMu  sync.Mutex
	lastSeen atomic.Int64
	lastSent atomic.Int64
	once     sync.Once
}

func newWSConn(ws *websocket.Conn, opts Options) *wsConn {
	c := &wsConn{
		ws:   ws,
		opts: opts,
		recv: make(chan []byte, 64),
		done: make(chan struct{}),
	}
	c.lastSeen.Store(time.Now().UnixNano())
	c.lastSent.Store(time.Now().UnixNano())

	// Any control traffic counts as liveness.
	ws.SetPingHandler(func(data string) error {
		c.lastSeen.Store(time.Now().UnixNano())
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})
	ws.SetPongHandler(func(string) error {
		c.lastSeen.Store(time.Now().UnixNano())
		return nil
	})

	go c.readPump()
	go c.heartbeatLoop()
	return c
}

func (c *wsConn) Send(ctx context.Context, frame []byte) error {
	select {
	case <-c.done:
		return fmt.Errorf("connection closed")
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return fmt.Errorf("send frame: %w", err)
	}
	c.lastSent.Store(time.Now().UnixNano())
	return nil
}

func (c *wsConn) Recv() <-chan []byte { return c.recv }

func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.ws.Close()
	})
	return err
}

func (c *wsConn) readPump() {
	defer close(c.recv)
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			_ = c.Close()
			return
		}
		c.lastSeen.Store(time.Now().UnixNano())
		if kind != websocket.BinaryMessage {
			continue
		}
		select {
		case c.recv <- data:
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) heartbeatLoop() {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	deadline := c.opts.HeartbeatInterval * time.Duration(c.opts.MissedThreshold)
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if time.Duration(time.Now().UnixNano()-c.lastSeen.Load()) > deadline {
				log.Printf("[Transport] heartbeat threshold exceeded, closing connection")
				_ = c.Close()
				return
			}
			if time.Duration(time.Now().UnixNano()-c.lastSent.Load()) >= c.opts.HeartbeatInterval {
				c.writeMu.Lock()
				err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second))
				c.writeMu.Unlock()
				if err != nil && !isTemporaryWSError(err) {
					_ = c.Close()
					return
				}
				c.lastSent.Store(time.Now().UnixNano())
			}
		}
	}
}

func isTemporaryWSError(err error) bool {
	return strings.Contains(err.Error(), "i/o timeout")
}
