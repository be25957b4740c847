package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/mnehpets/onerpc/protocol"
)

// ErrConnClosed is returned by Conn operations after the connection has been
// closed or the server has shut down.
var ErrConnClosed = errors.New("server: connection closed")

// WSServer serves the RPC dispatcher over websocket connections.
//
// Each frame received on a connection is dispatched independently, so a
// slow method does not block later frames on the same connection. Responses
// are written back on the same connection as text frames.
//
// The connection is duplex: the server may push notifications, or issue
// calls of its own, to a connected peer through the Conn handed to methods
// in their extra arguments under the "conn" key.
type WSServer struct {
	srv      *Server
	upgrader websocket.Upgrader
	log      zerolog.Logger

	mu    sync.Mutex
	conns map[*Conn]struct{}
}

// WSOption configures a WSServer.
type WSOption func(*WSServer)

// WithWSLogger sets the websocket server's logger.
func WithWSLogger(log zerolog.Logger) WSOption {
	return func(w *WSServer) { w.log = log }
}

// WithCheckOrigin sets the origin check used during the websocket upgrade.
// The default accepts any origin.
func WithCheckOrigin(check func(r *http.Request) bool) WSOption {
	return func(w *WSServer) { w.upgrader.CheckOrigin = check }
}

// NewWSServer wraps srv with a websocket transport.
func NewWSServer(srv *Server, opts ...WSOption) *WSServer {
	w := &WSServer{
		srv: srv,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log:   zerolog.Nop(),
		conns: make(map[*Conn]struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// ServeHTTP upgrades the request to a websocket and serves RPC frames on it
// until the peer disconnects or the server shuts down.
func (w *WSServer) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	ws, err := w.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error.
		w.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	conn := &Conn{
		srv:     w.srv,
		ws:      ws,
		log:     w.log.With().Str("remote", ws.RemoteAddr().String()).Logger(),
		pending: make(map[any]chan *protocol.Response),
		done:    make(chan struct{}),
	}

	w.mu.Lock()
	w.conns[conn] = struct{}{}
	w.mu.Unlock()

	w.log.Debug().Str("remote", ws.RemoteAddr().String()).Msg("websocket connected")
	conn.serve(r.Context())

	w.mu.Lock()
	delete(w.conns, conn)
	w.mu.Unlock()
	w.log.Debug().Str("remote", ws.RemoteAddr().String()).Msg("websocket disconnected")
}

// Broadcast sends a notification to every connected peer. Write failures on
// individual connections are logged and skipped.
func (w *WSServer) Broadcast(method string, args ...any) {
	req, err := protocol.NewNotification(method, args, nil)
	if err != nil {
		w.log.Debug().Err(err).Msg("broadcast skipped")
		return
	}
	w.mu.Lock()
	conns := make([]*Conn, 0, len(w.conns))
	for c := range w.conns {
		conns = append(conns, c)
	}
	w.mu.Unlock()
	for _, c := range conns {
		if err := c.send(req.Wire()); err != nil {
			c.log.Debug().Err(err).Msg("broadcast write failed")
		}
	}
}

// Shutdown closes every open connection with a going-away close frame and
// waits for in-flight handlers to finish or ctx to expire.
func (w *WSServer) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	conns := make([]*Conn, 0, len(w.conns))
	for c := range w.conns {
		conns = append(conns, c)
	}
	w.mu.Unlock()

	for _, c := range conns {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}

	finished := make(chan struct{})
	go func() {
		for _, c := range conns {
			c.handlers.Wait()
		}
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Conn is one live websocket connection. Methods receive the Conn carrying
// their request under the "conn" extra argument and may use it to push
// notifications or calls back to the peer.
type Conn struct {
	srv *Server
	ws  *websocket.Conn
	log zerolog.Logger

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[any]chan *protocol.Response

	handlers  sync.WaitGroup
	closeOnce sync.Once
	done      chan struct{}
}

// RemoteAddr returns the peer's network address.
func (c *Conn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}

// serve reads frames until the connection drops. Each frame is handled in
// its own goroutine so responses may interleave out of order.
func (c *Conn) serve(ctx context.Context) {
	defer c.close(websocket.CloseNormalClosure, "")
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug().Err(err).Msg("websocket read failed")
			}
			return
		}
		c.handlers.Add(1)
		go func(data []byte) {
			defer c.handlers.Done()
			c.handleFrame(ctx, data)
		}(data)
	}
}

func (c *Conn) handleFrame(ctx context.Context, data []byte) {
	var payload any
	if err := json.Unmarshal(data, &payload); err != nil {
		resp := protocol.NewErrorResponse(nil, protocol.ParseError(err.Error()))
		if werr := c.send(resp.Wire()); werr != nil {
			c.log.Debug().Err(werr).Msg("websocket write failed")
		}
		return
	}

	if c.routeResponses(payload) {
		return
	}

	extra := map[string]any{"conn": c}
	out, ok := c.srv.DispatchPayload(ctx, payload, extra)
	if !ok {
		return
	}
	if err := c.send(out); err != nil {
		c.log.Debug().Err(err).Msg("websocket write failed")
	}
}

// routeResponses delivers response frames from the peer to waiting Call
// invocations. It reports whether the payload was consumed as a response.
// Frames carrying a "method" key are requests and are never consumed here.
func (c *Conn) routeResponses(payload any) bool {
	first := payload
	if list, ok := payload.([]any); ok {
		if len(list) == 0 {
			return false
		}
		first = list[0]
	}
	obj, ok := first.(map[string]any)
	if !ok {
		return false
	}
	if _, isRequest := obj["method"]; isRequest {
		return false
	}
	if _, hasResult := obj["result"]; !hasResult {
		if _, hasError := obj["error"]; !hasError {
			return false
		}
	}

	resp, err := protocol.ParseResponse(obj, protocol.DefaultErrorRegistry())
	if err != nil {
		c.log.Debug().Err(err).Msg("discarding malformed peer response")
		return true
	}
	c.pendingMu.Lock()
	ch, found := c.pending[resp.ID]
	if found {
		delete(c.pending, resp.ID)
	}
	c.pendingMu.Unlock()
	if !found {
		c.log.Debug().Interface("id", resp.ID).Msg("discarding unmatched peer response")
		return true
	}
	ch <- resp
	return true
}

// Notify pushes a notification with positional arguments to the peer.
func (c *Conn) Notify(method string, args ...any) error {
	req, err := protocol.NewNotification(method, args, nil)
	if err != nil {
		return err
	}
	return c.send(req.Wire())
}

// NotifyNamed pushes a notification with named arguments to the peer.
func (c *Conn) NotifyNamed(method string, kwargs map[string]any) error {
	req, err := protocol.NewNotification(method, nil, kwargs)
	if err != nil {
		return err
	}
	return c.send(req.Wire())
}

// Call invokes a method on the peer and waits for its response. The peer
// must implement the duplex side of the protocol for this to resolve.
func (c *Conn) Call(ctx context.Context, method string, args ...any) (any, error) {
	req, err := protocol.NewRequest(protocol.NewID(), method, args, nil)
	if err != nil {
		return nil, err
	}

	ch := make(chan *protocol.Response, 1)
	c.pendingMu.Lock()
	c.pending[req.ID] = ch
	c.pendingMu.Unlock()

	if err := c.send(req.Wire()); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, req.ID)
		c.pendingMu.Unlock()
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-c.done:
		return nil, ErrConnClosed
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, req.ID)
		c.pendingMu.Unlock()
		return nil, ctx.Err()
	}
}

func (c *Conn) send(v any) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(v)
}

func (c *Conn) close(code int, reason string) {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		deadline := time.Now().Add(time.Second)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, deadline)
		c.writeMu.Unlock()
		_ = c.ws.Close()
		close(c.done)
	})
}
