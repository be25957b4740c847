package client

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

// ErrClosed is returned by StreamClient operations after Close, or after the
// connection has dropped.
var ErrClosed = errors.New("client: connection closed")

// RequestHandler serves peer-initiated traffic on a duplex stream. It
// receives the decoded request payload (an object or an array) and returns
// the output to write back, or ok=false when there is nothing to send.
//
// A server dispatcher's DispatchPayload fits this signature directly.
type RequestHandler func(ctx context.Context, payload any, extra map[string]any) (any, bool)

// UnprocessedHandler observes response frames that match no pending call.
type UnprocessedHandler func(payload any)

// StreamClient calls an RPC server over one long-lived websocket. Responses
// may arrive in any order and are matched to their calls by id, so calls
// from several goroutines share the connection freely.
//
// The stream is duplex: frames carrying a method are requests from the peer
// and are handed to the configured RequestHandler.
type StreamClient struct {
	ws      *websocket.Conn
	errors  protocol.ErrorRegistry
	log     zerolog.Logger
	timeout time.Duration

	onRequest     RequestHandler
	onUnprocessed UnprocessedHandler

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[any]*pendingCall

	handlers  sync.WaitGroup
	readDone  chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
	cancel    context.CancelFunc
}

// pendingCall is the waiter for one in-flight call or batch. Every id of a
// batch points at the same waiter; whichever frame arrives first resolves
// it, later frames matching remaining ids are absorbed silently.
type pendingCall struct {
	ids     []any
	once    sync.Once
	done    chan struct{}
	payload any
	err     *protocol.Error
}

func (p *pendingCall) resolve(payload any, err *protocol.Error) {
	p.once.Do(func() {
		p.payload = payload
		p.err = err
		close(p.done)
	})
}

// StreamOption configures a StreamClient.
type StreamOption func(*StreamClient)

// WithRequestHandler installs the handler for peer-initiated requests. Without
// one, such frames are logged and dropped.
func WithRequestHandler(h RequestHandler) StreamOption {
	return func(c *StreamClient) { c.onRequest = h }
}

// WithUnprocessedHandler installs an observer for response frames that match
// no pending call. Without one, they are logged and dropped.
func WithUnprocessedHandler(h UnprocessedHandler) StreamOption {
	return func(c *StreamClient) { c.onUnprocessed = h }
}

// WithCallTimeout bounds how long a call waits for its response. Zero, the
// default, means calls wait until their context expires. A timed-out call
// fails locally; its table entry stays so a late response is still absorbed
// instead of surfacing as unprocessed.
func WithCallTimeout(d time.Duration) StreamOption {
	return func(c *StreamClient) { c.timeout = d }
}

// WithStreamErrorRegistry sets the registry used to reconstruct typed errors.
func WithStreamErrorRegistry(reg protocol.ErrorRegistry) StreamOption {
	return func(c *StreamClient) { c.errors = reg }
}

// WithStreamLogger sets the client's logger.
func WithStreamLogger(log zerolog.Logger) StreamOption {
	return func(c *StreamClient) { c.log = log }
}

// DialStream connects to the websocket RPC endpoint at url and starts the
// read loop.
func DialStream(ctx context.Context, url string, opts ...StreamOption) (*StreamClient, error) {
	return DialStreamHeader(ctx, url, nil, opts...)
}

// DialStreamHeader is DialStream with extra handshake headers.
func DialStreamHeader(ctx context.Context, url string, header http.Header, opts ...StreamOption) (*StreamClient, error) {
	c := &StreamClient{
		errors:   protocol.DefaultErrorRegistry(),
		log:      zerolog.Nop(),
		pending:  make(map[any]*pendingCall),
		readDone: make(chan struct{}),
		closed:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	c.ws = ws

	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.readLoop(loopCtx)
	return c, nil
}

// Close shuts the connection down and waits for the read loop and any
// in-flight peer-request handlers to finish.
func (c *StreamClient) Close() error {
	c.shutdown()
	<-c.readDone
	c.handlers.Wait()
	return nil
}

func (c *StreamClient) shutdown() {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		deadline := time.Now().Add(time.Second)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, deadline)
		c.writeMu.Unlock()
		_ = c.ws.Close()
		close(c.closed)
		c.cancel()
	})
}

// Call invokes method with positional arguments and returns its result, or
// the server's error as a *protocol.Error.
func (c *StreamClient) Call(ctx context.Context, method string, args ...any) (any, error) {
	req, err := protocol.NewRequest(protocol.NewID(), method, args, nil)
	if err != nil {
		return nil, err
	}
	return c.callRequest(ctx, req)
}

// CallNamed invokes method with named arguments.
func (c *StreamClient) CallNamed(ctx context.Context, method string, kwargs map[string]any) (any, error) {
	req, err := protocol.NewRequest(protocol.NewID(), method, nil, kwargs)
	if err != nil {
		return nil, err
	}
	return c.callRequest(ctx, req)
}

func (c *StreamClient) callRequest(ctx context.Context, req *protocol.Request) (any, error) {
	waiter, err := c.submit(ctx, req.Wire(), []any{normalizeID(req.ID)})
	if err != nil {
		return nil, err
	}
	payload, err := c.wait(ctx, waiter)
	if err != nil {
		return nil, err
	}

	resp, err := c.responseFor(payload, normalizeID(req.ID))
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

// Notify sends a notification with positional arguments.
func (c *StreamClient) Notify(ctx context.Context, method string, args ...any) error {
	req, err := protocol.NewNotification(method, args, nil)
	if err != nil {
		return err
	}
	return c.send(req.Wire())
}

// NotifyNamed sends a notification with named arguments.
func (c *StreamClient) NotifyNamed(ctx context.Context, method string, kwargs map[string]any) error {
	req, err := protocol.NewNotification(method, nil, kwargs)
	if err != nil {
		return err
	}
	return c.send(req.Wire())
}

// Batch submits calls as one wire batch and returns one result slot per
// call, in submission order. All ids of the batch share one waiter; the
// frame answering any of them resolves the whole batch.
func (c *StreamClient) Batch(ctx context.Context, calls ...*Call) ([]any, error) {
	batch, err := buildBatch(calls)
	if err != nil {
		return nil, err
	}

	responses, err := c.batchExchange(ctx, batch)
	if err != nil {
		return nil, err
	}
	if responses == nil {
		return make([]any, len(batch)), nil
	}
	return collectBatchResults(batch, responses), nil
}

// BatchUnordered submits calls as one wire batch and returns the result and
// error values in the order the peer answered, without mapping them back to
// their originating calls.
func (c *StreamClient) BatchUnordered(ctx context.Context, calls ...*Call) ([]any, error) {
	batch, err := buildBatch(calls)
	if err != nil {
		return nil, err
	}
	responses, err := c.batchExchange(ctx, batch)
	if err != nil || responses == nil {
		return nil, err
	}
	return arrivalOrderResults(responses), nil
}

// batchExchange sends the batch and waits for the correlated responses. A
// batch consisting only of notifications is sent without registering a
// waiter and yields a nil response set.
func (c *StreamClient) batchExchange(ctx context.Context, batch protocol.BatchRequest) (protocol.BatchResponse, error) {
	var ids []any
	for _, req := range batch {
		if !req.IsNotification() {
			ids = append(ids, normalizeID(req.ID))
		}
	}
	if len(ids) == 0 {
		if err := c.send(batch.Wire()); err != nil {
			return nil, err
		}
		return nil, nil
	}

	waiter, err := c.submit(ctx, batch.Wire(), ids)
	if err != nil {
		return nil, err
	}
	payload, err := c.wait(ctx, waiter)
	if err != nil {
		return nil, err
	}

	responses, err := c.parseResponses(payload)
	if err != nil {
		return nil, err
	}
	if len(responses) == 0 {
		return nil, protocol.ParseError("the peer returned an empty batch response")
	}
	return responses, nil
}

// BatchNotify submits calls as one wire batch of notifications.
func (c *StreamClient) BatchNotify(ctx context.Context, calls ...*Call) error {
	batch, err := buildBatch(calls)
	if err != nil {
		return err
	}
	for _, req := range batch {
		req.ID = nil
	}
	return c.send(batch.Wire())
}

// submit registers a waiter under ids and writes out, in that order, so a
// response racing the write still finds its waiter.
func (c *StreamClient) submit(ctx context.Context, out any, ids []any) (*pendingCall, error) {
	select {
	case <-c.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	waiter := &pendingCall{ids: ids, done: make(chan struct{})}
	c.pendingMu.Lock()
	for _, id := range ids {
		c.pending[id] = waiter
	}
	c.pendingMu.Unlock()

	if err := c.send(out); err != nil {
		c.unregister(waiter)
		return nil, err
	}
	return waiter, nil
}

func (c *StreamClient) wait(ctx context.Context, waiter *pendingCall) (any, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	select {
	case <-waiter.done:
		if waiter.err != nil {
			return nil, waiter.err
		}
		return waiter.payload, nil
	case <-ctx.Done():
		// The table entry stays behind on purpose: a response arriving
		// after the deadline is matched and discarded quietly instead
		// of surfacing as unprocessed.
		return nil, ctx.Err()
	}
}

func (c *StreamClient) unregister(waiter *pendingCall) {
	c.pendingMu.Lock()
	for _, id := range waiter.ids {
		if c.pending[id] == waiter {
			delete(c.pending, id)
		}
	}
	c.pendingMu.Unlock()
}

func (c *StreamClient) send(v any) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(v)
}

// readLoop consumes frames until the connection drops, then fails every
// pending call so no waiter hangs on a dead connection.
func (c *StreamClient) readLoop(ctx context.Context) {
	defer close(c.readDone)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug().Err(err).Msg("websocket read failed")
			}
			break
		}
		c.handlers.Add(1)
		go func(data []byte) {
			defer c.handlers.Done()
			c.handleFrame(ctx, data)
		}(data)
	}

	c.failPending(protocol.ServerError("connection closed, the request has not been processed"))
	c.shutdown()
}

// failPending resolves every waiter with err and clears the table.
func (c *StreamClient) failPending(err *protocol.Error) {
	c.pendingMu.Lock()
	waiters := c.pending
	c.pending = make(map[any]*pendingCall)
	c.pendingMu.Unlock()
	for _, waiter := range waiters {
		waiter.resolve(nil, err)
	}
}

func (c *StreamClient) handleFrame(ctx context.Context, data []byte) {
	var payload any
	if err := json.Unmarshal(data, &payload); err != nil {
		c.log.Debug().Err(err).Msg("discarding undecodable frame")
		return
	}
	if isRequestPayload(payload) {
		c.handlePeerRequest(ctx, payload)
		return
	}
	c.handleResponse(payload)
}

// isRequestPayload reports whether a decoded frame is peer-initiated
// traffic, distinguished by the method key on its (first) object.
func isRequestPayload(payload any) bool {
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
	_, hasMethod := obj["method"]
	return hasMethod
}

func (c *StreamClient) handlePeerRequest(ctx context.Context, payload any) {
	if c.onRequest == nil {
		c.log.Debug().Msg("dropping peer request, no request handler")
		return
	}
	out, ok := c.onRequest(ctx, payload, map[string]any{"client": c})
	if !ok {
		return
	}
	if err := c.send(out); err != nil {
		c.log.Debug().Err(err).Msg("websocket write failed")
	}
}

// handleResponse matches a response frame against the pending table. Every
// waiter owning any id in the frame resolves with the full frame; ids with
// no waiter are tolerated, and a frame matching nothing at all goes to the
// unprocessed handler.
func (c *StreamClient) handleResponse(payload any) {
	ids := payloadIDs(payload)

	matched := make(map[*pendingCall]bool)
	c.pendingMu.Lock()
	for _, id := range ids {
		if waiter, ok := c.pending[id]; ok {
			matched[waiter] = true
			delete(c.pending, id)
		}
	}
	c.pendingMu.Unlock()

	if len(matched) == 0 {
		if c.onUnprocessed != nil {
			c.onUnprocessed(payload)
			return
		}
		c.log.Debug().Msg("discarding unmatched response frame")
		return
	}
	for waiter := range matched {
		waiter.resolve(payload, nil)
	}
}

// payloadIDs extracts the normalized response ids present in a frame.
func payloadIDs(payload any) []any {
	objects := []any{payload}
	if list, ok := payload.([]any); ok {
		objects = list
	}
	var ids []any
	for _, item := range objects {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if id, ok := obj["id"]; ok && protocol.ValidID(id) {
			ids = append(ids, normalizeID(id))
		}
	}
	return ids
}

// responseFor extracts the single response carrying id from a resolved
// payload, which may be an object or an array.
func (c *StreamClient) responseFor(payload any, id any) (*protocol.Response, error) {
	if obj, ok := payload.(map[string]any); ok {
		return protocol.ParseResponse(obj, c.errors)
	}
	responses, err := c.parseResponses(payload)
	if err != nil {
		return nil, err
	}
	for _, resp := range responses {
		if normalizeID(resp.ID) == id {
			return resp, nil
		}
	}
	return nil, protocol.InvalidRequest("no response matched the request id")
}

// parseResponses decodes a resolved payload into a batch, accepting a lone
// object as a batch of one.
func (c *StreamClient) parseResponses(payload any) (protocol.BatchResponse, error) {
	if obj, ok := payload.(map[string]any); ok {
		resp, err := protocol.ParseResponse(obj, c.errors)
		if err != nil {
			return nil, err
		}
		return protocol.BatchResponse{resp}, nil
	}
	return protocol.ParseBatchResponse(payload, c.errors)
}
