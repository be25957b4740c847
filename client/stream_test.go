package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mnehpets/onerpc/protocol"
	"github.com/mnehpets/onerpc/registry"
	"github.com/mnehpets/onerpc/server"
)

// wsPeer runs a websocket endpoint whose inbound frames are handed to fn
// with a write function for crafting replies.
type wsPeer struct {
	srv *httptest.Server

	mu   sync.Mutex
	conn *websocket.Conn
}

func newWSPeer(t *testing.T, fn func(write func(v any), payload any)) *wsPeer {
	t.Helper()
	p := &wsPeer{}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	p.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		p.mu.Lock()
		p.conn = conn
		p.mu.Unlock()

		write := func(v any) {
			p.mu.Lock()
			defer p.mu.Unlock()
			_ = conn.WriteJSON(v)
		}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var payload any
			if err := json.Unmarshal(data, &payload); err != nil {
				continue
			}
			fn(write, payload)
		}
	}))
	t.Cleanup(p.srv.Close)
	return p
}

func (p *wsPeer) url() string {
	return "ws" + strings.TrimPrefix(p.srv.URL, "http")
}

func (p *wsPeer) write(t *testing.T, v any) {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		t.Fatal("peer has no connection")
	}
	if err := p.conn.WriteJSON(v); err != nil {
		t.Fatal(err)
	}
}

func (p *wsPeer) dropConnection() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		p.conn.Close()
	}
}

// echoPeer answers every request object with its id and the method name as
// the result.
func echoPeer(t *testing.T) *wsPeer {
	answer := func(obj map[string]any) map[string]any {
		return map[string]any{"jsonrpc": "2.0", "id": obj["id"], "result": obj["method"]}
	}
	return newWSPeer(t, func(write func(v any), payload any) {
		switch v := payload.(type) {
		case map[string]any:
			if _, ok := v["id"]; !ok {
				return
			}
			write(answer(v))
		case []any:
			var out []any
			for _, item := range v {
				obj, ok := item.(map[string]any)
				if !ok {
					continue
				}
				if _, hasID := obj["id"]; hasID {
					out = append(out, answer(obj))
				}
			}
			if out != nil {
				write(out)
			}
		}
	})
}

func dialTest(t *testing.T, url string, opts ...StreamOption) *StreamClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := DialStream(ctx, url, opts...)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestStreamCall(t *testing.T) {
	c := dialTest(t, echoPeer(t).url())
	got, err := c.Call(context.Background(), "ping")
	if err != nil {
		t.Fatal(err)
	}
	if got != "ping" {
		t.Errorf("got %v, want ping", got)
	}
}

func TestStreamConcurrentCalls(t *testing.T) {
	c := dialTest(t, echoPeer(t).url())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := c.Call(context.Background(), "m")
			if err != nil {
				t.Errorf("call failed: %v", err)
				return
			}
			if got != "m" {
				t.Errorf("got %v, want m", got)
			}
		}()
	}
	wg.Wait()
}

func TestStreamOutOfOrderResponses(t *testing.T) {
	// Hold every request until two are in flight, then answer in reverse.
	var mu sync.Mutex
	var held []map[string]any
	peer := newWSPeer(t, func(write func(v any), payload any) {
		obj := payload.(map[string]any)
		mu.Lock()
		held = append(held, obj)
		if len(held) == 2 {
			for i := len(held) - 1; i >= 0; i-- {
				write(map[string]any{"jsonrpc": "2.0", "id": held[i]["id"], "result": held[i]["method"]})
			}
			held = nil
		}
		mu.Unlock()
	})

	c := dialTest(t, peer.url())
	results := make([]any, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, method := range []string{"first", "second"} {
		wg.Add(1)
		go func(i int, method string) {
			defer wg.Done()
			results[i], errs[i] = c.Call(context.Background(), method)
		}(i, method)
	}
	wg.Wait()

	for i, method := range []string{"first", "second"} {
		if errs[i] != nil {
			t.Fatalf("%s failed: %v", method, errs[i])
		}
		if results[i] != method {
			t.Errorf("got %v, want %v", results[i], method)
		}
	}
}

func TestStreamBatch(t *testing.T) {
	c := dialTest(t, echoPeer(t).url())

	results, err := c.Batch(context.Background(),
		NewCall("a"),
		Notification("n"),
		NewCall("b"),
	)
	if err != nil {
		t.Fatal(err)
	}
	if results[0] != "a" || results[2] != "b" {
		t.Errorf("got %v, want methods echoed in order", results)
	}
	if results[1] != nil {
		t.Errorf("got %v, want nil notification slot", results[1])
	}
}

func TestStreamBatchUnordered(t *testing.T) {
	reversed := newWSPeer(t, func(write func(v any), payload any) {
		batch, ok := payload.([]any)
		if !ok {
			return
		}
		var out []any
		for i := len(batch) - 1; i >= 0; i-- {
			obj, ok := batch[i].(map[string]any)
			if !ok {
				continue
			}
			if _, hasID := obj["id"]; hasID {
				out = append(out, map[string]any{"jsonrpc": "2.0", "id": obj["id"], "result": obj["method"]})
			}
		}
		write(out)
	})
	c := dialTest(t, reversed.url())

	results, err := c.BatchUnordered(context.Background(),
		NewCall("a"),
		Notification("n"),
		NewCall("b"),
	)
	if err != nil {
		t.Fatal(err)
	}
	want := []any{"b", "a"}
	if len(results) != len(want) {
		t.Fatalf("got %d results, want %d", len(results), len(want))
	}
	for i := range want {
		if results[i] != want[i] {
			t.Errorf("result %d: got %v, want %v", i, results[i], want[i])
		}
	}
}

func TestStreamAllNotificationBatch(t *testing.T) {
	c := dialTest(t, echoPeer(t).url())
	results, err := c.Batch(context.Background(), Notification("a"), Notification("b"))
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Errorf("got %d slots, want 2", len(results))
	}
}

func TestStreamCallTimeout(t *testing.T) {
	silent := newWSPeer(t, func(write func(v any), payload any) {})
	c := dialTest(t, silent.url(), WithCallTimeout(50*time.Millisecond))

	_, err := c.Call(context.Background(), "never")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("got %v, want deadline exceeded", err)
	}

	// The entry stays registered, so the late response is absorbed rather
	// than reported as unprocessed.
	c.pendingMu.Lock()
	remaining := len(c.pending)
	c.pendingMu.Unlock()
	if remaining != 1 {
		t.Errorf("got %d pending entries, want the timed-out one kept", remaining)
	}
}

func TestStreamLateResponseAbsorbed(t *testing.T) {
	var mu sync.Mutex
	var firstID any
	silent := newWSPeer(t, func(write func(v any), payload any) {
		obj := payload.(map[string]any)
		mu.Lock()
		if firstID == nil {
			firstID = obj["id"]
		}
		mu.Unlock()
	})

	var unprocessed []any
	var upMu sync.Mutex
	c := dialTest(t, silent.url(),
		WithCallTimeout(50*time.Millisecond),
		WithUnprocessedHandler(func(payload any) {
			upMu.Lock()
			unprocessed = append(unprocessed, payload)
			upMu.Unlock()
		}))

	_, err := c.Call(context.Background(), "never")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want deadline exceeded", err)
	}

	mu.Lock()
	id := firstID
	mu.Unlock()
	silent.write(t, map[string]any{"jsonrpc": "2.0", "id": id, "result": "late"})

	// A truly unknown id does go to the unprocessed handler.
	silent.write(t, map[string]any{"jsonrpc": "2.0", "id": "unknown", "result": "stray"})

	deadline := time.Now().Add(2 * time.Second)
	for {
		upMu.Lock()
		n := len(unprocessed)
		upMu.Unlock()
		if n > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	upMu.Lock()
	defer upMu.Unlock()
	if len(unprocessed) != 1 {
		t.Fatalf("got %d unprocessed frames, want only the stray one", len(unprocessed))
	}
	obj := unprocessed[0].(map[string]any)
	if obj["id"] != "unknown" {
		t.Errorf("got %v, want the stray frame", obj)
	}
}

func TestStreamConnectionLossFailsPending(t *testing.T) {
	var mu sync.Mutex
	seen := 0
	peer := newWSPeer(t, func(write func(v any), payload any) {
		mu.Lock()
		seen++
		mu.Unlock()
	})
	c := dialTest(t, peer.url())

	done := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "never")
		done <- err
	}()

	// Wait for the request to reach the peer before cutting the cord.
	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := seen
		mu.Unlock()
		if n > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	peer.dropConnection()

	select {
	case err := <-done:
		if !errors.Is(err, protocol.ErrServerError) {
			t.Errorf("got %v, want server error", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending call survived the connection loss")
	}

	c.pendingMu.Lock()
	remaining := len(c.pending)
	c.pendingMu.Unlock()
	if remaining != 0 {
		t.Errorf("got %d pending entries, want a cleared table", remaining)
	}

	if _, err := c.Call(context.Background(), "after"); !errors.Is(err, ErrClosed) {
		t.Errorf("got %v, want closed", err)
	}
}

func TestStreamPeerRequestsDispatched(t *testing.T) {
	// The peer calls back over the same connection; the client answers
	// through its request handler backed by a dispatcher.
	peer := newWSPeer(t, func(write func(v any), payload any) {
		obj := payload.(map[string]any)
		if obj["method"] == "begin" {
			write(map[string]any{"jsonrpc": "2.0", "id": "cb", "method": "ping", "params": []any{}})
			write(map[string]any{"jsonrpc": "2.0", "id": obj["id"], "result": "begun"})
		}
	})

	reg := registry.NewRegistry()
	reg.MustAdd(registry.New("ping", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		return "pong", nil
	}))
	callback := server.New(reg)

	answered := make(chan map[string]any, 1)
	c := dialTest(t, peer.url(), WithRequestHandler(func(ctx context.Context, payload any, extra map[string]any) (any, bool) {
		out, ok := callback.DispatchPayload(ctx, payload, extra)
		if ok {
			if obj, isObj := out.(map[string]any); isObj {
				answered <- obj
			}
		}
		return out, ok
	}))

	got, err := c.Call(context.Background(), "begin")
	if err != nil {
		t.Fatal(err)
	}
	if got != "begun" {
		t.Errorf("got %v, want begun", got)
	}

	select {
	case resp := <-answered:
		if resp["result"] != "pong" {
			t.Errorf("got %v, want pong", resp["result"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("peer request never dispatched")
	}
}
