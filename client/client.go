// Package client implements the calling side of the RPC protocol over HTTP
// and over duplex websocket streams.
//
// Both transports expose the same surface: single calls with positional or
// named arguments, fire-and-forget notifications, and batches. A single call
// returns the peer's result or its error as a typed *protocol.Error. A batch
// returns one result slot per submitted call, in submission order, even when
// the peer answers out of order.
//
// Batch slots that cannot be correlated back to their call degrade instead
// of failing the whole batch: responses whose ids match no submitted call,
// and responses to notifications, are pooled in a shared
// *protocol.UnlinkedResults which fills the slots that received no direct
// answer. Several responses claiming the same id collapse into a
// *protocol.DuplicatedResults holding all of them.
package client

import (
	"context"
	"encoding/json"

	"github.com/mnehpets/onerpc/protocol"
)

// normalizeID maps the numeric id types onto one comparable form, so a
// request id written as an int still matches the float64 the JSON decoder
// produces for the echoed response id.
func normalizeID(id any) any {
	switch v := id.(type) {
	case int:
		return float64(v)
	case int32:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	}
	return id
}

// Call is one entry of a batch. Construct them with NewCall, NamedCall or
// Notification; zero-value Calls are not valid.
type Call struct {
	// Request is the wire request this call will submit.
	Request *protocol.Request
	err     error
}

// NewCall prepares a batch entry with positional arguments.
func NewCall(method string, args ...any) *Call {
	req, err := protocol.NewRequest(protocol.NewID(), method, args, nil)
	return &Call{Request: req, err: err}
}

// NamedCall prepares a batch entry with named arguments.
func NamedCall(method string, kwargs map[string]any) *Call {
	req, err := protocol.NewRequest(protocol.NewID(), method, nil, kwargs)
	return &Call{Request: req, err: err}
}

// Notification prepares a batch entry that expects no response.
func Notification(method string, args ...any) *Call {
	req, err := protocol.NewNotification(method, args, nil)
	return &Call{Request: req, err: err}
}

// FromRequest wraps an already-built request as a batch entry.
func FromRequest(req *protocol.Request) *Call {
	return &Call{Request: req}
}

// Caller is the transport-independent calling surface. Both HTTPClient and
// StreamClient implement it.
type Caller interface {
	Call(ctx context.Context, method string, args ...any) (any, error)
	CallNamed(ctx context.Context, method string, kwargs map[string]any) (any, error)
	Notify(ctx context.Context, method string, args ...any) error
	Batch(ctx context.Context, calls ...*Call) ([]any, error)
	BatchUnordered(ctx context.Context, calls ...*Call) ([]any, error)
}

var (
	_ Caller = (*HTTPClient)(nil)
	_ Caller = (*StreamClient)(nil)
)

// buildBatch validates calls and assembles the wire batch. An empty batch is
// rejected before any I/O happens.
func buildBatch(calls []*Call) (protocol.BatchRequest, error) {
	if len(calls) == 0 {
		return nil, protocol.InvalidRequest("an empty batch is not allowed")
	}
	batch := make(protocol.BatchRequest, 0, len(calls))
	for _, call := range calls {
		if call == nil || call.Request == nil {
			return nil, protocol.InvalidRequest("a batch call has no request")
		}
		if call.err != nil {
			return nil, call.err
		}
		batch = append(batch, call.Request)
	}
	return batch, nil
}

// arrivalOrderResults flattens responses in the order the peer sent them.
// Each response contributes its result, or its error as a *protocol.Error
// value.
func arrivalOrderResults(responses protocol.BatchResponse) []any {
	results := make([]any, 0, len(responses))
	for _, resp := range responses {
		if resp.Error != nil {
			results = append(results, resp.Error)
		} else {
			results = append(results, resp.Result)
		}
	}
	return results
}

// collectBatchResults aligns responses with the batch that produced them.
//
// Each slot of the returned slice corresponds to the call at the same index.
// A slot holds the response result, the response *protocol.Error, a shared
// *protocol.UnlinkedResults when no response could be tied to the slot but
// uncorrelated responses exist, or nil when nothing at all arrived for it.
func collectBatchResults(batch protocol.BatchRequest, responses protocol.BatchResponse) []any {
	unlinked := &protocol.UnlinkedResults{}

	known := make(map[any]bool, len(batch))
	for _, req := range batch {
		if !req.IsNotification() && protocol.ValidID(req.ID) {
			known[normalizeID(req.ID)] = true
		}
	}

	byID := make(map[any]any, len(responses))
	for _, resp := range responses {
		var value any
		if resp.Error != nil {
			value = resp.Error
		} else {
			value = resp.Result
		}
		key := normalizeID(resp.ID)
		if !protocol.ValidID(resp.ID) || !known[key] {
			unlinked.Add(value)
			continue
		}
		if existing, ok := byID[key]; ok {
			if dup, ok := existing.(*protocol.DuplicatedResults); ok {
				dup.Add(value)
			} else {
				dup := &protocol.DuplicatedResults{}
				dup.Add(existing)
				dup.Add(value)
				byID[key] = dup
			}
			continue
		}
		byID[key] = value
	}

	results := make([]any, len(batch))
	for i, req := range batch {
		if !req.IsNotification() {
			if v, ok := byID[normalizeID(req.ID)]; ok {
				results[i] = v
				continue
			}
		}
		if !unlinked.Empty() {
			results[i] = unlinked
		}
	}
	return results
}
