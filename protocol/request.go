package protocol

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Version is the only protocol version this package speaks. Requests and
// responses carrying anything else are rejected before any other validation.
const Version = "2.0"

// NewID returns a fresh request id suitable for correlation.
func NewID() string {
	return uuid.NewString()
}

// ValidateVersion checks a wire "jsonrpc" member.
func ValidateVersion(v any) error {
	if s, ok := v.(string); ok && s == Version {
		return nil
	}
	return InvalidRequest(`"jsonrpc" must be exactly "2.0"`)
}

// ValidID reports whether id has a wire-legal type for a request or
// response id (a string or a number).
func ValidID(id any) bool {
	switch id.(type) {
	case string, float64, int, int32, int64, json.Number:
		return true
	}
	return false
}

// Request is a single JSON-RPC 2.0 request or notification.
//
// Parameters are held in two synchronized forms: Params (the wire value) and
// Args/Kwargs (the normalized call shape). Exactly one of them is supplied
// at construction time and the other is derived; after that the request is
// treated as immutable, except for Extra, which middleware may enrich with
// framework-supplied values for injection into methods.
//
// A nil ID marks the request as a notification.
type Request struct {
	ID      any
	Method  string
	JSONRPC string

	Params    any
	HasParams bool
	Args      []any
	Kwargs    map[string]any

	// Extra holds values injected by the framework, not the remote caller.
	// Methods receive them by declaring parameters with matching names.
	Extra map[string]any
}

// NewRequest builds a request from positional args and named kwargs.
// A nil id makes it a notification.
func NewRequest(id any, method string, args []any, kwargs map[string]any) (*Request, error) {
	params, ok, err := ArgsToParams(args, kwargs)
	if err != nil {
		return nil, err
	}
	return &Request{
		ID:        id,
		Method:    method,
		JSONRPC:   Version,
		Params:    params,
		HasParams: ok,
		Args:      args,
		Kwargs:    kwargs,
		Extra:     make(map[string]any),
	}, nil
}

// NewRequestParams builds a request from a wire-shaped params value.
func NewRequestParams(id any, method string, params any) (*Request, error) {
	args, kwargs, err := ParamsToArgs(params)
	if err != nil {
		return nil, err
	}
	return &Request{
		ID:        id,
		Method:    method,
		JSONRPC:   Version,
		Params:    params,
		HasParams: true,
		Args:      args,
		Kwargs:    kwargs,
		Extra:     make(map[string]any),
	}, nil
}

// NewNotification builds a request with no id.
func NewNotification(method string, args []any, kwargs map[string]any) (*Request, error) {
	return NewRequest(nil, method, args, kwargs)
}

// IsNotification reports whether the request has no id and therefore expects
// no response.
func (r *Request) IsNotification() bool {
	return r.ID == nil
}

// ParseRequest validates and converts a decoded JSON value into a Request.
//
// The value must be an object containing "method" and "jsonrpc"; the version
// must be "2.0". Method existence is not checked here: that is the
// registry's concern and yields MethodNotFound later.
func ParseRequest(data any) (*Request, error) {
	obj, ok := data.(map[string]any)
	if !ok {
		return nil, InvalidRequest("a request must be an object")
	}

	method, hasMethod := obj["method"]
	version, hasVersion := obj["jsonrpc"]
	if !hasMethod || !hasVersion {
		return nil, InvalidRequest(`a request must contain "method" and "jsonrpc"`)
	}
	if err := ValidateVersion(version); err != nil {
		return nil, err
	}
	name, ok := method.(string)
	if !ok || name == "" {
		return nil, InvalidRequest(`"method" must be a non-empty string`)
	}

	var id any
	if raw, hasID := obj["id"]; hasID {
		if !ValidID(raw) {
			return nil, InvalidRequest(`"id" must be a string or a number`)
		}
		id = raw
	}

	params, hasParams := obj["params"]
	if !hasParams {
		return NewRequest(id, name, nil, nil)
	}
	return NewRequestParams(id, name, params)
}

// Wire returns the request's wire object. The id is omitted for
// notifications and params is omitted when absent.
func (r *Request) Wire() map[string]any {
	data := map[string]any{
		"method":  r.Method,
		"jsonrpc": r.JSONRPC,
	}
	if !r.IsNotification() {
		data["id"] = r.ID
	}
	if r.HasParams {
		data["params"] = r.Params
	}
	return data
}

// MarshalJSON implements json.Marshaler.
func (r *Request) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Wire())
}

// BatchRequest is an ordered sequence of requests sent as one frame.
type BatchRequest []*Request

// IsNotification reports whether every member is a notification, in which
// case the server emits no body at all.
func (b BatchRequest) IsNotification() bool {
	for _, r := range b {
		if !r.IsNotification() {
			return false
		}
	}
	return true
}

// IDs returns the ids of the non-notification members, in order.
func (b BatchRequest) IDs() []any {
	var ids []any
	for _, r := range b {
		if !r.IsNotification() {
			ids = append(ids, r.ID)
		}
	}
	return ids
}

// Wire returns the batch's wire array.
func (b BatchRequest) Wire() []any {
	out := make([]any, len(b))
	for i, r := range b {
		out[i] = r.Wire()
	}
	return out
}

// MarshalJSON implements json.Marshaler.
func (b BatchRequest) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.Wire())
}
