package protocol

import "encoding/json"

// Response is a single JSON-RPC 2.0 response.
//
// Result and Error are mutually exclusive on the wire; when both are somehow
// set, Error takes precedence during serialization. A nil ID marks the
// response as belonging to a notification (or to a parse failure whose id
// could not be salvaged); notification responses are dropped rather than
// sent.
type Response struct {
	ID      any
	JSONRPC string
	Result  any
	Error   *Error
}

// NewResponse builds a successful response.
func NewResponse(id any, result any) *Response {
	return &Response{ID: id, JSONRPC: Version, Result: result}
}

// NewErrorResponse builds an error response.
func NewErrorResponse(id any, err *Error) *Response {
	return &Response{ID: id, JSONRPC: Version, Error: err}
}

// IsNotification reports whether the response carries no id and must be
// suppressed instead of sent.
func (r *Response) IsNotification() bool {
	return r.ID == nil
}

// ParseResponse validates and converts a decoded JSON value into a Response.
//
// The value must be an object with a valid "jsonrpc" version and at least one
// of "result" or "error". Error objects must carry "code" and "message";
// codes found in registry reconstruct typed errors, unknown codes produce a
// plain Error with the received code. A nil registry accepts any code.
func ParseResponse(data any, registry ErrorRegistry) (*Response, error) {
	obj, ok := data.(map[string]any)
	if !ok {
		return nil, InvalidRequest("a response must be an object")
	}
	if err := ValidateVersion(obj["jsonrpc"]); err != nil {
		return nil, err
	}
	_, hasResult := obj["result"]
	rawErr, hasError := obj["error"]
	if !hasResult && !hasError {
		return nil, InvalidRequest(`"result" or "error" not found in response`)
	}

	resp := &Response{
		ID:      obj["id"],
		JSONRPC: Version,
		Result:  obj["result"],
	}
	if hasError {
		parsed, err := parseErrorObject(rawErr, registry)
		if err != nil {
			return nil, err
		}
		resp.Result = nil
		resp.Error = parsed
	}
	return resp, nil
}

func parseErrorObject(raw any, registry ErrorRegistry) (*Error, error) {
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, InvalidRequest(`"error" must be an object`)
	}
	rawCode, hasCode := obj["code"]
	message, hasMessage := obj["message"].(string)
	if !hasCode || !hasMessage {
		return nil, InvalidRequest(`an error object must contain "code" and "message"`)
	}
	code, ok := errorCode(rawCode)
	if !ok {
		return nil, InvalidRequest(`"error.code" must be an integer`)
	}

	var e *Error
	if construct, known := registry[code]; known {
		e = construct(message)
	} else {
		e = NewError(code, message)
	}
	if data, hasData := obj["data"]; hasData {
		e = e.WithData(data)
	}
	return e, nil
}

func errorCode(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	}
	return 0, false
}

// Wire returns the response's wire object. Unlike requests, the id is always
// present (null for unsalvageable ids) and error wins over result.
func (r *Response) Wire() map[string]any {
	data := map[string]any{
		"id":      r.ID,
		"jsonrpc": r.JSONRPC,
	}
	if r.Error == nil {
		data["result"] = r.Result
		return data
	}
	errObj := map[string]any{
		"code":    r.Error.Code,
		"message": r.Error.Message,
	}
	if r.Error.Data != nil {
		errObj["data"] = r.Error.Data
	}
	data["error"] = errObj
	return data
}

// MarshalJSON implements json.Marshaler.
func (r *Response) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Wire())
}

// BatchResponse is an ordered sequence of responses received as one frame.
type BatchResponse []*Response

// ParseBatchResponse converts a decoded JSON array into a BatchResponse.
// A non-array payload is an InvalidRequest.
func ParseBatchResponse(data any, registry ErrorRegistry) (BatchResponse, error) {
	list, ok := data.([]any)
	if !ok {
		return nil, InvalidRequest("a batch response must be an array")
	}
	batch := make(BatchResponse, 0, len(list))
	for _, item := range list {
		resp, err := ParseResponse(item, registry)
		if err != nil {
			return nil, err
		}
		batch = append(batch, resp)
	}
	return batch, nil
}

// Wire returns the batch's wire array.
func (b BatchResponse) Wire() []any {
	out := make([]any, len(b))
	for i, r := range b {
		out[i] = r.Wire()
	}
	return out
}

// MarshalJSON implements json.Marshaler.
func (b BatchResponse) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.Wire())
}

// UnlinkedResults collects response values whose id could not be matched to
// any request of a batch. One shared instance stands in for every
// notification slot and every uncorrelated id in an order-preserving batch
// result.
type UnlinkedResults struct {
	Results []any
}

// Add appends a value.
func (u *UnlinkedResults) Add(v any) {
	u.Results = append(u.Results, v)
}

// Empty reports whether nothing was collected.
func (u *UnlinkedResults) Empty() bool {
	return u == nil || len(u.Results) == 0
}

// DuplicatedResults collects every value received for an id that arrived
// more than once, in arrival order (the first value is Results[0]).
type DuplicatedResults struct {
	Results []any
}

// Add appends a value.
func (d *DuplicatedResults) Add(v any) {
	d.Results = append(d.Results, v)
}
