package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/mnehpets/onerpc/protocol"
)

// HTTPClient calls an RPC server over HTTP POST.
type HTTPClient struct {
	url    string
	http   *http.Client
	header http.Header
	errors protocol.ErrorRegistry
	log    zerolog.Logger
}

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithHTTPClient substitutes the underlying *http.Client.
func WithHTTPClient(hc *http.Client) HTTPOption {
	return func(c *HTTPClient) { c.http = hc }
}

// WithHeader adds a header to every outgoing request.
func WithHeader(key, value string) HTTPOption {
	return func(c *HTTPClient) { c.header.Set(key, value) }
}

// WithErrorRegistry sets the registry used to reconstruct typed errors from
// response error objects.
func WithErrorRegistry(reg protocol.ErrorRegistry) HTTPOption {
	return func(c *HTTPClient) { c.errors = reg }
}

// WithHTTPLogger sets the client's logger.
func WithHTTPLogger(log zerolog.Logger) HTTPOption {
	return func(c *HTTPClient) { c.log = log }
}

// NewHTTP creates a client for the RPC endpoint at url.
func NewHTTP(url string, opts ...HTTPOption) *HTTPClient {
	c := &HTTPClient{
		url:    url,
		http:   http.DefaultClient,
		header: make(http.Header),
		errors: protocol.DefaultErrorRegistry(),
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call invokes method with positional arguments and returns its result, or
// the server's error as a *protocol.Error.
func (c *HTTPClient) Call(ctx context.Context, method string, args ...any) (any, error) {
	req, err := protocol.NewRequest(protocol.NewID(), method, args, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.CallRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

// CallNamed invokes method with named arguments.
func (c *HTTPClient) CallNamed(ctx context.Context, method string, kwargs map[string]any) (any, error) {
	req, err := protocol.NewRequest(protocol.NewID(), method, nil, kwargs)
	if err != nil {
		return nil, err
	}
	resp, err := c.CallRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

// CallRequest submits a prepared request and returns the raw response
// without raising its error.
func (c *HTTPClient) CallRequest(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	body, err := c.post(ctx, req)
	if err != nil {
		return nil, err
	}
	payload, err := decodeBody(body)
	if err != nil {
		return nil, err
	}
	return protocol.ParseResponse(payload, c.errors)
}

// Notify sends a notification with positional arguments. Any response body
// the server might send is discarded.
func (c *HTTPClient) Notify(ctx context.Context, method string, args ...any) error {
	req, err := protocol.NewNotification(method, args, nil)
	if err != nil {
		return err
	}
	_, err = c.post(ctx, req)
	return err
}

// NotifyNamed sends a notification with named arguments.
func (c *HTTPClient) NotifyNamed(ctx context.Context, method string, kwargs map[string]any) error {
	req, err := protocol.NewNotification(method, nil, kwargs)
	if err != nil {
		return err
	}
	_, err = c.post(ctx, req)
	return err
}

// Batch submits calls as one wire batch and returns one result slot per
// call, in submission order. Error responses appear in their slot as a
// *protocol.Error value rather than failing the whole batch.
func (c *HTTPClient) Batch(ctx context.Context, calls ...*Call) ([]any, error) {
	batch, err := buildBatch(calls)
	if err != nil {
		return nil, err
	}
	if batch.IsNotification() {
		if _, err := c.post(ctx, batch); err != nil {
			return nil, err
		}
		return make([]any, len(batch)), nil
	}
	responses, err := c.batchResponses(ctx, batch)
	if err != nil {
		return nil, err
	}
	return collectBatchResults(batch, responses), nil
}

// BatchUnordered submits calls as one wire batch and returns the result and
// error values in the order the server answered, without mapping them back
// to their originating calls. Notifications contribute no value at all.
func (c *HTTPClient) BatchUnordered(ctx context.Context, calls ...*Call) ([]any, error) {
	batch, err := buildBatch(calls)
	if err != nil {
		return nil, err
	}
	if batch.IsNotification() {
		if _, err := c.post(ctx, batch); err != nil {
			return nil, err
		}
		return nil, nil
	}
	responses, err := c.batchResponses(ctx, batch)
	if err != nil {
		return nil, err
	}
	return arrivalOrderResults(responses), nil
}

func (c *HTTPClient) batchResponses(ctx context.Context, batch protocol.BatchRequest) (protocol.BatchResponse, error) {
	body, err := c.post(ctx, batch)
	if err != nil {
		return nil, err
	}
	payload, err := decodeBody(body)
	if err != nil {
		return nil, err
	}
	if obj, ok := payload.(map[string]any); ok {
		// A single object in place of a batch response carries a
		// batch-level error such as a parse failure.
		resp, perr := protocol.ParseResponse(obj, c.errors)
		if perr != nil {
			return nil, perr
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return nil, protocol.InvalidRequest("expected a batch response")
	}
	responses, err := protocol.ParseBatchResponse(payload, c.errors)
	if err != nil {
		return nil, err
	}
	if len(responses) == 0 {
		return nil, protocol.ParseError("the server returned an empty batch response")
	}
	return responses, nil
}

// BatchNotify submits calls as one wire batch of notifications.
func (c *HTTPClient) BatchNotify(ctx context.Context, calls ...*Call) error {
	batch, err := buildBatch(calls)
	if err != nil {
		return err
	}
	for _, req := range batch {
		req.ID = nil
	}
	_, err = c.post(ctx, batch)
	return err
}

func (c *HTTPClient) post(ctx context.Context, payload json.Marshaler) ([]byte, error) {
	data, err := payload.MarshalJSON()
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	for key, values := range c.header {
		httpReq.Header[key] = values
	}
	httpReq.Header.Set("Content-Type", "application/json")

	c.log.Debug().Str("url", c.url).Int("bytes", len(data)).Msg("posting rpc payload")
	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, err
	}
	if httpResp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("client: unexpected status %d: %s", httpResp.StatusCode, bytes.TrimSpace(body))
	}
	return body, nil
}

// decodeBody unmarshals a response body, mapping malformed JSON onto a
// parse error so callers see one error type for undecodable replies.
func decodeBody(body []byte) (any, error) {
	var payload any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, protocol.ParseError(fmt.Sprintf("undecodable response body: %s", err))
	}
	return payload, nil
}
