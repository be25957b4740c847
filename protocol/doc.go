// Package protocol implements the JSON-RPC 2.0 message model: requests,
// responses, batches, and the protocol error taxonomy.
//
// This package implements the wire format defined by the JSON-RPC 2.0
// specification (https://www.jsonrpc.org/specification). It is transport
// agnostic: values go in and out as decoded JSON (map[string]any, []any,
// scalars) or as marshalable Request/Response values, and the server and
// client packages layer transports on top.
//
// # Requests
//
// A Request carries its parameters in two equivalent forms that are kept in
// sync: the wire "params" value, and the normalized positional Args plus
// named Kwargs. Construct a request from either side:
//
//	req, err := protocol.NewRequest(protocol.NewID(), "subtract", []any{42, 23}, nil)
//	req, err := protocol.NewRequestParams(protocol.NewID(), "subtract", map[string]any{"a": 42, "b": 23})
//
// A request without an id is a notification: the sender expects no response,
// and servers suppress the response entirely.
//
// # Errors
//
// Protocol failures are *Error values tagged with the standard JSON-RPC
// codes. They travel as Go errors on the server side and are reconstructed
// from wire error objects on the client side via an ErrorRegistry, so that
// errors.Is works across a round trip:
//
//	_, err := client.Call(ctx, "nope")
//	errors.Is(err, protocol.ErrMethodNotFound) // true
package protocol
