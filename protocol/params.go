package protocol

import (
	"encoding/json"
	"fmt"
)

// isScalar reports whether v is a JSON scalar as produced by encoding/json
// (string, number, bool, or null).
func isScalar(v any) bool {
	switch v.(type) {
	case nil, string, bool, float64, json.Number,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32:
		return true
	}
	return false
}

// ParamsToArgs normalizes a wire "params" value into positional args and
// named kwargs:
//
//   - scalar or null: a single positional arg
//   - array: positional args
//   - object: named kwargs
//
// Any other value type is rejected with InvalidParams. Decoded JSON always
// falls into one of the three shapes above, so rejection can only occur for
// programmatically built params.
func ParamsToArgs(params any) ([]any, map[string]any, error) {
	switch v := params.(type) {
	case []any:
		return v, nil, nil
	case map[string]any:
		return nil, v, nil
	default:
		if !isScalar(params) {
			return nil, nil, InvalidParams(fmt.Sprintf("unsupported params type %T", params))
		}
		return []any{v}, nil, nil
	}
}

// ArgsToParams converts positional args and named kwargs back into a wire
// "params" value. The second return value reports whether params is present
// at all: both empty means the params member is omitted from the wire object.
//
// Supplying args and kwargs simultaneously is invalid: JSON-RPC params are
// either an array or an object, never both.
func ArgsToParams(args []any, kwargs map[string]any) (any, bool, error) {
	hasArgs := len(args) > 0
	hasKwargs := len(kwargs) > 0

	switch {
	case !hasArgs && !hasKwargs:
		return nil, false, nil
	case hasArgs && hasKwargs:
		return nil, false, InvalidParams("use params or args with kwargs")
	case hasArgs:
		if len(args) == 1 && isScalar(args[0]) {
			return args[0], true, nil
		}
		return args, true, nil
	default:
		return kwargs, true, nil
	}
}
