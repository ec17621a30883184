package inteno

import (
	"encoding/json"
	"errors"
	"fmt"
)

// NullSession is the anonymous ubus session used for login and probes.
const NullSession = "00000000000000000000000000000000"

// ubus status codes carried as the first element of a call result.
const (
	StatusOK               = 0
	StatusInvalidCommand   = 1
	StatusInvalidArgument  = 2
	StatusMethodNotFound   = 3
	StatusNotFound         = 4
	StatusNoData           = 5
	StatusPermissionDenied = 6
	StatusTimeout          = 7
	StatusNotSupported     = 8
	StatusUnknownError     = 9
	StatusConnectionFailed = 10
)

// codeAccessDenied is the JSON-RPC error code rpcd returns for an
// unknown or expired session.
const codeAccessDenied = -32002

// ErrInvalidCredentials is returned when the router rejects the
// configured user name or password.
var ErrInvalidCredentials = errors.New("invalid user name or password")

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC level error returned by rpcd or owsd.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("ubus rpc error %d: %s", e.Code, e.Message)
}

// StatusError is a non-zero ubus status returned for a call.
type StatusError struct {
	Object string
	Method string
	Code   int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ubus %s %s: status %d (%s)", e.Object, e.Method, e.Code, statusText(e.Code))
}

func statusText(code int) string {
	switch code {
	case StatusOK:
		return "ok"
	case StatusInvalidCommand:
		return "invalid command"
	case StatusInvalidArgument:
		return "invalid argument"
	case StatusMethodNotFound:
		return "method not found"
	case StatusNotFound:
		return "not found"
	case StatusNoData:
		return "no data"
	case StatusPermissionDenied:
		return "permission denied"
	case StatusTimeout:
		return "timeout"
	case StatusNotSupported:
		return "not supported"
	case StatusConnectionFailed:
		return "connection failed"
	default:
		return "unknown error"
	}
}

func newCallRequest(id int64, session, object, method string, args any) rpcRequest {
	if args == nil {
		args = map[string]any{}
	}
	return rpcRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  "call",
		Params:  []any{session, object, method, args},
	}
}

// decodeResult unpacks a ubus call result of the form [status] or
// [status, data]. A zero status with no data yields a nil message.
func decodeResult(object, method string, resp rpcResponse) (json.RawMessage, error) {
	if resp.Error != nil {
		return nil, resp.Error
	}

	var parts []json.RawMessage
	if err := json.Unmarshal(resp.Result, &parts); err != nil {
		return nil, fmt.Errorf("decode %s %s result: %w", object, method, err)
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("decode %s %s result: empty result", object, method)
	}

	var code int
	if err := json.Unmarshal(parts[0], &code); err != nil {
		return nil, fmt.Errorf("decode %s %s status: %w", object, method, err)
	}
	if code != StatusOK {
		return nil, &StatusError{Object: object, Method: method, Code: code}
	}
	if len(parts) < 2 {
		return nil, nil
	}
	return parts[1], nil
}

// isPermissionDenied reports whether err means the session is not
// allowed to make the call, either because it expired or because the
// credentials never granted it.
func isPermissionDenied(err error) bool {
	var se *StatusError
	if errors.As(err, &se) && se.Code == StatusPermissionDenied {
		return true
	}
	var re *RPCError
	return errors.As(err, &re) && re.Code == codeAccessDenied
}
