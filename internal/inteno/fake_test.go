package inteno

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
)

// fakeRouter answers ubus JSON-RPC calls the way rpcd does for the
// handful of objects the client uses.
type fakeRouter struct {
	mu       sync.Mutex
	password string
	sessions map[string]bool
	clients  map[string]map[string]any
	logins   int
	calls    []string
	wsConns  int
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{
		password: "secret",
		sessions: make(map[string]bool),
		clients: map[string]map[string]any{
			"client-1": {"macaddr": "AA:BB:CC:DD:EE:01", "hostname": "phone", "ipaddr": "192.168.1.10", "connected": true, "network": "lan", "wireless": true},
			"client-2": {"macaddr": "AA:BB:CC:DD:EE:02", "hostname": "laptop", "ipaddr": "192.168.1.11", "connected": false},
		},
	}
}

func (f *fakeRouter) expireSessions() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = make(map[string]bool)
}

func (f *fakeRouter) handle(req rpcRequest) rpcResponse {
	f.mu.Lock()
	defer f.mu.Unlock()

	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
	if req.Method != "call" || len(req.Params) != 4 {
		resp.Error = &RPCError{Code: -32600, Message: "Invalid request"}
		return resp
	}
	session, _ := req.Params[0].(string)
	object, _ := req.Params[1].(string)
	method, _ := req.Params[2].(string)
	args, _ := req.Params[3].(map[string]any)
	f.calls = append(f.calls, object+"."+method)

	result := func(code int, data any) {
		parts := []any{code}
		if data != nil {
			parts = append(parts, data)
		}
		resp.Result, _ = json.Marshal(parts)
	}

	switch {
	case object == "session" && method == "login":
		f.logins++
		if args["username"] != "admin" || args["password"] != f.password {
			result(StatusPermissionDenied, nil)
			return resp
		}
		token := strings.Repeat("a", 31) + string(rune('0'+f.logins%10))
		f.sessions[token] = true
		result(StatusOK, map[string]any{"ubus_rpc_session": token, "timeout": 300, "expires": 300})
	case object == "session" && method == "access":
		result(StatusOK, map[string]any{"access": false})
	case !f.sessions[session]:
		resp.Error = &RPCError{Code: codeAccessDenied, Message: "Access denied"}
	case object == "router.network" && method == "clients":
		if len(f.clients) == 0 {
			result(StatusOK, map[string]any{})
			return resp
		}
		result(StatusOK, f.clients)
	case object == "router.system" && method == "info":
		result(StatusOK, map[string]any{
			"system": map[string]any{
				"name":     "Inteno",
				"hardware": "EG400",
				"model":    "EG400-WU21U",
				"firmware": "EG400-WU21U_INT5.4.0",
				"basemac":  "00:22:07:AA:BB:CC",
				"serialno": "E412345678",
			},
		})
	default:
		result(StatusMethodNotFound, nil)
	}
	return resp
}

func (f *fakeRouter) httpServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ubus" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(f.handle(req))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func (f *fakeRouter) wsServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{
		Subprotocols: []string{wsSubprotocol},
		CheckOrigin:  func(*http.Request) bool { return true },
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		f.mu.Lock()
		f.wsConns++
		f.mu.Unlock()

		for {
			var req rpcRequest
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			// An unsolicited notification ahead of every reply.
			conn.WriteJSON(map[string]any{"jsonrpc": "2.0", "method": "event", "params": map[string]any{}})
			if err := conn.WriteJSON(f.handle(req)); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func (f *fakeRouter) wsConnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.wsConns
}

func (f *fakeRouter) loginCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logins
}
