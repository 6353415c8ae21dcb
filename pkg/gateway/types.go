package gateway

import (
	"context"
	"time"

	"github.com/harun/tether/pkg/registry"
	"github.com/harun/tether/pkg/runtime"
	"github.com/harun/tether/pkg/surface"
)

// Sessions is the part of the registry the gateway drives.
type Sessions interface {
	Create(ctx context.Context, opts registry.CreateOptions) (registry.SessionInfo, error)
	Resume(ctx context.Context, id, workingDir string, s *surface.Surface) error
	Execute(ctx context.Context, id, prompt string) (string, error)
	Cancel(ctx context.Context, id string, level runtime.CancelLevel)
	End(ctx context.Context, id string) error
	GetInfo(id string) (registry.SessionInfo, error)
	List() []registry.SessionInfo
	ResolveApproval(id, requestID, choice string) bool
	ReloadBundle(ctx context.Context) error
	Ready() bool
}

// RPCRequest represents a JSON-RPC 2.0 request
type RPCRequest struct {
	ID             string                 `json:"id"`
	Method         string                 `json:"method"`
	Params         map[string]interface{} `json:"params,omitempty"`
	JSONRPC        string                 `json:"jsonrpc"`
	IdempotencyKey string                 `json:"idempotencyKey,omitempty"`
}

// RPCResponse represents a JSON-RPC 2.0 response
type RPCResponse struct {
	ID      string      `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
	JSONRPC string      `json:"jsonrpc"`
}

// RPCError represents a JSON-RPC 2.0 error
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return e.Message
}

// EventMessage is a server-initiated frame. Runtime events carry the
// session they came from.
type EventMessage struct {
	Type      string      `json:"type"`
	Event     string      `json:"event"`
	SessionID string      `json:"session_id,omitempty"`
	Seq       int64       `json:"seq"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// AuthChallenge represents an authentication challenge message
type AuthChallenge struct {
	Event     string `json:"event"`
	Challenge string `json:"challenge"`
}

// AuthResponse represents a client's authentication response
type AuthResponse struct {
	Method    string `json:"method"`
	Signature string `json:"signature"`
}

// AuthResult represents the result of authentication
type AuthResult struct {
	Event   string `json:"event"`
	Success bool   `json:"success,omitempty"`
	Message string `json:"message,omitempty"`
}

// Welcome is the first frame an authenticated client receives.
type Welcome struct {
	Event    string `json:"event"`
	ClientID string `json:"client_id"`
}

// ClientInfo represents information about a connected client
type ClientInfo struct {
	ID            string    `json:"id"`
	State         string    `json:"state"`
	Authenticated bool      `json:"authenticated"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastActivity  time.Time `json:"last_activity"`
	IPAddress     string    `json:"ip_address"`
	Sessions      []string  `json:"sessions"`
	Dropped       int64     `json:"dropped_events"`
	Idle          bool      `json:"idle"`
}

// ClientState represents the state of a client connection
type ClientState int

const (
	StateConnecting ClientState = iota
	StateAuthenticating
	StateAuthenticated
	StateDisconnected
)

func (s ClientState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// RequestHandler handles one RPC method. The calling client, when there
// is one, is available through clientFromContext.
type RequestHandler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// RPC error codes
const (
	ParseError             = -32700
	InvalidRequest         = -32600
	MethodNotFound         = -32601
	InvalidParams          = -32602
	InternalError          = -32603
	AuthenticationRequired = -32001
	SessionNotFound        = -32004
	RateLimitExceeded      = -32005
	TooManyConcurrent      = -32006
	Unavailable            = -32007
)
