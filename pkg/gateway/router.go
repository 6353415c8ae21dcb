package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/tether/internal/observability"
	"github.com/harun/tether/pkg/registry"
)

// RPCRouter handles RPC method registration and request routing
type RPCRouter struct {
	mu               sync.RWMutex
	methods          map[string]RequestHandler
	idempotencyTTL   time.Duration
	idempotencyCache map[string]cachedRPCResponse
}

type cachedRPCResponse struct {
	response  RPCResponse
	expiresAt time.Time
}

func NewRPCRouter() *RPCRouter {
	return &RPCRouter{
		methods:          make(map[string]RequestHandler),
		idempotencyTTL:   5 * time.Minute,
		idempotencyCache: make(map[string]cachedRPCResponse),
	}
}

// RegisterMethod registers an RPC method handler
func (r *RPCRouter) RegisterMethod(name string, handler RequestHandler) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.methods[name] = handler
	return nil
}

func (r *RPCRouter) UnregisterMethod(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.methods, name)
}

// ParseRequest parses and validates a JSON-RPC request
func (r *RPCRouter) ParseRequest(data []byte) (*RPCRequest, error) {
	var req RPCRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &RPCError{Code: ParseError, Message: "Parse error", Data: err.Error()}
	}
	if req.ID == "" {
		return nil, &RPCError{Code: InvalidRequest, Message: "Invalid request: missing id field"}
	}
	if req.Method == "" {
		return nil, &RPCError{Code: InvalidRequest, Message: "Invalid request: missing method field"}
	}
	if req.JSONRPC == "" {
		req.JSONRPC = "2.0"
	}
	return &req, nil
}

// RouteRequest runs the handler for req. Responses to requests carrying an
// idempotency key are replayed for repeats within the TTL.
func (r *RPCRouter) RouteRequest(ctx context.Context, req *RPCRequest) *RPCResponse {
	if req == nil {
		return &RPCResponse{JSONRPC: "2.0", Error: &RPCError{Code: InvalidRequest, Message: "invalid request"}}
	}

	cacheKey := idempotencyCacheKey(req.Method, req.IdempotencyKey)
	if cacheKey != "" {
		if cached, ok := r.getCachedResponse(cacheKey); ok {
			cached.ID = req.ID
			return &cached
		}
	}

	r.mu.RLock()
	handler, exists := r.methods[req.Method]
	r.mu.RUnlock()
	if !exists {
		observability.RecordGatewayRequest("unknown", false)
		return &RPCResponse{
			ID:      req.ID,
			JSONRPC: "2.0",
			Error:   &RPCError{Code: MethodNotFound, Message: fmt.Sprintf("Method not found: %s", req.Method)},
		}
	}

	result, err := handler(ctx, req.Params)
	observability.RecordGatewayRequest(req.Method, err == nil)
	response := &RPCResponse{ID: req.ID, JSONRPC: "2.0", Result: result}
	if err != nil {
		response.Result = nil
		response.Error = toRPCError(err)
	}

	if cacheKey != "" {
		r.cacheResponse(cacheKey, *response)
	}
	return response
}

// toRPCError maps registry errors onto RPC codes.
func toRPCError(err error) *RPCError {
	var rpcErr *RPCError
	switch {
	case errors.As(err, &rpcErr):
		return rpcErr
	case errors.Is(err, registry.ErrSessionNotFound):
		return &RPCError{Code: SessionNotFound, Message: err.Error()}
	case errors.Is(err, registry.ErrTransientResource):
		return &RPCError{Code: Unavailable, Message: err.Error()}
	}
	return &RPCError{Code: InternalError, Message: err.Error()}
}

func (r *RPCRouter) HasMethod(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.methods[name]
	return exists
}

// GetMethods returns all registered method names, sorted.
func (r *RPCRouter) GetMethods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	methods := make([]string, 0, len(r.methods))
	for name := range r.methods {
		methods = append(methods, name)
	}
	sort.Strings(methods)
	return methods
}

func idempotencyCacheKey(method string, idempotencyKey string) string {
	if idempotencyKey == "" {
		return ""
	}
	return method + ":" + idempotencyKey
}

func (r *RPCRouter) getCachedResponse(key string) (RPCResponse, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, exists := r.idempotencyCache[key]
	if !exists {
		return RPCResponse{}, false
	}
	if time.Now().After(entry.expiresAt) {
		delete(r.idempotencyCache, key)
		return RPCResponse{}, false
	}
	return cloneRPCResponse(entry.response), true
}

func (r *RPCRouter) cacheResponse(key string, response RPCResponse) {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.idempotencyCache[key] = cachedRPCResponse{
		response:  cloneRPCResponse(response),
		expiresAt: now.Add(r.idempotencyTTL),
	}
	for cacheKey, entry := range r.idempotencyCache {
		if now.After(entry.expiresAt) {
			delete(r.idempotencyCache, cacheKey)
		}
	}
}

func cloneRPCResponse(src RPCResponse) RPCResponse {
	cloned := src
	if src.Error != nil {
		errCopy := *src.Error
		cloned.Error = &errCopy
	}
	return cloned
}
