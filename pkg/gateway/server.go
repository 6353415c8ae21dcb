// Package gateway is tether's interactive front-end: a REST API, a
// JSON-RPC endpoint and a WebSocket surface over the session registry.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/harun/tether/internal/observability"
	"github.com/harun/tether/internal/tracing"
	"github.com/harun/tether/pkg/runtime"
	"github.com/harun/tether/pkg/surface"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

const detachTimeout = 5 * time.Second

// Server is the gateway. Handler can be mounted directly; Start and Stop
// manage a listener of its own.
type Server struct {
	addr            string
	eventBuffer     int
	approvalTimeout time.Duration
	sessions        Sessions
	status          func() map[string]interface{}
	startedAt       time.Time

	server      *http.Server
	listener    net.Listener
	upgrader    websocket.Upgrader
	clients     *ClientRegistry
	rpc         *RPCRouter
	authHandler *AuthHandler
	broadcaster *EventBroadcaster
	logger      zerolog.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc

	shutdownMu     sync.RWMutex
	isShuttingDown bool
	inFlightReqs   sync.WaitGroup
	clientWG       sync.WaitGroup
}

// Config holds server configuration
type Config struct {
	Host            string
	Port            int
	SharedSecret    string
	EventBuffer     int
	ApprovalTimeout time.Duration
	Sessions        Sessions
	// Status adds daemon-level fields, such as bridge states, to /api/status.
	Status func() map[string]interface{}
	Logger zerolog.Logger
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("sessions are required")
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = surface.DefaultSinkSize
	}
	if cfg.ApprovalTimeout <= 0 {
		cfg.ApprovalTimeout = 5 * time.Minute
	}
	observability.EnsureRegistered()

	logger := cfg.Logger.With().Str("component", "gateway").Logger()
	clients := NewClientRegistry()
	baseCtx, cancel := context.WithCancel(context.Background())

	s := &Server{
		addr:            net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port)),
		eventBuffer:     cfg.EventBuffer,
		approvalTimeout: cfg.ApprovalTimeout,
		sessions:        cfg.Sessions,
		status:          cfg.Status,
		startedAt:       time.Now(),
		clients:         clients,
		rpc:             NewRPCRouter(),
		authHandler:     NewAuthHandler(cfg.SharedSecret),
		broadcaster:     NewEventBroadcaster(clients, logger),
		logger:          logger,
		baseCtx:         baseCtx,
		baseCancel:      cancel,
		upgrader: websocket.Upgrader{
			// Local front-ends only; authentication is the shared secret.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.registerBuiltinMethods()
	return s, nil
}

// Handler returns the gateway's routes.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleReady).Methods(http.MethodGet)
	r.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWebSocket)
	r.HandleFunc("/rpc", s.handleRPC).Methods(http.MethodPost)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.requireSecret)
	s.registerREST(api)
	return r
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("gateway listen %s: %w", s.addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting gateway")
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()
	return nil
}

// Addr is the bound address once Start has succeeded.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop refuses new work, waits for in-flight requests until ctx expires,
// disconnects every client and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	if s.isShuttingDown {
		s.shutdownMu.Unlock()
		return nil
	}
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down gateway")
	s.broadcaster.Broadcast("server.shutdown", map[string]interface{}{
		"message": "Server is shutting down",
	})

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown deadline reached, cancelling in-flight requests")
	}
	s.baseCancel()

	for _, client := range s.clients.GetAll() {
		_ = client.conn.Close()
	}
	s.clientWG.Wait()

	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown gateway: %w", err)
	}
	s.logger.Info().Msg("Gateway stopped")
	return nil
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady reports 503 until the registry has started.
func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.sessions.Ready() || s.shuttingDown() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"ready": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, _ := gonanoid.New()
	now := time.Now()
	sink := surface.NewChannelSink("gateway:"+clientID, s.eventBuffer, s.logger)
	client := &Client{
		ID:           clientID,
		IPAddress:    r.RemoteAddr,
		ConnectedAt:  now,
		RateLimiter:  NewClientRateLimiter(),
		conn:         conn,
		sink:         sink,
		state:        StateConnecting,
		lastActivity: now,
		sessions:     make(map[string]bool),
	}
	client.surface = surface.Interactive(sink, s.approvalTimeout, s.reloadNotifier(client), s.logger)
	s.clients.Add(client)

	s.clientWG.Add(2)
	go func() {
		defer s.clientWG.Done()
		s.broadcaster.Pump(client)
	}()

	s.logger.Info().Str("client_id", clientID).Str("ip", r.RemoteAddr).Msg("Client connected")

	if err := s.greet(client); err != nil {
		s.logger.Error().Err(err).Str("client_id", clientID).Msg("Failed to greet client")
		s.teardown(client)
		s.clientWG.Done()
		return
	}
	go func() {
		defer s.clientWG.Done()
		s.handleClient(client)
	}()
}

// greet sends the auth challenge, or authenticates at once when no
// secret is configured.
func (s *Server) greet(client *Client) error {
	if !s.authHandler.Enabled() {
		client.mu.Lock()
		client.authenticated = true
		client.state = StateAuthenticated
		client.mu.Unlock()
		return client.WriteJSON(Welcome{Event: "welcome", ClientID: client.ID})
	}

	challenge, err := s.authHandler.GenerateChallenge()
	if err != nil {
		return err
	}
	client.mu.Lock()
	client.challenge = challenge
	client.state = StateAuthenticating
	client.mu.Unlock()
	return client.WriteJSON(AuthChallenge{Event: "auth.challenge", Challenge: challenge})
}

// reloadNotifier tells the client a session it drives now runs a new
// bundle version.
func (s *Server) reloadNotifier(client *Client) surface.ReloadFunc {
	return func(ctx context.Context, version string) error {
		if client.State() == StateDisconnected {
			return fmt.Errorf("client %s disconnected", client.ID)
		}
		ok := client.sink.Push(runtime.Event{
			Name:      runtime.EventBundleReloaded,
			SessionID: tracing.GetSessionID(ctx),
			Data:      map[string]interface{}{"version": version},
			Time:      time.Now(),
		})
		if !ok {
			return fmt.Errorf("client %s event queue full", client.ID)
		}
		return nil
	}
}

func (s *Server) handleClient(client *Client) {
	defer s.teardown(client)

	for {
		_, message, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug().Err(err).Str("client_id", client.ID).Msg("WebSocket read ended")
			}
			return
		}
		client.touch()
		s.handleMessage(client, message)
	}
}

// teardown marks the client disconnected, detaches its sessions to the
// headless surface and always unregisters it.
func (s *Server) teardown(client *Client) {
	defer s.clients.Remove(client.ID)

	client.setState(StateDisconnected)
	_ = client.conn.Close()
	client.sink.Close()

	ctx, cancel := context.WithTimeout(context.Background(), detachTimeout)
	defer cancel()
	for _, id := range client.Sessions() {
		if err := s.sessions.Resume(ctx, id, "", surface.Headless(s.logger)); err != nil {
			s.logger.Debug().Err(err).Str("client_id", client.ID).Str("session_id", id).Msg("Detach skipped")
		}
	}
	s.logger.Info().Str("client_id", client.ID).Int64("dropped_events", client.sink.Dropped()).Msg("Client disconnected")
}

func (s *Server) handleMessage(client *Client, message []byte) {
	var authResp AuthResponse
	if err := json.Unmarshal(message, &authResp); err == nil && authResp.Method == "auth.response" {
		s.handleAuthMessage(client, authResp)
		return
	}

	if !client.Authenticated() {
		s.sendError(client, "", AuthenticationRequired, "Authentication required")
		return
	}

	req, err := s.rpc.ParseRequest(message)
	if err != nil {
		s.sendError(client, "", toRPCError(err).Code, err.Error())
		return
	}

	allowed, reason := client.RateLimiter.Acquire()
	if !allowed {
		code := RateLimitExceeded
		if reason == "too many concurrent requests" {
			code = TooManyConcurrent
		}
		s.sendError(client, req.ID, code, reason)
		return
	}

	s.inFlightReqs.Add(1)
	go func() {
		defer s.inFlightReqs.Done()
		defer client.RateLimiter.Release()

		ctx := withClient(tracing.NewRequestContext(s.baseCtx, "gateway"), client)
		response := s.rpc.RouteRequest(ctx, req)
		if client.State() == StateDisconnected {
			return
		}
		if err := client.WriteJSON(response); err != nil {
			s.logger.Debug().Err(err).Str("client_id", client.ID).Str("request_id", req.ID).Msg("Failed to send response")
		}
	}()
}

// handleRPC serves single-shot JSON-RPC over HTTP. Sessions created here
// run headless.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if !s.authHandler.VerifyRequest(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	req, err := s.rpc.ParseRequest(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, RPCResponse{JSONRPC: "2.0", Error: toRPCError(err)})
		return
	}

	ctx := tracing.NewRequestContext(r.Context(), "rpc")
	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Debug().Str("rpc_id", req.ID).Str("method", req.Method).Msg("Gateway received HTTP RPC request")

	writeJSON(w, http.StatusOK, s.rpc.RouteRequest(ctx, req))
}

func (s *Server) handleAuthMessage(client *Client, authResp AuthResponse) {
	result := s.authHandler.HandleAuthResponse(client, authResp.Signature)
	if err := client.WriteJSON(result); err != nil {
		s.logger.Error().Err(err).Str("client_id", client.ID).Msg("Failed to send auth result")
		return
	}

	if !result.Success {
		s.logger.Warn().Str("client_id", client.ID).Str("reason", result.Message).Msg("Authentication failed")
		if s.authHandler.exhausted(client) {
			_ = client.conn.Close()
		}
		return
	}
	s.logger.Info().Str("client_id", client.ID).Msg("Client authenticated")
}

func (s *Server) sendError(client *Client, requestID string, code int, message string) {
	response := RPCResponse{
		ID:      requestID,
		JSONRPC: "2.0",
		Error:   &RPCError{Code: code, Message: message},
	}
	if err := client.WriteJSON(response); err != nil {
		s.logger.Debug().Err(err).Str("client_id", client.ID).Msg("Failed to send error response")
	}
}

// Broadcast sends an event to all authenticated clients.
func (s *Server) Broadcast(event string, data interface{}) {
	s.broadcaster.Broadcast(event, data)
}

// RegisterMethod registers an RPC method handler
func (s *Server) RegisterMethod(name string, handler RequestHandler) error {
	return s.rpc.RegisterMethod(name, handler)
}

func (s *Server) UnregisterMethod(name string) {
	s.rpc.UnregisterMethod(name)
}

// GetConnectedClients returns information about all connected clients
func (s *Server) GetConnectedClients() []ClientInfo {
	return s.clients.GetConnectedClients()
}
