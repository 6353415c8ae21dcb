package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/tether/pkg/bundle"
	"github.com/harun/tether/pkg/registry"
	"github.com/harun/tether/pkg/runtime"
	"github.com/harun/tether/pkg/runtime/runtimetest"
	"github.com/harun/tether/pkg/transcript"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	rt  *runtimetest.Runtime
	reg *registry.Registry
	gw  *Server
	srv *httptest.Server
}

func newHarness(t *testing.T, secret string, rt *runtimetest.Runtime) *harness {
	t.Helper()
	if rt == nil {
		rt = runtimetest.New()
	}
	store, err := transcript.New(t.TempDir())
	require.NoError(t, err)
	reg, err := registry.New(registry.Config{
		Cache:       bundle.NewCache(bundle.Options{Loader: rt, DefaultBundle: "foundation", Logger: zerolog.Nop()}),
		Transcripts: store,
		HomeDir:     t.TempDir(),
		Logger:      zerolog.Nop(),
	})
	require.NoError(t, err)

	gw, err := NewServer(Config{
		SharedSecret:    secret,
		EventBuffer:     64,
		ApprovalTimeout: 5 * time.Second,
		Sessions:        reg,
		Status:          func() map[string]interface{} { return map[string]interface{}{"bridges": map[string]string{}} },
		Logger:          zerolog.Nop(),
	})
	require.NoError(t, err)

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Stop(ctx)
		srv.Close()
		_ = reg.Stop(ctx)
	})
	return &harness{rt: rt, reg: reg, gw: gw, srv: srv}
}

func (h *harness) do(t *testing.T, method, path, secret string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, h.srv.URL+path, &buf)
	require.NoError(t, err)
	if secret != "" {
		req.Header.Set(SecretHeader, secret)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestNewServerValidation(t *testing.T) {
	_, err := NewServer(Config{})
	assert.ErrorContains(t, err, "sessions are required")

	h := newHarness(t, "", nil)
	_, err = NewServer(Config{Sessions: h.reg, Port: 70000})
	assert.ErrorContains(t, err, "invalid port")
}

func TestRESTSessionLifecycle(t *testing.T) {
	h := newHarness(t, "", nil)

	resp, created := h.do(t, http.MethodPost, "/api/sessions", "", map[string]string{"description": "ci"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id, _ := created["session_id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, "headless", created["surface"])

	resp, out := h.do(t, http.MethodPost, "/api/sessions/"+id+"/execute", "", map[string]string{"prompt": "hi"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "echo: hi", out["response"])

	resp, out = h.do(t, http.MethodPost, "/api/sessions/"+id+"/execute", "", map[string]string{"prompt": "  "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_params", out["code"])

	resp, info := h.do(t, http.MethodGet, "/api/sessions/"+id, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, info["turns"])

	resp, _ = h.do(t, http.MethodPost, "/api/sessions/"+id+"/cancel", "", map[string]string{"level": "immediate"})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, []runtime.CancelLevel{runtime.CancelImmediate}, h.rt.Session(id).Base().Levels())

	resp, out = h.do(t, http.MethodPost, "/api/sessions/"+id+"/cancel", "", map[string]string{"level": "sideways"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, h.srv.URL+"/api/sessions", nil)
	require.NoError(t, err)
	listResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	var list []registry.SessionInfo
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&list))
	listResp.Body.Close()
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].SessionID)

	resp, _ = h.do(t, http.MethodDelete, "/api/sessions/"+id, "", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, out = h.do(t, http.MethodGet, "/api/sessions/"+id, "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "session_not_found", out["code"])

	resp, _ = h.do(t, http.MethodPost, "/api/sessions/"+id+"/resume", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "ended sessions cannot be resumed")
}

func TestRESTRequiresSecret(t *testing.T) {
	h := newHarness(t, "s3cret", nil)

	resp, _ := h.do(t, http.MethodGet, "/api/status", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, _ = h.do(t, http.MethodGet, "/api/status", "wrong", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, status := h.do(t, http.MethodGet, "/api/status", "s3cret", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, status["ready"])
	assert.EqualValues(t, 0, status["sessions"])
	assert.Contains(t, status, "bridges")

	// probes stay open
	resp, _ = h.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestReadyzFollowsStartup(t *testing.T) {
	h := newHarness(t, "", nil)

	resp, body := h.do(t, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, false, body["ready"])

	require.NoError(t, h.reg.Startup(context.Background()))
	resp, body = h.do(t, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["ready"])
}

func TestRESTReloadFailureKeepsSessions(t *testing.T) {
	h := newHarness(t, "", nil)
	require.NoError(t, h.reg.Startup(context.Background()))

	resp, _ := h.do(t, http.MethodPost, "/api/reload", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	h.rt.LoadErr = fmt.Errorf("offline")
	resp, out := h.do(t, http.MethodPost, "/api/reload", "", nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "bundle_load", out["code"])
}

func TestHTTPRPC(t *testing.T) {
	h := newHarness(t, "", nil)

	call := func(body string) RPCResponse {
		resp, err := http.Post(h.srv.URL+"/rpc", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		defer resp.Body.Close()
		var out RPCResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		return out
	}

	out := call(`{"id":"1","method":"session.list"}`)
	assert.Nil(t, out.Error)
	assert.Equal(t, "2.0", out.JSONRPC)

	out = call(`{"id":"2","method":"nope"}`)
	require.NotNil(t, out.Error)
	assert.Equal(t, MethodNotFound, out.Error.Code)

	out = call(`{"id":"3","method":"session.info","params":{"session_id":"missing"}}`)
	require.NotNil(t, out.Error)
	assert.Equal(t, SessionNotFound, out.Error.Code)

	out = call(`{"id":"4","method":"session.execute","params":{"session_id":"x"}}`)
	require.NotNil(t, out.Error)
	assert.Equal(t, InvalidParams, out.Error.Code)

	out = call(`{not json`)
	require.NotNil(t, out.Error)
	assert.Equal(t, ParseError, out.Error.Code)
}

// wsClient reads frames in the background so tests can wait for either
// responses or events.
type wsClient struct {
	t       *testing.T
	conn    *websocket.Conn
	frames  chan map[string]interface{}
	backlog []map[string]interface{}
	nextID  atomic.Int32
}

func dial(t *testing.T, h *harness) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	c := &wsClient{t: t, conn: conn, frames: make(chan map[string]interface{}, 256)}
	go func() {
		defer close(c.frames)
		for {
			var frame map[string]interface{}
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			c.frames <- frame
		}
	}()
	t.Cleanup(func() { conn.Close() })
	return c
}

// waitFor returns the first frame matching match. Frames skipped on the
// way are kept for later calls.
func (c *wsClient) waitFor(match func(map[string]interface{}) bool) map[string]interface{} {
	c.t.Helper()
	for i, frame := range c.backlog {
		if match(frame) {
			c.backlog = append(c.backlog[:i], c.backlog[i+1:]...)
			return frame
		}
	}
	deadline := time.After(3 * time.Second)
	for {
		select {
		case frame, ok := <-c.frames:
			if !ok {
				c.t.Fatal("connection closed")
			}
			if match(frame) {
				return frame
			}
			c.backlog = append(c.backlog, frame)
		case <-deadline:
			c.t.Fatal("timed out waiting for frame")
		}
	}
}

func (c *wsClient) send(method string, params map[string]interface{}) string {
	c.t.Helper()
	id := fmt.Sprint(c.nextID.Add(1))
	require.NoError(c.t, c.conn.WriteJSON(map[string]interface{}{"id": id, "method": method, "params": params}))
	return id
}

func (c *wsClient) call(method string, params map[string]interface{}) map[string]interface{} {
	c.t.Helper()
	id := c.send(method, params)
	return c.response(id)
}

func (c *wsClient) response(id string) map[string]interface{} {
	c.t.Helper()
	return c.waitFor(func(f map[string]interface{}) bool { return f["id"] == id })
}

func isEvent(name string) func(map[string]interface{}) bool {
	return func(f map[string]interface{}) bool { return f["type"] == "event" && f["event"] == name }
}

func TestWebSocketInteractiveSession(t *testing.T) {
	h := newHarness(t, "", nil)
	c := dial(t, h)
	welcome := c.waitFor(func(f map[string]interface{}) bool { return f["event"] == "welcome" })
	assert.NotEmpty(t, welcome["client_id"])

	created := c.call("session.create", nil)
	require.Nil(t, created["error"])
	id := created["result"].(map[string]interface{})["session_id"].(string)
	assert.Equal(t, "interactive", created["result"].(map[string]interface{})["surface"])

	resp := c.call("session.execute", map[string]interface{}{"session_id": id, "prompt": "ping"})
	require.Nil(t, resp["error"])
	assert.Equal(t, "echo: ping", resp["result"].(map[string]interface{})["response"])

	done := c.waitFor(isEvent(runtime.EventOrchestratorDone))
	assert.Equal(t, id, done["session_id"])
	c.waitFor(isEvent(runtime.EventTurnComplete))

	clients := h.gw.GetConnectedClients()
	require.Len(t, clients, 1)
	assert.Equal(t, []string{id}, clients[0].Sessions)
	assert.Equal(t, "authenticated", clients[0].State)

	// disconnecting detaches the session and unregisters the client
	require.NoError(t, c.conn.Close())
	require.Eventually(t, func() bool { return len(h.gw.GetConnectedClients()) == 0 }, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		info, err := h.reg.GetInfo(id)
		return err == nil && info.Surface == "headless"
	}, 3*time.Second, 10*time.Millisecond)

	out, err := h.reg.Execute(context.Background(), id, "still alive")
	require.NoError(t, err)
	assert.Equal(t, "echo: still alive", out)
}

func TestWebSocketApprovalRoundTrip(t *testing.T) {
	rt := runtimetest.New()
	rt.Exec = func(ctx context.Context, s *runtimetest.Session, prompt string) (string, error) {
		v, ok := s.Base().Caps.Get(runtime.CapabilityApproval)
		if !ok {
			return "", fmt.Errorf("no approver")
		}
		choice, err := v.(runtime.Approver).RequestApproval(ctx, runtime.ApprovalRequest{
			Prompt:  "run " + prompt + "?",
			Options: []string{"allow", "deny"},
		})
		if err != nil {
			return "", err
		}
		return "decision: " + choice, nil
	}
	h := newHarness(t, "", rt)
	c := dial(t, h)

	created := c.call("session.create", nil)
	id := created["result"].(map[string]interface{})["session_id"].(string)

	execID := c.send("session.execute", map[string]interface{}{"session_id": id, "prompt": "rm"})
	req := c.waitFor(isEvent(runtime.EventApprovalRequest))
	data := req["data"].(map[string]interface{})
	assert.Equal(t, "run rm?", data["prompt"])

	resolved := c.call("approval.respond", map[string]interface{}{
		"session_id": id,
		"request_id": data["request_id"],
		"choice":     "deny",
	})
	assert.Equal(t, true, resolved["result"].(map[string]interface{})["resolved"])

	resp := c.response(execID)
	assert.Equal(t, "decision: deny", resp["result"].(map[string]interface{})["response"])

	again := c.call("approval.respond", map[string]interface{}{
		"session_id": id,
		"request_id": data["request_id"],
		"choice":     "allow",
	})
	assert.Equal(t, false, again["result"].(map[string]interface{})["resolved"])
}

func TestWebSocketReloadNotifiesClient(t *testing.T) {
	h := newHarness(t, "", nil)
	require.NoError(t, h.reg.Startup(context.Background()))
	c := dial(t, h)

	created := c.call("session.create", nil)
	id := created["result"].(map[string]interface{})["session_id"].(string)

	resp := c.call("bundle.reload", nil)
	require.Nil(t, resp["error"])

	evt := c.waitFor(isEvent(runtime.EventBundleReloaded))
	assert.Equal(t, id, evt["session_id"])
	assert.Contains(t, evt["data"].(map[string]interface{}), "version")
}

func TestWebSocketAuthentication(t *testing.T) {
	h := newHarness(t, "s3cret", nil)
	c := dial(t, h)

	challenge := c.waitFor(func(f map[string]interface{}) bool { return f["event"] == "auth.challenge" })
	nonce := challenge["challenge"].(string)

	c.send("session.list", nil)
	denied := c.waitFor(func(f map[string]interface{}) bool { return f["error"] != nil })
	assert.EqualValues(t, AuthenticationRequired, denied["error"].(map[string]interface{})["code"])

	require.NoError(t, c.conn.WriteJSON(AuthResponse{Method: "auth.response", Signature: "bogus"}))
	fail := c.waitFor(func(f map[string]interface{}) bool { return f["event"] == "auth.failure" })
	assert.Equal(t, "Invalid signature", fail["message"])

	sig := NewAuthHandler("s3cret").Sign(nonce)
	require.NoError(t, c.conn.WriteJSON(AuthResponse{Method: "auth.response", Signature: sig}))
	c.waitFor(func(f map[string]interface{}) bool { return f["event"] == "auth.success" })

	ok := c.call("session.list", nil)
	assert.Nil(t, ok["error"])
}

func TestWebSocketClosesAfterFailedAuthAttempts(t *testing.T) {
	h := newHarness(t, "s3cret", nil)
	c := dial(t, h)
	c.waitFor(func(f map[string]interface{}) bool { return f["event"] == "auth.challenge" })

	for i := 0; i < maxAuthAttempts; i++ {
		require.NoError(t, c.conn.WriteJSON(AuthResponse{Method: "auth.response", Signature: "bad"}))
	}
	require.Eventually(t, func() bool { return len(h.gw.GetConnectedClients()) == 0 }, 3*time.Second, 10*time.Millisecond)
}

func TestStopDisconnectsClients(t *testing.T) {
	h := newHarness(t, "", nil)
	c := dial(t, h)
	c.waitFor(func(f map[string]interface{}) bool { return f["event"] == "welcome" })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, h.gw.Stop(ctx))
	require.NoError(t, h.gw.Stop(ctx))

	assert.Empty(t, h.gw.GetConnectedClients())
	resp, _ := h.do(t, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
