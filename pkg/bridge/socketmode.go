package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/tether/pkg/runtime"
	"github.com/rs/zerolog"
)

const (
	SocketModeName       = "socket_mode"
	DefaultSocketModeAPI = "https://slack.com/api"
)

// SocketModeOptions configure the socket-mode connector.
type SocketModeOptions struct {
	// AppToken opens connections; BotToken posts replies.
	AppToken string
	BotToken string
	APIURL   string
	Router   *Router
	Logger   zerolog.Logger
}

// SocketMode opens a websocket through apps.connections.open, acks every
// envelope and routes messages to sessions.
type SocketMode struct {
	appToken string
	botToken string
	apiURL   string
	router   *Router
	dialer   *websocket.Dialer
	logger   zerolog.Logger

	handlers sync.WaitGroup
}

func NewSocketMode(opts SocketModeOptions) (*SocketMode, error) {
	if strings.TrimSpace(opts.AppToken) == "" {
		return nil, fmt.Errorf("socket mode app token is required")
	}
	if strings.TrimSpace(opts.BotToken) == "" {
		return nil, fmt.Errorf("socket mode bot token is required")
	}
	if opts.Router == nil {
		return nil, fmt.Errorf("router is required")
	}
	api := strings.TrimRight(opts.APIURL, "/")
	if api == "" {
		api = DefaultSocketModeAPI
	}
	return &SocketMode{
		appToken: opts.AppToken,
		botToken: opts.BotToken,
		apiURL:   api,
		router:   opts.Router,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		logger: opts.Logger.With().Str("component", "socket_mode").Logger(),
	}, nil
}

func (s *SocketMode) Name() string { return SocketModeName }

// Wait blocks until every in-flight message handler has returned.
func (s *SocketMode) Wait() { s.handlers.Wait() }

type apiResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	URL   string `json:"url,omitempty"`
}

func (s *SocketMode) call(ctx context.Context, client *http.Client, method, token string, body interface{}) (*apiResponse, error) {
	var reader io.Reader = http.NoBody
	contentType := "application/x-www-form-urlencoded"
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", method, err)
		}
		reader = bytes.NewReader(raw)
		contentType = "application/json; charset=utf-8"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiURL+"/"+method, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", contentType)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: unexpected status %d", method, resp.StatusCode)
	}
	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode %s: %w", method, err)
	}
	if !out.OK {
		return &out, fmt.Errorf("%s: %s", method, out.Error)
	}
	return &out, nil
}

// Connect asks for a fresh socket URL and dials it.
func (s *SocketMode) Connect(ctx context.Context, pool Pool) (Conn, error) {
	open, err := s.call(ctx, pool.Client(), "apps.connections.open", s.appToken, nil)
	if err != nil {
		return nil, err
	}
	if open.URL == "" {
		return nil, errors.New("apps.connections.open returned no url")
	}
	ws, _, err := s.dialer.DialContext(ctx, open.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial socket: %w", err)
	}
	return &socketConn{mode: s, ws: ws, client: pool.Client()}, nil
}

type envelope struct {
	Type       string          `json:"type"`
	EnvelopeID string          `json:"envelope_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Reason     string          `json:"reason,omitempty"`
}

type eventPayload struct {
	Event struct {
		Type     string `json:"type"`
		Subtype  string `json:"subtype,omitempty"`
		Text     string `json:"text"`
		User     string `json:"user"`
		BotID    string `json:"bot_id,omitempty"`
		Channel  string `json:"channel"`
		TS       string `json:"ts"`
		ThreadTS string `json:"thread_ts,omitempty"`
	} `json:"event"`
}

type socketConn struct {
	mode   *SocketMode
	ws     *websocket.Conn
	client *http.Client

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func (c *socketConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

// Serve reads envelopes until the socket fails, the server asks for a
// disconnect or ctx ends. Turns already running outlive the socket; they
// end with ctx.
func (c *socketConn) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	for {
		var env envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read envelope: %w", err)
		}
		if env.EnvelopeID != "" {
			if err := c.ack(env.EnvelopeID); err != nil {
				return err
			}
		}

		switch env.Type {
		case "hello":
			c.mode.logger.Debug().Msg("Socket mode hello")
		case "disconnect":
			return fmt.Errorf("server requested disconnect: %s", env.Reason)
		case "events_api":
			var p eventPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				c.mode.logger.Warn().Err(err).Str("envelope_id", env.EnvelopeID).Msg("Malformed events payload")
				continue
			}
			c.handle(ctx, p)
		default:
			c.mode.logger.Debug().Str("type", env.Type).Msg("Ignoring envelope")
		}
	}
}

func (c *socketConn) ack(id string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteJSON(map[string]string{"envelope_id": id}); err != nil {
		return fmt.Errorf("ack envelope: %w", err)
	}
	return nil
}

func (c *socketConn) handle(ctx context.Context, p eventPayload) {
	ev := p.Event
	if ev.BotID != "" || ev.Subtype != "" {
		return
	}
	if ev.Type != "message" && ev.Type != "app_mention" {
		return
	}
	thread := ev.ThreadTS
	if thread == "" {
		thread = ev.TS
	}
	msg := Inbound{Bridge: SocketModeName, Thread: ev.Channel + ":" + thread, Text: ev.Text, User: ev.User}

	c.mode.handlers.Add(1)
	go func() {
		defer c.mode.handlers.Done()
		reply := c.mode.route(ctx, msg)
		if reply == "" {
			return
		}
		if err := c.mode.postMessage(ctx, c.client, ev.Channel, thread, reply); err != nil {
			c.mode.logger.Warn().Err(err).Str("channel", ev.Channel).Msg("Failed to post reply")
		}
	}()
}

// route handles the in-thread commands and otherwise runs the text as a
// prompt.
func (s *SocketMode) route(ctx context.Context, msg Inbound) string {
	switch strings.TrimSpace(msg.Text) {
	case "!cancel":
		if s.router.Cancel(ctx, msg, runtime.CancelGraceful) {
			return "Cancelling."
		}
		return "Nothing to cancel."
	case "!stop":
		if s.router.Cancel(ctx, msg, runtime.CancelImmediate) {
			return "Stopping now."
		}
		return "Nothing to stop."
	case "!new":
		if err := s.router.Reset(ctx, msg); err != nil {
			s.logger.Warn().Err(err).Str("thread", msg.Thread).Msg("Failed to end thread session")
			return "Could not end the session."
		}
		return "Started a new session."
	}

	resp, err := s.router.Dispatch(ctx, msg)
	if err != nil {
		if ctx.Err() != nil {
			return ""
		}
		s.logger.Error().Err(err).Str("thread", msg.Thread).Msg("Dispatch failed")
		return "Error: " + err.Error()
	}
	return resp
}

func (s *SocketMode) postMessage(ctx context.Context, client *http.Client, channel, thread, text string) error {
	_, err := s.call(ctx, client, "chat.postMessage", s.botToken, map[string]string{
		"channel":   channel,
		"thread_ts": thread,
		"text":      text,
	})
	return err
}
