// Package loopback is a minimal in-process runtime. It echoes prompts back
// as streamed content events, which is enough to drive every front-end and
// the registry end to end without an external agent engine.
//
// Prompts starting with "!" are treated as a shell-style tool request: the
// session asks its approval capability before "running" it.
package loopback

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harun/tether/pkg/runtime"
	"github.com/harun/tether/pkg/transcript"
	"github.com/rs/zerolog"
)

// Options tune the loopback engine.
type Options struct {
	// ChunkDelay is slept between streamed words; zero streams instantly.
	ChunkDelay time.Duration
	// Agents is reported by Prepared.Agents and used to resolve spawns.
	Agents map[string]runtime.AgentConfig
	Logger zerolog.Logger
}

// Loader implements runtime.Loader.
type Loader struct {
	opts Options
}

func NewLoader(opts Options) *Loader {
	return &Loader{opts: opts}
}

func (l *Loader) Load(ctx context.Context, nameOrPath string) (runtime.Configuration, error) {
	name := strings.TrimSpace(nameOrPath)
	if name == "" {
		return nil, fmt.Errorf("bundle name is required")
	}
	return &configuration{name: name, opts: l.opts}, nil
}

type configuration struct {
	name string
	opts Options
}

func (c *configuration) Name() string { return c.name }

func (c *configuration) Prepare(ctx context.Context) (runtime.Prepared, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	agents := make(map[string]runtime.AgentConfig, len(c.opts.Agents))
	for k, v := range c.opts.Agents {
		agents[k] = v
	}
	return &prepared{name: c.name, opts: c.opts, agents: agents}, nil
}

type prepared struct {
	name   string
	opts   Options
	agents map[string]runtime.AgentConfig
}

func (p *prepared) Agents() map[string]runtime.AgentConfig { return p.agents }

func (p *prepared) CreateSession(ctx context.Context, cfg runtime.SessionConfig) (runtime.Session, error) {
	return p.newSession(cfg, nil), nil
}

func (p *prepared) Resume(ctx context.Context, cfg runtime.SessionConfig, history []transcript.Message) (runtime.Session, error) {
	if cfg.SessionID == "" {
		return nil, fmt.Errorf("resume requires a session id")
	}
	return p.newSession(cfg, history), nil
}

func (p *prepared) Spawn(ctx context.Context, req runtime.SpawnRequest) (runtime.SpawnResult, error) {
	if req.Agent != "self" {
		if _, ok := req.AgentConfigs[req.Agent]; !ok {
			if _, ok := p.agents[req.Agent]; !ok {
				return runtime.SpawnResult{}, fmt.Errorf("agent %q not found", req.Agent)
			}
		}
	}
	id := req.SubSessionID
	if id == "" {
		id = uuid.NewString()
	}
	parentID := ""
	if req.Parent != nil {
		parentID = req.Parent.ID()
	}
	child := p.newSession(runtime.SessionConfig{SessionID: id, ParentSessionID: parentID}, req.ParentMessages)
	defer child.Close(ctx)

	resp, err := child.Execute(ctx, req.Instruction)
	if err != nil {
		return runtime.SpawnResult{}, err
	}
	return runtime.SpawnResult{Response: resp, SessionID: id}, nil
}

func (p *prepared) newSession(cfg runtime.SessionConfig, history []transcript.Message) *session {
	id := cfg.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	return &session{
		id:      id,
		cfg:     cfg,
		opts:    p.opts,
		bus:     runtime.NewHookBus(),
		caps:    runtime.NewCapabilitySet(),
		history: append([]transcript.Message(nil), history...),
		logger:  p.opts.Logger.With().Str("component", "loopback").Str("session_id", id).Logger(),
	}
}

type session struct {
	id     string
	cfg    runtime.SessionConfig
	opts   Options
	bus    *runtime.HookBus
	caps   *runtime.CapabilitySet
	logger zerolog.Logger

	mu         sync.Mutex
	history    []transcript.Message
	turnCancel context.CancelFunc
	turnDone   chan struct{}
	closed     bool
}

func (s *session) ID() string { return s.id }

func (s *session) Coordinator() runtime.Coordinator {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	return s
}

func (s *session) Hooks() runtime.HookRegistry              { return s.bus }
func (s *session) Capabilities() runtime.CapabilityRegistry { return s.caps }

func (s *session) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	cancel := s.turnCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (s *session) emit(ctx context.Context, name string, data map[string]interface{}) {
	if err := s.bus.Emit(ctx, runtime.Event{Name: name, SessionID: s.id, Data: data}); err != nil {
		s.logger.Debug().Err(err).Str("event", name).Msg("Hook returned error")
	}
}

// Execute streams an echo of prompt. Only one turn runs at a time; the
// registry's queue guarantees that, so a concurrent call is an error.
func (s *session) Execute(ctx context.Context, prompt string) (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", fmt.Errorf("session %s is closed", s.id)
	}
	if s.turnDone != nil {
		s.mu.Unlock()
		return "", fmt.Errorf("session %s already has a turn in flight", s.id)
	}
	turnCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.turnCancel, s.turnDone = cancel, done
	s.history = append(s.history, transcript.Message{Role: transcript.RoleUser, Content: prompt})
	turn := len(s.history)
	s.mu.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		s.turnCancel, s.turnDone = nil, nil
		s.mu.Unlock()
		close(done)
	}()

	var reply string
	if strings.HasPrefix(prompt, "!") {
		out, err := s.runTool(turnCtx, strings.TrimSpace(strings.TrimPrefix(prompt, "!")))
		if err != nil {
			return "", err
		}
		reply = out
	} else {
		reply = fmt.Sprintf("[%d] %s", turn, prompt)
	}

	s.emit(turnCtx, runtime.EventContentStart, map[string]interface{}{"index": 0, "block_type": "text"})
	words := strings.Fields(reply)
	for i, w := range words {
		if err := turnCtx.Err(); err != nil {
			s.emit(ctx, runtime.EventContentEnd, map[string]interface{}{"index": 0, "interrupted": true})
			return "", fmt.Errorf("turn cancelled: %w", err)
		}
		if i > 0 {
			w = " " + w
		}
		s.emit(turnCtx, runtime.EventContentDelta, map[string]interface{}{"index": 0, "delta": w})
		if s.opts.ChunkDelay > 0 {
			select {
			case <-time.After(s.opts.ChunkDelay):
			case <-turnCtx.Done():
			}
		}
	}
	s.emit(turnCtx, runtime.EventContentEnd, map[string]interface{}{"index": 0, "text": reply})
	s.emit(turnCtx, runtime.EventLLMResponse, map[string]interface{}{"model": "loopback", "output_tokens": len(words)})

	s.mu.Lock()
	s.history = append(s.history, transcript.Message{Role: transcript.RoleAssistant, Content: reply})
	s.mu.Unlock()

	s.emit(turnCtx, runtime.EventOrchestratorDone, map[string]interface{}{
		"prompt":   prompt,
		"response": reply,
		"turn":     turn,
	})
	return reply, nil
}

func (s *session) runTool(ctx context.Context, command string) (string, error) {
	callID := "call_" + uuid.NewString()[:8]
	s.emit(ctx, runtime.EventToolPre, map[string]interface{}{"tool_name": "shell", "tool_call_id": callID, "input": command})

	decision := "allow"
	if v, ok := s.caps.Get(runtime.CapabilityApproval); ok {
		if approver, ok := v.(runtime.Approver); ok {
			d, err := approver.RequestApproval(ctx, runtime.ApprovalRequest{
				Prompt:  fmt.Sprintf("Run %q?", command),
				Options: []string{"allow", "deny"},
				Tool:    "shell",
			})
			if err != nil {
				s.emit(ctx, runtime.EventToolError, map[string]interface{}{"tool_call_id": callID, "error": err.Error()})
				return "", err
			}
			decision = d
		}
	}

	result := "denied: " + command
	if decision == "allow" {
		result = "ran: " + command
	}
	s.emit(ctx, runtime.EventToolPost, map[string]interface{}{
		"tool_name":    "shell",
		"tool_call_id": callID,
		"input":        command,
		"result":       result,
	})
	return result, nil
}

// RequestCancelAsync implements runtime.AsyncCanceller. The channel
// receives once the in-flight turn (if any) has stopped.
func (s *session) RequestCancelAsync(ctx context.Context, level runtime.CancelLevel) <-chan error {
	out := make(chan error, 1)

	s.mu.Lock()
	cancel, done := s.turnCancel, s.turnDone
	s.mu.Unlock()

	s.emit(ctx, runtime.EventCancelRequested, map[string]interface{}{"level": string(level)})
	if cancel == nil {
		s.emit(ctx, runtime.EventCancelCompleted, map[string]interface{}{"level": string(level), "was_running": false})
		out <- nil
		return out
	}

	cancel()
	go func() {
		select {
		case <-done:
			s.emit(context.Background(), runtime.EventCancelCompleted, map[string]interface{}{"level": string(level), "was_running": true})
			out <- nil
		case <-ctx.Done():
			out <- ctx.Err()
		}
	}()
	return out
}
