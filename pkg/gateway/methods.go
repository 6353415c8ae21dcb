package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/harun/tether/pkg/registry"
	"github.com/harun/tether/pkg/runtime"
)

func (s *Server) registerBuiltinMethods() {
	_ = s.RegisterMethod("session.create", s.rpcCreate)
	_ = s.RegisterMethod("session.resume", s.rpcResume)
	_ = s.RegisterMethod("session.execute", s.rpcExecute)
	_ = s.RegisterMethod("session.cancel", s.rpcCancel)
	_ = s.RegisterMethod("session.end", s.rpcEnd)
	_ = s.RegisterMethod("session.info", s.rpcInfo)
	_ = s.RegisterMethod("session.list", s.rpcList)
	_ = s.RegisterMethod("approval.respond", s.rpcApproval)
	_ = s.RegisterMethod("bundle.reload", s.rpcReload)
	_ = s.RegisterMethod("gateway.status", func(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
		return s.Status(), nil
	})
}

func stringParam(params map[string]interface{}, key string, required bool) (string, error) {
	raw, ok := params[key]
	if !ok || raw == nil {
		if required {
			return "", &RPCError{Code: InvalidParams, Message: fmt.Sprintf("%s is required", key)}
		}
		return "", nil
	}
	v, ok := raw.(string)
	if !ok {
		return "", &RPCError{Code: InvalidParams, Message: fmt.Sprintf("%s must be a string", key)}
	}
	v = strings.TrimSpace(v)
	if required && v == "" {
		return "", &RPCError{Code: InvalidParams, Message: fmt.Sprintf("%s is required", key)}
	}
	return v, nil
}

// rpcCreate attaches the calling client's surface so events, approvals
// and display messages reach its socket.
func (s *Server) rpcCreate(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	opts := registry.CreateOptions{}
	var err error
	if opts.WorkingDir, err = stringParam(params, "working_dir", false); err != nil {
		return nil, err
	}
	if opts.Bundle, err = stringParam(params, "bundle", false); err != nil {
		return nil, err
	}
	if opts.Description, err = stringParam(params, "description", false); err != nil {
		return nil, err
	}

	client := clientFromContext(ctx)
	if client != nil {
		opts.Surface = client.surface
	}
	info, err := s.sessions.Create(ctx, opts)
	if err != nil {
		return nil, err
	}
	if client != nil {
		client.track(info.SessionID)
	}
	return info, nil
}

func (s *Server) rpcResume(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	id, err := stringParam(params, "session_id", true)
	if err != nil {
		return nil, err
	}
	workingDir, err := stringParam(params, "working_dir", false)
	if err != nil {
		return nil, err
	}

	client := clientFromContext(ctx)
	if client == nil {
		err = s.sessions.Resume(ctx, id, workingDir, nil)
	} else {
		err = s.sessions.Resume(ctx, id, workingDir, client.surface)
	}
	if err != nil {
		return nil, err
	}
	if client != nil {
		client.track(id)
	}
	return s.sessions.GetInfo(id)
}

type executeResult struct {
	SessionID  string `json:"session_id"`
	Response   string `json:"response"`
	DurationMS int64  `json:"duration_ms"`
}

func (s *Server) rpcExecute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	id, err := stringParam(params, "session_id", true)
	if err != nil {
		return nil, err
	}
	prompt, err := stringParam(params, "prompt", true)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	resp, err := s.sessions.Execute(ctx, id, prompt)
	if err != nil {
		return nil, err
	}
	return executeResult{SessionID: id, Response: resp, DurationMS: time.Since(start).Milliseconds()}, nil
}

func (s *Server) rpcCancel(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	id, err := stringParam(params, "session_id", true)
	if err != nil {
		return nil, err
	}
	raw, err := stringParam(params, "level", false)
	if err != nil {
		return nil, err
	}
	level, err := runtime.ParseCancelLevel(raw)
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: err.Error()}
	}
	s.sessions.Cancel(ctx, id, level)
	return map[string]string{"session_id": id, "level": string(level)}, nil
}

func (s *Server) rpcEnd(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	id, err := stringParam(params, "session_id", true)
	if err != nil {
		return nil, err
	}
	if client := clientFromContext(ctx); client != nil {
		client.untrack(id)
	}
	if err := s.sessions.End(ctx, id); err != nil {
		return nil, err
	}
	return map[string]bool{"ended": true}, nil
}

func (s *Server) rpcInfo(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	id, err := stringParam(params, "session_id", true)
	if err != nil {
		return nil, err
	}
	return s.sessions.GetInfo(id)
}

func (s *Server) rpcList(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	return s.sessions.List(), nil
}

func (s *Server) rpcApproval(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	id, err := stringParam(params, "session_id", true)
	if err != nil {
		return nil, err
	}
	requestID, err := stringParam(params, "request_id", true)
	if err != nil {
		return nil, err
	}
	choice, err := stringParam(params, "choice", true)
	if err != nil {
		return nil, err
	}
	return map[string]bool{"resolved": s.sessions.ResolveApproval(id, requestID, choice)}, nil
}

func (s *Server) rpcReload(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	if err := s.sessions.ReloadBundle(ctx); err != nil {
		return nil, err
	}
	return map[string]bool{"reloaded": true}, nil
}

// Status summarizes the daemon for /api/status and gateway.status.
func (s *Server) Status() map[string]interface{} {
	out := map[string]interface{}{
		"ready":          s.sessions.Ready(),
		"sessions":       len(s.sessions.List()),
		"clients":        s.clients.Count(),
		"started_at":     s.startedAt.UTC().Format(time.RFC3339),
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
	}
	if s.status != nil {
		for k, v := range s.status() {
			out[k] = v
		}
	}
	return out
}
