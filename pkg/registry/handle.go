package registry

import (
	"sync"
	"time"

	"github.com/harun/tether/pkg/runtime"
	"github.com/harun/tether/pkg/surface"
)

// SessionInfo is the public view of a session.
type SessionInfo struct {
	SessionID     string    `json:"session_id"`
	WorkingDir    string    `json:"working_dir"`
	Project       string    `json:"project"`
	BundleVersion string    `json:"bundle_version"`
	Surface       string    `json:"surface"`
	CreatedAt     time.Time `json:"created_at"`
	Turns         int       `json:"turns"`
	QueueDepth    int       `json:"queue_depth"`
	Busy          bool      `json:"busy"`
	Ended         bool      `json:"ended,omitempty"`
}

// SessionHandle is the registry's record of one live runtime session.
type SessionHandle struct {
	id            string
	workingDir    string
	project       string
	session       runtime.Session
	prepared      runtime.Prepared
	bundleVersion string
	createdAt     time.Time

	mu      sync.Mutex
	ended   bool
	surface *surface.Surface
	turns   int
	// cancelLevel is the strongest cancel issued since the current turn
	// started; "" when none.
	cancelLevel runtime.CancelLevel
	unsubs      []func()
}

func newHandle(id, workingDir, project string, sess runtime.Session, prepared runtime.Prepared, version string) *SessionHandle {
	return &SessionHandle{
		id:            id,
		workingDir:    workingDir,
		project:       project,
		session:       sess,
		prepared:      prepared,
		bundleVersion: version,
		createdAt:     time.Now(),
	}
}

func (h *SessionHandle) ID() string                 { return h.id }
func (h *SessionHandle) WorkingDir() string         { return h.workingDir }
func (h *SessionHandle) Project() string            { return h.project }
func (h *SessionHandle) Session() runtime.Session   { return h.session }
func (h *SessionHandle) Prepared() runtime.Prepared { return h.prepared }
func (h *SessionHandle) BundleVersion() string      { return h.bundleVersion }
func (h *SessionHandle) CreatedAt() time.Time       { return h.createdAt }

func (h *SessionHandle) Ended() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ended
}

// Surface returns the attached surface, never nil once the handle is
// registered.
func (h *SessionHandle) Surface() *surface.Surface {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.surface
}

func (h *SessionHandle) Turns() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.turns
}

func (h *SessionHandle) setSurface(s *surface.Surface) {
	h.mu.Lock()
	h.surface = s
	h.mu.Unlock()
}

func (h *SessionHandle) setTurns(n int) {
	h.mu.Lock()
	h.turns = n
	h.mu.Unlock()
}

// startTurn resets cancel tracking and returns the new turn number.
func (h *SessionHandle) startTurn() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns++
	h.cancelLevel = ""
	return h.turns
}

// claimCancel records level and reports whether it escalates past what
// was already requested for the current turn. prev is the level it
// replaced, for releaseCancel.
func (h *SessionHandle) claimCancel(level runtime.CancelLevel) (prev runtime.CancelLevel, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ended || level.Rank() <= h.cancelLevel.Rank() {
		return h.cancelLevel, false
	}
	prev = h.cancelLevel
	h.cancelLevel = level
	return prev, true
}

// releaseCancel undoes a claim whose runtime request failed so a later
// cancel at the same level is issued again. A claim superseded by a
// stronger cancel or a new turn is left alone.
func (h *SessionHandle) releaseCancel(level, prev runtime.CancelLevel) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelLevel == level {
		h.cancelLevel = prev
	}
}

func (h *SessionHandle) addUnsubs(fns ...func()) {
	h.mu.Lock()
	h.unsubs = append(h.unsubs, fns...)
	h.mu.Unlock()
}

// unwire drops every hook subscription the registry made.
func (h *SessionHandle) unwire() {
	h.mu.Lock()
	fns := h.unsubs
	h.unsubs = nil
	h.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (h *SessionHandle) markEnded() {
	h.mu.Lock()
	h.ended = true
	h.mu.Unlock()
}

func (h *SessionHandle) info() SessionInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	name := ""
	if h.surface != nil {
		name = h.surface.Name()
	}
	return SessionInfo{
		SessionID:     h.id,
		WorkingDir:    h.workingDir,
		Project:       h.project,
		BundleVersion: h.bundleVersion,
		Surface:       name,
		CreatedAt:     h.createdAt,
		Turns:         h.turns,
		Ended:         h.ended,
	}
}
