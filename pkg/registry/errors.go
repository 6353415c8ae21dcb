package registry

import (
	"errors"
	"fmt"

	"github.com/harun/tether/pkg/bundle"
)

// Sentinels for errors.Is. Each typed error below matches its sentinel.
var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrBundleLoad        = bundle.ErrLoad
	ErrReconnect         = errors.New("reconnect failed")
	ErrCapabilityMissing = errors.New("capability missing")
	ErrTransientResource = errors.New("transient resource failure")
	ErrRegistryStopped   = errors.New("registry stopped")
)

const reasonEnded = "intentionally ended"

// SessionNotFoundError is returned for unknown or tombstoned ids.
type SessionNotFoundError struct {
	SessionID string
	Reason    string
}

func (e *SessionNotFoundError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("session %s not found: %s", e.SessionID, e.Reason)
	}
	return fmt.Sprintf("session %s not found", e.SessionID)
}

func (e *SessionNotFoundError) Is(target error) bool { return target == ErrSessionNotFound }

// BundleLoadError reports a bundle that failed to load or prepare.
type BundleLoadError = bundle.LoadError

// ReconnectError is returned when a session cannot be rehydrated, most
// often because it has no transcript.
type ReconnectError struct {
	SessionID string
	Err       error
}

func (e *ReconnectError) Error() string {
	return fmt.Sprintf("reconnect session %s: %v", e.SessionID, e.Err)
}

func (e *ReconnectError) Unwrap() error        { return e.Err }
func (e *ReconnectError) Is(target error) bool { return target == ErrReconnect }

// CapabilityMissingError is returned when the runtime does not provide
// something the registry needs, such as a coordinator.
type CapabilityMissingError struct {
	SessionID  string
	Capability string
}

func (e *CapabilityMissingError) Error() string {
	return fmt.Sprintf("session %s: capability %q missing", e.SessionID, e.Capability)
}

func (e *CapabilityMissingError) Is(target error) bool { return target == ErrCapabilityMissing }

// TransientResourceError wraps failures that may succeed on retry, such
// as a session queue closing underneath a caller.
type TransientResourceError struct {
	Resource string
	Err      error
}

func (e *TransientResourceError) Error() string {
	return fmt.Sprintf("%s temporarily unavailable: %v", e.Resource, e.Err)
}

func (e *TransientResourceError) Unwrap() error        { return e.Err }
func (e *TransientResourceError) Is(target error) bool { return target == ErrTransientResource }
