package transcript

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harun/tether/internal/observability"
	"github.com/harun/tether/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	transcriptFile = "transcript.jsonl"
	sessionsDir    = "sessions"
)

// ErrNotFound is returned when no transcript exists for a session id.
var ErrNotFound = errors.New("transcript not found")

// Store reads and writes transcripts under a projects root.
type Store struct {
	root    string
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New creates the projects root if needed.
func New(projectsDir string) (*Store, error) {
	observability.EnsureRegistered()

	if projectsDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		projectsDir = filepath.Join(home, ".tether", "projects")
	}
	if err := os.MkdirAll(projectsDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create projects directory: %w", err)
	}

	log.Debug().Str("dir", projectsDir).Msg("Transcript store initialized")
	return &Store{root: projectsDir, locks: make(map[string]*sync.Mutex)}, nil
}

// Root returns the projects directory.
func (s *Store) Root() string { return s.root }

// ProjectSlug maps a working directory to its project directory name:
// the absolute path with separators replaced by '-'.
func ProjectSlug(workingDir string) string {
	if workingDir == "" {
		return "default"
	}
	if strings.HasPrefix(workingDir, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			workingDir = filepath.Join(home, strings.TrimPrefix(workingDir, "~"))
		}
	}
	if abs, err := filepath.Abs(workingDir); err == nil {
		workingDir = abs
	}
	slug := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':':
			return '-'
		}
		return r
	}, filepath.Clean(workingDir))
	if slug == "" || slug == "-" {
		return "root"
	}
	return slug
}

func validateSessionID(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("session id cannot be empty")
	case strings.Contains(id, ".."):
		return fmt.Errorf("session id cannot contain '..'")
	case strings.ContainsAny(id, "/\\"):
		return fmt.Errorf("session id cannot contain path separators")
	case strings.Contains(id, "\x00"):
		return fmt.Errorf("session id cannot contain null bytes")
	}
	return nil
}

// SessionDir returns the directory holding a session's files.
func (s *Store) SessionDir(project, sessionID string) string {
	return filepath.Join(s.root, project, sessionsDir, sessionID)
}

func (s *Store) transcriptPath(project, sessionID string) string {
	return filepath.Join(s.SessionDir(project, sessionID), transcriptFile)
}

func (s *Store) lockFor(sessionID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[sessionID] = l
	}
	return l
}

// Forget drops the write lock kept for sessionID.
func (s *Store) Forget(sessionID string) {
	s.locksMu.Lock()
	delete(s.locks, sessionID)
	s.locksMu.Unlock()
}

// Append writes messages to the session transcript of the project derived
// from workingDir.
func (s *Store) Append(ctx context.Context, workingDir, sessionID string, msgs ...Message) error {
	return s.AppendProject(ctx, ProjectSlug(workingDir), sessionID, msgs...)
}

// AppendProject writes messages under an explicit project slug.
func (s *Store) AppendProject(ctx context.Context, project, sessionID string, msgs ...Message) error {
	ctx = tracing.WithSessionID(ctx, sessionID)
	ctx, span := tracing.StartSpan(ctx, "tether.transcript", "transcript.append",
		attribute.String("project", project),
		attribute.Int("messages", len(msgs)),
	)
	defer span.End()
	start := time.Now()
	defer func() { recordIO("append", start) }()

	fail := func(err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if err := validateSessionID(sessionID); err != nil {
		return fail(err)
	}
	if len(msgs) == 0 {
		return nil
	}

	var buf []byte
	for _, m := range msgs {
		if !m.valid() {
			return fail(fmt.Errorf("invalid %q message", m.Role))
		}
		if m.Timestamp.IsZero() {
			m.Timestamp = time.Now().UTC()
		}
		line, err := json.Marshal(m)
		if err != nil {
			return fail(fmt.Errorf("failed to marshal message: %w", err))
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}

	lock := s.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(s.SessionDir(project, sessionID), 0o700); err != nil {
		return fail(fmt.Errorf("failed to create session directory: %w", err))
	}

	f, err := os.OpenFile(s.transcriptPath(project, sessionID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fail(fmt.Errorf("failed to open transcript: %w", err))
	}
	defer f.Close()

	if _, err := f.Write(buf); err != nil {
		return fail(fmt.Errorf("failed to write transcript: %w", err))
	}
	if err := f.Sync(); err != nil {
		return fail(fmt.Errorf("failed to sync transcript: %w", err))
	}

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Debug().
		Str("project", project).
		Int("messages", len(msgs)).
		Msg("Transcript appended")
	return nil
}

// Load reads a transcript. A missing file yields ErrNotFound.
func (s *Store) Load(ctx context.Context, project, sessionID string) ([]Message, error) {
	ctx = tracing.WithSessionID(ctx, sessionID)
	ctx, span := tracing.StartSpan(ctx, "tether.transcript", "transcript.load",
		attribute.String("project", project),
	)
	defer span.End()
	start := time.Now()
	defer func() { recordIO("load", start) }()

	if err := validateSessionID(sessionID); err != nil {
		span.RecordError(err)
		return nil, err
	}

	msgs, err := readTranscript(ctx, s.transcriptPath(project, sessionID))
	if err != nil && !errors.Is(err, ErrNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return msgs, err
}

func readTranscript(ctx context.Context, path string) ([]Message, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to open transcript: %w", err)
	}
	defer f.Close()

	logger := tracing.LoggerFromContext(ctx, log.Logger)

	var msgs []Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var m Message
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			logger.Warn().Str("path", path).Int("line", lineNum).Err(err).Msg("Skipping unparsable transcript line")
			continue
		}
		if !m.valid() {
			logger.Warn().Str("path", path).Int("line", lineNum).Msg("Skipping invalid transcript line")
			continue
		}
		msgs = append(msgs, m)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read transcript: %w", err)
	}
	return msgs, nil
}

// Find locates the most recently written transcript for sessionID across
// all projects.
func (s *Store) Find(ctx context.Context, sessionID string) (string, []Message, error) {
	if err := validateSessionID(sessionID); err != nil {
		return "", nil, err
	}

	pattern := filepath.Join(s.root, "*", sessionsDir, sessionID, transcriptFile)
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return "", nil, fmt.Errorf("failed to scan projects: %w", err)
	}

	var (
		bestPath string
		bestMod  time.Time
	)
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil {
			continue
		}
		if bestPath == "" || info.ModTime().After(bestMod) {
			bestPath, bestMod = m, info.ModTime()
		}
	}
	if bestPath == "" {
		return "", nil, ErrNotFound
	}

	project := filepath.Base(filepath.Dir(filepath.Dir(filepath.Dir(bestPath))))
	msgs, err := s.Load(ctx, project, sessionID)
	if err != nil {
		return "", nil, err
	}
	return project, msgs, nil
}

// Delete removes a session directory.
func (s *Store) Delete(ctx context.Context, project, sessionID string) error {
	if err := validateSessionID(sessionID); err != nil {
		return err
	}
	lock := s.lockFor(sessionID)
	lock.Lock()
	err := os.RemoveAll(s.SessionDir(project, sessionID))
	lock.Unlock()
	s.Forget(sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete session directory: %w", err)
	}
	logger := tracing.LoggerFromContext(tracing.WithSessionID(ctx, sessionID), log.Logger)
	logger.Info().Str("project", project).Msg("Transcript deleted")
	return nil
}

// Rewrite atomically replaces a transcript with msgs.
func (s *Store) Rewrite(ctx context.Context, project, sessionID string, msgs []Message) error {
	if err := validateSessionID(sessionID); err != nil {
		return err
	}
	lock := s.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	var buf []byte
	for _, m := range msgs {
		line, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}
	if err := atomicWrite(s.transcriptPath(project, sessionID), buf); err != nil {
		return err
	}
	logger := tracing.LoggerFromContext(tracing.WithSessionID(ctx, sessionID), log.Logger)
	logger.Info().
		Str("project", project).
		Int("messages", len(msgs)).
		Msg("Transcript rewritten")
	return nil
}

func recordIO(op string, start time.Time) {
	observability.RecordTranscriptIO(op, time.Since(start))
}

func atomicWrite(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("failed to replace %s: %w", filepath.Base(path), err)
	}
	return nil
}
