package logger

import (
	"io"
	"regexp"
	"sync"
)

const redacted = "[REDACTED]"

// Redactor masks credentials before log lines reach a writer.
type Redactor struct {
	mu       sync.RWMutex
	patterns []*regexp.Regexp
}

// NewRedactor creates a redactor with the bridge and API token patterns.
func NewRedactor() *Redactor {
	return &Redactor{
		patterns: []*regexp.Regexp{
			// chat platform bot / app / user tokens
			regexp.MustCompile(`xox[abposr]-[A-Za-z0-9-]{10,}`),
			regexp.MustCompile(`xapp-[A-Za-z0-9-]{10,}`),
			// telegram bot tokens
			regexp.MustCompile(`\d{8,10}:[A-Za-z0-9_-]{30,}`),
			// provider API keys
			regexp.MustCompile(`sk-(?:ant-)?[A-Za-z0-9_-]{20,}`),
			regexp.MustCompile(`Bearer\s+[A-Za-z0-9._~+/-]+=*`),
			regexp.MustCompile(`(?i)(signing_secret|password|secret)["\s:=]+[^\s",}]+`),
		},
	}
}

// AddPattern adds a custom redaction pattern
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.patterns = append(r.patterns, re)
	r.mu.Unlock()
	return nil
}

// AddLiteral masks an exact secret value, e.g. a configured token.
func (r *Redactor) AddLiteral(secret string) {
	if len(secret) < 6 {
		return
	}
	_ = r.AddPattern(regexp.QuoteMeta(secret))
}

func (r *Redactor) Redact(s string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.patterns {
		s = p.ReplaceAllString(s, redacted)
	}
	return s
}

// Wrap returns a writer that redacts every write before forwarding it.
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{writer: w, redactor: r}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

// Write reports len(p) on success so zerolog does not treat a shorter
// redacted line as a short write.
func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := w.writer.Write([]byte(w.redactor.Redact(string(p)))); err != nil {
		return 0, err
	}
	return len(p), nil
}
