package logger

import (
	"io"
	"regexp"
)

const redacted = "[REDACTED]"

type rule struct {
	re   *regexp.Regexp
	repl string
}

// Redactor masks credentials before log lines reach a writer. Replacements
// keep JSON field names and quotes so structured lines stay parseable.
type Redactor struct {
	rules []rule
}

// NewRedactor creates a new redactor with default patterns
func NewRedactor() *Redactor {
	return &Redactor{
		rules: []rule{
			// provider API keys (anthropic, openai, openrouter, groq)
			{regexp.MustCompile(`sk-ant-[a-zA-Z0-9_-]{20,}`), redacted},
			{regexp.MustCompile(`sk-(?:or-|proj-)?[a-zA-Z0-9_-]{20,}`), redacted},
			{regexp.MustCompile(`gsk_[a-zA-Z0-9]{20,}`), redacted},

			{regexp.MustCompile(`Bearer\s+[a-zA-Z0-9._~+/=-]+`), redacted},

			// JWT access tokens
			{regexp.MustCompile(`eyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]*`), redacted},

			// OAuth fields in JSON or form bodies
			{regexp.MustCompile(`("(?:access_token|refresh_token|id_token|api_key)\\?"\s*:\s*\\?")[^"\\]+`), "${1}" + redacted},
			{regexp.MustCompile(`((?:access_token|refresh_token|api_key)=)[^&\s"]+`), "${1}" + redacted},

			{regexp.MustCompile(`((?:password|secret)\\?"?\s*[:=]\s*\\?"?)[^\s"\\]+`), "${1}" + redacted},
		},
	}
}

// AddPattern adds a custom pattern whose matches are replaced entirely.
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.rules = append(r.rules, rule{re: re, repl: redacted})
	return nil
}

// Redact redacts sensitive information from a string
func (r *Redactor) Redact(s string) string {
	result := s
	for _, rl := range r.rules {
		result = rl.re.ReplaceAllString(result, rl.repl)
	}
	return result
}

// Wrap wraps an io.Writer to redact sensitive information
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{
		writer:   w,
		redactor: r,
	}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

// Write reports len(p) on success so callers never see a short write when
// redaction changed the line length.
func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := w.writer.Write([]byte(w.redactor.Redact(string(p)))); err != nil {
		return 0, err
	}
	return len(p), nil
}
