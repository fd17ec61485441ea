package orchestrator

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// Reporter is the operator-facing output sink. Every verbose/debug line goes
// through it so secret redaction is unconditional: once a secret is
// registered it can never appear in anything the Reporter emits, regardless
// of flags.
type Reporter struct {
	Verbose bool
	Debug   bool

	// Out receives the output. Defaults to os.Stderr.
	Out io.Writer

	mu      sync.Mutex
	secrets []string
}

// NewReporter builds a Reporter writing to stderr.
func NewReporter(verbose, debug bool) *Reporter {
	return &Reporter{Verbose: verbose, Debug: debug, Out: os.Stderr}
}

// AddSecret registers a value to be masked in all future output.
func (r *Reporter) AddSecret(s string) {
	if r == nil || strings.TrimSpace(s) == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.secrets = append(r.secrets, s)
}

// Redact masks every registered secret in s.
func (r *Reporter) Redact(s string) string {
	if r == nil {
		return s
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sec := range r.secrets {
		s = strings.ReplaceAll(s, sec, "********")
	}
	return s
}

func (r *Reporter) emit(prefix, format string, args ...any) {
	out := r.Out
	if out == nil {
		out = os.Stderr
	}
	line := r.Redact(fmt.Sprintf(format, args...))
	fmt.Fprintf(out, "%s%s\n", prefix, line)
}

// Infof always prints.
func (r *Reporter) Infof(format string, args ...any) {
	if r == nil {
		return
	}
	r.emit("", format, args...)
}

// Verbosef prints only under -verbose (or -debug, which implies it).
func (r *Reporter) Verbosef(format string, args ...any) {
	if r == nil || (!r.Verbose && !r.Debug) {
		return
	}
	r.emit("[verbose] ", format, args...)
}

// Debugf prints only under -debug.
func (r *Reporter) Debugf(format string, args ...any) {
	if r == nil || !r.Debug {
		return
	}
	r.emit("[debug] ", format, args...)
}

// Errorf always prints, prefixed.
func (r *Reporter) Errorf(format string, args ...any) {
	if r == nil {
		return
	}
	r.emit("error: ", format, args...)
}
