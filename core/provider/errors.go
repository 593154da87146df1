// Package provider drives the managed-workflow deployment CLI and turns its
// failures into typed errors with explicit recovery.
package provider

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"strings"
)

// Kind classifies a failed provider call.
type Kind int

const (
	// KindFatal is not retried.
	KindFatal Kind = iota
	// KindTransient is retried with backoff.
	KindTransient
	// KindAuthContext means the CLI lost its workspace context; switching
	// workspace and retrying once usually fixes it.
	KindAuthContext
	// KindNotFound means the deployment does not exist (any more).
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindAuthContext:
		return "auth_context"
	case KindNotFound:
		return "not_found"
	default:
		return "fatal"
	}
}

// Error is a classified provider failure.
type Error struct {
	Kind   Kind
	Op     string
	Err    error
	Output string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("provider %s (%s): %v", e.Op, e.Kind, e.Err)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += ": " + truncate(out, 512)
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// KindOf returns the kind of err, KindFatal when it is not a provider error.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindFatal
}

func IsTransient(err error) bool   { return err != nil && KindOf(err) == KindTransient }
func IsAuthContext(err error) bool { return err != nil && KindOf(err) == KindAuthContext }
func IsNotFound(err error) bool    { return err != nil && KindOf(err) == KindNotFound }

var (
	authContextMarkers = []string{
		"workspace context",
		"no workspace",
		"please run astro workspace switch",
		"not authenticated",
		"token has expired",
	}
	notFoundMarkers = []string{
		"not found",
		"does not exist",
		"no deployments found",
		"404",
	}
	transientMarkers = []string{
		"timeout",
		"timed out",
		"connection reset",
		"connection refused",
		"temporarily unavailable",
		"too many requests",
		"rate limit",
		"internal server error",
		"bad gateway",
		"service unavailable",
		"gateway timeout",
		"500",
		"502",
		"503",
		"504",
		"eof",
	}
)

// classify maps a failed CLI call onto a Kind. This is the only place CLI
// output is inspected; everything else branches on Kind.
func classify(op string, output []byte, err error) *Error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindFatal, Op: op, Err: err, Output: string(output)}
	}
	if launchFailed(err) {
		return &Error{Kind: KindFatal, Op: op, Err: err, Output: string(output)}
	}
	// Markers match the CLI's own output only; Go error text such as
	// "executable file not found" must not read as a missing deployment.
	text := strings.ToLower(string(output))
	kind := KindFatal
	switch {
	case containsAny(text, authContextMarkers):
		kind = KindAuthContext
	case containsAny(text, notFoundMarkers):
		kind = KindNotFound
	case containsAny(text, transientMarkers):
		kind = KindTransient
	}
	return &Error{Kind: kind, Op: op, Err: err, Output: string(output)}
}

// launchFailed reports whether the binary never ran: missing from PATH,
// not executable, or otherwise unstartable.
func launchFailed(err error) bool {
	var execErr *exec.Error
	var pathErr *fs.PathError
	return errors.Is(err, exec.ErrNotFound) || errors.As(err, &execErr) || errors.As(err, &pathErr)
}

func containsAny(text string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(text, m) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
