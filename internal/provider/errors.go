package provider

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for typed error checking. The hosted sandbox API exposes
// only message strings, so Classify maps them into this taxonomy at the
// boundary; nothing past this package inspects raw provider text.
var (
	ErrCreation   = errors.New("sandbox creation failed")
	ErrTimeout    = errors.New("command timed out")
	ErrGone       = errors.New("sandbox no longer running")
	ErrPermission = errors.New("permission denied")
	ErrExec       = errors.New("command execution failed")
)

var (
	timeoutSubstrings = []string{
		"deadline exceeded", "timed out", "timeout",
	}
	goneSubstrings = []string{
		"not running", "not found", "does not exist", "terminated", "sandbox was killed",
	}
	permissionSubstrings = []string{
		"permission denied", "operation not permitted", "eacces", "eperm",
	}
)

type classified struct {
	kind error
	err  error
}

func (c *classified) Error() string {
	return c.kind.Error() + ": " + c.err.Error()
}

func (c *classified) Unwrap() []error {
	return []error{c.kind, c.err}
}

// Classify maps a raw provider error into the sentinel taxonomy by
// substring matching. Errors already carrying a sentinel pass through.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	for _, kind := range []error{ErrCreation, ErrTimeout, ErrGone, ErrPermission, ErrExec} {
		if errors.Is(err, kind) {
			return err
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, timeoutSubstrings):
		return &classified{kind: ErrTimeout, err: err}
	case containsAny(msg, goneSubstrings):
		return &classified{kind: ErrGone, err: err}
	case containsAny(msg, permissionSubstrings):
		return &classified{kind: ErrPermission, err: err}
	default:
		return &classified{kind: ErrExec, err: err}
	}
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// OpError wraps errors with sandbox operation context.
type OpError struct {
	Op  string // The operation that failed
	Key string // Sandbox key, if known
	Err error
}

func (e *OpError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s %s: %s", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// IsTimeout returns true if the error is a command timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsGone returns true if the sandbox disappeared provider-side.
func IsGone(err error) bool {
	return errors.Is(err, ErrGone)
}

// IsPermission returns true if the command was denied inside the sandbox.
func IsPermission(err error) bool {
	return errors.Is(err, ErrPermission)
}

// IsCreation returns true if the environment could not be created.
func IsCreation(err error) bool {
	return errors.Is(err, ErrCreation)
}

// Hint returns a user-actionable message for a classified error.
func Hint(err error) string {
	switch {
	case IsTimeout(err):
		return "The command timed out. Try breaking the task into smaller steps."
	case IsGone(err):
		return "The sandbox expired and will be recreated on the next command."
	case IsPermission(err):
		return "Permission was denied. Try elevated privileges or a different approach."
	case IsCreation(err):
		return "Could not create a sandbox. Please retry in a moment."
	default:
		return "The command failed. Check the output for details."
	}
}
