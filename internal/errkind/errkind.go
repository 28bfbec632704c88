// Package errkind holds the typed error kinds shared by the control channel
// client and the observer, mirroring the teacher's pattern of small typed
// error structs (one per failure class) rather than sentinel values, so
// callers can errors.As to branch on kind.
package errkind

import "fmt"

// SocketUnavailable means the control socket could not be reached: the
// server isn't running, the path is wrong, or permissions are bad.
type SocketUnavailable struct {
	Path string
	Err  error
}

func (e *SocketUnavailable) Error() string {
	return fmt.Sprintf("socket unavailable at %s: %v", e.Path, e.Err)
}

func (e *SocketUnavailable) Unwrap() error { return e.Err }

// StartTimeout means the client's ping loop exhausted its timeout waiting
// for the server to reach the desired liveness state.
type StartTimeout struct {
	Timeout string
}

func (e *StartTimeout) Error() string {
	return fmt.Sprintf("server did not reach desired state within %s", e.Timeout)
}

// ConfigInvalid means config loading returned ok=false; the client aborts
// start/reload rather than sending a broken config stream.
type ConfigInvalid struct {
	Reason string
}

func (e *ConfigInvalid) Error() string {
	return fmt.Sprintf("invalid configuration: %s", e.Reason)
}

// StoreError wraps a BanStore IO failure. The Observer logs it and
// continues with the next event; the ban is considered not-persisted.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("ban store %s failed: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// FormulaError means a user-supplied ban-time expression failed to compile
// or evaluate. Escalation falls back to the input banTime.
type FormulaError struct {
	Expr string
	Err  error
}

func (e *FormulaError) Error() string {
	return fmt.Sprintf("ban time formula %q failed: %v", e.Expr, e.Err)
}

func (e *FormulaError) Unwrap() error { return e.Err }

// Unknown means an unrecognised event or command kind. It is logged and
// dropped, never fatal.
type Unknown struct {
	Kind string
}

func (e *Unknown) Error() string {
	return fmt.Sprintf("unknown kind: %s", e.Kind)
}
