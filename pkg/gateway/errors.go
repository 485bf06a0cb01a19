package gateway

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// ErrorKind classifies gateway failures so callers can route them without
// string matching.
type ErrorKind string

const (
	// ErrKindConnect covers transport setup failures: unreachable endpoints,
	// missing executables, refused connections.
	ErrKindConnect ErrorKind = "connect"
	// ErrKindHandshake covers failures during MCP initialization after the
	// transport came up.
	ErrKindHandshake ErrorKind = "handshake"
	// ErrKindDiscovery covers failures while enumerating capabilities.
	ErrKindDiscovery ErrorKind = "discovery"
	// ErrKindAuth covers credential rejection by the upstream server.
	ErrKindAuth ErrorKind = "auth"
	// ErrKindInvocation covers failures of an individual proxied call.
	ErrKindInvocation ErrorKind = "invocation"
	// ErrKindTimeout covers deadline expiry on a proxied call.
	ErrKindTimeout ErrorKind = "timeout"
	// ErrKindTransportLost covers an established session dropping out from
	// under the gateway.
	ErrKindTransportLost ErrorKind = "transport_lost"
)

var (
	// ErrUnknownServer is returned for operations naming a server ID that was
	// never connected or has been removed.
	ErrUnknownServer = errors.New("gateway: unknown server")
	// ErrUnknownCapability is returned when a namespaced key resolves to
	// nothing in the registry.
	ErrUnknownCapability = errors.New("gateway: unknown capability")
	// ErrServerNotActive is returned when an invocation targets a server that
	// is disconnected, reconnecting, or errored. Invocations never wait for a
	// reconnect attempt to finish.
	ErrServerNotActive = errors.New("gateway: server not active")
	// ErrManagerClosed is returned after Close.
	ErrManagerClosed = errors.New("gateway: manager closed")
)

// Error wraps an upstream failure with the classification callers need: which
// server, which operation, and what kind of failure.
type Error struct {
	Kind     ErrorKind
	ServerID string
	Op       string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("gateway: %s %q: %s: %v", e.Op, e.ServerID, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrorKindOf extracts the ErrorKind from an error chain, or "" when the
// error did not originate in the gateway.
func ErrorKindOf(err error) ErrorKind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return ""
}

func newError(kind ErrorKind, serverID, op string, err error) *Error {
	return &Error{Kind: kind, ServerID: serverID, Op: op, Err: err}
}

// authRejectedError marks an HTTP response that indicates credential
// rejection. The transport layer raises it so connect and call paths can
// classify auth failures uniformly.
type authRejectedError struct {
	status int
}

func (e *authRejectedError) Error() string {
	return fmt.Sprintf("server rejected credentials (status %d)", e.status)
}

func isAuthRejected(err error) bool {
	var ar *authRejectedError
	if errors.As(err, &ar) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"unauthorized", "forbidden", "401", "403", "invalid token", "authentication"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// classifyConnectError maps a failed connect attempt to its kind. Auth
// rejection wins over everything else so operators see credential problems
// instead of generic connect noise.
func classifyConnectError(err error) ErrorKind {
	if isAuthRejected(err) {
		return ErrKindAuth
	}
	var execErr *exec.Error
	if errors.As(err, &execErr) || errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
		return ErrKindConnect
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"initialize", "protocol version", "capabilit", "jsonrpc"} {
		if strings.Contains(msg, marker) {
			return ErrKindHandshake
		}
	}
	return ErrKindConnect
}

// classifyCallError maps a failed proxied call to its kind.
func classifyCallError(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrKindTimeout
	}
	if isAuthRejected(err) {
		return ErrKindAuth
	}
	return ErrKindInvocation
}

// isMethodUnavailableError reports whether the upstream rejected a request
// because the method itself is unsupported, as opposed to failing while
// executing it. Servers phrase this inconsistently, so a handful of generic
// phrases are accepted.
func isMethodUnavailableError(err error) bool {
	if err == nil {
		return false
	}
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "method not found") ||
		strings.Contains(lower, "not implemented") ||
		strings.Contains(lower, "unsupported") ||
		strings.Contains(lower, "does not support") ||
		strings.Contains(lower, "unimplemented")
}
