package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
)

const sessionIDHeaderName = "Mcp-Session-Id"

// logCredential records, at connect time, whether a credential is configured
// and its length class. The value itself is never logged; the length class is
// enough to spot truncated or empty secrets behind silent auth failures.
func logCredential(log *zap.Logger, serverID string, kind TransportKind, cred *Credential) {
	fields := []zap.Field{
		zap.String("server_id", serverID),
		zap.String("transport", string(kind)),
		zap.Bool("credential_present", cred.present()),
	}
	if cred.present() {
		fields = append(fields, zap.String("credential_length_class", cred.lengthClass()))
	}
	log.Info("connecting to server", fields...)
}

// buildSubprocessTransport prepares a stdio transport for a child process.
// The credential, when present, is exported to the child environment rather
// than passed on the command line.
func buildSubprocessTransport(cfg *SubprocessServerConfig) mcp.Transport {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	if cfg.Dir != "" {
		cmd.Dir = cfg.Dir
	}
	if len(cfg.Env) > 0 || cfg.Credential.present() {
		env := os.Environ()
		for k, v := range cfg.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		if cfg.Credential.present() {
			env = append(env, fmt.Sprintf("%s=%s", cfg.Credential.envVar(), cfg.Credential.Token))
		}
		cmd.Env = env
	}
	return &mcp.CommandTransport{Command: cmd}
}

// httpTransports bundles the two candidate transports for an HTTP endpoint.
// Connection order is streamable first with an SSE fallback, unless the
// configuration pins the event-stream transport.
type httpTransports struct {
	streamable mcp.Transport
	sse        mcp.Transport
	sseOnly    bool
}

func buildHTTPTransports(cfg *HTTPServerConfig, tracker *sessionIDTracker) httpTransports {
	headers := cloneHeader(cfg.Headers)
	if cfg.Credential.present() {
		headers = mergeHeaders(headers, http.Header{"Authorization": []string{"Bearer " + cfg.Credential.Token}})
	}
	client := decorateHTTPClient(cfg.HTTPClient, headers, tracker, cfg.AuthProvider)
	return httpTransports{
		streamable: &mcp.StreamableClientTransport{
			Endpoint:   cfg.Endpoint,
			HTTPClient: client,
			MaxRetries: cfg.MaxRetries,
		},
		sse:     &mcp.SSEClientTransport{Endpoint: cfg.Endpoint, HTTPClient: client},
		sseOnly: shouldUseEventStream(cfg),
	}
}

func decorateHTTPClient(base *http.Client, headers http.Header, tracker *sessionIDTracker, provider HTTPAuthProvider) *http.Client {
	if base == nil {
		base = http.DefaultClient
	}
	clone := *base
	clone.Transport = &headerDecorator{
		next:         defaultRoundTripper(base.Transport),
		headers:      cloneHeader(headers),
		tracker:      tracker,
		authProvider: provider,
	}
	return &clone
}

func mergeHeaders(headers ...http.Header) http.Header {
	result := http.Header{}
	for _, hdr := range headers {
		if len(hdr) == 0 {
			continue
		}
		for k, values := range hdr {
			result[k] = append([]string(nil), values...)
		}
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

func cloneHeader(h http.Header) http.Header {
	if len(h) == 0 {
		return nil
	}
	clone := make(http.Header, len(h))
	for k, values := range h {
		clone[k] = append([]string(nil), values...)
	}
	return clone
}

// headerDecorator injects static headers, the tracked MCP session ID, and a
// dynamically provided Authorization value into every outbound request. A
// 401 or 403 response is converted into an authRejectedError so failures
// classify as auth instead of generic transport noise.
type headerDecorator struct {
	next         http.RoundTripper
	headers      http.Header
	tracker      *sessionIDTracker
	authProvider HTTPAuthProvider
}

func (d *headerDecorator) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	if len(d.headers) > 0 {
		for k, values := range d.headers {
			req.Header.Del(k)
			for _, v := range values {
				req.Header.Add(k, v)
			}
		}
	}
	if d.tracker != nil {
		if sessionID := d.tracker.Value(); sessionID != "" {
			req.Header.Set(sessionIDHeaderName, sessionID)
		}
	}
	if d.authProvider != nil && req.Header.Get("Authorization") == "" {
		token, err := d.authProvider(req.Context())
		if err != nil {
			return nil, err
		}
		if token != "" {
			req.Header.Set("Authorization", token)
		}
	}
	resp, err := d.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, &authRejectedError{status: resp.StatusCode}
	}
	return resp, nil
}

func defaultRoundTripper(next http.RoundTripper) http.RoundTripper {
	if next != nil {
		return next
	}
	return http.DefaultTransport
}

// sessionIDTracker remembers the MCP session ID negotiated on the first
// response so reconnecting requests resume the same upstream session.
type sessionIDTracker struct {
	mu    sync.RWMutex
	value string
}

func (s *sessionIDTracker) Set(value string) {
	s.mu.Lock()
	s.value = value
	s.mu.Unlock()
}

func (s *sessionIDTracker) Reset() { s.Set("") }

func (s *sessionIDTracker) Value() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.value
}

// loggingTransport wraps a transport so every JSON-RPC frame is mirrored to
// the debug log. Enabled per server via LogTraffic.
type loggingTransport struct {
	serverID string
	delegate mcp.Transport
	log      *zap.Logger
}

func (t *loggingTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	conn, err := t.delegate.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return &loggingConnection{serverID: t.serverID, delegate: conn, log: t.log}, nil
}

type loggingConnection struct {
	serverID string
	delegate mcp.Connection
	log      *zap.Logger
}

func (c *loggingConnection) SessionID() string { return c.delegate.SessionID() }

func (c *loggingConnection) Read(ctx context.Context) (jsonrpc.Message, error) {
	msg, err := c.delegate.Read(ctx)
	if err == nil {
		c.emit("receive", msg)
	}
	return msg, err
}

func (c *loggingConnection) Write(ctx context.Context, msg jsonrpc.Message) error {
	if err := c.delegate.Write(ctx, msg); err != nil {
		return err
	}
	c.emit("send", msg)
	return nil
}

func (c *loggingConnection) Close() error { return c.delegate.Close() }

func (c *loggingConnection) emit(direction string, msg jsonrpc.Message) {
	encoded, err := json.Marshal(msg)
	if err != nil {
		encoded = []byte(err.Error())
	}
	c.log.Debug("jsonrpc frame",
		zap.String("server_id", c.serverID),
		zap.String("direction", direction),
		zap.Int("bytes", len(encoded)),
		zap.ByteString("message", encoded),
	)
}
