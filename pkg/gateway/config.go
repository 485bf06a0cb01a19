package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
)

// TransportKind identifies the transport family used to reach an upstream
// server.
type TransportKind string

const (
	// TransportHTTP uses the streamable HTTP transport, falling back to the
	// event-stream transport when the server rejects it.
	TransportHTTP TransportKind = "http"
	// TransportEventStream uses the SSE transport exclusively.
	TransportEventStream TransportKind = "event-stream"
	// TransportSubprocess launches the server as a child process speaking MCP
	// over stdio.
	TransportSubprocess TransportKind = "subprocess"
)

// DefaultCredentialEnvVar is the environment variable used to hand a
// credential to a subprocess server when the configuration does not name one.
const DefaultCredentialEnvVar = "TOOLGATE_TOKEN"

// Credential carries a per-server secret. For HTTP transports it is attached
// as a bearer Authorization header; for subprocess transports it is exported
// to the child process environment under EnvVar.
type Credential struct {
	Token string
	// EnvVar names the environment variable used for subprocess servers.
	// Defaults to DefaultCredentialEnvVar.
	EnvVar string
}

func (c *Credential) present() bool {
	return c != nil && c.Token != ""
}

func (c *Credential) envVar() string {
	if c == nil || c.EnvVar == "" {
		return DefaultCredentialEnvVar
	}
	return c.EnvVar
}

// lengthClass buckets the credential size so connect logs can hint at
// truncated or misconfigured secrets without ever revealing the value.
func (c *Credential) lengthClass() string {
	switch n := len(c.Token); {
	case n == 0:
		return "absent"
	case n < 16:
		return "short"
	case n < 40:
		return "medium"
	default:
		return "long"
	}
}

// HTTPAuthProvider dynamically supplies an Authorization header value (for
// example, "Bearer <token>") for outbound HTTP requests. It is consulted only
// when no static credential already populated the header.
type HTTPAuthProvider func(context.Context) (string, error)

// BaseServerConfig captures settings shared by all transport kinds.
type BaseServerConfig struct {
	// Name is an optional human-readable label; it defaults to the server ID.
	Name string
	// Credential, when set, is attached according to the transport kind.
	Credential *Credential
	// Timeout bounds the connect handshake and each proxied call for this
	// server. Zero falls back to the manager defaults.
	Timeout time.Duration
	// LogTraffic enables debug logging of raw JSON-RPC frames.
	LogTraffic bool
}

// HTTPServerConfig describes an upstream MCP server reachable over HTTP.
type HTTPServerConfig struct {
	BaseServerConfig
	// Kind selects TransportHTTP or TransportEventStream. Empty means
	// TransportHTTP. Endpoints ending in "/sse" are treated as event-stream
	// regardless.
	Kind       TransportKind
	Endpoint   string
	Headers    http.Header
	HTTPClient *http.Client
	MaxRetries int

	AuthProvider HTTPAuthProvider
}

func (c *HTTPServerConfig) base() *BaseServerConfig { return &c.BaseServerConfig }

func (c *HTTPServerConfig) validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("gateway: endpoint is required")
	}
	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return fmt.Errorf("gateway: invalid endpoint %q: %w", c.Endpoint, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("gateway: endpoint %q must use http or https", c.Endpoint)
	}
	switch c.Kind {
	case "", TransportHTTP, TransportEventStream:
		return nil
	default:
		return fmt.Errorf("gateway: kind %q is not valid for an HTTP endpoint", c.Kind)
	}
}

// SubprocessServerConfig describes an upstream MCP server launched as a child
// process speaking stdio.
type SubprocessServerConfig struct {
	BaseServerConfig
	Command string
	Args    []string
	Env     map[string]string
	Dir     string
}

func (c *SubprocessServerConfig) base() *BaseServerConfig { return &c.BaseServerConfig }

func (c *SubprocessServerConfig) validate() error {
	if c.Command == "" {
		return fmt.Errorf("gateway: command is required")
	}
	return nil
}

// ServerConfig is implemented by all transport-specific configurations.
type ServerConfig interface {
	base() *BaseServerConfig
	validate() error
}

// TransportOf returns the transport kind for a ServerConfig, resolving the
// HTTP/event-stream split from the config's declared kind and endpoint.
// Returns an empty string for nil or unknown implementations.
func TransportOf(cfg ServerConfig) TransportKind {
	switch c := cfg.(type) {
	case *SubprocessServerConfig:
		return TransportSubprocess
	case *HTTPServerConfig:
		if shouldUseEventStream(c) {
			return TransportEventStream
		}
		return TransportHTTP
	default:
		return ""
	}
}

// validateServerID rejects identifiers that would break the namespace scheme.
// The namespace separator ":" is reserved, and IDs participate in URIs and
// log lines, so only a conservative charset is allowed.
func validateServerID(id string) error {
	if id == "" {
		return fmt.Errorf("gateway: server id is required")
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.':
		default:
			return fmt.Errorf("gateway: server id %q contains invalid character %q", id, r)
		}
	}
	return nil
}

// ReconnectPolicy shapes the exponential backoff applied after an established
// session is lost. Manual Connect calls never retry; only session loss does.
type ReconnectPolicy struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
	// MaxRetries caps consecutive failed attempts before the server is parked
	// in a terminal error state. Zero applies the default; negative values
	// retry without limit.
	MaxRetries int
	// Disabled turns automatic reconnection off entirely; session loss then
	// parks the server in a terminal error state immediately.
	Disabled bool
}

func (p ReconnectPolicy) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.InitialInterval
	bo.MaxInterval = p.MaxInterval
	bo.Multiplier = p.Multiplier
	bo.RandomizationFactor = p.RandomizationFactor
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// HealthOptions configure the periodic liveness probe run against every
// active server.
type HealthOptions struct {
	Interval     time.Duration
	ProbeTimeout time.Duration
	// FailureThreshold is the number of consecutive failed probes before the
	// session is declared lost.
	FailureThreshold int
	Disabled         bool
}

// ElicitationHandler mirrors the MCP client elicitation handler signature.
type ElicitationHandler func(context.Context, *mcp.ElicitRequest) (*mcp.ElicitResult, error)

// Options configure a Manager instance.
type Options struct {
	// ClientName overrides the client name advertised to upstream servers
	// during initialization. Defaults to "toolgate".
	ClientName string
	// ClientVersion controls the semantic version reported to servers.
	ClientVersion string
	// ConnectTimeout bounds transport setup plus the initialize handshake
	// whenever a server configuration omits an explicit timeout.
	ConnectTimeout time.Duration
	// CallTimeout bounds each proxied invocation unless the caller or the
	// server configuration overrides it.
	CallTimeout time.Duration
	// SyncTimeout bounds capability discovery and rediscovery rounds.
	SyncTimeout time.Duration
	// Reconnect shapes the automatic reconnect loop.
	Reconnect ReconnectPolicy
	// Health configures the periodic liveness probe.
	Health HealthOptions
	// Namespace customizes how capability keys are minted. Defaults to
	// ServerPrefixNamespace.
	Namespace Namespace
	// Logger receives structured diagnostics. Defaults to a no-op logger.
	Logger *zap.Logger
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.ClientName == "" {
		opts.ClientName = "toolgate"
	}
	if opts.ClientVersion == "" {
		opts.ClientVersion = "1.0.0"
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 30 * time.Second
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}
	if opts.SyncTimeout <= 0 {
		opts.SyncTimeout = 30 * time.Second
	}
	if opts.Reconnect.InitialInterval <= 0 {
		opts.Reconnect.InitialInterval = 500 * time.Millisecond
	}
	if opts.Reconnect.MaxInterval <= 0 {
		opts.Reconnect.MaxInterval = 30 * time.Second
	}
	if opts.Reconnect.Multiplier <= 0 {
		opts.Reconnect.Multiplier = 2.0
	}
	if opts.Reconnect.RandomizationFactor <= 0 {
		opts.Reconnect.RandomizationFactor = 0.5
	}
	if opts.Reconnect.MaxRetries == 0 && !opts.Reconnect.Disabled {
		opts.Reconnect.MaxRetries = 8
	}
	if opts.Health.Interval <= 0 {
		opts.Health.Interval = 15 * time.Second
	}
	if opts.Health.ProbeTimeout <= 0 {
		opts.Health.ProbeTimeout = 5 * time.Second
	}
	if opts.Health.FailureThreshold <= 0 {
		opts.Health.FailureThreshold = 3
	}
	if opts.Namespace == nil {
		opts.Namespace = ServerPrefixNamespace{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return opts
}

func shouldUseEventStream(cfg *HTTPServerConfig) bool {
	if cfg.Kind == TransportEventStream {
		return true
	}
	return strings.HasSuffix(strings.TrimSpace(cfg.Endpoint), "/sse")
}
