package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Session wraps an established MCP client session with the bookkeeping the
// gateway keeps per server: contact timestamps, per-call deadlines, and
// error classification on every proxied operation.
type Session struct {
	serverID    string
	cs          *mcp.ClientSession
	callTimeout time.Duration
	log         *zap.Logger

	// Fixed at handshake time, immutable afterwards.
	protocolVersion string
	serverInfo      *mcp.Implementation

	mu          sync.Mutex
	connectedAt time.Time
	lastContact time.Time
}

func newSession(serverID string, cs *mcp.ClientSession, callTimeout time.Duration, log *zap.Logger) *Session {
	now := time.Now().UTC()
	s := &Session{
		serverID:    serverID,
		cs:          cs,
		callTimeout: callTimeout,
		log:         log,
		connectedAt: now,
		lastContact: now,
	}
	if init := cs.InitializeResult(); init != nil {
		s.protocolVersion = init.ProtocolVersion
		s.serverInfo = init.ServerInfo
	}
	return s
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastContact = time.Now().UTC()
	s.mu.Unlock()
}

// ID returns the transport-level session identifier, when the transport
// negotiated one.
func (s *Session) ID() string { return s.cs.ID() }

// ProtocolVersion reports the MCP protocol version negotiated during the
// handshake.
func (s *Session) ProtocolVersion() string { return s.protocolVersion }

// ServerInfo reports the implementation metadata the server declared during
// the handshake. May be nil when the server sent none.
func (s *Session) ServerInfo() *mcp.Implementation { return s.serverInfo }

// ConnectedAt reports when the session was established.
func (s *Session) ConnectedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectedAt
}

// LastContact reports the last time any call on this session succeeded.
func (s *Session) LastContact() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastContact
}

// Wait blocks until the underlying session terminates.
func (s *Session) Wait() error { return s.cs.Wait() }

// Close tears the session down. Safe to call more than once.
func (s *Session) Close() error { return s.cs.Close() }

// CapabilitySet holds everything one server advertised during a discovery
// round.
type CapabilitySet struct {
	Tools     []*mcp.Tool
	Prompts   []*mcp.Prompt
	Resources []*mcp.Resource
	Templates []*mcp.ResourceTemplate
}

// Count returns the total number of capabilities in the set.
func (c *CapabilitySet) Count() int {
	if c == nil {
		return 0
	}
	return len(c.Tools) + len(c.Prompts) + len(c.Resources) + len(c.Templates)
}

// Discover enumerates tools, prompts, resources, and resource templates in
// parallel. A server that does not implement one of the list methods
// contributes an empty slice for that kind instead of failing the round.
func (s *Session) Discover(ctx context.Context) (*CapabilitySet, error) {
	set := &CapabilitySet{}
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		res, err := s.cs.ListTools(ctx, nil)
		if err != nil {
			return s.discoveryError(err, "tools/list")
		}
		if res != nil {
			set.Tools = res.Tools
		}
		return nil
	})
	eg.Go(func() error {
		res, err := s.cs.ListPrompts(ctx, nil)
		if err != nil {
			return s.discoveryError(err, "prompts/list")
		}
		if res != nil {
			set.Prompts = res.Prompts
		}
		return nil
	})
	eg.Go(func() error {
		res, err := s.cs.ListResources(ctx, nil)
		if err != nil {
			return s.discoveryError(err, "resources/list")
		}
		if res != nil {
			set.Resources = res.Resources
		}
		return nil
	})
	eg.Go(func() error {
		res, err := s.cs.ListResourceTemplates(ctx, nil)
		if err != nil {
			return s.discoveryError(err, "resources/templates/list")
		}
		if res != nil {
			set.Templates = res.ResourceTemplates
		}
		return nil
	})
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	s.touch()
	return set, nil
}

// discoveryError downgrades "method not found" style rejections to nil so
// partial servers still register, and classifies everything else.
func (s *Session) discoveryError(err error, method string) error {
	if isMethodUnavailableError(err) {
		s.log.Debug("server does not implement method",
			zap.String("server_id", s.serverID),
			zap.String("method", method))
		return nil
	}
	return newError(ErrKindDiscovery, s.serverID, method, err)
}

// CallTool proxies a tool invocation using the raw params. Tool-level
// failures reported through IsError pass back untouched; only transport and
// protocol failures become gateway errors.
func (s *Session) CallTool(ctx context.Context, params *mcp.CallToolParams, timeout time.Duration) (*mcp.CallToolResult, error) {
	ctx, cancel := s.withTimeout(ctx, timeout)
	defer cancel()
	res, err := s.cs.CallTool(ctx, params)
	if err != nil {
		return nil, newError(classifyCallError(err), s.serverID, "tools/call", err)
	}
	s.touch()
	return res, nil
}

// ReadResource proxies a resource read by raw URI.
func (s *Session) ReadResource(ctx context.Context, uri string, timeout time.Duration) (*mcp.ReadResourceResult, error) {
	ctx, cancel := s.withTimeout(ctx, timeout)
	defer cancel()
	res, err := s.cs.ReadResource(ctx, &mcp.ReadResourceParams{URI: uri})
	if err != nil {
		return nil, newError(classifyCallError(err), s.serverID, "resources/read", err)
	}
	s.touch()
	return res, nil
}

// GetPrompt proxies a prompt expansion by raw name.
func (s *Session) GetPrompt(ctx context.Context, name string, args map[string]string, timeout time.Duration) (*mcp.GetPromptResult, error) {
	ctx, cancel := s.withTimeout(ctx, timeout)
	defer cancel()
	res, err := s.cs.GetPrompt(ctx, &mcp.GetPromptParams{Name: name, Arguments: args})
	if err != nil {
		return nil, newError(classifyCallError(err), s.serverID, "prompts/get", err)
	}
	s.touch()
	return res, nil
}

// Subscribe registers for update notifications on a raw resource URI.
func (s *Session) Subscribe(ctx context.Context, uri string, timeout time.Duration) error {
	ctx, cancel := s.withTimeout(ctx, timeout)
	defer cancel()
	if err := s.cs.Subscribe(ctx, &mcp.SubscribeParams{URI: uri}); err != nil {
		return newError(classifyCallError(err), s.serverID, "resources/subscribe", err)
	}
	s.touch()
	return nil
}

// Unsubscribe cancels update notifications on a raw resource URI.
func (s *Session) Unsubscribe(ctx context.Context, uri string, timeout time.Duration) error {
	ctx, cancel := s.withTimeout(ctx, timeout)
	defer cancel()
	if err := s.cs.Unsubscribe(ctx, &mcp.UnsubscribeParams{URI: uri}); err != nil {
		return newError(classifyCallError(err), s.serverID, "resources/unsubscribe", err)
	}
	s.touch()
	return nil
}

// Ping checks liveness with a bounded deadline.
func (s *Session) Ping(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := s.withTimeout(ctx, timeout)
	defer cancel()
	if err := s.cs.Ping(ctx, nil); err != nil {
		return newError(classifyCallError(err), s.serverID, "ping", err)
	}
	s.touch()
	return nil
}

func (s *Session) withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = s.callTimeout
	}
	return withTimeout(ctx, timeout)
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}
