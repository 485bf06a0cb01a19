package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
)

// FrontendOptions configure the downstream MCP surface.
type FrontendOptions struct {
	// Implementation identifies the frontend's MCP server metadata.
	Implementation *mcp.Implementation
	// Addr is the listen address used by ListenAndServe. Defaults to ":8700".
	Addr string
	// Path mounts the streamable handler under an HTTP path. Defaults to
	// "/mcp".
	Path string
	// Streamable tweaks the handler passed to mcp.NewStreamableHTTPHandler.
	Streamable mcp.StreamableHTTPOptions
	// ShutdownTimeout bounds graceful shutdown when ListenAndServe's context
	// is cancelled. Defaults to 10s.
	ShutdownTimeout time.Duration
	// Logger receives structured diagnostics. Defaults to the manager's
	// logger.
	Logger *zap.Logger
}

func (o *FrontendOptions) withDefaults(fallbackLog *zap.Logger) FrontendOptions {
	if o == nil {
		o = &FrontendOptions{}
	}
	opts := *o
	if opts.Implementation == nil {
		opts.Implementation = &mcp.Implementation{
			Name:    "toolgate",
			Title:   "Toolgate",
			Version: "1.0.0",
		}
	} else {
		impl := *opts.Implementation
		opts.Implementation = &impl
	}
	if opts.Addr == "" {
		opts.Addr = ":8700"
	}
	if opts.Path == "" {
		opts.Path = "/mcp"
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = fallbackLog
	}
	return opts
}

// Frontend is the downstream-facing MCP server. It mirrors the registry onto
// a single streamable HTTP endpoint: every namespaced capability appears as
// a native tool, prompt, or resource, and calls are translated back into
// manager invocations against the owning upstream server.
type Frontend struct {
	manager *Manager
	opts    FrontendOptions
	log     *zap.Logger

	server        *mcp.Server
	streamHandler *mcp.StreamableHTTPHandler
	httpHandler   http.Handler

	progress *progressTracker

	// serverMu serializes mutations of the mcp.Server feature set so a
	// remove from one sync cannot interleave with the add from another.
	// published tracks what this frontend exposed, per key and kind, so a
	// tool and a prompt sharing a key are published and removed separately.
	serverMu  sync.Mutex
	published map[CapabilityRef]struct{}

	httpServerMu sync.Mutex
	httpServer   *http.Server
}

// NewFrontend builds a frontend bound to the manager, publishes the current
// registry contents, and subscribes to future registry diffs.
func NewFrontend(mgr *Manager, opts *FrontendOptions) (*Frontend, error) {
	if mgr == nil {
		return nil, fmt.Errorf("gateway: manager is required")
	}
	options := opts.withDefaults(mgr.log)
	f := &Frontend{
		manager:   mgr,
		opts:      options,
		log:       options.Logger,
		progress:  newProgressTracker(options.Logger),
		published: make(map[CapabilityRef]struct{}),
	}

	f.server = mcp.NewServer(options.Implementation, &mcp.ServerOptions{
		HasTools:           true,
		HasPrompts:         true,
		HasResources:       true,
		SubscribeHandler:   f.handleSubscribe,
		UnsubscribeHandler: f.handleUnsubscribe,
	})
	f.streamHandler = mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return f.server
	}, &options.Streamable)
	f.httpHandler = f.mountHandler()

	mgr.OnCapabilitySync(f.applySync)
	mgr.OnResourceUpdated(f.relayResourceUpdate)
	mgr.OnProgress(f.relayProgress)
	mgr.SetElicitationHandler(f.forwardElicitation)

	// Servers connected before the frontend existed are published here;
	// everything after arrives through the sync handler.
	entries := mgr.Registry().List(ListFilter{})
	byServer := make(map[string][]*NamespacedCapability)
	for _, entry := range entries {
		byServer[entry.ServerID] = append(byServer[entry.ServerID], entry)
	}
	for serverID, added := range byServer {
		f.applySync(serverID, nil, added)
	}

	return f, nil
}

// Handler exposes the HTTP handler serving the streamable endpoint.
func (f *Frontend) Handler() http.Handler { return f.httpHandler }

// ListenAndServe runs an HTTP server until the context is cancelled or the
// server stops on its own.
func (f *Frontend) ListenAndServe(ctx context.Context) error {
	f.httpServerMu.Lock()
	if f.httpServer != nil {
		addr := f.httpServer.Addr
		f.httpServerMu.Unlock()
		return fmt.Errorf("gateway: frontend already running on %s", addr)
	}
	srv := &http.Server{Addr: f.opts.Addr, Handler: f.Handler()}
	f.httpServer = srv
	f.httpServerMu.Unlock()
	defer func() {
		f.httpServerMu.Lock()
		if f.httpServer == srv {
			f.httpServer = nil
		}
		f.httpServerMu.Unlock()
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), f.opts.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Shutdown stops the embedded HTTP server if it is running.
func (f *Frontend) Shutdown(ctx context.Context) error {
	f.httpServerMu.Lock()
	srv := f.httpServer
	f.httpServer = nil
	f.httpServerMu.Unlock()
	if srv == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return srv.Shutdown(ctx)
}

// applySync mirrors one registry diff onto the mcp.Server: removed keys are
// unpublished by their recorded kind, added entries are published with
// handlers that route back through the manager.
func (f *Frontend) applySync(serverID string, removed []CapabilityRef, added []*NamespacedCapability) {
	f.serverMu.Lock()
	defer f.serverMu.Unlock()

	var tools, prompts, resources, templates []string
	for _, ref := range removed {
		if _, ok := f.published[ref]; !ok {
			continue
		}
		delete(f.published, ref)
		switch ref.Kind {
		case KindTool:
			tools = append(tools, ref.Key)
		case KindPrompt:
			prompts = append(prompts, ref.Key)
		case KindResource:
			resources = append(resources, ref.Key)
		case KindResourceTemplate:
			templates = append(templates, ref.Key)
		}
	}
	if len(tools) > 0 {
		f.server.RemoveTools(tools...)
	}
	if len(prompts) > 0 {
		f.server.RemovePrompts(prompts...)
	}
	if len(resources) > 0 {
		f.server.RemoveResources(resources...)
	}
	if len(templates) > 0 {
		f.server.RemoveResourceTemplates(templates...)
	}

	for _, entry := range added {
		switch entry.Kind {
		case KindTool:
			f.server.AddTool(entry.Tool, f.makeToolHandler(entry.ServerID, entry.Key))
		case KindPrompt:
			f.server.AddPrompt(entry.Prompt, f.makePromptHandler(entry.Key))
		case KindResource:
			f.server.AddResource(entry.Resource, f.makeResourceHandler(entry.Key))
		case KindResourceTemplate:
			f.server.AddResourceTemplate(entry.Template, f.makeTemplateHandler(entry.ServerID, entry.Name))
		default:
			continue
		}
		f.published[CapabilityRef{Key: entry.Key, Kind: entry.Kind}] = struct{}{}
	}

	f.log.Debug("frontend synced",
		zap.String("server_id", serverID),
		zap.Int("added", len(added)),
		zap.Int("removed", len(removed)),
	)
}

func (f *Frontend) makeToolHandler(serverID, key string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		callCtx := bindSession(ctx, req.Session)
		params := &mcp.CallToolParams{Name: key}
		if req.Params != nil {
			params.Meta = req.Params.Meta
			params.Arguments = req.Params.Arguments
		}
		done := f.progress.track(serverID, req.Session, params)
		defer done()
		return f.manager.InvokeParams(callCtx, params, 0)
	}
}

func (f *Frontend) makePromptHandler(key string) mcp.PromptHandler {
	return func(ctx context.Context, req *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		callCtx := bindSession(ctx, req.Session)
		var args map[string]string
		if req.Params != nil {
			args = req.Params.Arguments
		}
		return f.manager.GetPrompt(callCtx, key, args, 0)
	}
}

func (f *Frontend) makeResourceHandler(key string) mcp.ResourceHandler {
	return func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		callCtx := bindSession(ctx, req.Session)
		return f.manager.ReadResource(callCtx, key, 0)
	}
}

// makeTemplateHandler reads template expansions. The requested URI arrives
// with the namespaced prefix; stripping it recovers the upstream URI, with
// the raw template as fallback.
func (f *Frontend) makeTemplateHandler(serverID, nativeTemplate string) mcp.ResourceHandler {
	return func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		callCtx := bindSession(ctx, req.Session)
		native := nativeTemplate
		if req != nil && req.Params != nil {
			if owner, raw, ok := f.manager.opts.Namespace.Split(req.Params.URI); ok && owner == serverID {
				native = raw
			}
		}
		return f.manager.ReadResourceFrom(callCtx, serverID, native, 0)
	}
}

func (f *Frontend) handleSubscribe(ctx context.Context, req *mcp.SubscribeRequest) error {
	if req == nil || req.Params == nil {
		return fmt.Errorf("gateway: missing subscribe params")
	}
	return f.manager.SubscribeResource(bindSession(ctx, req.Session), req.Params.URI, 0)
}

func (f *Frontend) handleUnsubscribe(ctx context.Context, req *mcp.UnsubscribeRequest) error {
	if req == nil || req.Params == nil {
		return fmt.Errorf("gateway: missing unsubscribe params")
	}
	return f.manager.UnsubscribeResource(bindSession(ctx, req.Session), req.Params.URI, 0)
}

// relayResourceUpdate pushes an upstream resource change to every subscribed
// downstream client under the published URI.
func (f *Frontend) relayResourceUpdate(serverID, key, nativeURI string) {
	params := &mcp.ResourceUpdatedNotificationParams{URI: key}
	if err := f.server.ResourceUpdated(context.Background(), params); err != nil {
		f.log.Warn("resource update relay failed",
			zap.String("server_id", serverID),
			zap.String("uri", key),
			zap.Error(err),
		)
	}
}

// relayProgress pushes an upstream progress notification to the downstream
// session whose call carries the token.
func (f *Frontend) relayProgress(serverID string, params *mcp.ProgressNotificationParams) {
	sink := f.progress.lookup(serverID, params.ProgressToken)
	if sink == nil {
		return
	}
	if err := sink.NotifyProgress(context.Background(), params); err != nil {
		f.log.Debug("progress relay failed",
			zap.String("server_id", serverID),
			zap.Error(err),
		)
	}
}

// forwardElicitation relays an upstream elicitation to the downstream
// session responsible for the in-flight call, when the invocation context
// carries one.
func (f *Frontend) forwardElicitation(ctx context.Context, req *mcp.ElicitRequest) (*mcp.ElicitResult, error) {
	session := sessionFromContext(ctx)
	if session == nil {
		return nil, fmt.Errorf("gateway: no downstream session for elicitation")
	}
	if req == nil || req.Params == nil {
		return nil, fmt.Errorf("gateway: malformed elicitation payload")
	}
	return session.Elicit(ctx, req.Params)
}

func (f *Frontend) mountHandler() http.Handler {
	path := f.opts.Path
	if path == "" {
		return f.streamHandler
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	mux := http.NewServeMux()
	mux.Handle(path, f.streamHandler)
	if !strings.HasSuffix(path, "/") {
		mux.Handle(path+"/", f.streamHandler)
	}
	return mux
}

func bindSession(ctx context.Context, session *mcp.ServerSession) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if session == nil {
		return ctx
	}
	return context.WithValue(ctx, sessionContextKey{}, session)
}

func sessionFromContext(ctx context.Context) *mcp.ServerSession {
	if ctx == nil {
		return nil
	}
	if session, ok := ctx.Value(sessionContextKey{}).(*mcp.ServerSession); ok {
		return session
	}
	return nil
}

type sessionContextKey struct{}
