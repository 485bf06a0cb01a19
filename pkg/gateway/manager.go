package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// tracer instruments the connect and invoke paths. The global provider is a
// no-op unless the host process installed one.
var tracer = otel.Tracer("github.com/relaystack/toolgate/pkg/gateway")

// errConnectSuperseded reports a connect attempt whose server was
// disconnected, removed, or closed while the attempt was in flight.
var errConnectSuperseded = errors.New("attempt superseded by concurrent teardown")

// ServerStatus is the lifecycle state of one managed server identity.
type ServerStatus string

const (
	// StatusInactive means the server is configured but has no session and no
	// background work scheduled.
	StatusInactive ServerStatus = "inactive"
	// StatusConnecting means a connect attempt is in flight.
	StatusConnecting ServerStatus = "connecting"
	// StatusActive means the session is established and invocable.
	StatusActive ServerStatus = "active"
	// StatusReconnecting means the session was lost and the backoff loop is
	// attempting to restore it.
	StatusReconnecting ServerStatus = "reconnecting"
	// StatusError means the last connect attempt failed, or the retry budget
	// was exhausted. Only a manual Connect or Reconnect leaves this state.
	StatusError ServerStatus = "error"
)

// ServerHealth is a point-in-time snapshot of one managed server.
type ServerHealth struct {
	ServerID         string        `json:"server_id"`
	Name             string        `json:"name"`
	Status           ServerStatus  `json:"status"`
	Transport        TransportKind `json:"transport"`
	SessionID        string        `json:"session_id,omitempty"`
	ConnectedAt      time.Time     `json:"connected_at,omitzero"`
	LastContact      time.Time     `json:"last_contact,omitzero"`
	LastError        string        `json:"last_error,omitempty"`
	LastErrorKind    ErrorKind     `json:"last_error_kind,omitempty"`
	ReconnectAttempt int           `json:"reconnect_attempt,omitempty"`
	Capabilities     int           `json:"capabilities"`

	// ProtocolVersion and ServerInfo carry what the server negotiated and
	// declared during the handshake, while a session is live.
	ProtocolVersion string              `json:"protocol_version,omitempty"`
	ServerInfo      *mcp.Implementation `json:"server_info,omitempty"`
}

// SyncHandler observes registry diffs after a server's capability set was
// replaced or dropped. Handlers run synchronously and must not block.
type SyncHandler func(serverID string, removed []CapabilityRef, added []*NamespacedCapability)

// ResourceUpdateHandler observes upstream resource-updated notifications,
// rebased onto the published namespaced URI.
type ResourceUpdateHandler func(serverID, key, nativeURI string)

// ProgressHandler observes upstream progress notifications for calls routed
// through the gateway.
type ProgressHandler func(serverID string, params *mcp.ProgressNotificationParams)

// serverState tracks everything the manager knows about one server identity.
// The gen counter increments whenever session ownership changes, so monitor
// goroutines and retry loops from a previous session detect that they are
// stale and stand down.
type serverState struct {
	config  ServerConfig
	status  ServerStatus
	session *Session
	tracker *sessionIDTracker
	gen     uint64

	connecting bool
	connectCh  chan struct{}

	lastErr     error
	lastErrKind ErrorKind
	attempt     int
	syncing     bool

	cancelRetry  context.CancelFunc
	cancelHealth context.CancelFunc
}

// Manager owns every session and is the single entry point for connecting,
// disconnecting, and invoking upstream servers. All mutations of the server
// table are serialized, so two concurrent Connect calls for the same ID
// produce exactly one session.
type Manager struct {
	opts     Options
	log      *zap.Logger
	registry *Registry

	rootCtx context.Context
	cancel  context.CancelFunc

	mu     sync.RWMutex
	states map[string]*serverState
	closed bool

	hookMu          sync.RWMutex
	eventHandlers   []EventHandler
	syncHandlers    []SyncHandler
	updateHandlers  []ResourceUpdateHandler
	progressHandler []ProgressHandler
	globalElicit    ElicitationHandler
	serverElicit    map[string]ElicitationHandler
}

// NewManager builds a manager with the given options. Nil options select the
// defaults documented on Options.
func NewManager(opts *Options) *Manager {
	resolved := opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:         resolved,
		log:          resolved.Logger,
		registry:     NewRegistry(resolved.Namespace),
		rootCtx:      ctx,
		cancel:       cancel,
		states:       make(map[string]*serverState),
		serverElicit: make(map[string]ElicitationHandler),
	}
}

// Registry returns the capability registry fed by this manager.
func (m *Manager) Registry() *Registry { return m.registry }

// OnEvent registers a handler for lifecycle events. Handlers run
// synchronously on the emitting goroutine.
func (m *Manager) OnEvent(h EventHandler) {
	if h == nil {
		return
	}
	m.hookMu.Lock()
	m.eventHandlers = append(m.eventHandlers, h)
	m.hookMu.Unlock()
}

// OnCapabilitySync registers a handler for registry diffs.
func (m *Manager) OnCapabilitySync(h SyncHandler) {
	if h == nil {
		return
	}
	m.hookMu.Lock()
	m.syncHandlers = append(m.syncHandlers, h)
	m.hookMu.Unlock()
}

// OnResourceUpdated registers a handler for upstream resource-updated
// notifications on subscribed resources.
func (m *Manager) OnResourceUpdated(h ResourceUpdateHandler) {
	if h == nil {
		return
	}
	m.hookMu.Lock()
	m.updateHandlers = append(m.updateHandlers, h)
	m.hookMu.Unlock()
}

// OnProgress registers a handler for upstream progress notifications.
func (m *Manager) OnProgress(h ProgressHandler) {
	if h == nil {
		return
	}
	m.hookMu.Lock()
	m.progressHandler = append(m.progressHandler, h)
	m.hookMu.Unlock()
}

// SetElicitationHandler installs the fallback handler consulted when an
// upstream server elicits input and no per-server handler is registered.
func (m *Manager) SetElicitationHandler(h ElicitationHandler) {
	m.hookMu.Lock()
	m.globalElicit = h
	m.hookMu.Unlock()
}

// SetServerElicitationHandler installs an elicitation handler for one server.
func (m *Manager) SetServerElicitationHandler(serverID string, h ElicitationHandler) {
	m.hookMu.Lock()
	if h == nil {
		delete(m.serverElicit, serverID)
	} else {
		m.serverElicit[serverID] = h
	}
	m.hookMu.Unlock()
}

// Connect establishes a session for serverID using cfg. When the server
// already has a live session the call is a no-op. When another Connect for
// the same ID is in flight, the call waits for it and adopts its outcome. A
// nil cfg reuses the configuration from a previous Connect.
//
// Connect never retries on its own; a failed attempt parks the server in the
// error state and reports the classified error synchronously.
func (m *Manager) Connect(ctx context.Context, serverID string, cfg ServerConfig) error {
	if err := validateServerID(serverID); err != nil {
		return err
	}
	if cfg != nil {
		if err := cfg.validate(); err != nil {
			return err
		}
	}
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return ErrManagerClosed
		}
		st, ok := m.states[serverID]
		if !ok {
			if cfg == nil {
				m.mu.Unlock()
				return fmt.Errorf("%w: %s", ErrUnknownServer, serverID)
			}
			st = &serverState{status: StatusInactive}
			m.states[serverID] = st
		}
		if cfg != nil {
			st.config = cfg
		}
		if st.config == nil {
			m.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrUnknownServer, serverID)
		}
		if st.session != nil {
			m.mu.Unlock()
			return nil
		}
		if st.connecting {
			ch := st.connectCh
			m.mu.Unlock()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ch:
				continue
			}
		}
		st.connecting = true
		st.connectCh = make(chan struct{})
		st.status = StatusConnecting
		m.stopBackground(st)
		current := st.config
		startGen := st.gen
		m.mu.Unlock()

		err := m.connectOnce(ctx, serverID, st, current, startGen)

		m.mu.Lock()
		st.connecting = false
		close(st.connectCh)
		m.mu.Unlock()
		return err
	}
}

// connectOnce runs a single connect attempt end to end: transport setup,
// handshake, discovery, registry ingest. The caller holds the connecting
// flag, so no concurrent attempt can race the state writes here. startGen is
// the server's generation when the attempt began: a Disconnect, Remove, or
// Close while the attempt is in flight bumps it, and the attempt's outcome
// is discarded instead of resurrecting the torn-down server.
func (m *Manager) connectOnce(ctx context.Context, serverID string, st *serverState, cfg ServerConfig, startGen uint64) error {
	ctx, span := tracer.Start(ctx, "gateway.connect", trace.WithAttributes(
		attribute.String("gateway.server_id", serverID),
		attribute.String("gateway.transport", string(TransportOf(cfg))),
	))
	defer span.End()

	base := cfg.base()
	logCredential(m.log, serverID, TransportOf(cfg), base.Credential)

	session, err := m.establishSession(ctx, serverID, st, cfg)
	if err != nil {
		m.failConnect(serverID, st, startGen, err)
		return recordSpanError(span, err)
	}

	syncCtx, cancel := context.WithTimeout(m.rootCtx, m.opts.SyncTimeout)
	set, err := session.Discover(syncCtx)
	cancel()
	if err != nil {
		_ = session.Close()
		m.failConnect(serverID, st, startGen, err)
		return recordSpanError(span, err)
	}

	if !m.installSession(serverID, st, cfg, session, set, startGen) {
		_ = session.Close()
		return recordSpanError(span, newError(ErrKindConnect, serverID, "connect", errConnectSuperseded))
	}
	return nil
}

// installSession swaps a freshly discovered session into the server's state,
// publishes its capabilities, and starts the monitor and health prober. The
// swap only happens while the server still owns startGen: an explicit
// teardown that raced the attempt wins, and the caller must close the
// session. The generation bump invalidates any goroutine still tied to a
// prior session.
func (m *Manager) installSession(serverID string, st *serverState, cfg ServerConfig, session *Session, set *CapabilitySet, startGen uint64) bool {
	m.mu.Lock()
	if m.closed || st.gen != startGen {
		m.mu.Unlock()
		return false
	}
	st.gen++
	gen := st.gen
	st.session = session
	st.status = StatusActive
	st.lastErr = nil
	st.lastErrKind = ""
	st.attempt = 0
	m.mu.Unlock()

	removed, added := m.registry.Ingest(serverID, set)

	go m.monitorSession(serverID, session, gen)
	m.startHealth(serverID, session, gen)

	m.log.Info("server connected",
		zap.String("server_id", serverID),
		zap.String("transport", string(TransportOf(cfg))),
		zap.String("session_id", session.ID()),
		zap.Int("capabilities", set.Count()),
	)
	m.emit(newEvent(EventServerConnected, serverID, map[string]any{
		"transport":    string(TransportOf(cfg)),
		"session_id":   session.ID(),
		"capabilities": set.Count(),
	}))
	m.notifySync(serverID, removed, added)
	return true
}

// failConnect parks the server in the error state, unless a concurrent
// teardown already moved the generation on; then the teardown's state stands.
func (m *Manager) failConnect(serverID string, st *serverState, startGen uint64, err error) {
	kind := ErrorKindOf(err)
	m.mu.Lock()
	if m.closed || st.gen != startGen {
		m.mu.Unlock()
		return
	}
	st.status = StatusError
	st.lastErr = err
	st.lastErrKind = kind
	m.mu.Unlock()
	m.log.Warn("server connect failed",
		zap.String("server_id", serverID),
		zap.String("kind", string(kind)),
		zap.Error(err),
	)
	m.emit(newEvent(EventServerError, serverID, map[string]any{
		"error": err.Error(),
		"kind":  string(kind),
	}))
}

// establishSession builds the transport for the server's configuration and
// performs the MCP handshake. HTTP endpoints try the streamable transport
// first and fall back to SSE unless the configuration pins event-stream.
func (m *Manager) establishSession(ctx context.Context, serverID string, st *serverState, serverCfg ServerConfig) (*Session, error) {
	base := serverCfg.base()
	impl := &mcp.Implementation{Name: m.opts.ClientName, Version: m.opts.ClientVersion}
	clientOpts := m.composeClientOptions(serverID)

	connectTimeout := base.Timeout
	if connectTimeout <= 0 {
		connectTimeout = m.opts.ConnectTimeout
	}
	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	attempt := func(ctx context.Context, transport mcp.Transport) (*mcp.ClientSession, error) {
		client := mcp.NewClient(impl, &clientOpts)
		wrapped := transport
		if base.LogTraffic {
			wrapped = &loggingTransport{serverID: serverID, delegate: transport, log: m.log}
		}
		return client.Connect(ctx, wrapped, nil)
	}

	var cs *mcp.ClientSession
	var err error
	switch cfg := serverCfg.(type) {
	case *SubprocessServerConfig:
		cs, err = attempt(connectCtx, buildSubprocessTransport(cfg))
	case *HTTPServerConfig:
		m.mu.Lock()
		tracker := st.tracker
		if tracker == nil {
			tracker = &sessionIDTracker{}
			st.tracker = tracker
		} else {
			tracker.Reset()
		}
		m.mu.Unlock()
		transports := buildHTTPTransports(cfg, tracker)
		if transports.sseOnly {
			cs, err = attempt(connectCtx, transports.sse)
		} else {
			cs, err = attempt(connectCtx, transports.streamable)
			if err != nil && connectCtx.Err() == nil && !isAuthRejected(err) {
				streamErr := err
				cs, err = attempt(connectCtx, transports.sse)
				if err != nil {
					err = fmt.Errorf("streamable error: %v; sse error: %w", streamErr, err)
				}
			}
		}
		if err == nil && cs != nil {
			tracker.Set(cs.ID())
		}
	default:
		return nil, fmt.Errorf("gateway: unsupported configuration for %q", serverID)
	}
	if err != nil {
		return nil, newError(classifyConnectError(err), serverID, "connect", err)
	}

	callTimeout := base.Timeout
	if callTimeout <= 0 {
		callTimeout = m.opts.CallTimeout
	}
	return newSession(serverID, cs, callTimeout, m.log), nil
}

// composeClientOptions wires this manager's notification plumbing into the
// client options used for every upstream connection.
func (m *Manager) composeClientOptions(serverID string) mcp.ClientOptions {
	var opts mcp.ClientOptions
	opts.ToolListChangedHandler = func(ctx context.Context, req *mcp.ToolListChangedRequest) {
		m.scheduleResync(serverID, "tools")
	}
	opts.PromptListChangedHandler = func(ctx context.Context, req *mcp.PromptListChangedRequest) {
		m.scheduleResync(serverID, "prompts")
	}
	opts.ResourceListChangedHandler = func(ctx context.Context, req *mcp.ResourceListChangedRequest) {
		m.scheduleResync(serverID, "resources")
	}
	opts.ResourceUpdatedHandler = func(ctx context.Context, req *mcp.ResourceUpdatedNotificationRequest) {
		if req == nil || req.Params == nil {
			return
		}
		key, ok := m.registry.ResolveNativeURI(serverID, req.Params.URI)
		if !ok {
			return
		}
		m.hookMu.RLock()
		handlers := append([]ResourceUpdateHandler{}, m.updateHandlers...)
		m.hookMu.RUnlock()
		for _, h := range handlers {
			h(serverID, key, req.Params.URI)
		}
	}
	opts.ProgressNotificationHandler = func(ctx context.Context, req *mcp.ProgressNotificationClientRequest) {
		if req == nil || req.Params == nil {
			return
		}
		m.hookMu.RLock()
		handlers := append([]ProgressHandler{}, m.progressHandler...)
		m.hookMu.RUnlock()
		for _, h := range handlers {
			h(serverID, req.Params)
		}
	}
	opts.ElicitationHandler = func(ctx context.Context, req *mcp.ElicitRequest) (*mcp.ElicitResult, error) {
		m.hookMu.RLock()
		handler := m.serverElicit[serverID]
		if handler == nil {
			handler = m.globalElicit
		}
		m.hookMu.RUnlock()
		if handler == nil {
			return nil, fmt.Errorf("gateway: no elicitation handler for %q", serverID)
		}
		return handler(ctx, req)
	}
	return opts
}

// monitorSession blocks until the session terminates. If this monitor still
// owns the current generation, the termination is an unexpected transport
// loss; explicit teardowns bump gen first so stale monitors stand down.
func (m *Manager) monitorSession(serverID string, session *Session, gen uint64) {
	err := session.Wait()
	if err == nil {
		err = fmt.Errorf("session terminated")
	}
	m.sessionLost(serverID, gen, newError(ErrKindTransportLost, serverID, "session", err))
}

// sessionLost handles the death of the session identified by gen: it tears
// down state, drops the server's registry entries, and schedules the
// reconnect loop when policy allows. Calls referencing an older generation
// are ignored.
func (m *Manager) sessionLost(serverID string, gen uint64, cause error) {
	m.mu.Lock()
	st, ok := m.states[serverID]
	if !ok || st.gen != gen {
		m.mu.Unlock()
		return
	}
	st.gen++
	retryGen := st.gen
	session := st.session
	st.session = nil
	st.lastErr = cause
	st.lastErrKind = ErrKindTransportLost
	if st.cancelHealth != nil {
		st.cancelHealth()
		st.cancelHealth = nil
	}
	retry := !m.closed && !m.opts.Reconnect.Disabled
	if retry {
		st.status = StatusReconnecting
		st.attempt = 0
	} else {
		st.status = StatusError
	}
	m.mu.Unlock()

	if session != nil {
		_ = session.Close()
	}
	removed := m.registry.Drop(serverID)

	m.log.Warn("server session lost",
		zap.String("server_id", serverID),
		zap.Bool("will_reconnect", retry),
		zap.Error(cause),
	)
	m.emit(newEvent(EventServerError, serverID, map[string]any{
		"error":          cause.Error(),
		"kind":           string(ErrKindTransportLost),
		"will_reconnect": retry,
	}))
	m.notifySync(serverID, removed, nil)

	if retry {
		m.startReconnect(serverID, retryGen)
	}
}

// scheduleResync re-runs discovery for serverID after a list-changed
// notification. Concurrent notifications coalesce into one round.
func (m *Manager) scheduleResync(serverID, trigger string) {
	m.mu.Lock()
	st, ok := m.states[serverID]
	if !ok || st.session == nil || st.syncing {
		m.mu.Unlock()
		return
	}
	st.syncing = true
	session := st.session
	gen := st.gen
	m.mu.Unlock()

	go func() {
		defer func() {
			m.mu.Lock()
			st.syncing = false
			m.mu.Unlock()
		}()

		syncCtx, cancel := context.WithTimeout(m.rootCtx, m.opts.SyncTimeout)
		set, err := session.Discover(syncCtx)
		cancel()
		if err != nil {
			m.log.Warn("capability resync failed",
				zap.String("server_id", serverID),
				zap.String("trigger", trigger),
				zap.Error(err),
			)
			return
		}

		m.mu.RLock()
		stale := st.gen != gen
		m.mu.RUnlock()
		if stale {
			return
		}

		removed, added := m.registry.Ingest(serverID, set)
		m.log.Debug("capabilities resynced",
			zap.String("server_id", serverID),
			zap.String("trigger", trigger),
			zap.Int("added", len(added)),
			zap.Int("removed", len(removed)),
		)
		m.notifySync(serverID, removed, added)
	}()
}

// Disconnect tears down the server's session but keeps its configuration, so
// a later Connect or Reconnect can revive it. Teardown order is fixed: the
// adapter closes first, then the session is removed, then the registry
// entries drop, so no invocation routes to a half-closed session.
func (m *Manager) Disconnect(ctx context.Context, serverID string) error {
	m.mu.Lock()
	st, ok := m.states[serverID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownServer, serverID)
	}
	st.gen++
	session := st.session
	m.stopBackground(st)
	m.mu.Unlock()

	if session != nil {
		if err := closeSession(ctx, session); err != nil {
			m.log.Debug("session close", zap.String("server_id", serverID), zap.Error(err))
		}
	}

	m.mu.Lock()
	st.session = nil
	st.status = StatusInactive
	st.lastErr = nil
	st.lastErrKind = ""
	st.attempt = 0
	m.mu.Unlock()

	removed := m.registry.Drop(serverID)
	m.log.Info("server disconnected", zap.String("server_id", serverID))
	m.emit(newEvent(EventServerDisconnected, serverID, nil))
	m.notifySync(serverID, removed, nil)
	return nil
}

// Remove disconnects the server and forgets its configuration.
func (m *Manager) Remove(ctx context.Context, serverID string) error {
	if err := m.Disconnect(ctx, serverID); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.states, serverID)
	m.mu.Unlock()
	m.hookMu.Lock()
	delete(m.serverElicit, serverID)
	m.hookMu.Unlock()
	return nil
}

// Reconnect forces a fresh session for the server: any live session is torn
// down first, then a single connect attempt runs with the stored
// configuration.
func (m *Manager) Reconnect(ctx context.Context, serverID string) error {
	m.mu.RLock()
	st, ok := m.states[serverID]
	var cfg ServerConfig
	if ok {
		cfg = st.config
	}
	m.mu.RUnlock()
	if !ok || cfg == nil {
		return fmt.Errorf("%w: %s", ErrUnknownServer, serverID)
	}
	if err := m.Disconnect(ctx, serverID); err != nil {
		return err
	}
	return m.Connect(ctx, serverID, nil)
}

// GetSession returns the live session for serverID, when one exists.
func (m *Manager) GetSession(serverID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[serverID]
	if !ok || st.session == nil {
		return nil, false
	}
	return st.session, true
}

// ListServers returns the configured server IDs in sorted order.
func (m *Manager) ListServers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.states))
	for id := range m.states {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Health reports the current snapshot for one server.
func (m *Manager) Health(serverID string) (ServerHealth, error) {
	m.mu.RLock()
	st, ok := m.states[serverID]
	if !ok {
		m.mu.RUnlock()
		return ServerHealth{}, fmt.Errorf("%w: %s", ErrUnknownServer, serverID)
	}
	health := m.healthLocked(serverID, st)
	m.mu.RUnlock()
	health.Capabilities = m.registry.CountByServer()[serverID]
	return health, nil
}

// ListHealth reports snapshots for every configured server, sorted by ID.
func (m *Manager) ListHealth() []ServerHealth {
	m.mu.RLock()
	out := make([]ServerHealth, 0, len(m.states))
	for id, st := range m.states {
		out = append(out, m.healthLocked(id, st))
	}
	m.mu.RUnlock()

	counts := m.registry.CountByServer()
	for i := range out {
		out[i].Capabilities = counts[out[i].ServerID]
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServerID < out[j].ServerID })
	return out
}

func (m *Manager) healthLocked(serverID string, st *serverState) ServerHealth {
	health := ServerHealth{
		ServerID:         serverID,
		Status:           st.status,
		Transport:        TransportOf(st.config),
		ReconnectAttempt: st.attempt,
	}
	if st.config != nil {
		health.Name = st.config.base().Name
		if health.Name == "" {
			health.Name = serverID
		}
	}
	if st.lastErr != nil {
		health.LastError = st.lastErr.Error()
		health.LastErrorKind = st.lastErrKind
	}
	if st.session != nil {
		health.SessionID = st.session.ID()
		health.ConnectedAt = st.session.ConnectedAt()
		health.LastContact = st.session.LastContact()
		health.ProtocolVersion = st.session.ProtocolVersion()
		health.ServerInfo = st.session.ServerInfo()
	}
	return health
}

// Invoke calls the tool published under the namespaced key. The server must
// be active: invocations never wait for an in-flight reconnect.
func (m *Manager) Invoke(ctx context.Context, key string, args any, timeout time.Duration) (*mcp.CallToolResult, error) {
	ctx, span := startInvokeSpan(ctx, key)
	defer span.End()
	entry, session, err := m.route(key, KindTool)
	if err != nil {
		return nil, recordSpanError(span, err)
	}
	span.SetAttributes(attribute.String("gateway.server_id", entry.ServerID))
	params := &mcp.CallToolParams{Name: entry.Name, Arguments: args}
	res, err := session.CallTool(ctx, params, timeout)
	if err != nil {
		return nil, recordSpanError(span, err)
	}
	return res, nil
}

// InvokeParams calls a tool with fully caller-controlled parameters. The
// params name must be the namespaced key; it is rewritten to the upstream
// raw name before dispatch.
func (m *Manager) InvokeParams(ctx context.Context, params *mcp.CallToolParams, timeout time.Duration) (*mcp.CallToolResult, error) {
	if params == nil {
		return nil, fmt.Errorf("%w: missing tool name", ErrUnknownCapability)
	}
	ctx, span := startInvokeSpan(ctx, params.Name)
	defer span.End()
	entry, session, err := m.route(params.Name, KindTool)
	if err != nil {
		return nil, recordSpanError(span, err)
	}
	span.SetAttributes(attribute.String("gateway.server_id", entry.ServerID))
	forwarded := *params
	forwarded.Name = entry.Name
	res, err := session.CallTool(ctx, &forwarded, timeout)
	if err != nil {
		return nil, recordSpanError(span, err)
	}
	return res, nil
}

func startInvokeSpan(ctx context.Context, key string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "gateway.invoke", trace.WithAttributes(
		attribute.String("gateway.capability", key),
	))
}

func recordSpanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// ReadResource reads the resource published under the namespaced key.
func (m *Manager) ReadResource(ctx context.Context, key string, timeout time.Duration) (*mcp.ReadResourceResult, error) {
	entry, session, err := m.route(key, KindResource)
	if err != nil {
		return nil, err
	}
	return session.ReadResource(ctx, entry.Name, timeout)
}

// ReadResourceFrom reads a resource from a specific server by its upstream
// URI. Resource-template expansions route here, since an expanded URI has no
// exact registry entry.
func (m *Manager) ReadResourceFrom(ctx context.Context, serverID, nativeURI string, timeout time.Duration) (*mcp.ReadResourceResult, error) {
	m.mu.RLock()
	closed := m.closed
	st, known := m.states[serverID]
	var session *Session
	var status ServerStatus
	if known {
		session = st.session
		status = st.status
	}
	m.mu.RUnlock()
	if closed {
		return nil, ErrManagerClosed
	}
	if !known {
		return nil, fmt.Errorf("%w: %s", ErrUnknownServer, serverID)
	}
	if session == nil || status != StatusActive {
		return nil, newError(ErrKindTransportLost, serverID, "resources/read", fmt.Errorf("%w (%s)", ErrServerNotActive, status))
	}
	return session.ReadResource(ctx, nativeURI, timeout)
}

// GetPrompt renders the prompt published under the namespaced key.
func (m *Manager) GetPrompt(ctx context.Context, key string, args map[string]string, timeout time.Duration) (*mcp.GetPromptResult, error) {
	entry, session, err := m.route(key, KindPrompt)
	if err != nil {
		return nil, err
	}
	return session.GetPrompt(ctx, entry.Name, args, timeout)
}

// SubscribeResource subscribes to update notifications for the resource
// published under the namespaced key.
func (m *Manager) SubscribeResource(ctx context.Context, key string, timeout time.Duration) error {
	entry, session, err := m.route(key, KindResource)
	if err != nil {
		return err
	}
	return session.Subscribe(ctx, entry.Name, timeout)
}

// UnsubscribeResource removes a resource subscription.
func (m *Manager) UnsubscribeResource(ctx context.Context, key string, timeout time.Duration) error {
	entry, session, err := m.route(key, KindResource)
	if err != nil {
		return err
	}
	return session.Unsubscribe(ctx, entry.Name, timeout)
}

// Ping probes the server's session directly, bypassing the registry.
func (m *Manager) Ping(ctx context.Context, serverID string, timeout time.Duration) error {
	m.mu.RLock()
	st, ok := m.states[serverID]
	var session *Session
	if ok {
		session = st.session
	}
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownServer, serverID)
	}
	if session == nil {
		return newError(ErrKindTransportLost, serverID, "ping", ErrServerNotActive)
	}
	return session.Ping(ctx, timeout)
}

// route resolves a namespaced key to its registry entry and live session.
// Keys for known-but-inactive servers fail fast with the server's state
// folded into the error kind, so callers can distinguish "gone" from "never
// existed".
func (m *Manager) route(key string, kind CapabilityKind) (*NamespacedCapability, *Session, error) {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, nil, ErrManagerClosed
	}

	var entry *NamespacedCapability
	var ok bool
	if kind == "" {
		entry, ok = m.registry.Resolve(key)
	} else {
		entry, ok = m.registry.ResolveKind(key, kind)
		// Template reads route like plain resources.
		if !ok && kind == KindResource {
			entry, ok = m.registry.ResolveKind(key, KindResourceTemplate)
		}
	}
	if !ok {
		// The key may name a server whose entries were dropped on session
		// loss. Surface that as a routing failure rather than an unknown key.
		if serverID, _, split := m.opts.Namespace.Split(key); split {
			m.mu.RLock()
			st, known := m.states[serverID]
			var status ServerStatus
			if known {
				status = st.status
			}
			m.mu.RUnlock()
			if known && status != StatusActive {
				return nil, nil, newError(ErrKindTransportLost, serverID, "route", fmt.Errorf("%w (%s)", ErrServerNotActive, status))
			}
		}
		if other, published := m.registry.Resolve(key); published {
			return nil, nil, fmt.Errorf("%w: %s is a %s", ErrUnknownCapability, key, other.Kind)
		}
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownCapability, key)
	}

	m.mu.RLock()
	st, known := m.states[entry.ServerID]
	var session *Session
	var status ServerStatus
	if known {
		session = st.session
		status = st.status
	}
	m.mu.RUnlock()
	if !known {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownServer, entry.ServerID)
	}
	if session == nil || status != StatusActive {
		return nil, nil, newError(ErrKindTransportLost, entry.ServerID, "route", fmt.Errorf("%w (%s)", ErrServerNotActive, status))
	}
	return entry, session, nil
}

// Close tears down every session and stops all background work. The manager
// cannot be reused afterwards.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	ids := make([]string, 0, len(m.states))
	sessions := make([]*Session, 0, len(m.states))
	for id, st := range m.states {
		st.gen++
		m.stopBackground(st)
		if st.session != nil {
			sessions = append(sessions, st.session)
			st.session = nil
		}
		st.status = StatusInactive
		ids = append(ids, id)
	}
	m.mu.Unlock()
	m.cancel()

	for _, session := range sessions {
		_ = session.Close()
	}
	for _, id := range ids {
		removed := m.registry.Drop(id)
		m.emit(newEvent(EventServerDisconnected, id, nil))
		m.notifySync(id, removed, nil)
	}
	m.log.Info("manager closed", zap.Int("servers", len(ids)))
	return nil
}

// stopBackground cancels the retry loop and health prober for a state. The
// caller holds m.mu.
func (m *Manager) stopBackground(st *serverState) {
	if st.cancelRetry != nil {
		st.cancelRetry()
		st.cancelRetry = nil
	}
	if st.cancelHealth != nil {
		st.cancelHealth()
		st.cancelHealth = nil
	}
}

func (m *Manager) emit(ev Event) {
	m.hookMu.RLock()
	handlers := append([]EventHandler{}, m.eventHandlers...)
	m.hookMu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
}

// notifySync fans a registry diff out to sync handlers and emits the synced
// event. Empty diffs are suppressed.
func (m *Manager) notifySync(serverID string, removed []CapabilityRef, added []*NamespacedCapability) {
	if len(removed) == 0 && len(added) == 0 {
		return
	}
	m.hookMu.RLock()
	handlers := append([]SyncHandler{}, m.syncHandlers...)
	m.hookMu.RUnlock()
	for _, h := range handlers {
		h(serverID, removed, added)
	}
	m.emit(newEvent(EventCapabilitiesSynced, serverID, map[string]any{
		"added":   len(added),
		"removed": len(removed),
	}))
}

// closeSession bounds session.Close with the caller's context.
func closeSession(ctx context.Context, session *Session) error {
	if ctx == nil {
		ctx = context.Background()
	}
	done := make(chan struct{})
	var closeErr error
	go func() {
		closeErr = session.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return closeErr
	}
}
