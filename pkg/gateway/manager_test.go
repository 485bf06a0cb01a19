package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

func TestManagerConnectDiscoverInvoke(t *testing.T) {
	t.Parallel()

	up := newTestUpstream("demo")
	ts := up.serve(t)
	m := newTestManager(t, quietOptions())
	ctx := context.Background()

	if err := m.Connect(ctx, "up", httpConfig(ts)); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	servers := m.ListServers()
	if len(servers) != 1 || servers[0] != "up" {
		t.Fatalf("ListServers() = %v, expected [up]", servers)
	}

	health, err := m.Health("up")
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if health.Status != StatusActive {
		t.Fatalf("status = %s, expected active", health.Status)
	}
	if health.Transport != TransportHTTP {
		t.Fatalf("transport = %s, expected http", health.Transport)
	}
	if health.SessionID == "" {
		t.Fatalf("expected a session ID in health snapshot")
	}
	if health.Capabilities != 5 {
		t.Fatalf("capabilities = %d, expected 5", health.Capabilities)
	}

	for _, key := range []string{"up:echo", "up:sleep", "up:greet", "up:demo://readme", "up:demo://notes/{id}"} {
		if _, ok := m.Registry().Resolve(key); !ok {
			t.Fatalf("registry missing %s", key)
		}
	}

	res, err := m.Invoke(ctx, "up:echo", map[string]any{"text": "ping"}, 0)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if got := textOf(t, res); got != "ping" {
		t.Fatalf("echo returned %q, expected %q", got, "ping")
	}

	prompt, err := m.GetPrompt(ctx, "up:greet", map[string]string{"who": "gopher"}, 0)
	if err != nil {
		t.Fatalf("GetPrompt: %v", err)
	}
	if len(prompt.Messages) != 1 {
		t.Fatalf("expected one prompt message, got %d", len(prompt.Messages))
	}
	if tc, ok := prompt.Messages[0].Content.(*mcp.TextContent); !ok || tc.Text != "hello gopher" {
		t.Fatalf("prompt content = %#v, expected hello gopher", prompt.Messages[0].Content)
	}

	doc, err := m.ReadResource(ctx, "up:demo://readme", 0)
	if err != nil {
		t.Fatalf("ReadResource: %v", err)
	}
	if len(doc.Contents) != 1 || doc.Contents[0].Text != "readme body" {
		t.Fatalf("resource contents = %#v", doc.Contents)
	}

	note, err := m.ReadResourceFrom(ctx, "up", "demo://notes/42", 0)
	if err != nil {
		t.Fatalf("ReadResourceFrom: %v", err)
	}
	if len(note.Contents) != 1 || note.Contents[0].Text != "note at demo://notes/42" {
		t.Fatalf("template contents = %#v", note.Contents)
	}

	if err := m.Ping(ctx, "up", 5*time.Second); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestManagerConnectValidation(t *testing.T) {
	t.Parallel()

	up := newTestUpstream("demo")
	ts := up.serve(t)
	m := newTestManager(t, quietOptions())
	ctx := context.Background()

	if err := m.Connect(ctx, "", httpConfig(ts)); err == nil {
		t.Fatalf("expected error for empty server ID")
	}
	if err := m.Connect(ctx, "bad id!", httpConfig(ts)); err == nil {
		t.Fatalf("expected error for invalid server ID")
	}
	if err := m.Connect(ctx, "up", &HTTPServerConfig{}); err == nil {
		t.Fatalf("expected error for missing endpoint")
	}
	if err := m.Connect(ctx, "up", &SubprocessServerConfig{}); err == nil {
		t.Fatalf("expected error for missing command")
	}
	if err := m.Connect(ctx, "unknown", nil); !errors.Is(err, ErrUnknownServer) {
		t.Fatalf("Connect(unknown, nil) = %v, expected ErrUnknownServer", err)
	}

	// A second Connect against a live session is a no-op.
	if err := m.Connect(ctx, "up", httpConfig(ts)); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := m.Connect(ctx, "up", nil); err != nil {
		t.Fatalf("Connect on active server = %v, expected nil", err)
	}
}

func TestManagerConcurrentConnectSharesSession(t *testing.T) {
	t.Parallel()

	up := newTestUpstream("demo")
	ts := up.serve(t)
	m := newTestManager(t, quietOptions())
	collector := &eventCollector{}
	m.OnEvent(collector.handle)

	cfg := httpConfig(ts)
	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = m.Connect(context.Background(), "up", cfg)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Connect #%d: %v", i, err)
		}
	}
	if got := collector.count(EventServerConnected); got != 1 {
		t.Fatalf("connected events = %d, expected exactly 1", got)
	}
	if _, ok := m.GetSession("up"); !ok {
		t.Fatalf("expected a live session after concurrent connects")
	}
}

func TestManagerDisconnectDropsCapabilities(t *testing.T) {
	t.Parallel()

	up := newTestUpstream("demo")
	ts := up.serve(t)
	m := newTestManager(t, quietOptions())
	ctx := context.Background()

	if err := m.Connect(ctx, "up", httpConfig(ts)); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := m.Disconnect(ctx, "up"); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	if got := len(m.Registry().List(ListFilter{})); got != 0 {
		t.Fatalf("registry still holds %d entries after disconnect", got)
	}
	health, err := m.Health("up")
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if health.Status != StatusInactive {
		t.Fatalf("status = %s, expected inactive", health.Status)
	}

	// The configuration is retained: the key still routes to the known
	// server and fails fast instead of reporting an unknown capability.
	_, err = m.Invoke(ctx, "up:echo", nil, 0)
	if !errors.Is(err, ErrServerNotActive) {
		t.Fatalf("Invoke after disconnect = %v, expected ErrServerNotActive", err)
	}
	if kind := ErrorKindOf(err); kind != ErrKindTransportLost {
		t.Fatalf("error kind = %s, expected transport_lost", kind)
	}
	if err := m.Ping(ctx, "up", time.Second); !errors.Is(err, ErrServerNotActive) {
		t.Fatalf("Ping after disconnect = %v, expected ErrServerNotActive", err)
	}

	// Remove forgets the server entirely.
	if err := m.Remove(ctx, "up"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := m.Health("up"); !errors.Is(err, ErrUnknownServer) {
		t.Fatalf("Health after remove = %v, expected ErrUnknownServer", err)
	}
	if _, err := m.Invoke(ctx, "up:echo", nil, 0); !errors.Is(err, ErrUnknownCapability) {
		t.Fatalf("Invoke after remove = %v, expected ErrUnknownCapability", err)
	}
}

func TestManagerRouteRejectsKindMismatch(t *testing.T) {
	t.Parallel()

	up := newTestUpstream("demo")
	ts := up.serve(t)
	m := newTestManager(t, quietOptions())
	ctx := context.Background()

	if err := m.Connect(ctx, "up", httpConfig(ts)); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if _, err := m.Invoke(ctx, "up:greet", nil, 0); !errors.Is(err, ErrUnknownCapability) {
		t.Fatalf("Invoke on a prompt key = %v, expected ErrUnknownCapability", err)
	}
	if _, err := m.GetPrompt(ctx, "up:echo", nil, 0); !errors.Is(err, ErrUnknownCapability) {
		t.Fatalf("GetPrompt on a tool key = %v, expected ErrUnknownCapability", err)
	}
	if _, err := m.Invoke(ctx, "up:absent", nil, 0); !errors.Is(err, ErrUnknownCapability) {
		t.Fatalf("Invoke on missing key = %v, expected ErrUnknownCapability", err)
	}
	if _, err := m.Invoke(ctx, "nope:missing", nil, 0); !errors.Is(err, ErrUnknownCapability) {
		t.Fatalf("Invoke on unknown server key = %v, expected ErrUnknownCapability", err)
	}
}

func TestManagerSessionLossFailsFast(t *testing.T) {
	t.Parallel()

	up := newTestUpstream("demo")
	ts := up.serve(t)
	m := newTestManager(t, quietOptions())
	ctx := context.Background()

	if err := m.Connect(ctx, "up", httpConfig(ts)); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	session, ok := m.GetSession("up")
	if !ok {
		t.Fatalf("expected live session")
	}
	_ = session.Close()

	waitFor(t, 5*time.Second, func() bool {
		return len(m.Registry().List(ListFilter{})) == 0
	}, "registry entries not dropped after session loss")

	health, err := m.Health("up")
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if health.Status != StatusError {
		t.Fatalf("status = %s, expected error with reconnect disabled", health.Status)
	}
	if health.LastErrorKind != ErrKindTransportLost {
		t.Fatalf("last error kind = %s, expected transport_lost", health.LastErrorKind)
	}

	_, err = m.Invoke(ctx, "up:echo", nil, 0)
	if !errors.Is(err, ErrServerNotActive) {
		t.Fatalf("Invoke after loss = %v, expected ErrServerNotActive", err)
	}
	if kind := ErrorKindOf(err); kind != ErrKindTransportLost {
		t.Fatalf("error kind = %s, expected transport_lost", kind)
	}

	// A manual Connect revives the parked server.
	if err := m.Connect(ctx, "up", nil); err != nil {
		t.Fatalf("Connect after loss: %v", err)
	}
	if res, err := m.Invoke(ctx, "up:echo", map[string]any{"text": "back"}, 0); err != nil {
		t.Fatalf("Invoke after revival: %v", err)
	} else if got := textOf(t, res); got != "back" {
		t.Fatalf("echo returned %q, expected %q", got, "back")
	}
}

func TestManagerSessionLossRecovers(t *testing.T) {
	t.Parallel()

	up := newTestUpstream("demo")
	ts := up.serve(t)
	opts := quietOptions()
	opts.Reconnect = ReconnectPolicy{
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     250 * time.Millisecond,
		MaxRetries:      20,
	}
	m := newTestManager(t, opts)
	ctx := context.Background()

	if err := m.Connect(ctx, "up", httpConfig(ts)); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	before, _ := m.GetSession("up")
	_ = before.Close()

	waitFor(t, 10*time.Second, func() bool {
		health, err := m.Health("up")
		return err == nil && health.Status == StatusActive
	}, "server did not reconnect after session loss")

	after, ok := m.GetSession("up")
	if !ok {
		t.Fatalf("expected live session after reconnect")
	}
	if after == before {
		t.Fatalf("expected a fresh session after reconnect")
	}
	if _, ok := m.Registry().Resolve("up:echo"); !ok {
		t.Fatalf("capabilities not republished after reconnect")
	}
	if res, err := m.Invoke(ctx, "up:echo", map[string]any{"text": "again"}, 0); err != nil {
		t.Fatalf("Invoke after reconnect: %v", err)
	} else if got := textOf(t, res); got != "again" {
		t.Fatalf("echo returned %q, expected %q", got, "again")
	}
}

func TestManagerRetryBudgetExhaustion(t *testing.T) {
	t.Parallel()

	up := newTestUpstream("demo")
	ts := up.serve(t)
	opts := quietOptions()
	opts.Reconnect = ReconnectPolicy{
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     50 * time.Millisecond,
		MaxRetries:      2,
	}
	m := newTestManager(t, opts)
	ctx := context.Background()

	if err := m.Connect(ctx, "up", httpConfig(ts)); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// Stop accepting dials before dropping the session so every retry fails.
	_ = ts.Listener.Close()
	session, _ := m.GetSession("up")
	_ = session.Close()

	waitFor(t, 10*time.Second, func() bool {
		health, err := m.Health("up")
		return err == nil && health.Status == StatusError
	}, "server did not park in error state after retry budget")

	health, err := m.Health("up")
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if health.ReconnectAttempt != 2 {
		t.Fatalf("reconnect attempts = %d, expected 2", health.ReconnectAttempt)
	}
	if !strings.Contains(health.LastError, "reconnect budget exhausted") {
		t.Fatalf("last error = %q, expected budget exhaustion", health.LastError)
	}

	_, err = m.Invoke(ctx, "up:echo", nil, 0)
	if !errors.Is(err, ErrServerNotActive) {
		t.Fatalf("Invoke after exhaustion = %v, expected ErrServerNotActive", err)
	}
}

func TestManagerAuthRejectedClassification(t *testing.T) {
	t.Parallel()

	up := newTestUpstream("secure")
	inner := up.handler()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sesame" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		inner.ServeHTTP(w, r)
	}))
	t.Cleanup(ts.Close)

	m := newTestManager(t, quietOptions())
	ctx := context.Background()

	cfg := httpConfig(ts)
	err := m.Connect(ctx, "sec", cfg)
	if err == nil {
		t.Fatalf("expected connect to fail without credentials")
	}
	if kind := ErrorKindOf(err); kind != ErrKindAuth {
		t.Fatalf("error kind = %s, expected auth: %v", kind, err)
	}
	health, herr := m.Health("sec")
	if herr != nil {
		t.Fatalf("Health: %v", herr)
	}
	if health.Status != StatusError || health.LastErrorKind != ErrKindAuth {
		t.Fatalf("health = %+v, expected error/auth", health)
	}

	authed := httpConfig(ts)
	authed.Credential = &Credential{Token: "sesame"}
	if err := m.Connect(ctx, "sec", authed); err != nil {
		t.Fatalf("Connect with credential: %v", err)
	}
	if res, err := m.Invoke(ctx, "sec:echo", map[string]any{"text": "open"}, 0); err != nil {
		t.Fatalf("Invoke: %v", err)
	} else if got := textOf(t, res); got != "open" {
		t.Fatalf("echo returned %q, expected %q", got, "open")
	}
}

func TestManagerInvocationTimeoutIsolation(t *testing.T) {
	t.Parallel()

	up := newTestUpstream("demo")
	ts := up.serve(t)
	m := newTestManager(t, quietOptions())
	ctx := context.Background()

	if err := m.Connect(ctx, "up", httpConfig(ts)); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	_, err := m.Invoke(ctx, "up:sleep", map[string]any{"millis": 2000}, 80*time.Millisecond)
	if err == nil {
		t.Fatalf("expected slow call to time out")
	}
	if kind := ErrorKindOf(err); kind != ErrKindTimeout {
		t.Fatalf("error kind = %s, expected timeout: %v", kind, err)
	}

	// One slow capability must not poison the session.
	if res, err := m.Invoke(ctx, "up:echo", map[string]any{"text": "alive"}, 0); err != nil {
		t.Fatalf("Invoke after timeout: %v", err)
	} else if got := textOf(t, res); got != "alive" {
		t.Fatalf("echo returned %q, expected %q", got, "alive")
	}
	health, err := m.Health("up")
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if health.Status != StatusActive {
		t.Fatalf("status = %s, expected active after call timeout", health.Status)
	}
}

func TestManagerListChangedTriggersResync(t *testing.T) {
	t.Parallel()

	up := newTestUpstream("demo")
	ts := up.serve(t)
	m := newTestManager(t, quietOptions())
	ctx := context.Background()

	if err := m.Connect(ctx, "up", httpConfig(ts)); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	mcp.AddTool(up.server, &mcp.Tool{Name: "extra", Description: "appears later"},
		func(ctx context.Context, req *mcp.CallToolRequest, in echoArgs) (*mcp.CallToolResult, any, error) {
			return &mcp.CallToolResult{
				Content: []mcp.Content{&mcp.TextContent{Text: "extra"}},
			}, nil, nil
		})

	waitFor(t, 5*time.Second, func() bool {
		_, ok := m.Registry().Resolve("up:extra")
		return ok
	}, "new tool never appeared in the registry")

	up.server.RemoveTools("extra")

	waitFor(t, 5*time.Second, func() bool {
		_, ok := m.Registry().Resolve("up:extra")
		return !ok
	}, "removed tool never left the registry")

	if _, ok := m.Registry().Resolve("up:echo"); !ok {
		t.Fatalf("surviving tool dropped during resync")
	}
}

func TestManagerResourceSubscriptionRelay(t *testing.T) {
	t.Parallel()

	up := newTestUpstream("demo")
	ts := up.serve(t)
	m := newTestManager(t, quietOptions())
	ctx := context.Background()

	type update struct {
		serverID, key, nativeURI string
	}
	var mu sync.Mutex
	var updates []update
	m.OnResourceUpdated(func(serverID, key, nativeURI string) {
		mu.Lock()
		updates = append(updates, update{serverID, key, nativeURI})
		mu.Unlock()
	})

	if err := m.Connect(ctx, "up", httpConfig(ts)); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := m.SubscribeResource(ctx, "up:demo://readme", 0); err != nil {
		t.Fatalf("SubscribeResource: %v", err)
	}

	// The upstream sees the raw URI, not the namespaced key.
	subs := up.subscribedURIs()
	if len(subs) != 1 || subs[0] != "demo://readme" {
		t.Fatalf("upstream subscriptions = %v, expected [demo://readme]", subs)
	}

	if err := up.server.ResourceUpdated(ctx, &mcp.ResourceUpdatedNotificationParams{URI: "demo://readme"}); err != nil {
		t.Fatalf("ResourceUpdated: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(updates) > 0
	}, "resource update never reached the handler")

	mu.Lock()
	got := updates[0]
	mu.Unlock()
	if got.serverID != "up" || got.key != "up:demo://readme" || got.nativeURI != "demo://readme" {
		t.Fatalf("update = %+v, expected up / up:demo://readme / demo://readme", got)
	}

	if err := m.UnsubscribeResource(ctx, "up:demo://readme", 0); err != nil {
		t.Fatalf("UnsubscribeResource: %v", err)
	}
	unsubs := up.unsubscribedURIs()
	if len(unsubs) != 1 || unsubs[0] != "demo://readme" {
		t.Fatalf("upstream unsubscriptions = %v, expected [demo://readme]", unsubs)
	}
}

func TestManagerLifecycleEvents(t *testing.T) {
	t.Parallel()

	up := newTestUpstream("demo")
	ts := up.serve(t)
	m := newTestManager(t, quietOptions())
	collector := &eventCollector{}
	m.OnEvent(collector.handle)
	ctx := context.Background()

	if err := m.Connect(ctx, "up", httpConfig(ts)); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := m.Disconnect(ctx, "up"); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	if got := collector.count(EventServerConnected); got != 1 {
		t.Fatalf("connected events = %d, expected 1", got)
	}
	if got := collector.count(EventServerDisconnected); got != 1 {
		t.Fatalf("disconnected events = %d, expected 1", got)
	}
	if got := collector.count(EventCapabilitiesSynced); got != 2 {
		t.Fatalf("synced events = %d, expected 2 (publish and drop)", got)
	}

	collector.mu.Lock()
	for _, ev := range collector.events {
		if ev.ID == "" || ev.ServerID != "up" || ev.Timestamp.IsZero() {
			collector.mu.Unlock()
			t.Fatalf("malformed event: %+v", ev)
		}
	}
	first := collector.events[0]
	collector.mu.Unlock()
	if first.Type != EventServerConnected {
		t.Fatalf("first event = %s, expected server.connected", first.Type)
	}
	if first.Data["transport"] != "http" {
		t.Fatalf("connected event data = %v, expected transport http", first.Data)
	}
}

func TestManagerClose(t *testing.T) {
	t.Parallel()

	up := newTestUpstream("demo")
	ts := up.serve(t)
	m := NewManager(quietOptions())
	ctx := context.Background()

	if err := m.Connect(ctx, "up", httpConfig(ts)); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := m.Invoke(ctx, "up:echo", nil, 0); !errors.Is(err, ErrManagerClosed) {
		t.Fatalf("Invoke after close = %v, expected ErrManagerClosed", err)
	}
	if err := m.Connect(ctx, "up", httpConfig(ts)); !errors.Is(err, ErrManagerClosed) {
		t.Fatalf("Connect after close = %v, expected ErrManagerClosed", err)
	}
	if got := len(m.Registry().List(ListFilter{})); got != 0 {
		t.Fatalf("registry still holds %d entries after close", got)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close = %v, expected nil", err)
	}
}

func TestManagerSubprocessCommandMissing(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, quietOptions())
	cfg := &SubprocessServerConfig{
		BaseServerConfig: BaseServerConfig{Timeout: 5 * time.Second},
		Command:          "toolgate-test-no-such-binary",
	}
	err := m.Connect(context.Background(), "proc", cfg)
	if err == nil {
		t.Fatalf("expected connect to fail for a missing binary")
	}
	if kind := ErrorKindOf(err); kind != ErrKindConnect {
		t.Fatalf("error kind = %s, expected connect: %v", kind, err)
	}
	health, herr := m.Health("proc")
	if herr != nil {
		t.Fatalf("Health: %v", herr)
	}
	if health.Status != StatusError || health.LastErrorKind != ErrKindConnect {
		t.Fatalf("health = %+v, expected error/connect", health)
	}
}

func TestManagerReconnectMethod(t *testing.T) {
	t.Parallel()

	up := newTestUpstream("demo")
	ts := up.serve(t)
	m := newTestManager(t, quietOptions())
	ctx := context.Background()

	if _, ok := m.GetSession("up"); ok {
		t.Fatalf("unexpected session before connect")
	}
	if err := m.Reconnect(ctx, "up"); !errors.Is(err, ErrUnknownServer) {
		t.Fatalf("Reconnect unknown = %v, expected ErrUnknownServer", err)
	}

	if err := m.Connect(ctx, "up", httpConfig(ts)); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	before, _ := m.GetSession("up")

	if err := m.Reconnect(ctx, "up"); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	after, ok := m.GetSession("up")
	if !ok {
		t.Fatalf("expected live session after Reconnect")
	}
	if before == after {
		t.Fatalf("Reconnect reused the old session")
	}
	if _, ok := m.Registry().Resolve("up:echo"); !ok {
		t.Fatalf("capabilities missing after Reconnect")
	}
}

func TestManagerTwoServersIsolated(t *testing.T) {
	t.Parallel()

	upA := newTestUpstream("alpha")
	tsA := upA.serve(t)
	upB := newTestUpstream("beta")
	tsB := upB.serve(t)
	m := newTestManager(t, quietOptions())
	ctx := context.Background()

	if err := m.Connect(ctx, "a", httpConfig(tsA)); err != nil {
		t.Fatalf("Connect a: %v", err)
	}
	if err := m.Connect(ctx, "b", httpConfig(tsB)); err != nil {
		t.Fatalf("Connect b: %v", err)
	}

	// Same raw names on both servers stay distinct under their prefixes.
	for _, key := range []string{"a:echo", "b:echo"} {
		if _, ok := m.Registry().Resolve(key); !ok {
			t.Fatalf("registry missing %s", key)
		}
	}

	// Kill A's session; B must keep serving.
	sessionA, _ := m.GetSession("a")
	_ = sessionA.Close()

	waitFor(t, 5*time.Second, func() bool {
		health, err := m.Health("a")
		return err == nil && health.Status == StatusError
	}, "server a did not report the loss")

	if _, err := m.Invoke(ctx, "a:echo", nil, 0); !errors.Is(err, ErrServerNotActive) {
		t.Fatalf("Invoke a after loss = %v, expected ErrServerNotActive", err)
	}
	if res, err := m.Invoke(ctx, "b:echo", map[string]any{"text": "still here"}, 0); err != nil {
		t.Fatalf("Invoke b: %v", err)
	} else if got := textOf(t, res); got != "still here" {
		t.Fatalf("echo returned %q, expected %q", got, "still here")
	}
	healthB, err := m.Health("b")
	if err != nil {
		t.Fatalf("Health b: %v", err)
	}
	if healthB.Status != StatusActive {
		t.Fatalf("server b status = %s, expected active", healthB.Status)
	}
}

func TestDisconnectWinsOverInFlightConnect(t *testing.T) {
	t.Parallel()

	up := newTestUpstream("alpha")
	inner := up.handler()
	release := make(chan struct{})
	var gated atomic.Bool
	gated.Store(true)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Stall the handshake so Disconnect can land mid-attempt.
		if gated.CompareAndSwap(true, false) {
			select {
			case <-release:
			case <-r.Context().Done():
				return
			}
		}
		inner.ServeHTTP(w, r)
	}))
	t.Cleanup(ts.Close)

	m := newTestManager(t, quietOptions())
	ctx := context.Background()

	errCh := make(chan error, 1)
	go func() { errCh <- m.Connect(ctx, "up", httpConfig(ts)) }()

	waitFor(t, 5*time.Second, func() bool {
		h, err := m.Health("up")
		return err == nil && h.Status == StatusConnecting
	}, "connect attempt never reached the connecting state")

	if err := m.Disconnect(ctx, "up"); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	close(release)

	if err := <-errCh; err == nil {
		t.Fatalf("expected the stalled connect to fail after the disconnect")
	}

	h, err := m.Health("up")
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if h.Status == StatusActive || h.SessionID != "" {
		t.Fatalf("health = %+v, expected no live session after disconnect", h)
	}
	if _, ok := m.GetSession("up"); ok {
		t.Fatalf("session survived an explicit disconnect")
	}
	if got := len(m.Registry().List(ListFilter{})); got != 0 {
		t.Fatalf("registry holds %d entries after disconnect", got)
	}
}

func TestHealthReportsHandshakeMetadata(t *testing.T) {
	t.Parallel()

	up := newTestUpstream("alpha")
	ts := up.serve(t)
	m := newTestManager(t, quietOptions())

	if err := m.Connect(context.Background(), "up", httpConfig(ts)); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	h, err := m.Health("up")
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if h.ProtocolVersion == "" {
		t.Fatalf("health missing negotiated protocol version: %+v", h)
	}
	if h.ServerInfo == nil || h.ServerInfo.Name != "alpha" {
		t.Fatalf("server info = %+v, expected implementation named alpha", h.ServerInfo)
	}
}

func TestSubprocessServerIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	m := newTestManager(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	cfg := &SubprocessServerConfig{
		BaseServerConfig: BaseServerConfig{Timeout: 60 * time.Second},
		Command:          "npx",
		Args:             []string{"-y", "@modelcontextprotocol/server-everything"},
	}
	if err := m.Connect(ctx, "everything", cfg); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	entries := m.Registry().List(ListFilter{ServerID: "everything", Kind: KindTool})
	if len(entries) == 0 {
		t.Fatalf("expected tools from the everything server")
	}
	for _, entry := range entries {
		t.Logf("Tool: %s", entry.Key)
	}

	res, err := m.Invoke(ctx, "everything:echo", map[string]any{"message": "hello"}, 30*time.Second)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if got := textOf(t, res); !strings.Contains(got, "hello") {
		t.Fatalf("echo returned %q, expected it to contain %q", got, "hello")
	}
}
