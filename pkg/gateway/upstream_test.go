package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// testUpstream is an in-process capability server standing in for a real
// external MCP server. It exposes two tools, a prompt, a resource, and a
// resource template, and records subscribe traffic for assertions.
type testUpstream struct {
	server *mcp.Server

	mu           sync.Mutex
	subscribed   []string
	unsubscribed []string
}

type echoArgs struct {
	Text string `json:"text"`
}

type sleepArgs struct {
	Millis int `json:"millis"`
}

func newTestUpstream(name string) *testUpstream {
	u := &testUpstream{}
	u.server = mcp.NewServer(&mcp.Implementation{Name: name, Version: "0.0.1"}, &mcp.ServerOptions{
		SubscribeHandler: func(ctx context.Context, req *mcp.SubscribeRequest) error {
			u.mu.Lock()
			u.subscribed = append(u.subscribed, req.Params.URI)
			u.mu.Unlock()
			return nil
		},
		UnsubscribeHandler: func(ctx context.Context, req *mcp.UnsubscribeRequest) error {
			u.mu.Lock()
			u.unsubscribed = append(u.unsubscribed, req.Params.URI)
			u.mu.Unlock()
			return nil
		},
	})

	mcp.AddTool(u.server, &mcp.Tool{Name: "echo", Description: "returns the input text"},
		func(ctx context.Context, req *mcp.CallToolRequest, in echoArgs) (*mcp.CallToolResult, any, error) {
			return &mcp.CallToolResult{
				Content: []mcp.Content{&mcp.TextContent{Text: in.Text}},
			}, nil, nil
		})
	mcp.AddTool(u.server, &mcp.Tool{Name: "sleep", Description: "blocks for millis"},
		func(ctx context.Context, req *mcp.CallToolRequest, in sleepArgs) (*mcp.CallToolResult, any, error) {
			select {
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			case <-time.After(time.Duration(in.Millis) * time.Millisecond):
			}
			return &mcp.CallToolResult{
				Content: []mcp.Content{&mcp.TextContent{Text: "slept"}},
			}, nil, nil
		})

	u.server.AddPrompt(&mcp.Prompt{Name: "greet", Description: "greeting template"},
		func(ctx context.Context, req *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
			who := "world"
			if req.Params != nil && req.Params.Arguments["who"] != "" {
				who = req.Params.Arguments["who"]
			}
			return &mcp.GetPromptResult{Messages: []*mcp.PromptMessage{
				{Role: "user", Content: &mcp.TextContent{Text: "hello " + who}},
			}}, nil
		})

	u.server.AddResource(&mcp.Resource{URI: "demo://readme", Name: "readme", MIMEType: "text/plain"},
		func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
			return &mcp.ReadResourceResult{Contents: []*mcp.ResourceContents{
				{URI: req.Params.URI, MIMEType: "text/plain", Text: "readme body"},
			}}, nil
		})
	u.server.AddResourceTemplate(&mcp.ResourceTemplate{URITemplate: "demo://notes/{id}", Name: "note", MIMEType: "text/plain"},
		func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
			return &mcp.ReadResourceResult{Contents: []*mcp.ResourceContents{
				{URI: req.Params.URI, MIMEType: "text/plain", Text: "note at " + req.Params.URI},
			}}, nil
		})

	return u
}

func (u *testUpstream) handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return u.server }, nil)
}

// serve exposes the upstream over streamable HTTP for the duration of the
// test.
func (u *testUpstream) serve(t *testing.T) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(u.handler())
	t.Cleanup(ts.Close)
	return ts
}

func (u *testUpstream) subscribedURIs() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.subscribed...)
}

func (u *testUpstream) unsubscribedURIs() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.unsubscribed...)
}

func httpConfig(ts *httptest.Server) *HTTPServerConfig {
	return &HTTPServerConfig{
		BaseServerConfig: BaseServerConfig{Timeout: 10 * time.Second},
		Endpoint:         ts.URL,
		HTTPClient:       ts.Client(),
	}
}

// quietOptions keeps background machinery out of tests that do not exercise
// it: no reconnect loop, no health prober.
func quietOptions() *Options {
	return &Options{
		ConnectTimeout: 10 * time.Second,
		CallTimeout:    10 * time.Second,
		SyncTimeout:    10 * time.Second,
		Reconnect:      ReconnectPolicy{Disabled: true},
		Health:         HealthOptions{Disabled: true},
	}
}

func newTestManager(t *testing.T, opts *Options) *Manager {
	t.Helper()
	m := NewManager(opts)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func waitFor(t *testing.T, within time.Duration, cond func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf(format, args...)
}

// eventCollector records manager events for ordering assertions.
type eventCollector struct {
	mu     sync.Mutex
	events []Event
}

func (c *eventCollector) handle(ev Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *eventCollector) count(eventType EventType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ev := range c.events {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}

func (c *eventCollector) typesSeen() map[EventType]bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	seen := make(map[EventType]bool, len(c.events))
	for _, ev := range c.events {
		seen[ev.Type] = true
	}
	return seen
}

func textOf(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if res == nil || len(res.Content) == 0 {
		t.Fatalf("empty tool result: %#v", res)
	}
	tc, ok := res.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("expected text content, got %T", res.Content[0])
	}
	return tc.Text
}
