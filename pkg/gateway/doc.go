// Package gateway connects a single Go process to many independently operated
// Model Context Protocol (MCP) servers and presents their tools, prompts, and
// resources behind one namespaced invocation surface. It layers per-server
// lifecycle tracking, capability discovery, health probing, and bounded
// reconnection on top of the modelcontextprotocol/go-sdk client so callers can
// route invocations by namespaced key instead of juggling raw MCP sessions.
//
// # Core entry points
//
//   - Manager is the long-lived orchestration type. Construct it with
//     NewManager, then call Connect / Disconnect / Reconnect to drive each
//     upstream server through its lifecycle.
//   - ServerConfig (and the HTTPServerConfig / SubprocessServerConfig
//     variants) declare how each upstream server is reached: streamable HTTP,
//     event-stream, or a locally spawned subprocess speaking stdio.
//   - Registry indexes every discovered capability under the key
//     "<server-id>:<raw-name>" so identically named capabilities on different
//     servers never collide.
//   - Frontend republishes the registry over a streamable MCP endpoint,
//     letting downstream MCP clients consume every upstream server through a
//     single connection.
//
// After a server is connected, use Invoke, ReadResource, and GetPrompt with
// namespaced keys to proxy requests to the owning server. Lifecycle
// transitions (connected, disconnected, reconnecting, error, capability
// syncs) are observable through Manager.OnEvent. Invocations against a server
// that is not active fail fast; they never wait for a reconnect attempt to
// finish.
package gateway
