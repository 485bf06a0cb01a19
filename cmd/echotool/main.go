// Package main is a small stdio capability server used to exercise the
// gateway's subprocess transport end to end: it exposes an echo tool, a
// reverse tool, a greeting prompt, and one readable resource.
//
// Run it through a gateway server entry such as:
//
//	servers:
//	  - id: demo
//	    transport: subprocess
//	    command: echotool
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/relaystack/toolgate/internal/common/logger"
)

var (
	nameFlag     = flag.String("name", "echotool", "server name advertised during initialization")
	logLevelFlag = flag.String("log-level", "info", "log level (debug, info, warn, error)")
)

type echoArgs struct {
	Text string `json:"text"`
}

type reverseArgs struct {
	Text string `json:"text"`
}

func main() {
	flag.Parse()

	// Stdout carries the protocol; logs must go to stderr.
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      *logLevelFlag,
		Format:     "json",
		OutputPath: "stderr",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := mcp.NewServer(&mcp.Implementation{Name: *nameFlag, Version: "1.0.0"}, nil)

	mcp.AddTool(server, &mcp.Tool{Name: "echo", Description: "returns the input text unchanged"},
		func(ctx context.Context, req *mcp.CallToolRequest, in echoArgs) (*mcp.CallToolResult, any, error) {
			return &mcp.CallToolResult{
				Content: []mcp.Content{&mcp.TextContent{Text: in.Text}},
			}, nil, nil
		})

	mcp.AddTool(server, &mcp.Tool{Name: "reverse", Description: "returns the input text reversed"},
		func(ctx context.Context, req *mcp.CallToolRequest, in reverseArgs) (*mcp.CallToolResult, any, error) {
			runes := []rune(in.Text)
			for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
				runes[i], runes[j] = runes[j], runes[i]
			}
			return &mcp.CallToolResult{
				Content: []mcp.Content{&mcp.TextContent{Text: string(runes)}},
			}, nil, nil
		})

	server.AddPrompt(&mcp.Prompt{Name: "greet", Description: "greeting template"},
		func(ctx context.Context, req *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
			who := "world"
			if req.Params != nil && req.Params.Arguments["who"] != "" {
				who = req.Params.Arguments["who"]
			}
			return &mcp.GetPromptResult{Messages: []*mcp.PromptMessage{
				{Role: "user", Content: &mcp.TextContent{Text: "Say hello to " + who + "."}},
			}}, nil
		})

	server.AddResource(&mcp.Resource{URI: "echotool://env", Name: "env", MIMEType: "text/plain", Description: "names of environment variables visible to the process"},
		func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
			names := make([]string, 0, len(os.Environ()))
			for _, kv := range os.Environ() {
				name, _, _ := strings.Cut(kv, "=")
				names = append(names, name)
			}
			return &mcp.ReadResourceResult{Contents: []*mcp.ResourceContents{
				{URI: req.Params.URI, MIMEType: "text/plain", Text: strings.Join(names, "\n")},
			}}, nil
		})

	log.Info("echotool serving on stdio")
	if err := server.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
		log.Error("server stopped")
		os.Exit(1)
	}
}
