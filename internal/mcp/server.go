// Package mcpserver exposes the orchestrator to agents as MCP tools.
package mcpserver

import (
	"context"
	"fmt"
	"net/http"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"stepflow/internal/orchestrator"
)

// NewServer builds an MCP server with every stepflow tool registered.
func NewServer(f *orchestrator.Facade, version string) *mcpsdk.Server {
	server := mcpsdk.NewServer(
		&mcpsdk.Implementation{
			Name:    "stepflow",
			Version: version,
		},
		nil,
	)

	registerWorkflowTools(server, f)
	registerTaskTools(server, f)

	return server
}

// NewHTTPHandler serves the tools over the streamable HTTP transport.
func NewHTTPHandler(f *orchestrator.Facade, version string) http.Handler {
	server := NewServer(f, version)
	return mcpsdk.NewStreamableHTTPHandler(func(*http.Request) *mcpsdk.Server {
		return server
	}, nil)
}

// RunStdio serves the tools over stdin/stdout until ctx is done or the client disconnects.
func RunStdio(ctx context.Context, f *orchestrator.Facade, version string) error {
	return NewServer(f, version).Run(ctx, &mcpsdk.StdioTransport{})
}

// toolError prefixes err with its API code so agents can branch on it.
func toolError(err error) error {
	return fmt.Errorf("%s: %w", orchestrator.Code(err), err)
}
