// Package mcpserver exposes the retrieval operations as typed tools over
// stdio JSON-RPC for agent runtimes. It wraps the federated router and the
// feedback store; all ranking and fan-out behavior lives below it.
package mcpserver

import (
	"context"
	"log"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/joestump/runbookd/internal/config"
	"github.com/joestump/runbookd/internal/feedback"
	"github.com/joestump/runbookd/internal/router"
)

// Server holds the MCP server state.
type Server struct {
	router *router.Router
	store  *feedback.Store
}

// NewServer creates an MCP server backed by the given router and feedback
// store. The store may be nil when no state directory is configured.
func NewServer(r *router.Router, store *feedback.Store) *Server {
	return &Server{router: r, store: store}
}

// Run starts the MCP stdio server. It blocks until the context is
// cancelled or stdin is closed.
func Run(ctx context.Context, r *router.Router, store *feedback.Store) error {
	s := NewServer(r, store)

	mcpServer := server.NewMCPServer(
		"runbookd",
		config.Version,
		server.WithToolCapabilities(true),
	)

	mcpServer.AddTools(
		server.ServerTool{Tool: searchRunbooksTool(), Handler: s.handleSearchRunbooks},
		server.ServerTool{Tool: getDecisionTreeTool(), Handler: s.handleGetDecisionTree},
		server.ServerTool{Tool: getProcedureTool(), Handler: s.handleGetProcedure},
		server.ServerTool{Tool: getEscalationPathTool(), Handler: s.handleGetEscalationPath},
		server.ServerTool{Tool: listSourcesTool(), Handler: s.handleListSources},
		server.ServerTool{Tool: searchKnowledgeBaseTool(), Handler: s.handleSearchKnowledgeBase},
		server.ServerTool{Tool: recordResolutionFeedbackTool(), Handler: s.handleRecordResolutionFeedback},
	)

	stdio := server.NewStdioServer(mcpServer)
	stdio.SetErrorLogger(log.New(os.Stderr, "[mcp] ", log.LstdFlags))

	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}
