// Package mcpserver is the MCP boundary: a JSON-RPC 2.0 server speaking
// over stdio, exposing search_memory, compact_context, create_memory,
// update_memory, read_memory and rebuild_index over the same core engines
// internal/api exposes over HTTP.
//
// The protocol loop is a buffered stdin scanner reading one JSON-RPC
// object per line, a mutex-guarded stdout writer, and an
// initialize/tools-list/tools-call dispatch.
package mcpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/hyphamind/hyphamind/internal/consolidate"
	"github.com/hyphamind/hyphamind/internal/flushtracker"
	"github.com/hyphamind/hyphamind/internal/guard"
	"github.com/hyphamind/hyphamind/internal/indexworker"
	"github.com/hyphamind/hyphamind/internal/logging"
	"github.com/hyphamind/hyphamind/internal/memnode"
	"github.com/hyphamind/hyphamind/internal/observability"
	"github.com/hyphamind/hyphamind/internal/retrieval"
	"github.com/hyphamind/hyphamind/internal/sessioncache"
	"github.com/hyphamind/hyphamind/internal/vitality"
	"github.com/hyphamind/hyphamind/internal/writelane"
)

const serverVersion = "0.1.0"

// Deps bundles every collaborator the MCP boundary dispatches into,
// mirroring internal/api.Deps so both boundaries wire identically from
// cmd/hyphamind.
type Deps struct {
	Mem          *memnode.Engine
	Guard        *guard.Engine
	Retrieval    *retrieval.Engine
	Vitality     *vitality.Engine
	Worker       *indexworker.Worker
	Consolidator *consolidate.Consolidator
	Observability *observability.Recorder
	Lanes        *writelane.Coordinator
	Sessions     *sessioncache.Cache
	Flush        *flushtracker.Tracker
	// Gister backs on-demand compact_context generation when no cached gist
	// exists. The same instance passed to consolidate.New; may be nil, in
	// which case compact_context falls back to an extractive gist.
	Gister consolidate.Gister
}

// Server is the stdio JSON-RPC MCP boundary.
type Server struct {
	mem          *memnode.Engine
	guard        *guard.Engine
	retrieval    *retrieval.Engine
	vit          *vitality.Engine
	worker       *indexworker.Worker
	consolidator *consolidate.Consolidator
	obs          *observability.Recorder
	lanes        *writelane.Coordinator
	sessions     *sessioncache.Cache
	flush        *flushtracker.Tracker
	gister       consolidate.Gister

	log *logging.Logger

	stdin  io.Reader
	stdout io.Writer

	mu          sync.Mutex
	initialized bool
}

// NewServer builds an MCP server over the given collaborators.
func NewServer(d Deps) *Server {
	return &Server{
		mem:          d.Mem,
		guard:        d.Guard,
		retrieval:    d.Retrieval,
		vit:          d.Vitality,
		worker:       d.Worker,
		consolidator: d.Consolidator,
		obs:          d.Observability,
		lanes:        d.Lanes,
		sessions:     d.Sessions,
		flush:        d.Flush,
		gister:       d.Gister,
		log:          logging.GetLogger("mcpserver"),
		stdin:        os.Stdin,
		stdout:       os.Stdout,
	}
}

// Run reads one JSON-RPC request per line from stdin until ctx is
// cancelled or stdin is closed.
func (s *Server) Run(ctx context.Context) error {
	s.log.Info("starting mcp server main loop")
	scanner := bufio.NewScanner(s.stdin)
	scanner.Buffer(make([]byte, 1024*1024), 10*1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			s.log.Info("context cancelled, shutting down")
			return ctx.Err()
		default:
		}

		line := scanner.Text()
		if line == "" {
			continue
		}

		resp := s.handleRequest(ctx, line)
		if resp != nil {
			s.sendResponse(resp)
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("mcp scanner error: %w", err)
	}
	s.log.Info("mcp server shutdown complete")
	return nil
}

func (s *Server) handleRequest(ctx context.Context, line string) *Response {
	var req Request
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		return &Response{JSONRPC: "2.0", Error: &RPCError{Code: ParseError, Message: "Parse error", Data: err.Error()}}
	}
	if req.JSONRPC != "2.0" {
		return &Response{JSONRPC: "2.0", ID: req.ID, Error: &RPCError{Code: InvalidRequest, Message: "Invalid Request", Data: "jsonrpc must be '2.0'"}}
	}

	switch req.Method {
	case "initialize":
		return s.handleInitialize(req)
	case "initialized":
		return nil
	case "tools/list":
		return &Response{JSONRPC: "2.0", ID: req.ID, Result: ToolsListResult{Tools: toolDefinitions()}}
	case "tools/call":
		return s.handleToolsCall(ctx, req)
	case "ping":
		return &Response{JSONRPC: "2.0", ID: req.ID, Result: map[string]interface{}{}}
	default:
		return &Response{JSONRPC: "2.0", ID: req.ID, Error: &RPCError{Code: MethodNotFound, Message: "Method not found", Data: req.Method}}
	}
}

func (s *Server) handleInitialize(req Request) *Response {
	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()

	return &Response{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: InitializeResult{
			ProtocolVersion: ProtocolVersion,
			Capabilities:    ServerCapabilities{Tools: &ToolsCapability{ListChanged: false}},
			ServerInfo: ServerInfo{
				Name:        ServerName,
				Version:     serverVersion,
				Description: "Hierarchical memory store with write-admission control and tiered retrieval",
			},
		},
	}
}

func (s *Server) handleToolsCall(ctx context.Context, req Request) *Response {
	var params CallToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return &Response{JSONRPC: "2.0", ID: req.ID, Error: &RPCError{Code: InvalidParams, Message: "Invalid params", Data: err.Error()}}
	}

	start := time.Now()
	result := s.callTool(ctx, params.Name, params.Arguments)
	s.log.Debug("tool call complete", "tool", params.Name, "duration_ms", time.Since(start).Seconds()*1000, "is_error", result.IsError)

	return &Response{JSONRPC: "2.0", ID: req.ID, Result: result}
}

func (s *Server) callTool(ctx context.Context, name string, args map[string]interface{}) CallToolResult {
	switch name {
	case "search_memory":
		return s.handleSearchMemory(ctx, args)
	case "compact_context":
		return s.handleCompactContext(ctx, args)
	case "create_memory":
		return s.handleCreateMemory(ctx, args)
	case "update_memory":
		return s.handleUpdateMemory(ctx, args)
	case "read_memory":
		return s.handleReadMemory(args)
	case "rebuild_index":
		return s.handleRebuildIndex(args)
	default:
		return errorResult(fmt.Sprintf("unknown tool: %s", name))
	}
}

func (s *Server) sendResponse(resp *Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := json.Marshal(resp)
	if err != nil {
		s.log.Error("failed to marshal response", "err", err)
		return
	}
	fmt.Fprintln(s.stdout, string(data))
}

// decodeArgs re-marshals the loosely-typed arguments map into a concrete
// params struct via a round trip through JSON.
func decodeArgs(args map[string]interface{}, dst interface{}) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}
