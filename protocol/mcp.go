// Package protocol adapts the control plane's operation registry to the
// Model Context Protocol. Every registered operation becomes one MCP tool
// with a uniform envelope: user_id, agent_id, and an operation-specific
// args object.
package protocol

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"

	"github.com/memhive/memoryd/memerr"
	"github.com/memhive/memoryd/memory"
	"github.com/memhive/memoryd/ops"
)

// Adapter serves the operation registry over MCP.
type Adapter struct {
	registry *ops.Registry
	mcp      *server.MCPServer
	logger   zerolog.Logger
}

// NewAdapter builds the MCP server and registers one tool per operation.
func NewAdapter(registry *ops.Registry, version string, logger zerolog.Logger) *Adapter {
	a := &Adapter{
		registry: registry,
		logger:   logger.With().Str("component", "mcp_adapter").Logger(),
	}
	a.mcp = server.NewMCPServer("memoryd", version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)
	for _, name := range registry.Names() {
		a.addTool(name)
	}
	a.logger.Info().Int("tools", len(registry.Names())).Msg("mcp tools registered")
	return a
}

func (a *Adapter) addTool(name string) {
	tool := mcp.NewTool(name,
		mcp.WithDescription(describe(name)),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("Tenant the call acts for.")),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("Agent making the call.")),
		mcp.WithObject("args", mcp.Description("Operation-specific arguments.")),
	)
	a.mcp.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := request.RequireString("user_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		agentID, err := request.RequireString("agent_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		var args json.RawMessage
		if raw, ok := request.GetArguments()["args"]; ok && raw != nil {
			args, err = json.Marshal(raw)
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("unencodable args: %v", err)), nil
			}
		}
		req := memory.Requester{UserID: userID, AgentID: agentID}
		result, err := a.registry.Handle(ctx, name, req, args)
		if err != nil {
			// Error codes travel in-band so clients can branch on kind.
			payload, _ := json.Marshal(map[string]any{
				"code":  memerr.CodeOf(err),
				"error": err.Error(),
			})
			return mcp.NewToolResultError(string(payload)), nil
		}
		out, err := json.Marshal(result)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("unencodable result: %v", err)), nil
		}
		return mcp.NewToolResultText(string(out)), nil
	})
}

// ServeStdio blocks serving MCP over stdin/stdout.
func (a *Adapter) ServeStdio() error {
	a.logger.Info().Msg("serving mcp on stdio")
	return server.ServeStdio(a.mcp)
}

// ServeHTTP blocks serving MCP over streamable HTTP on addr.
func (a *Adapter) ServeHTTP(addr string) error {
	a.logger.Info().Str("addr", addr).Msg("serving mcp over http")
	httpServer := server.NewStreamableHTTPServer(a.mcp)
	return httpServer.Start(addr)
}

// describe gives each tool a one-line description; unknown names fall back
// to a generic line so new operations surface without adapter changes.
func describe(name string) string {
	if d, ok := toolDescriptions[name]; ok {
		return d
	}
	return "Invoke the " + name + " operation."
}

var toolDescriptions = map[string]string{
	"add_memory":                "Store a memory; near-duplicates merge into the existing record.",
	"add_observation":           "Store a memory with an explicit type and concept classification.",
	"get_memory":                "Fetch one memory by id, with the access reason.",
	"update_memory":             "Patch fields of an owned memory.",
	"delete_memory":             "Delete an owned memory; reversible through undo for the retention window.",
	"list_memories":             "Page through readable memories, newest first.",
	"get_memory_batch":          "Hydrate up to 100 memories by id; unreadable ids are omitted.",
	"search_memories":           "Rank memories against a query in hybrid, semantic or lexical mode.",
	"search_index":              "Lightweight index-card search: summaries only, no full text.",
	"get_timeline":              "Fetch a memory's chronological neighbors, or the day-grouped activity view.",
	"get_facets":                "Count memories by type, concept, language and most-touched files.",
	"search_by_type":            "Search constrained to the given memory types.",
	"search_by_concept":         "Search constrained to the given concepts.",
	"search_by_file":            "Search memories that touch a file path.",
	"cross_language_search":     "Search with cross-language affinity weighting; the query language is detected unless given.",
	"detect_language":           "Detect the language of a text snippet.",
	"get_supported_languages":   "List the supported language codes.",
	"set_memory_sharing":        "Change a memory's share policy and allowed agents.",
	"check_memory_access":       "Explain whether and why this agent may read a memory.",
	"get_shared_memories":       "List memories other agents shared with this one.",
	"create_shared_space":       "Create a named space whose members share assigned memories.",
	"update_space_members":      "Replace a shared space's member list.",
	"list_shared_spaces":        "List shared spaces this agent belongs to.",
	"assign_to_space":           "Assign an owned memory to a shared space.",
	"start_session":             "Open a work session to group subsequent memories.",
	"end_session":               "Close a session and summarize its memories.",
	"get_session_context":       "Fetch a session with its memories and touched files.",
	"list_recent_sessions":      "List recent sessions, optionally active only.",
	"set_memory_ttl":            "Set or clear a memory's expiry.",
	"expire_memories":           "Run the expiry pass over expired memories.",
	"archive_category":          "Archive every owned memory in a category.",
	"check_duplicate":           "Probe whether text would merge into an existing memory.",
	"auto_deduplicate":          "Run the dedup pass; dry_run plans without merging.",
	"summarize_old_memories":    "Run the summarization pass; dry_run plans without rewriting.",
	"summarize_category":        "Condense every owned memory in a category.",
	"undo":                      "Reverse a journaled operation within its undo window.",
	"list_undoable":             "List operations still inside their undo window.",
	"list_audit":                "List audit entries for this agent.",
	"publish_memory_event":      "Publish an event on the memory event bus.",
	"get_sync_status":           "Snapshot realtime subscriptions and loss counters.",
	"subscribe_memory_events":   "Open a bounded-queue subscription on a channel pattern.",
	"poll_memory_events":        "Drain queued events from a subscription.",
	"unsubscribe_memory_events": "Close a subscription.",
	"sync_agent_state":          "Grant another agent read access to matching memories.",
	"health":                    "Per-adapter and composite service health.",
	"get_stats":                 "Memory counts and worker schedule summary.",
	"get_performance_metrics":   "Process-level performance counters.",
	"get_slow_queries":          "Recent operations that exceeded the slow threshold.",
	"get_prometheus_metrics":    "Prometheus metrics in text exposition format.",
	"list_backups":              "List backup snapshots, newest first.",
	"create_backup":             "Snapshot the data directory with a checksum manifest.",
	"verify_backup":             "Recompute a backup's checksums.",
	"restore_backup":            "Replace live data with a verified backup.",
	"rollback_restore":          "Undo the most recent restore.",
	"list_tasks":                "List scheduled lifecycle workers.",
	"schedule_task":             "Run a lifecycle worker now, optionally as a dry run.",
	"approve_task":              "Apply a worker's pending dry-run plan.",
	"cancel_task":               "Pause or resume one worker's schedule.",
}
