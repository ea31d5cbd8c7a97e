package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/flowline-dev/flowline/internal/engine"
	"github.com/flowline-dev/flowline/internal/secrets"
	"github.com/flowline-dev/flowline/internal/store"
	"github.com/flowline-dev/flowline/internal/validation"
)

// FlowlineServerDeps holds the dependencies for creating a FlowlineServer.
type FlowlineServerDeps struct {
	Store      store.Store
	Lifecycle  *engine.Lifecycle
	Dispatcher *engine.TriggerDispatcher
	Validator  *validation.Validator
	Vault      secrets.Vault
	Logger     *slog.Logger
}

// FlowlineServer wraps an MCP server with flowline-specific tool handlers.
type FlowlineServer struct {
	store      store.Store
	lifecycle  *engine.Lifecycle
	dispatcher *engine.TriggerDispatcher
	validator  *validation.Validator
	vault      secrets.Vault
	logger     *slog.Logger
	mcpServer  *server.MCPServer
}

// NewFlowlineServer creates a FlowlineServer with all tools registered.
func NewFlowlineServer(deps FlowlineServerDeps) *FlowlineServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &FlowlineServer{
		store:      deps.Store,
		lifecycle:  deps.Lifecycle,
		dispatcher: deps.Dispatcher,
		validator:  deps.Validator,
		vault:      deps.Vault,
		logger:     logger,
	}

	mcpSrv := server.NewMCPServer(
		"flowline",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Flowline is a tenant-scoped workflow execution engine. Use flowline.define to register workflow definitions, flowline.execute to run a workflow manually, flowline.dispatch to fan out a trigger event, flowline.retry_step to re-run one step of a finished run, flowline.query to list workflows/runs/attempts/audit events, and flowline.stats for queue health."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *FlowlineServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *FlowlineServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *FlowlineServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: executeTool(), Handler: s.handleExecute},
		{Tool: dispatchTool(), Handler: s.handleDispatch},
		{Tool: retryStepTool(), Handler: s.handleRetryStep},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: statsTool(), Handler: s.handleStats},
		{Tool: secretTool(), Handler: s.handleSecret},
	}
}

// --- Tool definitions ---

func defineTool() mcp.Tool {
	return mcp.NewTool("flowline.define",
		mcp.WithDescription("Register or replace a workflow definition"),
		mcp.WithString("tenant_id", mcp.Required(), mcp.Description("Tenant owning the workflow")),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition object (logical_name, trigger, steps, max_attempts, is_enabled)")),
		mcp.WithString("actor_id", mcp.Required(), mcp.Description("ID of the defining principal")),
	)
}

func executeTool() mcp.Tool {
	return mcp.NewTool("flowline.execute",
		mcp.WithDescription("Execute a workflow manually and wait for its terminal state"),
		mcp.WithString("tenant_id", mcp.Required(), mcp.Description("Tenant owning the workflow")),
		mcp.WithString("workflow", mcp.Required(), mcp.Description("Logical name of the workflow to execute")),
		mcp.WithObject("payload", mcp.Description("Trigger payload for the run")),
		mcp.WithString("actor_id", mcp.Required(), mcp.Description("ID of the executing principal")),
	)
}

func dispatchTool() mcp.Tool {
	return mcp.NewTool("flowline.dispatch",
		mcp.WithDescription("Fan a trigger event out to every matching enabled workflow"),
		mcp.WithString("tenant_id", mcp.Required(), mcp.Description("Tenant the event belongs to")),
		mcp.WithString("trigger_type", mcp.Required(),
			mcp.Enum("record_created", "record_updated", "record_deleted", "schedule_tick"),
			mcp.Description("Kind of event being dispatched"),
		),
		mcp.WithString("entity", mcp.Description("Entity name (required for record_* triggers)")),
		mcp.WithString("schedule_key", mcp.Description("Schedule key (required for schedule_tick)")),
		mcp.WithObject("payload", mcp.Description("Event payload")),
	)
}

func retryStepTool() mcp.Tool {
	return mcp.NewTool("flowline.retry_step",
		mcp.WithDescription("Re-execute one step of a finished run as a fresh attempt"),
		mcp.WithString("tenant_id", mcp.Required(), mcp.Description("Tenant owning the run")),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the finished run")),
		mcp.WithString("step_path", mcp.Required(), mcp.Description("Dotted step path, e.g. \"0.then.1\"")),
		mcp.WithString("actor_id", mcp.Required(), mcp.Description("ID of the retrying principal")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("flowline.query",
		mcp.WithDescription("Query workflows, runs, run attempts, or audit events"),
		mcp.WithString("tenant_id", mcp.Required(), mcp.Description("Tenant to query")),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("workflows", "runs", "attempts", "audit"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (workflow, status, run_id, enabled_only, limit, offset)")),
	)
}

func secretTool() mcp.Tool {
	return mcp.NewTool("flowline.secret",
		mcp.WithDescription("Manage tenant secrets referenced by http_request headers (secret:KEY)"),
		mcp.WithString("tenant_id", mcp.Required(), mcp.Description("Tenant owning the secret")),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("set", "delete", "list"),
			mcp.Description("Operation to perform"),
		),
		mcp.WithString("key", mcp.Description("Secret key (required for set/delete)")),
		mcp.WithString("value", mcp.Description("Secret value (required for set; never echoed back)")),
	)
}

func statsTool() mcp.Tool {
	return mcp.NewTool("flowline.stats",
		mcp.WithDescription("Read job queue and worker health counters"),
		mcp.WithNumber("active_window_seconds", mcp.Description("Heartbeat freshness window for counting active workers (default 60)")),
		mcp.WithNumber("partition_count", mcp.Description("Restrict stats to one partition: total partitions")),
		mcp.WithNumber("partition_index", mcp.Description("Restrict stats to one partition: index")),
	)
}
