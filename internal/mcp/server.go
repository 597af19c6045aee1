package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"proposal-workflow/backend/internal/auth"
	"proposal-workflow/backend/internal/services"
	"proposal-workflow/backend/internal/toolclient"
)

// Server exposes proposal transitions and tool operations as MCP tools. The
// caller's identity comes from the authenticated HTTP request.
type Server struct {
	mcpServer   *server.MCPServer
	transitions *services.TransitionService
	operations  *services.OperationService
}

func NewServer(transitions *services.TransitionService, operations *services.OperationService) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"Proposal Workflow",
			"1.0.0",
			server.WithToolCapabilities(true),
		),
		transitions: transitions,
		operations:  operations,
	}

	s.registerTools()
	return s
}

func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"list_transitions",
			mcp.WithDescription("List the transitions the caller may trigger on a proposal"),
			mcp.WithString("proposal_id", mcp.Required(), mcp.Description("The ID of the proposal")),
		),
		s.handleListTransitions,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"trigger_transition",
			mcp.WithDescription("Attempt a workflow transition on a proposal"),
			mcp.WithString("proposal_id", mcp.Required(), mcp.Description("The ID of the proposal")),
			mcp.WithString("transition", mcp.Required(), mcp.Description("The name of the transition")),
			mcp.WithObject("context", mcp.Description("Values exposed to tool input mappings as params")),
		),
		s.handleTriggerTransition,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"test_operation",
			mcp.WithDescription("Call a tool operation with ad hoc path, query, header and body parameters"),
			mcp.WithString("operation_id", mcp.Required(), mcp.Description("The id or operation_id of the operation")),
			mcp.WithObject("params", mcp.Description("Object with optional path, query, headers and body maps")),
		),
		s.handleTestOperation,
	)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleListTransitions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	proposalID, ok := args["proposal_id"].(string)
	if !ok || proposalID == "" {
		return mcp.NewToolResultError("Missing required parameter: proposal_id"), nil
	}

	actor, ok := auth.ActorFrom(ctx)
	if !ok {
		return mcp.NewToolResultError("No authenticated actor"), nil
	}

	available, err := s.transitions.AvailableTransitions(ctx, proposalID, actor.Roles)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list transitions: %v", err)), nil
	}
	return jsonResult(available)
}

func (s *Server) handleTriggerTransition(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	proposalID, ok := args["proposal_id"].(string)
	if !ok || proposalID == "" {
		return mcp.NewToolResultError("Missing required parameter: proposal_id"), nil
	}
	transition, ok := args["transition"].(string)
	if !ok || transition == "" {
		return mcp.NewToolResultError("Missing required parameter: transition"), nil
	}
	params, _ := args["context"].(map[string]interface{})

	actor, ok := auth.ActorFrom(ctx)
	if !ok {
		return mcp.NewToolResultError("No authenticated actor"), nil
	}

	res, err := s.transitions.Trigger(ctx, services.TriggerRequest{
		ProposalID: proposalID,
		Transition: transition,
		Actor:      actor.Email,
		ActorRoles: actor.Roles,
		Context:    params,
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to trigger transition: %v", err)), nil
	}
	result, err := jsonResult(res)
	if err == nil && !res.Success {
		result.IsError = true
	}
	return result, err
}

func (s *Server) handleTestOperation(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	operationID, ok := args["operation_id"].(string)
	if !ok || operationID == "" {
		return mcp.NewToolResultError("Missing required parameter: operation_id"), nil
	}

	var params toolclient.Params
	if raw, ok := args["params"]; ok && raw != nil {
		b, err := json.Marshal(raw)
		if err == nil {
			err = json.Unmarshal(b, &params)
		}
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Invalid params: %v", err)), nil
		}
	}

	res, err := s.operations.Test(ctx, operationID, params)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to test operation: %v", err)), nil
	}
	return jsonResult(res)
}

// MountHTTPHandlers serves the MCP SSE transport under /mcp. The actor
// resolved for the HTTP request is carried into tool calls.
func MountHTTPHandlers(mux *http.ServeMux, mcpServer *server.MCPServer) {
	sseServer := server.NewSSEServer(mcpServer,
		server.WithStaticBasePath("/mcp"),
		server.WithSSEContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			if actor, ok := auth.ActorFrom(r.Context()); ok {
				return auth.WithActor(ctx, actor)
			}
			return ctx
		}),
	)

	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			sseServer.ServeHTTP(w, r)
			return
		}
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})

	mux.HandleFunc("/mcp/sse", sseServer.ServeHTTP)
	mux.HandleFunc("/mcp/message", sseServer.ServeHTTP)
}
