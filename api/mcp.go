package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/telereply/kit"
	"github.com/hazyhaar/telereply/rule"
)

// RegisterMCP registers the engine's tools on an MCP server, sharing the
// same stores as the HTTP surface.
func (s *Server) RegisterMCP(srv *mcp.Server) {
	s.registerMatchTool(srv)
	s.registerTestRuleTool(srv)
	s.registerListRulesTool(srv)
	s.registerSessionStatusTool(srv)
	s.registerPendingTool(srv)
}

// inputSchema builds a JSON Schema object with type "object".
func inputSchema(properties map[string]any, required []string) map[string]any {
	sch := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		sch["required"] = required
	}
	return sch
}

// --- match_message ---

type mcpMatchRequest struct {
	AccountID string `json:"account_id"`
	matchRequest
}

func (s *Server) registerMatchTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "telereply_match_message",
		Description: "Dry-run an inbound message against an account's rules. Returns the matching rule and rendered response without committing stats.",
		InputSchema: inputSchema(map[string]any{
			"account_id": map[string]any{"type": "string", "description": "Account whose rules to evaluate"},
			"message":    map[string]any{"type": "string", "description": "Inbound message text"},
			"sender":     map[string]any{"type": "string", "description": "Sender display name"},
			"chatName":   map[string]any{"type": "string", "description": "Conversation title"},
			"isMention":  map[string]any{"type": "boolean"},
			"isPrivate":  map[string]any{"type": "boolean"},
			"isGroup":    map[string]any{"type": "boolean"},
		}, []string{"account_id", "message"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*mcpMatchRequest)
		msg, mctx := r.split()
		res := rule.Match(s.rules.List(r.AccountID), msg, mctx, time.Now(), nil)
		return matchResponse{Matched: res.Matched, Rule: res.Rule, Response: res.Response}, nil
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r mcpMatchRequest
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{
			Request: &r,
			EnrichCtx: func(ctx context.Context) context.Context {
				return kit.WithAccountID(ctx, r.AccountID)
			},
		}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

// --- test_rule ---

type mcpTestRuleRequest struct {
	RuleID string `json:"rule_id"`
	matchRequest
}

func (s *Server) registerTestRuleTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "telereply_test_rule",
		Description: "Evaluate a single rule's trigger against a sample message, ignoring limits and the enabled flag. Returns the rendered response on a trigger hit.",
		InputSchema: inputSchema(map[string]any{
			"rule_id":   map[string]any{"type": "string", "description": "Rule to test"},
			"message":   map[string]any{"type": "string", "description": "Sample message text"},
			"sender":    map[string]any{"type": "string", "description": "Sender display name"},
			"chatName":  map[string]any{"type": "string", "description": "Conversation title"},
			"isMention": map[string]any{"type": "boolean"},
			"isPrivate": map[string]any{"type": "boolean"},
			"isGroup":   map[string]any{"type": "boolean"},
		}, []string{"rule_id", "message"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*mcpTestRuleRequest)
		msg, mctx := r.split()
		res := s.rules.Test(r.RuleID, msg, mctx)
		return matchResponse{Matched: res.Matched, Rule: res.Rule, Response: res.Response}, nil
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r mcpTestRuleRequest
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

// --- list_rules ---

type mcpAccountRequest struct {
	AccountID string `json:"account_id"`
}

func (s *Server) registerListRulesTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "telereply_list_rules",
		Description: "List an account's auto-reply rules in priority order, including usage stats.",
		InputSchema: inputSchema(map[string]any{
			"account_id": map[string]any{"type": "string", "description": "Account to list rules for"},
		}, []string{"account_id"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*mcpAccountRequest)
		return s.rules.List(r.AccountID), nil
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r mcpAccountRequest
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

// --- session_status ---

type mcpStatusRequest struct {
	AccountID string `json:"account_id,omitempty"`
}

func (s *Server) registerSessionStatusTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "telereply_session_status",
		Description: "Report browser session states. With account_id, one session; without, all sessions.",
		InputSchema: inputSchema(map[string]any{
			"account_id": map[string]any{"type": "string", "description": "Optional account filter"},
		}, nil),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*mcpStatusRequest)
		if r.AccountID == "" {
			return s.sessions.Statuses(), nil
		}
		return s.sessions.Status(r.AccountID)
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r mcpStatusRequest
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
				return nil, err
			}
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

// --- pending ---

func (s *Server) registerPendingTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "telereply_pending_replies",
		Description: "List scheduled replies for an account that have not fired yet, with remaining delay.",
		InputSchema: inputSchema(map[string]any{
			"account_id": map[string]any{"type": "string", "description": "Account to inspect"},
		}, []string{"account_id"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*mcpAccountRequest)
		return s.sched.ListPending(r.AccountID), nil
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r mcpAccountRequest
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}
