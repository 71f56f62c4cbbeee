package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/minhngo/banthan/internal/chat"
	"github.com/minhngo/banthan/internal/persona"
	"github.com/minhngo/banthan/internal/storage"
)

// MCPDeps holds dependencies for the MCP server. UserID selects the
// operator account the tools act as.
type MCPDeps struct {
	Store        *storage.Store
	Orchestrator *chat.Orchestrator
	UserID       string
	DefaultModel string
}

// NewMCPServer creates an MCP server exposing the persona-chat tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"banthan",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("banthan — persona-based conversational companion. Use the tools to list personas, send them messages, and read conversation history."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_personas",
			mcp.WithDescription("List the configured personas with their names, descriptions, and autonomous-message schedules."),
		),
		mcpListPersonas(deps),
	)

	s.AddTool(
		mcp.NewTool("send_message",
			mcp.WithDescription("Send a message to a persona and return its reply. The exchange is persisted to the persona's history."),
			mcp.WithString("persona_id", mcp.Description("ID of the persona to message"), mcp.Required()),
			mcp.WithString("message", mcp.Description("The message text"), mcp.Required()),
		),
		mcpSendMessage(deps),
	)

	s.AddTool(
		mcp.NewTool("get_history",
			mcp.WithDescription("Return recent messages from a persona's conversation history, oldest first."),
			mcp.WithString("persona_id", mcp.Description("ID of the persona"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of messages (default 20)")),
		),
		mcpGetHistory(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"banthan://notifications",
			"Notifications",
			mcp.WithResourceDescription("Recent autonomous-message notifications as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceNotifications(deps),
	)

	return s
}

func mcpListPersonas(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		personas, err := deps.Store.ListPersonas(deps.UserID)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list personas: %v", err)), nil
		}

		type personaSummary struct {
			ID               string   `json:"id"`
			Name             string   `json:"name"`
			Description      string   `json:"description,omitempty"`
			Language         string   `json:"language,omitempty"`
			AutoMessageTimes []string `json:"autoMessageTimes,omitempty"`
		}
		summaries := make([]personaSummary, len(personas))
		for i, p := range personas {
			summaries[i] = personaSummary{
				ID:               p.ID,
				Name:             p.Name,
				Description:      p.Description,
				Language:         p.Language,
				AutoMessageTimes: p.AutoMessageTimes,
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal personas: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpSendMessage(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		personaID, err := req.RequireString("persona_id")
		if err != nil {
			return mcpError("persona_id is required"), nil
		}
		message, err := req.RequireString("message")
		if err != nil {
			return mcpError("message is required"), nil
		}

		res, err := deps.Orchestrator.Complete(ctx, chat.TurnRequest{
			UserID:          deps.UserID,
			PersonaID:       personaID,
			Messages:        []persona.ChatMessage{{Role: storage.RoleUser, Content: message}},
			Model:           deps.DefaultModel,
			Temperature:     defaultTemperature,
			MaxOutputTokens: defaultMaxOutputTokens,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("turn failed: %v", err)), nil
		}
		return mcpText(res.Reply), nil
	}
}

func mcpGetHistory(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		personaID, err := req.RequireString("persona_id")
		if err != nil {
			return mcpError("persona_id is required"), nil
		}

		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		if limit > 200 {
			limit = 200
		}

		if _, err := deps.Store.PersonaByID(personaID, deps.UserID); err != nil {
			return mcpError(fmt.Sprintf("persona not found: %v", err)), nil
		}

		msgs, err := deps.Store.Messages(personaID, limit, time.Time{})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load history: %v", err)), nil
		}

		type messageSummary struct {
			ID        string `json:"id"`
			Role      string `json:"role"`
			Content   string `json:"content"`
			CreatedAt string `json:"createdAt"`
		}
		summaries := make([]messageSummary, len(msgs))
		for i, m := range msgs {
			summaries[i] = messageSummary{
				ID:        m.ID,
				Role:      m.Role,
				Content:   m.Content,
				CreatedAt: m.CreatedAt.Format(time.RFC3339),
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal history: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceNotifications(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		notifications, err := deps.Store.Notifications(deps.UserID)
		if err != nil {
			return nil, fmt.Errorf("failed to load notifications: %w", err)
		}
		if len(notifications) > 50 {
			notifications = notifications[:50]
		}

		b, err := json.Marshal(notifications)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal notifications: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
