package api

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/minhngo/banthan/internal/chat"
	"github.com/minhngo/banthan/internal/gemini"
	"github.com/minhngo/banthan/internal/storage"
)

func newTestMCPDeps(t *testing.T, gen gemini.Generator) (MCPDeps, storage.Persona) {
	t.Helper()
	env := setup(t, gen)
	deps := MCPDeps{
		Store:        env.store,
		Orchestrator: chat.NewOrchestrator(env.store, gen, 0),
		UserID:       env.user.ID,
		DefaultModel: gemini.DefaultModel,
	}
	return deps, env.persona
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func TestMCPTool_ListPersonas(t *testing.T) {
	deps, p := newTestMCPDeps(t, &fakeGenerator{})
	handler := mcpListPersonas(deps)

	result, err := handler(context.Background(), makeCallToolRequest("list_personas", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %s", toolText(t, result))
	}

	var personas []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal([]byte(toolText(t, result)), &personas); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(personas) != 1 {
		t.Fatalf("expected 1 persona, got %d", len(personas))
	}
	if personas[0].ID != p.ID || personas[0].Name != "Mai" {
		t.Fatalf("unexpected persona: %+v", personas[0])
	}
}

func TestMCPTool_SendMessage(t *testing.T) {
	deps, p := newTestMCPDeps(t, &fakeGenerator{reply: "Chao ban!"})
	handler := mcpSendMessage(deps)

	req := makeCallToolRequest("send_message", map[string]interface{}{
		"persona_id": p.ID,
		"message":    "hello",
	})

	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %s", toolText(t, result))
	}
	if got := toolText(t, result); got != "Chao ban!" {
		t.Fatalf("reply = %q, want %q", got, "Chao ban!")
	}

	// The exchange must be persisted.
	count, err := deps.Store.CountMessages(p.ID)
	if err != nil {
		t.Fatalf("CountMessages: %v", err)
	}
	if count != 2 {
		t.Fatalf("stored messages = %d, want 2", count)
	}
}

func TestMCPTool_SendMessage_MissingArgs(t *testing.T) {
	deps, _ := newTestMCPDeps(t, &fakeGenerator{reply: "ok"})
	handler := mcpSendMessage(deps)

	result, err := handler(context.Background(), makeCallToolRequest("send_message", map[string]interface{}{
		"message": "hello",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error result without persona_id")
	}
}

func TestMCPTool_GetHistory(t *testing.T) {
	deps, p := newTestMCPDeps(t, &fakeGenerator{})
	for _, content := range []string{"first", "second"} {
		if _, err := deps.Store.AppendMessage(p.ID, storage.RoleUser, content, "", nil); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}
	handler := mcpGetHistory(deps)

	result, err := handler(context.Background(), makeCallToolRequest("get_history", map[string]interface{}{
		"persona_id": p.ID,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %s", toolText(t, result))
	}

	var msgs []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal([]byte(toolText(t, result)), &msgs); err != nil {
		t.Fatalf("failed to parse history: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Content != "first" || msgs[1].Content != "second" {
		t.Fatalf("history out of order: %+v", msgs)
	}
}

func TestMCPTool_GetHistory_UnknownPersona(t *testing.T) {
	deps, _ := newTestMCPDeps(t, &fakeGenerator{})
	handler := mcpGetHistory(deps)

	result, err := handler(context.Background(), makeCallToolRequest("get_history", map[string]interface{}{
		"persona_id": "no-such-persona",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error result for unknown persona")
	}
}

func TestMCPResource_Notifications(t *testing.T) {
	deps, p := newTestMCPDeps(t, &fakeGenerator{})
	if _, err := deps.Store.AddNotification(storage.Notification{
		UserID:   deps.UserID,
		Category: storage.CategorySuccess,
		Name:     p.Name,
		Message:  "auto message sent",
	}); err != nil {
		t.Fatalf("AddNotification: %v", err)
	}

	handler := mcpResourceNotifications(deps)
	contents, err := handler(context.Background(), mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{URI: "banthan://notifications"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("expected 1 content, got %d", len(contents))
	}

	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}
	var notifications []storage.Notification
	if err := json.Unmarshal([]byte(tc.Text), &notifications); err != nil {
		t.Fatalf("failed to parse notifications: %v", err)
	}
	if len(notifications) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(notifications))
	}
}
