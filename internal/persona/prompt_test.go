package persona

import (
	"strings"
	"testing"

	"github.com/minhngo/banthan/internal/storage"
)

func TestSystemInstructionRendersAllSections(t *testing.T) {
	p := storage.Persona{
		Name:        "Mai",
		Description: "a cheerful study buddy.",
		Tone:        "playful",
		Style:       "short sentences",
		Language:    "English",
		Rules:       []string{"never give away answers directly", "always encourage"},
	}

	got := SystemInstruction(p)

	for _, want := range []string{
		"You are Mai. a cheerful study buddy.",
		"- Tone: playful",
		"- Writing style: short sentences",
		"- Default language: English",
		"- never give away answers directly",
		"- always encourage",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("instruction missing %q:\n%s", want, got)
		}
	}
}

func TestSystemInstructionDefaults(t *testing.T) {
	got := SystemInstruction(storage.Persona{})

	if !strings.Contains(got, "You are Assistant.") {
		t.Errorf("default name not applied:\n%s", got)
	}
	if !strings.Contains(got, "- "+defaultRule) {
		t.Errorf("empty rule list did not fall back to the default rule:\n%s", got)
	}
	if strings.Count(got, "# Rules") != 1 {
		t.Errorf("rules section malformed:\n%s", got)
	}
}

func TestHistoryRoleMapping(t *testing.T) {
	turns := History([]ChatMessage{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello!"},
		{Role: "user", Content: "how are you?"},
	})

	if len(turns) != 3 {
		t.Fatalf("expected 3 turns, got %d", len(turns))
	}
	wantRoles := []string{"user", "model", "user"}
	for i, turn := range turns {
		if turn.Role != wantRoles[i] {
			t.Errorf("turn %d role = %q, want %q", i, turn.Role, wantRoles[i])
		}
	}
	if turns[1].Text != "hello!" {
		t.Errorf("content lost in mapping: %q", turns[1].Text)
	}
}

func TestAutoPromptWithHistory(t *testing.T) {
	p := storage.Persona{Name: "Mai", Description: "a cheerful study buddy"}
	recent := []storage.Message{
		{Role: storage.RoleUser, Content: "good night"},
		{Role: storage.RoleAssistant, Content: "sleep well!"},
	}

	got := AutoPrompt(p, "08:00", recent)

	if !strings.Contains(got, "The current time is 08:00.") {
		t.Errorf("trigger time missing:\n%s", got)
	}
	if !strings.Contains(got, `The user: "good night"`) || !strings.Contains(got, `Mai: "sleep well!"`) {
		t.Errorf("recent messages not framed:\n%s", got)
	}
	if strings.Contains(got, "No prior conversation") {
		t.Errorf("empty-history fallback used despite history:\n%s", got)
	}
}

func TestAutoPromptEmptyHistory(t *testing.T) {
	got := AutoPrompt(storage.Persona{Name: "Mai"}, "21:30", nil)
	if !strings.Contains(got, "No prior conversation yet.") {
		t.Errorf("expected empty-history fallback:\n%s", got)
	}
}
