// Package persona renders persona configuration and conversation history
// into model-ready inputs. Everything here is pure string assembly.
package persona

import (
	"fmt"
	"strings"

	"github.com/minhngo/banthan/internal/gemini"
	"github.com/minhngo/banthan/internal/storage"
)

// Defaults applied when a persona leaves a field blank.
const (
	defaultName     = "Assistant"
	defaultTone     = "friendly"
	defaultStyle    = "concise, with examples when helpful"
	defaultLanguage = "Vietnamese"
	defaultRule     = "Explain clearly and stay on point."
)

// SystemInstruction renders a persona into the fixed system-instruction
// template: role framing, tone, style, language, and rule bullets. An empty
// rule list falls back to a single default rule.
func SystemInstruction(p storage.Persona) string {
	name := orDefault(p.Name, defaultName)
	tone := orDefault(p.Tone, defaultTone)
	style := orDefault(p.Style, defaultStyle)
	language := orDefault(p.Language, defaultLanguage)

	lines := []string{
		"# Role & Character",
		strings.TrimSpace(fmt.Sprintf("You are %s. %s", name, p.Description)),
		"# Style",
		"- Tone: " + tone,
		"- Writing style: " + style,
		"- Default language: " + language,
		"# Rules",
	}
	if len(p.Rules) == 0 {
		lines = append(lines, "- "+defaultRule)
	} else {
		for _, r := range p.Rules {
			lines = append(lines, "- "+r)
		}
	}
	return strings.Join(lines, "\n")
}

// ChatMessage is a caller-supplied conversation entry, still in the storage
// role vocabulary.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// History maps caller-supplied messages to the model-facing turn sequence:
// "assistant" becomes the service's "model" role, "user" passes through.
func History(messages []ChatMessage) []gemini.Turn {
	turns := make([]gemini.Turn, 0, len(messages))
	for _, m := range messages {
		role := "user"
		if m.Role == storage.RoleAssistant {
			role = "model"
		}
		turns = append(turns, gemini.Turn{Role: role, Text: m.Content})
	}
	return turns
}

// AutoPrompt builds the one-shot prompt for an autonomous firing: persona
// framing, the current trigger time, the most recent stored messages
// (oldest first), and an instruction to continue the conversation briefly
// rather than restart it.
func AutoPrompt(p storage.Persona, triggerTime string, recent []storage.Message) string {
	name := orDefault(p.Name, defaultName)

	context := "No prior conversation yet."
	if len(recent) > 0 {
		var lines []string
		for _, m := range recent {
			speaker := name
			if m.Role == storage.RoleUser {
				speaker = "The user"
			}
			lines = append(lines, fmt.Sprintf("%s: %q", speaker, m.Content))
		}
		context = strings.Join(lines, "\n")
	}

	return strings.Join([]string{
		strings.TrimSpace(fmt.Sprintf("You are %s, %s.", name, p.Description)),
		"The current time is " + triggerTime + ".",
		"These are the most recent messages:",
		context,
		"Send one short, natural message that continues the conversation instead of starting over.",
	}, "\n")
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
