// Package gemini wraps the Google GenAI SDK behind the small generation
// capability the rest of the server consumes: one-shot and streaming text
// generation with bounded parameters and a default safety configuration.
package gemini

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"
)

// ErrBlocked is returned when the service produced no usable text: zero
// candidates or an empty reply, which the Gemini API uses both for
// safety-filtered output and for an exhausted output budget.
var ErrBlocked = errors.New("generation blocked or empty")

// DefaultModel is the fast low-cost model used when a request names none.
const DefaultModel = "gemini-2.5-flash-lite"

// Parameter bounds. Values outside these are a caller bug and rejected.
const (
	MinTemperature  = 0.0
	MaxTemperature  = 2.0
	MinOutputTokens = 1
	MaxOutputTokens = 8192
)

// Turn is one entry of the model-facing conversation. Role is the service's
// vocabulary ("user" or "model"), not the storage vocabulary.
type Turn struct {
	Role string
	Text string
}

// SafetySetting selects a block threshold for one harm category.
type SafetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

// Request carries everything one generation call needs.
type Request struct {
	Model           string
	System          string
	History         []Turn
	Temperature     float64
	MaxOutputTokens int
	Safety          []SafetySetting
}

// StreamEvent is one item of a streaming generation: a text fragment, or the
// terminal error. The producer closes the channel when the stream ends.
type StreamEvent struct {
	Delta string
	Err   error
}

// Generator is the generation capability. Implementations must be fail-fast:
// transport errors surface immediately and are never retried here.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
	GenerateStream(ctx context.Context, req Request) (<-chan StreamEvent, error)
}

// Client implements Generator on top of the Gemini API.
type Client struct {
	client *genai.Client
}

// NewClient creates a Gemini-backed Client.
func NewClient(ctx context.Context, apiKey string) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating genai client: %w", err)
	}
	return &Client{client: c}, nil
}

// Generate performs a one-shot generation and returns the full reply text.
func (c *Client) Generate(ctx context.Context, req Request) (string, error) {
	contents, cfg, err := buildCall(req)
	if err != nil {
		return "", err
	}

	resp, err := c.client.Models.GenerateContent(ctx, modelOrDefault(req.Model), contents, cfg)
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}

	if len(resp.Candidates) == 0 {
		return "", ErrBlocked
	}
	text := resp.Text()
	if text == "" {
		return "", ErrBlocked
	}
	return text, nil
}

// GenerateStream starts a streaming generation and returns a channel of text
// fragments. The channel is closed when the stream finishes; a terminal
// failure arrives as the last event's Err. Cancelling ctx abandons the
// stream upstream.
func (c *Client) GenerateStream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	contents, cfg, err := buildCall(req)
	if err != nil {
		return nil, err
	}

	out := make(chan StreamEvent)
	go func() {
		defer close(out)
		for resp, err := range c.client.Models.GenerateContentStream(ctx, modelOrDefault(req.Model), contents, cfg) {
			if err != nil {
				select {
				case out <- StreamEvent{Err: fmt.Errorf("stream: %w", err)}:
				case <-ctx.Done():
				}
				return
			}
			text := resp.Text()
			if text == "" {
				continue
			}
			select {
			case out <- StreamEvent{Delta: text}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func modelOrDefault(model string) string {
	if model == "" {
		return DefaultModel
	}
	return model
}

func buildCall(req Request) ([]*genai.Content, *genai.GenerateContentConfig, error) {
	if req.Temperature < MinTemperature || req.Temperature > MaxTemperature {
		return nil, nil, fmt.Errorf("temperature %v out of range [%v, %v]", req.Temperature, MinTemperature, MaxTemperature)
	}
	if req.MaxOutputTokens < MinOutputTokens || req.MaxOutputTokens > MaxOutputTokens {
		return nil, nil, fmt.Errorf("maxOutputTokens %d out of range [%d, %d]", req.MaxOutputTokens, MinOutputTokens, MaxOutputTokens)
	}

	contents := make([]*genai.Content, 0, len(req.History))
	for _, t := range req.History {
		var role genai.Role = genai.RoleUser
		if t.Role == "model" {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(t.Text, role))
	}

	cfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(float32(req.Temperature)),
		MaxOutputTokens: int32(req.MaxOutputTokens),
		SafetySettings:  safetySettings(req.Safety),
	}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	return contents, cfg, nil
}

// DefaultSafetySettings is the fallback safety configuration: the four
// standard harm categories blocked at medium and above.
func DefaultSafetySettings() []SafetySetting {
	categories := []string{
		string(genai.HarmCategoryHarassment),
		string(genai.HarmCategoryHateSpeech),
		string(genai.HarmCategorySexuallyExplicit),
		string(genai.HarmCategoryDangerousContent),
	}
	settings := make([]SafetySetting, 0, len(categories))
	for _, c := range categories {
		settings = append(settings, SafetySetting{
			Category:  c,
			Threshold: string(genai.HarmBlockThresholdBlockMediumAndAbove),
		})
	}
	return settings
}

func safetySettings(settings []SafetySetting) []*genai.SafetySetting {
	if len(settings) == 0 {
		settings = DefaultSafetySettings()
	}
	out := make([]*genai.SafetySetting, 0, len(settings))
	for _, s := range settings {
		out = append(out, &genai.SafetySetting{
			Category:  genai.HarmCategory(s.Category),
			Threshold: genai.HarmBlockThreshold(s.Threshold),
		})
	}
	return out
}
