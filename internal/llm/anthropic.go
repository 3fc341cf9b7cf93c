// Package llm provides inference service implementations. One adapter
// is supplied per configured provider; each is a stateless translator
// between the conversation ledger and a vendor wire format.
package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/tallyware/tally/internal/conversation"
	"github.com/tallyware/tally/internal/httpkit"
	"github.com/tallyware/tally/internal/tools"
)

const (
	anthropicAPIURL     = "https://api.anthropic.com/v1/messages"
	anthropicAPIVersion = "2023-06-01"
)

const systemPrompt = "You are Tally, an assistant that keeps structured records for the user. " +
	"Use the provided tools to create and update records. " +
	"When the turn is done, either reply directly or call complete_conversation with the final message — never alongside other tool calls."

// AnthropicClient implements the inference service against the
// Anthropic Messages API (non-streaming).
type AnthropicClient struct {
	apiKey     string
	model      string
	maxTokens  int
	timeout    time.Duration
	apiURL     string // overridden in tests
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAnthropicClient creates a new Anthropic adapter. Each request
// carries the configured deadline; a timeout surfaces as a transport
// error like any other provider failure.
func NewAnthropicClient(apiKey, model string, maxTokens int, timeout time.Duration, logger *slog.Logger) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	// Model responses can take a long time before headers arrive.
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = timeout

	return &AnthropicClient{
		apiKey:    apiKey,
		model:     model,
		maxTokens: maxTokens,
		timeout:   timeout,
		apiURL:    anthropicAPIURL,
		logger:    logger.With("provider", "anthropic"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0), // ctx deadline governs
			httpkit.WithTransport(t),
		),
	}
}

// Anthropic wire types.

type anthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type      string           `json:"type"`
	Text      string           `json:"text,omitempty"`
	ID        string           `json:"id,omitempty"`
	Name      string           `json:"name,omitempty"`
	Input     json.RawMessage  `json:"input,omitempty"`
	ToolUseID string           `json:"tool_use_id,omitempty"`
	Content   string           `json:"content,omitempty"` // for tool_result
	IsError   bool             `json:"is_error,omitempty"`
	Source    *anthropicSource `json:"source,omitempty"`
}

type anthropicSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicResponse struct {
	Content    []anthropicContent `json:"content"`
	StopReason string             `json:"stop_reason"`
	Error      *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// GenerateNextMessage implements the engine's InferenceService.
func (c *AnthropicClient) GenerateNextMessage(ctx context.Context, messages []conversation.Message, toolSpecs []tools.Spec) (conversation.Message, error) {
	reqBody := anthropicRequest{
		Model:     c.model,
		System:    systemPrompt,
		MaxTokens: c.maxTokens,
		Messages:  toWire(messages),
	}
	for _, spec := range toolSpecs {
		reqBody.Tools = append(reqBody.Tools, anthropicTool{
			Name:        spec.Name,
			Description: spec.Description,
			InputSchema: spec.Parameters,
		})
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return conversation.Message{}, fmt.Errorf("marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(payload))
	if err != nil {
		return conversation.Message{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return conversation.Message{}, fmt.Errorf("anthropic request: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	if resp.StatusCode != http.StatusOK {
		return conversation.Message{}, fmt.Errorf("anthropic returned %s: %s",
			resp.Status, httpkit.ReadErrorBody(resp.Body, 2048))
	}

	var wire anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return conversation.Message{}, fmt.Errorf("decoding response: %w", err)
	}
	if wire.Error != nil {
		return conversation.Message{}, fmt.Errorf("anthropic error %s: %s", wire.Error.Type, wire.Error.Message)
	}

	c.logger.Debug("inference response", "stop_reason", wire.StopReason, "blocks", len(wire.Content))
	return fromWire(wire)
}

// toWire converts the conversation ledger to Anthropic messages.
// Developer messages travel as user turns; tool results travel as
// user-role tool_result blocks, per the Messages API shape.
func toWire(messages []conversation.Message) []anthropicMessage {
	out := make([]anthropicMessage, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case conversation.RoleUser, conversation.RoleDeveloper:
			out = append(out, anthropicMessage{Role: "user", Content: partsToWire(m.Parts)})

		case conversation.RoleAssistant:
			var blocks []anthropicContent
			if m.Content != "" {
				blocks = append(blocks, anthropicContent{Type: "text", Text: m.Content})
			}
			for _, call := range m.ToolCalls {
				blocks = append(blocks, anthropicContent{
					Type:  "tool_use",
					ID:    call.ID,
					Name:  call.Tool,
					Input: call.Input,
				})
			}
			out = append(out, anthropicMessage{Role: "assistant", Content: blocks})

		case conversation.RoleTool:
			var blocks []anthropicContent
			for _, res := range m.Results {
				block := anthropicContent{
					Type:      "tool_result",
					ToolUseID: res.ToolCallID,
				}
				if res.Failed() {
					block.Content = res.Error
					block.IsError = true
				} else {
					block.Content = string(res.Content)
				}
				blocks = append(blocks, block)
			}
			out = append(out, anthropicMessage{Role: "user", Content: blocks})
		}
	}
	return out
}

func partsToWire(parts []conversation.Part) []anthropicContent {
	var blocks []anthropicContent
	for _, p := range parts {
		switch {
		case p.Kind == conversation.PartText:
			blocks = append(blocks, anthropicContent{Type: "text", Text: p.Text})
		case len(p.Data) > 0:
			blocks = append(blocks, anthropicContent{
				Type: "image",
				Source: &anthropicSource{
					Type:      "base64",
					MediaType: p.MediaType,
					Data:      base64.StdEncoding.EncodeToString(p.Data),
				},
			})
		default:
			// Durable references are resolved client-side; describe them.
			blocks = append(blocks, anthropicContent{
				Type: "text",
				Text: fmt.Sprintf("[attachment %s: %s]", p.Kind, p.Ref),
			})
		}
	}
	return blocks
}

// fromWire converts a response into either a final assistant reply or a
// tool-call message, never both: when the model mixes text with tool
// use, the tool calls win and the text is dropped from the ledger.
func fromWire(wire anthropicResponse) (conversation.Message, error) {
	var text string
	var calls []conversation.ToolCall

	for _, block := range wire.Content {
		switch block.Type {
		case "text":
			text += block.Text
		case "tool_use":
			calls = append(calls, conversation.ToolCall{
				ID:    block.ID,
				Tool:  block.Name,
				Input: block.Input,
			})
		}
	}

	if len(calls) > 0 {
		return conversation.NewAssistantToolCalls(calls), nil
	}
	if text != "" {
		return conversation.NewAssistantContent(text), nil
	}
	return conversation.Message{}, fmt.Errorf("empty response (stop_reason %q)", wire.StopReason)
}
