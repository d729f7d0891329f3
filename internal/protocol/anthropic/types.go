// Package anthropic holds the wire types for the Anthropic Messages API:
// request and response bodies plus the SSE streaming event schema.
package anthropic

import (
	"encoding/json"
	"strings"
)

// MessagesRequest represents an Anthropic /v1/messages payload.
type MessagesRequest struct {
	Model         string          `json:"model"`
	Messages      []Message       `json:"messages"`
	System        *SystemField    `json:"system,omitempty"`
	Tools         []Tool          `json:"tools,omitempty"`
	ToolChoice    *ToolChoice     `json:"tool_choice,omitempty"`
	MaxTokens     int             `json:"max_tokens,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Thinking      json.RawMessage `json:"thinking,omitempty"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
}

// Tool mirrors an Anthropic tool definition.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

// ToolChoice selects how the model may use tools: auto, any, none, or a
// specific tool by name.
type ToolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

// Message is one conversation turn.
type Message struct {
	Role    string  `json:"role"`
	Content Content `json:"content"`
}

// Content wraps the block list; the wire form may be a bare string.
type Content struct {
	Blocks []ContentBlock
}

// ContentBlock covers text, image, tool_use, tool_result, and thinking blocks.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	// tool_use fields
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result fields
	ToolUseID string         `json:"tool_use_id,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
	Content   []ContentBlock `json:"content,omitempty"`

	// image fields
	Source *ImageSource `json:"source,omitempty"`

	// thinking fields
	Thinking string `json:"thinking,omitempty"`
}

// ImageSource carries either base64 data or a URL.
type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// SystemField supports both the string and []content_block wire shapes.
type SystemField struct {
	Text   string
	Blocks []ContentBlock
}

// Usage carries Anthropic token accounting, including cache fields.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
}

// MessagesResponse models a non-streaming /v1/messages reply.
type MessagesResponse struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Content      []ContentBlock `json:"content"`
	Model        string         `json:"model"`
	StopReason   string         `json:"stop_reason,omitempty"`
	StopSequence string         `json:"stop_sequence,omitempty"`
	Usage        Usage          `json:"usage"`
}

// ErrorResponse is the Anthropic error envelope.
type ErrorResponse struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// StreamEvent is the union of Anthropic SSE event payloads. Fields are
// populated according to Type.
type StreamEvent struct {
	Type    string            `json:"type"`
	Index   int               `json:"index,omitempty"`
	Message *MessagesResponse `json:"message,omitempty"`

	ContentBlock struct {
		Type  string         `json:"type"`
		ID    string         `json:"id,omitempty"`
		Name  string         `json:"name,omitempty"`
		Text  string         `json:"text,omitempty"`
		Input map[string]any `json:"input,omitempty"`
	} `json:"content_block,omitempty"`

	Delta struct {
		Type         string `json:"type"`
		Text         string `json:"text,omitempty"`
		PartialJSON  string `json:"partial_json,omitempty"`
		Thinking     string `json:"thinking,omitempty"`
		StopReason   string `json:"stop_reason,omitempty"`
		StopSequence string `json:"stop_sequence,omitempty"`
	} `json:"delta,omitempty"`

	Usage *Usage `json:"usage,omitempty"`
}

// ExtractSystemText flattens the system field into plain text.
func ExtractSystemText(sys *SystemField) string {
	if sys == nil {
		return ""
	}
	if strings.TrimSpace(sys.Text) != "" {
		return sys.Text
	}
	var b strings.Builder
	for _, block := range sys.Blocks {
		if strings.EqualFold(block.Type, "text") {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

// MarshalJSON ensures messages always carry an array of content blocks.
func (c Content) MarshalJSON() ([]byte, error) {
	if len(c.Blocks) == 0 {
		return []byte("[]"), nil
	}
	return json.Marshal(c.Blocks)
}

// UnmarshalJSON accepts a bare string, a single block object, or a block array.
func (c *Content) UnmarshalJSON(b []byte) error {
	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" || trimmed == "null" {
		return nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		c.Blocks = []ContentBlock{{Type: "text", Text: s}}
		return nil
	}
	if trimmed[0] == '{' {
		var one ContentBlock
		if err := json.Unmarshal(b, &one); err != nil {
			return err
		}
		c.Blocks = []ContentBlock{one}
		return nil
	}
	var arr []ContentBlock
	if err := json.Unmarshal(b, &arr); err != nil {
		return err
	}
	c.Blocks = arr
	return nil
}

// MarshalJSON encodes the system field in its most compact valid form.
func (s SystemField) MarshalJSON() ([]byte, error) {
	text := strings.TrimSpace(s.Text)
	switch {
	case len(s.Blocks) > 0 && text != "":
		blocks := make([]ContentBlock, 0, len(s.Blocks)+1)
		blocks = append(blocks, ContentBlock{Type: "text", Text: text})
		blocks = append(blocks, s.Blocks...)
		return json.Marshal(blocks)
	case len(s.Blocks) > 0:
		return json.Marshal(s.Blocks)
	default:
		return json.Marshal(text)
	}
}

// UnmarshalJSON accepts the string and block-array system shapes.
func (s *SystemField) UnmarshalJSON(b []byte) error {
	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" || trimmed == "null" {
		return nil
	}
	if trimmed[0] == '"' {
		return json.Unmarshal(b, &s.Text)
	}
	return json.Unmarshal(b, &s.Blocks)
}

// IsEmpty reports whether no system prompt was supplied.
func (s SystemField) IsEmpty() bool {
	return strings.TrimSpace(s.Text) == "" && len(s.Blocks) == 0
}
