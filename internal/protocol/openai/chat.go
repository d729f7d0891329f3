// Package openai holds the wire types for the two OpenAI shapes the gateway
// speaks: Chat Completions and Responses, in both buffered and SSE form.
package openai

import (
	"encoding/json"
	"strings"
)

// ChatCompletionRequest captures the Chat Completions request surface the
// gateway translates. Unknown fields are dropped by design; translation only
// carries what the matrix defines.
type ChatCompletionRequest struct {
	Model               string         `json:"model"`
	Messages            []ChatMessage  `json:"messages"`
	Stream              bool           `json:"stream,omitempty"`
	Temperature         *float64       `json:"temperature,omitempty"`
	TopP                *float64       `json:"top_p,omitempty"`
	MaxTokens           *int           `json:"max_tokens,omitempty"`
	MaxCompletionTokens *int           `json:"max_completion_tokens,omitempty"`
	Stop                StopField      `json:"stop,omitempty"`
	Tools               []Tool         `json:"tools,omitempty"`
	ToolChoice          any            `json:"tool_choice,omitempty"`
	StreamOptions       *StreamOptions `json:"stream_options,omitempty"`
	Metadata            map[string]any `json:"metadata,omitempty"`

	// Legacy function-calling fields, converted to tools before normalization.
	Functions    []ToolFunction `json:"functions,omitempty"`
	FunctionCall any            `json:"function_call,omitempty"`
}

// StreamOptions mirrors OpenAI's stream_options object.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage,omitempty"`
}

// StopField accepts a single string or an array of strings.
type StopField []string

func (s *StopField) UnmarshalJSON(b []byte) error {
	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" || trimmed == "null" {
		return nil
	}
	if trimmed[0] == '"' {
		var one string
		if err := json.Unmarshal(b, &one); err != nil {
			return err
		}
		*s = StopField{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*s = StopField(many)
	return nil
}

func (s StopField) MarshalJSON() ([]byte, error) {
	if len(s) == 1 {
		return json.Marshal(s[0])
	}
	return json.Marshal([]string(s))
}

// ChatMessage is one chat turn. Content may be a plain string or an array of
// typed parts (text/image) on the wire.
type ChatMessage struct {
	Role         string        `json:"role"`
	Content      ChatContent   `json:"content"`
	Name         string        `json:"name,omitempty"`
	ToolCalls    []ToolCall    `json:"tool_calls,omitempty"`
	ToolCallID   string        `json:"tool_call_id,omitempty"`
	FunctionCall *FunctionCall `json:"function_call,omitempty"`
}

// ChatContent preserves the string-vs-parts distinction so passthrough
// requests re-serialize in their original shape.
type ChatContent struct {
	Text  string
	Parts []ContentPart
	isArr bool
}

// NewTextContent builds a plain string content value.
func NewTextContent(text string) ChatContent { return ChatContent{Text: text} }

// NewPartsContent builds an array-of-parts content value.
func NewPartsContent(parts []ContentPart) ChatContent {
	return ChatContent{Parts: parts, isArr: true}
}

// IsParts reports whether the wire form was an array.
func (c ChatContent) IsParts() bool { return c.isArr }

// PlainText flattens content into a single string, joining text parts.
func (c ChatContent) PlainText() string {
	if !c.isArr {
		return c.Text
	}
	var b strings.Builder
	for _, p := range c.Parts {
		if p.Type == "text" {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

func (c ChatContent) MarshalJSON() ([]byte, error) {
	if c.isArr {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

func (c *ChatContent) UnmarshalJSON(b []byte) error {
	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" || trimmed == "null" {
		return nil
	}
	if trimmed[0] == '"' {
		return json.Unmarshal(b, &c.Text)
	}
	c.isArr = true
	return json.Unmarshal(b, &c.Parts)
}

// ContentPart is one element of array-form message content.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL carries an http(s) or data: URL.
type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// Tool is the nested Chat Completions tool shape.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction describes a callable function.
type ToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ToolCall is an assistant-issued function invocation.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall pairs a function name with its JSON-encoded arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ChatCompletionResponse is the buffered reply envelope.
type ChatCompletionResponse struct {
	ID      string                 `json:"id"`
	Object  string                 `json:"object"`
	Created int64                  `json:"created"`
	Model   string                 `json:"model"`
	Choices []ChatCompletionChoice `json:"choices"`
	Usage   Usage                  `json:"usage"`
}

// ChatCompletionChoice holds the generated message.
type ChatCompletionChoice struct {
	Index        int         `json:"index"`
	FinishReason string      `json:"finish_reason"`
	Message      ChatMessage `json:"message"`
	Logprobs     any         `json:"logprobs"`
}

// Usage is OpenAI token accounting. The details objects only appear on
// providers that report cached tokens.
type Usage struct {
	PromptTokens            int           `json:"prompt_tokens"`
	CompletionTokens        int           `json:"completion_tokens"`
	TotalTokens             int           `json:"total_tokens"`
	PromptTokensDetails     *TokenDetails `json:"prompt_tokens_details,omitempty"`
	CompletionTokensDetails *TokenDetails `json:"completion_tokens_details,omitempty"`
}

// TokenDetails carries cache and reasoning token breakdowns.
type TokenDetails struct {
	CachedTokens    int `json:"cached_tokens,omitempty"`
	ReasoningTokens int `json:"reasoning_tokens,omitempty"`
}

// ErrorResponse is the OpenAI error envelope.
type ErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type,omitempty"`
		Code    any    `json:"code,omitempty"`
	} `json:"error"`
}

// Model is one entry in a /v1/models listing.
type Model struct {
	ID       string         `json:"id"`
	Object   string         `json:"object"`
	Created  int64          `json:"created"`
	OwnedBy  string         `json:"owned_by"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ModelList is the /v1/models envelope.
type ModelList struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}
