package openai

import (
	"encoding/json"
	"strings"
)

// ResponseRequest represents an OpenAI Responses API request. Input may be a
// bare string or a structured item list.
type ResponseRequest struct {
	Model           string         `json:"model"`
	Input           InputField     `json:"input,omitempty"`
	Instructions    string         `json:"instructions,omitempty"`
	Stream          bool           `json:"stream,omitempty"`
	Temperature     *float64       `json:"temperature,omitempty"`
	TopP            *float64       `json:"top_p,omitempty"`
	MaxOutputTokens *int           `json:"max_output_tokens,omitempty"`
	Tools           []ResponseTool `json:"tools,omitempty"`
	ToolChoice      any            `json:"tool_choice,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// InputField accepts the string and item-array input shapes.
type InputField struct {
	Text  string
	Items []InputItem
	isArr bool
}

// NewItemsInput builds an array-form input value.
func NewItemsInput(items []InputItem) InputField {
	return InputField{Items: items, isArr: true}
}

// IsItems reports whether the wire form was an item array.
func (f InputField) IsItems() bool { return f.isArr }

// IsZero reports whether input was absent entirely.
func (f InputField) IsZero() bool { return !f.isArr && f.Text == "" }

func (f InputField) MarshalJSON() ([]byte, error) {
	if f.isArr {
		return json.Marshal(f.Items)
	}
	return json.Marshal(f.Text)
}

func (f *InputField) UnmarshalJSON(b []byte) error {
	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" || trimmed == "null" {
		return nil
	}
	if trimmed[0] == '"' {
		return json.Unmarshal(b, &f.Text)
	}
	f.isArr = true
	return json.Unmarshal(b, &f.Items)
}

// InputItem is one element of structured Responses input: a message with
// typed content, or a standalone function call / output item.
type InputItem struct {
	Type    string              `json:"type,omitempty"`
	Role    string              `json:"role,omitempty"`
	Content ResponseContentList `json:"content,omitempty"`

	// function_call items
	ID        string `json:"id,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`

	// function_call_output items
	Output string `json:"output,omitempty"`
}

// ResponseContentList accepts a bare string or typed content items.
type ResponseContentList []ResponseContent

func (l *ResponseContentList) UnmarshalJSON(b []byte) error {
	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" || trimmed == "null" {
		return nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*l = ResponseContentList{{Type: "input_text", Text: s}}
		return nil
	}
	var arr []ResponseContent
	if err := json.Unmarshal(b, &arr); err != nil {
		return err
	}
	*l = ResponseContentList(arr)
	return nil
}

// ResponseContent is one typed content entry inside a Responses message.
type ResponseContent struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// ResponseTool is the flat Responses tool shape (no nested function object).
type ResponseTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Response is the Responses API reply envelope.
type Response struct {
	ID        string          `json:"id"`
	Object    string          `json:"object"`
	CreatedAt int64           `json:"created_at"`
	Status    string          `json:"status"`
	Model     string          `json:"model,omitempty"`
	Output    []OutputItem    `json:"output"`
	Usage     *ResponsesUsage `json:"usage,omitempty"`
}

// OutputItem is one entry of Response.Output: an output message or a
// function call.
type OutputItem struct {
	Type    string            `json:"type"`
	ID      string            `json:"id,omitempty"`
	Role    string            `json:"role,omitempty"`
	Status  string            `json:"status,omitempty"`
	Content []ResponseContent `json:"content,omitempty"`

	// function_call items
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// ResponsesUsage is the Responses API token accounting shape.
type ResponsesUsage struct {
	InputTokens         int           `json:"input_tokens"`
	OutputTokens        int           `json:"output_tokens"`
	TotalTokens         int           `json:"total_tokens"`
	InputTokensDetails  *TokenDetails `json:"input_tokens_details,omitempty"`
	OutputTokensDetails *TokenDetails `json:"output_tokens_details,omitempty"`
}

// ResponsesStreamEvent is the union of Responses SSE event payloads.
type ResponsesStreamEvent struct {
	Type           string      `json:"type"`
	SequenceNumber int         `json:"sequence_number,omitempty"`
	Response       *Response   `json:"response,omitempty"`
	OutputIndex    int         `json:"output_index,omitempty"`
	ItemID         string      `json:"item_id,omitempty"`
	Item           *OutputItem `json:"item,omitempty"`
	Delta          string      `json:"delta,omitempty"`
	Text           string      `json:"text,omitempty"`
	Arguments      string      `json:"arguments,omitempty"`
}
