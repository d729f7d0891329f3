// Package normalize converts the three client wire shapes (Anthropic
// Messages, OpenAI Chat Completions, OpenAI Responses) into one canonical
// in-memory payload that the router and translator operate on.
package normalize

import "encoding/json"

// Role is a canonical message role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// BlockKind tags a content block variant. The set is closed; translation
// code switches over it exhaustively.
type BlockKind int

const (
	BlockText BlockKind = iota
	BlockImage
	BlockToolUse
	BlockToolResult
	BlockThinking
)

func (k BlockKind) String() string {
	switch k {
	case BlockText:
		return "text"
	case BlockImage:
		return "image"
	case BlockToolUse:
		return "tool_use"
	case BlockToolResult:
		return "tool_result"
	case BlockThinking:
		return "thinking"
	default:
		return "unknown"
	}
}

// Block is one canonical content block. Only the fields for its Kind are set.
type Block struct {
	Kind BlockKind

	// BlockText / BlockThinking
	Text string

	// BlockImage
	MediaType string
	ImageData string // base64 payload, exclusive with ImageURL
	ImageURL  string

	// BlockToolUse
	ToolID    string
	ToolName  string
	ToolInput map[string]any
	// RawInput keeps the undecoded argument string when JSON decoding failed;
	// translators fall back to carrying it verbatim.
	RawInput string

	// BlockToolResult
	ToolUseID string
	Result    string
	IsError   bool
}

// Message is one canonical conversation turn.
type Message struct {
	Role   Role
	Blocks []Block
}

// Tool is a canonical tool definition (JSON-schema parameters).
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolChoiceMode is the canonical tool_choice variant.
type ToolChoiceMode int

const (
	ToolChoiceAuto ToolChoiceMode = iota
	ToolChoiceNone
	ToolChoiceAny
	ToolChoiceSpecific
)

// ToolChoice selects tool-use behavior; Name is set for ToolChoiceSpecific.
type ToolChoice struct {
	Mode ToolChoiceMode
	Name string
}

// Payload is the canonical request form shared by all client protocols.
type Payload struct {
	Model       string
	Stream      bool
	Messages    []Message
	System      string
	Tools       []Tool
	ToolChoice  *ToolChoice
	MaxTokens   int
	Temperature *float64
	TopP        *float64
	Stop        []string
	Thinking    bool
	// ThinkingConfig is the verbatim Anthropic thinking object; it is
	// re-attached when the upstream speaks Anthropic.
	ThinkingConfig json.RawMessage
	Metadata       map[string]any
}

// HasTools reports whether the request defines any tools.
func (p *Payload) HasTools() bool { return len(p.Tools) > 0 }

// UserMessageCount counts user-role turns; the router's background
// classification uses it.
func (p *Payload) UserMessageCount() int {
	n := 0
	for _, m := range p.Messages {
		if m.Role == RoleUser {
			n++
		}
	}
	return n
}

// TextBlock builds a text block.
func TextBlock(text string) Block { return Block{Kind: BlockText, Text: text} }

// InputJSON returns the tool-use input serialized to JSON, falling back to
// the raw string when the input never decoded.
func (b *Block) InputJSON() string {
	if b.ToolInput != nil {
		if raw, err := json.Marshal(b.ToolInput); err == nil {
			return string(raw)
		}
	}
	if b.RawInput != "" {
		return b.RawInput
	}
	return "{}"
}
