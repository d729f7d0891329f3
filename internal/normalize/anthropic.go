package normalize

import (
	"strings"

	"github.com/ccgw/gateway/internal/apierr"
	"github.com/ccgw/gateway/internal/protocol/anthropic"
)

// FromAnthropic converts an Anthropic Messages request into the canonical
// payload. The mapping is close to one-to-one; the shape is already
// block-based.
func FromAnthropic(req *anthropic.MessagesRequest) (*Payload, error) {
	if req == nil {
		return nil, apierr.InvalidRequest("request body must be a JSON object")
	}
	if len(req.Messages) == 0 {
		return nil, apierr.InvalidRequest("messages must not be empty")
	}

	p := &Payload{
		Model:       req.Model,
		Stream:      req.Stream,
		System:      anthropic.ExtractSystemText(req.System),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.StopSequences,
		Thinking:    len(req.Thinking) > 0,
		// Kept verbatim so an Anthropic upstream sees the same config.
		ThinkingConfig: req.Thinking,
		Metadata:       req.Metadata,
	}

	for _, t := range req.Tools {
		p.Tools = append(p.Tools, Tool{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.InputSchema,
		})
	}
	if req.ToolChoice != nil {
		p.ToolChoice = anthropicToolChoice(req.ToolChoice)
	}

	for _, msg := range req.Messages {
		role := canonicalRole(msg.Role)
		out := Message{Role: role}
		for _, blk := range msg.Content.Blocks {
			b, ok := anthropicBlock(blk)
			if !ok {
				continue
			}
			out.Blocks = append(out.Blocks, b)
		}
		if len(out.Blocks) == 0 {
			continue
		}
		p.Messages = append(p.Messages, out)
	}
	if len(p.Messages) == 0 {
		return nil, apierr.InvalidRequest("messages contain no usable content")
	}
	return p, nil
}

func anthropicBlock(blk anthropic.ContentBlock) (Block, bool) {
	switch strings.ToLower(blk.Type) {
	case "text":
		return TextBlock(blk.Text), true
	case "thinking":
		text := blk.Thinking
		if text == "" {
			text = blk.Text
		}
		return Block{Kind: BlockThinking, Text: text}, true
	case "image":
		if blk.Source == nil {
			return Block{}, false
		}
		return Block{
			Kind:      BlockImage,
			MediaType: blk.Source.MediaType,
			ImageData: blk.Source.Data,
			ImageURL:  blk.Source.URL,
		}, true
	case "tool_use":
		return Block{
			Kind:      BlockToolUse,
			ToolID:    blk.ID,
			ToolName:  blk.Name,
			ToolInput: blk.Input,
		}, true
	case "tool_result":
		return Block{
			Kind:      BlockToolResult,
			ToolUseID: blk.ToolUseID,
			Result:    flattenResultContent(blk),
			IsError:   blk.IsError,
		}, true
	default:
		return Block{}, false
	}
}

func flattenResultContent(blk anthropic.ContentBlock) string {
	if len(blk.Content) == 0 {
		return blk.Text
	}
	var b strings.Builder
	for _, c := range blk.Content {
		if strings.EqualFold(c.Type, "text") {
			b.WriteString(c.Text)
		}
	}
	return b.String()
}

func anthropicToolChoice(tc *anthropic.ToolChoice) *ToolChoice {
	switch strings.ToLower(tc.Type) {
	case "any":
		return &ToolChoice{Mode: ToolChoiceAny}
	case "none":
		return &ToolChoice{Mode: ToolChoiceNone}
	case "tool":
		return &ToolChoice{Mode: ToolChoiceSpecific, Name: tc.Name}
	default:
		return &ToolChoice{Mode: ToolChoiceAuto}
	}
}

func canonicalRole(role string) Role {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "assistant":
		return RoleAssistant
	case "system":
		return RoleSystem
	case "tool":
		return RoleTool
	default:
		return RoleUser
	}
}
