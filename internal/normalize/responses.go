package normalize

import (
	"strings"

	"github.com/ccgw/gateway/internal/apierr"
	"github.com/ccgw/gateway/internal/protocol/openai"
)

// FromResponses converts an OpenAI Responses API request into the canonical
// payload. Instructions map to the system prompt; input items map to blocks.
func FromResponses(req *openai.ResponseRequest) (*Payload, error) {
	if req == nil {
		return nil, apierr.InvalidRequest("request body must be a JSON object")
	}
	if req.Input.IsZero() {
		return nil, apierr.InvalidRequest("input must not be empty")
	}

	p := &Payload{
		Model:       req.Model,
		Stream:      req.Stream,
		System:      req.Instructions,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Metadata:    req.Metadata,
	}
	if req.MaxOutputTokens != nil {
		p.MaxTokens = *req.MaxOutputTokens
	}

	for _, t := range req.Tools {
		if strings.TrimSpace(t.Name) == "" {
			continue
		}
		p.Tools = append(p.Tools, Tool{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	if req.ToolChoice != nil {
		p.ToolChoice = chatToolChoice(req.ToolChoice)
	}

	if !req.Input.IsItems() {
		p.Messages = append(p.Messages, Message{
			Role:   RoleUser,
			Blocks: []Block{TextBlock(req.Input.Text)},
		})
		return p, nil
	}

	for _, item := range req.Input.Items {
		switch strings.ToLower(item.Type) {
		case "function_call":
			id := item.CallID
			if id == "" {
				id = item.ID
			}
			p.Messages = append(p.Messages, Message{
				Role:   RoleAssistant,
				Blocks: []Block{toolUseBlock(id, item.Name, item.Arguments)},
			})
		case "function_call_output":
			p.Messages = append(p.Messages, Message{
				Role: RoleUser,
				Blocks: []Block{{
					Kind:      BlockToolResult,
					ToolUseID: item.CallID,
					Result:    item.Output,
				}},
			})
		case "message", "":
			msg := responsesMessage(item)
			if len(msg.Blocks) == 0 {
				continue
			}
			if msg.Role == RoleSystem {
				// System items fold into the single system prompt.
				for _, b := range msg.Blocks {
					if b.Kind != BlockText {
						continue
					}
					if p.System != "" {
						p.System += "\n\n"
					}
					p.System += b.Text
				}
				continue
			}
			p.Messages = append(p.Messages, msg)
		}
	}
	if len(p.Messages) == 0 {
		return nil, apierr.InvalidRequest("input contains no usable content")
	}
	return p, nil
}

func responsesMessage(item openai.InputItem) Message {
	role := canonicalRole(item.Role)
	out := Message{Role: role}
	for _, c := range item.Content {
		switch strings.ToLower(c.Type) {
		case "input_text", "output_text", "text":
			out.Blocks = append(out.Blocks, TextBlock(c.Text))
		case "input_image":
			if c.ImageURL == "" {
				continue
			}
			out.Blocks = append(out.Blocks, imageBlockFromURL(c.ImageURL))
		}
	}
	return out
}
