package translate

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/ccgw/gateway/internal/config"
	"github.com/ccgw/gateway/internal/normalize"
	"github.com/ccgw/gateway/internal/protocol/openai"
)

// emitter renders neutral steps as one client protocol's SSE frames.
// finishOut is called exactly once with the merged usage.
type emitter interface {
	emit(s step, w *SSEWriter) error
	finishOut(w *SSEWriter, stopReason string, usage Usage) error
}

func newEmitter(clientType config.ProviderType, clientModel string) emitter {
	switch clientType {
	case config.TypeAnthropic:
		return &anthropicEmitter{model: clientModel}
	case config.TypeOpenAIResponses:
		return &responsesEmitter{model: clientModel}
	default:
		return &chatEmitter{model: clientModel}
	}
}

// anthropicEmitter renders the Messages event sequence: message_start, ping,
// content_block_start/delta/stop per block, message_delta, message_stop.
type anthropicEmitter struct {
	model     string
	msgID     string
	nextIndex int
	openKind  string // "", "text", "thinking", "tool_use"
	openIndex int
	toolIndex map[int]int // upstream tool index -> emitted block index
}

func (e *anthropicEmitter) emit(s step, w *SSEWriter) error {
	switch s.kind {
	case stepStart:
		e.msgID = s.id
		if e.msgID == "" {
			e.msgID = "msg_" + uuid.NewString()
		}
		start := map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":            e.msgID,
				"type":          "message",
				"role":          "assistant",
				"model":         e.model,
				"content":       []any{},
				"stop_reason":   nil,
				"stop_sequence": nil,
				"usage":         map[string]int{"input_tokens": 0, "output_tokens": 0},
			},
		}
		if err := e.write(w, "message_start", start); err != nil {
			return err
		}
		return e.write(w, "ping", map[string]any{"type": "ping"})
	case stepTextDelta:
		if err := e.ensureBlock(w, "text", nil); err != nil {
			return err
		}
		return e.write(w, "content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": e.openIndex,
			"delta": map[string]any{"type": "text_delta", "text": s.text},
		})
	case stepThinkingDelta:
		if err := e.ensureBlock(w, "thinking", nil); err != nil {
			return err
		}
		return e.write(w, "content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": e.openIndex,
			"delta": map[string]any{"type": "thinking_delta", "thinking": s.text},
		})
	case stepToolStart:
		if err := e.closeBlock(w); err != nil {
			return err
		}
		if e.toolIndex == nil {
			e.toolIndex = map[int]int{}
		}
		id := s.toolID
		if id == "" {
			id = "toolu_" + uuid.NewString()
		}
		e.toolIndex[s.toolIndex] = e.nextIndex
		e.openKind = "tool_use"
		e.openIndex = e.nextIndex
		e.nextIndex++
		return e.write(w, "content_block_start", map[string]any{
			"type":  "content_block_start",
			"index": e.openIndex,
			"content_block": map[string]any{
				"type":  "tool_use",
				"id":    id,
				"name":  s.toolName,
				"input": map[string]any{},
			},
		})
	case stepToolArgsDelta:
		idx, ok := e.toolIndex[s.toolIndex]
		if !ok {
			idx = e.openIndex
		}
		return e.write(w, "content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": idx,
			"delta": map[string]any{"type": "input_json_delta", "partial_json": s.text},
		})
	case stepToolStop:
		if e.openKind == "tool_use" {
			return e.closeBlock(w)
		}
		return nil
	}
	return nil
}

func (e *anthropicEmitter) finishOut(w *SSEWriter, stopReason string, usage Usage) error {
	if err := e.closeBlock(w); err != nil {
		return err
	}
	if stopReason == "" {
		stopReason = "end_turn"
	}
	u := ToAnthropicUsage(usage)
	delta := map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": stopReason, "stop_sequence": nil},
		"usage": u,
	}
	if err := e.write(w, "message_delta", delta); err != nil {
		return err
	}
	return e.write(w, "message_stop", map[string]any{"type": "message_stop"})
}

// ensureBlock opens a text or thinking block if one of that kind is not the
// currently open block.
func (e *anthropicEmitter) ensureBlock(w *SSEWriter, kind string, _ any) error {
	if e.openKind == kind {
		return nil
	}
	if err := e.closeBlock(w); err != nil {
		return err
	}
	e.openKind = kind
	e.openIndex = e.nextIndex
	e.nextIndex++
	block := map[string]any{"type": kind}
	if kind == "text" {
		block["text"] = ""
	} else {
		block["thinking"] = ""
	}
	return e.write(w, "content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         e.openIndex,
		"content_block": block,
	})
}

func (e *anthropicEmitter) closeBlock(w *SSEWriter) error {
	if e.openKind == "" {
		return nil
	}
	idx := e.openIndex
	e.openKind = ""
	return e.write(w, "content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": idx,
	})
}

func (e *anthropicEmitter) write(w *SSEWriter, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return w.WriteEvent(event, raw)
}

// chatEmitter renders Chat Completions chunks ending in a usage chunk and
// the [DONE] sentinel.
type chatEmitter struct {
	model    string
	id       string
	created  int64
	started  bool
	nextTool int
	toolIdx  map[int]int // upstream tool index -> emitted tool_calls index
}

func (e *chatEmitter) emit(s step, w *SSEWriter) error {
	switch s.kind {
	case stepStart:
		e.id = s.id
		if e.id == "" {
			e.id = "chatcmpl-" + uuid.NewString()
		}
		e.created = time.Now().Unix()
		e.started = true
		return e.writeChunk(w, openai.ChatMessageDelta{Role: "assistant"}, nil)
	case stepTextDelta:
		return e.writeChunk(w, openai.ChatMessageDelta{Content: s.text}, nil)
	case stepThinkingDelta:
		// Chat Completions has no thinking channel.
		return nil
	case stepToolStart:
		if e.toolIdx == nil {
			e.toolIdx = map[int]int{}
		}
		idx := e.nextTool
		e.nextTool++
		e.toolIdx[s.toolIndex] = idx
		id := s.toolID
		if id == "" {
			id = "call_" + uuid.NewString()
		}
		return e.writeChunk(w, openai.ChatMessageDelta{
			ToolCalls: []openai.ToolCallDelta{{
				Index:    idx,
				ID:       id,
				Type:     "function",
				Function: &openai.ToolFunctionPart{Name: s.toolName},
			}},
		}, nil)
	case stepToolArgsDelta:
		idx, ok := e.toolIdx[s.toolIndex]
		if !ok {
			return nil
		}
		return e.writeChunk(w, openai.ChatMessageDelta{
			ToolCalls: []openai.ToolCallDelta{{
				Index:    idx,
				Function: &openai.ToolFunctionPart{Arguments: s.text},
			}},
		}, nil)
	}
	return nil
}

func (e *chatEmitter) finishOut(w *SSEWriter, stopReason string, usage Usage) error {
	if !e.started {
		if err := e.emit(step{kind: stepStart}, w); err != nil {
			return err
		}
	}
	finish := StopToFinishReason(stopReason)
	if err := e.writeChunk(w, openai.ChatMessageDelta{}, &finish); err != nil {
		return err
	}
	u := ToChatUsage(usage)
	final := openai.ChatCompletionChunk{
		ID:      e.id,
		Object:  "chat.completion.chunk",
		Created: e.created,
		Model:   e.model,
		Choices: []openai.ChatCompletionChunkChoice{},
		Usage:   &u,
	}
	raw, err := json.Marshal(final)
	if err != nil {
		return err
	}
	if err := w.WriteData(raw); err != nil {
		return err
	}
	return w.WriteDone()
}

func (e *chatEmitter) writeChunk(w *SSEWriter, delta openai.ChatMessageDelta, finish *string) error {
	chunk := openai.ChatCompletionChunk{
		ID:      e.id,
		Object:  "chat.completion.chunk",
		Created: e.created,
		Model:   e.model,
		Choices: []openai.ChatCompletionChunkChoice{{
			Index:        0,
			Delta:        delta,
			FinishReason: finish,
		}},
	}
	raw, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	return w.WriteData(raw)
}

// responsesEmitter renders the Responses event sequence with monotone
// sequence numbers, assembling the final response snapshot as it goes.
type responsesEmitter struct {
	model string
	id    string
	seq   int

	msgOpen   bool
	msgID     string
	msgIndex  int
	nextIndex int
	textBuf   []byte
	output    []openai.OutputItem
	toolByIdx map[int]*openai.OutputItem
	createdAt int64
}

func (e *responsesEmitter) emit(s step, w *SSEWriter) error {
	switch s.kind {
	case stepStart:
		e.id = s.id
		if e.id == "" {
			e.id = "resp_" + uuid.NewString()
		}
		e.createdAt = time.Now().Unix()
		return e.write(w, "response.created", map[string]any{
			"type":     "response.created",
			"response": e.snapshot("in_progress", nil),
		})
	case stepTextDelta:
		if err := e.ensureMessage(w); err != nil {
			return err
		}
		e.textBuf = append(e.textBuf, s.text...)
		return e.write(w, "response.output_text.delta", map[string]any{
			"type":         "response.output_text.delta",
			"item_id":      e.msgID,
			"output_index": e.msgIndex,
			"delta":        s.text,
		})
	case stepThinkingDelta:
		// Reasoning summaries are not re-emitted for translated upstreams.
		return nil
	case stepToolStart:
		if err := e.closeMessage(w); err != nil {
			return err
		}
		if e.toolByIdx == nil {
			e.toolByIdx = map[int]*openai.OutputItem{}
		}
		id := s.toolID
		if id == "" {
			id = "call_" + uuid.NewString()
		}
		item := &openai.OutputItem{
			Type:   "function_call",
			ID:     "fc_" + uuid.NewString(),
			CallID: id,
			Name:   s.toolName,
			Status: "in_progress",
		}
		e.toolByIdx[s.toolIndex] = item
		idx := e.nextIndex
		e.nextIndex++
		return e.write(w, "response.output_item.added", map[string]any{
			"type":         "response.output_item.added",
			"output_index": idx,
			"item":         item,
		})
	case stepToolArgsDelta:
		item := e.toolByIdx[s.toolIndex]
		if item == nil {
			return nil
		}
		item.Arguments += s.text
		return e.write(w, "response.function_call_arguments.delta", map[string]any{
			"type":    "response.function_call_arguments.delta",
			"item_id": item.ID,
			"delta":   s.text,
		})
	case stepToolStop:
		item := e.toolByIdx[s.toolIndex]
		if item == nil {
			return nil
		}
		item.Status = "completed"
		e.output = append(e.output, *item)
		if err := e.write(w, "response.function_call_arguments.done", map[string]any{
			"type":      "response.function_call_arguments.done",
			"item_id":   item.ID,
			"arguments": item.Arguments,
		}); err != nil {
			return err
		}
		return e.write(w, "response.output_item.done", map[string]any{
			"type": "response.output_item.done",
			"item": item,
		})
	}
	return nil
}

func (e *responsesEmitter) finishOut(w *SSEWriter, stopReason string, usage Usage) error {
	if e.id == "" {
		if err := e.emit(step{kind: stepStart}, w); err != nil {
			return err
		}
	}
	if err := e.closeMessage(w); err != nil {
		return err
	}
	status := StopToResponseStatus(stopReason)
	event := "response.completed"
	if status == "incomplete" {
		event = "response.incomplete"
	}
	u := ToResponsesUsage(usage)
	if err := e.write(w, event, map[string]any{
		"type":     event,
		"response": e.snapshot(status, u),
	}); err != nil {
		return err
	}
	return w.WriteDone()
}

func (e *responsesEmitter) ensureMessage(w *SSEWriter) error {
	if e.msgOpen {
		return nil
	}
	e.msgOpen = true
	e.msgID = "msg_" + uuid.NewString()
	e.msgIndex = e.nextIndex
	e.nextIndex++
	e.textBuf = nil
	item := openai.OutputItem{Type: "message", ID: e.msgID, Role: "assistant", Status: "in_progress"}
	if err := e.write(w, "response.output_item.added", map[string]any{
		"type":         "response.output_item.added",
		"output_index": e.msgIndex,
		"item":         item,
	}); err != nil {
		return err
	}
	return e.write(w, "response.content_part.added", map[string]any{
		"type":         "response.content_part.added",
		"item_id":      e.msgID,
		"output_index": e.msgIndex,
		"part":         map[string]any{"type": "output_text", "text": ""},
	})
}

func (e *responsesEmitter) closeMessage(w *SSEWriter) error {
	if !e.msgOpen {
		return nil
	}
	e.msgOpen = false
	text := string(e.textBuf)
	if err := e.write(w, "response.output_text.done", map[string]any{
		"type":    "response.output_text.done",
		"item_id": e.msgID,
		"text":    text,
	}); err != nil {
		return err
	}
	if err := e.write(w, "response.content_part.done", map[string]any{
		"type":    "response.content_part.done",
		"item_id": e.msgID,
		"part":    map[string]any{"type": "output_text", "text": text},
	}); err != nil {
		return err
	}
	item := openai.OutputItem{
		Type:    "message",
		ID:      e.msgID,
		Role:    "assistant",
		Status:  "completed",
		Content: []openai.ResponseContent{{Type: "output_text", Text: text}},
	}
	e.output = append(e.output, item)
	return e.write(w, "response.output_item.done", map[string]any{
		"type": "response.output_item.done",
		"item": item,
	})
}

func (e *responsesEmitter) snapshot(status string, usage *openai.ResponsesUsage) *openai.Response {
	out := e.output
	if out == nil {
		out = []openai.OutputItem{}
	}
	return &openai.Response{
		ID:        e.id,
		Object:    "response",
		CreatedAt: e.createdAt,
		Status:    status,
		Model:     e.model,
		Output:    out,
		Usage:     usage,
	}
}

func (e *responsesEmitter) write(w *SSEWriter, event string, payload map[string]any) error {
	e.seq++
	payload["sequence_number"] = e.seq
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return w.WriteEvent(event, raw)
}

// Streamer drives one streamed reply end to end: it feeds upstream SSE
// events to the protocol parser, merges usage fragments, and re-emits the
// step stream in the client's protocol. When upstream and client speak the
// same protocol, frames pass through verbatim while still being parsed for
// accounting.
type Streamer struct {
	parser      parser
	emitter     emitter
	passthrough bool
	acc         Accumulator

	// OnFirstToken fires once when the first content increment arrives.
	OnFirstToken func()

	firstSeen   bool
	finished    bool
	stopReason  string
	outputRunes int
	textOut     []byte
	toolBlocks  []normalize.Block
	argsByTool  map[int]*normalize.Block
}

// NewStreamer builds a streamer for one upstream/client protocol pair.
func NewStreamer(upstreamType, clientType config.ProviderType, clientModel string) *Streamer {
	s := &Streamer{
		parser:     newParser(upstreamType),
		argsByTool: map[int]*normalize.Block{},
	}
	if upstreamType == clientType {
		s.passthrough = true
	} else {
		s.emitter = newEmitter(clientType, clientModel)
	}
	return s
}

// Feed processes one upstream SSE event and writes whatever the client
// should see for it.
func (s *Streamer) Feed(ev SSEEvent, w *SSEWriter) error {
	steps, err := s.parser.parse(ev)
	if err != nil {
		return err
	}
	if s.passthrough {
		for _, st := range steps {
			s.track(st)
		}
		if ev.Event != "" {
			return w.WriteEvent(ev.Event, []byte(ev.Data))
		}
		return w.WriteData([]byte(ev.Data))
	}
	return s.apply(steps, w)
}

// Close flushes terminal frames after upstream EOF. Safe to call once.
func (s *Streamer) Close(w *SSEWriter) error {
	steps := s.parser.finish()
	if s.passthrough {
		for _, st := range steps {
			s.track(st)
		}
		return nil
	}
	return s.apply(steps, w)
}

func (s *Streamer) apply(steps []step, w *SSEWriter) error {
	for _, st := range steps {
		s.track(st)
		switch st.kind {
		case stepUsage:
			// accounting only
		case stepFinish:
			if s.finished {
				continue
			}
			s.finished = true
			if err := s.emitter.finishOut(w, st.stopReason, s.acc.Usage()); err != nil {
				return err
			}
		default:
			if err := s.emitter.emit(st, w); err != nil {
				return err
			}
		}
	}
	return nil
}

// track records accounting state shared by both modes.
func (s *Streamer) track(st step) {
	switch st.kind {
	case stepUsage:
		s.acc.Observe(st.usage)
		return
	case stepFinish:
		if st.stopReason != "" {
			s.stopReason = st.stopReason
		}
		return
	case stepTextDelta:
		s.textOut = append(s.textOut, st.text...)
		s.markFirst()
	case stepThinkingDelta:
		s.outputRunes += len(st.text)
		s.markFirst()
	case stepToolStart:
		blk := &normalize.Block{Kind: normalize.BlockToolUse, ToolID: st.toolID, ToolName: st.toolName}
		s.argsByTool[st.toolIndex] = blk
		s.markFirst()
	case stepToolArgsDelta:
		if blk := s.argsByTool[st.toolIndex]; blk != nil {
			blk.RawInput += st.text
		}
		s.markFirst()
	case stepToolStop:
		if blk := s.argsByTool[st.toolIndex]; blk != nil {
			s.toolBlocks = append(s.toolBlocks, *blk)
			delete(s.argsByTool, st.toolIndex)
		}
	}
}

func (s *Streamer) markFirst() {
	if s.firstSeen {
		return
	}
	s.firstSeen = true
	if s.OnFirstToken != nil {
		s.OnFirstToken()
	}
}

// Usage returns the merged upstream usage and whether any arrived.
func (s *Streamer) Usage() (Usage, bool) {
	return s.acc.Usage(), s.acc.Seen()
}

// StopReason returns the final stop reason in Anthropic vocabulary.
func (s *Streamer) StopReason() string { return s.stopReason }

// OutputText returns the assembled assistant text, used for heuristic
// output-token estimation and payload capture.
func (s *Streamer) OutputText() string { return string(s.textOut) }

// ToolCalls returns the assembled tool-use blocks with their argument JSON.
func (s *Streamer) ToolCalls() []normalize.Block {
	calls := s.toolBlocks
	for _, blk := range s.argsByTool {
		calls = append(calls, *blk)
	}
	return calls
}
