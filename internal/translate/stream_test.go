package translate

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/ccgw/gateway/internal/config"
)

func collectEvents(t *testing.T, buf *bytes.Buffer) []SSEEvent {
	t.Helper()
	r := NewSSEReader(bytes.NewReader(buf.Bytes()))
	var events []SSEEvent
	for {
		ev, err := r.Next()
		if err == io.EOF {
			return events
		}
		if err != nil {
			t.Fatalf("re-read emitted stream: %v", err)
		}
		events = append(events, ev)
	}
}

func runStream(t *testing.T, st *Streamer, buf *bytes.Buffer, frames []SSEEvent) {
	t.Helper()
	w := NewSSEWriter(buf, nil)
	for _, fr := range frames {
		if err := st.Feed(fr, w); err != nil {
			t.Fatalf("Feed(%q): %v", fr.Data, err)
		}
	}
	if err := st.Close(w); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func anthropicTextFrames() []SSEEvent {
	return []SSEEvent{
		{Event: "message_start", Data: `{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","model":"claude-sonnet-4-5-20250929","content":[],"usage":{"input_tokens":3,"output_tokens":0}}}`},
		{Event: "content_block_start", Data: `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`},
		{Event: "content_block_delta", Data: `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"he"}}`},
		{Event: "content_block_delta", Data: `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"ll"}}`},
		{Event: "content_block_delta", Data: `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"o"}}`},
		{Event: "content_block_stop", Data: `{"type":"content_block_stop","index":0}`},
		{Event: "message_delta", Data: `{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"input_tokens":3,"output_tokens":5}}`},
		{Event: "message_stop", Data: `{"type":"message_stop"}`},
	}
}

func TestStreamAnthropicToResponses(t *testing.T) {
	st := NewStreamer(config.TypeAnthropic, config.TypeOpenAIResponses, "gpt-5")
	var buf bytes.Buffer
	runStream(t, st, &buf, anthropicTextFrames())

	events := collectEvents(t, &buf)
	if len(events) == 0 {
		t.Fatal("no events emitted")
	}
	if events[0].Event != "response.created" {
		t.Fatalf("first event = %q, want response.created", events[0].Event)
	}

	var deltas []string
	var completed string
	sawDone := false
	for _, ev := range events {
		switch ev.Event {
		case "response.output_text.delta":
			var p struct {
				Delta string `json:"delta"`
			}
			if err := json.Unmarshal([]byte(ev.Data), &p); err != nil {
				t.Fatalf("delta payload: %v", err)
			}
			deltas = append(deltas, p.Delta)
		case "response.completed":
			completed = ev.Data
		}
		if ev.IsDone() {
			sawDone = true
		}
	}
	if strings.Join(deltas, "") != "hello" {
		t.Fatalf("text deltas = %v, want he+ll+o", deltas)
	}
	if completed == "" {
		t.Fatal("no response.completed event")
	}
	if !strings.Contains(completed, `"status":"completed"`) {
		t.Fatalf("terminal snapshot missing completed status: %s", completed)
	}
	if !strings.Contains(completed, `"text":"hello"`) {
		t.Fatalf("terminal snapshot missing assembled text: %s", completed)
	}
	if !sawDone {
		t.Fatal("responses stream must end with the [DONE] sentinel")
	}

	usage, seen := st.Usage()
	if !seen || usage.Input != 3 || usage.Output != 5 {
		t.Fatalf("usage = %+v seen=%t, want input=3 output=5", usage, seen)
	}
	if st.StopReason() != "end_turn" {
		t.Fatalf("stop reason = %q", st.StopReason())
	}
}

func TestStreamAnthropicToolUseToChat(t *testing.T) {
	frames := []SSEEvent{
		{Event: "message_start", Data: `{"type":"message_start","message":{"id":"msg_2","type":"message","role":"assistant","model":"claude-sonnet-4-5-20250929","content":[],"usage":{"input_tokens":12,"output_tokens":0}}}`},
		{Event: "content_block_start", Data: `{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_abc","name":"weather","input":{}}}`},
		{Event: "content_block_delta", Data: `{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"location\":"}}`},
		{Event: "content_block_delta", Data: `{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"\"Paris\"}"}}`},
		{Event: "content_block_stop", Data: `{"type":"content_block_stop","index":0}`},
		{Event: "message_delta", Data: `{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"input_tokens":12,"output_tokens":9}}`},
		{Event: "message_stop", Data: `{"type":"message_stop"}`},
	}

	st := NewStreamer(config.TypeAnthropic, config.TypeOpenAIChat, "gpt-4o-mini")
	var buf bytes.Buffer
	runStream(t, st, &buf, frames)

	events := collectEvents(t, &buf)
	var name, args, finish string
	for _, ev := range events {
		if ev.IsDone() {
			continue
		}
		var chunk struct {
			Choices []struct {
				Delta struct {
					ToolCalls []struct {
						Function *struct {
							Name      string `json:"name"`
							Arguments string `json:"arguments"`
						} `json:"function"`
					} `json:"tool_calls"`
				} `json:"delta"`
				FinishReason *string `json:"finish_reason"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
			continue
		}
		for _, ch := range chunk.Choices {
			for _, tc := range ch.Delta.ToolCalls {
				if tc.Function != nil {
					if tc.Function.Name != "" {
						name = tc.Function.Name
					}
					args += tc.Function.Arguments
				}
			}
			if ch.FinishReason != nil && *ch.FinishReason != "" {
				finish = *ch.FinishReason
			}
		}
	}
	if name != "weather" {
		t.Fatalf("tool name = %q, want weather", name)
	}
	if args != `{"location":"Paris"}` {
		t.Fatalf("concatenated arguments = %q", args)
	}
	if finish != "tool_calls" {
		t.Fatalf("finish_reason = %q, want tool_calls", finish)
	}

	calls := st.ToolCalls()
	if len(calls) != 1 || calls[0].RawInput != `{"location":"Paris"}` {
		t.Fatalf("assembled tool calls = %+v", calls)
	}
}

func TestStreamChatToAnthropicDefersFinishForUsage(t *testing.T) {
	// The usage-only chunk arrives after finish_reason; the anthropic
	// terminal frames must still carry it.
	frames := []SSEEvent{
		{Data: `{"id":"chatcmpl-1","object":"chat.completion.chunk","model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant","content":""}}]}`},
		{Data: `{"id":"chatcmpl-1","object":"chat.completion.chunk","model":"gpt-4o","choices":[{"index":0,"delta":{"content":"hi"}}]}`},
		{Data: `{"id":"chatcmpl-1","object":"chat.completion.chunk","model":"gpt-4o","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`},
		{Data: `{"id":"chatcmpl-1","object":"chat.completion.chunk","model":"gpt-4o","choices":[],"usage":{"prompt_tokens":5,"completion_tokens":1,"total_tokens":6}}`},
		{Data: `[DONE]`},
	}

	st := NewStreamer(config.TypeOpenAIChat, config.TypeAnthropic, "claude-sonnet-4-5-20250929")
	var buf bytes.Buffer
	runStream(t, st, &buf, frames)

	events := collectEvents(t, &buf)
	var order []string
	var messageDelta string
	for _, ev := range events {
		order = append(order, ev.Event)
		if ev.Event == "message_delta" {
			messageDelta = ev.Data
		}
	}
	if order[0] != "message_start" {
		t.Fatalf("event order = %v", order)
	}
	if order[len(order)-1] != "message_stop" {
		t.Fatalf("stream must end with message_stop, got %v", order)
	}
	if !strings.Contains(messageDelta, `"stop_reason":"end_turn"`) {
		t.Fatalf("message_delta = %s", messageDelta)
	}
	if !strings.Contains(messageDelta, `"output_tokens":1`) {
		t.Fatalf("trailing usage chunk not folded into terminal frames: %s", messageDelta)
	}

	usage, seen := st.Usage()
	if !seen || usage.Input != 5 || usage.Output != 1 {
		t.Fatalf("usage = %+v seen=%t", usage, seen)
	}
}

func TestStreamPassthroughVerbatim(t *testing.T) {
	frames := anthropicTextFrames()
	st := NewStreamer(config.TypeAnthropic, config.TypeAnthropic, "claude-sonnet-4-5-20250929")
	var buf bytes.Buffer
	runStream(t, st, &buf, frames)

	events := collectEvents(t, &buf)
	if len(events) != len(frames) {
		t.Fatalf("passthrough emitted %d events, want %d", len(events), len(frames))
	}
	for i, ev := range events {
		if ev.Event != frames[i].Event || ev.Data != frames[i].Data {
			t.Fatalf("frame %d altered:\n got %+v\nwant %+v", i, ev, frames[i])
		}
	}

	// Parsing still runs for accounting in passthrough mode.
	usage, seen := st.Usage()
	if !seen || usage.Output != 5 {
		t.Fatalf("passthrough usage = %+v seen=%t", usage, seen)
	}
	if got := st.OutputText(); got != "hello" {
		t.Fatalf("passthrough output text = %q", got)
	}
}

func TestStreamFirstTokenFiresOnce(t *testing.T) {
	st := NewStreamer(config.TypeAnthropic, config.TypeOpenAIChat, "gpt-4o")
	fired := 0
	st.OnFirstToken = func() { fired++ }

	var buf bytes.Buffer
	runStream(t, st, &buf, anthropicTextFrames())
	if fired != 1 {
		t.Fatalf("OnFirstToken fired %d times, want 1", fired)
	}
}

func TestStreamAbruptEOFStillFinishes(t *testing.T) {
	// Upstream dies before message_stop; Close must still emit terminal
	// frames for the client.
	frames := anthropicTextFrames()[:5]
	st := NewStreamer(config.TypeAnthropic, config.TypeOpenAIChat, "gpt-4o")
	var buf bytes.Buffer
	runStream(t, st, &buf, frames)

	out := buf.String()
	if !strings.Contains(out, `"finish_reason":"stop"`) {
		t.Fatalf("no terminal finish_reason after abrupt EOF:\n%s", out)
	}
	if !strings.Contains(out, "data: [DONE]") {
		t.Fatalf("no [DONE] after abrupt EOF:\n%s", out)
	}
}

func TestStreamResponsesUpstreamToAnthropic(t *testing.T) {
	frames := []SSEEvent{
		{Event: "response.created", Data: `{"type":"response.created","response":{"id":"resp_1","object":"response","status":"in_progress","model":"gpt-5","output":[]}}`},
		{Event: "response.output_item.added", Data: `{"type":"response.output_item.added","output_index":0,"item":{"type":"message","id":"msg_a","role":"assistant"}}`},
		{Event: "response.output_text.delta", Data: `{"type":"response.output_text.delta","item_id":"msg_a","output_index":0,"delta":"hey"}`},
		{Event: "response.completed", Data: `{"type":"response.completed","response":{"id":"resp_1","object":"response","status":"completed","model":"gpt-5","output":[],"usage":{"input_tokens":4,"output_tokens":2,"total_tokens":6}}}`},
		{Data: `[DONE]`},
	}

	st := NewStreamer(config.TypeOpenAIResponses, config.TypeAnthropic, "claude-sonnet-4-5-20250929")
	var buf bytes.Buffer
	runStream(t, st, &buf, frames)

	out := buf.String()
	if !strings.Contains(out, `"text_delta"`) || !strings.Contains(out, `"hey"`) {
		t.Fatalf("text delta not translated:\n%s", out)
	}
	if !strings.Contains(out, `"stop_reason":"end_turn"`) {
		t.Fatalf("stop reason not translated:\n%s", out)
	}

	usage, seen := st.Usage()
	if !seen || usage.Input != 4 || usage.Output != 2 {
		t.Fatalf("usage = %+v seen=%t", usage, seen)
	}
}
