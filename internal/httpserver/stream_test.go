package httpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ccgw/gateway/internal/reqlog"
)

// anthropicStreamBody is a minimal upstream text stream in Anthropic SSE
// framing: "he" + "llo" deltas, end_turn, usage 3 in / 5 out.
const anthropicStreamBody = "event: message_start\n" +
	`data: {"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","model":"claude-sonnet-4-5-20250929","content":[],"usage":{"input_tokens":3,"output_tokens":0}}}` + "\n\n" +
	"event: content_block_start\n" +
	`data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}` + "\n\n" +
	"event: content_block_delta\n" +
	`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"he"}}` + "\n\n" +
	"event: content_block_delta\n" +
	`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"llo"}}` + "\n\n" +
	"event: content_block_stop\n" +
	`data: {"type":"content_block_stop","index":0}` + "\n\n" +
	"event: message_delta\n" +
	`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"input_tokens":3,"output_tokens":5}}` + "\n\n" +
	"event: message_stop\n" +
	`data: {"type":"message_stop"}` + "\n\n"

func sseUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fl, ok := w.(http.Flusher)
		if !ok {
			t.Error("upstream writer is not a flusher")
			return
		}
		for _, frame := range strings.SplitAfter(anthropicStreamBody, "\n\n") {
			if frame == "" {
				continue
			}
			io.WriteString(w, frame)
			fl.Flush()
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestStreamingChatClientOverAnthropicUpstream(t *testing.T) {
	g := newTestGateway(t, sseUpstream(t).URL, false)
	resp := g.post(t, "/openai/v1/chat/completions",
		`{"model":"gpt-x","stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %q", ct)
	}

	var content strings.Builder
	finish := ""
	sawDone := false
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			sawDone = true
			continue
		}
		var chunk struct {
			Model   string `json:"model"`
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
				FinishReason *string `json:"finish_reason"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			t.Fatalf("bad chunk %q: %v", data, err)
		}
		if chunk.Model != "" && chunk.Model != "gpt-x" {
			t.Fatalf("chunk model = %q", chunk.Model)
		}
		for _, ch := range chunk.Choices {
			content.WriteString(ch.Delta.Content)
			if ch.FinishReason != nil && *ch.FinishReason != "" {
				finish = *ch.FinishReason
			}
		}
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if content.String() != "hello" {
		t.Fatalf("content = %q", content.String())
	}
	if finish != "stop" || !sawDone {
		t.Fatalf("finish = %q, done = %t", finish, sawDone)
	}

	rec, tokens, finals := g.store.only(t)
	if !rec.Stream {
		t.Fatal("record not marked streaming")
	}
	if tokens.Input != 3 || tokens.Output != 5 || tokens.Estimated {
		t.Fatalf("tokens = %+v", tokens)
	}
	if len(finals) != 1 || finals[0].StatusCode != 200 {
		t.Fatalf("finals = %+v", finals)
	}
}

func TestStreamingPassthroughVerbatim(t *testing.T) {
	g := newTestGateway(t, sseUpstream(t).URL, false)
	resp := g.post(t, "/anthropic/v1/messages",
		`{"model":"claude-sonnet-4-5-20250929","max_tokens":64,"stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	defer resp.Body.Close()

	got, _ := io.ReadAll(resp.Body)
	if string(got) != anthropicStreamBody {
		t.Fatalf("stream not verbatim:\n%s", got)
	}

	_, tokens, _ := g.store.only(t)
	if tokens.Input != 3 || tokens.Output != 5 {
		t.Fatalf("tokens = %+v", tokens)
	}
}

func TestClientDisconnectMidStream(t *testing.T) {
	firstFrame := "event: message_start\n" +
		`data: {"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","model":"m","content":[],"usage":{"input_tokens":3,"output_tokens":0}}}` + "\n\n"
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, firstFrame)
		w.(http.Flusher).Flush()
		// Hold the stream open until the gateway gives up on us.
		<-r.Context().Done()
	}))
	defer upstream.Close()

	g := newTestGateway(t, upstream.URL, false)

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.srv.URL+"/anthropic/v1/messages",
		strings.NewReader(`{"model":"claude-sonnet-4-5-20250929","max_tokens":64,"stream":true,"messages":[{"role":"user","content":"hi"}]}`))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("x-api-key", g.token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}

	buf := make([]byte, 64)
	if _, err := resp.Body.Read(buf); err != nil {
		t.Fatalf("read first bytes: %v", err)
	}
	cancel()
	resp.Body.Close()

	finals := waitForFinal(t, g.store, 6*time.Second)
	if len(finals) != 1 {
		t.Fatalf("finals = %+v, want exactly one", finals)
	}
	// Bytes were already flushed to the client, so the record finalizes as
	// a success with no error.
	if finals[0].StatusCode != 200 || finals[0].Error != "" {
		t.Fatalf("final = %+v", finals[0])
	}
}

func waitForFinal(t *testing.T, store *memStore, timeout time.Duration) []reqlog.Final {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		store.mu.Lock()
		for _, finals := range store.finals {
			if len(finals) > 0 {
				out := append([]reqlog.Final(nil), finals...)
				store.mu.Unlock()
				return out
			}
		}
		store.mu.Unlock()
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("request never finalized")
	return nil
}
