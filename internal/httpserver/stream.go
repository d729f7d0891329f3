package httpserver

import (
	"context"
	"io"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/ccgw/gateway/internal/apierr"
	"github.com/ccgw/gateway/internal/config"
	"github.com/ccgw/gateway/internal/connector"
	"github.com/ccgw/gateway/internal/normalize"
	"github.com/ccgw/gateway/internal/router"
	"github.com/ccgw/gateway/internal/translate"
)

const (
	// After a client disconnect the upstream is read only long enough to
	// catch the usage tail, bounded by bytes and wall clock.
	drainByteLimit = 64 * 1024
	drainTime      = 2 * time.Second
)

// serveStream relays an upstream SSE stream to the client, translating
// frames when the protocols differ and passing them through verbatim when
// they match. Usage is accumulated either way.
func (s *Server) serveStream(w http.ResponseWriter, r *http.Request, snap *config.Snapshot, resp *connector.Response, dec router.Decision, payload *normalize.Payload, clientType config.ProviderType, fin *finalizer, cancelUpstream context.CancelFunc) {
	defer resp.Body.Close()

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	out := &countingWriter{w: w}
	capture := newCaptureWriter(out, snap.Server.CaptureLimitBytes, snap.Server.StoreResponsePayloads)
	var fl interface{ Flush() }
	if flusher != nil {
		fl = flusher
	}
	sw := translate.NewSSEWriter(capture, fl)

	var ttftMs atomic.Int64
	st := translate.NewStreamer(dec.UpstreamType, clientType, payload.Model)
	st.OnFirstToken = func() {
		ttft := time.Since(fin.start)
		ttftMs.Store(ttft.Milliseconds())
		s.metrics.FirstToken(dec.ProviderID, dec.UpstreamModel, ttft)
	}

	done := make(chan struct{})
	defer close(done)

	if snap.Server.SSEPingInterval > 0 {
		go func() {
			t := time.NewTicker(snap.Server.SSEPingInterval)
			defer t.Stop()
			for {
				select {
				case <-t.C:
					_ = sw.WritePing()
				case <-done:
					return
				}
			}
		}()
	}

	// On client disconnect the writer is detached and the upstream read
	// continues briefly so a trailing usage frame still lands.
	in := &countingReader{r: resp.Body}
	var disconnected atomic.Bool
	var drainFrom atomic.Int64
	go func() {
		select {
		case <-r.Context().Done():
			sw.Detach()
			drainFrom.Store(in.n.Load())
			disconnected.Store(true)
			time.AfterFunc(drainTime, cancelUpstream)
		case <-done:
		}
	}()

	debugChunks := os.Getenv("CC_GW_DEBUG_OPENAI") == "1"

	reader := translate.NewSSEReader(in)
	var streamErr error
	for {
		ev, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			streamErr = err
			break
		}
		if debugChunks {
			s.log.Debugf("sse chunk provider=%s event=%q data=%s", dec.ProviderID, ev.Event, ev.Data)
		}
		if err := st.Feed(ev, sw); err != nil {
			streamErr = err
			break
		}
		if disconnected.Load() && in.n.Load()-drainFrom.Load() > drainByteLimit {
			break
		}
	}
	if streamErr == nil && !disconnected.Load() {
		streamErr = st.Close(sw)
	}
	cancelUpstream()

	usage, seen := st.Usage()
	estText := st.OutputText()
	for _, blk := range st.ToolCalls() {
		estText += string(blk.RawInput)
	}
	fin.recordTokens(usage, seen, dec.TokenEstimate, estText, ttftMs.Load(), true)

	if capture.enabled {
		_ = s.logs.UpsertResponsePayload(context.Background(), fin.rec.ID, capture.String())
	}

	switch {
	case disconnected.Load() && out.n.Load() == 0:
		ae := apierr.ClientDisconnected()
		fin.finalize(ae.Status, ae.Message)
	case disconnected.Load():
		// Bytes already reached the client; the request itself succeeded.
		fin.finalize(http.StatusOK, "")
	case streamErr != nil:
		ae := apierr.FromError(streamErr)
		// Headers already went out as 200; the log record carries the truth.
		fin.finalize(ae.Status, ae.Message)
	default:
		fin.finalize(http.StatusOK, "")
	}
}

type countingWriter struct {
	w io.Writer
	n atomic.Int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n.Add(int64(n))
	return n, err
}

type countingReader struct {
	r io.Reader
	n atomic.Int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}

// captureWriter tees the emitted stream into a bounded buffer for payload
// storage. Writes beyond the limit pass through but are not retained.
type captureWriter struct {
	dst     io.Writer
	buf     []byte
	limit   int64
	enabled bool
	clipped bool
}

func newCaptureWriter(dst io.Writer, limit int64, enabled bool) *captureWriter {
	return &captureWriter{dst: dst, limit: limit, enabled: enabled}
}

func (c *captureWriter) Write(p []byte) (int, error) {
	if c.enabled && !c.clipped {
		room := c.limit - int64(len(c.buf))
		if room >= int64(len(p)) {
			c.buf = append(c.buf, p...)
		} else {
			if room > 0 {
				c.buf = append(c.buf, p[:room]...)
			}
			c.clipped = true
		}
	}
	return c.dst.Write(p)
}

func (c *captureWriter) String() string {
	if c.clipped {
		return string(c.buf) + "\n...(truncated)"
	}
	return string(c.buf)
}
