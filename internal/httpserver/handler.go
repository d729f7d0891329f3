package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ccgw/gateway/internal/apierr"
	"github.com/ccgw/gateway/internal/apikey"
	"github.com/ccgw/gateway/internal/config"
	"github.com/ccgw/gateway/internal/connector"
	"github.com/ccgw/gateway/internal/normalize"
	"github.com/ccgw/gateway/internal/protocol/anthropic"
	"github.com/ccgw/gateway/internal/protocol/openai"
	"github.com/ccgw/gateway/internal/reqlog"
	"github.com/ccgw/gateway/internal/router"
	"github.com/ccgw/gateway/internal/tokenizer"
	"github.com/ccgw/gateway/internal/translate"
)

// handle runs the pipeline for one completion request:
// authenticate, normalize, route, open upstream, relay, account, finalize.
func (s *Server) handle(w http.ResponseWriter, r *http.Request, endpoint string, clientType config.ProviderType) {
	start := time.Now()
	snap := s.cfg.Snapshot()

	r.Body = http.MaxBytesReader(w, r.Body, snap.Server.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.respondError(w, apierr.InvalidRequest("read request body: %v", err))
		return
	}

	// Authenticate before routing so an unauthenticated call never consumes
	// routing or upstream resources.
	keyCtx, err := s.keys.Resolve(r.Context(), presentedToken(r))
	if err != nil {
		s.respondError(w, apierr.FromError(err))
		return
	}

	if clientType == config.TypeOpenAIAuto {
		clientType = sniffOpenAIType(body)
	}

	payload, aerr := normalizeBody(body, clientType)
	if aerr != nil {
		s.respondError(w, aerr)
		return
	}

	dec, err := router.Resolve(snap, endpoint, payload)
	if err != nil {
		s.respondError(w, apierr.FromError(err))
		return
	}

	s.metrics.RequestStarted()

	rec := &reqlog.Record{
		ID:          uuid.NewString(),
		Timestamp:   start,
		Endpoint:    endpoint,
		Provider:    dec.ProviderID,
		Model:       dec.UpstreamModel,
		ClientModel: payload.Model,
		APIKeyID:    keyCtx.KeyID,
		SessionID:   sessionID(payload),
		Stream:      payload.Stream,
	}
	ctx := r.Context()
	_ = s.logs.Create(ctx, rec)

	fin := &finalizer{
		server:   s,
		rec:      rec,
		start:    start,
		endpoint: endpoint,
		keyCtx:   keyCtx,
		decision: dec,
	}
	defer func() {
		if p := recover(); p != nil {
			fin.finalize(http.StatusInternalServerError, "internal panic")
			panic(p)
		}
	}()

	if snap.Server.StoreRequestPayloads {
		_ = s.logs.UpsertRequestPayload(ctx, rec.ID, capped(body, snap.Server.CaptureLimitBytes))
	}

	upBody, err := translate.BuildRequest(payload, dec.UpstreamType, dec.UpstreamModel)
	if err != nil {
		ae := apierr.FromError(err)
		s.respondError(w, ae)
		fin.finalize(ae.Status, ae.Message)
		return
	}

	req := connector.Request{
		Body:    upBody,
		Stream:  payload.Stream,
		Headers: forwardedHeaders(r),
	}
	if dec.UpstreamType == config.TypeAnthropic {
		forced := r.URL.Query().Get("beta") == "true"
		if beta := translate.AnthropicBeta(dec.UpstreamModel, forced); beta != "" {
			req.Headers["anthropic-beta"] = beta
			req.Query = url.Values{"beta": {"true"}}
		}
	}

	// The upstream context survives a client disconnect so the usage tail
	// can still be drained; the streaming path bounds the drain itself.
	upCtx, cancelUpstream := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelUpstream()

	conn := s.registry.Get(dec.ProviderID, dec.Provider)
	resp, err := conn.Send(upCtx, req)
	if err != nil {
		ae := apierr.FromError(err)
		s.respondError(w, ae)
		fin.finalize(ae.Status, ae.Message)
		return
	}

	if resp.Status >= 400 {
		s.forwardUpstreamError(w, resp, fin)
		return
	}

	if payload.Stream {
		s.serveStream(w, r, snap, resp, dec, payload, clientType, fin, cancelUpstream)
		return
	}
	s.serveBuffered(w, snap, resp, dec, payload, clientType, fin)
}

// forwardUpstreamError relays an upstream error status and body verbatim.
func (s *Server) forwardUpstreamError(w http.ResponseWriter, resp *connector.Response, fin *finalizer) {
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	msg := upstreamErrorMessage(raw)
	if msg == "" {
		msg = http.StatusText(resp.Status)
	}
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = "application/json"
	}
	w.Header().Set("Content-Type", ct)
	w.WriteHeader(resp.Status)
	_, _ = w.Write(raw)
	fin.finalize(resp.Status, msg)
}

// serveBuffered handles the non-streaming reply path.
func (s *Server) serveBuffered(w http.ResponseWriter, snap *config.Snapshot, resp *connector.Response, dec router.Decision, payload *normalize.Payload, clientType config.ProviderType, fin *finalizer) {
	raw, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		ae := apierr.UpstreamDecode(err)
		s.respondError(w, ae)
		fin.finalize(ae.Status, ae.Message)
		return
	}

	res, perr := translate.ParseResponse(raw, dec.UpstreamType)

	var out []byte
	if clientType == dec.UpstreamType {
		// Same protocol: forward unchanged, parse only for accounting.
		out = raw
	} else {
		if perr != nil {
			ae := apierr.FromError(perr)
			s.respondError(w, ae)
			fin.finalize(ae.Status, ae.Message)
			return
		}
		out, err = translate.RenderResponse(res, clientType, payload.Model)
		if err != nil {
			ae := apierr.FromError(err)
			s.respondError(w, ae)
			fin.finalize(ae.Status, ae.Message)
			return
		}
	}

	var usage translate.Usage
	usageSeen := false
	outputText := ""
	if res != nil {
		usage = res.Usage
		usageSeen = usage.Input > 0 || usage.Output > 0
		for _, blk := range res.Blocks {
			if blk.Kind == normalize.BlockText {
				outputText += blk.Text
			}
		}
	}
	fin.recordTokens(usage, usageSeen, dec.TokenEstimate, outputText, 0, false)

	if snap.Server.StoreResponsePayloads {
		_ = s.logs.UpsertResponsePayload(context.Background(), fin.rec.ID, capped(out, snap.Server.CaptureLimitBytes))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
	fin.finalize(http.StatusOK, "")
}

// normalizeBody decodes and canonicalizes the client body per protocol.
func normalizeBody(body []byte, clientType config.ProviderType) (*normalize.Payload, *apierr.Error) {
	switch clientType {
	case config.TypeAnthropic:
		var req anthropic.MessagesRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, apierr.InvalidRequest("parse anthropic body: %v", err)
		}
		p, err := normalize.FromAnthropic(&req)
		if err != nil {
			return nil, apierr.FromError(err)
		}
		return p, nil
	case config.TypeOpenAIResponses:
		var req openai.ResponseRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, apierr.InvalidRequest("parse responses body: %v", err)
		}
		p, err := normalize.FromResponses(&req)
		if err != nil {
			return nil, apierr.FromError(err)
		}
		return p, nil
	default:
		var req openai.ChatCompletionRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, apierr.InvalidRequest("parse chat body: %v", err)
		}
		p, err := normalize.FromChat(&req)
		if err != nil {
			return nil, apierr.FromError(err)
		}
		return p, nil
	}
}

// sniffOpenAIType picks the concrete protocol for openai-auto endpoints:
// a body carrying "input" is a Responses request, otherwise chat.
func sniffOpenAIType(body []byte) config.ProviderType {
	var probe struct {
		Input json.RawMessage `json:"input"`
	}
	if err := json.Unmarshal(body, &probe); err == nil && len(probe.Input) > 0 {
		return config.TypeOpenAIResponses
	}
	return config.TypeOpenAIChat
}

// sessionID extracts the caller-supplied session identity from metadata.
func sessionID(p *normalize.Payload) string {
	if p.Metadata == nil {
		return ""
	}
	for _, key := range []string{"user_id", "session_id"} {
		if v, ok := p.Metadata[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// forwardedHeaders passes through the restricted set of client headers.
func forwardedHeaders(r *http.Request) map[string]string {
	h := map[string]string{}
	for name, vals := range r.Header {
		if len(vals) == 0 {
			continue
		}
		if strings.HasPrefix(strings.ToLower(name), "anthropic-") {
			h[strings.ToLower(name)] = vals[0]
		}
	}
	return h
}

// capped truncates a payload for storage, marking the cut.
func capped(b []byte, limit int64) string {
	if limit <= 0 || int64(len(b)) <= limit {
		return string(b)
	}
	return string(b[:limit]) + "\n...(truncated)"
}

func upstreamErrorMessage(raw []byte) string {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil {
		return envelope.Error.Message
	}
	return ""
}

// finalizer guarantees exactly one terminal write per log record and one
// usage commit per request, on every exit path.
type finalizer struct {
	server   *Server
	rec      *reqlog.Record
	start    time.Time
	endpoint string
	keyCtx   *apikey.Context
	decision router.Decision

	mu        sync.Mutex
	tokens    reqlog.Tokens
	hasTokens bool
	done      bool
}

// recordTokens resolves final token accounting, estimating when upstream
// never reported usage, and upserts it on the log record.
func (f *finalizer) recordTokens(usage translate.Usage, usageSeen bool, inputEstimate int, outputText string, ttftMs int64, streaming bool) {
	t := reqlog.Tokens{
		Input:          usage.Input,
		Output:         usage.Output,
		CachedRead:     usage.CacheRead,
		CachedCreation: usage.CacheCreation,
		TTFTMs:         ttftMs,
	}
	if !usageSeen || (t.Input == 0 && t.Output == 0) {
		t.Input = inputEstimate
		t.Output = tokenizer.EstimateText(outputText)
		t.Estimated = true
	}
	latencyMs := time.Since(f.start).Milliseconds()
	if tpot, ok := tokenizer.TPOT(latencyMs, ttftMs, t.Output, streaming, usage.Reasoning > 0); ok {
		t.TPOTMs = tpot
	}

	f.mu.Lock()
	f.tokens = t
	f.hasTokens = true
	f.mu.Unlock()

	_ = f.server.logs.UpdateTokens(context.Background(), f.rec.ID, t)
}

// finalize writes the terminal log fields and commits per-key usage and
// metrics. Safe to call more than once; only the first call wins.
func (f *finalizer) finalize(status int, errMsg string) {
	f.mu.Lock()
	if f.done {
		f.mu.Unlock()
		return
	}
	f.done = true
	tokens := f.tokens
	f.mu.Unlock()

	latency := time.Since(f.start)
	ctx := context.Background()
	_ = f.server.logs.Finalize(ctx, f.rec.ID, reqlog.Final{
		LatencyMs:  latency.Milliseconds(),
		StatusCode: status,
		Error:      errMsg,
	})
	_ = f.server.keys.RecordUsage(ctx, f.keyCtx.KeyID, apikey.Usage{
		InputTokens:  int64(tokens.Input),
		OutputTokens: int64(tokens.Output),
	})
	f.server.metrics.Tokens(f.decision.ProviderID, f.decision.UpstreamModel, tokens.Input, tokens.Output)
	f.server.metrics.RequestFinished(f.endpoint, f.decision.ProviderID, f.decision.UpstreamModel, status, latency)

	f.server.log.Infof("request endpoint=%s provider=%s model=%s status=%d stream=%t latency_ms=%d in=%d out=%d est=%t err=%q",
		f.endpoint, f.decision.ProviderID, f.decision.UpstreamModel, status, f.rec.Stream,
		latency.Milliseconds(), tokens.Input, tokens.Output, tokens.Estimated, errMsg)
}
