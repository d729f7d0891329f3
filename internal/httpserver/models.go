package httpserver

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/ccgw/gateway/internal/apierr"
	"github.com/ccgw/gateway/internal/normalize"
	"github.com/ccgw/gateway/internal/protocol/anthropic"
	"github.com/ccgw/gateway/internal/protocol/openai"
	"github.com/ccgw/gateway/internal/tokenizer"
)

// handleModels lists the models declared across configured providers in the
// OpenAI listing shape. A model served by several providers appears once
// with every provider named in its metadata.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if _, err := s.keys.Resolve(r.Context(), presentedToken(r)); err != nil {
		s.respondError(w, apierr.FromError(err))
		return
	}

	snap := s.cfg.Snapshot()
	providersByModel := map[string][]string{}
	for id, p := range snap.Providers {
		for _, m := range p.Models {
			providersByModel[m] = append(providersByModel[m], id)
		}
	}

	names := make([]string, 0, len(providersByModel))
	for m := range providersByModel {
		names = append(names, m)
	}
	sort.Strings(names)

	now := time.Now().Unix()
	list := openai.ModelList{Object: "list"}
	for _, m := range names {
		ids := providersByModel[m]
		sort.Strings(ids)
		list.Data = append(list.Data, openai.Model{
			ID:       m,
			Object:   "model",
			Created:  now,
			OwnedBy:  ids[0],
			Metadata: map[string]any{"providers": ids},
		})
	}
	s.respondJSON(w, http.StatusOK, list)
}

// handleCountTokens estimates the token count of an Anthropic Messages body
// without calling any upstream.
func (s *Server) handleCountTokens(w http.ResponseWriter, r *http.Request) {
	if _, err := s.keys.Resolve(r.Context(), presentedToken(r)); err != nil {
		s.respondError(w, apierr.FromError(err))
		return
	}

	snap := s.cfg.Snapshot()
	r.Body = http.MaxBytesReader(w, r.Body, snap.Server.MaxBodyBytes)

	var req anthropic.MessagesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, apierr.InvalidRequest("parse anthropic body: %v", err))
		return
	}
	p, err := normalize.FromAnthropic(&req)
	if err != nil {
		s.respondError(w, apierr.FromError(err))
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]int{
		"input_tokens": tokenizer.EstimatePayload(p),
	})
}
