// Package router resolves (endpoint, requested model) pairs against the
// configured routing tables, producing the provider and upstream model a
// request is sent to.
package router

import (
	"strings"

	"github.com/ccgw/gateway/internal/apierr"
	"github.com/ccgw/gateway/internal/config"
	"github.com/ccgw/gateway/internal/normalize"
	"github.com/ccgw/gateway/internal/tokenizer"
)

// Decision is the routing outcome for one request.
type Decision struct {
	ProviderID    string
	Provider      config.Provider
	UpstreamModel string
	UpstreamType  config.ProviderType
	Category      Category
	TokenEstimate int
}

// Category classifies requests that have no explicit model route.
type Category string

const (
	CategoryCompletion Category = "completion"
	CategoryReasoning  Category = "reasoning"
	CategoryBackground Category = "background"
)

// Resolve maps the request to a provider and upstream model.
//
// Lookup order: exact model_routes entry, then the category default
// (background for short haiku requests, reasoning when tools or a thinking
// hint are present, completion otherwise). A target of "provider:*" keeps
// the requested model.
func Resolve(snap *config.Snapshot, endpoint string, payload *normalize.Payload) (Decision, error) {
	table := snap.RoutesFor(endpoint)
	model := payload.Model
	category := Classify(payload)

	target := ""
	if table.ModelRoutes != nil {
		target = table.ModelRoutes[model]
	}
	if target == "" {
		target = defaultTarget(table.Defaults, category)
	}
	if target == "" {
		return Decision{}, apierr.UnknownModel(model)
	}

	providerID, upstreamModel, err := config.SplitTarget(target)
	if err != nil {
		return Decision{}, apierr.Internal(err)
	}
	provider, ok := snap.Provider(providerID)
	if !ok {
		return Decision{}, apierr.UnknownProvider(providerID)
	}
	if upstreamModel == "*" {
		upstreamModel = model
		if upstreamModel == "" {
			upstreamModel = provider.DefaultModel
		}
	}

	return Decision{
		ProviderID:    providerID,
		Provider:      provider,
		UpstreamModel: upstreamModel,
		UpstreamType:  provider.Type,
		Category:      category,
		TokenEstimate: tokenizer.EstimatePayload(payload),
	}, nil
}

func defaultTarget(d config.RouteDefaults, category Category) string {
	switch category {
	case CategoryBackground:
		if d.Background != "" {
			return d.Background
		}
	case CategoryReasoning:
		if d.Reasoning != "" {
			return d.Reasoning
		}
	}
	return d.Completion
}

// Classify sorts an unrouted request into a default category.
//
// Background: the model name contains "haiku" and the conversation is short
// (at most two user turns, no tools). Reasoning: tools are defined or a
// thinking hint is present. The rest is plain completion.
func Classify(p *normalize.Payload) Category {
	if strings.Contains(strings.ToLower(p.Model), "haiku") &&
		p.UserMessageCount() <= 2 && !p.HasTools() {
		return CategoryBackground
	}
	if p.HasTools() || p.Thinking {
		return CategoryReasoning
	}
	return CategoryCompletion
}
