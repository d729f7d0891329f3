// Package config loads the gateway configuration file and exposes it as an
// immutable snapshot behind an atomically swappable pointer. In-flight
// requests capture one snapshot for their whole lifetime, so a mid-request
// reload can never change their routing.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ProviderType identifies the wire protocol an upstream (or endpoint) speaks.
type ProviderType string

const (
	TypeAnthropic       ProviderType = "anthropic"
	TypeOpenAIChat      ProviderType = "openai-chat"
	TypeOpenAIResponses ProviderType = "openai-responses"
	TypeOpenAIAuto      ProviderType = "openai-auto"
)

// Valid reports whether t is one of the known provider types.
func (t ProviderType) Valid() bool {
	switch t {
	case TypeAnthropic, TypeOpenAIChat, TypeOpenAIResponses, TypeOpenAIAuto:
		return true
	}
	return false
}

// AuthMode selects how the connector presents the provider secret.
type AuthMode string

const (
	AuthAPIKey AuthMode = "api-key"
	AuthBearer AuthMode = "bearer"
)

// Provider describes one configured upstream service.
type Provider struct {
	ID           string            `yaml:"id"`
	Label        string            `yaml:"label"`
	BaseURL      string            `yaml:"base_url"`
	AuthMode     AuthMode          `yaml:"auth_mode"`
	Secret       string            `yaml:"secret"`
	Type         ProviderType      `yaml:"type"`
	DefaultModel string            `yaml:"default_model"`
	Models       []string          `yaml:"models"`
	ExtraHeaders map[string]string `yaml:"extra_headers"`
}

// RouteDefaults names the fallback targets per request category.
type RouteDefaults struct {
	Completion string `yaml:"completion"`
	Reasoning  string `yaml:"reasoning"`
	Background string `yaml:"background"`
}

// RoutingTable maps requested models to "providerId:modelId" targets.
// A trailing "*" in the model part means passthrough of the requested model.
type RoutingTable struct {
	Defaults    RouteDefaults     `yaml:"defaults"`
	ModelRoutes map[string]string `yaml:"model_routes"`
}

func (t RoutingTable) empty() bool {
	return len(t.ModelRoutes) == 0 && t.Defaults == (RouteDefaults{})
}

// Endpoint declares a custom endpoint path bound to a protocol type with its
// own routing table, either inline or named via a preset.
type Endpoint struct {
	Name   string       `yaml:"name"`
	Path   string       `yaml:"path"`
	Type   ProviderType `yaml:"type"`
	Routes RoutingTable `yaml:"routes"`
	Preset string       `yaml:"preset"`
}

// Server holds HTTP-facing options.
type Server struct {
	Addr                  string        `yaml:"addr"`
	MaxBodyBytes          int64         `yaml:"max_body_bytes"`
	StoreRequestPayloads  bool          `yaml:"store_request_payloads"`
	StoreResponsePayloads bool          `yaml:"store_response_payloads"`
	CaptureLimitBytes     int64         `yaml:"capture_limit_bytes"`
	SSEPingInterval       time.Duration `yaml:"sse_ping_interval"`
	LogFile               string        `yaml:"log_file"`
	LogLevel              string        `yaml:"log_level"`
}

// Store holds request-log persistence options.
type Store struct {
	Driver        string        `yaml:"driver"` // sqlite | postgres
	Path          string        `yaml:"path"`   // sqlite file
	DSN           string        `yaml:"dsn"`    // postgres
	Async         bool          `yaml:"async"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	QueueSize     int           `yaml:"queue_size"`
}

// Keys holds API-key service options.
type Keys struct {
	Path            string `yaml:"path"` // sqlite file
	WildcardEnabled bool   `yaml:"wildcard_enabled"`
}

// Snapshot is one immutable view of the full configuration.
type Snapshot struct {
	Server    Server                  `yaml:"server"`
	Providers map[string]Provider     `yaml:"providers"`
	Routes    map[string]RoutingTable `yaml:"routes"` // keyed by endpoint: anthropic, openai, <custom name>
	Endpoints []Endpoint              `yaml:"endpoints"`
	// Presets are named routing tables custom endpoints reference by
	// `preset:`.
	Presets map[string]RoutingTable `yaml:"presets"`
	Store   Store                   `yaml:"store"`
	Keys    Keys                    `yaml:"keys"`
}

// RoutesFor returns the routing table for an endpoint. A missing table falls
// back to the anthropic table for the anthropic endpoint (the global routes)
// and to an empty table otherwise.
func (s *Snapshot) RoutesFor(endpoint string) RoutingTable {
	if t, ok := s.Routes[endpoint]; ok {
		return t
	}
	if endpoint != "anthropic" {
		if t, ok := s.Routes["anthropic"]; ok && endpoint == "" {
			return t
		}
		return RoutingTable{}
	}
	return RoutingTable{}
}

// Provider returns the provider by ID.
func (s *Snapshot) Provider(id string) (Provider, bool) {
	p, ok := s.Providers[id]
	return p, ok
}

// Load reads, parses, and validates a configuration file.
func Load(path string) (*Snapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(raw)
}

// Parse decodes and validates raw YAML configuration.
func Parse(raw []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := yaml.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&snap)
	if err := validate(&snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func applyDefaults(s *Snapshot) {
	if s.Server.Addr == "" {
		s.Server.Addr = "127.0.0.1:3180"
	}
	if s.Server.MaxBodyBytes <= 0 {
		s.Server.MaxBodyBytes = 10 << 20
	}
	if s.Server.CaptureLimitBytes <= 0 {
		s.Server.CaptureLimitBytes = 2 << 20
	}
	if s.Server.LogLevel == "" {
		s.Server.LogLevel = "info"
	}
	if s.Store.Driver == "" {
		s.Store.Driver = "sqlite"
	}
	if s.Store.Path == "" {
		s.Store.Path = "data/requests.db"
	}
	if s.Store.FlushInterval <= 0 {
		s.Store.FlushInterval = time.Second
	}
	if s.Store.QueueSize <= 0 {
		s.Store.QueueSize = 4096
	}
	if s.Keys.Path == "" {
		s.Keys.Path = "data/keys.db"
	}
	if s.Providers == nil {
		s.Providers = map[string]Provider{}
	}
	if s.Routes == nil {
		s.Routes = map[string]RoutingTable{}
	}
	// Custom endpoints may carry their table inline or name a preset; both
	// land in Routes under the endpoint name so lookup has one source. An
	// explicit top-level routes entry wins.
	for _, ep := range s.Endpoints {
		if _, ok := s.Routes[ep.Name]; ok {
			continue
		}
		table := ep.Routes
		if table.empty() && ep.Preset != "" {
			table = s.Presets[ep.Preset]
		}
		if !table.empty() {
			s.Routes[ep.Name] = table
		}
	}
	for id, p := range s.Providers {
		if p.ID == "" {
			p.ID = id
		}
		if p.AuthMode == "" {
			p.AuthMode = AuthAPIKey
		}
		if p.Type == "" {
			p.Type = TypeOpenAIChat
		}
		p.BaseURL = strings.TrimRight(strings.TrimSpace(p.BaseURL), "/")
		s.Providers[id] = p
	}
}

func validate(s *Snapshot) error {
	for id, p := range s.Providers {
		if p.BaseURL == "" {
			return fmt.Errorf("provider %q: base_url required", id)
		}
		if !p.Type.Valid() {
			return fmt.Errorf("provider %q: unknown type %q", id, p.Type)
		}
		if p.AuthMode != AuthAPIKey && p.AuthMode != AuthBearer {
			return fmt.Errorf("provider %q: unknown auth_mode %q", id, p.AuthMode)
		}
	}
	for _, ep := range s.Endpoints {
		if ep.Path == "" || ep.Name == "" {
			return fmt.Errorf("custom endpoint requires name and path")
		}
		if !ep.Type.Valid() {
			return fmt.Errorf("endpoint %q: unknown type %q", ep.Name, ep.Type)
		}
		if ep.Preset != "" {
			if _, ok := s.Presets[ep.Preset]; !ok {
				return fmt.Errorf("endpoint %q: unknown preset %q", ep.Name, ep.Preset)
			}
		}
	}
	for endpoint, table := range s.Routes {
		for pattern, target := range table.ModelRoutes {
			if _, _, err := SplitTarget(target); err != nil {
				return fmt.Errorf("routes[%s] %q: %w", endpoint, pattern, err)
			}
		}
	}
	for name, table := range s.Presets {
		for pattern, target := range table.ModelRoutes {
			if _, _, err := SplitTarget(target); err != nil {
				return fmt.Errorf("presets[%s] %q: %w", name, pattern, err)
			}
		}
	}
	return nil
}

// SplitTarget parses "providerId:modelId"; modelId may be "*" (passthrough).
func SplitTarget(target string) (providerID, model string, err error) {
	idx := strings.Index(target, ":")
	if idx <= 0 || idx == len(target)-1 {
		return "", "", fmt.Errorf("target %q must be providerId:modelId", target)
	}
	return target[:idx], target[idx+1:], nil
}
