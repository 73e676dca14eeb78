package config

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/cexll/agentsnap/pkg/mcp"
	"github.com/cexll/agentsnap/pkg/model"
	"github.com/cexll/agentsnap/pkg/snapshot"
	"github.com/cexll/agentsnap/pkg/snapshot/normalize"
)

// Settings models the full contents of agentsnap.yaml.
// All optional booleans use *bool so nil means "unset" and caller defaults apply.
type Settings struct {
	Snapshot  *SnapshotConfig   `yaml:"snapshot,omitempty"`  // Where snapshots live and how Test verifies them.
	Normalize *NormalizeConfig  `yaml:"normalize,omitempty"` // Extra normalization rules applied on comparison.
	Model     *ModelConfig      `yaml:"model,omitempty"`     // Live model used by generate runs.
	MCP       *MCPConfig        `yaml:"mcp,omitempty"`       // MCP servers whose tools are registered on the runtime.
	Log       *LogConfig        `yaml:"log,omitempty"`       // CLI logging.
	Tracing   *TracingConfig    `yaml:"tracing,omitempty"`   // OTLP span export.
	Env       map[string]string `yaml:"env,omitempty"`       // Environment variables applied before runtimes are built.
}

// SnapshotConfig locates snapshots and the cases manifest.
type SnapshotConfig struct {
	Root     string              `yaml:"root,omitempty"`     // Directory holding every snapshot.
	Manifest string              `yaml:"manifest,omitempty"` // Cases manifest, relative to the project root.
	Update   *bool               `yaml:"update,omitempty"`   // Rewrite mismatching artifacts instead of failing.
	Verify   *VerificationConfig `yaml:"verify,omitempty"`   // Verification category toggles.
}

// VerificationConfig toggles verification categories.
type VerificationConfig struct {
	ModelRequests *bool `yaml:"model_requests,omitempty"`
	EventStreams  *bool `yaml:"event_streams,omitempty"`
	ToolCalls     *bool `yaml:"tool_calls,omitempty"`
}

// NormalizeConfig extends the built-in normalization rules.
type NormalizeConfig struct {
	DisableDefaults *bool        `yaml:"disable_defaults,omitempty"` // Drop the built-in volatile-field rules.
	Rules           []RuleConfig `yaml:"rules,omitempty"`            // Appended after the built-in rules.
	Ignore          []string     `yaml:"ignore,omitempty"`           // Keys or paths removed before comparison.
}

// RuleConfig is one replacement rule. Patterns wrapped in slashes are
// regular expressions; anything else matches exactly.
type RuleConfig struct {
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
	Recurse     bool   `yaml:"recurse,omitempty"`
}

// ModelConfig configures the live model client.
type ModelConfig struct {
	Provider   string   `yaml:"provider,omitempty"`    // "anthropic" or "openai".
	Name       string   `yaml:"name,omitempty"`        // Provider model id.
	APIKeyEnv  string   `yaml:"api_key_env,omitempty"` // Environment variable holding the API key.
	BaseURL    string   `yaml:"base_url,omitempty"`
	MaxTokens  *int     `yaml:"max_tokens,omitempty"`
	MaxRetries *int     `yaml:"max_retries,omitempty"`
	System     string   `yaml:"system,omitempty"`
	Tools      []string `yaml:"tools,omitempty"` // Built-in tools registered on the runtime.
}

// Model providers understood by the CLI.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

var defaultAPIKeyEnv = map[string]string{
	ProviderAnthropic: "ANTHROPIC_API_KEY",
	ProviderOpenAI:    "OPENAI_API_KEY",
}

// MCPConfig lists MCP servers by name.
type MCPConfig struct {
	Servers map[string]MCPServerConfig `yaml:"servers,omitempty"`
}

// MCPServerConfig launches a stdio server with Command or connects to a
// streamable HTTP server at URL.
type MCPServerConfig struct {
	Command string            `yaml:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
	URL     string            `yaml:"url,omitempty"`
}

// LogConfig controls the CLI log handler.
type LogConfig struct {
	Level   string `yaml:"level,omitempty"` // debug, info, warn or error.
	NoColor *bool  `yaml:"no_color,omitempty"`
}

// TracingConfig controls OTLP/HTTP span export.
type TracingConfig struct {
	Enabled     *bool  `yaml:"enabled,omitempty"`
	Endpoint    string `yaml:"endpoint,omitempty"` // host:port of the collector.
	Insecure    *bool  `yaml:"insecure,omitempty"`
	ServiceName string `yaml:"service_name,omitempty"`
}

// GetDefaultSettings returns the documented defaults.
func GetDefaultSettings() Settings {
	return Settings{
		Snapshot: &SnapshotConfig{
			Root:     "__snapshots__",
			Manifest: "cases.yaml",
			Update:   boolPtr(false),
		},
		Model: &ModelConfig{
			Provider:   ProviderAnthropic,
			MaxTokens:  intPtr(4096),
			MaxRetries: intPtr(2),
		},
		Log: &LogConfig{Level: "info", NoColor: boolPtr(false)},
		Tracing: &TracingConfig{
			Enabled:     boolPtr(false),
			Endpoint:    "localhost:4318",
			Insecure:    boolPtr(true),
			ServiceName: "agentsnap",
		},
	}
}

// Validate delegates to the aggregated validator.
func (s *Settings) Validate() error { return ValidateSettings(s) }

// Verification converts the verification toggles.
func (s *Settings) Verification() snapshot.Verification {
	if s == nil || s.Snapshot == nil || s.Snapshot.Verify == nil {
		return snapshot.Verification{}
	}
	v := s.Snapshot.Verify
	return snapshot.Verification{
		ModelRequests: cloneBoolPtr(v.ModelRequests),
		EventStreams:  cloneBoolPtr(v.EventStreams),
		ToolCalls:     cloneBoolPtr(v.ToolCalls),
	}
}

// UpdateMode reports whether Test should rewrite mismatching artifacts.
func (s *Settings) UpdateMode() bool {
	return s != nil && s.Snapshot != nil && s.Snapshot.Update != nil && *s.Snapshot.Update
}

// Normalizer builds the normalizer described by the normalize section.
func (s *Settings) Normalizer() (*normalize.Normalizer, error) {
	if s == nil || s.Normalize == nil {
		return normalize.Default(), nil
	}
	n := s.Normalize
	cfg := normalize.Config{DisableDefaults: n.DisableDefaults != nil && *n.DisableDefaults}
	for i, r := range n.Rules {
		p, err := normalize.ParsePattern(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("normalize.rules[%d]: %w", i, err)
		}
		cfg.Rules = append(cfg.Rules, normalize.Rule{Pattern: p, Replacement: r.Replacement, Recurse: r.Recurse})
	}
	for i, raw := range n.Ignore {
		p, err := normalize.ParsePattern(raw)
		if err != nil {
			return nil, fmt.Errorf("normalize.ignore[%d]: %w", i, err)
		}
		cfg.Ignore = append(cfg.Ignore, p)
	}
	return normalize.New(cfg), nil
}

// MCPServers returns the configured servers sorted by name.
func (s *Settings) MCPServers() []mcp.Server {
	if s == nil || s.MCP == nil || len(s.MCP.Servers) == 0 {
		return nil
	}
	names := make([]string, 0, len(s.MCP.Servers))
	for name := range s.MCP.Servers {
		names = append(names, name)
	}
	slices.Sort(names)
	out := make([]mcp.Server, 0, len(names))
	for _, name := range names {
		c := s.MCP.Servers[name]
		srv := mcp.Server{Name: name, Command: c.Command, Args: slices.Clone(c.Args), URL: c.URL}
		for _, k := range slices.Sorted(maps.Keys(c.Env)) {
			srv.Env = append(srv.Env, k+"="+c.Env[k])
		}
		out = append(out, srv)
	}
	return out
}

// ProviderName returns the configured provider, defaulting to anthropic.
func (m *ModelConfig) ProviderName() string {
	if m == nil || strings.TrimSpace(m.Provider) == "" {
		return ProviderAnthropic
	}
	return strings.ToLower(strings.TrimSpace(m.Provider))
}

// apiKey reads the API key from api_key_env, or from the provider's usual
// variable when unset.
func (m *ModelConfig) apiKey() (string, error) {
	env := m.APIKeyEnv
	if env == "" {
		env = defaultAPIKeyEnv[m.ProviderName()]
	}
	key := strings.TrimSpace(os.Getenv(env))
	if key == "" {
		return "", fmt.Errorf("model api key: $%s is not set", env)
	}
	return key, nil
}

func (m *ModelConfig) expect(provider string) error {
	if m == nil {
		return errors.New("model settings missing")
	}
	if p := m.ProviderName(); p != provider {
		return fmt.Errorf("model.provider is %q, not %s", p, provider)
	}
	return nil
}

// AnthropicConfig resolves the live model configuration for the anthropic
// provider.
func (m *ModelConfig) AnthropicConfig() (model.AnthropicConfig, error) {
	if err := m.expect(ProviderAnthropic); err != nil {
		return model.AnthropicConfig{}, err
	}
	key, err := m.apiKey()
	if err != nil {
		return model.AnthropicConfig{}, err
	}
	cfg := model.AnthropicConfig{
		APIKey:  key,
		BaseURL: m.BaseURL,
		Model:   m.Name,
		System:  m.System,
	}
	if m.MaxTokens != nil {
		cfg.MaxTokens = *m.MaxTokens
	}
	if m.MaxRetries != nil {
		cfg.MaxRetries = *m.MaxRetries
	}
	return cfg, nil
}

// OpenAIConfig resolves the live model configuration for the openai
// provider. base_url may point at any compatible endpoint.
func (m *ModelConfig) OpenAIConfig() (model.OpenAIConfig, error) {
	if err := m.expect(ProviderOpenAI); err != nil {
		return model.OpenAIConfig{}, err
	}
	key, err := m.apiKey()
	if err != nil {
		return model.OpenAIConfig{}, err
	}
	cfg := model.OpenAIConfig{
		APIKey:  key,
		BaseURL: m.BaseURL,
		Model:   m.Name,
		System:  m.System,
	}
	if m.MaxTokens != nil {
		cfg.MaxTokens = *m.MaxTokens
	}
	if m.MaxRetries != nil {
		cfg.MaxRetries = *m.MaxRetries
	}
	return cfg, nil
}

// boolPtr helps encode optional booleans.
func boolPtr(v bool) *bool { return &v }

func intPtr(v int) *int { return &v }
