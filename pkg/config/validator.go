package config

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/cexll/agentsnap/pkg/snapshot/normalize"
)

var supportedTools = map[string]struct{}{"file": {}, "glob": {}, "current_time": {}}

// ValidateSettings checks the merged Settings structure for logical consistency.
// Aggregates all failures using errors.Join so callers can surface every issue at once.
func ValidateSettings(s *Settings) error {
	if s == nil {
		return errors.New("settings is nil")
	}

	var errs []error
	errs = append(errs, validateSnapshotConfig(s.Snapshot)...)
	errs = append(errs, validateNormalizeConfig(s.Normalize)...)
	errs = append(errs, validateModelConfig(s.Model)...)
	errs = append(errs, validateMCPConfig(s.MCP)...)
	errs = append(errs, validateLogConfig(s.Log)...)
	errs = append(errs, validateTracingConfig(s.Tracing)...)
	for k := range s.Env {
		if strings.TrimSpace(k) == "" || strings.Contains(k, "=") {
			errs = append(errs, fmt.Errorf("env key %q is invalid", k))
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

func validateSnapshotConfig(c *SnapshotConfig) []error {
	if c == nil {
		return []error{errors.New("snapshot settings are required")}
	}
	var errs []error
	if strings.TrimSpace(c.Root) == "" {
		errs = append(errs, errors.New("snapshot.root is required"))
	}
	if strings.TrimSpace(c.Manifest) == "" {
		errs = append(errs, errors.New("snapshot.manifest is required"))
	}
	return errs
}

func validateNormalizeConfig(c *NormalizeConfig) []error {
	if c == nil {
		return nil
	}
	var errs []error
	for i, r := range c.Rules {
		if strings.TrimSpace(r.Pattern) == "" {
			errs = append(errs, fmt.Errorf("normalize.rules[%d].pattern is required", i))
			continue
		}
		if _, err := normalize.ParsePattern(r.Pattern); err != nil {
			errs = append(errs, fmt.Errorf("normalize.rules[%d].pattern: %w", i, err))
		}
	}
	for i, raw := range c.Ignore {
		if strings.TrimSpace(raw) == "" {
			errs = append(errs, fmt.Errorf("normalize.ignore[%d] is empty", i))
			continue
		}
		if _, err := normalize.ParsePattern(raw); err != nil {
			errs = append(errs, fmt.Errorf("normalize.ignore[%d]: %w", i, err))
		}
	}
	return errs
}

func validateModelConfig(c *ModelConfig) []error {
	if c == nil {
		return nil
	}
	var errs []error
	if _, ok := defaultAPIKeyEnv[c.ProviderName()]; !ok {
		errs = append(errs, fmt.Errorf("model.provider %q is not supported", strings.TrimSpace(c.Provider)))
	}
	if c.MaxTokens != nil && *c.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("model.max_tokens must be >= 0, got %d", *c.MaxTokens))
	}
	if c.MaxRetries != nil && *c.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("model.max_retries must be >= 0, got %d", *c.MaxRetries))
	}
	for _, name := range c.Tools {
		if _, ok := supportedTools[name]; !ok {
			errs = append(errs, fmt.Errorf("model.tools: unknown tool %q", name))
		}
	}
	return errs
}

func validateMCPConfig(c *MCPConfig) []error {
	if c == nil {
		return nil
	}
	var errs []error
	for name, srv := range c.Servers {
		hasCmd := strings.TrimSpace(srv.Command) != ""
		hasURL := strings.TrimSpace(srv.URL) != ""
		switch {
		case strings.TrimSpace(name) == "":
			errs = append(errs, errors.New("mcp.servers: server name is empty"))
		case hasCmd == hasURL:
			errs = append(errs, fmt.Errorf("mcp.servers.%s: exactly one of command or url is required", name))
		case hasURL && !strings.HasPrefix(srv.URL, "http://") && !strings.HasPrefix(srv.URL, "https://"):
			errs = append(errs, fmt.Errorf("mcp.servers.%s.url %q must be http(s)", name, srv.URL))
		}
	}
	return errs
}

func validateLogConfig(c *LogConfig) []error {
	if c == nil {
		return nil
	}
	switch strings.ToLower(strings.TrimSpace(c.Level)) {
	case "", "debug", "info", "warn", "warning", "error":
		return nil
	default:
		return []error{fmt.Errorf("log.level %q is not supported", c.Level)}
	}
}

func validateTracingConfig(c *TracingConfig) []error {
	if c == nil || c.Enabled == nil || !*c.Enabled {
		return nil
	}
	if strings.TrimSpace(c.Endpoint) == "" {
		return []error{errors.New("tracing.endpoint is required when tracing is enabled")}
	}
	if _, _, err := net.SplitHostPort(c.Endpoint); err != nil {
		return []error{fmt.Errorf("tracing.endpoint %q must be host:port: %w", c.Endpoint, err)}
	}
	return nil
}
