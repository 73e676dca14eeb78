package config

// This file provides pure, allocation-safe merge helpers for Settings.
// All functions return new objects and never mutate inputs.

// MergeSettings deep-merges two Settings structs (lower <- higher) and returns a new instance.
// - Scalars: higher non-zero values override lower.
// - *bool / *int pointers: higher non-nil overrides lower.
// - Maps: merged per key with higher entries overriding.
// - []string: concatenated with de-duplication, preserving order.
// - Rules: concatenated, lower first.
// - Nested structs: merged recursively.
func MergeSettings(lower, higher *Settings) *Settings {
	if lower == nil && higher == nil {
		return nil
	}
	if lower == nil {
		return cloneSettings(higher)
	}
	if higher == nil {
		return cloneSettings(lower)
	}

	result := cloneSettings(lower)
	result.Snapshot = mergeSnapshot(lower.Snapshot, higher.Snapshot)
	result.Normalize = mergeNormalize(lower.Normalize, higher.Normalize)
	result.Model = mergeModel(lower.Model, higher.Model)
	result.MCP = mergeMCP(lower.MCP, higher.MCP)
	result.Log = mergeLog(lower.Log, higher.Log)
	result.Tracing = mergeTracing(lower.Tracing, higher.Tracing)
	result.Env = mergeMaps(lower.Env, higher.Env)
	return result
}

func mergeSnapshot(lower, higher *SnapshotConfig) *SnapshotConfig {
	if lower == nil && higher == nil {
		return nil
	}
	if lower == nil {
		return cloneSnapshot(higher)
	}
	if higher == nil {
		return cloneSnapshot(lower)
	}
	out := cloneSnapshot(lower)
	if higher.Root != "" {
		out.Root = higher.Root
	}
	if higher.Manifest != "" {
		out.Manifest = higher.Manifest
	}
	if higher.Update != nil {
		out.Update = boolPtr(*higher.Update)
	}
	out.Verify = mergeVerification(lower.Verify, higher.Verify)
	return out
}

func mergeVerification(lower, higher *VerificationConfig) *VerificationConfig {
	if lower == nil && higher == nil {
		return nil
	}
	if lower == nil {
		return cloneVerification(higher)
	}
	if higher == nil {
		return cloneVerification(lower)
	}
	out := cloneVerification(lower)
	if higher.ModelRequests != nil {
		out.ModelRequests = boolPtr(*higher.ModelRequests)
	}
	if higher.EventStreams != nil {
		out.EventStreams = boolPtr(*higher.EventStreams)
	}
	if higher.ToolCalls != nil {
		out.ToolCalls = boolPtr(*higher.ToolCalls)
	}
	return out
}

// mergeNormalize concatenates rules so project rules run before local ones.
func mergeNormalize(lower, higher *NormalizeConfig) *NormalizeConfig {
	if lower == nil && higher == nil {
		return nil
	}
	if lower == nil {
		return cloneNormalize(higher)
	}
	if higher == nil {
		return cloneNormalize(lower)
	}
	out := cloneNormalize(lower)
	if higher.DisableDefaults != nil {
		out.DisableDefaults = boolPtr(*higher.DisableDefaults)
	}
	out.Rules = append(out.Rules, higher.Rules...)
	out.Ignore = mergeStringSlices(lower.Ignore, higher.Ignore)
	return out
}

func mergeModel(lower, higher *ModelConfig) *ModelConfig {
	if lower == nil && higher == nil {
		return nil
	}
	if lower == nil {
		return cloneModel(higher)
	}
	if higher == nil {
		return cloneModel(lower)
	}
	out := cloneModel(lower)
	if higher.Provider != "" {
		out.Provider = higher.Provider
	}
	if higher.Name != "" {
		out.Name = higher.Name
	}
	if higher.APIKeyEnv != "" {
		out.APIKeyEnv = higher.APIKeyEnv
	}
	if higher.BaseURL != "" {
		out.BaseURL = higher.BaseURL
	}
	if higher.MaxTokens != nil {
		out.MaxTokens = intPtr(*higher.MaxTokens)
	}
	if higher.MaxRetries != nil {
		out.MaxRetries = intPtr(*higher.MaxRetries)
	}
	if higher.System != "" {
		out.System = higher.System
	}
	out.Tools = mergeStringSlices(lower.Tools, higher.Tools)
	return out
}

// mergeMCP merges servers per name; a higher entry replaces the lower one
// whole.
func mergeMCP(lower, higher *MCPConfig) *MCPConfig {
	if lower == nil && higher == nil {
		return nil
	}
	if lower == nil {
		return cloneMCP(higher)
	}
	if higher == nil {
		return cloneMCP(lower)
	}
	out := cloneMCP(lower)
	if out.Servers == nil && len(higher.Servers) > 0 {
		out.Servers = make(map[string]MCPServerConfig, len(higher.Servers))
	}
	for name, srv := range higher.Servers {
		out.Servers[name] = cloneMCPServer(srv)
	}
	return out
}

func mergeLog(lower, higher *LogConfig) *LogConfig {
	if lower == nil && higher == nil {
		return nil
	}
	if lower == nil {
		return cloneLog(higher)
	}
	if higher == nil {
		return cloneLog(lower)
	}
	out := cloneLog(lower)
	if higher.Level != "" {
		out.Level = higher.Level
	}
	if higher.NoColor != nil {
		out.NoColor = boolPtr(*higher.NoColor)
	}
	return out
}

func mergeTracing(lower, higher *TracingConfig) *TracingConfig {
	if lower == nil && higher == nil {
		return nil
	}
	if lower == nil {
		return cloneTracing(higher)
	}
	if higher == nil {
		return cloneTracing(lower)
	}
	out := cloneTracing(lower)
	if higher.Enabled != nil {
		out.Enabled = boolPtr(*higher.Enabled)
	}
	if higher.Endpoint != "" {
		out.Endpoint = higher.Endpoint
	}
	if higher.Insecure != nil {
		out.Insecure = boolPtr(*higher.Insecure)
	}
	if higher.ServiceName != "" {
		out.ServiceName = higher.ServiceName
	}
	return out
}

// mergeMaps merges string maps with higher entries overriding.
func mergeMaps(lower, higher map[string]string) map[string]string {
	if len(lower) == 0 && len(higher) == 0 {
		return nil
	}
	out := make(map[string]string, len(lower)+len(higher))
	for k, v := range lower {
		out[k] = v
	}
	for k, v := range higher {
		out[k] = v
	}
	return out
}

// mergeStringSlices appends slices and removes duplicates while preserving order.
func mergeStringSlices(lower, higher []string) []string {
	if len(lower) == 0 && len(higher) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(lower)+len(higher))
	out := make([]string, 0, len(lower)+len(higher))
	for _, v := range lower {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	for _, v := range higher {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// --- cloning helpers (keep private to avoid aliasing callers) ---

func cloneSettings(src *Settings) *Settings {
	if src == nil {
		return nil
	}
	out := *src
	out.Snapshot = cloneSnapshot(src.Snapshot)
	out.Normalize = cloneNormalize(src.Normalize)
	out.Model = cloneModel(src.Model)
	out.MCP = cloneMCP(src.MCP)
	out.Log = cloneLog(src.Log)
	out.Tracing = cloneTracing(src.Tracing)
	out.Env = mergeMaps(nil, src.Env)
	return &out
}

func cloneSnapshot(src *SnapshotConfig) *SnapshotConfig {
	if src == nil {
		return nil
	}
	out := *src
	out.Update = cloneBoolPtr(src.Update)
	out.Verify = cloneVerification(src.Verify)
	return &out
}

func cloneVerification(src *VerificationConfig) *VerificationConfig {
	if src == nil {
		return nil
	}
	return &VerificationConfig{
		ModelRequests: cloneBoolPtr(src.ModelRequests),
		EventStreams:  cloneBoolPtr(src.EventStreams),
		ToolCalls:     cloneBoolPtr(src.ToolCalls),
	}
}

func cloneNormalize(src *NormalizeConfig) *NormalizeConfig {
	if src == nil {
		return nil
	}
	out := *src
	out.DisableDefaults = cloneBoolPtr(src.DisableDefaults)
	if len(src.Rules) > 0 {
		out.Rules = append([]RuleConfig(nil), src.Rules...)
	}
	out.Ignore = mergeStringSlices(nil, src.Ignore)
	return &out
}

func cloneModel(src *ModelConfig) *ModelConfig {
	if src == nil {
		return nil
	}
	out := *src
	out.MaxTokens = cloneIntPtr(src.MaxTokens)
	out.MaxRetries = cloneIntPtr(src.MaxRetries)
	out.Tools = mergeStringSlices(nil, src.Tools)
	return &out
}

func cloneLog(src *LogConfig) *LogConfig {
	if src == nil {
		return nil
	}
	out := *src
	out.NoColor = cloneBoolPtr(src.NoColor)
	return &out
}

func cloneTracing(src *TracingConfig) *TracingConfig {
	if src == nil {
		return nil
	}
	out := *src
	out.Enabled = cloneBoolPtr(src.Enabled)
	out.Insecure = cloneBoolPtr(src.Insecure)
	return &out
}

func cloneBoolPtr(v *bool) *bool {
	if v == nil {
		return nil
	}
	return boolPtr(*v)
}

func cloneIntPtr(v *int) *int {
	if v == nil {
		return nil
	}
	return intPtr(*v)
}

func cloneMCP(src *MCPConfig) *MCPConfig {
	if src == nil {
		return nil
	}
	out := &MCPConfig{}
	if src.Servers != nil {
		out.Servers = make(map[string]MCPServerConfig, len(src.Servers))
		for name, srv := range src.Servers {
			out.Servers[name] = cloneMCPServer(srv)
		}
	}
	return out
}

func cloneMCPServer(src MCPServerConfig) MCPServerConfig {
	out := src
	if src.Args != nil {
		out.Args = append([]string(nil), src.Args...)
	}
	out.Env = mergeMaps(nil, src.Env)
	return out
}
