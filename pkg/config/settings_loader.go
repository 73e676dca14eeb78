package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// ProjectFile is the tracked project settings file.
	ProjectFile = "agentsnap.yaml"
	// LocalFile holds untracked per-checkout overrides.
	LocalFile = "agentsnap.local.yaml"
)

// SettingsLoader composes settings using the simplified precedence model.
// Higher-priority layers override lower ones while preserving unspecified fields.
// Order (low -> high): defaults < project < local < runtime overrides.
type SettingsLoader struct {
	ProjectRoot      string
	RuntimeOverrides *Settings
	Logger           *slog.Logger
}

// Load resolves, merges and validates settings across all layers.
func (l *SettingsLoader) Load() (*Settings, error) {
	if strings.TrimSpace(l.ProjectRoot) == "" {
		return nil, errors.New("project root is required for settings loading")
	}
	root, err := filepath.Abs(l.ProjectRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve project root: %w", err)
	}
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}

	merged := GetDefaultSettings()
	for _, layer := range l.layers(root) {
		if err := applySettingsLayer(&merged, layer.name, layer.path, logger); err != nil {
			return nil, err
		}
	}
	if l.RuntimeOverrides != nil {
		logger.Debug("settings: applying runtime overrides")
		if next := MergeSettings(&merged, l.RuntimeOverrides); next != nil {
			merged = *next
		}
	}
	if err := merged.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	return &merged, nil
}

// Paths lists the settings files the loader reads, lowest precedence first.
func (l *SettingsLoader) Paths() []string {
	root, err := filepath.Abs(l.ProjectRoot)
	if err != nil {
		root = l.ProjectRoot
	}
	layers := l.layers(root)
	out := make([]string, len(layers))
	for i, layer := range layers {
		out[i] = layer.path
	}
	return out
}

type settingsLayer struct {
	name string
	path string
}

func (l *SettingsLoader) layers(root string) []settingsLayer {
	return []settingsLayer{
		{name: "project", path: filepath.Join(root, ProjectFile)},
		{name: "local", path: filepath.Join(root, LocalFile)},
	}
}

// ResolvePath anchors a settings-relative path at the project root.
func (l *SettingsLoader) ResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	root, err := filepath.Abs(l.ProjectRoot)
	if err != nil {
		root = l.ProjectRoot
	}
	return filepath.Join(root, p)
}

// loadYAMLFile decodes a settings YAML file. Missing files return (nil, nil).
func loadYAMLFile(path string) (*Settings, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var s Settings
	if err := dec.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &s, nil
}

func applySettingsLayer(dst *Settings, name, path string, logger *slog.Logger) error {
	cfg, err := loadYAMLFile(path)
	if err != nil {
		return fmt.Errorf("load %s settings: %w", name, err)
	}
	if cfg == nil {
		logger.Debug("settings: layer not found", "layer", name, "path", path)
		return nil
	}
	logger.Debug("settings: applying layer", "layer", name, "path", path)
	if next := MergeSettings(dst, cfg); next != nil {
		*dst = *next
	}
	return nil
}
