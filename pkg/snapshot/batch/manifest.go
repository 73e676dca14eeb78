package batch

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cexll/agentsnap/pkg/snapshot"
	"github.com/cexll/agentsnap/pkg/snapshot/store"
)

// DefaultManifest is the manifest file name looked up by the CLI.
const DefaultManifest = "cases.yaml"

// Case is one named snapshot test.
type Case struct {
	Name    string                `yaml:"name"`
	Runtime string                `yaml:"runtime"`
	Input   string                `yaml:"input"`
	Stream  bool                  `yaml:"stream,omitempty"`
	Timeout time.Duration         `yaml:"timeout,omitempty"`
	Verify  snapshot.Verification `yaml:"verify,omitempty"`
	// Options are passed verbatim to the runtime factory.
	Options map[string]any `yaml:"options,omitempty"`
}

// Manifest is the decoded cases file.
type Manifest struct {
	Root  string `yaml:"root,omitempty"`
	Cases []Case `yaml:"cases"`
}

// InvalidCaseError reports a case that cannot be run.
type InvalidCaseError struct {
	Case   string
	Reason string
}

func (e *InvalidCaseError) Error() string {
	if e.Case == "" {
		return "batch: invalid case: " + e.Reason
	}
	return fmt.Sprintf("batch: invalid case %q: %s", e.Case, e.Reason)
}

// LoadManifest reads and validates a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("batch: read manifest %s: %w", path, err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("batch: %s: %w", path, err)
	}
	return m, nil
}

// ParseManifest decodes a manifest. Unknown keys are rejected.
func ParseManifest(data []byte) (*Manifest, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var m Manifest
	if err := dec.Decode(&m); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	seen := make(map[string]struct{}, len(m.Cases))
	for i := range m.Cases {
		c := &m.Cases[i]
		c.Name = strings.TrimSpace(c.Name)
		c.Runtime = strings.TrimSpace(c.Runtime)
		if err := c.validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[c.Name]; dup {
			return nil, &InvalidCaseError{Case: c.Name, Reason: "duplicate name"}
		}
		seen[c.Name] = struct{}{}
	}
	return &m, nil
}

func (c Case) validate() error {
	if c.Name == "" {
		return &InvalidCaseError{Reason: "missing name"}
	}
	if err := store.ValidateName(c.Name); err != nil {
		return &InvalidCaseError{Case: c.Name, Reason: err.Error()}
	}
	if strings.TrimSpace(c.Input) == "" {
		return &InvalidCaseError{Case: c.Name, Reason: "missing input"}
	}
	if c.Timeout < 0 {
		return &InvalidCaseError{Case: c.Name, Reason: "negative timeout"}
	}
	return nil
}

// Select returns the cases named in names, in manifest order. An empty
// names list selects every case.
func Select(cases []Case, names []string) ([]Case, error) {
	if len(names) == 0 {
		return cases, nil
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = false
	}
	var out []Case
	for _, c := range cases {
		if _, ok := want[c.Name]; ok {
			want[c.Name] = true
			out = append(out, c)
		}
	}
	var missing []string
	for _, n := range names {
		if !want[n] {
			missing = append(missing, n)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("batch: unknown case(s): %s", strings.Join(missing, ", "))
	}
	return out, nil
}
