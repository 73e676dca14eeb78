// Package store persists snapshots as loop-indexed directories of JSONL
// artifacts:
//
//	<root>/<name>/
//	  event-stream.jsonl
//	  loop-1/
//	    llm-request.jsonl
//	    llm-response.jsonl | llm-stream.jsonl
//	    event-stream.jsonl
//	    tool-calls.jsonl
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/cexll/agentsnap/pkg/snapshot/normalize"
)

// ErrArtifactNotFound is returned when a requested artifact file is absent.
var ErrArtifactNotFound = errors.New("store: artifact not found")

// Artifact names one JSONL file kind.
type Artifact string

const (
	Request     Artifact = "llm-request"
	Response    Artifact = "llm-response"
	Stream      Artifact = "llm-stream"
	ToolCalls   Artifact = "tool-calls"
	EventStream Artifact = "event-stream"
)

const (
	loopPrefix   = "loop-"
	fileSuffix   = ".jsonl"
	actualSuffix = ".actual.jsonl"
)

// File is the recorded artifact file name.
func (a Artifact) File() string { return string(a) + fileSuffix }

// ActualFile is the scratch file written next to a mismatching artifact.
func (a Artifact) ActualFile() string { return string(a) + actualSuffix }

// TopLevel marks artifacts stored directly in the snapshot directory.
const TopLevel = 0

// Store reads and writes one named snapshot below a root directory.
type Store struct {
	root string
	name string
	dir  string
}

// New validates name and binds a store to <root>/<name>. Nothing is created
// on disk until the first write.
func New(root, name string) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("store: root is empty")
	}
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	return &Store{root: root, name: name, dir: filepath.Join(root, name)}, nil
}

// ValidateName rejects names that are empty or would escape the root.
func ValidateName(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return errors.New("store: snapshot name is empty")
	case name == "." || name == "..":
		return fmt.Errorf("store: invalid snapshot name %q", name)
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("store: snapshot name %q contains a path separator", name)
	}
	return nil
}

func (s *Store) Name() string { return s.name }
func (s *Store) Dir() string  { return s.dir }

// LoopDir returns the directory of loop n, or the snapshot directory for
// TopLevel.
func (s *Store) LoopDir(n int) string {
	if n == TopLevel {
		return s.dir
	}
	return filepath.Join(s.dir, loopPrefix+strconv.Itoa(n))
}

// Path returns the recorded file path of an artifact.
func (s *Store) Path(loop int, a Artifact) string {
	return filepath.Join(s.LoopDir(loop), a.File())
}

// ActualPath returns the scratch file path of an artifact.
func (s *Store) ActualPath(loop int, a Artifact) string {
	return filepath.Join(s.LoopDir(loop), a.ActualFile())
}

// Exists reports whether the snapshot directory exists.
func (s *Store) Exists() bool {
	info, err := os.Stat(s.dir)
	return err == nil && info.IsDir()
}

// Loops returns the recorded loop indices in numeric order.
func (s *Store) Loops() ([]int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: read %s: %w", s.dir, err)
	}
	var loops []int
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), loopPrefix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(e.Name(), loopPrefix))
		if err != nil || n < 1 {
			continue
		}
		loops = append(loops, n)
	}
	sort.Ints(loops)
	return loops, nil
}

// CountLoops returns the number of loop directories. Indices must run
// contiguously from 1.
func (s *Store) CountLoops() (int, error) {
	loops, err := s.Loops()
	if err != nil {
		return 0, err
	}
	for i, n := range loops {
		if n != i+1 {
			return 0, fmt.Errorf("store: snapshot %q: loop indices not contiguous (missing loop-%d)", s.name, i+1)
		}
	}
	return len(loops), nil
}

// Stage creates an empty store in a hidden directory next to s. A generate
// run records into the staged store and Commit publishes it, so a failed run
// never touches the existing recording.
func (s *Store) Stage() (*Store, error) {
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return nil, fmt.Errorf("store: mkdir %s: %w", s.root, err)
	}
	dir, err := os.MkdirTemp(s.root, "."+s.name+".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("store: stage %s: %w", s.name, err)
	}
	return &Store{root: s.root, name: s.name, dir: dir}, nil
}

// Commit replaces the recording of s with the content of staged. Files in
// the snapshot directory that are not recording artifacts are carried over.
func (s *Store) Commit(staged *Store) error {
	if staged == nil || staged.dir == s.dir || filepath.Dir(staged.dir) != filepath.Clean(s.root) {
		return fmt.Errorf("store: commit %s: not a staged store", s.name)
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("store: commit %s: %w", s.name, err)
	}
	for _, e := range entries {
		if isRecording(e) {
			continue
		}
		dst := filepath.Join(staged.dir, e.Name())
		if _, err := os.Lstat(dst); err == nil {
			continue
		}
		if err := os.Rename(filepath.Join(s.dir, e.Name()), dst); err != nil {
			return fmt.Errorf("store: commit %s: keep %s: %w", s.name, e.Name(), err)
		}
	}

	old := ""
	if s.Exists() {
		old = staged.dir + ".old"
		if err := os.Rename(s.dir, old); err != nil {
			return fmt.Errorf("store: commit %s: %w", s.name, err)
		}
	}
	if err := os.Rename(staged.dir, s.dir); err != nil {
		if old != "" {
			_ = os.Rename(old, s.dir)
		}
		return fmt.Errorf("store: commit %s: %w", s.name, err)
	}
	if old != "" {
		if err := os.RemoveAll(old); err != nil {
			return fmt.Errorf("store: commit %s: remove previous recording: %w", s.name, err)
		}
	}
	return nil
}

// Discard removes the directory of a staged store.
func (s *Store) Discard() error {
	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("store: discard %s: %w", filepath.Base(s.dir), err)
	}
	return nil
}

// isRecording reports whether e is a loop directory or a top-level artifact.
func isRecording(e fs.DirEntry) bool {
	name := e.Name()
	if e.IsDir() {
		return strings.HasPrefix(name, loopPrefix)
	}
	return strings.HasSuffix(name, fileSuffix)
}

// Write replaces an artifact with one canonical JSON value per line.
func (s *Store) Write(loop int, a Artifact, values []any) error {
	return s.writeFile(s.Path(loop, a), values)
}

// WriteActual writes the scratch counterpart of an artifact.
func (s *Store) WriteActual(loop int, a Artifact, values []any) error {
	return s.writeFile(s.ActualPath(loop, a), values)
}

// Has reports whether a recorded artifact exists.
func (s *Store) Has(loop int, a Artifact) bool {
	_, err := os.Stat(s.Path(loop, a))
	return err == nil
}

// Read decodes every value of an artifact. Numbers are kept as json.Number.
func (s *Store) Read(loop int, a Artifact) ([]any, error) {
	return readFile(s.Path(loop, a))
}

// ReadActual decodes the scratch counterpart of an artifact.
func (s *Store) ReadActual(loop int, a Artifact) ([]any, error) {
	return readFile(s.ActualPath(loop, a))
}

// ActualFiles lists every scratch file under the snapshot, relative to its
// directory.
func (s *Store) ActualFiles() ([]string, error) {
	var out []string
	err := filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), actualSuffix) {
			rel, rerr := filepath.Rel(s.dir, path)
			if rerr != nil {
				return rerr
			}
			out = append(out, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: scan scratch files: %w", err)
	}
	sort.Strings(out)
	return out, nil
}

// CleanupActual removes every scratch file under the snapshot.
func (s *Store) CleanupActual() error {
	files, err := s.ActualFiles()
	if err != nil {
		return err
	}
	for _, rel := range files {
		if err := os.Remove(filepath.Join(s.dir, filepath.FromSlash(rel))); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("store: remove %s: %w", rel, err)
		}
	}
	return nil
}

func (s *Store) writeFile(path string, values []any) error {
	var buf bytes.Buffer
	for i, v := range values {
		line, err := normalize.Canonical(v)
		if err != nil {
			return fmt.Errorf("store: encode %s line %d: %w", filepath.Base(path), i+1, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("store: mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("store: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("store: write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("store: close %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("store: rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

func readFile(path string) ([]any, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, path)
		}
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.UseNumber()
	var out []any
	for {
		var v any
		if err := dec.Decode(&v); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("store: decode %s value %d: %w", path, len(out)+1, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// Summary describes one stored snapshot.
type Summary struct {
	Name  string `json:"name"`
	Loops int    `json:"loops"`
}

// List summarizes every snapshot directory below root, sorted by name.
// Directories whose loops cannot be counted are skipped.
func List(root string) ([]Summary, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []Summary{}, nil
		}
		return nil, fmt.Errorf("store: list %s: %w", root, err)
	}
	out := []Summary{}
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		s := &Store{root: root, name: e.Name(), dir: filepath.Join(root, e.Name())}
		n, err := s.CountLoops()
		if err != nil {
			continue
		}
		out = append(out, Summary{Name: e.Name(), Loops: n})
	}
	return out, nil
}
