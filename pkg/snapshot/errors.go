package snapshot

import (
	"errors"
	"fmt"
)

var (
	// ErrSnapshotNotFound is returned by Test when nothing was recorded
	// under the configured name.
	ErrSnapshotNotFound = errors.New("snapshot not found")
	// ErrBusy is returned when a Snapshot is invoked while another
	// Generate or Test on it is still running.
	ErrBusy = errors.New("snapshot: invocation already in progress")
)

// LoopCountMismatchError reports a replay that executed a different number
// of loops than were recorded.
type LoopCountMismatchError struct {
	Name     string
	Expected int
	Actual   int
}

func (e *LoopCountMismatchError) Error() string {
	return fmt.Sprintf("snapshot %q: loop count mismatch: recorded %d, replayed %d", e.Name, e.Expected, e.Actual)
}

func notFound(name string) error {
	return fmt.Errorf("snapshot %q not found; run generate first: %w", name, ErrSnapshotNotFound)
}
