package main

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cexll/agentsnap/pkg/snapshot"
	"github.com/cexll/agentsnap/pkg/snapshot/batch"
	"github.com/cexll/agentsnap/pkg/snapshot/hooks"
)

// report prints one line per case followed by a summary.
func report(w io.Writer, results []batch.CaseResult) {
	passed, failed := 0, 0
	for _, res := range results {
		status := "PASS"
		if !res.Passed() {
			status = "FAIL"
			failed++
		} else {
			passed++
		}
		fmt.Fprintf(w, "%s %s (%s%s, %s)\n", status, res.Case, res.Mode, loopSuffix(res), res.Duration.Round(time.Millisecond))
		if res.Test != nil {
			for _, u := range res.Test.Updated {
				fmt.Fprintf(w, "    updated %s\n", updatePath(u))
			}
		}
		if res.Err != nil {
			fmt.Fprintln(w, indent(describe(res.Err), "    "))
		}
	}
	fmt.Fprintf(w, "%d passed, %d failed\n", passed, failed)
}

func loopSuffix(res batch.CaseResult) string {
	n := 0
	switch {
	case res.Generate != nil:
		n = res.Generate.Loops
	case res.Test != nil:
		n = res.Test.Loops
	default:
		return ""
	}
	if n == 1 {
		return ", 1 loop"
	}
	return ", " + strconv.Itoa(n) + " loops"
}

func updatePath(u hooks.Update) string {
	if u.Loop == 0 {
		return u.Artifact.File()
	}
	return filepath.ToSlash(filepath.Join("loop-"+strconv.Itoa(u.Loop), u.Artifact.File()))
}

// describe adds a hint for errors the user can act on.
func describe(err error) string {
	msg := err.Error()
	var loops *snapshot.LoopCountMismatchError
	switch {
	case errors.Is(err, snapshot.ErrSnapshotNotFound):
		return msg + "\nhint: run `agentsnap generate` to record it"
	case errors.As(err, &loops):
		return msg + "\nhint: the agent took a different path; re-record with `agentsnap generate`"
	default:
		var mismatch *hooks.MismatchError
		if errors.As(err, &mismatch) {
			return msg + "\nhint: accept the new output with `agentsnap update`"
		}
	}
	return msg
}

func indent(s, prefix string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}
