// Package fanout is the CLI-level pattern behind `halvor update` and its
// siblings: discover the mesh, let the operator pick a subset, run the same
// operation against each target, and report independent success or failure
// per target.
//
// The batch never aborts on a single failure, and a target either completed
// its operation or counts as failed — there is no partial success.
package fanout

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Target is one selectable node.
type Target struct {
	Hostname string
	Addr     string // display address
	IsLocal  bool
}

// Label renders the list entry for a target.
func (t Target) Label() string {
	marker := ""
	if t.IsLocal {
		marker = " [localhost]"
	}
	addr := t.Addr
	if addr == "" {
		addr = "unknown"
	}
	return fmt.Sprintf("%s - %s%s", t.Hostname, addr, marker)
}

// ErrCancelled is returned when the operator quits the selection prompt.
var ErrCancelled = fmt.Errorf("selection cancelled")

// ParseSelection interprets the operator's answer: "all", or a
// comma-separated set of 1-based indices. Indices out of range are an error;
// duplicates collapse.
func ParseSelection(input string, total int) ([]int, error) {
	input = strings.TrimSpace(input)
	if strings.EqualFold(input, "q") {
		return nil, ErrCancelled
	}
	if strings.EqualFold(input, "all") {
		all := make([]int, total)
		for i := range all {
			all[i] = i
		}
		return all, nil
	}

	seen := map[int]bool{}
	var indices []int
	for _, part := range strings.Split(input, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid selection %q: use comma-separated numbers (e.g. 1,2,3) or 'all'", part)
		}
		if n < 1 || n > total {
			return nil, fmt.Errorf("selection %d is out of range (1-%d)", n, total)
		}
		if !seen[n] {
			seen[n] = true
			indices = append(indices, n-1)
		}
	}
	if len(indices) == 0 {
		return nil, fmt.Errorf("empty selection")
	}
	return indices, nil
}

// Prompt prints the numbered target list and reads a selection.
func Prompt(out io.Writer, in io.Reader, targets []Target, verb string) ([]int, error) {
	fmt.Fprintln(out, "Available nodes:")
	fmt.Fprintln(out)
	for i, t := range targets {
		fmt.Fprintf(out, "  [%d] %s\n", i+1, t.Label())
	}
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Select nodes to %s (comma-separated numbers, 'all' for all, or 'q' to quit):\n", verb)
	fmt.Fprint(out, "> ")

	reader := bufio.NewReader(in)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return nil, fmt.Errorf("read selection: %w", err)
	}
	return ParseSelection(line, len(targets))
}

// Result is the outcome of one batch.
type Result struct {
	Succeeded int
	Failed    int
}

// AnySucceeded decides the process exit: best-effort batches exit 0 when at
// least one target completed.
func (r Result) AnySucceeded() bool { return r.Succeeded > 0 }

// Run executes op against each selected target in order, reporting progress
// per target and continuing past failures. progressVerb is the present
// participle ("Updating"), doneVerb the past form ("updated").
func Run(out io.Writer, targets []Target, selected []int, progressVerb, doneVerb string, op func(Target) error) Result {
	var result Result
	total := len(selected)
	for i, idx := range selected {
		t := targets[idx]
		fmt.Fprintf(out, "[%d/%d] %s %s...\n", i+1, total, progressVerb, t.Hostname)
		if err := op(t); err != nil {
			fmt.Fprintf(out, "  ✗ %v\n", err)
			result.Failed++
		} else {
			fmt.Fprintf(out, "  ✓\n")
			result.Succeeded++
		}
		fmt.Fprintln(out)
	}
	fmt.Fprintf(out, "%d %s, %d failed\n", result.Succeeded, doneVerb, result.Failed)
	return result
}
