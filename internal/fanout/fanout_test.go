package fanout

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
)

func TestParseSelection_CommaSet(t *testing.T) {
	got, err := ParseSelection("1, 3,3", 4)
	if err != nil {
		t.Fatalf("ParseSelection: %v", err)
	}
	if !reflect.DeepEqual(got, []int{0, 2}) {
		t.Errorf("got %v", got)
	}
}

func TestParseSelection_All(t *testing.T) {
	got, err := ParseSelection("all", 3)
	if err != nil {
		t.Fatalf("ParseSelection: %v", err)
	}
	if !reflect.DeepEqual(got, []int{0, 1, 2}) {
		t.Errorf("got %v", got)
	}
}

func TestParseSelection_Errors(t *testing.T) {
	if _, err := ParseSelection("0", 3); err == nil {
		t.Error("index 0 accepted")
	}
	if _, err := ParseSelection("4", 3); err == nil {
		t.Error("out-of-range index accepted")
	}
	if _, err := ParseSelection("one", 3); err == nil {
		t.Error("non-numeric selection accepted")
	}
	if _, err := ParseSelection("", 3); err == nil {
		t.Error("empty selection accepted")
	}
	if _, err := ParseSelection("q", 3); !errors.Is(err, ErrCancelled) {
		t.Error("q did not cancel")
	}
}

func TestRun_ContinuesPastFailure(t *testing.T) {
	targets := []Target{
		{Hostname: "frigg", IsLocal: true},
		{Hostname: "odin"},
		{Hostname: "loki"},
	}
	var buf bytes.Buffer
	var visited []string
	result := Run(&buf, targets, []int{0, 1, 2}, "Updating", "updated", func(t Target) error {
		visited = append(visited, t.Hostname)
		if t.Hostname == "odin" {
			return fmt.Errorf("connection refused")
		}
		return nil
	})

	if !reflect.DeepEqual(visited, []string{"frigg", "odin", "loki"}) {
		t.Errorf("visited = %v", visited)
	}
	if result.Succeeded != 2 || result.Failed != 1 {
		t.Errorf("result = %+v", result)
	}
	if !result.AnySucceeded() {
		t.Error("AnySucceeded = false")
	}

	out := buf.String()
	for _, want := range []string{
		"[1/3] Updating frigg...",
		"[2/3] Updating odin...",
		"✗ connection refused",
		"[3/3] Updating loki...",
		"2 updated, 1 failed",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRun_AllFailedExitsNonZero(t *testing.T) {
	var buf bytes.Buffer
	result := Run(&buf, []Target{{Hostname: "odin"}}, []int{0}, "Updating", "updated", func(Target) error {
		return errors.New("boom")
	})
	if result.AnySucceeded() {
		t.Error("AnySucceeded with zero successes")
	}
}

func TestPrompt_ReadsSelection(t *testing.T) {
	targets := []Target{{Hostname: "frigg", Addr: "127.0.0.1", IsLocal: true}, {Hostname: "odin", Addr: "100.64.0.2"}}
	var out bytes.Buffer
	in := strings.NewReader("2\n")

	selected, err := Prompt(&out, in, targets, "update")
	if err != nil {
		t.Fatalf("Prompt: %v", err)
	}
	if !reflect.DeepEqual(selected, []int{1}) {
		t.Errorf("selected = %v", selected)
	}
	if !strings.Contains(out.String(), "[1] frigg - 127.0.0.1 [localhost]") {
		t.Errorf("listing missing localhost marker:\n%s", out.String())
	}
}
