package ui_test

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/trol73/tboot-go/internal/ui"
)

func TestInfoSuppressedByVerbose(t *testing.T) {
	var out bytes.Buffer
	p := ui.New(&out, &out)
	p.Verbose = true
	p.Info("hello %d", 1)
	if out.Len() != 0 {
		t.Fatalf("expected no output under Verbose, got %q", out.String())
	}
}

func TestInfoPrintedByDefault(t *testing.T) {
	var out bytes.Buffer
	p := ui.New(&out, &out)
	p.Info("hello %d", 1)
	if !strings.Contains(out.String(), "hello 1") {
		t.Fatalf("output = %q", out.String())
	}
}

func TestProgressDrawsFullBarAt100(t *testing.T) {
	var out bytes.Buffer
	p := ui.New(&out, &out)
	p.Progress("write", 100, 2*time.Second)
	got := out.String()
	if !strings.Contains(got, strings.Repeat("#", 50)) {
		t.Fatalf("expected a full 50-char bar at 100%%, got %q", got)
	}
	if !strings.Contains(got, "100%") {
		t.Fatalf("expected 100%% in output, got %q", got)
	}
}

func TestProgressSuppressedByQuellProgress(t *testing.T) {
	var out bytes.Buffer
	p := ui.New(&out, &out)
	p.QuellProgress = true
	p.Progress("write", 50, 0)
	p.ProgressDone()
	if out.Len() != 0 {
		t.Fatalf("expected no output under QuellProgress, got %q", out.String())
	}
}
