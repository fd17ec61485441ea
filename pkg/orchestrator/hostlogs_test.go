package orchestrator

import (
	"strings"
	"testing"
)

func TestHostLog_AppendAndTail(t *testing.T) {
	l := NewHostLog(t.TempDir())

	for _, ev := range []string{"tunnel established", "server started", "cleanup"} {
		if err := l.Append("10.0.0.5", ev); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	lines, err := l.Tail("10.0.0.5", 2)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %#v", lines)
	}
	if !strings.HasSuffix(lines[1], "cleanup") {
		t.Fatalf("most recent event last, got %#v", lines)
	}
}

func TestHostLog_TailMissingHostIsEmpty(t *testing.T) {
	l := NewHostLog(t.TempDir())
	lines, err := l.Tail("203.0.113.1", 10)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(lines) != 0 {
		t.Fatalf("expected no lines, got %#v", lines)
	}
}

func TestHostLog_RejectsEmptyHost(t *testing.T) {
	l := NewHostLog(t.TempDir())
	if err := l.Append("", "x"); err == nil {
		t.Fatalf("expected validation error")
	}
}
