package orchestrator

import (
	"bytes"
	"strings"
	"testing"
)

func TestReporter_RedactsRegisteredSecrets(t *testing.T) {
	var buf bytes.Buffer
	rep := NewReporter(true, true)
	rep.Out = &buf
	rep.AddSecret("s3cr3t-pw")

	rep.Infof("connecting with password s3cr3t-pw")
	rep.Verbosef("retrying with s3cr3t-pw")
	rep.Debugf("raw: s3cr3t-pw")
	rep.Errorf("auth failed for s3cr3t-pw")

	out := buf.String()
	if strings.Contains(out, "s3cr3t-pw") {
		t.Fatalf("secret leaked: %s", out)
	}
	if strings.Count(out, "********") != 4 {
		t.Fatalf("expected every line masked: %s", out)
	}
}

func TestReporter_RedactionUnconditional(t *testing.T) {
	// Even with verbose and debug off, anything that does print is masked.
	var buf bytes.Buffer
	rep := NewReporter(false, false)
	rep.Out = &buf
	rep.AddSecret("pw")

	rep.Debugf("hidden pw")
	rep.Infof("shown pw")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug printed without -debug: %s", out)
	}
	if strings.Contains(out, "pw") {
		t.Fatalf("secret leaked: %s", out)
	}
}

func TestReporter_VerboseGating(t *testing.T) {
	var buf bytes.Buffer
	rep := NewReporter(false, false)
	rep.Out = &buf
	rep.Verbosef("quiet")
	if buf.Len() != 0 {
		t.Fatalf("verbose printed without flag: %s", buf.String())
	}

	rep.Debug = true
	rep.Verbosef("loud")
	if !strings.Contains(buf.String(), "loud") {
		t.Fatalf("-debug should imply verbose")
	}
}

func TestReporter_RedactHelper(t *testing.T) {
	rep := NewReporter(false, false)
	rep.AddSecret("abc")
	if got := rep.Redact("xx abc yy abc"); strings.Contains(got, "abc") {
		t.Fatalf("redact failed: %q", got)
	}
	if got := rep.Redact("clean"); got != "clean" {
		t.Fatalf("redact mangled clean string: %q", got)
	}
}
