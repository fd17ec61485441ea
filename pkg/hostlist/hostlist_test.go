package hostlist

import (
	"bytes"
	"strings"
	"testing"
)

func TestRender_SectionsInFixedOrderSorted(t *testing.T) {
	l := Listing{
		Key:      []string{"10.0.0.9", "10.0.0.2"},
		Password: []string{"10.0.0.5"},
		Manual:   []string{"192.168.1.1"},
	}

	out := string(Render(l))
	wantOrder := []string{HeaderKey, "10.0.0.2", "10.0.0.9", HeaderPassword, "10.0.0.5", HeaderManual, "192.168.1.1"}
	pos := -1
	for _, want := range wantOrder {
		i := strings.Index(out, want)
		if i < 0 {
			t.Fatalf("rendered listing missing %q:\n%s", want, out)
		}
		if i < pos {
			t.Fatalf("%q out of order in:\n%s", want, out)
		}
		pos = i
	}
}

func TestRender_Deterministic(t *testing.T) {
	l := Listing{Key: []string{"b", "a", "a"}, Password: []string{"c"}}
	if !bytes.Equal(Render(l), Render(l)) {
		t.Fatalf("rendering the same listing twice produced different bytes")
	}
}

func TestParse_RoundTrip(t *testing.T) {
	l := Listing{
		Key:      []string{"10.0.0.2", "10.0.0.9"},
		Password: []string{"10.0.0.5"},
		Manual:   []string{"172.16.0.1"},
	}

	got, err := Parse(Render(l))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !bytes.Equal(Render(got), Render(l)) {
		t.Fatalf("round trip changed listing:\n%s\nvs\n%s", Render(got), Render(l))
	}
}

func TestParse_PreHeaderLinesAreManual(t *testing.T) {
	got, err := Parse([]byte("10.9.9.9\n" + HeaderKey + "\n10.0.0.1\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(got.Manual) != 1 || got.Manual[0] != "10.9.9.9" {
		t.Fatalf("expected pre-header line in manual section, got %#v", got.Manual)
	}
	if len(got.Key) != 1 || got.Key[0] != "10.0.0.1" {
		t.Fatalf("expected key section [10.0.0.1], got %#v", got.Key)
	}
}

func TestParse_IgnoresUnknownComments(t *testing.T) {
	got, err := Parse([]byte("# some note\n" + HeaderPassword + "\n10.0.0.5\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(got.Manual) != 0 {
		t.Fatalf("comment line leaked into manual section: %#v", got.Manual)
	}
	if len(got.Password) != 1 {
		t.Fatalf("expected one password address, got %#v", got.Password)
	}
}

func TestAll_DeduplicatesAcrossSections(t *testing.T) {
	l := Listing{Key: []string{"a"}, Password: []string{"a", "b"}, Manual: []string{"b", "c"}}
	all := l.All()
	if len(all) != 3 {
		t.Fatalf("expected 3 unique addresses, got %#v", all)
	}
	if !l.Contains("c") || l.Contains("zzz") {
		t.Fatalf("Contains gave wrong answers")
	}
}
