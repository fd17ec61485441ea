package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"testing"
)

func newTestProcManager(respond func(script string) (string, error)) *RemoteProcessManager {
	cfg := DefaultConfig()
	remote := scriptedRemote(keyConn("/k"), respond)
	p := NewRemoteProcessManager(remote, cfg, NewReporter(false, false))
	p.graceSeconds = 0
	return p
}

func TestStart_SucceedsWhenProcessSurvivesLaunch(t *testing.T) {
	var sawScript string
	p := newTestProcManager(func(script string) (string, error) {
		sawScript = script
		return "started=12345\n", nil
	})

	if err := p.Start(context.Background(), "/home/ubuntu/file-server"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !strings.Contains(sawScript, "nohup") || !strings.Contains(sawScript, "server.log") {
		t.Fatalf("launch script missing detach/redirect: %s", sawScript)
	}
}

func TestStart_ImmediateExitReportsWithLogTail(t *testing.T) {
	p := newTestProcManager(func(script string) (string, error) {
		if strings.Contains(script, "nohup") {
			return "failed\n", nil
		}
		if strings.Contains(script, "tail") {
			return "Traceback: port already in use\n", nil
		}
		return "", nil
	})

	err := p.Start(context.Background(), "/home/ubuntu/file-server")
	var derr *DeploymentError
	if !errors.As(err, &derr) {
		t.Fatalf("expected DeploymentError, got %v", err)
	}
	if !strings.Contains(derr.Reason, "port already in use") {
		t.Fatalf("diagnostic tail missing from error: %v", derr)
	}
}

func TestStopPatterns_IncludeServerFileAndDedupe(t *testing.T) {
	p := newTestProcManager(func(string) (string, error) { return "", nil })
	p.Config.ProcessPatterns = []string{"http.server", "enhanced_http_server.py"}

	pats := p.stopPatterns()
	if len(pats) != 2 {
		t.Fatalf("expected deduped patterns, got %#v", pats)
	}
	if pats[0] != "enhanced_http_server.py" {
		t.Fatalf("server file must always be first pattern, got %#v", pats)
	}
}

func TestStopByName_CountsAcrossPatterns(t *testing.T) {
	p := newTestProcManager(func(script string) (string, error) {
		if strings.Contains(script, "'[e]nhanced_http_server.py'") {
			return "count=2\n", nil
		}
		return "count=0\n", nil
	})

	n, err := p.StopByName(context.Background())
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 stopped, got %d", n)
	}
}

func TestPgrepPattern_BracketsFirstCharacter(t *testing.T) {
	cases := map[string]string{
		"enhanced_http_server.py": "[e]nhanced_http_server.py",
		"http.server":             "[h]ttp.server",
		"":                        "",
		"[a]lready":               "[a]lready",
		"^anchored":               "^anchored",
	}
	for in, want := range cases {
		if got := pgrepPattern(in); got != want {
			t.Fatalf("pgrepPattern(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestStopByName_ExcludesOwnShellFromMatches(t *testing.T) {
	// scriptedRemote delivers the argv-escaped script; undo the single-quote
	// escaping so the assertions below see the raw script text.
	var sawScript string
	p := newTestProcManager(func(script string) (string, error) {
		raw := strings.TrimSuffix(strings.TrimPrefix(script, "'"), "'")
		sawScript += strings.ReplaceAll(raw, `'"'"'`, "'") + "\n"
		return "count=0\n", nil
	})

	if _, err := p.StopByName(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !strings.Contains(sawScript, "pgrep -f '[e]nhanced_http_server.py'") {
		t.Fatalf("pattern must be bracketed so pgrep skips the script's own command line: %s", sawScript)
	}
	if !strings.Contains(sawScript, "drop_self") {
		t.Fatalf("pid lists must filter the script's own shell: %s", sawScript)
	}
}

// The stop script's command line carries the pattern it greps for, so a
// careless script would find and kill its own shell. Run the generated
// script through a real shell with a pattern nothing else matches: it must
// finish alive with zero matches.
func TestStopScript_SurvivesSelfReferentialPattern(t *testing.T) {
	if _, err := exec.LookPath("pgrep"); err != nil {
		t.Skip("pgrep not available")
	}
	pat := fmt.Sprintf("tunnelserve-no-such-process-%d", os.Getpid())
	list := fmt.Sprintf("pgrep -f %s 2>/dev/null || true", shellEscapeSingleQuotes(pgrepPattern(pat)))
	script := stopScript(list, 0)

	out, errOut, err := runLocalCommand(context.Background(), nil, []string{"sh", "-c", script})
	if err != nil {
		t.Fatalf("stop script terminated its own shell: %v (stderr: %s)", err, errOut)
	}
	if n := parseStopCount(out); n != 0 {
		t.Fatalf("expected zero matches for %q, counted %d: %s", pat, n, out)
	}
}

func TestStopByName_IdempotentWhenNothingRunning(t *testing.T) {
	p := newTestProcManager(func(script string) (string, error) {
		return "count=0\n", nil
	})

	for i := 0; i < 2; i++ {
		n, err := p.StopByName(context.Background())
		if err != nil {
			t.Fatalf("stop #%d: %v", i+1, err)
		}
		if n != 0 {
			t.Fatalf("stop #%d: expected 0 found, got %d", i+1, n)
		}
	}
}

func TestStopByName_UsesTwoPhaseEscalation(t *testing.T) {
	var sawScript string
	p := newTestProcManager(func(script string) (string, error) {
		sawScript = script
		return "count=1\n", nil
	})

	if _, err := p.StopByName(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	termIdx := strings.Index(sawScript, "kill -TERM")
	killIdx := strings.Index(sawScript, "kill -KILL")
	if termIdx < 0 || killIdx < 0 || killIdx < termIdx {
		t.Fatalf("expected TERM before KILL in stop script: %s", sawScript)
	}
	if !strings.Contains(sawScript, "sleep") {
		t.Fatalf("expected grace period between signals: %s", sawScript)
	}
}

func TestStopByPort_ParsesCount(t *testing.T) {
	p := newTestProcManager(func(script string) (string, error) {
		if !strings.Contains(script, "8081") {
			t.Fatalf("port missing from script: %s", script)
		}
		return "count=1\n", nil
	})

	n, err := p.StopByPort(context.Background(), 8081)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 stopped, got %d", n)
	}
}

func TestParseStopCount_IgnoresNoise(t *testing.T) {
	if n := parseStopCount("sh: warning\ncount=3\n"); n != 3 {
		t.Fatalf("got %d", n)
	}
	if n := parseStopCount("garbage"); n != 0 {
		t.Fatalf("got %d", n)
	}
}
