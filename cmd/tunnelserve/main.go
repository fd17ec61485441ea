// Command tunnelserve establishes an SSH port-forward to a remote host,
// verifies the file-serving program is deployed there, starts it, and keeps
// watching tunnel health until interrupted. A normal exit leaves the tunnel
// and the remote server running; the cleanup subcommand removes them.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strings"

	"golang.org/x/term"

	"tunnelserve/pkg/orchestrator"
)

func main() {
	// The askpass callback must not parse the normal flag set: OpenSSH
	// invokes it with its own prompt argument appended.
	if len(os.Args) > 1 && os.Args[1] == "__askpass" {
		os.Exit(runAskpass(os.Args[2:]))
	}
	if len(os.Args) > 1 && os.Args[1] == "cleanup" {
		os.Exit(runCleanup(os.Args[2:]))
	}
	os.Exit(runServe(os.Args[1:]))
}

// openStore builds the credential store and registry in the config dir.
func openStore() (*orchestrator.CredentialStore, *orchestrator.HostRegistry, string, error) {
	dir, err := orchestrator.DefaultConfigDir()
	if err != nil {
		return nil, nil, "", err
	}
	store, err := orchestrator.NewCredentialStore(dir)
	if err != nil {
		return nil, nil, "", err
	}
	return store, orchestrator.NewHostRegistry(store), dir, nil
}

// runAskpass prints the named credential's password to stdout. It exists so
// the SSH_ASKPASS wrapper can fetch the secret without the secret ever
// touching an argv or a file.
func runAskpass(args []string) int {
	fs := flag.NewFlagSet("__askpass", flag.ContinueOnError)
	name := fs.String("name", "", "credential name")
	// Ignore the prompt text OpenSSH passes as a positional argument.
	if err := fs.Parse(args); err != nil {
		return 1
	}
	store, _, _, err := openStore()
	if err != nil {
		fmt.Fprintln(os.Stderr, "askpass:", err)
		return 1
	}
	doc, err := store.LoadPasswords()
	if err != nil {
		fmt.Fprintln(os.Stderr, "askpass:", err)
		return 1
	}
	entry, ok := doc.SavedPasswords[strings.TrimSpace(*name)]
	if !ok {
		fmt.Fprintf(os.Stderr, "askpass: no password credential %q\n", *name)
		return 1
	}
	fmt.Println(entry.Password)
	return 0
}

func runCleanup(args []string) int {
	fs := flag.NewFlagSet("cleanup", flag.ExitOnError)
	host := fs.String("host", "", "clean up a single host address")
	all := fs.Bool("all", false, "clean up every registered host")
	verbose := fs.Bool("verbose", false, "verbose output")
	debug := fs.Bool("debug", false, "debug output")
	configPath := fs.String("config", "", "config file path")
	_ = fs.Parse(args)

	rep := orchestrator.NewReporter(*verbose, *debug)
	cfg, _, err := orchestrator.LoadConfig(*configPath)
	if err != nil {
		rep.Errorf("%v", err)
		return 1
	}
	_, reg, _, err := openStore()
	if err != nil {
		rep.Errorf("%v", err)
		return 1
	}

	ctx := context.Background()
	coord := orchestrator.NewCleanupCoordinator(reg, cfg, nil, rep)
	switch {
	case *all:
		sum, err := coord.CleanupAll(ctx)
		if err != nil {
			rep.Errorf("%v", err)
			return 1
		}
		if sum.Succeeded < sum.Total {
			return 1
		}
		return 0
	case *host != "":
		res := coord.CleanupOne(ctx, *host)
		rep.Infof("%s", res)
		if !res.OK() {
			return 1
		}
		return 0
	default:
		rep.Errorf("cleanup: need -host <address> or -all")
		return 1
	}
}

// checkLocalDeps verifies the external tools every session shells out to.
func checkLocalDeps(rep *orchestrator.Reporter) int {
	missing := 0
	for _, tool := range []string{"ssh", "scp", "lsof"} {
		if _, err := exec.LookPath(tool); err != nil {
			rep.Errorf("missing required tool: %s", tool)
			missing++
		} else {
			rep.Infof("found %s", tool)
		}
	}
	if missing > 0 {
		return 1
	}
	return 0
}

func runServe(args []string) int {
	fs := flag.NewFlagSet("tunnelserve", flag.ExitOnError)
	verbose := fs.Bool("verbose", false, "verbose output")
	debug := fs.Bool("debug", false, "debug output (implies -verbose)")
	yes := fs.Bool("yes", false, "auto-confirm prompts (redeploy when needed)")
	statusOnly := fs.Bool("status", false, "report tunnel and deployment status, change nothing")
	deployOnly := fs.Bool("deploy-only", false, "stop after deployment verification")
	checkDeps := fs.Bool("check-deps", false, "check required local tools and exit")
	configPath := fs.String("config", "", "config file path")
	localPort := fs.Int("local-port", 0, "override local forward port")
	remotePort := fs.Int("remote-port", 0, "override remote server port")
	name := fs.String("name", "", "connect using this saved credential")
	host := fs.String("host", "", "connect to this registered host address")
	serverFile := fs.String("server-file", "", "local path of the server file to deploy")
	_ = fs.Parse(args)

	rep := orchestrator.NewReporter(*verbose, *debug)
	if *checkDeps && *name == "" && *host == "" {
		return checkLocalDeps(rep)
	}

	cfg, cfgPath, err := orchestrator.LoadConfig(*configPath)
	if err != nil {
		rep.Errorf("%v", err)
		return 1
	}
	if cfgPath != "" {
		rep.Verbosef("loaded config %s", cfgPath)
	}
	if *localPort != 0 {
		cfg.LocalPort = *localPort
	}
	if *remotePort != 0 {
		cfg.RemotePort = *remotePort
	}
	if err := cfg.Validate(); err != nil {
		rep.Errorf("%v", err)
		return 1
	}

	store, reg, dir, err := openStore()
	if err != nil {
		rep.Errorf("%v", err)
		return 1
	}
	selector := orchestrator.NewSelector(store, reg, cfg.ConnectTimeout(), rep)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	conn, code, done := resolveConnection(ctx, selector, store, reg, cfg, rep, *name, *host)
	if done {
		return code
	}

	sess := orchestrator.NewSession(conn, cfg, dir, rep)
	if *checkDeps {
		// With a target host, also verify the remote interpreter.
		code := checkLocalDeps(rep)
		if err := sess.Deploy.CheckInterpreter(ctx); err != nil {
			rep.Errorf("%v", err)
			return 1
		}
		rep.Infof("found remote python3 on %s", conn.Host)
		return code
	}
	if *statusOnly {
		return runStatus(ctx, sess, rep)
	}

	opts := orchestrator.UpOptions{
		LocalServerFile: *serverFile,
		DeployOnly:      *deployOnly,
	}
	if !*yes && term.IsTerminal(int(os.Stdin.Fd())) {
		opts.Decide = promptDeployDecision
	}

	if err := sess.Up(ctx, opts); err != nil {
		if errors.Is(err, orchestrator.ErrUserCancelled) {
			rep.Infof("aborted")
			return 0
		}
		rep.Errorf("%v", err)
		return 1
	}
	if *deployOnly {
		return 0
	}

	rep.Infof("watching tunnel health (interrupt to exit; tunnel stays up)")
	err = sess.Watch(ctx)
	if errors.Is(err, orchestrator.ErrTunnelDegraded) {
		rep.Errorf("tunnel degraded; run again to re-establish, or 'tunnelserve cleanup' to clear it")
		return 1
	}
	rep.Infof("exiting; tunnel and remote server left running")
	return 0
}

// resolveConnection picks the target connection from flags or the menu.
// done=true means the process should exit with code.
func resolveConnection(
	ctx context.Context,
	selector *orchestrator.Selector,
	store *orchestrator.CredentialStore,
	reg *orchestrator.HostRegistry,
	cfg *orchestrator.Config,
	rep *orchestrator.Reporter,
	name, host string,
) (orchestrator.Connection, int, bool) {
	if name != "" {
		conn, err := selector.ByName(name)
		if err != nil {
			rep.Errorf("%v", err)
			return orchestrator.Connection{}, 1, true
		}
		return conn, 0, false
	}
	if host != "" {
		conn, err := selector.ByAddress(host)
		if err != nil {
			rep.Errorf("%v", err)
			return orchestrator.Connection{}, 1, true
		}
		return conn, 0, false
	}

	for {
		out, err := orchestrator.RunMenu(store, reg)
		if err != nil {
			rep.Errorf("%v", err)
			return orchestrator.Connection{}, 1, true
		}
		switch out.Action {
		case orchestrator.ActionQuit:
			return orchestrator.Connection{}, 0, true
		case orchestrator.ActionCreateCredential:
			conn, err := selector.Explicit(ctx, out.Cred)
			if err != nil {
				rep.Errorf("%v", err)
				continue
			}
			return conn, 0, false
		case orchestrator.ActionConnect:
			var conn orchestrator.Connection
			var err error
			if out.Name != "" {
				conn, err = selector.ByName(out.Name)
			} else {
				conn, err = selector.ByAddress(out.Host)
			}
			if err != nil {
				rep.Errorf("%v", err)
				continue
			}
			return conn, 0, false
		case orchestrator.ActionRemoveCredential:
			if err := store.Remove(out.Kind, out.Name); err != nil {
				rep.Errorf("%v", err)
			} else if _, err := reg.Sync(); err != nil {
				rep.Errorf("%v", err)
			} else {
				rep.Infof("removed credential %q", out.Name)
			}
		case orchestrator.ActionCleanupHost:
			coord := orchestrator.NewCleanupCoordinator(reg, cfg, nil, rep)
			rep.Infof("%s", coord.CleanupOne(ctx, out.Host))
		case orchestrator.ActionCleanupAll:
			coord := orchestrator.NewCleanupCoordinator(reg, cfg, nil, rep)
			if _, err := coord.CleanupAll(ctx); err != nil {
				rep.Errorf("%v", err)
			}
		}
	}
}

// runStatus reports without changing anything: local port, deployment state.
func runStatus(ctx context.Context, sess *orchestrator.Session, rep *orchestrator.Reporter) int {
	status, err := sess.Deploy.EnsureDeployed(ctx)
	if err != nil {
		rep.Errorf("%v", err)
		return 1
	}
	rep.Infof("deployment %s: present=%t executable=%t syntax_ok=%t",
		status.RemotePath, status.Present, status.Executable, status.SyntaxOK)
	rep.Infof("tunnel state: %s", sess.Tunnel.State())
	return 0
}

// promptDeployDecision asks the operator what to do about the current
// deployment state.
func promptDeployDecision(status orchestrator.DeploymentStatus) (orchestrator.DeployDecision, error) {
	if status.Present && status.Executable && status.SyntaxOK {
		fmt.Printf("existing deployment found at %s\n", status.RemotePath)
	} else {
		fmt.Printf("deployment at %s: present=%t executable=%t syntax_ok=%t\n",
			status.RemotePath, status.Present, status.Executable, status.SyntaxOK)
	}
	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Print("[r]edeploy, [c]ontinue, [a]bort? ")
		line, err := reader.ReadString('\n')
		if err != nil {
			return orchestrator.DecisionAbort, nil
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "r", "redeploy":
			return orchestrator.DecisionRedeploy, nil
		case "c", "continue":
			return orchestrator.DecisionContinue, nil
		case "a", "abort", "q":
			return orchestrator.DecisionAbort, nil
		}
	}
}
