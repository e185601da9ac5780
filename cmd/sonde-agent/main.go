// Command sonde-agent is the diagnostic agent: it enrolls with a hub,
// maintains a reconnecting WebSocket connection, and executes probes routed
// to the packs it has loaded (§4.8, §6 CLI surface).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/sonde-hub/sonde/internal/agent/connection"
	"github.com/sonde-hub/sonde/internal/agent/executor"
	"github.com/sonde-hub/sonde/internal/agent/localstate"
	"github.com/sonde-hub/sonde/internal/agent/packs"
	"github.com/sonde-hub/sonde/internal/agent/packs/system"
	"github.com/sonde-hub/sonde/internal/agent/packs/systemd"
	"github.com/sonde-hub/sonde/internal/agent/scrubber"
	"github.com/sonde-hub/sonde/internal/obslog"
)

const agentVersion = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	log := obslog.Default()
	defer log.Sync()

	var err error
	switch os.Args[1] {
	case "enroll":
		err = runEnroll(os.Args[2:], log)
	case "start":
		err = runStart(os.Args[2:], log)
	case "status":
		err = runStatus(log)
	case "stop", "restart":
		err = fmt.Errorf("%q manages the background service process and is not implemented by this binary; run sonde-agent start in the foreground instead", os.Args[1])
	case "packs":
		err = runPacks(os.Args[2:], log)
	case "service":
		err = fmt.Errorf("service install/uninstall/status requires a platform-specific service manager integration and is out of scope for this core")
	case "update":
		err = fmt.Errorf("self-update is not implemented by this core")
	default:
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "sonde-agent: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: sonde-agent <command> [flags]

commands:
  enroll --hub <url> [--key <key>|--token <token>] [--name <name>]
  start [--headless]
  stop
  restart
  status
  packs {list|scan|install|uninstall}
  service {install|uninstall|status}
  update`)
}

// buildRegistry constructs the pack registry with every built-in pack
// registered, honoring st.DisabledPacks (§4.9).
func buildRegistry(st localstate.State) *packs.Registry {
	reg := packs.NewRegistry(st.DisabledPacks)
	reg.Register(system.New())
	reg.Register(systemd.New())
	return reg
}

func runEnroll(args []string, log *obslog.Logger) error {
	fs := flag.NewFlagSet("enroll", flag.ExitOnError)
	hub := fs.String("hub", "", "hub base URL, e.g. https://sonde.example.com")
	key := fs.String("key", "", "API key to authenticate with")
	token := fs.String("token", "", "enrollment token to authenticate with")
	name := fs.String("name", "", "agent name (defaults to hostname)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *hub == "" {
		return fmt.Errorf("--hub is required")
	}
	if *key == "" && *token == "" {
		return fmt.Errorf("one of --key or --token is required")
	}

	agentName := *name
	if agentName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("determine hostname: %w", err)
		}
		agentName = hostname
	}

	dir, err := localstate.DefaultDir()
	if err != nil {
		return fmt.Errorf("resolve state dir: %w", err)
	}
	st, err := localstate.Load(dir)
	if err != nil {
		return fmt.Errorf("load local state: %w", err)
	}

	st.HubURL = *hub
	st.AgentName = agentName
	if *key != "" {
		st.APIKey = *key
	} else {
		st.APIKey = *token
	}

	if err := localstate.Save(dir, st); err != nil {
		return fmt.Errorf("save local state: %w", err)
	}

	// The credential is only validated against the hub on the first real
	// connection attempt (the register frame); persist-then-connect keeps
	// `enroll` usable offline and symmetric with `start`'s reconnect loop.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	reg := buildRegistry(st)
	mgr := connection.New(connection.Config{
		HubURL:       st.HubURL,
		AgentName:    st.AgentName,
		OS:           runtime.GOOS,
		AgentVersion: agentVersion,
		StateDir:     dir,
	}, reg, newExecutor(reg, st, log), log)

	done := make(chan struct{})
	go func() {
		mgr.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}

	if mgr.State() != connection.StateRegistered {
		return fmt.Errorf("failed to register with hub %s within timeout", st.HubURL)
	}

	fmt.Printf("enrolled as %q (agent id %s) with hub %s\n", st.AgentName, mgr.AgentID(), st.HubURL)
	return nil
}

func runStart(args []string, log *obslog.Logger) error {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	_ = fs.Bool("headless", false, "run without attaching to a terminal (accepted for CLI-surface compatibility; this binary always runs in the foreground)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	dir, err := localstate.DefaultDir()
	if err != nil {
		return fmt.Errorf("resolve state dir: %w", err)
	}
	st, err := localstate.Load(dir)
	if err != nil {
		return fmt.Errorf("load local state: %w", err)
	}
	if !st.Enrolled() {
		return fmt.Errorf("not enrolled; run \"sonde-agent enroll\" first")
	}

	log.Info("starting sonde-agent", zap.String("agent_name", st.AgentName), zap.String("hub", st.HubURL))

	reg := buildRegistry(st)
	mgr := connection.New(connection.Config{
		HubURL:          st.HubURL,
		AgentName:       st.AgentName,
		OS:              runtime.GOOS,
		AgentVersion:    agentVersion,
		StateDir:        dir,
		AttestationFunc: selfAttestation,
	}, reg, newExecutor(reg, st, log), log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Info("shutting down sonde-agent")
		cancel()
	}()

	mgr.Run(ctx)
	return nil
}

func runStatus(log *obslog.Logger) error {
	dir, err := localstate.DefaultDir()
	if err != nil {
		return fmt.Errorf("resolve state dir: %w", err)
	}
	st, err := localstate.Load(dir)
	if err != nil {
		return fmt.Errorf("load local state: %w", err)
	}
	if !st.Enrolled() {
		fmt.Println("not enrolled")
		return nil
	}
	fmt.Printf("agent: %s\nhub: %s\nagent id: %s\ndisabled packs: %v\n", st.AgentName, st.HubURL, st.AgentID, st.DisabledPacks)
	return nil
}

func runPacks(args []string, log *obslog.Logger) error {
	if len(args) == 0 {
		return fmt.Errorf("packs requires a subcommand: list, scan, install, uninstall")
	}

	dir, err := localstate.DefaultDir()
	if err != nil {
		return fmt.Errorf("resolve state dir: %w", err)
	}
	st, err := localstate.Load(dir)
	if err != nil {
		return fmt.Errorf("load local state: %w", err)
	}

	switch args[0] {
	case "list", "scan":
		reg := buildRegistry(st)
		for _, m := range reg.Manifests() {
			fmt.Printf("%s\t%s\n", m.Name, m.Version)
		}
		return nil
	case "install", "uninstall":
		if len(args) < 2 {
			return fmt.Errorf("%s requires a pack name", args[0])
		}
		packName := args[1]
		st.DisabledPacks = toggleDisabled(st.DisabledPacks, packName, args[0] == "uninstall")
		if err := localstate.Save(dir, st); err != nil {
			return fmt.Errorf("save local state: %w", err)
		}
		fmt.Printf("%s: %s\n", args[0], packName)
		return nil
	default:
		return fmt.Errorf("unknown packs subcommand: %s", args[0])
	}
}

// toggleDisabled adds or removes name from disabled, the built-in packs
// being compiled in rather than dynamically installed: "uninstall" here
// means "load but keep disabled," mirroring the Registry's disabledPacks
// filter (§4.9).
func toggleDisabled(disabled []string, name string, disable bool) []string {
	out := disabled[:0:0]
	for _, d := range disabled {
		if d != name {
			out = append(out, d)
		}
	}
	if disable {
		out = append(out, name)
	}
	return out
}

func newExecutor(reg *packs.Registry, st localstate.State, log *obslog.Logger) *executor.Executor {
	scrub := scrubber.New(st.ScrubPatterns)
	return executor.New(reg, scrub, packs.Exec, agentVersion)
}

// selfAttestation reports a stable identifier for the running binary so the
// hub can flag a mismatch against a prior registration's recorded value
// (§4.3). A full build-hash attestation is out of scope for this core;
// reporting the binary's own path and the Go runtime version is a coarse
// placeholder the hub treats identically to any other attestation payload.
func selfAttestation() (json.RawMessage, error) {
	exePath, err := os.Executable()
	if err != nil {
		exePath = "unknown"
	}
	return json.Marshal(map[string]string{
		"binaryPath": filepath.Clean(exePath),
		"goVersion":  runtime.Version(),
	})
}
