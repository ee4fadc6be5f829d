package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"openclaw-controller/internal/agent"
	"openclaw-controller/internal/command"
	"openclaw-controller/internal/config"
	"openclaw-controller/internal/docker"
	"openclaw-controller/internal/gateway"
	"openclaw-controller/internal/image"
	"openclaw-controller/internal/preflight"
	"openclaw-controller/internal/server"
	"openclaw-controller/internal/version"
	"openclaw-controller/internal/watcher"
	"openclaw-controller/pkg/inflight"
	"openclaw-controller/pkg/log"
)

const defaultListenAddr = "127.0.0.1:8800"

func main() {
	showVersion := flag.Bool("version", false, "Show version information")
	showHelp := flag.Bool("help", false, "Show help information")
	dataDir := flag.String("data-dir", defaultDataDir(), "Directory for state, compose and env files")
	listenAddr := flag.String("listen", defaultListenAddr, "Control API listen address (loopback only)")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("OpenClaw Controller version: %s (#%d)\n", version.GetVersion(), version.GetNumericVersion())
		os.Exit(0)
	}

	if *showHelp {
		fmt.Println("OpenClaw Controller")
		fmt.Println("Usage: openclaw-controller [options]")
		fmt.Println("Options:")
		fmt.Println("  --version   Show version information")
		fmt.Println("  --help      Show help information")
		fmt.Println("  --data-dir  Directory for state, compose and env files")
		fmt.Println("  --listen    Control API listen address (default: " + defaultListenAddr + ")")
		fmt.Println("  --log-level Log level (default: info)")
		os.Exit(0)
	}

	log.InitLog(*logLevel)

	if err := requireLoopback(*listenAddr); err != nil {
		log.Fatalf("Refusing listen address: %v", err)
	}

	if err := os.MkdirAll(*dataDir, 0755); err != nil {
		log.Fatalf("Failed to create data directory %s: %v", *dataDir, err)
	}

	policy := command.PolicyFromEnv()
	if policy.Enabled {
		log.Info("safe mode enabled, host command execution is restricted")
	}

	plain := command.NewRunner()
	gated := command.NewGate(policy, plain)

	store := config.NewStore(*dataDir)
	state, err := store.Load()
	if err != nil {
		log.Fatalf("Failed to load state: %v", err)
	}
	log.Info("state loaded", "install_id", state.InstallID, "status", state.Status, "agents", len(state.Agents))

	cli := docker.NewCLI(plain)
	verifier := docker.NewVerifier(cli)
	prober := gateway.NewProber()
	locks := inflight.New()

	// The SDK client is optional; CLI-based operations still work without it.
	var daemon watcher.Pinger
	sdk, err := docker.NewClient()
	if err != nil {
		log.Warn("docker SDK client unavailable, daemon watch disabled", "error", err.Error())
	} else {
		daemon = sdk
		defer sdk.Close()
	}

	gatewayMgr := gateway.NewManager(store, cli, verifier, prober, locks)
	agentMgr := agent.NewManager(store, cli, verifier, locks)
	if sdk != nil {
		agentMgr = agentMgr.WithLister(sdk)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	go watcher.New(gatewayMgr, daemon).Run(ctx)

	srv := server.New(server.Deps{
		Store:            store,
		Gateway:          gatewayMgr,
		Agents:           agentMgr,
		Resolver:         image.NewResolver(cli, store),
		Preflight:        preflight.NewChecker(plain, gated),
		SafeMode:         policy.Enabled,
		BundledPluginDir: filepath.Join(*dataDir, "plugins"),
		ExtraPluginPaths: splitPaths(os.Getenv("OPENCLAW_EXTRA_PLUGINS")),
	})

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Listen(*listenAddr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			log.Fatalf("Control API failed: %v", err)
		}
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("shutdown error", "error", err.Error())
		}
		log.Info("controller stopped")
	}
}

// requireLoopback rejects listen addresses that would expose the API beyond
// the local machine.
func requireLoopback(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	if host == "localhost" {
		return nil
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("%q is not a loopback address", addr)
	}
	return nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".openclaw"
	}
	return filepath.Join(home, ".openclaw")
}

func splitPaths(raw string) []string {
	if raw == "" {
		return nil
	}
	var paths []string
	for _, p := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			paths = append(paths, trimmed)
		}
	}
	return paths
}
