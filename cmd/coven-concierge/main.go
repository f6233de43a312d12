// ABOUTME: Entry point for coven-concierge, the customer-service conversation server
// ABOUTME: Commands: serve, validate flow files, sweep expired operator locks, health check

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/coven-concierge/internal/concierge"
	"github.com/2389/coven-concierge/internal/config"
	"github.com/2389/coven-concierge/internal/flow"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  ┌─┐┌─┐┬  ┬┌─┐┌┐┌   ┌─┐┌─┐┌┐┌┌─┐┬┌─┐┬─┐┌─┐┌─┐
  │  │ │└┐┌┘├┤ │││───│  │ ││││││  │├┤ ├┬┘│ ┬├┤
  └─┘└─┘ └┘ └─┘┘└┘   └─┘└─┘┘└┘└─┘┴└─┘┴└─└─┘└─┘
`

func usage() {
	fmt.Println("Usage: coven-concierge <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                    Start the concierge server")
	fmt.Println("  validate [flow files...] Check flow files (default: every configured workspace)")
	fmt.Println("  sweep                    Reclaim expired operator locks once and exit")
	fmt.Println("  health                   Check server health")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "validate":
		err = runValidate(os.Stdout, os.Args[2:])
	case "sweep":
		err = runSweep(ctx)
	case "health":
		err = runHealth(ctx)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := config.DefaultPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:     %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:       %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database:   %s\n", cfg.Database.Path)
	for _, w := range cfg.Workspaces {
		green.Print("    ▶ ")
		fmt.Printf("Workspace:  ")
		cyan.Print(w.ID)
		gray.Printf(" (%s)\n", w.Flow)
	}
	if cfg.Redis.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Locks:      redis %s\n", cfg.Redis.Addr)
	} else {
		yellow.Print("    ▶ ")
		fmt.Println("Locks:      in-process (single instance only)")
	}
	if cfg.NATS.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Events:     nats %s\n", cfg.NATS.URL)
	}
	fmt.Println()

	logger.Info("starting coven-concierge",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"workspaces", len(cfg.Workspaces),
	)

	svc, err := concierge.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating service: %w", err)
	}
	return svc.Run(ctx)
}

// runValidate loads each flow file and reports every problem found. With no
// arguments it checks the flows of every configured workspace.
func runValidate(out io.Writer, paths []string) error {
	if len(paths) == 0 {
		cfg, err := config.Load(config.DefaultPath())
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		paths = cfg.FlowPaths()
	}

	env, err := flow.NewEnv()
	if err != nil {
		return fmt.Errorf("creating expression environment: %w", err)
	}

	failed := 0
	for _, p := range paths {
		t, err := flow.Load(env, p)
		if err != nil {
			failed++
			fmt.Fprintf(out, "%s %s\n    %v\n", color.RedString("✗"), p, err)
			continue
		}
		fmt.Fprintf(out, "%s %s (workspace %s, %d states)\n", color.GreenString("✓"), p, t.Workspace, len(t.States))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d flow files invalid", failed, len(paths))
	}
	return nil
}

func runSweep(ctx context.Context) error {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.Logging)

	svc, err := concierge.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating service: %w", err)
	}
	n := svc.Sweep(ctx)
	fmt.Printf("reclaimed %d expired locks\n", n)
	return svc.Close()
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.New("unhealthy: status " + resp.Status)
	}

	fmt.Println("healthy")
	return nil
}
