// ABOUTME: Entry point for coven-mux, the agent multiplexer and orchestrator
// ABOUTME: Subcommands: serve, token, health, version

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"github.com/2389/coven-mux/internal/bridge"
	"github.com/2389/coven-mux/internal/config"
	"github.com/2389/coven-mux/internal/logging"
	"github.com/2389/coven-mux/internal/mux"
	"github.com/2389/coven-mux/internal/orchestrator"
	"github.com/2389/coven-mux/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  ___ _____   _____ _ __        _ __ ___  _   ___  __
 / __/ _ \ \ / / _ \ '_ \ _____| '_ ' _ \| | | \ \/ /
| (_| (_) \ V /  __/ | | |_____| | | | | | |_| |>  <
 \___\___/ \_/ \___|_| |_|     |_| |_| |_|\__,_/_/\_\
`

const shutdownTimeout = 15 * time.Second

func usage() {
	fmt.Println("Usage: coven-mux <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                       Run the multiplexer and the UI bridge")
	fmt.Println("  token --subject NAME        Mint a bridge token")
	fmt.Println("  health                      Check the bridge health endpoint")
	fmt.Println("  version                     Print the version")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx, args)
	case "token":
		err = runToken(args)
	case "health":
		err = runHealth(ctx, args)
	case "version", "--version":
		fmt.Println(version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig resolves and loads the config file. With no file anywhere the
// built-in defaults apply.
func loadConfig(flagValue string) (*config.Config, string, error) {
	path := config.ResolvePath(flagValue)
	if path == "" {
		return config.Default(), "", nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

func runServe(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	configFlag := fs.StringP("config", "c", "", "path to config file")
	noBridge := fs.Bool("no-bridge", false, "do not start the UI bridge")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, configPath, err := loadConfig(*configFlag)
	if err != nil {
		return err
	}
	logger := logging.Setup(cfg.Logging)

	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	gray.Printf("    version: %s\n\n", version)

	if configPath == "" {
		configPath = "(defaults)"
	}
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Agents:    %s (max %d)\n", cfg.Mux.Command, cfg.Mux.MaxAgents)
	green.Print("    ▶ ")
	fmt.Printf("Autonomy:  %s\n", cfg.Gate.DefaultAutonomy)
	if cfg.Bridge.Enabled && !*noBridge {
		green.Print("    ▶ ")
		fmt.Printf("Bridge:    ")
		cyan.Println(cfg.Bridge.Addr)
	} else {
		yellow.Print("    ▶ ")
		fmt.Println("Bridge:    disabled")
	}
	if cfg.Database.Path == "" {
		yellow.Print("    ▶ ")
		fmt.Println("Audit:     disabled")
	} else {
		green.Print("    ▶ ")
		fmt.Printf("Audit:     %s\n", cfg.Database.Path)
	}
	fmt.Println()

	var st store.Store
	if cfg.Database.Path != "" {
		sqlite, err := store.NewSQLiteStore(expandHome(cfg.Database.Path))
		if err != nil {
			return fmt.Errorf("opening store: %w", err)
		}
		defer sqlite.Close()
		st = sqlite
	}

	orch, err := orchestrator.New(cfg, mux.ExecSpawner{KillGrace: cfg.Mux.KillGrace}, st, logger)
	if err != nil {
		return fmt.Errorf("creating orchestrator: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := orch.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown incomplete", "error", err)
		}
	}()

	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("starting orchestrator: %w", err)
	}

	logger.Info("coven-mux running",
		"config", configPath,
		"max_agents", cfg.Mux.MaxAgents,
		"bridge", cfg.Bridge.Enabled && !*noBridge,
	)

	if !cfg.Bridge.Enabled || *noBridge {
		<-ctx.Done()
		return nil
	}

	verifier, err := bridge.NewJWTVerifier([]byte(cfg.Bridge.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating token verifier: %w", err)
	}
	node, err := orch.Hub().CreateNode("bridge")
	if err != nil {
		return fmt.Errorf("creating bridge node: %w", err)
	}
	defer node.Close()

	srv := bridge.New(orch, node, verifier, logger, bridge.Options{
		AllowedOrigins: cfg.Bridge.AllowedOrigins,
		StatsInterval:  cfg.Bridge.StatsInterval,
	})
	return srv.ListenAndServe(ctx, cfg.Bridge.Addr)
}

func runToken(args []string) error {
	fs := pflag.NewFlagSet("token", pflag.ContinueOnError)
	configFlag := fs.StringP("config", "c", "", "path to config file")
	subject := fs.StringP("subject", "s", "", "token subject, e.g. the operator name")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *subject == "" {
		return errors.New("--subject is required")
	}

	cfg, _, err := loadConfig(*configFlag)
	if err != nil {
		return err
	}
	verifier, err := bridge.NewJWTVerifier([]byte(cfg.Bridge.JWTSecret))
	if err != nil {
		return fmt.Errorf("bridge.jwt_secret: %w", err)
	}
	token, err := verifier.Generate(*subject, *ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Println(token)
	return nil
}

func runHealth(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("health", pflag.ContinueOnError)
	configFlag := fs.StringP("config", "c", "", "path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, _, err := loadConfig(*configFlag)
	if err != nil {
		return err
	}
	if !cfg.Bridge.Enabled {
		return errors.New("bridge is disabled in config")
	}

	url := fmt.Sprintf("http://%s/health", cfg.Bridge.Addr)
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
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	fmt.Println("healthy")
	return nil
}

func expandHome(path string) string {
	if rest, ok := strings.CutPrefix(path, "~/"); ok {
		if home, err := os.UserHomeDir(); err == nil {
			return home + "/" + rest
		}
	}
	return path
}
