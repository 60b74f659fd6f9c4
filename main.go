package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/skillswap/swapcall/internal/app"
	"github.com/skillswap/swapcall/internal/config"
)

const cfgFile = "swapcall.json"

var (
	showHelp  = flag.Bool("h", false, "Show help")
	version   = flag.Bool("version", false, "Show version")
	verbose   = flag.Bool("verbose", false, "Log every subsystem at debug level")
	relayAddr = flag.String("addr", "127.0.0.1:8790", "Listen address for the relay command")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("swapcall v%s\n", appVersion)
		return
	}

	args := flag.Args()
	if *showHelp || len(args) == 0 {
		showUsage()
		return
	}

	switch command := args[0]; command {
	case "peer":
		runCLIPeer(dirArg(args, "peer"))
	case "init":
		runCLIInit(dirArg(args, "init"))
	case "relay":
		runCLIRelay(*relayAddr)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func dirArg(args []string, command string) string {
	if len(args) < 2 {
		fmt.Fprintf(os.Stderr, "Error: %s command requires directory path\n", command)
		fmt.Fprintf(os.Stderr, "Usage: swapcall %s <peer-directory>\n", command)
		os.Exit(1)
	}
	absDir, err := filepath.Abs(args[1])
	if err != nil {
		log.Fatalf("Invalid peer directory: %v", err)
	}
	return absDir
}

// signalContext is cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runCLIPeer(absDir string) {
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		log.Fatalf("Peer directory does not exist: %s", absDir)
	}

	if err := config.LoadEnvFile(absDir); err != nil {
		log.Fatalf("Failed to load env file: %v", err)
	}

	cfgPath := filepath.Join(absDir, cfgFile)
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		fmt.Printf("Created default config: %s\n", cfgPath)
	}

	if *verbose {
		cfg.Log.Level = "debug"
	}

	printPeerBanner(absDir, cfgPath, cfg)

	ctx, cancel := signalContext()
	defer cancel()

	if err := app.Run(ctx, app.Options{
		PeerDir: absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
		Version: appVersion,
	}); err != nil {
		log.Fatalf("Peer failed: %v", err)
	}
}

func runCLIInit(absDir string) {
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		log.Fatalf("Create peer directory: %v", err)
	}
	cfgPath := filepath.Join(absDir, cfgFile)

	cfg := config.Default()
	if existing, err := config.LoadPartial(cfgPath); err == nil {
		cfg = existing
	}
	cfg = app.PromptInteractive(os.Stdin, os.Stdout, absDir, cfgPath, cfg)
	if err := config.Save(cfgPath, cfg); err != nil {
		log.Fatalf("Save config: %v", err)
	}
	fmt.Printf("Wrote %s\n", cfgPath)
}

func runCLIRelay(addr string) {
	ctx, cancel := signalContext()
	defer cancel()

	fmt.Printf("Signaling relay on ws://%s/ws (Press Ctrl+C to stop)\n", addr)
	if err := app.RunRelay(ctx, addr); err != nil {
		log.Fatalf("Relay failed: %v", err)
	}
}

func showUsage() {
	fmt.Println("swapcall - call signaling and WebRTC session peer")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  swapcall peer <directory>   Run a calling peer from a directory")
	fmt.Println("  swapcall init <directory>   Create or edit a peer's swapcall.json interactively")
	fmt.Println("  swapcall [-addr host:port] relay")
	fmt.Println("                              Run the in-memory signaling relay")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println("  -verbose  Debug logging for every subsystem")
	fmt.Println("  -addr     Relay listen address (default 127.0.0.1:8790)")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  SWAPCALL_USER_ID, SWAPCALL_TOKEN   signaling identity (required to place calls)")
	fmt.Println("  SWAPCALL_SIGNALING_URL             overrides signaling.url")
	fmt.Println("  SWAPCALL_TURN_URL, SWAPCALL_TURN_USERNAME, SWAPCALL_TURN_CREDENTIAL")
	fmt.Println("  SWAPCALL_ENV_FILE                  env file to load instead of <directory>/.env")
}

func printPeerBanner(peerDir, cfgPath string, cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                  swapcall Peer Runner                  ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Peer Directory: %s\n", peerDir)
	fmt.Printf("Config File:    %s\n", cfgPath)
	if cfg.Identity.UserID != "" {
		fmt.Printf("User ID:        %s\n", cfg.Identity.UserID)
	} else {
		fmt.Println("User ID:        (not set, calls disabled)")
	}
	fmt.Printf("Signaling:      %s\n", cfg.Signaling.URL)
	if cfg.Viewer.HTTPAddr != "" {
		_, url, _ := app.NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
		fmt.Printf("Call API:       %s\n", url)
	}
	fmt.Println()
	fmt.Println("Starting peer... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
