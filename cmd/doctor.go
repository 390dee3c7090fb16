package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/go-rod/rod/lib/launcher"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/browserbridge/internal/bridge"
	"github.com/nextlevelbuilder/browserbridge/internal/config"
	"github.com/nextlevelbuilder/browserbridge/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check Chrome, configuration and server connectivity",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("browserbridge doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	// Config
	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}
	token, tokErr := cfg.ResolveToken()
	switch {
	case tokErr != nil:
		fmt.Printf("  Token:    %s\n", tokErr)
	case token == "":
		fmt.Println("  Token:    (not configured)")
	case cfg.Token == config.TokenKeyring:
		fmt.Println("  Token:    stored in OS keyring")
	default:
		fmt.Printf("  Token:    %s\n", maskSecret(token))
	}

	// Chrome
	fmt.Println()
	fmt.Println("  Chrome:")
	checkChrome(cfg)

	// Server
	fmt.Println()
	fmt.Printf("  Server:   %s ", cfg.ServerURL)
	if tokErr != nil {
		fmt.Println("(skipped)")
	} else {
		checkServer(cfg, token)
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkChrome(cfg *config.Config) {
	if cfg.Chrome.DebuggerURL != "" {
		fmt.Printf("    %-12s %s", "DevTools:", cfg.Chrome.DebuggerURL)
		if ws, err := launcher.ResolveURL(cfg.Chrome.DebuggerURL); err != nil {
			fmt.Printf(" (UNREACHABLE: %s)\n", err)
		} else {
			fmt.Printf(" (OK, %s)\n", ws)
		}
		return
	}

	bin := cfg.Chrome.Bin
	if bin == "" {
		if found, ok := launcher.LookPath(); ok {
			bin = found
		}
	}
	if bin == "" {
		fmt.Printf("    %-12s (not found; rod will download a Chromium on first run)\n", "Binary:")
		return
	}
	fmt.Printf("    %-12s %s", "Binary:", bin)
	if _, err := os.Stat(bin); err != nil {
		fmt.Println(" (NOT FOUND)")
	} else {
		fmt.Println(" (OK)")
	}
	fmt.Printf("    %-12s %v\n", "Headless:", cfg.Chrome.Headless)
}

func checkServer(cfg *config.Config, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn := bridge.New(cfg.ServerURL, token,
		bridge.WithClient("browserbridge-doctor", Version),
		bridge.WithReconnectDelay(time.Hour),
	)
	defer conn.Close()

	if err := conn.Connect(ctx); err != nil {
		fmt.Printf("(FAILED: %s)\n", err)
		return
	}
	fmt.Printf("(OK, session %s)\n", conn.SessionID())
}
