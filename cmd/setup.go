package cmd

import (
	"errors"
	"fmt"
	"net/url"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/browserbridge/internal/config"
)

type chromeMode string

const (
	chromeLaunch  chromeMode = "launch"
	chromeConnect chromeMode = "connect"
)

func setupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactively configure the server connection and Chrome",
		Run: func(cmd *cobra.Command, args []string) {
			if err := runSetup(resolveConfigPath()); err != nil {
				if errors.Is(err, huh.ErrUserAborted) {
					fmt.Println("Setup cancelled.")
					return
				}
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				os.Exit(1)
			}
		},
	}
}

func runSetup(cfgPath string) error {
	cfg, err := config.LoadFile(cfgPath)
	if err != nil {
		return err
	}

	cfg.ServerURL, err = promptString("Automation server URL", "WebSocket endpoint of the local server", cfg.ServerURL, validateServerURL)
	if err != nil {
		return err
	}

	token, err := promptPassword("Server token", "Leave empty to keep the current token")
	if err != nil {
		return err
	}
	if token != "" {
		useKeyring, err := promptConfirm("Store the token in the OS keyring?", true)
		if err != nil {
			return err
		}
		if useKeyring {
			if err := cfg.StoreToken(token); err != nil {
				return err
			}
		} else {
			cfg.Token = token
		}
	}

	defaultMode := 0
	if cfg.Chrome.DebuggerURL != "" {
		defaultMode = 1
	}
	mode, err := promptSelect("Chrome", []SelectOption[chromeMode]{
		{Label: "Launch a new Chrome", Value: chromeLaunch},
		{Label: "Connect to a running Chrome (--remote-debugging-port)", Value: chromeConnect},
	}, defaultMode)
	if err != nil {
		return err
	}

	switch mode {
	case chromeConnect:
		def := cfg.Chrome.DebuggerURL
		if def == "" {
			def = "http://127.0.0.1:9222"
		}
		if cfg.Chrome.DebuggerURL, err = promptString("DevTools URL", "", def, nil); err != nil {
			return err
		}
	default:
		cfg.Chrome.DebuggerURL = ""
		if cfg.Chrome.Bin, err = promptString("Chrome binary", "Empty to auto-detect", cfg.Chrome.Bin, nil); err != nil {
			return err
		}
		if cfg.Chrome.Headless, err = promptConfirm("Run headless?", cfg.Chrome.Headless); err != nil {
			return err
		}
	}

	if err := config.Save(cfgPath, cfg); err != nil {
		return err
	}
	fmt.Printf("Saved %s\nStart the bridge with: browserbridge run\n", cfgPath)
	return nil
}

func validateServerURL(s string) error {
	u, err := url.Parse(s)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("use a ws:// or wss:// URL")
	}
	if u.Host == "" {
		return fmt.Errorf("missing host")
	}
	return nil
}
