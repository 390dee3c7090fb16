package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/browserbridge/internal/bridge"
)

func chatCmd() *cobra.Command {
	var (
		sessionID string
		pageURL   string
		timeout   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "chat <message>",
		Short: "Send one chat message to the automation server",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfigOrExit()
			token, err := cfg.ResolveToken()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				os.Exit(1)
			}

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			conn := bridge.New(cfg.ServerURL, token,
				bridge.WithClient("browserbridge-cli", Version),
				bridge.WithReconnectDelay(time.Hour),
			)
			defer conn.Close()
			if err := conn.Connect(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "Error: connect %s: %s\n", cfg.ServerURL, err)
				os.Exit(1)
			}

			var pageContext any
			if pageURL != "" {
				pageContext = map[string]string{"url": pageURL}
			}
			res, err := conn.SendChat(ctx, strings.Join(args, " "), sessionID, pageContext)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				os.Exit(1)
			}

			var pretty any
			if json.Unmarshal(res, &pretty) == nil {
				out, _ := json.MarshalIndent(pretty, "", "  ")
				fmt.Println(string(out))
				return
			}
			fmt.Println(string(res))
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "server chat session id")
	cmd.Flags().StringVar(&pageURL, "page-url", "", "attach the given page URL as context")
	cmd.Flags().DurationVar(&timeout, "timeout", 45*time.Second, "overall timeout")
	return cmd
}
