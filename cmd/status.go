package cmd

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/browserbridge/internal/bridge"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether a running bridge is connected",
		Run: func(cmd *cobra.Command, args []string) {
			path := statusPath(resolveConfigPath())
			st, err := bridge.ReadStatus(path)
			if errors.Is(err, os.ErrNotExist) {
				fmt.Println("Status:   not running (no status file)")
				return
			}
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				os.Exit(1)
			}

			state := "disconnected"
			if st.Connected {
				state = "connected"
			}
			fmt.Printf("Status:   %s\n", state)
			if st.SessionID != "" {
				fmt.Printf("Session:  %s\n", st.SessionID)
			}
			fmt.Printf("PID:      %d\n", st.PID)
			fmt.Printf("Updated:  %s (%s ago)\n", st.UpdatedAt.Local().Format(time.RFC3339), time.Since(st.UpdatedAt).Round(time.Second))
		},
	}
}
