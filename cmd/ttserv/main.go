// Command ttserv is TT's host daemon: it owns one Serv registry for
// every client on this machine, speaks the UDP/HTTP wire protocol
// described in internal/dispatch, and persists Env state to cfgdb so a
// restart can pick back up where it left off.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "ttserv",
		Short: "TT host daemon",
		Long:  "Run TT's host daemon: accepts client requests over UDP/HTTP, provisions Vms through the configured hypervisor driver, and persists Env state to cfgdb",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (optional, flags and env override)")

	rootCmd.AddCommand(
		serveCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print ttserv's version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("ttserv dev")
			return nil
		},
	}
}
