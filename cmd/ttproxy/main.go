// Command ttproxy is TT's fan-out tier: it speaks the same UDP wire
// protocol clients use against a single ttserv, but splits add_env
// across a configured pool of slave hosts and routes every follow-up
// opcode only to the slaves actually hosting the affected Env.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "ttproxy",
		Short: "TT fan-out proxy",
		Long:  "Run TT's proxy daemon: places add_env across a pool of slave hosts, routes follow-up opcodes to the slaves hosting each Env, and aggregates their replies back into one response",
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
		Short: "Print ttproxy's version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("ttproxy dev")
			return nil
		},
	}
}
