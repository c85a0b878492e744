// Package cli implements tunneld's command-line surface on top of cobra:
// starting the server, and querying a running server's status.
package cli

import (
	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags.
var version = "dev"

var rootCmd = &cobra.Command{
	Use:     "tunneld",
	Short:   "tunneld is a reverse tunneling server",
	Long:    "tunneld exposes remote clients' local services on public subdomains by relaying HTTP and WebSocket traffic through a pool of inbound client connections.",
	Version: version,
	// Flag parsing is delegated to internal/config's own flag.FlagSet so
	// that running `tunneld` with no subcommand behaves exactly like
	// `tunneld serve`, sharing one flag surface instead of duplicating it
	// across a cobra pflag.FlagSet and the stdlib one.
	DisableFlagParsing: true,
	RunE:               runServe,
}

// Execute runs the command tree and returns a non-nil error only for
// conditions that should exit non-zero; SIGINT/SIGTERM produce a nil
// error after a graceful shutdown, per spec.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(tunnelCmd)
	rootCmd.AddCommand(versionCmd)
}
