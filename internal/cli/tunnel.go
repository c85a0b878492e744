package cli

import (
	"github.com/spf13/cobra"

	"github.com/tunneld/tunneld/internal/output"
)

var tunnelCmd = &cobra.Command{
	Use:   "tunnel",
	Short: "Inspect individual tunnels on a running server",
}

var tunnelStatusCmd = &cobra.Command{
	Use:   "status <id>",
	Short: "Query one tunnel's connected-socket count",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		serverURL, _ := cmd.Flags().GetString("server")
		return runTunnelStatus(cmd, serverURL, args[0])
	},
}

func init() {
	tunnelStatusCmd.Flags().String("server", "http://localhost", "Base URL of a running tunneld server")
	tunnelCmd.AddCommand(tunnelStatusCmd)
}

type tunnelStatusResponse struct {
	ConnectedSockets int `json:"connected_sockets"`
}

func runTunnelStatus(cmd *cobra.Command, serverURL, id string) error {
	var status tunnelStatusResponse
	if err := getJSON(serverURL, "/api/tunnels/"+id+"/status", &status); err != nil {
		return output.PrintError(cmd.ErrOrStderr(), err.Error())
	}
	output.PrintTunnelStatus(cmd.OutOrStdout(), output.TunnelStatusRow{ID: id, ConnectedSockets: status.ConnectedSockets})
	return nil
}
