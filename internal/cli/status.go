package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tunneld/tunneld/internal/output"
)

const defaultClientTimeout = 10 * time.Second

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query a running tunneld server's aggregate status",
	RunE: func(cmd *cobra.Command, args []string) error {
		serverURL, _ := cmd.Flags().GetString("server")
		return runStatus(cmd, serverURL)
	},
}

func init() {
	statusCmd.Flags().String("server", "http://localhost", "Base URL of a running tunneld server")
}

type statusResponse struct {
	Tunnels int    `json:"tunnels"`
	Mem     uint64 `json:"mem"`
}

func runStatus(cmd *cobra.Command, serverURL string) error {
	var status statusResponse
	if err := getJSON(serverURL, "/api/status", &status); err != nil {
		return output.PrintError(cmd.ErrOrStderr(), err.Error())
	}
	output.PrintStatus(cmd.OutOrStdout(), output.StatusRow{Tunnels: status.Tunnels, MemRSS: status.Mem})
	return nil
}

func getJSON(serverURL, path string, v any) error {
	url := strings.TrimSuffix(serverURL, "/") + path
	client := &http.Client{Timeout: defaultClientTimeout}
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("request %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: unexpected status %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
