// Package output formats CLI results: colorized status lines and tables.
package output

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
)

// PrintError writes a red error line to w and returns it wrapped as an
// error, so callers can `return output.PrintError(w, "...")` from a
// cobra RunE.
func PrintError(w io.Writer, msg string) error {
	color.New(color.FgRed).Fprintln(w, "error: "+msg)
	return fmt.Errorf("%s", msg)
}

// PrintSuccess writes a green status line to w.
func PrintSuccess(w io.Writer, msg string) {
	color.New(color.FgGreen).Fprintln(w, msg)
}

// StatusRow is one row of `tunneld status` output.
type StatusRow struct {
	Tunnels int
	MemRSS  uint64
}

// PrintStatus renders aggregate registry status as a single-row table,
// with memory humanized (e.g. "12 MB" rather than a raw byte count).
func PrintStatus(w io.Writer, row StatusRow) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Tunnels", "Memory"})
	table.Append([]string{
		fmt.Sprintf("%d", row.Tunnels),
		humanize.Bytes(row.MemRSS),
	})
	table.Render()
}

// TunnelStatusRow is one row of `tunneld tunnel status` output.
type TunnelStatusRow struct {
	ID               string
	ConnectedSockets int
}

// PrintTunnelStatus renders a single tunnel's socket count as a table.
func PrintTunnelStatus(w io.Writer, row TunnelStatusRow) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Tunnel", "Connected Sockets"})
	table.Append([]string{row.ID, fmt.Sprintf("%d", row.ConnectedSockets)})
	table.Render()
}
