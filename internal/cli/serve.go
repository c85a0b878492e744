package cli

import (
	"context"
	"errors"
	"flag"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tunneld/tunneld/internal/config"
	ilog "github.com/tunneld/tunneld/internal/log"
	"github.com/tunneld/tunneld/internal/server"
)

var serveCmd = &cobra.Command{
	Use:                "serve",
	Short:              "Start the tunnel server",
	DisableFlagParsing: true,
	RunE:               runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.ParseServerFlags(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	logger := ilog.New(cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return server.New(cfg, logger).Run(ctx)
}
