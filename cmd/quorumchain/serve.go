package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"quorumchain/pkg/node"
)

const shutdownTimeout = 15 * time.Second

func serveCmd() *cobra.Command {
	var autoInit bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the node",
		Long:  `Start the node API, the gRPC health service and the background backup, sync and case maintenance loops.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			n, err := node.New(cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to create node: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if autoInit && !n.Blocks().Initialized() {
				cid, err := n.Initialize(ctx, false)
				if err != nil {
					n.Stop(context.Background())
					return fmt.Errorf("failed to initialize node: %w", err)
				}
				logger.Info("Node initialized", zap.String("metadata_cid", string(cid)))
			}

			if err := n.Start(ctx); err != nil {
				n.Stop(context.Background())
				return fmt.Errorf("failed to start node: %w", err)
			}

			var serveErr error
			select {
			case <-ctx.Done():
				logger.Info("Shutting down node")
			case serveErr = <-n.Server().Errors():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := n.Stop(shutdownCtx); err != nil {
				logger.Warn("Unclean shutdown", zap.Error(err))
			}
			return serveErr
		},
	}

	cmd.Flags().BoolVar(&autoInit, "init", false, "initialize blocks and the ledger genesis when missing")
	return cmd
}
