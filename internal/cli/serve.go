package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rescale/safedrop/internal/logging"
	"github.com/rescale/safedrop/internal/server"
	"github.com/rescale/safedrop/internal/storage/providers"
)

func newServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the batch upload HTTP API",
		Long: `Serve the batch upload API for the configured store.

Batches are submitted as multipart uploads. When some files already exist,
the batch waits until a client posts a decision or cancels it.

Routes:
  POST   /v1/batches                  submit files (multipart field "files")
  GET    /v1/batches                  list batches
  GET    /v1/batches/:id              batch state and per-file status
  POST   /v1/batches/:id/decision     {"overwrite": ["a.txt"]}
  POST   /v1/batches/:id/cancel       decline every conflict
  GET    /v1/batches/:id/events       server-sent events
  DELETE /v1/batches/:id              forget a finished batch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			ctx := GetContext()
			client, err := providers.New(ctx, cfg)
			if err != nil {
				return fmt.Errorf("failed to create storage client: %w", err)
			}

			srv := server.New(cfg, client, logging.NewLogger(logging.ModeServer))
			return srv.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides config)")
	return cmd
}
