package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rescale/safedrop/internal/storage/providers"
)

func newCheckCmd() *cobra.Command {
	var sel selectionFlags

	cmd := &cobra.Command{
		Use:   "check <file|glob|dir>...",
		Short: "Report which files already exist in the store",
		Long: `Check every name against the configured store without uploading anything.

Examples:
  safedrop check *.csv
  safedrop check -r results/ -o json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateOutput(sel.output); err != nil {
				return err
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			sel.apply(cmd, cfg)
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			items, err := collectFiles(args, sel)
			if err != nil {
				return err
			}

			ctx := GetContext()
			client, err := providers.New(ctx, cfg)
			if err != nil {
				return fmt.Errorf("failed to create storage client: %w", err)
			}
			return runCheck(ctx, client, cfg, items, sel.output, cmd.OutOrStdout())
		},
	}

	sel.register(cmd)
	return cmd
}
