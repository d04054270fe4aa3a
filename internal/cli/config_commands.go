package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rescale/safedrop/internal/config"
)

// newConfigCmd creates the 'config' command group.
func newConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage safedrop configuration",
		Long: `Configuration management commands for safedrop.

Commands:
  init  - Interactive configuration setup
  show  - Display the effective configuration (secrets masked)
  path  - Show configuration file path`,
	}

	configCmd.AddCommand(newConfigInitCmd())
	configCmd.AddCommand(newConfigShowCmd())
	configCmd.AddCommand(newConfigPathCmd())

	return configCmd
}

func configPath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	return config.DefaultConfigPath()
}

// newConfigInitCmd creates the 'config init' command.
func newConfigInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize configuration interactively",
		Long: `Interactive configuration setup for safedrop.

The configuration is saved to ~/.config/safedrop/config (or --config).
Use --force to overwrite an existing configuration.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := configPath()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if !force {
				if _, err := os.Stat(path); err == nil {
					fmt.Fprintf(out, "Configuration already exists at: %s\n", path)
					fmt.Fprintln(out, "Use --force to overwrite or run 'config show' to view current config.")
					return nil
				}
			}

			cfg, err := promptConfig(cmd.InOrStdin(), out)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			if err := config.Save(cfg, path); err != nil {
				return err
			}

			GetLogger().Info().Str("path", path).Msg("Configuration saved")
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite existing configuration")
	return cmd
}

// promptConfig walks through the settings that matter for each backend.
// Pressing Enter keeps the default shown in brackets.
func promptConfig(in io.Reader, out io.Writer) (*config.Config, error) {
	cfg := config.NewConfig()
	reader := bufio.NewReader(in)

	ask := func(label, def string) string {
		if def != "" {
			fmt.Fprintf(out, "%s [%s]: ", label, def)
		} else {
			fmt.Fprintf(out, "%s: ", label)
		}
		line, _ := reader.ReadString('\n')
		if line = strings.TrimSpace(line); line == "" {
			return def
		}
		return line
	}

	fmt.Fprintln(out, "safedrop Configuration Setup")
	fmt.Fprintln(out, "============================")
	fmt.Fprintln(out)

	cfg.Storage.Backend = strings.ToLower(ask("Storage backend (s3, azure, local)", cfg.Storage.Backend))
	switch cfg.Storage.Backend {
	case config.BackendS3:
		cfg.S3.Bucket = ask("Bucket", "")
		cfg.S3.Region = ask("Region", cfg.S3.Region)
		cfg.S3.Endpoint = ask("Custom endpoint (blank for AWS)", "")
		if cfg.S3.Endpoint != "" {
			cfg.S3.UsePathStyle = true
		}
		fmt.Fprintln(out, "Leave credentials blank to use the default AWS credential chain.")
		cfg.S3.AccessKeyID = ask("Access key ID", "")
		if cfg.S3.AccessKeyID != "" {
			cfg.S3.SecretAccessKey = ask("Secret access key", "")
		}
	case config.BackendAzure:
		cfg.Azure.ContainerURL = ask("Container URL with SAS token (blank to use a connection string)", "")
		if cfg.Azure.ContainerURL == "" {
			cfg.Azure.ConnectionString = ask("Connection string", "")
			cfg.Azure.Container = ask("Container", "")
		}
	case config.BackendLocal:
		cfg.Local.Root = ask("Root directory", cfg.Local.Root)
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrUnknownBackend, cfg.Storage.Backend)
	}
	cfg.Storage.Prefix = ask("Key prefix (optional)", "")

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Upload Settings (press Enter for defaults)")
	fmt.Fprintln(out, "------------------------------------------")
	if v, err := strconv.Atoi(ask("Parallel uploads", strconv.Itoa(cfg.Upload.MaxConcurrent))); err == nil {
		cfg.Upload.MaxConcurrent = v
	}
	cfg.Upload.OnConflict = ask("When files exist (prompt, skip, overwrite, abort)", cfg.Upload.OnConflict)

	if cfg.Storage.Backend != config.BackendLocal {
		fmt.Fprintln(out)
		if p := strings.ToLower(ask("Configure proxy? (y/N)", "n")); p == "y" || p == "yes" {
			cfg.Proxy.Mode = ask("Proxy mode (system, ntlm, basic)", config.ProxyModeSystem)
			if cfg.Proxy.Mode != config.ProxyModeSystem {
				cfg.Proxy.Host = ask("Proxy host", "")
				if v, err := strconv.Atoi(ask("Proxy port", strconv.Itoa(cfg.Proxy.Port))); err == nil {
					cfg.Proxy.Port = v
				}
				cfg.Proxy.User = ask("Proxy user (optional)", "")
			}
		}
	}

	return cfg, nil
}

// newConfigShowCmd creates the 'config show' command.
func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display current configuration",
		Long:  `Display the effective configuration after .env and environment overrides. Secrets are masked.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return config.Write(cfg.Masked(), cmd.OutOrStdout())
		},
	}
}

// newConfigPathCmd creates the 'config path' command.
func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Show configuration file path",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := configPath()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
}
