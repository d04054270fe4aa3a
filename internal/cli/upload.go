package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/rescale/safedrop/internal/config"
	"github.com/rescale/safedrop/internal/constants"
	"github.com/rescale/safedrop/internal/events"
	"github.com/rescale/safedrop/internal/localfs"
	"github.com/rescale/safedrop/internal/logging"
	"github.com/rescale/safedrop/internal/progress"
	"github.com/rescale/safedrop/internal/ratelimit"
	"github.com/rescale/safedrop/internal/storage"
	"github.com/rescale/safedrop/internal/storage/providers"
	"github.com/rescale/safedrop/internal/upload"
)

// selectionFlags are shared by 'upload' and 'check'.
type selectionFlags struct {
	recursive        bool
	includeHidden    bool
	prefix           string
	probeConcurrency int
	output           string
}

func (f *selectionFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVarP(&f.recursive, "recursive", "r", false, "Upload directories recursively")
	cmd.Flags().BoolVar(&f.includeHidden, "include-hidden", false, "Include dot files found in directories and globs")
	cmd.Flags().StringVar(&f.prefix, "prefix", "", "Key prefix in the store (overrides config)")
	cmd.Flags().IntVar(&f.probeConcurrency, "probe-concurrency", 0, "Parallel existence checks (1-128, default from config)")
	cmd.Flags().StringVarP(&f.output, "output", "o", outputText, "Output format: text, json, yaml")
}

func (f *selectionFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("prefix") {
		cfg.Storage.Prefix = f.prefix
	}
	if cmd.Flags().Changed("probe-concurrency") {
		cfg.Upload.ProbeConcurrency = f.probeConcurrency
	}
}

func newUploadCmd() *cobra.Command {
	var (
		sel           selectionFlags
		onConflict    string
		onAbandon     string
		maxConcurrent int
		dryRun        bool
		noTUI         bool
	)

	cmd := &cobra.Command{
		Use:   "upload <file|glob|dir>...",
		Short: "Upload files, asking before overwriting existing ones",
		Long: `Upload a batch of files to the configured store.

Every name is checked first. If some already exist, you choose which of them
to overwrite; the rest are skipped. New files are always uploaded.

Conflict handling (--on-conflict):
  prompt     Ask interactively (default)
  skip       Never overwrite
  overwrite  Always overwrite
  abort      Upload nothing if any file already exists

Examples:
  safedrop upload report.pdf data/*.csv
  safedrop upload -r results/ --on-conflict skip
  safedrop upload big.bin --output json`,
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
			if cmd.Flags().Changed("on-conflict") {
				cfg.Upload.OnConflict = onConflict
			}
			if cmd.Flags().Changed("on-abandon") {
				cfg.Upload.OnAbandon = onAbandon
			}
			if cmd.Flags().Changed("max-concurrent") {
				cfg.Upload.MaxConcurrent = maxConcurrent
			}
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

			out := cmd.OutOrStdout()
			if dryRun {
				return runCheck(ctx, client, cfg, items, sel.output, out)
			}

			interactive := term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stderr.Fd()))
			resolver, err := resolverFor(cfg.Upload.OnConflict, interactive && !noTUI, cmd.InOrStdin(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			res, err := runUpload(ctx, client, cfg, items, resolver, sel.output == outputText, GetLogger())
			if res != nil {
				if perr := printResult(out, sel.output, res); perr != nil {
					return perr
				}
			}
			if err != nil {
				return err
			}
			if n := len(res.Failed); n > 0 {
				return fmt.Errorf("%d of %d file(s) failed to upload", n, len(res.Files))
			}
			return nil
		},
	}

	sel.register(cmd)
	cmd.Flags().StringVar(&onConflict, "on-conflict", config.OnConflictPrompt, "What to do with existing files: prompt, skip, overwrite, abort")
	cmd.Flags().StringVar(&onAbandon, "on-abandon", config.OnAbandonDecline, "If no decision is made: decline (skip conflicts) or abort (upload nothing)")
	cmd.Flags().IntVar(&maxConcurrent, "max-concurrent", constants.DefaultWriteConcurrency, "Parallel uploads (1-32)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Only report which files already exist")
	cmd.Flags().BoolVar(&noTUI, "no-tui", false, "Use a plain text prompt instead of the interactive dialog")

	return cmd
}

// collectFiles expands arguments into upload items.
func collectFiles(args []string, sel selectionFlags) ([]upload.FileItem, error) {
	candidates, err := localfs.Collect(args, localfs.Options{
		Recursive:     sel.recursive,
		IncludeHidden: sel.includeHidden,
	})
	if err != nil {
		return nil, err
	}

	items := make([]upload.FileItem, 0, len(candidates))
	for _, c := range candidates {
		item, err := upload.FileFromPath(c.Path, c.Key)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// uploaderOptions maps configuration onto engine options.
func uploaderOptions(cfg *config.Config, bus *events.EventBus, log *logging.Logger) upload.Options {
	opts := upload.Options{
		ProbeConcurrency: cfg.Upload.ProbeConcurrency,
		WriteConcurrency: cfg.Upload.MaxConcurrent,
		ProbeLimiter:     ratelimit.NewProbeRateLimiter(cfg.Upload.ProbeRatePerSec, cfg.Upload.ProbeBurst),
		Events:           bus,
		Logger:           log,
	}
	if cfg.Upload.OnAbandon == config.OnAbandonAbort || cfg.Upload.OnConflict == config.OnConflictAbort {
		opts.OnAbandon = upload.AbandonAbort
	}
	return opts
}

// runUpload runs one batch, drawing progress when showProgress is set.
func runUpload(ctx context.Context, client storage.Client, cfg *config.Config, items []upload.FileItem,
	resolver upload.Resolver, showProgress bool, log *logging.Logger) (*upload.Result, error) {

	bus := events.NewEventBus(constants.EventBusMaxBuffer)
	defer bus.Close()

	// Log output is redirected before the batch derives its child logger,
	// so engine logs print above the bars.
	var ui *progress.UploadUI
	if showProgress {
		ui = progress.NewUploadUI(os.Stderr, len(items))
		prev := log.Output()
		log.SetOutput(ui.Writer())
		defer log.SetOutput(prev)
	}

	u := upload.NewUploader(client, uploaderOptions(cfg, bus, log))
	batch, err := u.NewBatch(items)
	if err != nil {
		return nil, err
	}
	if ui != nil {
		ui.Follow(bus, batch.ID())
	}

	res, err := batch.Run(ctx, resolver)
	// The bus drops events when full, so the UI may never see batch_complete.
	bus.Close()
	if ui != nil {
		ui.Wait()
	}
	return res, err
}

// runCheck probes items and prints which already exist.
func runCheck(ctx context.Context, client storage.Client, cfg *config.Config, items []upload.FileItem, format string, out io.Writer) error {
	names := make([]string, len(items))
	for i, it := range items {
		names[i] = it.Name
	}

	part, err := upload.Probe(ctx, client, names, upload.ProbeOptions{
		Concurrency: cfg.Upload.ProbeConcurrency,
		Limiter:     ratelimit.NewProbeRateLimiter(cfg.Upload.ProbeRatePerSec, cfg.Upload.ProbeBurst),
	})
	if err != nil {
		return err
	}

	return printCheck(out, format, checkReport{
		Backend:  client.Kind(),
		Existing: part.Existing,
		New:      part.New,
	})
}
