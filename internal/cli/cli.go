// ============================================================================
// promptbatch CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra commands around the batch engine
//
// Command Structure:
//   promptbatch                    # Root command
//   ├── generate                   # Run a batch from a prompt file
//   │   ├── --file, -f            # Prompt file, one prompt per line ("-" = stdin)
//   │   ├── --window, -w          # Items dispatched concurrently
//   │   └── --resume              # Continue an interrupted run
//   ├── bundle                     # Archive the succeeded items of the last run
//   │   └── --out, -o             # Archive path
//   ├── serve                      # HTTP API + gRPC health
//   ├── status                     # Show the last run
//   ├── --config, -c              # Config file (default configs/default.yaml)
//   └── --version
//
// Persistence:
//   generate writes a journal and a manifest under storage.dir, so bundle and
//   status work from a separate process.
//
// Signal Handling:
//   SIGINT / SIGTERM cancel the run: windows not started stay Pending and the
//   manifest is still written. serve shuts down its listeners.
//
// ============================================================================

package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/prompt-batch/internal/controller"
	"github.com/ChuLiYu/prompt-batch/internal/imagegen"
	"github.com/ChuLiYu/prompt-batch/internal/metrics"
	"github.com/ChuLiYu/prompt-batch/internal/server"
	"github.com/ChuLiYu/prompt-batch/pkg/types"
)

var configFile string

// BuildCLI builds the root command
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "promptbatch",
		Short: "promptbatch: bounded-concurrency batch image generation",
		Long: `promptbatch turns a list of prompts into images:
- windowed parallel dispatch with live progress
- cancellation between windows
- per-item failure tracking
- zip bundling of the results`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildGenerateCommand())
	rootCmd.AddCommand(buildBundleCommand())
	rootCmd.AddCommand(buildServeCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

// ============================================================================
// generate
// ============================================================================

type generateFlags struct {
	file        string
	window      int
	aspectRatio string
	provider    string
	count       int
	resume      bool
}

func buildGenerateCommand() *cobra.Command {
	var flags generateFlags

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate images for every prompt of a file",
		Long:  "Split the file into prompts (one per line, blank lines ignored) and dispatch them window by window.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.file == "" && !flags.resume {
				return fmt.Errorf("prompt file is required (use --file or -f)")
			}
			return runGenerate(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), flags)
		},
	}

	cmd.Flags().StringVarP(&flags.file, "file", "f", "", "prompt file, one prompt per line (- for stdin)")
	cmd.Flags().IntVarP(&flags.window, "window", "w", 0, "window size (default from config)")
	cmd.Flags().StringVar(&flags.aspectRatio, "aspect-ratio", "", "aspect ratio: "+strings.Join(types.AspectRatios, ", "))
	cmd.Flags().StringVar(&flags.provider, "provider", "", "model: "+strings.Join(types.Providers, ", "))
	cmd.Flags().IntVarP(&flags.count, "count", "n", 0, "images per prompt")
	cmd.Flags().BoolVar(&flags.resume, "resume", false, "dispatch the pending items of an interrupted run")

	return cmd
}

func runGenerate(ctx context.Context, stdin io.Reader, out io.Writer, flags generateFlags) error {
	cfg, err := setup()
	if err != nil {
		return err
	}

	ctx, stop := signalContext(ctx)
	defer stop()

	ctrl, err := newController(cfg, metrics.NewCollector(nil))
	if err != nil {
		return err
	}
	defer ctrl.Close()

	progress := func(p types.Progress) {
		fmt.Fprintf(out, "\rGenerating... %d / %d", p.Completed, p.Total)
		if p.Done() {
			fmt.Fprintln(out)
		}
	}

	var status controller.RunStatus
	if flags.resume {
		if err := ctrl.Recover(); err != nil {
			return fmt.Errorf("failed to recover run: %w", err)
		}
		status, err = ctrl.Resume(ctx, progress)
	} else {
		var prompts []byte
		prompts, err = readPrompts(stdin, flags.file)
		if err != nil {
			return err
		}
		status, err = ctrl.Generate(ctx, controller.RunRequest{
			Prompts:    string(prompts),
			WindowSize: flags.window,
			Options: types.GenerateOptions{
				AspectRatio: flags.aspectRatio,
				Provider:    flags.provider,
				Count:       flags.count,
			},
			OnProgress: progress,
		})
	}
	if err != nil {
		return err
	}

	if !status.Progress.Done() {
		fmt.Fprintln(out)
	}
	printStatus(out, status)
	return nil
}

func readPrompts(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(bufio.NewReader(stdin))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read prompt file: %w", err)
	}
	return data, nil
}

// ============================================================================
// bundle
// ============================================================================

func buildBundleCommand() *cobra.Command {
	var outPath string

	cmd := &cobra.Command{
		Use:   "bundle",
		Short: "Bundle the succeeded images of the last run into a zip archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBundle(cmd.Context(), cmd.OutOrStdout(), outPath)
		},
	}

	cmd.Flags().StringVarP(&outPath, "out", "o", server.ArchiveName, "archive path")
	return cmd
}

func runBundle(ctx context.Context, out io.Writer, outPath string) error {
	cfg, err := setup()
	if err != nil {
		return err
	}

	ctx, stop := signalContext(ctx)
	defer stop()

	ctrl, err := newController(cfg, nil)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	result, err := ctrl.Bundle(ctx, func(p types.Progress) {
		fmt.Fprintf(out, "\rDownloading... %d / %d", p.Completed, p.Total)
		if p.Done() {
			fmt.Fprintln(out)
		}
	})
	if err != nil {
		return err
	}
	if result.NothingToBundle {
		fmt.Fprintln(out, "No images to download")
		return nil
	}

	if dir := filepath.Dir(outPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create output dir: %w", err)
		}
	}
	if err := os.WriteFile(outPath, result.Archive, 0644); err != nil {
		return fmt.Errorf("failed to write archive: %w", err)
	}

	fmt.Fprintf(out, "Wrote %s: %d bundled, %d skipped of %d\n", outPath, result.Bundled, result.Skipped, result.Total)
	return nil
}

// ============================================================================
// serve
// ============================================================================

func buildServeCommand() *cobra.Command {
	var httpAddr, grpcAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the gRPC health service",
		Long:  "Serve the generate and download proxies, the run API and /metrics.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), httpAddr, grpcAddr)
		},
	}

	cmd.Flags().StringVar(&httpAddr, "http", "", "HTTP listen address (default from config)")
	cmd.Flags().StringVar(&grpcAddr, "grpc", "", "gRPC health listen address (default from config)")
	return cmd
}

func runServe(ctx context.Context, httpAddr, grpcAddr string) error {
	cfg, err := setup()
	if err != nil {
		return err
	}
	if httpAddr != "" {
		cfg.Server.HTTPAddr = httpAddr
	}
	if grpcAddr != "" {
		cfg.Server.GRPCAddr = grpcAddr
	}

	ctx, stop := signalContext(ctx)
	defer stop()

	m := metrics.NewCollector(nil)
	client := newClient(cfg)
	ctrl, err := newController(cfg, m)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	if err := ctrl.Recover(); err != nil && !errors.Is(err, controller.ErrNoRun) {
		slog.Warn("Failed to recover last run", "error", err)
	}

	srv := server.NewServer(client, ctrl, m, server.WithLogger(slog.Default()))
	slog.Info("Starting promptbatch server", "config", configFile)
	return server.ListenAndServe(ctx, cfg.Server, withRequestLog(srv.Handler()))
}

func withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("Request", "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of the last run",
		Long:  "Display the item statistics of the last run from its manifest and journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(cmd.OutOrStdout())
		},
	}
	return cmd
}

func showStatus(out io.Writer) error {
	cfg, err := setup()
	if err != nil {
		return err
	}

	fmt.Fprintln(out, "Configuration:")
	fmt.Fprintf(out, "  ├─ Config File:   %s\n", configFile)
	fmt.Fprintf(out, "  ├─ Service:       %s%s\n", cfg.Generation.BaseURL, cfg.Generation.GeneratePath)
	fmt.Fprintf(out, "  ├─ Window Size:   %d\n", cfg.Scheduler.WindowSize)
	fmt.Fprintf(out, "  ├─ Journal:       %s\n", cfg.JournalPath())
	fmt.Fprintf(out, "  └─ Manifest:      %s\n", cfg.ManifestPath())
	fmt.Fprintln(out)

	ctrl, err := newController(cfg, nil)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	if err := ctrl.Recover(); err != nil {
		if errors.Is(err, controller.ErrNoRun) {
			fmt.Fprintln(out, "No run recorded yet (run 'promptbatch generate' first)")
			return nil
		}
		return err
	}

	status, err := ctrl.Current()
	if err != nil {
		return err
	}
	printStatus(out, status)
	return nil
}

func printStatus(out io.Writer, status controller.RunStatus) {
	fmt.Fprintf(out, "Run %s (%s)\n", status.RunID, status.State)
	fmt.Fprintf(out, "  ├─ Progress:   %d / %d\n", status.Progress.Completed, status.Progress.Total)
	fmt.Fprintf(out, "  ├─ Succeeded:  %d\n", status.Stats[string(types.StateSucceeded)])
	fmt.Fprintf(out, "  ├─ Failed:     %d\n", status.Stats[string(types.StateFailed)])
	fmt.Fprintf(out, "  └─ Pending:    %d\n", status.Stats[string(types.StatePending)])
	if status.Error != "" {
		fmt.Fprintf(out, "Error: %s\n", status.Error)
	}
}

// ============================================================================
// wiring
// ============================================================================

// setup loads the config and installs the process logger
func setup() (*Config, error) {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	slog.SetDefault(newLogger(cfg, os.Stderr))
	return cfg, nil
}

func newClient(cfg *Config) *imagegen.Client {
	return imagegen.NewClient(cfg.Generation.Token,
		imagegen.WithBaseURL(cfg.Generation.BaseURL),
		imagegen.WithGeneratePath(cfg.Generation.GeneratePath),
		imagegen.WithHTTPClient(&http.Client{Timeout: cfg.Generation.Timeout}),
		imagegen.WithRateLimit(cfg.Generation.RateLimit),
		imagegen.WithLogger(slog.Default()),
	)
}

func newController(cfg *Config, m *metrics.Collector) (*controller.Controller, error) {
	if cfg.Storage.Dir != "" {
		if err := os.MkdirAll(cfg.Storage.Dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create storage dir: %w", err)
		}
	}

	client := newClient(cfg)
	ctrl, err := controller.NewController(controller.Config{
		WindowSize:   cfg.Scheduler.WindowSize,
		ItemTimeout:  cfg.Scheduler.ItemTimeout,
		Mode:         cfg.Scheduler.Mode,
		Options:      cfg.Generation.Options,
		Retry:        cfg.Scheduler.Retry,
		Bundle:       cfg.Bundle,
		JournalPath:  cfg.JournalPath(),
		ManifestPath: cfg.ManifestPath(),
		SyncJournal:  cfg.Storage.Sync,
		KeepBackups:  cfg.Storage.KeepBackups,
		Logger:       slog.Default(),
	}, client, client, m)
	if err != nil {
		return nil, fmt.Errorf("failed to create controller: %w", err)
	}
	return ctrl, nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}
