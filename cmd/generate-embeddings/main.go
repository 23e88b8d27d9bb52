package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/perbu/photosearch/pkg/batch"
	"github.com/perbu/photosearch/pkg/checkpoint"
	"github.com/perbu/photosearch/pkg/config"
	"github.com/perbu/photosearch/pkg/embedder"
	"github.com/perbu/photosearch/pkg/loader"
	"github.com/perbu/photosearch/pkg/merge"
	"github.com/perbu/photosearch/pkg/observability"
	"github.com/perbu/photosearch/pkg/photosearch"
	"github.com/perbu/photosearch/pkg/pipeline"
)

var version = "dev"

func main() {
	var (
		configPath string
		verbose    bool
	)

	rootCmd := &cobra.Command{
		Use:           "generate-embeddings",
		Short:         "Embed a photo collection in resumable batches",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "Config file path")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable debug logging")

	load := func() (*config.Config, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		if verbose {
			cfg.Log.Level = "debug"
		}
		return cfg, nil
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Embed every photo without a checkpoint, then merge",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show completed and pending batches",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return status(cmd.Context(), cfg)
		},
	}

	mergeCmd := &cobra.Command{
		Use:   "merge",
		Short: "Merge completed checkpoints without encoding",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return mergeOnly(cmd.Context(), cfg)
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete-batch <index>",
		Short: "Delete a checkpoint so the next run recomputes it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := strconv.Atoi(args[0])
			if err != nil || idx < 0 {
				return fmt.Errorf("invalid batch index %q", args[0])
			}
			cfg, err := load()
			if err != nil {
				return err
			}
			return deleteBatch(cmd.Context(), cfg, idx)
		},
	}

	rootCmd.AddCommand(runCmd, statusCmd, mergeCmd, deleteCmd)

	// Ctrl-C stops dispatching new batches; finished ones stay checkpointed.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

// env bundles what every subcommand opens.
type env struct {
	cfg      *config.Config
	store    checkpoint.Store
	shutdown observability.Shutdown
}

func setup(ctx context.Context, cfg *config.Config) (*env, error) {
	slog.SetDefault(cfg.NewLogger(os.Stderr))

	shutdown, err := observability.InitTracing(ctx, cfg.TracingOptions("generate-embeddings", version))
	if err != nil {
		return nil, err
	}
	store, err := checkpoint.Open(ctx, cfg.StoreOptions())
	if err != nil {
		_ = shutdown(ctx)
		return nil, err
	}
	return &env{cfg: cfg, store: store, shutdown: shutdown}, nil
}

func (e *env) close() {
	_ = e.store.Close()
	// Flush with a fresh context; the run context may already be cancelled.
	_ = e.shutdown(context.Background())
}

func run(ctx context.Context, cfg *config.Config) error {
	fmt.Println("Photosearch Embedding Generation Tool")
	fmt.Println("=====================================")
	fmt.Println()

	e, err := setup(ctx, cfg)
	if err != nil {
		return err
	}
	defer e.close()

	// Step 1: List photos
	fmt.Println("Step 1: Listing photos...")
	items, err := loader.ListItems(cfg.PhotosPath, cfg.ExtList)
	if err != nil {
		return fmt.Errorf("listing photos: %w", err)
	}
	batchCount, err := batch.Count(len(items), cfg.BatchSize)
	if err != nil {
		return err
	}
	fmt.Printf("  ✓ Found %d photos in %s (%d batches of %d)\n\n", len(items), cfg.PhotosPath, batchCount, cfg.BatchSize)

	// Step 2: Initialize encoder
	fmt.Println("Step 2: Initializing encoder...")
	emb, err := embedder.New(cfg.EmbedderOptions())
	if err != nil {
		return fmt.Errorf("initializing embedder: %w", err)
	}
	fmt.Printf("  ✓ Encoder initialized (model=%s, dim=%d, device=%s)\n\n", emb.ModelInfo(), emb.Dimension(), cfg.Device)

	// Check for existing checkpoints
	done, err := e.store.ListCompleted(ctx)
	if err != nil {
		return fmt.Errorf("listing checkpoints: %w", err)
	}
	if len(done) > 0 {
		fmt.Printf("Found checkpoints: %d/%d batches already embedded\n\n", len(done), batchCount)
	}

	// Step 3: Generate embeddings
	fmt.Println("Step 3: Generating embeddings...")
	proc := pipeline.NewProcessor(e.store, emb, pipeline.Config{
		BatchSize: cfg.BatchSize,
		Workers:   cfg.Workers,
		Progress: func(n, total int) {
			fmt.Printf("\r  Progress: %d/%d (%.1f%%)", n, total, float64(n)/float64(total)*100)
			if n == total {
				fmt.Println()
			}
		},
	})
	report, err := proc.Run(ctx, items)
	if errors.Is(err, context.Canceled) {
		fmt.Println("\n\n⚠ Interrupt received, stopped dispatching batches.")
		fmt.Printf("  %d batches done, %d not started. Run again to resume.\n", report.Skipped+report.Encoded, report.NotStarted)
		return err
	}
	if err != nil {
		return err
	}
	if !report.Complete() {
		fmt.Fprintf(os.Stderr, "\n⚠ %d batch(es) failed:\n", len(report.Failed))
		for _, f := range report.Failed {
			fmt.Fprintf(os.Stderr, "  - %v\n", f)
		}
		fmt.Println("\nCompleted batches are checkpointed. Run again to retry the failed ones.")
		if cfg.Policy() == merge.Strict {
			return fmt.Errorf("%d batch(es) failed: %v", len(report.Failed), report.FailedBatches())
		}
	}
	fmt.Printf("  ✓ Embedded %d batches, skipped %d already done (%s)\n\n", report.Encoded, report.Skipped, report.Duration.Round(time.Millisecond))

	// Step 4: Merge
	fmt.Println("Step 4: Merging checkpoints...")
	res, err := newMerger(e.store, cfg, emb.ModelInfo()).MergeTo(ctx, batchCount, cfg.FeaturesPath)
	if err != nil {
		return fmt.Errorf("merging: %w", err)
	}
	printMerge(cfg, res)
	if cfg.Policy() == merge.Strict && res.Dataset.Len() != len(items) {
		return fmt.Errorf("merged %d rows for %d photos", res.Dataset.Len(), len(items))
	}

	if !report.Complete() {
		return fmt.Errorf("%d batch(es) failed: %v", len(report.Failed), report.FailedBatches())
	}
	fmt.Println("Done! Embeddings are ready for use.")
	fmt.Println("Run 'photosearch search <query>' to search them.")
	return nil
}

func newMerger(store checkpoint.Store, cfg *config.Config, modelInfo string) *merge.Merger {
	return merge.New(store, merge.Options{
		Policy:    cfg.Policy(),
		ModelInfo: modelInfo,
		Dimension: cfg.Dimension,
		BatchSize: cfg.BatchSize,
	})
}

func printMerge(cfg *config.Config, res *merge.Result) {
	fmt.Printf("  ✓ Merged %d batches, %d photos (dim=%d) into %s\n",
		len(res.Merged), res.Dataset.Len(), res.Dataset.Dimension, cfg.FeaturesPath)
	if len(res.Skipped) > 0 {
		fmt.Printf("  ⚠ Left out batches %v (merge_policy=%s)\n", res.Skipped, cfg.Policy())
	}
	fmt.Println()
}

func status(ctx context.Context, cfg *config.Config) error {
	e, err := setup(ctx, cfg)
	if err != nil {
		return err
	}
	defer e.close()

	items, err := loader.ListItems(cfg.PhotosPath, cfg.ExtList)
	if err != nil {
		return fmt.Errorf("listing photos: %w", err)
	}
	batchCount, err := batch.Count(len(items), cfg.BatchSize)
	if err != nil {
		return err
	}
	done, err := e.store.ListCompleted(ctx)
	if err != nil {
		return err
	}

	completed := make(map[int]bool, len(done))
	for _, idx := range done {
		completed[idx] = true
	}
	var pending []int
	for i := 0; i < batchCount; i++ {
		if !completed[i] {
			pending = append(pending, i)
		}
	}

	fmt.Printf("Photos:    %d in %s\n", len(items), cfg.PhotosPath)
	fmt.Printf("Batches:   %d of %d completed\n", batchCount-len(pending), batchCount)
	if len(pending) > 0 {
		fmt.Printf("Pending:   %v\n", pending)
	}
	if m, err := photosearch.ReadManifest(cfg.FeaturesPath); err == nil {
		fmt.Printf("Merged:    %d photos, model=%s, dim=%d, at %s\n", m.Count, m.Model, m.Dimension, m.CreatedAt.Format("2006-01-02 15:04:05"))
	} else {
		fmt.Println("Merged:    no merged dataset yet")
	}
	return nil
}

func mergeOnly(ctx context.Context, cfg *config.Config) error {
	e, err := setup(ctx, cfg)
	if err != nil {
		return err
	}
	defer e.close()

	items, err := loader.ListItems(cfg.PhotosPath, cfg.ExtList)
	if err != nil {
		return fmt.Errorf("listing photos: %w", err)
	}
	batchCount, err := batch.Count(len(items), cfg.BatchSize)
	if err != nil {
		return err
	}
	// Merging needs no encoder access; the embedder only names the model.
	modelInfo := cfg.Model
	if emb, err := embedder.New(cfg.EmbedderOptions()); err == nil {
		modelInfo = emb.ModelInfo()
	}

	fmt.Println("Merging checkpoints...")
	res, err := newMerger(e.store, cfg, modelInfo).MergeTo(ctx, batchCount, cfg.FeaturesPath)
	if err != nil {
		return err
	}
	printMerge(cfg, res)
	return nil
}

func deleteBatch(ctx context.Context, cfg *config.Config, idx int) error {
	e, err := setup(ctx, cfg)
	if err != nil {
		return err
	}
	defer e.close()

	if err := e.store.Delete(ctx, idx); err != nil {
		return fmt.Errorf("deleting batch %d: %w", idx, err)
	}
	fmt.Printf("✓ Deleted checkpoint %d. Run 'generate-embeddings run' to recompute it.\n", idx)
	return nil
}
