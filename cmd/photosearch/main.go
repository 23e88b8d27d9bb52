package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/perbu/photosearch/pkg/config"
	"github.com/perbu/photosearch/pkg/embedder"
	"github.com/perbu/photosearch/pkg/loader"
	"github.com/perbu/photosearch/pkg/observability"
	"github.com/perbu/photosearch/pkg/photosearch"
)

var version = "dev"

type options struct {
	configPath string
	top        int
	threshold  float64
	verbose    bool
}

func main() {
	var opts options

	rootCmd := &cobra.Command{
		Use:           "photosearch",
		Short:         "Search a photo collection by text or by example image",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "config.yaml", "Config file path")
	rootCmd.PersistentFlags().IntVar(&opts.top, "top", 0, "Number of results to return (default: display_num)")
	rootCmd.PersistentFlags().Float64Var(&opts.threshold, "threshold", 0, "Minimum similarity score (default: threshold from config)")
	rootCmd.PersistentFlags().BoolVar(&opts.verbose, "verbose", false, "Enable verbose output for debugging")

	searchCmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Find photos matching a text description",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			return search(cmd, opts, func(ctx context.Context, e *photosearch.Engine, k int) ([]photosearch.SearchResult, error) {
				return e.SearchText(ctx, query, k)
			})
		},
	}

	similarCmd := &cobra.Command{
		Use:   "similar <image>",
		Short: "Find photos similar to an image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			item, err := loader.ItemFromPath(args[0])
			if err != nil {
				return err
			}
			return search(cmd, opts, func(ctx context.Context, e *photosearch.Engine, k int) ([]photosearch.SearchResult, error) {
				return e.SearchItem(ctx, item, k)
			})
		},
	}

	rootCmd.AddCommand(searchCmd, similarCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type queryFunc func(ctx context.Context, e *photosearch.Engine, k int) ([]photosearch.SearchResult, error)

func search(cmd *cobra.Command, opts options, query queryFunc) error {
	ctx := cmd.Context()

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if opts.verbose {
		cfg.Log.Level = "debug"
	}
	slog.SetDefault(cfg.NewLogger(os.Stderr))

	shutdown, err := observability.InitTracing(ctx, cfg.TracingOptions("photosearch", version))
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	top := opts.top
	if top == 0 {
		top = cfg.DisplayNum
	}
	threshold := cfg.Threshold
	if cmd.Flags().Changed("threshold") {
		threshold = opts.threshold
	}

	// Step 1: Load merged dataset
	ds, err := photosearch.LoadDataset(cfg.FeaturesPath)
	if err != nil {
		return fmt.Errorf("loading dataset from %s (run generate-embeddings first): %w", cfg.FeaturesPath, err)
	}
	slog.Debug("loaded dataset", "photos", ds.Len(), "dimension", ds.Dimension, "model", ds.ModelInfo)

	// Step 2: Initialize embedder for the query
	emb, err := embedder.New(cfg.EmbedderOptions())
	if err != nil {
		return fmt.Errorf("initializing embedder: %w", err)
	}
	if emb.ModelInfo() != ds.ModelInfo {
		slog.Warn("query model differs from dataset model", "query", emb.ModelInfo(), "dataset", ds.ModelInfo)
	}

	// Step 3: Execute search
	engine := photosearch.NewEngine(photosearch.LoadIndex(ds), emb, threshold)
	slog.Debug("searching", "top", top, "threshold", threshold)
	results, err := query(ctx, engine, top)
	if err != nil {
		return err
	}

	// Step 4: Display results
	if len(results) == 0 {
		fmt.Println("No results found")
		return nil
	}
	fmt.Printf("Found %d results:\n\n", len(results))
	for _, r := range results {
		fmt.Printf("%2d. Score: %.3f | %s\n", r.Rank+1, r.Score, r.ID)
	}
	return nil
}
