// Package pipeline encodes items batch by batch, checkpointing each batch so
// an interrupted or partially failed run can be resumed.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/perbu/photosearch/pkg/batch"
	"github.com/perbu/photosearch/pkg/checkpoint"
	"github.com/perbu/photosearch/pkg/observability"
	"github.com/perbu/photosearch/pkg/photosearch"
)

// Stages at which a batch can fail.
const (
	OpCheck    = "check"
	OpEncode   = "encode"
	OpValidate = "validate"
	OpWrite    = "write"
)

// EncoderError records why a batch produced no checkpoint. The batch stays
// pending and is retried by the next run.
type EncoderError struct {
	Batch int
	Op    string
	Err   error
}

func (e *EncoderError) Error() string {
	return fmt.Sprintf("batch %d: %s: %v", e.Batch, e.Op, e.Err)
}

func (e *EncoderError) Unwrap() error { return e.Err }

// Encoder is the part of an embedder the processor uses.
type Encoder interface {
	EmbedItems(ctx context.Context, items []photosearch.Item) ([][]float32, error)
	Dimension() int
}

// Config controls batching and parallelism.
type Config struct {
	BatchSize int
	Workers   int // Batches in flight at once; defaults to 1

	// Progress, if set, is called after every finished batch with the
	// number of batches handled so far. Calls are serialized.
	Progress func(done, total int)
}

// Processor runs the resumable batch loop over one checkpoint store.
type Processor struct {
	store   checkpoint.Store
	encoder Encoder
	config  Config
	logger  *slog.Logger
}

// NewProcessor creates a processor writing checkpoints to store.
func NewProcessor(store checkpoint.Store, encoder Encoder, cfg Config) *Processor {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Processor{
		store:   store,
		encoder: encoder,
		config:  cfg,
		logger:  slog.Default(),
	}
}

// WithLogger replaces the default logger.
func (p *Processor) WithLogger(l *slog.Logger) *Processor {
	p.logger = l
	return p
}

// Report summarizes one run.
type Report struct {
	Batches    int
	Skipped    int // Already checkpointed
	Encoded    int
	Failed     []*EncoderError // Ascending by batch index
	NotStarted int             // Left undispatched after cancellation
	Duration   time.Duration
}

// Complete reports whether every planned batch now has a checkpoint.
func (r *Report) Complete() bool {
	return len(r.Failed) == 0 && r.NotStarted == 0
}

// FailedBatches returns the indices of the failed batches.
func (r *Report) FailedBatches() []int {
	out := make([]int, len(r.Failed))
	for i, f := range r.Failed {
		out[i] = f.Batch
	}
	return out
}

// Run processes every batch of items that has no checkpoint yet. A failed
// batch is logged, recorded in the report and does not stop the run. On
// cancellation no further batches are dispatched and ctx.Err() is returned
// together with the partial report.
func (p *Processor) Run(ctx context.Context, items []photosearch.Item) (*Report, error) {
	start := time.Now()
	batches, err := batch.Plan(len(items), p.config.BatchSize)
	if err != nil {
		return nil, err
	}

	ctx, span := observability.Tracer().Start(ctx, "pipeline.Run", trace.WithAttributes(
		attribute.Int("pipeline.items", len(items)),
		attribute.Int("pipeline.batches", len(batches)),
		attribute.Int("pipeline.workers", p.config.Workers),
	))
	defer span.End()

	report := &Report{Batches: len(batches)}
	var (
		mu   sync.Mutex
		done int
	)
	finish := func(skipped bool, failure *EncoderError, started bool) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case !started:
			report.NotStarted++
			return
		case failure != nil:
			report.Failed = append(report.Failed, failure)
		case skipped:
			report.Skipped++
		default:
			report.Encoded++
		}
		done++
		if p.config.Progress != nil {
			p.config.Progress(done, len(batches))
		}
	}

	// Failures are collected in the report, so workers never return an
	// error and one bad batch does not cancel the others.
	var g errgroup.Group
	g.SetLimit(p.config.Workers)
	dispatched := 0
	for _, b := range batches {
		if ctx.Err() != nil {
			break
		}
		dispatched++
		b := b
		g.Go(func() error {
			if ctx.Err() != nil {
				finish(false, nil, false)
				return nil
			}
			skipped, failure := p.processBatch(ctx, b, batch.Slice(items, b))
			finish(skipped, failure, true)
			return nil
		})
	}
	_ = g.Wait()

	report.NotStarted += len(batches) - dispatched
	slices.SortFunc(report.Failed, func(a, b *EncoderError) int { return a.Batch - b.Batch })
	report.Duration = time.Since(start)

	span.SetAttributes(
		attribute.Int("pipeline.skipped", report.Skipped),
		attribute.Int("pipeline.encoded", report.Encoded),
		attribute.Int("pipeline.failed", len(report.Failed)),
	)
	p.logger.Info("embedding run finished",
		"batches", report.Batches,
		"skipped", report.Skipped,
		"encoded", report.Encoded,
		"failed", len(report.Failed),
		"not_started", report.NotStarted,
		"duration", report.Duration)

	if err := ctx.Err(); err != nil {
		observability.RecordError(span, err)
		return report, err
	}
	return report, nil
}

func (p *Processor) processBatch(ctx context.Context, b batch.Batch, items []photosearch.Item) (bool, *EncoderError) {
	ctx, span := observability.Tracer().Start(ctx, "pipeline.batch", trace.WithAttributes(
		attribute.Int("batch.index", b.Index),
		attribute.Int("batch.items", b.Len()),
	))
	defer span.End()

	fail := func(op string, err error) (bool, *EncoderError) {
		e := &EncoderError{Batch: b.Index, Op: op, Err: err}
		observability.RecordError(span, e)
		p.logger.Error("batch failed", "batch", b.Index, "op", op, "error", err)
		return false, e
	}

	ok, err := p.store.Exists(ctx, b.Index)
	if err != nil {
		return fail(OpCheck, err)
	}
	if ok {
		span.SetAttributes(attribute.Bool("batch.skipped", true))
		p.logger.Debug("batch already checkpointed", "batch", b.Index)
		return true, nil
	}

	vectors, err := p.encoder.EmbedItems(ctx, items)
	if err != nil {
		return fail(OpEncode, err)
	}
	if len(vectors) != len(items) {
		return fail(OpValidate, fmt.Errorf("encoder returned %d vectors for %d items", len(vectors), len(items)))
	}
	dim := p.encoder.Dimension()
	for i, v := range vectors {
		if len(v) != dim {
			return fail(OpValidate, fmt.Errorf("vector %d has dimension %d, want %d", i, len(v), dim))
		}
	}

	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	if err := p.store.Write(ctx, b.Index, vectors, ids); err != nil {
		return fail(OpWrite, err)
	}
	p.logger.Debug("batch encoded", "batch", b.Index, "items", len(items))
	return false, nil
}
