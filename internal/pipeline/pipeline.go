// Package pipeline runs the producer loop: sample metrics, apply the
// optional post-processing stages, and hand finished batches to the
// streaming client. It is the single writer for its channel.
package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/your-org/edgestream/internal/capture"
	"github.com/your-org/edgestream/internal/enrich"
	"github.com/your-org/edgestream/internal/notify"
	"github.com/your-org/edgestream/internal/spool"
	"github.com/your-org/edgestream/internal/streaming"
	"github.com/your-org/edgestream/internal/telemetry"
)

// Config tunes the producer loop.
type Config struct {
	BatchSize int
	Interval  time.Duration
	// VerifyCommit polls channel status after each batch until the offset
	// is durably applied.
	VerifyCommit bool
}

// Params wires the pipeline's collaborators. Enricher, Capturer, Notifier,
// Spool, and ExternalRecords are all optional; a nil stage is skipped.
type Params struct {
	Client    *streaming.Client
	Collector *telemetry.Collector
	Enricher  *enrich.Client
	Capturer  *capture.Capturer
	Notifier  *notify.Notifier
	Spool     *spool.Spool
	// ExternalRecords feeds records produced outside this process (the
	// Kafka source) into the same single-writer queue.
	ExternalRecords <-chan streaming.Record
	Logger          *zap.Logger
}

// Stats is a point-in-time snapshot of pipeline counters.
type Stats struct {
	BatchesAccepted int64 `json:"batches_accepted"`
	BatchesRetried  int64 `json:"batches_retried"`
	BatchesSpooled  int64 `json:"batches_spooled"`
	RowsAccepted    int64 `json:"rows_accepted"`
}

// Pipeline is the producer loop for one channel.
type Pipeline struct {
	cfg    Config
	p      Params
	logger *zap.Logger

	batchesAccepted atomic.Int64
	batchesRetried  atomic.Int64
	batchesSpooled  atomic.Int64
	rowsAccepted    atomic.Int64
}

// New constructs a Pipeline.
func New(cfg Config, p Params) *Pipeline {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	return &Pipeline{cfg: cfg, p: p, logger: p.Logger}
}

// Stats returns the current counters.
func (pl *Pipeline) Stats() Stats {
	return Stats{
		BatchesAccepted: pl.batchesAccepted.Load(),
		BatchesRetried:  pl.batchesRetried.Load(),
		BatchesSpooled:  pl.batchesSpooled.Load(),
		RowsAccepted:    pl.rowsAccepted.Load(),
	}
}

// Run executes the loop until ctx is cancelled. An in-flight submission is
// allowed to complete or fail before Run returns; pending un-submitted
// records are discarded on shutdown.
func (pl *Pipeline) Run(ctx context.Context) error {
	ticker := time.NewTicker(pl.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		records := pl.buildRecords(ctx)
		if len(records) > 0 {
			// Submission runs under the parent context so shutdown lets it
			// finish instead of leaving offset state ambiguous mid-request.
			pl.submit(context.WithoutCancel(ctx), records)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// buildRecords assembles one batch: locally sampled snapshots plus whatever
// the external source delivered since the last tick, run through the
// enrichment stages. Every stage is individually fault-isolated.
func (pl *Pipeline) buildRecords(ctx context.Context) []streaming.Record {
	first := pl.p.Collector.Sample(ctx)
	summary := pl.stageSummary(ctx, first)
	capRes, imageSummary := pl.stageCapture(ctx)

	records := make([]streaming.Record, 0, pl.cfg.BatchSize)
	for i := 0; i < pl.cfg.BatchSize; i++ {
		snap := first
		if i > 0 {
			snap = pl.p.Collector.Sample(ctx)
		}
		rec := snap.Record()
		if summary != "" {
			rec[telemetry.ColEdgeAISummary] = summary
		}
		if capRes.Captured {
			rec[telemetry.ColImagePath] = capRes.Path
			rec[telemetry.ColImageCaptured] = true
			if imageSummary != "" {
				rec[telemetry.ColImageAISummary] = imageSummary
			}
		}
		records = append(records, rec)
	}

	records = append(records, pl.drainExternal()...)
	return records
}

func (pl *Pipeline) stageSummary(ctx context.Context, snap *telemetry.Snapshot) string {
	if pl.p.Enricher == nil {
		return ""
	}
	summary := pl.p.Enricher.Summarize(ctx, snap)
	if summary == "" {
		pl.logger.Warn("edge AI summary is empty; check enrichment config")
	}
	return summary
}

func (pl *Pipeline) stageCapture(ctx context.Context) (capture.Result, string) {
	if pl.p.Capturer == nil {
		return capture.Result{}, ""
	}
	res := pl.p.Capturer.Capture(ctx)
	if !res.Captured {
		return res, ""
	}
	imageSummary := ""
	if pl.p.Enricher != nil {
		imageSummary = pl.p.Enricher.AnalyzeImage(ctx, res.Path)
	}
	if pl.p.Notifier != nil {
		pl.p.Notifier.SendImage(ctx, res.Path, imageSummary)
	}
	return res, imageSummary
}

func (pl *Pipeline) drainExternal() []streaming.Record {
	if pl.p.ExternalRecords == nil {
		return nil
	}
	var records []streaming.Record
	for {
		select {
		case rec := <-pl.p.ExternalRecords:
			records = append(records, rec)
		default:
			return records
		}
	}
}

// submit splits the records against the payload ceiling and pushes each
// batch through the coordinator. The outcome of every batch is surfaced:
// accepted, retried-and-accepted, or spooled as permanently failed.
func (pl *Pipeline) submit(ctx context.Context, records []streaming.Record) {
	batches, err := pl.p.Client.SplitRecords(records)
	if err != nil {
		pl.logger.Error("batch rejected before submission", zap.Error(err))
		pl.spoolRaw(ctx, records, err)
		return
	}

	for _, batch := range batches {
		res, err := pl.p.Client.AppendBatch(ctx, batch)
		if err != nil {
			pl.handleFailure(ctx, batch, err)
			continue
		}

		pl.batchesAccepted.Add(1)
		pl.rowsAccepted.Add(int64(res.Rows))
		if res.Attempts > 1 {
			pl.batchesRetried.Add(1)
		}
		pl.logger.Info("batch accepted",
			zap.Int("rows", res.Rows),
			zap.Int("bytes", res.Bytes),
			zap.String("offset", res.OffsetToken),
			zap.Int("attempts", res.Attempts))

		if pl.cfg.VerifyCommit {
			waitCtx, cancel := context.WithTimeout(ctx, time.Minute)
			if err := pl.p.Client.WaitForCommit(waitCtx, res.OffsetToken); err != nil {
				pl.logger.Warn("commit verification timed out",
					zap.String("offset", res.OffsetToken), zap.Error(err))
			}
			cancel()
		}
	}
}

func (pl *Pipeline) handleFailure(ctx context.Context, batch *streaming.Batch, err error) {
	var budget *streaming.BudgetExceededError
	if errors.As(err, &budget) {
		pl.logger.Error("batch permanently failed",
			zap.Int("attempts", budget.Attempts), zap.Error(err))
	} else {
		pl.logger.Error("batch failed", zap.Error(err))
	}

	if pl.p.Spool == nil {
		pl.logger.Error("no spool configured, dropping batch",
			zap.Int("rows", batch.Len()))
		return
	}
	if spoolErr := pl.p.Spool.Put(ctx, pl.p.Client.LastOffset(), batch.Payload(), batch.Len(), err.Error()); spoolErr != nil {
		pl.logger.Error("spooling failed, batch lost", zap.Error(spoolErr))
		return
	}
	pl.batchesSpooled.Add(1)
}

func (pl *Pipeline) spoolRaw(ctx context.Context, records []streaming.Record, cause error) {
	if pl.p.Spool == nil {
		return
	}
	// Schema-invalid records cannot be encoded as a batch; spool row count
	// only, with an empty payload, so the failure is still visible.
	if err := pl.p.Spool.Put(ctx, "", nil, len(records), cause.Error()); err != nil {
		pl.logger.Error("spooling failed", zap.Error(err))
		return
	}
	pl.batchesSpooled.Add(1)
}
