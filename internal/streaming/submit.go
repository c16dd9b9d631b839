package streaming

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Payload ceilings enforced client-side before any network call. The
// protocol caps the whole request and, tighter, the row-encoded portion.
const (
	// DefaultMaxRequestBytes caps the total append request body.
	DefaultMaxRequestBytes = 16 << 20
	// DefaultMaxRowsBytes caps the NDJSON row portion of one append.
	DefaultMaxRowsBytes = 4 << 20
)

// IngestResult reports the outcome of one accepted submission.
type IngestResult struct {
	Accepted     bool
	OffsetToken  string
	Continuation string
	Rows         int
	Bytes        int
	// Attempts counts submission attempts including the successful one, so
	// callers can tell accepted from retried-and-accepted.
	Attempts int
}

// Submitter encodes nothing itself (batches arrive pre-encoded) but owns
// the append call: size enforcement, auth/continuation attachment, and
// response classification. One Submitter serves one channel.
type Submitter struct {
	target          Target
	host            string
	client          *http.Client
	logger          *zap.Logger
	tracer          trace.Tracer
	maxRequestBytes int
	maxRowsBytes    int
}

// SubmitterConfig configures a Submitter. Zero limits fall back to the
// protocol defaults.
type SubmitterConfig struct {
	Target          Target
	IngestHost      string
	HTTPClient      *http.Client
	Logger          *zap.Logger
	MaxRequestBytes int
	MaxRowsBytes    int
}

// NewSubmitter constructs a Submitter.
func NewSubmitter(cfg SubmitterConfig) *Submitter {
	s := &Submitter{
		target:          cfg.Target,
		host:            cfg.IngestHost,
		client:          cfg.HTTPClient,
		logger:          cfg.Logger,
		tracer:          otel.Tracer("edgestream/streaming"),
		maxRequestBytes: cfg.MaxRequestBytes,
		maxRowsBytes:    cfg.MaxRowsBytes,
	}
	if s.client == nil {
		s.client = &http.Client{Timeout: 30 * time.Second}
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.maxRequestBytes <= 0 {
		s.maxRequestBytes = DefaultMaxRequestBytes
	}
	if s.maxRowsBytes <= 0 {
		s.maxRowsBytes = DefaultMaxRowsBytes
	}
	return s
}

// MaxRowsBytes returns the row-portion ceiling, the bound producers should
// split batches against.
func (s *Submitter) MaxRowsBytes() int { return s.maxRowsBytes }

// CheckSize enforces the payload ceilings locally. It never touches the
// network; oversized batches must be split (or rejected) by the caller.
func (s *Submitter) CheckSize(batch *Batch) error {
	const op = "submit.size"
	if batch.Size() > s.maxRowsBytes {
		return newError(ClassSchema, op,
			fmt.Sprintf("batch rows encode to %d bytes, over the %d byte row limit", batch.Size(), s.maxRowsBytes))
	}
	if batch.Size() > s.maxRequestBytes {
		return newError(ClassSchema, op,
			fmt.Sprintf("batch encodes to %d bytes, over the %d byte request limit", batch.Size(), s.maxRequestBytes))
	}
	return nil
}

// Submit appends one batch to the channel under its current continuation
// token, stamping offsetToken as the batch's client offset. The channel's
// continuation only advances on a confirmed 200; every other outcome leaves
// channel state untouched apart from classification.
func (s *Submitter) Submit(ctx context.Context, tok *ScopedToken, ch *ChannelManager, batch *Batch, offsetToken string) (*IngestResult, error) {
	const op = "submit.append"

	if err := s.CheckSize(batch); err != nil {
		return nil, err
	}
	if ch.State() != StateOpen {
		return nil, newError(ClassConflict, op, fmt.Sprintf("channel is %s, not open", ch.State()))
	}

	ctx, span := s.tracer.Start(ctx, "streaming.append_rows")
	defer span.End()

	endpoint := fmt.Sprintf("%s/v2/streaming/data/databases/%s/schemas/%s/pipes/%s/channels/%s/rows",
		baseURL(s.host), s.target.Database, s.target.Schema, s.target.Pipe, s.target.Channel)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(batch.Payload()))
	if err != nil {
		return nil, wrapError(ClassTransient, op, err)
	}
	authorize(req, tok)
	req.Header.Set("Content-Type", "application/x-ndjson")
	q := req.URL.Query()
	q.Set("continuationToken", ch.Continuation())
	if offsetToken != "" {
		q.Set("offsetToken", offsetToken)
	}
	req.URL.RawQuery = q.Encode()

	resp, err := s.client.Do(req)
	if err != nil {
		// No success response means no offset advance is assumed: the batch
		// is safe to retry as-is.
		return nil, wrapError(ClassTransient, op, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return nil, httpError(op, resp.StatusCode, string(raw))
	}

	var payload struct {
		NextContinuationToken string `json:"next_continuation_token"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, wrapError(ClassTransient, op, fmt.Errorf("decode append response: %w", err))
	}
	if payload.NextContinuationToken == "" {
		return nil, newError(ClassTransient, op, "append response missing continuation token")
	}

	ch.advance(payload.NextContinuationToken, offsetToken)

	s.logger.Debug("batch appended",
		zap.String("target", s.target.String()),
		zap.Int("rows", batch.Len()),
		zap.Int("bytes", batch.Size()),
		zap.String("offset", offsetToken))

	return &IngestResult{
		Accepted:     true,
		OffsetToken:  offsetToken,
		Continuation: payload.NextContinuationToken,
		Rows:         batch.Len(),
		Bytes:        batch.Size(),
	}, nil
}
