package streaming

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ClientConfig assembles everything one channel needs. Exactly one Client
// exists per target table; clients for different tables share nothing and
// may run fully in parallel.
type ClientConfig struct {
	Credential  CredentialConfig
	Target      Target
	Schema      Schema
	ControlHost string
	// DiscoverHost asks the control plane for the ingest hostname at
	// connect time instead of deriving it from the account identifier.
	DiscoverHost bool
	RefreshSkew  time.Duration
	Coordinator  CoordinatorConfig
	// RequestTimeout bounds each HTTP call, independent of the retry budget.
	RequestTimeout  time.Duration
	MaxRequestBytes int
	MaxRowsBytes    int
	Logger          *zap.Logger
	// HTTPClient overrides the default client; tests point it at a local
	// server.
	HTTPClient *http.Client
}

// Client is the single-writer facade over the streaming core. All
// submissions for the channel pass through one mutex, so the continuation
// offset always has exactly one logical owner.
type Client struct {
	schema      Schema
	exchanger   *Exchanger
	channel     *ChannelManager
	submitter   *Submitter
	coordinator *Coordinator
	logger      *zap.Logger
	discover    bool

	mu         sync.Mutex
	lastOffset string
}

// NewClient validates configuration, loads the credential, and wires the
// core components. No network I/O happens until Connect.
func NewClient(cfg ClientConfig) (*Client, error) {
	cred, err := LoadCredential(cfg.Credential)
	if err != nil {
		return nil, err
	}
	if cfg.Target.Database == "" || cfg.Target.Schema == "" || cfg.Target.Pipe == "" || cfg.Target.Channel == "" {
		return nil, newError(ClassConfig, "client.new", "target database, schema, pipe, and channel are required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.RequestTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	controlHost := ControlHost(cred.Account, cfg.ControlHost)
	ingestHost := HostSegment(cred.Account) + ".snowflakecomputing.com"
	if cfg.ControlHost != "" {
		ingestHost = controlHost
	}

	exchanger := NewExchanger(cred, ExchangerConfig{
		ControlHost: controlHost,
		IngestHost:  ingestHost,
		RefreshSkew: cfg.RefreshSkew,
		HTTPClient:  httpClient,
		Logger:      logger,
	})
	channel := NewChannelManager(ChannelManagerConfig{
		Target:     cfg.Target,
		IngestHost: ingestHost,
		HTTPClient: httpClient,
		Logger:     logger,
	})
	submitter := NewSubmitter(SubmitterConfig{
		Target:          cfg.Target,
		IngestHost:      ingestHost,
		HTTPClient:      httpClient,
		Logger:          logger,
		MaxRequestBytes: cfg.MaxRequestBytes,
		MaxRowsBytes:    cfg.MaxRowsBytes,
	})

	coordCfg := cfg.Coordinator
	coordCfg.Logger = logger
	return &Client{
		schema:      cfg.Schema,
		exchanger:   exchanger,
		channel:     channel,
		submitter:   submitter,
		coordinator: NewCoordinator(exchanger, channel, submitter, coordCfg),
		logger:      logger,
		discover:    cfg.DiscoverHost,
	}, nil
}

// Connect establishes the channel: optional host discovery, token exchange,
// and channel open. The committed offset reported by the server becomes the
// resume point for offset derivation.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.discover {
		if _, err := c.exchanger.DiscoverIngestHost(ctx); err != nil {
			return err
		}
		host := c.exchanger.IngestHost()
		c.channel.host = host
		c.submitter.host = host
	}
	if err := c.coordinator.EnsureOpen(ctx); err != nil {
		return err
	}
	c.lastOffset = c.channel.CommittedOffset()
	return nil
}

// Append validates and submits one batch of records, blocking until it is
// accepted or permanently failed. Calls are serialized: a retry in progress
// never races the next batch.
func (c *Client) Append(ctx context.Context, records []Record) (*IngestResult, error) {
	batch, err := BuildBatch(c.schema, records)
	if err != nil {
		return nil, err
	}
	return c.AppendBatch(ctx, batch)
}

// AppendBatch submits a pre-built batch. Exposed for producers that split
// record sets against the row-size ceiling themselves.
func (c *Client) AppendBatch(ctx context.Context, batch *Batch) (*IngestResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	offset := nextOffset(c.lastOffset)
	res, err := c.coordinator.SubmitBatch(ctx, batch, offset)
	if err != nil {
		return nil, err
	}
	c.lastOffset = res.OffsetToken
	return res, nil
}

// SplitRecords chunks records against the submitter's row-size ceiling.
func (c *Client) SplitRecords(records []Record) ([]*Batch, error) {
	return SplitRecords(c.schema, records, c.submitter.MaxRowsBytes())
}

// WaitForCommit polls channel status until the server's committed offset
// covers the given offset token, or ctx expires.
func (c *Client) WaitForCommit(ctx context.Context, offsetToken string) error {
	const op = "client.wait_commit"
	if offsetToken == "" {
		return nil
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		tok, err := c.exchanger.Token(ctx)
		if err != nil {
			return err
		}
		if _, err := c.channel.Status(ctx, tok); err != nil {
			return err
		}
		if offsetCovered(c.channel.CommittedOffset(), offsetToken) {
			return nil
		}
		select {
		case <-ctx.Done():
			return wrapError(ClassTransient, op, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Status reports the channel's health as seen by the control plane.
func (c *Client) Status(ctx context.Context) (ChannelHealth, error) {
	tok, err := c.exchanger.Token(ctx)
	if err != nil {
		return HealthFailed, err
	}
	return c.channel.Status(ctx, tok)
}

// State exposes the channel lifecycle state for health reporting.
func (c *Client) State() ChannelState { return c.channel.State() }

// LastOffset returns the most recent offset token confirmed by the server.
func (c *Client) LastOffset() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastOffset
}

// Close waits for any in-flight submission to finish, then closes the
// channel. Close failures are logged by the manager, never returned.
func (c *Client) Close(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tok, err := c.exchanger.Token(ctx)
	if err != nil {
		c.logger.Warn("close without valid token", zap.Error(err))
		c.channel.setState(StateClosed)
		return
	}
	c.channel.Close(ctx, tok)
}

// nextOffset derives the next client offset token. Offsets are decimal
// integers counting up from the server's committed offset; a committed
// token from an older writer that is not numeric falls back to epoch
// milliseconds, which still advances monotonically.
func nextOffset(current string) string {
	if current == "" {
		return "1"
	}
	if n, err := strconv.ParseInt(current, 10, 64); err == nil {
		return strconv.FormatInt(n+1, 10)
	}
	return strconv.FormatInt(time.Now().UnixMilli(), 10)
}
