package streaming

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ChannelState is the lifecycle state of a logical ingestion channel.
type ChannelState int

const (
	// StateClosed: no channel exists; also the terminal state after Close.
	StateClosed ChannelState = iota
	// StateOpening: an open request is in flight.
	StateOpening
	// StateOpen: the channel is usable for submissions.
	StateOpen
	// StateInvalidated: the server rejected the channel or its offset; the
	// next submission must re-open first.
	StateInvalidated
)

func (s ChannelState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateInvalidated:
		return "invalidated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ChannelHealth is the coarse health reported by the status endpoint.
type ChannelHealth string

const (
	HealthHealthy  ChannelHealth = "healthy"
	HealthDegraded ChannelHealth = "degraded"
	HealthFailed   ChannelHealth = "failed"
)

// Target names the table one channel writes to.
type Target struct {
	Database string
	Schema   string
	Pipe     string
	Table    string
	Channel  string
}

func (t Target) String() string {
	return fmt.Sprintf("%s.%s.%s/%s", t.Database, t.Schema, t.Pipe, t.Channel)
}

// ChannelManager owns one logical channel against one target table. It is
// the single source of truth for where ingestion is: the continuation token
// and last committed offset live here and nowhere else. Not safe for
// concurrent use; the Client serializes access.
type ChannelManager struct {
	target Target
	host   string
	client *http.Client
	logger *zap.Logger
	tracer trace.Tracer

	mu              sync.Mutex
	state           ChannelState
	continuation    string
	committedOffset string
}

// ChannelManagerConfig configures a ChannelManager.
type ChannelManagerConfig struct {
	Target     Target
	IngestHost string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// NewChannelManager constructs a manager in the closed state.
func NewChannelManager(cfg ChannelManagerConfig) *ChannelManager {
	m := &ChannelManager{
		target: cfg.Target,
		host:   cfg.IngestHost,
		client: cfg.HTTPClient,
		logger: cfg.Logger,
		tracer: otel.Tracer("edgestream/streaming"),
		state:  StateClosed,
	}
	if m.client == nil {
		m.client = &http.Client{Timeout: 30 * time.Second}
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	return m
}

// State returns the current lifecycle state.
func (m *ChannelManager) State() ChannelState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Continuation returns the server-issued continuation token for the next
// append, empty until the channel has been opened.
func (m *ChannelManager) Continuation() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.continuation
}

// CommittedOffset returns the last offset the server has durably applied,
// as reported at open time or by a status poll.
func (m *ChannelManager) CommittedOffset() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.committedOffset
}

// advance records a successful append. Only the submitter calls this, and
// only with values echoed by the server.
func (m *ChannelManager) advance(continuation, offset string) {
	m.mu.Lock()
	m.continuation = continuation
	if offset != "" {
		m.committedOffset = offset
	}
	m.mu.Unlock()
}

// Invalidate marks the channel unusable; the next submission must Open
// again before appending.
func (m *ChannelManager) Invalidate() {
	m.mu.Lock()
	if m.state == StateOpen || m.state == StateOpening {
		m.state = StateInvalidated
	}
	m.mu.Unlock()
	m.logger.Warn("channel invalidated", zap.String("target", m.target.String()))
}

func (m *ChannelManager) setState(s ChannelState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

type channelStatusPayload struct {
	LastCommittedOffsetToken string `json:"last_committed_offset_token"`
	ChannelStatusCode        string `json:"channel_status_code"`
	RowsInserted             int64  `json:"rows_inserted"`
	RowsErrors               int64  `json:"rows_errors"`
}

// Open creates or re-attaches the channel and records the server's
// continuation token and committed offset as the resume point. A producer
// that derives records deterministically from the committed offset can
// restart after a crash without loss or duplication.
func (m *ChannelManager) Open(ctx context.Context, tok *ScopedToken) error {
	const op = "channel.open"
	m.setState(StateOpening)

	ctx, span := m.tracer.Start(ctx, "streaming.channel_open")
	defer span.End()

	endpoint := fmt.Sprintf("%s/v2/streaming/databases/%s/schemas/%s/pipes/%s/channels/%s",
		baseURL(m.host), m.target.Database, m.target.Schema, m.target.Pipe, m.target.Channel)

	body, err := json.Marshal(struct{}{})
	if err != nil {
		m.setState(StateClosed)
		return wrapError(ClassConfig, op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(body))
	if err != nil {
		m.setState(StateClosed)
		return wrapError(ClassTransient, op, err)
	}
	authorize(req, tok)
	req.Header.Set("Content-Type", "application/json")
	q := req.URL.Query()
	q.Set("requestId", uuid.NewString())
	req.URL.RawQuery = q.Encode()

	resp, err := m.client.Do(req)
	if err != nil {
		m.setState(StateInvalidated)
		return wrapError(ClassTransient, op, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		m.setState(StateInvalidated)
		return httpError(op, resp.StatusCode, string(raw))
	}

	var payload struct {
		NextContinuationToken string               `json:"next_continuation_token"`
		ChannelStatus         channelStatusPayload `json:"channel_status"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		m.setState(StateInvalidated)
		return wrapError(ClassTransient, op, fmt.Errorf("decode open response: %w", err))
	}
	if payload.NextContinuationToken == "" {
		m.setState(StateInvalidated)
		return newError(ClassTransient, op, "open response missing continuation token")
	}

	m.mu.Lock()
	m.state = StateOpen
	m.continuation = payload.NextContinuationToken
	m.committedOffset = payload.ChannelStatus.LastCommittedOffsetToken
	m.mu.Unlock()

	m.logger.Info("channel open",
		zap.String("target", m.target.String()),
		zap.String("committed_offset", payload.ChannelStatus.LastCommittedOffsetToken))
	return nil
}

// Status polls the control plane for the channel's health and refreshes the
// committed offset. The coordinator uses it to decide between continuing,
// re-opening, and suppressing a duplicate resubmission.
func (m *ChannelManager) Status(ctx context.Context, tok *ScopedToken) (ChannelHealth, error) {
	const op = "channel.status"

	ctx, span := m.tracer.Start(ctx, "streaming.channel_status")
	defer span.End()

	endpoint := fmt.Sprintf("%s/v2/streaming/databases/%s/schemas/%s/pipes/%s:bulk-channel-status",
		baseURL(m.host), m.target.Database, m.target.Schema, m.target.Pipe)

	body, err := json.Marshal(map[string][]string{"channel_names": {m.target.Channel}})
	if err != nil {
		return HealthFailed, wrapError(ClassConfig, op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return HealthFailed, wrapError(ClassTransient, op, err)
	}
	authorize(req, tok)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return HealthFailed, wrapError(ClassTransient, op, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return HealthFailed, httpError(op, resp.StatusCode, string(raw))
	}

	var payload struct {
		ChannelStatuses map[string]channelStatusPayload `json:"channel_statuses"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return HealthFailed, wrapError(ClassTransient, op, fmt.Errorf("decode status response: %w", err))
	}
	status, ok := payload.ChannelStatuses[m.target.Channel]
	if !ok {
		return HealthFailed, newError(ClassConflict, op, "channel missing from status response")
	}

	if status.LastCommittedOffsetToken != "" {
		m.mu.Lock()
		m.committedOffset = status.LastCommittedOffsetToken
		m.mu.Unlock()
	}
	return healthFromCode(status.ChannelStatusCode), nil
}

// Close drops the channel server-side. Best effort: failures are logged and
// swallowed, but local state always ends up terminal.
func (m *ChannelManager) Close(ctx context.Context, tok *ScopedToken) {
	const op = "channel.close"
	defer m.setState(StateClosed)

	m.mu.Lock()
	state := m.state
	m.mu.Unlock()
	if state == StateClosed {
		return
	}

	endpoint := fmt.Sprintf("%s/v2/streaming/databases/%s/schemas/%s/pipes/%s/channels/%s",
		baseURL(m.host), m.target.Database, m.target.Schema, m.target.Pipe, m.target.Channel)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		m.logger.Warn("channel close request failed", zap.Error(err))
		return
	}
	authorize(req, tok)
	q := req.URL.Query()
	q.Set("requestId", uuid.NewString())
	req.URL.RawQuery = q.Encode()

	resp, err := m.client.Do(req)
	if err != nil {
		m.logger.Warn("channel close failed", zap.String("target", m.target.String()), zap.Error(err))
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16)) //nolint:errcheck

	if resp.StatusCode >= 300 {
		m.logger.Warn("channel close rejected",
			zap.String("target", m.target.String()),
			zap.Int("status", resp.StatusCode))
		return
	}
	m.logger.Info("channel closed", zap.String("target", m.target.String()))
}

func healthFromCode(code string) ChannelHealth {
	switch code {
	case "", "ACTIVE", "OPEN", "HEALTHY":
		return HealthHealthy
	case "LAGGING", "DEGRADED", "PAUSED":
		return HealthDegraded
	default:
		return HealthFailed
	}
}

func authorize(req *http.Request, tok *ScopedToken) {
	if tok == nil {
		return
	}
	req.Header.Set("Authorization", "Bearer "+tok.Value)
	if tok.TokenType != "" {
		req.Header.Set("X-Snowflake-Authorization-Token-Type", tok.TokenType)
	}
}
