package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ScopedToken is a short-lived credential authorizing ingest operations
// against one account's ingest host. The exchanger owns it; other components
// receive it read-only and ask for a fresh one when rejected.
type ScopedToken struct {
	Value     string
	TokenType string
	Host      string
	ExpiresAt time.Time
}

// Expired reports whether the token may no longer be attached to new
// requests. The skew keeps in-flight submissions from racing the real
// expiry.
func (t *ScopedToken) Expired(now time.Time, skew time.Duration) bool {
	return t == nil || !now.Add(skew).Before(t.ExpiresAt)
}

// NormalizeAccount maps any accepted account identifier spelling to the
// canonical uppercase ORG-ACCOUNT form.
func NormalizeAccount(account string) string {
	return strings.ToUpper(strings.ReplaceAll(account, "_", "-"))
}

// HostSegment derives the DNS-safe host segment for an account identifier:
// lowercase, underscores replaced with dashes.
func HostSegment(account string) string {
	return strings.ToLower(strings.ReplaceAll(account, "_", "-"))
}

// ControlHost derives the control-plane endpoint for an account. No network
// call is involved; overrides strip any scheme prefix.
func ControlHost(account, override string) string {
	if override != "" {
		host := strings.TrimPrefix(override, "https://")
		host = strings.TrimPrefix(host, "http://")
		return strings.TrimSuffix(host, "/")
	}
	return HostSegment(account) + ".snowflakecomputing.com"
}

// baseURL turns a host into a request base. Hosts are HTTPS unless an
// explicit scheme is present (tests point components at local servers).
func baseURL(host string) string {
	if strings.Contains(host, "://") {
		return strings.TrimSuffix(host, "/")
	}
	return "https://" + host
}

// ExchangerConfig configures a token Exchanger.
type ExchangerConfig struct {
	ControlHost string
	IngestHost  string
	// RefreshSkew refreshes the scoped token this long ahead of expiry.
	RefreshSkew time.Duration
	// TokenLifetime bounds how long an exchanged token is trusted locally
	// when the response carries no expiry of its own.
	TokenLifetime time.Duration
	HTTPClient    *http.Client
	Logger        *zap.Logger
}

// Exchanger trades the long-lived credential for channel-scoped tokens and
// caches them until shortly before expiry.
type Exchanger struct {
	cred        *Credential
	controlHost string
	ingestHost  string
	skew        time.Duration
	lifetime    time.Duration
	client      *http.Client
	logger      *zap.Logger
	tracer      trace.Tracer
	now         func() time.Time

	mu     sync.Mutex
	cached *ScopedToken
}

// NewExchanger constructs an Exchanger bound to one credential.
func NewExchanger(cred *Credential, cfg ExchangerConfig) *Exchanger {
	ex := &Exchanger{
		cred:        cred,
		controlHost: cfg.ControlHost,
		ingestHost:  cfg.IngestHost,
		skew:        cfg.RefreshSkew,
		lifetime:    cfg.TokenLifetime,
		client:      cfg.HTTPClient,
		logger:      cfg.Logger,
		tracer:      otel.Tracer("edgestream/streaming"),
		now:         time.Now,
	}
	if ex.controlHost == "" {
		ex.controlHost = ControlHost(cred.Account, "")
	}
	if ex.ingestHost == "" {
		ex.ingestHost = ex.controlHost
	}
	if ex.skew <= 0 {
		ex.skew = time.Minute
	}
	if ex.lifetime <= 0 {
		ex.lifetime = 50 * time.Minute
	}
	if ex.client == nil {
		ex.client = &http.Client{Timeout: 30 * time.Second}
	}
	if ex.logger == nil {
		ex.logger = zap.NewNop()
	}
	return ex
}

// IngestHost returns the host ingest requests are sent to.
func (e *Exchanger) IngestHost() string { return e.ingestHost }

// Token returns a scoped token that is valid for at least the refresh skew,
// exchanging a fresh one when the cached token is missing or near expiry.
func (e *Exchanger) Token(ctx context.Context) (*ScopedToken, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.cached.Expired(e.now(), e.skew) {
		return e.cached, nil
	}
	tok, err := e.exchange(ctx)
	if err != nil {
		return nil, err
	}
	e.cached = tok
	return tok, nil
}

// Invalidate drops the cached token so the next Token call performs a fresh
// exchange. Called after the server rejects a token the local clock still
// considered valid.
func (e *Exchanger) Invalidate() {
	e.mu.Lock()
	e.cached = nil
	e.mu.Unlock()
}

func (e *Exchanger) exchange(ctx context.Context) (*ScopedToken, error) {
	const op = "token.exchange"
	now := e.now()

	// A PAT is already channel-scoped; no exchange round-trip exists for it.
	if e.cred.Method == AuthPAT {
		return &ScopedToken{
			Value:     e.cred.PAT,
			TokenType: tokenTypePAT,
			Host:      e.ingestHost,
			ExpiresAt: now.Add(e.lifetime),
		}, nil
	}

	bearer, bearerType, err := e.cred.Bearer(now)
	if err != nil {
		return nil, err
	}

	ctx, span := e.tracer.Start(ctx, "streaming.token_exchange")
	defer span.End()

	form := url.Values{
		"grant_type": {"urn:ietf:params:oauth:grant-type:jwt-bearer"},
		"scope":      {e.ingestHost},
	}
	endpoint := fmt.Sprintf("%s/oauth/token", baseURL(e.controlHost))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, wrapError(ClassTransient, op, err)
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("X-Snowflake-Authorization-Token-Type", bearerType)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, wrapError(ClassTransient, op, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return nil, httpError(op, resp.StatusCode, string(body))
	}

	var payload struct {
		Token     string `json:"token"`
		ExpiresIn int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, wrapError(ClassTransient, op, fmt.Errorf("decode token response: %w", err))
	}
	if payload.Token == "" {
		return nil, newError(ClassTransient, op, "token response missing token")
	}

	expiry := now.Add(e.lifetime)
	if payload.ExpiresIn > 0 {
		expiry = now.Add(time.Duration(payload.ExpiresIn) * time.Second)
	}

	e.logger.Debug("scoped token exchanged",
		zap.String("ingest_host", e.ingestHost),
		zap.Time("expires_at", expiry))

	return &ScopedToken{
		Value:     payload.Token,
		TokenType: tokenTypeScoped,
		Host:      e.ingestHost,
		ExpiresAt: expiry,
	}, nil
}

// DiscoverIngestHost asks the control plane for the account's ingest
// hostname. Derivation via HostSegment stays the default; discovery exists
// for accounts whose ingest fleet is not reachable under the derived name.
func (e *Exchanger) DiscoverIngestHost(ctx context.Context) (string, error) {
	const op = "token.discover_host"

	bearer, bearerType, err := e.cred.Bearer(e.now())
	if err != nil {
		return "", err
	}

	ctx, span := e.tracer.Start(ctx, "streaming.discover_host")
	defer span.End()

	endpoint := fmt.Sprintf("%s/v2/streaming/hostname", baseURL(e.controlHost))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", wrapError(ClassTransient, op, err)
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("X-Snowflake-Authorization-Token-Type", bearerType)

	resp, err := e.client.Do(req)
	if err != nil {
		return "", wrapError(ClassTransient, op, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return "", httpError(op, resp.StatusCode, string(body))
	}

	host := strings.TrimSpace(string(body))
	var payload struct {
		Hostname string `json:"hostname"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Hostname != "" {
		host = payload.Hostname
	}
	if host == "" {
		return "", newError(ClassTransient, op, "hostname response was empty")
	}

	host = strings.ReplaceAll(host, "_", "-")
	e.mu.Lock()
	e.ingestHost = host
	e.cached = nil
	e.mu.Unlock()
	return host, nil
}
