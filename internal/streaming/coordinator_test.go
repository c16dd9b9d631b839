package streaming

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// coordCounters records everything the fake control/ingest plane sees, so
// tests can assert on request ordering and retry counts.
type coordCounters struct {
	mu        sync.Mutex
	exchanges int
	opens     int
	appends   int
	bodies    [][]byte
	sequence  []string
}

func (c *coordCounters) record(kind string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sequence = append(c.sequence, kind)
	switch kind {
	case "exchange":
		c.exchanges++
		return c.exchanges
	case "open":
		c.opens++
		return c.opens
	default:
		c.appends++
		return c.appends
	}
}

// coordServer fakes the full token/open/append surface. committedAtOpen maps
// the Nth open to the committed offset it reports; appendStatus maps the Nth
// append to its HTTP status.
func coordServer(t *testing.T, c *coordCounters, committedAtOpen func(n int) string, appendStatus func(n int) int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/oauth/token":
			n := c.record("exchange")
			json.NewEncoder(w).Encode(map[string]any{
				"token":      fmt.Sprintf("scoped-%d", n),
				"expires_in": 3600,
			})
		case r.URL.Path == testChannelPath && r.Method == http.MethodPut:
			n := c.record("open")
			json.NewEncoder(w).Encode(openResponse(fmt.Sprintf("cont-open-%d", n), committedAtOpen(n)))
		case r.URL.Path == testRowsPath:
			body, _ := io.ReadAll(r.Body)
			c.mu.Lock()
			c.bodies = append(c.bodies, body)
			c.mu.Unlock()
			n := c.record("append")
			status := appendStatus(n)
			if status != http.StatusOK {
				w.WriteHeader(status)
				return
			}
			json.NewEncoder(w).Encode(map[string]string{
				"next_continuation_token": fmt.Sprintf("cont-append-%d", n),
			})
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func newTestCoordinator(t *testing.T, host string, cfg CoordinatorConfig) *Coordinator {
	t.Helper()
	ex := NewExchanger(keypairCredential(t), ExchangerConfig{ControlHost: host, IngestHost: host})
	ch := NewChannelManager(ChannelManagerConfig{Target: testTarget(), IngestHost: host})
	sub := NewSubmitter(SubmitterConfig{Target: testTarget(), IngestHost: host})
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = time.Millisecond
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = 2 * time.Millisecond
	}
	return NewCoordinator(ex, ch, sub, cfg)
}

func TestSubmitBatchAuthRetryResubmitsIdenticalBytes(t *testing.T) {
	counters := &coordCounters{}
	server := coordServer(t, counters,
		func(int) string { return "" },
		func(n int) int {
			if n == 1 {
				return http.StatusUnauthorized
			}
			return http.StatusOK
		})
	defer server.Close()

	coord := newTestCoordinator(t, server.URL, CoordinatorConfig{})
	res, err := coord.SubmitBatch(t.Context(), testBatch(t, 2), "1")
	if err != nil {
		t.Fatalf("SubmitBatch() error = %v", err)
	}
	if !res.Accepted || res.Attempts != 2 {
		t.Errorf("result = %+v, want accepted on attempt 2", res)
	}
	// One exchange to open, exactly one more after the 401.
	if counters.exchanges != 2 {
		t.Errorf("exchanges = %d, want 2", counters.exchanges)
	}
	if counters.appends != 2 {
		t.Errorf("appends = %d, want 2", counters.appends)
	}
	if !bytes.Equal(counters.bodies[0], counters.bodies[1]) {
		t.Error("resubmitted batch bytes differ from the rejected attempt")
	}
}

func TestSubmitBatchConflictReopensBeforeResubmit(t *testing.T) {
	counters := &coordCounters{}
	server := coordServer(t, counters,
		func(n int) string {
			if n == 2 {
				return "5" // behind the batch offset; resubmit is required
			}
			return ""
		},
		func(n int) int {
			if n == 1 {
				return http.StatusConflict
			}
			return http.StatusOK
		})
	defer server.Close()

	coord := newTestCoordinator(t, server.URL, CoordinatorConfig{})
	res, err := coord.SubmitBatch(t.Context(), testBatch(t, 1), "6")
	if err != nil {
		t.Fatalf("SubmitBatch() error = %v", err)
	}
	if !res.Accepted {
		t.Errorf("result = %+v, want accepted", res)
	}
	if counters.opens != 2 {
		t.Errorf("opens = %d, want 2 (conflict forces a re-open)", counters.opens)
	}
	if counters.appends != 2 {
		t.Errorf("appends = %d, want 2", counters.appends)
	}
	// The re-open must land between the two appends.
	want := []string{"append", "open", "append"}
	got := make([]string, 0, 3)
	for _, s := range counters.sequence {
		if s == "append" || s == "open" {
			got = append(got, s)
		}
	}
	got = got[1:] // drop the initial open
	for i := range want {
		if i >= len(got) || got[i] != want[i] {
			t.Fatalf("request order = %v, want initial open then %v", counters.sequence, want)
		}
	}
}

func TestSubmitBatchSuppressesCommittedDuplicate(t *testing.T) {
	counters := &coordCounters{}
	server := coordServer(t, counters,
		func(n int) string {
			if n == 2 {
				return "6" // the server already applied this offset
			}
			return ""
		},
		func(int) int { return http.StatusConflict })
	defer server.Close()

	coord := newTestCoordinator(t, server.URL, CoordinatorConfig{})
	res, err := coord.SubmitBatch(t.Context(), testBatch(t, 4), "6")
	if err != nil {
		t.Fatalf("SubmitBatch() error = %v", err)
	}
	if !res.Accepted || res.OffsetToken != "6" || res.Rows != 4 {
		t.Errorf("result = %+v, want accepted at offset 6 without resubmit", res)
	}
	if counters.appends != 1 {
		t.Errorf("appends = %d, want 1 (duplicate must be suppressed)", counters.appends)
	}
}

func TestSubmitBatchTransientRetry(t *testing.T) {
	counters := &coordCounters{}
	server := coordServer(t, counters,
		func(int) string { return "" },
		func(n int) int {
			if n < 3 {
				return http.StatusServiceUnavailable
			}
			return http.StatusOK
		})
	defer server.Close()

	coord := newTestCoordinator(t, server.URL, CoordinatorConfig{})
	res, err := coord.SubmitBatch(t.Context(), testBatch(t, 1), "1")
	if err != nil {
		t.Fatalf("SubmitBatch() error = %v", err)
	}
	if res.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", res.Attempts)
	}
	if counters.opens != 1 {
		t.Errorf("opens = %d, want 1 (transient failures keep the channel)", counters.opens)
	}
	if counters.exchanges != 1 {
		t.Errorf("exchanges = %d, want 1", counters.exchanges)
	}
}

func TestSubmitBatchConfigErrorAborts(t *testing.T) {
	counters := &coordCounters{}
	server := coordServer(t, counters,
		func(int) string { return "" },
		func(int) int { return http.StatusBadRequest })
	defer server.Close()

	coord := newTestCoordinator(t, server.URL, CoordinatorConfig{})
	_, err := coord.SubmitBatch(t.Context(), testBatch(t, 1), "1")
	if err == nil {
		t.Fatal("SubmitBatch() error = nil, want abort")
	}
	if ClassOf(err) != ClassConfig {
		t.Errorf("class = %v, want config", ClassOf(err))
	}
	if counters.appends != 1 {
		t.Errorf("appends = %d, want 1 (config errors must not be retried)", counters.appends)
	}
	var budget *BudgetExceededError
	if errors.As(err, &budget) {
		t.Error("config abort must not be reported as budget exhaustion")
	}
}

func TestSubmitBatchBudgetExhaustion(t *testing.T) {
	counters := &coordCounters{}
	server := coordServer(t, counters,
		func(int) string { return "" },
		func(int) int { return http.StatusInternalServerError })
	defer server.Close()

	coord := newTestCoordinator(t, server.URL, CoordinatorConfig{MaxAttempts: 3})
	_, err := coord.SubmitBatch(t.Context(), testBatch(t, 1), "1")
	if err == nil {
		t.Fatal("SubmitBatch() error = nil, want budget exhaustion")
	}
	var budget *BudgetExceededError
	if !errors.As(err, &budget) {
		t.Fatalf("error = %v, want *BudgetExceededError", err)
	}
	if budget.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", budget.Attempts)
	}
	if ClassOf(budget.Last) != ClassTransient {
		t.Errorf("Last class = %v, want transient", ClassOf(budget.Last))
	}
	if counters.appends != 3 {
		t.Errorf("appends = %d, want 3", counters.appends)
	}
}

func TestEnsureOpenRetriesTransient(t *testing.T) {
	counters := &coordCounters{}
	opens := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth/token":
			counters.record("exchange")
			json.NewEncoder(w).Encode(map[string]any{"token": "scoped", "expires_in": 3600})
		case testChannelPath:
			opens++
			if opens == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			json.NewEncoder(w).Encode(openResponse("cont-1", "3"))
		}
	}))
	defer server.Close()

	coord := newTestCoordinator(t, server.URL, CoordinatorConfig{})
	if err := coord.EnsureOpen(t.Context()); err != nil {
		t.Fatalf("EnsureOpen() error = %v", err)
	}
	if opens != 2 {
		t.Errorf("opens = %d, want 2", opens)
	}
	if coord.channel.State() != StateOpen {
		t.Errorf("state = %v, want open", coord.channel.State())
	}
	// Already open: no further requests.
	if err := coord.EnsureOpen(t.Context()); err != nil {
		t.Fatalf("second EnsureOpen() error = %v", err)
	}
	if opens != 2 {
		t.Errorf("opens after idempotent EnsureOpen = %d, want 2", opens)
	}
}

func TestOffsetCovered(t *testing.T) {
	tests := []struct {
		committed, offset string
		want              bool
	}{
		{"", "5", false},
		{"5", "", false},
		{"5", "5", true},
		{"6", "5", true},
		{"4", "5", false},
		{"abc", "abc", true},
		{"abc", "def", false},
	}
	for _, tt := range tests {
		if got := offsetCovered(tt.committed, tt.offset); got != tt.want {
			t.Errorf("offsetCovered(%q, %q) = %v, want %v", tt.committed, tt.offset, got, tt.want)
		}
	}
}
