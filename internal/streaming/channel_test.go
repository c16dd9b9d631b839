package streaming

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func testTarget() Target {
	return Target{
		Database: "EDGE",
		Schema:   "PUBLIC",
		Pipe:     "TELEMETRY_PIPE",
		Table:    "TELEMETRY",
		Channel:  "edge-1",
	}
}

const (
	testChannelPath = "/v2/streaming/databases/EDGE/schemas/PUBLIC/pipes/TELEMETRY_PIPE/channels/edge-1"
	testStatusPath  = "/v2/streaming/databases/EDGE/schemas/PUBLIC/pipes/TELEMETRY_PIPE:bulk-channel-status"
	testRowsPath    = "/v2/streaming/data/databases/EDGE/schemas/PUBLIC/pipes/TELEMETRY_PIPE/channels/edge-1/rows"
)

func testToken() *ScopedToken {
	return &ScopedToken{Value: "scoped", TokenType: "OAUTH"}
}

func openResponse(continuation, committed string) map[string]any {
	return map[string]any{
		"next_continuation_token": continuation,
		"channel_status": map[string]any{
			"last_committed_offset_token": committed,
		},
	}
}

func TestChannelOpen(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != testChannelPath {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.URL.Query().Get("requestId") == "" {
			t.Error("open request missing requestId")
		}
		if got := r.Header.Get("Authorization"); got != "Bearer scoped" {
			t.Errorf("Authorization = %q", got)
		}
		json.NewEncoder(w).Encode(openResponse("cont-1", "41"))
	}))
	defer server.Close()

	m := NewChannelManager(ChannelManagerConfig{Target: testTarget(), IngestHost: server.URL})
	if m.State() != StateClosed {
		t.Fatalf("initial state = %v, want closed", m.State())
	}

	if err := m.Open(t.Context(), testToken()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if m.State() != StateOpen {
		t.Errorf("state = %v, want open", m.State())
	}
	if m.Continuation() != "cont-1" {
		t.Errorf("Continuation() = %q, want cont-1", m.Continuation())
	}
	if m.CommittedOffset() != "41" {
		t.Errorf("CommittedOffset() = %q, want 41 (resume point)", m.CommittedOffset())
	}
}

func TestChannelOpenErrorClassification(t *testing.T) {
	tests := []struct {
		status int
		want   Class
	}{
		{401, ClassAuth},
		{409, ClassConflict},
		{500, ClassTransient},
	}
	for _, tt := range tests {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))
		m := NewChannelManager(ChannelManagerConfig{Target: testTarget(), IngestHost: server.URL})
		err := m.Open(t.Context(), testToken())
		server.Close()
		if err == nil {
			t.Fatalf("status %d: Open() error = nil", tt.status)
		}
		if ClassOf(err) != tt.want {
			t.Errorf("status %d: class = %v, want %v", tt.status, ClassOf(err), tt.want)
		}
		if m.State() == StateOpen {
			t.Errorf("status %d: channel must not be open after a failed open", tt.status)
		}
	}
}

func TestChannelInvalidate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(openResponse("cont-1", ""))
	}))
	defer server.Close()

	m := NewChannelManager(ChannelManagerConfig{Target: testTarget(), IngestHost: server.URL})
	if err := m.Open(t.Context(), testToken()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	m.Invalidate()
	if m.State() != StateInvalidated {
		t.Errorf("state = %v, want invalidated", m.State())
	}

	// Recovery: a new open returns to OPEN.
	if err := m.Open(t.Context(), testToken()); err != nil {
		t.Fatalf("re-Open() error = %v", err)
	}
	if m.State() != StateOpen {
		t.Errorf("state after re-open = %v, want open", m.State())
	}
}

func TestChannelStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != testStatusPath {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body struct {
			ChannelNames []string `json:"channel_names"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode status request: %v", err)
		}
		if len(body.ChannelNames) != 1 || body.ChannelNames[0] != "edge-1" {
			t.Errorf("channel_names = %v", body.ChannelNames)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"channel_statuses": map[string]any{
				"edge-1": map[string]any{
					"last_committed_offset_token": "57",
					"channel_status_code":         "ACTIVE",
				},
			},
		})
	}))
	defer server.Close()

	m := NewChannelManager(ChannelManagerConfig{Target: testTarget(), IngestHost: server.URL})
	health, err := m.Status(t.Context(), testToken())
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if health != HealthHealthy {
		t.Errorf("health = %v, want healthy", health)
	}
	if m.CommittedOffset() != "57" {
		t.Errorf("CommittedOffset() = %q, want refreshed to 57", m.CommittedOffset())
	}
}

func TestHealthFromCode(t *testing.T) {
	tests := []struct {
		code string
		want ChannelHealth
	}{
		{"ACTIVE", HealthHealthy},
		{"", HealthHealthy},
		{"LAGGING", HealthDegraded},
		{"ERRORED", HealthFailed},
	}
	for _, tt := range tests {
		if got := healthFromCode(tt.code); got != tt.want {
			t.Errorf("healthFromCode(%q) = %v, want %v", tt.code, got, tt.want)
		}
	}
}

func TestChannelCloseBestEffort(t *testing.T) {
	deletes := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			deletes++
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(openResponse("cont-1", ""))
	}))
	defer server.Close()

	m := NewChannelManager(ChannelManagerConfig{Target: testTarget(), IngestHost: server.URL})
	if err := m.Open(t.Context(), testToken()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	// A failing remote close is logged, not surfaced; local state still
	// terminates.
	m.Close(t.Context(), testToken())
	if deletes != 1 {
		t.Errorf("deletes = %d, want 1", deletes)
	}
	if m.State() != StateClosed {
		t.Errorf("state = %v, want closed", m.State())
	}
}
