package notify

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

// fakeSlack implements the three API calls an image upload performs.
type fakeSlack struct {
	mu       sync.Mutex
	messages []string
	uploads  int
}

func (f *fakeSlack) handler(t *testing.T, uploadBase string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/chat.postMessage", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		f.mu.Lock()
		f.messages = append(f.messages, r.FormValue("text"))
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{"ok": true, "channel": "C123", "ts": "1.0"})
	})
	mux.HandleFunc("/files.getUploadURLExternal", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"ok":         true,
			"upload_url": uploadBase + "/upload-target",
			"file_id":    "F123",
		})
	})
	mux.HandleFunc("/upload-target", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.uploads++
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/files.completeUploadExternal", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"ok":    true,
			"files": []map[string]string{{"id": "F123", "title": "t"}},
		})
	})
	return mux
}

func TestNewDisabled(t *testing.T) {
	if n := New(Config{Enabled: false}, nil); n != nil {
		t.Error("New() disabled must return nil")
	}
	var n *Notifier
	n.SendImage(t.Context(), "/nope.jpg", "caption") // must not panic
}

func TestSendImage(t *testing.T) {
	fake := &fakeSlack{}
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fake.handler(t, server.URL).ServeHTTP(w, r)
	}))
	defer server.Close()

	imgPath := filepath.Join(t.TempDir(), "frame.jpg")
	if err := os.WriteFile(imgPath, []byte("jpeg-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	n := New(Config{
		Enabled:  true,
		BotToken: "xoxb-test",
		Channel:  "C123",
		APIURL:   server.URL + "/",
	}, nil)

	n.SendImage(t.Context(), imgPath, "a quiet loading dock")

	if len(fake.messages) != 1 {
		t.Fatalf("messages = %v, want 1", fake.messages)
	}
	if !strings.Contains(fake.messages[0], "a quiet loading dock") {
		t.Errorf("message = %q, want caption included", fake.messages[0])
	}
	if !strings.HasPrefix(fake.messages[0], "Edge capture") {
		t.Errorf("message = %q, want default prefix", fake.messages[0])
	}
	if fake.uploads != 1 {
		t.Errorf("uploads = %d, want 1", fake.uploads)
	}
}

func TestSendImageMissingFile(t *testing.T) {
	fake := &fakeSlack{}
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fake.handler(t, server.URL).ServeHTTP(w, r)
	}))
	defer server.Close()

	n := New(Config{Enabled: true, BotToken: "xoxb-test", Channel: "C123", APIURL: server.URL + "/"}, nil)
	n.SendImage(t.Context(), filepath.Join(t.TempDir(), "missing.jpg"), "")

	if len(fake.messages) != 0 || fake.uploads != 0 {
		t.Error("missing image must not reach Slack at all")
	}
}
