package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"session-trader/internal/models"
)

type relayServer struct {
	mu       sync.Mutex
	notified []string
	results  []map[string]interface{}
	queue    string
	apiKeys  []string
}

func (s *relayServer) handler(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiKeys = append(s.apiKeys, r.Header.Get("X-API-Key"))

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/api/notify":
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		s.notified = append(s.notified, body["text"])
		w.Write([]byte(`{"ok":true}`))
	case r.Method == http.MethodPost && r.URL.Path == "/api/command-result":
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		s.results = append(s.results, body)
		w.Write([]byte(`{"ok":true}`))
	case r.Method == http.MethodGet && r.URL.Path == "/api/commands":
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(s.queue))
		s.queue = `{"commands":[]}`
	default:
		http.NotFound(w, r)
	}
}

func newRelay(t *testing.T) (*RelayNotifier, *relayServer) {
	t.Helper()
	rs := &relayServer{queue: `{"commands":[]}`}
	srv := httptest.NewServer(http.HandlerFunc(rs.handler))
	t.Cleanup(srv.Close)
	return NewRelayNotifier(RelayConfig{URL: srv.URL + "/", APIKey: "k3y", Timeout: time.Second}, zerolog.Nop()), rs
}

func TestRelayNotifier_NotifyAndResult(t *testing.T) {
	n, rs := newRelay(t)
	ctx := context.Background()

	if err := n.Notify(ctx, "<b>hello</b>"); err != nil {
		t.Fatal(err)
	}
	if err := n.Notify(ctx, ""); err != nil {
		t.Fatal(err)
	}
	if err := n.SendResult(ctx, 42, "done"); err != nil {
		t.Fatal(err)
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	if len(rs.notified) != 1 || rs.notified[0] != "<b>hello</b>" {
		t.Errorf("notified = %v", rs.notified)
	}
	if len(rs.results) != 1 || rs.results[0]["chat_id"].(float64) != 42 || rs.results[0]["text"] != "done" {
		t.Errorf("results = %v", rs.results)
	}
	for _, k := range rs.apiKeys {
		if k != "k3y" {
			t.Errorf("api key header = %q", k)
		}
	}
}

func TestRelayNotifier_PollCommands(t *testing.T) {
	n, rs := newRelay(t)
	rs.queue = `{"commands":[
		{"id":"a1b2c3d4","command":"/Close","args":" AAPL ","chat_id":123,"timestamp":"2026-03-02T14:46:00.123456+00:00"},
		{"id":7,"command":"status","args":"","chat_id":123,"timestamp":""}]}`

	cmds, err := n.PollCommands(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(cmds) != 2 {
		t.Fatalf("got %d commands", len(cmds))
	}
	c := cmds[0]
	if c.ID != "a1b2c3d4" || c.Command != "close" || c.Args != "AAPL" || c.ChatID != 123 {
		t.Errorf("command = %+v", c)
	}
	if c.Timestamp.IsZero() || c.Timestamp.Minute() != 46 {
		t.Errorf("timestamp = %v", c.Timestamp)
	}
	if cmds[1].ID != "7" || !cmds[1].Timestamp.IsZero() {
		t.Errorf("second command = %+v", cmds[1])
	}

	again, err := n.PollCommands(context.Background())
	if err != nil || len(again) != 0 {
		t.Errorf("queue not drained: %v %v", again, err)
	}
}

func TestRelayNotifier_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()
	n := NewRelayNotifier(RelayConfig{URL: srv.URL}, zerolog.Nop())
	if err := n.Notify(context.Background(), "x"); err == nil {
		t.Error("expected error on 401")
	}
	if _, err := n.PollCommands(context.Background()); err == nil {
		t.Error("expected error on 401")
	}
}

func TestRedisNotifier_DecodeCommands(t *testing.T) {
	r := newRedisNotifier(nil, "bot:", zerolog.Nop())
	if r.key("commands") != "bot:commands" {
		t.Errorf("key = %q", r.key("commands"))
	}
	cmds := r.decodeCommands([]string{
		`{"id":"x1","command":"/HALT","chat_id":5,"timestamp":"2026-03-02T09:00:00Z"}`,
		`not json`,
		`{"id":"x2","command":"resume","chat_id":5}`,
	})
	if len(cmds) != 2 {
		t.Fatalf("got %d commands", len(cmds))
	}
	if cmds[0].Command != "halt" || cmds[1].Command != "resume" {
		t.Errorf("commands = %+v", cmds)
	}
}

type recordingNotifier struct {
	texts []string
	cmds  []models.Command
	err   error
}

func (r *recordingNotifier) Notify(ctx context.Context, text string) error {
	r.texts = append(r.texts, text)
	return r.err
}

func (r *recordingNotifier) PollCommands(ctx context.Context) ([]models.Command, error) {
	return r.cmds, r.err
}

func (r *recordingNotifier) SendResult(ctx context.Context, chatID int64, text string) error {
	return nil
}

func (r *recordingNotifier) Close() error { return nil }

func TestMultiNotifier_FansOut(t *testing.T) {
	a := &recordingNotifier{cmds: []models.Command{{ID: "1", Command: "status"}}}
	b := &recordingNotifier{err: errors.New("down")}
	mn := NewMultiNotifier(a, b)

	if err := mn.Notify(context.Background(), "hi"); err == nil {
		t.Error("expected aggregated error")
	}
	if len(a.texts) != 1 || len(b.texts) != 1 {
		t.Errorf("fan-out reached a=%d b=%d", len(a.texts), len(b.texts))
	}
	cmds, err := mn.PollCommands(context.Background())
	if err == nil || len(cmds) != 1 {
		t.Errorf("cmds=%v err=%v, want the healthy channel's command plus an error", cmds, err)
	}
}

func TestPlainText(t *testing.T) {
	got := PlainText("<b>P&amp;L</b> <code>AAPL</code> &lt;3")
	if got != "P&L AAPL <3" {
		t.Errorf("PlainText = %q", got)
	}
}
