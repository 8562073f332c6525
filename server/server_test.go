package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"otk-tracker/catalog"
	"otk-tracker/media"
	"otk-tracker/pkg/tracker"
	"otk-tracker/poll"
	"otk-tracker/state"
	"otk-tracker/storage"
)

type fakeEngine struct {
	mu       sync.Mutex
	snap     *state.Snapshot
	result   *poll.Result
	syncErr  error
	resets   int
	healthy  error
	events   chan tracker.Event
	triggers []poll.Trigger
}

func newFakeEngine() *fakeEngine {
	snap := state.NewSnapshot()
	snap.Active = []tracker.ThreadID{111, 222}
	snap.Messages[111] = []tracker.Message{
		{ID: 111, ThreadID: 111, Time: 1000, Title: "otk test", Text: "hello"},
		{ID: 112, ThreadID: 111, Time: 1001, Text: "pic", Attachment: &tracker.Attachment{Filename: "cat", Ext: ".jpg", ContentKey: "ABC", LocalRef: "ABC"}},
	}
	snap.Stats = tracker.Stats{ImagesFetched: 1, ImagesStored: 1}
	return &fakeEngine{snap: snap, events: make(chan tracker.Event, 4)}
}

func (f *fakeEngine) Sync(ctx context.Context, trigger poll.Trigger) (*poll.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggers = append(f.triggers, trigger)
	return f.result, f.syncErr
}

func (f *fakeEngine) Reset(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	return nil
}

func (f *fakeEngine) Snapshot() *state.Snapshot { return f.snap }

func (f *fakeEngine) Timeline() []tracker.Message {
	var all []tracker.Message
	for _, id := range f.snap.Active {
		all = append(all, f.snap.Messages[id]...)
	}
	return all
}

func (f *fakeEngine) ColorFor(ctx context.Context, id tracker.ThreadID) (string, bool) {
	return fmt.Sprintf("#%06d", id), true
}

func (f *fakeEngine) Subscribe(buffer int) (<-chan tracker.Event, func()) {
	return f.events, func() {}
}

func (f *fakeEngine) Healthy() error { return f.healthy }

func (f *fakeEngine) Running() bool { return false }

type fakeScheduler struct {
	enabled  bool
	interval time.Duration
}

func (f *fakeScheduler) SetEnabled(enabled bool) { f.enabled = enabled }

func (f *fakeScheduler) SetInterval(d time.Duration) time.Duration {
	if d < poll.MinInterval {
		d = poll.MinInterval
	}
	f.interval = d
	return d
}

func (f *fakeScheduler) Status() (bool, time.Duration) { return f.enabled, f.interval }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testServer struct {
	engine    *fakeEngine
	scheduler *fakeScheduler
	media     *media.Store
	srv       *Server
}

func newTestServer(t *testing.T, actionsPerMinute int) *testServer {
	t.Helper()
	backend, err := storage.NewLocal(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("NewLocal() error = %v", err)
	}
	ts := &testServer{
		engine:    newFakeEngine(),
		scheduler: &fakeScheduler{enabled: true, interval: time.Minute},
		media:     media.New(backend, testLogger()),
	}
	ts.srv = New(&Config{
		Engine:           ts.engine,
		Scheduler:        ts.scheduler,
		Media:            ts.media,
		Logger:           testLogger(),
		ActionsPerMinute: actionsPerMinute,
	})
	return ts
}

func (ts *testServer) do(method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	w := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, 0)

	w := ts.do(http.MethodGet, "/health")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"healthy"`) {
		t.Errorf("GET /health = %d %s", w.Code, w.Body.String())
	}

	ts.engine.healthy = errors.New("quota exceeded")
	w = ts.do(http.MethodGet, "/health")
	if !strings.Contains(w.Body.String(), `"degraded"`) || !strings.Contains(w.Body.String(), "quota exceeded") {
		t.Errorf("GET /health degraded = %s", w.Body.String())
	}

	if w := ts.do(http.MethodPost, "/health"); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /health = %d, want 405", w.Code)
	}
}

func TestState(t *testing.T) {
	ts := newTestServer(t, 0)
	w := ts.do(http.MethodGet, "/api/state")
	if w.Code != http.StatusOK {
		t.Fatalf("GET /api/state = %d", w.Code)
	}

	var got stateView
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if len(got.Threads) != 2 {
		t.Fatalf("threads = %+v", got.Threads)
	}
	if got.Threads[0].Title != "otk test" || got.Threads[0].Messages != 2 || got.Threads[0].LastPost != 1001 {
		t.Errorf("thread 111 = %+v", got.Threads[0])
	}
	if got.Threads[1].Title != "Thread 222" || got.Threads[1].Messages != 0 {
		t.Errorf("thread 222 = %+v", got.Threads[1])
	}
	if got.Threads[0].Color != "#000111" {
		t.Errorf("color = %q", got.Threads[0].Color)
	}
	if got.Stats.ImagesStored != 1 || !got.Background.Enabled || got.Background.IntervalSeconds != 60 {
		t.Errorf("state = %+v", got)
	}
}

func TestTimeline(t *testing.T) {
	ts := newTestServer(t, 0)
	w := ts.do(http.MethodGet, "/api/timeline")

	var got []tracker.Message
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode timeline: %v", err)
	}
	if len(got) != 2 || got[1].Attachment == nil || got[1].Attachment.LocalRef != "ABC" {
		t.Errorf("timeline = %+v", got)
	}

	ts.engine.snap = state.NewSnapshot()
	if w := ts.do(http.MethodGet, "/api/timeline"); strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("empty timeline = %s, want []", w.Body.String())
	}
}

func TestRefresh(t *testing.T) {
	tests := []struct {
		name       string
		result     *poll.Result
		err        error
		wantCode   int
		wantStatus string
		wantNew    int
	}{
		{
			name:       "completed",
			result:     &poll.Result{CycleID: "c1", NewMessages: []tracker.Message{{ID: 113, ThreadID: 111, Time: 1002}}},
			wantCode:   http.StatusOK,
			wantStatus: "completed",
			wantNew:    1,
		},
		{name: "no new messages", result: &poll.Result{CycleID: "c2"}, wantCode: http.StatusOK, wantStatus: "completed"},
		{name: "skipped", result: &poll.Result{Skipped: true}, wantCode: http.StatusAccepted, wantStatus: "skipped"},
		{name: "catalog down", err: fmt.Errorf("scan catalog: %w", catalog.ErrUnavailable), wantCode: http.StatusBadGateway, wantStatus: "catalog_unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, 0)
			ts.engine.result, ts.engine.syncErr = tt.result, tt.err

			w := ts.do(http.MethodPost, "/refresh")
			if w.Code != tt.wantCode {
				t.Fatalf("POST /refresh = %d, want %d", w.Code, tt.wantCode)
			}
			var got refreshResponse
			if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got.Status != tt.wantStatus || len(got.NewMessages) != tt.wantNew {
				t.Errorf("response = %+v", got)
			}
			if got.NewMessages == nil {
				t.Error("newMessages encoded as null")
			}
			if len(ts.engine.triggers) != 1 || ts.engine.triggers[0] != poll.TriggerManual {
				t.Errorf("triggers = %v, want one manual", ts.engine.triggers)
			}
		})
	}
}

func TestRefreshRateLimited(t *testing.T) {
	ts := newTestServer(t, 2)
	ts.engine.result = &poll.Result{}

	for i := 0; i < 2; i++ {
		if w := ts.do(http.MethodPost, "/refresh"); w.Code != http.StatusOK {
			t.Fatalf("request %d = %d", i, w.Code)
		}
	}
	if w := ts.do(http.MethodPost, "/refresh"); w.Code != http.StatusTooManyRequests {
		t.Errorf("third request = %d, want 429", w.Code)
	}
}

func TestReset(t *testing.T) {
	ts := newTestServer(t, 0)
	w := ts.do(http.MethodPost, "/reset")
	if w.Code != http.StatusOK || ts.engine.resets != 1 {
		t.Errorf("POST /reset = %d, resets = %d", w.Code, ts.engine.resets)
	}
	if w := ts.do(http.MethodGet, "/reset"); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /reset = %d, want 405", w.Code)
	}
}

func TestBackground(t *testing.T) {
	tests := []struct {
		name        string
		query       string
		wantCode    int
		wantEnabled bool
		wantSecs    int64
	}{
		{name: "status only", query: "", wantCode: http.StatusOK, wantEnabled: true, wantSecs: 60},
		{name: "disable", query: "?enabled=false", wantCode: http.StatusOK, wantEnabled: false, wantSecs: 60},
		{name: "interval clamped", query: "?interval=5", wantCode: http.StatusOK, wantEnabled: true, wantSecs: 15},
		{name: "both", query: "?enabled=true&interval=120", wantCode: http.StatusOK, wantEnabled: true, wantSecs: 120},
		{name: "bad interval", query: "?interval=soon", wantCode: http.StatusBadRequest, wantEnabled: true, wantSecs: 60},
		{name: "bad flag", query: "?enabled=maybe", wantCode: http.StatusBadRequest, wantEnabled: true, wantSecs: 60},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, 0)
			w := ts.do(http.MethodPost, "/background"+tt.query)
			if w.Code != tt.wantCode {
				t.Fatalf("POST /background%s = %d, want %d", tt.query, w.Code, tt.wantCode)
			}
			enabled, interval := ts.scheduler.Status()
			if enabled != tt.wantEnabled || int64(interval/time.Second) != tt.wantSecs {
				t.Errorf("scheduler = %v %v", enabled, interval)
			}
		})
	}
}

func TestMedia(t *testing.T) {
	ts := newTestServer(t, 0)
	item := media.Item{ContentKey: "ABC", ThreadID: 111, Filename: "cat", Ext: ".jpg"}
	if _, err := ts.media.Put(context.Background(), item, []byte("jpeg bytes")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	w := ts.do(http.MethodGet, "/media/"+media.EncodeKey("ABC"))
	if w.Code != http.StatusOK || w.Body.String() != "jpeg bytes" {
		t.Fatalf("GET /media/ABC = %d %q", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/jpeg" {
		t.Errorf("Content-Type = %q", ct)
	}

	for _, target := range []string{"/media/" + media.EncodeKey("missing"), "/media/ABC", "/media/not*base64"} {
		if w := ts.do(http.MethodGet, target); w.Code != http.StatusNotFound {
			t.Errorf("GET %s = %d, want 404", target, w.Code)
		}
	}
}

func TestRootMediaLinkResolves(t *testing.T) {
	const key = "aB3/xyz+Q1w=="
	ts := newTestServer(t, 0)
	ts.engine.snap.Messages[111][1].Attachment = &tracker.Attachment{Filename: "cat", Ext: ".jpg", ContentKey: key, LocalRef: key}
	item := media.Item{ContentKey: key, ThreadID: 111, Filename: "cat", Ext: ".jpg"}
	if _, err := ts.media.Put(context.Background(), item, []byte("slashed bytes")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	w := ts.do(http.MethodGet, "/")
	if w.Code != http.StatusOK {
		t.Fatalf("GET / = %d", w.Code)
	}
	m := regexp.MustCompile(`src="(/media/[^"]*)"`).FindStringSubmatch(w.Body.String())
	if m == nil {
		t.Fatalf("GET / has no media src: %s", w.Body.String())
	}
	src := html.UnescapeString(m[1])
	if strings.Count(src, "/") != 2 {
		t.Errorf("media src %q is not a single path segment", src)
	}

	got := ts.do(http.MethodGet, src)
	if got.Code != http.StatusOK || got.Body.String() != "slashed bytes" {
		t.Errorf("GET %s = %d %q, want 200 with the stored blob", src, got.Code, got.Body.String())
	}
}

func TestRoot(t *testing.T) {
	ts := newTestServer(t, 0)
	w := ts.do(http.MethodGet, "/")
	if w.Code != http.StatusOK {
		t.Fatalf("GET / = %d", w.Code)
	}
	body := w.Body.String()
	for _, want := range []string{"otk test (2)", "Thread 222", `src="/media/QUJD"`, "1970-01-01 00:16:41"} {
		if !strings.Contains(body, want) {
			t.Errorf("GET / missing %q", want)
		}
	}
	if w := ts.do(http.MethodGet, "/nope"); w.Code != http.StatusNotFound {
		t.Errorf("GET /nope = %d, want 404", w.Code)
	}
}

func TestEvents(t *testing.T) {
	ts := newTestServer(t, 0)
	srv := httptest.NewServer(ts.srv.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("GET /events error = %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	ts.engine.events <- tracker.Event{Kind: tracker.EventStateUpdated}
	ts.engine.events <- tracker.Event{Kind: tracker.EventNewMessages, Messages: []tracker.Message{{ID: 113, ThreadID: 111}}}

	sc := bufio.NewScanner(resp.Body)
	var lines []string
	for len(lines) < 4 && sc.Scan() {
		if sc.Text() != "" {
			lines = append(lines, sc.Text())
		}
	}
	want := []string{"event: state", "data: {}", "event: messages"}
	for i, w := range want {
		if i >= len(lines) || lines[i] != w {
			t.Fatalf("event lines = %q, want prefix %q", lines, want)
		}
	}
	if len(lines) < 4 || !strings.Contains(lines[3], `"id":113`) {
		t.Errorf("messages payload = %q", lines)
	}
}
