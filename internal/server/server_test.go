package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/edgard/projectlog/internal/broker"
	"github.com/edgard/projectlog/internal/chatlog"
	"github.com/edgard/projectlog/internal/database"
	"github.com/edgard/projectlog/internal/metrics"
	"github.com/edgard/projectlog/internal/presence"
)

type testEnv struct {
	srv    *httptest.Server
	broker *broker.Broker
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := database.NewDB(database.Options{
		Driver: database.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "server.db"),
	})
	if err != nil {
		t.Fatalf("NewDB() error = %v", err)
	}
	t.Cleanup(func() { database.CloseDB(db) })

	m := metrics.New()
	store := database.NewStore(db, nil)
	var chat *chatlog.Service
	// The broker replays through the service so deleted bodies stay redacted.
	b := broker.New(broker.SourceFunc(func(ctx context.Context, projectID string, afterSeq int64, limit int, includeInternal bool) ([]database.Message, error) {
		return chat.MessagesAfter(ctx, projectID, afterSeq, limit, includeInternal)
	}), broker.Options{KeepaliveInterval: time.Minute}, nil, broker.WithMetrics(m))
	chat = chatlog.New(store, chatlog.Options{}, nil, chatlog.WithPublishers(b), chatlog.WithMetrics(m))
	reg := presence.NewRegistry(presence.NewMemoryBackend(), b, presence.Options{}, nil)
	t.Cleanup(reg.Close)

	s := New(chat, reg, b, m, Options{}, nil)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		b.Close()
		srv.Close()
	})
	return &testEnv{srv: srv, broker: b}
}

func (e *testEnv) do(t *testing.T, method, path, user string, body any, headers ...string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	if err != nil {
		t.Fatal(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		req.Header.Set(HeaderUserID, user)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

func (e *testEnv) submit(t *testing.T, project, user, clientMsgID, body string) submitResponse {
	t.Helper()
	resp, raw := e.do(t, http.MethodPost, "/v1/projects/"+project+"/messages", user,
		map[string]any{"client_msg_id": clientMsgID, "body": body})
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		t.Fatalf("submit status = %d body %s", resp.StatusCode, raw)
	}
	var out submitResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatal(err)
	}
	return out
}

func TestSubmitEndpoint(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	resp, raw := env.do(t, http.MethodPost, "/v1/projects/p1/messages", "alice",
		map[string]any{"client_msg_id": "a1", "body": "hello"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201 (%s)", resp.StatusCode, raw)
	}
	var first submitResponse
	_ = json.Unmarshal(raw, &first)
	if first.Seq != 1 || first.DuplicateOf {
		t.Errorf("first = %+v", first)
	}

	resp, raw = env.do(t, http.MethodPost, "/v1/projects/p1/messages", "alice",
		map[string]any{"client_msg_id": "a1", "body": "hello-changed"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resubmit status = %d, want 200", resp.StatusCode)
	}
	var again submitResponse
	_ = json.Unmarshal(raw, &again)
	if again.Seq != 1 || !again.DuplicateOf || again.ID != first.ID {
		t.Errorf("resubmit = %+v, want duplicate of %+v", again, first)
	}

	tests := []struct {
		name   string
		user   string
		body   any
		header []string
		want   int
	}{
		{name: "missing identity", body: map[string]any{"client_msg_id": "x", "body": "b"}, want: http.StatusUnauthorized},
		{name: "missing client id", user: "alice", body: map[string]any{"body": "b"}, want: http.StatusBadRequest},
		{name: "malformed json", user: "alice", body: "not an object", want: http.StatusBadRequest},
		{name: "unknown actor", user: "alice", body: map[string]any{"client_msg_id": "x", "body": "b"}, header: []string{HeaderActorType, "robot"}, want: http.StatusBadRequest},
		{name: "advisor internal note", user: "carol", body: map[string]any{"client_msg_id": "n1", "body": "note", "visibility": "internal"}, header: []string{HeaderActorType, "advisor"}, want: http.StatusCreated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, raw := env.do(t, http.MethodPost, "/v1/projects/p1/messages", tt.user, tt.body, tt.header...)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d (%s)", resp.StatusCode, tt.want, raw)
			}
		})
	}
}

func TestHistoryEndpoint(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	for i := 1; i <= 3; i++ {
		env.submit(t, "p1", "alice", fmt.Sprintf("c%d", i), fmt.Sprintf("m%d", i))
	}
	resp, raw := env.do(t, http.MethodPost, "/v1/projects/p1/messages", "carol",
		map[string]any{"client_msg_id": "n1", "body": "note", "visibility": "internal"}, HeaderActorType, "advisor")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("internal submit status = %d (%s)", resp.StatusCode, raw)
	}

	tests := []struct {
		name     string
		query    string
		header   []string
		want     int
		wantSeqs []int64
	}{
		{name: "latest public", query: "", want: http.StatusOK, wantSeqs: []int64{1, 2, 3}},
		{name: "before cursor", query: "?before_seq=3&limit=1", want: http.StatusOK, wantSeqs: []int64{2}},
		{name: "end user cannot see internal", query: "?include_internal=true", want: http.StatusForbidden},
		{name: "advisor sees internal", query: "?include_internal=true", header: []string{HeaderActorType, "advisor"}, want: http.StatusOK, wantSeqs: []int64{1, 2, 3, 4}},
		{name: "bad cursor", query: "?before_seq=abc", want: http.StatusBadRequest},
		{name: "negative cursor", query: "?after_seq=-2", want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, raw := env.do(t, http.MethodGet, "/v1/projects/p1/messages"+tt.query, "alice", nil, tt.header...)
			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d (%s)", resp.StatusCode, tt.want, raw)
			}
			if tt.want != http.StatusOK {
				return
			}
			var page database.HistoryPage
			if err := json.Unmarshal(raw, &page); err != nil {
				t.Fatal(err)
			}
			var seqs []int64
			for _, m := range page.Messages {
				seqs = append(seqs, m.Seq)
			}
			if fmt.Sprint(seqs) != fmt.Sprint(tt.wantSeqs) {
				t.Errorf("seqs = %v, want %v", seqs, tt.wantSeqs)
			}
		})
	}
}

func TestEditDeleteEndpoints(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.submit(t, "p1", "alice", "c1", "original")

	tests := []struct {
		name   string
		method string
		path   string
		user   string
		body   any
		want   int
	}{
		{name: "edit by other user", method: http.MethodPatch, path: "/messages/1", user: "bob", body: map[string]any{"body": "x"}, want: http.StatusForbidden},
		{name: "edit missing", method: http.MethodPatch, path: "/messages/7", user: "alice", body: map[string]any{"body": "x"}, want: http.StatusNotFound},
		{name: "edit bad seq", method: http.MethodPatch, path: "/messages/zero", user: "alice", body: map[string]any{"body": "x"}, want: http.StatusBadRequest},
		{name: "edit by author", method: http.MethodPatch, path: "/messages/1", user: "alice", body: map[string]any{"body": "changed"}, want: http.StatusOK},
		{name: "delete by other user", method: http.MethodDelete, path: "/messages/1", user: "bob", want: http.StatusForbidden},
		{name: "delete by author", method: http.MethodDelete, path: "/messages/1", user: "alice", want: http.StatusOK},
		{name: "edit after delete", method: http.MethodPatch, path: "/messages/1", user: "alice", body: map[string]any{"body": "again"}, want: http.StatusNotFound},
	}
	for _, tt := range tests {
		resp, raw := env.do(t, tt.method, "/v1/projects/p1"+tt.path, tt.user, tt.body)
		if resp.StatusCode != tt.want {
			t.Errorf("%s: status = %d, want %d (%s)", tt.name, resp.StatusCode, tt.want, raw)
		}
	}
}

func TestReadProgressEndpoints(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	for i := 1; i <= 10; i++ {
		env.submit(t, "p1", "alice", fmt.Sprintf("c%d", i), "m")
	}

	for _, upTo := range []int64{10, 7} {
		resp, raw := env.do(t, http.MethodPost, "/v1/projects/p1/read", "bob", map[string]any{"up_to_seq": upTo})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("read status = %d (%s)", resp.StatusCode, raw)
		}
	}

	resp, raw := env.do(t, http.MethodGet, "/v1/projects/p1/unread", "bob", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unread status = %d", resp.StatusCode)
	}
	var out struct {
		Count       int64 `json:"count"`
		LastReadSeq int64 `json:"last_read_seq"`
	}
	_ = json.Unmarshal(raw, &out)
	if out.Count != 0 || out.LastReadSeq != 10 {
		t.Errorf("unread = %+v, want count 0 pointer 10", out)
	}
}

func TestPresenceEndpoints(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	resp, _ := env.do(t, http.MethodPost, "/v1/projects/p1/heartbeat", "alice", map[string]any{"typing": true})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("heartbeat status = %d", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodPost, "/v1/projects/p1/heartbeat", "bob", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("empty heartbeat status = %d", resp.StatusCode)
	}

	resp, raw := env.do(t, http.MethodGet, "/v1/projects/p1/presence", "alice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("presence status = %d", resp.StatusCode)
	}
	var out struct {
		Users []presence.Entry `json:"users"`
	}
	_ = json.Unmarshal(raw, &out)
	if len(out.Users) != 2 || out.Users[0].UserID != "alice" || !out.Users[0].Typing || out.Users[1].Typing {
		t.Errorf("users = %+v", out.Users)
	}
}

type sseEvent struct {
	id, event, data string
}

func readSSE(t *testing.T, r *bufio.Reader, n int) []sseEvent {
	t.Helper()
	var (
		out []sseEvent
		cur sseEvent
	)
	for len(out) < n {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("reading stream: %v (got %d events)", err, len(out))
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if cur.event != "" {
				out = append(out, cur)
			}
			cur = sseEvent{}
		case strings.HasPrefix(line, "id:"):
			cur.id = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
		case strings.HasPrefix(line, "event:"):
			cur.event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			cur.data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
	return out
}

func openSSE(t *testing.T, env *testEnv, query string, headers ...string) (*http.Response, *bufio.Reader) {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/v1/projects/p1/stream"+query, nil)
	req.Header.Set(HeaderUserID, "viewer")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stream status = %d", resp.StatusCode)
	}
	return resp, bufio.NewReader(resp.Body)
}

func TestSSEReplayThenLive(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	for i := 1; i <= 3; i++ {
		env.submit(t, "p1", "alice", fmt.Sprintf("c%d", i), fmt.Sprintf("m%d", i))
	}

	resp, reader := openSSE(t, env, "?from_seq=0")
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("Content-Type = %q", ct)
	}

	events := readSSE(t, reader, 3)
	for i, ev := range events {
		if ev.event != "message" || ev.id != fmt.Sprint(i+1) {
			t.Errorf("event %d = %+v, want message id %d", i, ev, i+1)
		}
	}

	env.submit(t, "p1", "alice", "c4", "m4")
	live := readSSE(t, reader, 1)[0]
	if live.id != "4" {
		t.Errorf("live event id = %q, want 4", live.id)
	}
	var payload broker.Event
	if err := json.Unmarshal([]byte(live.data), &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.Message == nil || payload.Message.Body != "m4" {
		t.Errorf("payload = %+v", payload)
	}
}

func TestSSEResumeWithLastEventID(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	for i := 1; i <= 5; i++ {
		env.submit(t, "p1", "alice", fmt.Sprintf("c%d", i), "m")
	}

	_, reader := openSSE(t, env, "?from_seq=1", "Last-Event-ID", "3")
	events := readSSE(t, reader, 2)
	if events[0].id != "4" || events[1].id != "5" {
		t.Errorf("resumed ids = %s,%s, want 4,5", events[0].id, events[1].id)
	}
}

func TestSSEBadFromSeq(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	resp, _ := env.do(t, http.MethodGet, "/v1/projects/p1/stream?from_seq=abc", "viewer", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestWebSocketStream(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.submit(t, "p1", "alice", "c1", "m1")

	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/v1/projects/p1/ws?from_seq=0"
	header := http.Header{}
	header.Set(HeaderUserID, "viewer")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	readFrame := func() wsFrame {
		t.Helper()
		var f wsFrame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("ReadJSON() error = %v", err)
		}
		return f
	}

	if f := readFrame(); f.Type != broker.EventMessage || f.Seq != 1 || f.Cursor != 1 {
		t.Fatalf("replayed frame = %+v", f)
	}

	if err := conn.WriteJSON(inboundFrame{Type: "typing"}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	// The typing signal is broadcast back as a presence event.
	if f := readFrame(); f.Type != broker.EventPresence || f.Presence == nil || f.Presence.UserID != "viewer" || !f.Presence.Typing {
		t.Fatalf("presence frame = %+v", f)
	}

	env.submit(t, "p1", "alice", "c2", "m2")
	if f := readFrame(); f.Type != broker.EventMessage || f.Seq != 2 {
		t.Fatalf("live frame = %+v", f)
	}
}

func TestAbortWithError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err        error
		want       int
		retryAfter bool
	}{
		{err: fmt.Errorf("wrap: %w", chatlog.ErrValidation), want: http.StatusBadRequest},
		{err: chatlog.ErrForbidden, want: http.StatusForbidden},
		{err: chatlog.ErrNotFound, want: http.StatusNotFound},
		{err: fmt.Errorf("%w: db locked", chatlog.ErrStorageUnavailable), want: http.StatusServiceUnavailable, retryAfter: true},
		{err: chatlog.ErrSequenceInvariant, want: http.StatusInternalServerError},
		{err: fmt.Errorf("boom"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(rec)
		abortWithError(c, tt.err)
		if rec.Code != tt.want {
			t.Errorf("abortWithError(%v) status = %d, want %d", tt.err, rec.Code, tt.want)
		}
		if got := rec.Header().Get("Retry-After") != ""; got != tt.retryAfter {
			t.Errorf("abortWithError(%v) Retry-After present = %v, want %v", tt.err, got, tt.retryAfter)
		}
	}
}

func TestHealthAndMetrics(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	resp, raw := env.do(t, http.MethodGet, "/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d (%s)", resp.StatusCode, raw)
	}

	env.submit(t, "p1", "alice", "c1", "m")
	resp, raw = env.do(t, http.MethodGet, "/metrics", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(raw), `projectlog_submits_total{outcome="created"} 1`) {
		t.Errorf("metrics missing submit counter")
	}
}
