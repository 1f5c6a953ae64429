package export

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/edgard/projectlog/internal/broker"
	"github.com/edgard/projectlog/internal/database"
	"github.com/edgard/projectlog/internal/metrics"
)

type fakeConn struct {
	mu   sync.Mutex
	msgs []*nats.Msg
	err  error
}

func (f *fakeConn) PublishMsg(msg *nats.Msg) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakeConn) published() []*nats.Msg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*nats.Msg(nil), f.msgs...)
}

func TestSubject(t *testing.T) {
	t.Parallel()

	tests := []struct {
		prefix, project, want string
	}{
		{"projectlog.messages", "p1", "projectlog.messages.p1"},
		{"projectlog.messages", "acme.support", "projectlog.messages.acme_support"},
		{"log", "a*b>c d", "log.a_b_c_d"},
		{"", "p1", "p1"},
	}
	for _, tt := range tests {
		if got := Subject(tt.prefix, tt.project); got != tt.want {
			t.Errorf("Subject(%q, %q) = %q, want %q", tt.prefix, tt.project, got, tt.want)
		}
	}
}

func message(seq int64) database.Message {
	return database.Message{ID: "id-" + strconv.FormatInt(seq, 10), ProjectID: "p1", Seq: seq, Body: "hello"}
}

func TestExporterPublishesInOrder(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{}
	exp := New(conn, Options{SubjectPrefix: "plog", QueueSize: 16}, nil, nil)

	exp.Publish("p1", broker.MessageEvent(message(1)))
	exp.Publish("p1", broker.PresenceEvent("p1", broker.PresenceChange{UserID: "u1"}))
	exp.Publish("p1", broker.MessageEvent(message(2)))
	exp.Publish("p1", broker.MessageUpdatedEvent(message(1)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- exp.Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for len(conn.published()) < 3 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	msgs := conn.published()
	if len(msgs) != 3 {
		t.Fatalf("published %d messages, want 3 (presence is not exported)", len(msgs))
	}

	wantTypes := []string{"message", "message", "message.updated"}
	wantSeqs := []string{"1", "2", "1"}
	for i, msg := range msgs {
		if msg.Subject != "plog.p1" {
			t.Errorf("msg %d subject = %q, want plog.p1", i, msg.Subject)
		}
		if got := msg.Header.Get(HeaderEvent); got != wantTypes[i] {
			t.Errorf("msg %d event = %q, want %q", i, got, wantTypes[i])
		}
		if got := msg.Header.Get(HeaderSeq); got != wantSeqs[i] {
			t.Errorf("msg %d seq = %q, want %q", i, got, wantSeqs[i])
		}
		var decoded database.Message
		if err := json.Unmarshal(msg.Data, &decoded); err != nil {
			t.Fatalf("msg %d payload: %v", i, err)
		}
		if decoded.Body != "hello" {
			t.Errorf("msg %d body = %q", i, decoded.Body)
		}
	}
	if msgs[0].Header.Get(nats.MsgIdHdr) == "" {
		t.Error("new message missing dedup id header")
	}
	if msgs[2].Header.Get(nats.MsgIdHdr) != "" {
		t.Error("update event must not reuse the dedup id")
	}
}

func TestExporterDropsWhenFull(t *testing.T) {
	t.Parallel()

	m := metrics.New()
	exp := New(&fakeConn{}, Options{SubjectPrefix: "plog", QueueSize: 2}, nil, m)
	for seq := int64(1); seq <= 5; seq++ {
		exp.Publish("p1", broker.MessageEvent(message(seq)))
	}
	if got := len(exp.queue); got != 2 {
		t.Errorf("queued = %d, want 2", got)
	}
}

func TestExporterSurvivesPublishErrors(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{err: errors.New("nats: connection closed")}
	exp := New(conn, Options{SubjectPrefix: "plog"}, nil, nil)
	exp.Publish("p1", broker.MessageEvent(message(1)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := exp.Run(ctx); err != nil {
		t.Errorf("Run() error = %v, want nil", err)
	}
	if len(exp.queue) != 0 {
		t.Error("queue not flushed on shutdown")
	}
}

func TestConnectRequiresServers(t *testing.T) {
	t.Parallel()

	if _, err := Connect(Options{}, nil); err == nil {
		t.Error("Connect() without servers error = nil")
	}
}
