package database

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestStore(t *testing.T) Store {
	t.Helper()

	db, err := NewDB(Options{
		Driver: DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "test.db"),
	})
	if err != nil {
		t.Fatalf("NewDB() error = %v", err)
	}
	t.Cleanup(func() { CloseDB(db) })

	return NewStore(db, nil)
}

func newMessage(projectID, clientMsgID string) *Message {
	return &Message{
		ID:          uuid.NewString(),
		ProjectID:   projectID,
		ClientMsgID: clientMsgID,
		AuthorRef:   "user-1",
		ActorType:   ActorEndUser,
		Body:        "body of " + clientMsgID,
		Mode:        "chat",
		Visibility:  VisibilityPublic,
		CreatedAt:   time.Now().UTC().Truncate(time.Microsecond),
	}
}

func appendN(t *testing.T, s Store, projectID string, n int) []*Message {
	t.Helper()
	out := make([]*Message, 0, n)
	for i := 0; i < n; i++ {
		msg := newMessage(projectID, fmt.Sprintf("c-%d", i+1))
		if err := s.AppendMessage(context.Background(), msg); err != nil {
			t.Fatalf("AppendMessage(%d) error = %v", i, err)
		}
		out = append(out, msg)
	}
	return out
}

func TestAppendMessage(t *testing.T) {
	t.Parallel()

	t.Run("concurrent appends get distinct increasing sequences", func(t *testing.T) {
		t.Parallel()
		s := newTestStore(t)
		ctx := context.Background()

		const n = 25
		seqs := make([]int64, n)
		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				msg := newMessage("p1", fmt.Sprintf("c-%d", i))
				if err := s.AppendMessage(ctx, msg); err != nil {
					errs <- err
					return
				}
				seqs[i] = msg.Seq
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Fatalf("AppendMessage() error = %v", err)
		}

		sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
		for i, seq := range seqs {
			if seq != int64(i+1) {
				t.Fatalf("sorted seqs = %v, want 1..%d without gaps or duplicates", seqs, n)
			}
		}
	})

	t.Run("projects have independent sequence spaces", func(t *testing.T) {
		t.Parallel()
		s := newTestStore(t)

		a := appendN(t, s, "alpha", 2)
		b := appendN(t, s, "beta", 1)
		if a[1].Seq != 2 || b[0].Seq != 1 {
			t.Errorf("alpha seq = %d, beta seq = %d, want 2 and 1", a[1].Seq, b[0].Seq)
		}
	})

	t.Run("duplicate client id is rejected and its sequence skipped", func(t *testing.T) {
		t.Parallel()
		s := newTestStore(t)
		ctx := context.Background()

		first := newMessage("p1", "a1")
		if err := s.AppendMessage(ctx, first); err != nil {
			t.Fatalf("AppendMessage() error = %v", err)
		}

		dup := newMessage("p1", "a1")
		dup.Body = "changed"
		if err := s.AppendMessage(ctx, dup); !errors.Is(err, ErrDuplicateClientMsgID) {
			t.Fatalf("AppendMessage(dup) error = %v, want ErrDuplicateClientMsgID", err)
		}
		if dup.Seq != 0 {
			t.Errorf("dup.Seq = %d, want 0 after failed append", dup.Seq)
		}

		next := newMessage("p1", "a2")
		if err := s.AppendMessage(ctx, next); err != nil {
			t.Fatalf("AppendMessage() error = %v", err)
		}
		if next.Seq <= first.Seq {
			t.Errorf("next.Seq = %d, want > %d", next.Seq, first.Seq)
		}

		stored, err := s.GetMessageByClientID(ctx, "p1", "a1")
		if err != nil || stored == nil {
			t.Fatalf("GetMessageByClientID() = %v, %v", stored, err)
		}
		if stored.Body != first.Body || stored.Seq != first.Seq {
			t.Errorf("stored = %+v, want original body and seq", stored)
		}
		if !stored.CreatedAt.Equal(first.CreatedAt) {
			t.Errorf("CreatedAt = %v, want %v", stored.CreatedAt, first.CreatedAt)
		}
	})

	t.Run("invalid input", func(t *testing.T) {
		t.Parallel()
		s := newTestStore(t)

		tests := []struct {
			name string
			msg  *Message
		}{
			{"nil", nil},
			{"missing client id", &Message{ID: "x", ProjectID: "p", CreatedAt: time.Now()}},
			{"missing created_at", &Message{ID: "x", ProjectID: "p", ClientMsgID: "c"}},
		}
		for _, tt := range tests {
			if err := s.AppendMessage(context.Background(), tt.msg); err == nil {
				t.Errorf("%s: AppendMessage() error = nil, want error", tt.name)
			}
		}
	})
}

func TestGetMessage(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	msgs := appendN(t, s, "p1", 2)

	got, err := s.GetMessageBySeq(ctx, "p1", 2)
	if err != nil || got == nil || got.ClientMsgID != msgs[1].ClientMsgID {
		t.Fatalf("GetMessageBySeq(2) = %+v, %v", got, err)
	}

	missing, err := s.GetMessageBySeq(ctx, "p1", 99)
	if err != nil || missing != nil {
		t.Errorf("GetMessageBySeq(99) = %+v, %v, want nil, nil", missing, err)
	}

	missing, err = s.GetMessageByClientID(ctx, "p2", msgs[0].ClientMsgID)
	if err != nil || missing != nil {
		t.Errorf("GetMessageByClientID(other project) = %+v, %v, want nil, nil", missing, err)
	}
}

func TestMessagesAfter(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	appendN(t, s, "p1", 3)
	internal := newMessage("p1", "hidden")
	internal.Visibility = VisibilityInternal
	if err := s.AppendMessage(ctx, internal); err != nil {
		t.Fatalf("AppendMessage() error = %v", err)
	}
	appendN(t, s, "p2", 1)

	tests := []struct {
		name            string
		after           int64
		limit           int
		includeInternal bool
		want            []int64
	}{
		{"from start", 0, 10, false, []int64{1, 2, 3}},
		{"with internal", 0, 10, true, []int64{1, 2, 3, 4}},
		{"after cursor", 1, 10, false, []int64{2, 3}},
		{"limited page", 0, 2, false, []int64{1, 2}},
		{"past end", 4, 10, true, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.MessagesAfter(ctx, "p1", tt.after, tt.limit, tt.includeInternal)
			if err != nil {
				t.Fatalf("MessagesAfter() error = %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d messages, want %v", len(got), tt.want)
			}
			for i, m := range got {
				if m.Seq != tt.want[i] {
					t.Errorf("got[%d].Seq = %d, want %d", i, m.Seq, tt.want[i])
				}
			}
		})
	}
}

func TestHistory(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	appendN(t, s, "p1", 10)

	tests := []struct {
		name      string
		query     HistoryQuery
		wantStart int64
		wantEnd   int64
		wantOlder bool
		wantNewer bool
	}{
		{"latest page", HistoryQuery{Limit: 3}, 8, 10, true, false},
		{"before cursor", HistoryQuery{BeforeSeq: 5, Limit: 3}, 2, 4, true, true},
		{"before reaching start", HistoryQuery{BeforeSeq: 3, Limit: 5}, 1, 2, false, true},
		{"after cursor", HistoryQuery{AfterSeq: 6, Limit: 2}, 7, 8, true, true},
		{"after reaching end", HistoryQuery{AfterSeq: 8, Limit: 5}, 9, 10, true, false},
		{"between cursors", HistoryQuery{AfterSeq: 2, BeforeSeq: 6, Limit: 10}, 3, 5, true, true},
		{"whole log", HistoryQuery{Limit: 100}, 1, 10, false, false},
		{"limit over maximum is capped", HistoryQuery{Limit: 1000}, 1, 10, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := tt.query
			q.ProjectID = "p1"
			page, err := s.History(ctx, q)
			if err != nil {
				t.Fatalf("History() error = %v", err)
			}
			if page.StartSeq != tt.wantStart || page.EndSeq != tt.wantEnd {
				t.Errorf("range = [%d, %d], want [%d, %d]", page.StartSeq, page.EndSeq, tt.wantStart, tt.wantEnd)
			}
			if page.HasMoreOlder != tt.wantOlder || page.HasMoreNewer != tt.wantNewer {
				t.Errorf("hasMoreOlder/newer = %v/%v, want %v/%v",
					page.HasMoreOlder, page.HasMoreNewer, tt.wantOlder, tt.wantNewer)
			}
			for i := 1; i < len(page.Messages); i++ {
				if page.Messages[i].Seq <= page.Messages[i-1].Seq {
					t.Fatalf("messages not ascending: %d then %d", page.Messages[i-1].Seq, page.Messages[i].Seq)
				}
			}
		})
	}

	t.Run("empty project", func(t *testing.T) {
		page, err := s.History(ctx, HistoryQuery{ProjectID: "nobody"})
		if err != nil {
			t.Fatalf("History() error = %v", err)
		}
		if len(page.Messages) != 0 || page.StartSeq != 0 || page.EndSeq != 0 || page.HasMoreOlder || page.HasMoreNewer {
			t.Errorf("page = %+v, want empty", page)
		}
		if page.Messages == nil {
			t.Error("Messages is nil, want empty slice")
		}
	})
}

func TestEditAndDelete(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	orig := appendN(t, s, "p1", 1)[0]
	at := time.Now().UTC().Truncate(time.Microsecond)

	edited, err := s.UpdateMessageBody(ctx, "p1", 1, "new body", at)
	if err != nil {
		t.Fatalf("UpdateMessageBody() error = %v", err)
	}
	if edited.Body != "new body" || edited.EditedAt == nil || !edited.EditedAt.Equal(at) {
		t.Errorf("edited = %+v", edited)
	}
	if edited.Seq != orig.Seq || edited.AuthorRef != orig.AuthorRef || !edited.CreatedAt.Equal(orig.CreatedAt) {
		t.Errorf("identity fields changed: %+v vs %+v", edited, orig)
	}

	deleted, err := s.SoftDeleteMessage(ctx, "p1", 1, at)
	if err != nil || !deleted.Deleted {
		t.Fatalf("SoftDeleteMessage() = %+v, %v", deleted, err)
	}

	again, err := s.SoftDeleteMessage(ctx, "p1", 1, at)
	if err != nil || !again.Deleted {
		t.Errorf("second SoftDeleteMessage() = %+v, %v, want idempotent", again, err)
	}

	if _, err := s.UpdateMessageBody(ctx, "p1", 1, "too late", at); !errors.Is(err, ErrMessageDeleted) {
		t.Errorf("UpdateMessageBody(deleted) error = %v, want ErrMessageDeleted", err)
	}
	if _, err := s.UpdateMessageBody(ctx, "p1", 42, "x", at); !errors.Is(err, ErrMessageNotFound) {
		t.Errorf("UpdateMessageBody(missing) error = %v, want ErrMessageNotFound", err)
	}
	if _, err := s.SoftDeleteMessage(ctx, "p1", 42, at); !errors.Is(err, ErrMessageNotFound) {
		t.Errorf("SoftDeleteMessage(missing) error = %v, want ErrMessageNotFound", err)
	}
}

func TestReadPointers(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	appendN(t, s, "p1", 10)
	now := time.Now()

	steps := []struct {
		upTo int64
		want int64
	}{
		{5, 5},
		{3, 5}, // stale value is a no-op
		{10, 10},
		{7, 10},
		{50, 10}, // clamped to the committed maximum
		{-1, 10},
	}
	for _, step := range steps {
		got, err := s.MarkRead(ctx, "p1", "u1", step.upTo, now)
		if err != nil {
			t.Fatalf("MarkRead(%d) error = %v", step.upTo, err)
		}
		if got != step.want {
			t.Errorf("MarkRead(%d) = %d, want %d", step.upTo, got, step.want)
		}
	}

	pointer, err := s.GetReadPointer(ctx, "p1", "u1")
	if err != nil || pointer != 10 {
		t.Errorf("GetReadPointer() = %d, %v, want 10", pointer, err)
	}

	pointer, err = s.GetReadPointer(ctx, "p1", "stranger")
	if err != nil || pointer != 0 {
		t.Errorf("GetReadPointer(unknown) = %d, %v, want 0", pointer, err)
	}

	maxSeq, err := s.MaxSeq(ctx, "p1")
	if err != nil || maxSeq != 10 {
		t.Errorf("MaxSeq() = %d, %v, want 10", maxSeq, err)
	}

	if _, err := s.MarkRead(ctx, "", "u1", 1, now); err == nil {
		t.Error("MarkRead(empty project) error = nil, want error")
	}
}

func TestRunSQLMaintenance(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	appendN(t, s, "p1", 3)

	if err := s.RunSQLMaintenance(context.Background()); err != nil {
		t.Fatalf("RunSQLMaintenance() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.RunSQLMaintenance(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("RunSQLMaintenance(cancelled) error = %v, want context.Canceled", err)
	}
}

func TestExtractDBNameFromPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"storage.db", "storage.db"},
		{"file:storage.db?_pragma=busy_timeout(5000)", "storage.db"},
		{"file:/tmp/my%20db.db", "/tmp/my db.db"},
		{"postgres://user:pw@localhost:5432/projectlog?sslmode=disable", "projectlog"},
	}
	for _, tt := range tests {
		if got := ExtractDBNameFromPath(tt.in); got != tt.want {
			t.Errorf("ExtractDBNameFromPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestIsTransient(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"bad connection", fmt.Errorf("exec: %w", driver.ErrBadConn), true},
		{"cancelled", context.Canceled, false},
		{"plain error", errors.New("syntax error"), false},
		{"duplicate", ErrDuplicateClientMsgID, false},
	}
	for _, tt := range tests {
		if got := IsTransient(tt.err); got != tt.want {
			t.Errorf("%s: IsTransient() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestNewDBRejectsUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := NewDB(Options{Driver: "oracle", DSN: "x"}); err == nil {
		t.Fatal("NewDB(oracle) error = nil, want error")
	}
}
