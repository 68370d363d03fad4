package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"chatcore/internal/domain"
)

func TestUserLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.CreateUser(ctx, "alice", []byte("hash"))
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if id == 0 {
		t.Fatalf("expected id > 0")
	}
	if _, err := store.CreateUser(ctx, "alice", []byte("hash2")); !errors.Is(err, ErrUserExists) {
		t.Fatalf("expected ErrUserExists, got %v", err)
	}

	user, err := store.GetUserByUsername(ctx, "alice")
	if err != nil {
		t.Fatalf("GetUserByUsername: %v", err)
	}
	if user == nil || user.Username != "alice" {
		t.Fatalf("unexpected user: %+v", user)
	}
	missing, err := store.GetUserByID(ctx, id+100)
	if err != nil || missing != nil {
		t.Fatalf("expected nil user, got %+v err=%v", missing, err)
	}
}

func TestSessionLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	userID, err := store.CreateUser(ctx, "bob", []byte("hash"))
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	exp := time.Now().Add(time.Hour)
	if err := store.CreateSession(ctx, userID, "token123", exp); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	session, err := store.GetSession(ctx, "token123")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if session == nil || session.UserID != userID {
		t.Fatalf("unexpected session: %+v", session)
	}
	if err := store.DeleteSession(ctx, "token123"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	session, err = store.GetSession(ctx, "token123")
	if err != nil {
		t.Fatalf("GetSession after delete: %v", err)
	}
	if session != nil {
		t.Fatalf("expected nil session after delete")
	}
}

func TestInsertAndListMessages(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.InsertMessage(ctx, 42, "u1", "hi", nil)
	if err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}
	if first.ID == 0 || first.Status != domain.StatusSent {
		t.Fatalf("unexpected message: %+v", first)
	}
	reply := first.ID
	if _, err := store.InsertMessage(ctx, 42, "u2", "hello back", &reply); err != nil {
		t.Fatalf("InsertMessage reply: %v", err)
	}
	if _, err := store.InsertMessage(ctx, 7, "u3", "elsewhere", nil); err != nil {
		t.Fatalf("InsertMessage other: %v", err)
	}

	history, err := store.ListMessages(ctx, 42, 10, 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(history))
	}
	if history[0].Content != "hi" || history[1].Content != "hello back" {
		t.Fatalf("unexpected order: %+v", history)
	}
	if history[1].ReplyToID == nil || *history[1].ReplyToID != first.ID {
		t.Fatalf("expected reply_to %d, got %+v", first.ID, history[1].ReplyToID)
	}

	older, err := store.ListMessages(ctx, 42, 10, history[1].ID)
	if err != nil {
		t.Fatalf("ListMessages before: %v", err)
	}
	if len(older) != 1 || older[0].ID != first.ID {
		t.Fatalf("unexpected page: %+v", older)
	}
}

func TestUpdateMessageStatusIsMonotonic(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	msg, err := store.InsertMessage(ctx, 1, "u1", "hi", nil)
	if err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}

	steps := []struct {
		status  domain.Status
		changed bool
		want    domain.Status
	}{
		{domain.StatusDelivered, true, domain.StatusDelivered},
		{domain.StatusDelivered, false, domain.StatusDelivered},
		{domain.StatusSent, false, domain.StatusDelivered},
		{domain.StatusRead, true, domain.StatusRead},
		{domain.StatusDelivered, false, domain.StatusRead},
	}
	for i, step := range steps {
		got, changed, err := store.UpdateMessageStatus(ctx, msg.ID, step.status)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if changed != step.changed || got.Status != step.want {
			t.Fatalf("step %d: changed=%v status=%s, want changed=%v status=%s", i, changed, got.Status, step.changed, step.want)
		}
	}

	if _, _, err := store.UpdateMessageStatus(ctx, msg.ID+99, domain.StatusRead); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("expected ErrMessageNotFound, got %v", err)
	}
}

func TestReadReceiptsAreIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	msg, _ := store.InsertMessage(ctx, 1, "u1", "hi", nil)

	updated, receipt, inserted, err := store.MarkRead(ctx, msg.ID, "u2")
	if err != nil || !inserted {
		t.Fatalf("first receipt: inserted=%v err=%v", inserted, err)
	}
	if updated.Status != domain.StatusRead || receipt.UserID != "u2" {
		t.Fatalf("unexpected result: %+v %+v", updated, receipt)
	}
	_, _, inserted, err = store.MarkRead(ctx, msg.ID, "u2")
	if err != nil || inserted {
		t.Fatalf("duplicate receipt: inserted=%v err=%v", inserted, err)
	}
	if _, _, _, err := store.MarkRead(ctx, msg.ID+50, "u2"); err == nil {
		t.Fatalf("expected an error for unknown message")
	}
}

func TestMarkReadRollsBackReceiptWhenStatusUpdateFails(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	msg, _ := store.InsertMessage(ctx, 1, "u1", "hi", nil)

	if _, err := store.db.ExecContext(ctx, `CREATE TRIGGER reject_read BEFORE UPDATE OF status ON messages
		WHEN NEW.status = 'read' BEGIN SELECT RAISE(ABORT, 'status locked'); END`); err != nil {
		t.Fatalf("create trigger: %v", err)
	}
	if _, _, _, err := store.MarkRead(ctx, msg.ID, "u2"); err == nil {
		t.Fatalf("expected MarkRead to fail while status updates are rejected")
	}
	if _, err := store.db.ExecContext(ctx, `DROP TRIGGER reject_read`); err != nil {
		t.Fatalf("drop trigger: %v", err)
	}

	_, _, inserted, err := store.MarkRead(ctx, msg.ID, "u2")
	if err != nil || !inserted {
		t.Fatalf("retried receipt: inserted=%v err=%v", inserted, err)
	}
	stored, err := store.GetMessage(ctx, msg.ID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if stored.Status != domain.StatusRead {
		t.Fatalf("expected read after retry, got %s", stored.Status)
	}
}

func TestReactionsAreUniquePerTuple(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	msg, _ := store.InsertMessage(ctx, 1, "u1", "hi", nil)

	if _, err := store.AddReaction(ctx, msg.ID, "u2", "👍"); err != nil {
		t.Fatalf("AddReaction: %v", err)
	}
	if _, err := store.AddReaction(ctx, msg.ID, "u2", "👍"); !errors.Is(err, ErrReactionExists) {
		t.Fatalf("expected ErrReactionExists, got %v", err)
	}
	if _, err := store.AddReaction(ctx, msg.ID, "u2", "🎉"); err != nil {
		t.Fatalf("AddReaction second emoji: %v", err)
	}
	reactions, err := store.ListReactions(ctx, msg.ID)
	if err != nil || len(reactions) != 2 {
		t.Fatalf("expected 2 reactions, got %+v err=%v", reactions, err)
	}

	if err := store.RemoveReaction(ctx, msg.ID, "u2", "👍"); err != nil {
		t.Fatalf("RemoveReaction: %v", err)
	}
	if err := store.RemoveReaction(ctx, msg.ID, "u2", "👍"); !errors.Is(err, ErrReactionNotFound) {
		t.Fatalf("expected ErrReactionNotFound, got %v", err)
	}
	reactions, _ = store.ListReactions(ctx, msg.ID)
	if len(reactions) != 1 || reactions[0].Emoji != "🎉" {
		t.Fatalf("unexpected reactions: %+v", reactions)
	}
}

func TestKeyValue(t *testing.T) {
	store := newTestStore(t)
	kv := store.KeyValue("queue", time.Second)

	data, err := kv.Load()
	if err != nil || data != nil {
		t.Fatalf("expected empty value, got %q err=%v", data, err)
	}
	if err := kv.Save([]byte(`[1]`)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := kv.Save([]byte(`[1,2]`)); err != nil {
		t.Fatalf("Save overwrite: %v", err)
	}
	data, err = kv.Load()
	if err != nil || string(data) != `[1,2]` {
		t.Fatalf("unexpected value %q err=%v", data, err)
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := "sqlite://file:" + t.Name() + "?mode=memory&cache=shared"
	store, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}
