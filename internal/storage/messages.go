package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"chatcore/internal/domain"
)

const messageColumns = `id, conversation_id, user_id, content, status, reply_to_id, created_at`

// InsertMessage persists a new message with status sent.
func (s *Store) InsertMessage(ctx context.Context, conversationID domain.ID, userID, content string, replyTo *domain.ID) (*domain.Message, error) {
	now := time.Now().UTC()
	var reply sql.NullInt64
	if replyTo != nil {
		reply = sql.NullInt64{Int64: int64(*replyTo), Valid: true}
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO messages(conversation_id, user_id, content, status, reply_to_id, created_at) VALUES(?, ?, ?, ?, ?, ?)`,
		int64(conversationID), userID, content, string(domain.StatusSent), reply, now)
	if err != nil {
		return nil, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &domain.Message{
		ID:             domain.ID(id),
		ConversationID: conversationID,
		UserID:         userID,
		Content:        content,
		Status:         domain.StatusSent,
		ReplyToID:      replyTo,
		CreatedAt:      now,
	}, nil
}

// GetMessage fetches one message. ErrMessageNotFound when absent.
func (s *Store) GetMessage(ctx context.Context, id domain.ID) (*domain.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, int64(id))
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	return msg, err
}

// ListMessages returns up to limit messages of a conversation, oldest first.
// When before is non-zero only messages with a smaller id are returned, which
// lets callers page backwards through history.
func (s *Store) ListMessages(ctx context.Context, conversationID domain.ID, limit int, before domain.ID) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = ?`
	args := []any{int64(conversationID)}
	if before > 0 {
		query += ` AND id < ?`
		args = append(args, int64(before))
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []domain.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// UpdateMessageStatus moves a message forward in the sent → delivered → read
// lifecycle. A status that would not advance leaves the row untouched and
// reports changed=false, which makes repeated acks and receipts harmless.
func (s *Store) UpdateMessageStatus(ctx context.Context, id domain.ID, status domain.Status) (msg *domain.Message, changed bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	msg, changed, err = advanceStatus(ctx, tx, id, status)
	if err != nil {
		return nil, false, err
	}
	if err = tx.Commit(); err != nil {
		return nil, false, err
	}
	return msg, changed, nil
}

func advanceStatus(ctx context.Context, tx *sql.Tx, id domain.ID, status domain.Status) (*domain.Message, bool, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, int64(id))
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, ErrMessageNotFound
	}
	if err != nil {
		return nil, false, err
	}
	if !msg.Status.Advances(status) {
		return msg, false, nil
	}
	if _, err := tx.ExecContext(ctx, `UPDATE messages SET status = ? WHERE id = ?`, string(status), int64(id)); err != nil {
		return nil, false, err
	}
	msg.Status = status
	return msg, true, nil
}

// MarkRead records userID's read receipt and moves the message to read in
// one transaction. A failure leaves neither change behind, so the same
// receipt can be retried. inserted is false when the receipt already existed.
func (s *Store) MarkRead(ctx context.Context, messageID domain.ID, userID string) (msg *domain.Message, receipt *domain.ReadReceipt, inserted bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	now := time.Now().UTC()
	result, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO read_receipts(message_id, user_id, read_at) VALUES(?, ?, ?)`,
		int64(messageID), userID, now)
	if err != nil {
		return nil, nil, false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, nil, false, err
	}
	msg, _, err = advanceStatus(ctx, tx, messageID, domain.StatusRead)
	if err != nil {
		return nil, nil, false, err
	}
	if err = tx.Commit(); err != nil {
		return nil, nil, false, err
	}
	return msg, &domain.ReadReceipt{MessageID: messageID, UserID: userID, ReadAt: now}, n > 0, nil
}

// AddReaction inserts a reaction. ErrReactionExists when the tuple is present.
func (s *Store) AddReaction(ctx context.Context, messageID domain.ID, userID, emoji string) (*domain.Reaction, error) {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO reactions(message_id, user_id, emoji, created_at) VALUES(?, ?, ?, ?)`,
		int64(messageID), userID, emoji, now)
	if err != nil {
		return nil, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrReactionExists
	}
	return &domain.Reaction{MessageID: messageID, UserID: userID, Emoji: emoji, CreatedAt: now}, nil
}

// RemoveReaction deletes a reaction. ErrReactionNotFound when nothing matched.
func (s *Store) RemoveReaction(ctx context.Context, messageID domain.ID, userID, emoji string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM reactions WHERE message_id = ? AND user_id = ? AND emoji = ?`,
		int64(messageID), userID, emoji)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrReactionNotFound
	}
	return nil
}

// ListReactions returns every reaction on a message, oldest first.
func (s *Store) ListReactions(ctx context.Context, messageID domain.ID) ([]domain.Reaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, user_id, emoji, created_at FROM reactions WHERE message_id = ? ORDER BY created_at ASC, emoji ASC`,
		int64(messageID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var reactions []domain.Reaction
	for rows.Next() {
		var (
			r  domain.Reaction
			id int64
		)
		if err := rows.Scan(&id, &r.UserID, &r.Emoji, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.MessageID = domain.ID(id)
		reactions = append(reactions, r)
	}
	return reactions, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*domain.Message, error) {
	var (
		msg        domain.Message
		id, convID int64
		status     string
		reply      sql.NullInt64
	)
	if err := row.Scan(&id, &convID, &msg.UserID, &msg.Content, &status, &reply, &msg.CreatedAt); err != nil {
		return nil, err
	}
	msg.ID = domain.ID(id)
	msg.ConversationID = domain.ID(convID)
	msg.Status = domain.Status(status)
	if reply.Valid {
		r := domain.ID(reply.Int64)
		msg.ReplyToID = &r
	}
	return &msg, nil
}
