// Package sqlstore implements store.Store on database/sql. Queries are built
// with squirrel so the same code serves SQLite (?) and PostgreSQL ($n).
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/vovakirdan/relaychat-server/internal/store"
)

// Store implements store.Store for SQL databases.
type Store struct {
	db *sql.DB
	sb sq.StatementBuilderType
}

var _ store.Store = (*Store)(nil)

// New wraps an open database handle. format must match the driver's placeholder style.
func New(db *sql.DB, format sq.PlaceholderFormat) *Store {
	return &Store{
		db: db,
		sb: sq.StatementBuilder.PlaceholderFormat(format),
	}
}

// DB exposes the underlying handle (migrations, tests).
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func notFound(what string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, store.ErrNotFound)
	}
	return fmt.Errorf("query %s: %w", what, err)
}

// ==== UserStore implementation ====

var userColumns = []string{"id", "username", "password_hash", "is_online", "last_seen", "created_at"}

func scanUser(row rowScanner) (*store.User, error) {
	var (
		user      store.User
		lastSeen  nullTime
		createdAt nullTime
	)
	if err := row.Scan(&user.ID, &user.Username, &user.PasswordHash, &user.IsOnline, &lastSeen, &createdAt); err != nil {
		return nil, err
	}
	user.LastSeen = lastSeen.ptr()
	user.CreatedAt = createdAt.Time
	return &user, nil
}

// CreateUser creates a new user with hashed password.
func (s *Store) CreateUser(ctx context.Context, username, passwordHash string) (*store.User, error) {
	var id int64
	err := s.sb.Insert("users").
		Columns("username", "password_hash", "created_at").
		Values(username, passwordHash, time.Now().UTC()).
		Suffix("RETURNING id").
		RunWith(s.db).
		QueryRowContext(ctx).
		Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}

	return s.GetUserByID(ctx, id)
}

// GetUserByID retrieves a user by ID.
func (s *Store) GetUserByID(ctx context.Context, id int64) (*store.User, error) {
	row := s.sb.Select(userColumns...).From("users").Where(sq.Eq{"id": id}).RunWith(s.db).QueryRowContext(ctx)
	user, err := scanUser(row)
	if err != nil {
		return nil, notFound("user", err)
	}
	return user, nil
}

// GetUserByUsername retrieves a user by username.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*store.User, error) {
	row := s.sb.Select(userColumns...).From("users").Where(sq.Eq{"username": username}).RunWith(s.db).QueryRowContext(ctx)
	user, err := scanUser(row)
	if err != nil {
		return nil, notFound("user", err)
	}
	return user, nil
}

// ExistingUserIDs returns the subset of ids that belong to a user.
func (s *Store) ExistingUserIDs(ctx context.Context, ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.sb.Select("id").
		From("users").
		Where(sq.Eq{"id": ids}).
		OrderBy("id").
		RunWith(s.db).
		QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	return scanIDs(rows)
}

// ==== ConversationStore implementation ====

var conversationColumns = []string{"c.id", "c.kind", "c.title", "c.created_by", "c.created_at", "c.updated_at"}

func scanConversation(row rowScanner) (*store.Conversation, error) {
	var (
		conv      store.Conversation
		createdBy sql.NullInt64
		createdAt nullTime
		updatedAt nullTime
	)
	if err := row.Scan(&conv.ID, &conv.Kind, &conv.Title, &createdBy, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if createdBy.Valid {
		conv.CreatedBy = &createdBy.Int64
	}
	conv.CreatedAt = createdAt.Time
	conv.UpdatedAt = updatedAt.Time
	return &conv, nil
}

// CreateConversation inserts the conversation and its memberships in one transaction.
func (s *Store) CreateConversation(ctx context.Context, kind store.ConversationKind, title string, createdBy *int64, memberIDs []int64) (*store.Conversation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	var id int64
	err = s.sb.Insert("conversations").
		Columns("kind", "title", "created_by", "created_at", "updated_at").
		Values(string(kind), title, createdBy, now, now).
		Suffix("RETURNING id").
		RunWith(tx).
		QueryRowContext(ctx).
		Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}

	members := s.sb.Insert("memberships").Columns("conversation_id", "user_id", "is_admin", "joined_at")
	seen := make(map[int64]struct{}, len(memberIDs)+1)
	if createdBy != nil {
		seen[*createdBy] = struct{}{}
		members = members.Values(id, *createdBy, true, now)
	}
	for _, uid := range memberIDs {
		if _, ok := seen[uid]; ok {
			continue
		}
		seen[uid] = struct{}{}
		members = members.Values(id, uid, false, now)
	}
	if len(seen) > 0 {
		if _, err := members.Suffix("ON CONFLICT DO NOTHING").RunWith(tx).ExecContext(ctx); err != nil {
			return nil, fmt.Errorf("insert memberships: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	return s.GetConversation(ctx, id)
}

// GetConversation retrieves a conversation by ID.
func (s *Store) GetConversation(ctx context.Context, id int64) (*store.Conversation, error) {
	row := s.sb.Select(conversationColumns...).From("conversations c").Where(sq.Eq{"c.id": id}).RunWith(s.db).QueryRowContext(ctx)
	conv, err := scanConversation(row)
	if err != nil {
		return nil, notFound("conversation", err)
	}
	return conv, nil
}

// AddMember adds a user to a conversation.
func (s *Store) AddMember(ctx context.Context, conversationID, userID int64, isAdmin bool) error {
	_, err := s.sb.Insert("memberships").
		Columns("conversation_id", "user_id", "is_admin", "joined_at").
		Values(conversationID, userID, isAdmin, time.Now().UTC()).
		Suffix("ON CONFLICT DO NOTHING").
		RunWith(s.db).
		ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("insert membership: %w", err)
	}
	return nil
}

// IsMember checks if a user is a member of a conversation.
func (s *Store) IsMember(ctx context.Context, userID, conversationID int64) (bool, error) {
	var one int
	err := s.sb.Select("1").
		From("memberships").
		Where(sq.Eq{"conversation_id": conversationID, "user_id": userID}).
		Limit(1).
		RunWith(s.db).
		QueryRowContext(ctx).
		Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check membership: %w", err)
	}
	return true, nil
}

// MemberConversationIDs filters conversationIDs to those the user belongs to.
func (s *Store) MemberConversationIDs(ctx context.Context, userID int64, conversationIDs []int64) ([]int64, error) {
	if len(conversationIDs) == 0 {
		return nil, nil
	}
	rows, err := s.sb.Select("conversation_id").
		From("memberships").
		Where(sq.Eq{"user_id": userID, "conversation_id": conversationIDs}).
		RunWith(s.db).
		QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("query memberships: %w", err)
	}
	return scanIDs(rows)
}

// ListMembers returns the user IDs of all members of a conversation.
func (s *Store) ListMembers(ctx context.Context, conversationID int64) ([]int64, error) {
	rows, err := s.sb.Select("user_id").
		From("memberships").
		Where(sq.Eq{"conversation_id": conversationID}).
		OrderBy("user_id").
		RunWith(s.db).
		QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("query members: %w", err)
	}
	return scanIDs(rows)
}

// ListUserConversations returns the user's conversations, most recently active first.
func (s *Store) ListUserConversations(ctx context.Context, userID int64) ([]*store.Conversation, error) {
	rows, err := s.sb.Select(conversationColumns...).
		From("conversations c").
		Join("memberships mb ON mb.conversation_id = c.id").
		Where(sq.Eq{"mb.user_id": userID}).
		OrderBy("c.updated_at DESC", "c.id DESC").
		RunWith(s.db).
		QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var convs []*store.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

// ListDirectPeers resolves the other participant of every direct conversation in one query.
func (s *Store) ListDirectPeers(ctx context.Context, userID int64, conversationIDs []int64) ([]store.Participant, error) {
	if len(conversationIDs) == 0 {
		return nil, nil
	}
	rows, err := s.sb.Select("mb.conversation_id", "u.id", "u.username").
		From("memberships mb").
		Join("users u ON u.id = mb.user_id").
		Join("conversations c ON c.id = mb.conversation_id").
		Where(sq.Eq{"mb.conversation_id": conversationIDs, "c.kind": string(store.ConversationDirect)}).
		Where(sq.NotEq{"mb.user_id": userID}).
		RunWith(s.db).
		QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("query direct peers: %w", err)
	}
	defer rows.Close()

	var peers []store.Participant
	for rows.Next() {
		var p store.Participant
		if err := rows.Scan(&p.ConversationID, &p.UserID, &p.Username); err != nil {
			return nil, fmt.Errorf("scan direct peer: %w", err)
		}
		peers = append(peers, p)
	}
	return peers, rows.Err()
}

// ListConversationPeers returns every user sharing a conversation with userID.
func (s *Store) ListConversationPeers(ctx context.Context, userID int64) ([]int64, error) {
	rows, err := s.sb.Select("other.user_id").
		Distinct().
		From("memberships self").
		Join("memberships other ON other.conversation_id = self.conversation_id").
		Where(sq.Eq{"self.user_id": userID}).
		Where(sq.NotEq{"other.user_id": userID}).
		RunWith(s.db).
		QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("query peers: %w", err)
	}
	return scanIDs(rows)
}

func scanIDs(rows *sql.Rows) ([]int64, error) {
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ==== MessageStore implementation ====

var messageColumns = []string{
	"id", "conversation_id", "sender_id", "content", "type", "file_url", "file_name", "file_size",
	"reply_to_id", "is_edited", "is_deleted", "created_at", "updated_at",
}

func prefixed(alias string, cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = alias + "." + c
	}
	return out
}

func scanMessage(row rowScanner) (*store.Message, error) {
	var (
		msg       store.Message
		replyTo   sql.NullInt64
		createdAt nullTime
		updatedAt nullTime
	)
	err := row.Scan(
		&msg.ID,
		&msg.ConversationID,
		&msg.SenderID,
		&msg.Content,
		&msg.Type,
		&msg.FileURL,
		&msg.FileName,
		&msg.FileSize,
		&replyTo,
		&msg.IsEdited,
		&msg.IsDeleted,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if replyTo.Valid {
		msg.ReplyToID = &replyTo.Int64
	}
	msg.CreatedAt = createdAt.Time
	msg.UpdatedAt = updatedAt.Time
	return &msg, nil
}

// CreateMessage persists a message and bumps the conversation's updated_at in one transaction.
func (s *Store) CreateMessage(ctx context.Context, msg *store.Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	msg.UpdatedAt = msg.CreatedAt
	if msg.Type == "" {
		msg.Type = store.MessageText
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := s.sb.Update("conversations").
		Set("updated_at", msg.CreatedAt).
		Where(sq.Eq{"id": msg.ConversationID}).
		RunWith(tx).
		ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("bump conversation: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("rows affected: %w", err)
	} else if n == 0 {
		return fmt.Errorf("conversation %d: %w", msg.ConversationID, store.ErrNotFound)
	}

	err = s.sb.Insert("messages").
		Columns("conversation_id", "sender_id", "content", "type", "file_url", "file_name", "file_size",
			"reply_to_id", "created_at", "updated_at").
		Values(msg.ConversationID, msg.SenderID, msg.Content, string(msg.Type), msg.FileURL, msg.FileName, msg.FileSize,
			msg.ReplyToID, msg.CreatedAt, msg.UpdatedAt).
		Suffix("RETURNING id").
		RunWith(tx).
		QueryRowContext(ctx).
		Scan(&msg.ID)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetMessage retrieves a message by ID.
func (s *Store) GetMessage(ctx context.Context, id int64) (*store.Message, error) {
	row := s.sb.Select(messageColumns...).From("messages").Where(sq.Eq{"id": id}).RunWith(s.db).QueryRowContext(ctx)
	msg, err := scanMessage(row)
	if err != nil {
		return nil, notFound("message", err)
	}
	return msg, nil
}

// UpdateMessageContent replaces the content of a live message and marks it edited.
func (s *Store) UpdateMessageContent(ctx context.Context, id int64, content string, at time.Time) (*store.Message, error) {
	res, err := s.sb.Update("messages").
		Set("content", content).
		Set("is_edited", true).
		Set("updated_at", at.UTC()).
		Where(sq.Eq{"id": id, "is_deleted": false}).
		RunWith(s.db).
		ExecContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("update message: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	} else if n == 0 {
		return nil, fmt.Errorf("message %d: %w", id, store.ErrNotFound)
	}
	return s.GetMessage(ctx, id)
}

// SoftDeleteMessage flags a message deleted and clears its payload.
func (s *Store) SoftDeleteMessage(ctx context.Context, id int64, at time.Time) (*store.Message, error) {
	res, err := s.sb.Update("messages").
		Set("content", "").
		Set("file_url", "").
		Set("file_name", "").
		Set("file_size", 0).
		Set("is_deleted", true).
		Set("updated_at", at.UTC()).
		Where(sq.Eq{"id": id, "is_deleted": false}).
		RunWith(s.db).
		ExecContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("delete message: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	} else if n == 0 {
		return nil, fmt.Errorf("message %d: %w", id, store.ErrNotFound)
	}
	return s.GetMessage(ctx, id)
}

// ListMessages returns a page of history, oldest first.
func (s *Store) ListMessages(ctx context.Context, conversationID int64, limit int, beforeID int64) ([]*store.Message, error) {
	q := s.sb.Select(messageColumns...).
		From("messages").
		Where(sq.Eq{"conversation_id": conversationID})
	if beforeID > 0 {
		q = q.Where(sq.Lt{"id": beforeID})
	}
	rows, err := q.OrderBy("id DESC").Limit(uint64(limit)).RunWith(s.db).QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []*store.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// LatestMessages fetches the newest non-deleted message of every conversation in a single
// latest-per-group query.
func (s *Store) LatestMessages(ctx context.Context, conversationIDs []int64) (map[int64]*store.Message, error) {
	result := make(map[int64]*store.Message, len(conversationIDs))
	if len(conversationIDs) == 0 {
		return result, nil
	}

	ranked := sq.Select(prefixed("m", messageColumns)...).
		Column("ROW_NUMBER() OVER (PARTITION BY m.conversation_id ORDER BY m.id DESC) AS rn").
		From("messages m").
		Where(sq.Eq{"m.conversation_id": conversationIDs, "m.is_deleted": false})

	rows, err := s.sb.Select(prefixed("latest", messageColumns)...).
		FromSelect(ranked, "latest").
		Where(sq.Eq{"latest.rn": 1}).
		RunWith(s.db).
		QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("query latest messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan latest message: %w", err)
		}
		result[msg.ConversationID] = msg
	}
	return result, rows.Err()
}

// CountUnread counts, per conversation, messages from other senders that are neither
// deleted nor read by userID.
func (s *Store) CountUnread(ctx context.Context, userID int64, conversationIDs []int64) (map[int64]int, error) {
	counts := make(map[int64]int, len(conversationIDs))
	if len(conversationIDs) == 0 {
		return counts, nil
	}

	rows, err := s.sb.Select("m.conversation_id", "COUNT(*)").
		From("messages m").
		LeftJoin("read_marks r ON r.message_id = m.id AND r.user_id = ?", userID).
		Where(sq.Eq{"m.conversation_id": conversationIDs, "m.is_deleted": false}).
		Where(sq.NotEq{"m.sender_id": userID}).
		Where("r.message_id IS NULL").
		GroupBy("m.conversation_id").
		RunWith(s.db).
		QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("query unread counts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var convID int64
		var n int
		if err := rows.Scan(&convID, &n); err != nil {
			return nil, fmt.Errorf("scan unread count: %w", err)
		}
		counts[convID] = n
	}
	return counts, rows.Err()
}

// ==== ReadMarkStore implementation ====

// MarkRead records a read mark; an existing mark is left untouched.
func (s *Store) MarkRead(ctx context.Context, userID, messageID int64, at time.Time) (bool, error) {
	res, err := s.sb.Insert("read_marks").
		Columns("message_id", "user_id", "read_at").
		Values(messageID, userID, at.UTC()).
		Suffix("ON CONFLICT DO NOTHING").
		RunWith(s.db).
		ExecContext(ctx)
	if err != nil {
		return false, fmt.Errorf("insert read mark: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// MarkConversationRead inserts read marks for every unread message in one INSERT ... SELECT.
// Joining memberships restricts the insert to conversations the user belongs to.
func (s *Store) MarkConversationRead(ctx context.Context, userID, conversationID int64) (int64, error) {
	unread := sq.Select("m.id", "mb.user_id").
		From("messages m").
		Join("memberships mb ON mb.conversation_id = m.conversation_id AND mb.user_id = ?", userID).
		Where(sq.Eq{"m.conversation_id": conversationID, "m.is_deleted": false}).
		Where(sq.NotEq{"m.sender_id": userID}).
		Where("NOT EXISTS (SELECT 1 FROM read_marks r WHERE r.message_id = m.id AND r.user_id = mb.user_id)")

	res, err := s.sb.Insert("read_marks").
		Columns("message_id", "user_id").
		Select(unread).
		Suffix("ON CONFLICT DO NOTHING").
		RunWith(s.db).
		ExecContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("mark conversation read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

// ==== PresenceStore implementation ====

// UpsertPresence writes the presence columns of the user row.
func (s *Store) UpsertPresence(ctx context.Context, userID int64, online bool, lastSeen time.Time) error {
	_, err := s.sb.Update("users").
		Set("is_online", online).
		Set("last_seen", lastSeen.UTC()).
		Where(sq.Eq{"id": userID}).
		RunWith(s.db).
		ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("update presence: %w", err)
	}
	return nil
}

// ResetPresence clears the online flag of every user. Rows left online by a
// node that died without disconnecting its users are reconciled this way.
func (s *Store) ResetPresence(ctx context.Context) (int64, error) {
	res, err := s.sb.Update("users").
		Set("is_online", false).
		Where(sq.Eq{"is_online": true}).
		RunWith(s.db).
		ExecContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("reset presence: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset presence rows: %w", err)
	}
	return n, nil
}

// GetPresence returns the stored presence of the given users.
func (s *Store) GetPresence(ctx context.Context, userIDs []int64) (map[int64]store.Presence, error) {
	result := make(map[int64]store.Presence, len(userIDs))
	if len(userIDs) == 0 {
		return result, nil
	}

	rows, err := s.sb.Select("id", "is_online", "last_seen").
		From("users").
		Where(sq.Eq{"id": userIDs}).
		RunWith(s.db).
		QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("query presence: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			p        store.Presence
			lastSeen nullTime
		)
		if err := rows.Scan(&p.UserID, &p.Online, &lastSeen); err != nil {
			return nil, fmt.Errorf("scan presence: %w", err)
		}
		p.LastSeen = lastSeen.ptr()
		result[p.UserID] = p
	}
	return result, rows.Err()
}
