package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/projecthub/realtime/internal/chat"
)

// Postgres is the PostgreSQL-backed Store.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres connects to the database at dsn and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: postgres connection failed: %w", err)
	}
	return &Postgres{db: db}, nil
}

// NewPostgres wraps an existing database handle.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// DB returns the underlying handle, e.g. for Migrate.
func (p *Postgres) DB() *sql.DB {
	return p.db
}

// Close closes the database handle.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// SetProjectMembers replaces the member list of a project.
func (p *Postgres) SetProjectMembers(ctx context.Context, projectID int64, members ...string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM project_members WHERE project_id = $1`, projectID); err != nil {
		return fmt.Errorf("store: clear project members: %w", err)
	}
	const insert = `
		INSERT INTO project_members (project_id, user_id)
		SELECT $1, m FROM unnest($2::text[]) AS t(m)
		ON CONFLICT DO NOTHING`
	if _, err := tx.ExecContext(ctx, insert, projectID, pq.Array(members)); err != nil {
		return fmt.Errorf("store: insert project members: %w", err)
	}
	return tx.Commit()
}

func (p *Postgres) ProjectMembers(ctx context.Context, projectID int64) ([]string, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT user_id FROM project_members WHERE project_id = $1 ORDER BY user_id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("store: project members: %w", err)
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan project member: %w", err)
		}
		members = append(members, id)
	}
	return members, rows.Err()
}

func (p *Postgres) CreateConversation(ctx context.Context, nc chat.NewConversation) (*chat.Conversation, error) {
	var directKey sql.NullString
	if nc.Type == chat.TypeDirect {
		directKey = sql.NullString{String: chat.DirectKey(nc.Members[0], nc.Members[1]), Valid: true}
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	c := &chat.Conversation{
		Type:      nc.Type,
		Name:      nc.Name,
		ProjectID: nc.ProjectID,
		Members:   append([]string(nil), nc.Members...),
	}

	const insertConv = `
		INSERT INTO conversations (project_id, type, name, direct_key)
		VALUES ($1, $2, NULLIF($3, ''), $4)
		RETURNING id, created_at`
	err = tx.QueryRowContext(ctx, insertConv, nc.ProjectID, string(nc.Type), nc.Name, directKey).
		Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateDirect
		}
		return nil, fmt.Errorf("store: insert conversation: %w", err)
	}

	const insertMembers = `
		INSERT INTO conversation_members (conversation_id, user_id, position)
		SELECT $1, m, ord FROM unnest($2::text[]) WITH ORDINALITY AS t(m, ord)`
	if _, err := tx.ExecContext(ctx, insertMembers, c.ID, pq.Array(nc.Members)); err != nil {
		return nil, fmt.Errorf("store: insert members: %w", err)
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateDirect
		}
		return nil, fmt.Errorf("store: commit conversation: %w", err)
	}
	return c, nil
}

func (p *Postgres) FindDirect(ctx context.Context, projectID int64, a, b string) (*chat.Conversation, error) {
	var id int64
	err := p.db.QueryRowContext(ctx,
		`SELECT id FROM conversations WHERE project_id = $1 AND direct_key = $2`,
		projectID, chat.DirectKey(a, b)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: find direct: %w", err)
	}
	return p.GetConversation(ctx, id)
}

func (p *Postgres) GetConversation(ctx context.Context, id int64) (*chat.Conversation, error) {
	const query = `
		SELECT c.id, c.type, COALESCE(c.name, ''), c.project_id, c.created_at,
		       ARRAY(SELECT cm.user_id FROM conversation_members cm
		             WHERE cm.conversation_id = c.id ORDER BY cm.position)
		FROM conversations c
		WHERE c.id = $1`

	var (
		c   chat.Conversation
		typ string
	)
	err := p.db.QueryRowContext(ctx, query, id).
		Scan(&c.ID, &typ, &c.Name, &c.ProjectID, &c.CreatedAt, pq.Array(&c.Members))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get conversation: %w", err)
	}
	c.Type = chat.ConversationType(typ)
	return &c, nil
}

func (p *Postgres) ListConversations(ctx context.Context, projectID int64, viewerID string) ([]chat.Conversation, error) {
	const query = `
		SELECT c.id, c.type, COALESCE(c.name, ''), c.project_id, c.created_at,
		       ARRAY(SELECT m2.user_id FROM conversation_members m2
		             WHERE m2.conversation_id = c.id ORDER BY m2.position),
		       lm.id, lm.sender_id, lm.content, lm.created_at, lm.is_edited,
		       (SELECT COUNT(*) FROM messages u
		        WHERE u.conversation_id = c.id
		          AND u.id > cm.last_read_message_id
		          AND u.sender_id <> $2)
		FROM conversations c
		JOIN conversation_members cm ON cm.conversation_id = c.id AND cm.user_id = $2
		LEFT JOIN LATERAL (
		    SELECT id, sender_id, content, created_at, is_edited
		    FROM messages m WHERE m.conversation_id = c.id
		    ORDER BY m.id DESC LIMIT 1
		) lm ON TRUE
		WHERE c.project_id = $1
		ORDER BY COALESCE(lm.created_at, c.created_at) DESC, c.id DESC`

	rows, err := p.db.QueryContext(ctx, query, projectID, viewerID)
	if err != nil {
		return nil, fmt.Errorf("store: list conversations: %w", err)
	}
	defer rows.Close()

	out := make([]chat.Conversation, 0)
	for rows.Next() {
		var (
			c        chat.Conversation
			typ      string
			lmID     sql.NullInt64
			lmSender sql.NullString
			lmText   sql.NullString
			lmAt     sql.NullTime
			lmEdited sql.NullBool
		)
		if err := rows.Scan(&c.ID, &typ, &c.Name, &c.ProjectID, &c.CreatedAt, pq.Array(&c.Members),
			&lmID, &lmSender, &lmText, &lmAt, &lmEdited, &c.UnreadCount); err != nil {
			return nil, fmt.Errorf("store: scan conversation: %w", err)
		}
		c.Type = chat.ConversationType(typ)
		if lmID.Valid {
			c.LastMessage = &chat.Message{
				ID:             lmID.Int64,
				ConversationID: c.ID,
				SenderID:       lmSender.String,
				Content:        lmText.String,
				CreatedAt:      lmAt.Time,
				IsEdited:       lmEdited.Bool,
			}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *Postgres) CreateMessage(ctx context.Context, conversationID int64, senderID, content string) (*chat.Message, error) {
	msg := &chat.Message{ConversationID: conversationID, SenderID: senderID, Content: content}
	const query = `
		INSERT INTO messages (conversation_id, sender_id, content)
		VALUES ($1, $2, $3)
		RETURNING id, created_at`
	err := p.db.QueryRowContext(ctx, query, conversationID, senderID, content).Scan(&msg.ID, &msg.CreatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: insert message: %w", err)
	}
	return msg, nil
}

const messageColumns = `id, conversation_id, sender_id, content, created_at, is_edited`

func (p *Postgres) GetMessage(ctx context.Context, id int64) (*chat.Message, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get message: %w", err)
	}
	return msg, nil
}

func (p *Postgres) ListMessages(ctx context.Context, conversationID, beforeID int64, limit int) ([]chat.Message, error) {
	query := `
		SELECT ` + messageColumns + ` FROM (
		    SELECT ` + messageColumns + ` FROM messages
		    WHERE conversation_id = $1 AND ($2::bigint = 0 OR id < $2::bigint)
		    ORDER BY id DESC
		    LIMIT $3
		) page
		ORDER BY id ASC`

	rows, err := p.db.QueryContext(ctx, query, conversationID, beforeID, ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}
	defer rows.Close()

	out := make([]chat.Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		out = append(out, *msg)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateMessage(ctx context.Context, id int64, content string) (*chat.Message, error) {
	row := p.db.QueryRowContext(ctx,
		`UPDATE messages SET content = $2, is_edited = TRUE WHERE id = $1 RETURNING `+messageColumns,
		id, content)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: update message: %w", err)
	}
	return msg, nil
}

func (p *Postgres) DeleteMessage(ctx context.Context, id int64) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM messages WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: delete message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) MarkRead(ctx context.Context, conversationID int64, viewerID string) error {
	const query = `
		UPDATE conversation_members
		SET last_read_message_id = GREATEST(last_read_message_id, COALESCE(
		    (SELECT MAX(id) FROM messages WHERE conversation_id = $1), 0))
		WHERE conversation_id = $1 AND user_id = $2`
	res, err := p.db.ExecContext(ctx, query, conversationID, viewerID)
	if err != nil {
		return fmt.Errorf("store: mark read: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*chat.Message, error) {
	var msg chat.Message
	if err := row.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Content, &msg.CreatedAt, &msg.IsEdited); err != nil {
		return nil, err
	}
	return &msg, nil
}

// isUniqueViolation checks if err is a PostgreSQL unique violation.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23503"
	}
	return false
}
