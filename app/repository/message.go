package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/vibast-solutions/ms-go-mailer/app/entity"
)

const mysqlDuplicateEntry = 1062

var (
	ErrMessageNotFound    = errors.New("message not found")
	ErrDuplicateMessageID = errors.New("message id already exists")
	// ErrStatusConflict means the stored status changed since it was read.
	ErrStatusConflict = errors.New("message status changed concurrently")
)

const messageColumns = "seq, id, sender, subject, body_type, body, envelope, status, status_reason, " +
	"provider_message_id, attempts, sent_at, created_at, updated_at"

type MessageRepository struct {
	db *sql.DB
}

// NewMessageRepository constructs a repository backed by MySQL.
func NewMessageRepository(db *sql.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// Create inserts a new message and sets its Seq.
func (r *MessageRepository) Create(ctx context.Context, msg *entity.Message) error {
	const query = `
		INSERT INTO messages (id, sender, subject, body_type, body, envelope, status, status_reason,
			provider_message_id, attempts, sent_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	envelope, err := json.Marshal(msg.Envelope)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	res, err := r.db.ExecContext(ctx, query,
		msg.ID, msg.Sender, msg.Subject, msg.BodyType, msg.Body, envelope,
		string(msg.Status), msg.StatusReason, nullString(msg.ProviderMessageID),
		msg.Attempts, msg.SentAt, msg.CreatedAt, msg.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry {
			return ErrDuplicateMessageID
		}
		return err
	}
	if seq, err := res.LastInsertId(); err == nil {
		msg.Seq = seq
	}
	return nil
}

// GetByID loads a message by its public id.
func (r *MessageRepository) GetByID(ctx context.Context, id string) (*entity.Message, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	return scanMessage(row)
}

// GetByProviderMessageID loads the message a provider callback refers to.
func (r *MessageRepository) GetByProviderMessageID(ctx context.Context, providerMessageID string) (*entity.Message, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE provider_message_id = ?`, providerMessageID)
	return scanMessage(row)
}

// DeleteByID removes a message by id.
func (r *MessageRepository) DeleteByID(ctx context.Context, id string) error {
	const query = `
		DELETE FROM messages
		WHERE id = ?
	`
	_, err := r.db.ExecContext(ctx, query, id)
	return err
}

// StatusUpdate moves a message from one status to another. An empty
// ProviderMessageID and a nil SentAt keep the stored values.
type StatusUpdate struct {
	ID                string
	From              entity.MessageStatus
	To                entity.MessageStatus
	Reason            string
	ProviderMessageID string
	Attempts          int
	SentAt            *time.Time
	UpdatedAt         time.Time
}

// UpdateStatus applies the update only while the stored status still equals
// From and returns ErrStatusConflict otherwise.
func (r *MessageRepository) UpdateStatus(ctx context.Context, u StatusUpdate) error {
	const query = `
		UPDATE messages
		SET status = ?,
			status_reason = ?,
			provider_message_id = COALESCE(NULLIF(?, ''), provider_message_id),
			attempts = ?,
			sent_at = COALESCE(?, sent_at),
			updated_at = ?
		WHERE id = ? AND status = ?
	`
	res, err := r.db.ExecContext(ctx, query,
		string(u.To), u.Reason, u.ProviderMessageID, u.Attempts, u.SentAt, u.UpdatedAt,
		u.ID, string(u.From),
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrStatusConflict
	}
	return nil
}

// ListFilter selects a page of messages, newest first. Cursor is the Seq of
// the last message of the previous page; zero starts from the newest.
type ListFilter struct {
	Status *entity.MessageStatus
	Cursor int64
	Limit  int
}

// List returns one page and the cursor of the next one, zero when there is none.
func (r *MessageRepository) List(ctx context.Context, f ListFilter) ([]*entity.Message, int64, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*f.Status))
	}
	if f.Cursor > 0 {
		where = append(where, "seq < ?")
		args = append(args, f.Cursor)
	}

	query := `SELECT ` + messageColumns + ` FROM messages`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, f.Limit+1)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*entity.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var next int64
	if len(out) > f.Limit {
		out = out[:f.Limit]
		next = out[len(out)-1].Seq
	}
	return out, next, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*entity.Message, error) {
	var (
		msg               entity.Message
		envelope          []byte
		status            string
		providerMessageID sql.NullString
		sentAt            sql.NullTime
	)
	err := row.Scan(
		&msg.Seq, &msg.ID, &msg.Sender, &msg.Subject, &msg.BodyType, &msg.Body, &envelope,
		&status, &msg.StatusReason, &providerMessageID, &msg.Attempts, &sentAt,
		&msg.CreatedAt, &msg.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}

	if msg.Status, err = entity.ParseStatus(status); err != nil {
		return nil, fmt.Errorf("message %s: %w", msg.ID, err)
	}
	if len(envelope) > 0 {
		if err := json.Unmarshal(envelope, &msg.Envelope); err != nil {
			return nil, fmt.Errorf("decode envelope of %s: %w", msg.ID, err)
		}
	}
	msg.ProviderMessageID = providerMessageID.String
	if sentAt.Valid {
		t := sentAt.Time
		msg.SentAt = &t
	}
	return &msg, nil
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}
