// Package store provides PostgreSQL-backed persistence for messages,
// moderation logs, group membership, the dynamic blocklist, and user
// reputation scores.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // postgres driver
)

// Store manages relational state in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL, verifies the connection, and runs any
// pending schema migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// NewStore wraps an existing database handle without running migrations.
// Used by tests that manage the schema themselves.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Message is a persisted chat message.
type Message struct {
	ID             int64
	SenderID       int64
	SenderUsername string
	ReceiverID     *int64 // nil for group and global messages
	GroupID        *int64 // nil for direct and global messages
	Content        string
	MediaType      string // "text", "image", "audio", "video"
	CreatedAt      time.Time
}

// SaveMessage inserts a message and fills in its ID and server-side
// creation timestamp.
func (s *Store) SaveMessage(ctx context.Context, m *Message) error {
	const query = `
		INSERT INTO messages (sender_id, receiver_id, group_id, content, media_type)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`

	err := s.db.QueryRowContext(ctx, query,
		m.SenderID, m.ReceiverID, m.GroupID, m.Content, m.MediaType,
	).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: save message: %w", err)
	}
	return nil
}

// messageColumns is the shared select list for the history queries.
const messageColumns = `
	SELECT m.id, m.sender_id, u.username, m.receiver_id, m.group_id, m.content, m.media_type, m.created_at
	FROM messages m
	JOIN users u ON u.id = m.sender_id`

// DirectHistory returns the latest direct messages exchanged between two
// users, oldest first.
func (s *Store) DirectHistory(ctx context.Context, userA, userB int64, limit int) ([]Message, error) {
	const query = messageColumns + `
		WHERE (m.sender_id = $1 AND m.receiver_id = $2)
		   OR (m.sender_id = $2 AND m.receiver_id = $1)
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT $3`
	return s.history(ctx, query, userA, userB, limit)
}

// GroupHistory returns the latest messages in a group, oldest first.
func (s *Store) GroupHistory(ctx context.Context, groupID int64, limit int) ([]Message, error) {
	const query = messageColumns + `
		WHERE m.group_id = $1
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT $2`
	return s.history(ctx, query, groupID, limit)
}

// GlobalHistory returns the latest global broadcasts, oldest first.
func (s *Store) GlobalHistory(ctx context.Context, limit int) ([]Message, error) {
	const query = messageColumns + `
		WHERE m.receiver_id IS NULL AND m.group_id IS NULL
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT $1`
	return s.history(ctx, query, limit)
}

// history runs one of the scope queries and flips the newest-first rows
// into chronological order.
func (s *Store) history(ctx context.Context, query string, args ...interface{}) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: message history: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SenderID, &m.SenderUsername, &m.ReceiverID, &m.GroupID, &m.Content, &m.MediaType, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Review statuses for moderation log entries.
const (
	ReviewPending   = "pending"
	ReviewConfirmed = "confirmed"
	ReviewOverruled = "overruled"
)

// ModerationLog records one blocked piece of content for audit and
// human review.
type ModerationLog struct {
	ID               int64
	UserID           int64
	ContentType      string // "text", "image", "audio", "video"
	Content          string // the offending text, or a media reference
	Reason           string
	Stage            string // which pipeline stage produced the block
	Score            float64
	OriginalLanguage string
	ReviewStatus     string
	CreatedAt        time.Time
}

// SaveModerationLog appends a moderation log entry with pending review
// status.
func (s *Store) SaveModerationLog(ctx context.Context, l *ModerationLog) error {
	const query = `
		INSERT INTO moderation_logs (user_id, content_type, content, reason, stage, score, original_language, review_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at`

	if l.ReviewStatus == "" {
		l.ReviewStatus = ReviewPending
	}
	err := s.db.QueryRowContext(ctx, query,
		l.UserID, l.ContentType, l.Content, l.Reason, l.Stage, l.Score, l.OriginalLanguage, l.ReviewStatus,
	).Scan(&l.ID, &l.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: save moderation log: %w", err)
	}
	return nil
}

// PendingReviews lists moderation log entries awaiting human review,
// oldest first.
func (s *Store) PendingReviews(ctx context.Context, limit int) ([]ModerationLog, error) {
	const query = `
		SELECT id, user_id, content_type, content, reason, stage, score, original_language, review_status, created_at
		FROM moderation_logs
		WHERE review_status = $1
		ORDER BY created_at ASC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, ReviewPending, limit)
	if err != nil {
		return nil, fmt.Errorf("store: pending reviews: %w", err)
	}
	defer rows.Close()

	var out []ModerationLog
	for rows.Next() {
		var l ModerationLog
		if err := rows.Scan(&l.ID, &l.UserID, &l.ContentType, &l.Content, &l.Reason, &l.Stage, &l.Score, &l.OriginalLanguage, &l.ReviewStatus, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan moderation log: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// ResolveReview sets the review status of a moderation log entry.
// Returns false if the entry does not exist or was already resolved.
func (s *Store) ResolveReview(ctx context.Context, id int64, status string) (bool, error) {
	if status != ReviewConfirmed && status != ReviewOverruled {
		return false, fmt.Errorf("store: invalid review status %q", status)
	}
	const query = `
		UPDATE moderation_logs
		SET review_status = $2
		WHERE id = $1 AND review_status = $3`

	res, err := s.db.ExecContext(ctx, query, id, status, ReviewPending)
	if err != nil {
		return false, fmt.Errorf("store: resolve review: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: resolve review: %w", err)
	}
	return n > 0, nil
}

// AdjustReputation applies a delta to a user's trust score, clamped at
// zero, and returns the new score.
func (s *Store) AdjustReputation(ctx context.Context, userID int64, delta int) (int, error) {
	const query = `
		UPDATE users
		SET trust_score = GREATEST(trust_score + $2, 0)
		WHERE id = $1
		RETURNING trust_score`

	var score int
	err := s.db.QueryRowContext(ctx, query, userID, delta).Scan(&score)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("store: adjust reputation: user %d not found", userID)
	}
	if err != nil {
		return 0, fmt.Errorf("store: adjust reputation: %w", err)
	}
	return score, nil
}

// Reputation returns a user's current trust score.
func (s *Store) Reputation(ctx context.Context, userID int64) (int, error) {
	const query = `SELECT trust_score FROM users WHERE id = $1`

	var score int
	err := s.db.QueryRowContext(ctx, query, userID).Scan(&score)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("store: reputation: user %d not found", userID)
	}
	if err != nil {
		return 0, fmt.Errorf("store: reputation: %w", err)
	}
	return score, nil
}

// GroupMembers returns the user IDs belonging to a group.
func (s *Store) GroupMembers(ctx context.Context, groupID int64) ([]int64, error) {
	const query = `SELECT user_id FROM group_members WHERE group_id = $1 ORDER BY user_id`

	rows, err := s.db.QueryContext(ctx, query, groupID)
	if err != nil {
		return nil, fmt.Errorf("store: group members: %w", err)
	}
	defer rows.Close()

	var members []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan group member: %w", err)
		}
		members = append(members, id)
	}
	return members, rows.Err()
}

// AddBlockedTerm inserts a term into the dynamic blocklist. Duplicate
// terms are ignored.
func (s *Store) AddBlockedTerm(ctx context.Context, term string, addedBy int64) error {
	const query = `
		INSERT INTO blocked_terms (term, added_by)
		VALUES ($1, $2)
		ON CONFLICT (term) DO NOTHING`

	if _, err := s.db.ExecContext(ctx, query, term, addedBy); err != nil {
		return fmt.Errorf("store: add blocked term: %w", err)
	}
	return nil
}

// RemoveBlockedTerm deletes a term from the dynamic blocklist. Returns
// false if the term was not present.
func (s *Store) RemoveBlockedTerm(ctx context.Context, term string) (bool, error) {
	const query = `DELETE FROM blocked_terms WHERE term = $1`

	res, err := s.db.ExecContext(ctx, query, term)
	if err != nil {
		return false, fmt.Errorf("store: remove blocked term: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: remove blocked term: %w", err)
	}
	return n > 0, nil
}

// BlockedTerms returns all administrator-added blocklist terms.
func (s *Store) BlockedTerms(ctx context.Context) ([]string, error) {
	const query = `SELECT term FROM blocked_terms ORDER BY term`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: blocked terms: %w", err)
	}
	defer rows.Close()

	var terms []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("store: scan blocked term: %w", err)
		}
		terms = append(terms, t)
	}
	return terms, rows.Err()
}
