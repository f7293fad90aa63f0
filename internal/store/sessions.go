package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Session represents a live row in the session table.
type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
}

// User is the subset of the user row the realtime layer attaches to a connection.
type User struct {
	ID     string
	Name   string
	Image  *string
	Status string // "active", "suspended", "banned"
}

// LookupSession returns the unexpired session for token, or nil if none.
func (s *Store) LookupSession(ctx context.Context, token string) (*Session, error) {
	var sess Session
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, expires_at
		FROM session
		WHERE token = $1 AND expires_at > now()`,
		token,
	).Scan(&sess.ID, &sess.UserID, &sess.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("LookupSession: %w", err)
	}
	return &sess, nil
}

// GetUser returns a user by ID, or nil if not found.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, image, status
		FROM "user"
		WHERE id = $1`,
		id,
	).Scan(&u.ID, &u.Name, &u.Image, &u.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetUser: %w", err)
	}
	return &u, nil
}

// IsParticipant reports whether userID is a participant of conversationID.
func (s *Store) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM conversation_participant
			WHERE conversation_id = $1 AND user_id = $2
		)`,
		conversationID, userID,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("IsParticipant: %w", err)
	}
	return ok, nil
}
