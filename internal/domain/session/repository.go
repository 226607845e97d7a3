package session

import "context"

// Repository defines the interface for session persistence
type Repository interface {
	// Save persists a session with its executions and trace
	Save(ctx context.Context, s *Session) error

	// FindByID retrieves a session by its ID
	FindByID(ctx context.Context, id string) (*Session, error)

	// FindAll retrieves all sessions, newest first
	FindAll(ctx context.Context) ([]*Session, error)

	// Delete removes a session by its ID
	Delete(ctx context.Context, id string) error
}
