// Package store persists users, contacts, call records, and the refresh-token
// revocation set. The Mongo implementation is the production backend; Memory
// backs tests.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound         = errors.New("store: not found")
	ErrUsernameTaken    = errors.New("store: username taken")
	ErrTokenSpent       = errors.New("store: refresh token spent or unknown")
	ErrInvalidReference = errors.New("store: invalid reference")
)

// User is one account. ID is opaque to callers.
type User struct {
	ID              string `bson:"_id,omitempty" json:"user_id"`
	Username        string `bson:"username" json:"username"`
	Name            string `bson:"name" json:"name"`
	PasswordHash    string `bson:"password_hash" json:"-"`
	ModelPreference string `bson:"model_preference" json:"model_preference"`
}

// TranscriptLine is one caption delta persisted under a call.
type TranscriptLine struct {
	T       time.Time `bson:"t" json:"t"`
	Speaker string    `bson:"speaker" json:"speaker"`
	Text    string    `bson:"text" json:"text"`
	Source  string    `bson:"source" json:"source"`
}

// Call outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeMissed    = "missed"
	OutcomeRejected  = "rejected"
)

// CallRecord is the persisted result of one call, written exactly once when
// the call ends.
type CallRecord struct {
	ID          string           `bson:"_id,omitempty" json:"call_id"`
	CallerID    string           `bson:"caller_id" json:"caller_id"`
	CalleeID    string           `bson:"callee_id" json:"callee_id"`
	StartedAt   time.Time        `bson:"started_at" json:"started_at"`
	EndedAt     time.Time        `bson:"ended_at" json:"ended_at"`
	Outcome     string           `bson:"outcome" json:"outcome"`
	Transcripts []TranscriptLine `bson:"transcripts" json:"transcripts"`
}

// RefreshToken is one refresh credential's server-side record. The token
// itself is never stored, only its sha256 hash.
type RefreshToken struct {
	JTI        string    `bson:"jti"`
	UserID     string    `bson:"user_id"`
	TokenHash  string    `bson:"token_hash"`
	IssuedAt   time.Time `bson:"created_at"`
	ExpiresAt  time.Time `bson:"expires_at"`
	Revoked    bool      `bson:"revoked"`
	RevokedAt  time.Time `bson:"revoked_at,omitempty"`
	ReplacedBy string    `bson:"replaced_by_jti,omitempty"`
	Reason     string    `bson:"revoke_reason,omitempty"`
}

// Store is the persistence boundary for the signaling engine.
type Store interface {
	// Users.
	CreateUser(ctx context.Context, u User) (string, error)
	UserByID(ctx context.Context, id string) (*User, error)
	UserByUsername(ctx context.Context, username string) (*User, error)
	SetModelPreference(ctx context.Context, userID, model string) error

	// Contacts. AddContact reports whether a new edge was created; adding an
	// existing edge is not an error.
	AddContact(ctx context.Context, ownerID, contactID string) (bool, error)
	Contacts(ctx context.Context, ownerID string) ([]User, error)

	// Calls.
	InsertCall(ctx context.Context, rec CallRecord) (string, error)
	CallHistory(ctx context.Context, userID string, limit int) ([]CallRecord, error)

	// Refresh tokens. ConsumeRefreshToken atomically revokes a live token
	// matching jti+hash; ErrTokenSpent if no live match exists.
	SaveRefreshToken(ctx context.Context, rt RefreshToken) error
	ConsumeRefreshToken(ctx context.Context, jti, tokenHash string) error
	RevokeToken(ctx context.Context, jti, reason string) error
	RevokeUserTokens(ctx context.Context, userID, replacedBy string) error

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}
