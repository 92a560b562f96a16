// Package token issues and verifies the RS256 bearer credentials: short-lived
// access tokens and rotating, revocable refresh tokens whose jti set lives in
// the store.
package token

import (
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lipc-project/lipc-engine/internal/store"
)

const (
	typeAccess  = "access"
	typeRefresh = "refresh"

	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 7 * 24 * time.Hour
)

var (
	ErrInvalidSignature = errors.New("token: invalid signature")
	ErrExpired          = errors.New("token: expired")
	ErrWrongType        = errors.New("token: wrong type")
	ErrRevoked          = errors.New("token: revoked")
	ErrUserMismatch     = errors.New("token: user mismatch")
	ErrMalformed        = errors.New("token: malformed")
)

// Claims extends the registered set with the access/refresh discriminator.
type Claims struct {
	Type string `json:"type"`
	jwt.RegisteredClaims
}

// Pair is one issued credential set.
type Pair struct {
	UserID  string
	Access  string
	Refresh string
}

// Options configures a Service.
type Options struct {
	Key        *rsa.PrivateKey
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Store      store.Store
	Log        zerolog.Logger
}

// Service signs, verifies, rotates, and revokes tokens.
type Service struct {
	key        *rsa.PrivateKey
	accessTTL  time.Duration
	refreshTTL time.Duration
	store      store.Store
	log        zerolog.Logger
}

func NewService(opts Options) *Service {
	if opts.AccessTTL == 0 {
		opts.AccessTTL = DefaultAccessTTL
	}
	if opts.RefreshTTL == 0 {
		opts.RefreshTTL = DefaultRefreshTTL
	}
	return &Service{
		key:        opts.Key,
		accessTTL:  opts.AccessTTL,
		refreshTTL: opts.RefreshTTL,
		store:      opts.Store,
		log:        opts.Log,
	}
}

// Issue mints a fresh access+refresh pair for userID, keeping at most one
// valid refresh credential per user. The new record is saved before the old
// ones are revoked, so a failed save leaves the user's previous credential
// usable instead of forcing a re-login.
func (s *Service) Issue(ctx context.Context, userID string) (Pair, error) {
	access, err := s.sign(userID, typeAccess, "", s.accessTTL)
	if err != nil {
		return Pair{}, err
	}

	jti := uuid.NewString()
	refresh, err := s.sign(userID, typeRefresh, jti, s.refreshTTL)
	if err != nil {
		return Pair{}, err
	}
	if err := s.store.SaveRefreshToken(ctx, store.RefreshToken{
		JTI:       jti,
		UserID:    userID,
		TokenHash: hashToken(refresh),
		IssuedAt:  time.Now().UTC(),
		ExpiresAt: time.Now().UTC().Add(s.refreshTTL),
	}); err != nil {
		return Pair{}, fmt.Errorf("save refresh token: %w", err)
	}
	if err := s.store.RevokeUserTokens(ctx, userID, jti); err != nil {
		return Pair{}, fmt.Errorf("revoke previous: %w", err)
	}
	return Pair{UserID: userID, Access: access, Refresh: refresh}, nil
}

// VerifyAccess checks signature, type, expiry, and subject match.
func (s *Service) VerifyAccess(tokenStr, expectedUserID string) error {
	claims, err := s.parse(tokenStr, typeAccess)
	if err != nil {
		return err
	}
	if claims.Subject != expectedUserID {
		return ErrUserMismatch
	}
	return nil
}

// Rotate exchanges a valid refresh token for a fresh pair, atomically
// revoking the presented jti. A replayed token surfaces ErrRevoked and yields
// nothing.
func (s *Service) Rotate(ctx context.Context, refresh string) (Pair, error) {
	claims, err := s.parse(refresh, typeRefresh)
	if err != nil {
		// Revoke the record behind an expired or tampered token so it can
		// never be resurrected.
		if claims != nil && claims.ID != "" {
			_ = s.store.RevokeToken(ctx, claims.ID, "invalid")
		}
		return Pair{}, err
	}
	if err := s.store.ConsumeRefreshToken(ctx, claims.ID, hashToken(refresh)); err != nil {
		if errors.Is(err, store.ErrTokenSpent) {
			s.log.Warn().Str("user_id", claims.Subject).Msg("refresh token replay rejected")
			return Pair{}, ErrRevoked
		}
		return Pair{}, err
	}
	return s.Issue(ctx, claims.Subject)
}

// RevokeAll revokes every live refresh token for userID (logout).
func (s *Service) RevokeAll(ctx context.Context, userID string) error {
	return s.store.RevokeUserTokens(ctx, userID, "")
}

func (s *Service) sign(userID, typ, jti string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		Type: typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(s.key)
}

// parse validates signature, expiry, and type. On failure it still returns
// whatever claims could be decoded, so callers can revoke by jti.
func (s *Service) parse(tokenStr, wantType string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, ErrInvalidSignature
		}
		return &s.key.PublicKey, nil
	})
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		return claims, ErrExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return nil, ErrInvalidSignature
	default:
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if claims.Type != wantType {
		return claims, ErrWrongType
	}
	return claims, nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
