package router

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"unicode"

	"golang.org/x/crypto/bcrypt"

	"github.com/lipc-project/lipc-engine/internal/media"
	"github.com/lipc-project/lipc-engine/internal/message"
	"github.com/lipc-project/lipc-engine/internal/store"
)

const (
	maxUsernameLen = 32
	maxNamePartLen = 30
	minPasswordLen = 8
	maxPasswordLen = 128
	maxHistory     = 100
	defaultHistory = 50
)

type contactView struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Name     string `json:"name"`
}

func (r *Router) handleSignup(ctx context.Context, conn Conn, m message.Message) {
	var p struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Name     string `json:"name"`
	}
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		conn.Send(message.NewError(m.MsgType, message.CodeSchemaError, "malformed signup payload"))
		return
	}
	if !validUsername(p.Username) {
		conn.Send(message.NewError(m.MsgType, message.CodeInvalidUsername, "username must be 1-32 characters of a-z, 0-9, _ . -"))
		return
	}
	if !validName(p.Name) {
		conn.Send(message.NewError(m.MsgType, message.CodeSchemaError, "name parts may be at most 30 characters"))
		return
	}
	if !strongPassword(p.Password) {
		conn.Send(message.NewError(m.MsgType, message.CodeWeakPassword, "password must be 8-128 characters mixing at least two character classes"))
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(p.Password), bcrypt.DefaultCost)
	if err != nil {
		conn.Send(message.NewError(m.MsgType, message.CodeStorageError, "could not hash password"))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	userID, err := r.st.CreateUser(ctx, store.User{
		Username:     p.Username,
		Name:         p.Name,
		PasswordHash: string(hash),
	})
	if err != nil {
		if errors.Is(err, store.ErrUsernameTaken) {
			conn.Send(message.NewError(m.MsgType, message.CodeUsernameTaken, "username is taken"))
			return
		}
		r.log.Error().Err(err).Msg("create user")
		conn.Send(message.NewError(m.MsgType, message.CodeStorageError, "could not create user"))
		return
	}

	pair, err := r.tokens.Issue(ctx, userID)
	if err != nil {
		r.log.Error().Err(err).Str("user_id", userID).Msg("issue tokens after signup")
		conn.Send(message.NewError(m.MsgType, message.CodeStorageError, "could not issue tokens"))
		return
	}
	r.bindSession(conn, userID)

	conn.Send(message.New(m.MsgType, map[string]string{
		"user_id":       userID,
		"access_token":  pair.Access,
		"refresh_token": pair.Refresh,
	}))
	r.log.Info().Str("user_id", userID).Str("username", p.Username).Msg("user signed up")
}

func (r *Router) handleAuthenticate(ctx context.Context, conn Conn, m message.Message) {
	var p struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		conn.Send(message.NewError(m.MsgType, message.CodeSchemaError, "malformed authenticate payload"))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	u, err := r.st.UserByUsername(ctx, p.Username)
	if err != nil {
		// Same answer for unknown user and wrong password.
		conn.Send(message.NewError(m.MsgType, message.CodeInvalidCredentials, "invalid username or password"))
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(p.Password)) != nil {
		conn.Send(message.NewError(m.MsgType, message.CodeInvalidCredentials, "invalid username or password"))
		return
	}

	pair, err := r.tokens.Issue(ctx, u.ID)
	if err != nil {
		r.log.Error().Err(err).Str("user_id", u.ID).Msg("issue tokens")
		conn.Send(message.NewError(m.MsgType, message.CodeStorageError, "could not issue tokens"))
		return
	}
	r.bindSession(conn, u.ID)

	conn.Send(message.New(m.MsgType, map[string]string{
		"user_id":       u.ID,
		"username":      u.Username,
		"name":          u.Name,
		"access_token":  pair.Access,
		"refresh_token": pair.Refresh,
	}))
}

func (r *Router) handleRefreshToken(ctx context.Context, conn Conn, m message.Message) {
	var p struct {
		RefreshJWT string `json:"refresh_jwt"`
	}
	if err := json.Unmarshal(m.Payload, &p); err != nil || p.RefreshJWT == "" {
		conn.Send(message.NewError(m.MsgType, message.CodeSchemaError, "malformed refresh payload"))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	pair, err := r.tokens.Rotate(ctx, p.RefreshJWT)
	if err != nil {
		conn.Send(message.NewError(m.MsgType, authErrorCode(err), "refresh token rejected"))
		return
	}

	u, err := r.st.UserByID(ctx, pair.UserID)
	if err != nil {
		r.log.Error().Err(err).Str("user_id", pair.UserID).Msg("load user after rotate")
		conn.Send(message.NewError(m.MsgType, message.CodeStorageError, "could not load user"))
		return
	}
	r.bindSession(conn, u.ID)

	conn.Send(message.New(m.MsgType, map[string]string{
		"user_id":       u.ID,
		"username":      u.Username,
		"name":          u.Name,
		"access_token":  pair.Access,
		"refresh_token": pair.Refresh,
	}))
}

func (r *Router) handleLogout(ctx context.Context, conn Conn, m message.Message, userID string) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := r.tokens.RevokeAll(ctx, userID); err != nil {
		r.log.Error().Err(err).Str("user_id", userID).Msg("revoke on logout")
	}
	if r.reg.Unregister(userID, conn) {
		r.pub.SessionOffline(userID)
	}
	conn.Send(message.New(m.MsgType, nil))
	r.log.Info().Str("user_id", userID).Msg("user logged out")
}

func (r *Router) handleGetContacts(ctx context.Context, conn Conn, m message.Message, userID string) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	contacts, err := r.st.Contacts(ctx, userID)
	if err != nil {
		r.log.Error().Err(err).Str("user_id", userID).Msg("list contacts")
		conn.Send(message.NewError(m.MsgType, message.CodeStorageError, "could not load contacts"))
		return
	}
	views := make([]contactView, 0, len(contacts))
	for _, c := range contacts {
		views = append(views, contactView{UserID: c.ID, Username: c.Username, Name: c.Name})
	}
	conn.Send(message.New(m.MsgType, map[string]any{"contacts": views}))
}

func (r *Router) handleAddContact(ctx context.Context, conn Conn, m message.Message, userID string) {
	var p struct {
		ContactUsername string `json:"contact_username"`
	}
	if err := json.Unmarshal(m.Payload, &p); err != nil || p.ContactUsername == "" {
		conn.Send(message.NewError(m.MsgType, message.CodeSchemaError, "malformed add_contact payload"))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	contact, err := r.st.UserByUsername(ctx, p.ContactUsername)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			conn.Send(message.NewError(m.MsgType, message.CodeInvalidUsername, "no such user"))
			return
		}
		conn.Send(message.NewError(m.MsgType, message.CodeStorageError, "could not resolve username"))
		return
	}
	if contact.ID == userID {
		conn.Send(message.NewError(m.MsgType, message.CodeSelfContact, "cannot add yourself"))
		return
	}

	// Adding an existing contact succeeds without creating a second edge.
	if _, err := r.st.AddContact(ctx, userID, contact.ID); err != nil {
		r.log.Error().Err(err).Str("user_id", userID).Msg("add contact")
		conn.Send(message.NewError(m.MsgType, message.CodeStorageError, "could not add contact"))
		return
	}
	conn.Send(message.New(m.MsgType, map[string]any{
		"contact": contactView{UserID: contact.ID, Username: contact.Username, Name: contact.Name},
	}))
}

func (r *Router) handleFetchCallHistory(ctx context.Context, conn Conn, m message.Message, userID string) {
	var p struct {
		Limit int `json:"limit"`
	}
	_ = json.Unmarshal(m.Payload, &p)
	if p.Limit <= 0 {
		p.Limit = defaultHistory
	}
	if p.Limit > maxHistory {
		p.Limit = maxHistory
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	calls, err := r.st.CallHistory(ctx, userID, p.Limit)
	if err != nil {
		r.log.Error().Err(err).Str("user_id", userID).Msg("fetch call history")
		conn.Send(message.NewError(m.MsgType, message.CodeCallHistoryError, "could not load call history"))
		return
	}
	conn.Send(message.New(m.MsgType, map[string]any{"calls": calls}))
}

func (r *Router) handleSetModelPreference(ctx context.Context, conn Conn, m message.Message, userID string) {
	var p struct {
		ModelType string `json:"model_type"`
	}
	if err := json.Unmarshal(m.Payload, &p); err != nil || !media.KnownModel(p.ModelType) {
		conn.Send(message.NewError(m.MsgType, message.CodeSchemaError, "model_type must be lip or audio"))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := r.st.SetModelPreference(ctx, userID, p.ModelType); err != nil {
		r.log.Error().Err(err).Str("user_id", userID).Msg("set model preference")
		conn.Send(message.NewError(m.MsgType, message.CodeStorageError, "could not save preference"))
		return
	}
	conn.Send(message.New(m.MsgType, map[string]string{"model_type": p.ModelType}))
}

func (r *Router) handleCallInvite(conn Conn, m message.Message, userID string) {
	var p struct {
		Target string `json:"target"`
	}
	if err := json.Unmarshal(m.Payload, &p); err != nil || p.Target == "" {
		conn.Send(message.NewError(m.MsgType, message.CodeSchemaError, "payload is missing target"))
		return
	}
	callID, cerr := r.coord.Invite(userID, p.Target)
	if cerr != nil {
		conn.Send(message.NewError(m.MsgType, cerr.Code, cerr.Msg))
		return
	}
	conn.Send(message.New(m.MsgType, map[string]string{"call_id": callID}))
}

func validUsername(s string) bool {
	if len(s) == 0 || len(s) > maxUsernameLen {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '_', r == '.', r == '-':
		default:
			return false
		}
	}
	return true
}

func validName(s string) bool {
	for _, part := range strings.Fields(s) {
		if len(part) > maxNamePartLen {
			return false
		}
	}
	return true
}

// strongPassword requires 8-128 characters drawing on at least two of:
// lowercase, uppercase, digits, everything else.
func strongPassword(s string) bool {
	if len(s) < minPasswordLen || len(s) > maxPasswordLen {
		return false
	}
	var lower, upper, digit, other bool
	for _, r := range s {
		switch {
		case unicode.IsLower(r):
			lower = true
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsDigit(r):
			digit = true
		default:
			other = true
		}
	}
	classes := 0
	for _, ok := range []bool{lower, upper, digit, other} {
		if ok {
			classes++
		}
	}
	return classes >= 2
}
