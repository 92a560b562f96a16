// Package router dispatches decrypted plaintext messages to their handlers
// and enforces the authentication gate.
package router

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/lipc-project/lipc-engine/internal/call"
	"github.com/lipc-project/lipc-engine/internal/events"
	"github.com/lipc-project/lipc-engine/internal/message"
	"github.com/lipc-project/lipc-engine/internal/metrics"
	"github.com/lipc-project/lipc-engine/internal/session"
	"github.com/lipc-project/lipc-engine/internal/store"
	"github.com/lipc-project/lipc-engine/internal/token"
)

// Conn is what the router needs from a live connection beyond the outbound
// surface: the bound user identity set at authentication time.
type Conn interface {
	session.Conn
	UserID() string
	BindUser(id string)
	RemoteAddr() string
}

type Router struct {
	st     store.Store
	tokens *token.Service
	reg    *session.Registry
	coord  *call.Coordinator
	pub    *events.Publisher
	log    zerolog.Logger
}

type Options struct {
	Store       store.Store
	Tokens      *token.Service
	Registry    *session.Registry
	Coordinator *call.Coordinator
	Events      *events.Publisher
	Log         zerolog.Logger
}

func New(opts Options) *Router {
	return &Router{
		st:     opts.Store,
		tokens: opts.Tokens,
		reg:    opts.Registry,
		coord:  opts.Coordinator,
		pub:    opts.Events,
		log:    opts.Log.With().Str("component", "router").Logger(),
	}
}

// Dispatch handles one decrypted message. Replies and pushes go out through
// conn; the connection stays open on typed errors.
func (r *Router) Dispatch(ctx context.Context, conn Conn, m message.Message) {
	if !message.Known(m.MsgType) {
		conn.Send(message.NewError(m.MsgType, message.CodeSchemaError, "unknown msg_type"))
		return
	}
	metrics.MessagesTotal.WithLabelValues(m.MsgType).Inc()

	userID, ok := r.gate(conn, m)
	if !ok {
		return
	}

	switch m.MsgType {
	case message.TypeSignup:
		r.handleSignup(ctx, conn, m)
	case message.TypeAuthenticate:
		r.handleAuthenticate(ctx, conn, m)
	case message.TypeRefreshToken:
		r.handleRefreshToken(ctx, conn, m)
	case message.TypeLogout:
		r.handleLogout(ctx, conn, m, userID)
	case message.TypeGetContacts:
		r.handleGetContacts(ctx, conn, m, userID)
	case message.TypeAddContact:
		r.handleAddContact(ctx, conn, m, userID)
	case message.TypeFetchCallHistory:
		r.handleFetchCallHistory(ctx, conn, m, userID)
	case message.TypeSetModelPreference:
		r.handleSetModelPreference(ctx, conn, m, userID)
	case message.TypeCallInvite:
		r.handleCallInvite(conn, m, userID)
	case message.TypeCallAccept:
		r.replyCall(conn, m, r.coord.Accept(userID))
	case message.TypeCallReject:
		r.replyCall(conn, m, r.coord.Reject(userID))
	case message.TypeCallEnd:
		r.replyCall(conn, m, r.coord.End(userID))
	case message.TypeOffer, message.TypeAnswer, message.TypeICECandidate:
		// Relays are fire-and-forward; only failures produce a reply.
		if err := r.coord.Relay(userID, m); err != nil {
			conn.Send(message.NewError(m.MsgType, err.Code, err.Msg))
		}
	case message.TypeVideoState:
		if err := r.coord.VideoState(userID, m); err != nil {
			conn.Send(message.NewError(m.MsgType, err.Code, err.Msg))
		}
	default:
		// handshake/ping/pong are consumed by the connection layer.
		conn.Send(message.NewError(m.MsgType, message.CodeSchemaError, "unexpected msg_type"))
	}
}

// gate enforces the JWT requirement for non-exempt message types and returns
// the acting user id. A connection presenting a valid access token is bound
// to its session on first use.
func (r *Router) gate(conn Conn, m message.Message) (string, bool) {
	if message.AuthExempt(m.MsgType) {
		return conn.UserID(), true
	}
	if m.JWT == "" || m.UserID == "" {
		conn.Send(message.NewError(m.MsgType, message.CodeMissingJWT, "message requires jwt and user_id"))
		return "", false
	}
	if err := r.tokens.VerifyAccess(m.JWT, m.UserID); err != nil {
		conn.Send(message.NewError(m.MsgType, authErrorCode(err), "access token rejected"))
		return "", false
	}
	if bound := conn.UserID(); bound != "" && bound != m.UserID {
		conn.Send(message.NewError(m.MsgType, message.CodeUserMismatch, "connection is bound to another user"))
		return "", false
	}
	if conn.UserID() == "" {
		// Reconnect with a still-valid access token: re-establish the session
		// without a fresh authenticate round trip.
		r.bindSession(conn, m.UserID)
	}
	return m.UserID, true
}

// bindSession registers the connection for the user and performs displacement
// side effects when another connection held the session.
func (r *Router) bindSession(conn Conn, userID string) {
	conn.BindUser(userID)
	displaced := r.reg.Register(userID, conn)
	metrics.ActiveSessions.Set(float64(r.reg.Count()))
	if displaced != nil {
		r.coord.EndFor(userID, call.ReasonSessionReplaced)
		// Tell the old client why it is being dropped; a bare close would look
		// like a network failure and trigger a reconnect loop.
		displaced.Send(message.NewError("error", message.CodeSessionReplaced, "session replaced by a new login"))
		displaced.Close("session replaced by new login")
		r.log.Info().Str("user_id", userID).Msg("displaced previous session")
	}
	r.pub.SessionOnline(userID)
}

func authErrorCode(err error) string {
	switch {
	case errors.Is(err, token.ErrExpired):
		return message.CodeExpired
	case errors.Is(err, token.ErrRevoked):
		return message.CodeRevoked
	case errors.Is(err, token.ErrWrongType):
		return message.CodeWrongType
	case errors.Is(err, token.ErrUserMismatch):
		return message.CodeUserMismatch
	default:
		return message.CodeInvalidSignature
	}
}

// replyCall converts a coordinator verdict into a success or error reply.
func (r *Router) replyCall(conn Conn, m message.Message, err *call.Error) {
	if err != nil {
		conn.Send(message.NewError(m.MsgType, err.Code, err.Msg))
		return
	}
	conn.Send(message.New(m.MsgType, nil))
}

// opTimeout bounds store access per handler.
const opTimeout = 5 * time.Second
