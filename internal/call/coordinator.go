// Package call implements the two-party call state machine and the signaling
// relay between participants and the server's own media endpoint. Each call
// is one goroutine that owns all state; everything external arrives as an
// event on its channel.
package call

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lipc-project/lipc-engine/internal/caption"
	"github.com/lipc-project/lipc-engine/internal/events"
	"github.com/lipc-project/lipc-engine/internal/media"
	"github.com/lipc-project/lipc-engine/internal/message"
	"github.com/lipc-project/lipc-engine/internal/metrics"
	"github.com/lipc-project/lipc-engine/internal/session"
	"github.com/lipc-project/lipc-engine/internal/store"
)

// DefaultRingTimeout bounds how long a callee may ring.
const DefaultRingTimeout = 30 * time.Second

// End reasons carried in call_end pushes.
const (
	ReasonHangup           = "HANGUP"
	ReasonTimeout          = "TIMEOUT"
	ReasonRejected         = "REJECTED"
	ReasonPeerDisconnected = "PEER_DISCONNECTED"
	ReasonSessionReplaced  = "SESSION_REPLACED"
)

// Error is a precondition failure surfaced to the requesting client as a
// typed error reply.
type Error struct {
	Code string
	Msg  string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Msg) }

func errNoSuchCall() *Error {
	return &Error{Code: message.CodeNoSuchCall, Msg: "no call in a state accepting this operation"}
}

// Coordinator creates calls and routes per-user operations to the owning
// call goroutine.
type Coordinator struct {
	mu     sync.Mutex
	byUser map[string]*Call

	reg     *session.Registry
	st      store.Store
	fanout  *caption.FanOut
	agents  media.AgentFactory
	pub     *events.Publisher
	ring    time.Duration
	baseCtx context.Context
	log     zerolog.Logger
}

type Options struct {
	Registry     *session.Registry
	Store        store.Store
	FanOut       *caption.FanOut
	AgentFactory media.AgentFactory // nil → media.NewNullAgent
	Events       *events.Publisher  // nil → disabled
	RingTimeout  time.Duration      // zero → DefaultRingTimeout
	BaseContext  context.Context    // nil → context.Background
	Log          zerolog.Logger
}

func NewCoordinator(opts Options) *Coordinator {
	if opts.AgentFactory == nil {
		opts.AgentFactory = media.NewNullAgent
	}
	if opts.RingTimeout == 0 {
		opts.RingTimeout = DefaultRingTimeout
	}
	if opts.BaseContext == nil {
		opts.BaseContext = context.Background()
	}
	return &Coordinator{
		byUser:  make(map[string]*Call),
		reg:     opts.Registry,
		st:      opts.Store,
		fanout:  opts.FanOut,
		agents:  opts.AgentFactory,
		pub:     opts.Events,
		ring:    opts.RingTimeout,
		baseCtx: opts.BaseContext,
		log:     opts.Log.With().Str("component", "call").Logger(),
	}
}

// Invite starts a call from callerID to calleeID and delivers the call_invite
// push. Preconditions are checked under the coordinator lock so two racing
// invites cannot both claim a user.
func (c *Coordinator) Invite(callerID, calleeID string) (string, *Error) {
	if callerID == calleeID {
		return "", &Error{Code: message.CodeSchemaError, Msg: "cannot call yourself"}
	}
	calleeConn, ok := c.reg.Lookup(calleeID)
	if !ok {
		return "", &Error{Code: message.CodeTargetNotAvailable, Msg: "target is not connected"}
	}

	c.mu.Lock()
	// The caller's own state wins over the callee's: a repeated invite to the
	// same callee must read as ALREADY_INVITING, not as the callee being busy
	// with the caller's own pending call.
	if cur := c.byUser[callerID]; cur != nil {
		c.mu.Unlock()
		if cur.callerID == callerID && cur.phase() == stateInviting {
			return "", &Error{Code: message.CodeAlreadyInviting, Msg: "an invite is already pending"}
		}
		return "", &Error{Code: message.CodeTargetBusy, Msg: "you are in another call"}
	}
	if c.byUser[calleeID] != nil {
		c.mu.Unlock()
		return "", &Error{Code: message.CodeTargetBusy, Msg: "target is in another call"}
	}

	cl := newCall(c, callerID, calleeID)
	c.byUser[callerID] = cl
	c.byUser[calleeID] = cl
	c.mu.Unlock()

	invite := message.New(message.TypeCallInvite, map[string]string{
		"from":    callerID,
		"call_id": cl.id,
	})
	if !calleeConn.Send(invite) {
		// Queue full on a connection we just looked up: the invite never
		// reached the callee, so no call existed from anyone's point of view.
		// Unwind without a call_end push and without a record.
		c.remove(cl)
		close(cl.done)
		return "", &Error{Code: message.CodeTargetNotAvailable, Msg: "target is not reachable"}
	}

	metrics.ActiveCalls.Inc()
	go cl.run(c.baseCtx)
	c.log.Info().Str("call_id", cl.id).Str("caller", callerID).Str("callee", calleeID).Msg("call invited")
	return cl.id, nil
}

// Accept transitions the call to Accepted. Only the invited callee may accept.
func (c *Coordinator) Accept(userID string) *Error { return c.sync(userID, event{kind: evAccept}) }

// Reject ends an Inviting call. Only the invited callee may reject.
func (c *Coordinator) Reject(userID string) *Error { return c.sync(userID, event{kind: evReject}) }

// End hangs up from either participant in Accepted or Active.
func (c *Coordinator) End(userID string) *Error { return c.sync(userID, event{kind: evEnd}) }

// Relay forwards an offer/answer/ice_candidate frame to its target.
func (c *Coordinator) Relay(userID string, m message.Message) *Error {
	return c.sync(userID, event{kind: evRelay, msg: m})
}

// VideoState forwards a video_state frame to the peer and gates the sender's
// caption ingest.
func (c *Coordinator) VideoState(userID string, m message.Message) *Error {
	return c.sync(userID, event{kind: evVideoState, msg: m})
}

// Disconnected tells the user's call, if any, that their connection dropped.
func (c *Coordinator) Disconnected(userID string) {
	if cl := c.lookup(userID); cl != nil {
		cl.post(event{kind: evForceEnd, userID: userID, reason: ReasonPeerDisconnected})
	}
}

// EndFor force-ends the user's call with an explicit reason. Used when a new
// login displaces the session serving the call.
func (c *Coordinator) EndFor(userID, reason string) {
	if cl := c.lookup(userID); cl != nil {
		cl.post(event{kind: evForceEnd, userID: userID, reason: reason})
	}
}

// InCall reports whether the user participates in a non-terminal call.
func (c *Coordinator) InCall(userID string) bool { return c.lookup(userID) != nil }

func (c *Coordinator) lookup(userID string) *Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byUser[userID]
}

// sync posts an event and waits for the call goroutine's verdict.
func (c *Coordinator) sync(userID string, ev event) *Error {
	cl := c.lookup(userID)
	if cl == nil {
		return errNoSuchCall()
	}
	ev.userID = userID
	ev.reply = make(chan *Error, 1)
	select {
	case cl.events <- ev:
	case <-cl.done:
		return errNoSuchCall()
	}
	select {
	case err := <-ev.reply:
		return err
	case <-cl.done:
		return errNoSuchCall()
	}
}

// remove drops the call's user bindings once it is terminal.
func (c *Coordinator) remove(cl *Call) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, u := range []string{cl.callerID, cl.calleeID} {
		if c.byUser[u] == cl {
			delete(c.byUser, u)
		}
	}
}

// send delivers a push to a user if they are still connected.
func (c *Coordinator) send(userID string, m message.Message) {
	if conn, ok := c.reg.Lookup(userID); ok {
		conn.Send(m)
	}
}

// withFrom returns a copy of m whose payload carries from as the sender,
// leaving every other payload field untouched.
func withFrom(m message.Message, from string) message.Message {
	obj := map[string]json.RawMessage{}
	if len(m.Payload) > 0 {
		_ = json.Unmarshal(m.Payload, &obj)
	}
	obj["from"], _ = json.Marshal(from)
	raw, _ := json.Marshal(obj)

	out := message.New(m.MsgType, nil)
	out.Payload = raw
	return out
}

func newCallID() string { return "C_" + uuid.NewString() }
