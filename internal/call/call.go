package call

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/lipc-project/lipc-engine/internal/media"
	"github.com/lipc-project/lipc-engine/internal/message"
	"github.com/lipc-project/lipc-engine/internal/metrics"
	"github.com/lipc-project/lipc-engine/internal/store"
)

type callState int32

const (
	stateInviting callState = iota
	stateAccepted
	stateActive
	stateEnded
)

type eventKind int

const (
	evAccept eventKind = iota
	evReject
	evEnd
	evRelay
	evVideoState
	evForceEnd
)

type event struct {
	kind   eventKind
	userID string
	msg    message.Message
	reason string
	reply  chan *Error
}

// Call is one two-party call. The run goroutine owns all mutable state; the
// state atomic exists only so the coordinator can distinguish
// ALREADY_INVITING from TARGET_BUSY without consulting the goroutine.
type Call struct {
	id        string
	callerID  string
	calleeID  string
	startedAt time.Time

	c      *Coordinator
	events chan event
	done   chan struct{}
	state  atomic.Int32

	agents  map[string]media.Agent
	ingests map[string]*media.Ingest
	log     zerolog.Logger
}

func newCall(c *Coordinator, callerID, calleeID string) *Call {
	cl := &Call{
		id:        newCallID(),
		callerID:  callerID,
		calleeID:  calleeID,
		startedAt: time.Now().UTC(),
		c:         c,
		events:    make(chan event, 16),
		done:      make(chan struct{}),
		agents:    make(map[string]media.Agent),
		ingests:   make(map[string]*media.Ingest),
	}
	cl.log = c.log.With().Str("call_id", cl.id).Logger()
	return cl
}

func (cl *Call) phase() callState { return callState(cl.state.Load()) }

func (cl *Call) setPhase(s callState) { cl.state.Store(int32(s)) }

// post delivers an async event; dropped if the call is already terminal.
func (cl *Call) post(ev event) {
	select {
	case cl.events <- ev:
	case <-cl.done:
	}
}

func (cl *Call) other(userID string) string {
	if userID == cl.callerID {
		return cl.calleeID
	}
	return cl.callerID
}

func (cl *Call) run(ctx context.Context) {
	ring := time.NewTimer(cl.c.ring)
	defer ring.Stop()

	for {
		select {
		case <-ring.C:
			if cl.phase() == stateInviting {
				cl.terminal(store.OutcomeMissed, ReasonTimeout, cl.callerID, "server")
				return
			}

		case <-ctx.Done():
			// Server shutdown. Connections are closing anyway; persist what
			// we have without notifying anyone.
			outcome := store.OutcomeCompleted
			if cl.phase() == stateInviting {
				outcome = store.OutcomeMissed
			}
			cl.terminal(outcome, ReasonPeerDisconnected, "", "")
			return

		case ev := <-cl.events:
			if cl.handle(ctx, ev, ring) {
				return
			}
		}
	}
}

// handle processes one event; true means the call reached Ended.
func (cl *Call) handle(ctx context.Context, ev event, ring *time.Timer) (ended bool) {
	reply := func(err *Error) {
		if ev.reply != nil {
			ev.reply <- err
		}
	}

	switch ev.kind {
	case evAccept:
		if cl.phase() != stateInviting || ev.userID != cl.calleeID {
			reply(errNoSuchCall())
			return false
		}
		ring.Stop()
		cl.accept(ctx)
		reply(nil)
		return false

	case evReject:
		if cl.phase() != stateInviting || ev.userID != cl.calleeID {
			reply(errNoSuchCall())
			return false
		}
		reply(nil)
		cl.terminal(store.OutcomeRejected, ReasonRejected, cl.callerID, cl.calleeID)
		return true

	case evEnd:
		if st := cl.phase(); st != stateAccepted && st != stateActive {
			reply(errNoSuchCall())
			return false
		}
		reply(nil)
		cl.terminal(store.OutcomeCompleted, ReasonHangup, cl.other(ev.userID), ev.userID)
		return true

	case evRelay:
		if st := cl.phase(); st != stateAccepted && st != stateActive {
			reply(errNoSuchCall())
			return false
		}
		reply(cl.relay(ctx, ev.userID, ev.msg))
		return false

	case evVideoState:
		if st := cl.phase(); st != stateAccepted && st != stateActive {
			reply(errNoSuchCall())
			return false
		}
		reply(cl.videoState(ev.userID, ev.msg))
		return false

	case evForceEnd:
		outcome := store.OutcomeCompleted
		if cl.phase() == stateInviting {
			outcome = store.OutcomeMissed
		}
		cl.terminal(outcome, ev.reason, cl.other(ev.userID), ev.userID)
		return true
	}
	reply(errNoSuchCall())
	return false
}

// accept sets up the server's media endpoints and notifies the caller.
func (cl *Call) accept(ctx context.Context) {
	cl.setPhase(stateAccepted)
	cl.c.fanout.Open(cl.id, cl.callerID, cl.calleeID)

	for _, userID := range []string{cl.callerID, cl.calleeID} {
		agent := cl.c.agents(cl.id, userID)
		cl.agents[userID] = agent

		model := cl.modelFor(ctx, userID)
		tr, err := media.NewTranscriber(model, userID)
		if err != nil {
			cl.log.Warn().Err(err).Str("user_id", userID).Str("model", model).
				Msg("no transcriber for model, captions disabled for speaker")
			continue
		}
		ingest := media.NewIngest(agent, tr, userID, func(d media.Delta) {
			cl.c.fanout.Append(cl.id, d)
		}, cl.log)
		ingest.Start(ctx)
		cl.ingests[userID] = ingest
	}

	cl.c.send(cl.callerID, message.New(message.TypeCallAccept, map[string]string{
		"from":    cl.calleeID,
		"call_id": cl.id,
	}))
	cl.c.pub.CallStarted(cl.id, cl.callerID, cl.calleeID)
	cl.log.Info().Msg("call accepted")
}

func (cl *Call) modelFor(ctx context.Context, userID string) string {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	u, err := cl.c.st.UserByID(ctx, userID)
	if err != nil || u.ModelPreference == "" {
		return media.ModelLip
	}
	return u.ModelPreference
}

// relay forwards offer/answer/ice_candidate to the payload's target. A
// successful peer relay marks the first media leg, promoting the call to
// Active.
func (cl *Call) relay(ctx context.Context, sender string, m message.Message) *Error {
	var p struct {
		Target string `json:"target"`
	}
	if err := json.Unmarshal(m.Payload, &p); err != nil || p.Target == "" {
		return &Error{Code: message.CodeSchemaError, Msg: "payload is missing target"}
	}

	if p.Target == "server" {
		return cl.relayToServer(ctx, sender, m)
	}
	if p.Target != cl.other(sender) {
		return &Error{Code: message.CodeSchemaError, Msg: "target is not in this call"}
	}
	cl.c.send(p.Target, withFrom(m, sender))
	if cl.phase() == stateAccepted {
		cl.setPhase(stateActive)
	}
	return nil
}

// relayToServer drives the sender's server-side agent directly.
func (cl *Call) relayToServer(ctx context.Context, sender string, m message.Message) *Error {
	agent := cl.agents[sender]
	if agent == nil {
		return errNoSuchCall()
	}
	switch m.MsgType {
	case message.TypeOffer:
		var p struct {
			SDP string `json:"sdp"`
		}
		if err := json.Unmarshal(m.Payload, &p); err != nil {
			return &Error{Code: message.CodeSchemaError, Msg: "malformed sdp payload"}
		}
		answer, err := agent.AcceptOffer(ctx, p.SDP)
		if err != nil {
			cl.log.Error().Err(err).Str("user_id", sender).Msg("accept offer")
			return &Error{Code: message.CodeSchemaError, Msg: "offer rejected"}
		}
		cl.c.send(sender, message.New(message.TypeAnswer, map[string]string{
			"from": "server",
			"sdp":  answer,
		}))
	case message.TypeICECandidate:
		var p struct {
			Candidate json.RawMessage `json:"candidate"`
		}
		if err := json.Unmarshal(m.Payload, &p); err != nil {
			return &Error{Code: message.CodeSchemaError, Msg: "malformed candidate payload"}
		}
		if err := agent.AddICE(p.Candidate); err != nil {
			cl.log.Debug().Err(err).Str("user_id", sender).Msg("add ice")
		}
	case message.TypeAnswer:
		// Answer to a server-initiated offer; the agent needs nothing more.
	}
	if cl.phase() == stateAccepted {
		cl.setPhase(stateActive)
	}
	return nil
}

// videoState forwards the frame to the peer and pauses the sender's caption
// ingest while their video is off.
func (cl *Call) videoState(sender string, m message.Message) *Error {
	var p struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.Unmarshal(m.Payload, &p); err == nil && p.Enabled != nil {
		if ingest := cl.ingests[sender]; ingest != nil {
			ingest.SetPaused(!*p.Enabled)
		}
	}
	cl.c.send(cl.other(sender), withFrom(m, sender))
	return nil
}

// terminal performs the Ended transition exactly once: stop media, persist
// the record with the collected transcript, notify the still-connected
// participant that didn't initiate the end, release the coordinator slots.
func (cl *Call) terminal(outcome, reason, notifyUserID, from string) {
	cl.setPhase(stateEnded)
	cl.c.remove(cl)
	close(cl.done)

	for _, ingest := range cl.ingests {
		ingest.Close()
	}
	for userID, agent := range cl.agents {
		if cl.ingests[userID] == nil {
			agent.Dispose()
		}
	}

	transcripts := cl.c.fanout.Drain(cl.id)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cl.c.st.InsertCall(ctx, store.CallRecord{
		ID:          cl.id,
		CallerID:    cl.callerID,
		CalleeID:    cl.calleeID,
		StartedAt:   cl.startedAt,
		EndedAt:     time.Now().UTC(),
		Outcome:     outcome,
		Transcripts: transcripts,
	}); err != nil {
		cl.log.Error().Err(err).Msg("persist call record")
	}

	if notifyUserID != "" {
		cl.c.send(notifyUserID, message.New(message.TypeCallEnd, map[string]string{
			"from":    from,
			"reason":  reason,
			"call_id": cl.id,
		}))
	}

	metrics.ActiveCalls.Dec()
	metrics.CallsTotal.WithLabelValues(outcome).Inc()
	cl.c.pub.CallEnded(cl.id, outcome)
	cl.log.Info().Str("outcome", outcome).Str("reason", reason).
		Int("transcript_lines", len(transcripts)).Msg("call ended")
}
