// Package events publishes call and session lifecycle events to an MQTT
// broker for external consumers (dashboards, analytics). The publisher is
// optional; a nil *Publisher drops everything.
package events

import (
	"encoding/json"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

const (
	topicCalls    = "lipc/events/call"
	topicSessions = "lipc/events/session"
)

type Publisher struct {
	conn mqtt.Client
	log  zerolog.Logger
}

type Options struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	Log       zerolog.Logger
}

// Connect dials the broker. Returns (nil, nil) when BrokerURL is empty so
// callers can pass the result straight through.
func Connect(opts Options) (*Publisher, error) {
	if opts.BrokerURL == "" {
		return nil, nil
	}

	p := &Publisher{log: opts.Log.With().Str("component", "events").Logger()}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(false)

	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		clientOpts.SetPassword(opts.Password)
	}

	p.conn = mqtt.NewClient(clientOpts)
	token := p.conn.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Publisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	p.conn.Disconnect(250)
}

type event struct {
	Event     string `json:"event"`
	Timestamp string `json:"timestamp"`
	CallID    string `json:"call_id,omitempty"`
	CallerID  string `json:"caller_id,omitempty"`
	CalleeID  string `json:"callee_id,omitempty"`
	Outcome   string `json:"outcome,omitempty"`
	UserID    string `json:"user_id,omitempty"`
}

// publish is fire-and-forget at QoS 0.
func (p *Publisher) publish(topic string, e event) {
	if p == nil || p.conn == nil {
		return
	}
	e.Timestamp = time.Now().UTC().Format(time.RFC3339)
	body, err := json.Marshal(e)
	if err != nil {
		p.log.Error().Err(err).Str("event", e.Event).Msg("marshal event")
		return
	}
	p.conn.Publish(topic, 0, false, body)
}

func (p *Publisher) CallStarted(callID, callerID, calleeID string) {
	p.publish(topicCalls, event{Event: "call_started", CallID: callID, CallerID: callerID, CalleeID: calleeID})
}

func (p *Publisher) CallEnded(callID, outcome string) {
	p.publish(topicCalls, event{Event: "call_ended", CallID: callID, Outcome: outcome})
}

func (p *Publisher) SessionOnline(userID string) {
	p.publish(topicSessions, event{Event: "session_online", UserID: userID})
}

func (p *Publisher) SessionOffline(userID string) {
	p.publish(topicSessions, event{Event: "session_offline", UserID: userID})
}
