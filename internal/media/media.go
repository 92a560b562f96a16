// Package media defines the negotiation and captioning interfaces the call
// layer drives. The server participates in media as its own endpoint so it can
// feed participant video into a transcriber.
package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Models accepted as a user preference.
const (
	ModelLip   = "lip"
	ModelAudio = "audio"
)

var (
	ErrUnknownModel = errors.New("media: unknown model")
	ErrClosed       = errors.New("media: transcriber closed")
)

// Frame is one decoded video frame delivered by an Agent. Input rate is
// bounded (≤15 fps) by the sending client.
type Frame struct {
	Speaker string // user_id of the participant the frame came from
	Data    []byte
	At      time.Time
}

// Delta is one text fragment emitted by a Transcriber.
type Delta struct {
	Speaker string
	Text    string
	Source  string // ModelLip or ModelAudio
}

// Agent is a media-negotiation endpoint. The server-side implementation backs
// caption ingest; clients hold their own.
type Agent interface {
	CreateOffer(ctx context.Context) (sdp string, err error)
	AcceptOffer(ctx context.Context, sdp string) (answer string, err error)
	AddICE(candidate json.RawMessage) error
	// OnFrame registers the receive callback. At most one callback is active;
	// registering again replaces it.
	OnFrame(fn func(Frame))
	// Dispose releases transport and codec resources. Idempotent.
	Dispose()
}

// AgentFactory builds a server Agent for one participant of a call.
type AgentFactory func(callID, speaker string) Agent

// Transcriber turns frames into text deltas for one speaker.
type Transcriber interface {
	Feed(f Frame) error
	Deltas() <-chan Delta
	Close() error
}

// TranscriberFactory builds a transcriber for a speaker using the given model.
type TranscriberFactory func(speaker string) (Transcriber, error)

var (
	factoryMu sync.RWMutex
	factories = make(map[string]TranscriberFactory)
)

// RegisterModel installs a transcriber factory under a model name. Later
// registrations for the same name replace earlier ones.
func RegisterModel(model string, f TranscriberFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[model] = f
}

// NewTranscriber builds a transcriber for the given model preference.
func NewTranscriber(model, speaker string) (Transcriber, error) {
	factoryMu.RLock()
	f, ok := factories[model]
	factoryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModel, model)
	}
	return f(speaker)
}

// KnownModel reports whether a model name may be stored as a preference.
func KnownModel(model string) bool {
	return model == ModelLip || model == ModelAudio
}

// Models lists registered model names, sorted.
func Models() []string {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	out := make([]string, 0, len(factories))
	for m := range factories {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}
