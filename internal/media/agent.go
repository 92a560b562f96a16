package media

import (
	"context"
	"encoding/json"
	"sync"
)

// NullAgent is the default server endpoint: it completes negotiation with
// placeholder SDP and forwards frames pushed into it via Push. Deployments
// with a real media stack install their own AgentFactory instead.
type NullAgent struct {
	mu       sync.Mutex
	onFrame  func(Frame)
	disposed bool
}

func NewNullAgent(string, string) Agent { return &NullAgent{} }

func (a *NullAgent) CreateOffer(ctx context.Context) (string, error) {
	return "v=0", nil
}

func (a *NullAgent) AcceptOffer(ctx context.Context, sdp string) (string, error) {
	return "v=0", nil
}

func (a *NullAgent) AddICE(candidate json.RawMessage) error { return nil }

func (a *NullAgent) OnFrame(fn func(Frame)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onFrame = fn
}

// Push hands a frame to the registered callback. Dropped once disposed.
func (a *NullAgent) Push(f Frame) {
	a.mu.Lock()
	fn, dead := a.onFrame, a.disposed
	a.mu.Unlock()
	if fn != nil && !dead {
		fn(f)
	}
}

func (a *NullAgent) Dispose() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.disposed = true
	a.onFrame = nil
}
