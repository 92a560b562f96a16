// Package caption buffers transcript lines per call and pushes live
// predictions to both participants. The buffer is the source of truth for
// persistence; the live push is best-effort.
package caption

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lipc-project/lipc-engine/internal/media"
	"github.com/lipc-project/lipc-engine/internal/message"
	"github.com/lipc-project/lipc-engine/internal/metrics"
	"github.com/lipc-project/lipc-engine/internal/session"
	"github.com/lipc-project/lipc-engine/internal/store"
)

// SendBudget bounds how long a broadcast waits on one connection's queue
// before dropping that connection's copy of the prediction.
const SendBudget = 200 * time.Millisecond

type callBuffer struct {
	participants  [2]string
	lines         []store.TranscriptLine
	lastBySpeaker map[string]time.Time
}

// prediction is the payload pushed to participants.
type prediction struct {
	From       string `json:"from"`
	Prediction string `json:"prediction"`
	Speaker    string `json:"speaker"`
	Source     string `json:"source"`
}

// FanOut owns the per-call transcript buffers.
type FanOut struct {
	mu    sync.Mutex
	calls map[string]*callBuffer

	reg *session.Registry
	now func() time.Time
	log zerolog.Logger
}

func NewFanOut(reg *session.Registry, log zerolog.Logger) *FanOut {
	return &FanOut{
		calls: make(map[string]*callBuffer),
		reg:   reg,
		now:   time.Now,
		log:   log.With().Str("component", "caption").Logger(),
	}
}

// Open starts buffering for a call between two participants. A second Open
// for the same call is a no-op.
func (f *FanOut) Open(callID, a, b string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.calls[callID]; ok {
		return
	}
	f.calls[callID] = &callBuffer{
		participants:  [2]string{a, b},
		lastBySpeaker: make(map[string]time.Time),
	}
}

// Append stamps and buffers one delta, then broadcasts it to both
// participants. A send that cannot complete within SendBudget is dropped for
// that connection; the buffered line is never dropped.
func (f *FanOut) Append(callID string, d media.Delta) {
	f.mu.Lock()
	buf, ok := f.calls[callID]
	if !ok {
		f.mu.Unlock()
		return
	}

	// Timestamps stay monotonic per speaker even if the clock steps back.
	t := f.now().UTC()
	if last, ok := buf.lastBySpeaker[d.Speaker]; ok && t.Before(last) {
		t = last
	}
	buf.lastBySpeaker[d.Speaker] = t

	buf.lines = append(buf.lines, store.TranscriptLine{
		T:       t,
		Speaker: d.Speaker,
		Text:    d.Text,
		Source:  d.Source,
	})
	participants := buf.participants
	f.mu.Unlock()

	metrics.CaptionLinesTotal.Inc()

	m := message.New(message.TypeLipReadingPrediction, prediction{
		From:       "server",
		Prediction: d.Text,
		Speaker:    d.Speaker,
		Source:     d.Source,
	})
	for _, userID := range participants {
		conn, ok := f.reg.Lookup(userID)
		if !ok {
			continue
		}
		if !conn.SendTimeout(m, SendBudget) {
			metrics.CaptionDropsTotal.Inc()
			f.log.Debug().Str("call_id", callID).Str("user_id", userID).
				Msg("caption dropped for slow connection")
		}
	}
}

// Drain returns the buffered transcript for a call and forgets it. The second
// call for the same id returns nil.
func (f *FanOut) Drain(callID string) []store.TranscriptLine {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf, ok := f.calls[callID]
	if !ok {
		return nil
	}
	delete(f.calls, callID)
	return buf.lines
}
