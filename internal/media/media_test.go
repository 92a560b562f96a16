package media

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// chanTranscriber echoes every fed frame back as one delta.
type chanTranscriber struct {
	mu     sync.Mutex
	out    chan Delta
	closed bool
	source string
}

func newChanTranscriber(source string) *chanTranscriber {
	return &chanTranscriber{out: make(chan Delta, 16), source: source}
}

func (t *chanTranscriber) Feed(f Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	t.out <- Delta{Text: string(f.Data), Source: t.source}
	return nil
}

func (t *chanTranscriber) Deltas() <-chan Delta { return t.out }

func (t *chanTranscriber) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.out)
	}
	return nil
}

func TestRegistry(t *testing.T) {
	RegisterModel(ModelLip, func(speaker string) (Transcriber, error) {
		return newChanTranscriber(ModelLip), nil
	})

	tr, err := NewTranscriber(ModelLip, "U1")
	if err != nil {
		t.Fatalf("NewTranscriber: %v", err)
	}
	tr.Close()

	if _, err := NewTranscriber("telepathy", "U1"); err == nil {
		t.Error("unknown model did not error")
	}
}

func TestKnownModel(t *testing.T) {
	for _, m := range []string{ModelLip, ModelAudio} {
		if !KnownModel(m) {
			t.Errorf("KnownModel(%q) = false", m)
		}
	}
	if KnownModel("semaphore") {
		t.Error("KnownModel accepted an unknown name")
	}
}

func TestIngestPipesFramesToSink(t *testing.T) {
	agent := NewNullAgent("C1", "U1").(*NullAgent)
	tr := newChanTranscriber(ModelLip)

	got := make(chan Delta, 4)
	in := NewIngest(agent, tr, "U1", func(d Delta) { got <- d }, zerolog.Nop())
	in.Start(context.Background())
	defer in.Close()

	agent.Push(Frame{Data: []byte("hello"), At: time.Now()})

	select {
	case d := <-got:
		if d.Text != "hello" || d.Speaker != "U1" || d.Source != ModelLip {
			t.Errorf("delta = %+v", d)
		}
	case <-time.After(time.Second):
		t.Fatal("no delta reached the sink")
	}
}

func TestIngestPausedDropsFrames(t *testing.T) {
	agent := NewNullAgent("C1", "U1").(*NullAgent)
	tr := newChanTranscriber(ModelLip)

	got := make(chan Delta, 4)
	in := NewIngest(agent, tr, "U1", func(d Delta) { got <- d }, zerolog.Nop())
	in.Start(context.Background())
	defer in.Close()

	in.SetPaused(true)
	agent.Push(Frame{Data: []byte("muted")})

	select {
	case d := <-got:
		t.Fatalf("delta %+v delivered while paused", d)
	case <-time.After(50 * time.Millisecond):
	}

	in.SetPaused(false)
	agent.Push(Frame{Data: []byte("resumed")})
	select {
	case d := <-got:
		if d.Text != "resumed" {
			t.Errorf("Text = %q, want resumed", d.Text)
		}
	case <-time.After(time.Second):
		t.Fatal("no delta after unpause")
	}
}

func TestIngestCloseIsIdempotent(t *testing.T) {
	agent := NewNullAgent("C1", "U1").(*NullAgent)
	tr := newChanTranscriber(ModelLip)
	in := NewIngest(agent, tr, "U1", func(Delta) {}, zerolog.Nop())
	in.Start(context.Background())
	in.Close()
	in.Close()

	// Frames after close must not panic or reach the transcriber.
	agent.Push(Frame{Data: []byte("late")})
}
