package media

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Ingest wires one participant's Agent to a Transcriber and drains the
// resulting deltas into a sink (the caption fan-out). One Ingest exists per
// participant of an accepted call.
type Ingest struct {
	agent   Agent
	tr      Transcriber
	speaker string
	sink    func(Delta)
	log     zerolog.Logger

	paused atomic.Bool
	wg     sync.WaitGroup
	cancel context.CancelFunc
	once   sync.Once
}

func NewIngest(agent Agent, tr Transcriber, speaker string, sink func(Delta), log zerolog.Logger) *Ingest {
	return &Ingest{
		agent:   agent,
		tr:      tr,
		speaker: speaker,
		sink:    sink,
		log:     log.With().Str("component", "ingest").Str("speaker", speaker).Logger(),
	}
}

// Start registers the frame callback and launches the delta drain loop.
func (in *Ingest) Start(ctx context.Context) {
	ctx, in.cancel = context.WithCancel(ctx)

	in.agent.OnFrame(func(f Frame) {
		if in.paused.Load() {
			return
		}
		if err := in.tr.Feed(f); err != nil {
			in.log.Debug().Err(err).Msg("frame rejected by transcriber")
		}
	})

	in.wg.Add(1)
	go func() {
		defer in.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-in.tr.Deltas():
				if !ok {
					return
				}
				d.Speaker = in.speaker
				in.sink(d)
			}
		}
	}()
}

// SetPaused gates frame intake; deltas already inside the transcriber still
// drain. Used when the speaker turns their video off.
func (in *Ingest) SetPaused(v bool) { in.paused.Store(v) }

// Close stops intake, closes the transcriber and waits for the drain loop.
func (in *Ingest) Close() {
	in.once.Do(func() {
		in.agent.Dispose()
		if err := in.tr.Close(); err != nil {
			in.log.Debug().Err(err).Msg("transcriber close")
		}
		if in.cancel != nil {
			in.cancel()
		}
		in.wg.Wait()
	})
}
