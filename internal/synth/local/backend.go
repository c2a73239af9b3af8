package local

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/vnttslabs/vntts-core/internal/audio"
	"github.com/vnttslabs/vntts-core/internal/config"
	"github.com/vnttslabs/vntts-core/internal/synth"
)

const BackendName = "local"

var _ synth.Backend = (*Backend)(nil)

func init() {
	synth.Register(BackendName, func(cfg *config.Config, log *slog.Logger) (synth.Backend, error) {
		model, err := loadONNXModel(cfg.Local)
		if err != nil {
			return nil, err
		}
		return New(model, cfg.Local.MaxChunkLen, log), nil
	})
}

// State tracks the backend through one segment's render.
type State int32

const (
	StateIdle State = iota
	StateModelLoaded
	StateGenerating
	StateDecoding
	StateReady
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateModelLoaded:
		return "model_loaded"
	case StateGenerating:
		return "generating"
	case StateDecoding:
		return "decoding"
	case StateReady:
		return "ready"
	}
	return "unknown"
}

// Backend renders segments with a locally loaded model. Generation state in
// the underlying session is not reentrant, so a single generation lock
// serializes calls: at most one segment is ever generating or decoding.
type Backend struct {
	model       Model
	maxChunkLen int
	log         *slog.Logger

	// gate is the generation lock. A channel instead of a mutex so waiters
	// drop out on ctx cancellation.
	gate     chan struct{}
	state    atomic.Int32
	inFlight atomic.Int32
	closed   atomic.Bool
}

func New(model Model, maxChunkLen int, log *slog.Logger) *Backend {
	b := &Backend{
		model:       model,
		maxChunkLen: maxChunkLen,
		log:         log.With(slog.String("component", "synth.local")),
		gate:        make(chan struct{}, 1),
	}
	b.state.Store(int32(StateModelLoaded))
	b.initMetrics()
	return b
}

func (b *Backend) initMetrics() {
	meter := otel.Meter("github.com/vnttslabs/vntts-core/synth")
	gauge, err := meter.Int64ObservableGauge("vntts.local.inflight",
		metric.WithDescription("Active local generation calls, at most 1"))
	if err != nil {
		b.log.Warn("failed to create inflight gauge", slog.String("error", err.Error()))
		return
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, int64(b.inFlight.Load()))
		return nil
	}, gauge)
	if err != nil {
		b.log.Warn("failed to register inflight gauge", slog.String("error", err.Error()))
	}
}

func (b *Backend) Capabilities() synth.Capabilities {
	return synth.Capabilities{
		Name:                   BackendName,
		SupportsWordBoundaries: false,
		SupportsStreaming:      false,
		MaxChunkLength:         b.maxChunkLen,
		RequiresPhonemes:       true,
		MaxConcurrency:         1,
	}
}

func (b *Backend) Synthesize(ctx context.Context, req synth.Request) (*synth.Result, error) {
	if b.closed.Load() {
		return nil, fmt.Errorf("%w: backend closed", synth.ErrBackendUnavailable)
	}
	if len(req.Phonemes) == 0 {
		return nil, fmt.Errorf("%w: segment %d has no phonemes", synth.ErrUnsupportedInput, req.Segment.Index)
	}

	select {
	case b.gate <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() {
		b.state.Store(int32(StateModelLoaded))
		<-b.gate
	}()

	if n := b.inFlight.Add(1); n > 1 {
		b.inFlight.Add(-1)
		return nil, fmt.Errorf("generation lock violated: %d calls in flight", n)
	}
	defer b.inFlight.Add(-1)

	b.state.Store(int32(StateGenerating))
	codes, err := b.model.Generate(ctx, req.Phonemes)
	if err != nil {
		return nil, fmt.Errorf("segment %d: %w", req.Segment.Index, err)
	}

	b.state.Store(int32(StateDecoding))
	samples, err := b.model.Decode(ctx, codes)
	if err != nil {
		return nil, fmt.Errorf("segment %d: %w", req.Segment.Index, err)
	}
	b.state.Store(int32(StateReady))

	b.log.Debug("segment rendered",
		slog.Int("segment", req.Segment.Index),
		slog.Int("codes", len(codes)),
		slog.Int("samples", len(samples)))

	return &synth.Result{
		Index:      req.Segment.Index,
		PCM:        audio.FromFloat32(samples),
		SampleRate: b.model.SampleRate(),
		Pause:      req.Segment.Pause,
	}, nil
}

// State reports the current lifecycle state.
func (b *Backend) State() State {
	return State(b.state.Load())
}

// InFlight reports active generation calls; it can never exceed 1.
func (b *Backend) InFlight() int32 {
	return b.inFlight.Load()
}

func (b *Backend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	// Wait for an in-progress render so weights are not torn down under
	// the session.
	b.gate <- struct{}{}
	defer func() { <-b.gate }()
	b.state.Store(int32(StateIdle))
	return b.model.Close()
}
