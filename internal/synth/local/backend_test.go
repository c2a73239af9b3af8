package local

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vnttslabs/vntts-core/internal/config"
	"github.com/vnttslabs/vntts-core/internal/segment"
	"github.com/vnttslabs/vntts-core/internal/synth"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeModel emits one code per phoneme and ten samples per code, with an
// optional artificial delay to widen race windows.
type fakeModel struct {
	delay    time.Duration
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	closed   atomic.Bool
}

func (m *fakeModel) track() func() {
	cur := m.inFlight.Add(1)
	for {
		max := m.maxSeen.Load()
		if cur <= max || m.maxSeen.CompareAndSwap(max, cur) {
			break
		}
	}
	return func() { m.inFlight.Add(-1) }
}

func (m *fakeModel) Generate(ctx context.Context, phonemes []string) ([]int64, error) {
	defer m.track()()
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	codes := make([]int64, len(phonemes))
	for i := range codes {
		codes[i] = int64(i)
	}
	return codes, nil
}

func (m *fakeModel) Decode(ctx context.Context, codes []int64) ([]float32, error) {
	defer m.track()()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return make([]float32, len(codes)*10), nil
}

func (m *fakeModel) SampleRate() int { return 24000 }
func (m *fakeModel) Close() error    { m.closed.Store(true); return nil }

func request(idx int, phonemes ...string) synth.Request {
	return synth.Request{
		Segment:  segment.Segment{Index: idx, Text: "đoạn"},
		Phonemes: phonemes,
	}
}

func TestSynthesizeProducesPCM(t *testing.T) {
	b := New(&fakeModel{}, 256, newLogger())
	res, err := b.Synthesize(context.Background(), request(3, "d", "oan6"))
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if res.Index != 3 || res.SampleRate != 24000 {
		t.Fatalf("unexpected result %+v", res)
	}
	// 2 phonemes -> 2 codes -> 20 samples -> 40 bytes.
	if len(res.PCM) != 40 {
		t.Fatalf("pcm length %d, want 40", len(res.PCM))
	}
	if b.State() != StateModelLoaded {
		t.Fatalf("state after render = %s, want model_loaded", b.State())
	}
}

func TestSynthesizeRequiresPhonemes(t *testing.T) {
	b := New(&fakeModel{}, 256, newLogger())
	_, err := b.Synthesize(context.Background(), request(0))
	if !errors.Is(err, synth.ErrUnsupportedInput) {
		t.Fatalf("want ErrUnsupportedInput, got %v", err)
	}
}

func TestGenerationLockSerializesCalls(t *testing.T) {
	model := &fakeModel{delay: 2 * time.Millisecond}
	b := New(model, 256, newLogger())

	var wg sync.WaitGroup
	var maxInFlight atomic.Int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			if n := b.InFlight(); n > maxInFlight.Load() {
				maxInFlight.Store(n)
			}
			if _, err := b.Synthesize(context.Background(), request(idx, "a1")); err != nil {
				t.Errorf("Synthesize(%d): %v", idx, err)
			}
		}(i)
	}
	wg.Wait()

	if max := model.maxSeen.Load(); max > 1 {
		t.Fatalf("model saw %d concurrent calls", max)
	}
	if b.InFlight() != 0 {
		t.Fatalf("in-flight counter leaked: %d", b.InFlight())
	}
}

func TestSynthesizeCancelWhileQueued(t *testing.T) {
	model := &fakeModel{delay: 50 * time.Millisecond}
	b := New(model, 256, newLogger())

	started := make(chan struct{})
	go func() {
		close(started)
		b.Synthesize(context.Background(), request(0, "a1"))
	}()
	<-started
	time.Sleep(5 * time.Millisecond) // let the first call take the lock

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := b.Synthesize(ctx, request(1, "a1"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("queued call should fail with deadline, got %v", err)
	}
}

func TestCloseWaitsAndRejects(t *testing.T) {
	model := &fakeModel{}
	b := New(model, 256, newLogger())
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !model.closed.Load() {
		t.Fatal("model not closed")
	}
	if b.State() != StateIdle {
		t.Fatalf("state after close = %s", b.State())
	}
	if _, err := b.Synthesize(context.Background(), request(0, "a1")); !errors.Is(err, synth.ErrBackendUnavailable) {
		t.Fatalf("want ErrBackendUnavailable after close, got %v", err)
	}
}

func TestLoadFailsFastOnMissingWeights(t *testing.T) {
	_, err := loadONNXModel(config.LocalConfig{
		GeneratorPath: "/nonexistent/generator.onnx",
		CodecPath:     "/nonexistent/codec.onnx",
		VocabPath:     "/nonexistent/vocab.txt",
		SampleRate:    24000,
	})
	if !errors.Is(err, synth.ErrModelLoad) {
		t.Fatalf("want ErrModelLoad, got %v", err)
	}
}
