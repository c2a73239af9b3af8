package local

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/vnttslabs/vntts-core/internal/config"
	"github.com/vnttslabs/vntts-core/internal/synth"
)

var ortInit sync.Once

// onnxModel runs the generator and codec networks through onnxruntime. Both
// sessions are created once at load and reused for every segment; weights are
// never reloaded per job.
type onnxModel struct {
	generator  *ort.DynamicAdvancedSession
	codec      *ort.DynamicAdvancedSession
	vocab      map[string]int64
	sampleRate int
}

// loadONNXModel opens both networks and the phoneme vocabulary, failing fast
// before any job is accepted when a file is missing or unreadable.
func loadONNXModel(cfg config.LocalConfig) (Model, error) {
	for _, path := range []string{cfg.GeneratorPath, cfg.CodecPath, cfg.VocabPath} {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("%w: %v", synth.ErrModelLoad, err)
		}
	}

	var initErr error
	ortInit.Do(func() {
		if cfg.LibraryPath != "" {
			ort.SetSharedLibraryPath(cfg.LibraryPath)
		}
		initErr = ort.InitializeEnvironment()
	})
	if initErr != nil {
		return nil, fmt.Errorf("%w: initialize onnxruntime: %v", synth.ErrModelLoad, initErr)
	}

	vocab, err := loadVocab(cfg.VocabPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", synth.ErrModelLoad, err)
	}

	generator, err := ort.NewDynamicAdvancedSession(cfg.GeneratorPath,
		[]string{"input_ids"}, []string{"audio_codes"}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: open generator: %v", synth.ErrModelLoad, err)
	}
	codec, err := ort.NewDynamicAdvancedSession(cfg.CodecPath,
		[]string{"audio_codes"}, []string{"waveform"}, nil)
	if err != nil {
		generator.Destroy()
		return nil, fmt.Errorf("%w: open codec: %v", synth.ErrModelLoad, err)
	}

	return &onnxModel{
		generator:  generator,
		codec:      codec,
		vocab:      vocab,
		sampleRate: cfg.SampleRate,
	}, nil
}

func (m *onnxModel) Generate(ctx context.Context, phonemes []string) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ids := make([]int64, len(phonemes))
	for i, p := range phonemes {
		ids[i] = m.vocab[p] // unknown tokens map to id 0
	}

	input, err := ort.NewTensor(ort.NewShape(1, int64(len(ids))), ids)
	if err != nil {
		return nil, fmt.Errorf("build input tensor: %w", err)
	}
	defer input.Destroy()

	outputs := []ort.Value{nil}
	if err := m.generator.Run([]ort.Value{input}, outputs); err != nil {
		return nil, fmt.Errorf("run generator: %w", err)
	}
	out, ok := outputs[0].(*ort.Tensor[int64])
	if !ok {
		return nil, fmt.Errorf("%w: generator emitted %T, want int64 codes", synth.ErrModelLoad, outputs[0])
	}
	defer out.Destroy()

	codes := make([]int64, len(out.GetData()))
	copy(codes, out.GetData())
	return codes, nil
}

func (m *onnxModel) Decode(ctx context.Context, codes []int64) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	input, err := ort.NewTensor(ort.NewShape(1, int64(len(codes))), codes)
	if err != nil {
		return nil, fmt.Errorf("build codes tensor: %w", err)
	}
	defer input.Destroy()

	outputs := []ort.Value{nil}
	if err := m.codec.Run([]ort.Value{input}, outputs); err != nil {
		return nil, fmt.Errorf("run codec: %w", err)
	}
	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("%w: codec emitted %T, want float32 samples", synth.ErrModelLoad, outputs[0])
	}
	defer out.Destroy()

	samples := make([]float32, len(out.GetData()))
	copy(samples, out.GetData())
	return samples, nil
}

func (m *onnxModel) SampleRate() int { return m.sampleRate }

func (m *onnxModel) Close() error {
	var first error
	if err := m.generator.Destroy(); err != nil {
		first = err
	}
	if err := m.codec.Destroy(); err != nil && first == nil {
		first = err
	}
	return first
}

// loadVocab reads one phoneme token per line; the line number is the id.
func loadVocab(path string) (map[string]int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open vocab: %w", err)
	}
	defer f.Close()

	vocab := make(map[string]int64)
	scanner := bufio.NewScanner(f)
	var id int64
	for scanner.Scan() {
		token := strings.TrimSpace(scanner.Text())
		if token == "" {
			continue
		}
		if _, dup := vocab[token]; dup {
			return nil, fmt.Errorf("duplicate vocab token %q", token)
		}
		vocab[token] = id
		id++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read vocab: %w", err)
	}
	if len(vocab) == 0 {
		return nil, fmt.Errorf("empty vocab file %s", path)
	}
	return vocab, nil
}
