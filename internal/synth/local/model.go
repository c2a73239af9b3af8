package local

import "context"

// Model is the loaded generator/codec pair behind the local backend. The
// generator turns phoneme tokens into discrete audio codes; the codec decodes
// those codes into waveform samples in [-1, 1].
//
// A Model is a single long-lived resource with an explicit load/close
// lifecycle. Implementations are not required to be safe for concurrent
// calls; the backend serializes access.
type Model interface {
	Generate(ctx context.Context, phonemes []string) ([]int64, error)
	Decode(ctx context.Context, codes []int64) ([]float32, error)
	SampleRate() int
	Close() error
}
