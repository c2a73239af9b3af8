package audio

import (
	"fmt"
	"time"

	"github.com/vnttslabs/vntts-core/internal/synth"
	"github.com/vnttslabs/vntts-core/internal/textnorm"
)

// Options configures assembly. Pause durations size the silence inserted
// between segments according to the preceding segment's punctuation.
type Options struct {
	TargetRate    int
	SentencePause time.Duration
	ClausePause   time.Duration
}

// Track is the final assembled output: one contiguous PCM buffer at a single
// sample rate plus the global word timing list.
type Track struct {
	PCM        []byte
	SampleRate int
	Timing     []synth.WordBoundary
}

// Duration reports the track length implied by the sample count.
func (t *Track) Duration() time.Duration {
	samples := len(t.PCM) / 2
	return time.Duration(samples) * time.Second / time.Duration(t.SampleRate)
}

// Assemble concatenates results in segment order, resampling every buffer to
// the target rate and inserting pause silence between segments. Word
// timestamps are offset by the accumulated duration of everything before
// them, so the timing list is monotonic by construction.
//
// Results must be complete and ordered by index; holes mean the job never
// reached assembly and are reported as assembly errors.
func Assemble(results []*synth.Result, opts Options) (*Track, error) {
	if opts.TargetRate <= 0 {
		return nil, fmt.Errorf("%w: invalid target rate %d", synth.ErrAssembly, opts.TargetRate)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("%w: no results", synth.ErrAssembly)
	}

	track := &Track{SampleRate: opts.TargetRate}
	for i, res := range results {
		if res == nil {
			return nil, fmt.Errorf("%w: missing result for segment %d", synth.ErrAssembly, i)
		}
		if res.Index != i {
			return nil, fmt.Errorf("%w: result %d carries index %d", synth.ErrAssembly, i, res.Index)
		}
		if len(res.PCM)%2 != 0 {
			return nil, fmt.Errorf("%w: segment %d has corrupt pcm buffer", synth.ErrAssembly, i)
		}

		pcm, err := Resample(res.PCM, res.SampleRate, opts.TargetRate)
		if err != nil {
			return nil, fmt.Errorf("%w: segment %d: %v", synth.ErrAssembly, i, err)
		}

		offsetMS := samplesToMS(len(track.PCM)/2, opts.TargetRate)
		for _, w := range res.Words {
			track.Timing = append(track.Timing, synth.WordBoundary{
				Word:    w.Word,
				StartMS: w.StartMS + offsetMS,
				EndMS:   w.EndMS + offsetMS,
			})
		}
		track.PCM = append(track.PCM, pcm...)

		if i < len(results)-1 {
			track.PCM = append(track.PCM, Silence(pauseFor(res.Pause, opts), opts.TargetRate)...)
		}
	}
	return track, nil
}

func pauseFor(p textnorm.Pause, opts Options) time.Duration {
	switch p {
	case textnorm.PauseSentence:
		return opts.SentencePause
	case textnorm.PauseClause:
		return opts.ClausePause
	}
	return 0
}

func samplesToMS(samples, rate int) int64 {
	return int64(samples) * 1000 / int64(rate)
}
