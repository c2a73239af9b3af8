package rest

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"syscall"
	"time"

	"github.com/rivo/uniseg"

	"github.com/vnttslabs/vntts-core/internal/config"
	"github.com/vnttslabs/vntts-core/internal/synth"
)

const BackendName = "rest"

var _ synth.Backend = (*Backend)(nil)

func init() {
	synth.Register(BackendName, func(cfg *config.Config, log *slog.Logger) (synth.Backend, error) {
		return New(cfg.Rest, log), nil
	})
}

// Backend performs one request/response exchange per segment. The response
// carries base64-encoded signed 16-bit mono PCM. The service enforces a text
// cap stricter than the general segment limit; the segmenter must have been
// driven by this backend's limit when it is active, and the cap is re-checked
// here before spending a network call.
type Backend struct {
	cfg    config.RestConfig
	client *http.Client
	log    *slog.Logger
}

func New(cfg config.RestConfig, log *slog.Logger) *Backend {
	timeout := time.Duration(cfg.CallTimeout) * time.Millisecond
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Backend{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		log:    log.With(slog.String("component", "synth.rest")),
	}
}

func (b *Backend) Capabilities() synth.Capabilities {
	return synth.Capabilities{
		Name:                   BackendName,
		SupportsWordBoundaries: false,
		SupportsStreaming:      false,
		MaxChunkLength:         b.cfg.MaxChunkLen,
		RequiresPhonemes:       false,
		MaxConcurrency:         0,
	}
}

type synthesizeRequest struct {
	Input struct {
		Text string `json:"text"`
	} `json:"input"`
	Voice struct {
		LanguageCode string `json:"languageCode"`
		Name         string `json:"name"`
	} `json:"voice"`
	AudioConfig struct {
		AudioEncoding   string  `json:"audioEncoding"`
		SampleRateHertz int     `json:"sampleRateHertz"`
		SpeakingRate    float64 `json:"speakingRate"`
	} `json:"audioConfig"`
}

type synthesizeResponse struct {
	AudioContent string `json:"audioContent"`
}

func (b *Backend) Synthesize(ctx context.Context, req synth.Request) (*synth.Result, error) {
	if n := uniseg.GraphemeClusterCount(req.Segment.Text); n > b.cfg.MaxChunkLen {
		return nil, fmt.Errorf("%w: segment %d is %d characters, rest cap is %d",
			synth.ErrUnsupportedInput, req.Segment.Index, n, b.cfg.MaxChunkLen)
	}

	var payload synthesizeRequest
	payload.Input.Text = req.Segment.Text
	payload.Voice.LanguageCode = req.Voice.Language
	payload.Voice.Name = req.Voice.Speaker
	payload.AudioConfig.AudioEncoding = "LINEAR16"
	payload.AudioConfig.SampleRateHertz = b.cfg.SampleRate
	payload.AudioConfig.SpeakingRate = req.Voice.Rate

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if b.cfg.APIKey != "" {
		httpReq.Header.Set("X-Api-Key", b.cfg.APIKey)
	}

	resp, err := b.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, syscall.ECONNREFUSED) {
			return nil, fmt.Errorf("%w: %v", synth.ErrBackendUnavailable, err)
		}
		return nil, fmt.Errorf("%w: %v", synth.ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, classifyStatus(resp.StatusCode, snippet)
	}

	var decoded synthesizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", synth.ErrTransient, err)
	}
	pcm, err := base64.StdEncoding.DecodeString(decoded.AudioContent)
	if err != nil {
		return nil, fmt.Errorf("%w: decode audio payload: %v", synth.ErrTransient, err)
	}
	if len(pcm) == 0 || len(pcm)%2 != 0 {
		return nil, fmt.Errorf("%w: malformed pcm payload of %d bytes", synth.ErrTransient, len(pcm))
	}

	b.log.Debug("segment synthesized",
		slog.Int("segment", req.Segment.Index),
		slog.Int("bytes", len(pcm)))

	return &synth.Result{
		Index:      req.Segment.Index,
		PCM:        pcm,
		SampleRate: b.cfg.SampleRate,
		Pause:      req.Segment.Pause,
	}, nil
}

func classifyStatus(code int, body []byte) error {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w: status %d: %s", synth.ErrBackendUnavailable, code, body)
	case code == http.StatusBadRequest:
		return fmt.Errorf("%w: status %d: %s", synth.ErrUnsupportedInput, code, body)
	case code == http.StatusTooManyRequests || code >= 500:
		return fmt.Errorf("%w: status %d: %s", synth.ErrTransient, code, body)
	default:
		return fmt.Errorf("%w: unexpected status %d: %s", synth.ErrTransient, code, body)
	}
}

func (b *Backend) Close() error {
	b.client.CloseIdleConnections()
	return nil
}
