package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/rivo/uniseg"

	"github.com/vnttslabs/vntts-core/internal/config"
	"github.com/vnttslabs/vntts-core/internal/synth"
	"github.com/vnttslabs/vntts-core/internal/voicecat"
)

const BackendName = "stream"

var _ synth.Backend = (*Backend)(nil)

func init() {
	synth.Register(BackendName, func(cfg *config.Config, log *slog.Logger) (synth.Backend, error) {
		return New(cfg.Stream, log), nil
	})
}

// Backend speaks the framed websocket synthesis protocol: one connection per
// call, configured with the audio format, fed the segment as a markup
// envelope, and drained of interleaved audio and word-boundary frames until
// the end marker. The protocol has no resume; a dropped connection discards
// partial audio and the whole call is retried by the orchestrator.
type Backend struct {
	cfg config.StreamConfig
	log *slog.Logger
}

func New(cfg config.StreamConfig, log *slog.Logger) *Backend {
	return &Backend{
		cfg: cfg,
		log: log.With(slog.String("component", "synth.stream")),
	}
}

func (b *Backend) Capabilities() synth.Capabilities {
	return synth.Capabilities{
		Name:                   BackendName,
		SupportsWordBoundaries: true,
		SupportsStreaming:      true,
		MaxChunkLength:         b.cfg.MaxChunkLen,
		RequiresPhonemes:       false,
		MaxConcurrency:         0, // independent connections, no cross-call locking
	}
}

// Close is a no-op: connections are per-call, nothing persists between them.
func (b *Backend) Close() error { return nil }

func (b *Backend) Synthesize(ctx context.Context, req synth.Request) (*synth.Result, error) {
	if n := uniseg.GraphemeClusterCount(req.Segment.Text); n > b.cfg.MaxChunkLen {
		return nil, fmt.Errorf("%w: segment %d is %d characters, cap is %d",
			synth.ErrUnsupportedInput, req.Segment.Index, n, b.cfg.MaxChunkLen)
	}

	if b.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(b.cfg.CallTimeout)*time.Millisecond)
		defer cancel()
	}

	conn, err := b.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(1 << 22)

	requestID := strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := b.configure(ctx, conn, requestID); err != nil {
		return nil, err
	}
	if err := b.sendText(ctx, conn, requestID, req); err != nil {
		return nil, err
	}

	pcm, words, err := b.receive(ctx, conn, req.Segment.Index)
	if err != nil {
		return nil, err
	}

	b.log.Debug("segment streamed",
		slog.Int("segment", req.Segment.Index),
		slog.Int("bytes", len(pcm)),
		slog.Int("words", len(words)))

	return &synth.Result{
		Index:      req.Segment.Index,
		PCM:        pcm,
		SampleRate: b.cfg.SampleRate,
		Words:      words,
		Pause:      req.Segment.Pause,
	}, nil
}

func (b *Backend) connect(ctx context.Context) (*websocket.Conn, error) {
	opts := &websocket.DialOptions{}
	if b.cfg.Token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + b.cfg.Token}}
	}
	conn, resp, err := websocket.Dial(ctx, b.cfg.Endpoint, opts)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake rejected with status %d", synth.ErrBackendUnavailable, resp.StatusCode)
		}
		if errors.Is(err, syscall.ECONNREFUSED) {
			return nil, fmt.Errorf("%w: %v", synth.ErrBackendUnavailable, err)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: dial: %v", synth.ErrTransient, err)
	}
	return conn, nil
}

func (b *Backend) configure(ctx context.Context, conn *websocket.Conn, requestID string) error {
	body, _ := json.Marshal(map[string]any{
		"context": map[string]any{
			"synthesis": map[string]any{
				"audio": map[string]any{
					"outputFormat": b.cfg.OutputFormat,
					"metadataOptions": map[string]any{
						"wordBoundaryEnabled": true,
					},
				},
			},
		},
	})
	frame := encodeTextFrame(map[string]string{
		headerPath:        pathSpeechConfig,
		headerRequestID:   requestID,
		headerContentType: "application/json",
	}, string(body))
	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("%w: send config: %v", synth.ErrTransient, err)
	}
	return nil
}

func (b *Backend) sendText(ctx context.Context, conn *websocket.Conn, requestID string, req synth.Request) error {
	frame := encodeTextFrame(map[string]string{
		headerPath:        pathSSML,
		headerRequestID:   requestID,
		headerContentType: "application/ssml+xml",
	}, ssmlEnvelope(req.Segment.Text, req.Voice))
	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("%w: send text: %v", synth.ErrTransient, err)
	}
	return nil
}

// receive drains frames until the end marker. Any connection error before the
// end marker discards the partial audio and surfaces as transient so the call
// restarts from scratch.
func (b *Backend) receive(ctx context.Context, conn *websocket.Conn, segmentIdx int) ([]byte, []synth.WordBoundary, error) {
	var pcm []byte
	var words []synth.WordBoundary

	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			return nil, nil, fmt.Errorf("%w: connection lost mid-stream for segment %d: %v",
				synth.ErrTransient, segmentIdx, err)
		}

		switch msgType {
		case websocket.MessageBinary:
			headers, payload, err := decodeBinaryFrame(data)
			if err != nil {
				return nil, nil, fmt.Errorf("%w: %v", synth.ErrTransient, err)
			}
			if headers[headerPath] == pathAudio {
				pcm = append(pcm, payload...)
			}
		case websocket.MessageText:
			headers, body, err := decodeTextFrame(data)
			if err != nil {
				return nil, nil, fmt.Errorf("%w: %v", synth.ErrTransient, err)
			}
			switch headers[headerPath] {
			case pathTurnStart:
			case pathMetadata:
				parsed, err := parseWordBoundaries(body)
				if err != nil {
					b.log.Warn("dropping unparsable metadata frame", slog.String("error", err.Error()))
					continue
				}
				words = append(words, parsed...)
			case pathTurnEnd:
				return pcm, words, nil
			}
		}
	}
}

// metadataPayload mirrors the wire format of audio.metadata frames. Offsets
// and durations are in 100-nanosecond ticks from the start of the turn.
type metadataPayload struct {
	Metadata []struct {
		Type string `json:"Type"`
		Data struct {
			Offset   int64 `json:"Offset"`
			Duration int64 `json:"Duration"`
			Text     struct {
				Text string `json:"Text"`
			} `json:"text"`
		} `json:"Data"`
	} `json:"Metadata"`
}

const ticksPerMS = 10_000

func parseWordBoundaries(body string) ([]synth.WordBoundary, error) {
	var payload metadataPayload
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return nil, fmt.Errorf("parse metadata: %w", err)
	}
	var words []synth.WordBoundary
	for _, m := range payload.Metadata {
		if m.Type != "WordBoundary" {
			continue
		}
		start := m.Data.Offset / ticksPerMS
		words = append(words, synth.WordBoundary{
			Word:    m.Data.Text.Text,
			StartMS: start,
			EndMS:   start + m.Data.Duration/ticksPerMS,
		})
	}
	return words, nil
}

var xmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func ssmlEnvelope(text string, voice voicecat.Profile) string {
	rate := int((voice.Rate - 1.0) * 100)
	lang := voice.Language
	if lang == "" {
		lang = "vi-VN"
	}
	return fmt.Sprintf(
		"<speak version='1.0' xml:lang='%s'><voice name='%s'><prosody rate='%+d%%'>%s</prosody></voice></speak>",
		lang, voice.Speaker, rate, xmlEscaper.Replace(text))
}
