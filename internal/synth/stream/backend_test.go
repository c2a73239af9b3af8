package stream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/vnttslabs/vntts-core/internal/config"
	"github.com/vnttslabs/vntts-core/internal/segment"
	"github.com/vnttslabs/vntts-core/internal/synth"
	"github.com/vnttslabs/vntts-core/internal/voicecat"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFrameRoundTrip(t *testing.T) {
	headers := map[string]string{headerPath: pathSSML, headerRequestID: "abc"}
	frame := encodeTextFrame(headers, "<speak/>")
	gotHeaders, body, err := decodeTextFrame(frame)
	if err != nil {
		t.Fatalf("decodeTextFrame: %v", err)
	}
	if !reflect.DeepEqual(gotHeaders, headers) || body != "<speak/>" {
		t.Fatalf("round trip mismatch: %v %q", gotHeaders, body)
	}

	payload := []byte{1, 2, 3, 4}
	bin := encodeBinaryFrame(map[string]string{headerPath: pathAudio}, payload)
	binHeaders, gotPayload, err := decodeBinaryFrame(bin)
	if err != nil {
		t.Fatalf("decodeBinaryFrame: %v", err)
	}
	if binHeaders[headerPath] != pathAudio || !bytes.Equal(gotPayload, payload) {
		t.Fatalf("binary round trip mismatch: %v %v", binHeaders, gotPayload)
	}
}

func TestDecodeBinaryFrameRejectsTruncation(t *testing.T) {
	if _, _, err := decodeBinaryFrame([]byte{0}); err == nil {
		t.Fatal("expected error for short frame")
	}
	if _, _, err := decodeBinaryFrame([]byte{0xFF, 0xFF, 'x'}); err == nil {
		t.Fatal("expected error for oversized header length")
	}
}

// doubleServer is a deterministic protocol double. Audio bytes derive from
// the received text so identical requests always produce identical output.
// When failFirst is set the first connection dies after the first audio
// frame, before the end marker.
type doubleServer struct {
	t         *testing.T
	failFirst bool
	dials     atomic.Int32
}

func (d *doubleServer) handler(w http.ResponseWriter, r *http.Request) {
	dial := d.dials.Add(1)
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		d.t.Errorf("accept: %v", err)
		return
	}
	ctx := r.Context()

	// Config frame, then the markup frame carrying the text.
	var text string
	for i := 0; i < 2; i++ {
		_, data, err := conn.Read(ctx)
		if err != nil {
			d.t.Errorf("server read: %v", err)
			return
		}
		headers, body, err := decodeTextFrame(data)
		if err != nil {
			d.t.Errorf("server decode: %v", err)
			return
		}
		if headers[headerPath] == pathSSML {
			text = body
		}
	}

	writeText := func(path, body string) {
		frame := encodeTextFrame(map[string]string{headerPath: path}, body)
		if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
			d.t.Logf("server write: %v", err)
		}
	}

	writeText(pathTurnStart, "{}")

	audio := []byte(text)
	if len(audio)%2 != 0 {
		audio = append(audio, 0)
	}
	half := len(audio) / 2

	bin := encodeBinaryFrame(map[string]string{headerPath: pathAudio}, audio[:half])
	if err := conn.Write(ctx, websocket.MessageBinary, bin); err != nil {
		return
	}

	if d.failFirst && dial == 1 {
		// Kill the connection mid-stream, before the end marker.
		conn.CloseNow()
		return
	}

	writeText(pathMetadata, `{"Metadata":[{"Type":"WordBoundary","Data":{"Offset":1000000,"Duration":3000000,"text":{"Text":"xin"}}}]}`)

	bin = encodeBinaryFrame(map[string]string{headerPath: pathAudio}, audio[half:])
	if err := conn.Write(ctx, websocket.MessageBinary, bin); err != nil {
		return
	}

	writeText(pathTurnEnd, "{}")
	conn.Close(websocket.StatusNormalClosure, "")
}

func newStreamBackend(url string) *Backend {
	return New(config.StreamConfig{
		Enabled:      true,
		Endpoint:     "ws" + strings.TrimPrefix(url, "http"),
		OutputFormat: "raw-24khz-16bit-mono-pcm",
		SampleRate:   24000,
		MaxChunkLen:  1000,
		CallTimeout:  5000,
	}, newLogger())
}

func testRequest(text string) synth.Request {
	return synth.Request{
		Segment: segment.Segment{Index: 0, Text: text},
		Voice:   voicecat.Profile{ID: "v", Speaker: "mai", Language: "vi-VN", Rate: 1.0},
	}
}

func TestSynthesizeCollectsAudioAndBoundaries(t *testing.T) {
	double := &doubleServer{t: t}
	srv := httptest.NewServer(http.HandlerFunc(double.handler))
	defer srv.Close()

	backend := newStreamBackend(srv.URL)
	res, err := backend.Synthesize(context.Background(), testRequest("Xin chào."))
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if err := backend.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(res.PCM) == 0 {
		t.Fatal("no audio collected")
	}
	if res.SampleRate != 24000 {
		t.Fatalf("sample rate %d", res.SampleRate)
	}
	want := []synth.WordBoundary{{Word: "xin", StartMS: 100, EndMS: 400}}
	if !reflect.DeepEqual(res.Words, want) {
		t.Fatalf("boundaries = %+v, want %+v", res.Words, want)
	}
}

// A forced mid-stream disconnect must trigger exactly one full restart of the
// segment and produce output identical to an uninterrupted run.
func TestDisconnectRestartsSegmentOnce(t *testing.T) {
	clean := &doubleServer{t: t}
	cleanSrv := httptest.NewServer(http.HandlerFunc(clean.handler))
	defer cleanSrv.Close()

	flaky := &doubleServer{t: t, failFirst: true}
	flakySrv := httptest.NewServer(http.HandlerFunc(flaky.handler))
	defer flakySrv.Close()

	job := &synth.Job{
		ID:       "job-stream",
		Segments: []segment.Segment{{Index: 0, Text: "Hôm nay trời đẹp."}},
		Voice:    voicecat.Profile{ID: "v", Speaker: "mai", Language: "vi-VN", Rate: 1.0},
		Backend:  BackendName,
	}
	retry := synth.RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

	run := func(b *Backend) *synth.Result {
		o := synth.NewOrchestrator(map[string]synth.Backend{BackendName: b}, 2, retry, newLogger())
		report, err := o.Run(context.Background(), job, nil)
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		return report.Results[0]
	}

	reference := run(newStreamBackend(cleanSrv.URL))
	interrupted := run(newStreamBackend(flakySrv.URL))

	if got := flaky.dials.Load(); got != 2 {
		t.Fatalf("flaky server saw %d connections, want 2 (one restart)", got)
	}
	if !bytes.Equal(reference.PCM, interrupted.PCM) {
		t.Fatal("restarted output differs from uninterrupted run")
	}
	if !reflect.DeepEqual(reference.Words, interrupted.Words) {
		t.Fatal("restarted boundaries differ from uninterrupted run")
	}
}

func TestSynthesizeRejectsOversizedSegment(t *testing.T) {
	b := New(config.StreamConfig{MaxChunkLen: 5, SampleRate: 24000}, newLogger())
	_, err := b.Synthesize(context.Background(), testRequest("quá dài cho giới hạn"))
	if !errors.Is(err, synth.ErrUnsupportedInput) {
		t.Fatalf("want ErrUnsupportedInput, got %v", err)
	}
}

func TestDialFailureIsTransient(t *testing.T) {
	b := New(config.StreamConfig{
		Endpoint:    "ws://127.0.0.1:1/",
		MaxChunkLen: 1000,
		SampleRate:  24000,
		CallTimeout: 500,
	}, newLogger())
	_, err := b.Synthesize(context.Background(), testRequest("Xin chào."))
	if err == nil {
		t.Fatal("expected dial failure")
	}
	if !errors.Is(err, synth.ErrBackendUnavailable) && !errors.Is(err, synth.ErrTransient) {
		t.Fatalf("unclassified dial error: %v", err)
	}
}
