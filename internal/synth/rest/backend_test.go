package rest

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/vnttslabs/vntts-core/internal/config"
	"github.com/vnttslabs/vntts-core/internal/segment"
	"github.com/vnttslabs/vntts-core/internal/synth"
	"github.com/vnttslabs/vntts-core/internal/voicecat"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRestBackend(url string) *Backend {
	return New(config.RestConfig{
		Endpoint:    url,
		APIKey:      "test-key",
		SampleRate:  24000,
		MaxChunkLen: 500,
		CallTimeout: 2000,
	}, newLogger())
}

func testRequest(text string) synth.Request {
	return synth.Request{
		Segment: segment.Segment{Index: 2, Text: text},
		Voice:   voicecat.Profile{ID: "v", Speaker: "mai", Language: "vi-VN", Rate: 1.0},
	}
}

func TestSynthesizeDecodesAudio(t *testing.T) {
	pcm := []byte{1, 0, 2, 0, 3, 0, 4, 0}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != "test-key" {
			t.Errorf("missing api key header")
		}
		var req synthesizeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Input.Text != "Xin chào." || req.AudioConfig.AudioEncoding != "LINEAR16" {
			t.Errorf("unexpected request %+v", req)
		}
		json.NewEncoder(w).Encode(synthesizeResponse{
			AudioContent: base64.StdEncoding.EncodeToString(pcm),
		})
	}))
	defer srv.Close()

	res, err := newRestBackend(srv.URL).Synthesize(context.Background(), testRequest("Xin chào."))
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if res.Index != 2 || res.SampleRate != 24000 {
		t.Fatalf("unexpected result %+v", res)
	}
	if !bytes.Equal(res.PCM, pcm) {
		t.Fatalf("pcm mismatch: %v", res.PCM)
	}
}

func TestSynthesizeStatusClassification(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, synth.ErrBackendUnavailable},
		{http.StatusForbidden, synth.ErrBackendUnavailable},
		{http.StatusBadRequest, synth.ErrUnsupportedInput},
		{http.StatusTooManyRequests, synth.ErrTransient},
		{http.StatusInternalServerError, synth.ErrTransient},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", tc.status)
		}))
		_, err := newRestBackend(srv.URL).Synthesize(context.Background(), testRequest("Xin chào."))
		srv.Close()
		if !errors.Is(err, tc.want) {
			t.Errorf("status %d classified as %v, want %v", tc.status, err, tc.want)
		}
	}
}

func TestSynthesizeEnforcesTextCap(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	b := New(config.RestConfig{Endpoint: srv.URL, SampleRate: 24000, MaxChunkLen: 5}, newLogger())
	_, err := b.Synthesize(context.Background(), testRequest("đoạn văn vượt giới hạn"))
	if !errors.Is(err, synth.ErrUnsupportedInput) {
		t.Fatalf("want ErrUnsupportedInput, got %v", err)
	}
	if calls.Load() != 0 {
		t.Fatal("network call made for over-cap segment")
	}
}

func TestSynthesizeRejectsMalformedPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(synthesizeResponse{AudioContent: "!!!not-base64!!!"})
	}))
	defer srv.Close()

	_, err := newRestBackend(srv.URL).Synthesize(context.Background(), testRequest("Xin chào."))
	if !errors.Is(err, synth.ErrTransient) {
		t.Fatalf("want ErrTransient, got %v", err)
	}
}
