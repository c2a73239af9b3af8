package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vnttslabs/vntts-core/internal/bus"
	"github.com/vnttslabs/vntts-core/internal/capability"
	"github.com/vnttslabs/vntts-core/internal/config"
	"github.com/vnttslabs/vntts-core/internal/jobstore"
	"github.com/vnttslabs/vntts-core/internal/natsserver"
	"github.com/vnttslabs/vntts-core/internal/phoneme"
	"github.com/vnttslabs/vntts-core/internal/synth"
	"github.com/vnttslabs/vntts-core/internal/synthsvc"
	"github.com/vnttslabs/vntts-core/internal/textnorm"
	"github.com/vnttslabs/vntts-core/internal/voicecat"

	// Backends register themselves with the synth registry.
	_ "github.com/vnttslabs/vntts-core/internal/synth/local"
	_ "github.com/vnttslabs/vntts-core/internal/synth/rest"
	_ "github.com/vnttslabs/vntts-core/internal/synth/stream"
)

// Runtime owns the full daemon lifecycle: telemetry, the message bus, the
// job store, synthesis backends, and the job service. Start blocks until the
// context is cancelled, then tears everything down in reverse order.
type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	var embedded *natsserver.EmbeddedServer
	if r.cfg.Bus.Embedded {
		embedded, err = natsserver.Start(r.cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start embedded bus: %w", err)
		}
		defer embedded.Shutdown()
	}

	busClient, err := bus.Connect(ctx, r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	defer busClient.Close()

	store, err := jobstore.Open(ctx, r.cfg.JobStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open job store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			r.logger.Warn("job store close error", slog.String("error", err.Error()))
		}
	}()

	norm, err := textnorm.New(textnorm.Options{
		ScriptPolicy: textnorm.ScriptPolicy(r.cfg.Text.ScriptPolicy),
	}, r.logger)
	if err != nil {
		return fmt.Errorf("failed to build normalizer: %w", err)
	}

	phon, err := r.buildPhonemizer()
	if err != nil {
		return fmt.Errorf("failed to build phonemizer: %w", err)
	}

	catalog, err := r.loadVoices()
	if err != nil {
		return fmt.Errorf("failed to load voice catalog: %w", err)
	}

	backends, err := r.createBackends()
	if err != nil {
		return err
	}
	defer func() {
		for name, backend := range backends {
			if err := backend.Close(); err != nil {
				r.logger.Warn("backend close error",
					slog.String("backend", name), slog.String("error", err.Error()))
			}
		}
	}()

	orch := synth.NewOrchestrator(backends, r.cfg.Synthesis.Workers, synth.RetryPolicy{
		MaxAttempts:  r.cfg.Synthesis.MaxAttempts,
		InitialDelay: time.Duration(r.cfg.Synthesis.RetryInitialMS) * time.Millisecond,
		MaxDelay:     time.Duration(r.cfg.Synthesis.RetryMaxMS) * time.Millisecond,
	}, r.logger)

	registry, err := capability.NewRegistry(ctx, r.cfg.Node, backendCaps(backends), busClient, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start capability registry: %w", err)
	}
	defer registry.Close()

	svc := synthsvc.NewService(ctx, &r.cfg, busClient, store, norm, phon, catalog, orch, r.logger)
	if err := svc.Start(); err != nil {
		return fmt.Errorf("failed to start job service: %w", err)
	}
	defer svc.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("node", r.cfg.Node.ID),
		slog.Int("backends", len(backends)))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) buildPhonemizer() (*phoneme.Phonemizer, error) {
	dict := phoneme.NewDictionary(nil)
	if path := r.cfg.Phoneme.DictionaryPath; path != "" {
		loaded, err := phoneme.LoadDictionary(path)
		if err != nil {
			return nil, err
		}
		dict = loaded
	} else {
		r.logger.Warn("no phoneme dictionary configured, rule-based fallback only")
	}
	return phoneme.New(dict, phoneme.Options{CacheSize: r.cfg.Phoneme.CacheSize}, r.logger)
}

func (r *Runtime) loadVoices() (*voicecat.Catalog, error) {
	if path := r.cfg.Voices.CatalogPath; path != "" {
		return voicecat.Load(path)
	}
	return voicecat.New("default", voicecat.Profile{
		ID:      "default",
		Backend: r.cfg.Synthesis.DefaultBackend,
	})
}

// createBackends builds every enabled backend concurrently; the local
// backend loads ONNX weights and should not delay the network backends.
func (r *Runtime) createBackends() (map[string]synth.Backend, error) {
	enabled := map[string]bool{
		"local":  r.cfg.Local.Enabled,
		"stream": r.cfg.Stream.Enabled,
		"rest":   r.cfg.Rest.Enabled,
	}

	var mu sync.Mutex
	backends := make(map[string]synth.Backend)
	var g errgroup.Group
	for name, on := range enabled {
		if !on {
			continue
		}
		g.Go(func() error {
			backend, err := synth.Create(name, &r.cfg, r.logger)
			if err != nil {
				return fmt.Errorf("failed to create backend %q: %w", name, err)
			}
			mu.Lock()
			backends[name] = backend
			mu.Unlock()
			r.logger.Info("backend ready", slog.String("backend", name))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, b := range backends {
			_ = b.Close()
		}
		return nil, err
	}
	return backends, nil
}

func backendCaps(backends map[string]synth.Backend) []synth.Capabilities {
	caps := make([]synth.Capabilities, 0, len(backends))
	for _, b := range backends {
		caps = append(caps, b.Capabilities())
	}
	return caps
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
