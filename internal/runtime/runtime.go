package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-sound/internal/bus"
	"github.com/loqalabs/loqa-sound/internal/capability"
	"github.com/loqalabs/loqa-sound/internal/config"
	"github.com/loqalabs/loqa-sound/internal/control"
	"github.com/loqalabs/loqa-sound/internal/eventstore"
	"github.com/loqalabs/loqa-sound/internal/examples"
	"github.com/loqalabs/loqa-sound/internal/features"
	"github.com/loqalabs/loqa-sound/internal/natsserver"
	"github.com/loqalabs/loqa-sound/internal/soundclass"
	"github.com/loqalabs/loqa-sound/internal/storage"
	"github.com/loqalabs/loqa-sound/internal/transfer"
)

const capabilityName = "audio.classify"

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	metrics       http.Handler
	tracerClose   func(context.Context) error
	ready         atomic.Bool
	wg            sync.WaitGroup

	nats      *natsserver.EmbeddedServer
	bus       *bus.Client
	registry  *capability.Registry
	events    *eventstore.Store
	store     examples.Store
	extractor *soundclass.Extractor
	control   *control.Service
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
	r.metrics = metricsHandler
	defer r.shutdown()

	if err := r.startServices(ctx); err != nil {
		return err
	}

	mux := r.routes()
	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if r.metrics != nil && r.cfg.Telemetry.PrometheusBind != "" && r.cfg.Telemetry.PrometheusBind != addr {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", r.metrics)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsServer, "metrics")
	}

	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	return nil
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error(name+" server failed", slog.String("error", err.Error()))
		}
	}()
}

// startServices brings up the bus, persistence layers and the classifier in
// dependency order.
func (r *Runtime) startServices(ctx context.Context) error {
	ns, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return err
	}
	r.nats = ns

	busCfg := r.cfg.Bus
	if ns != nil {
		busCfg.Servers = []string{ns.ClientURL()}
	}
	client, err := bus.Connect(ctx, r.cfg.RuntimeName, busCfg, r.logger)
	if err != nil {
		return err
	}
	r.bus = client

	registry, err := capability.NewRegistry(ctx, r.cfg.Node, client, r.logger)
	if err != nil {
		return fmt.Errorf("start capability registry: %w", err)
	}
	r.registry = registry

	events, err := eventstore.Open(ctx, r.cfg.EventStore, r.cfg.Node.ID, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.events = events

	blobs, err := storage.Open(r.cfg.Storage)
	if err != nil {
		return fmt.Errorf("open model storage: %w", err)
	}
	store, err := examples.Open(r.cfg.Examples, r.logger)
	if err != nil {
		return fmt.Errorf("open example store: %w", err)
	}
	r.store = store

	ext, err := features.New(r.cfg.Model)
	if err != nil {
		return err
	}
	src, err := newSource(r.cfg.Audio, client, r.logger)
	if err != nil {
		return err
	}
	base := transfer.NewNative(ext, src, store, transfer.NativeConfig{
		ModelName:  r.cfg.Model.Name,
		SampleRate: r.cfg.Model.SampleRate,
		WindowMS:   r.cfg.Model.WindowMS,
	}, r.logger)

	r.extractor = soundclass.New(base, blobs,
		soundclass.WithLogger(r.logger),
		soundclass.WithTraining(r.cfg.Training),
		soundclass.WithOptions(soundclass.OptionsFromConfig(r.cfg.Listener)),
		soundclass.WithJournal(events),
		soundclass.WithObserver(r.advertise),
		soundclass.WithReadyCallback(r.onModelReady),
	)

	r.control = control.NewService(ctx, r.cfg.Control, r.cfg.Node.ID, client, r.extractor, r.logger)
	if err := r.control.Start(); err != nil {
		return fmt.Errorf("start control service: %w", err)
	}
	return nil
}

// onModelReady runs once the base model finishes loading.
func (r *Runtime) onModelReady(ext *soundclass.Extractor, err error) {
	if err != nil {
		return
	}
	r.ready.Store(true)
	if !r.cfg.Control.AutoLoad || r.cfg.Control.ModelPath == "" {
		return
	}
	go func() {
		if _, err := ext.Load(context.Background(), r.cfg.Control.ModelPath); err != nil {
			r.logger.Warn("auto-load of saved model failed",
				slog.String("path", r.cfg.Control.ModelPath),
				slog.String("error", err.Error()))
		}
	}()
}

func (r *Runtime) advertise(st soundclass.Status) {
	if r.registry == nil {
		return
	}
	attrs := map[string]string{
		"mode":   st.Mode,
		"labels": strings.Join(st.WordLabels, ","),
		"model":  r.cfg.Model.Name,
	}
	if err := r.registry.Advertise(capabilityName, attrs); err != nil {
		r.logger.Warn("failed to advertise classifier", slog.String("error", err.Error()))
	}
}

func (r *Runtime) shutdown() {
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	if r.control != nil {
		r.control.Close()
	}
	if r.extractor != nil {
		if err := r.extractor.Stop(shutdownCtx); err != nil {
			r.logger.Warn("stop listening failed", slog.String("error", err.Error()))
		}
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("example store close failed", slog.String("error", err.Error()))
		}
	}
	if r.events != nil {
		if err := r.events.Close(); err != nil {
			r.logger.Warn("event store close failed", slog.String("error", err.Error()))
		}
	}
	if r.registry != nil {
		r.registry.Close()
	}
	r.bus.Close()
	r.nats.Shutdown()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/v1/status", r.handleStatus)
	mux.HandleFunc("/v1/journal", r.handleJournal)
	if r.metrics != nil {
		mux.Handle("/metrics", r.metrics)
	}
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.bus.Healthy() && (r.control == nil || r.control.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleStatus(w http.ResponseWriter, req *http.Request) {
	if r.extractor == nil {
		http.Error(w, "classifier not started", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, r.extractor.Status(req.Context()))
}

type journalEntry struct {
	ModelID   string          `json:"model_id"`
	Type      string          `json:"type"`
	Label     string          `json:"label,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func (r *Runtime) handleJournal(w http.ResponseWriter, req *http.Request) {
	if r.events == nil {
		http.Error(w, "journal not available", http.StatusServiceUnavailable)
		return
	}
	model := req.URL.Query().Get("model")
	if model == "" {
		model = r.events.CurrentModel()
	}
	events, err := r.events.ListEvents(req.Context(), model, 200)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	entries := make([]journalEntry, 0, len(events))
	for _, e := range events {
		entries = append(entries, journalEntry{
			ModelID:   e.ModelID,
			Type:      e.Type,
			Label:     e.Label,
			Payload:   json.RawMessage(e.Payload),
			CreatedAt: e.CreatedAt,
		})
	}
	writeJSON(w, entries)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
