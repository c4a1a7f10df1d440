package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/loqalabs/signsync/internal/bus"
	"github.com/loqalabs/signsync/internal/capability"
	"github.com/loqalabs/signsync/internal/caption"
	"github.com/loqalabs/signsync/internal/config"
	"github.com/loqalabs/signsync/internal/eventstore"
	"github.com/loqalabs/signsync/internal/gateway"
	"github.com/loqalabs/signsync/internal/health"
	"github.com/loqalabs/signsync/internal/natsserver"
	"github.com/loqalabs/signsync/internal/recognition"
	"github.com/loqalabs/signsync/internal/room"
	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"
)

const (
	roleWorker     = "worker"
	pruneInterval  = time.Hour
	shutdownBudget = 10 * time.Second
)

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger
	ready  atomic.Bool
	addr   atomic.Value

	embedded *natsserver.EmbeddedServer
	bus      *bus.Client
	registry *capability.Registry
	subs     []*nats.Subscription
	store    *eventstore.Store
	recorder *eventstore.Recorder
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Addr is the bound HTTP address once the runtime is serving.
func (r *Runtime) Addr() string {
	if v, ok := r.addr.Load().(string); ok {
		return v
	}
	return ""
}

func (r *Runtime) Ready() bool {
	return r.ready.Load()
}

// Start wires every component and serves until ctx is cancelled or a server
// fails. Shutdown drains sessions and flushes the journal before returning.
func (r *Runtime) Start(ctx context.Context) error {
	tel, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	metricsHandler := tel.metrics
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownBudget)
		defer cancel()
		if err := tel.Shutdown(flushCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}()
	defer r.closeComponents()

	if err := r.startBus(ctx); err != nil {
		return err
	}

	var conn *nats.Conn
	if r.bus != nil {
		conn = r.bus.Conn()
	}
	engines, err := recognition.NewEngines(r.cfg.Recognition, conn)
	if err != nil {
		return fmt.Errorf("build recognition engines: %w", err)
	}
	if err := r.exportEngines(engines); err != nil {
		return err
	}

	monitor, err := r.newMonitor()
	if err != nil {
		return err
	}
	monitor.Refresh(ctx)

	r.store, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "eventstore")))
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.recorder = eventstore.NewRecorder(r.store, r.cfg.EventStore.BufferSize, r.logger)

	observers := []room.Observer{r.recorder}
	if r.bus != nil {
		observers = append(observers, gateway.NewCaptionMirror(r.bus, r.logger))
	}

	router := recognition.NewRouter(r.cfg.Recognition, engines, monitor, caption.NewAssembler(), r.logger)

	sessionsCtx, closeSessions := context.WithCancel(context.Background())
	defer closeSessions()
	gw := gateway.New(sessionsCtx, gateway.Deps{
		Config:      r.cfg,
		Rooms:       room.NewRegistry(r.cfg.Rooms.HistoryCapacity, r.logger),
		Broadcaster: room.NewBroadcaster(r.logger, observers...),
		Router:      router,
		Health:      monitor,
		Journal:     r.recorder,
		Logger:      r.logger,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	gw.Register(mux)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	r.addr.Store(listener.Addr().String())
	httpServer := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	var metricsServer *http.Server
	if metricsHandler != nil && r.cfg.Telemetry.PrometheusBind != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if metricsServer != nil {
		g.Go(func() error {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		monitor.Run(gctx)
		return nil
	})
	g.Go(func() error {
		r.pruneLoop(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		r.ready.Store(false)
		r.logger.Info("runtime stopping")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownBudget)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
		if metricsServer != nil {
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
			}
		}
		// hijacked websocket connections are not covered by Shutdown
		closeSessions()
		gw.Wait()
		return nil
	})

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", r.Addr()),
		slog.String("voice_engine", r.cfg.Recognition.Voice.Mode),
		slog.String("sign_engine", r.cfg.Recognition.Sign.Mode),
		slog.Bool("bus", r.bus != nil))

	return g.Wait()
}

func (r *Runtime) startBus(ctx context.Context) error {
	if !r.cfg.Bus.Enabled {
		r.logger.Info("message bus disabled")
		return nil
	}
	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("start embedded nats: %w", err)
	}
	r.embedded = embedded
	if url := embedded.ClientURL(); url != "" {
		busCfg.Servers = []string{url}
	}

	r.bus, err = bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("connect to bus: %w", err)
	}
	r.registry, err = capability.NewRegistry(ctx, r.nodeConfig(), r.bus, r.logger)
	if err != nil {
		return fmt.Errorf("start capability registry: %w", err)
	}
	return nil
}

// exportedEngines lists the modalities a worker node serves to other gateways:
// every engine that does not itself forward to the bus.
func (r *Runtime) exportedEngines() map[caption.Modality]config.EngineConfig {
	if r.cfg.Node.Role != roleWorker {
		return nil
	}
	exported := make(map[caption.Modality]config.EngineConfig, 2)
	for modality, engineCfg := range map[caption.Modality]config.EngineConfig{
		caption.Voice: r.cfg.Recognition.Voice,
		caption.Sign:  r.cfg.Recognition.Sign,
	} {
		if engineCfg.Mode != config.ModeBus {
			exported[modality] = engineCfg
		}
	}
	return exported
}

// nodeConfig is the announced node: the configured capabilities plus one
// recognition capability per exported engine.
func (r *Runtime) nodeConfig() config.NodeConfig {
	node := r.cfg.Node
	node.Capabilities = append([]config.NodeCapability(nil), r.cfg.Node.Capabilities...)
	languages := strings.Join(r.cfg.Recognition.LanguageCodes(), ",")
	exported := r.exportedEngines()
	for _, modality := range []caption.Modality{caption.Voice, caption.Sign} {
		if _, ok := exported[modality]; !ok {
			continue
		}
		name := capability.RecognizeVoice
		if modality == caption.Sign {
			name = capability.RecognizeSign
		}
		node.Capabilities = append(node.Capabilities, config.NodeCapability{
			Name:       name,
			Attributes: map[string]string{capability.AttributeLanguages: languages},
		})
	}
	return node
}

// exportEngines lets a worker node answer recognition requests from other
// gateways with its local engines.
func (r *Runtime) exportEngines(engines map[caption.Modality]recognition.Capability) error {
	if r.bus == nil {
		return nil
	}
	deadline := time.Duration(r.cfg.Recognition.Deadline) * time.Millisecond
	for modality, engineCfg := range r.exportedEngines() {
		for _, language := range r.cfg.Recognition.LanguageCodes() {
			sub, err := recognition.Serve(r.bus.Conn(), modality, language, engines[modality], deadline, r.logger)
			if err != nil {
				return fmt.Errorf("export %s engine for %s: %w", modality, language, err)
			}
			r.subs = append(r.subs, sub)
		}
		r.logger.Info("exporting recognition engine", slog.String("modality", string(modality)), slog.String("mode", engineCfg.Mode))
	}
	return nil
}

func (r *Runtime) newMonitor() (*health.Monitor, error) {
	artifacts := health.ArtifactSource{Dir: r.cfg.Models.Directory}
	sources := make(map[caption.Modality]health.Source, 2)
	for modality, engineCfg := range map[caption.Modality]config.EngineConfig{
		caption.Voice: r.cfg.Recognition.Voice,
		caption.Sign:  r.cfg.Recognition.Sign,
	} {
		switch engineCfg.Mode {
		case config.ModeExec:
			sources[modality] = artifacts
		case config.ModeBus:
			if r.registry == nil {
				return nil, fmt.Errorf("%s engine in bus mode requires the message bus", modality)
			}
			sources[modality] = health.RegistrySource{Registry: r.registry}
		default:
			sources[modality] = health.StaticSource{}
		}
	}
	interval := time.Duration(r.cfg.Models.RefreshInterval) * time.Millisecond
	return health.NewMonitor(sources, artifacts, r.cfg.Recognition.LanguageCodes(), interval, r.logger), nil
}

func (r *Runtime) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Prune(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Runtime) closeComponents() {
	if r.recorder != nil {
		r.recorder.Close()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}
	for _, sub := range r.subs {
		_ = sub.Unsubscribe()
	}
	if r.registry != nil {
		r.registry.Close()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.embedded.Shutdown()
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && (r.bus == nil || r.bus.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
