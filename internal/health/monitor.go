package health

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/loqalabs/signsync/internal/caption"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Availability maps modality then language to whether a backing model is usable.
type Availability map[caption.Modality]map[string]bool

// ServicesReady is the summary exposed to operators.
type ServicesReady struct {
	Voice    bool `json:"voice_recognition"`
	Sign     bool `json:"sign_recognition"`
	Captions bool `json:"caption_service"`
}

// Status is the full read-only view of the last refresh.
type Status struct {
	ModelsDirectory string        `json:"models_directory"`
	AvailableModels Artifacts     `json:"available_models"`
	Availability    Availability  `json:"availability"`
	ServicesReady   ServicesReady `json:"services_ready"`
	RefreshedAt     time.Time     `json:"refreshed_at"`
}

type snapshot struct {
	availability Availability
	artifacts    Artifacts
	refreshedAt  time.Time
}

// Monitor keeps a ModelAvailability snapshot that is replaced wholesale on
// every refresh. Lookups never block on a refresh and never touch the network.
type Monitor struct {
	sources   map[caption.Modality]Source
	artifacts ArtifactSource
	languages []string
	interval  time.Duration
	logger    *slog.Logger
	clock     func() time.Time

	current atomic.Pointer[snapshot]
}

func NewMonitor(sources map[caption.Modality]Source, artifacts ArtifactSource, languages []string, interval time.Duration, logger *slog.Logger) *Monitor {
	m := &Monitor{
		sources:   sources,
		artifacts: artifacts,
		languages: append([]string(nil), languages...),
		interval:  interval,
		logger:    logger.With(slog.String("component", "model-health")),
		clock:     time.Now,
	}
	if err := m.initMetrics(); err != nil {
		m.logger.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return m
}

// Refresh re-checks every source and swaps in the new snapshot. A failing
// source marks its modality unavailable rather than keeping stale state.
func (m *Monitor) Refresh(ctx context.Context) {
	next := &snapshot{
		availability: Availability{},
		refreshedAt:  m.clock().UTC(),
	}
	for _, modality := range []caption.Modality{caption.Voice, caption.Sign} {
		langs := make(map[string]bool, len(m.languages))
		for _, code := range m.languages {
			langs[code] = false
		}
		if source, ok := m.sources[modality]; ok {
			found, err := source.Available(ctx, modality, m.languages)
			if err != nil {
				m.logger.Warn("model check failed", slog.String("modality", string(modality)), slog.String("error", err.Error()))
			}
			for _, code := range found {
				if _, known := langs[code]; known {
					langs[code] = true
				}
			}
		}
		next.availability[modality] = langs
	}

	artifacts, err := m.artifacts.Scan()
	if err != nil {
		m.logger.Warn("model artifact scan failed", slog.String("error", err.Error()))
	}
	next.artifacts = artifacts

	previous := m.current.Swap(next)
	if previous == nil || !sameAvailability(previous.availability, next.availability) {
		m.logger.Info("model availability updated",
			slog.Bool("voice_ready", anyAvailable(next.availability[caption.Voice])),
			slog.Bool("sign_ready", anyAvailable(next.availability[caption.Sign])))
	}
}

// Run refreshes on the configured interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	if m.interval <= 0 {
		return
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Refresh(ctx)
		}
	}
}

func (m *Monitor) IsAvailable(modality caption.Modality, language string) bool {
	snap := m.current.Load()
	if snap == nil {
		return false
	}
	return snap.availability[modality][language]
}

func (m *Monitor) Status() Status {
	status := Status{
		ModelsDirectory: m.artifacts.Dir,
		Availability:    Availability{},
		ServicesReady:   ServicesReady{Captions: true},
	}
	snap := m.current.Load()
	if snap == nil {
		return status
	}
	for modality, langs := range snap.availability {
		status.Availability[modality] = lo.Assign(langs)
	}
	status.AvailableModels = snap.artifacts
	status.RefreshedAt = snap.refreshedAt
	status.ServicesReady.Voice = anyAvailable(snap.availability[caption.Voice])
	status.ServicesReady.Sign = anyAvailable(snap.availability[caption.Sign])
	return status
}

// Ready reports whether at least one modality can be served.
func (m *Monitor) Ready() bool {
	s := m.Status()
	return s.ServicesReady.Voice || s.ServicesReady.Sign
}

func (m *Monitor) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/signsync/health")
	gauge, err := meter.Int64ObservableGauge("signsync.models.available",
		metric.WithDescription("Model availability per modality and language"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		snap := m.current.Load()
		if snap == nil {
			return nil
		}
		for modality, langs := range snap.availability {
			for code, ok := range langs {
				var v int64
				if ok {
					v = 1
				}
				obs.ObserveInt64(gauge, v, metric.WithAttributes(
					attribute.String("modality", string(modality)),
					attribute.String("language", code),
				))
			}
		}
		return nil
	}, gauge)
	return err
}

func anyAvailable(langs map[string]bool) bool {
	return lo.ContainsBy(lo.Values(langs), func(ok bool) bool { return ok })
}

func sameAvailability(a, b Availability) bool {
	if len(a) != len(b) {
		return false
	}
	for modality, langs := range a {
		other, ok := b[modality]
		if !ok || len(other) != len(langs) {
			return false
		}
		for code, v := range langs {
			if other[code] != v {
				return false
			}
		}
	}
	return true
}
