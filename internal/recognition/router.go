package recognition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/signsync/internal/caption"
	"github.com/loqalabs/signsync/internal/config"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrUnsupportedInput  = errors.New("unsupported input")
	ErrModelUnavailable  = errors.New("model unavailable")
	ErrRecognitionFailed = errors.New("recognition failed")
)

// Availability reports whether a modality/language pair can be served right now.
type Availability interface {
	IsAvailable(modality caption.Modality, language string) bool
}

// Request is one capture to recognize on behalf of a sender.
type Request struct {
	Modality caption.Modality
	Payload  []byte
	Language string
	Sender   caption.Sender
}

// Router validates a capture, dispatches it to the matching capability under
// a deadline and assembles the caption.
type Router struct {
	engines   map[caption.Modality]Capability
	health    Availability
	assembler *caption.Assembler
	languages []string
	fallback  string
	deadline  time.Duration
	logger    *slog.Logger

	tracer   trace.Tracer
	latency  metric.Float64Histogram
	failures metric.Int64Counter
}

func NewRouter(cfg config.RecognitionConfig, engines map[caption.Modality]Capability, health Availability, assembler *caption.Assembler, logger *slog.Logger) *Router {
	meter := otel.Meter("github.com/loqalabs/signsync/recognition")
	latency, err := meter.Float64Histogram("signsync.recognition.duration",
		metric.WithDescription("Recognition latency"), metric.WithUnit("ms"))
	if err != nil {
		logger.Warn("failed to create recognition histogram", slogError(err))
	}
	failures, err := meter.Int64Counter("signsync.recognition.failures",
		metric.WithDescription("Recognition requests that produced no caption"))
	if err != nil {
		logger.Warn("failed to create recognition counter", slogError(err))
	}
	if assembler == nil {
		assembler = caption.NewAssembler()
	}
	return &Router{
		engines:   engines,
		health:    health,
		assembler: assembler,
		languages: cfg.LanguageCodes(),
		fallback:  cfg.DefaultLanguage,
		deadline:  time.Duration(cfg.Deadline) * time.Millisecond,
		logger:    logger.With(slog.String("component", "recognition")),
		tracer:    otel.Tracer("github.com/loqalabs/signsync/recognition"),
		latency:   latency,
		failures:  failures,
	}
}

// DefaultLanguage is used when a capture names no language.
func (r *Router) DefaultLanguage() string {
	return r.fallback
}

// Route recognizes a capture. Errors wrap ErrUnsupportedInput,
// ErrModelUnavailable or ErrRecognitionFailed.
func (r *Router) Route(ctx context.Context, req Request) (caption.Caption, error) {
	if req.Language == "" {
		req.Language = r.fallback
	}
	ctx, span := r.tracer.Start(ctx, "recognition.route", trace.WithAttributes(
		attribute.String("modality", string(req.Modality)),
		attribute.String("language", req.Language),
	))
	defer span.End()

	start := time.Now()
	c, err := r.route(ctx, req)
	modality := attribute.String("modality", string(req.Modality))
	language := attribute.String("language", req.Language)
	if r.latency != nil {
		r.latency.Record(ctx, float64(time.Since(start).Microseconds())/1000, metric.WithAttributes(modality, language))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if r.failures != nil {
			r.failures.Add(ctx, 1, metric.WithAttributes(modality, language, attribute.String("kind", Kind(err))))
		}
		return caption.Caption{}, err
	}
	return c, nil
}

func (r *Router) route(ctx context.Context, req Request) (caption.Caption, error) {
	engine, ok := r.engines[req.Modality]
	if !ok || !req.Modality.Valid() {
		return caption.Caption{}, fmt.Errorf("%w: modality %q", ErrUnsupportedInput, req.Modality)
	}
	if !lo.Contains(r.languages, req.Language) {
		return caption.Caption{}, fmt.Errorf("%w: language %q", ErrUnsupportedInput, req.Language)
	}
	if len(req.Payload) == 0 {
		return caption.Caption{}, fmt.Errorf("%w: empty payload", ErrUnsupportedInput)
	}
	if r.health != nil && !r.health.IsAvailable(req.Modality, req.Language) {
		return caption.Caption{}, fmt.Errorf("%w: %s recognition for %q", ErrModelUnavailable, req.Modality, req.Language)
	}

	out, err := r.dispatch(ctx, engine, Payload{Data: req.Payload, Language: req.Language, UserID: req.Sender.ID})
	if err != nil {
		r.logger.Warn("recognition failed",
			slog.String("modality", string(req.Modality)),
			slog.String("language", req.Language),
			slogError(err))
		return caption.Caption{}, fmt.Errorf("%w: %v", ErrRecognitionFailed, err)
	}
	if !out.Success || out.Text == "" {
		return caption.Caption{}, fmt.Errorf("%w: %s", ErrRecognitionFailed, noResultDetail(req.Modality))
	}

	return r.assembler.Assemble(
		caption.Result{Text: out.Text, Confidence: out.Confidence},
		caption.Request{Modality: req.Modality, Language: req.Language},
		req.Sender,
	), nil
}

// dispatch runs the capability and abandons it once the deadline passes,
// whether or not the capability honours ctx.
func (r *Router) dispatch(ctx context.Context, engine Capability, payload Payload) (Outcome, error) {
	if r.deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.deadline)
		defer cancel()
	}

	type reply struct {
		out Outcome
		err error
	}
	done := make(chan reply, 1)
	go func() {
		out, err := engine.Recognize(ctx, payload)
		done <- reply{out: out, err: err}
	}()

	select {
	case res := <-done:
		return res.out, res.err
	case <-ctx.Done():
		return Outcome{}, fmt.Errorf("deadline exceeded: %w", ctx.Err())
	}
}

func noResultDetail(modality caption.Modality) string {
	if modality == caption.Sign {
		return "no sign detected"
	}
	return "no speech detected"
}

// Kind names the failure class of a Route error.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnsupportedInput):
		return "unsupported_input"
	case errors.Is(err, ErrModelUnavailable):
		return "model_unavailable"
	case errors.Is(err, ErrRecognitionFailed):
		return "recognition_failed"
	default:
		return "internal"
	}
}

// Detail renders a Route error as the client-facing error detail.
func Detail(err error) string {
	switch Kind(err) {
	case "unsupported_input", "model_unavailable", "recognition_failed":
		return err.Error()
	default:
		return "internal error"
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
