package ingest

import (
	"context"
	"log/slog"
	"time"

	"parkwatch/internal/config"
	"parkwatch/internal/metrics"
	"parkwatch/internal/model"
	"parkwatch/internal/normalize"
)

func SendNonBlocking(ctx context.Context, out chan<- model.TagEvent, ev model.TagEvent, logger *slog.Logger) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	default:
		if logger != nil {
			logger.Warn("event channel full, dropping event", "vehicle_id", ev.Identity, "source", ev.Source)
		}
		return false
	}
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Sink normalizes parsed reads, applies the optional debounce window and hands
// events to the engine channel. All transports share one Sink.
type Sink struct {
	cfg     *config.Manager
	out     chan<- model.TagEvent
	logger  *slog.Logger
	metrics *metrics.Store
	dedupe  *DedupeCache
	now     func() time.Time
}

func NewSink(cfg *config.Manager, out chan<- model.TagEvent, logger *slog.Logger, m *metrics.Store) *Sink {
	return &Sink{
		cfg:     cfg,
		out:     out,
		logger:  logger,
		metrics: m,
		dedupe:  NewDedupeCache(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Emit returns true when the event was queued for the engine.
func (s *Sink) Emit(ctx context.Context, fields *normalize.TagFields, source string) bool {
	if fields == nil {
		return false
	}
	cfg := s.cfg.Get()
	ev, err := normalize.Normalize(*fields, cfg)
	if err != nil {
		s.metrics.Inc(metrics.EventsDropped)
		if s.logger != nil {
			s.logger.Debug("tag read discarded", "source", source, "err", err)
		}
		return false
	}
	if ev.Source == "" {
		ev.Source = source
	} else {
		ev.Source = source + ":" + ev.Source
	}
	if d := cfg.Ingest.Debounce; d > 0 && s.dedupe.Seen(ev.Identity, s.now(), d) {
		s.metrics.Inc(metrics.EventsDebounced)
		return false
	}
	if !SendNonBlocking(ctx, s.out, ev, s.logger) {
		s.metrics.Inc(metrics.EventsDropped)
		return false
	}
	return true
}

// EmitLine parses and emits one raw line.
func (s *Sink) EmitLine(ctx context.Context, parser *Parser, line, source string) bool {
	fields, err := parser.ParseLine(line)
	if err != nil {
		s.metrics.Inc(metrics.EventsDropped)
		if s.logger != nil {
			s.logger.Warn("unparseable tag read", "source", source, "err", err)
		}
		return false
	}
	return s.Emit(ctx, fields, source)
}
