package matching

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/nathanyu/margin-trading/internal/domain"
	"github.com/nathanyu/margin-trading/internal/telemetry"
)

// SnapshotRepository persists the order book snapshot.
// Load returns domain.ErrSnapshotNotFound when nothing was saved yet.
type SnapshotRepository interface {
	Save(ctx context.Context, snap *domain.OrderBookSnapshot) error
	Load(ctx context.Context) (*domain.OrderBookSnapshot, error)
	Name() string
}

// Snapshotter writes the engine's books through a repository on a fixed interval.
// Consistency with in-flight matches is best effort: each snapshot is taken under
// the matching lock but written after it is released.
type Snapshotter struct {
	engine   *Engine
	repo     SnapshotRepository
	interval time.Duration
	logger   *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewSnapshotter creates a snapshotter. Call Start to begin the periodic loop.
func NewSnapshotter(engine *Engine, repo SnapshotRepository, interval time.Duration, logger *slog.Logger) *Snapshotter {
	return &Snapshotter{
		engine:   engine,
		repo:     repo,
		interval: interval,
		logger:   logger.With("component", "snapshotter", "backend", repo.Name()),
		stopCh:   make(chan struct{}),
	}
}

// LoadInto restores the engine from the last saved snapshot. A missing snapshot is not an error.
func (s *Snapshotter) LoadInto(ctx context.Context) error {
	ctx, span := telemetry.Tracer.Start(ctx, "snapshot.load")
	defer span.End()
	start := time.Now()

	snap, err := s.repo.Load(ctx)
	telemetry.SnapshotDuration.WithLabelValues(s.repo.Name(), "load").Observe(time.Since(start).Seconds())
	if errors.Is(err, domain.ErrSnapshotNotFound) {
		s.logger.InfoContext(ctx, "no order book snapshot found, starting empty")
		return nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if err := s.engine.Restore(snap); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	span.SetAttributes(
		attribute.Int("books", len(snap.Books)),
		attribute.Int64("sequence_id", int64(snap.SequenceID)),
	)
	s.logger.InfoContext(ctx, "order book snapshot restored",
		"books", len(snap.Books),
		"sequence_id", snap.SequenceID,
		"taken_at", snap.TakenAt,
	)
	return nil
}

// SaveNow takes and writes one snapshot.
func (s *Snapshotter) SaveNow(ctx context.Context) error {
	ctx, span := telemetry.Tracer.Start(ctx, "snapshot.save")
	defer span.End()
	start := time.Now()

	snap := s.engine.Snapshot()
	span.SetAttributes(
		attribute.Int("books", len(snap.Books)),
		attribute.Int64("sequence_id", int64(snap.SequenceID)),
	)

	err := s.repo.Save(ctx, snap)
	telemetry.SnapshotDuration.WithLabelValues(s.repo.Name(), "save").Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	s.logger.DebugContext(ctx, "order book snapshot saved", "sequence_id", snap.SequenceID)
	return nil
}

// Start runs the periodic save loop until Stop is called.
func (s *Snapshotter) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := s.SaveNow(context.Background()); err != nil {
					s.logger.Error("periodic snapshot failed", "error", err)
				}
			case <-s.stopCh:
				return
			}
		}
	}()
}

// Stop ends the loop and writes a final snapshot.
func (s *Snapshotter) Stop(ctx context.Context) error {
	s.once.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	return s.SaveNow(ctx)
}
