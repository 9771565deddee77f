package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/roundamm/internal/domain"
	"github.com/alanyoungcy/roundamm/internal/round"
)

// ArchiveWorker copies terminal rounds to cold storage in the background.
// Enqueue never blocks the lifecycle; when the queue is full the round is
// dropped and left for a later backfill.
type ArchiveWorker struct {
	archiver   domain.RoundArchiver
	queue      chan string
	maxRetries int
	backoff    time.Duration
	logger     *slog.Logger
}

var _ round.ArchiveQueue = (*ArchiveWorker)(nil)

// NewArchiveWorker creates an ArchiveWorker with a queue of the given size.
func NewArchiveWorker(archiver domain.RoundArchiver, size, maxRetries int, backoff time.Duration, logger *slog.Logger) *ArchiveWorker {
	if size <= 0 {
		size = 256
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if backoff <= 0 {
		backoff = 2 * time.Second
	}
	return &ArchiveWorker{
		archiver:   archiver,
		queue:      make(chan string, size),
		maxRetries: maxRetries,
		backoff:    backoff,
		logger:     logger.With(slog.String("component", "archive_worker")),
	}
}

// Enqueue implements round.ArchiveQueue.
func (w *ArchiveWorker) Enqueue(roundID string) {
	select {
	case w.queue <- roundID:
	default:
		w.logger.Warn("archive queue full, round dropped", slog.String("round", roundID))
	}
}

// Run drains the queue until ctx is cancelled.
func (w *ArchiveWorker) Run(ctx context.Context) error {
	w.logger.Info("archive worker started")
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("archive worker stopped")
			return nil
		case id := <-w.queue:
			w.archive(ctx, id)
		}
	}
}

func (w *ArchiveWorker) archive(ctx context.Context, roundID string) {
	for attempt := 1; ; attempt++ {
		created, err := w.archiver.ArchiveRound(ctx, roundID)
		if err == nil {
			w.logger.Info("round archived", slog.String("round", roundID), slog.Bool("created", created))
			return
		}
		if ctx.Err() != nil {
			return
		}
		if attempt >= w.maxRetries {
			w.logger.Error("archive failed",
				slog.String("round", roundID),
				slog.Int("attempts", attempt),
				slog.String("error", err.Error()),
			)
			return
		}
		w.logger.Warn("archive attempt failed, retrying",
			slog.String("round", roundID),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.backoff * time.Duration(attempt)):
		}
	}
}
