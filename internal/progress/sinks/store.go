package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ASUSFX80/Crawl-DB/internal/progress"
)

// HistoryWriter appends history batches durably.
type HistoryWriter interface {
	AppendHistory(ctx context.Context, events []progress.Event) error
}

// StoreSink persists every event in the history table.
type StoreSink struct {
	repo   HistoryWriter
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided writer.
func NewStoreSink(repo HistoryWriter, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume appends the batch in one call.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil || len(batch) == 0 {
		return nil
	}
	if err := s.repo.AppendHistory(ctx, batch); err != nil {
		return fmt.Errorf("append history batch of %d: %w", len(batch), err)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
