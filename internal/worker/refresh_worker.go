package worker

import (
	"context"
	"fmt"

	"bilancio/internal/amqp"
	"bilancio/internal/core"
	"bilancio/internal/log"
	"bilancio/internal/services"
)

// Reader refreshes one collection through the sync coordinator.
type Reader interface {
	Read(ctx context.Context, coll core.Collection) (services.ReadResult, error)
}

// RefreshWorker keeps the local cache current when another client changes
// the remote store.
type RefreshWorker struct {
	reader Reader
	logger *log.Logger
}

func NewRefreshWorker(reader Reader, logger *log.Logger) *RefreshWorker {
	if logger == nil {
		logger = log.Discard()
	}
	return &RefreshWorker{
		reader: reader,
		logger: logger.WithComponent(log.ComponentWorker),
	}
}

// HandleCollectionChanged refreshes the collection named in msg. Unknown
// collections are logged and acknowledged. A degraded read is not an error:
// the next reconnect refreshes everything anyway.
func (w *RefreshWorker) HandleCollectionChanged(ctx context.Context, msg *amqp.CollectionChangedMessage) error {
	coll, err := core.ParseCollection(msg.Collection)
	if err != nil {
		w.logger.WarnContext(ctx, "Ignoring change notice for unknown collection",
			log.FieldCollection, msg.Collection)
		return nil
	}

	result, err := w.reader.Read(ctx, coll)
	if err != nil {
		return fmt.Errorf("refresh %s: %w", coll, err)
	}
	if result.Degraded {
		w.logger.InfoContext(ctx, "Remote unavailable, change notice deferred",
			log.FieldCollection, coll)
		return nil
	}

	w.logger.DebugContext(ctx, "Collection refreshed",
		log.FieldCollection, coll,
		"version", result.Snapshot.Version,
		"items", result.Snapshot.Len())
	return nil
}

// RefreshAll refreshes every collection, typically once at startup. It keeps
// going after a failure and returns the first error.
func (w *RefreshWorker) RefreshAll(ctx context.Context) error {
	w.logger.InfoContext(ctx, "Running startup refresh")

	var firstErr error
	degraded := 0
	for _, coll := range core.AllCollections() {
		result, err := w.reader.Read(ctx, coll)
		if err != nil {
			w.logger.ErrorContext(ctx, "Startup refresh failed",
				log.FieldCollection, coll,
				log.FieldError, err)
			if firstErr == nil {
				firstErr = fmt.Errorf("refresh %s: %w", coll, err)
			}
			continue
		}
		if result.Degraded {
			degraded++
		}
	}

	if degraded > 0 {
		w.logger.WarnContext(ctx, "Startup refresh served from local cache", "collections", degraded)
	} else if firstErr == nil {
		w.logger.InfoContext(ctx, "Startup refresh completed")
	}
	return firstErr
}
