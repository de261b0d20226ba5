package worker

import (
	"context"
	"time"

	"bilancio/internal/amqp"
	"bilancio/internal/log"
	"bilancio/internal/services"
)

// Publisher sends sync events to the broker.
type Publisher interface {
	PublishSyncEvent(ctx context.Context, msg *amqp.SyncEventMessage) error
}

// EventPublisher forwards coordinator events to the broker. Publishing is
// best effort: a failed publish is logged and the event is dropped.
type EventPublisher struct {
	publisher Publisher
	logger    *log.Logger
}

func NewEventPublisher(publisher Publisher, logger *log.Logger) *EventPublisher {
	if logger == nil {
		logger = log.Discard()
	}
	return &EventPublisher{
		publisher: publisher,
		logger:    logger.WithComponent(log.ComponentWorker),
	}
}

// Run publishes events until ctx ends or events is closed.
func (p *EventPublisher) Run(ctx context.Context, events <-chan services.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := p.publisher.PublishSyncEvent(ctx, EventMessage(ev)); err != nil {
				p.logger.WarnContext(ctx, "Failed to publish sync event",
					"kind", ev.Kind,
					log.FieldError, err)
			}
		}
	}
}

// EventMessage converts a coordinator event to its wire form.
func EventMessage(ev services.Event) *amqp.SyncEventMessage {
	msg := &amqp.SyncEventMessage{
		Kind:      string(ev.Kind),
		State:     ev.State.String(),
		Error:     ev.Error,
		Timestamp: ev.At,
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if op := ev.Operation; op != nil {
		msg.Operation = &amqp.OperationRef{
			Sequence:   op.Sequence,
			Kind:       string(op.Kind),
			Collection: op.Collection.String(),
			EntityID:   op.EntityID,
		}
	}
	if r := ev.Result; r != nil {
		msg.Applied = len(r.Applied)
		msg.Failed = len(r.Failed)
		msg.Conflicts = len(r.Conflicts)
		msg.Remaining = r.Remaining
	}
	return msg
}
