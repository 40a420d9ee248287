// Package events carries note lifecycle events over an in-process pub/sub.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"notes-sharing-server/internal/domain"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
)

const (
	TopicNoteUploaded = "note.uploaded"
	TopicNoteApproved = "note.approved"
)

type NoteEvent struct {
	NoteID     string    `json:"note_id"`
	UploaderID string    `json:"uploader_id"`
	Subject    string    `json:"subject"`
	Semester   int       `json:"semester"`
	Branch     string    `json:"branch"`
	ApprovedBy string    `json:"approved_by,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

func NewNoteEvent(note *domain.Note, at time.Time) NoteEvent {
	ev := NoteEvent{
		NoteID:     note.ID,
		UploaderID: note.UploaderID,
		Subject:    note.Subject,
		Semester:   note.Semester,
		Branch:     note.Branch,
		OccurredAt: at.UTC(),
	}
	if note.ApprovedBy != nil {
		ev.ApprovedBy = *note.ApprovedBy
	}
	return ev
}

// Bus publishes and delivers NoteEvents through a watermill GoChannel.
// Publish returns once every subscriber has acked, so events on a topic
// reach handlers in publish order. Handlers must not block.
type Bus struct {
	pubSub *gochannel.GoChannel
	logger *slog.Logger
}

func NewBus(logger *slog.Logger) *Bus {
	pubSub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            64,
		BlockPublishUntilSubscriberAck: true,
	}, watermill.NewSlogLogger(logger))

	return &Bus{
		pubSub: pubSub,
		logger: logger.With(slog.String("component", "events")),
	}
}

func (b *Bus) Publish(ctx context.Context, topic string, ev NoteEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", topic, err)
	}

	msg := message.NewMessage(uuid.New().String(), payload)
	msg.SetContext(ctx)

	if err := b.pubSub.Publish(topic, msg); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", topic, err)
	}
	return nil
}

// Consume delivers every event on topic to handle until ctx is done.
// Messages are acked even when handle fails; failures are only logged.
func (b *Bus) Consume(ctx context.Context, topic string, handle func(context.Context, NoteEvent) error) error {
	messages, err := b.pubSub.Subscribe(ctx, topic)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	go func() {
		for msg := range messages {
			b.process(ctx, topic, msg, handle)
		}
	}()

	return nil
}

func (b *Bus) process(ctx context.Context, topic string, msg *message.Message, handle func(context.Context, NoteEvent) error) {
	defer msg.Ack()

	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				slog.String("topic", topic),
				slog.Any("panic", r),
			)
		}
	}()

	var ev NoteEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		b.logger.Error("failed to decode event",
			slog.String("topic", topic),
			slog.String("message_id", msg.UUID),
			slog.String("error", err.Error()),
		)
		return
	}

	if err := handle(ctx, ev); err != nil {
		b.logger.Warn("event handler failed",
			slog.String("topic", topic),
			slog.String("note_id", ev.NoteID),
			slog.String("error", err.Error()),
		)
	}
}

func (b *Bus) Close() error {
	return b.pubSub.Close()
}
