package websocket

import (
	"context"
	"fmt"

	"notes-sharing-server/internal/events"
)

// Broadcaster is the part of Manager the notifier needs.
type Broadcaster interface {
	BroadcastToUser(userID string, message *Message) error
	BroadcastToAdmins(message *Message) error
}

// Subscriber is satisfied by *events.Bus.
type Subscriber interface {
	Consume(ctx context.Context, topic string, handle func(context.Context, events.NoteEvent) error) error
}

// Notifier turns note lifecycle events into websocket messages: new uploads
// go to admins, approvals go to the uploader.
type Notifier struct {
	hub Broadcaster
}

func NewNotifier(hub Broadcaster) *Notifier {
	return &Notifier{hub: hub}
}

func (n *Notifier) Start(ctx context.Context, sub Subscriber) error {
	if err := sub.Consume(ctx, events.TopicNoteUploaded, n.HandleUploaded); err != nil {
		return err
	}
	if err := sub.Consume(ctx, events.TopicNoteApproved, n.HandleApproved); err != nil {
		return err
	}
	return nil
}

func (n *Notifier) HandleUploaded(_ context.Context, ev events.NoteEvent) error {
	msg, err := NewMessage(TypeNotePending, toPayload(ev))
	if err != nil {
		return fmt.Errorf("failed to build note_pending message: %w", err)
	}
	return n.hub.BroadcastToAdmins(msg)
}

func (n *Notifier) HandleApproved(_ context.Context, ev events.NoteEvent) error {
	msg, err := NewMessage(TypeNoteApproved, toPayload(ev))
	if err != nil {
		return fmt.Errorf("failed to build note_approved message: %w", err)
	}
	return n.hub.BroadcastToUser(ev.UploaderID, msg)
}

func toPayload(ev events.NoteEvent) NotePayload {
	return NotePayload{
		NoteID:     ev.NoteID,
		UploaderID: ev.UploaderID,
		Subject:    ev.Subject,
		Semester:   ev.Semester,
		Branch:     ev.Branch,
		ApprovedBy: ev.ApprovedBy,
		OccurredAt: ev.OccurredAt,
	}
}
