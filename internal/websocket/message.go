package websocket

import (
	"encoding/json"
	"time"
)

type MessageType string

const (
	TypeNotePending  MessageType = "note_pending"
	TypeNoteApproved MessageType = "note_approved"
	TypeError        MessageType = "error"
	TypePing         MessageType = "ping"
	TypePong         MessageType = "pong"
)

type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NotePayload is sent with note_pending and note_approved messages.
type NotePayload struct {
	NoteID     string    `json:"note_id"`
	UploaderID string    `json:"uploader_id"`
	Subject    string    `json:"subject"`
	Semester   int       `json:"semester"`
	Branch     string    `json:"branch"`
	ApprovedBy string    `json:"approved_by,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

type ErrorPayload struct {
	Error string `json:"error"`
}

func NewMessage(msgType MessageType, payload interface{}) (*Message, error) {
	var payloadBytes json.RawMessage
	if payload != nil {
		bytes, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		payloadBytes = bytes
	}

	return &Message{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Payload:   payloadBytes,
	}, nil
}

func (m *Message) UnmarshalPayload(v interface{}) error {
	if m.Payload == nil {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}
