package bus

import "time"

type EventType string

const (
	EventReceived        EventType = "event_received"
	EventDialogOpened    EventType = "dialog_opened"
	EventDialogClosed    EventType = "dialog_closed"
	EventUtteranceRated  EventType = "utterance_rated"
	EventDialogRated     EventType = "dialog_rated"
	EventIngestionFailed EventType = "ingestion_failed"
	EventAgentFailed     EventType = "agent_failed"
	EventReplyFailed     EventType = "reply_failed"
)

// Event is a lifecycle notification emitted while inbound events are handled.
type Event struct {
	Type     EventType         `json:"type"`
	At       time.Time         `json:"at"`
	Channel  string            `json:"channel,omitempty"`
	UserID   string            `json:"user_id,omitempty"`
	DialogID string            `json:"dialog_id,omitempty"`
	Payload  map[string]string `json:"payload,omitempty"`
	Error    string            `json:"error,omitempty"`
}
