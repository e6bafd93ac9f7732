package realtime

import (
	"encoding/json"
	"time"

	"clinic-queue/models"
)

const (
	EventJoin      = "session:join"
	EventLeave     = "session:leave"
	EventPing      = "session:ping"
	EventPong      = "session:pong"
	EventEtaUpdate = "session:eta-update"
	EventError     = "session:error"
)

type InboundMessage struct {
	Event     string `json:"event"`
	SessionID string `json:"session_id"`
}

type OutboundMessage struct {
	Event     string              `json:"event"`
	SessionID string              `json:"session_id,omitempty"`
	Snapshot  *models.EtaSnapshot `json:"snapshot,omitempty"`
	Timestamp *time.Time          `json:"timestamp,omitempty"`
	Message   string              `json:"message,omitempty"`
}

func ParseInbound(data []byte) (InboundMessage, bool) {
	var msg InboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return InboundMessage{}, false
	}
	switch msg.Event {
	case EventJoin, EventLeave, EventPing:
	default:
		return InboundMessage{}, false
	}
	if msg.SessionID == "" {
		return InboundMessage{}, false
	}
	return msg, true
}

func EncodeEtaUpdate(snapshot models.EtaSnapshot) ([]byte, error) {
	return json.Marshal(OutboundMessage{Event: EventEtaUpdate, SessionID: snapshot.SessionID, Snapshot: &snapshot})
}

func encodePong(sessionID string, at time.Time) []byte {
	at = at.UTC()
	data, _ := json.Marshal(OutboundMessage{Event: EventPong, SessionID: sessionID, Timestamp: &at})
	return data
}

func encodeError(message string) []byte {
	data, _ := json.Marshal(OutboundMessage{Event: EventError, Message: message})
	return data
}

// envelope is what travels on the fan-out bus. Origin lets a process skip the
// echo of its own publish.
type envelope struct {
	Origin   string             `json:"origin"`
	Snapshot models.EtaSnapshot `json:"snapshot"`
}
