package router

import (
	"encoding/json"
	"time"

	"github.com/pointdeck/pointdeck/internal/session"
)

// MessageType identifies a protocol frame.
type MessageType string

// Inbound frame types (participant -> router).
const (
	MessageTypeJoin      MessageType = "join"
	MessageTypeLeave     MessageType = "leave"
	MessageTypeSyncEvent MessageType = "sync_event"
	MessageTypeHeartbeat MessageType = "heartbeat"
)

// Outbound frame types (router -> participant).
const (
	MessageTypeJoined          MessageType = "joined"
	MessageTypeSessionNotFound MessageType = "session_not_found"
	MessageTypeError           MessageType = "error"
	MessageTypeHeartbeatAck    MessageType = "heartbeat_ack"
)

// Frame is the wire envelope for every protocol message in both directions.
type Frame struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// JoinPayload attaches a connection to a session.
type JoinPayload struct {
	SessionID     string `json:"session_id"`
	ParticipantID string `json:"participant_id"`
	DisplayName   string `json:"display_name"`
}

// JoinedPayload is the direct acknowledgment to a successful join, carrying
// the full session snapshot.
type JoinedPayload struct {
	Session *session.Session `json:"session"`
}

// NoticePayload carries the human-readable message on error and
// session_not_found frames.
type NoticePayload struct {
	Message string `json:"message"`
}

// EventKind identifies a domain event inside a sync_event frame.
type EventKind string

const (
	EventKindVoteCast        EventKind = "vote_cast"
	EventKindRoundStart      EventKind = "round_start"
	EventKindRoundReveal     EventKind = "round_reveal"
	EventKindSettingsChange  EventKind = "settings_change"
	EventKindParticipantJoin EventKind = "participant_joined"
	EventKindParticipantLeft EventKind = "participant_left"
	EventKindCosmetic        EventKind = "cosmetic"
)

// Event is the envelope for a domain event. Data holds the kind-specific
// payload; broadcast events carry server-computed fields there (the revealed
// round's average, the fresh round on start).
type Event struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Kind      EventKind       `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// VoteCastPayload is the inbound vote_cast data.
type VoteCastPayload struct {
	ParticipantID string `json:"participant_id"`
	Vote          string `json:"vote"`
}

// RoundStartPayload is the inbound round_start data.
type RoundStartPayload struct {
	Issue string `json:"issue,omitempty"`
}

// RoundPayload is the broadcast data for round_start and round_reveal,
// carrying the authoritative round including any computed statistics.
type RoundPayload struct {
	Round *session.Round `json:"round"`
}

// SettingsChangePayload is the data for settings_change in both directions.
type SettingsChangePayload struct {
	Settings     *session.SettingsPatch `json:"settings,omitempty"`
	Facilitator  string                 `json:"facilitator,omitempty"`
	Name         string                 `json:"name,omitempty"`
	VotingSystem session.VotingSystem   `json:"voting_system,omitempty"`
}

// PresencePayload is the broadcast data for participant_joined and
// participant_left.
type PresencePayload struct {
	ParticipantID string `json:"participant_id"`
	DisplayName   string `json:"display_name,omitempty"`
	Online        bool   `json:"online"`
}

// ParseEventPayload decodes an event's data into the payload struct for its
// kind. Cosmetic events are opaque and return the raw data unchanged; unknown
// kinds return nil.
func ParseEventPayload(event *Event) (interface{}, error) {
	switch event.Kind {
	case EventKindVoteCast:
		var payload VoteCastPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventKindRoundStart:
		var payload RoundStartPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventKindRoundReveal:
		var payload RoundPayload
		if len(event.Data) == 0 {
			return payload, nil
		}
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventKindSettingsChange:
		var payload SettingsChangePayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventKindParticipantJoin, EventKindParticipantLeft:
		var payload PresencePayload
		if len(event.Data) == 0 {
			return payload, nil
		}
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventKindCosmetic:
		return event.Data, nil

	default:
		return nil, nil
	}
}
