package router

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/pointdeck/pointdeck/internal/connection"
	"github.com/pointdeck/pointdeck/internal/session"
)

type messageKind int

const (
	messageOpen messageKind = iota
	messageFrame
	messageClose
	messageEviction
)

type message struct {
	kind    messageKind
	connID  string
	sink    connection.Sink
	data    []byte
	evicted *connection.Record
}

// Router is the protocol state machine. It holds no domain state of its own:
// it orchestrates the session and connection registries within the handling
// of a single inbound message, then fans the result out to the session's
// connections. All handling runs on the Run goroutine, which is the
// serialization point for registry mutation.
type Router struct {
	sessions *session.Registry
	conns    *connection.Registry
	clock    clockwork.Clock

	inbound chan message

	// unjoined connections, keyed by connection id; owned by the Run loop
	pending map[string]connection.Sink
}

// NewRouter creates a router over the given registries.
func NewRouter(sessions *session.Registry, conns *connection.Registry, clock clockwork.Clock) *Router {
	return &Router{
		sessions: sessions,
		conns:    conns,
		clock:    clock,
		inbound:  make(chan message, 256),
		pending:  make(map[string]connection.Sink),
	}
}

// Run processes inbound messages until the context is cancelled. Each message
// is handled to completion (registry mutation plus broadcast) before the next
// is taken.
func (r *Router) Run(ctx context.Context) {
	log.Info().Msg("event router started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("event router shutting down")
			return
		case msg := <-r.inbound:
			r.handleMessage(msg)
		}
	}
}

// Attach announces a freshly opened, not yet joined connection.
func (r *Router) Attach(connID string, sink connection.Sink) {
	r.inbound <- message{kind: messageOpen, connID: connID, sink: sink}
}

// Dispatch hands an inbound frame to the router.
func (r *Router) Dispatch(connID string, data []byte) {
	r.inbound <- message{kind: messageFrame, connID: connID, data: data}
}

// Disconnect reports a transport-level close for the connection.
func (r *Router) Disconnect(connID string) {
	r.inbound <- message{kind: messageClose, connID: connID}
}

// NotifyEvicted reports a connection the liveness monitor already removed
// from the connection registry, so observers get the same offline broadcast
// an explicit close produces.
func (r *Router) NotifyEvicted(rec *connection.Record) {
	r.inbound <- message{kind: messageEviction, evicted: rec}
}

func (r *Router) handleMessage(msg message) {
	switch msg.kind {
	case messageOpen:
		r.pending[msg.connID] = msg.sink
	case messageFrame:
		r.handleFrame(msg.connID, msg.data)
	case messageClose:
		r.handleClose(msg.connID)
	case messageEviction:
		r.markOfflineAndBroadcast(msg.evicted.SessionID, msg.evicted.ParticipantID, msg.evicted.DisplayName)
	}
}

func (r *Router) handleFrame(connID string, data []byte) {
	sink := r.sinkFor(connID)
	if sink == nil {
		// Connection already closed; late frame from a dead reader.
		return
	}

	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		r.sendNotice(sink, MessageTypeError, "malformed message")
		return
	}

	switch frame.Type {
	case MessageTypeJoin:
		r.handleJoin(connID, sink, frame.Payload)
	case MessageTypeLeave:
		r.handleClose(connID)
	case MessageTypeHeartbeat:
		r.conns.TouchHeartbeat(connID)
		r.send(sink, Frame{Type: MessageTypeHeartbeatAck, Timestamp: r.clock.Now()})
	case MessageTypeSyncEvent:
		r.handleSyncEvent(connID, sink, frame.Payload)
	default:
		r.sendNotice(sink, MessageTypeError, "unknown message type")
	}
}

func (r *Router) handleJoin(connID string, sink connection.Sink, payload json.RawMessage) {
	if r.conns.Lookup(connID) != nil {
		r.sendNotice(sink, MessageTypeError, "already joined")
		return
	}

	var join JoinPayload
	if err := json.Unmarshal(payload, &join); err != nil {
		r.sendNotice(sink, MessageTypeError, "malformed join payload")
		return
	}
	if join.SessionID == "" || join.ParticipantID == "" || join.DisplayName == "" {
		r.sendNotice(sink, MessageTypeError, "join requires session_id, participant_id and display_name")
		return
	}

	err := r.sessions.AddOrRestoreParticipant(join.SessionID, session.Participant{
		ID:   join.ParticipantID,
		Name: join.DisplayName,
	})
	if err != nil {
		// Distinguished notice so idempotent clients self-evict stale session
		// references instead of retrying forever.
		r.sendNotice(sink, MessageTypeSessionNotFound, "session not found")
		return
	}

	delete(r.pending, connID)
	r.conns.Register(connID, sink, join.SessionID, join.ParticipantID, join.DisplayName)

	snapshot, err := r.sessions.Get(join.SessionID)
	if err != nil {
		log.Error().Err(err).Str("session_id", join.SessionID).Msg("session vanished during join")
		return
	}
	r.sendPayload(sink, MessageTypeJoined, JoinedPayload{Session: snapshot})

	// The joiner already holds the full snapshot; echoing the join event back
	// would be redundant, so the broadcast excludes the originator.
	r.broadcast(join.SessionID, connID, r.newEvent(join.SessionID, EventKindParticipantJoin, PresencePayload{
		ParticipantID: join.ParticipantID,
		DisplayName:   join.DisplayName,
		Online:        true,
	}))

	log.Info().
		Str("connection_id", connID).
		Str("session_id", join.SessionID).
		Str("participant_id", join.ParticipantID).
		Msg("participant joined")
}

func (r *Router) handleSyncEvent(connID string, sink connection.Sink, payload json.RawMessage) {
	rec := r.conns.Lookup(connID)
	if rec == nil {
		r.sendNotice(sink, MessageTypeError, "not joined")
		return
	}

	var wrapper struct {
		Event *Event `json:"event"`
	}
	if err := json.Unmarshal(payload, &wrapper); err != nil || wrapper.Event == nil {
		r.sendNotice(sink, MessageTypeError, "malformed event payload")
		return
	}
	event := wrapper.Event
	event.SessionID = rec.SessionID
	if event.ID == "" {
		event.ID = uuid.New().String()
	}

	decoded, err := ParseEventPayload(event)
	if err != nil {
		r.sendNotice(sink, MessageTypeError, "malformed event payload")
		return
	}

	switch event.Kind {
	case EventKindVoteCast:
		vote := decoded.(VoteCastPayload)
		if err := r.sessions.RecordVote(rec.SessionID, vote.ParticipantID, vote.Vote); err != nil {
			// Typically a race against an expired session or a reveal that
			// landed first; no notice, no broadcast.
			log.Debug().Err(err).Str("session_id", rec.SessionID).Msg("vote rejected")
			return
		}
		r.broadcast(rec.SessionID, "", event)

	case EventKindRoundStart:
		start := decoded.(RoundStartPayload)
		round, err := r.sessions.StartRound(rec.SessionID, start.Issue)
		if err != nil {
			log.Debug().Err(err).Str("session_id", rec.SessionID).Msg("round start rejected")
			return
		}
		event.Data = mustMarshal(RoundPayload{Round: round})
		r.broadcast(rec.SessionID, "", event)

	case EventKindRoundReveal:
		round, err := r.sessions.RevealRound(rec.SessionID)
		if err != nil {
			log.Debug().Err(err).Str("session_id", rec.SessionID).Msg("reveal rejected")
			return
		}
		// Broadcast carries the server-computed average and agreement.
		event.Data = mustMarshal(RoundPayload{Round: round})
		r.broadcast(rec.SessionID, "", event)

	case EventKindSettingsChange:
		change := decoded.(SettingsChangePayload)
		if err := r.sessions.ApplySettings(rec.SessionID, change.Settings, change.Facilitator, change.Name, change.VotingSystem); err != nil {
			log.Debug().Err(err).Str("session_id", rec.SessionID).Msg("settings change rejected")
			return
		}
		r.broadcast(rec.SessionID, "", event)

	case EventKindParticipantLeft:
		// Explicit leave: same roster-offline path as a transport close.
		if err := r.sessions.MarkParticipantOffline(rec.SessionID, rec.ParticipantID); err != nil {
			log.Debug().Err(err).Str("session_id", rec.SessionID).Msg("participant left after session expired")
			return
		}
		event.Data = mustMarshal(PresencePayload{
			ParticipantID: rec.ParticipantID,
			DisplayName:   rec.DisplayName,
			Online:        false,
		})
		r.broadcast(rec.SessionID, "", event)

	case EventKindCosmetic:
		// No registry mutation, pure relay.
		r.sessions.Touch(rec.SessionID)
		r.broadcast(rec.SessionID, "", event)

	default:
		r.sendNotice(sink, MessageTypeError, "unknown event kind")
	}
}

// handleClose tears down a connection: unregister, mark the participant
// offline and tell the rest of the session. Terminal for this connection id;
// a reconnect allocates a new one.
func (r *Router) handleClose(connID string) {
	if sink, ok := r.pending[connID]; ok {
		// Unjoined connection: close the transport too, or it would stay open
		// with no one tracking it.
		delete(r.pending, connID)
		if err := sink.Close(); err != nil {
			log.Debug().Err(err).Str("connection_id", connID).Msg("close failed")
		}
		return
	}

	rec := r.conns.Unregister(connID)
	if rec == nil {
		return
	}
	if err := rec.Sink.Close(); err != nil {
		log.Debug().Err(err).Str("connection_id", connID).Msg("close failed")
	}
	r.markOfflineAndBroadcast(rec.SessionID, rec.ParticipantID, rec.DisplayName)

	log.Info().
		Str("connection_id", connID).
		Str("session_id", rec.SessionID).
		Str("participant_id", rec.ParticipantID).
		Msg("connection closed")
}

func (r *Router) markOfflineAndBroadcast(sessionID, participantID, displayName string) {
	if err := r.sessions.MarkParticipantOffline(sessionID, participantID); err != nil {
		// Session already swept; no one left to notify.
		return
	}
	r.broadcast(sessionID, "", r.newEvent(sessionID, EventKindParticipantLeft, PresencePayload{
		ParticipantID: participantID,
		DisplayName:   displayName,
		Online:        false,
	}))
}

// broadcast sends the event to every joined connection in the session,
// excluding excludeConnID when set. Sends are best-effort per recipient so a
// stalled participant cannot abort delivery to the rest.
func (r *Router) broadcast(sessionID, excludeConnID string, event *Event) {
	frame := Frame{
		Type:      MessageTypeSyncEvent,
		Timestamp: r.clock.Now(),
		Payload: mustMarshal(struct {
			Event *Event `json:"event"`
		}{event}),
	}
	data, err := json.Marshal(frame)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal broadcast frame")
		return
	}

	recipients := r.conns.ListBySession(sessionID)
	for _, rec := range recipients {
		if rec.ID == excludeConnID {
			continue
		}
		if err := rec.Sink.Send(data); err != nil {
			log.Warn().
				Err(err).
				Str("connection_id", rec.ID).
				Msg("broadcast send failed")
		}
	}

	log.Debug().
		Str("event_kind", string(event.Kind)).
		Str("session_id", sessionID).
		Int("recipients", len(recipients)).
		Msg("event broadcast")
}

func (r *Router) sinkFor(connID string) connection.Sink {
	if rec := r.conns.Lookup(connID); rec != nil {
		return rec.Sink
	}
	return r.pending[connID]
}

func (r *Router) newEvent(sessionID string, kind EventKind, payload interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Kind:      kind,
		Timestamp: r.clock.Now(),
		Data:      mustMarshal(payload),
	}
}

func (r *Router) sendNotice(sink connection.Sink, t MessageType, msg string) {
	r.sendPayload(sink, t, NoticePayload{Message: msg})
}

func (r *Router) sendPayload(sink connection.Sink, t MessageType, payload interface{}) {
	r.send(sink, Frame{
		Type:      t,
		Timestamp: r.clock.Now(),
		Payload:   mustMarshal(payload),
	})
}

func (r *Router) send(sink connection.Sink, frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal frame")
		return
	}
	if err := sink.Send(data); err != nil {
		log.Debug().Err(err).Msg("send failed")
	}
}

func mustMarshal(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		// Only reachable with an unmarshalable payload type, which would be a
		// programming error.
		log.Error().Err(err).Msg("payload marshal failed")
		return json.RawMessage("{}")
	}
	return data
}
