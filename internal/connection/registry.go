package connection

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Sink is the outbound half of a transport link. The registry never touches
// the websocket directly so tests can substitute an in-memory sink.
type Sink interface {
	Send(data []byte) error
	Close() error
}

// Record maps a transport-level connection to its (session, participant)
// identity. Purely a routing aid; never persisted.
type Record struct {
	ID            string
	Sink          Sink
	SessionID     string
	ParticipantID string
	DisplayName   string
	LastHeartbeat time.Time
}

type sessionParticipant struct {
	sessionID     string
	participantID string
}

// Registry owns every active connection record, indexed by connection id and
// by (session, participant) for exclusion broadcasts and duplicate-connection
// detection.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]*Record
	byIdentity  map[sessionParticipant]string // -> connection id

	clock clockwork.Clock
}

// NewRegistry creates an empty connection registry.
func NewRegistry(clock clockwork.Clock) *Registry {
	return &Registry{
		connections: make(map[string]*Record),
		byIdentity:  make(map[sessionParticipant]string),
		clock:       clock,
	}
}

// Register stores the mapping for a freshly joined connection.
func (r *Registry) Register(connectionID string, sink Sink, sessionID, participantID, displayName string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.connections[connectionID] = &Record{
		ID:            connectionID,
		Sink:          sink,
		SessionID:     sessionID,
		ParticipantID: participantID,
		DisplayName:   displayName,
		LastHeartbeat: r.clock.Now(),
	}
	r.byIdentity[sessionParticipant{sessionID, participantID}] = connectionID

	log.Debug().
		Str("connection_id", connectionID).
		Str("session_id", sessionID).
		Str("participant_id", participantID).
		Msg("connection registered")
}

// Unregister removes the record from both indexes and returns it, or nil when
// the connection was never registered. The secondary index entry is removed
// only when it still points at this connection, so a reconnect that raced the
// old connection's close keeps its mapping.
func (r *Registry) Unregister(connectionID string) *Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.connections[connectionID]
	if !ok {
		return nil
	}
	delete(r.connections, connectionID)

	key := sessionParticipant{rec.SessionID, rec.ParticipantID}
	if r.byIdentity[key] == connectionID {
		delete(r.byIdentity, key)
	}

	log.Debug().
		Str("connection_id", connectionID).
		Str("session_id", rec.SessionID).
		Msg("connection unregistered")
	return rec
}

// Lookup returns the record for a connection id, or nil when absent.
func (r *Registry) Lookup(connectionID string) *Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connections[connectionID]
}

// LookupByIdentity returns the connection currently mapped to a
// (session, participant) pair, or nil.
func (r *Registry) LookupByIdentity(sessionID, participantID string) *Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byIdentity[sessionParticipant{sessionID, participantID}]
	if !ok {
		return nil
	}
	return r.connections[id]
}

// ListBySession returns every connection attached to the session.
func (r *Registry) ListBySession(sessionID string) []*Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Record
	for _, rec := range r.connections {
		if rec.SessionID == sessionID {
			out = append(out, rec)
		}
	}
	return out
}

// TouchHeartbeat refreshes the connection's last-heartbeat stamp. Returns
// false when the connection is not registered.
func (r *Registry) TouchHeartbeat(connectionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.connections[connectionID]
	if !ok {
		return false
	}
	rec.LastHeartbeat = r.clock.Now()
	return true
}

// SweepStale unregisters every connection whose last heartbeat is older than
// maxAge, closing its transport best-effort, and returns the evicted records.
func (r *Registry) SweepStale(maxAge time.Duration) []*Record {
	r.mu.Lock()
	cutoff := r.clock.Now().Add(-maxAge)
	var stale []*Record
	for id, rec := range r.connections {
		if rec.LastHeartbeat.Before(cutoff) {
			delete(r.connections, id)
			key := sessionParticipant{rec.SessionID, rec.ParticipantID}
			if r.byIdentity[key] == id {
				delete(r.byIdentity, key)
			}
			stale = append(stale, rec)
		}
	}
	r.mu.Unlock()

	for _, rec := range stale {
		if err := rec.Sink.Close(); err != nil {
			log.Debug().Err(err).Str("connection_id", rec.ID).Msg("close of stale connection failed")
		}
		log.Info().
			Str("connection_id", rec.ID).
			Str("session_id", rec.SessionID).
			Str("participant_id", rec.ParticipantID).
			Msg("stale connection evicted")
	}
	return stale
}

// Stats returns counters for the stats endpoint.
func (r *Registry) Stats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make(map[string]struct{})
	for _, rec := range r.connections {
		sessions[rec.SessionID] = struct{}{}
	}
	return map[string]int{
		"total_connections": len(r.connections),
		"active_sessions":   len(sessions),
	}
}
