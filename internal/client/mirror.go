package client

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/pointdeck/pointdeck/internal/router"
	"github.com/pointdeck/pointdeck/internal/session"
)

// Mirror is the agent's local optimistic copy of the session. Events are
// applied with the same merge rules as the authoritative registry, so the
// local view converges with the server's even when the server echoes back a
// mutation the client already applied locally. Every merge is idempotent:
// applying the same event twice never double-counts.
//
// Outside layers read through Snapshot and Subscribe; only the agent mutates.
type Mirror struct {
	mu      sync.RWMutex
	session *session.Session

	subMu   sync.Mutex
	subs    map[int]func(*session.Session)
	nextSub int
}

// NewMirror creates an empty mirror.
func NewMirror() *Mirror {
	return &Mirror{subs: make(map[int]func(*session.Session))}
}

// Snapshot returns the current session view, or nil when not joined. Callers
// must treat the result as read-only.
func (m *Mirror) Snapshot() *session.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session
}

// Subscribe registers a callback invoked after every state change. The
// returned function unsubscribes.
func (m *Mirror) Subscribe(fn func(*session.Session)) func() {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	return func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		delete(m.subs, id)
	}
}

// SetSnapshot replaces the mirror with the authoritative snapshot from a
// joined acknowledgment.
func (m *Mirror) SetSnapshot(s *session.Session) {
	m.mu.Lock()
	m.session = s
	m.mu.Unlock()
	m.notify()
}

// Clear drops all local session state, e.g. after a session_not_found notice.
func (m *Mirror) Clear() {
	m.mu.Lock()
	m.session = nil
	m.mu.Unlock()
	m.notify()
}

// Apply merges a broadcast domain event into the local view.
func (m *Mirror) Apply(event *router.Event) {
	m.mu.Lock()
	if m.session == nil || m.session.ID != event.SessionID {
		m.mu.Unlock()
		return
	}
	if err := m.apply(event); err != nil {
		log.Debug().Err(err).Str("event_kind", string(event.Kind)).Msg("event not applied to mirror")
	}
	m.mu.Unlock()
	m.notify()
}

func (m *Mirror) apply(event *router.Event) error {
	s := m.session

	switch event.Kind {
	case router.EventKindVoteCast:
		var vote router.VoteCastPayload
		if err := json.Unmarshal(event.Data, &vote); err != nil {
			return err
		}
		if s.CurrentRound == nil || s.CurrentRound.Revealed {
			return nil
		}
		// Map and flag assignment: re-applying the same vote is a no-op.
		s.CurrentRound.Votes[vote.ParticipantID] = vote.Vote
		if p := s.Participant(vote.ParticipantID); p != nil {
			v := vote.Vote
			p.Vote = &v
			p.HasVoted = true
		}

	case router.EventKindRoundStart:
		var payload router.RoundPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return err
		}
		if s.CurrentRound != nil && payload.Round != nil && s.CurrentRound.ID == payload.Round.ID {
			return nil
		}
		s.CurrentRound = payload.Round
		for _, p := range s.Participants {
			p.Vote = nil
			p.HasVoted = false
		}

	case router.EventKindRoundReveal:
		var payload router.RoundPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return err
		}
		if payload.Round == nil {
			return nil
		}
		s.CurrentRound = payload.Round
		// Guard the history append so a re-delivered reveal is a no-op.
		n := len(s.History)
		if n == 0 || s.History[n-1].ID != payload.Round.ID {
			s.History = append(s.History, payload.Round)
		}

	case router.EventKindSettingsChange:
		var change router.SettingsChangePayload
		if err := json.Unmarshal(event.Data, &change); err != nil {
			return err
		}
		if change.Settings != nil {
			applyPatch(&s.Settings, change.Settings)
		}
		if change.Facilitator != "" {
			s.FacilitatorID = change.Facilitator
		}
		if change.Name != "" {
			s.Name = change.Name
		}
		if change.VotingSystem != "" {
			s.VotingSystem = change.VotingSystem
		}

	case router.EventKindParticipantJoin:
		var presence router.PresencePayload
		if err := json.Unmarshal(event.Data, &presence); err != nil {
			return err
		}
		if p := s.Participant(presence.ParticipantID); p != nil {
			p.Name = presence.DisplayName
			p.Online = true
		} else {
			s.Participants = append(s.Participants, &session.Participant{
				ID:     presence.ParticipantID,
				Name:   presence.DisplayName,
				Online: true,
			})
		}

	case router.EventKindParticipantLeft:
		var presence router.PresencePayload
		if err := json.Unmarshal(event.Data, &presence); err != nil {
			return err
		}
		if p := s.Participant(presence.ParticipantID); p != nil {
			p.Online = false
		}

	case router.EventKindCosmetic:
		// Transient signal; nothing to merge.
	}

	return nil
}

func applyPatch(settings *session.Settings, patch *session.SettingsPatch) {
	if patch.AutoReveal != nil {
		settings.AutoReveal = *patch.AutoReveal
	}
	if patch.ShowAverage != nil {
		settings.ShowAverage = *patch.ShowAverage
	}
	if patch.ShowCountdown != nil {
		settings.ShowCountdown = *patch.ShowCountdown
	}
	if patch.FunFeatures != nil {
		settings.FunFeatures = *patch.FunFeatures
	}
	if patch.RevealPermission != nil {
		settings.RevealPermission = *patch.RevealPermission
	}
	if patch.ManagePermission != nil {
		settings.ManagePermission = *patch.ManagePermission
	}
}

func (m *Mirror) notify() {
	snapshot := m.Snapshot()

	m.subMu.Lock()
	subs := make([]func(*session.Session), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.subMu.Unlock()

	for _, fn := range subs {
		fn(snapshot)
	}
}
