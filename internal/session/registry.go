package session

import (
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// RemovalPolicy decides what happens to a roster entry when its participant
// leaves or times out. The default keeps the entry and flags it offline so a
// reconnect restores prior vote state; RemovalPolicyRemove drops the entry
// and prunes its in-round vote instead.
type RemovalPolicy string

const (
	RemovalPolicyOfflineFlag RemovalPolicy = "offline_flag"
	RemovalPolicyRemove      RemovalPolicy = "remove"
)

// Registry owns the canonical state of every active session. All methods are
// safe for concurrent use; each mutation is atomic with respect to a single
// session.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	clock  clockwork.Clock
	policy RemovalPolicy
}

// NewRegistry creates an empty session registry.
func NewRegistry(clock clockwork.Clock, policy RemovalPolicy) *Registry {
	if policy == "" {
		policy = RemovalPolicyOfflineFlag
	}
	return &Registry{
		sessions: make(map[string]*Session),
		clock:    clock,
		policy:   policy,
	}
}

// CreateSession allocates a new session with default settings, seeding the
// roster with the facilitator marked online. The return value is the
// registry-owned record; once the id is visible to other goroutines, readers
// must go through Get for a detached copy.
func (r *Registry) CreateSession(name, facilitatorID, facilitatorName string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := &Session{
		ID:            uuid.New().String(),
		Name:          name,
		FacilitatorID: facilitatorID,
		VotingSystem:  DefaultVotingSystem,
		Participants: []*Participant{{
			ID:     facilitatorID,
			Name:   facilitatorName,
			Online: true,
		}},
		History:      []*Round{},
		Settings:     DefaultSettings(),
		LastActivity: r.clock.Now(),
	}
	r.sessions[s.ID] = s

	log.Info().
		Str("session_id", s.ID).
		Str("facilitator_id", facilitatorID).
		Msg("session created")
	return s
}

// Get returns a deep copy of the session, or ErrSessionNotFound. The copy is
// detached from registry state: callers marshal or read it without holding the
// registry lock, and later mutations through the registry do not show through.
func (r *Registry) Get(sessionID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.clone(), nil
}

// List returns a summary of every active session.
func (r *Registry) List() []Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Summary, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, Summary{
			ID:           s.ID,
			Name:         s.Name,
			OnlineCount:  s.OnlineCount(),
			LastActivity: s.LastActivity,
		})
	}
	return out
}

// AddOrRestoreParticipant appends the participant to the roster, or, when an
// entry with the same id already exists, replaces it forcing online=true so a
// rejoin restores the participant without duplicating the roster entry.
func (r *Registry) AddOrRestoreParticipant(sessionID string, p Participant) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}

	p.Online = true
	if existing := s.Participant(p.ID); existing != nil {
		// Rejoin: replace the record but keep the prior vote state when the
		// incoming record carries none, so a reconnect mid-round restores it.
		vote, hasVoted := existing.Vote, existing.HasVoted
		*existing = p
		if existing.Vote == nil {
			existing.Vote = vote
			existing.HasVoted = hasVoted
		}
	} else {
		cp := p
		s.Participants = append(s.Participants, &cp)
	}
	s.LastActivity = r.clock.Now()
	return nil
}

// MarkParticipantOffline applies the configured removal policy to the roster
// entry. Under the default policy the entry is kept and flagged offline; under
// RemovalPolicyRemove it is deleted and its in-round vote pruned.
func (r *Registry) MarkParticipantOffline(sessionID, participantID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	s.LastActivity = r.clock.Now()

	if r.policy == RemovalPolicyRemove {
		for i, p := range s.Participants {
			if p.ID == participantID {
				s.Participants = append(s.Participants[:i], s.Participants[i+1:]...)
				break
			}
		}
		if s.CurrentRound != nil {
			delete(s.CurrentRound.Votes, participantID)
		}
		return nil
	}

	if p := s.Participant(participantID); p != nil {
		p.Online = false
	}
	return nil
}

// RecordVote sets the vote on the active round and the participant record.
// Votes are rejected when no round is active or the round is already revealed.
func (r *Registry) RecordVote(sessionID, participantID, vote string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if s.CurrentRound == nil {
		return ErrNoActiveRound
	}
	if s.CurrentRound.Revealed {
		return ErrRoundRevealed
	}

	p := s.Participant(participantID)
	if p == nil {
		return ErrParticipantNotFound
	}

	s.CurrentRound.Votes[participantID] = vote
	v := vote
	p.Vote = &v
	p.HasVoted = true
	s.LastActivity = r.clock.Now()
	return nil
}

// StartRound replaces the current round with a fresh one and clears every
// participant's vote state. Any unrevealed in-flight round is discarded.
func (r *Registry) StartRound(sessionID, issue string) (*Round, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}

	round := &Round{
		ID:        uuid.New().String(),
		Issue:     issue,
		Votes:     make(map[string]string),
		StartedAt: r.clock.Now(),
	}
	s.CurrentRound = round
	for _, p := range s.Participants {
		p.Vote = nil
		p.HasVoted = false
	}
	s.LastActivity = r.clock.Now()

	log.Debug().
		Str("session_id", sessionID).
		Str("round_id", round.ID).
		Str("issue", issue).
		Msg("round started")
	return round, nil
}

// RevealRound finalizes the current round: marks it revealed, computes the
// average and agreement over its numeric votes, and appends an immutable
// snapshot to session history. Non-numeric votes (abstentions, card-suit
// labels) are excluded from both computations; when no numeric vote exists
// average and agreement are left unset.
func (r *Registry) RevealRound(sessionID string) (*Round, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	round := s.CurrentRound
	if round == nil {
		return nil, ErrNoActiveRound
	}
	if round.Revealed {
		return nil, ErrRoundRevealed
	}

	now := r.clock.Now()
	round.Revealed = true
	round.EndedAt = &now

	var sum float64
	var numeric []float64
	for _, v := range round.Votes {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			continue
		}
		numeric = append(numeric, f)
		sum += f
	}
	if len(numeric) > 0 {
		avg := sum / float64(len(numeric))
		round.Average = &avg

		agree := true
		for _, f := range numeric {
			if f != numeric[0] {
				agree = false
				break
			}
		}
		round.HasAgreement = &agree
	}

	s.History = append(s.History, round.clone())
	s.LastActivity = now

	log.Debug().
		Str("session_id", sessionID).
		Str("round_id", round.ID).
		Int("votes", len(round.Votes)).
		Msg("round revealed")
	return round, nil
}

// ApplySettings merges only the provided fields into the session; omitted
// fields are left unchanged.
func (r *Registry) ApplySettings(sessionID string, patch *SettingsPatch, facilitator, name string, votingSystem VotingSystem) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}

	if patch != nil {
		if patch.AutoReveal != nil {
			s.Settings.AutoReveal = *patch.AutoReveal
		}
		if patch.ShowAverage != nil {
			s.Settings.ShowAverage = *patch.ShowAverage
		}
		if patch.ShowCountdown != nil {
			s.Settings.ShowCountdown = *patch.ShowCountdown
		}
		if patch.FunFeatures != nil {
			s.Settings.FunFeatures = *patch.FunFeatures
		}
		if patch.RevealPermission != nil {
			s.Settings.RevealPermission = *patch.RevealPermission
		}
		if patch.ManagePermission != nil {
			s.Settings.ManagePermission = *patch.ManagePermission
		}
	}
	if facilitator != "" {
		s.FacilitatorID = facilitator
	}
	if name != "" {
		s.Name = name
	}
	if votingSystem != "" {
		s.VotingSystem = votingSystem
	}
	s.LastActivity = r.clock.Now()
	return nil
}

// Touch refreshes a session's last-activity stamp.
func (r *Registry) Touch(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[sessionID]; ok {
		s.LastActivity = r.clock.Now()
	}
}

// SweepInactive deletes every session whose last activity is older than
// maxAge, regardless of participant presence, and returns the count deleted.
func (r *Registry) SweepInactive(maxAge time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.clock.Now().Add(-maxAge)
	count := 0
	for id, s := range r.sessions {
		if s.LastActivity.Before(cutoff) {
			delete(r.sessions, id)
			count++
			log.Info().
				Str("session_id", id).
				Time("last_activity", s.LastActivity).
				Msg("inactive session evicted")
		}
	}
	return count
}

// Stats returns counters for the stats endpoint.
func (r *Registry) Stats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	online := 0
	for _, s := range r.sessions {
		online += s.OnlineCount()
	}
	return map[string]int{
		"active_sessions":     len(r.sessions),
		"online_participants": online,
	}
}
