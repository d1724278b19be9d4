package session

import (
	"time"
)

// VotingSystem selects the card deck a session estimates with.
type VotingSystem string

const (
	VotingSystemFibonacci   VotingSystem = "fibonacci"
	VotingSystemModifiedFib VotingSystem = "modified_fibonacci"
	VotingSystemTShirt      VotingSystem = "tshirt"
	VotingSystemPowersOfTwo VotingSystem = "powers_of_two"
)

// DefaultVotingSystem is the deck a new session starts with.
const DefaultVotingSystem = VotingSystemFibonacci

// Permission controls who may perform privileged session actions.
type Permission string

const (
	PermissionEveryone    Permission = "everyone"
	PermissionFacilitator Permission = "facilitator"
)

// Settings holds per-session behavior toggles.
type Settings struct {
	AutoReveal       bool       `json:"auto_reveal"`
	ShowAverage      bool       `json:"show_average"`
	ShowCountdown    bool       `json:"show_countdown"`
	FunFeatures      bool       `json:"fun_features"`
	RevealPermission Permission `json:"reveal_permission"`
	ManagePermission Permission `json:"manage_permission"`
}

// DefaultSettings returns the settings a freshly created session starts with.
func DefaultSettings() Settings {
	return Settings{
		AutoReveal:       false,
		ShowAverage:      true,
		ShowCountdown:    true,
		FunFeatures:      true,
		RevealPermission: PermissionEveryone,
		ManagePermission: PermissionFacilitator,
	}
}

// SettingsPatch is a sparse update to Settings: nil fields are left unchanged.
type SettingsPatch struct {
	AutoReveal       *bool       `json:"auto_reveal,omitempty"`
	ShowAverage      *bool       `json:"show_average,omitempty"`
	ShowCountdown    *bool       `json:"show_countdown,omitempty"`
	FunFeatures      *bool       `json:"fun_features,omitempty"`
	RevealPermission *Permission `json:"reveal_permission,omitempty"`
	ManagePermission *Permission `json:"manage_permission,omitempty"`
}

// Participant is one identified member of a session. It maps to a person,
// not to a connection: the record survives disconnects so a rejoin restores
// prior vote state.
type Participant struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Vote     *string `json:"vote,omitempty"`
	HasVoted bool    `json:"has_voted"`
	Online   bool    `json:"online"`
}

// Round is one estimation cycle: vote collection followed by a single reveal.
// Average and HasAgreement stay nil until the round is revealed, and remain
// nil after reveal when no numeric votes were cast.
type Round struct {
	ID           string            `json:"id"`
	Issue        string            `json:"issue,omitempty"`
	Votes        map[string]string `json:"votes"`
	StartedAt    time.Time         `json:"started_at"`
	EndedAt      *time.Time        `json:"ended_at,omitempty"`
	Revealed     bool              `json:"revealed"`
	Average      *float64          `json:"average,omitempty"`
	HasAgreement *bool             `json:"has_agreement,omitempty"`
}

// Session is one bounded estimation engagement: roster, settings, current
// round and the history of revealed rounds.
type Session struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	FacilitatorID string         `json:"facilitator_id"`
	VotingSystem  VotingSystem   `json:"voting_system"`
	Participants  []*Participant `json:"participants"`
	CurrentRound  *Round         `json:"current_round,omitempty"`
	History       []*Round       `json:"history"`
	Settings      Settings       `json:"settings"`
	LastActivity  time.Time      `json:"last_activity"`
}

// Summary is the listing shape exposed to the presentation layer before a
// socket connection exists.
type Summary struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	OnlineCount  int       `json:"online_participant_count"`
	LastActivity time.Time `json:"last_activity"`
}

// Participant lookup by id; nil when absent.
func (s *Session) Participant(id string) *Participant {
	for _, p := range s.Participants {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// OnlineCount returns the number of roster entries currently online.
func (s *Session) OnlineCount() int {
	n := 0
	for _, p := range s.Participants {
		if p.Online {
			n++
		}
	}
	return n
}

// clone returns a deep copy detached from registry-owned state, so callers
// can read or marshal it without holding the registry lock.
func (s *Session) clone() *Session {
	cp := *s
	cp.Participants = make([]*Participant, len(s.Participants))
	for i, p := range s.Participants {
		pc := *p
		if p.Vote != nil {
			v := *p.Vote
			pc.Vote = &v
		}
		cp.Participants[i] = &pc
	}
	if s.CurrentRound != nil {
		cp.CurrentRound = s.CurrentRound.clone()
	}
	cp.History = make([]*Round, len(s.History))
	for i, r := range s.History {
		cp.History[i] = r.clone()
	}
	return &cp
}

// clone returns a deep copy of the round, detaching its votes map so history
// snapshots stay immutable when the next round begins.
func (r *Round) clone() *Round {
	cp := *r
	cp.Votes = make(map[string]string, len(r.Votes))
	for k, v := range r.Votes {
		cp.Votes[k] = v
	}
	if r.EndedAt != nil {
		t := *r.EndedAt
		cp.EndedAt = &t
	}
	if r.Average != nil {
		a := *r.Average
		cp.Average = &a
	}
	if r.HasAgreement != nil {
		h := *r.HasAgreement
		cp.HasAgreement = &h
	}
	return &cp
}
