package client

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pointdeck/pointdeck/internal/router"
	"github.com/pointdeck/pointdeck/internal/session"
)

func testSnapshot() *session.Session {
	return &session.Session{
		ID:            "s1",
		Name:          "Sprint 4",
		FacilitatorID: "alice",
		VotingSystem:  session.DefaultVotingSystem,
		Participants: []*session.Participant{
			{ID: "alice", Name: "Alice", Online: true},
			{ID: "bob", Name: "Bob", Online: true},
		},
		CurrentRound: &session.Round{ID: "r1", Votes: map[string]string{}},
		History:      []*session.Round{},
		Settings:     session.DefaultSettings(),
	}
}

func event(kind router.EventKind, payload interface{}) *router.Event {
	data, _ := json.Marshal(payload)
	return &router.Event{ID: "e1", SessionID: "s1", Kind: kind, Data: data}
}

func TestMirrorVoteApplyIsIdempotent(t *testing.T) {
	m := NewMirror()
	m.SetSnapshot(testSnapshot())

	ev := event(router.EventKindVoteCast, router.VoteCastPayload{ParticipantID: "bob", Vote: "5"})
	m.Apply(ev)
	m.Apply(ev) // echoed broadcast of our own mutation

	s := m.Snapshot()
	assert.Len(t, s.CurrentRound.Votes, 1)
	assert.Equal(t, "5", s.CurrentRound.Votes["bob"])
	assert.True(t, s.Participant("bob").HasVoted)
}

func TestMirrorRoundStartClearsVotes(t *testing.T) {
	m := NewMirror()
	snapshot := testSnapshot()
	snapshot.CurrentRound.Votes["alice"] = "3"
	snapshot.Participants[0].HasVoted = true
	m.SetSnapshot(snapshot)

	fresh := &session.Round{ID: "r2", Issue: "Login bug", Votes: map[string]string{}}
	ev := event(router.EventKindRoundStart, router.RoundPayload{Round: fresh})
	m.Apply(ev)
	m.Apply(ev)

	s := m.Snapshot()
	assert.Equal(t, "r2", s.CurrentRound.ID)
	assert.Empty(t, s.CurrentRound.Votes)
	for _, p := range s.Participants {
		assert.False(t, p.HasVoted)
	}
}

func TestMirrorRevealAppendsHistoryOnce(t *testing.T) {
	m := NewMirror()
	m.SetSnapshot(testSnapshot())

	avg := 4.0
	agree := false
	revealed := &session.Round{
		ID:           "r1",
		Votes:        map[string]string{"alice": "3", "bob": "5"},
		Revealed:     true,
		Average:      &avg,
		HasAgreement: &agree,
	}
	ev := event(router.EventKindRoundReveal, router.RoundPayload{Round: revealed})
	m.Apply(ev)
	m.Apply(ev) // re-delivery must not double-append

	s := m.Snapshot()
	require.Len(t, s.History, 1)
	require.NotNil(t, s.CurrentRound.Average)
	assert.InDelta(t, 4.0, *s.CurrentRound.Average, 1e-9)
}

func TestMirrorSettingsPatchIsSparse(t *testing.T) {
	m := NewMirror()
	m.SetSnapshot(testSnapshot())

	autoReveal := true
	m.Apply(event(router.EventKindSettingsChange, router.SettingsChangePayload{
		Settings: &session.SettingsPatch{AutoReveal: &autoReveal},
		Name:     "Sprint 5",
	}))

	s := m.Snapshot()
	assert.True(t, s.Settings.AutoReveal)
	assert.True(t, s.Settings.ShowAverage)
	assert.Equal(t, "Sprint 5", s.Name)
	assert.Equal(t, "alice", s.FacilitatorID)
}

func TestMirrorPresenceEvents(t *testing.T) {
	m := NewMirror()
	m.SetSnapshot(testSnapshot())

	m.Apply(event(router.EventKindParticipantLeft, router.PresencePayload{ParticipantID: "bob"}))
	assert.False(t, m.Snapshot().Participant("bob").Online)

	m.Apply(event(router.EventKindParticipantJoin, router.PresencePayload{ParticipantID: "bob", DisplayName: "Bobby", Online: true}))
	p := m.Snapshot().Participant("bob")
	assert.True(t, p.Online)
	assert.Equal(t, "Bobby", p.Name)
	assert.Len(t, m.Snapshot().Participants, 2)

	m.Apply(event(router.EventKindParticipantJoin, router.PresencePayload{ParticipantID: "carol", DisplayName: "Carol", Online: true}))
	assert.Len(t, m.Snapshot().Participants, 3)
}

func TestMirrorIgnoresOtherSessions(t *testing.T) {
	m := NewMirror()
	m.SetSnapshot(testSnapshot())

	ev := event(router.EventKindVoteCast, router.VoteCastPayload{ParticipantID: "bob", Vote: "5"})
	ev.SessionID = "other"
	m.Apply(ev)

	assert.Empty(t, m.Snapshot().CurrentRound.Votes)
}

func TestMirrorSubscribeNotify(t *testing.T) {
	m := NewMirror()

	var seen []*session.Session
	unsubscribe := m.Subscribe(func(s *session.Session) {
		seen = append(seen, s)
	})

	m.SetSnapshot(testSnapshot())
	require.Len(t, seen, 1)

	unsubscribe()
	m.Clear()
	assert.Len(t, seen, 1)
	assert.Nil(t, m.Snapshot())
}
