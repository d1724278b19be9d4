package liveness

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pointdeck/pointdeck/internal/connection"
	"github.com/pointdeck/pointdeck/internal/session"
)

type nopSink struct{}

func (nopSink) Send(data []byte) error { return nil }
func (nopSink) Close() error           { return nil }

type recordingNotifier struct {
	evicted []*connection.Record
}

func (n *recordingNotifier) NotifyEvicted(rec *connection.Record) {
	n.evicted = append(n.evicted, rec)
}

func TestSweepEvictsStaleConnectionsAndNotifies(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sessions := session.NewRegistry(clock, session.RemovalPolicyOfflineFlag)
	conns := connection.NewRegistry(clock)
	notifier := &recordingNotifier{}
	m := NewMonitor(sessions, conns, notifier, clock, DefaultConfig())

	s := sessions.CreateSession("Sprint 4", "alice", "Alice")
	conns.Register("stale", nopSink{}, s.ID, "alice", "Alice")

	clock.Advance(45 * time.Second)
	conns.Register("fresh", nopSink{}, s.ID, "bob", "Bob")

	m.Sweep()

	require.Len(t, notifier.evicted, 1)
	assert.Equal(t, "stale", notifier.evicted[0].ID)
	assert.Nil(t, conns.Lookup("stale"))
	assert.NotNil(t, conns.Lookup("fresh"))
}

func TestSweepEvictsInactiveSessionsUnconditionally(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sessions := session.NewRegistry(clock, session.RemovalPolicyOfflineFlag)
	conns := connection.NewRegistry(clock)
	m := NewMonitor(sessions, conns, &recordingNotifier{}, clock, DefaultConfig())

	s := sessions.CreateSession("Sprint 4", "alice", "Alice")

	// A participant still being online does not save the session.
	clock.Advance(16 * time.Minute)
	m.Sweep()

	_, err := sessions.Get(s.ID)
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestFreshStateSurvivesSweep(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sessions := session.NewRegistry(clock, session.RemovalPolicyOfflineFlag)
	conns := connection.NewRegistry(clock)
	notifier := &recordingNotifier{}
	m := NewMonitor(sessions, conns, notifier, clock, DefaultConfig())

	s := sessions.CreateSession("Sprint 4", "alice", "Alice")
	conns.Register("c1", nopSink{}, s.ID, "alice", "Alice")

	clock.Advance(10 * time.Second)
	m.Sweep()

	assert.Empty(t, notifier.evicted)
	assert.NotNil(t, conns.Lookup("c1"))
	_, err := sessions.Get(s.ID)
	assert.NoError(t, err)
}

func TestHeartbeatKeepsConnectionAlive(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sessions := session.NewRegistry(clock, session.RemovalPolicyOfflineFlag)
	conns := connection.NewRegistry(clock)
	notifier := &recordingNotifier{}
	m := NewMonitor(sessions, conns, notifier, clock, DefaultConfig())

	s := sessions.CreateSession("Sprint 4", "alice", "Alice")
	conns.Register("c1", nopSink{}, s.ID, "alice", "Alice")

	for i := 0; i < 4; i++ {
		clock.Advance(25 * time.Second)
		require.True(t, conns.TouchHeartbeat("c1"))
		m.Sweep()
	}

	assert.Empty(t, notifier.evicted)
	assert.NotNil(t, conns.Lookup("c1"))
}
