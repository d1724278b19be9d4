// Package liveness evicts connections that stopped responding to keep-alive
// probes and sessions with no recent activity.
package liveness

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/pointdeck/pointdeck/internal/connection"
	"github.com/pointdeck/pointdeck/internal/session"
)

// Notifier receives connections the monitor evicted, so the rest of the
// session gets the same offline broadcast an explicit close produces.
type Notifier interface {
	NotifyEvicted(rec *connection.Record)
}

// Config holds the sweep interval and both staleness thresholds.
type Config struct {
	SweepInterval     time.Duration
	ConnectionTimeout time.Duration
	SessionTimeout    time.Duration
}

// DefaultConfig returns the reference sweep configuration.
func DefaultConfig() Config {
	return Config{
		SweepInterval:     30 * time.Second,
		ConnectionTimeout: 30 * time.Second,
		SessionTimeout:    15 * time.Minute,
	}
}

// Monitor runs the periodic sweeps.
type Monitor struct {
	sessions *session.Registry
	conns    *connection.Registry
	notifier Notifier
	clock    clockwork.Clock
	config   Config
}

// NewMonitor creates a monitor over the two registries.
func NewMonitor(sessions *session.Registry, conns *connection.Registry, notifier Notifier, clock clockwork.Clock, config Config) *Monitor {
	return &Monitor{
		sessions: sessions,
		conns:    conns,
		notifier: notifier,
		clock:    clock,
		config:   config,
	}
}

// Run sweeps on a fixed interval until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	log.Info().
		Dur("interval", m.config.SweepInterval).
		Dur("connection_timeout", m.config.ConnectionTimeout).
		Dur("session_timeout", m.config.SessionTimeout).
		Msg("liveness monitor started")

	ticker := m.clock.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("liveness monitor shutting down")
			return
		case <-ticker.Chan():
			m.Sweep()
		}
	}
}

// Sweep runs one eviction pass: stale connections first, then inactive
// sessions. Connection eviction notifies observers; session eviction does
// not, since its timeout policy means no one is left to tell.
func (m *Monitor) Sweep() {
	evicted := m.conns.SweepStale(m.config.ConnectionTimeout)
	for _, rec := range evicted {
		m.notifier.NotifyEvicted(rec)
	}

	sessionsDeleted := m.sessions.SweepInactive(m.config.SessionTimeout)

	if len(evicted) > 0 || sessionsDeleted > 0 {
		log.Info().
			Int("connections_evicted", len(evicted)).
			Int("sessions_evicted", sessionsDeleted).
			Msg("liveness sweep completed")
	}
}
