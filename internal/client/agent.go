// Package client implements the participant-side reconciliation agent: a
// local optimistic session mirror, reconnect handling with bounded backoff,
// and offline vote persistence.
package client

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/pointdeck/pointdeck/internal/router"
)

// State is the agent's connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	// StateError is terminal: reconnect attempts are exhausted and the
	// user-facing layer must surface a persistent error.
	StateError State = "error"
)

// Conn is the agent's view of one transport link.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens a transport link to the coordinator.
type Dialer func(ctx context.Context, url string) (Conn, error)

// WebSocketDialer dials over a websocket.
func WebSocketDialer() Dialer {
	return func(ctx context.Context, url string) (Conn, error) {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			return nil, err
		}
		return &wsClientConn{conn: conn}, nil
	}
}

type wsClientConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsClientConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsClientConn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsClientConn) Close() error {
	return c.conn.Close()
}

// Config holds the agent's identity and timing parameters.
type Config struct {
	URL           string
	SessionID     string
	ParticipantID string
	DisplayName   string

	// HeartbeatInterval is intentionally shorter than the server's staleness
	// threshold to avoid false eviction under minor jitter.
	HeartbeatInterval time.Duration
	BackoffFloor      time.Duration
	BackoffCeiling    time.Duration
	MaxAttempts       int
}

// DefaultConfig returns the reference timing parameters.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 25 * time.Second,
		BackoffFloor:      5 * time.Second,
		BackoffCeiling:    30 * time.Second,
		MaxAttempts:       5,
	}
}

// Agent maintains one outbound connection to the coordinator and reconciles
// the local mirror with the authoritative session state.
type Agent struct {
	config Config
	dial   Dialer
	clock  clockwork.Clock
	mirror *Mirror
	votes  *VoteStore

	mu          sync.Mutex
	state       State
	conn        Conn
	connDone    chan struct{}
	attempts    int
	retryTimer  clockwork.Timer
	intentional bool
}

// NewAgent creates an agent. Connect starts it.
func NewAgent(config Config, dial Dialer, clock clockwork.Clock, mirror *Mirror, votes *VoteStore) *Agent {
	return &Agent{
		config: config,
		dial:   dial,
		clock:  clock,
		mirror: mirror,
		votes:  votes,
		state:  StateDisconnected,
	}
}

// State returns the agent's current lifecycle state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// Mirror returns the agent's session mirror for the presentation layer to
// read from.
func (a *Agent) Mirror() *Mirror {
	return a.mirror
}

// Connect dials the coordinator and joins the configured session. On failure
// the agent keeps retrying with bounded backoff.
func (a *Agent) Connect(ctx context.Context) {
	a.mu.Lock()
	a.intentional = false
	a.attempts = 0
	a.mu.Unlock()
	a.connect(ctx)
}

func (a *Agent) connect(ctx context.Context) {
	a.setState(StateConnecting)

	conn, err := a.dial(ctx, a.config.URL)
	if err != nil {
		log.Warn().Err(err).Str("url", a.config.URL).Msg("dial failed")
		a.scheduleReconnect(ctx)
		return
	}

	done := make(chan struct{})
	a.mu.Lock()
	a.conn = conn
	a.connDone = done
	a.attempts = 0
	a.state = StateConnected
	a.mu.Unlock()

	a.sendFrame(conn, router.MessageTypeJoin, router.JoinPayload{
		SessionID:     a.config.SessionID,
		ParticipantID: a.config.ParticipantID,
		DisplayName:   a.config.DisplayName,
	})

	go a.heartbeatLoop(ctx, conn, done)
	go a.readLoop(ctx, conn, done)
}

func (a *Agent) readLoop(ctx context.Context, conn Conn, done chan struct{}) {
	defer close(done)

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			a.mu.Lock()
			intentional := a.intentional
			a.mu.Unlock()
			if intentional || ctx.Err() != nil {
				a.setState(StateDisconnected)
				return
			}
			log.Warn().Err(err).Msg("connection lost")
			a.scheduleReconnect(ctx)
			return
		}
		if stop := a.handleFrame(conn, data); stop {
			conn.Close()
			return
		}
	}
}

// handleFrame processes one inbound frame. It returns true when the agent
// must stop using the connection entirely.
func (a *Agent) handleFrame(conn Conn, data []byte) bool {
	var frame router.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		log.Debug().Err(err).Msg("malformed frame from coordinator")
		return false
	}

	switch frame.Type {
	case router.MessageTypeJoined:
		var joined router.JoinedPayload
		if err := json.Unmarshal(frame.Payload, &joined); err != nil {
			log.Debug().Err(err).Msg("malformed joined payload")
			return false
		}
		a.mirror.SetSnapshot(joined.Session)
		a.replayPendingVote(conn)

	case router.MessageTypeSessionNotFound:
		// Non-retryable: the session reference is stale. Tear down local
		// state instead of reconnecting forever.
		log.Info().Str("session_id", a.config.SessionID).Msg("session not found, tearing down")
		a.teardown()
		return true

	case router.MessageTypeSyncEvent:
		var wrapper struct {
			Event *router.Event `json:"event"`
		}
		if err := json.Unmarshal(frame.Payload, &wrapper); err != nil || wrapper.Event == nil {
			log.Debug().Msg("malformed sync_event payload")
			return false
		}
		a.mirror.Apply(wrapper.Event)

	case router.MessageTypeHeartbeatAck:
		// Liveness confirmation only.

	case router.MessageTypeError:
		var notice router.NoticePayload
		if err := json.Unmarshal(frame.Payload, &notice); err == nil {
			log.Warn().Str("message", notice.Message).Msg("coordinator rejected a message")
		}
	}
	return false
}

// replayPendingVote sends a vote cast while offline, exactly once, then
// clears it.
func (a *Agent) replayPendingVote(conn Conn) {
	vote, ok, err := a.votes.Get(a.config.SessionID, a.config.ParticipantID)
	if err != nil {
		log.Warn().Err(err).Msg("failed to read pending vote")
		return
	}
	if !ok {
		return
	}
	if err := a.votes.Clear(a.config.SessionID, a.config.ParticipantID); err != nil {
		log.Warn().Err(err).Msg("failed to clear pending vote")
		return
	}
	a.sendEvent(conn, router.EventKindVoteCast, router.VoteCastPayload{
		ParticipantID: a.config.ParticipantID,
		Vote:          vote,
	})
	log.Info().Str("vote", vote).Msg("pending vote replayed")
}

func (a *Agent) heartbeatLoop(ctx context.Context, conn Conn, done chan struct{}) {
	ticker := a.clock.NewTicker(a.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			a.sendFrame(conn, router.MessageTypeHeartbeat, struct{}{})
		}
	}
}

// scheduleReconnect arms a backoff timer for the next attempt, doubling the
// delay per attempt between the floor and ceiling. After MaxAttempts the
// agent surfaces a terminal error state.
func (a *Agent) scheduleReconnect(ctx context.Context) {
	a.mu.Lock()
	a.conn = nil
	a.attempts++
	attempt := a.attempts
	if attempt > a.config.MaxAttempts {
		a.state = StateError
		a.mu.Unlock()
		log.Error().Int("attempts", attempt-1).Msg("reconnect attempts exhausted")
		return
	}

	delay := a.backoffDelay(attempt)
	timer := a.clock.NewTimer(delay)
	a.retryTimer = timer
	a.state = StateDisconnected
	a.mu.Unlock()

	log.Info().
		Int("attempt", attempt).
		Dur("delay", delay).
		Msg("reconnect scheduled")

	go func() {
		select {
		case <-timer.Chan():
			a.connect(ctx)
		case <-ctx.Done():
			timer.Stop()
		}
	}()
}

func (a *Agent) backoffDelay(attempt int) time.Duration {
	delay := a.config.BackoffFloor
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= a.config.BackoffCeiling {
			return a.config.BackoffCeiling
		}
	}
	if delay > a.config.BackoffCeiling {
		return a.config.BackoffCeiling
	}
	return delay
}

// CastVote submits a vote. While connected it goes straight to the
// coordinator (the mirror converges via the echoed broadcast); while offline
// it is held durably and replayed on the next successful reconnect.
func (a *Agent) CastVote(vote string) error {
	a.mu.Lock()
	conn := a.conn
	connected := a.state == StateConnected
	a.mu.Unlock()

	if !connected || conn == nil {
		return a.votes.Put(a.config.SessionID, a.config.ParticipantID, vote)
	}
	a.sendEvent(conn, router.EventKindVoteCast, router.VoteCastPayload{
		ParticipantID: a.config.ParticipantID,
		Vote:          vote,
	})
	return nil
}

// StartRound asks the coordinator to begin a new round.
func (a *Agent) StartRound(issue string) {
	if conn := a.currentConn(); conn != nil {
		a.sendEvent(conn, router.EventKindRoundStart, router.RoundStartPayload{Issue: issue})
	}
}

// Reveal asks the coordinator to reveal the current round.
func (a *Agent) Reveal() {
	if conn := a.currentConn(); conn != nil {
		a.sendEvent(conn, router.EventKindRoundReveal, struct{}{})
	}
}

// ChangeSettings sends a sparse settings update.
func (a *Agent) ChangeSettings(change router.SettingsChangePayload) {
	if conn := a.currentConn(); conn != nil {
		a.sendEvent(conn, router.EventKindSettingsChange, change)
	}
}

// Leave disconnects intentionally: cancels any scheduled retry, announces the
// leave, closes the transport and clears local session state.
func (a *Agent) Leave() {
	a.mu.Lock()
	a.intentional = true
	if a.retryTimer != nil {
		a.retryTimer.Stop()
		a.retryTimer = nil
	}
	conn := a.conn
	a.conn = nil
	a.state = StateDisconnected
	a.mu.Unlock()

	if conn != nil {
		a.sendFrame(conn, router.MessageTypeLeave, struct{}{})
		conn.Close()
	}
	a.mirror.Clear()
}

// teardown handles the non-retryable session_not_found path.
func (a *Agent) teardown() {
	a.mu.Lock()
	a.intentional = true
	if a.retryTimer != nil {
		a.retryTimer.Stop()
		a.retryTimer = nil
	}
	a.conn = nil
	a.state = StateDisconnected
	a.mu.Unlock()

	if err := a.votes.Clear(a.config.SessionID, a.config.ParticipantID); err != nil {
		log.Debug().Err(err).Msg("failed to clear pending vote on teardown")
	}
	a.mirror.Clear()
}

func (a *Agent) currentConn() Conn {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != StateConnected {
		return nil
	}
	return a.conn
}

func (a *Agent) sendEvent(conn Conn, kind router.EventKind, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal event payload")
		return
	}
	a.sendFrame(conn, router.MessageTypeSyncEvent, map[string]interface{}{
		"event": router.Event{
			ID:        uuid.New().String(),
			SessionID: a.config.SessionID,
			Kind:      kind,
			Timestamp: a.clock.Now(),
			Data:      data,
		},
	})
}

func (a *Agent) sendFrame(conn Conn, t router.MessageType, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal frame payload")
		return
	}
	frame := router.Frame{
		Type:      t,
		Timestamp: a.clock.Now(),
		Payload:   data,
	}
	out, err := json.Marshal(frame)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal frame")
		return
	}
	if err := conn.WriteMessage(out); err != nil {
		log.Debug().Err(err).Msg("write failed")
	}
}
