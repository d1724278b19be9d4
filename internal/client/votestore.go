package client

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// VoteStore holds votes cast while offline, keyed by (session, participant),
// backed by a JSON file so a pending vote survives a client restart. Each
// pending vote is replayed exactly once after the next successful reconnect,
// then cleared.
type VoteStore struct {
	mu   sync.Mutex
	path string
}

type voteKey struct {
	SessionID     string `json:"session_id"`
	ParticipantID string `json:"participant_id"`
}

// NewVoteStore creates a store persisting to path. The parent directory is
// created on first write.
func NewVoteStore(path string) *VoteStore {
	return &VoteStore{path: path}
}

// Put records a pending vote, replacing any prior one for the same key.
func (s *VoteStore) Put(sessionID, participantID, vote string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	votes, err := s.load()
	if err != nil {
		return err
	}
	votes[s.key(sessionID, participantID)] = vote
	return s.save(votes)
}

// Get returns the pending vote for the key, and whether one exists.
func (s *VoteStore) Get(sessionID, participantID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	votes, err := s.load()
	if err != nil {
		return "", false, err
	}
	vote, ok := votes[s.key(sessionID, participantID)]
	return vote, ok, nil
}

// Clear removes the pending vote for the key.
func (s *VoteStore) Clear(sessionID, participantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	votes, err := s.load()
	if err != nil {
		return err
	}
	delete(votes, s.key(sessionID, participantID))
	return s.save(votes)
}

func (s *VoteStore) key(sessionID, participantID string) string {
	data, _ := json.Marshal(voteKey{SessionID: sessionID, ParticipantID: participantID})
	return string(data)
}

func (s *VoteStore) load() (map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return make(map[string]string), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read vote store: %w", err)
	}

	votes := make(map[string]string)
	if err := json.Unmarshal(data, &votes); err != nil {
		return nil, fmt.Errorf("failed to parse vote store: %w", err)
	}
	return votes, nil
}

func (s *VoteStore) save(votes map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create vote store dir: %w", err)
	}
	data, err := json.Marshal(votes)
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write vote store: %w", err)
	}
	return nil
}
