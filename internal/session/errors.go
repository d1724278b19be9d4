package session

import "errors"

var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrParticipantNotFound = errors.New("participant not found in session")
	ErrNoActiveRound       = errors.New("no active round")
	ErrRoundRevealed       = errors.New("round already revealed")
)
