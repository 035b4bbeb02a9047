package model

import "time"

// WebSocket message types
const (
	WSMessageTypeSnapshot = "snapshot"
	WSMessageTypeError    = "error"
	WSMessageTypePing     = "ping"
	WSMessageTypePong     = "pong"
	WSMessageTypeSignOut  = "signOut"
)

// WebSocket error codes
const (
	WSErrorSubscriptionLost = "SUBSCRIPTION_LOST"
)

// WSMessage represents a generic WebSocket message
type WSMessage struct {
	Type string `json:"type"`
}

// WSSnapshotMessage carries the full ordered job list of the connected user
type WSSnapshotMessage struct {
	Type  string    `json:"type"`
	Owner string    `json:"owner"`
	Jobs  []Job     `json:"jobs"`
	At    time.Time `json:"at"`
}

// NewWSSnapshotMessage wraps a snapshot for the wire
func NewWSSnapshotMessage(s Snapshot) WSSnapshotMessage {
	jobs := s.Jobs
	if jobs == nil {
		jobs = []Job{}
	}
	return WSSnapshotMessage{
		Type:  WSMessageTypeSnapshot,
		Owner: s.Owner,
		Jobs:  jobs,
		At:    s.At,
	}
}

// Snapshot converts the wire message back into a snapshot
func (m WSSnapshotMessage) Snapshot() Snapshot {
	return NewSnapshot(m.Owner, m.Jobs, m.At)
}

// WSErrorMessage represents an error
type WSErrorMessage struct {
	Type  string  `json:"type"`
	Error WSError `json:"error"`
}

// WSError represents error details
type WSError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
