package domain

import (
	"errors"
	"time"
)

// ErrConnectionGone is returned by a transport when the target connection no
// longer exists. It is proof of death, not a transient failure.
var ErrConnectionGone = errors.New("connection gone")

// Connection is one live persistent-channel subscriber. It belongs to exactly
// one room for its lifetime.
type Connection struct {
	ConnectionID string
	RoomID       string
	UserID       string
	Username     string
	Domain       string
	Stage        string
	ConnectedAt  time.Time
	// ExpiresAt bounds how long an abandoned row can linger. It says nothing
	// about whether the connection is still live.
	ExpiresAt time.Time
}

// Expired reports whether the row's TTL has passed at now.
func (c Connection) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// ConnectionState tracks one connection through its lifecycle.
type ConnectionState string

const (
	StateConnecting   ConnectionState = "CONNECTING"
	StateConnected    ConnectionState = "CONNECTED"
	StateDisconnected ConnectionState = "DISCONNECTED"
)
