package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AuditEntry records one operator command. Arguments that carry secrets are
// never stored; Args holds a redacted form.
type AuditEntry struct {
	At            time.Time `json:"at"`
	ActorID       int64     `json:"actor_id"`
	ActorUsername string    `json:"actor_username,omitempty"`
	ChatID        int64     `json:"chat_id"`
	Command       string    `json:"command"`
	Args          string    `json:"args,omitempty"`
	OK            bool      `json:"ok"`
	Error         string    `json:"error,omitempty"`
	TookMS        int64     `json:"took_ms"`
}

// Transition is one observed presence change.
type Transition struct {
	At          time.Time `json:"at"`
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name,omitempty"`
	From        string    `json:"from,omitempty"`
	To          string    `json:"to"`
	Status      string    `json:"status,omitempty"`
}
