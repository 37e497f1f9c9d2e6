package models

import "time"

// Transition records one emitted change of the connectivity status.
type Transition struct {
	ID        string    `json:"id"`
	Connected bool      `json:"connected"`
	At        time.Time `json:"at"`
}

// State returns "online" or "offline".
func (t Transition) State() string {
	if t.Connected {
		return "online"
	}
	return "offline"
}
