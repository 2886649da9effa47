package raftadapter

import (
	"github.com/google/uuid"
)

// Cmd is the raft entry payload: one event to append to the sequenced log.
type Cmd struct {
	ID      uuid.UUID `json:"id"`
	Payload string    `json:"payload"`
}

func NewCmd(payload string) Cmd {
	return Cmd{
		ID:      uuid.New(),
		Payload: payload,
	}
}
