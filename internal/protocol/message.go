package protocol

import (
	"encoding/json"
	"fmt"
)

// Client message types.
const (
	TypeSub   = "SUB"
	TypeUnsub = "UNSUB"
	TypePing  = "PING"
)

// Server message types.
const (
	TypeAdded   = "ADDED"
	TypeChanged = "CHANGED"
	TypeRemoved = "REMOVED"
	TypeReady   = "READY"
	TypeNoSub   = "NOSUB"
	TypePong    = "PONG"
	TypeError   = "ERROR"
)

// Message is an inbound client message. Which fields are set depends on Type.
type Message struct {
	Type   string         `json:"type"`
	ID     string         `json:"id,omitempty"`
	Name   string         `json:"name,omitempty"`
	Params map[string]any `json:"params,omitempty"`
}

type Added struct {
	Type       string         `json:"type"`
	Collection string         `json:"collection"`
	ID         string         `json:"id"`
	Fields     map[string]any `json:"fields"`
}

// Changed carries set fields in Fields and removed field names in Cleared.
type Changed struct {
	Type       string         `json:"type"`
	Collection string         `json:"collection"`
	ID         string         `json:"id"`
	Fields     map[string]any `json:"fields,omitempty"`
	Cleared    []string       `json:"cleared,omitempty"`
}

type Removed struct {
	Type       string `json:"type"`
	Collection string `json:"collection"`
	ID         string `json:"id"`
}

type Ready struct {
	Type string   `json:"type"`
	Subs []string `json:"subs"`
}

// NoSub reports that a subscription ended, with Error set when it failed.
type NoSub struct {
	Type  string `json:"type"`
	ID    string `json:"id"`
	Error string `json:"error,omitempty"`
}

type Pong struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

type Error struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

func DecodeMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("decode message: %w", err)
	}
	if msg.Type == "" {
		return msg, fmt.Errorf("decode message: missing type")
	}
	return msg, nil
}
