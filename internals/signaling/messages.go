package signaling

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/adityaadpandey/storylocks/internals/reconcile"
)

type MessageType string

const (
	// Client -> server
	MessageTypeHello     MessageType = "hello"
	MessageTypeClaim     MessageType = "claim"
	MessageTypeRelease   MessageType = "release"
	MessageTypeHeartbeat MessageType = "heartbeat"

	// Server -> client
	MessageTypeSnapshot    MessageType = "snapshot"
	MessageTypeClaimResult MessageType = "claim-result"
	MessageTypeStatus      MessageType = "status"
)

// ErrMalformed is returned for frames that are not a JSON object of the expected shape.
var ErrMalformed = errors.New("malformed message")

// Inbound is any client frame. Fields not used by a type are left empty.
type Inbound struct {
	Type        MessageType `json:"type"`
	DeviceToken string      `json:"deviceToken,omitempty"`
	CharID      string      `json:"charId,omitempty"`
}

// ParseInbound decodes a client frame.
func ParseInbound(data []byte) (Inbound, error) {
	var m Inbound
	if err := json.Unmarshal(data, &m); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return m, nil
}

type SnapshotMessage struct {
	Type  MessageType          `json:"type"`
	Locks []reconcile.LockView `json:"locks"`
}

type ClaimResultMessage struct {
	Type   MessageType `json:"type"`
	CharID string      `json:"charId"`
	OK     bool        `json:"ok"`
}

type StatusMessage struct {
	Type   MessageType `json:"type"`
	CharID string      `json:"charId"`
	Locked bool        `json:"locked"`
}

func NewSnapshot(locks []reconcile.LockView) SnapshotMessage {
	if locks == nil {
		locks = []reconcile.LockView{}
	}
	return SnapshotMessage{Type: MessageTypeSnapshot, Locks: locks}
}

func NewClaimResult(charID string, ok bool) ClaimResultMessage {
	return ClaimResultMessage{Type: MessageTypeClaimResult, CharID: charID, OK: ok}
}

func NewStatus(charID string, locked bool) StatusMessage {
	return StatusMessage{Type: MessageTypeStatus, CharID: charID, Locked: locked}
}
