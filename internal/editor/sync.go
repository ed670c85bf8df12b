package editor

import (
	"encoding/json"
	"fmt"

	"github.com/mnemosyne-dev/mnemosyne/internal/types"
)

// PayloadKind is the wire tag of a sync message payload.
type PayloadKind string

const (
	PayloadChanges      PayloadKind = "changes"
	PayloadFullState    PayloadKind = "full_state"
	PayloadRequestState PayloadKind = "request_state"
	PayloadCursorUpdate PayloadKind = "cursor_update"
	PayloadProposal     PayloadKind = "proposal"
)

// SyncPayload is one of the payload variants a SyncMessage can carry.
type SyncPayload interface {
	payloadKind() PayloadKind
}

// ChangesPayload replicates a batch of local edits.
type ChangesPayload struct {
	Changes []Change `json:"changes"`
}

// FullStatePayload rebuilds a replica from scratch; the answer to
// RequestStatePayload.
type FullStatePayload struct {
	Changes []Change `json:"changes"`
}

// RequestStatePayload asks a peer for its full state.
type RequestStatePayload struct{}

// CursorUpdatePayload shares a peer's cursor position. Presence only; it
// never mutates the buffer.
type CursorUpdatePayload struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// ProposalPayload is an agent's suggested edit awaiting acceptance.
type ProposalPayload struct {
	Description string   `json:"description"`
	Changes     []Change `json:"changes"`
}

func (ChangesPayload) payloadKind() PayloadKind      { return PayloadChanges }
func (FullStatePayload) payloadKind() PayloadKind    { return PayloadFullState }
func (RequestStatePayload) payloadKind() PayloadKind { return PayloadRequestState }
func (CursorUpdatePayload) payloadKind() PayloadKind { return PayloadCursorUpdate }
func (ProposalPayload) payloadKind() PayloadKind     { return PayloadProposal }

// SyncMessage is the per-buffer envelope peers exchange. The transport is
// out of scope; anything that moves bytes can carry it.
type SyncMessage struct {
	ID       types.ID
	BufferID string
	From     Actor
	Payload  SyncPayload
}

// NewSyncMessage wraps a payload in a fresh envelope.
func NewSyncMessage(bufferID string, from Actor, payload SyncPayload) SyncMessage {
	return SyncMessage{ID: types.NewID(), BufferID: bufferID, From: from, Payload: payload}
}

type syncWire struct {
	ID       types.ID        `json:"id"`
	BufferID string          `json:"buffer_id"`
	From     Actor           `json:"from"`
	Type     PayloadKind     `json:"type"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

func (m SyncMessage) MarshalJSON() ([]byte, error) {
	if m.Payload == nil {
		return nil, types.NewError(types.VALIDATION_FAILED, "sync message has no payload")
	}
	raw, err := json.Marshal(m.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(syncWire{
		ID:       m.ID,
		BufferID: m.BufferID,
		From:     m.From,
		Type:     m.Payload.payloadKind(),
		Payload:  raw,
	})
}

func (m *SyncMessage) UnmarshalJSON(data []byte) error {
	var wire syncWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return types.WrapError(types.VALIDATION_FAILED, "malformed sync message", err)
	}
	m.ID = wire.ID
	m.BufferID = wire.BufferID
	m.From = wire.From

	var payload SyncPayload
	switch wire.Type {
	case PayloadChanges:
		var p ChangesPayload
		if err := json.Unmarshal(wire.Payload, &p); err != nil {
			return types.WrapError(types.VALIDATION_FAILED, "malformed changes payload", err)
		}
		payload = p
	case PayloadFullState:
		var p FullStatePayload
		if err := json.Unmarshal(wire.Payload, &p); err != nil {
			return types.WrapError(types.VALIDATION_FAILED, "malformed full state payload", err)
		}
		payload = p
	case PayloadRequestState:
		payload = RequestStatePayload{}
	case PayloadCursorUpdate:
		var p CursorUpdatePayload
		if err := json.Unmarshal(wire.Payload, &p); err != nil {
			return types.WrapError(types.VALIDATION_FAILED, "malformed cursor payload", err)
		}
		payload = p
	case PayloadProposal:
		var p ProposalPayload
		if err := json.Unmarshal(wire.Payload, &p); err != nil {
			return types.WrapError(types.VALIDATION_FAILED, "malformed proposal payload", err)
		}
		payload = p
	default:
		return types.NewError(types.VALIDATION_FAILED, fmt.Sprintf("unknown sync payload type %q", wire.Type))
	}
	m.Payload = payload
	return nil
}

// Snapshot serializes the whole replica, tombstones included, as a change
// list a fresh buffer can replay. Visibility that diverged from the insert
// (deletes, undeletes) is re-stated so late original records still lose
// the last-writer-wins race on the rebuilt replica.
func (b *Buffer) Snapshot() []Change {
	b.mu.Lock()
	defer b.mu.Unlock()

	changes := make([]Change, 0, len(b.chars))
	prev := root
	for _, c := range b.chars {
		changes = append(changes, Change{
			Op:      OpInsert,
			Char:    c.id,
			Rune:    c.r,
			After:   prev,
			Lamport: c.lamport,
			Origin:  c.origin,
		})
		prev = c.id
		if c.visLamport == c.lamport && c.visOrigin == c.origin && !c.deleted {
			continue
		}
		op := OpUndelete
		if c.deleted {
			op = OpDelete
		}
		changes = append(changes, Change{
			Op:      op,
			Char:    c.id,
			Lamport: c.visLamport,
			Origin:  c.visOrigin,
		})
	}
	return changes
}

// ApplyAll integrates a batch, stopping on the first malformed record.
func (b *Buffer) ApplyAll(changes []Change) error {
	for _, ch := range changes {
		if err := b.Apply(ch); err != nil {
			return err
		}
	}
	return nil
}
