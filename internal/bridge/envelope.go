// Package bridge carries typed envelopes between a host context and a
// sandboxed surface over an ordered, point-to-point Port, with
// fire-and-forget notifications and token-correlated calls.
package bridge

import (
	"encoding/json"
	"errors"
)

var (
	// ErrNoAnswer is the "no answer" result of a Call whose peer did not
	// reply in time (or whose request could not be delivered).
	ErrNoAnswer = errors.New("bridge: no answer")

	// ErrClosed is returned once the bridge or its port has been closed.
	ErrClosed = errors.New("bridge: closed")
)

// Envelope is the wire form shared by both directions:
// {"type": "...", "details": {...}, "token": "..."}.
// A reply to a call repeats the call's token.
type Envelope struct {
	Type    string          `json:"type"`
	Details json.RawMessage `json:"details,omitempty"`
	Token   string          `json:"token,omitempty"`
}

// Port is an asynchronous, ordered, point-to-point message channel.
// Messages posted before the peer listens are queued, not dropped.
type Port interface {
	Post(Envelope) error
	OnMessage(func(Envelope)) (cancel func())
	Close() error
}

// Message types understood by the host side of a surface bridge.
const (
	TypeContext         = "context"
	TypeGetContext      = "getContext"
	TypeSetLocalOptions = "setLocalOptions"
	TypeGetLocalOptions = "getLocalOptions"
	TypeReady           = "ready"
)

func encodeDetails(details any) (json.RawMessage, error) {
	switch d := details.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return d, nil
	case []byte:
		return json.RawMessage(d), nil
	}
	return json.Marshal(details)
}
