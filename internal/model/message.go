package model

import (
	"encoding/json"
	"time"
)

// Envelope is the logical message exchanged between a device and the relay.
// The transport carries it as JSON; Data is opaque to the relay for chat,
// typing and contact traffic. To/Members are addressing metadata supplied by
// the sender; SenderID is always stamped server-side on relayed traffic.
type Envelope struct {
	Kind      string          `json:"kind"`
	Action    string          `json:"action,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	SenderID  string          `json:"sender_id,omitempty"`
	To        string          `json:"to,omitempty"`
	Members   []string        `json:"members,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// Message kinds
const (
	KindRegister = "register"
	KindPing     = "ping"
	KindPong     = "pong"
	KindMessage  = "message"
	KindTyping   = "typing"
	KindContact  = "contact"
	KindCall     = "call"
	KindPresence = "presence"
	KindError    = "error"
)

// Call actions
const (
	ActionCallStart     = "start"
	ActionCallAnswer    = "answer"
	ActionCallReject    = "reject"
	ActionCallEnd       = "end"
	ActionCallCandidate = "ice-candidate"
)

// Presence actions
const (
	ActionOnline   = "online"
	ActionOffline  = "offline"
	ActionSnapshot = "snapshot"
)

// RegisterData is the payload of a register envelope.
type RegisterData struct {
	UserID string `json:"user_id"`
}

// PresenceData is the payload of a presence envelope. Users is only set on
// the snapshot delivered to a newly-online user.
type PresenceData struct {
	UserID    string   `json:"user_id,omitempty"`
	Users     []string `json:"users,omitempty"`
	Timestamp int64    `json:"timestamp,omitempty"`
}

// CallData is the payload of a call envelope. Payload carries the SDP or ICE
// candidate blob; the relay forwards it without parsing.
type CallData struct {
	CallID  string          `json:"call_id,omitempty"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	Kind    string          `json:"kind,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ErrorData is the payload of an error envelope sent back to a client.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes surfaced to clients.
const (
	CodeTargetUnreachable     = "target_unreachable"
	CodeMalformedRegistration = "malformed_registration"
	CodeBadEnvelope           = "bad_envelope"
)

// NowMillis returns the current wall clock in milliseconds, the timestamp
// resolution used on the wire.
func NowMillis() int64 {
	return time.Now().UnixNano() / int64(time.Millisecond)
}

// Encode marshals an envelope, stamping the timestamp if unset.
func Encode(env Envelope) ([]byte, error) {
	if env.Timestamp == 0 {
		env.Timestamp = NowMillis()
	}
	return json.Marshal(env)
}

// Decode unmarshals a raw frame into an envelope.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}
