package model

import "errors"

var (
	// ErrTargetUnreachable indicates the recipient has no live connection.
	ErrTargetUnreachable = errors.New("target user has no live connection")

	// ErrMalformedRegistration indicates an empty or invalid user id on register.
	ErrMalformedRegistration = errors.New("malformed registration")

	// ErrSendBufferFull indicates a connection's outbound buffer is saturated.
	ErrSendBufferFull = errors.New("send buffer full")

	// ErrConnClosed indicates a send on an already-closed connection.
	ErrConnClosed = errors.New("connection closed")

	// ErrReconnectExhausted indicates the client agent gave up reconnecting.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

	// ErrAgentClosed indicates an operation on a closed client agent.
	ErrAgentClosed = errors.New("agent closed")
)
