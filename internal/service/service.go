// Package service routes decoded envelopes from connections into the core
// components. It is the single place the wire vocabulary is interpreted;
// chat, typing and contact payloads pass through opaque.
package service

import (
	"encoding/json"
	"errors"
	"log"

	"github.com/StarryCod/void-mes-sub000/internal/call"
	"github.com/StarryCod/void-mes-sub000/internal/metrics"
	"github.com/StarryCod/void-mes-sub000/internal/model"
	"github.com/StarryCod/void-mes-sub000/internal/presence"
	"github.com/StarryCod/void-mes-sub000/internal/registry"
	"github.com/StarryCod/void-mes-sub000/internal/relay"
	"github.com/StarryCod/void-mes-sub000/internal/transport"
)

// Service wires one connection's inbound traffic to presence, relay and
// call management.
type Service struct {
	reg      *registry.Registry
	presence *presence.Tracker
	relay    *relay.Relay
	calls    *call.Manager
	metrics  metrics.Collector
}

// New creates the envelope router.
func New(reg *registry.Registry, tracker *presence.Tracker, r *relay.Relay, calls *call.Manager, m metrics.Collector) *Service {
	if m == nil {
		m = metrics.Noop{}
	}
	return &Service{reg: reg, presence: tracker, relay: r, calls: calls, metrics: m}
}

// Accept records a freshly established connection.
func (s *Service) Accept(conn transport.Conn) {
	s.reg.Add(conn)
	s.metrics.ConnectionOpened()
}

// Register binds a connection to a verified user id, used when the handler
// establishes identity at upgrade time rather than via a register envelope.
func (s *Service) Register(conn transport.Conn, userID string) {
	if err := s.presence.Register(conn.ID(), userID); err != nil {
		log.Printf("Registration rejected on connection %s: %v", conn.ID(), err)
	}
}

// Disconnect runs the full disconnect cascade for a connection. When it was
// the user's last one, every call the user participates in is ended so the
// remote parties are not left ringing a ghost. A connection already removed
// (heartbeat eviction racing the read loop's own cleanup) changes nothing,
// including the connection gauge.
func (s *Service) Disconnect(connID string) {
	userID, bound := s.reg.UserOf(connID)
	if !s.presence.Disconnect(connID) {
		return
	}
	if bound && !s.presence.Online(userID) {
		s.calls.EndAllFor(userID)
	}
	s.metrics.ConnectionClosed()
}

// Touch refreshes heartbeat bookkeeping for a connection, called by the
// transport on every frame and pong.
func (s *Service) Touch(connID string) {
	s.reg.Touch(connID)
}

// HandleMessage dispatches one raw inbound frame from a connection.
func (s *Service) HandleMessage(conn transport.Conn, raw []byte) {
	env, err := model.Decode(raw)
	if err != nil {
		log.Printf("Undecodable frame on connection %s: %v", conn.ID(), err)
		s.sendError(conn, model.CodeBadEnvelope, "undecodable envelope")
		return
	}

	s.reg.Touch(conn.ID())

	switch env.Kind {
	case model.KindRegister:
		s.handleRegister(conn, env)

	case model.KindPing:
		s.handlePing(conn)

	case model.KindMessage, model.KindTyping, model.KindContact:
		s.handleRelay(conn, env)

	case model.KindCall:
		s.handleCall(conn, env)

	case model.KindPong:
		// Activity already recorded by the Touch above.

	default:
		log.Printf("Unknown envelope kind %q on connection %s", env.Kind, conn.ID())
	}
}

func (s *Service) handleRegister(conn transport.Conn, env model.Envelope) {
	var data model.RegisterData
	if env.Data != nil {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			log.Printf("Bad register payload on connection %s: %v", conn.ID(), err)
		}
	}
	if err := s.presence.Register(conn.ID(), data.UserID); err != nil {
		if errors.Is(err, model.ErrMalformedRegistration) {
			s.sendError(conn, model.CodeMalformedRegistration, "user id missing or malformed")
		}
	}
}

func (s *Service) handlePing(conn transport.Conn) {
	pong, err := model.Encode(model.Envelope{Kind: model.KindPong})
	if err != nil {
		return
	}
	if err := conn.Send(pong); err != nil {
		log.Printf("Pong undeliverable on connection %s: %v", conn.ID(), err)
	}
}

// handleRelay forwards chat, typing and contact envelopes. The sender id is
// stamped from the connection's binding; whatever the client put there is
// discarded. Channel fan-out targets come from the envelope's member list,
// resolved by the caller, never computed here.
func (s *Service) handleRelay(conn transport.Conn, env model.Envelope) {
	senderID, bound := s.reg.UserOf(conn.ID())
	if !bound {
		s.sendError(conn, model.CodeMalformedRegistration, "register before sending")
		return
	}

	out := model.Envelope{
		Kind:     env.Kind,
		Action:   env.Action,
		Data:     env.Data,
		SenderID: senderID,
	}

	switch {
	case env.To != "":
		if _, err := s.relay.SendToUser(env.To, out); err != nil {
			s.sendError(conn, model.CodeTargetUnreachable, "user "+env.To+" is unavailable")
		}
	case len(env.Members) > 0:
		targets := env.Members[:0:0]
		for _, member := range env.Members {
			if member != senderID {
				targets = append(targets, member)
			}
		}
		s.relay.SendToUsers(targets, out)
	default:
		s.sendError(conn, model.CodeBadEnvelope, "missing recipient")
	}
}

func (s *Service) handleCall(conn transport.Conn, env model.Envelope) {
	senderID, bound := s.reg.UserOf(conn.ID())
	if !bound {
		s.sendError(conn, model.CodeMalformedRegistration, "register before calling")
		return
	}

	var data model.CallData
	if env.Data != nil {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			s.sendError(conn, model.CodeBadEnvelope, "bad call payload")
			return
		}
	}

	switch env.Action {
	case model.ActionCallStart:
		callID, err := s.calls.Initiate(senderID, data.To, data.Kind, data.Payload)
		if err != nil {
			// Distinct unavailable notice so the UI can skip retry prompts.
			s.sendError(conn, model.CodeTargetUnreachable, "user "+data.To+" is unavailable")
			return
		}
		// Hand the generated call id back to the initiating connection.
		ack := model.Envelope{
			Kind:   model.KindCall,
			Action: model.ActionCallStart,
			Data:   mustCallData(model.CallData{CallID: callID, From: senderID, To: data.To, Kind: data.Kind}),
		}
		if raw, err := model.Encode(ack); err == nil {
			conn.Send(raw)
		}

	case model.ActionCallAnswer:
		if err := s.calls.Answer(data.CallID, data.Payload); err != nil {
			s.sendError(conn, model.CodeTargetUnreachable, "caller is no longer connected")
		}

	case model.ActionCallReject:
		s.calls.Reject(data.CallID, senderID)

	case model.ActionCallEnd:
		s.calls.End(data.CallID, senderID)

	case model.ActionCallCandidate:
		s.calls.RelayCandidate(data.CallID, senderID, data.Payload)

	default:
		log.Printf("Unknown call action %q on connection %s", env.Action, conn.ID())
	}
}

// sendError pushes an error envelope back to one connection. Failures are
// logged and dropped: one connection's trouble never propagates.
func (s *Service) sendError(conn transport.Conn, code, message string) {
	data, _ := json.Marshal(model.ErrorData{Code: code, Message: message})
	raw, err := model.Encode(model.Envelope{Kind: model.KindError, Data: data})
	if err != nil {
		return
	}
	if err := conn.Send(raw); err != nil {
		log.Printf("Error envelope undeliverable on connection %s: %v", conn.ID(), err)
	}
}

// Stats reports live counts for the status endpoint.
func (s *Service) Stats() (conns, users, calls int) {
	return s.reg.ConnCount(), s.reg.UserCount(), s.calls.ActiveCount()
}

func mustCallData(d model.CallData) []byte {
	data, _ := json.Marshal(d)
	return data
}
