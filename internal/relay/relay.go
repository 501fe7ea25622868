// Package relay fans application events out to the live connections of their
// recipients. It never mutates shared state; targets are resolved through a
// read-only view of the registry.
package relay

import (
	"log"

	"github.com/StarryCod/void-mes-sub000/internal/metrics"
	"github.com/StarryCod/void-mes-sub000/internal/model"
	"github.com/StarryCod/void-mes-sub000/internal/transport"
)

// TargetResolver resolves a user id to that user's live connections.
type TargetResolver interface {
	Connections(userID string) []transport.Conn
	UserIDs() []string
}

// Relay delivers envelopes to users with at-most-once semantics per
// connection. A message counts as delivered once handed to a connection's
// send primitive; no application-level acknowledgment is tracked.
type Relay struct {
	targets TargetResolver
	metrics metrics.Collector
}

// New creates a relay over the given target resolver.
func New(targets TargetResolver, m metrics.Collector) *Relay {
	if m == nil {
		m = metrics.Noop{}
	}
	return &Relay{targets: targets, metrics: m}
}

// SendToUser fans one envelope out to every live connection of a user.
// It returns the number of successful hand-offs, or ErrTargetUnreachable if
// the user has no live connection at all. A single connection failing does
// not stop delivery to the others.
func (r *Relay) SendToUser(userID string, env model.Envelope) (int, error) {
	conns := r.targets.Connections(userID)
	if len(conns) == 0 {
		return 0, model.ErrTargetUnreachable
	}

	data, err := model.Encode(env)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, conn := range conns {
		if err := conn.Send(data); err != nil {
			log.Printf("Dropping envelope for user %s on connection %s: %v", userID, conn.ID(), err)
			r.metrics.DeliveryDropped("send_error")
			continue
		}
		delivered++
	}
	r.metrics.MessageRelayed(env.Kind)
	return delivered, nil
}

// SendToUsers fans one envelope out to each listed user, typically the
// members of a channel as resolved by the caller. Unreachable members are
// skipped silently; the return is the total number of hand-offs.
func (r *Relay) SendToUsers(userIDs []string, env model.Envelope) int {
	total := 0
	for _, userID := range userIDs {
		n, err := r.SendToUser(userID, env)
		if err != nil {
			continue
		}
		total += n
	}
	return total
}

// BroadcastExcept delivers an envelope to every online user except one,
// used for presence online/offline events.
func (r *Relay) BroadcastExcept(exceptUserID string, env model.Envelope) {
	for _, userID := range r.targets.UserIDs() {
		if userID == exceptUserID {
			continue
		}
		r.SendToUser(userID, env)
	}
}
