// Package transport carries sync protocol messages between two peers.
// It provides an in-memory pair for contexts within one process and a
// gRPC bidirectional stream for remote peers. Message payloads travel
// as a tagged JSON envelope; per-change encoding stays opaque.
package transport

import (
	"context"
	"log"

	"github.com/Azarattum/CRSqlite/syncdb"
)

// Envelope kinds.
const (
	kindPresence = "announce_presence"
	kindChanges  = "changes"
	kindReset    = "reset_stream"
)

// envelope is the one frame both transports exchange.
type envelope struct {
	Kind     string                       `json:"kind"`
	Presence *syncdb.PresenceAnnouncement `json:"presence,omitempty"`
	Batch    *syncdb.ChangeBatch          `json:"batch,omitempty"`
	NewFrom  syncdb.Version               `json:"newFrom,omitempty"`
}

// dispatch routes one inbound envelope to the registered handler.
// Handler errors do not tear the transport down; the streams recover
// protocol anomalies themselves and anything else is logged.
func dispatch(ctx context.Context, h syncdb.Handler, env envelope) {
	var err error
	switch env.Kind {
	case kindPresence:
		if env.Presence != nil {
			err = h.HandlePresence(ctx, *env.Presence)
		}
	case kindChanges:
		if env.Batch != nil {
			err = h.HandleChanges(ctx, *env.Batch)
		}
	case kindReset:
		err = h.HandleResetStream(ctx, env.NewFrom)
	default:
		log.Printf("transport: dropping envelope of unknown kind %q", env.Kind)
	}
	if err != nil {
		log.Printf("transport: handling %s: %v", env.Kind, err)
	}
}
