// Package audit writes the login/logout access trail.
package audit

import (
	"context"
	"time"
)

// Action is the kind of event being recorded.
type Action string

const (
	ActionLogin  Action = "login"
	ActionLogout Action = "logout"
)

// UnknownUsername is recorded when the identity's username cannot be resolved.
const UnknownUsername = "unknown"

// Event is one access trail record.
type Event struct {
	Time     time.Time
	Address  string
	Identity string
	Username string
	Action   Action
}

// Sink records events. Record must be safe for concurrent use.
type Sink interface {
	Record(ctx context.Context, ev Event) error
	Close(ctx context.Context) error
}

type nopSink struct{}

func (nopSink) Record(context.Context, Event) error { return nil }
func (nopSink) Close(context.Context) error         { return nil }

// Nop returns a Sink that discards everything.
func Nop() Sink { return nopSink{} }
