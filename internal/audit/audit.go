// Package audit ships control-plane actions to the audit trail. The trail is
// an external collaborator; here it is a structured log stream.
package audit

import (
	"github.com/rs/zerolog"

	"github.com/huddlekit/huddle/internal/domain"
)

type EventType string

const (
	EventJoin    EventType = "join"
	EventLeave   EventType = "leave"
	EventLock    EventType = "lock"
	EventMuteAll EventType = "muteAll"
	EventRemove  EventType = "remove"
)

type Event struct {
	Type   EventType
	RoomID domain.RoomID
	UserID domain.UserID
	Target domain.UserID
	Locked *bool
}

type Sink interface {
	Record(Event)
}

// LogSink writes audit records as structured log lines, to be picked up by
// whatever ships logs off the box.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("module", "audit").Logger()}
}

func (s *LogSink) Record(ev Event) {
	e := s.logger.Info().
		Str("audit", string(ev.Type)).
		Str("room", string(ev.RoomID)).
		Str("user", string(ev.UserID))
	if ev.Target != "" {
		e = e.Str("target", string(ev.Target))
	}
	if ev.Locked != nil {
		e = e.Bool("locked", *ev.Locked)
	}
	e.Msg("audit event")
}

// Nop drops every record. Useful in tests.
type Nop struct{}

func (Nop) Record(Event) {}
