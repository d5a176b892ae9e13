package periods

import (
	"fmt"
	"time"
)

// EventType names a period transition announced to room members.
type EventType string

const (
	EventPeriodStarted   EventType = "period.started"
	EventPeriodEnded     EventType = "period.ended"
	EventPeriodLocked    EventType = "period.locked"
	EventPeriodArchived  EventType = "period.archived"
	EventPeriodRestarted EventType = "period.restarted"
)

// Event is published after a transition commits.
type Event struct {
	Type       EventType
	RoomID     string
	PeriodID   string
	PeriodName string
	ActorID    string
	Message    string
	OccurredAt time.Time
}

func newEvent(t EventType, p Period, actorID string, at time.Time) *Event {
	return &Event{
		Type:       t,
		RoomID:     p.RoomID,
		PeriodID:   p.ID,
		PeriodName: p.Name,
		ActorID:    actorID,
		Message:    eventMessage(t, p),
		OccurredAt: at,
	}
}

func eventMessage(t EventType, p Period) string {
	switch t {
	case EventPeriodStarted:
		return fmt.Sprintf("A new meal period %q has started.", p.Name)
	case EventPeriodEnded:
		return fmt.Sprintf("The meal period %q has ended.", p.Name)
	case EventPeriodLocked:
		return fmt.Sprintf("The meal period %q is locked. No further edits are allowed.", p.Name)
	case EventPeriodArchived:
		return fmt.Sprintf("The meal period %q was archived.", p.Name)
	case EventPeriodRestarted:
		return fmt.Sprintf("A new meal period %q has started from a restart.", p.Name)
	default:
		return p.Name
	}
}
