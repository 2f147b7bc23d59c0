package calendar

import (
	"context"
	"fmt"
	"strings"
	"time"

	"calroute/internal/domain"
)

// Extra capability tags the calendar agents advertise beyond the routing
// tags.
const (
	capAvailabilityCheck domain.Capability = "availability_check"
	capEventCreation     domain.Capability = "event_creation"
	capEventEditing      domain.Capability = "event_editing"
	capEventRemoval      domain.Capability = "event_removal"
)

// Agent names as exposed to routing.
const (
	CheckerName   = "calendar_checker_agent"
	SchedulerName = "event_scheduler_agent"
	ModifierName  = "event_modifier_agent"
	RemoverName   = "event_remover_agent"
)

const backendDependency = "google-calendar-api"

// Registrar is the part of the agent registry the calendar package needs.
type Registrar interface {
	Register(name string, handler domain.Handler, desc domain.AgentDescriptor)
}

// RegisterAgents wires all four calendar agents into the registry against
// one shared backend.
func RegisterAgents(reg Registrar, backend Backend) {
	reg.Register(CheckerName, CheckerHandler(backend), CheckerDescriptor())
	reg.Register(SchedulerName, SchedulerHandler(backend), SchedulerDescriptor())
	reg.Register(ModifierName, ModifierHandler(backend), ModifierDescriptor())
	reg.Register(RemoverName, RemoverHandler(backend), RemoverDescriptor())
}

// CheckerHandler reports upcoming events and availability.
func CheckerHandler(backend Backend) domain.Handler {
	return func(ctx context.Context, _ string) (string, error) {
		events, err := backend.List(ctx)
		if err != nil {
			return "", fmt.Errorf("list events: %w", err)
		}
		if len(events) == 0 {
			return "Your calendar is clear, no upcoming events.", nil
		}

		var b strings.Builder
		fmt.Fprintf(&b, "You have %d upcoming event(s):", len(events))
		for _, ev := range events {
			fmt.Fprintf(&b, " [%s at %s]", ev.Summary, ev.Start.Format(time.RFC3339))
		}
		return b.String(), nil
	}
}

// SchedulerHandler creates a one-hour event titled from the request text.
func SchedulerHandler(backend Backend) domain.Handler {
	return func(ctx context.Context, conversation string) (string, error) {
		start := time.Now().Add(time.Hour).Truncate(time.Minute)
		ev, err := backend.Create(ctx, Event{
			Summary: summaryFrom(conversation),
			Start:   start,
			End:     start.Add(time.Hour),
		})
		if err != nil {
			return "", fmt.Errorf("create event: %w", err)
		}
		return fmt.Sprintf("Scheduled %q starting %s (event %s).",
			ev.Summary, ev.Start.Format(time.RFC3339), ev.ID), nil
	}
}

// ModifierHandler retitles the most recent event with the request text.
func ModifierHandler(backend Backend) domain.Handler {
	return func(ctx context.Context, conversation string) (string, error) {
		latest, err := latestEvent(ctx, backend)
		if err != nil {
			return "", err
		}
		if latest == nil {
			return "There are no events to modify.", nil
		}

		ev, err := backend.Update(ctx, latest.ID, summaryFrom(conversation))
		if err != nil {
			return "", fmt.Errorf("update event: %w", err)
		}
		return fmt.Sprintf("Updated event %s, now %q.", ev.ID, ev.Summary), nil
	}
}

// RemoverHandler deletes the most recent event.
func RemoverHandler(backend Backend) domain.Handler {
	return func(ctx context.Context, _ string) (string, error) {
		latest, err := latestEvent(ctx, backend)
		if err != nil {
			return "", err
		}
		if latest == nil {
			return "There are no events to remove.", nil
		}

		if err := backend.Delete(ctx, latest.ID); err != nil {
			return "", fmt.Errorf("delete event: %w", err)
		}
		return fmt.Sprintf("Removed event %q (%s).", latest.Summary, latest.ID), nil
	}
}

func latestEvent(ctx context.Context, backend Backend) (*Event, error) {
	events, err := backend.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	if len(events) == 0 {
		return nil, nil
	}
	return &events[len(events)-1], nil
}

// summaryFrom derives a short event title from the raw request.
func summaryFrom(conversation string) string {
	text := strings.TrimSpace(conversation)
	if text == "" {
		return "New event"
	}
	const maxTitle = 60
	if len(text) > maxTitle {
		text = text[:maxTitle]
	}
	return text
}

func baseDescriptor(description string, caps ...domain.Capability) domain.AgentDescriptor {
	return domain.AgentDescriptor{
		Description:  description,
		Capabilities: caps,
		Status:       domain.AgentStatusActive,
		Version:      "1.0.0",
		Dependencies: []string{backendDependency},
		Config:       map[string]string{"timezone": DefaultTimeZone},
	}
}

// CheckerDescriptor describes the availability-checking agent.
func CheckerDescriptor() domain.AgentDescriptor {
	return baseDescriptor("Checks calendar availability and events",
		domain.CapCalendar, capAvailabilityCheck)
}

// SchedulerDescriptor describes the event-creating agent.
func SchedulerDescriptor() domain.AgentDescriptor {
	return baseDescriptor("Schedules new calendar events",
		domain.CapCalendar, domain.CapScheduling, capEventCreation)
}

// ModifierDescriptor describes the event-editing agent.
func ModifierDescriptor() domain.AgentDescriptor {
	return baseDescriptor("Modifies existing calendar events",
		domain.CapCalendar, domain.CapModification, capEventEditing)
}

// RemoverDescriptor describes the event-removing agent.
func RemoverDescriptor() domain.AgentDescriptor {
	return baseDescriptor("Removes calendar events",
		domain.CapCalendar, domain.CapDeletion, capEventRemoval)
}
