package connectors

import (
	"context"
	"time"

	"github.com/nexasec/shadowbot/internal/models"
)

// Connector defines the interface for external platform connectors. Platform
// quirks (pagination style, rate-limit headers, missing endpoints) stay
// behind this boundary and never leak into the scheduler or normalizer.
type Connector interface {
	// Platform returns the platform type this connector serves.
	Platform() models.Platform

	// Validate tests that the credential grants the access the connector
	// needs. A failure is an AuthError, never a raw transport error.
	Validate(ctx context.Context) error

	// Close releases any resources held by the connector.
	Close() error
}

// AutomationLister enumerates the platform's bots, apps, workflows, and
// service accounts.
type AutomationLister interface {
	Connector

	// ListAutomations returns one page of raw automation events changed
	// since the watermark. A non-empty NextCursor means more pages exist;
	// passing it back resumes the listing where the page ended.
	ListAutomations(ctx context.Context, since time.Time, cursor string) (*AutomationPage, error)
}

// ActivityLister enumerates activity/audit events attributable to
// automations within a time window.
type ActivityLister interface {
	Connector

	// ListActivity returns one page of raw activity events inside the window.
	ListActivity(ctx context.Context, window ActivityWindow, cursor string) (*ActivityPage, error)
}

// ActivityWindow bounds an activity listing.
type ActivityWindow struct {
	Start time.Time
	End   time.Time
}

// AutomationPage is one page of a cursor-keyed automation listing.
type AutomationPage struct {
	Events     []RawAutomationEvent
	NextCursor string
}

// ActivityPage is one page of a cursor-keyed activity listing.
type ActivityPage struct {
	Events     []RawActivityEvent
	NextCursor string
}

// RawAutomationEvent is a platform-native automation payload. The payload
// stays untyped until the normalizer parses and validates it; nothing
// downstream of the normalizer sees these maps.
type RawAutomationEvent struct {
	NativeID string
	Kind     string
	Payload  map[string]interface{}
}

// RawActivityEvent is a platform-native activity/audit record.
type RawActivityEvent struct {
	NativeID  string
	ActorID   string
	Action    string
	Target    string
	Timestamp time.Time
	Payload   map[string]interface{}
}
