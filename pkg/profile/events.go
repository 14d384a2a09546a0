package profile

import (
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/polisai/polis-edge/pkg/domain"
)

// Event types accepted by the events endpoint.
const (
	EventTypePage     = "page"
	EventTypeIdentify = "identify"
)

const (
	eventChannel   = "server"
	libraryName    = "polis-edge"
	libraryVersion = "1.0.0"
)

// Event is one entry of the events batch.
type Event struct {
	Type              string         `json:"type"`
	Channel           string         `json:"channel"`
	MessageID         string         `json:"messageId"`
	Timestamp         int64          `json:"timestamp"`
	OriginalTimestamp string         `json:"originalTimestamp"`
	SentAt            string         `json:"sentAt"`
	AnonymousID       string         `json:"anonymousId"`
	UserID            *string        `json:"userId,omitempty"`
	Context           EventContext   `json:"context"`
	Properties        map[string]any `json:"properties,omitempty"`
	Traits            map[string]any `json:"traits,omitempty"`
}

// EventContext describes where the event happened.
type EventContext struct {
	Library   Library           `json:"library"`
	Locale    string            `json:"locale"`
	Page      Page              `json:"page"`
	UserAgent string            `json:"userAgent"`
	Campaign  map[string]string `json:"campaign"`
}

// Library identifies the sender.
type Library struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Page describes the viewed page.
type Page struct {
	URL      string            `json:"url"`
	Path     string            `json:"path"`
	Query    map[string]string `json:"query"`
	Referrer string            `json:"referrer"`
	Search   string            `json:"search"`
}

func newEvent(eventType, anonymousID string, rc domain.RequestContext, now time.Time) Event {
	ts := now.UTC().Format(time.RFC3339Nano)
	return Event{
		Type:              eventType,
		Channel:           eventChannel,
		MessageID:         uuid.NewString(),
		Timestamp:         now.UnixMilli(),
		OriginalTimestamp: ts,
		SentAt:            ts,
		AnonymousID:       anonymousID,
		Context:           buildEventContext(rc),
	}
}

// NewPageEvent builds a page view event for the request context.
func NewPageEvent(anonymousID string, rc domain.RequestContext, now time.Time) Event {
	ev := newEvent(EventTypePage, anonymousID, rc, now)
	ev.Properties = map[string]any{}
	return ev
}

// NewIdentifyEvent builds an anonymous identify event carrying traits.
func NewIdentifyEvent(anonymousID string, rc domain.RequestContext, traits map[string]any, now time.Time) Event {
	ev := newEvent(EventTypeIdentify, anonymousID, rc, now)
	userID := ""
	ev.UserID = &userID
	ev.Traits = traits
	return ev
}

func buildEventContext(rc domain.RequestContext) EventContext {
	page := Page{
		URL:      rc.URL,
		Referrer: rc.Referrer,
		Query:    map[string]string{},
	}
	if u, err := url.Parse(rc.URL); err == nil {
		page.Path = u.Path
		if u.RawQuery != "" {
			page.Search = "?" + u.RawQuery
		}
		for key, values := range u.Query() {
			if len(values) > 0 {
				page.Query[key] = values[0]
			}
		}
	}

	campaign := map[string]string{}
	for key, value := range page.Query {
		if name, ok := utmParams[key]; ok {
			campaign[name] = value
		}
	}

	return EventContext{
		Library:   Library{Name: libraryName, Version: libraryVersion},
		Locale:    rc.Locale,
		Page:      page,
		UserAgent: rc.UserAgent,
		Campaign:  campaign,
	}
}

var utmParams = map[string]string{
	"utm_source":   "source",
	"utm_medium":   "medium",
	"utm_campaign": "name",
	"utm_term":     "term",
	"utm_content":  "content",
}
