package model

import (
	"encoding/json"
	"fmt"
)

// EventKind is the normalized subscription lifecycle event type.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventCreated
	EventRemoved
)

func (k EventKind) String() string {
	switch k {
	case EventCreated:
		return "created"
	case EventRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// SubscriptionEvent is a lifecycle message from the subscription service.
// Consumed once, never stored.
type SubscriptionEvent struct {
	EventType string        `json:"event_type"`
	Token     int64         `json:"instrument_token"`
	Metadata  EventMetadata `json:"metadata"`
	Timestamp int64         `json:"timestamp"` // Unix seconds
}

// EventMetadata carries optional subscription context.
type EventMetadata struct {
	TradingSymbol string `json:"trading_symbol"`
	Segment       string `json:"segment,omitempty"`
	RequestedMode string `json:"requested_mode,omitempty"`
	AccountID     string `json:"account_id,omitempty"`
}

// Kind normalizes the event_type string, accepting the spelling variants the
// upstream service has emitted over time. "removed" and "deleted" are the
// same event.
func (e *SubscriptionEvent) Kind() EventKind {
	switch e.EventType {
	case "subscription_created", "created":
		return EventCreated
	case "subscription_removed", "subscription_deleted", "removed", "deleted":
		return EventRemoved
	default:
		return EventUnknown
	}
}

// Validate checks the fields a creation event must carry before a backfill
// may be triggered.
func (e *SubscriptionEvent) Validate() error {
	if e.Token <= 0 {
		return fmt.Errorf("subscription event: invalid instrument_token %d", e.Token)
	}
	if e.Metadata.TradingSymbol == "" {
		return fmt.Errorf("subscription event: missing trading_symbol for token %d", e.Token)
	}
	return nil
}

// ParseSubscriptionEvent decodes a raw lifecycle message.
func ParseSubscriptionEvent(raw []byte) (*SubscriptionEvent, error) {
	var ev SubscriptionEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("parse subscription event: %w", err)
	}
	return &ev, nil
}
