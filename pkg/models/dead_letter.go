package models

import (
	"encoding/json"
	"time"
)

// Dead-letter sources
const (
	SourceConsumer = "consumer"
	SourceFallback = "fallback"
)

// DeadLetter describes a notification that was disposed of without delivery.
type DeadLetter struct {
	MessageID  string          `json:"message_id"`
	Channel    Channel         `json:"channel,omitempty"`
	RoutingKey string          `json:"routing_key,omitempty"`
	Source     string          `json:"source"`
	Reason     string          `json:"reason"`
	Attempts   int             `json:"attempts"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	RawPayload string          `json:"raw_payload,omitempty"`
	FailedAt   time.Time       `json:"failed_at"`
}

// NewDeadLetter builds a record, keeping the body as JSON when it parses and as raw text otherwise.
func NewDeadLetter(source string, body []byte, reason error) DeadLetter {
	dl := DeadLetter{
		Source:   source,
		FailedAt: time.Now().UTC(),
	}
	if reason != nil {
		dl.Reason = reason.Error()
	}
	if json.Valid(body) {
		dl.Payload = json.RawMessage(body)
	} else {
		dl.RawPayload = string(body)
	}
	return dl
}
