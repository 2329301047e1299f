package telemetry

import (
	"context"
	"time"

	jww "github.com/spf13/jwalterweatherman"
)

type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error
}

// AuditEmitter publishes block-list and conversation deletion audit records.
type AuditEmitter struct {
	publisher   Publisher
	routingKey  string
	service     string
	environment string
	now         func() time.Time
}

type AuditEnvelope struct {
	SchemaVersion int          `json:"schema_version"`
	EventType     string       `json:"event_type"`
	OccurredAt    string       `json:"occurred_at"`
	Service       string       `json:"service"`
	Environment   string       `json:"environment"`
	RequestID     string       `json:"request_id"`
	UserID        *string      `json:"user_id,omitempty"`
	Payload       AuditPayload `json:"payload"`
}

func (e AuditEnvelope) MessageType() string { return e.EventType }

type AuditPayload struct {
	Action  string `json:"action"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
}

func NewAuditEmitter(publisher Publisher, routingKey, service, environment string) *AuditEmitter {
	return &AuditEmitter{
		publisher:   publisher,
		routingKey:  routingKey,
		service:     service,
		environment: environment,
		now:         time.Now,
	}
}

// Emit publishes one audit record. Failures are logged and dropped.
func (e *AuditEmitter) Emit(ctx context.Context, action, subject, text, requestID string, userID *string) {
	if e == nil || e.publisher == nil {
		return
	}

	jww.DEBUG.Printf("[Audit] emit action=%s subject=%s request_id=%s", action, subject, requestID)
	envelope := AuditEnvelope{
		SchemaVersion: 1,
		EventType:     "audit_log",
		OccurredAt:    e.now().UTC().Format(time.RFC3339Nano),
		Service:       e.service,
		Environment:   e.environment,
		RequestID:     requestID,
		UserID:        userID,
		Payload: AuditPayload{
			Action:  action,
			Subject: subject,
			Text:    text,
		},
	}

	if err := e.publisher.Publish(ctx, e.routingKey, envelope, map[string]string{"x-request-id": requestID}); err != nil {
		jww.WARN.Printf("[Audit] publish failed action=%s: %v", action, err)
	}
}
