package webhook

import (
	"encoding/json"
	"errors"
	"net/url"
	"strconv"
)

// ErrNoExternalID is returned by a Parser when the body carries no
// identifiable record id — the receiver turns this into a 400.
var ErrNoExternalID = errors.New("webhook: no external id found in payload")

// Result is the minimal triple the webhook receiver extracts from a raw
// delivery before it is ever trusted with real data — the payload itself is
// never carried into the queue; the normalizer re-fetches the authoritative
// record by ExternalID.
type Result struct {
	EventType  string
	ExternalID string
}

// Parser extracts a Result from one source's raw webhook body. Body carries
// the exact bytes that were signature-verified; form is populated only when
// the request was form-encoded (the task source).
type Parser interface {
	Parse(body []byte, form url.Values) (Result, error)
}

// Registry maps a source name to its Parser; the receiver itself stays a
// thin router over it.
type Registry map[string]Parser

// NewRegistry returns the registry wired for every source this service
// understands.
func NewRegistry() Registry {
	return Registry{
		"task": taskParser{},
		"mail": mailParser{},
		"doc":  docParser{},
	}
}

// taskParser handles the task tracker's form-encoded delivery. Those
// deliveries carry no event type of their own, so every one is recorded as
// "task.updated".
type taskParser struct{}

func (taskParser) Parse(_ []byte, form url.Values) (Result, error) {
	taskID := form.Get("Task.ID")
	if taskID == "" {
		taskID = form.Get("ID")
	}
	if taskID == "" {
		return Result{}, ErrNoExternalID
	}
	return Result{EventType: "task.updated", ExternalID: taskID}, nil
}

// mailParser handles the mailbox's JSON delivery. The conversation id may
// appear nested under "conversation", flattened as "conversation_id" /
// "conversationId", or nested one level further under "message".
type mailParser struct{}

func (mailParser) Parse(body []byte, _ url.Values) (Result, error) {
	var data map[string]any
	if err := json.Unmarshal(body, &data); err != nil {
		return Result{}, err
	}

	eventType := stringField(data, "event")
	if eventType == "" {
		eventType = stringField(data, "type")
	}
	if eventType == "" {
		eventType = "unknown"
	}

	externalID := extractMailConversationID(data)
	if externalID == "" {
		return Result{}, ErrNoExternalID
	}
	return Result{EventType: eventType, ExternalID: externalID}, nil
}

func extractMailConversationID(data map[string]any) string {
	if conv, ok := data["conversation"].(map[string]any); ok {
		if id := stringField(conv, "id"); id != "" {
			return id
		}
	}
	for _, key := range []string{"conversation_id", "conversationId"} {
		if id := stringField(data, key); id != "" {
			return id
		}
	}
	if msg, ok := data["message"].(map[string]any); ok {
		for _, key := range []string{"conversation_id", "conversationId"} {
			if id := stringField(msg, key); id != "" {
				return id
			}
		}
	}
	return ""
}

// docParser handles the optional document store's JSON delivery, keyed by a
// flat top-level "id" field.
type docParser struct{}

func (docParser) Parse(body []byte, _ url.Values) (Result, error) {
	var data map[string]any
	if err := json.Unmarshal(body, &data); err != nil {
		return Result{}, err
	}

	eventType := stringField(data, "event")
	if eventType == "" {
		eventType = stringField(data, "type")
	}
	if eventType == "" {
		eventType = "unknown"
	}

	docID := stringField(data, "id")
	if docID == "" {
		return Result{}, ErrNoExternalID
	}
	return Result{EventType: eventType, ExternalID: docID}, nil
}

// stringField reads key from data and stringifies it, tolerating both string
// and numeric JSON values (some sources send numeric ids).
func stringField(data map[string]any, key string) string {
	v, ok := data[key]
	if !ok || v == nil {
		return ""
	}
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return trimFloat(val)
	default:
		return ""
	}
}

func trimFloat(f float64) string {
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return ""
}
