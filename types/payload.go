package types

import (
	"bytes"
	"encoding/json"
)

// Payload schemas per message type. Validation is soft by design: a payload
// that does not match its schema is passed through raw so the pipeline never
// hard-fails on a shape mismatch.

// EvaluationRequest is the payload for MessageTypeEvaluationRequest.
type EvaluationRequest struct {
	Proposal string `json:"proposal"`
	Context  string `json:"context,omitempty"`
	Urgency  string `json:"urgency,omitempty"`
}

// EvaluationResult is the payload for MessageTypeEvaluationResult.
type EvaluationResult struct {
	Approved bool     `json:"approved"`
	Proposal string   `json:"proposal,omitempty"`
	Score    *float64 `json:"score,omitempty"`
	Feedback string   `json:"feedback,omitempty"`
}

// ProposalPayload is the payload for MessageTypeProposal.
type ProposalPayload struct {
	Proposal string `json:"proposal"`
	Author   string `json:"author,omitempty"`
}

// UserPayload is the payload for MessageTypeUser.
type UserPayload struct {
	Text string `json:"text"`
}

// BroadcastPayload is the payload for MessageTypeBroadcast.
type BroadcastPayload struct {
	Text  string `json:"text"`
	Topic string `json:"topic,omitempty"`
}

// primaryField maps a message type to the field a bare string payload is
// wrapped into.
func primaryField(t MessageType) string {
	switch t {
	case MessageTypeEvaluationRequest, MessageTypeProposal:
		return "proposal"
	case MessageTypeUser, MessageTypeBroadcast, MessageTypeSystem:
		return "text"
	default:
		return ""
	}
}

// NormalizeContent coerces content toward the schema for the given message
// type. A string is wrapped into the type's primary field; a map is parsed
// against the schema on a best-effort basis. The returned content is always
// usable. The returned error, when non-nil, is an advisory
// ErrCodeValidation the caller should log; NormalizeContent itself never
// rejects content.
func NormalizeContent(t MessageType, content any) (any, error) {
	if content == nil {
		return nil, nil
	}

	// Already-typed payloads pass through untouched.
	switch content.(type) {
	case EvaluationRequest, *EvaluationRequest,
		EvaluationResult, *EvaluationResult,
		ProposalPayload, *ProposalPayload,
		UserPayload, *UserPayload,
		BroadcastPayload, *BroadcastPayload:
		return content, nil
	}

	// A bare string becomes the type's primary field.
	if s, ok := content.(string); ok {
		if field := primaryField(t); field != "" {
			return map[string]any{field: s}, nil
		}
		return content, nil
	}

	// A generic map gets a best-effort schema parse. On mismatch the raw map
	// is returned unchanged together with an advisory error.
	if m, ok := content.(map[string]any); ok {
		parsed, err := parsePayload(t, m)
		if err != nil {
			return m, NewError(ErrCodeValidation,
				"payload does not match schema for "+string(t)).WithCause(err)
		}
		if parsed != nil {
			return parsed, nil
		}
		return m, nil
	}

	return content, NewError(ErrCodeValidation,
		"unrecognized payload shape for "+string(t))
}

// parsePayload round-trips a map through JSON into the typed schema for t.
// Returns (nil, nil) for types without a dedicated schema.
func parsePayload(t MessageType, m map[string]any) (any, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}

	dec := func(v any) (any, error) {
		if err := strictUnmarshal(raw, v); err != nil {
			return nil, err
		}
		return v, nil
	}

	switch t {
	case MessageTypeEvaluationRequest:
		return dec(&EvaluationRequest{})
	case MessageTypeEvaluationResult:
		return dec(&EvaluationResult{})
	case MessageTypeProposal:
		return dec(&ProposalPayload{})
	case MessageTypeUser:
		return dec(&UserPayload{})
	case MessageTypeBroadcast:
		return dec(&BroadcastPayload{})
	default:
		return nil, nil
	}
}

// strictUnmarshal decodes raw into v, rejecting unknown fields so that a map
// with a foreign shape is detected instead of silently zeroed.
func strictUnmarshal(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
