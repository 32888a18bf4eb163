// Package codec implements the client sync engine's record wire codec: a
// canonical JSON object with stable fields including aggregateType,
// aggregateId, version, payloadCiphertext (base64url), sharing references,
// signature suite, and signature.
package codec

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/syncmesh/core/common/syncerr"
)

// Record is the decoded form of one event's recordJson.
type Record struct {
	ID                string `json:"id"`
	AggregateType     string `json:"aggregateType"`
	AggregateID       string `json:"aggregateId"`
	Version           int64  `json:"version"`
	EventType         string `json:"eventType"`
	PayloadCiphertext string `json:"payloadCiphertext"` // base64url
	OccurredAt        string `json:"occurredAt"`
	ActorID           string `json:"actorId,omitempty"`
	CausationID       string `json:"causationId,omitempty"`
	CorrelationID     string `json:"correlationId,omitempty"`
	ScopeID           string `json:"scopeId,omitempty"`
	ResourceID        string `json:"resourceId,omitempty"`
	ResourceKeyID     string `json:"resourceKeyId,omitempty"`
	GrantID           string `json:"grantId,omitempty"`
	ScopeStateRef     string `json:"scopeStateRef,omitempty"` // base64url
	SigSuite          string `json:"sigSuite,omitempty"`
	Signature         string `json:"signature,omitempty"` // base64url
}

// Encode marshals a Record to its canonical JSON wire form.
func Encode(r Record) (string, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("codec: encode failed: %w", err)
	}
	return string(b), nil
}

// Decode parses recordJson and asserts record.id == eventId, a fatal
// protocol error on mismatch.
func Decode(recordJSON string, eventID string) (Record, error) {
	var r Record
	if err := json.Unmarshal([]byte(recordJSON), &r); err != nil {
		return Record{}, &syncerr.Error{Kind: syncerr.KindProtocol, Code: "record_decode_failed", Message: err.Error()}
	}
	if r.ID != eventID {
		return Record{}, &syncerr.Error{
			Kind:    syncerr.KindProtocol,
			Code:    "record_id_mismatch",
			Message: fmt.Sprintf("record.id %q does not equal eventId %q", r.ID, eventID),
		}
	}
	return r, nil
}

// DecodeScopeStateRef decodes the record's base64url-encoded scopeStateRef,
// returning nil if absent.
func DecodeScopeStateRef(r Record) ([]byte, error) {
	if r.ScopeStateRef == "" {
		return nil, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(r.ScopeStateRef)
	if err != nil {
		return nil, fmt.Errorf("codec: invalid scopeStateRef: %w", err)
	}
	return b, nil
}

// DecodeSignature decodes the record's base64url-encoded signature,
// returning nil if absent.
func DecodeSignature(r Record) ([]byte, error) {
	if r.Signature == "" {
		return nil, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(r.Signature)
	if err != nil {
		return nil, fmt.Errorf("codec: invalid signature: %w", err)
	}
	return b, nil
}
