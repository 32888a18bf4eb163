// Package model defines the wire- and storage-level types shared across the
// sync server components.
package model

import "time"

// SyncEvent is one server-owned row of the per-(owner,store) append log.
// Unique by (OwnerID, StoreID, EventID); unique by (OwnerID, StoreID,
// GlobalSequence).
type SyncEvent struct {
	OwnerID        string    `json:"-"`
	StoreID        string    `json:"-"`
	GlobalSequence int64     `json:"globalSequence"`
	EventID        string    `json:"eventId"`
	RecordJSON     string    `json:"recordJson"`
	CreatedAt      time.Time `json:"-"`

	// Sharing-dependency fields, present only on events carrying them.
	ScopeID       string `json:"-"`
	ResourceID    string `json:"-"`
	GrantID       string `json:"-"`
	ScopeStateRef []byte `json:"-"`
}

// InputEvent is one client-supplied event in a push request body.
type InputEvent struct {
	EventID        string `json:"eventId"`
	RecordJSON     string `json:"recordJson"`
	ScopeID        string `json:"scopeId,omitempty"`
	ResourceID     string `json:"resourceId,omitempty"`
	ResourceKeyID  string `json:"resourceKeyId,omitempty"`
	GrantID        string `json:"grantId,omitempty"`
	ScopeStateRef  []byte `json:"scopeStateRef,omitempty"`
	AuthorDeviceID string `json:"authorDeviceId,omitempty"`
}

// HasSharingDeps reports whether this event carries the sharing-dependency
// fields that push must validate.
func (e InputEvent) HasSharingDeps() bool {
	return e.ScopeID != "" || e.ResourceID != "" || e.GrantID != "" || len(e.ScopeStateRef) > 0
}

// Assignment is the globalSequence assigned (or already held) for one
// pushed event, returned in push-response order.
type Assignment struct {
	EventID        string `json:"eventId"`
	GlobalSequence int64  `json:"globalSequence"`
}

// AppendResult is the outcome of Store.Append.
type AppendResult struct {
	Head     int64
	Assigned []Assignment
}

// ScopeState is one row of a scope's hash-chained membership stream.
type ScopeState struct {
	ScopeID          string    `json:"scopeId"`
	Seq              int64     `json:"seq,string"`
	PrevHash         []byte    `json:"prevHash"` // nil iff Seq == 1
	Ref              []byte    `json:"ref"`
	OwnerUserID      string    `json:"ownerUserId"`
	ScopeEpoch       int64     `json:"scopeEpoch,string"`
	SignedRecordCBOR []byte    `json:"signedRecordCbor"`
	Members          []byte    `json:"members"` // opaque, server never interprets membership contents
	Signers          []byte    `json:"signers"`
	SigSuite         string    `json:"sigSuite"`
	Signature        []byte    `json:"signature"`
	CreatedAt        time.Time `json:"createdAt"`
}

// ScopeStateHead is the per-scope pointer to the latest ScopeState row.
type ScopeStateHead struct {
	ScopeID     string
	OwnerUserID string
	HeadSeq     int64
	HeadRef     []byte
}

// GrantStatus is the lifecycle state of a ResourceGrant.
type GrantStatus string

const (
	GrantActive  GrantStatus = "active"
	GrantRevoked GrantStatus = "revoked"
)

// ResourceGrant is one row of a (scope,resource)'s hash-chained grant
// stream.
type ResourceGrant struct {
	GrantID         string      `json:"grantId"`
	ScopeID         string      `json:"scopeId"`
	ResourceID      string      `json:"resourceId"`
	Seq             int64       `json:"seq,string"`
	PrevHash        []byte      `json:"prevHash"`
	GrantHash       []byte      `json:"grantHash"`
	ScopeStateRef   []byte      `json:"scopeStateRef"`
	ScopeEpoch      int64       `json:"scopeEpoch,string"`
	ResourceKeyID   string      `json:"resourceKeyId"`
	WrappedKey      []byte      `json:"wrappedKey"`
	Policy          []byte      `json:"policy,omitempty"`
	Status          GrantStatus `json:"status"`
	SignedGrantCBOR []byte      `json:"signedGrantCbor"`
	SigSuite        string      `json:"sigSuite"`
	Signature       []byte      `json:"signature"`
	CreatedAt       time.Time   `json:"createdAt"`
}

// ResourceGrantHead points at the currently active grant for a
// (scope,resource) pair, if any.
type ResourceGrantHead struct {
	ScopeID       string
	ResourceID    string
	ActiveGrantID string
	HeadSeq       int64
	HeadHash      []byte
}

// KeyEnvelope is a wrapped scope key destined for one recipient at one
// epoch. Unique by (ScopeID, RecipientUserID, ScopeEpoch).
type KeyEnvelope struct {
	EnvelopeID                string    `json:"envelopeId"`
	ScopeID                   string    `json:"scopeId"`
	RecipientUserID           string    `json:"recipientUserId"`
	ScopeEpoch                int64     `json:"scopeEpoch,string"`
	RecipientUkPubFingerprint string    `json:"recipientUkPubFingerprint"`
	Ciphersuite               string    `json:"ciphersuite"`
	Ciphertext                []byte    `json:"ciphertext"`
	Metadata                  []byte    `json:"metadata,omitempty"`
	CreatedAt                 time.Time `json:"createdAt"`
}

// KeyVaultRecord is one row of a user's hash-chained key vault stream.
type KeyVaultRecord struct {
	UserID     string    `json:"userId"`
	RecordSeq  int64     `json:"recordSeq,string"`
	PrevHash   []byte    `json:"prevHash"`
	RecordHash []byte    `json:"recordHash"`
	Ciphertext []byte    `json:"ciphertext"`
	Metadata   []byte    `json:"metadata,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}
