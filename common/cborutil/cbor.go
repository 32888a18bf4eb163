// Package cborutil provides the canonical CBOR encoding used for the
// sharing ledger's signed records (ScopeState.signedRecordCbor,
// ResourceGrant.signedGrantCbor). Encoding is deterministic (map keys sorted,
// canonical integer/float forms) so that two callers serializing the same
// value always produce byte-identical output - required because the server
// persists these bytes opaquely and the hash chain is computed over them by
// the client, never recomputed server-side.
package cborutil

import (
	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic("cborutil: failed to build canonical encoder: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic("cborutil: failed to build decoder: " + err.Error())
	}
}

// Marshal encodes v using the canonical CBOR encoding.
func Marshal(v interface{}) []byte {
	b, err := encMode.Marshal(v)
	if err != nil {
		panic("cborutil: marshal failed: " + err.Error())
	}
	return b
}

// Unmarshal decodes CBOR bytes into v.
func Unmarshal(data []byte, v interface{}) error {
	return decMode.Unmarshal(data, v)
}
