package codec

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/syncmesh/core/common/syncerr"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	r := Record{
		ID: "evt-1", AggregateType: "note", AggregateID: "agg-1", Version: 1,
		EventType: "note.created", PayloadCiphertext: "cGxhaW50ZXh0", OccurredAt: "2026-07-31T00:00:00Z",
	}
	wire, err := Encode(r)
	require.NoError(t, err)

	decoded, err := Decode(wire, "evt-1")
	require.NoError(t, err)
	require.Equal(t, r, decoded)
}

func TestDecode_RejectsMismatchedID(t *testing.T) {
	wire, err := Encode(Record{ID: "evt-a"})
	require.NoError(t, err)

	_, err = Decode(wire, "evt-b")
	require.Error(t, err)

	var syncErr *syncerr.Error
	require.ErrorAs(t, err, &syncErr)
	require.Equal(t, syncerr.KindProtocol, syncErr.Kind)
	require.Equal(t, "record_id_mismatch", syncErr.Code)
}

func TestDecode_RejectsMalformedJSON(t *testing.T) {
	_, err := Decode("{not json", "evt-1")
	require.Error(t, err)

	var syncErr *syncerr.Error
	require.ErrorAs(t, err, &syncErr)
	require.Equal(t, "record_decode_failed", syncErr.Code)
}

func TestDecodeScopeStateRef_EmptyReturnsNil(t *testing.T) {
	b, err := DecodeScopeStateRef(Record{})
	require.NoError(t, err)
	require.Nil(t, b)
}

func TestDecodeScopeStateRef_DecodesBase64URL(t *testing.T) {
	r := Record{ScopeStateRef: "AQIDBA"} // base64url of 0x01 0x02 0x03 0x04
	b, err := DecodeScopeStateRef(r)
	require.NoError(t, err)
	require.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, b)
}

func TestDecodeScopeStateRef_RejectsInvalidBase64(t *testing.T) {
	_, err := DecodeScopeStateRef(Record{ScopeStateRef: "not-valid-base64!!"})
	require.Error(t, err)
}
