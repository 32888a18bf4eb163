package cborutil

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fixture struct {
	B string `cbor:"b"`
	A string `cbor:"a"`
	C int    `cbor:"c"`
}

func TestMarshal_Deterministic(t *testing.T) {
	v := fixture{B: "bee", A: "aye", C: 3}

	first := Marshal(v)
	second := Marshal(v)
	require.Equal(t, first, second, "canonical encoding must be byte-identical across calls")
}

func TestMarshal_SortsMapKeysCanonically(t *testing.T) {
	m1 := map[string]int{"z": 1, "a": 2, "m": 3}
	m2 := map[string]int{"m": 3, "z": 1, "a": 2}

	require.Equal(t, Marshal(m1), Marshal(m2), "map key order must not affect the encoded bytes")
}

func TestMarshalUnmarshal_RoundTrip(t *testing.T) {
	v := fixture{A: "aye", B: "bee", C: 42}
	b := Marshal(v)

	var out fixture
	require.NoError(t, Unmarshal(b, &out))
	require.Equal(t, v, out)
}

func TestUnmarshal_RejectsDuplicateMapKeys(t *testing.T) {
	// Hand-built CBOR map {1: "a", 1: "b"} - duplicate integer key 1.
	dup := []byte{0xa2, 0x01, 0x61, 'a', 0x01, 0x61, 'b'}

	var out map[int]string
	err := Unmarshal(dup, &out)
	require.Error(t, err)
}

func TestMarshal_PanicsOnUnsupportedValue(t *testing.T) {
	require.Panics(t, func() {
		Marshal(make(chan int))
	})
}
