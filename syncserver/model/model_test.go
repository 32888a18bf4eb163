package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHasSharingDeps_TrueWhenAnyFieldSet(t *testing.T) {
	cases := []InputEvent{
		{ScopeID: "scope-1"},
		{ResourceID: "resource-1"},
		{GrantID: "grant-1"},
		{ScopeStateRef: []byte{0x01}},
	}
	for _, e := range cases {
		require.True(t, e.HasSharingDeps())
	}
}

func TestHasSharingDeps_FalseWhenNoneSet(t *testing.T) {
	e := InputEvent{EventID: "evt-1", RecordJSON: "{}"}
	require.False(t, e.HasSharingDeps())
}

func TestGrantStatus_Constants(t *testing.T) {
	require.Equal(t, GrantStatus("active"), GrantActive)
	require.Equal(t, GrantStatus("revoked"), GrantRevoked)
}
