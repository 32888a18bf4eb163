package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/syncmesh/core/common/syncerr"
)

func TestOwnerOnly_CanPush_AllowsOwner(t *testing.T) {
	p := OwnerOnly{}
	actor := Actor{IdentityID: "user-1"}

	err := p.CanPush(context.Background(), actor, "user-1", "store-1")
	require.NoError(t, err)
}

func TestOwnerOnly_CanPush_DeniesNonOwner(t *testing.T) {
	p := OwnerOnly{}
	actor := Actor{IdentityID: "user-2"}

	err := p.CanPush(context.Background(), actor, "user-1", "store-1")
	require.Error(t, err)

	var syncErr *syncerr.Error
	require.ErrorAs(t, err, &syncErr)
	require.Equal(t, syncerr.KindAuth, syncErr.Kind)
	require.Equal(t, "access_denied", syncErr.Code)

	var denied *syncerr.AccessDenied
	require.ErrorAs(t, err, &denied)
}

func TestOwnerOnly_CanPull_DeniesEmptyActor(t *testing.T) {
	p := OwnerOnly{}
	err := p.CanPull(context.Background(), Actor{}, "user-1", "store-1")
	require.Error(t, err)
}

func TestOwnerOnly_CanReset_AllowsOwner(t *testing.T) {
	p := OwnerOnly{}
	actor := Actor{IdentityID: "owner-x"}
	require.NoError(t, p.CanReset(context.Background(), actor, "owner-x", "store-z"))
}
