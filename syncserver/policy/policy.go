// Package policy implements the access-policy hooks the sync service calls
// before a push or pull: narrow interfaces a host application can replace
// without touching the service itself.
package policy

import (
	"context"

	"github.com/syncmesh/core/common/syncerr"
)

// Actor is the resolved caller of a sync request, as produced by
// syncserver/auth.
type Actor struct {
	IdentityID string
	Traits     map[string]string
}

// Policy decides whether an actor may push to or pull from a store. The
// default implementation only checks that the actor is the store's owner
// (ownership is otherwise enforced separately by syncserver/store); it
// exists as a narrow interface so a host application can layer richer
// authorization (e.g. device revocation, org-level suspension) without
// touching the Sync Service.
type Policy interface {
	CanPush(ctx context.Context, actor Actor, ownerID, storeID string) error
	CanPull(ctx context.Context, actor Actor, ownerID, storeID string) error
	// CanReset gates POST /sync/dev/reset beyond the NODE_ENV check already
	// performed at the HTTP layer.
	CanReset(ctx context.Context, actor Actor, ownerID, storeID string) error
}

// OwnerOnly is the default Policy: an actor may only push/pull/reset stores
// it owns.
type OwnerOnly struct{}

func (OwnerOnly) CanPush(_ context.Context, actor Actor, ownerID, _ string) error {
	return checkOwner(actor, ownerID)
}

func (OwnerOnly) CanPull(_ context.Context, actor Actor, ownerID, _ string) error {
	return checkOwner(actor, ownerID)
}

func (OwnerOnly) CanReset(_ context.Context, actor Actor, ownerID, _ string) error {
	return checkOwner(actor, ownerID)
}

func checkOwner(actor Actor, ownerID string) error {
	if actor.IdentityID == "" || actor.IdentityID != ownerID {
		return &syncerr.Error{
			Kind:    syncerr.KindAuth,
			Code:    "access_denied",
			Message: "actor is not the store owner",
			Wrapped: &syncerr.AccessDenied{Reason: "actor is not the store owner"},
		}
	}
	return nil
}
