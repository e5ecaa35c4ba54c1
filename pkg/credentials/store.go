package credentials

import (
	"context"
	"errors"
)

// ErrNotFound is returned by stores when no record exists for a tenant.
var ErrNotFound = errors.New("credential not found")

// ErrNotOnboarded means the tenant has neither a credential record nor a
// linkable external account. Not retryable.
var ErrNotOnboarded = errors.New("tenant not onboarded")

// ErrRefreshFailed means the external token refresh call failed. The stale
// token is not silently reused; callers may prompt re-authentication.
var ErrRefreshFailed = errors.New("token refresh failed")

// Store reads and writes tenant credential records. Deletion is owned by the
// persistence layer, not by this subsystem.
type Store interface {
	Find(ctx context.Context, tenantID string) (Credential, error)
	Create(ctx context.Context, c Credential) error
	Update(ctx context.Context, c Credential) error
	// FindLinkableAccount returns an external OAuth account row usable to
	// bootstrap a credential record for a not-yet-onboarded tenant.
	FindLinkableAccount(ctx context.Context, tenantID string) (LinkedAccount, error)
}
