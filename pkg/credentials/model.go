package credentials

// Credential is the per-tenant authorization material needed to start that
// tenant's worker. AccessToken is always non-empty on records handed to
// callers; ExpiresAt == 0 means no expiry was recorded for the token.
type Credential struct {
	TenantID        string
	AccessToken     string
	RefreshToken    string
	ExpiresAt       int64 // unix seconds
	LocationRef     string
	CompanyRef      string
	ExternalUserRef string
	UserType        string
}

// LinkedAccount is an externally-linked OAuth account row that a credential
// record can be bootstrapped from on a tenant's first use.
type LinkedAccount struct {
	TenantID     string
	AccessToken  string
	RefreshToken string
	ExpiresAt    int64
	LocationRef  string
	CompanyRef   string
	UserID       string
	UserType     string
}
