// pkg/credentials/refresher.go
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"toolgate/pkg/config"
)

// refreshHorizon is how close to expiry a token may get before it is
// exchanged. Tokens expiring beyond the horizon are handed out as-is.
const refreshHorizon = 5 * time.Minute

// Refresher guarantees every credential handed to the pool is currently
// valid, exchanging refresh tokens against the external authorization
// service when a stored token is near expiry.
type Refresher struct {
	store        Store
	log          *zap.SugaredLogger
	httpc        *http.Client
	tokenURL     string
	clientID     string
	clientSecret string
	group        singleflight.Group
	now          func() time.Time
}

func NewRefresher(store Store, cfg config.Config, log *zap.SugaredLogger) *Refresher {
	return &Refresher{
		store:        store,
		log:          log,
		httpc:        &http.Client{Timeout: cfg.RefreshTimeout},
		tokenURL:     cfg.OAuthTokenURL,
		clientID:     cfg.OAuthClientID,
		clientSecret: cfg.OAuthClientSecret,
		now:          time.Now,
	}
}

// Valid returns a credential for the tenant, refreshing or bootstrapping it
// first if necessary. The check-then-refresh sequence is single-flight per
// tenant so a one-time-use refresh token is never spent twice.
func (r *Refresher) Valid(ctx context.Context, tenantID string) (Credential, error) {
	v, err, _ := r.group.Do(tenantID, func() (any, error) {
		return r.valid(ctx, tenantID)
	})
	if err != nil {
		return Credential{}, err
	}
	return v.(Credential), nil
}

func (r *Refresher) valid(ctx context.Context, tenantID string) (Credential, error) {
	cred, err := r.store.Find(ctx, tenantID)
	if errors.Is(err, ErrNotFound) {
		return r.bootstrap(ctx, tenantID)
	}
	if err != nil {
		// Store outage, not a missing record; must not surface as
		// not-onboarded.
		return Credential{}, err
	}
	if cred.ExpiresAt == 0 || time.Unix(cred.ExpiresAt, 0).After(r.now().Add(refreshHorizon)) {
		return cred, nil
	}
	if cred.RefreshToken == "" {
		// No way to refresh; hand out the stale token and let the
		// downstream API give the authoritative failure.
		r.log.Warnw("credential expired with no refresh token, handing out stale",
			"tenant", tenantID, "expires_at", cred.ExpiresAt)
		return cred, nil
	}
	return r.refresh(ctx, cred)
}

// bootstrap migrates an already-linked external account row into a credential
// record. One-time path for tenants onboarded before this subsystem existed.
func (r *Refresher) bootstrap(ctx context.Context, tenantID string) (Credential, error) {
	acct, err := r.store.FindLinkableAccount(ctx, tenantID)
	if errors.Is(err, ErrNotFound) {
		return Credential{}, fmt.Errorf("tenant %s: %w", tenantID, ErrNotOnboarded)
	}
	if err != nil {
		return Credential{}, err
	}
	cred := Credential{
		TenantID:        tenantID,
		AccessToken:     acct.AccessToken,
		RefreshToken:    acct.RefreshToken,
		ExpiresAt:       acct.ExpiresAt,
		LocationRef:     acct.LocationRef,
		CompanyRef:      acct.CompanyRef,
		ExternalUserRef: acct.UserID,
		UserType:        acct.UserType,
	}
	if err := r.store.Create(ctx, cred); err != nil {
		return Credential{}, err
	}
	r.log.Infow("bootstrapped credential from linked account", "tenant", tenantID, "location", cred.LocationRef)
	return cred, nil
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

func (r *Refresher) refresh(ctx context.Context, cred Credential) (Credential, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", r.clientID)
	form.Set("client_secret", r.clientSecret)
	form.Set("refresh_token", cred.RefreshToken)
	if cred.UserType != "" {
		form.Set("user_type", cred.UserType)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Credential{}, fmt.Errorf("tenant %s: %w: %v", cred.TenantID, ErrRefreshFailed, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := r.httpc.Do(req)
	if err != nil {
		return Credential{}, fmt.Errorf("tenant %s: %w: %v", cred.TenantID, ErrRefreshFailed, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		r.log.Warnw("token refresh rejected", "tenant", cred.TenantID, "status", resp.StatusCode)
		return Credential{}, fmt.Errorf("tenant %s: %w: status %d", cred.TenantID, ErrRefreshFailed, resp.StatusCode)
	}
	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil || tok.AccessToken == "" {
		return Credential{}, fmt.Errorf("tenant %s: %w: bad token response", cred.TenantID, ErrRefreshFailed)
	}
	cred.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		cred.RefreshToken = tok.RefreshToken
	}
	if tok.ExpiresIn > 0 {
		cred.ExpiresAt = r.now().Add(time.Duration(tok.ExpiresIn) * time.Second).Unix()
	}
	if err := r.store.Update(ctx, cred); err != nil {
		return Credential{}, err
	}
	r.log.Infow("credential refreshed", "tenant", cred.TenantID, "expires_at", cred.ExpiresAt)
	return cred, nil
}
