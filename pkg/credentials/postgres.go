// pkg/credentials/postgres.go
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"toolgate/pkg/db"
)

// pgStore implements Store backed by PostgreSQL.
type pgStore struct {
	dbPool *pgxpool.Pool
	log    *zap.SugaredLogger
}

// NewPostgresStore constructs a PostgreSQL-backed credential store.
func NewPostgresStore(dbPool *pgxpool.Pool, log *zap.SugaredLogger) Store {
	return &pgStore{dbPool: dbPool, log: log}
}

// EnsureSchema creates required tables if they do not already exist.
// Safe to call repeatedly (idempotent).
func EnsureSchema(ctx context.Context, dbPool *pgxpool.Pool) error {
	_, err := dbPool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS tenant_credentials (
  tenant_id text PRIMARY KEY,
  access_token text NOT NULL,
  refresh_token text,
  expires_at bigint,
  location_ref text,
  company_ref text,
  external_user_ref text,
  user_type text,
  created_at timestamptz NOT NULL DEFAULT NOW(),
  updated_at timestamptz NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS linked_accounts (
  tenant_id text PRIMARY KEY,
  access_token text NOT NULL,
  refresh_token text,
  expires_at bigint,
  location_ref text,
  company_ref text,
  user_id text,
  user_type text,
  created_at timestamptz NOT NULL DEFAULT NOW()
);
ALTER TABLE tenant_credentials ADD COLUMN IF NOT EXISTS external_user_ref text;
ALTER TABLE tenant_credentials ADD COLUMN IF NOT EXISTS user_type text;
`)
	return err
}

// SeedFromEnv ingests initial credential rows (GATE_CREDENTIAL_SEED_JSON).
func SeedFromEnv(ctx context.Context, dbPool *pgxpool.Pool, jsonSeed string) error {
	if jsonSeed == "" {
		return nil
	}
	var entries []struct {
		TenantID, AccessToken, RefreshToken, LocationRef, CompanyRef, UserType string
		ExpiresAt                                                              int64
	}
	if err := json.Unmarshal([]byte(jsonSeed), &entries); err != nil {
		return err
	}
	for _, e := range entries {
		_, _ = dbPool.Exec(ctx, `INSERT INTO tenant_credentials(tenant_id,access_token,refresh_token,expires_at,location_ref,company_ref,user_type)
		  VALUES ($1,$2,$3,$4,$5,$6,$7)
		  ON CONFLICT (tenant_id) DO UPDATE SET access_token=EXCLUDED.access_token,refresh_token=EXCLUDED.refresh_token,expires_at=EXCLUDED.expires_at,location_ref=EXCLUDED.location_ref,company_ref=EXCLUDED.company_ref,user_type=EXCLUDED.user_type,updated_at=NOW()`,
			e.TenantID, e.AccessToken, e.RefreshToken, e.ExpiresAt, e.LocationRef, e.CompanyRef, e.UserType)
	}
	return nil
}

func (p *pgStore) Find(ctx context.Context, tenantID string) (Credential, error) {
	row := p.dbPool.QueryRow(ctx, `SELECT tenant_id,access_token,COALESCE(refresh_token,''),COALESCE(expires_at,0),COALESCE(location_ref,''),COALESCE(company_ref,''),COALESCE(external_user_ref,''),COALESCE(user_type,'') FROM tenant_credentials WHERE tenant_id=$1`, tenantID)
	var c Credential
	if err := row.Scan(&c.TenantID, &c.AccessToken, &c.RefreshToken, &c.ExpiresAt, &c.LocationRef, &c.CompanyRef, &c.ExternalUserRef, &c.UserType); err != nil {
		// Only a genuinely missing row is ErrNotFound; a store outage must
		// not masquerade as an un-onboarded tenant.
		if errors.Is(err, pgx.ErrNoRows) {
			return Credential{}, ErrNotFound
		}
		return Credential{}, fmt.Errorf("credential lookup %s: %w", tenantID, err)
	}
	return c, nil
}

func (p *pgStore) Create(ctx context.Context, c Credential) error {
	_, err := p.dbPool.Exec(ctx, `INSERT INTO tenant_credentials(tenant_id,access_token,refresh_token,expires_at,location_ref,company_ref,external_user_ref,user_type)
	  VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	  ON CONFLICT (tenant_id) DO UPDATE SET access_token=EXCLUDED.access_token,refresh_token=EXCLUDED.refresh_token,expires_at=EXCLUDED.expires_at,updated_at=NOW()`,
		c.TenantID, c.AccessToken, c.RefreshToken, c.ExpiresAt, c.LocationRef, c.CompanyRef, c.ExternalUserRef, c.UserType)
	return err
}

func (p *pgStore) Update(ctx context.Context, c Credential) error {
	// Credential rows sit behind row-level security keyed on app.tenant_id,
	// so the write happens inside a tenant-scoped transaction.
	tx, err := db.BeginTxWithTenant(ctx, p.dbPool, c.TenantID)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	tag, err := tx.Exec(ctx, `UPDATE tenant_credentials SET access_token=$2,refresh_token=$3,expires_at=$4,updated_at=NOW() WHERE tenant_id=$1`,
		c.TenantID, c.AccessToken, c.RefreshToken, c.ExpiresAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return tx.Commit(ctx)
}

func (p *pgStore) FindLinkableAccount(ctx context.Context, tenantID string) (LinkedAccount, error) {
	row := p.dbPool.QueryRow(ctx, `SELECT tenant_id,access_token,COALESCE(refresh_token,''),COALESCE(expires_at,0),COALESCE(location_ref,''),COALESCE(company_ref,''),COALESCE(user_id,''),COALESCE(user_type,'') FROM linked_accounts WHERE tenant_id=$1`, tenantID)
	var a LinkedAccount
	if err := row.Scan(&a.TenantID, &a.AccessToken, &a.RefreshToken, &a.ExpiresAt, &a.LocationRef, &a.CompanyRef, &a.UserID, &a.UserType); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return LinkedAccount{}, ErrNotFound
		}
		return LinkedAccount{}, fmt.Errorf("linked account lookup %s: %w", tenantID, err)
	}
	return a, nil
}
