package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

// PortalToken is the persisted OAuth credential pair of a CRM portal.
type PortalToken struct {
	Portal       string
	AuthToken    string
	RefreshToken string
	RefreshedAt  time.Time
	IsActive     bool
}

// SavePortalToken persists refreshed OAuth credentials. Implements the CRM
// client's TokenStore.
func (s *Store) SavePortalToken(ctx context.Context, portal, authToken, refreshToken string, refreshedAt time.Time, active bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO portal_token (portal, auth_token, refresh_token, refreshed_at, is_active)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (portal) DO UPDATE SET
			auth_token = excluded.auth_token,
			refresh_token = excluded.refresh_token,
			refreshed_at = excluded.refreshed_at,
			is_active = excluded.is_active
	`, portal, authToken, refreshToken, fmtTime(refreshedAt), boolToInt(active))
	return errors.Wrapf(err, "failed to save token of portal %s", portal)
}

// GetPortalToken loads the stored credentials of a portal, or nil when the
// portal has never authorized.
func (s *Store) GetPortalToken(ctx context.Context, portal string) (*PortalToken, error) {
	var row struct {
		Portal       string `db:"portal"`
		AuthToken    string `db:"auth_token"`
		RefreshToken string `db:"refresh_token"`
		RefreshedAt  string `db:"refreshed_at"`
		IsActive     bool   `db:"is_active"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT portal, auth_token, refresh_token, refreshed_at, is_active
		FROM portal_token WHERE portal = ?
	`, portal)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load token of portal %s", portal)
	}

	refreshedAt, err := parseTime(row.RefreshedAt)
	if err != nil {
		return nil, err
	}
	return &PortalToken{
		Portal:       row.Portal,
		AuthToken:    row.AuthToken,
		RefreshToken: row.RefreshToken,
		RefreshedAt:  refreshedAt,
		IsActive:     row.IsActive,
	}, nil
}
