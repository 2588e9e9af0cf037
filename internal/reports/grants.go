package reports

import (
	"context"
	"errors"

	"funnel-backend/internal/tokens"
)

// GrantStore serves access grants from the reports table. Only complete
// reports hold a grant.
type GrantStore struct {
	Repo Repo
}

// GrantByToken implements tokens.Store.
func (g GrantStore) GrantByToken(ctx context.Context, token string) (tokens.Grant, error) {
	report, err := g.Repo.GetByAccessToken(ctx, token)
	if errors.Is(err, ErrNotFound) {
		return tokens.Grant{}, tokens.ErrTokenNotFound
	}
	if err != nil {
		return tokens.Grant{}, err
	}
	if report.Status != StatusComplete || report.ExpiresAt == nil {
		return tokens.Grant{}, tokens.ErrTokenNotFound
	}
	return tokens.Grant{Token: token, ReportID: report.ID, ExpiresAt: *report.ExpiresAt}, nil
}

var _ tokens.Store = GrantStore{}
