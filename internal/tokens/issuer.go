package tokens

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"
)

// tokenBytes is 256 bits of entropy.
const tokenBytes = 32

var (
	ErrTokenNotFound = errors.New("access token not found")
	ErrTokenExpired  = errors.New("access token expired")
)

// Grant binds an access token to one report until ExpiresAt.
type Grant struct {
	Token     string
	ReportID  string
	ExpiresAt time.Time
}

// Store looks up a grant by token. Implementations return ErrTokenNotFound
// for unknown tokens and for reports that are not complete.
type Store interface {
	GrantByToken(ctx context.Context, token string) (Grant, error)
}

// Issuer mints and resolves report access tokens.
type Issuer struct {
	TTL    time.Duration
	Now    func() time.Time
	Random io.Reader
	Store  Store
}

// NewIssuer constructs an Issuer backed by crypto/rand.
func NewIssuer(ttl time.Duration, store Store) *Issuer {
	return &Issuer{TTL: ttl, Store: store}
}

func (i *Issuer) now() time.Time {
	if i.Now != nil {
		return i.Now().UTC()
	}
	return time.Now().UTC()
}

// Issue generates a fresh token for a report. The grant is persisted by the
// report completion write, not here.
func (i *Issuer) Issue(reportID string) (Grant, error) {
	if i.TTL <= 0 {
		return Grant{}, fmt.Errorf("token ttl must be positive")
	}
	src := i.Random
	if src == nil {
		src = rand.Reader
	}
	buf := make([]byte, tokenBytes)
	if _, err := io.ReadFull(src, buf); err != nil {
		return Grant{}, fmt.Errorf("read token entropy: %w", err)
	}
	return Grant{
		Token:     base64.RawURLEncoding.EncodeToString(buf),
		ReportID:  reportID,
		ExpiresAt: i.now().Add(i.TTL),
	}, nil
}

// Resolve returns the grant for a token, ErrTokenExpired once now reaches
// ExpiresAt, or ErrTokenNotFound.
func (i *Issuer) Resolve(ctx context.Context, token string) (Grant, error) {
	if !wellFormed(token) {
		return Grant{}, ErrTokenNotFound
	}
	grant, err := i.Store.GrantByToken(ctx, token)
	if err != nil {
		return Grant{}, err
	}
	if !i.now().Before(grant.ExpiresAt) {
		return Grant{}, ErrTokenExpired
	}
	return grant, nil
}

func wellFormed(token string) bool {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	return err == nil && len(raw) == tokenBytes
}
