// Package token issues and parses the HS256 service tokens the platform
// services accept as bearer credentials.
package token

import (
	"errors"
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"transactor-client/internal/domain"
)

// Claims identify the account (and optionally workspace) a token speaks for.
type Claims struct {
	Account   uuid.UUID
	Workspace *uuid.UUID
	Extra     map[string]string
	// TTL of zero issues a token without an expiry.
	TTL time.Duration
}

type wireClaims struct {
	Account   uuid.UUID         `json:"account"`
	Workspace *uuid.UUID        `json:"workspace,omitempty"`
	Extra     map[string]string `json:"extra,omitempty"`
	gojwt.RegisteredClaims
}

// Issuer signs tokens with a shared secret.
type Issuer struct {
	secret []byte
	now    func() time.Time
}

// NewIssuer creates an Issuer. An empty secret is rejected.
func NewIssuer(secret string) (*Issuer, error) {
	if secret == "" {
		return nil, fmt.Errorf("token secret: %w", domain.ErrInvalidInput)
	}
	return &Issuer{secret: []byte(secret), now: time.Now}, nil
}

// Issue returns a signed token for c.
func (i *Issuer) Issue(c Claims) (string, error) {
	if c.Account == uuid.Nil {
		return "", fmt.Errorf("token account: %w", domain.ErrInvalidInput)
	}
	now := i.now()
	wc := wireClaims{
		Account:   c.Account,
		Workspace: c.Workspace,
		Extra:     c.Extra,
		RegisteredClaims: gojwt.RegisteredClaims{
			IssuedAt: gojwt.NewNumericDate(now),
		},
	}
	if c.TTL > 0 {
		wc.ExpiresAt = gojwt.NewNumericDate(now.Add(c.TTL))
	}

	signed, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, wc).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Parse verifies tok against secret and returns its claims.
func Parse(tok, secret string) (Claims, error) {
	var wc wireClaims
	parser := gojwt.NewParser(gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}))
	_, err := parser.ParseWithClaims(tok, &wc, func(*gojwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		if errors.Is(err, gojwt.ErrTokenExpired) || errors.Is(err, gojwt.ErrTokenSignatureInvalid) {
			return Claims{}, fmt.Errorf("parse token: %w: %w", domain.ErrAuthInvalid, err)
		}
		return Claims{}, fmt.Errorf("parse token: %w: %w", domain.ErrInvalidInput, err)
	}
	return Claims{Account: wc.Account, Workspace: wc.Workspace, Extra: wc.Extra}, nil
}

// ParseUnverified reads the claims without checking the signature.
func ParseUnverified(tok string) (Claims, error) {
	var wc wireClaims
	if _, _, err := gojwt.NewParser().ParseUnverified(tok, &wc); err != nil {
		return Claims{}, fmt.Errorf("parse token: %w: %w", domain.ErrInvalidInput, err)
	}
	return Claims{Account: wc.Account, Workspace: wc.Workspace, Extra: wc.Extra}, nil
}
