// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package auth validates session tokens and resolves them to a recipient.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Auth errors.
var (
	ErrInvalidToken = errors.New("invalid session token")
	ErrEmptySecret  = errors.New("signing secret cannot be empty")
)

// Authenticator resolves a session token to the recipient it belongs to.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (recipientID string, err error)
}

// Claims are the session token claims. The recipient is the vendor id when
// present and the subject otherwise.
type Claims struct {
	jwt.RegisteredClaims
	VendorID string `json:"vendor_id,omitempty"`
}

// RecipientID returns the recipient the claims identify.
func (c *Claims) RecipientID() string {
	if c.VendorID != "" {
		return c.VendorID
	}
	return c.Subject
}

var _ Authenticator = (*JWT)(nil)

// JWT validates HS256 session tokens.
type JWT struct {
	secret []byte
	issuer string
	leeway time.Duration
}

// NewJWT creates a JWT authenticator. An empty issuer disables the issuer
// check.
func NewJWT(secret, issuer string, leeway time.Duration) (*JWT, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	return &JWT{secret: []byte(secret), issuer: issuer, leeway: leeway}, nil
}

// Authenticate validates token and returns its recipient.
func (a *JWT) Authenticate(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("%w: empty token", ErrInvalidToken)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(a.leeway),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(_ *jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	recipientID := claims.RecipientID()
	if recipientID == "" {
		return "", fmt.Errorf("%w: no recipient claim", ErrInvalidToken)
	}
	return recipientID, nil
}

// Issue signs a session token for recipientID valid for ttl.
func (a *JWT) Issue(recipientID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   recipientID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		VendorID: recipientID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
