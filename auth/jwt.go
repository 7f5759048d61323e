// Copyright 2025 Elora App
// SPDX-License-Identifier: Apache-2.0

// Package auth issues and validates the tokens that bind a sync session
// to a user and a device.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the authenticated pair carried by every sync session.
type Identity struct {
	UserID   string
	DeviceID string
}

// TokenAuth signs and validates HS256 tokens.
type TokenAuth struct {
	secret []byte
	issuer string
}

// NewTokenAuth creates a new token authenticator.
func NewTokenAuth(secret string) *TokenAuth {
	return &TokenAuth{
		secret: []byte(secret),
		issuer: "elora-sync",
	}
}

// Claims are the token claims for single-user multi-device sync.
type Claims struct {
	DeviceID string `json:"did"`
	jwt.RegisteredClaims
}

// GenerateToken mints a token for the given identity. The user ID goes
// in the standard 'sub' claim; the device ID goes in 'did'.
func (a *TokenAuth) GenerateToken(id Identity, expiration time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		DeviceID: id.DeviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(expiration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    a.issuer,
			Subject:   id.UserID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// ValidateToken validates a token and returns the identity it carries.
func (a *TokenAuth) ValidateToken(tokenString string) (Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return Identity{}, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return Identity{}, fmt.Errorf("invalid token")
	}
	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("missing sub (user ID) in token")
	}
	if claims.DeviceID == "" {
		return Identity{}, fmt.Errorf("missing did (device ID) in token")
	}
	return Identity{UserID: claims.Subject, DeviceID: claims.DeviceID}, nil
}
