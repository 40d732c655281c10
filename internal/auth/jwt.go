// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package auth

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTConfig carries the base64-encoded Ed25519 key pair session tokens
// are signed and verified with.
type JWTConfig struct {
	PublicKey  string
	PrivateKey string

	// MaxAge bounds token lifetime; zero means 24h.
	MaxAge time.Duration
}

// JWTAuthenticator signs and verifies session tokens.
type JWTAuthenticator struct {
	publicKey  ed25519.PublicKey
	privateKey ed25519.PrivateKey
	maxAge     time.Duration
}

func NewJWTAuthenticator(cfg JWTConfig) (*JWTAuthenticator, error) {
	if cfg.PublicKey == "" || cfg.PrivateKey == "" {
		return nil, fmt.Errorf("auth: JWT public and private key must both be set")
	}
	pub, err := base64.StdEncoding.DecodeString(cfg.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("auth: decoding JWT public key: %w", err)
	}
	priv, err := base64.StdEncoding.DecodeString(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("auth: decoding JWT private key: %w", err)
	}
	maxAge := cfg.MaxAge
	if maxAge == 0 {
		maxAge = 24 * time.Hour
	}
	return &JWTAuthenticator{
		publicKey:  ed25519.PublicKey(pub),
		privateKey: ed25519.PrivateKey(priv),
		maxAge:     maxAge,
	}, nil
}

// Issue signs a session token for username.
func (ja *JWTAuthenticator) Issue(username string) (string, error) {
	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, jwt.MapClaims{
		"sub": username,
		"exp": now.Add(ja.maxAge).Unix(),
		"iat": now.Unix(),
	})
	signed, err := tok.SignedString(ja.privateKey)
	if err != nil {
		return "", fmt.Errorf("auth: signing token: %w", err)
	}
	return signed, nil
}

// Verify checks a session token's signature and expiry and returns the
// subject it was issued to.
func (ja *JWTAuthenticator) Verify(rawToken string) (string, error) {
	token, err := jwt.Parse(rawToken, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodEdDSA {
			return nil, fmt.Errorf("unexpected signing method %v", t.Method)
		}
		return ja.publicKey, nil
	})
	if err != nil {
		return "", fmt.Errorf("auth: %w", err)
	}
	if !token.Valid {
		return "", fmt.Errorf("auth: invalid token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("auth: unexpected claims shape")
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", fmt.Errorf("auth: token has no subject")
	}
	return sub, nil
}
