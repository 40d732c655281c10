// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAuth(t *testing.T) *Authentication {
	t.Helper()
	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	a, err := Init(db, JWTConfig{
		PublicKey:  base64.StdEncoding.EncodeToString(pub),
		PrivateKey: base64.StdEncoding.EncodeToString(priv),
	})
	require.NoError(t, err)
	return a
}

func TestLoginIssuesVerifiableToken(t *testing.T) {
	a := testAuth(t)
	require.NoError(t, a.AddUser("demo", "secret"))

	token, err := a.Login("demo", "secret")
	require.NoError(t, err)

	sub, err := a.AuthToken(token)
	require.NoError(t, err)
	assert.Equal(t, "demo", sub)
}

func TestLoginRejectsWrongPasswordAndUnknownUser(t *testing.T) {
	a := testAuth(t)
	require.NoError(t, a.AddUser("demo", "secret"))

	_, err := a.Login("demo", "wrong")
	require.Error(t, err)

	_, err = a.Login("ghost", "secret")
	require.Error(t, err)
}

func TestAddUserReplacesPassword(t *testing.T) {
	a := testAuth(t)
	require.NoError(t, a.AddUser("demo", "old"))
	require.NoError(t, a.AddUser("demo", "new"))

	_, err := a.Login("demo", "old")
	require.Error(t, err)
	_, err = a.Login("demo", "new")
	require.NoError(t, err)
}

func TestVerifyRejectsGarbage(t *testing.T) {
	a := testAuth(t)
	_, err := a.AuthToken("not.a.token")
	require.Error(t, err)
}
