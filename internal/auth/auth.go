// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package auth implements the adapter's connection authentication: a
// username→password table checked with bcrypt, and a signed session
// token the adapter hands back for subsequent connections.
package auth

import (
	"database/sql"
	"fmt"
	"net/http"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"golang.org/x/crypto/bcrypt"

	"github.com/flowbase/flowbase/log"
)

var authlog log.Component = "AUTH"

// User is one row of the adapter's user table.
type User struct {
	Username string `db:"username"`
	Password string `db:"password"`
}

// Authentication owns the user table and the token authority.
type Authentication struct {
	db  *sqlx.DB
	jwt *JWTAuthenticator
}

// Init opens the user table on db, creating it if needed, and loads
// the token signing keys from cfg.
func Init(db *sqlx.DB, cfg JWTConfig) (*Authentication, error) {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS user (
			username varchar(255) PRIMARY KEY NOT NULL,
			password varchar(255) DEFAULT NULL)`)
	if err != nil {
		return nil, fmt.Errorf("auth: creating user table: %w", err)
	}

	jwtAuth, err := NewJWTAuthenticator(cfg)
	if err != nil {
		return nil, err
	}
	return &Authentication{db: db, jwt: jwtAuth}, nil
}

// AddUser stores username with a bcrypt hash of password. An existing
// user's password is replaced.
func (a *Authentication) AddUser(username, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("auth: hashing password: %w", err)
	}

	query, args, err := sq.Insert("user").
		Columns("username", "password").
		Values(username, string(hash)).
		Suffix("ON CONFLICT(username) DO UPDATE SET password = excluded.password").
		ToSql()
	if err != nil {
		return err
	}
	if _, err := a.db.Exec(query, args...); err != nil {
		return fmt.Errorf("auth: storing user %q: %w", username, err)
	}
	authlog.Infof("user %q added", username)
	return nil
}

// DelUser removes username from the table.
func (a *Authentication) DelUser(username string) error {
	_, err := sq.Delete("user").Where(sq.Eq{"username": username}).RunWith(a.db).Exec()
	return err
}

// GetUser fetches username's row.
func (a *Authentication) GetUser(username string) (*User, error) {
	user := &User{}
	err := sq.Select("username", "password").From("user").
		Where(sq.Eq{"username": username}).
		RunWith(a.db).QueryRow().
		Scan(&user.Username, &user.Password)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("auth: user %q not found", username)
		}
		return nil, err
	}
	return user, nil
}

// Login checks username/password and, on success, returns a signed
// session token for the connection.
func (a *Authentication) Login(username, password string) (string, error) {
	user, err := a.GetUser(username)
	if err != nil {
		authlog.Warnf("login failed for %q: unknown user", username)
		return "", fmt.Errorf("auth: authentication failed")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)); err != nil {
		authlog.Warnf("login failed for %q: wrong password", username)
		return "", fmt.Errorf("auth: authentication failed")
	}
	return a.jwt.Issue(username)
}

// AuthToken verifies a session token and returns the username it was
// issued to.
func (a *Authentication) AuthToken(token string) (string, error) {
	return a.jwt.Verify(token)
}

// Middleware guards an HTTP handler with bearer-token authentication.
func (a *Authentication) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if raw == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		if _, err := a.AuthToken(raw); err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
