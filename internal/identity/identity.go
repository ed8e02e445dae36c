// ogc-gateway federates OGC API Processes providers behind one HTTP surface.
// Copyright (C) 2025 ogc-gateway contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package identity extracts the caller's subject id and role set from a
// bearer token. Verifying the token against the identity provider's live
// key set is an external collaborator; this package only owns the
// token-parsing shape needed to get a concrete, testable Subject out of
// an Authorization header.
package identity

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/citysciencelab/ogc-gateway/pkg/secutil"
)

// Subject is the caller identity a request carries once authenticated.
type Subject struct {
	UserID string
	Roles  []string
}

// HasRole reports whether the subject holds the named role.
func (s Subject) HasRole(role string) bool {
	for _, r := range s.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Anonymous is the zero-value Subject used for unauthenticated requests
// against anonymous-access processes.
var Anonymous = Subject{}

// Verifier is the identity port: it turns a bearer token into a Subject.
// Implementations are expected to validate the token's signature against
// a live key set (JWKS) fetched from the configured issuer; that network
// round trip and caching strategy live outside this package, consistent
// with identity verification being an external collaborator.
type Verifier interface {
	Verify(ctx context.Context, bearerToken string) (Subject, error)
}

// Claims is the subset of claims this gateway reads out of a verified
// token: the subject id and a realm-style "roles" array, matching the
// shape used by the sibling pack's bearer-token middleware.
type Claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles"`
}

// KeyfuncVerifier is a Verifier backed by a static or rotating HMAC/RSA
// keyfunc. Token signature verification itself is delegated to
// golang-jwt; this type only shapes the resulting claims into a Subject.
type KeyfuncVerifier struct {
	Keyfunc jwt.Keyfunc
}

// Verify parses and validates bearerToken, returning its Subject.
func (v KeyfuncVerifier) Verify(_ context.Context, bearerToken string) (Subject, error) {
	bearerToken = strings.TrimPrefix(bearerToken, "Bearer ")
	bearerToken = strings.TrimSpace(bearerToken)
	if bearerToken == "" {
		return Subject{}, errors.New("identity: empty bearer token")
	}
	var claims Claims
	token, err := jwt.ParseWithClaims(bearerToken, &claims, v.Keyfunc, jwt.WithValidMethods([]string{"RS256", "HS256"}))
	if err != nil || !token.Valid {
		return Subject{}, errors.New("identity: invalid token")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return Subject{}, errors.New("identity: token missing subject")
	}
	return Subject{UserID: sub, Roles: claims.Roles}, nil
}

// HashAdminPassword hashes a plaintext admin bootstrap password for
// storage in GATEWAY_ADMIN_PASSWORD_HASH, using the argon2id scheme
// secutil prefers for newly issued hashes.
func HashAdminPassword(password string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("identity: password must not be empty")
	}
	hashed, err := secutil.HashPassword(password)
	if err != nil {
		return "", fmt.Errorf("identity: hash admin password: %w", err)
	}
	return hashed, nil
}

// BasicAdminVerifier authenticates the "Basic" scheme against a single
// hashed operator credential, independent of the bearer-token Verifier
// used for regular callers. It exists for the bootstrap admin account:
// operating the gateway before an identity provider is wired up, or
// performing break-glass access to ensembles/shares. PasswordHash may be
// either an argon2id or a bcrypt encoding; secutil.VerifyPassword
// recognizes both so a previously issued bcrypt hash keeps working.
type BasicAdminVerifier struct {
	Username     string
	PasswordHash string
}

// Verify accepts only a "Basic <base64>" credential matching
// Username/PasswordHash. Any other input, including "Bearer <token>", is
// rejected so it can fall through to a bearer-token Verifier when the
// two are chained.
func (v BasicAdminVerifier) Verify(_ context.Context, credential string) (Subject, error) {
	user, pass, ok := parseBasic(credential)
	if !ok || user != v.Username {
		return Subject{}, errors.New("identity: not a matching basic credential")
	}
	ok, err := secutil.VerifyPassword(pass, v.PasswordHash)
	if err != nil || !ok {
		return Subject{}, errors.New("identity: invalid admin credential")
	}
	return Subject{UserID: v.Username, Roles: []string{"admin"}}, nil
}

// ChainVerifier tries each Verifier in order, returning the first
// successful Subject. Lets the gateway accept both admin Basic
// credentials and provider-issued bearer tokens on the same endpoint.
type ChainVerifier []Verifier

func (c ChainVerifier) Verify(ctx context.Context, credential string) (Subject, error) {
	var lastErr error
	for _, v := range c {
		if s, err := v.Verify(ctx, credential); err == nil {
			return s, nil
		} else {
			lastErr = err
		}
	}
	if lastErr == nil {
		lastErr = errors.New("identity: no verifier configured")
	}
	return Subject{}, lastErr
}

func parseBasic(credential string) (user, pass string, ok bool) {
	const prefix = "Basic "
	if !strings.HasPrefix(credential, prefix) {
		return "", "", false
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(credential, prefix))
	if err != nil {
		return "", "", false
	}
	parts := strings.SplitN(string(raw), ":", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}
