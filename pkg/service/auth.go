// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package service

import (
	"context"
	"net/http"
	"strings"

	"github.com/twitchtv/twirp"

	lkauth "github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/livekit"

	"github.com/livebeacon/beacon-server/pkg/auth"
)

const (
	authorizationHeader = "Authorization"
	bearerPrefix        = "Bearer "
	accessTokenParam    = "access_token"
)

type grantsKey struct{}

var (
	ErrMissingAuthorization      = twirp.NewError(twirp.Unauthenticated, "invalid authorization header. Must start with "+bearerPrefix)
	ErrInvalidAuthorizationToken = twirp.NewError(twirp.Unauthenticated, "invalid authorization token")
)

// APIKeyAuthMiddleware verifies a bearer token, or an access_token query parameter, and
// stores its grants on the request context. Requests without a token pass through
// unauthenticated.
type APIKeyAuthMiddleware struct {
	verifier *auth.Verifier
}

func NewAPIKeyAuthMiddleware(verifier *auth.Verifier) *APIKeyAuthMiddleware {
	return &APIKeyAuthMiddleware{
		verifier: verifier,
	}
}

func (m *APIKeyAuthMiddleware) ServeHTTP(w http.ResponseWriter, r *http.Request, next http.HandlerFunc) {
	authHeader := r.Header.Get(authorizationHeader)
	var authToken string

	if authHeader != "" {
		if !strings.HasPrefix(authHeader, bearerPrefix) {
			writeError(w, ErrMissingAuthorization)
			return
		}

		authToken = authHeader[len(bearerPrefix):]
	} else {
		// attempt to find from request query
		authToken = r.URL.Query().Get(accessTokenParam)
	}

	if authToken != "" {
		grants, err := m.verifier.Verify(authToken)
		if err != nil {
			writeError(w, ErrInvalidAuthorizationToken)
			return
		}

		r = r.WithContext(WithGrants(r.Context(), grants))
	}

	next.ServeHTTP(w, r)
}

func GetGrants(ctx context.Context) *lkauth.ClaimGrants {
	val := ctx.Value(grantsKey{})
	claims, ok := val.(*lkauth.ClaimGrants)
	if !ok {
		return nil
	}
	return claims
}

func WithGrants(ctx context.Context, grants *lkauth.ClaimGrants) context.Context {
	return context.WithValue(ctx, grantsKey{}, grants)
}

func SetAuthorizationToken(r *http.Request, token string) {
	r.Header.Set(authorizationHeader, bearerPrefix+token)
}

// EnsureIdentity returns the identity of an authenticated caller.
func EnsureIdentity(ctx context.Context) (livekit.ParticipantIdentity, error) {
	claims := GetGrants(ctx)
	if claims == nil {
		return "", ErrUnauthenticated
	}
	if claims.Identity == "" {
		return "", ErrPermissionDenied
	}
	return livekit.ParticipantIdentity(claims.Identity), nil
}

func EnsureCreatePermission(ctx context.Context) error {
	claims := GetGrants(ctx)
	if claims == nil {
		return ErrUnauthenticated
	}
	if claims.Video == nil || !claims.Video.RoomCreate {
		return ErrPermissionDenied
	}
	return nil
}
