package realtime

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pocketbase/pocketbase/core"
)

// Identity is who opened a connection. It is recorded in logs only; viewing
// an ETA is never gated on it.
type Identity struct {
	ID   string
	Role string
}

// Anonymous reports whether no credential resolved.
func (i Identity) Anonymous() bool {
	return i.ID == ""
}

type Resolver interface {
	Resolve(ctx context.Context, token string) (Identity, error)
}

// Claims are issued by the external auth service.
type Claims struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// JWTResolver validates HS256 tokens signed with a shared secret.
type JWTResolver struct {
	secret []byte
}

func NewJWTResolver(secret string) *JWTResolver {
	return &JWTResolver{secret: []byte(secret)}
}

func (r *JWTResolver) Resolve(ctx context.Context, token string) (Identity, error) {
	if len(r.secret) == 0 {
		return Identity{}, errors.New("jwt secret is not configured")
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return r.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Identity{}, err
	}
	if !parsed.Valid || claims.UserID == "" {
		return Identity{}, errors.New("invalid token")
	}
	return Identity{ID: claims.UserID, Role: claims.Role}, nil
}

type authRecordFinder interface {
	FindAuthRecordByToken(token string, validTypes ...string) (*core.Record, error)
}

// PocketBaseResolver accepts auth tokens issued by this PocketBase app.
type PocketBaseResolver struct {
	app authRecordFinder
}

func NewPocketBaseResolver(app core.App) *PocketBaseResolver {
	return &PocketBaseResolver{app: app}
}

func (r *PocketBaseResolver) Resolve(ctx context.Context, token string) (Identity, error) {
	record, err := r.app.FindAuthRecordByToken(token, core.TokenTypeAuth)
	if err != nil {
		return Identity{}, err
	}
	role := record.GetString("role")
	if role == "" {
		role = record.Collection().Name
	}
	return Identity{ID: record.Id, Role: role}, nil
}

// ChainResolver tries each resolver in turn and returns the first match.
type ChainResolver []Resolver

func (c ChainResolver) Resolve(ctx context.Context, token string) (Identity, error) {
	var errs []error
	for _, r := range c {
		id, err := r.Resolve(ctx, token)
		if err == nil {
			return id, nil
		}
		errs = append(errs, err)
	}
	return Identity{}, errors.Join(errs...)
}

// IdentityFromRequest resolves the optional bearer credential of a handshake.
// A missing or invalid credential yields the anonymous identity.
func IdentityFromRequest(ctx context.Context, resolver Resolver, r *http.Request) Identity {
	if resolver == nil || r == nil {
		return Identity{}
	}
	token := bearerToken(r.Header.Get("Authorization"))
	if token == "" && r.URL != nil {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if token == "" {
		return Identity{}
	}
	id, err := resolver.Resolve(ctx, token)
	if err != nil {
		return Identity{}
	}
	return id
}

func bearerToken(header string) string {
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return parts[1]
}
