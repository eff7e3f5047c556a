// Package auth turns a bearer token into the authenticated
// (workspace, actor, role) tuple the core consumes. Issuing tokens and
// managing users is outside this system; the tokens arrive RS256-signed
// by the identity service whose public key the deployment mounts.
package auth

import (
	"crypto/rsa"
	"errors"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/edgegate/edgegate/pkg/domain"
	xe "github.com/edgegate/edgegate/pkg/xerrors"
)

var ErrUnauthenticated = errors.New("unauthenticated")

type Verifier struct {
	public *rsa.PublicKey
}

func LoadVerifier(publicKeyPath string) (*Verifier, error) {
	raw, err := os.ReadFile(publicKeyPath)
	if err != nil {
		return nil, xe.WrapWithNote("jwt public key unreadable", err)
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(raw)
	if err != nil {
		return nil, xe.WrapWithNote("jwt public key is not RSA PEM", err)
	}
	return &Verifier{public: key}, nil
}

type claims struct {
	WorkspaceId string `json:"workspace_id"`
	Role        string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticate parses an "Authorization: Bearer ..." header value.
func (v *Verifier) Authenticate(header string) (domain.Identity, error) {
	raw, found := strings.CutPrefix(header, "Bearer ")
	if !found {
		return domain.Identity{}, ErrUnauthenticated
	}

	parsed := claims{}
	_, err := jwt.ParseWithClaims(
		raw, &parsed,
		func(t *jwt.Token) (any, error) { return v.public, nil },
		jwt.WithValidMethods([]string{"RS256"}),
	)
	if err != nil {
		return domain.Identity{}, ErrUnauthenticated
	}

	role := domain.Role(parsed.Role)
	if role != domain.RoleAdmin && role != domain.RoleViewer {
		return domain.Identity{}, ErrUnauthenticated
	}
	if parsed.WorkspaceId == "" || parsed.Subject == "" {
		return domain.Identity{}, ErrUnauthenticated
	}

	return domain.Identity{
		WorkspaceId: parsed.WorkspaceId,
		Actor:       parsed.Subject,
		Role:        role,
	}, nil
}
