package handlers

import (
	"github.com/labstack/echo/v4"

	apierr "github.com/edgegate/edgegate/pkg/api/types/errors"
	"github.com/edgegate/edgegate/pkg/auth"
	"github.com/edgegate/edgegate/pkg/domain"
)

const identityKey = "edgegate.identity"

// BearerAuth authenticates the request and stashes the identity.
func BearerAuth(verifier *auth.Verifier) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			identity, err := verifier.Authenticate(c.Request().Header.Get("Authorization"))
			if err != nil {
				return apierr.Unauthorized(domain.ErrcodeForbidden)
			}
			c.Set(identityKey, identity)
			return next(c)
		}
	}
}

// SetIdentity stashes an identity the way BearerAuth does. Tests use it
// to drive handlers without minting tokens.
func SetIdentity(c echo.Context, identity domain.Identity) {
	c.Set(identityKey, identity)
}

// identityOf is only called behind BearerAuth.
func identityOf(c echo.Context) domain.Identity {
	identity, _ := c.Get(identityKey).(domain.Identity)
	return identity
}

// workspaceScoped resolves the :workspace param against the identity.
// A token of another workspace gets NotFound, not Forbidden: resources
// of other tenants do not exist as far as this caller can tell.
func workspaceScoped(c echo.Context, paramKey string) (domain.Identity, error) {
	identity := identityOf(c)
	if c.Param(paramKey) != identity.WorkspaceId {
		return domain.Identity{}, apierr.NotFound()
	}
	return identity, nil
}

// adminScoped additionally requires the admin role.
func adminScoped(c echo.Context, paramKey string) (domain.Identity, error) {
	identity, err := workspaceScoped(c, paramKey)
	if err != nil {
		return domain.Identity{}, err
	}
	if identity.Role != domain.RoleAdmin {
		return domain.Identity{}, apierr.Forbidden()
	}
	return identity, nil
}
