package httpapi

import (
	"net/http"
	"strings"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/browserkernel/kernel/internal/corelib/httpmw"
)

// PrincipalAuth verifies the bearer JWT against jwks and injects the
// token's "sub" claim as the request's mediated-API principal. A
// missing or invalid token is rejected before any handler runs
// (fail-closed, mirroring apisix-go-runner's authz plugin).
func PrincipalAuth(jwks keyfunc.Keyfunc) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
				return c.JSON(http.StatusUnauthorized, errResp("missing or malformed authorization header"))
			}
			tokenString := strings.TrimPrefix(authHeader, "Bearer ")

			token, err := jwt.Parse(tokenString, jwks.KeyfuncCtx(c.Request().Context()))
			if err != nil || !token.Valid {
				return c.JSON(http.StatusUnauthorized, errResp("invalid or expired token"))
			}

			claims, ok := token.Claims.(jwt.MapClaims)
			if !ok {
				return c.JSON(http.StatusUnauthorized, errResp("invalid token claims"))
			}
			principal, _ := claims["sub"].(string)
			if principal == "" {
				return c.JSON(http.StatusUnauthorized, errResp("token missing sub claim"))
			}

			ctx := httpmw.WithPrincipal(c.Request().Context(), principal)
			if workspace, _ := claims["workspace_id"].(string); workspace != "" {
				ctx = httpmw.WithWorkspace(ctx, workspace)
			}
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

func mustGetPrincipal(c echo.Context) (string, bool) {
	return httpmw.GetPrincipal(c.Request().Context())
}

// NewJWKS fetches and periodically refreshes the JSON Web Key Set at
// jwksURL — the verification key source for PrincipalAuth.
func NewJWKS(jwksURL string) (keyfunc.Keyfunc, error) {
	return keyfunc.NewDefault([]string{jwksURL})
}
