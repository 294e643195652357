package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/clinical-api/internal/model"
	"github.com/jwalitptl/clinical-api/pkg/auth"
	apperrors "github.com/jwalitptl/clinical-api/pkg/errors"
)

// ContextActor is the gin key holding the authenticated *model.Actor.
const ContextActor = "actor"

type AuthMiddleware struct {
	jwtService auth.JWTService
}

func NewAuthMiddleware(jwtService auth.JWTService) *AuthMiddleware {
	return &AuthMiddleware{jwtService: jwtService}
}

// Authenticate verifies the bearer token and puts the actor into the request
// context, where the services read it.
func (m *AuthMiddleware) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			abortWithError(c, apperrors.Unauthorized(errMissingAuthorization))
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			abortWithError(c, apperrors.Unauthorized(errAuthorizationFormat))
			return
		}

		actor, err := m.jwtService.ValidateToken(parts[1])
		if err != nil {
			abortWithError(c, apperrors.Unauthorized(err))
			return
		}

		c.Set(ContextActor, actor)
		c.Request = c.Request.WithContext(model.ContextWithActor(c.Request.Context(), actor))
		c.Next()
	}
}

// RequirePermission rejects requests whose actor lacks permission. Services
// check permissions again together with clinic scope.
func (m *AuthMiddleware) RequirePermission(permission string) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := model.ActorFromContext(c.Request.Context())
		if !ok {
			abortWithError(c, apperrors.Unauthorized(errMissingAuthorization))
			return
		}
		if !actor.HasPermission(permission) {
			abortWithError(c, apperrors.Permission(permission))
			return
		}
		c.Next()
	}
}
