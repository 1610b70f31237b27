package auth

import (
	"errors"

	apperrors "tradesight_go_backend/internal/errors"
	"tradesight_go_backend/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const userContextKey = "user"

// AuthMiddleware verifies the Firebase ID token and loads the matching user into the gin
// context. allowQuery accepts ?token= for websocket upgrades.
func AuthMiddleware(verifier TokenVerifier, users UserResolver, allowQuery bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := BearerToken(c.Request, allowQuery)
		if err != nil {
			abortUnauthorized(c, err)
			return
		}

		claims, err := verifier.VerifyIDToken(c.Request.Context(), token)
		if err != nil {
			log.Debug().Err(err).Msg("Token verification failed")
			abortUnauthorized(c, ErrInvalidToken)
			return
		}

		user, err := users.GetOrCreateUser(c.Request.Context(), claims.UID, claims.Email, claims.Name)
		if err != nil {
			apperrors.HandleError(c, apperrors.LogAndReturn500(err))
			c.Abort()
			return
		}

		logger := log.With().Str("user_id", user.ID.String()).Logger()
		c.Request = c.Request.WithContext(logger.WithContext(c.Request.Context()))
		c.Set(userContextKey, user)
		c.Next()
	}
}

// CurrentUser returns the user stored by AuthMiddleware.
func CurrentUser(c *gin.Context) (*models.User, bool) {
	value, exists := c.Get(userContextKey)
	if !exists {
		return nil, false
	}
	user, ok := value.(*models.User)
	return user, ok
}

// SetUser is used by routes that authenticate by other means, and by tests.
func SetUser(c *gin.Context, user *models.User) {
	c.Set(userContextKey, user)
}

func abortUnauthorized(c *gin.Context, err error) {
	customErr := apperrors.New401Error()
	if errors.Is(err, ErrMissingToken) {
		customErr.Message = "Authorization header is required"
	}
	apperrors.HandleError(c, customErr)
	c.Abort()
}
