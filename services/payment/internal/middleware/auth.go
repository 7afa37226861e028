package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"example.com/payment-system/pkg/jwt"
	"example.com/payment-system/pkg/logger"
)

// OperatorAuthMiddleware — middleware для проверки операторских токенов.
// Защищает административные эндпоинты сверки: токены выдаёт внешний
// административный сервис, здесь проверяются подпись, срок действия
// и blacklist отозванных токенов.
type OperatorAuthMiddleware struct {
	manager *jwt.Manager
}

// NewOperatorAuthMiddleware создаёт middleware проверки операторов.
func NewOperatorAuthMiddleware(manager *jwt.Manager) *OperatorAuthMiddleware {
	return &OperatorAuthMiddleware{manager: manager}
}

// Handle возвращает Gin handler function для middleware.
func (m *OperatorAuthMiddleware) Handle() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		log := logger.FromContext(ctx)

		token := extractBearerToken(c)
		if token == "" {
			log.Debug().Msg("Отсутствует операторский токен")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Требуется авторизация оператора",
			})
			return
		}

		claims, err := m.manager.ValidateWithBlacklist(ctx, token)
		if err != nil {
			log.Warn().Err(err).Msg("Невалидный операторский токен")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Токен недействителен",
			})
			return
		}

		c.Set("operator_id", claims.OperatorID)
		c.Set("operator_role", claims.Role)

		log.Debug().
			Str("operator_id", claims.OperatorID).
			Str("role", claims.Role).
			Msg("Оператор аутентифицирован")

		c.Next()
	}
}

// extractBearerToken извлекает токен из заголовка Authorization.
func extractBearerToken(c *gin.Context) string {
	auth := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}
