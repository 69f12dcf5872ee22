package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// RequestIDKey 存放在 gin.Context 里的请求 ID 键名。
const RequestIDKey = "request_id"

// RequestID 为每个请求分配一个 ID，写入响应头方便排查日志。
// 调用方传入的 X-Request-ID 会被原样沿用。
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(RequestIDKey, id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}
