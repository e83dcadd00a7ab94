package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/go-reliable-taskflow/internal/accounts"
	"github.com/imrishuroy/go-reliable-taskflow/internal/apperror"
)

const (
	headerAPIKey = "X-API-Key"
	ctxAPIKey    = "api_key"
)

func (h *handler) requireAPIKey(c *gin.Context) {
	token := c.GetHeader(headerAPIKey)
	if token == "" {
		writeError(c, apperror.Newf(apperror.KindUnauthorized, "handlers.auth", "missing %s header", headerAPIKey))
		return
	}
	key, err := h.Keys.Verify(c.Request.Context(), token)
	if err != nil {
		writeError(c, err)
		return
	}
	c.Set(ctxAPIKey, key)
	c.Next()
}

// apiKey returns the key set by requireAPIKey, if any.
func apiKey(c *gin.Context) *accounts.APIKey {
	v, ok := c.Get(ctxAPIKey)
	if !ok {
		return nil
	}
	k, _ := v.(*accounts.APIKey)
	return k
}
