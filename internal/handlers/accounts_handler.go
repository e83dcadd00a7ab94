package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/go-reliable-taskflow/internal/accounts"
	"github.com/imrishuroy/go-reliable-taskflow/internal/validation"
)

func (h *handler) registerAccount(c *gin.Context) {
	var req validation.RegisterAccountRequest
	if err := validation.BindAndValidate(c, &req, h.Validator); err != nil {
		return
	}
	reg, err := h.Accounts.Register(c.Request.Context(), accounts.NewUser{
		UserID: req.UserID,
		Email:  req.Email,
		Name:   req.Name,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.Header("Location", "/credits/"+reg.UserID)
	c.JSON(http.StatusCreated, reg)
}
