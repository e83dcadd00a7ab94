package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/go-reliable-taskflow/internal/credits"
	"github.com/imrishuroy/go-reliable-taskflow/internal/validation"
)

func (h *handler) getBalance(c *gin.Context) {
	acct, err := h.Credits.Account(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, acct)
}

func (h *handler) adjustCredits(c *gin.Context) {
	var req validation.AdjustCreditsRequest
	if err := validation.BindAndValidate(c, &req, h.Validator); err != nil {
		return
	}
	userID := c.Param("user_id")
	balance, err := h.Credits.Adjust(c.Request.Context(), credits.AdjustRequest{
		UserID:    userID,
		Amount:    req.Amount,
		Direction: credits.Direction(req.Direction),
		KeyID:     req.KeyID,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "balance": balance})
}

func (h *handler) listTransactions(c *gin.Context) {
	txs, err := h.Credits.Transactions(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if txs == nil {
		txs = []credits.Transaction{}
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs})
}
