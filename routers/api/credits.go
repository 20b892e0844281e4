package api

import (
	"net/http"
	"strconv"

	"MovieGen-server/models"

	"github.com/gin-gonic/gin"
)

// 查询余额
func (h *Handler) GetCredits(c *gin.Context) {
	ownerID := c.Param("owner_id")
	balance, err := models.Balance(c.Request.Context(), h.Orch.DB, ownerID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "查询余额失败: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"owner_id": ownerID, "balance": balance})
}

// 充值。暂停中的项目不会自动恢复，需要调用 resume
func (h *Handler) TopUp(c *gin.Context) {
	ownerID := c.Param("owner_id")
	var req struct {
		Amount int64  `json:"amount" binding:"required,gt=0"`
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Reason == "" {
		req.Reason = "topup"
	}
	balance, err := models.Grant(c.Request.Context(), h.Orch.DB, ownerID, req.Amount, req.Reason)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "充值失败: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"owner_id": ownerID, "balance": balance})
}

// 流水，最近的在前
func (h *Handler) GetTransactions(c *gin.Context) {
	ownerID := c.Param("owner_id")
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}
	txs, err := models.ListTransactions(c.Request.Context(), h.Orch.DB, ownerID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "查询流水失败: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"owner_id": ownerID, "transactions": txs})
}
