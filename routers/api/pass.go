package api

import (
	"net/http"
	"time"

	"MovieGen-server/models"

	"github.com/gin-gonic/gin"
)

// 手动触发一轮 pass：POST /v1/api/passes
func (h *Handler) TriggerPass(c *gin.Context) {
	taskID, err := h.Trigger("admin")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "pass 入队失败: " + err.Error()})
		return
	}
	if taskID == "" {
		c.JSON(http.StatusAccepted, gin.H{"queued": false, "message": "a pass is already queued"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"queued": true, "task_id": taskID})
}

// 查询调度锁：GET /v1/api/locks/:job_name
func (h *Handler) GetLock(c *gin.Context) {
	jobName := c.Param("job_name")
	lock, err := models.GetLock(c.Request.Context(), h.Orch.DB, jobName)
	if err != nil {
		abortWithError(c, "锁未找到", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"lock":    lock,
		"expired": !lock.ExpiresAt.After(time.Now().UTC()),
	})
}
