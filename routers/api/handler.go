package api

import (
	"errors"
	"net/http"
	"time"

	"MovieGen-server/models"
	"MovieGen-server/service"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	Orch *service.Orchestrator
	// Trigger 投递一轮 pass，测试中可替换
	Trigger      func(trigger string) (string, error)
	PollInterval time.Duration
}

func NewHandler(o *service.Orchestrator) *Handler {
	return &Handler{
		Orch:         o,
		Trigger:      service.EnqueuePass,
		PollInterval: time.Second,
	}
}

// abortWithError 统一错误码映射
func abortWithError(c *gin.Context, msg string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, models.ErrInvalidPlan):
		status = http.StatusBadRequest
	}
	c.JSON(status, gin.H{"error": msg + ": " + err.Error()})
}
