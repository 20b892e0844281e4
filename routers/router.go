package routers

import (
	"MovieGen-server/routers/api"
	"MovieGen-server/service"

	"github.com/gin-gonic/gin"
)

func InitRouter(o *service.Orchestrator) *gin.Engine {
	return newRouter(api.NewHandler(o))
}

func newRouter(h *api.Handler) *gin.Engine {
	r := gin.Default()
	v1 := r.Group("/v1/api")
	{
		v1.POST("/projects", h.CreateProject)
		v1.GET("/projects/:project_id", h.GetProject)
		v1.DELETE("/projects/:project_id", h.DeleteProject)
		v1.GET("/projects/:project_id/scenes", h.GetScenes)
		v1.POST("/projects/:project_id/start", h.StartProject)
		v1.POST("/projects/:project_id/pause", h.PauseProject)
		v1.POST("/projects/:project_id/resume", h.ResumeProject)
		v1.POST("/projects/:project_id/cancel", h.CancelProject)

		v1.GET("/credits/:owner_id", h.GetCredits)
		v1.POST("/credits/:owner_id/topup", h.TopUp)
		v1.GET("/credits/:owner_id/transactions", h.GetTransactions)

		v1.POST("/passes", h.TriggerPass)
		v1.GET("/locks/:job_name", h.GetLock)
	}
	r.GET("/projects/:project_id/wss", h.ProjectProgressWebSocket)
	return r
}
