package api

import (
	"context"
	"net/http"

	"MovieGen-server/models"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type sceneRequest struct {
	SceneNumber int    `json:"scene_number"`
	Prompt      string `json:"prompt" binding:"required"`
	Narration   string `json:"narration"`
}

// 创建项目：写入分镜计划，可选直接开始生成
func (h *Handler) CreateProject(c *gin.Context) {
	var req struct {
		OwnerID string         `json:"owner_id" binding:"required"`
		Title   string         `json:"title"`
		Model   string         `json:"model"`
		VoiceID string         `json:"voice_id"`
		Start   bool           `json:"start"`
		Scenes  []sceneRequest `json:"scenes" binding:"required,min=1,dive"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	project := models.Project{
		ID:               uuid.NewString(),
		OwnerID:          req.OwnerID,
		Title:            req.Title,
		Model:            req.Model,
		EstimatedCredits: int64(len(req.Scenes)) * h.Orch.Cfg.SceneCost,
	}
	if req.VoiceID != "" {
		voice := req.VoiceID
		project.VoiceID = &voice
	}

	scenes := make([]models.Scene, 0, len(req.Scenes))
	for i, s := range req.Scenes {
		n := s.SceneNumber
		if n == 0 {
			n = i + 1
		}
		scenes = append(scenes, models.Scene{
			ID:          uuid.NewString(),
			SceneNumber: n,
			Prompt:      s.Prompt,
			Narration:   s.Narration,
		})
	}

	ctx := c.Request.Context()
	if err := models.CreateProjectPlan(ctx, h.Orch.DB, &project, scenes); err != nil {
		abortWithError(c, "创建项目失败", err)
		return
	}
	if req.Start {
		if err := h.Orch.StartProject(ctx, project.ID); err != nil {
			abortWithError(c, "启动项目失败", err)
			return
		}
		project.Status = models.ProjectStatusGenerating
	}

	c.JSON(http.StatusOK, gin.H{
		"project_id":        project.ID,
		"status":            project.Status,
		"total_scenes":      project.TotalScenes,
		"estimated_credits": project.EstimatedCredits,
	})
}

// projectView 项目详情：暂停时附带补救提示，失败时附带错误与重试次数
type projectView struct {
	*models.Project
	Remediation string `json:"remediation,omitempty"`
	Error       string `json:"error,omitempty"`
	RetryCount  *int   `json:"retryCount,omitempty"`
}

func newProjectView(p *models.Project, scenes []models.Scene) projectView {
	v := projectView{Project: p}
	switch p.Status {
	case models.ProjectStatusPaused:
		v.Remediation = p.ErrorMessage
		if v.Remediation == "" {
			v.Remediation = "project paused: resume it to continue generation"
		}
	case models.ProjectStatusFailed:
		v.Error = p.ErrorMessage
		retries := 0
		for _, s := range scenes {
			if s.RetryCount > retries {
				retries = s.RetryCount
			}
		}
		v.RetryCount = &retries
	}
	return v
}

// 获取项目详情
func (h *Handler) GetProject(c *gin.Context) {
	projectID := c.Param("project_id")
	ctx := c.Request.Context()

	project, err := models.GetProject(ctx, h.Orch.DB, projectID)
	if err != nil {
		abortWithError(c, "项目未找到", err)
		return
	}
	scenes, err := models.ListScenes(ctx, h.Orch.DB, projectID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取分镜失败: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"project_detail": newProjectView(project, scenes),
		"scenes":         scenes,
	})
}

// 获取分镜列表
func (h *Handler) GetScenes(c *gin.Context) {
	projectID := c.Param("project_id")
	ctx := c.Request.Context()
	if _, err := models.GetProject(ctx, h.Orch.DB, projectID); err != nil {
		abortWithError(c, "项目未找到", err)
		return
	}
	scenes, err := models.ListScenes(ctx, h.Orch.DB, projectID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取分镜失败: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"scenes": scenes})
}

// 删除项目（级联删除分镜）。生成中的项目需先取消
func (h *Handler) DeleteProject(c *gin.Context) {
	projectID := c.Param("project_id")
	ctx := c.Request.Context()

	project, err := models.GetProject(ctx, h.Orch.DB, projectID)
	if err != nil {
		abortWithError(c, "项目未找到", err)
		return
	}
	if project.Status == models.ProjectStatusGenerating {
		c.JSON(http.StatusConflict, gin.H{"error": "项目生成中，请先取消"})
		return
	}
	if err := models.DeleteProject(ctx, h.Orch.DB, projectID); err != nil {
		abortWithError(c, "删除项目失败", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": projectID})
}

func (h *Handler) StartProject(c *gin.Context) {
	h.command(c, h.Orch.StartProject)
}

func (h *Handler) PauseProject(c *gin.Context) {
	h.command(c, h.Orch.PauseProject)
}

func (h *Handler) ResumeProject(c *gin.Context) {
	h.command(c, h.Orch.ResumeProject)
}

func (h *Handler) CancelProject(c *gin.Context) {
	projectID := c.Param("project_id")
	skipped, err := h.Orch.CancelProject(c.Request.Context(), projectID)
	if err != nil {
		abortWithError(c, "取消项目失败", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"project_id":     projectID,
		"status":         models.ProjectStatusCancelled,
		"skipped_scenes": skipped,
	})
}

func (h *Handler) command(c *gin.Context, run func(ctx context.Context, id string) error) {
	projectID := c.Param("project_id")
	ctx := c.Request.Context()
	if err := run(ctx, projectID); err != nil {
		abortWithError(c, "操作失败", err)
		return
	}
	project, err := models.GetProject(ctx, h.Orch.DB, projectID)
	if err != nil {
		abortWithError(c, "项目未找到", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"project_id": projectID, "status": project.Status})
}
