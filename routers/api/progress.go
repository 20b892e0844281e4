package api

import (
	"context"
	"net/http"
	"time"

	"MovieGen-server/models"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// progressEvent 推送给前端的项目进度快照
type progressEvent struct {
	ProjectID       string               `json:"project_id"`
	Status          models.ProjectStatus `json:"status"`
	CurrentScene    int                  `json:"current_scene"`
	CompletedScenes int                  `json:"completed_scenes"`
	TotalScenes     int                  `json:"total_scenes"`
	SpentCredits    int64                `json:"spent_credits"`
	Message         string               `json:"message,omitempty"`
}

func newProgressEvent(p *models.Project) progressEvent {
	return progressEvent{
		ProjectID:       p.ID,
		Status:          p.Status,
		CurrentScene:    p.CurrentScene,
		CompletedScenes: p.CompletedScenes,
		TotalScenes:     p.TotalScenes,
		SpentCredits:    p.SpentCredits,
		Message:         p.ErrorMessage,
	}
}

// 项目进度 WebSocket 推送：以数据库为来源，定时读取并推送变化，项目进入终态后关闭
func (h *Handler) ProjectProgressWebSocket(c *gin.Context) {
	projectID := c.Param("project_id")
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// 劫持后的连接不会随客户端断开取消请求 context，靠读循环感知断开
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	p, err := models.GetProject(ctx, h.Orch.DB, projectID)
	if err != nil {
		_ = conn.WriteJSON(gin.H{"error": "project not found: " + err.Error()})
		return
	}
	prev := newProgressEvent(p)
	if err := conn.WriteJSON(prev); err != nil || p.Status.Terminal() {
		return
	}

	interval := h.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		cur, err := models.GetProject(ctx, h.Orch.DB, projectID)
		if err != nil {
			// 查询失败继续重试
			continue
		}
		ev := newProgressEvent(cur)
		if ev != prev {
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
			prev = ev
		}
		if cur.Status.Terminal() {
			return
		}
	}
}
