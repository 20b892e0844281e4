package models

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

type Scene struct {
	ID                  string      `gorm:"primaryKey;type:varchar(64)" json:"id"`
	ProjectID           string      `gorm:"type:varchar(64);not null;uniqueIndex:idx_scene_project_number" json:"projectId"`
	SceneNumber         int         `gorm:"not null;uniqueIndex:idx_scene_project_number" json:"sceneNumber"`
	Prompt              string      `gorm:"type:text" json:"prompt"`
	Narration           string      `gorm:"type:text" json:"narration"`
	Status              SceneStatus `gorm:"type:varchar(32);index;not null" json:"status"`
	RetryCount          int         `gorm:"not null;default:0" json:"retryCount"`
	CreditCost          int64       `gorm:"not null;default:0" json:"creditCost"`
	GenerationReference string      `gorm:"type:varchar(128)" json:"generationReference"`
	NarrationReference  string      `gorm:"type:varchar(128)" json:"narrationReference"`
	AudioURL            string      `gorm:"type:text" json:"audioUrl"`
	VideoURL            string      `gorm:"type:text" json:"videoUrl"`
	PublicVideoURL      string      `gorm:"type:text" json:"publicVideoUrl"`
	LastFrameURL        *string     `gorm:"type:text" json:"lastFrameUrl"`
	Duration            float64     `json:"duration"`
	ErrorMessage        string      `gorm:"type:text" json:"errorMessage"`
	CompletedAt         *time.Time  `json:"completedAt,omitempty"`
	CreatedAt           time.Time   `json:"createdAt"`
	UpdatedAt           time.Time   `json:"updatedAt"`
}

func (Scene) TableName() string {
	return "scene"
}

// IsRetry is the retry guard: it decides both billing on entering generating
// and the refund on failure.
func (s *Scene) IsRetry() bool {
	return s.RetryCount > 0
}

func ListScenes(ctx context.Context, db *gorm.DB, projectID string) ([]Scene, error) {
	var scenes []Scene
	err := db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("scene_number ASC").
		Find(&scenes).Error
	return scenes, err
}

func GetScene(ctx context.Context, db *gorm.DB, id string) (*Scene, error) {
	var s Scene
	if err := db.WithContext(ctx).First(&s, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

// TransitionScene 带 from 状态条件的更新（compare-and-set）。
// 返回 false 表示场景已被其他操作改变（例如被取消为 skipped），调用方应忽略本次结果。
func TransitionScene(ctx context.Context, db *gorm.DB, id string, from, to SceneStatus, extra map[string]interface{}) (bool, error) {
	updates := map[string]interface{}{
		"status":     to,
		"updated_at": time.Now().UTC(),
	}
	for k, v := range extra {
		updates[k] = v
	}
	res := db.WithContext(ctx).Model(&Scene{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// RecordGenerationReference 记录已计费场景的 job id。
// 场景已离开 generating（例如项目被取消）或已有 reference 时返回 false。
func RecordGenerationReference(ctx context.Context, db *gorm.DB, id, ref string) (bool, error) {
	res := db.WithContext(ctx).Model(&Scene{}).
		Where("id = ? AND status = ? AND generation_reference = ?", id, SceneStatusGenerating, "").
		Updates(map[string]interface{}{
			"generation_reference": ref,
			"updated_at":           time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// RetryScene moves failed -> pending, bumping retry_count and clearing the
// error. retry_count only ever grows here.
func RetryScene(ctx context.Context, db *gorm.DB, id string) (bool, error) {
	res := db.WithContext(ctx).Model(&Scene{}).
		Where("id = ? AND status = ?", id, SceneStatusFailed).
		Updates(map[string]interface{}{
			"status":               SceneStatusPending,
			"retry_count":          gorm.Expr("retry_count + 1"),
			"error_message":        "",
			"generation_reference": "",
			"narration_reference":  "",
			"updated_at":           time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// FailScene moves the scene from `from` to failed and, when refund is set,
// returns its credit_cost to the owner in the same transaction. Only the
// caller whose compare-and-set wins issues the refund.
func FailScene(ctx context.Context, db *gorm.DB, scene *Scene, project *Project, from SceneStatus, msg string, refund bool) (bool, error) {
	applied := false
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Scene{}).
			Where("id = ? AND status = ?", scene.ID, from).
			Updates(map[string]interface{}{
				"status":        SceneStatusFailed,
				"error_message": msg,
				"updated_at":    time.Now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		applied = true
		if !refund || scene.CreditCost <= 0 {
			return nil
		}
		return refundTx(tx, project.OwnerID, scene.CreditCost, LedgerContext{
			ProjectID: project.ID,
			SceneID:   scene.ID,
			Reason:    "scene failed: " + msg,
		})
	})
	return applied, err
}

// SceneCompletion carries the merge outputs persisted on merging -> completed.
type SceneCompletion struct {
	PublicVideoURL string
	LastFrameURL   *string
	Duration       float64
	CompletedAt    time.Time
}

// CompleteScene is complete-and-rollup: the scene leaves merging, the project
// counters are recomputed and, when this was the last scene, the project is
// completed, all in one transaction. projectDone reports the latter.
func CompleteScene(ctx context.Context, db *gorm.DB, scene *Scene, project *Project, c SceneCompletion) (applied, projectDone bool, err error) {
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Scene{}).
			Where("id = ? AND status = ?", scene.ID, SceneStatusMerging).
			Updates(map[string]interface{}{
				"status":           SceneStatusCompleted,
				"public_video_url": c.PublicVideoURL,
				"last_frame_url":   c.LastFrameURL,
				"duration":         c.Duration,
				"completed_at":     c.CompletedAt,
				"error_message":    "",
				"updated_at":       c.CompletedAt,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		applied = true
		if err := rollupTx(tx, project.ID, c.CompletedAt); err != nil {
			return err
		}
		if scene.SceneNumber != project.TotalScenes {
			return nil
		}
		done := tx.Model(&Project{}).
			Where("id = ? AND status = ?", project.ID, ProjectStatusGenerating).
			Updates(map[string]interface{}{
				"status":       ProjectStatusCompleted,
				"completed_at": c.CompletedAt,
				"updated_at":   c.CompletedAt,
			})
		if done.Error != nil {
			return done.Error
		}
		projectDone = done.RowsAffected == 1
		return nil
	})
	return applied, projectDone, err
}

// SkipOpenScenes sweeps every non-terminal scene of the project to skipped.
func SkipOpenScenes(tx *gorm.DB, projectID string) (int64, error) {
	res := tx.Model(&Scene{}).
		Where("project_id = ? AND status NOT IN ?", projectID, []SceneStatus{SceneStatusCompleted, SceneStatusSkipped}).
		Updates(map[string]interface{}{
			"status":     SceneStatusSkipped,
			"updated_at": time.Now().UTC(),
		})
	return res.RowsAffected, res.Error
}
