package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

var (
	ErrNotFound          = errors.New("record not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidPlan       = errors.New("invalid scene plan")
)

// PausedRemediation 余额不足暂停时展示给用户的操作提示
const PausedRemediation = "insufficient credits: top up the balance and resume the project"

type Project struct {
	ID               string        `gorm:"primaryKey;type:varchar(64)" json:"id"`
	OwnerID          string        `gorm:"type:varchar(64);index;not null" json:"ownerId"`
	Title            string        `json:"title"`
	Status           ProjectStatus `gorm:"type:varchar(32);index;not null" json:"status"`
	CurrentScene     int           `gorm:"not null;default:0" json:"currentScene"`
	TotalScenes      int           `gorm:"not null;default:0" json:"totalScenes"`
	CompletedScenes  int           `gorm:"not null;default:0" json:"completedScenes"`
	SpentCredits     int64         `gorm:"not null;default:0" json:"spentCredits"`
	EstimatedCredits int64         `gorm:"not null;default:0" json:"estimatedCredits"`
	Model            string        `gorm:"type:varchar(64)" json:"model"`
	VoiceID          *string       `gorm:"type:varchar(128)" json:"voiceId,omitempty"`
	ErrorMessage     string        `gorm:"type:text" json:"errorMessage,omitempty"`
	CompletedAt      *time.Time    `json:"completedAt,omitempty"`
	CreatedAt        time.Time     `json:"createdAt"`
	UpdatedAt        time.Time     `gorm:"index" json:"updatedAt"`
}

func (Project) TableName() string {
	return "project"
}

// HasVoice reports whether scenes need a narration step.
func (p *Project) HasVoice() bool {
	return p.VoiceID != nil && *p.VoiceID != ""
}

func GetProject(ctx context.Context, db *gorm.DB, id string) (*Project, error) {
	var p Project
	if err := db.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// SelectGeneratingProjects 按陈旧度（最久未更新优先）取一批 generating 项目
func SelectGeneratingProjects(ctx context.Context, db *gorm.DB, limit int) ([]Project, error) {
	var projects []Project
	err := db.WithContext(ctx).
		Where("status = ?", ProjectStatusGenerating).
		Order("updated_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&projects).Error
	return projects, err
}

// CreateProjectPlan inserts the project and its scene plan in one transaction.
// Scene numbers must be exactly 1..len(scenes); the project starts in
// script_ready and every scene in pending with retry_count 0.
func CreateProjectPlan(ctx context.Context, db *gorm.DB, p *Project, scenes []Scene) error {
	if len(scenes) == 0 {
		return fmt.Errorf("%w: project %s has no scenes", ErrInvalidPlan, p.ID)
	}
	seen := make(map[int]bool, len(scenes))
	for _, s := range scenes {
		if s.SceneNumber < 1 || s.SceneNumber > len(scenes) || seen[s.SceneNumber] {
			return fmt.Errorf("%w: scene numbers must be contiguous 1..%d, got %d", ErrInvalidPlan, len(scenes), s.SceneNumber)
		}
		seen[s.SceneNumber] = true
	}

	now := time.Now().UTC()
	p.Status = ProjectStatusScriptReady
	p.TotalScenes = len(scenes)
	p.CurrentScene = 0
	p.CompletedScenes = 0
	p.SpentCredits = 0
	p.CreatedAt = now
	p.UpdatedAt = now
	for i := range scenes {
		scenes[i].ProjectID = p.ID
		scenes[i].Status = SceneStatusPending
		scenes[i].RetryCount = 0
		scenes[i].CreditCost = 0
		scenes[i].CreatedAt = now
		scenes[i].UpdatedAt = now
	}

	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(p).Error; err != nil {
			return fmt.Errorf("create project: %w", err)
		}
		if err := tx.Create(&scenes).Error; err != nil {
			return fmt.Errorf("create scenes: %w", err)
		}
		return nil
	})
}

// TransitionProject moves the project to `to` only if it is currently in one of
// `from`. It returns false when the row was not in an allowed state.
func TransitionProject(ctx context.Context, db *gorm.DB, id string, from []ProjectStatus, to ProjectStatus, extra map[string]interface{}) (bool, error) {
	updates := map[string]interface{}{
		"status":     to,
		"updated_at": time.Now().UTC(),
	}
	for k, v := range extra {
		updates[k] = v
	}
	res := db.WithContext(ctx).Model(&Project{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// FailProject 场景重试耗尽，项目进入 failed 并记录最后的错误与重试次数
func FailProject(ctx context.Context, db *gorm.DB, id, lastError string, retryCount int) (bool, error) {
	msg := fmt.Sprintf("%s (retries: %d)", lastError, retryCount)
	return TransitionProject(ctx, db, id,
		[]ProjectStatus{ProjectStatusGenerating, ProjectStatusPaused},
		ProjectStatusFailed,
		map[string]interface{}{"error_message": msg})
}

// PauseForFunds parks a generating project until the owner tops up.
func PauseForFunds(ctx context.Context, db *gorm.DB, id string) (bool, error) {
	return TransitionProject(ctx, db, id,
		[]ProjectStatus{ProjectStatusGenerating},
		ProjectStatusPaused,
		map[string]interface{}{"error_message": PausedRemediation})
}

// RollupProject recomputes completed_scenes / current_scene from the scene rows
// and touches updated_at so the project moves to the back of the staleness
// queue.
func RollupProject(ctx context.Context, db *gorm.DB, id string) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return rollupTx(tx, id, time.Now().UTC())
	})
}

func rollupTx(tx *gorm.DB, id string, now time.Time) error {
	var completed int64
	if err := tx.Model(&Scene{}).
		Where("project_id = ? AND status = ?", id, SceneStatusCompleted).
		Count(&completed).Error; err != nil {
		return err
	}
	var current struct{ N int }
	if err := tx.Model(&Scene{}).
		Select("COALESCE(MIN(scene_number), 0) AS n").
		Where("project_id = ? AND status NOT IN ?", id, []SceneStatus{SceneStatusCompleted, SceneStatusSkipped}).
		Scan(&current).Error; err != nil {
		return err
	}
	return tx.Model(&Project{}).Where("id = ?", id).Updates(map[string]interface{}{
		"completed_scenes": completed,
		"current_scene":    current.N,
		"updated_at":       now,
	}).Error
}

// CompleteProjectIfDone closes a generating project whose final scene has
// already completed, e.g. when it completed while the project was paused.
func CompleteProjectIfDone(ctx context.Context, db *gorm.DB, p *Project) (bool, error) {
	var n int64
	if err := db.WithContext(ctx).Model(&Scene{}).
		Where("project_id = ? AND scene_number = ? AND status = ?", p.ID, p.TotalScenes, SceneStatusCompleted).
		Count(&n).Error; err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	return TransitionProject(ctx, db, p.ID,
		[]ProjectStatus{ProjectStatusGenerating},
		ProjectStatusCompleted,
		map[string]interface{}{"completed_at": time.Now().UTC()})
}

// DeleteProject removes the project and cascades to its scenes.
func DeleteProject(ctx context.Context, db *gorm.DB, id string) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("project_id = ?", id).Delete(&Scene{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&Project{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// CancelProject marks the project cancelled and sweeps every non-terminal
// scene to skipped in one transaction. Late completions of in-flight jobs are
// ignored because the scenes no longer accept transitions.
func CancelProject(ctx context.Context, db *gorm.DB, id string) (skipped int64, err error) {
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Project{}).
			Where("id = ? AND status NOT IN ?", id, []ProjectStatus{ProjectStatusCompleted, ProjectStatusFailed, ProjectStatusCancelled}).
			Updates(map[string]interface{}{
				"status":     ProjectStatusCancelled,
				"updated_at": time.Now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrInvalidTransition
		}
		skipped, err = SkipOpenScenes(tx, id)
		return err
	})
	return skipped, err
}
