package models

import (
	"database/sql/driver"
	"fmt"
	"strings"
)

// ProjectStatus 项目状态，持久化值在读取时立即解码为封闭枚举
type ProjectStatus string

const (
	ProjectStatusDraft       ProjectStatus = "draft"        // 草稿，尚未生成分镜脚本
	ProjectStatusScriptReady ProjectStatus = "script_ready" // 分镜计划已确定，等待开始
	ProjectStatusGenerating  ProjectStatus = "generating"   // 编排器正在推进
	ProjectStatusPaused      ProjectStatus = "paused"       // 用户暂停或余额不足
	ProjectStatusCompleted   ProjectStatus = "completed"
	ProjectStatusFailed      ProjectStatus = "failed"
	ProjectStatusCancelled   ProjectStatus = "cancelled"
)

var projectStatuses = map[string]ProjectStatus{
	"draft":        ProjectStatusDraft,
	"script_ready": ProjectStatusScriptReady,
	"generating":   ProjectStatusGenerating,
	"paused":       ProjectStatusPaused,
	"completed":    ProjectStatusCompleted,
	"failed":       ProjectStatusFailed,
	"cancelled":    ProjectStatusCancelled,
}

// ParseProjectStatus decodes s case-insensitively. Unknown values are errors.
func ParseProjectStatus(s string) (ProjectStatus, error) {
	if st, ok := projectStatuses[strings.ToLower(strings.TrimSpace(s))]; ok {
		return st, nil
	}
	return "", fmt.Errorf("unknown project status %q", s)
}

// Terminal reports whether no further transition is possible.
func (s ProjectStatus) Terminal() bool {
	return s == ProjectStatusCompleted || s == ProjectStatusFailed || s == ProjectStatusCancelled
}

func (s ProjectStatus) Value() (driver.Value, error) {
	return string(s), nil
}

func (s *ProjectStatus) Scan(value interface{}) error {
	raw, err := scanString(value)
	if err != nil {
		return err
	}
	st, err := ParseProjectStatus(raw)
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// SceneStatus 分镜状态
type SceneStatus string

const (
	SceneStatusPending    SceneStatus = "pending"
	SceneStatusGenerating SceneStatus = "generating"
	SceneStatusNarrating  SceneStatus = "narrating"
	SceneStatusMerging    SceneStatus = "merging"
	SceneStatusCompleted  SceneStatus = "completed"
	SceneStatusFailed     SceneStatus = "failed"
	SceneStatusSkipped    SceneStatus = "skipped"
)

var sceneStatuses = map[string]SceneStatus{
	"pending":    SceneStatusPending,
	"generating": SceneStatusGenerating,
	"narrating":  SceneStatusNarrating,
	"merging":    SceneStatusMerging,
	"completed":  SceneStatusCompleted,
	"failed":     SceneStatusFailed,
	"skipped":    SceneStatusSkipped,
}

func ParseSceneStatus(s string) (SceneStatus, error) {
	if st, ok := sceneStatuses[strings.ToLower(strings.TrimSpace(s))]; ok {
		return st, nil
	}
	return "", fmt.Errorf("unknown scene status %q", s)
}

// Terminal reports completed and skipped. A failed scene is only terminal
// once its retries are exhausted, which the state machine decides.
func (s SceneStatus) Terminal() bool {
	return s == SceneStatusCompleted || s == SceneStatusSkipped
}

// InFlight reports the states that own an outstanding external step.
func (s SceneStatus) InFlight() bool {
	return s == SceneStatusGenerating || s == SceneStatusNarrating || s == SceneStatusMerging
}

func (s SceneStatus) Value() (driver.Value, error) {
	return string(s), nil
}

func (s *SceneStatus) Scan(value interface{}) error {
	raw, err := scanString(value)
	if err != nil {
		return err
	}
	st, err := ParseSceneStatus(raw)
	if err != nil {
		return err
	}
	*s = st
	return nil
}

func scanString(value interface{}) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case nil:
		return "", fmt.Errorf("status is NULL")
	default:
		return "", fmt.Errorf("unsupported status type %T", value)
	}
}
