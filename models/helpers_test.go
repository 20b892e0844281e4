package models

import (
	"context"
	"fmt"
	"testing"

	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		if raw, err := db.DB(); err == nil {
			raw.Close()
		}
	})
	return db
}

// seedProject creates a project with n pending scenes and moves it to status.
func seedProject(t *testing.T, db *gorm.DB, id, owner string, n int, status ProjectStatus) (*Project, []Scene) {
	t.Helper()
	ctx := context.Background()
	p := &Project{ID: id, OwnerID: owner, Title: "test " + id}
	scenes := make([]Scene, n)
	for i := range scenes {
		scenes[i] = Scene{
			ID:          fmt.Sprintf("%s-s%d", id, i+1),
			SceneNumber: i + 1,
			Prompt:      fmt.Sprintf("shot %d", i+1),
		}
	}
	if err := CreateProjectPlan(ctx, db, p, scenes); err != nil {
		t.Fatalf("create plan: %v", err)
	}
	if status != ProjectStatusScriptReady {
		if err := db.Model(&Project{}).Where("id = ?", id).Update("status", status).Error; err != nil {
			t.Fatalf("set status: %v", err)
		}
		p.Status = status
	}
	return p, scenes
}

func setSceneStatus(t *testing.T, db *gorm.DB, id string, status SceneStatus, extra map[string]interface{}) {
	t.Helper()
	updates := map[string]interface{}{"status": status}
	for k, v := range extra {
		updates[k] = v
	}
	if err := db.Model(&Scene{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		t.Fatalf("set scene %s: %v", id, err)
	}
}

func mustScene(t *testing.T, db *gorm.DB, id string) *Scene {
	t.Helper()
	s, err := GetScene(context.Background(), db, id)
	if err != nil {
		t.Fatalf("get scene %s: %v", id, err)
	}
	return s
}

func mustProject(t *testing.T, db *gorm.DB, id string) *Project {
	t.Helper()
	p, err := GetProject(context.Background(), db, id)
	if err != nil {
		t.Fatalf("get project %s: %v", id, err)
	}
	return p
}

func mustBalance(t *testing.T, db *gorm.DB, owner string) int64 {
	t.Helper()
	b, err := Balance(context.Background(), db, owner)
	if err != nil {
		t.Fatalf("balance %s: %v", owner, err)
	}
	return b
}
