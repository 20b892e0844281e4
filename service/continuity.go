package service

import (
	"fmt"

	"MovieGen-server/models"
)

// SceneVideoKey and SceneFrameKey are the only places storage keys are built.
// Callers pass the result to Storage.Put unchanged.
func SceneVideoKey(projectID string, sceneNumber int) string {
	return fmt.Sprintf("%s/scene_%03d.mp4", projectID, sceneNumber)
}

func SceneFrameKey(projectID string, sceneNumber int) string {
	return fmt.Sprintf("%s/frames/scene_%03d.jpg", projectID, sceneNumber)
}

// SeedFrame returns the continuity frame for scene N from scene N-1, or "" to
// fall back to text-to-video. Continuity is best effort: a missing or failed
// predecessor frame is never an error.
func SeedFrame(scene, prev *models.Scene) string {
	if scene.SceneNumber <= 1 || prev == nil {
		return ""
	}
	if prev.SceneNumber != scene.SceneNumber-1 || prev.Status != models.SceneStatusCompleted {
		return ""
	}
	if prev.LastFrameURL == nil {
		return ""
	}
	return *prev.LastFrameURL
}
