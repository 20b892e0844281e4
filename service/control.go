package service

import (
	"context"
	"fmt"
	"log"

	"MovieGen-server/models"
)

// 用户操作：start / pause / resume / cancel

// StartProject hands a script_ready project to the orchestrator.
func (o *Orchestrator) StartProject(ctx context.Context, id string) error {
	return o.transition(ctx, id, []models.ProjectStatus{models.ProjectStatusScriptReady}, models.ProjectStatusGenerating, nil)
}

// PauseProject stops scheduling new work. Jobs already in flight keep
// running and are picked up again after resume.
func (o *Orchestrator) PauseProject(ctx context.Context, id string) error {
	return o.transition(ctx, id, []models.ProjectStatus{models.ProjectStatusGenerating}, models.ProjectStatusPaused, nil)
}

// ResumeProject returns a paused project to generating. It does not check the
// balance; a project that is still short of credits pauses again on its next
// submission.
func (o *Orchestrator) ResumeProject(ctx context.Context, id string) error {
	return o.transition(ctx, id, []models.ProjectStatus{models.ProjectStatusPaused}, models.ProjectStatusGenerating,
		map[string]interface{}{"error_message": ""})
}

// CancelProject skips every open scene and asks the gateway to drop their
// jobs. Credits already spent on in-flight scenes are not refunded.
func (o *Orchestrator) CancelProject(ctx context.Context, id string) (int64, error) {
	if _, err := models.GetProject(ctx, o.DB, id); err != nil {
		return 0, err
	}
	scenes, err := models.ListScenes(ctx, o.DB, id)
	if err != nil {
		return 0, err
	}
	skipped, err := models.CancelProject(ctx, o.DB, id)
	if err != nil {
		return 0, err
	}
	log.Printf("[Project] %s cancelled, %d scene(s) skipped", id, skipped)

	for i := range scenes {
		if !scenes[i].Status.InFlight() {
			continue
		}
		ref := jobReference(&scenes[i])
		if ref == "" {
			continue
		}
		if err := o.Gateway.Cancel(ctx, ref); err != nil {
			log.Printf("[Project] %s 取消 job %s 失败(忽略): %v", id, ref, err)
		}
	}
	return skipped, nil
}

func (o *Orchestrator) transition(ctx context.Context, id string, from []models.ProjectStatus, to models.ProjectStatus, extra map[string]interface{}) error {
	p, err := models.GetProject(ctx, o.DB, id)
	if err != nil {
		return err
	}
	ok, err := models.TransitionProject(ctx, o.DB, id, from, to, extra)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: project %s is %s", models.ErrInvalidTransition, id, p.Status)
	}
	log.Printf("[Project] %s %s -> %s", id, p.Status, to)
	return nil
}
