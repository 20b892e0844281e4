package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"MovieGen-server/config"
	"MovieGen-server/models"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// maxSceneSteps bounds how many transitions one scene may take in a pass.
const maxSceneSteps = 8

// Orchestrator runs passes: lock, select, drive scenes, roll up, unlock.
type Orchestrator struct {
	DB      *gorm.DB
	Gateway Gateway
	Storage Storage
	Media   Media
	Cfg     config.PipelineConfig
	Now     func() time.Time
}

func NewOrchestrator(db *gorm.DB, gw Gateway, st Storage, media Media, cfg config.PipelineConfig) *Orchestrator {
	return &Orchestrator{DB: db, Gateway: gw, Storage: st, Media: media, Cfg: cfg, Now: time.Now}
}

// PassReport summarises one pass.
type PassReport struct {
	Skipped  bool `json:"skipped"`
	Projects int  `json:"projects"`
	Errors   int  `json:"errors"`
}

func (o *Orchestrator) now() time.Time {
	if o.Now == nil {
		return time.Now().UTC()
	}
	return o.Now().UTC()
}

// RunPass executes one orchestrator pass. When another pass holds the lock it
// returns immediately with Skipped set; the next trigger tries again.
func (o *Orchestrator) RunPass(ctx context.Context) (PassReport, error) {
	lockID, err := models.AcquireLock(ctx, o.DB, o.Cfg.JobName, o.Cfg.LockTTL, o.now())
	if errors.Is(err, models.ErrLockHeld) {
		log.Printf("[Pass] 锁 %s 被占用，跳过本轮", o.Cfg.JobName)
		return PassReport{Skipped: true}, nil
	}
	if err != nil {
		return PassReport{}, fmt.Errorf("acquire lock: %w", err)
	}
	defer func() {
		// 释放失败不要紧，TTL 到期后自动失效
		if err := models.ReleaseLock(context.Background(), o.DB, lockID); err != nil {
			log.Printf("[Pass] 释放锁失败 lock=%s: %v", lockID, err)
		}
	}()

	projects, err := models.SelectGeneratingProjects(ctx, o.DB, o.Cfg.BatchSize)
	if err != nil {
		return PassReport{}, fmt.Errorf("select projects: %w", err)
	}
	log.Printf("[Pass] lock=%s, %d project(s) selected", lockID, len(projects))

	report := PassReport{Projects: len(projects)}
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(o.Cfg.Concurrency)
	for i := range projects {
		p := projects[i]
		g.Go(func() error {
			if err := o.ProcessProject(ctx, &p); err != nil {
				log.Printf("[Pass] project %s: %v", p.ID, err)
				mu.Lock()
				report.Errors++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return report, nil
}

// ProcessProject drives the project's scenes strictly in scene_number order.
// A scene only starts once its predecessor completed, because its continuity
// frame comes from that predecessor.
func (o *Orchestrator) ProcessProject(ctx context.Context, p *models.Project) error {
	scenes, err := models.ListScenes(ctx, o.DB, p.ID)
	if err != nil {
		return fmt.Errorf("list scenes: %w", err)
	}

	var runErr error
	open := false
	for i := range scenes {
		s := &scenes[i]
		if s.Status.Terminal() {
			continue
		}
		var prev *models.Scene
		if i > 0 {
			prev = &scenes[i-1]
		}
		done, err := o.ProcessScene(ctx, p, s, prev)
		if err != nil {
			runErr = fmt.Errorf("scene %d: %w", s.SceneNumber, err)
			open = true
			break
		}
		if !done {
			open = true
			break
		}
	}

	if !open && p.Status == models.ProjectStatusGenerating {
		ok, err := models.CompleteProjectIfDone(ctx, o.DB, p)
		if err != nil {
			runErr = fmt.Errorf("complete project: %w", err)
		} else if ok {
			p.Status = models.ProjectStatusCompleted
			log.Printf("[Pass] project %s completed", p.ID)
		}
	}

	if err := models.RollupProject(ctx, o.DB, p.ID); err != nil && runErr == nil {
		runErr = fmt.Errorf("rollup: %w", err)
	}
	return runErr
}

type stepResult int

const (
	stepContinue stepResult = iota // re-evaluate the same scene
	stepStop                       // scene waits for a later pass
	stepDone                       // scene is terminal, move to the next one
)

// ProcessScene advances one scene as far as it can go in this pass and
// reports whether it reached a terminal state. Calling it again on a scene
// that already completed changes nothing.
func (o *Orchestrator) ProcessScene(ctx context.Context, p *models.Project, s, prev *models.Scene) (bool, error) {
	for step := 0; step < maxSceneSteps; step++ {
		intent := Decide(DecisionInput{
			Now:         o.now(),
			Project:     p,
			Scene:       s,
			Prev:        prev,
			Observed:    o.observe(ctx, s),
			MaxRetries:  o.Cfg.MaxRetries,
			StepTimeout: o.Cfg.StepTimeout,
		})
		res, err := o.apply(ctx, p, s, intent)
		if err != nil {
			return false, err
		}
		switch res {
		case stepDone:
			return true, nil
		case stepStop:
			return false, nil
		}
		fresh, err := models.GetScene(ctx, o.DB, s.ID)
		if err != nil {
			return false, err
		}
		*s = *fresh
	}
	return false, nil
}

// observe polls the job owned by the scene's current state. Transient poll
// failures read as "no news"; the scene stays put until the step timeout.
func (o *Orchestrator) observe(ctx context.Context, s *models.Scene) *JobResult {
	ref := jobReference(s)
	if ref == "" {
		return nil
	}
	res, err := o.Gateway.Poll(ctx, ref)
	if err != nil {
		if errors.Is(err, ErrTransientUpstream) {
			log.Printf("[Scene] 轮询 job %s 网络错误(下轮重试): %v", ref, err)
			return nil
		}
		return &JobResult{Status: JobFailed, Error: err.Error()}
	}
	return &res
}

// jobReference returns the worker job owned by the scene's current state.
func jobReference(s *models.Scene) string {
	switch s.Status {
	case models.SceneStatusGenerating:
		return s.GenerationReference
	case models.SceneStatusNarrating:
		return s.NarrationReference
	}
	return ""
}

func (o *Orchestrator) apply(ctx context.Context, p *models.Project, s *models.Scene, in Intent) (stepResult, error) {
	switch in.Action {
	case ActionNone:
		return stepDone, nil

	case ActionAwait:
		return stepStop, nil

	case ActionFastPath:
		ok, err := models.TransitionScene(ctx, o.DB, s.ID, in.From, in.To, nil)
		if err != nil || !ok {
			return stepStop, err
		}
		log.Printf("[Scene] %s #%d 已有视频，跳过生成与计费: %s -> %s", p.ID, s.SceneNumber, in.From, in.To)
		return stepContinue, nil

	case ActionSubmit:
		return o.submit(ctx, p, s, in)

	case ActionRecordOutput:
		ok, err := models.TransitionScene(ctx, o.DB, s.ID, in.From, in.To, map[string]interface{}{
			"video_url": in.OutputURL,
			"duration":  in.Duration,
		})
		if err != nil || !ok {
			return stepStop, err
		}
		log.Printf("[Scene] %s #%d 生成完成: %s -> %s", p.ID, s.SceneNumber, in.From, in.To)
		return stepContinue, nil

	case ActionSubmitNarration:
		return o.submitNarration(ctx, p, s)

	case ActionNarrationDone:
		ok, err := models.TransitionScene(ctx, o.DB, s.ID, in.From, in.To, map[string]interface{}{
			"audio_url": in.OutputURL,
		})
		if err != nil || !ok {
			return stepStop, err
		}
		return stepContinue, nil

	case ActionMerge:
		return o.merge(ctx, p, s)

	case ActionFail:
		return o.fail(ctx, p, s, in)

	case ActionRetry:
		ok, err := models.RetryScene(ctx, o.DB, s.ID)
		if err != nil || !ok {
			return stepStop, err
		}
		log.Printf("[Scene] %s #%d 重试 (retry_count=%d)", p.ID, s.SceneNumber, s.RetryCount+1)
		return stepContinue, nil

	case ActionEscalate:
		ok, err := models.FailProject(ctx, o.DB, p.ID, in.Error, s.RetryCount)
		if err != nil {
			return stepStop, err
		}
		if ok {
			p.Status = models.ProjectStatusFailed
			log.Printf("[Pass] project %s failed: scene #%d exhausted retries: %s", p.ID, s.SceneNumber, in.Error)
		}
		return stepStop, nil
	}
	return stepStop, fmt.Errorf("unknown action %q", in.Action)
}

// submit bills the scene and moves it to generating before the job exists, so
// every attempt that reaches the worker is accounted for. A submit error fails
// the scene from generating; a first attempt gets its charge back there.
func (o *Orchestrator) submit(ctx context.Context, p *models.Project, s *models.Scene, in Intent) (stepResult, error) {
	cost := o.Cfg.SceneCost
	res, applied, err := models.BillScene(ctx, o.DB, models.BillRequest{
		Scene:   s,
		Project: p,
		Charge:  in.Charge,
		Cost:    cost,
	})
	if err != nil {
		return stepStop, fmt.Errorf("bill scene: %w", err)
	}
	if !applied {
		if res.Reason == models.DeductInsufficientFunds {
			return stepStop, o.pauseForFunds(ctx, p, res.Balance, cost)
		}
		log.Printf("[Scene] %s #%d 状态已变化，跳过提交", p.ID, s.SceneNumber)
		return stepStop, nil
	}
	if in.Charge {
		log.Printf("[Ledger] %s #%d 扣费 %d, 余额 %d", p.ID, s.SceneNumber, cost, res.Balance)
	}

	billed, err := models.GetScene(ctx, o.DB, s.ID)
	if err != nil {
		return stepStop, err
	}
	*s = *billed

	model := p.Model
	if model == "" {
		model = o.Cfg.DefaultModel
	}
	jobID, err := o.Gateway.Submit(ctx, GenerationRequest{
		Type:         JobTypeVideo,
		ProjectID:    p.ID,
		SceneID:      s.ID,
		SceneNumber:  s.SceneNumber,
		Model:        model,
		Prompt:       s.Prompt,
		SeedFrameURL: in.SeedFrameURL,
	})
	if err != nil {
		log.Printf("[Scene] %s #%d 提交失败: %v", p.ID, s.SceneNumber, err)
		return o.fail(ctx, p, s, failure(s, "submit: "+err.Error(), false))
	}

	ok, err := models.RecordGenerationReference(ctx, o.DB, s.ID, jobID)
	if err != nil {
		return stepStop, err
	}
	if !ok {
		// 提交期间场景被取消，job 作废
		log.Printf("[Scene] %s #%d 状态已变化，取消 job %s", p.ID, s.SceneNumber, jobID)
		if cerr := o.Gateway.Cancel(ctx, jobID); cerr != nil {
			log.Printf("[Scene] %s #%d 取消 job %s 失败(忽略): %v", p.ID, s.SceneNumber, jobID, cerr)
		}
		return stepStop, nil
	}

	mode := "text-to-video"
	if in.SeedFrameURL != "" {
		mode = "image-to-video"
	}
	log.Printf("[Scene] %s #%d pending -> generating (job=%s, %s, retry=%v)", p.ID, s.SceneNumber, jobID, mode, s.IsRetry())
	return stepStop, nil
}

func (o *Orchestrator) pauseForFunds(ctx context.Context, p *models.Project, balance, cost int64) error {
	ok, err := models.PauseForFunds(ctx, o.DB, p.ID)
	if err != nil {
		return err
	}
	if ok {
		p.Status = models.ProjectStatusPaused
		log.Printf("[Pass] project %s paused: balance %d < cost %d", p.ID, balance, cost)
	}
	return nil
}

func (o *Orchestrator) submitNarration(ctx context.Context, p *models.Project, s *models.Scene) (stepResult, error) {
	text := s.Narration
	if text == "" {
		text = s.Prompt
	}
	voice := ""
	if p.VoiceID != nil {
		voice = *p.VoiceID
	}
	jobID, err := o.Gateway.Submit(ctx, GenerationRequest{
		Type:        JobTypeNarration,
		ProjectID:   p.ID,
		SceneID:     s.ID,
		SceneNumber: s.SceneNumber,
		Voice:       voice,
		Text:        text,
	})
	if err != nil {
		return o.fail(ctx, p, s, failure(s, "narration submit: "+err.Error(), false))
	}
	ok, err := models.TransitionScene(ctx, o.DB, s.ID, models.SceneStatusNarrating, models.SceneStatusNarrating, map[string]interface{}{
		"narration_reference": jobID,
	})
	if err != nil {
		return stepStop, err
	}
	if ok {
		log.Printf("[Scene] %s #%d 旁白任务已提交 job=%s", p.ID, s.SceneNumber, jobID)
	}
	return stepStop, nil
}

// merge copies the clip into storage, extracts the continuity frame and
// completes the scene. A failed frame extraction is logged and the scene
// completes with a null frame.
func (o *Orchestrator) merge(ctx context.Context, p *models.Project, s *models.Scene) (stepResult, error) {
	video, err := o.Media.Fetch(ctx, s.VideoURL)
	if err != nil {
		return o.fail(ctx, p, s, failure(s, "fetch video: "+err.Error(), false))
	}
	if s.AudioURL != "" {
		audio, err := o.Media.Fetch(ctx, s.AudioURL)
		if err != nil {
			return o.fail(ctx, p, s, failure(s, "fetch narration: "+err.Error(), false))
		}
		if video, err = o.Media.MuxNarration(ctx, video, audio); err != nil {
			return o.fail(ctx, p, s, failure(s, "mux narration: "+err.Error(), false))
		}
	}

	publicURL, err := o.Storage.Put(ctx, SceneVideoKey(p.ID, s.SceneNumber), video)
	if err != nil {
		return o.fail(ctx, p, s, failure(s, "store video: "+err.Error(), false))
	}

	var frameURL *string
	if frame, err := o.Media.LastFrame(ctx, video); err != nil {
		log.Printf("[Scene] %s #%d 提取尾帧失败(不影响完成): %v", p.ID, s.SceneNumber, err)
	} else if u, err := o.Storage.Put(ctx, SceneFrameKey(p.ID, s.SceneNumber), frame); err != nil {
		log.Printf("[Scene] %s #%d 上传尾帧失败(不影响完成): %v", p.ID, s.SceneNumber, err)
	} else {
		frameURL = &u
	}

	applied, projectDone, err := models.CompleteScene(ctx, o.DB, s, p, models.SceneCompletion{
		PublicVideoURL: publicURL,
		LastFrameURL:   frameURL,
		Duration:       s.Duration,
		CompletedAt:    o.now(),
	})
	if err != nil {
		return stepStop, err
	}
	if !applied {
		return stepStop, nil
	}
	log.Printf("[Scene] %s #%d completed", p.ID, s.SceneNumber)
	if projectDone {
		p.Status = models.ProjectStatusCompleted
		log.Printf("[Pass] project %s completed", p.ID)
	}
	fresh, err := models.GetScene(ctx, o.DB, s.ID)
	if err != nil {
		return stepStop, err
	}
	*s = *fresh
	return stepDone, nil
}

func (o *Orchestrator) fail(ctx context.Context, p *models.Project, s *models.Scene, in Intent) (stepResult, error) {
	ok, err := models.FailScene(ctx, o.DB, s, p, in.From, in.Error, in.Refund)
	if err != nil || !ok {
		return stepStop, err
	}
	if in.Refund && s.CreditCost > 0 {
		log.Printf("[Ledger] %s #%d 首次尝试失败，退款 %d", p.ID, s.SceneNumber, s.CreditCost)
	}
	log.Printf("[Scene] %s #%d %s -> failed: %s", p.ID, s.SceneNumber, in.From, in.Error)
	if in.Permanent {
		if _, err := models.FailProject(ctx, o.DB, p.ID, in.Error, s.RetryCount); err != nil {
			return stepStop, err
		}
		p.Status = models.ProjectStatusFailed
	}
	return stepStop, nil
}
