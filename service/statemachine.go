package service

import (
	"time"

	"MovieGen-server/models"
)

// Action is what the runner must do for a scene in this pass.
type Action string

const (
	ActionNone            Action = "none"
	ActionSubmit          Action = "submit"
	ActionFastPath        Action = "fast_path"
	ActionAwait           Action = "await"
	ActionRecordOutput    Action = "record_output"
	ActionSubmitNarration Action = "submit_narration"
	ActionNarrationDone   Action = "narration_done"
	ActionMerge           Action = "merge"
	ActionFail            Action = "fail"
	ActionRetry           Action = "retry"
	ActionEscalate        Action = "escalate"
)

// DecisionInput is everything Decide looks at. Observed is the latest poll of
// the job owned by the scene's current state, nil when there is none.
type DecisionInput struct {
	Now         time.Time
	Project     *models.Project
	Scene       *models.Scene
	Prev        *models.Scene
	Observed    *JobResult
	MaxRetries  int
	StepTimeout time.Duration
}

// Intent is a single transition request produced by Decide.
type Intent struct {
	Action Action
	From   models.SceneStatus
	To     models.SceneStatus

	// submit: deduct credits. Only the first attempt is charged.
	Charge       bool
	SeedFrameURL string

	OutputURL string
	Duration  float64

	// fail: return the first attempt's charge.
	Refund bool
	// fail: retrying cannot succeed, fail the project now.
	Permanent bool
	Error     string
}

// Decide maps the current scene state and observation to the next intent.
// It has no side effects; the runner applies the intent.
func Decide(in DecisionInput) Intent {
	s := in.Scene
	from := s.Status

	switch s.Status {
	case models.SceneStatusCompleted, models.SceneStatusSkipped:
		return Intent{Action: ActionNone, From: from, To: from}

	case models.SceneStatusPending:
		if s.VideoURL != "" {
			// 生成已成功过，后续步骤失败：跳过重新提交与计费
			return Intent{Action: ActionFastPath, From: from, To: afterVideo(in.Project, s)}
		}
		return Intent{
			Action:       ActionSubmit,
			From:         from,
			To:           models.SceneStatusGenerating,
			Charge:       !s.IsRetry(),
			SeedFrameURL: SeedFrame(s, in.Prev),
		}

	case models.SceneStatusGenerating:
		if s.GenerationReference == "" {
			return failure(s, "scene is generating without a generation reference", true)
		}
		return observe(in, func(res *JobResult) Intent {
			if res.OutputURL == "" {
				return failure(s, "generation completed without an output url", false)
			}
			return Intent{
				Action:    ActionRecordOutput,
				From:      from,
				To:        afterVideo(in.Project, s),
				OutputURL: res.OutputURL,
				Duration:  res.Duration,
			}
		}, "generation")

	case models.SceneStatusNarrating:
		if s.NarrationReference == "" {
			return Intent{Action: ActionSubmitNarration, From: from, To: from}
		}
		return observe(in, func(res *JobResult) Intent {
			if res.OutputURL == "" {
				return failure(s, "narration completed without an output url", false)
			}
			return Intent{Action: ActionNarrationDone, From: from, To: models.SceneStatusMerging, OutputURL: res.OutputURL}
		}, "narration")

	case models.SceneStatusMerging:
		return Intent{Action: ActionMerge, From: from, To: models.SceneStatusCompleted}

	case models.SceneStatusFailed:
		// 第 MaxRetries 次尝试失败后不再重试，升级为项目失败
		if s.RetryCount+1 >= in.MaxRetries {
			return Intent{Action: ActionEscalate, From: from, To: from, Error: s.ErrorMessage}
		}
		return Intent{Action: ActionRetry, From: from, To: models.SceneStatusPending}
	}
	return Intent{Action: ActionNone, From: from, To: from}
}

func observe(in DecisionInput, onDone func(*JobResult) Intent, step string) Intent {
	s := in.Scene
	res := in.Observed
	if res != nil {
		switch res.Status {
		case JobCompleted:
			return onDone(res)
		case JobFailed:
			msg := res.Error
			if msg == "" {
				msg = step + " failed upstream"
			}
			return failure(s, msg, false)
		}
	}
	if in.StepTimeout > 0 && in.Now.Sub(s.UpdatedAt) > in.StepTimeout {
		return failure(s, step+" timed out", false)
	}
	return Intent{Action: ActionAwait, From: s.Status, To: s.Status}
}

func failure(s *models.Scene, msg string, permanent bool) Intent {
	return Intent{
		Action:    ActionFail,
		From:      s.Status,
		To:        models.SceneStatusFailed,
		Refund:    !s.IsRetry(),
		Permanent: permanent,
		Error:     msg,
	}
}

func afterVideo(p *models.Project, s *models.Scene) models.SceneStatus {
	if p.HasVoice() && s.AudioURL == "" {
		return models.SceneStatusNarrating
	}
	return models.SceneStatusMerging
}
