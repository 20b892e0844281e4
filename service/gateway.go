package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// JobStatus 外部渲染任务状态，在边界处解码为封闭枚举
type JobStatus int

const (
	JobPending JobStatus = iota
	JobProcessing
	JobCompleted
	JobFailed
)

func (s JobStatus) String() string {
	switch s {
	case JobPending:
		return "pending"
	case JobProcessing:
		return "processing"
	case JobCompleted:
		return "completed"
	case JobFailed:
		return "failed"
	}
	return fmt.Sprintf("JobStatus(%d)", int(s))
}

// ParseJobStatus decodes the worker's status string. The worker has used
// several spellings over time; all of them map onto the four states.
func ParseJobStatus(raw string) (JobStatus, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "pending", "queued", "blocked":
		return JobPending, nil
	case "processing", "running", "in_progress", "started":
		return JobProcessing, nil
	case "completed", "finished", "success", "succeeded":
		return JobCompleted, nil
	case "failed", "error", "cancelled", "expired":
		return JobFailed, nil
	}
	return 0, fmt.Errorf("unknown job status %q", raw)
}

const (
	JobTypeVideo     = "generate_video" // 文本/首帧 -> 视频
	JobTypeNarration = "generate_audio" // 文本 -> 旁白语音
)

// GenerationRequest is one submission to the rendering service.
type GenerationRequest struct {
	Type        string
	ProjectID   string
	SceneID     string
	SceneNumber int
	Model       string
	Prompt      string
	// SeedFrameURL switches the job to image-to-video when set.
	SeedFrameURL string
	Voice        string
	Text         string
}

// JobResult is one observation of a submitted job.
type JobResult struct {
	Status    JobStatus
	OutputURL string
	Error     string
	Duration  float64
}

// Gateway is the external rendering service.
type Gateway interface {
	Submit(ctx context.Context, req GenerationRequest) (string, error)
	Poll(ctx context.Context, jobID string) (JobResult, error)
	Cancel(ctx context.Context, jobID string) error
}

// WorkerGateway talks to the worker over HTTP:
// POST /v1/generate and GET /v1/jobs/{id}.
type WorkerGateway struct {
	Endpoint string
	Client   *http.Client
}

func NewWorkerGateway(endpoint string, timeout time.Duration) *WorkerGateway {
	return &WorkerGateway{
		Endpoint: strings.TrimRight(endpoint, "/"),
		Client:   &http.Client{Timeout: timeout},
	}
}

func (g *WorkerGateway) Submit(ctx context.Context, req GenerationRequest) (string, error) {
	params := map[string]interface{}{
		"scene_id":     req.SceneID,
		"scene_number": req.SceneNumber,
		"model":        req.Model,
	}
	switch req.Type {
	case JobTypeVideo:
		params["prompt"] = req.Prompt
		if req.SeedFrameURL != "" {
			params["image_url"] = req.SeedFrameURL
			params["mode"] = "image_to_video"
		} else {
			params["mode"] = "text_to_video"
		}
	case JobTypeNarration:
		params["voice"] = req.Voice
		params["text"] = req.Text
	default:
		return "", fmt.Errorf("%w: unsupported job type %q", ErrPermanentValidation, req.Type)
	}

	body, err := json.Marshal(map[string]interface{}{
		"project_id": req.ProjectID,
		"type":       req.Type,
		"parameters": params,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request failed: %v", err)
	}

	fullURL := g.Endpoint + "/v1/generate"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, fullURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	log.Printf("POST %s (%s scene %d)", fullURL, req.Type, req.SceneNumber)

	resp, err := g.Client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransientUpstream, err)
	}
	defer resp.Body.Close()
	if err := classifyStatus(resp); err != nil {
		return "", err
	}

	var respData map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&respData); err != nil {
		return "", fmt.Errorf("%w: decode response failed: %v", ErrTransientUpstream, err)
	}
	// 优先返回根节点的 id
	if id, ok := respData["id"].(string); ok && id != "" {
		return id, nil
	}
	if jobID, ok := respData["job_id"].(string); ok && jobID != "" {
		return jobID, nil
	}
	return "", fmt.Errorf("%w: response missing 'id'", ErrTransientUpstream)
}

// Poll reads the job once. It never waits for completion.
func (g *WorkerGateway) Poll(ctx context.Context, jobID string) (JobResult, error) {
	if jobID == "" {
		return JobResult{}, fmt.Errorf("%w: empty job id", ErrPermanentValidation)
	}
	jobURL := fmt.Sprintf("%s/v1/jobs/%s", g.Endpoint, jobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jobURL, nil)
	if err != nil {
		return JobResult{}, err
	}
	resp, err := g.Client.Do(req)
	if err != nil {
		return JobResult{}, fmt.Errorf("%w: %v", ErrTransientUpstream, err)
	}
	defer resp.Body.Close()
	if err := classifyStatus(resp); err != nil {
		return JobResult{}, err
	}

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return JobResult{}, fmt.Errorf("%w: read body: %v", ErrTransientUpstream, err)
	}
	var raw struct {
		Status string `json:"status"`
		Result struct {
			ResourceURL string  `json:"resource_url"`
			Duration    float64 `json:"duration"`
		} `json:"result"`
		Error    string  `json:"error"`
		Duration float64 `json:"duration"`
	}
	if err := json.Unmarshal(bodyBytes, &raw); err != nil {
		bodyStr := string(bodyBytes)
		if len(bodyStr) > 2000 {
			bodyStr = bodyStr[:2000] + "..."
		}
		return JobResult{}, fmt.Errorf("%w: 解析响应失败: %v, body: %s", ErrTransientUpstream, err, bodyStr)
	}
	status, err := ParseJobStatus(raw.Status)
	if err != nil {
		return JobResult{}, fmt.Errorf("%w: %v", ErrTransientUpstream, err)
	}
	out := JobResult{
		Status:    status,
		OutputURL: raw.Result.ResourceURL,
		Error:     raw.Error,
		Duration:  raw.Result.Duration,
	}
	if out.Duration == 0 {
		out.Duration = raw.Duration
	}
	return out, nil
}

// Cancel asks the worker to drop a job. 404 means it is already gone.
func (g *WorkerGateway) Cancel(ctx context.Context, jobID string) error {
	if jobID == "" {
		return fmt.Errorf("%w: empty job id", ErrPermanentValidation)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, g.Endpoint+"/v1/jobs/"+jobID, nil)
	if err != nil {
		return fmt.Errorf("create delete request failed: %w", err)
	}
	resp, err := g.Client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: worker delete request failed: %v", ErrTransientUpstream, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return classifyStatus(resp)
}

func classifyStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusOK, resp.StatusCode == http.StatusCreated, resp.StatusCode == http.StatusAccepted:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return fmt.Errorf("%w: worker status code: %d", ErrTransientUpstream, resp.StatusCode)
	default:
		return fmt.Errorf("%w: worker status code: %d", ErrPermanentValidation, resp.StatusCode)
	}
}
