package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"MovieGen-server/config"
	"MovieGen-server/models"

	"gorm.io/gorm"
)

// fakeGateway completes every job unless outcome says otherwise.
type fakeGateway struct {
	mu        sync.Mutex
	submits   []GenerationRequest
	jobs      map[string]JobResult
	pollErr   error
	cancelled []string
	// outcome is consulted once per submission; attempt counts submissions of
	// the same type for the same scene, starting at 1.
	outcome func(req GenerationRequest, attempt int) JobResult
	// submitErr fails a submission outright; failed submissions still count
	// as attempts.
	submitErr func(req GenerationRequest, attempt int) error
	// beforeSubmit runs outside the lock, ahead of every submission.
	beforeSubmit func(req GenerationRequest)
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{jobs: make(map[string]JobResult)}
}

func (g *fakeGateway) Submit(ctx context.Context, req GenerationRequest) (string, error) {
	if g.beforeSubmit != nil {
		g.beforeSubmit(req)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	attempt := 1
	for _, r := range g.submits {
		if r.SceneID == req.SceneID && r.Type == req.Type {
			attempt++
		}
	}
	g.submits = append(g.submits, req)
	if g.submitErr != nil {
		if err := g.submitErr(req, attempt); err != nil {
			return "", err
		}
	}
	id := fmt.Sprintf("job-%d", len(g.submits))
	res := JobResult{Status: JobCompleted, OutputURL: "http://gw/" + id, Duration: 5}
	if g.outcome != nil {
		res = g.outcome(req, attempt)
		if res.Status == JobCompleted && res.OutputURL == "" {
			res.OutputURL = "http://gw/" + id
		}
	}
	g.jobs[id] = res
	return id, nil
}

func (g *fakeGateway) Poll(ctx context.Context, jobID string) (JobResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pollErr != nil {
		return JobResult{}, g.pollErr
	}
	res, ok := g.jobs[jobID]
	if !ok {
		return JobResult{}, fmt.Errorf("%w: unknown job %s", ErrPermanentValidation, jobID)
	}
	return res, nil
}

func (g *fakeGateway) Cancel(ctx context.Context, jobID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelled = append(g.cancelled, jobID)
	return nil
}

func (g *fakeGateway) submitted(jobType string) []GenerationRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []GenerationRequest
	for _, r := range g.submits {
		if r.Type == jobType {
			out = append(out, r)
		}
	}
	return out
}

type fakeStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{objects: make(map[string][]byte)}
}

func (s *fakeStorage) Put(ctx context.Context, key string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
	return "http://cdn/" + key, nil
}

func (s *fakeStorage) get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.objects[key]
	return b, ok
}

// fakeMedia echoes urls as content so tests can see what was merged.
type fakeMedia struct {
	frameErr error
}

func (m *fakeMedia) Fetch(ctx context.Context, url string) ([]byte, error) {
	return []byte(url), nil
}

func (m *fakeMedia) LastFrame(ctx context.Context, video []byte) ([]byte, error) {
	if m.frameErr != nil {
		return nil, m.frameErr
	}
	return []byte("frame:" + string(video)), nil
}

func (m *fakeMedia) MuxNarration(ctx context.Context, video, audio []byte) ([]byte, error) {
	return []byte(string(video) + "+" + string(audio)), nil
}

func testPipelineConfig() config.PipelineConfig {
	return config.PipelineConfig{
		JobName:      "test-pipeline",
		BatchSize:    10,
		MaxRetries:   3,
		LockTTL:      5 * time.Minute,
		Concurrency:  2,
		SceneCost:    10,
		DefaultModel: "video-gen-test",
		StepTimeout:  30 * time.Minute,
	}
}

type harness struct {
	db      *gorm.DB
	orch    *Orchestrator
	gw      *fakeGateway
	storage *fakeStorage
	media   *fakeMedia
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := models.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		if raw, err := db.DB(); err == nil {
			raw.Close()
		}
	})
	h := &harness{db: db, gw: newFakeGateway(), storage: newFakeStorage(), media: &fakeMedia{}}
	h.orch = NewOrchestrator(db, h.gw, h.storage, h.media, testPipelineConfig())
	return h
}

// seed creates a generating project with n scenes and grants the owner credits.
func (h *harness) seed(t *testing.T, id, owner string, n int, credits int64, voice string) *models.Project {
	t.Helper()
	ctx := context.Background()
	p := &models.Project{ID: id, OwnerID: owner, Title: id}
	if voice != "" {
		p.VoiceID = &voice
	}
	scenes := make([]models.Scene, n)
	for i := range scenes {
		scenes[i] = models.Scene{
			ID:          fmt.Sprintf("%s-s%d", id, i+1),
			SceneNumber: i + 1,
			Prompt:      fmt.Sprintf("scene %d of %s", i+1, id),
			Narration:   fmt.Sprintf("narration %d", i+1),
		}
	}
	if err := models.CreateProjectPlan(ctx, h.db, p, scenes); err != nil {
		t.Fatalf("create plan: %v", err)
	}
	if credits > 0 {
		if _, err := models.Grant(ctx, h.db, owner, credits, "seed"); err != nil {
			t.Fatalf("grant: %v", err)
		}
	}
	if err := h.orch.StartProject(ctx, id); err != nil {
		t.Fatalf("start: %v", err)
	}
	return h.project(t, id)
}

func (h *harness) project(t *testing.T, id string) *models.Project {
	t.Helper()
	p, err := models.GetProject(context.Background(), h.db, id)
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	return p
}

func (h *harness) scenes(t *testing.T, projectID string) []models.Scene {
	t.Helper()
	s, err := models.ListScenes(context.Background(), h.db, projectID)
	if err != nil {
		t.Fatalf("list scenes: %v", err)
	}
	return s
}

func (h *harness) balance(t *testing.T, owner string) int64 {
	t.Helper()
	b, err := models.Balance(context.Background(), h.db, owner)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return b
}

// countKinds tallies ledger rows per kind for an owner.
func (h *harness) countKinds(t *testing.T, owner string) map[string]int {
	t.Helper()
	txs, err := models.ListTransactions(context.Background(), h.db, owner, 1000)
	if err != nil {
		t.Fatalf("transactions: %v", err)
	}
	out := make(map[string]int)
	for _, tx := range txs {
		out[tx.Kind]++
	}
	return out
}

// runUntil runs passes until the project leaves generating or limit passes.
func (h *harness) runUntil(t *testing.T, projectID string, limit int) (int, *models.Project) {
	t.Helper()
	for i := 1; i <= limit; i++ {
		report, err := h.orch.RunPass(context.Background())
		if err != nil {
			t.Fatalf("pass %d: %v", i, err)
		}
		if report.Errors != 0 {
			t.Fatalf("pass %d reported %d errors", i, report.Errors)
		}
		p := h.project(t, projectID)
		if p.Status != models.ProjectStatusGenerating {
			return i, p
		}
	}
	return limit, h.project(t, projectID)
}

var errFrame = errors.New("ffmpeg exploded")
