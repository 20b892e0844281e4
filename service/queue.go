package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"MovieGen-server/config"

	"github.com/hibiken/asynq"
)

const (
	TypePipelinePass = "pipeline:pass"
)

// PassPayload 记录触发来源：scheduler / admin / cli
type PassPayload struct {
	Trigger string `json:"trigger"`
}

var QueueClient *asynq.Client

func redisOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     config.AppConfig.Redis.Addr,
		Password: config.AppConfig.Redis.Password,
	}
}

// InitQueue 初始化
func InitQueue() {
	QueueClient = asynq.NewClient(redisOpt())
}

// NewPassTask builds the pass task. A pass never retries through asynq: the
// next scheduled trigger is the retry. Timeout and uniqueness follow the lock
// TTL so a pass cannot outlive its lock.
func NewPassTask(trigger string, lockTTL time.Duration) (*asynq.Task, error) {
	payload, err := json.Marshal(PassPayload{Trigger: trigger})
	if err != nil {
		return nil, fmt.Errorf("marshal payload failed: %w", err)
	}
	return asynq.NewTask(TypePipelinePass, payload,
		asynq.MaxRetry(0),
		asynq.Timeout(lockTTL),
		asynq.Unique(lockTTL),
		asynq.Retention(24*time.Hour),
	), nil
}

// EnqueuePass 手动触发一轮。已有排队中的 pass 时返回 "" 且不报错
func EnqueuePass(trigger string) (string, error) {
	task, err := NewPassTask(trigger, config.AppConfig.Pipeline.LockTTL)
	if err != nil {
		return "", err
	}
	info, err := QueueClient.Enqueue(task)
	if errors.Is(err, asynq.ErrDuplicateTask) {
		log.Printf("[Queue] pass already queued, trigger=%s", trigger)
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("enqueue failed: %w", err)
	}
	log.Printf("[Queue] Pass Enqueued: ID=%s, trigger=%s", info.ID, trigger)
	return info.ID, nil
}

// StartScheduler 按 pipeline.schedule 周期性投递 pass 任务
func StartScheduler() error {
	cfg := config.AppConfig.Pipeline
	scheduler := asynq.NewScheduler(redisOpt(), &asynq.SchedulerOpts{
		Location: time.UTC,
	})
	task, err := NewPassTask("scheduler", cfg.LockTTL)
	if err != nil {
		return err
	}
	entryID, err := scheduler.Register(cfg.Schedule, task)
	if err != nil {
		return fmt.Errorf("register schedule %q: %w", cfg.Schedule, err)
	}
	log.Printf("Scheduler registered %s (%s), entry=%s", TypePipelinePass, cfg.Schedule, entryID)
	go func() {
		if err := scheduler.Run(); err != nil {
			log.Fatalf("could not run scheduler: %v", err)
		}
	}()
	return nil
}
