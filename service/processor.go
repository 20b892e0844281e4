package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"MovieGen-server/config"

	"github.com/hibiken/asynq"
)

// Processor 消费 pass 任务
type Processor struct {
	Orchestrator *Orchestrator
}

func NewProcessor(o *Orchestrator) *Processor {
	return &Processor{Orchestrator: o}
}

// StartProcessor 启动任务消费者
func (p *Processor) StartProcessor(concurrency int) {
	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     config.AppConfig.Redis.Addr,
			Password: config.AppConfig.Redis.Password,
		},
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				"default": 1,
			},
		},
	)
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypePipelinePass, p.HandlePassTask)

	log.Printf("Starting Pass Processor with concurrency %d...", concurrency)
	go func() {
		if err := srv.Run(mux); err != nil {
			log.Fatalf("could not run server: %v", err)
		}
	}()
}

// HandlePassTask runs one orchestrator pass. Overlapping deliveries are safe:
// the loser of the lock returns without doing anything.
func (p *Processor) HandlePassTask(ctx context.Context, t *asynq.Task) error {
	var payload PassPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}

	report, err := p.Orchestrator.RunPass(ctx)
	if err != nil {
		log.Printf("[Pass] trigger=%s failed: %v", payload.Trigger, err)
		return err
	}
	if report.Skipped {
		return nil
	}
	log.Printf("[Pass] trigger=%s done: projects=%d errors=%d", payload.Trigger, report.Projects, report.Errors)
	return nil
}
