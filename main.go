package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"MovieGen-server/config"
	"MovieGen-server/models"
	"MovieGen-server/routers"
	"MovieGen-server/service"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config.yaml")
	once := flag.Bool("once", false, "run a single pass and exit")
	flag.Parse()

	config.InitConfig(*configPath)
	cfg := config.AppConfig
	fmt.Println("Server starting on port", cfg.Server.Port)
	models.InitDB()
	fmt.Println("Database initialized")

	storage, err := service.NewMinIOStorage(cfg)
	if err != nil {
		log.Fatalf("%v", err)
	}
	fmt.Println("MinIO initialized")

	orch := service.NewOrchestrator(
		models.GormDB,
		service.NewWorkerGateway(cfg.Worker.Addr, cfg.Worker.Timeout),
		storage,
		service.NewFFmpegMedia(cfg.Pipeline.FFmpegPath),
		cfg.Pipeline,
	)

	if *once {
		report, err := orch.RunPass(context.Background())
		if err != nil {
			log.Fatalf("pass failed: %v", err)
		}
		log.Printf("pass done: skipped=%v projects=%d errors=%d", report.Skipped, report.Projects, report.Errors)
		return
	}

	service.InitQueue()
	fmt.Println("Queue initialized")
	if err := service.StartScheduler(); err != nil {
		log.Fatalf("%v", err)
	}

	processor := service.NewProcessor(orch)
	processor.StartProcessor(1)

	r := routers.InitRouter(orch)
	if err := r.Run(cfg.Server.Port); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
}
