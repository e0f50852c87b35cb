package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	config "advisor0/app/configs"
	"advisor0/app/core/agent"
	"advisor0/app/core/integrations/calendar"
	"advisor0/app/core/integrations/gmail"
	"advisor0/app/core/integrations/hubspot"
	httpingress "advisor0/app/core/interaction/http"
	"advisor0/app/core/orchestrator/crm"
	"advisor0/app/core/orchestrator/db"
	"advisor0/app/core/orchestrator/instruction"
	"advisor0/app/core/orchestrator/memory"
	"advisor0/app/core/orchestrator/profile"
	"advisor0/app/core/orchestrator/task"
	"advisor0/app/core/orchestrator/tools"
	"advisor0/app/core/orchestrator/webhook"
	"advisor0/app/core/runtime"
	"advisor0/app/core/scheduler"
	"advisor0/app/pkg/logger"
)

func main() {
	if err := logger.Init("output/logs"); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	logger.Info("Advisor0 Starting...")

	cfgManager, err := config.NewManager(config.DefaultPath())
	if err != nil {
		logger.Error("Failed to load config: %v", err)
		os.Exit(1)
	}
	cfg := cfgManager.Get()

	database, err := db.NewSQLiteDB("output/db")
	if err != nil {
		logger.Error("Failed to initialize DB: %v", err)
		os.Exit(1)
	}
	defer database.Close()
	logger.Info("Database initialized successfully")

	taskStore := task.NewStore(database)
	memoryStore := memory.NewStore(database)
	instructionStore := instruction.NewStore(database)
	eventStore := webhook.NewStore(database)
	profileStore := profile.NewStore(database)
	crmStore := crm.NewStore(database)

	orchestrator := agent.New(agent.Deps{
		Config:       cfgManager,
		Tasks:        taskStore,
		Memories:     memoryStore,
		Instructions: instructionStore,
		Events:       eventStore,
		Profiles:     profileStore,
		CRM:          crmStore,
		NewRegistry: func(p profile.Profile) *tools.Registry {
			// Each user's integration tools run with their own tokens.
			return tools.NewBuiltinRegistry(tools.Deps{
				Tasks:    taskStore,
				Memories: memoryStore,
				CRM:      crmStore,
				Gmail:    gmail.NewClient(p.GoogleToken),
				Calendar: calendar.NewClient(p.GoogleToken),
				Hubspot:  hubspot.NewClient(p.HubspotToken),
			})
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobScheduler := scheduler.New()
	if err := runtime.RegisterProcessorJobs(jobScheduler, cfgManager, orchestrator, taskStore, eventStore); err != nil {
		logger.Error("Failed to register processor jobs: %v", err)
		os.Exit(1)
	}
	if err := jobScheduler.Start(ctx); err != nil {
		logger.Error("Failed to start scheduler: %v", err)
		os.Exit(1)
	}
	defer func() {
		if err := jobScheduler.Stop(3 * time.Second); err != nil {
			logger.Error("Scheduler shutdown timeout: %v", err)
		}
	}()

	server := httpingress.NewServer(cfgManager, orchestrator, taskStore, profileStore, eventStore)
	go func() {
		if err := server.Start(); err != nil {
			logger.Error("HTTP server crashed: %v", err)
			os.Exit(1)
		}
	}()

	logger.Info("Advisor0 is ready to serve.")
	fmt.Printf("- Webhook ingress: http://localhost:%d/webhooks/{source}\n", cfg.HTTP.Port)
	fmt.Printf("- Task API:        http://localhost:%d/tasks\n", cfg.HTTP.Port)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Received signal: %v. Advisor0 Shutting Down...", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.HTTP.ShutdownPeriod)*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown: %v", err)
	}
	cancel()
}
