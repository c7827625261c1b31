package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/synapsemodel/backend/internal/db"
	"github.com/synapsemodel/backend/internal/logger"
	"github.com/synapsemodel/backend/internal/queue"
	"github.com/synapsemodel/backend/internal/repos"
	"github.com/synapsemodel/backend/internal/types"
)

func main() {
	var days int
	var statuses string
	var skipQueue bool
	var dryRun bool
	flag.IntVar(&days, "days", 30, "delete terminal jobs older than this many days")
	flag.StringVar(&statuses, "statuses", "completed,failed", "comma separated statuses to purge")
	flag.BoolVar(&skipQueue, "skip-queue", false, "skip purging expired queue entries and dead letters")
	flag.BoolVar(&dryRun, "dry-run", false, "report what would be deleted without deleting")
	flag.Parse()

	log, err := logger.New(os.Getenv("LOG_MODE"))
	if err != nil {
		fmt.Printf("init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Error("Postgres init failed", "error", err)
		os.Exit(1)
	}
	jobRepo := repos.NewJobRepo(postgresService.DB(), log)
	ctx := context.Background()

	var purgeStatuses []types.JobStatus
	for _, s := range strings.Split(statuses, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		status := types.JobStatus(s)
		if !status.IsTerminal() {
			log.Error("refusing to purge non-terminal status", "status", s)
			os.Exit(1)
		}
		purgeStatuses = append(purgeStatuses, status)
	}

	if dryRun {
		counts, err := jobRepo.CountByStatus(ctx, nil)
		if err != nil {
			log.Error("count jobs failed", "error", err)
			os.Exit(1)
		}
		for _, s := range purgeStatuses {
			fmt.Printf("%s: %d total (older-than filter applies on delete)\n", s, counts[s])
		}
		return
	}

	deleted, err := jobRepo.DeleteOlderThan(ctx, nil, days, purgeStatuses)
	if err != nil {
		log.Error("purge failed", "error", err)
		os.Exit(1)
	}
	fmt.Printf("deleted %d jobs older than %d days\n", deleted, days)

	if skipQueue {
		return
	}
	if strings.TrimSpace(os.Getenv("REDIS_ADDR")) == "" {
		log.Warn("REDIS_ADDR not set, skipping queue cleanup")
		return
	}
	dispatcher, err := queue.NewRedisDispatcher(log)
	if err != nil {
		log.Error("dispatcher init failed", "error", err)
		os.Exit(1)
	}
	defer dispatcher.Close()
	if err := dispatcher.CleanOld(ctx); err != nil {
		log.Error("queue cleanup failed", "error", err)
		os.Exit(1)
	}
	fmt.Println("queue retention cleanup done")
}
